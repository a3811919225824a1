// Package record writes a voice session to a WAV file: microphone audio on
// the left channel and assistant speech on the right, aligned on the
// microphone timeline.
package record

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

const (
	channels      = 2
	bitsPerSample = 16
	headerSize    = 44
)

// wavHeader is the canonical 44-byte PCM WAV header.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

func newHeader(dataSize uint32) wavHeader {
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    audio.TargetSampleRate,
		ByteRate:      audio.TargetSampleRate * channels * bitsPerSample / 8,
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("record: recorder closed")

// Recorder streams a stereo 24 kHz PCM16 WAV. Microphone frames advance the
// timeline; assistant frames are placed at the microphone duration they were
// scheduled at, or right after the previous assistant frame if that is
// later. The header sizes are patched on Close.
//
// Safe for concurrent use by the capture and playback goroutines.
type Recorder struct {
	mu     sync.Mutex
	dst    io.WriteSeeker
	buf    *bufio.Writer
	closer io.Closer

	written int64   // stereo sample frames flushed so far
	right   []int16 // assistant samples for positions written, written+1, ...
	closed  bool
}

// Create opens path for writing and returns a recorder writing to it.
func Create(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("record: create %q: %w", path, err)
	}
	r, err := New(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// New writes a placeholder header to dst and returns a recorder. dst is not
// closed by [Recorder.Close].
func New(dst io.WriteSeeker) (*Recorder, error) {
	r := &Recorder{dst: dst, buf: bufio.NewWriter(dst)}
	if err := binary.Write(r.buf, binary.LittleEndian, newHeader(0)); err != nil {
		return nil, fmt.Errorf("record: write header: %w", err)
	}
	return r, nil
}

// WriteMic appends one captured frame to the left channel.
func (r *Recorder) WriteMic(frame audio.AudioFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return r.flush(audio.BytesToInt16s(frame.Data))
}

// WriteOutput places one assistant frame on the right channel at the given
// microphone duration.
func (r *Recorder) WriteOutput(frame audio.AudioFrame, micDuration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	samples := audio.BytesToInt16s(frame.Data)
	if frame.Channels > 1 {
		samples = audio.BytesToInt16s(audio.Downmix16(frame.Data, frame.Channels))
	}

	at := max(durationToSamples(micDuration)-r.written, int64(len(r.right)))
	// Pending positions up to at stay silent.
	for int64(len(r.right)) < at {
		r.right = append(r.right, 0)
	}
	r.right = append(r.right, samples...)
	return nil
}

// Duration returns the length of audio flushed to the file so far.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.written) * time.Second / audio.TargetSampleRate
}

// flush writes left-channel samples interleaved with any pending assistant
// samples for the same positions.
func (r *Recorder) flush(left []int16) error {
	pair := make([]int16, 2)
	for i, l := range left {
		pair[0] = l
		pair[1] = 0
		if i < len(r.right) {
			pair[1] = r.right[i]
		}
		if err := binary.Write(r.buf, binary.LittleEndian, pair); err != nil {
			return fmt.Errorf("record: write samples: %w", err)
		}
	}
	n := min(len(left), len(r.right))
	r.right = r.right[:copy(r.right, r.right[n:])]
	r.written += int64(len(left))
	return nil
}

// Close flushes trailing assistant audio against silence, patches the header
// sizes and closes the file if the recorder opened it. Safe to call more
// than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if len(r.right) > 0 {
		if err := r.flush(make([]int16, len(r.right))); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("record: flush: %w", err))
	}
	if err := r.patchHeader(); err != nil {
		errs = append(errs, err)
	}
	if r.closer != nil {
		if err := r.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("record: close file: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) patchHeader() error {
	dataSize := uint32(r.written * channels * bitsPerSample / 8)
	if _, err := r.dst.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("record: seek header: %w", err)
	}
	if err := binary.Write(r.dst, binary.LittleEndian, newHeader(dataSize)); err != nil {
		return fmt.Errorf("record: patch header: %w", err)
	}
	if _, err := r.dst.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("record: seek end: %w", err)
	}
	return nil
}

func durationToSamples(d time.Duration) int64 {
	return int64(d) * audio.TargetSampleRate / int64(time.Second)
}
