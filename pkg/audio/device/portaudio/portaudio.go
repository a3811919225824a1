// Package portaudio provides blocking capture and playback devices backed by
// github.com/gordonklaus/portaudio.
//
// [Microphone] is polled with Read and suits capture.BlockingDevice. Call
// [Initialize] once before opening devices and [Terminate] on exit.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// Initialize initialises the PortAudio library.
func Initialize() error {
	if err := pa.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio library.
func Terminate() error {
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// ─── capture ──────────────────────────────────────────────────────────────────

// inputStream is the part of *pa.Stream the microphone drives.
type inputStream interface {
	Read() error
	Abort() error
	Close() error
}

// Microphone is a mono float32 blocking capture stream on the default input.
type Microphone struct {
	mu      sync.Mutex
	stream  inputStream
	buf     []float32
	reading sync.WaitGroup
}

// NewMicrophone returns an unopened microphone.
func NewMicrophone() *Microphone { return &Microphone{} }

// OpenBlocking implements capture.BlockingDevice. A rate of 0 opens the
// device at its default rate.
func (m *Microphone) OpenBlocking(sampleRate, blockSize int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return 0, errors.New("portaudio: microphone already open")
	}

	rate := float64(sampleRate)
	if sampleRate <= 0 {
		in, err := pa.DefaultInputDevice()
		if err != nil {
			return 0, fmt.Errorf("portaudio: default input: %w", err)
		}
		rate = in.DefaultSampleRate
	}

	buf := make([]float32, blockSize)
	stream, err := pa.OpenDefaultStream(1, 0, rate, len(buf), buf)
	if err != nil {
		return 0, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return 0, fmt.Errorf("portaudio: start input stream: %w", err)
	}
	m.stream = stream
	m.buf = buf
	return int(stream.Info().SampleRate), nil
}

// Read implements capture.BlockingDevice. It blocks for one stream buffer.
func (m *Microphone) Read(buf []float32) (int, error) {
	m.mu.Lock()
	stream, src := m.stream, m.buf
	if stream == nil {
		m.mu.Unlock()
		return 0, errors.New("portaudio: microphone closed")
	}
	m.reading.Add(1)
	m.mu.Unlock()
	defer m.reading.Done()

	if err := stream.Read(); err != nil {
		return 0, fmt.Errorf("portaudio: read: %w", err)
	}
	return copy(buf, src), nil
}

// Close implements capture.BlockingDevice. Aborting the stream unblocks a
// pending Read; the stream is closed only once that Read has returned.
func (m *Microphone) Close() error {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()
	if stream == nil {
		return nil
	}
	var errs []error
	if err := stream.Abort(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: abort input stream: %w", err))
	}
	m.reading.Wait()
	if err := stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close input stream: %w", err))
	}
	return errors.Join(errs...)
}

// ─── playback ─────────────────────────────────────────────────────────────────

// Speaker is a blocking PCM16 playback stream implementing playback.Sink.
type Speaker struct {
	mu     sync.Mutex
	stream *pa.Stream
	buf    []int16
	fill   int
	format audio.Format
}

// OpenSpeaker opens the default output in mono. It asks for the wire rate
// and falls back to the device default rate when the host rejects it.
func OpenSpeaker() (*Speaker, error) {
	s := &Speaker{buf: make([]int16, audio.FrameSamples)}
	stream, err := pa.OpenDefaultStream(0, 1, audio.TargetSampleRate, len(s.buf), s.buf)
	if err != nil {
		out, derr := pa.DefaultOutputDevice()
		if derr != nil {
			return nil, fmt.Errorf("portaudio: default output: %w", derr)
		}
		frames := int(out.DefaultSampleRate) * int(audio.FrameDuration.Milliseconds()) / 1000
		s.buf = make([]int16, frames)
		stream, err = pa.OpenDefaultStream(0, 1, out.DefaultSampleRate, len(s.buf), s.buf)
		if err != nil {
			return nil, fmt.Errorf("portaudio: open output stream: %w", err)
		}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	s.stream = stream
	s.format = audio.Format{SampleRate: int(stream.Info().SampleRate), Channels: 1}
	return s, nil
}

// Format implements playback.Sink.
func (s *Speaker) Format() audio.Format { return s.format }

// Write implements playback.Sink. Samples are staged into the stream buffer
// and written whenever it fills; a partial tail waits for the next call.
func (s *Speaker) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return errors.New("portaudio: speaker closed")
	}
	for _, v := range audio.BytesToInt16s(pcm) {
		s.buf[s.fill] = v
		s.fill++
		if s.fill == len(s.buf) {
			if err := s.stream.Write(); err != nil {
				s.fill = 0
				return fmt.Errorf("portaudio: write: %w", err)
			}
			s.fill = 0
		}
	}
	return nil
}

// Close implements playback.Sink. A staged partial buffer is padded with
// silence and played before the stream stops.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	var errs []error
	if s.fill > 0 {
		clear(s.buf[s.fill:])
		if err := s.stream.Write(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: flush: %w", err))
		}
		s.fill = 0
	}
	if err := s.stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop output stream: %w", err))
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close output stream: %w", err))
	}
	s.stream = nil
	return errors.Join(errs...)
}
