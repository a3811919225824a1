package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"layeh.com/gopus"

	"github.com/MrWong99/voicelink/pkg/audio"
)

const (
	// maxOpusFrameSize is the largest Opus packet duration (120 ms) in
	// samples per channel at the wire rate.
	maxOpusFrameSize = audio.TargetSampleRate * 120 / 1000
)

var (
	oggMagic      = []byte("OggS")
	opusHeadMagic = []byte("OpusHead")
	opusTagsMagic = []byte("OpusTags")
)

// HasOggMagic reports whether payload starts with the Ogg capture pattern
// "OggS" (4F 67 67 53).
func HasOggMagic(payload []byte) bool {
	return bytes.HasPrefix(payload, oggMagic)
}

// OggOpusDecoder decodes a stream of Ogg/Opus payloads into 24 kHz mono PCM
// frames. The stream may arrive split over many payloads, each holding one
// or more complete pages; the first payload of a stream must carry the
// OpusHead page. A payload carrying a new OpusHead restarts the stream.
//
// Each Ogg page is expected to hold exactly one Opus packet.
//
// Not safe for concurrent use; a [Channel] serialises access.
type OggOpusDecoder struct {
	reader  *oggreader.OggReader
	opus    *gopus.Decoder
	decoded time.Duration
}

// NewOggOpusDecoder returns a decoder awaiting its first OpusHead page.
func NewOggOpusDecoder() *OggOpusDecoder {
	return &OggOpusDecoder{}
}

// Decode implements [Decoder]. Frames decoded before a malformed page are
// returned together with the error.
func (d *OggOpusDecoder) Decode(payload []byte) ([]audio.AudioFrame, error) {
	if !HasOggMagic(payload) {
		return nil, errors.New("decode: payload is not an Ogg page")
	}

	if d.reader == nil || startsStream(payload) {
		if err := d.open(payload); err != nil {
			return nil, err
		}
	} else {
		d.reader.ResetReader(func(int64) io.Reader { return bytes.NewReader(payload) })
	}

	var frames []audio.AudioFrame
	for {
		page, _, err := d.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("decode: ogg page: %w", err)
		}
		if len(page) == 0 || bytes.HasPrefix(page, opusTagsMagic) {
			continue
		}

		pcm, err := d.opus.Decode(page, maxOpusFrameSize, false)
		if err != nil {
			return frames, fmt.Errorf("decode: opus: %w", err)
		}
		frame := audio.AudioFrame{
			Data:       audio.Int16sToBytes(pcm),
			SampleRate: audio.TargetSampleRate,
			Channels:   1,
			Timestamp:  d.decoded,
		}
		d.decoded += frame.Duration()
		frames = append(frames, frame)
	}
}

// open starts a new logical stream. oggreader consumes the OpusHead page.
func (d *OggOpusDecoder) open(payload []byte) error {
	reader, _, err := oggreader.NewWith(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("decode: open ogg stream: %w", err)
	}
	dec, err := gopus.NewDecoder(audio.TargetSampleRate, 1)
	if err != nil {
		return fmt.Errorf("decode: create opus decoder: %w", err)
	}
	d.reader = reader
	d.opus = dec
	d.decoded = 0
	return nil
}

// startsStream reports whether the first page of payload is an OpusHead
// identification page.
func startsStream(payload []byte) bool {
	// 27-byte page header, then the segment table, then the packet.
	if len(payload) < 27 {
		return false
	}
	body := 27 + int(payload[26])
	return body < len(payload) && bytes.HasPrefix(payload[body:], opusHeadMagic)
}
