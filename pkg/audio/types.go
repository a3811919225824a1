// Package audio holds the sample-level building blocks of the voicelink signal
// path: the [AudioFrame] wire unit, the PCM16 codec, the fixed-rate [Framer]
// that turns device blocks into 20 ms frames, and format conversion for
// playback devices.
//
// Nothing in this package returns errors for malformed audio. The audio path
// degrades to best-effort output instead of failing.
package audio

import (
	"fmt"
	"time"
)

// Wire contract with the realtime backend.
const (
	// TargetSampleRate is the rate every transmitted frame is produced at.
	TargetSampleRate = 24000

	// FrameSamples is the sample count of one frame (20 ms at 24 kHz).
	FrameSamples = 480

	// FrameDuration is the playback duration of one frame.
	FrameDuration = 20 * time.Millisecond

	// BytesPerSample is the size of one PCM16 sample.
	BytesPerSample = 2

	// FrameBytes is the encoded size of one mono frame: 480 × 2 bytes.
	FrameBytes = FrameSamples * BytesPerSample
)

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport: produced by the [Framer] on
// the capture side, sent once by the transport, or decoded once on the receive
// side and handed to playback. They are not retained afterwards.
type AudioFrame struct {
	// Data holds little-endian signed 16-bit PCM samples.
	Data []byte

	// SampleRate in Hz (24000 for everything crossing the wire).
	SampleRate int

	// Channels: 1 for mono. Playback devices may require 2.
	Channels int

	// Timestamp marks the frame's position relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (BytesPerSample * ch)
}

// Duration returns the playback length of the frame. Zero when the sample
// rate is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// WireFormat is the format of every frame exchanged with the backend.
var WireFormat = Format{SampleRate: TargetSampleRate, Channels: 1}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
