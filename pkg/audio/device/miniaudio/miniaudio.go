// Package miniaudio provides capture and playback devices backed by
// miniaudio through github.com/gen2brain/malgo.
//
// [Microphone] is a callback device: miniaudio invokes the data callback on
// its own realtime thread, which suits capture.CallbackDevice. [Speaker]
// pulls from a [device.Queue] in the same way.
package miniaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/device"
)

// Context owns the miniaudio backend context shared by devices.
type Context struct {
	ctx *malgo.AllocatedContext
}

// NewContext initialises miniaudio with its default backend order.
func NewContext() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the backend context. Devices must be closed first.
func (c *Context) Close() error {
	if err := c.ctx.Uninit(); err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	c.ctx.Free()
	return nil
}

// ─── capture ──────────────────────────────────────────────────────────────────

// Microphone is a mono float32 capture device.
type Microphone struct {
	ctx *Context

	mu  sync.Mutex
	dev *malgo.Device
}

// NewMicrophone returns an unopened microphone on the default input.
func (c *Context) NewMicrophone() *Microphone {
	return &Microphone{ctx: c}
}

// OpenCallback implements capture.CallbackDevice. A rate of 0 opens the
// device at its native rate.
func (m *Microphone) OpenCallback(sampleRate int, onBlock func([]float32)) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		return 0, errors.New("miniaudio: microphone already open")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(max(sampleRate, 0))
	cfg.Alsa.NoMMap = 1

	var scratch []float32
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frames uint32) {
			scratch = bytesToFloats(scratch[:0], input[:frames*4])
			onBlock(scratch)
		},
	}
	dev, err := malgo.InitDevice(m.ctx.ctx.Context, cfg, callbacks)
	if err != nil {
		return 0, fmt.Errorf("miniaudio: init capture device: %w", err)
	}
	m.dev = dev
	return int(dev.SampleRate()), nil
}

// Start implements capture.CallbackDevice.
func (m *Microphone) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev == nil {
		return errors.New("miniaudio: microphone not open")
	}
	if err := m.dev.Start(); err != nil {
		return fmt.Errorf("miniaudio: start capture: %w", err)
	}
	return nil
}

// Close implements capture.CallbackDevice. The device can be reopened.
func (m *Microphone) Close() error {
	m.mu.Lock()
	dev := m.dev
	m.dev = nil
	m.mu.Unlock()
	if dev == nil {
		return nil
	}
	err := dev.Stop()
	dev.Uninit()
	if err != nil {
		return fmt.Errorf("miniaudio: stop capture: %w", err)
	}
	return nil
}

// ─── playback ─────────────────────────────────────────────────────────────────

// queueMillis is how much audio the speaker buffers between Write and the
// device callback.
const queueMillis = 200

// Speaker is a PCM16 playback device implementing playback.Sink.
type Speaker struct {
	dev    *malgo.Device
	queue  *device.Queue
	format audio.Format
	once   sync.Once
}

// OpenSpeaker opens the default output at the wire rate in mono; miniaudio
// converts to the hardware format internally.
func (c *Context) OpenSpeaker() (*Speaker, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = audio.TargetSampleRate
	cfg.Alsa.NoMMap = 1

	s := &Speaker{}
	bytesPerMilli := audio.TargetSampleRate * audio.BytesPerSample / 1000
	s.queue = device.NewQueue(queueMillis * bytesPerMilli)

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frames uint32) {
			s.queue.Fill(output[:frames*audio.BytesPerSample])
		},
	}
	dev, err := malgo.InitDevice(c.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("miniaudio: start playback: %w", err)
	}
	s.dev = dev
	s.format = audio.Format{SampleRate: int(dev.SampleRate()), Channels: 1}
	return s, nil
}

// Format implements playback.Sink.
func (s *Speaker) Format() audio.Format { return s.format }

// Write implements playback.Sink. It blocks while the device buffer is full.
func (s *Speaker) Write(pcm []byte) error {
	return s.queue.Write(pcm)
}

// Underruns returns the number of device callbacks that ran dry mid-buffer.
func (s *Speaker) Underruns() int64 { return s.queue.Underruns() }

// Close implements playback.Sink.
func (s *Speaker) Close() error {
	var err error
	s.once.Do(func() {
		s.queue.Close()
		if stopErr := s.dev.Stop(); stopErr != nil {
			err = fmt.Errorf("miniaudio: stop playback: %w", stopErr)
		}
		s.dev.Uninit()
	})
	return err
}

// bytesToFloats decodes little-endian float32 samples, reusing dst.
func bytesToFloats(dst []float32, b []byte) []float32 {
	for i := 0; i+4 <= len(b); i += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
	}
	return dst
}
