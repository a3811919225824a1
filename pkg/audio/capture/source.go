// Package capture owns the microphone side of a voice session: it opens a
// capture device, frames its native-rate blocks into 20 ms wire frames and
// hands them, in capture order, to the session transport.
//
// Devices come in two flavours. A [CallbackDevice] pushes blocks from a
// realtime callback; a [BlockingDevice] is polled with Read. [NewFrameSource]
// detects which one it was given and returns the matching [FrameSource]. Both
// produce bit-identical frames for identical input.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// Defaults for frame sources.
const (
	// DefaultBlockSize is the number of native samples requested per Read
	// from a [BlockingDevice].
	DefaultBlockSize = 1024

	// DefaultQueueDepth bounds how many callback blocks may wait for the
	// framing goroutine before new blocks are dropped.
	DefaultQueueDepth = 64

	stopTimeout = time.Second
)

var (
	// ErrUnsupportedDevice is returned by [NewFrameSource] when the device
	// implements neither capture interface.
	ErrUnsupportedDevice = errors.New("capture: device supports neither callback nor blocking capture")

	// ErrDeviceUnavailable wraps failures to open the microphone at all
	// (permission denied, no input device). Callers should prompt the user.
	ErrDeviceUnavailable = errors.New("capture: microphone unavailable")
)

// CallbackDevice is a capture device that delivers blocks from a realtime
// callback. The callback must return quickly; the samples slice is only
// valid for the duration of the call.
type CallbackDevice interface {
	// OpenCallback prepares mono capture at sampleRate (0 selects the device
	// default) and returns the rate actually achieved.
	OpenCallback(sampleRate int, onBlock func(samples []float32)) (int, error)
	Start() error
	Close() error
}

// BlockingDevice is a capture device polled for fixed-size blocks.
type BlockingDevice interface {
	// OpenBlocking prepares mono capture at sampleRate (0 selects the device
	// default) delivering blockSize samples per Read, and returns the rate
	// actually achieved.
	OpenBlocking(sampleRate, blockSize int) (int, error)
	// Read blocks until buf is filled or the device fails. Close must unblock it.
	Read(buf []float32) (int, error)
	Close() error
}

// FrameSource produces wire frames from a capture device.
type FrameSource interface {
	// Start opens the device and begins delivering frames to onFrame, one
	// call per frame in capture order, from a single goroutine.
	Start(ctx context.Context, onFrame func(audio.AudioFrame)) error

	// SampleRate returns the native rate the device achieved. Zero before Start.
	SampleRate() int

	// Stop releases the device. No frames are delivered after Stop returns.
	// Safe to call more than once.
	Stop() error
}

// SourceOption configures a [FrameSource].
type SourceOption func(*sourceConfig)

type sourceConfig struct {
	blockSize  int
	queueDepth int
	onOverflow func()
}

// WithBlockSize sets the Read block size for blocking devices.
func WithBlockSize(n int) SourceOption {
	return func(c *sourceConfig) {
		if n > 0 {
			c.blockSize = n
		}
	}
}

// WithQueueDepth sets the callback hand-off queue depth.
func WithQueueDepth(n int) SourceOption {
	return func(c *sourceConfig) {
		if n > 0 {
			c.queueDepth = n
		}
	}
}

// WithOverflowHandler registers fn to be called whenever a callback block is
// dropped because the framing goroutine fell behind.
func WithOverflowHandler(fn func()) SourceOption {
	return func(c *sourceConfig) { c.onOverflow = fn }
}

// NewFrameSource returns the [FrameSource] matching the capabilities of dev.
// Callback capture is preferred when dev supports both.
func NewFrameSource(dev any, opts ...SourceOption) (FrameSource, error) {
	cfg := sourceConfig{blockSize: DefaultBlockSize, queueDepth: DefaultQueueDepth}
	for _, o := range opts {
		o(&cfg)
	}
	switch d := dev.(type) {
	case CallbackDevice:
		return &callbackSource{dev: d, cfg: cfg, done: make(chan struct{}), exited: make(chan struct{})}, nil
	case BlockingDevice:
		return &blockSource{dev: d, cfg: cfg, done: make(chan struct{}), exited: make(chan struct{})}, nil
	default:
		return nil, ErrUnsupportedDevice
	}
}

// openPinned asks the device for the wire rate first and falls back to the
// device default when the pinned rate is rejected.
func openPinned(open func(rate int) (int, error)) (int, error) {
	rate, err := open(audio.TargetSampleRate)
	if err == nil && rate > 0 {
		return rate, nil
	}
	if err != nil {
		slog.Warn("capture: pinned sample rate rejected, using device default",
			"requested", audio.TargetSampleRate,
			"err", err,
		)
	}
	rate, err = open(0)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("%w: device reported sample rate %d", ErrDeviceUnavailable, rate)
	}
	return rate, nil
}

// ── callback source ───────────────────────────────────────────────────────────

// callbackSource copies each device block and transfers it to a dedicated
// framing goroutine, so the realtime callback never blocks on framing or on
// the consumer.
type callbackSource struct {
	dev CallbackDevice
	cfg sourceConfig

	rate    atomic.Int64
	blocks  chan []float32
	started atomic.Bool
	opened  atomic.Bool

	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

func (s *callbackSource) Start(ctx context.Context, onFrame func(audio.AudioFrame)) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("capture: source already started")
	}
	s.blocks = make(chan []float32, s.cfg.queueDepth)

	rate, err := openPinned(func(r int) (int, error) { return s.dev.OpenCallback(r, s.onBlock) })
	if err != nil {
		close(s.exited)
		return err
	}
	s.opened.Store(true)
	s.rate.Store(int64(rate))

	framer := audio.NewFramer(rate, onFrame)
	go s.run(ctx, framer)

	if err := s.dev.Start(); err != nil {
		_ = s.Stop()
		return fmt.Errorf("%w: start: %w", ErrDeviceUnavailable, err)
	}
	return nil
}

// onBlock runs on the device's realtime thread.
func (s *callbackSource) onBlock(samples []float32) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.blocks <- slices.Clone(samples):
	default:
		if s.cfg.onOverflow != nil {
			s.cfg.onOverflow()
		}
	}
}

func (s *callbackSource) run(ctx context.Context, framer *audio.Framer) {
	defer close(s.exited)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case block := <-s.blocks:
			framer.Process(block)
		}
	}
}

func (s *callbackSource) SampleRate() int { return int(s.rate.Load()) }

func (s *callbackSource) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.opened.Load() {
			err = s.dev.Close()
		}
		if s.started.Load() {
			waitExit(s.exited)
		}
	})
	return err
}

// ── block source ──────────────────────────────────────────────────────────────

// blockSource polls a blocking device and frames over an explicit
// accumulator owned by its read goroutine.
type blockSource struct {
	dev BlockingDevice
	cfg sourceConfig

	rate    atomic.Int64
	started atomic.Bool
	opened  atomic.Bool

	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

func (s *blockSource) Start(ctx context.Context, onFrame func(audio.AudioFrame)) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("capture: source already started")
	}
	rate, err := openPinned(func(r int) (int, error) { return s.dev.OpenBlocking(r, s.cfg.blockSize) })
	if err != nil {
		close(s.exited)
		return err
	}
	s.opened.Store(true)
	s.rate.Store(int64(rate))
	go s.run(ctx, rate, onFrame)
	return nil
}

func (s *blockSource) run(ctx context.Context, rate int, onFrame func(audio.AudioFrame)) {
	defer close(s.exited)

	ratio, needed := audio.FrameRatio(rate)
	acc := make([]float32, 0, needed*2)
	buf := make([]float32, s.cfg.blockSize)
	var emitted int64

	emit := func(samples []float32) {
		frame := audio.AudioFrame{
			Data:       audio.EncodePCM16(samples),
			SampleRate: audio.TargetSampleRate,
			Channels:   1,
			Timestamp:  time.Duration(emitted) * audio.FrameDuration,
		}
		emitted++
		select {
		case <-s.done:
			return
		default:
		}
		onFrame(frame)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}
		n, err := s.dev.Read(buf)
		if n > 0 {
			acc = audio.FrameBlock(acc, buf[:n], ratio, needed, emit)
		}
		if err != nil {
			select {
			case <-s.done:
			default:
				slog.Warn("capture: device read failed, stopping capture", "err", err)
			}
			return
		}
	}
}

func (s *blockSource) SampleRate() int { return int(s.rate.Load()) }

func (s *blockSource) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.opened.Load() {
			err = s.dev.Close()
		}
		if s.started.Load() {
			waitExit(s.exited)
		}
	})
	return err
}

func waitExit(exited <-chan struct{}) {
	select {
	case <-exited:
	case <-time.After(stopTimeout):
		slog.Warn("capture: device goroutine did not exit in time", "timeout", stopTimeout)
	}
}
