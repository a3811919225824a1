package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/analyser"
)

// Pipeline wires a capture device to a frame consumer. It owns the
// [FrameSource], an input [analyser.Analyser] and any number of taps (for
// example a recorder) that see every frame before the consumer does.
//
// Setup and Shutdown may be called repeatedly; a session reconnect tears the
// pipeline down and builds it again. The mic-duration counter survives
// across rebuilds.
type Pipeline struct {
	dev     any
	onFrame func(audio.AudioFrame)
	opts    []SourceOption

	analyser *analyser.Analyser
	taps     []func(audio.AudioFrame)

	mu     sync.Mutex
	source FrameSource
	cancel context.CancelFunc

	micFrames atomic.Int64
}

// PipelineOption configures a [Pipeline].
type PipelineOption func(*Pipeline)

// WithAnalyser attaches an input level analyser.
func WithAnalyser(a *analyser.Analyser) PipelineOption {
	return func(p *Pipeline) { p.analyser = a }
}

// WithTap adds a function that observes every captured frame. Taps run on
// the framing goroutine and must not block.
func WithTap(fn func(audio.AudioFrame)) PipelineOption {
	return func(p *Pipeline) {
		if fn != nil {
			p.taps = append(p.taps, fn)
		}
	}
}

// WithSourceOptions forwards options to the [FrameSource] created by Setup.
func WithSourceOptions(opts ...SourceOption) PipelineOption {
	return func(p *Pipeline) { p.opts = append(p.opts, opts...) }
}

// NewPipeline creates a pipeline for dev, which must implement
// [CallbackDevice] or [BlockingDevice]. onFrame receives each wire frame in
// capture order.
func NewPipeline(dev any, onFrame func(audio.AudioFrame), opts ...PipelineOption) *Pipeline {
	p := &Pipeline{dev: dev, onFrame: onFrame}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Setup opens the device and starts framing. It is idempotent: calling it
// on a running pipeline is a no-op. Errors wrapping [ErrDeviceUnavailable]
// mean the microphone could not be opened at all.
func (p *Pipeline) Setup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source != nil {
		return nil
	}

	src, err := NewFrameSource(p.dev, p.opts...)
	if err != nil {
		return fmt.Errorf("capture: setup: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := src.Start(runCtx, p.handleFrame); err != nil {
		cancel()
		return fmt.Errorf("capture: setup: %w", err)
	}

	slog.Info("capture pipeline started", "nativeRate", src.SampleRate())
	p.source = src
	p.cancel = cancel
	return nil
}

// Running reports whether Setup has completed and Shutdown has not.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source != nil
}

// SampleRate returns the native rate of the running device, or 0.
func (p *Pipeline) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source == nil {
		return 0
	}
	return p.source.SampleRate()
}

func (p *Pipeline) handleFrame(frame audio.AudioFrame) {
	p.micFrames.Add(1)
	if p.analyser != nil {
		p.analyser.Observe(frame)
	}
	for _, tap := range p.taps {
		tap(frame)
	}
	if p.onFrame != nil {
		p.onFrame(frame)
	}
}

// MicDuration is the total duration of audio captured so far, counted in
// whole frames across every Setup/Shutdown cycle.
func (p *Pipeline) MicDuration() time.Duration {
	return time.Duration(p.micFrames.Load()) * audio.FrameDuration
}

// Analyser returns the input analyser, or nil.
func (p *Pipeline) Analyser() *analyser.Analyser { return p.analyser }

// Shutdown stops the source and releases the device. Every step runs even
// when an earlier one fails; failures are logged and returned joined.
// Calling Shutdown on a pipeline that is not running is a no-op.
func (p *Pipeline) Shutdown() error {
	p.mu.Lock()
	src, cancel := p.source, p.cancel
	p.source, p.cancel = nil, nil
	p.mu.Unlock()

	if src == nil {
		return nil
	}

	var errs []error
	if err := src.Stop(); err != nil {
		slog.Warn("capture: failed to stop source", "err", err)
		errs = append(errs, fmt.Errorf("stop source: %w", err))
	}
	if cancel != nil {
		cancel()
	}
	if p.analyser != nil {
		p.analyser.Reset()
	}
	slog.Info("capture pipeline stopped", "micDuration", p.MicDuration())
	return errors.Join(errs...)
}
