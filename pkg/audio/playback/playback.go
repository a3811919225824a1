// Package playback schedules speech received from the backend onto an output
// device without gaps.
//
// Payloads enter through [Pipeline.Enqueue]. Ogg/Opus payloads go through an
// asynchronous [decode.Channel]; anything else is treated as raw 24 kHz PCM16
// and forwarded immediately. Every frame then crosses a channel to the single
// output goroutine, which converts it to the device format and writes it back
// to back.
package playback

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
	"github.com/MrWong99/voicelink/pkg/audio/decode"
)

// DefaultOutputDepth is the number of frames (20 ms each) the output node
// buffers ahead of the device.
const DefaultOutputDepth = 1500

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: pipeline closed")

// Sink is an audio output device. Write blocks until the device has accepted
// the buffer.
type Sink interface {
	// Format is the layout Write expects.
	Format() audio.Format
	Write(pcm []byte) error
	Close() error
}

// OutputFrame is a frame on its way to the output node, tagged with the
// microphone duration at the time it was scheduled so a recorder can align
// both directions.
type OutputFrame struct {
	Frame       audio.AudioFrame
	MicDuration time.Duration
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithDecoder replaces the Ogg/Opus decoder used for compressed payloads.
func WithDecoder(dec decode.Decoder) Option {
	return func(p *Pipeline) { p.decoder = dec }
}

// WithMicClock supplies the running microphone duration used to tag frames.
func WithMicClock(fn func() time.Duration) Option {
	return func(p *Pipeline) { p.micClock = fn }
}

// WithOutputDepth sets how many frames may wait for the device.
func WithOutputDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.depth = n
		}
	}
}

// WithOnOutput registers fn to observe every frame after it was written to
// the sink. fn runs on the output goroutine.
func WithOnOutput(fn func(OutputFrame)) Option {
	return func(p *Pipeline) { p.onOutput = fn }
}

// WithDecodeErrorHandler registers fn to observe decode failures.
func WithDecodeErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onDecodeError = fn }
}

// Pipeline is the playback side of a voice session. Create one per
// connection with [New], call Start, and Close it when the connection ends.
type Pipeline struct {
	sink          Sink
	conv          audio.FormatConverter
	decoder       decode.Decoder
	micClock      func() time.Duration
	onOutput      func(OutputFrame)
	onDecodeError func(error)
	depth         int

	input  *analyser.Analyser
	output *analyser.Analyser

	frames  chan OutputFrame
	decodes *decode.Channel

	played atomic.Int64
	ready  atomic.Bool
	closed atomic.Bool

	startOnce sync.Once
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a pipeline writing to sink.
func New(sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		sink:   sink,
		depth:  DefaultOutputDepth,
		input:  analyser.New(analyser.DefaultWindow),
		output: analyser.New(analyser.DefaultWindow),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.decoder == nil {
		p.decoder = decode.NewOggOpusDecoder()
	}
	p.conv.Target = sink.Format()
	return p
}

// Start launches the output node and the decode channel. The pipeline stops
// when ctx is cancelled or Close is called.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		if p.closed.Load() {
			return
		}
		p.frames = make(chan OutputFrame, p.depth)
		var opts []decode.Option
		if p.onDecodeError != nil {
			opts = append(opts, decode.WithErrorHandler(p.onDecodeError))
		}
		p.decodes = decode.NewChannel(p.decoder, p.forward, opts...)
		go p.run(ctx)
		p.ready.Store(true)
	})
}

// Enqueue schedules one payload received from the backend. Payloads starting
// with the Ogg capture pattern are decoded asynchronously; everything else is
// raw PCM16 and is forwarded before Enqueue returns.
func (p *Pipeline) Enqueue(payload []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.ready.Load() {
		return errors.New("playback: pipeline not started")
	}
	if decode.HasOggMagic(payload) {
		if err := p.decodes.Submit(payload); err != nil {
			return fmt.Errorf("playback: enqueue: %w", err)
		}
		return nil
	}
	n := len(payload) &^ 1
	p.forward(audio.AudioFrame{
		Data:       payload[:n],
		SampleRate: audio.TargetSampleRate,
		Channels:   1,
	})
	return nil
}

// forward hands a decoded frame to the output node. Frames arriving after
// Close are discarded.
func (p *Pipeline) forward(frame audio.AudioFrame) {
	if p.closed.Load() || len(frame.Data) == 0 {
		return
	}
	p.input.Observe(frame)
	var mic time.Duration
	if p.micClock != nil {
		mic = p.micClock()
	}
	select {
	case p.frames <- OutputFrame{Frame: frame, MicDuration: mic}:
	case <-p.done:
	}
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.exited)
	var writeFailed bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case of := <-p.frames:
			converted := p.conv.Convert(of.Frame)
			if len(converted.Data) == 0 {
				continue
			}
			if err := p.sink.Write(converted.Data); err != nil {
				if !writeFailed {
					slog.Warn("playback: sink write failed", "err", err)
					writeFailed = true
				}
				continue
			}
			writeFailed = false
			p.output.Observe(of.Frame)
			p.played.Add(int64(of.Frame.Duration()))
			if p.onOutput != nil {
				p.onOutput(of)
			}
		}
	}
}

// Played returns the total duration written to the sink.
func (p *Pipeline) Played() time.Duration {
	return time.Duration(p.played.Load())
}

// Pending returns the number of frames waiting for the output node.
func (p *Pipeline) Pending() int {
	if !p.ready.Load() {
		return 0
	}
	return len(p.frames)
}

// Analysers returns the input (decoded, pre-scheduling) and output (as
// written to the device) level taps.
func (p *Pipeline) Analysers() (input, output *analyser.Analyser) {
	return p.input, p.output
}

// Close stops decoding and the output node, discarding anything still
// queued, then closes the sink. Safe to call more than once; later calls
// return the first call's result.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		// Serialise with a concurrent Start so decodes and exited are settled.
		p.startOnce.Do(func() {})
		close(p.done)
		if p.ready.Load() {
			p.decodes.Close()
			<-p.exited
		}
		if err := p.sink.Close(); err != nil {
			slog.Warn("playback: failed to close sink", "err", err)
			p.closeErr = fmt.Errorf("playback: close sink: %w", err)
		}
	})
	return p.closeErr
}
