// Package decode turns compressed speech received from the backend into
// playable PCM frames off the playback goroutine.
//
// A [Channel] is the asynchronous decode unit: one FIFO queue drained by one
// worker goroutine, so frames come out in the order payloads went in no
// matter how long each decode takes.
package decode

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// DefaultQueueDepth bounds the number of payloads waiting for the worker.
const DefaultQueueDepth = 256

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("decode: channel closed")

	// ErrQueueFull is returned by Submit when the worker has fallen too far
	// behind. The payload is dropped.
	ErrQueueFull = errors.New("decode: queue full")
)

// Decoder turns one encoded payload into zero or more PCM frames. Decoders
// are stateful and owned by exactly one [Channel].
type Decoder interface {
	Decode(payload []byte) ([]audio.AudioFrame, error)
}

// Option configures a [Channel].
type Option func(*Channel)

// WithQueueDepth sets the submission queue depth.
func WithQueueDepth(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.depth = n
		}
	}
}

// WithErrorHandler registers fn to observe decode failures. Failures are
// always logged; fn is for metrics.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Channel) { c.onError = fn }
}

// Channel decodes payloads on a dedicated goroutine and forwards the frames
// to out in submission order. After Close no further frames reach out.
type Channel struct {
	dec     Decoder
	out     func(audio.AudioFrame)
	onError func(error)
	depth   int

	queue  chan []byte
	done   chan struct{}
	exited chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewChannel starts a channel that decodes with dec and delivers to out.
func NewChannel(dec Decoder, out func(audio.AudioFrame), opts ...Option) *Channel {
	c := &Channel{
		dec:    dec,
		out:    out,
		depth:  DefaultQueueDepth,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.queue = make(chan []byte, c.depth)
	go c.run()
	return c
}

// Submit enqueues payload for decoding. Ownership of payload passes to the
// channel; the caller must not modify it afterwards.
func (c *Channel) Submit(payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.queue <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of payloads waiting for the worker.
func (c *Channel) Pending() int { return len(c.queue) }

func (c *Channel) run() {
	defer close(c.exited)
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.queue:
			frames, err := c.dec.Decode(payload)
			if err != nil {
				slog.Warn("decode: dropping malformed payload", "bytes", len(payload), "err", err)
				if c.onError != nil {
					c.onError(err)
				}
			}
			for _, f := range frames {
				if c.closed.Load() {
					return
				}
				c.out(f)
			}
		}
	}
}

// Close stops the worker and waits for it to exit. Payloads still queued
// are discarded. Safe to call more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		<-c.exited
	})
}
