// Package contextinject delivers a caller-supplied context payload to the
// backend once the session becomes ready.
//
// The payload is opaque JSON. A [Task] polls readiness on a fixed interval
// and sends the payload exactly once; it gives up after a bounded number of
// attempts and is stopped together with the session that owns it.
package contextinject

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults applied by [New].
const (
	DefaultInterval    = 500 * time.Millisecond
	DefaultMaxAttempts = 20
)

var (
	// ErrAttemptsExhausted is reported when the payload could not be sent
	// within MaxAttempts attempts.
	ErrAttemptsExhausted = errors.New("contextinject: attempts exhausted")

	// ErrStopped is reported when the task was stopped before sending.
	ErrStopped = errors.New("contextinject: stopped")
)

// Config configures a [Task].
type Config struct {
	// Payload is sent verbatim. An empty payload completes the task
	// immediately without sending.
	Payload json.RawMessage

	// Ready reports whether the session currently accepts context.
	Ready func() bool

	// Send delivers the payload. An error counts as a failed attempt.
	Send func(payload json.RawMessage) error

	// Interval between attempts. Defaults to [DefaultInterval].
	Interval time.Duration

	// MaxAttempts bounds the number of attempts. Defaults to
	// [DefaultMaxAttempts] if zero.
	MaxAttempts int

	// Logger receives attempt diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Task is a one-shot delivery of a context payload.
//
// All methods are safe for concurrent use.
type Task struct {
	payload     json.RawMessage
	ready       func() bool
	send        func(json.RawMessage) error
	interval    time.Duration
	maxAttempts int
	log         *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	mu       sync.Mutex
	attempts int
	sent     bool
	err      error
}

// New creates a [Task]. It does nothing until [Task.Start] is called.
func New(cfg Config) *Task {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Task{
		payload:     cfg.Payload,
		ready:       cfg.Ready,
		send:        cfg.Send,
		interval:    interval,
		maxAttempts: maxAttempts,
		log:         log,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the delivery loop. The first attempt happens immediately.
// Subsequent calls are no-ops.
func (t *Task) Start(ctx context.Context) {
	t.startOnce.Do(func() { go t.loop(ctx) })
}

// Stop cancels delivery if it has not completed. Safe to call multiple times
// and before Start.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Done is closed when the task finishes for any reason.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx is done and returns [Task.Err].
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns nil after a successful send, otherwise the reason the task
// ended. It is nil while the task is still running.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Sent reports whether the payload was delivered.
func (t *Task) Sent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

// Attempts returns the number of attempts made so far.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *Task) loop(ctx context.Context) {
	defer close(t.done)

	if len(t.payload) == 0 {
		return
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if ok := t.attempt(); ok {
			return
		}
		if t.Attempts() >= t.maxAttempts {
			t.finish(fmt.Errorf("%w after %d attempts", ErrAttemptsExhausted, t.maxAttempts))
			t.log.Warn("contextinject: giving up", "attempts", t.maxAttempts)
			return
		}
		select {
		case <-ctx.Done():
			t.finish(ctx.Err())
			return
		case <-t.stop:
			t.finish(ErrStopped)
			return
		case <-ticker.C:
		}
	}
}

// attempt makes one delivery attempt and reports whether it succeeded.
func (t *Task) attempt() bool {
	select {
	case <-t.stop:
		return false
	default:
	}

	t.mu.Lock()
	t.attempts++
	n := t.attempts
	t.mu.Unlock()

	if t.ready == nil || !t.ready() {
		t.log.Debug("contextinject: session not ready", "attempt", n)
		return false
	}
	if t.send == nil {
		return false
	}
	if err := t.send(t.payload); err != nil {
		t.log.Warn("contextinject: send failed", "attempt", n, "err", err)
		return false
	}

	t.mu.Lock()
	t.sent = true
	t.mu.Unlock()
	t.log.Info("contextinject: context delivered", "attempt", n, "bytes", len(t.payload))
	return true
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}
