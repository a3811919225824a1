package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 2 * time.Second
)

// Reconnector schedules reconnection attempts after abnormal closes. Each
// attempt waits a fixed backoff; after MaxRetries consecutive attempts
// without reaching session-ready it gives up until [Reconnector.Reset].
//
// All methods are safe for concurrent use.
type Reconnector struct {
	maxRetries int
	backoff    time.Duration
	connect    func(ctx context.Context) error
	onAttempt  func(attempt int)
	onGiveUp   func()

	mu       sync.Mutex
	attempts int
	timer    *time.Timer
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// MaxRetries is the maximum number of consecutive attempts. Defaults to
	// 5 if zero; negative disables reconnection.
	MaxRetries int

	// Backoff is the fixed delay before each attempt. Defaults to 2s if zero.
	Backoff time.Duration

	// Connect performs one attempt. An error schedules the next attempt
	// unless it wraps [ErrSubprotocolRejected].
	Connect func(ctx context.Context) error

	// OnAttempt is called before each attempt with its 1-based number. May be nil.
	OnAttempt func(attempt int)

	// OnGiveUp is called once the retry budget is exhausted. May be nil.
	OnGiveUp func()
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	r := &Reconnector{
		maxRetries: max(maxRetries, 0),
		backoff:    backoff,
		connect:    cfg.Connect,
		onAttempt:  cfg.OnAttempt,
		onGiveUp:   cfg.OnGiveUp,
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Schedule arranges the next attempt after the backoff. It is a no-op while
// an attempt is already pending, and gives up once the budget is spent.
func (r *Reconnector) Schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.timer != nil {
		return
	}
	if r.attempts >= r.maxRetries {
		slog.Error("realtime: reconnection failed after max retries", "max_retries", r.maxRetries)
		if r.onGiveUp != nil {
			go r.onGiveUp()
		}
		return
	}
	r.attempts++
	attempt := r.attempts
	ctx := r.ctx
	r.timer = time.AfterFunc(r.backoff, func() { r.attempt(ctx, attempt) })
}

func (r *Reconnector) attempt(ctx context.Context, attempt int) {
	r.mu.Lock()
	if r.ctx == ctx {
		r.timer = nil
	}
	r.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	slog.Info("realtime: attempting reconnection",
		"attempt", attempt,
		"max_retries", r.maxRetries,
		"backoff", r.backoff,
	)
	if r.onAttempt != nil {
		r.onAttempt(attempt)
	}

	err := r.connect(ctx)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	slog.Warn("realtime: reconnection attempt failed", "attempt", attempt, "err", err)
	if errors.Is(err, ErrSubprotocolRejected) {
		return
	}
	r.Schedule()
}

// Reset clears the attempt counter; called once the session is ready again.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
}

// Cancel drops any pending attempt and resets the counter. The reconnector
// stays usable.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.cancel()
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.attempts = 0
}

// Stop permanently disables the reconnector. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.cancel()
}

// Attempts returns the number of attempts made since the last reset.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Pending reports whether an attempt is scheduled.
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}
