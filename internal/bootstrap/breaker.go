package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [TokenSource.Token] while the token endpoint
// is considered down.
var ErrCircuitOpen = errors.New("bootstrap: token endpoint circuit open")

// BreakerState is the operating mode of a [TokenSource]'s breaker.
type BreakerState int

const (
	// BreakerClosed forwards every request.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects requests with [ErrCircuitOpen] until the cooldown
	// has elapsed.
	BreakerOpen

	// BreakerHalfOpen lets a single probe through after the cooldown.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults for [TokenSourceConfig].
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 30 * time.Second
)

// TokenSourceConfig configures a [TokenSource].
type TokenSourceConfig struct {
	// URL is the token endpoint.
	URL string

	// Client performs the requests. Defaults to http.DefaultClient.
	Client *http.Client

	// Timeout aborts each request. Default: [DefaultTimeout].
	Timeout time.Duration

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before a probe. Default: 30s.
	Cooldown time.Duration
}

// TokenSource fetches tokens through a circuit breaker. After MaxFailures
// consecutive failures it fails fast for Cooldown, then lets one probe
// through: success closes the breaker, failure re-opens it.
//
// A TokenSource is safe for concurrent use.
type TokenSource struct {
	url         string
	client      *http.Client
	timeout     time.Duration
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	probeActive bool
}

// NewTokenSource returns a [TokenSource] with a closed breaker.
func NewTokenSource(cfg TokenSourceConfig) *TokenSource {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &TokenSource{
		url:         cfg.URL,
		client:      cfg.Client,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         time.Now,
	}
}

// Token fetches a fresh token, or returns [ErrCircuitOpen] without a
// request while the breaker is open.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	probe, err := s.allow()
	if err != nil {
		return "", err
	}
	token, err := FetchToken(ctx, s.client, s.url, s.timeout)
	if ctx.Err() != nil && err != nil {
		// Caller cancellation is not an endpoint failure.
		s.release(probe)
		return "", err
	}
	s.record(probe, err)
	return token, err
}

// Header fetches a token and returns it as an Authorization header, ready
// for realtime.Config.Authorize.
func (s *TokenSource) Header(ctx context.Context) (http.Header, error) {
	token, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}
	return AuthHeader(token), nil
}

// State returns the breaker state. An open breaker whose cooldown has
// elapsed reports [BreakerHalfOpen].
func (s *TokenSource) State() BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == BreakerOpen && s.now().Sub(s.openedAt) >= s.cooldown {
		return BreakerHalfOpen
	}
	return s.state
}

// Reset closes the breaker and clears the failure count.
func (s *TokenSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = BreakerClosed
	s.failures = 0
	s.probeActive = false
}

// allow decides whether a request may proceed and whether it is the probe.
func (s *TokenSource) allow() (probe bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case BreakerOpen:
		if s.now().Sub(s.openedAt) < s.cooldown {
			return false, ErrCircuitOpen
		}
		s.state = BreakerHalfOpen
		slog.Info("bootstrap: token breaker half-open", "url", s.url)
		fallthrough
	case BreakerHalfOpen:
		if s.probeActive {
			return false, ErrCircuitOpen
		}
		s.probeActive = true
		return true, nil
	}
	return false, nil
}

func (s *TokenSource) release(probe bool) {
	if !probe {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeActive = false
}

func (s *TokenSource) record(probe bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if probe {
		s.probeActive = false
	}
	if err == nil {
		if s.state != BreakerClosed {
			slog.Info("bootstrap: token breaker closed", "url", s.url)
		}
		s.state = BreakerClosed
		s.failures = 0
		return
	}
	s.failures++
	if probe || s.failures >= s.maxFailures {
		if s.state != BreakerOpen {
			slog.Warn("bootstrap: token breaker opened",
				"url", s.url,
				"consecutive_failures", s.failures,
				"err", err,
			)
		}
		s.state = BreakerOpen
		s.openedAt = s.now()
	}
}
