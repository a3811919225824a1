// Package status serves the local monitoring API of a running voice session:
// liveness and readiness probes, Prometheus metrics, the live transcript and
// the backend error list.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/transcript"
	"github.com/MrWong99/voicelink/pkg/audio/analyser"
	"github.com/MrWong99/voicelink/pkg/realtime"
)

// Session is the view of a voice session the server reports on.
type Session interface {
	ID() string
	State() realtime.State
	Stats() realtime.Stats
	LastError() error
	Transcript() []transcript.Entry
	Errors() []realtime.ErrorEntry
	DismissError(id string) bool
	InputLevels() analyser.Levels
	OutputLevels() analyser.Levels
	MicDuration() time.Duration
}

// Config configures a [Server].
type Config struct {
	// Addr is the listen address, e.g. ":9090".
	Addr string

	// Session is reported on. Required.
	Session Session

	// Checkers run on /readyz in addition to the session-ready check.
	Checkers []health.Checker

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Metrics records request durations. Defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Server is the status HTTP server.
type Server struct {
	srv     *http.Server
	session Session
	started time.Time
}

// New builds the server and its routes. Nothing listens until
// [Server.ListenAndServe].
func New(cfg Config) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Server{session: cfg.Session, started: time.Now()}

	checkers := append([]health.Checker{{
		Name:    "session",
		Timeout: time.Second,
		Check:   s.checkSession,
	}}, cfg.Checkers...)

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /transcript", s.handleTranscript)
	mux.HandleFunc("GET /errors", s.handleErrors)
	mux.HandleFunc("DELETE /errors/{id}", s.handleDismiss)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           observe.Middleware(cfg.Metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.ListenAndServe] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("status server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) checkSession(context.Context) error {
	if st := s.session.State(); st != realtime.StateSessionReady {
		return errors.New("session is " + st.String())
	}
	return nil
}

type levelsView struct {
	RMS    float64 `json:"rms"`
	Peak   float64 `json:"peak"`
	Frames int64   `json:"frames"`
}

func toLevelsView(l analyser.Levels) levelsView {
	return levelsView{RMS: l.RMS, Peak: l.Peak, Frames: l.Frames}
}

type statusView struct {
	SessionID     string     `json:"session_id"`
	State         string     `json:"state"`
	LastError     string     `json:"last_error,omitempty"`
	Uptime        string     `json:"uptime"`
	MicSeconds    float64    `json:"mic_seconds"`
	FramesSent    int64      `json:"frames_sent"`
	FramesDropped int64      `json:"frames_dropped"`
	Reconnects    int64      `json:"reconnects"`
	Input         levelsView `json:"input"`
	Output        levelsView `json:"output"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.session.Stats()
	v := statusView{
		SessionID:     s.session.ID(),
		State:         s.session.State().String(),
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		MicSeconds:    s.session.MicDuration().Seconds(),
		FramesSent:    st.FramesSent,
		FramesDropped: st.FramesDropped,
		Reconnects:    st.Reconnects,
		Input:         toLevelsView(s.session.InputLevels()),
		Output:        toLevelsView(s.session.OutputLevels()),
	}
	if err := s.session.LastError(); err != nil {
		v.LastError = err.Error()
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	entries := s.session.Transcript()
	if entries == nil {
		entries = []transcript.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type errorView struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

func (s *Server) handleErrors(w http.ResponseWriter, _ *http.Request) {
	entries := s.session.Errors()
	out := make([]errorView, 0, len(entries))
	for _, e := range entries {
		out = append(out, errorView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if !s.session.DismissError(r.PathValue("id")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such error"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("status: encode response", "err", err)
	}
}
