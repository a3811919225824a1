// Package voice wires a microphone, the realtime transport and a speaker into
// one voice session.
//
// A [Session] owns a [realtime.Transport] and reacts to its state changes:
// when a connection opens it builds a playback pipeline, starts capture and
// schedules context injection; when the connection closes for any reason it
// tears all of that down again. An automatic reconnect therefore gets fresh
// pipelines, while the transcript, the recording and the error list live for
// the whole session.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicelink/internal/contextinject"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/transcript"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/analyser"
	"github.com/MrWong99/voicelink/pkg/audio/capture"
	"github.com/MrWong99/voicelink/pkg/audio/playback"
	"github.com/MrWong99/voicelink/pkg/audio/record"
	"github.com/MrWong99/voicelink/pkg/realtime"
)

// Config holds everything a [Session] needs.
type Config struct {
	// Transport configures the realtime connection. Its Session field carries
	// the voice, instructions and recording consent.
	Transport realtime.Config

	// Microphone is a capture.CallbackDevice or capture.BlockingDevice. It is
	// reopened for every connection.
	Microphone any

	// OpenSpeaker opens the output device. It is called once per connection
	// because the playback pipeline closes its sink on teardown.
	OpenSpeaker func() (playback.Sink, error)

	// CaptureBlockSize and CaptureQueueDepth tune the frame source. Zero
	// keeps the capture package defaults.
	CaptureBlockSize  int
	CaptureQueueDepth int

	// OutputQueueDepth bounds the frames buffered ahead of the speaker.
	OutputQueueDepth int

	// RecordPath enables a stereo WAV recording of both directions. It is
	// ignored unless Transport.Session.AllowRecording is set.
	RecordPath string

	// Context is an opaque JSON payload delivered once per connection after
	// the session becomes ready, and attached to text messages.
	Context         json.RawMessage
	ContextInterval time.Duration
	ContextAttempts int

	// Vocabulary lists terms user turns are corrected towards.
	Vocabulary []string

	// MaxTranscriptEntries caps the transcript. Zero keeps everything.
	MaxTranscriptEntries int

	// Metrics receives session instruments. Defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Session is one voice conversation with the backend. All methods are safe
// for concurrent use.
type Session struct {
	id       string
	cfg      Config
	metrics  *observe.Metrics
	ctx      context.Context
	cancel   context.CancelFunc
	started  time.Time
	endpoint string

	transport  *realtime.Transport
	capture    *capture.Pipeline
	transcript *transcript.Buffer
	recorder   *record.Recorder
	inputLevel *analyser.Analyser

	// mu guards the per-connection resources and the context payload.
	mu             sync.Mutex
	playback       *playback.Pipeline
	inject         *contextinject.Task
	span           trace.Span
	dialStarted    time.Time
	lastSetup      error
	contextPayload json.RawMessage

	ready     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds a session. Nothing is opened until [Session.Start].
func New(cfg Config) (*Session, error) {
	if cfg.Microphone == nil {
		return nil, errors.New("voice: no microphone configured")
	}
	if cfg.OpenSpeaker == nil {
		return nil, errors.New("voice: no speaker configured")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Session{
		id:             uuid.NewString(),
		cfg:            cfg,
		metrics:        cfg.Metrics,
		started:        time.Now(),
		inputLevel:     analyser.New(analyser.DefaultWindow),
		contextPayload: cfg.Context,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var tOpts []transcript.Option
	if len(cfg.Vocabulary) > 0 {
		tOpts = append(tOpts, transcript.WithCorrector(transcript.NewVocabulary(cfg.Vocabulary)))
	}
	if cfg.MaxTranscriptEntries > 0 {
		tOpts = append(tOpts, transcript.WithMaxEntries(cfg.MaxTranscriptEntries))
	}
	s.transcript = transcript.NewBuffer(tOpts...)

	if cfg.RecordPath != "" && cfg.Transport.Session.AllowRecording {
		rec, err := record.Create(cfg.RecordPath)
		if err != nil {
			s.cancel()
			return nil, fmt.Errorf("voice: %w", err)
		}
		s.recorder = rec
	}

	var srcOpts []capture.SourceOption
	if cfg.CaptureBlockSize > 0 {
		srcOpts = append(srcOpts, capture.WithBlockSize(cfg.CaptureBlockSize))
	}
	if cfg.CaptureQueueDepth > 0 {
		srcOpts = append(srcOpts, capture.WithQueueDepth(cfg.CaptureQueueDepth))
	}
	srcOpts = append(srcOpts, capture.WithOverflowHandler(func() {
		s.metrics.RecordFrameDropped(s.ctx, observe.DropCaptureOverflow)
	}))
	capOpts := []capture.PipelineOption{
		capture.WithAnalyser(s.inputLevel),
		capture.WithSourceOptions(srcOpts...),
		capture.WithTap(func(audio.AudioFrame) { s.metrics.FramesCaptured.Add(s.ctx, 1) }),
	}
	if s.recorder != nil {
		capOpts = append(capOpts, capture.WithTap(func(f audio.AudioFrame) {
			if err := s.recorder.WriteMic(f); err != nil && !errors.Is(err, record.ErrClosed) {
				slog.Warn("voice: recording microphone frame failed", "err", err)
			}
		}))
	}
	s.capture = capture.NewPipeline(cfg.Microphone, s.sendFrame, capOpts...)

	tcfg := cfg.Transport
	userAttempt := tcfg.OnReconnectAttempt
	tcfg.OnReconnectAttempt = func(attempt int) {
		s.metrics.ReconnectAttempts.Add(s.ctx, 1)
		if userAttempt != nil {
			userAttempt(attempt)
		}
	}
	s.transport = realtime.New(tcfg, realtime.HandlerFuncs{
		Transcript:    s.transcript.AppendUser,
		AssistantText: s.transcript.AppendAssistant,
		OutputAudio:   s.playOutput,
		Debug: func(debug json.RawMessage) {
			slog.Debug("voice: backend debug output", "session_id", s.id, "bytes", len(debug))
		},
		ServerError: func(e realtime.ServerError) {
			s.metrics.RecordServerError(s.ctx, e.Kind)
		},
	})
	s.transport.OnStateChange(s.onStateChange)

	endpoint, err := s.transport.Endpoint()
	if err != nil {
		s.cancel()
		if s.recorder != nil {
			_ = s.recorder.Close()
		}
		return nil, fmt.Errorf("voice: %w", err)
	}
	s.endpoint = endpoint
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Start connects to the backend. Capture and playback start once the
// socket is open; audio flows once the backend confirms the session.
func (s *Session) Start(ctx context.Context) error {
	if s.closed.Load() {
		return errors.New("voice: session closed")
	}
	slog.Info("voice session starting",
		"session_id", s.id,
		"endpoint", s.endpoint,
		"dialect", s.transport.Dialect().Name,
	)
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("voice: connect: %w", err)
	}
	return nil
}

// Reconnect opens a new connection after the transport gave up or was
// disconnected. It is a no-op while connected.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.Start(ctx)
}

// Disconnect closes the connection without ending the session.
func (s *Session) Disconnect() error {
	return s.transport.Disconnect()
}

// onStateChange runs on whichever goroutine moved the transport.
func (s *Session) onStateChange(old, state realtime.State) {
	s.metrics.RecordStateTransition(s.ctx, state.String())

	if old == realtime.StateSessionReady && s.ready.CompareAndSwap(true, false) {
		s.metrics.ActiveSessions.Add(s.ctx, -1)
	}

	switch state {
	case realtime.StateConnecting:
		s.beginConnect()
	case realtime.StateOpen:
		s.setup()
	case realtime.StateSessionReady:
		if s.ready.CompareAndSwap(false, true) {
			s.metrics.ActiveSessions.Add(s.ctx, 1)
		}
		s.endConnect(nil)
		slog.Info("voice session ready", "session_id", s.id)
	case realtime.StateClosed:
		s.endConnect(s.transport.LastError())
		s.teardown()
	}
}

func (s *Session) beginConnect() {
	_, span := observe.StartSessionSpan(s.ctx, s.id, s.endpoint, s.transport.Dialect().Name)
	s.mu.Lock()
	prev := s.span
	s.span = span
	s.dialStarted = time.Now()
	s.mu.Unlock()
	if prev != nil {
		prev.End()
	}
}

// endConnect closes the connect span. A nil err records the dial-to-ready
// latency; a non-nil one marks the span failed.
func (s *Session) endConnect(err error) {
	s.mu.Lock()
	span, started := s.span, s.dialStarted
	s.span = nil
	s.mu.Unlock()
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		s.metrics.ConnectDuration.Record(s.ctx, time.Since(started).Seconds())
	}
	span.End()
}

// setup builds the per-connection pipelines. Failures are logged and kept
// for [Session.LastError]; the connection stays up so text still works.
func (s *Session) setup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() || s.playback != nil {
		return
	}
	s.lastSetup = nil

	sink, err := s.cfg.OpenSpeaker()
	if err != nil {
		slog.Error("voice: failed to open speaker", "session_id", s.id, "err", err)
		s.lastSetup = fmt.Errorf("voice: open speaker: %w", err)
	} else {
		pb := playback.New(sink,
			playback.WithOutputDepth(s.cfg.OutputQueueDepth),
			playback.WithMicClock(s.capture.MicDuration),
			playback.WithOnOutput(s.onOutput),
			playback.WithDecodeErrorHandler(func(err error) {
				s.metrics.DecodeErrors.Add(s.ctx, 1)
				slog.Debug("voice: dropping undecodable output", "err", err)
			}),
		)
		pb.Start(s.ctx)
		s.playback = pb
	}

	if err := s.capture.Setup(s.ctx); err != nil {
		slog.Error("voice: failed to start capture", "session_id", s.id, "err", err)
		s.lastSetup = errors.Join(s.lastSetup, err)
	}

	if len(s.contextPayload) > 0 {
		s.inject = contextinject.New(contextinject.Config{
			Payload:     s.contextPayload,
			Ready:       s.transport.Ready,
			Send:        s.transport.SendContext,
			Interval:    s.cfg.ContextInterval,
			MaxAttempts: s.cfg.ContextAttempts,
		})
		s.inject.Start(s.ctx)
	}
}

// teardown releases the per-connection pipelines. Safe to call repeatedly.
func (s *Session) teardown() {
	s.mu.Lock()
	pb, inject := s.playback, s.inject
	s.playback, s.inject = nil, nil
	s.mu.Unlock()

	if inject != nil {
		inject.Stop()
	}
	if err := s.capture.Shutdown(); err != nil {
		slog.Warn("voice: capture shutdown", "session_id", s.id, "err", err)
	}
	if pb != nil {
		if err := pb.Close(); err != nil {
			slog.Warn("voice: playback shutdown", "session_id", s.id, "err", err)
		}
	}
	s.transcript.Flush()
}

func (s *Session) sendFrame(frame audio.AudioFrame) {
	err := s.transport.SendFrame(frame)
	switch {
	case err == nil:
		s.metrics.FramesSent.Add(s.ctx, 1)
	case errors.Is(err, realtime.ErrSendQueueFull):
		s.metrics.RecordFrameDropped(s.ctx, observe.DropSendQueueFull)
	default:
		s.metrics.RecordFrameDropped(s.ctx, observe.DropNotReady)
	}
}

func (s *Session) playOutput(payload []byte) {
	s.mu.Lock()
	pb := s.playback
	s.mu.Unlock()
	if pb == nil {
		return
	}
	if err := pb.Enqueue(payload); err != nil && !errors.Is(err, playback.ErrClosed) {
		slog.Warn("voice: dropping output audio", "session_id", s.id, "err", err)
	}
}

func (s *Session) onOutput(of playback.OutputFrame) {
	s.metrics.OutputFrames.Add(s.ctx, 1)
	if s.recorder == nil {
		return
	}
	if err := s.recorder.WriteOutput(of.Frame, of.MicDuration); err != nil && !errors.Is(err, record.ErrClosed) {
		slog.Warn("voice: recording output frame failed", "err", err)
	}
}

// SendText sends a typed user message with the session context attached.
func (s *Session) SendText(text string) error {
	s.transcript.AppendUser(text)
	s.transcript.Flush()
	s.mu.Lock()
	payload := s.contextPayload
	s.mu.Unlock()
	return s.transport.SendText(text, payload)
}

// SetContext replaces the context payload. It is injected on the next
// connection and attached to later text messages.
func (s *Session) SetContext(payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contextPayload = payload
}

// Commit ends the user's spoken turn on backends that need it.
func (s *Session) Commit() error {
	s.transcript.Flush()
	return s.transport.Commit()
}

// SetSession updates voice, instructions and consent for the next
// connection.
func (s *Session) SetSession(cfg realtime.SessionConfig) {
	s.transport.SetSession(cfg)
}

// State returns the transport state.
func (s *Session) State() realtime.State { return s.transport.State() }

// Transcript returns a copy of the transcript so far.
func (s *Session) Transcript() []transcript.Entry { return s.transcript.Entries() }

// OnTranscriptUpdate registers fn to observe transcript changes.
func (s *Session) OnTranscriptUpdate(fn func(transcript.Entry)) { s.transcript.OnUpdate(fn) }

// InputLevels returns the microphone levels.
func (s *Session) InputLevels() analyser.Levels { return s.inputLevel.Snapshot() }

// OutputLevels returns the speaker levels, or zero levels while no
// connection is open.
func (s *Session) OutputLevels() analyser.Levels {
	s.mu.Lock()
	pb := s.playback
	s.mu.Unlock()
	if pb == nil {
		return analyser.Levels{}
	}
	_, out := pb.Analysers()
	return out.Snapshot()
}

// Errors returns the undismissed backend errors.
func (s *Session) Errors() []realtime.ErrorEntry { return s.transport.Errors() }

// DismissError removes a backend error by ID.
func (s *Session) DismissError(id string) bool { return s.transport.DismissError(id) }

// LastError returns the most recent transport or device error.
func (s *Session) LastError() error {
	if err := s.transport.LastError(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSetup
}

// Stats returns transport counters.
func (s *Session) Stats() realtime.Stats { return s.transport.Stats() }

// MicDuration returns the total captured audio duration.
func (s *Session) MicDuration() time.Duration { return s.capture.MicDuration() }

// Close ends the session: it disconnects without reconnecting, releases the
// devices and finalises the recording. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		var errs []error
		if err := s.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("voice: close transport: %w", err))
		}
		s.teardown()
		s.endConnect(errors.New("voice: session closed before ready"))
		s.cancel()
		if s.recorder != nil {
			if err := s.recorder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("voice: close recording: %w", err))
			}
		}
		if s.ready.CompareAndSwap(true, false) {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		slog.Info("voice session closed",
			"session_id", s.id,
			"duration", time.Since(s.started).Round(time.Millisecond),
			"transcript_entries", s.transcript.Len(),
		)
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
