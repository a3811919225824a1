// Package realtime implements the client side of a voice session's
// WebSocket: subprotocol negotiation, the session-ready gate for outbound
// audio, in-order dispatch of inbound messages and bounded reconnection.
//
// The wire vocabulary is supplied by a [Dialect]; [DialectUnmute] and
// [DialectRealtime] cover the two backend protocols. Inbound messages are
// decoded into the closed [Event] set and dispatched to a [Handler] on the
// read goroutine, in delivery order.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voicelink/pkg/audio"
)

const (
	defaultSubprotocol = "realtime"
	defaultPath        = "/v1/realtime"
	defaultSendQueue   = 64
	defaultReadLimit   = 8 << 20
	defaultDialTimeout = 10 * time.Second
	closeTimeout       = 5 * time.Second
)

var (
	// ErrSubprotocolRejected means the server completed the handshake without
	// agreeing to the required subprotocol. The connection is closed and not
	// retried.
	ErrSubprotocolRejected = errors.New("realtime: subprotocol rejected by server")

	// ErrNotReady is returned by SendFrame outside the session-ready state.
	// The frame is dropped.
	ErrNotReady = errors.New("realtime: session not ready")

	// ErrSendQueueFull is returned by SendFrame when the writer has fallen
	// behind. The frame is dropped.
	ErrSendQueueFull = errors.New("realtime: send queue full")

	// ErrNotConnected is returned by text and commit sends without a socket.
	ErrNotConnected = errors.New("realtime: not connected")
)

// Config configures a [Transport].
type Config struct {
	// URL is the full WebSocket endpoint. Takes precedence over Origin.
	URL string

	// Origin is the page origin the endpoint is derived from: http becomes
	// ws, https becomes wss, and Path is appended.
	Origin string

	// Path is appended to Origin. Defaults to /v1/realtime.
	Path string

	// Subprotocol is required from the server. Defaults to "realtime".
	Subprotocol string

	// Dialect selects the message vocabulary. Zero value means DialectUnmute.
	Dialect Dialect

	// Session is sent once per connection after the socket opens.
	Session SessionConfig

	// Header is added to the handshake request (for example Authorization).
	Header http.Header

	// Authorize is called before every dial, reconnects included. The
	// headers it returns are added to Header; an error aborts the dial.
	// May be nil.
	Authorize func(ctx context.Context) (http.Header, error)

	// HTTPClient is used for the handshake. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// DialTimeout bounds the handshake. Defaults to 10s.
	DialTimeout time.Duration

	// MaxRetries and Backoff configure reconnection after abnormal closes.
	// See [ReconnectorConfig].
	MaxRetries int
	Backoff    time.Duration

	// SendQueue is the outbound message queue depth. Defaults to 64.
	SendQueue int

	// OnReconnectAttempt is called before each reconnection attempt. May be nil.
	OnReconnectAttempt func(attempt int)
}

// Handler receives dispatched inbound events on the read goroutine. Methods
// must not block for long; they delay every later message.
type Handler interface {
	OnTranscript(text string)
	OnAssistantText(text string)
	OnOutputAudio(payload []byte)
	OnDebug(debug json.RawMessage)
	OnServerError(err ServerError)
}

// HandlerFuncs adapts optional functions to [Handler]. Nil fields ignore
// their events.
type HandlerFuncs struct {
	Transcript    func(text string)
	AssistantText func(text string)
	OutputAudio   func(payload []byte)
	Debug         func(debug json.RawMessage)
	ServerError   func(err ServerError)
}

func (h HandlerFuncs) OnTranscript(text string) {
	if h.Transcript != nil {
		h.Transcript(text)
	}
}

func (h HandlerFuncs) OnAssistantText(text string) {
	if h.AssistantText != nil {
		h.AssistantText(text)
	}
}

func (h HandlerFuncs) OnOutputAudio(payload []byte) {
	if h.OutputAudio != nil {
		h.OutputAudio(payload)
	}
}

func (h HandlerFuncs) OnDebug(debug json.RawMessage) {
	if h.Debug != nil {
		h.Debug(debug)
	}
}

func (h HandlerFuncs) OnServerError(err ServerError) {
	if h.ServerError != nil {
		h.ServerError(err)
	}
}

// ErrorEntry is a dismissible backend error.
type ErrorEntry struct {
	ID      string
	Kind    string
	Code    string
	Message string
	Time    time.Time
}

// Stats are cumulative counters for one transport.
type Stats struct {
	FramesSent    int64
	FramesDropped int64
	Reconnects    int64
}

// Transport owns one WebSocket connection per voice session. All methods are
// safe for concurrent use.
type Transport struct {
	cfg     Config
	dialect Dialect
	handler Handler
	recon   *Reconnector

	// state is written only by the transport's own goroutines and methods
	// and read lock-free by SendFrame.
	state atomic.Int32

	// dialMu serialises connection attempts.
	dialMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	cancel      context.CancelFunc
	connDone    <-chan struct{}
	sendCh      chan []byte
	readDone    chan struct{}
	initSent    bool
	intentional bool
	lastErr     error
	errs        []ErrorEntry
	observers   []func(old, new State)

	framesSent    atomic.Int64
	framesDropped atomic.Int64
	reconnects    atomic.Int64
}

// New creates a transport in [StateIdle]. handler may be nil.
func New(cfg Config, handler Handler) *Transport {
	if cfg.Subprotocol == "" {
		cfg.Subprotocol = defaultSubprotocol
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}
	d := cfg.Dialect
	if d.Name == "" {
		d = DialectUnmute
	}
	t := &Transport{cfg: cfg, dialect: d, handler: handler}
	t.recon = NewReconnector(ReconnectorConfig{
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.Backoff,
		Connect:    t.reconnect,
		OnAttempt: func(attempt int) {
			t.reconnects.Add(1)
			if cfg.OnReconnectAttempt != nil {
				cfg.OnReconnectAttempt(attempt)
			}
		},
	})
	return t
}

// State returns the current connection state.
func (t *Transport) State() State { return State(t.state.Load()) }

// Ready reports whether audio may be sent.
func (t *Transport) Ready() bool { return t.State() == StateSessionReady }

// Dialect returns the dialect in use.
func (t *Transport) Dialect() Dialect { return t.dialect }

// OnStateChange registers fn to run after every state transition. Observers
// run synchronously on the goroutine that caused the transition.
func (t *Transport) OnStateChange(fn func(old, new State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

func (t *Transport) setState(s State) {
	old := State(t.state.Swap(int32(s)))
	if old == s {
		return
	}
	t.notifyState(old, s)
}

func (t *Transport) notifyState(old, s State) {
	slog.Debug("realtime: state change", "from", old, "to", s)
	t.mu.Lock()
	observers := slices.Clone(t.observers)
	t.mu.Unlock()
	for _, fn := range observers {
		fn(old, s)
	}
}

// SetSession replaces the session configuration. It takes effect with the
// next connection's init message.
func (t *Transport) SetSession(cfg SessionConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Session = cfg
}

// Session returns the session configuration sent on connect.
func (t *Transport) Session() SessionConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Session
}

// Endpoint returns the WebSocket URL the transport dials.
func (t *Transport) Endpoint() (string, error) {
	if t.cfg.URL != "" {
		return t.cfg.URL, nil
	}
	if t.cfg.Origin == "" {
		return "", errors.New("realtime: neither URL nor origin configured")
	}
	u, err := url.Parse(t.cfg.Origin)
	if err != nil {
		return "", fmt.Errorf("realtime: parse origin: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("realtime: unsupported origin scheme %q", u.Scheme)
	}
	u.Path = path.Join("/", u.Path, t.cfg.Path)
	return u.String(), nil
}

// Connect opens the socket and sends the session init. It is a no-op while
// a connection is open or being established.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.State().active() {
		t.mu.Unlock()
		return nil
	}
	t.intentional = false
	t.mu.Unlock()

	t.recon.Cancel()
	return t.connect(ctx)
}

// reconnect is the Reconnector's attempt function.
func (t *Transport) reconnect(ctx context.Context) error {
	t.mu.Lock()
	skip := t.intentional || t.State().active()
	t.mu.Unlock()
	if skip {
		return nil
	}
	return t.connect(ctx)
}

func (t *Transport) connect(ctx context.Context) error {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()
	if t.State().active() {
		return nil
	}
	t.setState(StateConnecting)
	if err := t.dial(ctx); err != nil {
		t.setLastError(err)
		t.setState(StateClosed)
		return err
	}
	return nil
}

func (t *Transport) dial(ctx context.Context) error {
	endpoint, err := t.Endpoint()
	if err != nil {
		return err
	}

	header := t.cfg.Header
	if t.cfg.Authorize != nil {
		extra, err := t.cfg.Authorize(ctx)
		if err != nil {
			return fmt.Errorf("realtime: authorize: %w", err)
		}
		header = header.Clone()
		if header == nil {
			header = make(http.Header, len(extra))
		}
		for k, v := range extra {
			header[k] = v
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPClient:   t.cfg.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: []string{t.cfg.Subprotocol},
	})
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}
	if conn.Subprotocol() != t.cfg.Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "subprotocol "+t.cfg.Subprotocol+" required")
		return fmt.Errorf("%w: wanted %q, got %q", ErrSubprotocolRejected, t.cfg.Subprotocol, conn.Subprotocol())
	}
	conn.SetReadLimit(defaultReadLimit)

	connCtx, connCancel := context.WithCancel(context.Background())
	sendCh := make(chan []byte, t.cfg.SendQueue)
	readDone := make(chan struct{})

	t.mu.Lock()
	if t.intentional {
		t.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return fmt.Errorf("%w: disconnected during handshake", ErrNotConnected)
	}
	t.conn = conn
	t.cancel = connCancel
	t.connDone = connCtx.Done()
	t.sendCh = sendCh
	t.readDone = readDone
	t.initSent = false
	t.mu.Unlock()

	go t.writeLoop(connCtx, conn, sendCh)
	t.setState(StateOpen)
	slog.Info("realtime: connected", "endpoint", endpoint, "dialect", t.dialect.Name)

	if err := t.sendInit(); err != nil {
		slog.Warn("realtime: failed to queue session init", "err", err)
	}
	go t.readLoop(connCtx, conn, readDone)
	return nil
}

// sendInit queues the session-initialisation message once per connection.
func (t *Transport) sendInit() error {
	t.mu.Lock()
	if t.initSent {
		t.mu.Unlock()
		return nil
	}
	t.initSent = true
	session := t.cfg.Session
	t.mu.Unlock()

	msg, err := t.dialect.InitMessage(session)
	if err != nil {
		return err
	}
	return t.enqueueControl(msg)
}

// enqueueControl queues a non-audio message. Control messages wait for
// queue space instead of being dropped.
func (t *Transport) enqueueControl(msg []byte) error {
	t.mu.Lock()
	ch, done := t.sendCh, t.connDone
	t.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	timer := time.NewTimer(closeTimeout)
	defer timer.Stop()
	select {
	case ch <- msg:
		return nil
	case <-done:
		return ErrNotConnected
	case <-timer.C:
		return ErrSendQueueFull
	}
}

// SendFrame queues one captured frame for transmission. Outside
// [StateSessionReady] the frame is dropped and [ErrNotReady] returned;
// frames are never held for later delivery.
func (t *Transport) SendFrame(frame audio.AudioFrame) error {
	if !t.Ready() {
		t.framesDropped.Add(1)
		return ErrNotReady
	}
	msg, err := t.dialect.AudioMessage(frame)
	if err != nil {
		t.framesDropped.Add(1)
		return err
	}
	t.mu.Lock()
	ch := t.sendCh
	t.mu.Unlock()
	if ch == nil {
		t.framesDropped.Add(1)
		return ErrNotReady
	}
	select {
	case ch <- msg:
		t.framesSent.Add(1)
		return nil
	default:
		t.framesDropped.Add(1)
		return ErrSendQueueFull
	}
}

// SendText sends a user text message with an optional opaque context payload.
func (t *Transport) SendText(text string, context json.RawMessage) error {
	msg, err := t.dialect.TextMessage(text, context)
	if err != nil {
		return err
	}
	return t.enqueueControl(msg)
}

// SendContext sends a standalone context update.
func (t *Transport) SendContext(context json.RawMessage) error {
	msg, err := t.dialect.ContextMessage(context)
	if err != nil {
		return err
	}
	return t.enqueueControl(msg)
}

// Commit ends the user turn for dialects that need it explicitly. It is a
// no-op otherwise.
func (t *Transport) Commit() error {
	msgs, err := t.dialect.CommitMessages()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := t.enqueueControl(m); err != nil {
			return err
		}
	}
	return nil
}

// writeLoop is the only goroutine writing to conn, so messages leave in
// queue order.
func (t *Transport) writeLoop(ctx context.Context, conn *websocket.Conn, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				if ctx.Err() == nil {
					t.setLastError(fmt.Errorf("realtime: write: %w", err))
					conn.CloseNow()
				}
				return
			}
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	var readErr error
	defer func() {
		t.handleClose(conn, readErr)
		close(done)
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			readErr = err
			return
		}
		if typ == websocket.MessageBinary {
			t.handler.OnOutputAudio(data)
			continue
		}
		ev, err := t.dialect.DecodeEvent(data)
		if err != nil {
			slog.Warn("realtime: dropping malformed message", "err", err)
			continue
		}
		t.dispatch(ev)
	}
}

func (t *Transport) dispatch(ev Event) {
	switch e := ev.(type) {
	case SessionReady:
		// A concurrent Disconnect may already have moved the state on.
		if t.state.CompareAndSwap(int32(StateOpen), int32(StateSessionReady)) {
			t.recon.Reset()
			t.notifyState(StateOpen, StateSessionReady)
		}
	case Transcript:
		t.handler.OnTranscript(e.Text)
	case AssistantText:
		t.handler.OnAssistantText(e.Text)
	case OutputAudio:
		t.handler.OnOutputAudio(e.Data)
	case DebugInfo:
		t.handler.OnDebug(e.Debug)
	case ServerError:
		if e.IsWarning() {
			slog.Warn("realtime: server warning", "message", e.Message, "code", e.Code)
			return
		}
		slog.Error("realtime: server error", "kind", e.Kind, "message", e.Message, "code", e.Code)
		t.mu.Lock()
		t.errs = append(t.errs, ErrorEntry{
			ID:      uuid.NewString(),
			Kind:    e.Kind,
			Code:    e.Code,
			Message: e.Message,
			Time:    time.Now(),
		})
		t.mu.Unlock()
		t.handler.OnServerError(e)
	case Unknown:
		slog.Debug("realtime: ignoring unknown message", "type", e.Type)
	default:
		slog.Debug("realtime: unhandled event", "type", ev.eventType())
	}
}

// handleClose runs once per connection when its read loop ends.
func (t *Transport) handleClose(conn *websocket.Conn, readErr error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	intentional := t.intentional
	cancel := t.cancel
	t.conn = nil
	t.cancel = nil
	t.connDone = nil
	t.sendCh = nil
	t.initSent = false
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	status := websocket.CloseStatus(readErr)
	if !intentional && status != websocket.StatusNormalClosure && readErr != nil {
		t.setLastError(fmt.Errorf("realtime: connection lost: %w", readErr))
	}
	slog.Info("realtime: connection closed", "status", status, "intentional", intentional)
	t.setState(StateClosed)

	if !intentional && status != websocket.StatusNormalClosure {
		t.recon.Schedule()
	}
}

// Disconnect closes the connection cleanly and cancels any pending
// reconnection. Safe to call at any time and more than once.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.intentional = true
	conn, done := t.conn, t.readDone
	t.mu.Unlock()

	t.recon.Cancel()
	if conn == nil {
		if t.State() != StateIdle {
			t.setState(StateClosed)
		}
		return nil
	}

	t.setState(StateClosing)
	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	select {
	case <-done:
	case <-time.After(closeTimeout):
		slog.Warn("realtime: read loop did not exit after close")
	}
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		slog.Debug("realtime: close handshake", "err", err)
	}
	return nil
}

// Close disconnects and permanently disables reconnection.
func (t *Transport) Close() error {
	t.recon.Stop()
	return t.Disconnect()
}

func (t *Transport) setLastError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err
}

// LastError returns the most recent transport-level error, or nil.
func (t *Transport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Errors returns the undismissed backend errors, oldest first.
func (t *Transport) Errors() []ErrorEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.errs)
}

// DismissError removes the error with the given ID and reports whether it
// was present.
func (t *Transport) DismissError(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := slices.IndexFunc(t.errs, func(e ErrorEntry) bool { return e.ID == id })
	if i < 0 {
		return false
	}
	t.errs = slices.Delete(t.errs, i, i+1)
	return true
}

// Stats returns cumulative counters.
func (t *Transport) Stats() Stats {
	return Stats{
		FramesSent:    t.framesSent.Load(),
		FramesDropped: t.framesDropped.Load(),
		Reconnects:    t.reconnects.Load(),
	}
}
