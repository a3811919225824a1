package voice_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/transcript"
	"github.com/MrWong99/voicelink/internal/voice"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/mock"
	"github.com/MrWong99/voicelink/pkg/audio/playback"
	"github.com/MrWong99/voicelink/pkg/realtime"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// backend is a scripted realtime server. Each accepted connection is handed
// to the script with its 1-based index.
func backend(t *testing.T, script func(n int, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
			Subprotocols:       []string{"realtime"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		script(int(conns.Add(1)), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func read(conn *websocket.Conn) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	err = json.Unmarshal(data, &m)
	return m, err
}

func send(conn *websocket.Conn, v any) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

type fixture struct {
	dev      *mock.CallbackDevice
	sink     *mock.Sink
	speakers atomic.Int32
	metrics  *observe.Metrics
	reader   *sdkmetric.ManualReader
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		dev:  &mock.CallbackDevice{AchievedRate: audio.TargetSampleRate},
		sink: &mock.Sink{},
	}
	f.metrics, f.reader = testMetrics(t)
	return f
}

func (f *fixture) config(srv *httptest.Server) voice.Config {
	return voice.Config{
		Transport: realtime.Config{
			URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
			Session: realtime.SessionConfig{Voice: "alloy"},
			Backoff: 10 * time.Millisecond,
		},
		Microphone: f.dev,
		OpenSpeaker: func() (playback.Sink, error) {
			f.speakers.Add(1)
			return f.sink, nil
		},
		Metrics: f.metrics,
	}
}

func newSession(t *testing.T, cfg voice.Config) *voice.Session {
	t.Helper()
	s, err := voice.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestSession_EndToEnd(t *testing.T) {
	t.Parallel()

	gotAudio := make(chan map[string]any, 1)
	srv := backend(t, func(_ int, conn *websocket.Conn) {
		if _, err := read(conn); err != nil {
			return
		}
		send(conn, map[string]string{"type": "session.ready"})
		msg, err := read(conn)
		if err != nil {
			return
		}
		gotAudio <- msg
		send(conn, map[string]string{"type": "transcript", "text": "hello"})
		send(conn, map[string]string{"type": "assistant_text", "text": "hi there"})
		send(conn, map[string]string{
			"type": "output_audio",
			"data": base64.StdEncoding.EncodeToString(make([]byte, audio.FrameBytes)),
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	f := newFixture(t)
	s := newSession(t, f.config(srv))
	if s.ID() == "" {
		t.Error("empty session ID")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "session ready", func() bool { return s.State() == realtime.StateSessionReady })

	block := make([]float32, audio.FrameSamples)
	for i := range block {
		block[i] = 0.5
	}
	f.dev.Emit(block)

	select {
	case msg := <-gotAudio:
		if msg["type"] != "input_audio" {
			t.Errorf("first message after ready = %v, want input_audio", msg["type"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("backend never received audio")
	}

	waitFor(t, "transcript", func() bool { return len(s.Transcript()) == 2 })
	entries := s.Transcript()
	if entries[0].Speaker != transcript.SpeakerUser || entries[0].Text != "hello" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Speaker != transcript.SpeakerAssistant || entries[1].Text != "hi there" {
		t.Errorf("entry 1 = %+v", entries[1])
	}

	if !f.sink.WaitWrites(1, 3*time.Second) {
		t.Fatal("no output audio reached the speaker")
	}
	waitFor(t, "output levels", func() bool { return s.OutputLevels().Frames >= 1 })
	if got := s.InputLevels(); got.Frames != 1 || got.Peak == 0 {
		t.Errorf("input levels = %+v", got)
	}
	if s.MicDuration() != audio.FrameDuration {
		t.Errorf("MicDuration = %v", s.MicDuration())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.State() != realtime.StateClosed {
		t.Errorf("state after Close = %v", s.State())
	}
	if f.dev.Closes() == 0 {
		t.Error("microphone not released")
	}
	if f.sink.CallCountClose != 1 {
		t.Errorf("speaker closed %d times, want 1", f.sink.CallCountClose)
	}
	if got := counter(t, f.reader, "voicelink.frames.sent"); got != 1 {
		t.Errorf("frames sent = %d, want 1", got)
	}
	if got := counter(t, f.reader, "voicelink.frames.captured"); got != 1 {
		t.Errorf("frames captured = %d, want 1", got)
	}
	if got := counter(t, f.reader, "voicelink.output.frames"); got != 1 {
		t.Errorf("output frames = %d, want 1", got)
	}
	if got := counter(t, f.reader, "voicelink.active_sessions"); got != 0 {
		t.Errorf("active sessions after Close = %d, want 0", got)
	}
}

func TestSession_RebuildsPipelinesOnReconnect(t *testing.T) {
	t.Parallel()

	srv := backend(t, func(n int, conn *websocket.Conn) {
		if _, err := read(conn); err != nil {
			return
		}
		send(conn, map[string]string{"type": "session.ready"})
		if n == 1 {
			time.Sleep(20 * time.Millisecond)
			conn.Close(websocket.StatusInternalError, "backend restart")
			return
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	f := newFixture(t)
	s := newSession(t, f.config(srv))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "second connection ready", func() bool {
		return f.speakers.Load() == 2 && s.State() == realtime.StateSessionReady
	})
	if f.dev.Closes() < 1 {
		t.Error("microphone was not released when the first connection dropped")
	}
	if got := len(f.dev.OpenRates); got != 2 {
		t.Errorf("microphone opened %d times, want 2", got)
	}
	if got := s.Stats().Reconnects; got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
	if got := counter(t, f.reader, "voicelink.reconnect.attempts"); got != 1 {
		t.Errorf("reconnect metric = %d, want 1", got)
	}
	if s.LastError() == nil {
		t.Error("abnormal close left no error")
	}
}

func TestSession_InjectsContextOncePerConnection(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 2)
	srv := backend(t, func(_ int, conn *websocket.Conn) {
		if _, err := read(conn); err != nil {
			return
		}
		send(conn, map[string]string{"type": "session.ready"})
		msg, err := read(conn)
		if err != nil {
			return
		}
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	f := newFixture(t)
	cfg := f.config(srv)
	cfg.Context = json.RawMessage(`{"page":"/billing"}`)
	cfg.ContextInterval = 5 * time.Millisecond
	s := newSession(t, cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case msg := <-got:
		if msg["type"] != "context.update" {
			t.Fatalf("type = %v, want context.update", msg["type"])
		}
		ctxField, _ := msg["context"].(map[string]any)
		if ctxField["page"] != "/billing" {
			t.Errorf("context = %v", msg["context"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("context never delivered")
	}
	select {
	case msg := <-got:
		t.Errorf("unexpected second message %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_RecordsWhenConsented(t *testing.T) {
	t.Parallel()

	srv := backend(t, func(_ int, conn *websocket.Conn) {
		if _, err := read(conn); err != nil {
			return
		}
		send(conn, map[string]string{"type": "session.ready"})
		<-conn.CloseRead(context.Background()).Done()
	})

	f := newFixture(t)
	cfg := f.config(srv)
	cfg.Transport.Session.AllowRecording = true
	cfg.RecordPath = filepath.Join(t.TempDir(), "session.wav")
	s := newSession(t, cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "session ready", func() bool { return s.State() == realtime.StateSessionReady })

	f.dev.Emit(make([]float32, audio.FrameSamples))
	waitFor(t, "frame captured", func() bool { return s.MicDuration() == audio.FrameDuration })
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(cfg.RecordPath)
	if err != nil {
		t.Fatalf("recording missing: %v", err)
	}
	// 44-byte header plus one stereo 16-bit frame.
	if want := int64(44 + audio.FrameSamples*4); info.Size() != want {
		t.Errorf("recording size = %d, want %d", info.Size(), want)
	}
}

func TestSession_NoRecordingWithoutConsent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	srv := backend(t, func(int, *websocket.Conn) {})
	cfg := f.config(srv)
	cfg.RecordPath = filepath.Join(t.TempDir(), "session.wav")
	s := newSession(t, cfg)
	_ = s.Close()
	if _, err := os.Stat(cfg.RecordPath); !os.IsNotExist(err) {
		t.Errorf("recording created without consent: %v", err)
	}
}

func TestSession_SendTextAddsUserEntry(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := backend(t, func(_ int, conn *websocket.Conn) {
		if _, err := read(conn); err != nil {
			return
		}
		send(conn, map[string]string{"type": "session.ready"})
		msg, err := read(conn)
		if err != nil {
			return
		}
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	f := newFixture(t)
	s := newSession(t, f.config(srv))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "session ready", func() bool { return s.State() == realtime.StateSessionReady })
	if err := s.SendText("what is my balance?"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	select {
	case msg := <-got:
		if msg["type"] != "user_text" || msg["text"] != "what is my balance?" {
			t.Errorf("message = %v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("text never delivered")
	}
	if e := s.Transcript(); len(e) != 1 || e[0].Text != "what is my balance?" {
		t.Errorf("transcript = %+v", e)
	}
}

func TestSession_ConnectFailureLeavesSessionUsable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	f := newFixture(t)
	s := newSession(t, f.config(srv))
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded against a closed server")
	}
	if s.State() != realtime.StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if f.speakers.Load() != 0 {
		t.Error("speaker opened without a connection")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Start after Close succeeded")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	speaker := func() (playback.Sink, error) { return &mock.Sink{}, nil }
	tests := []struct {
		name string
		cfg  voice.Config
	}{
		{name: "no microphone", cfg: voice.Config{OpenSpeaker: speaker, Transport: realtime.Config{URL: "ws://x"}}},
		{name: "no speaker", cfg: voice.Config{Microphone: &mock.CallbackDevice{}, Transport: realtime.Config{URL: "ws://x"}}},
		{name: "no endpoint", cfg: voice.Config{Microphone: &mock.CallbackDevice{}, OpenSpeaker: speaker}},
		{name: "bad origin scheme", cfg: voice.Config{
			Microphone:  &mock.CallbackDevice{},
			OpenSpeaker: speaker,
			Transport:   realtime.Config{Origin: "ftp://example.com"},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := voice.New(tc.cfg); err == nil {
				t.Fatal("New succeeded, want error")
			}
		})
	}
}
