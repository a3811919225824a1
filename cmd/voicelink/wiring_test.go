package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/pkg/audio/mock"
	"github.com/MrWong99/voicelink/pkg/audio/playback"
	"github.com/MrWong99/voicelink/pkg/realtime"
)

func baseConfig() *config.Config {
	cfg := &config.Config{Backend: config.BackendConfig{URL: "ws://localhost:8000/v1/realtime"}}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestTransportConfig_StaticAPIKey(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Backend.APIKey = "sk-static"
	cfg.Backend.Dialect = "realtime"
	cfg.Session.Voice = "alloy"
	cfg.Reconnect.MaxRetries = 3

	tc, err := transportConfig(cfg, nil)
	if err != nil {
		t.Fatalf("transportConfig: %v", err)
	}
	if got := tc.Header.Get("Authorization"); got != "Bearer sk-static" {
		t.Errorf("Authorization = %q", got)
	}
	if tc.Authorize != nil {
		t.Error("Authorize should be nil without token_url")
	}
	if tc.Dialect.Name != realtime.DialectRealtime.Name {
		t.Errorf("dialect = %q", tc.Dialect.Name)
	}
	if tc.Session.Voice != "alloy" || tc.MaxRetries != 3 || tc.Backoff != config.DefaultBackoff {
		t.Errorf("transport config = %+v", tc)
	}
}

func TestTransportConfig_TokenURLFetchesPerDial(t *testing.T) {
	t.Parallel()
	var n int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n++
		fmt.Fprintf(w, `{"token":"tok-%d"}`, n)
	}))
	t.Cleanup(srv.Close)

	cfg := baseConfig()
	cfg.Backend.APIKey = "sk-ignored"
	cfg.Backend.TokenURL = srv.URL

	tc, err := transportConfig(cfg, srv.Client())
	if err != nil {
		t.Fatalf("transportConfig: %v", err)
	}
	if tc.Header != nil {
		t.Errorf("static header = %v, want none when token_url is set", tc.Header)
	}
	for _, want := range []string{"Bearer tok-1", "Bearer tok-2"} {
		h, err := tc.Authorize(context.Background())
		if err != nil {
			t.Fatalf("Authorize: %v", err)
		}
		if got := h.Get("Authorization"); got != want {
			t.Errorf("Authorization = %q, want %q", got, want)
		}
	}
}

func TestTransportConfig_TokenFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	cfg := baseConfig()
	cfg.Backend.TokenURL = srv.URL
	cfg.Backend.TokenTimeout = time.Second
	tc, err := transportConfig(cfg, srv.Client())
	if err != nil {
		t.Fatalf("transportConfig: %v", err)
	}
	if _, err := tc.Authorize(context.Background()); err == nil {
		t.Fatal("expected error from failing token endpoint")
	}
}

func TestTransportConfig_UnknownDialect(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Backend.Dialect = "gemini"
	if _, err := transportConfig(cfg, nil); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}

func TestSessionConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctxFile := filepath.Join(dir, "ctx.json")
	if err := os.WriteFile(ctxFile, []byte(`{"page":"/home"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := baseConfig()
	cfg.Context.File = ctxFile
	cfg.Transcript.Vocabulary = []string{"Eldrinax"}
	cfg.Transcript.MaxEntries = 50
	cfg.Audio.OutputQueueDepth = 100

	mic := &mock.CallbackDevice{}
	devices := &config.Devices{
		Microphone:  mic,
		OpenSpeaker: func() (playback.Sink, error) { return &mock.Sink{}, nil },
	}
	vc, err := sessionConfig(cfg, devices, nil)
	if err != nil {
		t.Fatalf("sessionConfig: %v", err)
	}
	if vc.Microphone != mic || vc.OpenSpeaker == nil {
		t.Error("devices not wired")
	}
	if string(vc.Context) != `{"page":"/home"}` {
		t.Errorf("context = %s", vc.Context)
	}
	if vc.ContextInterval != config.DefaultContextPoll || vc.ContextAttempts != config.DefaultContextTries {
		t.Errorf("context retry = %v / %d", vc.ContextInterval, vc.ContextAttempts)
	}
	if len(vc.Vocabulary) != 1 || vc.MaxTranscriptEntries != 50 || vc.OutputQueueDepth != 100 {
		t.Errorf("voice config = %+v", vc)
	}
}

func TestSessionConfig_BadContextFile(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Context.File = filepath.Join(t.TempDir(), "missing.json")
	devices := &config.Devices{Microphone: &mock.CallbackDevice{}}
	if _, err := sessionConfig(cfg, devices, nil); err == nil {
		t.Fatal("expected error for missing context file")
	}
}

type fakeReloadable struct {
	session    *realtime.SessionConfig
	payload    json.RawMessage
	contextSet bool
}

func (f *fakeReloadable) SetSession(cfg realtime.SessionConfig) { f.session = &cfg }

func (f *fakeReloadable) SetContext(payload json.RawMessage) {
	f.payload = payload
	f.contextSet = true
}

func TestApplyDiff(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(good, []byte(`{"page":"/billing"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte(`{`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		wantLevel   slog.Level
		wantSession bool
		wantContext string
		wantSet     bool
	}{
		{name: "nothing", mutate: func(*config.Config) {}, wantLevel: slog.LevelInfo},
		{name: "log level", mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug }, wantLevel: slog.LevelDebug},
		{name: "voice", mutate: func(c *config.Config) { c.Session.Voice = "verse" }, wantLevel: slog.LevelInfo, wantSession: true},
		{name: "context file", mutate: func(c *config.Config) { c.Context.File = good }, wantLevel: slog.LevelInfo, wantContext: `{"page":"/billing"}`, wantSet: true},
		{name: "invalid context kept", mutate: func(c *config.Config) { c.Context.File = bad }, wantLevel: slog.LevelInfo},
		{name: "restart only", mutate: func(c *config.Config) { c.Backend.URL = "wss://other/v1/realtime" }, wantLevel: slog.LevelInfo},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, updated := baseConfig(), baseConfig()
			tc.mutate(updated)
			level := new(slog.LevelVar)
			sess := &fakeReloadable{}

			applyDiff(config.Diff(old, updated), updated, level, sess)

			if level.Level() != tc.wantLevel {
				t.Errorf("level = %v, want %v", level.Level(), tc.wantLevel)
			}
			if (sess.session != nil) != tc.wantSession {
				t.Errorf("SetSession called = %v, want %v", sess.session != nil, tc.wantSession)
			}
			if tc.wantSession && sess.session.Voice != updated.Session.Voice {
				t.Errorf("voice = %q", sess.session.Voice)
			}
			if sess.contextSet != tc.wantSet || string(sess.payload) != tc.wantContext {
				t.Errorf("context set = %v payload = %s", sess.contextSet, sess.payload)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRegisterBuiltinDevices(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinDevices(reg)
	got := reg.Backends()
	if len(got) != 2 || got[0] != config.BackendMiniaudio || got[1] != config.BackendPortAudio {
		t.Errorf("backends = %v", got)
	}
}
