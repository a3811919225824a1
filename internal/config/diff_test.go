package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voicelink/internal/config"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		wantLog     bool
		wantSession bool
		wantContext bool
		wantRestart []string
	}{
		{name: "identical", mutate: func(*config.Config) {}},
		{name: "log level", mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug }, wantLog: true},
		{name: "voice", mutate: func(c *config.Config) { c.Session.Voice = "verse" }, wantSession: true},
		{name: "recording consent", mutate: func(c *config.Config) { c.Session.AllowRecording = true }, wantSession: true},
		{name: "context file", mutate: func(c *config.Config) { c.Context.File = "ctx.json" }, wantContext: true},
		{name: "backend url", mutate: func(c *config.Config) { c.Backend.URL = "wss://other/v1/realtime" }, wantRestart: []string{"backend"}},
		{name: "audio and reconnect", mutate: func(c *config.Config) {
			c.Audio.Backend = config.BackendPortAudio
			c.Reconnect.MaxRetries = 9
		}, wantRestart: []string{"audio", "reconnect"}},
		{name: "vocabulary", mutate: func(c *config.Config) {
			c.Transcript.Vocabulary = append(c.Transcript.Vocabulary, "Eldrinax")
		}, wantRestart: []string{"transcript"}},
		{name: "status addr", mutate: func(c *config.Config) { c.Server.StatusAddr = ":1" }, wantRestart: []string{"server.status_addr"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, updated := validConfig(), validConfig()
			tc.mutate(updated)

			d := config.Diff(old, updated)
			if d.LogLevelChanged != tc.wantLog || d.SessionChanged != tc.wantSession || d.ContextChanged != tc.wantContext {
				t.Errorf("Diff = %+v", d)
			}
			if tc.wantLog && d.NewLogLevel != updated.Server.LogLevel {
				t.Errorf("NewLogLevel = %q", d.NewLogLevel)
			}
			if !slices.Equal(d.RestartRequired, tc.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tc.wantRestart)
			}
			wantEmpty := !tc.wantLog && !tc.wantSession && !tc.wantContext && len(tc.wantRestart) == 0
			if d.Empty() != wantEmpty {
				t.Errorf("Empty() = %v, want %v", d.Empty(), wantEmpty)
			}
		})
	}
}
