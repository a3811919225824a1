package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MrWong99/voicelink/internal/bootstrap"
	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/transcript"
	"github.com/MrWong99/voicelink/internal/voice"
	"github.com/MrWong99/voicelink/pkg/realtime"
)

// transportConfig maps the backend, session and reconnect sections onto a
// realtime transport. A token_url replaces the static API key with a token
// fetched before every dial through a circuit breaker.
func transportConfig(cfg *config.Config, client *http.Client) (realtime.Config, error) {
	b := cfg.Backend
	dialect, err := realtime.DialectByName(b.Dialect)
	if err != nil {
		return realtime.Config{}, err
	}
	tc := realtime.Config{
		URL:         b.URL,
		Origin:      b.Origin,
		Path:        b.Path,
		Subprotocol: b.Subprotocol,
		Dialect:     dialect,
		Session:     cfg.Session,
		HTTPClient:  client,
		MaxRetries:  cfg.Reconnect.MaxRetries,
		Backoff:     cfg.Reconnect.Backoff,
	}
	switch {
	case b.TokenURL != "":
		tc.Authorize = bootstrap.NewTokenSource(bootstrap.TokenSourceConfig{
			URL:     b.TokenURL,
			Client:  client,
			Timeout: b.TokenTimeout,
		}).Header
	case b.APIKey != "":
		tc.Header = bootstrap.AuthHeader(b.APIKey)
	}
	return tc, nil
}

// sessionConfig assembles the voice session from the loaded config and the
// opened devices.
func sessionConfig(cfg *config.Config, devices *config.Devices, metrics *observe.Metrics) (voice.Config, error) {
	tc, err := transportConfig(cfg, nil)
	if err != nil {
		return voice.Config{}, err
	}
	payload, err := cfg.Context.Payload()
	if err != nil {
		return voice.Config{}, err
	}
	return voice.Config{
		Transport:            tc,
		Microphone:           devices.Microphone,
		OpenSpeaker:          devices.OpenSpeaker,
		CaptureBlockSize:     cfg.Audio.CaptureBlockSize,
		CaptureQueueDepth:    cfg.Audio.CaptureQueueDepth,
		OutputQueueDepth:     cfg.Audio.OutputQueueDepth,
		RecordPath:           cfg.Audio.RecordPath,
		Context:              payload,
		ContextInterval:      cfg.Context.Interval,
		ContextAttempts:      cfg.Context.MaxAttempts,
		Vocabulary:           cfg.Transcript.Vocabulary,
		MaxTranscriptEntries: cfg.Transcript.MaxEntries,
		Metrics:              metrics,
	}, nil
}

// reloadable is the part of a voice session a config reload can change.
type reloadable interface {
	SetSession(realtime.SessionConfig)
	SetContext(payload json.RawMessage)
}

// applyDiff applies the hot-reloadable parts of a config change.
func applyDiff(d config.ConfigDiff, updated *config.Config, level *slog.LevelVar, sess reloadable) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		sess.SetSession(updated.Session)
		slog.Info("session settings updated; they apply on the next connection",
			"voice", updated.Session.Voice,
			"allow_recording", updated.Session.AllowRecording,
		)
	}
	if d.ContextChanged {
		payload, err := updated.Context.Payload()
		if err != nil {
			slog.Warn("keeping previous context payload", "err", err)
		} else {
			sess.SetContext(payload)
			slog.Info("context payload updated; it is injected on the next connection", "bytes", len(payload))
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to apply", "sections", d.RestartRequired)
	}
}

// logTranscript writes each transcript update at debug level.
func logTranscript(e transcript.Entry) {
	attrs := []any{"speaker", e.Speaker.String(), "text", e.Text}
	if n := len(e.Corrections); n > 0 {
		attrs = append(attrs, "corrections", n)
	}
	slog.Debug("transcript", attrs...)
}

var _ reloadable = (*voice.Session)(nil)
