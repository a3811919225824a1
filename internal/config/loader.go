package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicelink/pkg/realtime"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultStatusAddr    = ":9090"
	DefaultTokenTimeout  = 10 * time.Second
	DefaultHealthTimeout = 5 * time.Second
	DefaultMaxRetries    = 5
	DefaultBackoff       = 2 * time.Second
	DefaultContextPoll   = 500 * time.Millisecond
	DefaultContextTries  = 20
)

// LoadEnv loads .env style files into the process environment. Variables
// already set are not overridden and missing files are skipped.
func LoadEnv(files ...string) error {
	var errs []error
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			errs = append(errs, fmt.Errorf("config: load env %q: %w", f, err))
		}
	}
	return errors.Join(errs...)
}

// Load reads the YAML file at path and returns a validated [Config]. A .env
// file next to it is loaded first, so ${VAR} references can resolve to it.
// A relative context.file is resolved against the config's directory.
func Load(path string) (*Config, error) {
	if err := LoadEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	resolvePaths(cfg, path)
	return cfg, nil
}

// resolvePaths makes file references relative to the config file's directory.
func resolvePaths(cfg *Config, path string) {
	if f := cfg.Context.File; f != "" && !filepath.IsAbs(f) {
		cfg.Context.File = filepath.Join(filepath.Dir(path), f)
	}
}

// LoadFromReader expands ${VAR} references, decodes the YAML in r, applies
// defaults and validates the result. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Backend.Dialect == "" {
		cfg.Backend.Dialect = realtime.DialectUnmute.Name
	}
	if cfg.Backend.TokenTimeout == 0 {
		cfg.Backend.TokenTimeout = DefaultTokenTimeout
	}
	if cfg.Backend.HealthTimeout == 0 {
		cfg.Backend.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = BackendMiniaudio
	}
	if cfg.Reconnect.MaxRetries == 0 {
		cfg.Reconnect.MaxRetries = DefaultMaxRetries
	}
	if cfg.Reconnect.Backoff == 0 {
		cfg.Reconnect.Backoff = DefaultBackoff
	}
	if cfg.Context.Interval == 0 {
		cfg.Context.Interval = DefaultContextPoll
	}
	if cfg.Context.MaxAttempts == 0 {
		cfg.Context.MaxAttempts = DefaultContextTries
	}
}

// Validate checks that cfg is coherent and returns every failure joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	b := cfg.Backend
	switch {
	case b.URL == "" && b.Origin == "":
		errs = append(errs, errors.New("backend: one of url or origin is required"))
	case b.URL != "":
		if err := checkScheme("backend.url", b.URL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
		if b.Origin != "" {
			slog.Warn("backend.url and backend.origin both set; origin is ignored")
		}
	default:
		if err := checkScheme("backend.origin", b.Origin, "http", "https", "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := realtime.DialectByName(b.Dialect); err != nil {
		errs = append(errs, fmt.Errorf("backend.dialect %q is invalid; valid values: unmute, realtime", b.Dialect))
	}
	if b.TokenURL != "" {
		if err := checkScheme("backend.token_url", b.TokenURL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	if b.HealthURL != "" {
		if err := checkScheme("backend.health_url", b.HealthURL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	if b.TokenTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.token_timeout %v must not be negative", b.TokenTimeout))
	}
	if b.HealthTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.health_timeout %v must not be negative", b.HealthTimeout))
	}

	a := cfg.Audio
	if a.Backend != "" && !a.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: miniaudio, portaudio", a.Backend))
	}
	if a.CaptureBlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_block_size %d must not be negative", a.CaptureBlockSize))
	}
	if a.CaptureQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_queue_depth %d must not be negative", a.CaptureQueueDepth))
	}
	if a.OutputQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("audio.output_queue_depth %d must not be negative", a.OutputQueueDepth))
	}
	if a.RecordPath != "" && !cfg.Session.AllowRecording {
		slog.Warn("audio.record_path is set but session.allow_recording is false; recording disabled")
	}

	if cfg.Reconnect.Backoff < 0 {
		errs = append(errs, fmt.Errorf("reconnect.backoff %v must not be negative", cfg.Reconnect.Backoff))
	}
	if cfg.Context.Interval < 0 {
		errs = append(errs, fmt.Errorf("context.interval %v must not be negative", cfg.Context.Interval))
	}
	if cfg.Context.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("context.max_attempts %d must not be negative", cfg.Context.MaxAttempts))
	}
	if cfg.Transcript.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("transcript.max_entries %d must not be negative", cfg.Transcript.MaxEntries))
	}

	return errors.Join(errs...)
}

func checkScheme(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is not a valid URL: %w", field, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%s %q has no host", field, raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%s %q must use one of the schemes %v", field, raw, schemes)
}
