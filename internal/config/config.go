// Package config provides the configuration schema, loader, hot-reload
// watcher and device backend registry for voicelink.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/MrWong99/voicelink/pkg/realtime"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// DeviceBackend selects the audio I/O library.
type DeviceBackend string

const (
	// BackendMiniaudio uses miniaudio through malgo: callback capture.
	BackendMiniaudio DeviceBackend = "miniaudio"

	// BackendPortAudio uses PortAudio: blocking-read capture.
	BackendPortAudio DeviceBackend = "portaudio"
)

// IsValid reports whether b is a recognised device backend.
func (b DeviceBackend) IsValid() bool {
	return b == BackendMiniaudio || b == BackendPortAudio
}

// Config is the root configuration, loaded with [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Backend    BackendConfig          `yaml:"backend"`
	Session    realtime.SessionConfig `yaml:"session"`
	Audio      AudioConfig            `yaml:"audio"`
	Reconnect  ReconnectConfig        `yaml:"reconnect"`
	Context    ContextConfig          `yaml:"context"`
	Transcript TranscriptConfig       `yaml:"transcript"`
}

// ServerConfig holds the local status server and logging settings.
type ServerConfig struct {
	// StatusAddr is the listen address for /healthz, /readyz, /metrics and
	// /transcript (e.g. ":9090"). Empty disables the status server.
	StatusAddr string `yaml:"status_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// BackendConfig describes the realtime voice backend.
type BackendConfig struct {
	// URL is the full WebSocket endpoint. Takes precedence over Origin.
	URL string `yaml:"url"`

	// Origin is the backend's HTTP origin; the WebSocket endpoint is derived
	// from it (http→ws, https→wss) with Path appended.
	Origin string `yaml:"origin"`

	// Path is the realtime endpoint path. Default: /v1/realtime.
	Path string `yaml:"path"`

	// Subprotocol is required from the server. Default: realtime.
	Subprotocol string `yaml:"subprotocol"`

	// Dialect selects the wire vocabulary: unmute or realtime.
	Dialect string `yaml:"dialect"`

	// APIKey is sent as a Bearer token during the handshake. Use ${VAR}
	// references to keep it out of the file.
	APIKey string `yaml:"api_key"`

	// TokenURL, when set, is fetched before each connection for a bearer
	// token that replaces APIKey.
	TokenURL string `yaml:"token_url"`

	// TokenTimeout aborts the token fetch. Default: 10s.
	TokenTimeout time.Duration `yaml:"token_timeout"`

	// HealthURL is probed by /readyz. Empty skips the backend check.
	HealthURL string `yaml:"health_url"`

	// HealthTimeout aborts the backend probe. Default: 5s.
	HealthTimeout time.Duration `yaml:"health_timeout"`
}

// AudioConfig selects and tunes the audio devices.
type AudioConfig struct {
	// Backend is the device library. Default: miniaudio.
	Backend DeviceBackend `yaml:"backend"`

	// CaptureBlockSize is the block-read size for blocking devices.
	CaptureBlockSize int `yaml:"capture_block_size"`

	// CaptureQueueDepth bounds callback blocks awaiting framing.
	CaptureQueueDepth int `yaml:"capture_queue_depth"`

	// OutputQueueDepth bounds decoded frames awaiting the speaker.
	OutputQueueDepth int `yaml:"output_queue_depth"`

	// RecordPath is the stereo WAV file written when the session allows
	// recording. Empty disables recording.
	RecordPath string `yaml:"record_path"`
}

// ReconnectConfig bounds automatic reconnection.
type ReconnectConfig struct {
	// MaxRetries caps consecutive attempts. Default: 5. Negative disables.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the fixed delay before each attempt. Default: 2s.
	Backoff time.Duration `yaml:"backoff"`
}

// ContextConfig configures the initial context injection.
type ContextConfig struct {
	// File holds the opaque JSON context object sent once the session is
	// ready. Empty disables injection.
	File string `yaml:"file"`

	// Interval is the delay between readiness polls. Default: 500ms.
	Interval time.Duration `yaml:"interval"`

	// MaxAttempts caps readiness polls. Default: 20.
	MaxAttempts int `yaml:"max_attempts"`
}

// Payload reads and checks the context file. It returns nil when no file is
// configured.
func (c ContextConfig) Payload() (json.RawMessage, error) {
	if c.File == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return nil, fmt.Errorf("config: read context file: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("config: context file %q is not valid JSON", c.File)
	}
	return json.RawMessage(data), nil
}

// TranscriptConfig tunes the running transcript.
type TranscriptConfig struct {
	// Vocabulary lists names and terms misheard user speech is snapped to.
	Vocabulary []string `yaml:"vocabulary"`

	// MaxEntries caps the retained turns. Zero keeps everything.
	MaxEntries int `yaml:"max_entries"`
}
