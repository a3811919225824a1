package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// SessionConfig is sent to the backend once per connection.
type SessionConfig struct {
	Voice          string `json:"voice,omitempty" yaml:"voice"`
	Instructions   string `json:"instructions,omitempty" yaml:"instructions"`
	AllowRecording bool   `json:"allow_recording" yaml:"allow_recording"`
}

// Dialect maps the transport onto one backend's message vocabulary: message
// type strings and the field names carrying text and audio. Everything else
// about the session is shared.
type Dialect struct {
	// Name identifies the dialect in logs and configuration.
	Name string

	// InitType is the session-initialisation message type.
	InitType string
	// InitAudioFormats adds input/output audio format fields to the init.
	InitAudioFormats bool
	// ReadyTypes are the message types that confirm the session.
	ReadyTypes []string

	// AudioType is the outbound audio message type.
	AudioType string
	// AudioField holds the base64 payload in outbound audio messages.
	AudioField string
	// AudioFormatFields adds sample_rate and channels to outbound audio.
	AudioFormatFields bool
	// CommitTypes are sent, in order, to end a user turn. Empty when the
	// backend detects turns itself.
	CommitTypes []string

	// TextType is the outbound user text message type.
	TextType string
	// ContextType is the outbound context-update message type.
	ContextType string
	// ConversationItems wraps text and context in conversation.item.create
	// messages instead of flat fields.
	ConversationItems bool

	TranscriptTypes    []string
	AssistantTextTypes []string
	OutputAudioTypes   []string
	DebugTypes         []string
	ErrorTypes         []string
}

// DialectUnmute speaks the flat envelope protocol: session_start,
// session.ready, input_audio with data/sample_rate/channels.
var DialectUnmute = Dialect{
	Name:               "unmute",
	InitType:           "session_start",
	ReadyTypes:         []string{"session.ready", "session.updated"},
	AudioType:          "input_audio",
	AudioField:         "data",
	AudioFormatFields:  true,
	TextType:           "user_text",
	ContextType:        "context.update",
	TranscriptTypes:    []string{"transcript", "conversation.item.input_audio_transcription.delta"},
	AssistantTextTypes: []string{"assistant_text", "response.text.delta"},
	OutputAudioTypes:   []string{"output_audio", "response.audio.delta"},
	DebugTypes:         []string{"unmute.additional_outputs"},
	ErrorTypes:         []string{"error"},
}

// DialectRealtime speaks the OpenAI-Realtime-style protocol: session.update,
// session.updated, input_audio_buffer.append with explicit commit.
var DialectRealtime = Dialect{
	Name:               "realtime",
	InitType:           "session.update",
	InitAudioFormats:   true,
	ReadyTypes:         []string{"session.updated", "session.ready"},
	AudioType:          "input_audio_buffer.append",
	AudioField:         "audio",
	CommitTypes:        []string{"input_audio_buffer.commit", "response.create"},
	TextType:           "conversation.item.create",
	ContextType:        "conversation.item.create",
	ConversationItems:  true,
	TranscriptTypes:    []string{"conversation.item.input_audio_transcription.delta", "transcript"},
	AssistantTextTypes: []string{"response.text.delta", "assistant_text"},
	OutputAudioTypes:   []string{"response.audio.delta", "output_audio"},
	DebugTypes:         []string{"unmute.additional_outputs"},
	ErrorTypes:         []string{"error"},
}

// DialectByName returns the built-in dialect with the given name.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case "", DialectUnmute.Name:
		return DialectUnmute, nil
	case DialectRealtime.Name:
		return DialectRealtime, nil
	default:
		return Dialect{}, fmt.Errorf("realtime: unknown dialect %q", name)
	}
}

// ── outbound ──────────────────────────────────────────────────────────────────

type sessionParams struct {
	SessionConfig
	InputAudioFormat  string `json:"input_audio_format,omitempty"`
	OutputAudioFormat string `json:"output_audio_format,omitempty"`
}

type initMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

// InitMessage encodes the session-initialisation message.
func (d Dialect) InitMessage(cfg SessionConfig) ([]byte, error) {
	params := sessionParams{SessionConfig: cfg}
	if d.InitAudioFormats {
		params.InputAudioFormat = "pcm16"
		params.OutputAudioFormat = "pcm16"
	}
	return marshal(initMessage{Type: d.InitType, Session: params})
}

// AudioMessage encodes one captured frame.
func (d Dialect) AudioMessage(frame audio.AudioFrame) ([]byte, error) {
	msg := map[string]any{
		"type":       d.AudioType,
		d.AudioField: base64.StdEncoding.EncodeToString(frame.Data),
	}
	if d.AudioFormatFields {
		msg["sample_rate"] = frame.SampleRate
		msg["channels"] = frame.Channels
	}
	return marshal(msg)
}

// CommitMessages encodes the end-of-turn messages, if the dialect has any.
func (d Dialect) CommitMessages() ([][]byte, error) {
	out := make([][]byte, 0, len(d.CommitTypes))
	for _, typ := range d.CommitTypes {
		b, err := marshal(map[string]string{"type": typ})
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

type conversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []conversationPart `json:"content"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type flatTextMessage struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Context json.RawMessage `json:"context,omitempty"`
}

type flatContextMessage struct {
	Type    string          `json:"type"`
	Context json.RawMessage `json:"context"`
}

// TextMessage encodes a user text message with an optional opaque context
// payload attached.
func (d Dialect) TextMessage(text string, context json.RawMessage) ([]byte, error) {
	if !d.ConversationItems {
		return marshal(flatTextMessage{Type: d.TextType, Text: text, Context: context})
	}
	parts := []conversationPart{{Type: "input_text", Text: text}}
	if len(context) > 0 {
		parts = append(parts, conversationPart{Type: "input_text", Text: "Context: " + string(context)})
	}
	return marshal(conversationItemMessage{
		Type: d.TextType,
		Item: conversationItem{Type: "message", Role: "user", Content: parts},
	})
}

// ContextMessage encodes a standalone context update.
func (d Dialect) ContextMessage(context json.RawMessage) ([]byte, error) {
	if len(context) == 0 {
		return nil, errors.New("realtime: empty context")
	}
	if !d.ConversationItems {
		return marshal(flatContextMessage{Type: d.ContextType, Context: context})
	}
	return marshal(conversationItemMessage{
		Type: d.ContextType,
		Item: conversationItem{
			Type:    "message",
			Role:    "system",
			Content: []conversationPart{{Type: "input_text", Text: string(context)}},
		},
	})
}

func marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("realtime: marshal: %w", err)
	}
	return b, nil
}

// ── inbound ───────────────────────────────────────────────────────────────────

// envelope carries the discriminator every inbound message shares.
type envelope struct {
	Type string `json:"type"`
}

// payloadFields holds the text and audio fields of both dialects. Values
// stay raw so a field of an unexpected JSON type does not fail the message.
type payloadFields struct {
	Text       json.RawMessage `json:"text"`
	Delta      json.RawMessage `json:"delta"`
	Transcript json.RawMessage `json:"transcript"`
	Data       json.RawMessage `json:"data"`
	Audio      json.RawMessage `json:"audio"`
}

func (p *payloadFields) text() string {
	return firstNonEmpty(p.Text, p.Delta, p.Transcript)
}

func (p *payloadFields) audio() string {
	return firstNonEmpty(p.Data, p.Delta, p.Audio)
}

func firstNonEmpty(fields ...json.RawMessage) string {
	for _, f := range fields {
		if s := rawText(f); s != "" {
			return s
		}
	}
	return ""
}

// rawText returns a JSON string's value, or the compact JSON text of any
// other value. null and absent values yield "".
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// decodeServerError accepts the structured error object of both dialects,
// a bare string, or any other value, which becomes the message verbatim.
func decodeServerError(data []byte) ServerError {
	e := ServerError{Kind: "error", Message: "unknown error"}
	var msg struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || rawText(msg.Error) == "" {
		return e
	}

	var detail map[string]json.RawMessage
	if err := json.Unmarshal(msg.Error, &detail); err != nil {
		e.Message = rawText(msg.Error)
		return e
	}
	if kind := rawText(detail["type"]); kind != "" {
		e.Kind = kind
	}
	e.Code = rawText(detail["code"])
	if m := rawText(detail["message"]); m != "" {
		e.Message = m
	} else if len(detail) > 0 {
		e.Message = string(msg.Error)
	}
	return e
}

// DecodeEvent decodes one inbound text message. Unrecognised types yield
// [Unknown] whatever their fields hold; only malformed JSON, a non-string
// type or an undecodable audio payload return an error.
func (d Dialect) DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("realtime: decode message: %w", err)
	}

	switch {
	case slices.Contains(d.ReadyTypes, env.Type):
		return SessionReady{Type: env.Type}, nil
	case slices.Contains(d.TranscriptTypes, env.Type):
		p, err := decodePayload(env.Type, data)
		if err != nil {
			return nil, err
		}
		return Transcript{Text: p.text()}, nil
	case slices.Contains(d.AssistantTextTypes, env.Type):
		p, err := decodePayload(env.Type, data)
		if err != nil {
			return nil, err
		}
		return AssistantText{Text: p.text()}, nil
	case slices.Contains(d.OutputAudioTypes, env.Type):
		p, err := decodePayload(env.Type, data)
		if err != nil {
			return nil, err
		}
		payload, err := base64.StdEncoding.DecodeString(p.audio())
		if err != nil {
			return nil, fmt.Errorf("realtime: decode %s payload: %w", env.Type, err)
		}
		return OutputAudio{Data: payload}, nil
	case slices.Contains(d.DebugTypes, env.Type):
		var msg struct {
			Args json.RawMessage `json:"args"`
		}
		_ = json.Unmarshal(data, &msg)
		var args struct {
			DebugDict json.RawMessage `json:"debug_dict"`
		}
		if len(msg.Args) > 0 {
			_ = json.Unmarshal(msg.Args, &args)
		}
		if len(args.DebugDict) == 0 {
			args.DebugDict = msg.Args
		}
		return DebugInfo{Debug: args.DebugDict}, nil
	case slices.Contains(d.ErrorTypes, env.Type):
		return decodeServerError(data), nil
	default:
		return Unknown{Type: env.Type, Raw: json.RawMessage(data)}, nil
	}
}

func decodePayload(typ string, data []byte) (payloadFields, error) {
	var p payloadFields
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("realtime: decode %s: %w", typ, err)
	}
	return p, nil
}
