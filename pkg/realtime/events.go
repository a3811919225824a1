package realtime

import "encoding/json"

// Event is an inbound backend message, decoded by a [Dialect]. The set of
// implementations is closed; [Unknown] carries anything unrecognised.
type Event interface {
	eventType() string
}

// SessionReady is the backend's readiness signal. Type is the message type
// that carried it.
type SessionReady struct{ Type string }

func (SessionReady) eventType() string { return "session_ready" }

// Transcript is a delta of the user's transcribed speech.
type Transcript struct{ Text string }

func (Transcript) eventType() string { return "transcript" }

// AssistantText is a delta of the assistant's text response.
type AssistantText struct{ Text string }

func (AssistantText) eventType() string { return "assistant_text" }

// OutputAudio is a chunk of synthesised speech: raw PCM16 or Ogg/Opus.
type OutputAudio struct{ Data []byte }

func (OutputAudio) eventType() string { return "output_audio" }

// DebugInfo carries the backend's additional debug outputs.
type DebugInfo struct{ Debug json.RawMessage }

func (DebugInfo) eventType() string { return "debug_info" }

// ServerError is an error reported by the backend in-band.
type ServerError struct {
	Kind    string
	Code    string
	Message string
}

func (ServerError) eventType() string { return "error" }

// IsWarning reports whether the backend flagged the error as a warning.
func (e ServerError) IsWarning() bool { return e.Kind == "warning" }

func (e ServerError) Error() string {
	if e.Code != "" {
		return "realtime: server " + e.Kind + " (" + e.Code + "): " + e.Message
	}
	return "realtime: server " + e.Kind + ": " + e.Message
}

// Unknown is any message whose type the dialect does not recognise.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (e Unknown) eventType() string { return e.Type }
