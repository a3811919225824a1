// Package transcript keeps the running conversation transcript of a voice
// session.
//
// The backend streams speech in small deltas. [Buffer] folds consecutive
// deltas from the same speaker into a single [Entry] so the transcript reads
// as turns rather than fragments. When a [Corrector] is attached, user turns
// are passed through it once they are complete, which lets a configured
// vocabulary repair misheard product or proper names.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Speaker identifies who produced an [Entry].
type Speaker int

const (
	// SpeakerUser marks text transcribed from the microphone.
	SpeakerUser Speaker = iota

	// SpeakerAssistant marks text generated by the backend.
	SpeakerAssistant
)

// String returns "user" or "assistant".
func (s Speaker) String() string {
	switch s {
	case SpeakerUser:
		return "user"
	case SpeakerAssistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so entries serialise with a
// readable speaker name.
func (s Speaker) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Entry is one speaker turn.
type Entry struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	Started time.Time `json:"started"`

	// Corrections lists the vocabulary substitutions applied to Text.
	Corrections []Correction `json:"corrections,omitempty"`
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithCorrector applies c to every user turn when it completes.
func WithCorrector(c Corrector) Option {
	return func(b *Buffer) { b.corrector = c }
}

// WithMaxEntries caps the number of retained entries; the oldest are evicted
// first. Zero keeps everything.
func WithMaxEntries(n int) Option {
	return func(b *Buffer) { b.maxEntries = max(n, 0) }
}

// WithClock overrides the time source used to stamp new entries.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// Buffer accumulates transcript deltas. It is safe for concurrent use.
type Buffer struct {
	corrector  Corrector
	maxEntries int
	now        func() time.Time

	mu       sync.Mutex
	entries  []Entry
	onUpdate func(Entry)
}

// NewBuffer returns an empty [Buffer].
func NewBuffer(opts ...Option) *Buffer {
	b := &Buffer{now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// AppendUser adds transcribed user speech.
func (b *Buffer) AppendUser(delta string) { b.append(SpeakerUser, delta) }

// AppendAssistant adds assistant text.
func (b *Buffer) AppendAssistant(delta string) { b.append(SpeakerAssistant, delta) }

func (b *Buffer) append(speaker Speaker, delta string) {
	if delta == "" {
		return
	}

	b.mu.Lock()
	var updated []Entry
	n := len(b.entries)
	if n > 0 && b.entries[n-1].Speaker == speaker {
		b.entries[n-1].Text = joinDelta(b.entries[n-1].Text, delta)
	} else {
		if n > 0 && b.complete(n-1) {
			updated = append(updated, b.entries[n-1])
		}
		b.entries = append(b.entries, Entry{
			Speaker: speaker,
			Text:    strings.TrimLeft(delta, " "),
			Started: b.now(),
		})
		if b.maxEntries > 0 && len(b.entries) > b.maxEntries {
			b.entries = append(b.entries[:0:0], b.entries[len(b.entries)-b.maxEntries:]...)
		}
	}
	updated = append(updated, b.entries[len(b.entries)-1])
	fn := b.onUpdate
	b.mu.Unlock()

	if fn != nil {
		for _, e := range updated {
			fn(e)
		}
	}
}

// complete finalises entry i and reports whether its text changed.
// Must be called with b.mu held.
func (b *Buffer) complete(i int) bool {
	e := &b.entries[i]
	if b.corrector == nil || e.Speaker != SpeakerUser {
		return false
	}
	text, corrections := b.corrector.Correct(e.Text)
	if len(corrections) == 0 {
		return false
	}
	e.Text = text
	e.Corrections = corrections
	return true
}

// Flush completes the current entry, applying the corrector to it if it is a
// user turn. Call it when the speaker is known to have finished, for example
// before a commit.
func (b *Buffer) Flush() {
	b.mu.Lock()
	n := len(b.entries)
	if n == 0 || !b.complete(n-1) {
		b.mu.Unlock()
		return
	}
	e := b.entries[n-1]
	fn := b.onUpdate
	b.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

// joinDelta appends delta to text. Deltas carry their own word spacing, so
// only leading spaces at the start of an entry are dropped.
func joinDelta(text, delta string) string {
	if text == "" {
		return strings.TrimLeft(delta, " ")
	}
	return text + delta
}

// Entries returns a copy of the transcript.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear removes all entries.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

// OnUpdate registers fn to be called with the affected entry after every
// change. Passing nil removes the callback. fn runs on the appending
// goroutine and must not call back into the Buffer's mutating methods.
func (b *Buffer) OnUpdate(fn func(Entry)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onUpdate = fn
}

// String renders the transcript one turn per line.
func (b *Buffer) String() string {
	var sb strings.Builder
	for _, e := range b.Entries() {
		sb.WriteString(e.Speaker.String())
		sb.WriteString(": ")
		sb.WriteString(e.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}
