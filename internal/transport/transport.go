// SPDX-License-Identifier: MIT
// Package transport mirrors detected notes to sinks outside the display:
// the log, WebSocket clients, UDP listeners and an MQTT broker.
package transport

import (
	"time"

	"pitchscope/internal/pitch"

	"github.com/google/uuid"
)

// Transport defines a generic interface for sending processed data or events.
// Implementations should be thread-safe and must not block for long, Send
// runs on the presentation path.
type Transport interface {
	Send(data any) error
	Close() error
}

// NoteEvent is the wire form of a detected note.
type NoteEvent struct {
	Session       string    `json:"session"` // Identifies one run of the program
	Sequence      uint64    `json:"seq"`     // Per-session, starts at 1
	Name          string    `json:"name"`    // Pitch class, e.g. "C#"
	Octave        int       `json:"octave"`
	Label         string    `json:"label"`          // Name with octave, e.g. "C#3"
	Display       string    `json:"display"`        // Same text the TUI shows
	Frequency     float64   `json:"frequency"`      // Detected Hz
	NoteFrequency float64   `json:"note_frequency"` // Equal-tempered Hz of the nearest note
	Cents         float64   `json:"cents"`
	Time          time.Time `json:"time"`
}

// NewNoteEvent stamps note with the session and sequence number.
func NewNoteEvent(session uuid.UUID, sequence uint64, note pitch.Note) NoteEvent {
	return NoteEvent{
		Session:       session.String(),
		Sequence:      sequence,
		Name:          note.Name,
		Octave:        note.Octave,
		Label:         note.Label(),
		Display:       note.String(),
		Frequency:     note.Frequency,
		NoteFrequency: note.NoteFrequency,
		Cents:         note.Cents,
		Time:          note.Time,
	}
}
