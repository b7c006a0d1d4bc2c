// SPDX-License-Identifier: MIT
package transport

import (
	"context"
	"errors"
	"sync"

	"pitchscope/internal/log"
	"pitchscope/internal/pitch"

	"github.com/google/uuid"
)

// NoteSource is where notes come from: the result channel receiver, or a
// Fanout wrapping it.
type NoteSource interface {
	Next(ctx context.Context) (pitch.Note, bool)
	Close()
}

// SendObserver is told about every send, typically to feed metrics.
type SendObserver interface {
	TransportSent(sink string, err error)
}

type sink struct {
	name string
	t    Transport
}

// Fanout drains a NoteSource, copies each note to every sink as a
// NoteEvent and hands the note on to its own caller. Sink failures are
// logged and never stop the stream.
type Fanout struct {
	source   NoteSource
	session  uuid.UUID
	sinks    []sink
	observer SendObserver
	sequence uint64

	closeOnce sync.Once
	closeErr  error
}

// Compile-time check for interface implementation.
var _ NoteSource = (*Fanout)(nil)

// NewFanout wraps source. session identifies this run in every event.
func NewFanout(source NoteSource, session uuid.UUID) *Fanout {
	return &Fanout{source: source, session: session}
}

// AddSink registers t under name. Not safe once Next is running.
func (f *Fanout) AddSink(name string, t Transport) {
	f.sinks = append(f.sinks, sink{name: name, t: t})
}

// SetObserver attaches o. Not safe once Next is running.
func (f *Fanout) SetObserver(o SendObserver) {
	f.observer = o
}

// Sinks returns the number of registered sinks.
func (f *Fanout) Sinks() int {
	return len(f.sinks)
}

// Next waits for the next note, mirrors it to every sink and returns it.
// Next must be called from one goroutine.
func (f *Fanout) Next(ctx context.Context) (pitch.Note, bool) {
	note, ok := f.source.Next(ctx)
	if !ok {
		return note, false
	}
	if len(f.sinks) == 0 {
		return note, true
	}

	f.sequence++
	event := NewNoteEvent(f.session, f.sequence, note)
	for _, s := range f.sinks {
		err := s.t.Send(event)
		if err != nil {
			log.Debugf("Fanout: %s send failed: %v", s.name, err)
		}
		if f.observer != nil {
			f.observer.TransportSent(s.name, err)
		}
	}
	return note, true
}

// Run drains the source until it ends or ctx is done. It is the headless
// replacement for the TUI loop.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		if _, ok := f.Next(ctx); !ok {
			return nil
		}
	}
}

// Close closes the source only, sinks stay open until Shutdown. It does not
// block. Safe to call more than once.
func (f *Fanout) Close() {
	f.source.Close()
}

// Shutdown closes the source and then every sink and returns the joined
// sink close errors. Safe to call more than once, later calls return the
// first result.
func (f *Fanout) Shutdown() error {
	f.Close()
	f.closeOnce.Do(func() {
		var errs []error
		for _, s := range f.sinks {
			if err := s.t.Close(); err != nil {
				errs = append(errs, err)
				log.Warnf("Fanout: closing %s: %v", s.name, err)
			}
		}
		f.closeErr = errors.Join(errs...)
	})
	return f.closeErr
}
