// SPDX-License-Identifier: MIT
package analysis

import (
	"context"
	"errors"
	"sync"

	"pitchscope/internal/pitch"
)

// DefaultResultCapacity is the number of notes buffered between the worker
// and the presentation layer.
const DefaultResultCapacity = 1024

var (
	// ErrReceiverGone is returned by TrySend after the receiver was closed.
	ErrReceiverGone = errors.New("analysis: result receiver gone")

	// ErrResultsFull is returned by TrySend when the receiver has fallen
	// capacity notes behind.
	ErrResultsFull = errors.New("analysis: result channel full")
)

// results is shared by a ResultSender and its ResultReceiver. notes is
// closed by the sender, gone by the receiver.
type results struct {
	notes    chan pitch.Note
	gone     chan struct{}
	sendOnce sync.Once
	goneOnce sync.Once
}

// ResultSender is the worker's end of the result channel.
type ResultSender struct {
	r *results
}

// ResultReceiver is the presentation layer's end of the result channel.
type ResultReceiver struct {
	r *results
}

// NewResults creates a bounded note channel. Capacity below 1 uses
// DefaultResultCapacity.
func NewResults(capacity int) (*ResultSender, *ResultReceiver) {
	if capacity < 1 {
		capacity = DefaultResultCapacity
	}
	r := &results{
		notes: make(chan pitch.Note, capacity),
		gone:  make(chan struct{}),
	}
	return &ResultSender{r: r}, &ResultReceiver{r: r}
}

// TrySend queues note without blocking. TrySend and Close must be called
// from the same goroutine.
func (s *ResultSender) TrySend(note pitch.Note) error {
	select {
	case <-s.r.gone:
		return ErrReceiverGone
	default:
	}

	select {
	case s.r.notes <- note:
		return nil
	default:
		return ErrResultsFull
	}
}

// Close ends the stream of notes. Queued notes are still delivered.
func (s *ResultSender) Close() {
	s.r.sendOnce.Do(func() {
		close(s.r.notes)
	})
}

// C returns the channel notes arrive on. It is closed after the sender
// closes and every queued note has been received.
func (r *ResultReceiver) C() <-chan pitch.Note {
	return r.r.notes
}

// Next waits for the next note. It returns false when the sender has
// closed, the receiver has been closed, or ctx is done.
func (r *ResultReceiver) Next(ctx context.Context) (pitch.Note, bool) {
	select {
	case <-r.r.gone:
		return pitch.Note{}, false
	default:
	}

	select {
	case note, ok := <-r.r.notes:
		return note, ok
	case <-r.r.gone:
		return pitch.Note{}, false
	case <-ctx.Done():
		return pitch.Note{}, false
	}
}

// Close tells the sender nobody is listening any more. Safe to call more
// than once and from any goroutine.
func (r *ResultReceiver) Close() {
	r.r.goneOnce.Do(func() {
		close(r.r.gone)
	})
}
