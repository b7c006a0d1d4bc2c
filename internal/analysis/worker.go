// SPDX-License-Identifier: MIT
/*
Package analysis runs pitch detection on the captured sample stream and
forwards detected notes to the presentation layer.

The Worker owns the consumer end of the sample buffer, a pitch.Detector and
the sending end of the result channel. It runs on its own goroutine:

	Accumulating -> Converting -> Detecting -> Forwarding -> Accumulating ...

and stops when the stream ends, the receiver goes away, or the receiver falls
a full result channel behind. None of those is an error.
*/
package analysis

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pitchscope/internal/buffer"
	"pitchscope/internal/log"
	"pitchscope/internal/pitch"
)

// State is the worker's position in its loop.
type State int32

const (
	Accumulating State = iota
	Converting
	Detecting
	Forwarding
	Stopped
)

func (s State) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Converting:
		return "converting"
	case Detecting:
		return "detecting"
	case Forwarding:
		return "forwarding"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StopReason records why Run returned.
type StopReason int32

const (
	Running StopReason = iota
	StreamEnded
	ReceiverGone
	ResultsFull
)

func (r StopReason) String() string {
	switch r {
	case Running:
		return "running"
	case StreamEnded:
		return "stream ended"
	case ReceiverGone:
		return "receiver gone"
	case ResultsFull:
		return "results full"
	default:
		return fmt.Sprintf("StopReason(%d)", int32(r))
	}
}

// Observer receives worker events, typically to feed metrics. Methods are
// called from the worker goroutine and must not block.
type Observer interface {
	WindowAnalysed()
	NoteDetected(note pitch.Note)
	NoPitch()
	NoteForwarded()
	StateChanged(state State)
}

// WindowTap receives every raw window before detection. The slice is only
// valid for the duration of the call.
type WindowTap interface {
	TapWindow(window []float32) error
}

// Config holds the fixed parameters of a Worker.
type Config struct {
	WindowSize int
	Range      pitch.Range
	SampleRate float64
}

// DefaultConfig is the standard 4096-sample window over 50-440 Hz at 44.1 kHz.
func DefaultConfig() Config {
	return Config{
		WindowSize: 4096,
		Range:      pitch.DefaultRange,
		SampleRate: 44100,
	}
}

// Option configures a Worker.
type Option func(*Worker)

// WithObserver attaches o to the worker.
func WithObserver(o Observer) Option {
	return func(w *Worker) {
		w.observer = o
	}
}

// WithWindowTap attaches t to the worker. A tap that fails is detached and
// the worker carries on.
func WithWindowTap(t WindowTap) Option {
	return func(w *Worker) {
		w.tap = t
	}
}

// Worker is the detection loop. Create it with NewWorker and call Run once.
type Worker struct {
	config   Config
	consumer *buffer.Consumer[float32]
	detector *pitch.Detector
	results  *ResultSender
	observer Observer
	tap      WindowTap
	now      func() time.Time

	// Reused for every window.
	raw     []float32
	upscale []float64

	state  atomic.Int32
	reason atomic.Int32
}

// NewWorker wires a worker together. The detector must have been built for
// cfg.WindowSize.
func NewWorker(cfg Config, consumer *buffer.Consumer[float32], detector *pitch.Detector, results *ResultSender, opts ...Option) (*Worker, error) {
	if consumer == nil || detector == nil || results == nil {
		return nil, errors.New("analysis: consumer, detector and results are required")
	}
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("analysis: window size must be positive, got %d", cfg.WindowSize)
	}
	if detector.Size() != cfg.WindowSize {
		return nil, fmt.Errorf("analysis: detector size %d does not match window size %d", detector.Size(), cfg.WindowSize)
	}

	w := &Worker{
		config:   cfg,
		consumer: consumer,
		detector: detector,
		results:  results,
		now:      time.Now,
		raw:      make([]float32, cfg.WindowSize),
		upscale:  make([]float64, cfg.WindowSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// State returns the worker's current state. Safe to call from any goroutine.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// StopReason returns why Run returned, or Running while it has not.
func (w *Worker) StopReason() StopReason {
	return StopReason(w.reason.Load())
}

// Run executes the detection loop until a terminal condition and then closes
// the result sender. It returns nil for every normal way of stopping.
func (w *Worker) Run() error {
	defer w.results.Close()

	log.Debugf("Worker: started (window %d, range %.0f-%.0f Hz)",
		w.config.WindowSize, w.config.Range.Min, w.config.Range.Max)

	for {
		// --- Accumulating ---
		w.setState(Accumulating)
		if err := w.consumer.ReadInto(w.raw); err != nil {
			// ErrStreamEnded is the only error a Consumer returns.
			w.stop(StreamEnded)
			log.Debugf("Worker: %v, %d samples left unread", err, w.consumer.Buffered())
			return nil
		}
		w.tapWindow()

		// --- Converting ---
		w.setState(Converting)
		for i, s := range w.raw {
			w.upscale[i] = float64(s)
		}

		// --- Detecting ---
		w.setState(Detecting)
		note, ok := pitch.DetectNoteInRange(w.upscale, w.detector, w.config.Range)
		if w.observer != nil {
			w.observer.WindowAnalysed()
		}
		if !ok {
			if w.observer != nil {
				w.observer.NoPitch()
			}
			continue
		}
		note.Time = w.now()
		if w.observer != nil {
			w.observer.NoteDetected(note)
		}

		// --- Forwarding ---
		w.setState(Forwarding)
		if err := w.results.TrySend(note); err != nil {
			if errors.Is(err, ErrReceiverGone) {
				w.stop(ReceiverGone)
				log.Debugf("Worker: receiver gone, stopping")
			} else {
				w.stop(ResultsFull)
				log.Warnf("Worker: result channel full, stopping")
			}
			return nil
		}
		if w.observer != nil {
			w.observer.NoteForwarded()
		}
	}
}

func (w *Worker) tapWindow() {
	if w.tap == nil {
		return
	}
	if err := w.tap.TapWindow(w.raw); err != nil {
		log.Errorf("Worker: window tap failed, detaching: %v", err)
		w.tap = nil
	}
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	if w.observer != nil {
		w.observer.StateChanged(s)
	}
}

func (w *Worker) stop(reason StopReason) {
	w.reason.Store(int32(reason))
	w.setState(Stopped)
}
