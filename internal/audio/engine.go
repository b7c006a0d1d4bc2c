// SPDX-License-Identifier: MIT
/*
Package audio captures samples from an input device and hands them to the
sample buffer.

The capture callback is real-time code:
- It only copies samples into the buffer producer and bumps atomic counters
- Buffers are pre-allocated, the callback never blocks or locks
- Device problems are reported on a non-blocking error channel and logged
  by a monitor goroutine, they never stop the detection worker

Two backends are available: PortAudio (default) and miniaudio via malgo.
*/
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pitchscope/internal/buffer"
	"pitchscope/internal/config"
	"pitchscope/internal/log"
)

var (
	// ErrNoInputDevice is returned when there is no usable input device.
	ErrNoInputDevice = errors.New("audio: no input device available")

	// ErrNoStreamConfig is returned when the device cannot capture float32
	// samples at the required rate with any channel count.
	ErrNoStreamConfig = errors.New("audio: no supported stream configuration")

	// ErrInputOverflow is reported when the backend discarded input.
	ErrInputOverflow = errors.New("audio: input overflow")

	// ErrDeviceStopped is reported when the device stopped on its own.
	ErrDeviceStopped = errors.New("audio: device stopped unexpectedly")

	errEngineClosed = errors.New("audio: engine closed")
)

// errorQueueSize bounds the asynchronous error channel. Errors beyond it
// are dropped.
const errorQueueSize = 64

// DeviceError is an asynchronous stream problem reported by the backend.
type DeviceError struct {
	Kind string // "overflow" or "stopped"
	Err  error
	Time time.Time
}

func (e DeviceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e DeviceError) Unwrap() error {
	return e.Err
}

// StreamInfo describes the negotiated capture stream.
type StreamInfo struct {
	Backend    string
	DeviceName string
	Channels   int
	SampleRate float64
	Latency    time.Duration
}

// Observer is notified from the capture path. Methods run on the audio
// thread and must be allocation free.
type Observer interface {
	CaptureCallback()
	DeviceError(kind string)
}

// stream is an open backend capture stream.
type stream interface {
	Start() error
	Stop() error
	Close() error
	Info() StreamInfo
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver attaches o to the capture path.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

type Engine struct {
	// Core configuration and state.
	config   config.AudioConfig
	producer *buffer.Producer[float32]
	observer Observer
	stream   stream

	// Mono extraction buffer for multi-channel devices.
	mono []float32

	errs      chan DeviceError
	callbacks atomic.Uint64
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewEngine creates an engine that writes captured samples to producer.
// The engine owns the producer from here on and closes it in Close.
func NewEngine(cfg config.AudioConfig, producer *buffer.Producer[float32], opts ...Option) (*Engine, error) {
	if producer == nil {
		return nil, errors.New("audio: producer is required")
	}

	frames := cfg.FramesPerBuffer
	if frames <= 0 {
		frames = config.MaxBufferFrames
	}

	e := &Engine{
		config:   cfg,
		producer: producer,
		mono:     make([]float32, frames),
		errs:     make(chan DeviceError, errorQueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start negotiates a stream on the configured backend and starts capture.
func (e *Engine) Start() error {
	if e.closing.Load() {
		return errEngineClosed
	}
	if e.stream != nil {
		return errors.New("audio: engine already started")
	}

	var (
		s   stream
		err error
	)
	switch e.config.Backend {
	case config.BackendMalgo:
		s, err = openMalgo(e)
	case config.BackendPortAudio, "":
		s, err = openPortAudio(e)
	default:
		return fmt.Errorf("audio: unknown backend %q", e.config.Backend)
	}
	if err != nil {
		return err
	}

	if err := s.Start(); err != nil {
		s.Close()
		return fmt.Errorf("audio: start stream: %w", err)
	}
	e.stream = s

	info := s.Info()
	log.Infof("Engine: capturing from %q via %s (%d ch @ %.0f Hz, latency %v)",
		info.DeviceName, info.Backend, info.Channels, info.SampleRate, info.Latency)
	return nil
}

// Info returns the negotiated stream, or the zero value before Start.
func (e *Engine) Info() StreamInfo {
	if e.stream == nil {
		return StreamInfo{}
	}
	return e.stream.Info()
}

// Errors returns the asynchronous device error channel. It is never closed.
func (e *Engine) Errors() <-chan DeviceError {
	return e.errs
}

// Callbacks returns the number of capture callbacks received.
func (e *Engine) Callbacks() uint64 {
	return e.callbacks.Load()
}

// Dropped returns the number of chunks the buffer dropped.
func (e *Engine) Dropped() uint64 {
	return e.producer.Dropped()
}

// MonitorErrors logs device errors until ctx is done.
func (e *Engine) MonitorErrors(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case derr := <-e.errs:
			log.Warnf("Engine: input stream error: %v", derr)
		}
	}
}

// Close stops and closes the stream, then closes the producer so the
// detection worker sees the end of the stream. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closing.Store(true)
		if e.stream != nil {
			var errs []error
			if err := e.stream.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("audio: stop stream: %w", err))
			}
			if err := e.stream.Close(); err != nil {
				errs = append(errs, fmt.Errorf("audio: close stream: %w", err))
			}
			e.closeErr = errors.Join(errs...)
		}
		e.producer.Close()
		log.Debugf("Engine: closed after %d callbacks, %d chunks dropped", e.Callbacks(), e.Dropped())
	})
	return e.closeErr
}

// processInput is the core capture callback. in holds interleaved frames
// of the given channel count; only channel 0 is kept.
//
// Performance Critical:
// - Uses pre-allocated buffers only
// - No locks, no blocking
func (e *Engine) processInput(in []float32, channels int) {
	e.countCallback()
	e.writeFrames(in, channels)
}

func (e *Engine) countCallback() {
	e.callbacks.Add(1)
	if e.observer != nil {
		e.observer.CaptureCallback()
	}
}

// writeFrames writes channel 0 of in to the producer.
func (e *Engine) writeFrames(in []float32, channels int) {
	if channels <= 1 {
		e.producer.Write(in)
		return
	}

	// A driver can deliver more than it promised; such a callback becomes
	// several chunks so any drop still loses whole chunks.
	frames := len(in) / channels
	for start := 0; start < frames; start += len(e.mono) {
		n := min(len(e.mono), frames-start)
		for i := range n {
			e.mono[i] = in[(start+i)*channels]
		}
		e.producer.Write(e.mono[:n])
	}
}

// reportError queues a device error without blocking.
func (e *Engine) reportError(kind string, err error) {
	if e.observer != nil {
		e.observer.DeviceError(kind)
	}
	select {
	case e.errs <- DeviceError{Kind: kind, Err: err, Time: time.Now()}:
	default:
	}
}

// negotiateChannels returns the fewest channels in [1, maxChannels] for
// which supported reports true.
func negotiateChannels(maxChannels int, supported func(channels int) bool) (int, error) {
	for ch := 1; ch <= maxChannels; ch++ {
		if supported(ch) {
			return ch, nil
		}
	}
	return 0, ErrNoStreamConfig
}
