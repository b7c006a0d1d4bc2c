// SPDX-License-Identifier: MIT
/*
Package record writes the windows the detection worker analyses to a mono
WAV file.

The Recorder is attached to the worker as a window tap. TapWindow only
queues a copy of the window; conversion and file I/O run on a writer
goroutine owned by the Recorder. When the writer falls behind, whole
windows are dropped and counted, the worker is never held up.
*/
package record

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"pitchscope/internal/analysis"
	"pitchscope/internal/buffer"
	"pitchscope/internal/log"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// QueueCapacity is the number of windows that can wait for the writer
// before new ones are dropped.
const QueueCapacity = 64

// ErrAlreadyRecording is returned by Start while a file is open.
var ErrAlreadyRecording = errors.New("record: already recording")

// Compile-time check for interface implementation.
var _ analysis.WindowTap = (*Recorder)(nil)

// file is the destination of a recording. The WAV encoder seeks back to
// patch the header on close.
type file interface {
	io.WriteSeeker
	io.Closer
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithQueueCapacity overrides QueueCapacity. Values below 1 are ignored.
func WithQueueCapacity(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queueCapacity = n
		}
	}
}

// Recorder encodes float32 sample windows as PCM.
type Recorder struct {
	sampleRate    int
	bitDepth      int
	scale         float64 // Full-scale integer for the bit depth
	queueCapacity int
	create        func(name string) (file, error)

	mu      sync.Mutex // Serialises Start and Stop
	current atomic.Pointer[session]
	samples atomic.Uint64
	dropped atomic.Uint64
}

// session is one open recording and its writer goroutine.
type session struct {
	producer *buffer.Producer[float32]
	consumer *buffer.Consumer[float32]
	out      file
	encoder  *wav.Encoder
	pcm      *audio.IntBuffer // Reusable buffer for format conversion

	done chan struct{}
	err  error // Set by the writer before done is closed
}

// NewRecorder creates a Recorder for mono audio at sampleRate. bitDepth must
// be 16 or 24.
func NewRecorder(sampleRate, bitDepth int, opts ...Option) (*Recorder, error) {
	if bitDepth != 16 && bitDepth != 24 {
		return nil, fmt.Errorf("record: unsupported bit depth %d", bitDepth)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("record: sample rate must be positive, got %d", sampleRate)
	}
	r := &Recorder{
		sampleRate:    sampleRate,
		bitDepth:      bitDepth,
		scale:         float64(int(1)<<(bitDepth-1) - 1),
		queueCapacity: QueueCapacity,
		create: func(name string) (file, error) {
			return os.Create(name)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// DefaultFilename returns the generated name for a recording started at t.
func DefaultFilename(t time.Time) string {
	return "recording-" + t.Format("02-01-2006-150405") + ".wav"
}

// Start creates filename and starts the writer goroutine.
func (r *Recorder) Start(filename string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current.Load() != nil {
		return ErrAlreadyRecording
	}

	out, err := r.create(filename)
	if err != nil {
		return fmt.Errorf("record: create %s: %w", filename, err)
	}

	// One window at a time is accumulated, so nothing is reserved up front.
	producer, consumer := buffer.New[float32](
		buffer.WithQueueCapacity(r.queueCapacity),
		buffer.WithMinBufferCapacity(1),
		buffer.WithDropHook(func() { r.dropped.Add(1) }),
	)
	s := &session{
		producer: producer,
		consumer: consumer,
		out:      out,
		encoder:  wav.NewEncoder(out, r.sampleRate, r.bitDepth, 1, 1),
		pcm: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: 1,
				SampleRate:  r.sampleRate,
			},
			SourceBitDepth: r.bitDepth,
		},
		done: make(chan struct{}),
	}
	r.samples.Store(0)
	r.dropped.Store(0)

	go r.write(s)
	r.current.Store(s)
	return nil
}

// TapWindow queues a copy of window for the writer. It never blocks and is
// a no-op when not recording. It returns an error once the writer has
// failed, the file is then already closed.
func (r *Recorder) TapWindow(window []float32) error {
	s := r.current.Load()
	if s == nil {
		return nil
	}

	select {
	case <-s.done:
		if s.err != nil {
			return fmt.Errorf("record: writer stopped: %w", s.err)
		}
		return nil
	default:
	}

	s.producer.Write(window)
	return nil
}

// write drains the session queue into the encoder until the queue is
// closed or a write fails, then finalises the file.
func (r *Recorder) write(s *session) {
	defer close(s.done)

	var errs []error
	for {
		window, err := s.consumer.Next()
		if errors.Is(err, buffer.ErrStreamEnded) {
			break
		}

		convert(s.pcm, window, r.scale)
		if err := s.encoder.Write(s.pcm); err != nil {
			errs = append(errs, fmt.Errorf("record: write: %w", err))
			log.Errorf("Recorder: write failed, closing file: %v", err)
			break
		}
		r.samples.Add(uint64(len(window)))
	}

	if err := s.encoder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("record: finalise: %w", err))
	}
	if err := s.out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("record: close: %w", err))
	}
	s.err = errors.Join(errs...)
}

// convert scales window to integer PCM in dst, clipping to full scale. dst
// is only reallocated when it is too small.
func convert(dst *audio.IntBuffer, window []float32, scale float64) {
	if cap(dst.Data) < len(window) {
		dst.Data = make([]int, len(window))
	}
	dst.Data = dst.Data[:len(window)]

	for i, s := range window {
		v := math.Max(-1, math.Min(1, float64(s)))
		dst.Data[i] = int(math.Round(v * scale))
	}
}

// Stop waits for queued windows to be written, finalises the WAV header and
// closes the file. Stop when not recording does nothing.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current.Swap(nil)
	if s == nil {
		return nil
	}
	s.producer.Close()
	<-s.done
	return s.err
}

// Recording reports whether a file is open.
func (r *Recorder) Recording() bool {
	return r.current.Load() != nil
}

// Samples returns the number of samples written to the current or last
// file.
func (r *Recorder) Samples() uint64 {
	return r.samples.Load()
}

// Dropped returns the number of windows dropped because the writer fell
// behind.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}
