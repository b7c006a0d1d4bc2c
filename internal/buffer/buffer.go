// SPDX-License-Identifier: MIT
/*
Package buffer hands audio samples from a real-time capture callback to a
single analysis goroutine.

The producer side is a fixed-capacity queue of immutable chunks:
- Write never blocks and never panics, it is safe inside a driver callback
- A full queue drops the incoming chunk whole (samples are lost, never reordered)
- Close marks the end of the stream, queued chunks are still delivered

The consumer side accumulates chunks and serves exact, back-to-back windows of
n samples. It is owned by exactly one goroutine and is the only place that
blocks.
*/
package buffer

import (
	"errors"
	"sync/atomic"
)

const (
	// QueueCapacity is the number of chunks the producer can queue before
	// dropping. Drops at this depth mean the consumer has stalled.
	QueueCapacity = 1024

	// MinBufferCapacity is the number of samples reserved up front by the
	// consumer's accumulator.
	MinBufferCapacity = 1024 * 1024
)

// ErrStreamEnded is returned by Consumer reads when the producer has been
// closed before enough samples arrived.
var ErrStreamEnded = errors.New("buffer: stream ended")

// Sample is the set of numeric types carried by the buffer.
type Sample interface {
	~float32 | ~float64 | ~int16 | ~int32
}

// queue is the state shared by a Producer and its Consumer. The chunks
// channel is never closed, done is closed exactly once by the producer.
type queue[T Sample] struct {
	chunks chan []T
	done   chan struct{}
}

type options struct {
	queueCapacity     int
	minBufferCapacity int
	onDrop            func()
}

// Option configures New.
type Option func(*options)

// WithQueueCapacity overrides QueueCapacity. Values below 1 are ignored.
func WithQueueCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueCapacity = n
		}
	}
}

// WithMinBufferCapacity overrides MinBufferCapacity. Values below 1 are ignored.
func WithMinBufferCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.minBufferCapacity = n
		}
	}
}

// WithDropHook registers fn to run on the producer goroutine every time a
// chunk is dropped. fn must not block or allocate.
func WithDropHook(fn func()) Option {
	return func(o *options) {
		o.onDrop = fn
	}
}

// New creates a connected Producer and Consumer pair.
func New[T Sample](opts ...Option) (*Producer[T], *Consumer[T]) {
	o := options{
		queueCapacity:     QueueCapacity,
		minBufferCapacity: MinBufferCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}

	q := &queue[T]{
		chunks: make(chan []T, o.queueCapacity),
		done:   make(chan struct{}),
	}

	producer := &Producer[T]{q: q, onDrop: o.onDrop}
	consumer := &Consumer[T]{q: q, buf: make([]T, 0, o.minBufferCapacity)}
	return producer, consumer
}

// Producer is the write side of the queue. Write may be called from a
// real-time callback; Close from any goroutine.
type Producer[T Sample] struct {
	q       *queue[T]
	onDrop  func()
	closed  atomic.Bool
	written atomic.Uint64
	dropped atomic.Uint64
}

// Write copies data into a new chunk and queues it. If the queue is full the
// chunk is dropped. data is never retained or modified.
//
// Performance Critical (Hot Path):
// - One allocation per accepted chunk, none for a dropped one
// - No locks, no blocking channel operations
func (p *Producer[T]) Write(data []T) {
	if len(data) == 0 || p.closed.Load() {
		return
	}

	// Only producers send, so a queue with room now still has room below.
	if len(p.q.chunks) == cap(p.q.chunks) {
		p.drop()
		return
	}

	chunk := make([]T, len(data))
	copy(chunk, data)

	select {
	case p.q.chunks <- chunk:
		p.written.Add(1)
	default:
		p.drop()
	}
}

func (p *Producer[T]) drop() {
	p.dropped.Add(1)
	if p.onDrop != nil {
		p.onDrop()
	}
}

// Close ends the stream. Further writes are ignored. Safe to call more than once.
func (p *Producer[T]) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.q.done)
	}
}

// Written returns the number of chunks accepted into the queue.
func (p *Producer[T]) Written() uint64 {
	return p.written.Load()
}

// Dropped returns the number of chunks dropped because the queue was full.
func (p *Producer[T]) Dropped() uint64 {
	return p.dropped.Load()
}

// Consumer is the read side of the queue together with the accumulated
// samples that have not been handed out yet. A Consumer must only be used
// from one goroutine.
type Consumer[T Sample] struct {
	q *queue[T]

	// Pending samples are buf[head:]. Storage is compacted in place when an
	// append would otherwise grow it.
	buf  []T
	head int
}

// Read blocks until n samples are available and returns them in arrival
// order. Samples beyond n stay buffered for the next call. It returns
// ErrStreamEnded, and no samples, if the producer closes first.
func (c *Consumer[T]) Read(n int) ([]T, error) {
	if n <= 0 {
		return []T{}, nil
	}
	out := make([]T, n)
	if err := c.ReadInto(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadInto fills dst exactly, with the same blocking and ordering rules as
// Read. On ErrStreamEnded dst is left untouched.
func (c *Consumer[T]) ReadInto(dst []T) error {
	n := len(dst)
	for c.Buffered() < n {
		chunk, ok := c.receive()
		if !ok {
			return ErrStreamEnded
		}
		c.append(chunk)
	}

	copy(dst, c.buf[c.head:c.head+n])
	c.head += n
	if c.head == len(c.buf) {
		c.buf = c.buf[:0]
		c.head = 0
	}
	return nil
}

// Next blocks until samples are available and returns whatever arrived
// first: the accumulated backlog if there is one, the next queued chunk
// otherwise. It returns ErrStreamEnded once the producer is closed and
// everything has been handed out. The caller owns the returned slice.
func (c *Consumer[T]) Next() ([]T, error) {
	if n := c.Buffered(); n > 0 {
		out := make([]T, n)
		copy(out, c.buf[c.head:])
		c.buf = c.buf[:0]
		c.head = 0
		return out, nil
	}

	// Chunks are private copies made by Write, so they can be handed over.
	chunk, ok := c.receive()
	if !ok {
		return nil, ErrStreamEnded
	}
	return chunk, nil
}

// Buffered returns the number of samples accumulated but not yet read.
func (c *Consumer[T]) Buffered() int {
	return len(c.buf) - c.head
}

// Pending returns the number of chunks queued by the producer and not yet
// pulled into the accumulator.
func (c *Consumer[T]) Pending() int {
	return len(c.q.chunks)
}

// receive blocks for the next chunk. It reports false once the producer is
// closed and every queued chunk has been received.
func (c *Consumer[T]) receive() ([]T, bool) {
	select {
	case chunk := <-c.q.chunks:
		return chunk, true
	case <-c.q.done:
		select {
		case chunk := <-c.q.chunks:
			return chunk, true
		default:
			return nil, false
		}
	}
}

func (c *Consumer[T]) append(chunk []T) {
	if c.head > 0 && len(c.buf)+len(chunk) > cap(c.buf) {
		kept := copy(c.buf, c.buf[c.head:])
		c.buf = c.buf[:kept]
		c.head = 0
	}
	c.buf = append(c.buf, chunk...)
}
