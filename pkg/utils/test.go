// SPDX-License-Identifier: MIT
package utils

import (
	"errors"
	"math"
	"sync"
)

// ErrMockClosed is returned by MockTransport.Send after Close.
var ErrMockClosed = errors.New("mock transport closed")

// MockTransport implements the Transport interface for testing. It records
// every payload it is sent.
type MockTransport struct {
	mu     sync.Mutex
	sent   []any
	closed bool

	// SendErr, when set, is returned by every Send.
	SendErr error
}

// Send stores the data for later inspection instead of transmitting.
func (m *MockTransport) Send(data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMockClosed
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, data)
	return nil
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Sent returns a copy of everything sent so far.
func (m *MockTransport) Sent() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.sent...)
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// GenerateSineWave returns size samples of a sine at frequency with the
// given peak amplitude (0-1).
func GenerateSineWave(size int, sampleRate, frequency, amplitude float64) []float64 {
	buffer := make([]float64, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = math.Sin(2*math.Pi*frequency*t) * amplitude
	}
	return buffer
}

// GenerateSineWave32 is GenerateSineWave in the capture sample format.
func GenerateSineWave32(size int, sampleRate, frequency, amplitude float64) []float32 {
	buffer := make([]float32, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = float32(math.Sin(2*math.Pi*frequency*t) * amplitude)
	}
	return buffer
}

func GenerateComplexWave(size int, sampleRate, fundamental float64) []float64 {
	buffer := make([]float64, size)
	for i := range buffer {
		tm := float64(i) / sampleRate
		buffer[i] = math.Sin(2*math.Pi*fundamental*tm)*0.5 +
			math.Sin(2*math.Pi*2*fundamental*tm)*0.3 +
			math.Sin(2*math.Pi*3*fundamental*tm)*0.2 // fundamental + harmonics
	}
	return buffer
}

// GenerateSilence32 returns size zero samples.
func GenerateSilence32(size int) []float32 {
	return make([]float32, size)
}

// Chunk splits samples into consecutive slices of at most size, the way a
// capture callback delivers them.
func Chunk[T any](samples []T, size int) [][]T {
	if size <= 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(samples)+size-1)/size)
	for start := 0; start < len(samples); start += size {
		end := min(start+size, len(samples))
		chunks = append(chunks, samples[start:end])
	}
	return chunks
}
