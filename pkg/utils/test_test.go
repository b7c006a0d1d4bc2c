// SPDX-License-Identifier: MIT
package utils

import (
	"errors"
	"math"
	"testing"
)

const (
	testSize       = 1024
	testSampleRate = 44100
	testFrequency  = 220.0 // A3 note
)

func TestMockTransport(t *testing.T) {
	tests := []struct {
		name   string
		inputs []any
	}{
		{"Nothing Sent", nil},
		{"Single Value", []any{"A   440"}},
		{"Multiple Values", []any{1, 2.5, "C#"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt := &MockTransport{}

			for _, in := range tt.inputs {
				if err := mt.Send(in); err != nil {
					t.Errorf("MockTransport.Send() error = %v", err)
				}
			}

			if got := len(mt.Sent()); got != len(tt.inputs) {
				t.Errorf("MockTransport.Sent() length = %d, want %d", got, len(tt.inputs))
			}
		})
	}

	mt := &MockTransport{}
	mt.Close()
	if !mt.Closed() {
		t.Error("MockTransport.Closed() = false after Close")
	}
	if err := mt.Send(1); !errors.Is(err, ErrMockClosed) {
		t.Errorf("MockTransport.Send() after Close error = %v, want %v", err, ErrMockClosed)
	}

	failing := &MockTransport{SendErr: errors.New("boom")}
	if err := failing.Send(1); err == nil {
		t.Error("MockTransport.Send() with SendErr returned nil")
	}
}

func TestGenerateComplexWave(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		sampleRate float64
	}{
		{"Standard", 1024, 44100},
		{"Small", 16, 8000},
		{"Large", 8192, 96000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GenerateComplexWave(tt.size, tt.sampleRate, testFrequency)

			if len(result) != tt.size {
				t.Errorf("GenerateComplexWave() buffer size = %d, want %d",
					len(result), tt.size)
			}

			// Check non-zero values (signal should have content).
			hasNonZero := false
			for _, v := range result {
				if v != 0 {
					hasNonZero = true
					break
				}
			}

			if !hasNonZero {
				t.Errorf("GenerateComplexWave() produced all zeros")
			}
		})
	}
}

func TestGenerateSineWave(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		sampleRate float64
		frequency  float64
	}{
		{"A3 Note", 1024, 44100, 220.0},
		{"Middle C", 1024, 44100, 261.63},
		{"High Sample Rate", 1024, 192000, 440.0},
		{"Low Sample Rate", 1024, 8000, 440.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GenerateSineWave(tt.size, tt.sampleRate, tt.frequency, 0.9)

			if len(result) != tt.size {
				t.Errorf("GenerateSineWave() buffer size = %d, want %d",
					len(result), tt.size)
			}

			for i, v := range result {
				if math.Abs(v) > 0.9+1e-9 {
					t.Fatalf("GenerateSineWave()[%d] = %f exceeds amplitude", i, v)
				}
			}

			// For a sine wave, we expect samplesPerCycle = sampleRate / frequency.
			samplesPerCycle := tt.sampleRate / tt.frequency

			if samplesPerCycle > 2 && float64(tt.size) > samplesPerCycle {
				crossCount := 0
				for i := 1; i < tt.size; i++ {
					if (result[i-1] < 0 && result[i] >= 0) ||
						(result[i-1] >= 0 && result[i] < 0) {
						crossCount++
					}
				}

				// Rough approximation of expected crossings (2 per cycle).
				expectedCrossings := float64(tt.size) / (samplesPerCycle / 2)
				// Allow 20% margin of error due to phase alignment and sampling.
				tolerance := 0.2 * expectedCrossings

				if math.Abs(float64(crossCount)-expectedCrossings) > tolerance {
					t.Errorf("GenerateSineWave() zero crossings = %d, expected approximately %.1f±%.1f",
						crossCount, expectedCrossings, tolerance)
				}
			}
		})
	}
}

func TestGenerateSineWave32MatchesFloat64(t *testing.T) {
	wide := GenerateSineWave(testSize, testSampleRate, testFrequency, 0.5)
	narrow := GenerateSineWave32(testSize, testSampleRate, testFrequency, 0.5)

	for i := range wide {
		if math.Abs(wide[i]-float64(narrow[i])) > 1e-6 {
			t.Fatalf("sample %d: float32 %f, float64 %f", i, narrow[i], wide[i])
		}
	}
}

func TestGenerateSilence32(t *testing.T) {
	for i, v := range GenerateSilence32(testSize) {
		if v != 0 {
			t.Fatalf("GenerateSilence32()[%d] = %f, want 0", i, v)
		}
	}
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name  string
		total int
		size  int
		want  []int
	}{
		{"Exact", 6, 3, []int{3, 3}},
		{"Remainder", 7, 3, []int{3, 3, 1}},
		{"Larger Than Input", 2, 5, []int{2}},
		{"Empty", 0, 4, []int{}},
		{"Zero Size", 4, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Chunk(make([]int, tt.total), tt.size)
			if len(chunks) != len(tt.want) {
				t.Fatalf("Chunk() produced %d chunks, want %d", len(chunks), len(tt.want))
			}
			for i, c := range chunks {
				if len(c) != tt.want[i] {
					t.Errorf("chunk %d length = %d, want %d", i, len(c), tt.want[i])
				}
			}
		})
	}
}

func BenchmarkGenerateSineWave(b *testing.B) {
	benchmarks := []struct {
		name string
		size int
	}{
		{"Small", 64},
		{"Standard", 1024},
		{"Large", 8192},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			b.ReportAllocs()

			for b.Loop() {
				GenerateSineWave(bm.size, testSampleRate, testFrequency, 0.9)
			}
		})
	}
}
