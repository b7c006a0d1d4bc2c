// SPDX-License-Identifier: MIT
/*
Package pitch finds the dominant fundamental in a window of samples and names
the nearest musical note.

The Detector is a Hann-windowed FFT peak picker with parabolic interpolation:
- All working buffers are allocated once in NewDetector
- A Detector is a single mutable resource, owned by one goroutine
- "No pitch" is a normal outcome, reported as ok == false
*/
package pitch

import (
	"fmt"
	"math"
	"math/cmplx"

	"pitchscope/pkg/bitint"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Range bounds the frequency search in Hz, inclusive.
type Range struct {
	Min float64
	Max float64
}

// DefaultRange covers the low register the display is tuned for.
var DefaultRange = Range{Min: 50, Max: 440}

// Contains reports whether f lies inside r.
func (r Range) Contains(f float64) bool {
	return f >= r.Min && f <= r.Max
}

// workspace holds the pre-allocated FFT buffers.
type workspace struct {
	input     []float64    // Windowed input signal
	fftOutput []complex128 // FFT complex results
	magnitude []float64    // Magnitude spectrum
	window    []float64    // Hann coefficients
}

// Detector performs pitch detection on fixed-size windows. It is not safe
// for concurrent use.
type Detector struct {
	fft        *fourier.FFT
	size       int
	sampleRate float64
	workspace  workspace

	gateEnabled   bool
	gateThreshold float64 // Peak amplitude, 0-1
}

// DetectorOption configures NewDetector.
type DetectorOption func(*Detector)

// WithGate enables the noise gate at threshold (peak amplitude, 0-1).
func WithGate(threshold float64) DetectorOption {
	return func(d *Detector) {
		d.EnableGate()
		d.SetGateThreshold(threshold)
	}
}

// NewDetector creates a Detector for windows of size samples captured at
// sampleRate. size must be a power of 2.
func NewDetector(size int, sampleRate float64, opts ...DetectorOption) (*Detector, error) {
	if !bitint.IsPowerOfTwo(size) {
		return nil, fmt.Errorf("pitch: window size must be a power of 2, got %d", size)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("pitch: sample rate must be positive, got %f", sampleRate)
	}

	coeffs := make([]float64, size)
	for i := range coeffs {
		coeffs[i] = 1
	}
	window.Hann(coeffs)

	// Real FFT output is N/2 + 1 complex values.
	bins := size/2 + 1

	d := &Detector{
		fft:        fourier.NewFFT(size),
		size:       size,
		sampleRate: sampleRate,
		workspace: workspace{
			input:     make([]float64, size),
			fftOutput: make([]complex128, bins),
			magnitude: make([]float64, bins),
			window:    coeffs,
		},
	}
	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Size returns the window length the detector was built for.
func (d *Detector) Size() int {
	return d.size
}

// SampleRate returns the sample rate the detector was built for.
func (d *Detector) SampleRate() float64 {
	return d.sampleRate
}

// BinFrequency returns the centre frequency of FFT bin i in Hz.
func (d *Detector) BinFrequency(i int) float64 {
	return float64(i) * d.sampleRate / float64(d.size)
}

// Detect returns the strongest spectral peak of signal inside r as a Note.
// signal shorter than the window is zero-padded, longer is truncated.
// ok is false for silence, gated windows, or when the strongest in-range bin
// is not a true peak of the spectrum.
//
// Performance: no allocations.
func (d *Detector) Detect(signal []float64, r Range) (note Note, ok bool) {
	if len(signal) == 0 || r.Max <= r.Min {
		return Note{}, false
	}

	if !d.passesGate(signal) {
		return Note{}, false
	}

	// --- 1. Window input, zero-padding if short ---
	ws := &d.workspace
	for i := range d.size {
		if i < len(signal) {
			ws.input[i] = signal[i] * ws.window[i]
		} else {
			ws.input[i] = 0
		}
	}

	// --- 2. FFT and magnitudes ---
	d.fft.Coefficients(ws.fftOutput, ws.input)
	for i, c := range ws.fftOutput {
		ws.magnitude[i] = cmplx.Abs(c)
	}

	// --- 3. Peak bin inside the range, excluding DC and Nyquist ---
	resolution := d.sampleRate / float64(d.size)
	lo := max(int(math.Ceil(r.Min/resolution)), 1)
	hi := min(int(math.Floor(r.Max/resolution)), len(ws.magnitude)-2)
	if lo > hi {
		return Note{}, false
	}

	peak := lo
	for i := lo + 1; i <= hi; i++ {
		if ws.magnitude[i] > ws.magnitude[peak] {
			peak = i
		}
	}

	a, b, c := ws.magnitude[peak-1], ws.magnitude[peak], ws.magnitude[peak+1]
	if b <= 0 || a > b || c > b {
		// Silence, or the range edge sits on the flank of a peak outside it.
		return Note{}, false
	}

	// --- 4. Parabolic interpolation between neighbouring bins ---
	offset := 0.0
	if denom := a - 2*b + c; denom != 0 {
		offset = 0.5 * (a - c) / denom
	}

	frequency := (float64(peak) + offset) * resolution
	if !r.Contains(frequency) {
		return Note{}, false
	}

	return NoteFromFrequency(frequency), true
}

// DetectNoteInRange runs d over window constrained to r. It is the single
// entry point the detection worker uses.
func DetectNoteInRange(window []float64, d *Detector, r Range) (Note, bool) {
	return d.Detect(window, r)
}
