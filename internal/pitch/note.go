// SPDX-License-Identifier: MIT
package pitch

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// ReferenceA4 is the tuning reference used for note naming (Hz).
const ReferenceA4 = 440.0

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Note is a detected fundamental frequency and its nearest equal-tempered
// note. It is a value type and never mutated after detection.
type Note struct {
	Name          string    // Pitch class, e.g. "A", "C#"
	Octave        int       // Scientific pitch notation octave, A4 = 440 Hz
	Frequency     float64   // Detected frequency in Hz
	NoteFrequency float64   // Frequency of the nearest note in Hz
	Cents         float64   // Offset from NoteFrequency, -50 to +50
	Time          time.Time // When the window was analysed, set by the worker
}

// NoteFromFrequency returns the note nearest to frequency. Non-positive or
// non-finite input returns the zero Note.
func NoteFromFrequency(frequency float64) Note {
	if frequency <= 0 || math.IsInf(frequency, 0) || math.IsNaN(frequency) {
		return Note{}
	}

	semitones := math.Round(12 * math.Log2(frequency/ReferenceA4))
	midi := 69 + int(semitones)
	nearest := ReferenceA4 * math.Pow(2, semitones/12)

	// Floor division so notes below C-1 still get a valid pitch class.
	class := ((midi % 12) + 12) % 12
	octave := (midi-class)/12 - 1

	return Note{
		Name:          noteNames[class],
		Octave:        octave,
		Frequency:     frequency,
		NoteFrequency: nearest,
		Cents:         1200 * math.Log2(frequency/nearest),
	}
}

// Label returns the note name with its octave, e.g. "A4".
func (n Note) Label() string {
	return n.Name + strconv.Itoa(n.Octave)
}

// String is the display form: note name padded to three columns followed by
// the frequency rounded to whole Hz, e.g. "A   440".
func (n Note) String() string {
	return fmt.Sprintf("%-3s %.0f", n.Name, math.Round(n.Frequency))
}

// IsZero reports whether n is the zero Note.
func (n Note) IsZero() bool {
	return n.Name == "" && n.Frequency == 0
}
