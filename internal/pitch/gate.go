// SPDX-License-Identifier: MIT
package pitch

import "math"

// EnableGate turns on the noise gate.
func (d *Detector) EnableGate() {
	d.gateEnabled = true
}

// DisableGate turns off the noise gate. Silent windows are still rejected.
func (d *Detector) DisableGate() {
	d.gateEnabled = false
}

// SetGateThreshold adjusts the noise gate threshold.
// The value is a peak amplitude in the range 0.0-1.0 where 0=always open,
// 1=closed for any signal that is not at full scale.
func (d *Detector) SetGateThreshold(threshold float64) {
	if threshold < 0.0 {
		threshold = 0.0
	}
	if threshold > 1.0 {
		threshold = 1.0
	}

	d.gateThreshold = threshold
}

// GateThreshold returns the current noise gate threshold.
func (d *Detector) GateThreshold() float64 {
	return d.gateThreshold
}

// passesGate reports whether the window's peak amplitude opens the gate.
// An all-zero window never does.
func (d *Detector) passesGate(signal []float64) bool {
	var peak float64
	for _, s := range signal {
		peak = math.Max(peak, math.Abs(s))
	}
	if peak == 0 {
		return false
	}
	return !d.gateEnabled || peak >= d.gateThreshold
}
