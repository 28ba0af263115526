// SPDX-License-Identifier: MIT
package capture

import "math"

// EnableGate turns the silence gate on.
func (s *LiveSource) EnableGate() {
	s.gateEnabled.Store(true)
}

// DisableGate turns the silence gate off.
func (s *LiveSource) DisableGate() {
	s.gateEnabled.Store(false)
}

// SetGateThreshold adjusts the silence gate threshold.
// The value is a peak amplitude in the range 0.0-1.0 where 0=always
// open, 1=always closed.
func (s *LiveSource) SetGateThreshold(threshold float64) {
	if threshold < 0.0 {
		threshold = 0.0
	}
	if threshold > 1.0 {
		threshold = 1.0
	}
	s.gateThreshold.Store(math.Float64bits(threshold))
}

// GateThreshold returns the current silence gate threshold.
func (s *LiveSource) GateThreshold() float64 {
	return math.Float64frombits(s.gateThreshold.Load())
}
