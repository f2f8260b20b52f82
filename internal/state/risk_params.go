package state

import (
	"fmt"

	fpmath "MarginLedger/internal/math"
)

// RiskThreshold is a pair of solvency ratios. A ratio at or below MarginCall
// allows a margin call; at or below StopOut it allows a stop-out.
type RiskThreshold struct {
	MarginCall fpmath.Fixed `json:"margin_call" mapstructure:"margin_call"`
	StopOut    fpmath.Fixed `json:"stop_out" mapstructure:"stop_out"`
}

// Validate checks that the stop-out level is non-negative and tighter than
// the margin-call level.
func (t RiskThreshold) Validate() error {
	if t.StopOut.IsNegative() {
		return fmt.Errorf("stop_out must be >= 0, got %s", t.StopOut)
	}
	if !t.StopOut.LessThan(t.MarginCall) {
		return fmt.Errorf("stop_out (%s) must be < margin_call (%s)", t.StopOut, t.MarginCall)
	}
	return nil
}

// MarginCallReached reports whether ratio is at or below the margin-call level.
func (t RiskThreshold) MarginCallReached(ratio fpmath.Fixed) bool {
	return ratio.Cmp(t.MarginCall) <= 0
}

// StopOutReached reports whether ratio is at or below the stop-out level.
func (t RiskThreshold) StopOutReached(ratio fpmath.Fixed) bool {
	return ratio.Cmp(t.StopOut) <= 0
}
