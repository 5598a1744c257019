package smoother

import (
	"math"
)

// MemoryStateSetter is a StateSetter for hosts with no ambient robot state: it just remembers the
// last configuration set on it.
type MemoryStateSetter struct {
	state []float64
}

// NewMemoryStateSetter returns an in-memory state setter for the given DOF count.
func NewMemoryStateSetter(dof int) *MemoryStateSetter {
	return &MemoryStateSetter{state: make([]float64, dof)}
}

// SetState records x as the current state.
func (s *MemoryStateSetter) SetState(x []float64) error {
	copy(s.state, x)
	return nil
}

// GetState writes the current state into x.
func (s *MemoryStateSetter) GetState(x []float64) {
	copy(x, s.state)
}

// Save captures the current state and returns a function restoring it.
func (s *MemoryStateSetter) Save() func() {
	saved := append([]float64{}, s.state...)
	return func() {
		copy(s.state, saved)
	}
}

// State returns the current state slice.
func (s *MemoryStateSetter) State() []float64 {
	return s.state
}

// FreeSpaceChecker is a ConfigSegmentChecker for obstacle-free environments: configurations are
// feasible whenever they sit inside the position limits (with tolerance), and segments are never
// modified.
type FreeSpaceChecker struct {
	XLower    []float64
	XUpper    []float64
	Tolerance float64
}

// ConfigFeasible reports whether q lies within the position limits.
func (c *FreeSpaceChecker) ConfigFeasible(q, dq []float64, opts CheckOptions) CheckReturn {
	for i := range q {
		if len(c.XLower) > i && len(c.XUpper) > i {
			if q[i] < c.XLower[i]-c.Tolerance || q[i] > c.XUpper[i]+c.Tolerance {
				return NewCheckReturn(CodeConfigInfeasible)
			}
		}
		if math.IsNaN(q[i]) {
			return NewCheckReturn(CodeConfigInfeasible)
		}
	}
	return NewCheckReturn(CodeOK)
}

// SegmentFeasible checks both endpoints; the straight probe is never modified.
func (c *FreeSpaceChecker) SegmentFeasible(
	q0, q1, dq0, dq1 []float64,
	elapsed float64,
	opts CheckOptions,
	ret *ConstraintReturn,
) CheckReturn {
	if r := c.ConfigFeasible(q0, dq0, opts); r.Code != CodeOK {
		return r
	}
	return c.ConfigFeasible(q1, dq1, opts)
}
