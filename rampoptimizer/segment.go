// Package rampoptimizer provides piecewise-parabolic trajectory primitives: constant-acceleration
// N-DOF segments, two-point boundary interpolation, and a path container supporting time-window
// replacement. It is the math layer underneath the smoother package.
package rampoptimizer

import (
	"math"

	"github.com/pkg/errors"
)

// RampEpsilon is the tolerance used for comparing durations, positions and velocities at segment
// joins. It is much tighter than any user-facing tolerance.
const RampEpsilon = 1e-10

// Segment is a single N-DOF constant-acceleration (parabolic) piece of a trajectory.
// Per DOF i, position evolves as x(t) = x0[i] + v0[i]*t + 0.5*a[i]*t*t for t in [0, duration].
type Segment struct {
	duration float64
	x0       []float64
	x1       []float64
	v0       []float64
	v1       []float64
	a        []float64

	// ConstraintChecked is set once the full constraint stack has accepted this segment, letting
	// later passes skip re-checking.
	ConstraintChecked bool
}

// NewSegment creates a segment from boundary positions and velocities and a duration. The per-DOF
// acceleration is computed as (v1-v0)/duration. Boundary positions are stored as given; use
// CheckSegment to validate consistency against the parabolic equation.
func NewSegment(x0, x1, v0, v1 []float64, duration float64) (*Segment, error) {
	dof := len(x0)
	if dof == 0 {
		return nil, errors.New("segment must have at least one DOF")
	}
	if len(x1) != dof || len(v0) != dof || len(v1) != dof {
		return nil, errors.Errorf("dimension mismatch: got %d, %d, %d, %d", len(x0), len(x1), len(v0), len(v1))
	}
	if duration < 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return nil, errors.Errorf("invalid segment duration %f", duration)
	}
	seg := &Segment{
		duration: duration,
		x0:       append([]float64{}, x0...),
		x1:       append([]float64{}, x1...),
		v0:       append([]float64{}, v0...),
		v1:       append([]float64{}, v1...),
		a:        make([]float64, dof),
	}
	if duration > RampEpsilon {
		iDur := 1 / duration
		for i := 0; i < dof; i++ {
			seg.a[i] = (v1[i] - v0[i]) * iDur
		}
	}
	return seg, nil
}

// NewConstantSegment creates a segment that stays at x with zero velocity for the given duration.
func NewConstantSegment(x []float64, duration float64) *Segment {
	return &Segment{
		duration: duration,
		x0:       append([]float64{}, x...),
		x1:       append([]float64{}, x...),
		v0:       make([]float64, len(x)),
		v1:       make([]float64, len(x)),
		a:        make([]float64, len(x)),
	}
}

// DOF returns the number of degrees of freedom.
func (seg *Segment) DOF() int {
	return len(seg.x0)
}

// Duration returns the segment duration.
func (seg *Segment) Duration() float64 {
	return seg.duration
}

// X0 returns the initial position vector. The returned slice is owned by the segment.
func (seg *Segment) X0() []float64 { return seg.x0 }

// X1 returns the final position vector. The returned slice is owned by the segment.
func (seg *Segment) X1() []float64 { return seg.x1 }

// V0 returns the initial velocity vector. The returned slice is owned by the segment.
func (seg *Segment) V0() []float64 { return seg.v0 }

// V1 returns the final velocity vector. The returned slice is owned by the segment.
func (seg *Segment) V1() []float64 { return seg.v1 }

// A returns the per-DOF constant acceleration vector. The returned slice is owned by the segment.
func (seg *Segment) A() []float64 { return seg.a }

// EvalPos evaluates position at local time t, writing into dst. t is saturated to [0, duration].
func (seg *Segment) EvalPos(t float64, dst []float64) {
	switch {
	case t <= 0:
		copy(dst, seg.x0)
	case t >= seg.duration:
		copy(dst, seg.x1)
	default:
		for i := range seg.x0 {
			dst[i] = seg.x0[i] + t*(seg.v0[i]+0.5*t*seg.a[i])
		}
	}
}

// EvalVel evaluates velocity at local time t, writing into dst. t is saturated to [0, duration].
func (seg *Segment) EvalVel(t float64, dst []float64) {
	switch {
	case t <= 0:
		copy(dst, seg.v0)
	case t >= seg.duration:
		copy(dst, seg.v1)
	default:
		for i := range seg.v0 {
			dst[i] = seg.v0[i] + t*seg.a[i]
		}
	}
}

// Copy returns a deep copy of the segment.
func (seg *Segment) Copy() *Segment {
	cp := &Segment{
		duration:          seg.duration,
		x0:                append([]float64{}, seg.x0...),
		x1:                append([]float64{}, seg.x1...),
		v0:                append([]float64{}, seg.v0...),
		v1:                append([]float64{}, seg.v1...),
		a:                 append([]float64{}, seg.a...),
		ConstraintChecked: seg.ConstraintChecked,
	}
	return cp
}

// Cut splits the segment at local time t, returning the [0, t] and [t, duration] pieces. The
// acceleration of both pieces equals the original acceleration; the checked flag is inherited.
func (seg *Segment) Cut(t float64) (left, right *Segment) {
	if t <= RampEpsilon {
		return NewConstantSegment(seg.x0, 0), seg.Copy()
	}
	if t >= seg.duration-RampEpsilon {
		return seg.Copy(), NewConstantSegment(seg.x1, 0)
	}
	dof := seg.DOF()
	xm := make([]float64, dof)
	vm := make([]float64, dof)
	seg.EvalPos(t, xm)
	seg.EvalVel(t, vm)

	left = &Segment{
		duration:          t,
		x0:                append([]float64{}, seg.x0...),
		x1:                xm,
		v0:                append([]float64{}, seg.v0...),
		v1:                vm,
		a:                 append([]float64{}, seg.a...),
		ConstraintChecked: seg.ConstraintChecked,
	}
	right = &Segment{
		duration:          seg.duration - t,
		x0:                append([]float64{}, xm...),
		x1:                append([]float64{}, seg.x1...),
		v0:                append([]float64{}, vm...),
		v1:                append([]float64{}, seg.v1...),
		a:                 append([]float64{}, seg.a...),
		ConstraintChecked: seg.ConstraintChecked,
	}
	return left, right
}

// SegmentsDuration sums the durations of the given segments.
func SegmentsDuration(segments []*Segment) float64 {
	var total float64
	for _, seg := range segments {
		total += seg.Duration()
	}
	return total
}
