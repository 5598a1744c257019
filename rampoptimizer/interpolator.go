package rampoptimizer

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Interpolator solves two-point N-DOF boundary problems, producing lists of constant-acceleration
// segments whose joins are simultaneous across DOFs.
type Interpolator struct {
	dof int

	// Scratch buffers for switch times and boundary values, reused across calls; the per-DOF
	// profiles and the returned segments are still allocated on every call.
	switchBuf []float64
	x0Buf     []float64
	x1Buf     []float64
	v0Buf     []float64
	v1Buf     []float64
}

// NewInterpolator returns an interpolator for the given number of DOFs.
func NewInterpolator(dof int) *Interpolator {
	return &Interpolator{
		dof:       dof,
		switchBuf: make([]float64, 0, 16),
		x0Buf:     make([]float64, dof),
		x1Buf:     make([]float64, dof),
		v0Buf:     make([]float64, dof),
		v1Buf:     make([]float64, dof),
	}
}

// DOF returns the number of DOFs this interpolator was built for.
func (in *Interpolator) DOF() int {
	return in.dof
}

// ZeroVelND computes a piecewise-parabolic connection from (x0, 0) to (x1, 0) under the given
// per-DOF velocity and acceleration limits, taking as long as the slowest DOF's own minimum time.
// Each DOF is solved on its own at that duration, so the DOFs do not in general share switch
// times; the result is cut at the union of all switch times and can have more than three segments.
func (in *Interpolator) ZeroVelND(x0, x1, vmax, amax []float64) ([]*Segment, error) {
	if err := in.checkDims(x0, x1, vmax, amax); err != nil {
		return nil, err
	}

	// The slowest DOF's own minimum-time trapezoid fixes the common duration; every DOF is then
	// re-solved at that duration, which keeps all excursions monotone between x0 and x1.
	var total float64
	for i := 0; i < in.dof; i++ {
		d := math.Abs(x1[i] - x0[i])
		if d <= RampEpsilon {
			continue
		}
		var t float64
		if d <= vmax[i]*vmax[i]/amax[i] {
			t = 2 * math.Sqrt(d/amax[i])
		} else {
			t = d/vmax[i] + vmax[i]/amax[i]
		}
		if t > total {
			total = t
		}
	}
	if total <= RampEpsilon {
		return []*Segment{NewConstantSegment(x0, 0)}, nil
	}
	zero := make([]float64, in.dof)
	return in.fixedDurationND(x0, x1, zero, zero, total, vmax, amax)
}

// ArbitraryVelND computes a piecewise-parabolic connection from (x0, v0) to (x1, v1). Each DOF is
// first solved for minimum time; the slowest DOF fixes the common duration and the rest are
// re-interpolated to it. When tryHarder is set, a DOF whose profile exceeds a position bound gets
// its velocity limit cut by 20% (never below its larger boundary speed), which stretches the
// common duration; a violation that remains after eight such cuts, or any violation without
// tryHarder, is an error.
func (in *Interpolator) ArbitraryVelND(
	x0, x1, v0, v1, xmin, xmax, vmax, amax []float64,
	tryHarder bool,
) ([]*Segment, error) {
	if err := in.checkDims(x0, x1, vmax, amax); err != nil {
		return nil, err
	}

	vlim := append([]float64{}, vmax...)
	const maxBoundTries = 8
	for try := 0; ; try++ {
		var total float64
		for i := 0; i < in.dof; i++ {
			p, err := minTimeProfile(x0[i], x1[i], v0[i], v1[i], vlim[i], amax[i])
			if err != nil {
				return nil, err
			}
			if t := p.duration(); t > total {
				total = t
			}
		}
		segments, err := in.fixedDurationND(x0, x1, v0, v1, total, vlim, amax)
		if err != nil {
			return nil, err
		}
		badDOF := in.positionBoundViolation(segments, xmin, xmax)
		if badDOF < 0 {
			return segments, nil
		}
		if !tryHarder || try >= maxBoundTries {
			return nil, errors.Errorf("interpolated profile leaves position bounds at DOF %d", badDOF)
		}
		// Slow the offending DOF down; its excursion past the bound shrinks with its peak velocity.
		vlim[badDOF] *= 0.8
		fmin := math.Max(math.Abs(v0[badDOF]), math.Abs(v1[badDOF]))
		if vlim[badDOF] < fmin {
			vlim[badDOF] = fmin
		}
	}
}

// FixedDurationND computes a connection from (x0, v0) to (x1, v1) taking exactly the given
// duration, or fails if no per-DOF profile fits within the limits.
func (in *Interpolator) FixedDurationND(
	x0, x1, v0, v1 []float64,
	duration float64,
	xmin, xmax, vmax, amax []float64,
) ([]*Segment, error) {
	if err := in.checkDims(x0, x1, vmax, amax); err != nil {
		return nil, err
	}
	segments, err := in.fixedDurationND(x0, x1, v0, v1, duration, vmax, amax)
	if err != nil {
		return nil, err
	}
	if bad := in.positionBoundViolation(segments, xmin, xmax); bad >= 0 {
		return nil, errors.Errorf("fixed-duration profile leaves position bounds at DOF %d", bad)
	}
	return segments, nil
}

func (in *Interpolator) fixedDurationND(x0, x1, v0, v1 []float64, duration float64, vmax, amax []float64) ([]*Segment, error) {
	if duration <= RampEpsilon {
		seg := NewConstantSegment(x0, 0)
		copy(seg.v0, v0)
		copy(seg.v1, v1)
		return []*Segment{seg}, nil
	}

	profiles := make([]*profile, in.dof)
	for i := 0; i < in.dof; i++ {
		p, err := fixedTimeProfile(x0[i], x1[i], v0[i], v1[i], duration, vmax[i], amax[i])
		if err != nil {
			return nil, errors.Wrapf(err, "DOF %d", i)
		}
		profiles[i] = p
	}

	// Merge: cut every DOF at the union of all switch times so each resulting span has constant
	// acceleration in every DOF.
	times := in.switchBuf[:0]
	times = append(times, 0, duration)
	for _, p := range profiles {
		times = p.switchTimes(times)
	}
	sort.Float64s(times)
	in.switchBuf = times

	segments := make([]*Segment, 0, len(times)-1)
	prev := 0.0
	for k := 1; k < len(times); k++ {
		t := times[k]
		if t-prev <= RampEpsilon {
			continue
		}
		for i, p := range profiles {
			in.x0Buf[i], in.v0Buf[i] = p.eval(prev)
			in.x1Buf[i], in.v1Buf[i] = p.eval(t)
		}
		seg, err := NewSegment(in.x0Buf, in.x1Buf, in.v0Buf, in.v1Buf, t-prev)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
		prev = t
	}
	if len(segments) == 0 {
		return nil, errors.New("interpolation produced no segments")
	}
	// Pin the requested boundary values exactly.
	copy(segments[0].x0, x0)
	copy(segments[0].v0, v0)
	last := segments[len(segments)-1]
	copy(last.x1, x1)
	copy(last.v1, v1)
	return segments, nil
}

// positionBoundViolation returns the first DOF whose trajectory leaves [xmin, xmax], or -1. Nil
// bounds disable the check.
func (in *Interpolator) positionBoundViolation(segments []*Segment, xmin, xmax []float64) int {
	if len(xmin) == 0 || len(xmax) == 0 {
		return -1
	}
	for _, seg := range segments {
		for i := 0; i < seg.DOF(); i++ {
			lo, hi := segExtremes1D(seg, i)
			if lo < xmin[i]-RampEpsilon || hi > xmax[i]+RampEpsilon {
				return i
			}
		}
	}
	return -1
}

// segExtremes1D returns the positional extremes of a single DOF over one segment, including the
// interior vertex when the velocity crosses zero.
func segExtremes1D(seg *Segment, i int) (lo, hi float64) {
	lo = math.Min(seg.x0[i], seg.x1[i])
	hi = math.Max(seg.x0[i], seg.x1[i])
	if seg.a[i] != 0 {
		tv := -seg.v0[i] / seg.a[i]
		if tv > 0 && tv < seg.duration {
			xv := seg.x0[i] + tv*(seg.v0[i]+0.5*tv*seg.a[i])
			lo = math.Min(lo, xv)
			hi = math.Max(hi, xv)
		}
	}
	return lo, hi
}

func (in *Interpolator) checkDims(x0, x1, vmax, amax []float64) error {
	if len(x0) != in.dof || len(x1) != in.dof || len(vmax) != in.dof || len(amax) != in.dof {
		return errors.Errorf("expected %d DOFs, got %d, %d, %d, %d", in.dof, len(x0), len(x1), len(vmax), len(amax))
	}
	return nil
}
