package rampoptimizer

import (
	"math"

	"github.com/pkg/errors"
)

// epsilon used when validating against user-facing limits; looser than RampEpsilon because limit
// vectors typically come from scaled multipliers.
const limitCheckEpsilon = 1e-7

// CheckSegment validates a single segment against the parabolic consistency equation and the
// given limit vectors. Nil limit slices disable the corresponding check.
func CheckSegment(seg *Segment, xmin, xmax, vmax, amax []float64) error {
	dof := seg.DOF()
	for i := 0; i < dof; i++ {
		x0, x1 := seg.x0[i], seg.x1[i]
		v0, v1 := seg.v0[i], seg.v1[i]
		a := seg.a[i]
		if anyNaNInf(x0, x1, v0, v1, a) {
			return errors.Errorf("DOF %d has non-finite values", i)
		}
		expected := x0 + seg.duration*(v0+0.5*seg.duration*a)
		if math.Abs(expected-x1) > limitCheckEpsilon {
			return errors.Errorf("DOF %d inconsistent: x0 + v0*t + a*t^2/2 = %.15e but x1 = %.15e", i, expected, x1)
		}
		if len(vmax) > 0 {
			if math.Abs(v0) > vmax[i]+limitCheckEpsilon || math.Abs(v1) > vmax[i]+limitCheckEpsilon {
				return errors.Errorf("DOF %d velocity out of limit %f: v0=%f v1=%f", i, vmax[i], v0, v1)
			}
		}
		if len(amax) > 0 && math.Abs(a) > amax[i]+limitCheckEpsilon {
			return errors.Errorf("DOF %d acceleration %f out of limit %f", i, a, amax[i])
		}
		if len(xmin) > 0 && len(xmax) > 0 {
			lo, hi := segExtremes1D(seg, i)
			if lo < xmin[i]-limitCheckEpsilon || hi > xmax[i]+limitCheckEpsilon {
				return errors.Errorf("DOF %d position excursion [%f, %f] out of [%f, %f]", i, lo, hi, xmin[i], xmax[i])
			}
		}
	}
	return nil
}

// CheckSegments validates every segment plus continuity at all interior joins, and optionally the
// path boundary values when x0, x1, v0, v1 are non-nil.
func CheckSegments(segments []*Segment, xmin, xmax, vmax, amax, x0, x1, v0, v1 []float64) error {
	if len(segments) == 0 {
		return errors.New("no segments to check")
	}
	for k, seg := range segments {
		if err := CheckSegment(seg, xmin, xmax, vmax, amax); err != nil {
			return errors.Wrapf(err, "segment %d", k)
		}
		if k == 0 {
			continue
		}
		prev := segments[k-1]
		for i := 0; i < seg.DOF(); i++ {
			if math.Abs(prev.x1[i]-seg.x0[i]) > limitCheckEpsilon {
				return errors.Errorf("position discontinuity at join %d DOF %d: %.15e vs %.15e", k, i, prev.x1[i], seg.x0[i])
			}
			if math.Abs(prev.v1[i]-seg.v0[i]) > limitCheckEpsilon {
				return errors.Errorf("velocity discontinuity at join %d DOF %d: %.15e vs %.15e", k, i, prev.v1[i], seg.v0[i])
			}
		}
	}
	first, last := segments[0], segments[len(segments)-1]
	for i := 0; i < first.DOF(); i++ {
		if len(x0) > 0 && math.Abs(first.x0[i]-x0[i]) > limitCheckEpsilon {
			return errors.Errorf("initial position mismatch at DOF %d", i)
		}
		if len(v0) > 0 && math.Abs(first.v0[i]-v0[i]) > limitCheckEpsilon {
			return errors.Errorf("initial velocity mismatch at DOF %d", i)
		}
		if len(x1) > 0 && math.Abs(last.x1[i]-x1[i]) > limitCheckEpsilon {
			return errors.Errorf("final position mismatch at DOF %d", i)
		}
		if len(v1) > 0 && math.Abs(last.v1[i]-v1[i]) > limitCheckEpsilon {
			return errors.Errorf("final velocity mismatch at DOF %d", i)
		}
	}
	return nil
}

func anyNaNInf(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
