package smoother

import (
	"math"

	"github.com/edaniels/golog"

	"go.viam.com/trajopt/rampoptimizer"
)

// feasibilityChecker wraps the external constraint backend with the segment-level pipeline:
// endpoint checks, per-segment kinematic consistency under checker-side modification, lazy
// priority-ordered collision probing, manip-constraint early rejection, and small acceleration
// overshoot repair.
type feasibilityChecker struct {
	opts   *Options
	logger golog.Logger
	tele   *Telemetry

	usePerturbation bool

	// scratch
	constraintRet  ConstraintReturn
	q0, q1         []float64
	dq0, dq1       []float64
	curPos, newPos []float64
	curVel, newVel []float64
	searchOrder    []int
	segBuf         []*rampoptimizer.Segment
}

func newFeasibilityChecker(opts *Options, logger golog.Logger, tele *Telemetry) *feasibilityChecker {
	dof := opts.DOF()
	return &feasibilityChecker{
		opts:            opts,
		logger:          logger,
		tele:            tele,
		usePerturbation: true,
		q0:              make([]float64, dof),
		q1:              make([]float64, dof),
		dq0:             make([]float64, dof),
		dq1:             make([]float64, dof),
		curPos:          make([]float64, dof),
		newPos:          make([]float64, dof),
		curVel:          make([]float64, dof),
		newVel:          make([]float64, dof),
	}
}

func (fc *feasibilityChecker) expectedModifiedConfigurations() bool {
	return fc.opts.CosManipAngleThresh > -1+rampoptimizer.RampEpsilon
}

// Check2 runs the full pipeline over a candidate segment list and returns the checked (possibly
// re-stitched) output segments.
func (fc *feasibilityChecker) Check2(
	segments []*rampoptimizer.Segment,
	opts CheckOptions,
) (CheckReturn, []*rampoptimizer.Segment) {
	if len(segments) == 0 {
		return NewCheckReturn(CodeOK), nil
	}
	if opts&constraintMask == constraintMask {
		for _, seg := range segments {
			seg.ConstraintChecked = true
		}
	}

	dof := segments[0].DOF()

	// Boundary configurations first; a gross endpoint failure is the cheapest rejection.
	copy(fc.q0, segments[0].X0())
	copy(fc.dq0, segments[0].V0())
	if ret := fc.configFeasible(fc.q0, fc.dq0, opts); ret.Code != CodeOK {
		return ret, nil
	}
	last := segments[len(segments)-1]
	copy(fc.q1, last.X1())
	copy(fc.dq1, last.V1())
	if ret := fc.configFeasible(fc.q1, fc.dq1, opts); ret.Code != CodeOK {
		return ret, nil
	}

	expectModified := fc.expectedModifiedConfigurations()

	// Collision bits are stripped here and handled lazily after all segments pass the cheaper
	// checks.
	doCheckEnv := opts&CheckEnvCollisions != 0
	doCheckSelf := opts&CheckSelfCollisions != 0
	segOpts := opts &^ (CheckEnvCollisions | CheckSelfCollisions)

	out := make([]*rampoptimizer.Segment, 0, len(segments))
	copy(fc.q0, segments[0].X0())
	copy(fc.dq0, segments[0].V0())
	for _, seg := range segments {
		copy(fc.q1, seg.X1())
		copy(fc.dq1, seg.V1())
		elapsed := seg.Duration()

		if expectModified {
			// Constraints may have bent the probe between q0 and q1, so dq1 and the elapsed time
			// can be inconsistent with the configurations. Recompute the elapsed time as a
			// displacement-weighted average of dx/avgVel and rederive dq1 from it.
			var expectedElapsed, totalWeight float64
			for i := 0; i < dof; i++ {
				avgVel := 0.5 * (fc.dq0[i] + fc.dq1[i])
				if math.Abs(avgVel) > rampoptimizer.RampEpsilon {
					w := math.Abs(fc.q1[i] - fc.q0[i])
					expectedElapsed += w * (fc.q1[i] - fc.q0[i]) / avgVel
					totalWeight += w
				}
			}
			if totalWeight > rampoptimizer.RampEpsilon {
				newElapsed := expectedElapsed / totalWeight
				if math.Abs(newElapsed) > rampoptimizer.RampEpsilon {
					elapsed = newElapsed
					if elapsed > rampoptimizer.RampEpsilon {
						iElapsed := 1 / elapsed
						for i := 0; i < dof; i++ {
							fc.dq1[i] = 2*iElapsed*(fc.q1[i]-fc.q0[i]) - fc.dq0[i]
						}
					} else {
						copy(fc.dq1, fc.dq0)
					}
				}
			}
		}

		ret, stitched := fc.segmentFeasible(fc.q0, fc.q1, fc.dq0, fc.dq1, elapsed, segOpts)
		if ret.Code != CodeOK {
			return ret, nil
		}
		if len(stitched) > 0 {
			out = append(out, stitched...)
			tail := stitched[len(stitched)-1]
			copy(fc.q0, tail.X1())
			copy(fc.dq0, tail.V1())
		}
	}

	if (doCheckEnv || doCheckSelf) && len(out) > 0 {
		// Probe configurations in an order that surfaces gross failures early: fractions 0, 1/2,
		// 1/4, 3/4, 1/8, 5/8, 3/8, 7/8 of the segment list, then the rest in natural order.
		fc.searchOrder = priorityOrder(len(out), fc.searchOrder[:0])
		var collisionOpts CheckOptions
		if doCheckEnv {
			collisionOpts |= CheckEnvCollisions
		}
		if doCheckSelf {
			collisionOpts |= CheckSelfCollisions
		}
		for _, idx := range fc.searchOrder {
			seg := out[idx]
			if ret := fc.configFeasible(seg.X1(), seg.V1(), collisionOpts); ret.Code != CodeOK {
				return ret, nil
			}
		}
	}

	// fc.q0/fc.dq0 now hold the final stitched position and velocity.
	ret := NewCheckReturn(CodeOK)
	if len(out) > 0 {
		for i := 0; i < dof; i++ {
			if math.Abs(last.X1()[i]-fc.q0[i]) > rampoptimizer.RampEpsilon {
				fc.logger.Debugf("stitched list does not reach final position at DOF %d, diff=%.15e", i, last.X1()[i]-fc.q0[i])
				return NewCheckReturn(CodeFinalValuesNotReached), nil
			}
			if math.Abs(last.V1()[i]-fc.dq0[i]) > rampoptimizer.RampEpsilon {
				ret.DifferentVelocity = true
			}
		}
	}
	return ret, out
}

// configFeasible wraps the external configuration check, adding the perturbation bit and the
// default surpass multiplier for time-based failures.
func (fc *feasibilityChecker) configFeasible(q, dq []float64, opts CheckOptions) CheckReturn {
	if fc.usePerturbation {
		opts |= CheckWithPerturbation
	}
	ret := fc.opts.Checker.ConfigFeasible(q, dq, opts)
	if ret.Code == CodeTimeBasedConstraints && ret.TimeBasedSurpassMult <= 0 {
		ret.TimeBasedSurpassMult = defaultTimeBasedSurpassMult
	}
	return ret
}

// segmentFeasible checks one segment through the external backend, reconstructing any modified
// intermediate configurations into validated sub-segments, and repairing small acceleration
// overshoot by clamping to the limit.
func (fc *feasibilityChecker) segmentFeasible(
	q0, q1, dq0, dq1 []float64,
	elapsed float64,
	opts CheckOptions,
) (CheckReturn, []*rampoptimizer.Segment) {
	dof := len(q0)
	o := fc.opts

	if elapsed <= rampoptimizer.RampEpsilon {
		seg := rampoptimizer.NewConstantSegment(q0, 0)
		copy(seg.V0(), dq0)
		copy(seg.V1(), dq1)
		return fc.configFeasible(q0, dq0, opts), []*rampoptimizer.Segment{seg}
	}

	if fc.usePerturbation {
		opts |= CheckWithPerturbation
	}
	expectModified := fc.expectedModifiedConfigurations()
	if expectModified || o.manipActive() {
		opts |= FillCheckedConfiguration
		fc.constraintRet.Clear()
	}

	out := fc.segBuf[:0]

	if o.manipActive() && opts&CheckTimeBasedConstraints != 0 {
		// Early rejection on manip constraints before paying for the backend call.
		seg, err := rampoptimizer.NewSegment(q0, q1, dq0, dq1, elapsed)
		if err != nil {
			return NewCheckReturn(CodeCheckerError), nil
		}
		done := fc.tele.timeManipCheck()
		retManip := o.ManipChecker.CheckManipConstraints([]*rampoptimizer.Segment{seg}, o.UseNewHeuristic)
		done()
		if retManip.Code != CodeOK {
			return retManip, nil
		}
	}

	done := fc.tele.timeSegmentCheck()
	ret := o.Checker.SegmentFeasible(q0, q1, dq0, dq1, elapsed, opts, &fc.constraintRet)
	done()
	if ret.Code != CodeOK {
		if ret.Code == CodeTimeBasedConstraints && ret.TimeBasedSurpassMult <= 0 {
			ret.TimeBasedSurpassMult = defaultTimeBasedSurpassMult
		}
		return ret, nil
	}

	if expectModified && len(fc.constraintRet.Times) > 0 {
		copy(fc.curPos, q0)
		copy(fc.curVel, dq0)
		var curTime float64
		for itime, t := range fc.constraintRet.Times {
			copy(fc.newPos, fc.constraintRet.Configurations[itime*dof:(itime+1)*dof])
			deltaTime := t - curTime
			if deltaTime <= rampoptimizer.RampEpsilon {
				continue
			}
			iDelta := 1 / deltaTime
			for i := 0; i < dof; i++ {
				fc.newVel[i] = 2*iDelta*(fc.newPos[i]-fc.curPos[i]) - fc.curVel[i]
				if math.Abs(fc.newVel[i]) > o.VelocityLimits[i]+rampoptimizer.RampEpsilon {
					if 0.9*o.VelocityLimits[i] < 0.1*math.Abs(fc.newVel[i]) {
						fc.logger.Warnf("modified configuration velocity at DOF %d is too high: |%.15e| > %.15e", i, fc.newVel[i], o.VelocityLimits[i])
					}
					r := NewCheckReturn(CodeTimeBasedConstraints)
					r.TimeBasedSurpassMult = 0.9 * o.VelocityLimits[i] / math.Abs(fc.newVel[i])
					return r, nil
				}
			}
			seg, err := rampoptimizer.NewSegment(fc.curPos, fc.newPos, fc.curVel, fc.newVel, deltaTime)
			if err != nil {
				return NewCheckReturn(CodeCheckerError), nil
			}
			if r := fc.clampAccel(seg); r.Code != CodeOK {
				return r, nil
			}
			seg.ConstraintChecked = true
			out = append(out, seg)
			curTime = t
			fc.curPos, fc.newPos = fc.newPos, fc.curPos
			fc.curVel, fc.newVel = fc.newVel, fc.curVel
		}

		for i := 0; i < dof; i++ {
			if math.Abs(fc.curPos[i]-q1[i]) > rampoptimizer.RampEpsilon {
				fc.logger.Warnf("modified configurations end at %.15e instead of %.15e at DOF %d", fc.curPos[i], q1[i], i)
				return NewCheckReturn(CodeFinalValuesNotReached), nil
			}
		}
	}

	if len(out) == 0 {
		seg, err := rampoptimizer.NewSegment(q0, q1, dq0, dq1, elapsed)
		if err != nil {
			return NewCheckReturn(CodeCheckerError), nil
		}
		if r := fc.clampAccel(seg); r.Code != CodeOK {
			return r, nil
		}
		seg.ConstraintChecked = true
		out = append(out, seg)
	}

	if o.manipActive() && opts&CheckTimeBasedConstraints != 0 {
		done := fc.tele.timeManipCheck()
		retManip := o.ManipChecker.CheckManipConstraints(out, o.UseNewHeuristic)
		done()
		if retManip.Code != CodeOK {
			return retManip, nil
		}
	}

	fc.segBuf = out[:0]
	return NewCheckReturn(CodeOK), out
}

// clampAccel clamps small per-DOF acceleration overshoot to the limit and re-validates the
// segment; validation failure maps to a time-based failure with multiplier 0.9.
func (fc *feasibilityChecker) clampAccel(seg *rampoptimizer.Segment) CheckReturn {
	o := fc.opts
	changed := false
	for i, a := range seg.A() {
		switch {
		case a < -o.AccelerationLimits[i]:
			seg.A()[i] = -o.AccelerationLimits[i]
			changed = true
		case a > o.AccelerationLimits[i]:
			seg.A()[i] = o.AccelerationLimits[i]
			changed = true
		}
	}
	if changed {
		if err := rampoptimizer.CheckSegment(seg, o.XLower, o.XUpper, o.VelocityLimits, o.AccelerationLimits); err != nil {
			fc.logger.Warnf("segment invalid after clamping accelerations: %v", err)
			r := NewCheckReturn(CodeTimeBasedConstraints)
			r.TimeBasedSurpassMult = 0.9
			return r
		}
	}
	return NewCheckReturn(CodeOK)
}

// priorityOrder builds the fractional probe order 0, 1/2, 1/4, 3/4, 1/8, 5/8, 3/8, 7/8 over n
// indices, followed by the remaining indices in natural order.
func priorityOrder(n int, dst []int) []int {
	seen := make(map[int]bool, n)
	push := func(idx int) {
		if idx >= 0 && idx < n && !seen[idx] {
			seen[idx] = true
			dst = append(dst, idx)
		}
	}
	for _, f := range []float64{0, 0.5, 0.25, 0.75, 0.125, 0.625, 0.375, 0.875} {
		push(int(float64(n) * f))
	}
	for i := 0; i < n; i++ {
		push(i)
	}
	return dst
}
