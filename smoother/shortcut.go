package smoother

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"

	"go.viam.com/trajopt/rampoptimizer"
	"go.viam.com/trajopt/utils"
)

// shortcutRun carries the state shared across the iterations of one Shortcut or Merge call.
type shortcutRun struct {
	minTimeStep float64

	// The most recent successful limit scalings. If a low multiplier was needed to succeed
	// recently, starting the next attempt from the full limits is unlikely to succeed either.
	fStartTimeVelMult   float64
	fStartTimeAccelMult float64

	numSlowDowns          int
	nTimeBasedFailed      int
	velReductionFactors   []float64
	accelReductionFactors []float64

	// Results of the latest attempt.
	fCurVelMult   float64
	fCurAccelMult float64
}

func (ps *ParabolicSmoother) newShortcutRun() *shortcutRun {
	dof := ps.opts.DOF()
	return &shortcutRun{
		minTimeStep:           minTimeStepFactor * ps.opts.StepLength,
		fStartTimeVelMult:     1.0,
		fStartTimeAccelMult:   1.0,
		velReductionFactors:   make([]float64, dof),
		accelReductionFactors: make([]float64, dof),
	}
}

// setState synchronizes host state with x, returning false on failure. A nil StateSetter is a
// no-op.
func (ps *ParabolicSmoother) setState(x []float64) bool {
	if ps.opts.State == nil {
		return true
	}
	if err := ps.opts.State.SetState(x); err != nil {
		ps.logger.Debugf("state setting error: %v", err)
		return false
	}
	ps.opts.State.GetState(x)
	return true
}

// attemptShortcut tries to bridge [t0, t1] with a shorter feasible parabolic segment list,
// running the slowdown search on time-based failures. It returns the accepted segments (nil on
// failure), the per-iteration status, and whether planning was interrupted.
func (ps *ParabolicSmoother) attemptShortcut(
	ctx context.Context,
	path *rampoptimizer.Path,
	t0, t1 float64,
	run *shortcutRun,
) (accepted []*rampoptimizer.Segment, status ShortcutStatus, interrupted bool) {
	// A panicking external checker aborts the attempt, never the plan.
	defer func() {
		if r := recover(); r != nil {
			ps.logger.Warnf("an exception happened during a shortcut iteration: %v", r)
			accepted, status = nil, StatusCheckFailed
		}
	}()

	o := ps.opts
	segments := path.Segments()
	i0, u0 := path.FindSegmentIndex(t0)
	i1, u1 := path.FindSegmentIndex(t1)

	segments[i0].EvalPos(u0, ps.x0Vect)
	if !ps.setState(ps.x0Vect) {
		return nil, StatusStateSettingFailed, false
	}
	segments[i1].EvalPos(u1, ps.x1Vect)
	if !ps.setState(ps.x1Vect) {
		return nil, StatusStateSettingFailed, false
	}
	segments[i0].EvalVel(u0, ps.v0Vect)
	segments[i1].EvalVel(u1, ps.v1Vect)

	copy(ps.vellimits, o.VelocityLimits)
	copy(ps.accellimits, o.AccelerationLimits)
	if !(o.manipActive() && o.UseNewHeuristic) {
		// Start from the most recent successful scaling, never below the boundary velocities.
		for j := range ps.vellimits {
			fMinVel := utils.AbsMax(ps.v0Vect[j], ps.v1Vect[j])
			if ps.vellimits[j] < fMinVel {
				ps.vellimits[j] = fMinVel
			} else if f := math.Max(fMinVel, run.fStartTimeVelMult*o.VelocityLimits[j]); ps.vellimits[j] > f {
				ps.vellimits[j] = f
			}
			if f := run.fStartTimeAccelMult * o.AccelerationLimits[j]; ps.accellimits[j] > f {
				ps.accellimits[j] = f
			}
		}
	}

	run.fCurVelMult = run.fStartTimeVelMult
	run.fCurAccelMult = run.fStartTimeAccelMult
	for j := range run.velReductionFactors {
		run.velReductionFactors[j] = 1
		run.accelReductionFactors[j] = 1
	}

	for iSlowDown := 0; iSlowDown < maxSlowDownTries; iSlowDown++ {
		done := ps.tele.timeInterpolator()
		candidate, err := ps.interp.ArbitraryVelND(
			ps.x0Vect, ps.x1Vect, ps.v0Vect, ps.v1Vect,
			o.XLower, o.XUpper, ps.vellimits, ps.accellimits, false,
		)
		done()
		if err != nil {
			ps.logger.Debugf("initial interpolation failed: %v", err)
			return nil, StatusInitialInterpolationFailed, false
		}

		segmentTime := rampoptimizer.SegmentsDuration(candidate)
		if segmentTime+run.minTimeStep > t1-t0 {
			// Not a significant improvement.
			if iSlowDown == 0 {
				return nil, StatusInterpolatedSegmentTooLong, false
			}
			return nil, StatusInterpolatedSegmentTooLongFromSlowDown, false
		}

		if ps.interrupted(ctx) {
			return nil, 0, true
		}

		if !ps.setState(ps.x1Vect) {
			return nil, StatusStateSettingFailed, false
		}

		retcheck, out := ps.feas.Check2(candidate, CheckAll)

		if retcheck.Code == CodeOK {
			// Checker-side modification may have lowered boundary velocities of the stitched
			// output; raise the limits back above them before any velocity correction.
			for _, seg := range out {
				for j := 0; j < seg.DOF(); j++ {
					if fMinVel := utils.AbsMax(seg.V0()[j], seg.V1()[j]); ps.vellimits[j] < fMinVel {
						ps.vellimits[j] = fMinVel
					}
				}
			}

			if retcheck.DifferentVelocity && len(out) > 0 {
				ps.logger.Debug("shortcut is not aligned with boundary values after checking; fixing the last segment")
				// The stretch budget left before the shortcut stops being useful.
				allowedStretchTime := (t1 - t0) - (segmentTime + run.minTimeStep)
				lastSeg := out[len(out)-1]

				done := ps.tele.timeInterpolator()
				fix, err := ps.interp.ArbitraryVelND(
					lastSeg.X0(), ps.x1Vect, lastSeg.V0(), ps.v1Vect,
					o.XLower, o.XUpper, ps.vellimits, ps.accellimits, true,
				)
				done()
				if err != nil {
					ps.logger.Debugf("failed to re-interpolate to correct the final velocity: %v", err)
					return nil, StatusLastSegmentFailed, false
				}
				if rampoptimizer.SegmentsDuration(fix)-lastSeg.Duration() > allowedStretchTime {
					ps.logger.Debug("the modified last segment is too long to be useful")
					return nil, StatusLastSegmentFailed, false
				}
				retfix, outFix := ps.feas.Check2(fix, CheckAll)
				switch {
				case retfix.Code != CodeOK:
					ps.logger.Debugf("final segment fixing failed: %s", retfix.Code)
					if retfix.Code == CodeTimeBasedConstraints {
						retcheck = retfix
						break
					}
					return nil, StatusLastSegmentFailed, false
				case retfix.DifferentVelocity:
					ps.logger.Debug("after fixing, the last segment still does not end at the desired velocity")
					return nil, StatusLastSegmentFailed, false
				default:
					out = append(out[:len(out)-1], outFix...)
					return out, StatusSuccessful, false
				}
			} else {
				return out, StatusSuccessful, false
			}
		}

		if retcheck.Code != CodeTimeBasedConstraints {
			if retcheck.Code == CodeCollision {
				return nil, StatusCheckCollisionFailed, false
			}
			return nil, StatusCheckFailed, false
		}

		// Time-based failure: run one slowdown step.
		run.nTimeBasedFailed++
		st, ok := ps.slowDown(run, retcheck, path, i0, u0, i1, u1, iSlowDown)
		if !ok {
			return nil, st, false
		}
	}
	return nil, StatusSlowDownFailed, false
}

// slowDown scales the per-iteration limits down in response to a time-based failure. It returns
// false with a terminal status when a multiplier floor is crossed.
func (ps *ParabolicSmoother) slowDown(
	run *shortcutRun,
	retcheck CheckReturn,
	path *rampoptimizer.Path,
	i0 int, u0 float64, i1 int, u1 float64,
	iSlowDown int,
) (ShortcutStatus, bool) {
	o := ps.opts
	segments := path.Segments()

	if o.manipActive() && o.ManipChecker != nil {
		if iSlowDown == 0 && !o.UseNewHeuristic {
			// First failure: ask the manip checker for limit estimates at both endpoints before
			// resorting to blind multiplicative scaling.
			segments[i0].EvalPos(u0, ps.x0Vect)
			segments[i1].EvalPos(u1, ps.x1Vect)
			segments[i0].EvalVel(u0, ps.v0Vect)
			segments[i1].EvalVel(u1, ps.v1Vect)

			if !ps.setState(ps.x0Vect) {
				return StatusStateSettingFailed, false
			}
			o.ManipChecker.GetMaxVelocitiesAccelerations(ps.v0Vect, ps.vellimits, ps.accellimits)
			if !ps.setState(ps.x1Vect) {
				return StatusStateSettingFailed, false
			}
			o.ManipChecker.GetMaxVelocitiesAccelerations(ps.v1Vect, ps.vellimits, ps.accellimits)

			for j := range ps.vellimits {
				if fMinVel := utils.AbsMax(ps.v0Vect[j], ps.v1Vect[j]); ps.vellimits[j] < fMinVel {
					ps.vellimits[j] = fMinVel
				}
			}
			ps.logger.Debug("set new vellimits and accellimits from manip estimates")
			return 0, true
		}

		speedViolated := o.MaxManipSpeed > 0 && retcheck.MaxManipSpeed > o.MaxManipSpeed
		accelViolated := o.MaxManipAccel > 0 && retcheck.MaxManipAccel > o.MaxManipAccel

		if speedViolated {
			if o.UseNewHeuristic && len(retcheck.ReductionFactors) > 0 && !accelViolated {
				// Per-DOF velocity scaling only; acceleration is untouched when its limit holds.
				for j := range ps.vellimits {
					ps.vellimits[j] *= retcheck.ReductionFactors[j]
					run.velReductionFactors[j] *= retcheck.ReductionFactors[j]
				}
			} else {
				fVelMult := retcheck.TimeBasedSurpassMult
				run.fCurVelMult *= fVelMult
				if run.fCurVelMult < minVelMult {
					ps.logger.Debugf("max manip speed violated but fCurVelMult is too small (%.15e)", run.fCurVelMult)
					return StatusMaxManipSpeedFailed, false
				}
				for j := range ps.vellimits {
					fMinVel := utils.AbsMax(ps.v0Vect[j], ps.v1Vect[j])
					ps.vellimits[j] = math.Max(fMinVel, fVelMult*ps.vellimits[j])
				}
			}
		}

		if accelViolated {
			if o.UseNewHeuristic && len(retcheck.ReductionFactors) > 0 {
				// Velocity scales by sqrt(r), acceleration by r: velocity carries one factor of
				// time, acceleration two.
				for j := range ps.vellimits {
					r := retcheck.ReductionFactors[j]
					ps.vellimits[j] *= math.Sqrt(r)
					ps.accellimits[j] *= r
					run.velReductionFactors[j] *= math.Sqrt(r)
					run.accelReductionFactors[j] *= r
				}
			} else {
				fAccelMult := retcheck.TimeBasedSurpassMult * retcheck.TimeBasedSurpassMult
				run.fCurAccelMult *= fAccelMult
				if run.fCurAccelMult < minAccelMult {
					ps.logger.Debugf("max manip accel violated but fCurAccelMult is too small (%.15e)", run.fCurAccelMult)
					return StatusMaxManipAccelFailed, false
				}
				fVelMult := math.Sqrt(fAccelMult)
				run.fCurVelMult *= fVelMult
				if run.fCurVelMult < minVelMult {
					ps.logger.Debugf("max manip accel violated but fCurVelMult is too small (%.15e)", run.fCurVelMult)
					return StatusMaxManipAccelFailed, false
				}
				for j := range ps.vellimits {
					fMinVel := utils.AbsMax(ps.v0Vect[j], ps.v1Vect[j])
					ps.vellimits[j] = math.Max(fMinVel, fVelMult*ps.vellimits[j])
				}
				floats.Scale(fAccelMult, ps.accellimits)
			}
		}
		run.numSlowDowns++
		return 0, true
	}

	// Generic time-based failure: scale both limit sets by the surpass multiplier.
	mult := retcheck.TimeBasedSurpassMult
	run.fCurVelMult *= mult
	run.fCurAccelMult *= mult * mult
	if run.fCurVelMult < minVelMult {
		ps.logger.Debugf("fCurVelMult is too small (%.15e)", run.fCurVelMult)
		return StatusSlowDownFailed, false
	}
	if run.fCurAccelMult < minAccelMult {
		ps.logger.Debugf("fCurAccelMult is too small (%.15e)", run.fCurAccelMult)
		return StatusSlowDownFailed, false
	}
	run.numSlowDowns++
	for j := range ps.vellimits {
		fMinVel := utils.AbsMax(ps.v0Vect[j], ps.v1Vect[j])
		ps.vellimits[j] = math.Max(fMinVel, mult*ps.vellimits[j])
		ps.accellimits[j] *= mult * mult
	}
	return 0, true
}

// shortcut runs the randomized shortcut loop, returning the number of successful shortcuts and
// whether planning was interrupted.
func (ps *ParabolicSmoother) shortcut(ctx context.Context, path *rampoptimizer.Path, numIters int) (int, bool) {
	ps.tele.DumpPath(path, "beforeshortcut")

	run := ps.newShortcutRun()
	tOriginal := path.Duration()
	tTotal := tOriginal

	numShortcuts := 0
	nItersFromPrevSuccessful := 0
	nCutoffIters := numIters / 2
	if nCutoffIters > 100 {
		nCutoffIters = 100
	}

	score := 1.0
	currentBestScore := 1.0
	iCurrentBestScore := 1.0

	fiMinDiscretization := 1.0 / run.minTimeStep
	var visited []uint8
	nEndTimeDiscretization := 0

	iters := 0
	for iters = 0; iters < numIters; iters++ {
		if tTotal < run.minTimeStep {
			ps.logger.Debugf("shortcut iter=%d/%d, tTotal=%.15e is too short to continue", iters, numIters, tTotal)
			break
		}
		if nItersFromPrevSuccessful+run.nTimeBasedFailed > nCutoffIters {
			// No progress in a while; stop early.
			break
		}
		nItersFromPrevSuccessful++

		if len(visited) == 0 {
			nEndTimeDiscretization = int(tTotal*fiMinDiscretization) + 1
			if nEndTimeDiscretization <= maxVisitedDiscretization {
				visited = make([]uint8, nEndTimeDiscretization*nEndTimeDiscretization)
			}
		}

		// Sample t0 and t1.
		var t0, t1 float64
		switch {
		case iters == 0:
			t0, t1 = 0, tTotal
		case (len(ps.zeroVelPoints) > 0 && ps.rng.Float64() <= specialShortcutWeight) ||
			(len(ps.zeroVelPoints) > 0 && numIters-iters <= len(ps.zeroVelPoints)):
			// Focus on removing one of the remaining forced stops.
			idx := utils.SampleRandomIntRange(0, len(ps.zeroVelPoints)-1, ps.rng)
			t := ps.zeroVelPoints[idx]
			t0 = t - ps.rng.Float64()*math.Min(specialShortcutCutoffTime, t)
			t1 = t + ps.rng.Float64()*math.Min(specialShortcutCutoffTime, tTotal-t)
			if numIters-iters <= len(ps.zeroVelPoints) {
				// The multipliers may have been scaled down to be very small by now; reset them in
				// hopes that it helps produce the remaining shortcuts.
				run.fStartTimeVelMult = math.Max(0.8, run.fStartTimeVelMult)
				run.fStartTimeAccelMult = math.Max(0.8, run.fStartTimeAccelMult)
			}
		default:
			t0 = ps.rng.Float64() * tTotal
			t1 = ps.rng.Float64() * tTotal
			if t0 > t1 {
				t0, t1 = t1, t0
			}
			if ps.maxInitialRampTime > 0 && t1-t0 > 2*ps.maxInitialRampTime {
				t1 = t0 + 2*ps.maxInitialRampTime
			}
		}

		if t1-t0 < run.minTimeStep {
			ps.tele.recordStatus(StatusTimeInstantsTooClose)
			continue
		}

		if len(visited) > 0 {
			t0Index := int(t0 * fiMinDiscretization)
			t1Index := int(t1 * fiMinDiscretization)
			pairIndex := t0Index*nEndTimeDiscretization + t1Index
			if pairIndex >= 0 && pairIndex < len(visited) && visited[pairIndex] != 0 {
				ps.tele.recordStatus(StatusRedundantShortcut)
				continue
			}
			if ps.opts.manipActive() {
				// With manip constraints a failure generalizes to its neighborhood.
				for ti := t0Index - 1; ti <= t0Index+1; ti++ {
					for tj := t1Index - 1; tj <= t1Index+1; tj++ {
						if ti >= 0 && tj >= 0 && ti < nEndTimeDiscretization && tj < nEndTimeDiscretization {
							visited[ti*nEndTimeDiscretization+tj] = 1
						}
					}
				}
			} else if pairIndex >= 0 && pairIndex < len(visited) {
				visited[pairIndex] = 1
			}
		}

		iterDone := ps.tele.timeIteration()
		accepted, status, interrupted := ps.attemptShortcut(ctx, path, t0, t1, run)
		iterDone()
		if interrupted {
			return numShortcuts, true
		}
		ps.tele.recordStatus(status)
		if status != StatusSuccessful || len(accepted) == 0 {
			continue
		}

		numShortcuts++
		run.nTimeBasedFailed = 0
		visited = visited[:0]

		segmentTime := rampoptimizer.SegmentsDuration(accepted)
		diff := (t1 - t0) - segmentTime
		ps.removeZeroVelPoints(t0, t1, diff, false)

		run.fStartTimeVelMult = math.Min(1.0, run.fCurVelMult/ps.opts.SearchVelAccelMult)
		run.fStartTimeAccelMult = math.Min(1.0, run.fCurAccelMult/ps.opts.SearchVelAccelMult)

		if err := path.ReplaceSegment(t0, t1, accepted); err != nil {
			ps.logger.Warnf("segment replacement failed: %v", err)
			return numShortcuts, false
		}
		tTotal = path.Duration()
		ps.logger.Debugf("shortcut iter=%d/%d successful, numSlowDowns=%d, tTotal=%.15e", iters, numIters, run.numSlowDowns, tTotal)

		score = diff / float64(nItersFromPrevSuccessful)
		if score > currentBestScore {
			currentBestScore = score
			iCurrentBestScore = 1.0 / currentBestScore
		}
		nItersFromPrevSuccessful = 0

		if score*iCurrentBestScore < cutoffRatio && numShortcuts > 5 {
			// Progress this iteration is negligible compared to the best so far; more iterations
			// are unlikely to help.
			break
		}
	}

	switch {
	case iters == numIters:
		ps.logger.Debugf("finished at shortcut iter=%d (normal exit), successful=%d, slowdowns=%d, endTime: %.15e -> %.15e",
			iters, numShortcuts, run.numSlowDowns, tOriginal, tTotal)
	case score*iCurrentBestScore < cutoffRatio:
		ps.logger.Debugf("finished at shortcut iter=%d (score below cutoff %.15e), successful=%d, slowdowns=%d, endTime: %.15e -> %.15e",
			iters, cutoffRatio, numShortcuts, run.numSlowDowns, tOriginal, tTotal)
	default:
		ps.logger.Debugf("finished at shortcut iter=%d (no progress in %d iterations), successful=%d, slowdowns=%d, endTime: %.15e -> %.15e",
			iters, nItersFromPrevSuccessful, numShortcuts, run.numSlowDowns, tOriginal, tTotal)
	}

	ps.tele.DumpPath(path, "aftershortcut")
	return numShortcuts, false
}

// mergeConsecutiveSegments tries to remove each zero-velocity waypoint by shortcutting over its
// recorded neighborhood. It is the deterministic counterpart of shortcut and is meant to run
// first when the initial path is piecewise linear.
func (ps *ParabolicSmoother) mergeConsecutiveSegments(ctx context.Context, path *rampoptimizer.Path) (int, bool) {
	numMerges := 0
	if len(ps.zeroVelPoints) == 0 {
		return numMerges, false
	}
	ps.tele.DumpPath(path, "beforemerge")

	run := ps.newShortcutRun()
	tOriginal := path.Duration()

	for index := 0; index < len(ps.zeroVelPoints); index++ {
		t0 := ps.zeroVelNeighbors[index][0]
		t1 := ps.zeroVelNeighbors[index][1]

		accepted, status, interrupted := ps.attemptShortcut(ctx, path, t0, t1, run)
		if interrupted {
			return numMerges, true
		}
		ps.tele.recordStatus(status)
		if status != StatusSuccessful || len(accepted) == 0 {
			continue
		}

		numMerges++
		run.nTimeBasedFailed = 0

		diff := (t1 - t0) - rampoptimizer.SegmentsDuration(accepted)
		ps.removeZeroVelPoints(t0, t1, diff, true)
		// The registry shifted underneath us; revisit the same index.
		index--

		run.fStartTimeVelMult = math.Min(1.0, run.fCurVelMult/ps.opts.SearchVelAccelMult)
		run.fStartTimeAccelMult = math.Min(1.0, run.fCurAccelMult/ps.opts.SearchVelAccelMult)

		if err := path.ReplaceSegment(t0, t1, accepted); err != nil {
			ps.logger.Warnf("segment replacement failed: %v", err)
			return numMerges, false
		}
	}

	ps.logger.Debugf("finished merging, successful=%d, slowdowns=%d, endTime: %.15e -> %.15e",
		numMerges, run.numSlowDowns, tOriginal, path.Duration())
	ps.tele.DumpPath(path, "aftermerge")
	return numMerges, false
}

// removeZeroVelPoints drops registry entries inside (t0, t1] and shifts later entries left by
// diff, the duration the commit saved. withNeighbors also maintains the neighborhood bounds (the
// merger needs them; the shortcutter does not).
func (ps *ParabolicSmoother) removeZeroVelPoints(t0, t1, diff float64, withNeighbors bool) {
	writeIndex := 0
	for readIndex := 0; readIndex < len(ps.zeroVelPoints); readIndex++ {
		switch {
		case ps.zeroVelPoints[readIndex] <= t0:
			writeIndex++
		case ps.zeroVelPoints[readIndex] <= t1:
			// Swallowed by the shortcut.
		default:
			ps.zeroVelPoints[writeIndex] = ps.zeroVelPoints[readIndex] - diff
			if withNeighbors {
				ps.zeroVelNeighbors[writeIndex] = ps.zeroVelNeighbors[readIndex]
				ps.zeroVelNeighbors[writeIndex][0] -= diff
				ps.zeroVelNeighbors[writeIndex][1] -= diff
			}
			writeIndex++
		}
	}
	ps.zeroVelPoints = ps.zeroVelPoints[:writeIndex]
	if withNeighbors {
		ps.zeroVelNeighbors = ps.zeroVelNeighbors[:writeIndex]
	}
}
