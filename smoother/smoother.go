package smoother

import (
	"context"
	"math"
	"math/rand"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"go.viam.com/trajopt/rampoptimizer"
	"go.viam.com/trajopt/trajectory"
	"go.viam.com/trajopt/utils"
)

// ParabolicSmoother time-parameterizes and smooths an input trajectory into a piecewise-parabolic
// trajectory obeying joint limits, optional workspace manipulator limits, and the external
// constraint stack. A smoother serves one PlanPath call at a time; all planning runs on the
// caller's goroutine.
type ParabolicSmoother struct {
	opts   *Options
	logger golog.Logger
	tele   *Telemetry
	interp *rampoptimizer.Interpolator
	feas   *feasibilityChecker
	rng    *rand.Rand

	progressIteration int

	// zeroVelPoints holds the absolute times of the forced stops the initializer placed at
	// interior waypoints; zeroVelNeighbors pairs each stop with the start of the segment entering
	// it and the end of the segment leaving it.
	zeroVelPoints      []float64
	zeroVelNeighbors   [][2]float64
	maxInitialRampTime float64

	// scratch
	x0Vect, x1Vect []float64
	v0Vect, v1Vect []float64
	vellimits      []float64
	accellimits    []float64
}

// New creates a smoother for the given options. tele may be nil to disable telemetry.
func New(opts *Options, logger golog.Logger, tele *Telemetry) (*ParabolicSmoother, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid smoother options")
	}
	dof := opts.DOF()
	ps := &ParabolicSmoother{
		opts:        opts,
		logger:      logger,
		tele:        tele,
		interp:      rampoptimizer.NewInterpolator(dof),
		feas:        newFeasibilityChecker(opts, logger, tele),
		rng:         rand.New(rand.NewSource(opts.RandomSeed)),
		x0Vect:      make([]float64, dof),
		x1Vect:      make([]float64, dof),
		v0Vect:      make([]float64, dof),
		v1Vect:      make([]float64, dof),
		vellimits:   make([]float64, dof),
		accellimits: make([]float64, dof),
	}
	return ps, nil
}

// interrupted checks both the context and the user progress callback. It is the only suspension
// point of the planning loop.
func (ps *ParabolicSmoother) interrupted(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	ps.progressIteration++
	if ps.opts.Progress != nil && !ps.opts.Progress(ps.progressIteration) {
		return true
	}
	return false
}

// PlanPath smooths the input trajectory. On success the returned trajectory satisfies every
// active constraint; merging and shortcutting only commit replacements that shorten the path,
// and emission may stretch a segment that fails its final check. On interruption the returned
// trajectory is nil and status is StatusInterrupted.
func (ps *ParabolicSmoother) PlanPath(ctx context.Context, traj *trajectory.Trajectory) (*trajectory.Trajectory, Status, error) {
	if err := traj.Validate(); err != nil {
		return nil, StatusFailed, err
	}
	if len(traj.Waypoints) < 2 {
		return nil, StatusFailed, errors.New("trajectory must have at least two waypoints")
	}
	if traj.DOF() != ps.opts.DOF() {
		return nil, StatusFailed, errors.Errorf("trajectory has %d DOFs, smoother configured for %d", traj.DOF(), ps.opts.DOF())
	}

	ps.tele.DumpParams(ps.opts)
	ps.tele.DumpTrajectory(traj, "input")

	// Leave the host state untouched on every exit path.
	if ps.opts.State != nil {
		restore := ps.opts.State.Save()
		defer restore()
	}

	ps.progressIteration = 0
	path := rampoptimizer.NewPath()
	perfectlyModeled, err := ps.initializePath(traj, path)
	if err != nil {
		ps.tele.DumpTrajectory(traj, "failed")
		return nil, StatusFailed, err
	}

	if !ps.opts.VerifyInitialPath && perfectlyModeled {
		for _, seg := range path.Segments() {
			seg.ConstraintChecked = true
		}
	}

	if ps.interrupted(ctx) {
		return nil, StatusInterrupted, nil
	}

	numShortcuts := 0
	if ps.opts.State != nil {
		numMerges, interrupted := ps.mergeConsecutiveSegments(ctx, path)
		if interrupted {
			return nil, StatusInterrupted, nil
		}
		ps.logger.Debugf("merged %d consecutive segment pairs", numMerges)

		numShortcuts, interrupted = ps.shortcut(ctx, path, ps.opts.MaxIterations)
		if interrupted {
			return nil, StatusInterrupted, nil
		}
		ps.logger.Debugf("performed %d shortcuts, final duration %.15e", numShortcuts, path.Duration())
	}

	if ps.interrupted(ctx) {
		return nil, StatusInterrupted, nil
	}

	quadraticInput := traj.PositionInterpolation == trajectory.InterpolationQuadratic && traj.HasDeltaTimes && traj.HasVelocities()
	out, status, err := ps.emitTrajectory(ctx, path, quadraticInput && numShortcuts == 0)
	if err != nil || status != StatusSucceeded {
		ps.tele.DumpTrajectory(traj, "failed")
		return nil, status, err
	}

	// The emitted trajectory must be sampleable end-to-end.
	for _, at := range []float64{0, 0.5 * out.Duration(), out.Duration()} {
		if _, _, err := out.Sample(at); err != nil {
			return nil, StatusFailed, errors.Wrap(err, "emitted trajectory failed sampling verification")
		}
	}

	ps.tele.DumpTrajectory(out, "output")
	ps.tele.Summary()
	return out, StatusSucceeded, nil
}

// initializePath converts the input trajectory into a parabolic path, dispatching on the declared
// interpolation. It reports whether the input was perfectly modeled (linear or quadratic).
func (ps *ParabolicSmoother) initializePath(traj *trajectory.Trajectory, path *rampoptimizer.Path) (bool, error) {
	ps.zeroVelPoints = ps.zeroVelPoints[:0]
	ps.zeroVelNeighbors = ps.zeroVelNeighbors[:0]
	ps.maxInitialRampTime = 0

	switch {
	case traj.PositionInterpolation == trajectory.InterpolationQuadratic && traj.HasDeltaTimes && traj.HasVelocities():
		ps.logger.Debug("the initial trajectory is piecewise quadratic")
		for k := 1; k < len(traj.Waypoints); k++ {
			wp0, wp1 := traj.Waypoints[k-1], traj.Waypoints[k]
			if wp1.DeltaTime <= rampoptimizer.RampEpsilon {
				continue
			}
			seg, err := rampoptimizer.NewSegment(wp0.Position, wp1.Position, wp0.Velocity, wp1.Velocity, wp1.DeltaTime)
			if err != nil {
				return false, err
			}
			path.Append(seg)
		}
		return true, nil

	case traj.PositionInterpolation == trajectory.InterpolationCubic && traj.HasDeltaTimes && traj.HasVelocities():
		ps.logger.Debug("the initial trajectory is piecewise cubic")
		for k := 1; k < len(traj.Waypoints); k++ {
			wp0, wp1 := traj.Waypoints[k-1], traj.Waypoints[k]
			if wp1.DeltaTime <= rampoptimizer.RampEpsilon {
				continue
			}
			// A cubic piece whose third-order coefficient vanishes in every DOF is just a
			// parabola and can be taken as-is.
			iDelta := 1 / wp1.DeltaTime
			iDelta2 := iDelta * iDelta
			isParabolic := true
			for j := range wp0.Position {
				coeff := (2*iDelta*(wp0.Position[j]-wp1.Position[j]) + wp0.Velocity[j] + wp1.Velocity[j]) * iDelta2
				if math.Abs(coeff) > 1e-5 {
					isParabolic = false
				}
			}
			if isParabolic {
				seg, err := rampoptimizer.NewSegment(wp0.Position, wp1.Position, wp0.Velocity, wp1.Velocity, wp1.DeltaTime)
				if err != nil {
					return false, err
				}
				if !ps.opts.VerifyInitialPath {
					seg.ConstraintChecked = true
				}
				path.Append(seg)
				continue
			}
			// The path will likely be modified during shortcutting anyway, so only time-based
			// constraints are enforced here.
			segs, err := ps.computeZeroVelRamp(wp0.Position, wp1.Position, CheckTimeBasedConstraints)
			if err != nil {
				return false, errors.Wrapf(err, "failed to initialize from cubic waypoints %d and %d", k-1, k)
			}
			for _, seg := range segs {
				path.Append(seg)
			}
		}
		return false, nil

	default:
		perfectlyModeled := false
		switch traj.PositionInterpolation {
		case trajectory.InterpolationLinear, trajectory.InterpolationUnspecified:
			ps.logger.Debug("the initial trajectory is piecewise linear")
			perfectlyModeled = traj.PositionInterpolation == trajectory.InterpolationLinear
		default:
			ps.logger.Debugf("the initial trajectory has unsupported interpolation %q; treating as linear", traj.PositionInterpolation)
		}

		waypoints := extractWaypoints(traj)
		if err := ps.setMilestones(waypoints, path); err != nil {
			return false, errors.Wrap(err, "failed to initialize from piecewise linear waypoints")
		}
		ps.logger.Debugf("finished initializing linear waypoints, %d -> %d waypoints", len(traj.Waypoints), len(waypoints))
		return perfectlyModeled, nil
	}
}

// extractWaypoints pulls the waypoint positions, dropping collinear interior points and duplicate
// consecutive points.
func extractWaypoints(traj *trajectory.Trajectory) [][]float64 {
	out := make([][]float64, 0, len(traj.Waypoints))
	for _, wp := range traj.Waypoints {
		q := wp.Position
		if len(out) > 1 {
			x0 := out[len(out)-2]
			x1 := out[len(out)-1]
			var dot, len0, len1 float64
			for i := range q {
				d0 := x0[i] - q[i]
				d1 := x1[i] - q[i]
				dot += d0 * d1
				len0 += d0 * d0
				len1 += d1 * d1
			}
			if math.Abs(dot*dot-len0*len1) < collinearThresh {
				out[len(out)-1] = append([]float64{}, q...)
				continue
			}
		}
		if len(out) > 0 {
			var d float64
			for i := range q {
				d += math.Abs(q[i] - out[len(out)-1][i])
			}
			if d <= float64(len(q))*2.220446049250313e-16 {
				continue
			}
		}
		out = append(out, append([]float64{}, q...))
	}
	return out
}

// setMilestones time-parameterizes the waypoint list into a path that stops at every waypoint,
// densifying pairs whose constraint-projected midpoint strays from the arithmetic midpoint, and
// recording the zero-velocity registry.
func (ps *ParabolicSmoother) setMilestones(waypoints [][]float64, path *rampoptimizer.Path) error {
	path.Reset()
	ps.logger.Debugf("initial number of waypoints: %d", len(waypoints))

	if len(waypoints) == 0 {
		return errors.New("no waypoints remain after pruning")
	}
	if len(waypoints) == 1 {
		path.Append(rampoptimizer.NewConstantSegment(waypoints[0], 0))
		return nil
	}

	options := CheckTimeBasedConstraints
	if ps.opts.VerifyInitialPath {
		options |= CheckEnvCollisions | CheckSelfCollisions
	}

	forceChecking := make([]bool, len(waypoints))
	if ps.opts.NeighState != nil {
		// The arithmetic midpoint of a pair may violate hard constraints; in that case insert the
		// projected midpoint as an extra waypoint and retry, up to a bounded number of consecutive
		// expansions.
		delta := make([]float64, ps.opts.DOF())
		consecutiveExpansions := 0
		for i := 0; i+1 < len(waypoints); {
			for j := range delta {
				delta[j] = 0.5 * (waypoints[i+1][j] - waypoints[i][j])
			}
			if ps.opts.State != nil {
				if err := ps.opts.State.SetState(waypoints[i]); err != nil {
					return errors.Wrapf(err, "could not set values at waypoint %d", i)
				}
			}
			mid, ok := ps.opts.NeighState(waypoints[i], delta)
			if !ok {
				return errors.Errorf("failed to get the neighbor of waypoint %d", i)
			}
			var dist float64
			for j := range delta {
				expected := 0.5 * (waypoints[i+1][j] + waypoints[i][j])
				e := expected - mid[j]
				dist += e * e
			}
			if dist > midpointDistThresh {
				ps.logger.Debugf("adding extra midpoint between waypoints %d and %d, dist=%.15e", i, i+1, dist)
				waypoints = append(waypoints, nil)
				copy(waypoints[i+2:], waypoints[i+1:])
				waypoints[i+1] = append([]float64{}, mid...)
				forceChecking = append(forceChecking, false)
				copy(forceChecking[i+2:], forceChecking[i+1:])
				forceChecking[i+1] = true
				if i+2 < len(forceChecking) {
					forceChecking[i+2] = true
				}
				consecutiveExpansions += 2
				if consecutiveExpansions > maxConsecutiveExpansions {
					return errors.Errorf("too many consecutive expansions, waypoint %d is bad", i)
				}
				continue
			}
			if consecutiveExpansions > 0 {
				consecutiveExpansions--
			}
			i++
		}
	}

	for i := 1; i < len(waypoints); i++ {
		segs, err := ps.computeZeroVelRamp(waypoints[i-1], waypoints[i], options)
		if err != nil {
			return errors.Wrapf(err, "failed to time-parameterize path connecting waypoints %d and %d", i-1, i)
		}
		if !ps.opts.VerifyInitialPath && !forceChecking[i] {
			for _, seg := range segs {
				seg.ConstraintChecked = true
			}
		}

		var duration float64
		for _, seg := range segs {
			duration += seg.Duration()
			path.Append(seg)
		}
		if duration > ps.maxInitialRampTime {
			ps.maxInitialRampTime = duration
		}
		if len(ps.zeroVelPoints) == 0 {
			ps.zeroVelPoints = append(ps.zeroVelPoints, duration)
		} else {
			ps.zeroVelPoints = append(ps.zeroVelPoints, ps.zeroVelPoints[len(ps.zeroVelPoints)-1]+duration)
			ps.zeroVelNeighbors[len(ps.zeroVelNeighbors)-1][1] += segs[0].Duration()
		}
		back := ps.zeroVelPoints[len(ps.zeroVelPoints)-1]
		ps.zeroVelNeighbors = append(ps.zeroVelNeighbors, [2]float64{back - segs[len(segs)-1].Duration(), back})
	}
	// The trailing entry is the path end, not an interior stop.
	ps.zeroVelPoints = ps.zeroVelPoints[:len(ps.zeroVelPoints)-1]
	ps.zeroVelNeighbors = ps.zeroVelNeighbors[:len(ps.zeroVelNeighbors)-1]
	return nil
}

// computeZeroVelRamp interpolates a pair of waypoints with zero boundary velocities, iteratively
// scaling the limits down on time-based failures so the result is guaranteed feasible.
func (ps *ParabolicSmoother) computeZeroVelRamp(x0, x1 []float64, options CheckOptions) ([]*rampoptimizer.Segment, error) {
	copy(ps.vellimits, ps.opts.VelocityLimits)
	copy(ps.accellimits, ps.opts.AccelerationLimits)

	for try := 0; try < maxMilestoneTries; try++ {
		done := ps.tele.timeInterpolator()
		segs, err := ps.interp.ZeroVelND(x0, x1, ps.vellimits, ps.accellimits)
		done()
		if err != nil {
			return nil, err
		}

		ret := NewCheckReturn(CodeOK)
		for _, seg := range segs {
			ret, _ = ps.feas.segmentFeasible(seg.X0(), seg.X1(), seg.V0(), seg.V1(), seg.Duration(), options)
			if ret.Code != CodeOK {
				break
			}
			if ret.DifferentVelocity {
				ps.logger.Warn("segment check returned different final velocities")
				ret.Code = CodeFinalValuesNotReached
				break
			}
		}
		switch {
		case ret.Code == CodeOK:
			return segs, nil
		case ret.Code == CodeTimeBasedConstraints:
			ps.logger.Debugf("scaling limits by %.15e, try=%d", ret.TimeBasedSurpassMult, try)
			floats.Scale(ret.TimeBasedSurpassMult, ps.vellimits)
			floats.Scale(ret.TimeBasedSurpassMult*ret.TimeBasedSurpassMult, ps.accellimits)
		default:
			return nil, errors.Errorf("segment check returned %s", ret.Code)
		}
	}
	return nil, errors.Errorf("still infeasible after %d limit reductions", maxMilestoneTries)
}

// emitTrajectory converts the path into the output trajectory format, re-checking (and stretching
// when necessary) any segment the constraint stack has not yet accepted. skipValidation is set for
// perfectly-modeled quadratic inputs that were never modified.
func (ps *ParabolicSmoother) emitTrajectory(
	ctx context.Context,
	path *rampoptimizer.Path,
	skipValidation bool,
) (*trajectory.Trajectory, Status, error) {
	o := ps.opts
	out := &trajectory.Trajectory{
		PositionInterpolation: trajectory.InterpolationQuadratic,
		VelocityInterpolation: trajectory.InterpolationLinear,
		HasDeltaTimes:         true,
	}

	segments := path.Segments()
	if len(segments) == 0 {
		return nil, StatusFailed, errors.New("path is empty at emission")
	}

	first := segments[0]
	out.Waypoints = append(out.Waypoints, trajectory.Waypoint{
		Position:   append([]float64{}, first.X0()...),
		Velocity:   append([]float64{}, first.V0()...),
		DeltaTime:  0,
		IsWaypoint: true,
	})

	// Collisions (but not limits) are skipped in the trimmed edge windows; a ramp this close to
	// the endpoints was already implicitly covered by the endpoint configuration checks.
	trimEdgesTime := 2 * o.StepLength
	var expectedDuration float64

	for k, seg := range segments {
		if !skipValidation || !seg.ConstraintChecked {
			if err := rampoptimizer.CheckSegment(seg, o.XLower, o.XUpper, o.VelocityLimits, o.AccelerationLimits); err != nil {
				return nil, StatusFailed, errors.Wrapf(err, "internal: segment %d invalid at emission", k)
			}
		}

		finalized := []*rampoptimizer.Segment{seg}
		if !seg.ConstraintChecked {
			var remFront, remBack *rampoptimizer.Segment
			trimmed := seg
			check := true
			if k == 0 {
				if seg.Duration() <= trimEdgesTime+rampoptimizer.RampEpsilon {
					check = false
				} else {
					remFront, trimmed = seg.Cut(trimEdgesTime)
				}
			} else if k == len(segments)-1 {
				if seg.Duration() <= trimEdgesTime+rampoptimizer.RampEpsilon {
					check = false
				} else {
					trimmed, remBack = seg.Cut(seg.Duration() - trimEdgesTime)
				}
			}

			if check {
				ps.feas.usePerturbation = false
				checked, status, err := ps.checkOrStretchSegment(trimmed, k, len(segments))
				ps.feas.usePerturbation = true
				if err != nil {
					return nil, status, err
				}
				finalized = finalized[:0]
				if remFront != nil {
					finalized = append(finalized, remFront)
				}
				finalized = append(finalized, checked...)
				if remBack != nil {
					finalized = append(finalized, remBack)
				}
			}

			if ps.interrupted(ctx) {
				return nil, StatusInterrupted, nil
			}
		}

		for _, fseg := range finalized {
			expectedDuration += fseg.Duration()
			out.Waypoints = append(out.Waypoints, trajectory.Waypoint{
				Position:   append([]float64{}, fseg.X1()...),
				Velocity:   append([]float64{}, fseg.V1()...),
				DeltaTime:  fseg.Duration(),
				IsWaypoint: true,
			})
		}
	}

	if !utils.Float64AlmostEqual(expectedDuration, out.Duration(), durationDiscrepancyThresh) {
		return nil, StatusFailed, errors.Errorf(
			"internal: emitted duration %.15e does not match expected %.15e", out.Duration(), expectedDuration)
	}
	return out, StatusSucceeded, nil
}

// checkOrStretchSegment runs the full pipeline on one segment; on failure it stretches the
// duration in small increments, hoping a slightly slower segment passes.
func (ps *ParabolicSmoother) checkOrStretchSegment(
	seg *rampoptimizer.Segment,
	index, total int,
) ([]*rampoptimizer.Segment, Status, error) {
	ret, out := ps.feas.Check2([]*rampoptimizer.Segment{seg}, CheckAll)
	if ret.Code == CodeOK {
		return out, StatusSucceeded, nil
	}
	ps.logger.Debugf("check for segment %d/%d returned %s; trying to stretch", index, total, ret.Code)

	o := ps.opts
	newDuration := seg.Duration() + 5*rampoptimizer.RampEpsilon
	timeIncrement := 0.05 * newDuration
	const maxTries = 4
	for iDilate := 0; iDilate < maxTries; iDilate++ {
		done := ps.tele.timeInterpolator()
		stretched, err := ps.interp.FixedDurationND(
			seg.X0(), seg.X1(), seg.V0(), seg.V1(), newDuration,
			o.XLower, o.XUpper, o.VelocityLimits, o.AccelerationLimits,
		)
		done()
		if err == nil {
			ps.logger.Debugf("stretched duration %.15e -> %.15e", seg.Duration(), newDuration)
			ret, out = ps.feas.Check2(stretched, CheckAll)
			if ret.Code == CodeOK {
				return out, StatusSucceeded, nil
			}
		}
		if iDilate > 1 {
			newDuration += timeIncrement
		} else {
			newDuration += 5 * rampoptimizer.RampEpsilon
		}
	}
	ps.logger.Warnf("original segment %d/%d does not satisfy constraints (%s) and stretching failed", index, total, ret.Code)
	return nil, StatusFailed, errors.Errorf("segment %d does not satisfy constraints after stretching", index)
}
