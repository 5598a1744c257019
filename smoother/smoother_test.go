package smoother

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"go.viam.com/trajopt/rampoptimizer"
	"go.viam.com/trajopt/trajectory"
)

func freeOptions(dof int, vmax, amax float64) *Options {
	opts := NewBasicOptions()
	opts.XLower = make([]float64, dof)
	opts.XUpper = make([]float64, dof)
	opts.VelocityLimits = make([]float64, dof)
	opts.AccelerationLimits = make([]float64, dof)
	for i := 0; i < dof; i++ {
		opts.XLower[i] = -100
		opts.XUpper[i] = 100
		opts.VelocityLimits[i] = vmax
		opts.AccelerationLimits[i] = amax
	}
	opts.Checker = &FreeSpaceChecker{XLower: opts.XLower, XUpper: opts.XUpper, Tolerance: opts.PointTolerance}
	opts.State = NewMemoryStateSetter(dof)
	return opts
}

func linearTrajectory(waypoints [][]float64) *trajectory.Trajectory {
	traj := &trajectory.Trajectory{PositionInterpolation: trajectory.InterpolationLinear}
	for _, wp := range waypoints {
		traj.Waypoints = append(traj.Waypoints, trajectory.Waypoint{Position: wp})
	}
	return traj
}

func TestPlanPathStraightLine(t *testing.T) {
	logger := golog.NewTestLogger(t)
	opts := freeOptions(2, 1, 1)
	ps, err := New(opts, logger, nil)
	test.That(t, err, test.ShouldBeNil)

	traj := linearTrajectory([][]float64{{0, 0}, {1, 0}})
	out, status, err := ps.PlanPath(context.Background(), traj)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldEqual, StatusSucceeded)

	// Bang-bang over a unit displacement with vmax = amax = 1 takes exactly 2 seconds.
	test.That(t, out.Duration(), test.ShouldAlmostEqual, 2, 1e-6)

	first := out.Waypoints[0]
	test.That(t, first.DeltaTime, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, first.Position[0], test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, first.Velocity[0], test.ShouldAlmostEqual, 0, 1e-9)
	last := out.Waypoints[len(out.Waypoints)-1]
	test.That(t, last.Position[0], test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, last.Velocity[0], test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, last.IsWaypoint, test.ShouldBeTrue)

	// Round trip: sampling at the midpoint hits the bang-bang switch at half displacement.
	pos, vel, err := out.Sample(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos[0], test.ShouldAlmostEqual, 0.5, 1e-6)
	test.That(t, vel[0], test.ShouldAlmostEqual, 1, 1e-6)
}

func TestExtractWaypointsCollinear(t *testing.T) {
	traj := linearTrajectory([][]float64{{0}, {1}, {2}})
	waypoints := extractWaypoints(traj)
	test.That(t, len(waypoints), test.ShouldEqual, 2)
	test.That(t, waypoints[0][0], test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, waypoints[1][0], test.ShouldAlmostEqual, 2, 1e-12)
}

func TestExtractWaypointsDuplicates(t *testing.T) {
	traj := linearTrajectory([][]float64{{0, 0}, {0, 0}, {1, 0.5}})
	waypoints := extractWaypoints(traj)
	test.That(t, len(waypoints), test.ShouldEqual, 2)
}

func TestSetMilestonesDensifies(t *testing.T) {
	logger := golog.NewTestLogger(t)
	opts := freeOptions(1, 1, 1)
	// The projected midpoint of the full-span pair strays from the arithmetic midpoint by more
	// than the threshold, forcing exactly one densification.
	opts.NeighState = func(x, delta []float64) ([]float64, bool) {
		out := []float64{x[0] + delta[0]}
		if math.Abs(delta[0]) > 0.3 {
			out[0] += 0.011
		}
		return out, true
	}
	ps, err := New(opts, logger, nil)
	test.That(t, err, test.ShouldBeNil)

	path := rampoptimizer.NewPath()
	err = ps.setMilestones([][]float64{{0}, {1}}, path)
	test.That(t, err, test.ShouldBeNil)

	// One inserted midpoint: one interior stop at the projected midpoint.
	test.That(t, len(ps.zeroVelPoints), test.ShouldEqual, 1)
	stopIdx, u := path.FindSegmentIndex(ps.zeroVelPoints[0])
	pos := make([]float64, 1)
	path.Segments()[stopIdx].EvalPos(u, pos)
	test.That(t, pos[0], test.ShouldAlmostEqual, 0.511, 1e-9)
	vel := make([]float64, 1)
	path.Segments()[stopIdx].EvalVel(u, vel)
	test.That(t, vel[0], test.ShouldAlmostEqual, 0, 1e-9)

	// The densified segments were not marked pre-checked.
	test.That(t, path.Segments()[0].ConstraintChecked, test.ShouldBeFalse)
}

func TestMergeAndShortcutReduceStops(t *testing.T) {
	logger := golog.NewTestLogger(t)
	opts := freeOptions(2, 2, 4)
	opts.StepLength = 0.01
	opts.RandomSeed = 42
	ps, err := New(opts, logger, nil)
	test.That(t, err, test.ShouldBeNil)

	// A zigzag with five interior stops after initialization.
	traj := linearTrajectory([][]float64{
		{0, 0}, {1, 0.5}, {2, 0}, {3, 0.5}, {4, 0}, {5, 0.5}, {6, 0},
	})
	path := rampoptimizer.NewPath()
	_, err = ps.initializePath(traj, path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(ps.zeroVelPoints), test.ShouldEqual, 5)
	initialDuration := path.Duration()

	numMerges, interrupted := ps.mergeConsecutiveSegments(context.Background(), path)
	test.That(t, interrupted, test.ShouldBeFalse)
	test.That(t, numMerges, test.ShouldBeGreaterThanOrEqualTo, 1)
	test.That(t, len(ps.zeroVelPoints), test.ShouldBeLessThanOrEqualTo, 4)
	afterMerge := path.Duration()
	test.That(t, afterMerge, test.ShouldBeLessThan, initialDuration)

	numShortcuts, interrupted := ps.shortcut(context.Background(), path, 200)
	test.That(t, interrupted, test.ShouldBeFalse)
	test.That(t, numShortcuts, test.ShouldBeGreaterThanOrEqualTo, 1)
	test.That(t, path.Duration(), test.ShouldBeLessThan, afterMerge)

	// All invariants hold on the final path.
	err = rampoptimizer.CheckSegments(path.Segments(),
		opts.XLower, opts.XUpper, opts.VelocityLimits, opts.AccelerationLimits,
		nil, nil, nil, nil)
	test.That(t, err, test.ShouldBeNil)
}

func TestPlanPathNeverLengthens(t *testing.T) {
	logger := golog.NewTestLogger(t)
	opts := freeOptions(2, 1.5, 3)
	opts.StepLength = 0.01
	ps, err := New(opts, logger, nil)
	test.That(t, err, test.ShouldBeNil)

	traj := linearTrajectory([][]float64{{0, 0}, {0.5, 1}, {1, 0}, {2, 1}})
	out, status, err := ps.PlanPath(context.Background(), traj)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldEqual, StatusSucceeded)

	// Compare against the stop-at-every-waypoint parameterization of the same input.
	ref := rampoptimizer.NewPath()
	psRef, err := New(freeOptions(2, 1.5, 3), logger, nil)
	test.That(t, err, test.ShouldBeNil)
	_, err = psRef.initializePath(traj, ref)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Duration(), test.ShouldBeLessThanOrEqualTo, ref.Duration()+1e-9)

	// Sampleable end to end.
	for frac := 0.0; frac <= 1.0; frac += 0.125 {
		_, _, err := out.Sample(frac * out.Duration())
		test.That(t, err, test.ShouldBeNil)
	}
}

func TestShortcutRejectsNonImprovement(t *testing.T) {
	logger := golog.NewTestLogger(t)
	opts := freeOptions(1, 1, 1)
	counter := &countingChecker{inner: opts.Checker}
	opts.Checker = counter
	ps, err := New(opts, logger, nil)
	test.That(t, err, test.ShouldBeNil)

	// An already time-optimal bang-bang: re-interpolating the whole window cannot improve it.
	path := rampoptimizer.NewPath()
	segs, err := ps.interp.ZeroVelND([]float64{0}, []float64{1}, opts.VelocityLimits, opts.AccelerationLimits)
	test.That(t, err, test.ShouldBeNil)
	for _, seg := range segs {
		path.Append(seg)
	}

	run := ps.newShortcutRun()
	counter.segmentCalls = 0
	_, status, interrupted := ps.attemptShortcut(context.Background(), path, 0, path.Duration(), run)
	test.That(t, interrupted, test.ShouldBeFalse)
	test.That(t, status, test.ShouldEqual, StatusInterpolatedSegmentTooLong)
	// Rejected before the constraint checker ever ran.
	test.That(t, counter.segmentCalls, test.ShouldEqual, 0)
}

func TestSlowDownScalesManipAccelLimits(t *testing.T) {
	logger := golog.NewTestLogger(t)
	opts := freeOptions(2, 1, 1)
	opts.ManipName = "tool"
	opts.MaxManipAccel = 1
	opts.UseNewHeuristic = false
	opts.ManipChecker = &fakeManipChecker{}
	ps, err := New(opts, logger, nil)
	test.That(t, err, test.ShouldBeNil)

	copy(ps.vellimits, opts.VelocityLimits)
	copy(ps.accellimits, opts.AccelerationLimits)
	run := ps.newShortcutRun()
	run.fCurVelMult, run.fCurAccelMult = 1, 1

	path := rampoptimizer.NewPath()
	path.Append(rampoptimizer.NewConstantSegment([]float64{0, 0}, 1))

	ret := NewCheckReturn(CodeTimeBasedConstraints)
	ret.TimeBasedSurpassMult = defaultTimeBasedSurpassMult
	ret.MaxManipAccel = 2 // twice the limit

	st, ok := ps.slowDown(run, ret, path, 0, 0, 0, 0, 1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, st, test.ShouldEqual, ShortcutStatus(0))
	// Acceleration shrinks by the squared multiplier, velocity by its square root.
	test.That(t, ps.accellimits[0], test.ShouldAlmostEqual, 0.98*0.98, 1e-9)
	test.That(t, ps.vellimits[0], test.ShouldAlmostEqual, 0.98, 1e-9)
	test.That(t, run.fCurAccelMult, test.ShouldAlmostEqual, 0.98*0.98, 1e-9)

	// Repeated failures eventually cross the floor and abort the attempt.
	for i := 0; i < 500; i++ {
		st, ok = ps.slowDown(run, ret, path, 0, 0, 0, 0, i+2)
		if !ok {
			break
		}
	}
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, st, test.ShouldEqual, StatusMaxManipAccelFailed)
}

func TestRemoveZeroVelPoints(t *testing.T) {
	logger := golog.NewTestLogger(t)
	opts := freeOptions(1, 1, 1)
	ps, err := New(opts, logger, nil)
	test.That(t, err, test.ShouldBeNil)

	ps.zeroVelPoints = []float64{1, 2, 3, 4}
	ps.zeroVelNeighbors = [][2]float64{{0.5, 1.5}, {1.5, 2.5}, {2.5, 3.5}, {3.5, 4.5}}

	// A shortcut over (1.5, 3.2] saving 0.7 seconds removes the stops at 2 and 3 and shifts 4.
	ps.removeZeroVelPoints(1.5, 3.2, 0.7, true)
	test.That(t, len(ps.zeroVelPoints), test.ShouldEqual, 2)
	test.That(t, ps.zeroVelPoints[0], test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, ps.zeroVelPoints[1], test.ShouldAlmostEqual, 3.3, 1e-12)
	test.That(t, ps.zeroVelNeighbors[1][0], test.ShouldAlmostEqual, 2.8, 1e-12)
	test.That(t, ps.zeroVelNeighbors[1][1], test.ShouldAlmostEqual, 3.8, 1e-12)
}

func TestPlanPathInterrupted(t *testing.T) {
	logger := golog.NewTestLogger(t)
	opts := freeOptions(1, 1, 1)
	opts.Progress = func(iteration int) bool { return false }
	ps, err := New(opts, logger, nil)
	test.That(t, err, test.ShouldBeNil)

	traj := linearTrajectory([][]float64{{0}, {1}})
	_, status, err := ps.PlanPath(context.Background(), traj)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldEqual, StatusInterrupted)
}

func TestPlanPathRejectsBadInput(t *testing.T) {
	logger := golog.NewTestLogger(t)
	opts := freeOptions(1, 1, 1)
	ps, err := New(opts, logger, nil)
	test.That(t, err, test.ShouldBeNil)

	_, status, err := ps.PlanPath(context.Background(), linearTrajectory([][]float64{{0}}))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, status, test.ShouldEqual, StatusFailed)
}

func TestPlanPathQuadraticInput(t *testing.T) {
	logger := golog.NewTestLogger(t)
	opts := freeOptions(1, 1, 1)
	ps, err := New(opts, logger, nil)
	test.That(t, err, test.ShouldBeNil)

	// An already-valid quadratic trajectory passes through unchanged when nothing improves it.
	traj := &trajectory.Trajectory{
		PositionInterpolation: trajectory.InterpolationQuadratic,
		VelocityInterpolation: trajectory.InterpolationLinear,
		HasDeltaTimes:         true,
		Waypoints: []trajectory.Waypoint{
			{Position: []float64{0}, Velocity: []float64{0}, DeltaTime: 0},
			{Position: []float64{0.5}, Velocity: []float64{1}, DeltaTime: 1},
			{Position: []float64{1}, Velocity: []float64{0}, DeltaTime: 1},
		},
	}
	out, status, err := ps.PlanPath(context.Background(), traj)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, status, test.ShouldEqual, StatusSucceeded)
	test.That(t, out.Duration(), test.ShouldAlmostEqual, 2, 1e-6)
}

// countingChecker wraps a checker and counts segment checks.
type countingChecker struct {
	inner        ConfigSegmentChecker
	configCalls  int
	segmentCalls int
}

func (c *countingChecker) ConfigFeasible(q, dq []float64, opts CheckOptions) CheckReturn {
	c.configCalls++
	return c.inner.ConfigFeasible(q, dq, opts)
}

func (c *countingChecker) SegmentFeasible(
	q0, q1, dq0, dq1 []float64,
	elapsed float64,
	opts CheckOptions,
	ret *ConstraintReturn,
) CheckReturn {
	c.segmentCalls++
	return c.inner.SegmentFeasible(q0, q1, dq0, dq1, elapsed, opts, ret)
}

// fakeManipChecker reports fixed violations for slowdown tests.
type fakeManipChecker struct {
	ret CheckReturn
}

func (f *fakeManipChecker) CheckManipConstraints(segments []*rampoptimizer.Segment, useNewHeuristic bool) CheckReturn {
	return f.ret
}

func (f *fakeManipChecker) GetMaxVelocitiesAccelerations(curVels, vellimits, accellimits []float64) {}
