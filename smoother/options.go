package smoother

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Default values for planning options.
const (
	// default number of shortcut iterations when none is given.
	defaultMaxIterations = 100

	// fraction of the step length below which two sampled time instants are too close to shortcut.
	minTimeStepFactor = 0.99

	// suggested limit shrink after a generic time-based failure.
	defaultTimeBasedSurpassMult = 0.98

	// probability of sampling a shortcut window around a remaining zero-velocity waypoint.
	specialShortcutWeight = 0.1

	// half-width cap of the window sampled around a zero-velocity waypoint, in seconds.
	specialShortcutCutoffTime = 0.75

	// shortcut progress below this fraction of the best score so far stops the loop.
	cutoffRatio = 1e-3

	// limit-scaling attempts within one shortcut before giving up on the sample.
	maxSlowDownTries = 100

	// floors for the per-attempt velocity and acceleration multipliers.
	minVelMult   = 0.01
	minAccelMult = 0.0001

	// after a successful shortcut or merge, the next attempt starts from that attempt's final
	// limit multipliers divided by this value, capped at 1.
	defaultSearchVelAccelMult = 0.8

	// waypoints closer than this (squared distance) to their constraint-projected midpoint need no
	// densification.
	midpointDistThresh = 1e-5

	// densification budget: each expansion adds 2 to a counter and each pair accepted without one
	// takes 1 off; the pair is declared bad once the counter exceeds this value, so at most five
	// expansions in a row are allowed.
	maxConsecutiveExpansions = 10

	// limit-reduction attempts while time-parameterizing one waypoint pair.
	maxMilestoneTries = 1000

	// collinearity threshold on |dot^2 - |a|^2*|b|^2| for dropping interior waypoints.
	collinearThresh = 1e-14

	// emitted trajectory duration may differ from the internal path duration by at most this.
	durationDiscrepancyThresh = 0.01

	// visited-pair bitmaps larger than this per side are not allocated.
	maxVisitedDiscretization = 0x8000
)

// Options configures a ParabolicSmoother. Limit slices must all be DOF-sized.
type Options struct {
	XLower             []float64
	XUpper             []float64
	VelocityLimits     []float64
	AccelerationLimits []float64

	StepLength     float64
	PointTolerance float64
	MaxIterations  int
	RandomSeed     int64

	// VerifyInitialPath forces collision checking of the initial time-parameterization even when
	// the input declares itself already validated.
	VerifyInitialPath bool

	// ManipName enables workspace manipulator constraints when non-empty and one of the two limits
	// is positive.
	ManipName     string
	MaxManipSpeed float64
	MaxManipAccel float64

	// CosManipAngleThresh above -1 signals that the checker may replace straight probes with
	// curved projected paths (checker-side modification).
	CosManipAngleThresh float64

	// SearchVelAccelMult controls how much of a successful attempt's limit scaling carries over to
	// the next attempt's starting limits.
	SearchVelAccelMult float64

	// UseNewHeuristic selects the per-DOF reduction-factor slowdown path for manip constraints.
	UseNewHeuristic bool

	Checker      ConfigSegmentChecker
	ManipChecker ManipConstraintChecker
	State        StateSetter
	NeighState   NeighStateFunc
	Progress     ProgressFunc
}

// NewBasicOptions returns options with every scalar at its default; the caller fills in limits
// and collaborators.
func NewBasicOptions() *Options {
	return &Options{
		MaxIterations:       defaultMaxIterations,
		StepLength:          0.001,
		PointTolerance:      0.01,
		CosManipAngleThresh: -1,
		SearchVelAccelMult:  defaultSearchVelAccelMult,
		UseNewHeuristic:     true,
	}
}

// DOF returns the configured number of degrees of freedom.
func (o *Options) DOF() int {
	return len(o.VelocityLimits)
}

// manipActive reports whether manipulator constraints participate in checking.
func (o *Options) manipActive() bool {
	return o.ManipName != "" && (o.MaxManipSpeed > 0 || o.MaxManipAccel > 0)
}

// Validate checks the options for consistency and fills in defaults for unset scalars.
func (o *Options) Validate() error {
	var err error
	dof := o.DOF()
	if dof == 0 {
		err = multierr.Append(err, errors.New("velocity limits must be non-empty"))
	}
	if len(o.AccelerationLimits) != dof {
		err = multierr.Append(err, errors.Errorf("acceleration limits have %d DOFs, want %d", len(o.AccelerationLimits), dof))
	}
	if len(o.XLower) != dof || len(o.XUpper) != dof {
		err = multierr.Append(err, errors.Errorf("position limits have %d/%d DOFs, want %d", len(o.XLower), len(o.XUpper), dof))
	}
	for i := 0; i < dof && len(o.AccelerationLimits) == dof; i++ {
		if o.VelocityLimits[i] <= 0 {
			err = multierr.Append(err, errors.Errorf("velocity limit %d must be positive", i))
		}
		if o.AccelerationLimits[i] <= 0 {
			err = multierr.Append(err, errors.Errorf("acceleration limit %d must be positive", i))
		}
	}
	if o.StepLength <= 0 {
		err = multierr.Append(err, errors.New("step length must be positive"))
	}
	if o.PointTolerance <= 0 {
		err = multierr.Append(err, errors.New("point tolerance must be positive"))
	}
	if o.Checker == nil {
		err = multierr.Append(err, errors.New("a ConfigSegmentChecker is required"))
	}
	if o.manipActive() && o.ManipChecker == nil {
		err = multierr.Append(err, errors.New("manip limits set but no ManipConstraintChecker given"))
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = defaultMaxIterations
	}
	if o.SearchVelAccelMult <= 0 || o.SearchVelAccelMult > 1 {
		o.SearchVelAccelMult = defaultSearchVelAccelMult
	}
	return err
}
