// Package smoother implements a parabolic trajectory shortcutter for articulated robots: it
// time-parameterizes a geometric path into a piecewise-parabolic trajectory and then repeatedly
// replaces subintervals with shorter constraint-feasible parabolic bridges.
package smoother

import (
	"go.viam.com/trajopt/rampoptimizer"
)

// CheckOptions selects which constraint checks run in the feasibility pipeline.
type CheckOptions int

// Individual check bits.
const (
	CheckEnvCollisions CheckOptions = 1 << iota
	CheckSelfCollisions
	CheckTimeBasedConstraints
	CheckWithPerturbation
	FillCheckedConfiguration

	// CheckAll enables every check.
	CheckAll CheckOptions = 0xffff

	// constraintMask is the set of bits that must all be requested before a segment may be marked
	// as fully constraint-checked.
	constraintMask = CheckEnvCollisions | CheckSelfCollisions | CheckTimeBasedConstraints
)

// CheckCode classifies the outcome of a constraint check.
type CheckCode int

// Check outcomes.
const (
	CodeOK CheckCode = iota
	CodeConfigInfeasible
	CodeCollision
	CodeTimeBasedConstraints
	CodeStateSettingError
	CodeFinalValuesNotReached
	CodeCheckerError
)

func (c CheckCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeConfigInfeasible:
		return "config-infeasible"
	case CodeCollision:
		return "collision"
	case CodeTimeBasedConstraints:
		return "time-based"
	case CodeStateSettingError:
		return "state-setting"
	case CodeFinalValuesNotReached:
		return "final-values-not-reached"
	case CodeCheckerError:
		return "checker-error"
	default:
		return "unknown"
	}
}

// CheckReturn is the tagged result of a constraint check. TimeBasedSurpassMult suggests how much
// the velocity limits should shrink after a time-based failure (acceleration limits shrink by its
// square). ReductionFactors, when present, carries per-DOF factors for the manip-constraint
// heuristic. DifferentVelocity reports that checker-side modification changed the final velocity.
type CheckReturn struct {
	Code                 CheckCode
	TimeBasedSurpassMult float64
	MaxManipSpeed        float64
	MaxManipAccel        float64
	ReductionFactors     []float64
	DifferentVelocity    bool
}

// NewCheckReturn builds a CheckReturn with the default surpass multiplier.
func NewCheckReturn(code CheckCode) CheckReturn {
	return CheckReturn{Code: code, TimeBasedSurpassMult: 1.0}
}

// ConstraintReturn carries intermediate configurations reported by a checker that modifies the
// probed path (checker-side modification). Configurations is row-major with one DOF-sized row per
// entry of Times.
type ConstraintReturn struct {
	Configurations []float64
	Times          []float64
}

// Clear empties the return in place, keeping capacity.
func (cr *ConstraintReturn) Clear() {
	cr.Configurations = cr.Configurations[:0]
	cr.Times = cr.Times[:0]
}

// ConfigSegmentChecker is the external path/configuration constraint backend.
type ConfigSegmentChecker interface {
	// ConfigFeasible checks a single configuration and velocity.
	ConfigFeasible(q, dq []float64, opts CheckOptions) CheckReturn

	// SegmentFeasible checks the straight probe from (q0, dq0) to (q1, dq1) over the given elapsed
	// time. When FillCheckedConfiguration is requested and ret is non-nil, the checker may report
	// the (possibly projected) intermediate configurations it actually validated.
	SegmentFeasible(q0, q1, dq0, dq1 []float64, elapsed float64, opts CheckOptions, ret *ConstraintReturn) CheckReturn
}

// ManipConstraintChecker evaluates workspace manipulator speed/acceleration constraints over a
// candidate segment list.
type ManipConstraintChecker interface {
	CheckManipConstraints(segments []*rampoptimizer.Segment, useNewHeuristic bool) CheckReturn

	// GetMaxVelocitiesAccelerations tightens vellimits and accellimits in place to estimates that
	// satisfy the manip constraints given the current joint velocities.
	GetMaxVelocitiesAccelerations(curVels, vellimits, accellimits []float64)
}

// StateSetter synchronizes robot state with the configurations being probed. Checkers may depend
// on the ambient state set here.
type StateSetter interface {
	SetState(x []float64) error
	GetState(x []float64)

	// Save captures the current state and returns a restore function, used to leave the host
	// unchanged on every exit path of PlanPath.
	Save() (restore func())
}

// NeighStateFunc steers x by delta subject to hard constraints and returns the projected result.
// ok is false when the projection fails.
type NeighStateFunc func(x, delta []float64) (projected []float64, ok bool)

// ProgressFunc is invoked at iteration boundaries; returning false interrupts planning.
type ProgressFunc func(iteration int) bool

// ShortcutStatus tags the outcome of one shortcut iteration for progress accounting.
type ShortcutStatus int

// Per-iteration outcomes.
const (
	StatusSuccessful                             ShortcutStatus = 1
	StatusTimeInstantsTooClose                   ShortcutStatus = 2
	StatusRedundantShortcut                      ShortcutStatus = 3
	StatusInitialInterpolationFailed             ShortcutStatus = 4
	StatusInterpolatedSegmentTooLong             ShortcutStatus = 5
	StatusInterpolatedSegmentTooLongFromSlowDown ShortcutStatus = 6
	StatusCheckCollisionFailed                   ShortcutStatus = 7
	StatusCheckFailed                            ShortcutStatus = 8
	StatusMaxManipSpeedFailed                    ShortcutStatus = 9
	StatusMaxManipAccelFailed                    ShortcutStatus = 10
	StatusSlowDownFailed                         ShortcutStatus = 11
	StatusLastSegmentFailed                      ShortcutStatus = 12
	StatusStateSettingFailed                     ShortcutStatus = 13
)

// Status is the overall planning outcome.
type Status int

// Planning outcomes.
const (
	StatusFailed Status = iota
	StatusSucceeded
	StatusInterrupted
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "failed"
	}
}
