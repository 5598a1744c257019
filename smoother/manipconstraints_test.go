package smoother

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/trajopt/rampoptimizer"
)

// planarJacobian treats each joint as moving the tool along one axis.
func planarJacobian(q []float64) []r3.Vector {
	return []r3.Vector{{X: 1}, {Y: 1}}
}

func TestManipCheckerWithinLimits(t *testing.T) {
	mc := NewJacobianManipChecker(planarJacobian, 10, 10)
	seg, err := rampoptimizer.NewSegment(
		[]float64{0, 0}, []float64{0.5, 0.5}, []float64{0.5, 0.5}, []float64{0.5, 0.5}, 1)
	test.That(t, err, test.ShouldBeNil)

	ret := mc.CheckManipConstraints([]*rampoptimizer.Segment{seg}, false)
	test.That(t, ret.Code, test.ShouldEqual, CodeOK)
	// Tool speed is |(0.5, 0.5)|.
	test.That(t, ret.MaxManipSpeed, test.ShouldAlmostEqual, 0.7071067811865476, 1e-9)
}

func TestManipCheckerSpeedViolation(t *testing.T) {
	mc := NewJacobianManipChecker(planarJacobian, 1, 0)
	seg, err := rampoptimizer.NewSegment(
		[]float64{0, 0}, []float64{3, 4}, []float64{3, 4}, []float64{3, 4}, 1)
	test.That(t, err, test.ShouldBeNil)

	ret := mc.CheckManipConstraints([]*rampoptimizer.Segment{seg}, false)
	test.That(t, ret.Code, test.ShouldEqual, CodeTimeBasedConstraints)
	test.That(t, ret.MaxManipSpeed, test.ShouldAlmostEqual, 5, 1e-9)
	test.That(t, ret.TimeBasedSurpassMult, test.ShouldBeGreaterThan, 0)
	test.That(t, ret.TimeBasedSurpassMult, test.ShouldBeLessThan, 1)
	test.That(t, len(ret.ReductionFactors), test.ShouldEqual, 0)
}

func TestManipCheckerNewHeuristicFactors(t *testing.T) {
	mc := NewJacobianManipChecker(planarJacobian, 1, 0)
	seg, err := rampoptimizer.NewSegment(
		[]float64{0, 0}, []float64{3, 0.1}, []float64{3, 0.1}, []float64{3, 0.1}, 1)
	test.That(t, err, test.ShouldBeNil)

	ret := mc.CheckManipConstraints([]*rampoptimizer.Segment{seg}, true)
	test.That(t, ret.Code, test.ShouldEqual, CodeTimeBasedConstraints)
	test.That(t, len(ret.ReductionFactors), test.ShouldEqual, 2)
	for _, f := range ret.ReductionFactors {
		test.That(t, f, test.ShouldBeGreaterThan, 0)
		test.That(t, f, test.ShouldBeLessThan, 1)
	}
	// The dominant DOF gets reduced at least as much as the minor one.
	test.That(t, ret.ReductionFactors[0], test.ShouldBeLessThanOrEqualTo, ret.ReductionFactors[1])
}

func TestGetMaxVelocitiesAccelerations(t *testing.T) {
	mc := NewJacobianManipChecker(planarJacobian, 2, 4)
	vellimits := []float64{10, 10}
	accellimits := []float64{10, 10}
	mc.GetMaxVelocitiesAccelerations([]float64{0, 0}, vellimits, accellimits)
	// Unit Jacobian columns: the estimates equal the workspace limits.
	test.That(t, vellimits[0], test.ShouldAlmostEqual, 2, 1e-9)
	test.That(t, accellimits[1], test.ShouldAlmostEqual, 4, 1e-9)
}
