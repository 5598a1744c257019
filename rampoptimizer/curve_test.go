package rampoptimizer

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestMinTimeProfileTriangle(t *testing.T) {
	// d = vm^2/am exactly: pure bang-bang, no cruise.
	p, err := minTimeProfile(0, 1, 0, 0, 1, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.duration(), test.ShouldAlmostEqual, 2, 1e-9)
	test.That(t, len(p.phases), test.ShouldEqual, 2)

	x, v := p.eval(p.duration())
	test.That(t, x, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, v, test.ShouldAlmostEqual, 0, 1e-9)

	// Peak velocity is hit exactly at the switch.
	_, vPeak := p.eval(1)
	test.That(t, vPeak, test.ShouldAlmostEqual, 1, 1e-9)
}

func TestMinTimeProfileTrapezoid(t *testing.T) {
	// Long displacement saturates the velocity limit and inserts a cruise.
	p, err := minTimeProfile(0, 10, 0, 0, 1, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(p.phases), test.ShouldEqual, 3)
	// t = d/vm + vm/am for a saturated profile.
	test.That(t, p.duration(), test.ShouldAlmostEqual, 11, 1e-9)

	x, v := p.eval(p.duration())
	test.That(t, x, test.ShouldAlmostEqual, 10, 1e-9)
	test.That(t, v, test.ShouldAlmostEqual, 0, 1e-9)
}

func TestMinTimeProfileNegativeDirection(t *testing.T) {
	p, err := minTimeProfile(2, 0, 0, 0, 1, 2)
	test.That(t, err, test.ShouldBeNil)
	x, v := p.eval(p.duration())
	test.That(t, x, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, v, test.ShouldAlmostEqual, 0, 1e-9)
	lo, hi := p.extremes()
	test.That(t, lo, test.ShouldBeGreaterThanOrEqualTo, -1e-9)
	test.That(t, hi, test.ShouldBeLessThanOrEqualTo, 2+1e-9)
}

func TestMinTimeProfileBoundaryVelocities(t *testing.T) {
	p, err := minTimeProfile(0, 1, 0.5, -0.25, 2, 1)
	test.That(t, err, test.ShouldBeNil)

	x, v := p.eval(p.duration())
	test.That(t, x, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, v, test.ShouldAlmostEqual, -0.25, 1e-9)

	x0, v0 := p.eval(0)
	test.That(t, x0, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, v0, test.ShouldAlmostEqual, 0.5, 1e-9)
}

func TestMinTimeProfileZeroDisplacement(t *testing.T) {
	p, err := minTimeProfile(1, 1, 0, 0, 1, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.duration(), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestFixedTimeProfileMatchesMinTime(t *testing.T) {
	// Re-solving at the minimum time must reproduce a feasible profile of that exact duration.
	minP, err := minTimeProfile(0, 1, 0, 0, 1, 1)
	test.That(t, err, test.ShouldBeNil)

	p, err := fixedTimeProfile(0, 1, 0, 0, minP.duration(), 1, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.duration(), test.ShouldAlmostEqual, minP.duration(), 1e-9)
	x, v := p.eval(p.duration())
	test.That(t, x, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, v, test.ShouldAlmostEqual, 0, 1e-9)
}

func TestFixedTimeProfileStretched(t *testing.T) {
	// A longer duration must use a smaller acceleration.
	p, err := fixedTimeProfile(0, 1, 0, 0, 4, 1, 1)
	test.That(t, err, test.ShouldBeNil)
	x, v := p.eval(4)
	test.That(t, x, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, v, test.ShouldAlmostEqual, 0, 1e-9)
	for _, ph := range p.phases {
		test.That(t, math.Abs(ph.a), test.ShouldBeLessThan, 1+1e-9)
	}
}

func TestFixedTimeProfileConstantVelocity(t *testing.T) {
	p, err := fixedTimeProfile(0, 2, 1, 1, 2, 1, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(p.phases), test.ShouldEqual, 1)
	test.That(t, p.phases[0].a, test.ShouldAlmostEqual, 0, 1e-12)
}

func TestFixedTimeProfileTooShort(t *testing.T) {
	// Half the minimum time is impossible within the acceleration limit.
	_, err := fixedTimeProfile(0, 1, 0, 0, 1, 1, 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFixedTimeProfileBoundaryVelocities(t *testing.T) {
	p, err := fixedTimeProfile(0, 0.5, 0.4, -0.2, 3, 1, 1)
	test.That(t, err, test.ShouldBeNil)
	x0, v0 := p.eval(0)
	test.That(t, x0, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, v0, test.ShouldAlmostEqual, 0.4, 1e-9)
	x1, v1 := p.eval(3)
	test.That(t, x1, test.ShouldAlmostEqual, 0.5, 1e-9)
	test.That(t, v1, test.ShouldAlmostEqual, -0.2, 1e-9)
}
