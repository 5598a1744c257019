package utils

import (
	"math/rand"
	"testing"

	"go.viam.com/test"
)

func TestFloat64AlmostEqual(t *testing.T) {
	test.That(t, Float64AlmostEqual(1.0, 1.0+1e-9, 1e-8), test.ShouldBeTrue)
	test.That(t, Float64AlmostEqual(1.0, 1.1, 1e-8), test.ShouldBeFalse)
}

func TestClamp(t *testing.T) {
	test.That(t, Clamp(5, 0, 1), test.ShouldEqual, 1)
	test.That(t, Clamp(-5, 0, 1), test.ShouldEqual, 0)
	test.That(t, Clamp(0.5, 0, 1), test.ShouldEqual, 0.5)
}

func TestAbsMax(t *testing.T) {
	test.That(t, AbsMax(-3, 2), test.ShouldEqual, 3)
	test.That(t, AbsMax(0.5, -0.25), test.ShouldEqual, 0.5)
}

func TestSampleRandomIntRange(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		n := SampleRandomIntRange(3, 7, r)
		test.That(t, n, test.ShouldBeGreaterThanOrEqualTo, 3)
		test.That(t, n, test.ShouldBeLessThanOrEqualTo, 7)
	}
}
