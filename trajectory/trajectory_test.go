package trajectory

import (
	"testing"

	"go.viam.com/test"
)

func quadraticRamp() *Trajectory {
	return &Trajectory{
		PositionInterpolation: InterpolationQuadratic,
		VelocityInterpolation: InterpolationLinear,
		HasDeltaTimes:         true,
		Waypoints: []Waypoint{
			{Position: []float64{0}, Velocity: []float64{0}, DeltaTime: 0, IsWaypoint: true},
			{Position: []float64{0.5}, Velocity: []float64{1}, DeltaTime: 1, IsWaypoint: true},
			{Position: []float64{1}, Velocity: []float64{0}, DeltaTime: 1, IsWaypoint: true},
		},
	}
}

func TestDuration(t *testing.T) {
	traj := quadraticRamp()
	test.That(t, traj.Duration(), test.ShouldAlmostEqual, 2, 1e-12)
	test.That(t, traj.DOF(), test.ShouldEqual, 1)
	test.That(t, traj.HasVelocities(), test.ShouldBeTrue)
}

func TestSampleQuadratic(t *testing.T) {
	traj := quadraticRamp()

	// Mid-ramp: x = 0.5*a*t^2 with a = 1.
	pos, vel, err := traj.Sample(0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos[0], test.ShouldAlmostEqual, 0.125, 1e-9)
	test.That(t, vel[0], test.ShouldAlmostEqual, 0.5, 1e-9)

	// Endpoints saturate.
	pos, vel, err = traj.Sample(-1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos[0], test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, vel[0], test.ShouldAlmostEqual, 0, 1e-12)

	pos, vel, err = traj.Sample(10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos[0], test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, vel[0], test.ShouldAlmostEqual, 0, 1e-12)
}

func TestValidate(t *testing.T) {
	traj := quadraticRamp()
	test.That(t, traj.Validate(), test.ShouldBeNil)

	bad := &Trajectory{Waypoints: []Waypoint{{Position: []float64{0, 1}}, {Position: []float64{0}}}}
	test.That(t, bad.Validate(), test.ShouldNotBeNil)

	empty := &Trajectory{}
	test.That(t, empty.Validate(), test.ShouldNotBeNil)
}

func TestFromJSON(t *testing.T) {
	data := []byte(`{
		"position_interpolation": "linear",
		"waypoints": [
			{"position": [0, 0]},
			{"position": [1, 0.5]}
		]
	}`)
	traj, err := FromJSON(data)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, traj.DOF(), test.ShouldEqual, 2)
	test.That(t, traj.PositionInterpolation, test.ShouldEqual, InterpolationLinear)
	test.That(t, traj.HasVelocities(), test.ShouldBeFalse)

	_, err = FromJSON([]byte(`{"waypoints": []}`))
	test.That(t, err, test.ShouldNotBeNil)
}
