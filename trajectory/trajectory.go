// Package trajectory defines the host-facing trajectory format consumed and produced by the
// smoother: DOF-sized position waypoints with optional velocities and delta times, tagged with the
// interpolation the data was generated under.
package trajectory

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Interpolation names how consecutive waypoints are connected.
type Interpolation string

// Supported interpolations.
const (
	InterpolationUnspecified Interpolation = ""
	InterpolationLinear      Interpolation = "linear"
	InterpolationQuadratic   Interpolation = "quadratic"
	InterpolationCubic       Interpolation = "cubic"
)

// Waypoint is one trajectory sample. DeltaTime is the time from the previous waypoint (0 for the
// first). IsWaypoint marks parabolic joins on emitted trajectories.
type Waypoint struct {
	Position   []float64 `json:"position"`
	Velocity   []float64 `json:"velocity,omitempty"`
	DeltaTime  float64   `json:"deltatime"`
	IsWaypoint bool      `json:"iswaypoint,omitempty"`
}

// Trajectory is an ordered list of waypoints plus its group metadata. Emitted trajectories use
// quadratic position interpolation and linear velocity interpolation.
type Trajectory struct {
	PositionInterpolation Interpolation `json:"position_interpolation"`
	VelocityInterpolation Interpolation `json:"velocity_interpolation,omitempty"`
	HasDeltaTimes         bool          `json:"has_deltatimes,omitempty"`
	Waypoints             []Waypoint    `json:"waypoints"`
}

// DOF returns the number of degrees of freedom, or 0 for an empty trajectory.
func (t *Trajectory) DOF() int {
	if len(t.Waypoints) == 0 {
		return 0
	}
	return len(t.Waypoints[0].Position)
}

// Duration sums the waypoint delta times.
func (t *Trajectory) Duration() float64 {
	var total float64
	for _, wp := range t.Waypoints {
		total += wp.DeltaTime
	}
	return total
}

// HasVelocities reports whether every waypoint carries a velocity.
func (t *Trajectory) HasVelocities() bool {
	if len(t.Waypoints) == 0 {
		return false
	}
	for _, wp := range t.Waypoints {
		if len(wp.Velocity) != len(wp.Position) {
			return false
		}
	}
	return true
}

// Validate checks dimensional consistency.
func (t *Trajectory) Validate() error {
	if len(t.Waypoints) == 0 {
		return errors.New("trajectory has no waypoints")
	}
	dof := t.DOF()
	if dof == 0 {
		return errors.New("trajectory has zero DOFs")
	}
	for i, wp := range t.Waypoints {
		if len(wp.Position) != dof {
			return errors.Errorf("waypoint %d has %d DOFs, want %d", i, len(wp.Position), dof)
		}
		if len(wp.Velocity) != 0 && len(wp.Velocity) != dof {
			return errors.Errorf("waypoint %d velocity has %d DOFs, want %d", i, len(wp.Velocity), dof)
		}
		if wp.DeltaTime < 0 || math.IsNaN(wp.DeltaTime) || math.IsInf(wp.DeltaTime, 0) {
			return errors.Errorf("waypoint %d has invalid deltatime %f", i, wp.DeltaTime)
		}
	}
	return nil
}

// Sample evaluates position and velocity at the given time using quadratic position and linear
// velocity semantics between waypoints. Time is saturated to [0, Duration()].
func (t *Trajectory) Sample(at float64) (pos, vel []float64, err error) {
	if err := t.Validate(); err != nil {
		return nil, nil, err
	}
	if !t.HasVelocities() {
		return nil, nil, errors.New("cannot sample a trajectory without velocities")
	}
	dof := t.DOF()
	if at <= 0 {
		wp := t.Waypoints[0]
		return append([]float64{}, wp.Position...), append([]float64{}, wp.Velocity...), nil
	}
	var acc float64
	for k := 1; k < len(t.Waypoints); k++ {
		prev, next := t.Waypoints[k-1], t.Waypoints[k]
		dt := next.DeltaTime
		if at <= acc+dt || k == len(t.Waypoints)-1 && at <= acc+dt+1e-9 {
			if dt <= 0 {
				return append([]float64{}, next.Position...), append([]float64{}, next.Velocity...), nil
			}
			s := math.Min(at-acc, dt)
			pos = make([]float64, dof)
			vel = make([]float64, dof)
			for i := 0; i < dof; i++ {
				a := (next.Velocity[i] - prev.Velocity[i]) / dt
				pos[i] = prev.Position[i] + s*(prev.Velocity[i]+0.5*s*a)
				vel[i] = prev.Velocity[i] + s*a
			}
			return pos, vel, nil
		}
		acc += dt
	}
	wp := t.Waypoints[len(t.Waypoints)-1]
	return append([]float64{}, wp.Position...), append([]float64{}, wp.Velocity...), nil
}

// MarshalJSON renders the trajectory with stable indentation for dump artifacts.
func (t *Trajectory) MarshalJSON() ([]byte, error) {
	type alias Trajectory
	return json.MarshalIndent((*alias)(t), "", "  ")
}

// FromJSON parses a trajectory.
func FromJSON(data []byte) (*Trajectory, error) {
	var t Trajectory
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(err, "cannot parse trajectory")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
