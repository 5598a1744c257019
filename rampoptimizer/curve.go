package rampoptimizer

import (
	"math"

	"github.com/pkg/errors"
)

// phase is one constant-acceleration span of a 1-DOF profile.
type phase struct {
	t float64 // span duration
	a float64 // constant acceleration over the span
}

// profile is a 1-DOF piecewise-parabolic velocity profile starting at (x0, v0).
type profile struct {
	x0     float64
	v0     float64
	phases []phase
}

func (p *profile) duration() float64 {
	var total float64
	for _, ph := range p.phases {
		total += ph.t
	}
	return total
}

// eval returns position and velocity at time t from the profile start. t is saturated to
// [0, duration].
func (p *profile) eval(t float64) (x, v float64) {
	x, v = p.x0, p.v0
	for _, ph := range p.phases {
		if t <= 0 {
			return x, v
		}
		dt := ph.t
		if t < dt {
			dt = t
		}
		x += dt * (v + 0.5*dt*ph.a)
		v += dt * ph.a
		t -= ph.t
	}
	return x, v
}

// switchTimes appends the profile's interior switch times (phase boundaries, excluding 0 and the
// total duration) to dst.
func (p *profile) switchTimes(dst []float64) []float64 {
	var t float64
	for i := 0; i+1 < len(p.phases); i++ {
		t += p.phases[i].t
		dst = append(dst, t)
	}
	return dst
}

// extremes returns the minimum and maximum positions attained over the profile, including interior
// parabola vertices where the velocity crosses zero.
func (p *profile) extremes() (lo, hi float64) {
	lo, hi = p.x0, p.x0
	x, v := p.x0, p.v0
	for _, ph := range p.phases {
		// Vertex inside this span.
		if ph.a != 0 {
			tv := -v / ph.a
			if tv > 0 && tv < ph.t {
				xv := x + tv*(v+0.5*tv*ph.a)
				lo = math.Min(lo, xv)
				hi = math.Max(hi, xv)
			}
		}
		x += ph.t * (v + 0.5*ph.t*ph.a)
		v += ph.t * ph.a
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

// minTimeProfile computes the time-optimal 1-DOF parabolic profile from (x0, v0) to (x1, v1)
// under |v| <= vm and |a| <= am. The solution is one of the classes P+P-, P-P+, P+L+P-, P-L-P+.
func minTimeProfile(x0, x1, v0, v1, vm, am float64) (*profile, error) {
	if vm <= 0 || am <= 0 {
		return nil, errors.Errorf("invalid limits vm=%f am=%f", vm, am)
	}
	if math.Abs(v0) > vm+RampEpsilon || math.Abs(v1) > vm+RampEpsilon {
		return nil, errors.Errorf("boundary velocity out of limit: v0=%f v1=%f vm=%f", v0, v1, vm)
	}
	d := x1 - x0

	if math.Abs(d) <= RampEpsilon && math.Abs(v1-v0) <= RampEpsilon {
		return &profile{x0: x0, v0: v0}, nil
	}

	best := (*profile)(nil)
	bestT := math.Inf(1)
	consider := func(p *profile) {
		if p == nil {
			return
		}
		if t := p.duration(); t < bestT {
			best, bestT = p, t
		}
	}
	consider(tryPeakProfile(x0, v0, v1, d, vm, am, 1))
	consider(tryPeakProfile(x0, v0, v1, d, vm, am, -1))
	if best == nil {
		return nil, errors.Errorf("no feasible min-time profile: d=%f v0=%f v1=%f vm=%f am=%f", d, v0, v1, vm, am)
	}
	return best, nil
}

// tryPeakProfile attempts the two-ramp (or ramp-cruise-ramp) solution whose peak velocity has the
// given sign. Returns nil when the class is infeasible.
func tryPeakProfile(x0, v0, v1, d, vm, am float64, sign float64) *profile {
	// Peak velocity for the two-ramp solution: vp^2 = sign*am*d + (v0^2 + v1^2)/2.
	vpSq := sign*am*d + 0.5*(v0*v0+v1*v1)
	if vpSq < 0 {
		return nil
	}
	vp := sign * math.Sqrt(vpSq)

	if (vp-v0)*sign < -RampEpsilon || (vp-v1)*sign < -RampEpsilon {
		// The peak must be reached by accelerating from v0 and decelerating to v1 (or the mirror
		// image); otherwise this class cannot realize the displacement.
		return nil
	}

	if math.Abs(vp) <= vm+RampEpsilon {
		t1 := sign * (vp - v0) / am
		t2 := sign * (vp - v1) / am
		p := &profile{x0: x0, v0: v0}
		if t1 > RampEpsilon {
			p.phases = append(p.phases, phase{t: t1, a: sign * am})
		}
		if t2 > RampEpsilon {
			p.phases = append(p.phases, phase{t: t2, a: -sign * am})
		}
		if len(p.phases) == 0 {
			return nil
		}
		return p
	}

	// Saturate at the velocity limit and insert a cruise phase.
	vc := sign * vm
	t1 := sign * (vc - v0) / am
	t3 := sign * (vc - v1) / am
	d1 := (vc*vc - v0*v0) / (2 * sign * am)
	d3 := (vc*vc - v1*v1) / (2 * sign * am)
	t2 := (d - d1 - d3) / vc
	if t2 < -RampEpsilon {
		return nil
	}
	p := &profile{x0: x0, v0: v0}
	if t1 > RampEpsilon {
		p.phases = append(p.phases, phase{t: t1, a: sign * am})
	}
	if t2 > RampEpsilon {
		p.phases = append(p.phases, phase{t: t2, a: 0})
	}
	if t3 > RampEpsilon {
		p.phases = append(p.phases, phase{t: t3, a: -sign * am})
	}
	if len(p.phases) == 0 {
		return nil
	}
	return p
}

// fixedTimeProfile computes a 1-DOF parabolic profile from (x0, v0) to (x1, v1) whose duration is
// exactly dur, using the smallest acceleration magnitude among the feasible classes. Fails when no
// class fits within |a| <= am and |v| <= vm.
func fixedTimeProfile(x0, x1, v0, v1, dur, vm, am float64) (*profile, error) {
	if vm <= 0 || am <= 0 {
		return nil, errors.Errorf("invalid limits vm=%f am=%f", vm, am)
	}
	d := x1 - x0
	dv := v1 - v0

	if dur <= RampEpsilon {
		if math.Abs(d) <= RampEpsilon && math.Abs(dv) <= RampEpsilon {
			return &profile{x0: x0, v0: v0}, nil
		}
		return nil, errors.Errorf("duration %f too short for displacement %f", dur, d)
	}

	// Constant-velocity special case.
	if math.Abs(dv) <= RampEpsilon && math.Abs(d-v0*dur) <= RampEpsilon {
		return &profile{x0: x0, v0: v0, phases: []phase{{t: dur, a: 0}}}, nil
	}

	best := (*profile)(nil)
	bestA := math.Inf(1)
	consider := func(p *profile, aMag float64) {
		if p == nil {
			return
		}
		if aMag < bestA {
			best, bestA = p, aMag
		}
	}

	// Two-ramp classes. For P+P- the acceleration satisfies
	//   a^2*T^2 + a*(2*T*(v0+v1) - 4*d) - dv^2 = 0,
	// and for P-P+ the middle coefficient flips sign.
	for _, sign := range []float64{1, -1} {
		b := sign * (2*dur*(v0+v1) - 4*d)
		disc := b*b + 4*dur*dur*dv*dv
		a := (-b + math.Sqrt(disc)) / (2 * dur * dur)
		if a < 0 || math.IsNaN(a) {
			continue
		}
		if a <= RampEpsilon {
			// Zero acceleration only works in the constant-velocity case handled above.
			continue
		}
		t1 := (a*dur + sign*dv) / (2 * a)
		if t1 < -RampEpsilon || t1 > dur+RampEpsilon {
			continue
		}
		t1 = math.Max(0, math.Min(dur, t1))
		vp := v0 + sign*a*t1
		if math.Abs(vp) > vm+RampEpsilon {
			continue
		}
		p := &profile{x0: x0, v0: v0}
		if t1 > RampEpsilon {
			p.phases = append(p.phases, phase{t: t1, a: sign * a})
		}
		if dur-t1 > RampEpsilon {
			p.phases = append(p.phases, phase{t: dur - t1, a: -sign * a})
		}
		consider(p, a)
	}

	// Saturated classes with a cruise phase at +vm or -vm. The acceleration magnitude satisfies
	//   a = ((vc-v0)^2 + (vc-v1)^2) / (2*sign*(vc*T - d)),  vc = sign*vm.
	for _, sign := range []float64{1, -1} {
		vc := sign * vm
		den := 2 * sign * (vc*dur - d)
		if den <= RampEpsilon {
			continue
		}
		a := ((vc-v0)*(vc-v0) + (vc-v1)*(vc-v1)) / den
		if a <= RampEpsilon || math.IsNaN(a) {
			continue
		}
		t1 := (vc - v0) / (sign * a)
		t3 := (vc - v1) / (sign * a)
		if t1 < -RampEpsilon || t3 < -RampEpsilon {
			continue
		}
		t1 = math.Max(0, t1)
		t3 = math.Max(0, t3)
		t2 := dur - t1 - t3
		if t2 < -RampEpsilon {
			continue
		}
		t2 = math.Max(0, t2)
		p := &profile{x0: x0, v0: v0}
		if t1 > RampEpsilon {
			p.phases = append(p.phases, phase{t: t1, a: sign * a})
		}
		if t2 > RampEpsilon {
			p.phases = append(p.phases, phase{t: t2, a: 0})
		}
		if t3 > RampEpsilon {
			p.phases = append(p.phases, phase{t: t3, a: -sign * a})
		}
		if len(p.phases) == 0 {
			continue
		}
		consider(p, a)
	}

	if best == nil {
		return nil, errors.Errorf("no fixed-duration profile: d=%f dv=%f dur=%f", d, dv, dur)
	}
	if bestA > am+math.Max(RampEpsilon, 1e-8*am) {
		return nil, errors.Errorf("fixed-duration profile needs accel %f > limit %f", bestA, am)
	}
	return best, nil
}
