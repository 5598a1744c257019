package smoother

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/trajopt/rampoptimizer"
)

// JacobianFunc returns the linear tool Jacobian at configuration q: one r3 column per DOF, so the
// tool-point velocity is sum_j dq[j]*J[j].
type JacobianFunc func(q []float64) []r3.Vector

// jacobianManipChecker checks workspace tool speed and acceleration limits by evaluating the tool
// Jacobian at segment boundaries. It implements ManipConstraintChecker.
type jacobianManipChecker struct {
	jacobian JacobianFunc
	maxSpeed float64
	maxAccel float64
}

// NewJacobianManipChecker builds a manip-constraint checker from a linear tool Jacobian. A zero
// limit disables the corresponding check.
func NewJacobianManipChecker(jacobian JacobianFunc, maxSpeed, maxAccel float64) ManipConstraintChecker {
	return &jacobianManipChecker{jacobian: jacobian, maxSpeed: maxSpeed, maxAccel: maxAccel}
}

func (mc *jacobianManipChecker) CheckManipConstraints(
	segments []*rampoptimizer.Segment,
	useNewHeuristic bool,
) CheckReturn {
	ret := NewCheckReturn(CodeOK)
	dof := segments[0].DOF()

	for _, seg := range segments {
		for _, boundary := range []struct {
			q, dq []float64
			a     []float64
		}{
			{seg.X0(), seg.V0(), seg.A()},
			{seg.X1(), seg.V1(), seg.A()},
		} {
			cols := mc.jacobian(boundary.q)
			var vel, acc r3.Vector
			for j := 0; j < dof; j++ {
				vel = vel.Add(cols[j].Mul(boundary.dq[j]))
				acc = acc.Add(cols[j].Mul(boundary.a[j]))
			}
			speed := vel.Norm()
			accel := acc.Norm()
			if speed > ret.MaxManipSpeed {
				ret.MaxManipSpeed = speed
			}
			if accel > ret.MaxManipAccel {
				ret.MaxManipAccel = accel
			}
		}
	}

	speedViolated := mc.maxSpeed > 0 && ret.MaxManipSpeed > mc.maxSpeed
	accelViolated := mc.maxAccel > 0 && ret.MaxManipAccel > mc.maxAccel
	if !speedViolated && !accelViolated {
		return ret
	}

	ret.Code = CodeTimeBasedConstraints
	mult := 1.0
	if speedViolated {
		mult = math.Min(mult, 0.8*math.Sqrt(mc.maxSpeed/ret.MaxManipSpeed))
	}
	if accelViolated {
		mult = math.Min(mult, 0.8*math.Sqrt(mc.maxAccel/ret.MaxManipAccel))
	}
	ret.TimeBasedSurpassMult = math.Max(1e-3, math.Min(mult, 1-rampoptimizer.RampEpsilon))

	if useNewHeuristic {
		// Per-DOF factors: a DOF contributing more of the workspace excess gets reduced more.
		factors := make([]float64, dof)
		worst := segments[0]
		for _, seg := range segments {
			if math.Abs(maxAbsVel(seg)) > math.Abs(maxAbsVel(worst)) {
				worst = seg
			}
		}
		cols := mc.jacobian(worst.X0())
		var total float64
		contrib := make([]float64, dof)
		for j := 0; j < dof; j++ {
			contrib[j] = cols[j].Mul(worst.V0()[j]).Norm()
			total += contrib[j]
		}
		for j := 0; j < dof; j++ {
			if total <= rampoptimizer.RampEpsilon {
				factors[j] = ret.TimeBasedSurpassMult
				continue
			}
			// Blend toward the scalar multiplier in proportion to this DOF's contribution.
			w := contrib[j] / total
			factors[j] = math.Min(1-rampoptimizer.RampEpsilon, 1-w*(1-ret.TimeBasedSurpassMult)*float64(dof))
			if factors[j] < ret.TimeBasedSurpassMult {
				factors[j] = ret.TimeBasedSurpassMult
			}
		}
		ret.ReductionFactors = factors
	}
	return ret
}

func (mc *jacobianManipChecker) GetMaxVelocitiesAccelerations(curVels, vellimits, accellimits []float64) {
	// Tighten each DOF's limits from its Jacobian column norm at the zero configuration: a DOF
	// moving the tool by |J[j]| per radian may use at most maxSpeed/|J[j]| of joint speed and
	// maxAccel/|J[j]| of joint acceleration if it acted alone. curVels only sets the DOF count; the
	// estimates do not depend on the current joint speeds.
	zero := make([]float64, len(curVels))
	cols := mc.jacobian(zero)
	for j := range vellimits {
		n := cols[j].Norm()
		if n <= rampoptimizer.RampEpsilon {
			continue
		}
		if mc.maxSpeed > 0 {
			if est := mc.maxSpeed / n; est < vellimits[j] {
				vellimits[j] = est
			}
		}
		if mc.maxAccel > 0 {
			if est := mc.maxAccel / n; est < accellimits[j] {
				accellimits[j] = est
			}
		}
	}
}

func maxAbsVel(seg *rampoptimizer.Segment) float64 {
	var m float64
	for _, v := range seg.V0() {
		m = math.Max(m, math.Abs(v))
	}
	for _, v := range seg.V1() {
		m = math.Max(m, math.Abs(v))
	}
	return m
}
