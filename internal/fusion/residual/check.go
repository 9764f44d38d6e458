package residual

import (
	"fmt"
	"math"

	"github.com/banshee-data/sensorfusion/internal/fusion/state"
	"gonum.org/v1/gonum/mat"
)

// CheckJacobians compares the analytic Jacobians of u at the given states and
// noise against central finite differences taken with step eps through
// boxplus/boxminus. It returns an error naming the worst entry when any
// difference exceeds tol.
func CheckJacobians(u *Update, states []*state.State, noise *state.State, eps, tol float64) error {
	acc := make([]state.Accessor, len(states))
	for k, s := range states {
		acc[k] = s
	}
	for k := range states {
		analytic := u.NewJacState(k)
		u.JacState(analytic, k, acc, noise)
		numeric := numericJacobian(u, acc, noise, k, eps)
		if err := compare(fmt.Sprintf("state slot %d", k), analytic, numeric, tol); err != nil {
			return err
		}
	}
	analytic := u.NewJacNoise()
	u.JacNoise(analytic, acc, noise)
	numeric := numericJacobian(u, acc, noise, -1, eps)
	return compare("noise", analytic, numeric, tol)
}

// numericJacobian differentiates the innovation against state slot k, or
// against the noise when k is negative.
func numericJacobian(u *Update, states []state.Accessor, noise *state.State, k int, eps float64) *mat.Dense {
	target := state.Accessor(noise)
	if k >= 0 {
		target = states[k]
	}
	dim := target.Def().Dim()
	out := mat.NewDense(u.Innovation().Dim(), dim, nil)

	plus, minus := u.NewInnovation(), u.NewInnovation()
	perturbed := target.Def().NewState()
	args := make([]state.Accessor, len(states))
	copy(args, states)
	noiseArg := state.Accessor(noise)
	if k >= 0 {
		args[k] = perturbed
	} else {
		noiseArg = perturbed
	}

	delta := mat.NewVecDense(dim, nil)
	var diff mat.VecDense
	for i := 0; i < dim; i++ {
		delta.Zero()
		delta.SetVec(i, eps)
		state.Boxplus(target, delta, perturbed)
		u.EvalUpdate(plus, args, noiseArg)

		delta.SetVec(i, -eps)
		state.Boxplus(target, delta, perturbed)
		u.EvalUpdate(minus, args, noiseArg)

		diff.Reset()
		plus.Boxminus(minus, &diff)
		diff.ScaleVec(1/(2*eps), &diff)
		out.SetCol(i, diff.RawVector().Data)
	}
	return out
}

func compare(what string, analytic, numeric *mat.Dense, tol float64) error {
	r, c := analytic.Dims()
	worst, wi, wj := 0.0, 0, 0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if d := math.Abs(analytic.At(i, j) - numeric.At(i, j)); d > worst {
				worst, wi, wj = d, i, j
			}
		}
	}
	diagf("jacobian check %s: max deviation %.3g at (%d,%d)", what, worst, wi, wj)
	if worst > tol {
		return fmt.Errorf("jacobian %s deviates by %.3g at (%d,%d): analytic %.6g, numeric %.6g",
			what, worst, wi, wj, analytic.At(wi, wj), numeric.At(wi, wj))
	}
	return nil
}
