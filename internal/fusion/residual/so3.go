package residual

import (
	"math"

	"github.com/banshee-data/sensorfusion/internal/fusion/manifold"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// rotationMatrix returns the 3x3 matrix of the unit quaternion q.
func rotationMatrix(q quat.Number) *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for j, e := range []r3.Vec{{X: 1}, {Y: 1}, {Z: 1}} {
		c := manifold.Rotate(q, e)
		m.SetCol(j, []float64{c.X, c.Y, c.Z})
	}
	return m
}

func skew(v r3.Vec) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// leftJacobian of the rotation exponential: exp(v+d) ≈ exp(J(v) d) exp(v).
func leftJacobian(v r3.Vec) *mat.Dense {
	theta := r3.Norm(v)
	var a, b float64
	if theta < 1e-6 {
		a, b = 0.5, 1.0/6
	} else {
		t2 := theta * theta
		a = (1 - math.Cos(theta)) / t2
		b = (theta - math.Sin(theta)) / (t2 * theta)
	}
	s := skew(v)
	var s2 mat.Dense
	s2.Mul(s, s)

	j := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	s.Scale(a, s)
	s2.Scale(b, &s2)
	j.Add(j, s)
	j.Add(j, &s2)
	return j
}
