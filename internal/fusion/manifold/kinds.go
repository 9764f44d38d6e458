package manifold

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// unitTolerance bounds |1 - |q|| for coordinates accepted as a rotation.
const unitTolerance = 1e-6

// Predefined kinds. VecN and ArrayOf build the sized ones.
var (
	Scalar   = KindOf[float64](scalarManifold{})
	Vec2     = KindOf[r2.Vec](vec2Manifold{})
	Vec3     = KindOf[r3.Vec](vec3Manifold{})
	Rotation = KindOf[quat.Number](rotationManifold{})
)

// VecN returns the kind of n-dimensional Euclidean vectors stored as
// []float64, named "vector<n>".
func VecN(n int) *Kind {
	if n < 1 {
		panic(fmt.Sprintf("manifold: vector dimension must be positive, got %d", n))
	}
	return KindOf[[]float64](vecNManifold{n: n})
}

func wantCoords(c []float64, n int) error {
	if len(c) != n {
		return fmt.Errorf("%w: got %d values, want %d", ErrCoords, len(c), n)
	}
	return nil
}

type scalarManifold struct{}

func (scalarManifold) Name() string                  { return "scalar" }
func (scalarManifold) Dim() int                      { return 1 }
func (scalarManifold) Identity() float64             { return 0 }
func (scalarManifold) Clone(v float64) float64       { return v }
func (scalarManifold) Random(rng *rand.Rand) float64 { return rng.NormFloat64() }
func (scalarManifold) Coords(v float64) []float64    { return []float64{v} }

func (scalarManifold) Boxplus(v float64, d []float64) float64 { return v + d[0] }

func (scalarManifold) Boxminus(v, ref float64, out []float64) { out[0] = v - ref }

func (scalarManifold) FromCoords(c []float64) (float64, error) {
	if err := wantCoords(c, 1); err != nil {
		return 0, err
	}
	return c[0], nil
}

type vec2Manifold struct{}

func (vec2Manifold) Name() string          { return "vec2" }
func (vec2Manifold) Dim() int              { return 2 }
func (vec2Manifold) Identity() r2.Vec      { return r2.Vec{} }
func (vec2Manifold) Clone(v r2.Vec) r2.Vec { return v }

func (vec2Manifold) Boxplus(v r2.Vec, d []float64) r2.Vec {
	return r2.Add(v, r2.Vec{X: d[0], Y: d[1]})
}

func (vec2Manifold) Boxminus(v, ref r2.Vec, out []float64) {
	diff := r2.Sub(v, ref)
	out[0], out[1] = diff.X, diff.Y
}

func (vec2Manifold) Random(rng *rand.Rand) r2.Vec {
	return r2.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64()}
}

func (vec2Manifold) Coords(v r2.Vec) []float64 { return []float64{v.X, v.Y} }

func (vec2Manifold) FromCoords(c []float64) (r2.Vec, error) {
	if err := wantCoords(c, 2); err != nil {
		return r2.Vec{}, err
	}
	return r2.Vec{X: c[0], Y: c[1]}, nil
}

type vec3Manifold struct{}

func (vec3Manifold) Name() string          { return "vec3" }
func (vec3Manifold) Dim() int              { return 3 }
func (vec3Manifold) Identity() r3.Vec      { return r3.Vec{} }
func (vec3Manifold) Clone(v r3.Vec) r3.Vec { return v }

func (vec3Manifold) Boxplus(v r3.Vec, d []float64) r3.Vec {
	return r3.Add(v, r3.Vec{X: d[0], Y: d[1], Z: d[2]})
}

func (vec3Manifold) Boxminus(v, ref r3.Vec, out []float64) {
	diff := r3.Sub(v, ref)
	out[0], out[1], out[2] = diff.X, diff.Y, diff.Z
}

func (vec3Manifold) Random(rng *rand.Rand) r3.Vec {
	return r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
}

func (vec3Manifold) Coords(v r3.Vec) []float64 { return []float64{v.X, v.Y, v.Z} }

func (vec3Manifold) FromCoords(c []float64) (r3.Vec, error) {
	if err := wantCoords(c, 3); err != nil {
		return r3.Vec{}, err
	}
	return r3.Vec{X: c[0], Y: c[1], Z: c[2]}, nil
}

type vecNManifold struct {
	n int
}

func (m vecNManifold) Name() string                 { return fmt.Sprintf("vector%d", m.n) }
func (m vecNManifold) Dim() int                     { return m.n }
func (m vecNManifold) Identity() []float64          { return make([]float64, m.n) }
func (m vecNManifold) Coords(v []float64) []float64 { return m.Clone(v) }

func (m vecNManifold) Clone(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

func (m vecNManifold) Boxplus(v []float64, d []float64) []float64 {
	out := make([]float64, m.n)
	for i := range out {
		out[i] = v[i] + d[i]
	}
	return out
}

func (m vecNManifold) Boxminus(v, ref []float64, out []float64) {
	for i := 0; i < m.n; i++ {
		out[i] = v[i] - ref[i]
	}
}

func (m vecNManifold) Random(rng *rand.Rand) []float64 {
	out := make([]float64, m.n)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}

func (m vecNManifold) FromCoords(c []float64) ([]float64, error) {
	if err := wantCoords(c, m.n); err != nil {
		return nil, err
	}
	return m.Clone(c), nil
}

// rotationManifold holds unit quaternions. Perturbations act on the left:
// q ⊞ d = exp(d) ⊗ q, with d a rotation vector.
type rotationManifold struct{}

func (rotationManifold) Name() string                    { return "rotation" }
func (rotationManifold) Dim() int                        { return 3 }
func (rotationManifold) Identity() quat.Number           { return quat.Number{Real: 1} }
func (rotationManifold) Clone(q quat.Number) quat.Number { return q }

func (rotationManifold) Boxplus(q quat.Number, d []float64) quat.Number {
	return normalize(quat.Mul(RotationExp(r3.Vec{X: d[0], Y: d[1], Z: d[2]}), q))
}

func (rotationManifold) Boxminus(q, ref quat.Number, out []float64) {
	v := RotationLog(quat.Mul(q, quat.Conj(ref)))
	out[0], out[1], out[2] = v.X, v.Y, v.Z
}

func (rotationManifold) Random(rng *rand.Rand) quat.Number {
	q := quat.Number{
		Real: rng.NormFloat64(),
		Imag: rng.NormFloat64(),
		Jmag: rng.NormFloat64(),
		Kmag: rng.NormFloat64(),
	}
	if quat.Abs(q) == 0 {
		return quat.Number{Real: 1}
	}
	return normalize(q)
}

func (rotationManifold) Coords(q quat.Number) []float64 {
	return []float64{q.Real, q.Imag, q.Jmag, q.Kmag}
}

func (rotationManifold) FromCoords(c []float64) (quat.Number, error) {
	if err := wantCoords(c, 4); err != nil {
		return quat.Number{}, err
	}
	q := quat.Number{Real: c[0], Imag: c[1], Jmag: c[2], Kmag: c[3]}
	if n := quat.Abs(q); math.Abs(n-1) > unitTolerance {
		return quat.Number{}, fmt.Errorf("%w: quaternion norm %g is not 1", ErrCoords, n)
	}
	return normalize(q), nil
}

func normalize(q quat.Number) quat.Number {
	return quat.Scale(1/quat.Abs(q), q)
}

// RotationExp maps a rotation vector to the unit quaternion rotating by |v|
// radians about v.
func RotationExp(v r3.Vec) quat.Number {
	return quat.Exp(quat.Number{Imag: v.X / 2, Jmag: v.Y / 2, Kmag: v.Z / 2})
}

// RotationLog is the inverse of RotationExp, returning the rotation vector of
// the shortest rotation represented by q.
func RotationLog(q quat.Number) r3.Vec {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vec{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := r3.Norm(v)
	if n < 1e-12 {
		return r3.Scale(2, v)
	}
	return r3.Scale(2*math.Atan2(n, q.Real)/n, v)
}

// Rotate applies the rotation q to v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vec{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// arrayManifold is n independent copies of a base manifold.
type arrayManifold[T any] struct {
	base Manifold[T]
	n    int
}

func (m arrayManifold[T]) Name() string { return fmt.Sprintf("%s[%d]", m.base.Name(), m.n) }
func (m arrayManifold[T]) Dim() int     { return m.n * m.base.Dim() }

func (m arrayManifold[T]) Identity() []T {
	out := make([]T, m.n)
	for i := range out {
		out[i] = m.base.Identity()
	}
	return out
}

func (m arrayManifold[T]) Clone(v []T) []T {
	out := make([]T, len(v))
	for i := range v {
		out[i] = m.base.Clone(v[i])
	}
	return out
}

func (m arrayManifold[T]) Boxplus(v []T, d []float64) []T {
	dim := m.base.Dim()
	out := make([]T, m.n)
	for i := range out {
		out[i] = m.base.Boxplus(v[i], d[i*dim:(i+1)*dim])
	}
	return out
}

func (m arrayManifold[T]) Boxminus(v, ref []T, out []float64) {
	dim := m.base.Dim()
	for i := 0; i < m.n; i++ {
		m.base.Boxminus(v[i], ref[i], out[i*dim:(i+1)*dim])
	}
}

func (m arrayManifold[T]) Random(rng *rand.Rand) []T {
	out := make([]T, m.n)
	for i := range out {
		out[i] = m.base.Random(rng)
	}
	return out
}

func (m arrayManifold[T]) Coords(v []T) []float64 {
	var out []float64
	for i := range v {
		out = append(out, m.base.Coords(v[i])...)
	}
	return out
}

func (m arrayManifold[T]) FromCoords(c []float64) ([]T, error) {
	per := len(m.base.Coords(m.base.Identity()))
	if err := wantCoords(c, per*m.n); err != nil {
		return nil, err
	}
	out := make([]T, m.n)
	for i := range out {
		v, err := m.base.FromCoords(c[i*per : (i+1)*per])
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
