// Package manifold defines the element kinds a fusion state is composed of.
//
// Every kind is a manifold with a local chart: Boxplus perturbs a value by a
// tangent vector and Boxminus recovers the tangent vector between two values.
// The set of kinds is closed. Schemas pick from Scalar, Vec2, Vec3, VecN,
// Rotation and fixed-size arrays of those.
package manifold

import (
	"errors"
	"fmt"
	"math/rand"
)

// ErrCoords is returned when coordinates cannot be converted into a value.
var ErrCoords = errors.New("invalid coordinates")

// Manifold is the algebra of one value type.
type Manifold[T any] interface {
	Name() string
	// Dim is the tangent space dimension.
	Dim() int
	Identity() T
	Clone(v T) T
	// Boxplus returns v perturbed by delta, len(delta) == Dim().
	Boxplus(v T, delta []float64) T
	// Boxminus writes the tangent vector taking ref to v into out.
	Boxminus(v, ref T, out []float64)
	Random(rng *rand.Rand) T
	// Coords returns the embedding coordinates of v (a rotation has four).
	Coords(v T) []float64
	FromCoords(c []float64) (T, error)
}

// Element holds one manifold-valued quantity. Elements are created through a
// Kind and only ever combined with elements of the same Kind.
type Element interface {
	Kind() *Kind
	Dim() int
	// Boxplus writes this value perturbed by delta into out.
	Boxplus(delta []float64, out Element)
	// Boxminus writes the tangent vector taking ref to this value into out.
	Boxminus(ref Element, out []float64)
	SetIdentity()
	SetRandom(rng *rand.Rand)
	CopyFrom(src Element)
	Coords() []float64
	SetCoords(c []float64) error
	String() string
}

// Kind produces fresh elements of one manifold type. It carries no state
// beyond the type identity and its dimensions.
type Kind struct {
	name   string
	outer  int // number of array entries, 1 for plain kinds
	inner  int // tangent dimension per entry
	create func() Element
	array  func(n int) *Kind
}

// KindOf builds the Kind for a manifold implementation.
func KindOf[T any](m Manifold[T]) *Kind {
	k := &Kind{name: m.Name(), outer: 1, inner: m.Dim()}
	k.create = func() Element {
		return &Cell[T]{kind: k, m: m, v: m.Identity()}
	}
	k.array = func(n int) *Kind {
		return arrayKind(m, n)
	}
	return k
}

// ArrayOf returns the kind holding n values of k. Arrays of arrays are not
// supported.
func ArrayOf(k *Kind, n int) *Kind {
	if k.array == nil {
		panic(fmt.Sprintf("manifold: cannot build an array of %s", k.name))
	}
	if n < 1 {
		panic(fmt.Sprintf("manifold: array of %s needs a positive length, got %d", k.name, n))
	}
	return k.array(n)
}

func arrayKind[T any](m Manifold[T], n int) *Kind {
	am := arrayManifold[T]{base: m, n: n}
	k := &Kind{name: am.Name(), outer: n, inner: m.Dim()}
	k.create = func() Element {
		return &Cell[[]T]{kind: k, m: am, v: am.Identity()}
	}
	return k
}

// Name identifies the manifold type, e.g. "vec3" or "rotation[4]".
func (k *Kind) Name() string { return k.name }

// Dim is the tangent dimension, Outer()*Inner().
func (k *Kind) Dim() int { return k.outer * k.inner }

// Outer is the number of array entries (1 for plain kinds).
func (k *Kind) Outer() int { return k.outer }

// Inner is the tangent dimension of one entry.
func (k *Kind) Inner() int { return k.inner }

// New returns a fresh element set to identity.
func (k *Kind) New() Element { return k.create() }

// Same reports whether both kinds describe the same manifold type.
func (k *Kind) Same(other *Kind) bool {
	return k == other || (other != nil && k.name == other.name)
}

func (k *Kind) String() string { return k.name }

// Cell is the element implementation shared by every kind.
type Cell[T any] struct {
	kind *Kind
	m    Manifold[T]
	v    T
}

func (c *Cell[T]) Kind() *Kind { return c.kind }
func (c *Cell[T]) Dim() int    { return c.m.Dim() }

// Get returns the held value.
func (c *Cell[T]) Get() T { return c.v }

// Set replaces the held value.
func (c *Cell[T]) Set(v T) { c.v = v }

func (c *Cell[T]) Boxplus(delta []float64, out Element) {
	if len(delta) != c.m.Dim() {
		panic(fmt.Sprintf("manifold: %s boxplus with delta of length %d, want %d", c.kind.name, len(delta), c.m.Dim()))
	}
	o := c.peer(out, "boxplus")
	o.v = c.m.Boxplus(c.v, delta)
}

func (c *Cell[T]) Boxminus(ref Element, out []float64) {
	if len(out) != c.m.Dim() {
		panic(fmt.Sprintf("manifold: %s boxminus into vector of length %d, want %d", c.kind.name, len(out), c.m.Dim()))
	}
	r := c.peer(ref, "boxminus")
	c.m.Boxminus(c.v, r.v, out)
}

func (c *Cell[T]) SetIdentity()             { c.v = c.m.Identity() }
func (c *Cell[T]) SetRandom(rng *rand.Rand) { c.v = c.m.Random(rng) }

func (c *Cell[T]) CopyFrom(src Element) {
	s := c.peer(src, "copy")
	c.v = c.m.Clone(s.v)
}

func (c *Cell[T]) Coords() []float64 { return c.m.Coords(c.v) }

func (c *Cell[T]) SetCoords(coords []float64) error {
	v, err := c.m.FromCoords(coords)
	if err != nil {
		return fmt.Errorf("%s: %w", c.kind.name, err)
	}
	c.v = v
	return nil
}

func (c *Cell[T]) String() string {
	return fmt.Sprintf("%s%v", c.kind.name, c.m.Coords(c.v))
}

// peer recovers another element of the same kind.
func (c *Cell[T]) peer(e Element, op string) *Cell[T] {
	o := cellOf[T](e)
	if !c.kind.Same(o.kind) {
		panic(fmt.Sprintf("manifold: %s between %s and %s", op, c.kind.name, o.kind.name))
	}
	return o
}

func cellOf[T any](e Element) *Cell[T] {
	c, ok := e.(*Cell[T])
	if !ok {
		var zero T
		name := "<nil>"
		if e != nil {
			name = e.Kind().Name()
		}
		panic(fmt.Sprintf("manifold: element of kind %s does not hold %T", name, zero))
	}
	return c
}

// Value returns the typed value held by e. It panics if e holds another type.
func Value[T any](e Element) T { return cellOf[T](e).v }

// Ref returns a pointer to the value held by e for in-place updates.
func Ref[T any](e Element) *T { return &cellOf[T](e).v }

// Set replaces the value held by e.
func Set[T any](e Element, v T) { cellOf[T](e).v = v }
