package state

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/banshee-data/sensorfusion/internal/fusion/manifold"
	"gonum.org/v1/gonum/mat"
)

// Accessor is anything exposing elements under a Definition: an owned State
// or a Wrapper aliasing another state.
type Accessor interface {
	Def() *Definition
	Element(i int) manifold.Element
}

// State owns one element per entry of its Definition.
type State struct {
	def      *Definition
	elements []manifold.Element
}

// Def returns the schema the state was built from.
func (s *State) Def() *Definition { return s.def }

// Element returns element i.
func (s *State) Element(i int) manifold.Element { return s.elements[s.def.check(i)] }

// ElementByName returns the element registered under name.
func (s *State) ElementByName(name string) manifold.Element {
	return s.elements[s.def.Index(name)]
}

// NumElements is the number of elements.
func (s *State) NumElements() int { return len(s.elements) }

// Dim is the tangent dimension of the state.
func (s *State) Dim() int { return s.def.Dim() }

// Assign copies element values from other, which must share the schema.
func (s *State) Assign(other Accessor) {
	assign(s, other)
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	c := s.def.NewState()
	c.Assign(s)
	return c
}

// SetIdentity resets every element.
func (s *State) SetIdentity() {
	for _, e := range s.elements {
		e.SetIdentity()
	}
}

// SetRandom draws every element from rng.
func (s *State) SetRandom(rng *rand.Rand) {
	for _, e := range s.elements {
		e.SetRandom(rng)
	}
}

// Boxplus writes s ⊞ delta into out. delta has length Dim() and out must
// share the schema; out may be s itself.
func (s *State) Boxplus(delta mat.Vector, out Accessor) { Boxplus(s, delta, out) }

// Boxminus writes s ⊟ ref into out, which is resized to Dim() if empty.
func (s *State) Boxminus(ref Accessor, out *mat.VecDense) { Boxminus(s, ref, out) }

func (s *State) String() string { return format(s) }

// Boxplus writes a ⊞ delta into out, element by element in schema order.
func Boxplus(a Accessor, delta mat.Vector, out Accessor) {
	def := a.Def()
	mustMatch("boxplus", def, out.Def())
	if delta.Len() != def.Dim() {
		panic(fmt.Sprintf("state: boxplus with delta of length %d, want %d", delta.Len(), def.Dim()))
	}
	raw := mat.Col(nil, 0, delta)
	for i := 0; i < def.NumElements(); i++ {
		start := def.Start(i)
		a.Element(i).Boxplus(raw[start:start+def.ElementDim(i)], out.Element(i))
	}
}

// Boxminus writes a ⊟ ref into out, concatenating per-element differences.
func Boxminus(a Accessor, ref Accessor, out *mat.VecDense) {
	def := a.Def()
	mustMatch("boxminus", def, ref.Def())
	if out.IsEmpty() {
		out.ReuseAsVec(def.Dim())
	}
	if out.Len() != def.Dim() {
		panic(fmt.Sprintf("state: boxminus into vector of length %d, want %d", out.Len(), def.Dim()))
	}
	for i := 0; i < def.NumElements(); i++ {
		buf := make([]float64, def.ElementDim(i))
		a.Element(i).Boxminus(ref.Element(i), buf)
		start := def.Start(i)
		for j, v := range buf {
			out.SetVec(start+j, v)
		}
	}
}

func assign(dst, src Accessor) {
	mustMatch("assign", dst.Def(), src.Def())
	for i := 0; i < dst.Def().NumElements(); i++ {
		dst.Element(i).CopyFrom(src.Element(i))
	}
}

func format(a Accessor) string {
	def := a.Def()
	var b strings.Builder
	for i := 0; i < def.NumElements(); i++ {
		fmt.Fprintf(&b, "%s: %s\n", def.Name(i), a.Element(i))
	}
	return b.String()
}

// Get returns the typed value of the element registered under name.
func Get[T any](a Accessor, name string) T {
	return manifold.Value[T](a.Element(a.Def().Index(name)))
}

// GetAt returns the typed value of element i.
func GetAt[T any](a Accessor, i int) T {
	return manifold.Value[T](a.Element(i))
}

// Ref returns a pointer to the value registered under name.
func Ref[T any](a Accessor, name string) *T {
	return manifold.Ref[T](a.Element(a.Def().Index(name)))
}

// Set replaces the value registered under name.
func Set[T any](a Accessor, name string, v T) {
	manifold.Set(a.Element(a.Def().Index(name)), v)
}

// SetAt replaces the value of element i.
func SetAt[T any](a Accessor, i int, v T) {
	manifold.Set(a.Element(i), v)
}
