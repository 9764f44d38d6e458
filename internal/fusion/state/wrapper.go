package state

import (
	"fmt"

	"github.com/banshee-data/sensorfusion/internal/fusion/manifold"
	"gonum.org/v1/gonum/mat"
)

// Wrapper exposes the elements of a source state, built under the in
// definition, as a state under the out definition. Entries are matched by
// name once in ComputeMap; element access indirects through the cached index
// map into the source, so writes through the wrapper land in the source.
type Wrapper struct {
	out      *Definition
	in       *Definition
	src      Accessor
	indexMap []int
}

// NewWrapper freezes both definitions and computes the index map.
func NewWrapper(out, in *Definition) *Wrapper {
	w := &Wrapper{out: out.Freeze(), in: in.Freeze()}
	w.ComputeMap()
	return w
}

// ComputeMap resolves every out entry to the in entry with the same name and
// kind. It panics if an out name is missing from the in definition.
func (w *Wrapper) ComputeMap() {
	m := make([]int, w.out.NumElements())
	for i := range m {
		name := w.out.Name(i)
		j := w.in.Find(name)
		if j < 0 {
			panic(fmt.Sprintf("state: wrapper element %q missing from source definition %s", name, w.in))
		}
		if !w.out.Kind(i).Same(w.in.Kind(j)) {
			panic(fmt.Sprintf("state: wrapper element %q is %s in source, want %s", name, w.in.Kind(j), w.out.Kind(i)))
		}
		m[i] = j
	}
	w.indexMap = m
}

// SetState points the wrapper at src, which must be built under the in
// definition.
func (w *Wrapper) SetState(src Accessor) *Wrapper {
	mustMatch("wrap", w.in, src.Def())
	w.src = src
	return w
}

// Def returns the out definition.
func (w *Wrapper) Def() *Definition { return w.out }

// In returns the source definition.
func (w *Wrapper) In() *Definition { return w.in }

// Element returns the source element mapped to out index i.
func (w *Wrapper) Element(i int) manifold.Element {
	if w.src == nil {
		panic("state: wrapper has no source state")
	}
	return w.src.Element(w.indexMap[w.out.check(i)])
}

// IndexMap returns a copy of the out-to-in index map.
func (w *Wrapper) IndexMap() []int {
	out := make([]int, len(w.indexMap))
	copy(out, w.indexMap)
	return out
}

// Wrap copies the mapped elements of in into out, which must be built under
// the out definition.
func (w *Wrapper) Wrap(out *State, in Accessor) {
	mustMatch("wrap", w.out, out.Def())
	mustMatch("wrap", w.in, in.Def())
	for i, j := range w.indexMap {
		out.Element(i).CopyFrom(in.Element(j))
	}
}

// WrapJacobian scatters the column blocks of in, a Jacobian against the out
// definition, into out, a Jacobian against the in definition. Rows land at
// rowOffset. Columns of unmapped source elements are left untouched.
func (w *Wrapper) WrapJacobian(out *mat.Dense, in mat.Matrix, rowOffset int) {
	inRows, inCols := in.Dims()
	outRows, outCols := out.Dims()
	if inCols != w.out.Dim() || outCols != w.in.Dim() {
		panic(fmt.Sprintf("state: wrap jacobian with %d->%d columns, want %d->%d", inCols, outCols, w.out.Dim(), w.in.Dim()))
	}
	if rowOffset < 0 || rowOffset+inRows > outRows {
		panic(fmt.Sprintf("state: wrap jacobian rows [%d,%d) exceed %d", rowOffset, rowOffset+inRows, outRows))
	}
	for i, j := range w.indexMap {
		n := w.out.ElementDim(i)
		src := w.out.Start(i)
		dst := w.in.Start(j)
		for r := 0; r < inRows; r++ {
			for c := 0; c < n; c++ {
				out.Set(rowOffset+r, dst+c, in.At(r, src+c))
			}
		}
	}
}

// Assign copies element values from other into the wrapped source.
func (w *Wrapper) Assign(other Accessor) { assign(w, other) }

// Boxplus writes w ⊞ delta into out.
func (w *Wrapper) Boxplus(delta mat.Vector, out Accessor) { Boxplus(w, delta, out) }

// Boxminus writes w ⊟ ref into out.
func (w *Wrapper) Boxminus(ref Accessor, out *mat.VecDense) { Boxminus(w, ref, out) }

func (w *Wrapper) String() string { return format(w) }
