// Package state composes manifold elements into schema-defined states.
//
// A Definition is an ordered, uniquely named list of element kinds with
// precomputed tangent offsets. States own one element per entry; Wrappers
// expose a re-indexed view of another state under a different Definition
// without copying. Boxplus and Boxminus are the only way states are perturbed
// or compared: they slice a flat tangent vector across elements in schema
// order.
package state

import (
	"fmt"
	"strings"

	"github.com/banshee-data/sensorfusion/internal/fusion/manifold"
)

// Field names one entry of a Definition.
type Field struct {
	Name string
	Kind *manifold.Kind
}

// Definition is a state schema. It can be extended with Add until it is
// frozen, which happens on the first NewState, NewWrapper or explicit Freeze.
// After that it is immutable and may be shared freely.
type Definition struct {
	fields []Field
	names  map[string]int
	starts []int
	dim    int
	frozen bool
}

// NewDefinition returns an empty, unfrozen Definition.
func NewDefinition() *Definition {
	return &Definition{names: make(map[string]int)}
}

// Define builds and freezes a Definition from an ordered field list.
// Repeated names collapse onto their first entry.
func Define(fields ...Field) *Definition {
	d := NewDefinition()
	for _, f := range fields {
		d.Add(f.Name, f.Kind)
	}
	return d.Freeze()
}

// Add registers an element and returns its index. Adding an existing name
// with the same kind returns the existing index.
func (d *Definition) Add(name string, kind *manifold.Kind) int {
	if kind == nil {
		panic(fmt.Sprintf("state: nil kind for element %q", name))
	}
	if i, ok := d.names[name]; ok {
		if !d.fields[i].Kind.Same(kind) {
			panic(fmt.Sprintf("state: element %q already registered as %s, not %s", name, d.fields[i].Kind.Name(), kind.Name()))
		}
		return i
	}
	if d.frozen {
		panic(fmt.Sprintf("state: cannot add %q to a frozen definition", name))
	}
	d.fields = append(d.fields, Field{Name: name, Kind: kind})
	d.starts = append(d.starts, d.dim)
	d.dim += kind.Dim()
	d.names[name] = len(d.fields) - 1
	return len(d.fields) - 1
}

// Freeze marks the definition immutable and returns it.
func (d *Definition) Freeze() *Definition {
	if !d.frozen {
		d.frozen = true
	}
	return d
}

// Frozen reports whether Add is still allowed.
func (d *Definition) Frozen() bool { return d.frozen }

// NumElements is the number of entries.
func (d *Definition) NumElements() int { return len(d.fields) }

// Dim is the total tangent dimension.
func (d *Definition) Dim() int { return d.dim }

// Start is the offset of element i in a flat tangent vector.
func (d *Definition) Start(i int) int { return d.starts[d.check(i)] }

// Outer is the number of array entries of element i.
func (d *Definition) Outer(i int) int { return d.fields[d.check(i)].Kind.Outer() }

// Inner is the per-entry tangent dimension of element i.
func (d *Definition) Inner(i int) int { return d.fields[d.check(i)].Kind.Inner() }

// ElementDim is the tangent dimension of element i.
func (d *Definition) ElementDim(i int) int { return d.fields[d.check(i)].Kind.Dim() }

// Name of element i.
func (d *Definition) Name(i int) string { return d.fields[d.check(i)].Name }

// Kind of element i.
func (d *Definition) Kind(i int) *manifold.Kind { return d.fields[d.check(i)].Kind }

// Fields returns a copy of the ordered field list.
func (d *Definition) Fields() []Field {
	out := make([]Field, len(d.fields))
	copy(out, d.fields)
	return out
}

// Find returns the index of name, or -1.
func (d *Definition) Find(name string) int {
	if i, ok := d.names[name]; ok {
		return i
	}
	return -1
}

// Index returns the index of name and panics if it is absent.
func (d *Definition) Index(name string) int {
	i, ok := d.names[name]
	if !ok {
		panic(fmt.Sprintf("state: no element %q in definition %s", name, d))
	}
	return i
}

// Matches reports whether other describes the same schema: identical names
// and kinds in identical order.
func (d *Definition) Matches(other *Definition) bool {
	if d == other {
		return true
	}
	if other == nil || len(d.fields) != len(other.fields) {
		return false
	}
	for i, f := range d.fields {
		if f.Name != other.fields[i].Name || !f.Kind.Same(other.fields[i].Kind) {
			return false
		}
	}
	return true
}

// NewState freezes the definition and returns a state with every element
// set to identity.
func (d *Definition) NewState() *State {
	d.Freeze()
	s := &State{def: d, elements: make([]manifold.Element, len(d.fields))}
	for i, f := range d.fields {
		s.elements[i] = f.Kind.New()
	}
	return s
}

func (d *Definition) String() string {
	parts := make([]string, len(d.fields))
	for i, f := range d.fields {
		parts[i] = f.Name + ":" + f.Kind.Name()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (d *Definition) check(i int) int {
	if i < 0 || i >= len(d.fields) {
		panic(fmt.Sprintf("state: element index %d out of range for definition %s", i, d))
	}
	return i
}

func mustMatch(op string, want, got *Definition) {
	if !want.Matches(got) {
		panic(fmt.Sprintf("state: %s with mismatched definitions %s and %s", op, want, got))
	}
}
