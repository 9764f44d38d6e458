// Package residual defines the innovation and Jacobian contract an outer
// filter loop evaluates for each measurement, and the measurement algebra a
// stream supplies to its timeline.
//
// A Model declares its innovation, state slots, noise and measurement as
// state definitions. Update binds a model to the current measurement and
// checks every buffer against those definitions before delegating, so model
// code only ever addresses Jacobian blocks by element name.
package residual

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/sensorfusion/internal/fusion/state"
	"github.com/banshee-data/sensorfusion/internal/fusion/timeline"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrMeasurement is returned for measurements built under another definition.
	ErrMeasurement = errors.New("measurement does not match model")
	// ErrNoAlgebra is returned when a model cannot split or merge measurements.
	ErrNoAlgebra = errors.New("model has no measurement algebra")
)

// Model is one concrete sensor model.
type Model interface {
	Name() string
	Innovation() *state.Definition
	// States lists one definition per state slot, e.g. the states before and
	// after an interval for a binary model.
	States() []*state.Definition
	Noise() *state.Definition
	Measurement() *state.Definition

	// Eval writes the innovation, zero at the true state and zero noise.
	Eval(inn *state.State, states []state.Accessor, noise state.Accessor, meas timeline.Measurement)
	// JacState writes d(innovation)/d(states[k]) into j.
	JacState(j Jacobian, k int, states []state.Accessor, noise state.Accessor, meas timeline.Measurement)
	// JacNoise writes d(innovation)/d(noise) into j.
	JacNoise(j Jacobian, states []state.Accessor, noise state.Accessor, meas timeline.Measurement)
}

// Jacobian is a dense matrix whose rows follow an innovation definition and
// whose columns follow a state or noise definition.
type Jacobian struct {
	M    *mat.Dense
	Rows *state.Definition
	Cols *state.Definition
}

// NewJacobian allocates a zero Jacobian for the given layout.
func NewJacobian(rows, cols *state.Definition) Jacobian {
	return Jacobian{M: mat.NewDense(rows.Dim(), cols.Dim(), nil), Rows: rows, Cols: cols}
}

func (j Jacobian) check() {
	r, c := j.M.Dims()
	if r != j.Rows.Dim() || c != j.Cols.Dim() {
		panic(fmt.Sprintf("residual: jacobian is %dx%d, want %dx%d for %s by %s", r, c, j.Rows.Dim(), j.Cols.Dim(), j.Rows, j.Cols))
	}
}

// Block returns a view of the block at the named row and column elements.
// Writes to the view land in M.
func (j Jacobian) Block(row, col string) *mat.Dense {
	i, k := j.Rows.Index(row), j.Cols.Index(col)
	r0, c0 := j.Rows.Start(i), j.Cols.Start(k)
	return j.M.Slice(r0, r0+j.Rows.ElementDim(i), c0, c0+j.Cols.ElementDim(k)).(*mat.Dense)
}

// SetBlock copies b into the named block.
func (j Jacobian) SetBlock(row, col string, b mat.Matrix) {
	blk := j.Block(row, col)
	br, bc := b.Dims()
	r, c := blk.Dims()
	if br != r || bc != c {
		panic(fmt.Sprintf("residual: block %s/%s is %dx%d, got %dx%d", row, col, r, c, br, bc))
	}
	blk.Copy(b)
}

// SetIdentityBlock writes scale*I into the named block, which must be square.
func (j Jacobian) SetIdentityBlock(row, col string, scale float64) {
	blk := j.Block(row, col)
	r, c := blk.Dims()
	if r != c {
		panic(fmt.Sprintf("residual: identity block %s/%s is not square (%dx%d)", row, col, r, c))
	}
	blk.Zero()
	for i := 0; i < r; i++ {
		blk.Set(i, i, scale)
	}
}

// Update binds a model to its current measurement.
type Update struct {
	model Model
	meas  timeline.Measurement
}

// NewUpdate wraps m.
func NewUpdate(m Model) *Update {
	return &Update{model: m}
}

// Model returns the wrapped model.
func (u *Update) Model() Model { return u.model }

// Name is the model name.
func (u *Update) Name() string { return u.model.Name() }

// Innovation is the innovation definition.
func (u *Update) Innovation() *state.Definition { return u.model.Innovation() }

// States are the state slot definitions.
func (u *Update) States() []*state.Definition { return u.model.States() }

// Noise is the noise definition.
func (u *Update) Noise() *state.Definition { return u.model.Noise() }

// Measurement is the measurement definition.
func (u *Update) Measurement() *state.Definition { return u.model.Measurement() }

// NewInnovation allocates an innovation state.
func (u *Update) NewInnovation() *state.State { return u.model.Innovation().NewState() }

// NewNoise allocates a zero noise state.
func (u *Update) NewNoise() *state.State { return u.model.Noise().NewState() }

// NewMeasurement allocates an identity measurement.
func (u *Update) NewMeasurement() *state.State { return u.model.Measurement().NewState() }

// NewJacState allocates the Jacobian buffer for state slot k.
func (u *Update) NewJacState(k int) *mat.Dense {
	return mat.NewDense(u.model.Innovation().Dim(), u.slot(k).Dim(), nil)
}

// NewJacNoise allocates the noise Jacobian buffer.
func (u *Update) NewJacNoise() *mat.Dense {
	return mat.NewDense(u.model.Innovation().Dim(), u.model.Noise().Dim(), nil)
}

// SetMeasurement binds m. It is rejected if m was built under another
// definition.
func (u *Update) SetMeasurement(m timeline.Measurement) error {
	if err := u.checkMeas(m); err != nil {
		return err
	}
	u.meas = m
	return nil
}

// CurrentMeasurement returns the bound measurement.
func (u *Update) CurrentMeasurement() timeline.Measurement { return u.meas }

// EvalUpdate writes the innovation for the bound measurement.
func (u *Update) EvalUpdate(inn *state.State, states []state.Accessor, noise state.Accessor) {
	u.checkCall(states, noise)
	mustMatch("innovation", u.model.Innovation(), inn.Def())
	u.model.Eval(inn, states, noise, u.meas)
}

// JacState writes d(innovation)/d(states[k]) into out, which is zeroed first.
func (u *Update) JacState(out *mat.Dense, k int, states []state.Accessor, noise state.Accessor) {
	u.checkCall(states, noise)
	j := Jacobian{M: out, Rows: u.model.Innovation(), Cols: u.slot(k)}
	j.check()
	out.Zero()
	u.model.JacState(j, k, states, noise, u.meas)
}

// JacNoise writes d(innovation)/d(noise) into out, which is zeroed first.
func (u *Update) JacNoise(out *mat.Dense, states []state.Accessor, noise state.Accessor) {
	u.checkCall(states, noise)
	j := Jacobian{M: out, Rows: u.model.Innovation(), Cols: u.model.Noise()}
	j.check()
	out.Zero()
	u.model.JacNoise(j, states, noise, u.meas)
}

// SplitMeasurements delegates to the model's algebra, making Update a
// timeline.BinaryResidual.
func (u *Update) SplitMeasurements(m timeline.Measurement, t0, t1, t2 time.Time) (timeline.Measurement, timeline.Measurement, error) {
	alg, ok := u.model.(timeline.BinaryResidual)
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", u.model.Name(), ErrNoAlgebra)
	}
	if err := u.checkMeas(m); err != nil {
		return nil, nil, err
	}
	return alg.SplitMeasurements(m, t0, t1, t2)
}

// MergeMeasurements delegates to the model's algebra.
func (u *Update) MergeMeasurements(m1, m2 timeline.Measurement, t0, t1, t2 time.Time) (timeline.Measurement, error) {
	alg, ok := u.model.(timeline.BinaryResidual)
	if !ok {
		return nil, fmt.Errorf("%s: %w", u.model.Name(), ErrNoAlgebra)
	}
	if err := u.checkMeas(m1); err != nil {
		return nil, err
	}
	if err := u.checkMeas(m2); err != nil {
		return nil, err
	}
	return alg.MergeMeasurements(m1, m2, t0, t1, t2)
}

// HasAlgebra reports whether the model can split and merge measurements.
func (u *Update) HasAlgebra() bool {
	_, ok := u.model.(timeline.BinaryResidual)
	return ok
}

func (u *Update) checkMeas(m timeline.Measurement) error {
	if m == nil || !u.model.Measurement().Matches(m.Def()) {
		return fmt.Errorf("%s: %w", u.model.Name(), ErrMeasurement)
	}
	return nil
}

func (u *Update) checkCall(states []state.Accessor, noise state.Accessor) {
	if u.meas == nil {
		panic(fmt.Sprintf("residual: %s evaluated without a measurement", u.model.Name()))
	}
	defs := u.model.States()
	if len(states) != len(defs) {
		panic(fmt.Sprintf("residual: %s takes %d states, got %d", u.model.Name(), len(defs), len(states)))
	}
	for k, s := range states {
		mustMatch(fmt.Sprintf("state slot %d", k), defs[k], s.Def())
	}
	mustMatch("noise", u.model.Noise(), noise.Def())
}

func (u *Update) slot(k int) *state.Definition {
	defs := u.model.States()
	if k < 0 || k >= len(defs) {
		panic(fmt.Sprintf("residual: %s has no state slot %d", u.model.Name(), k))
	}
	return defs[k]
}

func mustMatch(what string, want, got *state.Definition) {
	if !want.Matches(got) {
		panic(fmt.Sprintf("residual: %s definition %s does not match %s", what, got, want))
	}
}
