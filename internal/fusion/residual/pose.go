package residual

import (
	"fmt"

	"github.com/banshee-data/sensorfusion/internal/fusion/manifold"
	"github.com/banshee-data/sensorfusion/internal/fusion/state"
	"github.com/banshee-data/sensorfusion/internal/fusion/timeline"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	poseStateDef = state.Define(
		state.Field{Name: "pos", Kind: manifold.Vec3},
		state.Field{Name: "att", Kind: manifold.Rotation},
	)
	poseMeasDef = state.Define(
		state.Field{Name: "pos", Kind: manifold.Vec3},
		state.Field{Name: "att", Kind: manifold.Rotation},
	)
	poseInnDef = state.Define(
		state.Field{Name: "pos", Kind: manifold.Vec3},
		state.Field{Name: "att", Kind: manifold.Rotation},
	)
	poseNoiseDef = state.Define(
		state.Field{Name: "pos", Kind: manifold.Vec3},
		state.Field{Name: "att", Kind: manifold.Vec3},
	)
)

// PoseUpdate compares a state pose against an absolute pose measurement:
//
//	pos innovation = pos - measured pos + pos noise
//	att innovation = exp(att noise) * att * measured att^-1
type PoseUpdate struct{}

// NewPoseUpdate returns the pose model bound to an Update.
func NewPoseUpdate() *Update { return NewUpdate(PoseUpdate{}) }

// NewPoseMeasurement builds a pose measurement.
func NewPoseMeasurement(pos r3.Vec, att quat.Number) *state.State {
	m := poseMeasDef.NewState()
	state.Set(m, "pos", pos)
	state.Set(m, "att", att)
	return m
}

func (PoseUpdate) Name() string                   { return "pose" }
func (PoseUpdate) Innovation() *state.Definition  { return poseInnDef }
func (PoseUpdate) States() []*state.Definition    { return []*state.Definition{poseStateDef} }
func (PoseUpdate) Noise() *state.Definition       { return poseNoiseDef }
func (PoseUpdate) Measurement() *state.Definition { return poseMeasDef }

func (PoseUpdate) Eval(inn *state.State, states []state.Accessor, noise state.Accessor, meas timeline.Measurement) {
	m := accessor(meas)
	pos := r3.Sub(state.Get[r3.Vec](states[0], "pos"), state.Get[r3.Vec](m, "pos"))
	state.Set(inn, "pos", r3.Add(pos, state.Get[r3.Vec](noise, "pos")))

	att := quat.Mul(state.Get[quat.Number](states[0], "att"), quat.Conj(state.Get[quat.Number](m, "att")))
	att = quat.Mul(manifold.RotationExp(state.Get[r3.Vec](noise, "att")), att)
	state.Set(inn, "att", quat.Scale(1/quat.Abs(att), att))
}

func (PoseUpdate) JacState(j Jacobian, k int, states []state.Accessor, noise state.Accessor, meas timeline.Measurement) {
	j.SetIdentityBlock("pos", "pos", 1)
	j.SetBlock("att", "att", rotationMatrix(manifold.RotationExp(state.Get[r3.Vec](noise, "att"))))
}

func (PoseUpdate) JacNoise(j Jacobian, states []state.Accessor, noise state.Accessor, meas timeline.Measurement) {
	j.SetIdentityBlock("pos", "pos", 1)
	j.SetBlock("att", "att", leftJacobian(state.Get[r3.Vec](noise, "att")))
}

// accessor recovers element access to a measurement. Every measurement that
// passed Update.SetMeasurement is a state.
func accessor(m timeline.Measurement) state.Accessor {
	a, ok := m.(state.Accessor)
	if !ok {
		panic(fmt.Sprintf("residual: measurement %T has no element access", m))
	}
	return a
}
