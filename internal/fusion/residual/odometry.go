package residual

import (
	"fmt"
	"time"

	"github.com/banshee-data/sensorfusion/internal/fusion/manifold"
	"github.com/banshee-data/sensorfusion/internal/fusion/state"
	"github.com/banshee-data/sensorfusion/internal/fusion/timeline"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	odomStateDef = state.Define(state.Field{Name: "pos", Kind: manifold.Vec3})
	odomMeasDef  = state.Define(state.Field{Name: "dpos", Kind: manifold.Vec3})
	odomInnDef   = state.Define(state.Field{Name: "dpos", Kind: manifold.Vec3})
	odomNoiseDef = state.Define(state.Field{Name: "dpos", Kind: manifold.Vec3})
)

// Odometry relates the positions before and after an interval to the
// displacement measured over it:
//
//	innovation = post pos - pre pos - measured dpos + noise
//
// Displacements accumulate over time, so splitting divides a displacement in
// proportion to the sub-interval lengths and merging adds them.
type Odometry struct{}

// NewOdometry returns the odometry model bound to an Update.
func NewOdometry() *Update { return NewUpdate(Odometry{}) }

// NewOdometryMeasurement builds a displacement measurement.
func NewOdometryMeasurement(dpos r3.Vec) *state.State {
	m := odomMeasDef.NewState()
	state.Set(m, "dpos", dpos)
	return m
}

func (Odometry) Name() string                   { return "odometry" }
func (Odometry) Innovation() *state.Definition  { return odomInnDef }
func (Odometry) States() []*state.Definition    { return []*state.Definition{odomStateDef, odomStateDef} }
func (Odometry) Noise() *state.Definition       { return odomNoiseDef }
func (Odometry) Measurement() *state.Definition { return odomMeasDef }

func (Odometry) Eval(inn *state.State, states []state.Accessor, noise state.Accessor, meas timeline.Measurement) {
	d := r3.Sub(state.Get[r3.Vec](states[1], "pos"), state.Get[r3.Vec](states[0], "pos"))
	d = r3.Sub(d, state.Get[r3.Vec](accessor(meas), "dpos"))
	state.Set(inn, "dpos", r3.Add(d, state.Get[r3.Vec](noise, "dpos")))
}

func (Odometry) JacState(j Jacobian, k int, states []state.Accessor, noise state.Accessor, meas timeline.Measurement) {
	if k == 0 {
		j.SetIdentityBlock("dpos", "pos", -1)
		return
	}
	j.SetIdentityBlock("dpos", "pos", 1)
}

func (Odometry) JacNoise(j Jacobian, states []state.Accessor, noise state.Accessor, meas timeline.Measurement) {
	j.SetIdentityBlock("dpos", "dpos", 1)
}

func (Odometry) SplitMeasurements(m timeline.Measurement, t0, t1, t2 time.Time) (timeline.Measurement, timeline.Measurement, error) {
	span := t2.Sub(t0)
	if span <= 0 || !t1.After(t0) || !t1.Before(t2) {
		return nil, nil, fmt.Errorf("odometry: cannot split (%s, %s] at %s", t0, t2, t1)
	}
	d := state.Get[r3.Vec](accessor(m), "dpos")
	first := r3.Scale(float64(t1.Sub(t0))/float64(span), d)
	return NewOdometryMeasurement(first), NewOdometryMeasurement(r3.Sub(d, first)), nil
}

func (Odometry) MergeMeasurements(m1, m2 timeline.Measurement, t0, t1, t2 time.Time) (timeline.Measurement, error) {
	d := r3.Add(state.Get[r3.Vec](accessor(m1), "dpos"), state.Get[r3.Vec](accessor(m2), "dpos"))
	return NewOdometryMeasurement(d), nil
}
