package align

import (
	"math"
	"testing"
	"time"

	"github.com/banshee-data/sensorfusion/internal/fusion/residual"
	"github.com/banshee-data/sensorfusion/internal/fusion/state"
	"github.com/banshee-data/sensorfusion/internal/fusion/timeline"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return base.Add(time.Duration(math.Round(sec * float64(time.Second))))
}

func seconds(times []time.Time) []float64 {
	out := make([]float64, len(times))
	for i, t := range times {
		out[i] = t.Sub(base).Seconds()
	}
	return out
}

func sampleSeconds(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Time.Sub(base).Seconds()
	}
	return out
}

func dx(m timeline.Measurement) float64 {
	return state.Get[r3.Vec](m.(*state.State), "dpos").X
}

func pose() *state.State {
	return residual.NewPoseMeasurement(r3.Vec{}, quat.Number{Real: 1})
}

func odometry(x float64) *state.State {
	return residual.NewOdometryMeasurement(r3.Vec{X: x})
}

// newFixture registers an odometry stream that is resampled onto every
// instant and a pose stream contributing its own instants.
func newFixture(t *testing.T, gpsPolicy Policy) *Aligner {
	t.Helper()
	a := New()
	require.NoError(t, a.Add(Stream{
		Name:     "odom",
		Timeline: timeline.New(time.Second, 0, timeline.WithName("odom"), timeline.WithDiagnostics(&timeline.Recorder{})),
		Residual: residual.NewOdometry(),
		Resample: true,
	}))
	require.NoError(t, a.Add(Stream{
		Name:     "gps",
		Timeline: timeline.New(time.Second, 100*time.Millisecond, timeline.WithName("gps")),
		Policy:   gpsPolicy,
	}))
	return a
}

func TestPlanResamplesOntoUnionOfInstants(t *testing.T) {
	t.Parallel()

	a := newFixture(t, PolicyAll)
	for _, s := range []float64{1, 2, 3} {
		require.NoError(t, a.AddMeas("odom", odometry(1), at(s)))
	}
	require.NoError(t, a.AddMeas("gps", pose(), at(1.5)))
	require.NoError(t, a.AddMeas("gps", pose(), at(2.5)))

	sync, ok := a.SyncTime(at(3.2))
	require.True(t, ok)
	assert.True(t, sync.Equal(at(2.6)))

	p, err := a.Plan(at(3.2))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.SyncTime.Equal(at(2.6)))
	assert.Equal(t, []float64{1, 1.5, 2, 2.5}, seconds(p.Times))
	assert.Equal(t, []float64{1, 1.5, 2, 2.5}, sampleSeconds(p.Samples["odom"]))
	assert.Equal(t, []float64{1.5, 2.5}, sampleSeconds(p.Samples["gps"]))

	var got []float64
	for _, s := range p.Samples["odom"] {
		got = append(got, dx(s.Measurement))
	}
	if diff := cmp.Diff([]float64{1, 0.5, 0.5, 0.5}, got); diff != "" {
		t.Errorf("odometry samples mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 6, a.Commit(p))
	last, ok := a.LastSync()
	require.True(t, ok)
	assert.True(t, last.Equal(at(2.6)))

	odom, _ := a.Stream("odom")
	assert.Equal(t, []float64{3}, seconds(odom.Timeline.Times()))
	wm, _ := odom.Timeline.Watermark()
	assert.True(t, wm.Equal(at(2.5)))

	// Nothing new until the sync time moves.
	p, err = a.Plan(at(3.2))
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestPlanContinuesFromLastSync(t *testing.T) {
	t.Parallel()

	a := newFixture(t, PolicyAll)
	for _, s := range []float64{1, 2, 3} {
		require.NoError(t, a.AddMeas("odom", odometry(1), at(s)))
	}
	require.NoError(t, a.AddMeas("gps", pose(), at(1.5)))
	require.NoError(t, a.AddMeas("gps", pose(), at(2.5)))
	p, err := a.Plan(at(3.2))
	require.NoError(t, err)
	a.Commit(p)

	require.NoError(t, a.AddMeas("gps", pose(), at(3.4)))
	require.NoError(t, a.AddMeas("odom", odometry(1), at(4)))

	p, err = a.Plan(at(4.5))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.SyncTime.Equal(at(3.5)))
	assert.Equal(t, []float64{3, 3.4}, seconds(p.Times))
	require.Len(t, p.Samples["odom"], 2)
	assert.InDelta(t, 0.5, dx(p.Samples["odom"][0].Measurement), 1e-12)
	assert.InDelta(t, 0.4, dx(p.Samples["odom"][1].Measurement), 1e-9)
}

func TestPlanReportsRangeErrorsAndKeepsGoing(t *testing.T) {
	t.Parallel()

	a := newFixture(t, PolicyAll)
	require.NoError(t, a.AddMeas("odom", odometry(1), at(1)))
	require.NoError(t, a.AddMeas("odom", odometry(1), at(2)))
	require.NoError(t, a.AddMeas("gps", pose(), at(0.5)))
	require.NoError(t, a.AddMeas("gps", pose(), at(1.5)))

	p, err := a.Plan(at(2.1))
	require.ErrorIs(t, err, timeline.ErrRange)
	require.NotNil(t, p)
	assert.Equal(t, []float64{0.5, 1, 1.5}, seconds(p.Times))
	assert.Equal(t, []float64{1, 1.5}, sampleSeconds(p.Samples["odom"]))
	assert.Equal(t, []float64{0.5, 1.5}, sampleSeconds(p.Samples["gps"]))
}

func TestPolicyLastTakesNewestOnly(t *testing.T) {
	t.Parallel()

	a := New()
	require.NoError(t, a.Add(Stream{Name: "gps", Timeline: timeline.New(time.Second, 0), Policy: PolicyLast}))
	for _, s := range []float64{1, 1.5, 2} {
		require.NoError(t, a.AddMeas("gps", pose(), at(s)))
	}

	p, err := a.Plan(at(2))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []float64{2}, seconds(p.Times))
	assert.Equal(t, []float64{2}, sampleSeconds(p.Samples["gps"]))

	// Superseded samples are consumed with the plan.
	assert.Equal(t, 3, a.Commit(p))
}

func TestSlowStreamWaitsForNextRound(t *testing.T) {
	t.Parallel()

	a := New()
	require.NoError(t, a.Add(Stream{Name: "a", Timeline: timeline.New(time.Second, 0)}))
	require.NoError(t, a.Add(Stream{Name: "b", Timeline: timeline.New(time.Hour, 0)}))
	require.NoError(t, a.AddMeas("a", pose(), at(1)))
	require.NoError(t, a.AddMeas("b", pose(), at(1.5)))

	// a limits the sync time; b's sample waits for the next round.
	p, err := a.Plan(at(2))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.SyncTime.Equal(at(1)))
	assert.Equal(t, []float64{1}, seconds(p.Times))
	a.Commit(p)

	// Stream a has a watermark and rejects the late sample itself.
	assert.ErrorIs(t, a.AddMeas("a", pose(), at(0.8)), timeline.ErrOutOfOrder)

	require.NoError(t, a.AddMeas("a", pose(), at(3)))
	require.NoError(t, a.AddMeas("b", pose(), at(3)))
	p, err = a.Plan(at(4))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []float64{1.5, 3}, seconds(p.Times))
}

func TestLateMeasurementWithoutWatermarkIsDiscarded(t *testing.T) {
	t.Parallel()

	a := New()
	require.NoError(t, a.Add(Stream{Name: "a", Timeline: timeline.New(time.Second, 0)}))
	require.NoError(t, a.Add(Stream{Name: "b", Timeline: timeline.New(time.Second, 0)}))
	require.NoError(t, a.AddMeas("a", pose(), at(1)))

	p, err := a.Plan(at(2.5))
	require.NoError(t, err)
	require.NotNil(t, p)
	a.Commit(p)

	// b never had data, so its timeline accepts an instant the aligner has
	// already committed past.
	require.NoError(t, a.AddMeas("b", pose(), at(1.2)))
	require.NoError(t, a.AddMeas("b", pose(), at(2.8)))

	p, err = a.Plan(at(4))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []float64{2.8}, seconds(p.Times))
	b, _ := a.Stream("b")
	assert.Equal(t, []float64{2.8}, seconds(b.Timeline.Times()))
}

func TestAddValidation(t *testing.T) {
	t.Parallel()

	a := New()
	tl := timeline.New(time.Second, 0)
	assert.ErrorIs(t, a.Add(Stream{Timeline: tl}), ErrStream)
	assert.ErrorIs(t, a.Add(Stream{Name: "x"}), ErrStream)
	assert.ErrorIs(t, a.Add(Stream{Name: "x", Timeline: tl, Resample: true}), ErrStream)
	require.NoError(t, a.Add(Stream{Name: "x", Timeline: tl}))
	assert.ErrorIs(t, a.Add(Stream{Name: "x", Timeline: timeline.New(time.Second, 0)}), ErrStream)

	assert.ErrorIs(t, a.AddMeas("y", pose(), at(1)), ErrUnknownStream)
	require.Len(t, a.Streams(), 1)
}

func TestEmptyAligner(t *testing.T) {
	t.Parallel()

	a := New()
	_, ok := a.SyncTime(at(1))
	assert.False(t, ok)
	p, err := a.Plan(at(1))
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, 0, a.Commit(nil))
}

func TestCommitStalePlanPanics(t *testing.T) {
	t.Parallel()

	a := New()
	require.NoError(t, a.Add(Stream{Name: "a", Timeline: timeline.New(time.Second, 0)}))
	require.NoError(t, a.AddMeas("a", pose(), at(1)))
	p, _ := a.Plan(at(3))
	require.NotNil(t, p)
	a.Commit(p)
	assert.Panics(t, func() { a.Commit(p) })

	a.Reset()
	_, ok := a.LastSync()
	assert.False(t, ok)
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Policy{"all": PolicyAll, "": PolicyAll, "LAST": PolicyLast} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePolicy("newest")
	assert.Error(t, err)
	assert.Equal(t, "last", PolicyLast.String())
}
