package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/sensorfusion/internal/config"
	"github.com/banshee-data/sensorfusion/internal/fusion/align"
	"github.com/banshee-data/sensorfusion/internal/fusion/timeline"
	"github.com/banshee-data/sensorfusion/internal/fusiondb"
	"github.com/banshee-data/sensorfusion/internal/ingest"
	"github.com/banshee-data/sensorfusion/internal/serialmux"
	"github.com/banshee-data/sensorfusion/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func testConfig() *config.FusionConfig {
	return &config.FusionConfig{
		TickInterval: ptr("50ms"),
		Streams: []config.StreamConfig{
			{Name: "odom", Model: "odometry", MaxWait: ptr("1s"), MinWait: ptr("0s"), Policy: ptr("all"), Resample: ptr(true), Port: "/dev/ttyODOM"},
			{Name: "gps", Model: "pose", MaxWait: ptr("1s"), MinWait: ptr("100ms"), Policy: ptr("all"), Port: "/dev/ttyGPS"},
		},
	}
}

const (
	odom1  = `{"stream":"odom","t":1,"values":{"dpos":[1,0,0]}}`
	odom2  = `{"stream":"odom","t":2,"values":{"dpos":[1,0,0]}}`
	odom3  = `{"stream":"odom","t":3,"values":{"dpos":[1,0,0]}}`
	gps15  = `{"stream":"gps","t":1.5,"values":{"pos":[0,0,0],"att":[1,0,0,0]}}`
	gps25  = `{"stream":"gps","t":2.5,"values":{"pos":[1,0,0],"att":[1,0,0,0]}}`
	banner = "GPS READY v2.1"
)

// testPorts opens TestableSerialPorts preloaded with lines per stream.
type testPorts struct {
	ports map[string]*serialmux.TestableSerialPort
	lines map[string][]string
}

func (p *testPorts) open(cfg config.StreamConfig) (serialmux.SerialMuxInterface, error) {
	port := serialmux.NewTestableSerialPort(p.lines[cfg.Name]...)
	if p.ports == nil {
		p.ports = make(map[string]*serialmux.TestableSerialPort)
	}
	p.ports[cfg.Name] = port
	return serialmux.NewSerialMux(cfg.Name, port), nil
}

func newTestDaemon(t *testing.T, opts Options) (*Daemon, *testPorts) {
	t.Helper()
	ports := &testPorts{}
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	if opts.OpenPort == nil {
		opts.OpenPort = ports.open
	}
	d, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, ports
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Streams[1].Resample = ptr(true)
	_, err = New(Options{Config: cfg, OpenPort: (&testPorts{}).open})
	assert.ErrorContains(t, err, "cannot be resampled")
}

func TestNewClosesPortsWhenOpenFails(t *testing.T) {
	ports := &testPorts{}
	_, err := New(Options{
		Config: testConfig(),
		OpenPort: func(cfg config.StreamConfig) (serialmux.SerialMuxInterface, error) {
			if cfg.Name == "gps" {
				return nil, errors.New("no such device")
			}
			return ports.open(cfg)
		},
	})
	require.ErrorContains(t, err, "stream gps: no such device")
	assert.True(t, ports.ports["odom"].Closed())
}

func TestIngestAndTick(t *testing.T) {
	db, err := fusiondb.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	run, err := db.StartRun(time.Unix(0, 0), "test")
	require.NoError(t, err)

	var plans []*align.Plan
	d, _ := newTestDaemon(t, Options{DB: db, RunID: run.ID, OnPlan: func(p *align.Plan) { plans = append(plans, p) }})

	// Nothing is buffered yet.
	plan, err := d.Tick(timeutil.FromSeconds(1))
	require.NoError(t, err)
	assert.Nil(t, plan)

	for _, line := range []string{odom1, odom2, odom3} {
		require.NoError(t, d.Ingest("odom", line))
	}
	for _, line := range []string{banner, gps15, gps25} {
		require.NoError(t, d.Ingest("gps", line))
	}

	plan, err = d.Tick(timeutil.FromSeconds(4))
	require.NoError(t, err)
	require.NotNil(t, plan)
	require.Len(t, plans, 1)
	assert.Same(t, plan, plans[0])
	assert.Equal(t, timeutil.FromSeconds(3), plan.SyncTime)
	assert.Equal(t, []time.Time{
		timeutil.FromSeconds(1), timeutil.FromSeconds(1.5), timeutil.FromSeconds(2),
		timeutil.FromSeconds(2.5), timeutil.FromSeconds(3),
	}, plan.Times)
	assert.Len(t, plan.Samples["odom"], 5)
	assert.Len(t, plan.Samples["gps"], 2)

	snap := d.Snapshot()
	require.NotNil(t, snap.LastSync)
	assert.Equal(t, timeutil.FromSeconds(3), *snap.LastSync)
	for _, st := range snap.Streams {
		assert.Zero(t, st.Size, st.Name)
		require.NotNil(t, st.Watermark, st.Name)
	}

	points, err := db.SyncPoints(run.ID)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 5, points[0].Instants)
	assert.Equal(t, 7, points[0].Removed)
	assert.Empty(t, points[0].Errors)

	recorded, err := db.Measurements(run.ID, "")
	require.NoError(t, err)
	assert.Len(t, recorded, 5)
	assert.Equal(t, gps15, recorded[1].Payload)
}

func TestIngestRejects(t *testing.T) {
	d, _ := newTestDaemon(t, Options{})

	assert.ErrorIs(t, d.Ingest("lidar", odom1), ingest.ErrUnknownStream)
	assert.ErrorIs(t, d.Ingest("odom", gps15), ErrWrongStream)
	assert.ErrorIs(t, d.Ingest("odom", `{"stream":"odom","t":1}`), ingest.ErrMalformed)
	assert.NoError(t, d.Ingest("odom", banner))

	require.NoError(t, d.Ingest("odom", odom2))
	assert.ErrorIs(t, d.Ingest("odom", odom2), timeline.ErrDuplicate)
	require.NoError(t, d.Ingest("odom", odom3))

	require.NoError(t, d.Ingest("gps", gps25))
	_, err := d.Tick(timeutil.FromSeconds(5))
	require.NoError(t, err)
	assert.ErrorIs(t, d.Ingest("odom", odom1), timeline.ErrOutOfOrder)

	snap := d.Snapshot()
	byName := map[string]int64{}
	for _, st := range snap.Streams {
		byName[st.Name] = st.Rejected
	}
	assert.Equal(t, int64(4), byName["odom"])
	assert.Equal(t, int64(0), byName["gps"])
}

func TestSnapshot(t *testing.T) {
	clock := timeutil.NewMockClock(timeutil.FromSeconds(2))
	d, _ := newTestDaemon(t, Options{Clock: clock, RunID: "run-7"})
	require.NoError(t, d.Ingest("odom", odom1))
	require.NoError(t, d.Ingest("gps", gps15))

	snap := d.Snapshot()
	assert.Equal(t, timeutil.FromSeconds(2), snap.Now)
	assert.Equal(t, "run-7", snap.RunID)
	assert.Nil(t, snap.LastSync)
	require.Len(t, snap.Streams, 2)

	odom := snap.Streams[0]
	assert.Equal(t, "odom", odom.Name)
	assert.Equal(t, "odometry", odom.Model)
	assert.Equal(t, "all", odom.Policy)
	assert.True(t, odom.Resample)
	assert.Equal(t, 1, odom.Size)
	assert.Equal(t, []time.Time{timeutil.FromSeconds(1)}, odom.Times)
	assert.Nil(t, odom.Watermark)
	assert.Equal(t, timeutil.FromSeconds(1), odom.MaximalUpdate)

	gps := snap.Streams[1]
	assert.Equal(t, timeutil.FromSeconds(1.6), gps.MaximalUpdate)
}

func TestRun(t *testing.T) {
	clock := timeutil.NewMockClock(timeutil.FromSeconds(10))
	ports := &testPorts{lines: map[string][]string{
		"odom": {odom1, odom2, odom3},
		"gps":  {banner, gps15, gps25},
	}}
	d, _ := newTestDaemon(t, Options{Clock: clock, OpenPort: ports.open})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap := d.Snapshot()
		return snap.Streams[0].Size == 3 && snap.Streams[1].Size == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		clock.Advance(50 * time.Millisecond)
		return d.Snapshot().LastSync != nil
	}, 2*time.Second, 5*time.Millisecond)

	snap := d.Snapshot()
	assert.Zero(t, snap.Streams[0].Size)
	assert.Equal(t, int64(3), snap.Streams[0].Lines)
	assert.Equal(t, int64(3), snap.Streams[1].Lines)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, ports.ports["odom"].Closed())
	assert.True(t, ports.ports["gps"].Closed())
}

func TestRunWithSyntheticSensors(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0).UTC())
	cfg := testConfig()
	for i := range cfg.Streams {
		cfg.Streams[i].Port = config.MockPort
	}
	d, err := New(Options{Config: cfg, Clock: clock})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		clock.Advance(20 * time.Millisecond)
		snap := d.Snapshot()
		return snap.LastSync != nil && snap.Streams[0].Lines > 0 && snap.Streams[1].Lines > 0
	}, 5*time.Second, 5*time.Millisecond)

	for _, st := range d.Snapshot().Streams {
		assert.Zero(t, st.Rejected, st.Name)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMockSensorLinesDecode(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0).UTC())
	d, _ := newTestDaemon(t, Options{Clock: clock})

	for _, name := range []string{"odom", "gps"} {
		model := map[string]string{"odom": "odometry", "gps": "pose"}[name]
		next := d.mockSensor(name, model)
		assert.Nil(t, next(), "first call only starts the sensor")

		clock.Advance(100 * time.Millisecond)
		line := next()
		require.NotNil(t, line)
		rec, err := d.Codec().Decode(line)
		require.NoError(t, err)
		assert.Equal(t, name, rec.Stream)
		assert.Equal(t, clock.Now(), rec.Time)
	}
}

func TestOpenPortWithoutSyntheticSensor(t *testing.T) {
	d, _ := newTestDaemon(t, Options{})
	_, err := d.openPort(config.StreamConfig{Name: "x", Model: "lidar", Port: config.MockPort})
	assert.ErrorContains(t, err, "no synthetic sensor")
}

func TestAttachAdminRoutes(t *testing.T) {
	d, _ := newTestDaemon(t, Options{})
	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)

	for _, path := range []string{"/debug/serial/odom/tail", "/debug/serial/gps/tail"} {
		_, pattern := mux.Handler(httptest.NewRequest(http.MethodGet, path, nil))
		assert.NotEmpty(t, pattern, path)
	}
}
