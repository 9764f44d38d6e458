package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/sensorfusion/internal/fusiondb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordedRun(t *testing.T) (*fusiondb.DB, fusiondb.Run) {
	t.Helper()
	db, err := fusiondb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	start := time.Unix(100, 0).UTC()
	run, err := db.StartRun(start, "bench")
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		at := start.Add(time.Duration(i) * 100 * time.Millisecond)
		require.NoError(t, db.RecordMeasurement(run.ID, "odom", at, []byte(`{}`)))
	}
	require.NoError(t, db.RecordMeasurement(run.ID, "gps", start.Add(250*time.Millisecond), []byte(`{}`)))
	require.NoError(t, db.RecordSyncPoint(run.ID, fusiondb.SyncPoint{Time: start.Add(300 * time.Millisecond), Instants: 4}))
	require.NoError(t, db.RecordSyncPoint(run.ID, fusiondb.SyncPoint{Time: start.Add(500 * time.Millisecond), Instants: 2, Errors: "odom: range"}))
	return db, run
}

func TestBuildPlot(t *testing.T) {
	db, run := recordedRun(t)
	meas, err := db.Measurements(run.ID, "")
	require.NoError(t, err)
	points, err := db.SyncPoints(run.ID)
	require.NoError(t, err)

	p, err := buildPlot(run, meas, points)
	require.NoError(t, err)
	assert.Equal(t, "Run "+run.ID+" - bench", p.Title.Text)
	assert.InDelta(t, -0.5, p.Y.Min, 1e-9)
	assert.InDelta(t, 1.5, p.Y.Max, 1e-9)
	assert.InDelta(t, 0.1, p.X.Min, 1e-9)
	assert.InDelta(t, 0.5, p.X.Max, 1e-9)
}

func TestBuildPlotWithoutMeasurements(t *testing.T) {
	_, err := buildPlot(fusiondb.Run{ID: "x"}, nil, nil)
	assert.ErrorIs(t, err, errNoMeasurements)
}

func TestPlotRun(t *testing.T) {
	db, run := recordedRun(t)
	out := filepath.Join(t.TempDir(), "timeline.png")

	n, err := plotRun(db, run, []string{"gps"}, out, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestResolveRun(t *testing.T) {
	db, run := recordedRun(t)

	got, err := resolveRun(db, "")
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	got, err = resolveRun(db, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "bench", got.Note)

	_, err = resolveRun(db, "nope")
	assert.ErrorIs(t, err, fusiondb.ErrUnknownRun)
}
