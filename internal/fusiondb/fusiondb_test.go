package fusiondb

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "fusion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMigrates(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Already at the latest version.
	require.NoError(t, db.MigrateUp())

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	_, err = db.Runs()
	assert.Error(t, err, "runs table should be gone after down migration")
}

func TestOpenInMemory(t *testing.T) {
	t.Parallel()

	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	run, err := db.StartRun(t0, "memory")
	require.NoError(t, err)
	require.NoError(t, db.RecordMeasurement(run.ID, "odom", t0, []byte(`{}`)))
	ms, err := db.Measurements(run.ID, "")
	require.NoError(t, err)
	assert.Len(t, ms, 1)
}

func TestRuns(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	_, err := db.LatestRun()
	assert.ErrorIs(t, err, ErrUnknownRun)

	first, err := db.StartRun(t0, "first")
	require.NoError(t, err)
	second, err := db.StartRun(t0.Add(time.Hour), "second")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, first.ID, 36)

	runs, err := db.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.True(t, runs[1].StartedAt.Equal(t0))
	assert.Equal(t, "first", runs[1].Note)

	latest, err := db.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestMeasurements(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	run, err := db.StartRun(t0, "")
	require.NoError(t, err)
	other, err := db.StartRun(t0, "")
	require.NoError(t, err)

	require.NoError(t, db.RecordMeasurement(run.ID, "odom", t0.Add(2*time.Second), []byte(`{"stream":"odom","t":2}`)))
	require.NoError(t, db.RecordMeasurement(run.ID, "gps", t0.Add(1500*time.Millisecond), []byte(`{"stream":"gps","t":1.5}`)))
	require.NoError(t, db.RecordMeasurement(run.ID, "odom", t0.Add(time.Second), []byte(`{"stream":"odom","t":1}`)))
	require.NoError(t, db.RecordMeasurement(other.ID, "odom", t0, []byte(`{}`)))

	all, err := db.Measurements(run.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"odom", "gps", "odom"}, []string{all[0].Stream, all[1].Stream, all[2].Stream})
	assert.True(t, all[1].Time.Equal(t0.Add(1500*time.Millisecond)))
	assert.Equal(t, `{"stream":"gps","t":1.5}`, all[1].Payload)

	odom, err := db.Measurements(run.ID, "odom")
	require.NoError(t, err)
	require.Len(t, odom, 2)
	assert.True(t, odom[0].Time.Before(odom[1].Time))

	none, err := db.Measurements("missing", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSyncPoints(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	run, err := db.StartRun(t0, "")
	require.NoError(t, err)

	require.NoError(t, db.RecordSyncPoint(run.ID, SyncPoint{Time: t0.Add(2 * time.Second), Instants: 2, Removed: 3}))
	require.NoError(t, db.RecordSyncPoint(run.ID, SyncPoint{Time: t0.Add(time.Second), Instants: 1, Removed: 1, Errors: "odom: range"}))

	points, err := db.SyncPoints(run.ID)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.True(t, points[0].Time.Equal(t0.Add(time.Second)))
	assert.Equal(t, "odom: range", points[0].Errors)
	assert.Equal(t, SyncPoint{Time: t0.Add(2 * time.Second), Instants: 2, Removed: 3}, points[1])
}

func TestAttachAdminRoutes(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	_, pattern := mux.Handler(httptest.NewRequest(http.MethodGet, "/debug/tailsql/", nil))
	assert.Equal(t, "/debug/tailsql/", pattern)
}
