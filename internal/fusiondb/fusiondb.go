// Package fusiondb records the measurements and alignment rounds of a fusion
// run in sqlite so that runs can be inspected and replayed.
package fusiondb

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

// ErrUnknownRun is returned when a run id has no row in runs.
var ErrUnknownRun = errors.New("unknown run")

type DB struct {
	*sql.DB
	path string
}

// Run is one daemon session.
type Run struct {
	ID        string
	StartedAt time.Time
	Note      string
}

// Measurement is one recorded sensor line.
type Measurement struct {
	RunID   string
	Stream  string
	Time    time.Time
	Payload string
}

// SyncPoint is one committed alignment round.
type SyncPoint struct {
	Time     time.Time
	Instants int
	Removed  int
	// Errors holds the resampling errors of the round, if any.
	Errors string
}

// Open opens the database at path and migrates it to the latest schema.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		// Every pooled connection would see its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// StartRun inserts a new run with a random id.
func (db *DB) StartRun(startedAt time.Time, note string) (Run, error) {
	run := Run{ID: uuid.NewString(), StartedAt: startedAt, Note: note}
	if _, err := db.Exec(
		`INSERT INTO runs (run_id, started_at, note) VALUES (?, ?, ?)`,
		run.ID, startedAt.UnixNano(), note,
	); err != nil {
		return Run{}, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// Runs returns every run, newest first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, started_at, note FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var ns int64
		if err := rows.Scan(&r.ID, &ns, &r.Note); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, ns).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recently started run.
func (db *DB) LatestRun() (Run, error) {
	runs, err := db.Runs()
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrUnknownRun
	}
	return runs[0], nil
}

// RecordMeasurement stores one encoded measurement line.
func (db *DB) RecordMeasurement(runID, stream string, t time.Time, payload []byte) error {
	_, err := db.Exec(
		`INSERT INTO measurements (run_id, stream, t_ns, payload) VALUES (?, ?, ?, ?)`,
		runID, stream, t.UnixNano(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to record measurement of %s: %w", stream, err)
	}
	return nil
}

// RecordSyncPoint stores one committed alignment round.
func (db *DB) RecordSyncPoint(runID string, p SyncPoint) error {
	_, err := db.Exec(
		`INSERT INTO sync_points (run_id, t_ns, instants, removed, errors) VALUES (?, ?, ?, ?, ?)`,
		runID, p.Time.UnixNano(), p.Instants, p.Removed, p.Errors,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync point: %w", err)
	}
	return nil
}

// Measurements returns the recorded measurements of a run ordered by time.
// An empty stream selects every stream.
func (db *DB) Measurements(runID, stream string) ([]Measurement, error) {
	query := `SELECT run_id, stream, t_ns, payload FROM measurements WHERE run_id = ?`
	args := []interface{}{runID}
	if stream != "" {
		query += ` AND stream = ?`
		args = append(args, stream)
	}
	query += ` ORDER BY t_ns, measurement_id`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var m Measurement
		var ns int64
		if err := rows.Scan(&m.RunID, &m.Stream, &ns, &m.Payload); err != nil {
			return nil, err
		}
		m.Time = time.Unix(0, ns).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// SyncPoints returns the committed rounds of a run ordered by time.
func (db *DB) SyncPoints(runID string) ([]SyncPoint, error) {
	rows, err := db.Query(
		`SELECT t_ns, instants, removed, errors FROM sync_points WHERE run_id = ? ORDER BY t_ns`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncPoint
	for rows.Next() {
		var p SyncPoint
		var ns int64
		if err := rows.Scan(&ns, &p.Instants, &p.Removed, &p.Errors); err != nil {
			return nil, err
		}
		p.Time = time.Unix(0, ns).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts a tailsql live query console on the debug mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Fusion recordings",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
}
