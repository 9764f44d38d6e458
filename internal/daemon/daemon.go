// Package daemon runs the fusion loop: it reads sensor lines from one serial
// port per stream, buffers them on per-stream timelines and periodically
// plans and commits synchronization rounds.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sensorfusion/internal/api"
	"github.com/banshee-data/sensorfusion/internal/config"
	"github.com/banshee-data/sensorfusion/internal/fusion/align"
	"github.com/banshee-data/sensorfusion/internal/fusion/residual"
	"github.com/banshee-data/sensorfusion/internal/fusion/timeline"
	"github.com/banshee-data/sensorfusion/internal/fusiondb"
	"github.com/banshee-data/sensorfusion/internal/ingest"
	"github.com/banshee-data/sensorfusion/internal/monitoring"
	"github.com/banshee-data/sensorfusion/internal/serialmux"
	"github.com/banshee-data/sensorfusion/internal/timeutil"
)

// ErrWrongStream is returned when a port delivers a line of another stream.
var ErrWrongStream = errors.New("line belongs to another stream")

// Options configures a Daemon. Only Config is required.
type Options struct {
	Config *config.FusionConfig
	// Clock defaults to the real clock.
	Clock timeutil.Clock
	// DB records measurements and sync points under RunID when set.
	DB    *fusiondb.DB
	RunID string
	// OpenPort opens the serial mux of a stream. The default opens the
	// configured device, or a synthetic sensor for the mock port.
	OpenPort func(config.StreamConfig) (serialmux.SerialMuxInterface, error)
	// OnPlan is called with every plan before it is committed. It runs with
	// the daemon locked and must not call back into the Daemon.
	OnPlan func(*align.Plan)
}

type stream struct {
	cfg      config.StreamConfig
	update   *residual.Update
	timeline *timeline.Timeline
	port     serialmux.SerialMuxInterface
	rejected atomic.Int64
}

// Daemon owns the aligner and the serial ports of every configured stream.
type Daemon struct {
	opts  Options
	clock timeutil.Clock
	codec *ingest.Codec

	mu      sync.Mutex
	aligner *align.Aligner
	streams []*stream
	byName  map[string]*stream

	closeOnce sync.Once
	closeErr  error
}

// New builds the streams described by opts.Config and opens their ports.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: missing config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	d := &Daemon{
		opts:    opts,
		clock:   opts.Clock,
		codec:   ingest.NewCodec(),
		aligner: align.New(),
		byName:  make(map[string]*stream),
	}
	if d.opts.OpenPort == nil {
		d.opts.OpenPort = d.openPort
	}

	for _, cfg := range opts.Config.Streams {
		u, err := residual.New(cfg.Model)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("stream %s: %w", cfg.Name, err)
		}
		st := &stream{
			cfg:      cfg,
			update:   u,
			timeline: timeline.New(cfg.GetMaxWait(), cfg.GetMinWait(), timeline.WithName(cfg.Name)),
		}
		d.codec.Register(cfg.Name, u.Measurement())
		if err := d.aligner.Add(align.Stream{
			Name:     cfg.Name,
			Timeline: st.timeline,
			Residual: u,
			Policy:   cfg.GetPolicy(),
			Resample: cfg.GetResample(),
		}); err != nil {
			d.Close()
			return nil, err
		}
		d.streams = append(d.streams, st)
		d.byName[cfg.Name] = st
	}

	for _, st := range d.streams {
		port, err := d.opts.OpenPort(st.cfg)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("stream %s: %w", st.cfg.Name, err)
		}
		st.port = port
		monitoring.Logf("stream %s: model=%s policy=%s resample=%t port=%s", st.cfg.Name, st.cfg.Model, st.cfg.GetPolicy(), st.cfg.GetResample(), st.cfg.Port)
	}
	return d, nil
}

// Codec returns the line codec of the configured streams.
func (d *Daemon) Codec() *ingest.Codec { return d.codec }

// Update returns the residual bound to the named stream.
func (d *Daemon) Update(name string) (*residual.Update, bool) {
	st, ok := d.byName[name]
	if !ok {
		return nil, false
	}
	return st.update, true
}

// Ingest decodes one raw line read from the port of the named stream and
// buffers it. Lines that are not measurements are ignored.
func (d *Daemon) Ingest(name, line string) error {
	st, ok := d.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ingest.ErrUnknownStream, name)
	}
	if !ingest.IsMeasurement(line) {
		return nil
	}
	rec, err := d.codec.Decode([]byte(line))
	if err == nil && rec.Stream != name {
		err = fmt.Errorf("%w: %s on port of %s", ErrWrongStream, rec.Stream, name)
	}
	if err == nil {
		d.mu.Lock()
		err = d.aligner.AddMeas(rec.Stream, rec.Measurement, rec.Time)
		d.mu.Unlock()
	}
	if err != nil {
		st.rejected.Add(1)
		return err
	}

	if d.opts.DB != nil {
		if err := d.opts.DB.RecordMeasurement(d.opts.RunID, name, rec.Time, []byte(line)); err != nil {
			monitoring.Logf("stream %s: %v", name, err)
		}
	}
	return nil
}

// Tick runs one synchronization round at wall time now. It returns the
// committed plan, or nil when no stream had anything ready.
func (d *Daemon) Tick(now time.Time) (*align.Plan, error) {
	d.mu.Lock()
	plan, err := d.aligner.Plan(now)
	if plan == nil {
		d.mu.Unlock()
		return nil, err
	}
	if d.opts.OnPlan != nil {
		d.opts.OnPlan(plan)
	}
	removed := d.aligner.Commit(plan)
	d.mu.Unlock()

	if err != nil {
		monitoring.Logf("sync %s: %v", plan.SyncTime.Format(time.RFC3339Nano), err)
	}
	if d.opts.DB != nil {
		p := fusiondb.SyncPoint{Time: plan.SyncTime, Instants: len(plan.Times), Removed: removed}
		if err != nil {
			p.Errors = err.Error()
		}
		if dbErr := d.opts.DB.RecordSyncPoint(d.opts.RunID, p); dbErr != nil {
			monitoring.Logf("sync %s: %v", plan.SyncTime.Format(time.RFC3339Nano), dbErr)
		}
	}
	return plan, err
}

// Run monitors every port and ticks the aligner until ctx is done. The ports
// are closed on return.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, st := range d.streams {
		id, lines := st.port.Subscribe()

		// run the monitor routine to manage IO on the serial port
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.port.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("stream %s: failed to monitor serial port: %v", st.cfg.Name, err)
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer st.port.Unsubscribe(id)
			for {
				select {
				case line, ok := <-lines:
					if !ok {
						return
					}
					if err := d.Ingest(st.cfg.Name, line); err != nil {
						monitoring.Logf("stream %s: %v", st.cfg.Name, err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	ticker := d.clock.NewTicker(d.opts.Config.GetTickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Close()
			wg.Wait()
			return nil
		case now := <-ticker.C():
			// Plan errors are already logged and recorded by Tick.
			_, _ = d.Tick(now)
		}
	}
}

// Snapshot describes every stream at the clock's current time.
func (d *Daemon) Snapshot() api.Snapshot {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := api.Snapshot{Now: now, RunID: d.opts.RunID}
	if t, ok := d.aligner.LastSync(); ok {
		snap.LastSync = &t
	}
	for _, st := range d.streams {
		ss := api.StreamSnapshot{
			Name:          st.cfg.Name,
			Model:         st.cfg.Model,
			Policy:        st.cfg.GetPolicy().String(),
			Resample:      st.cfg.GetResample(),
			Size:          st.timeline.Len(),
			Times:         st.timeline.Times(),
			MaximalUpdate: st.timeline.MaximalUpdateTime(now),
			Rejected:      st.rejected.Load(),
		}
		if w, ok := st.timeline.Watermark(); ok {
			ss.Watermark = &w
		}
		if st.port != nil {
			ss.Lines, ss.Dropped = st.port.Stats()
		}
		snap.Streams = append(snap.Streams, ss)
	}
	return snap
}

// AttachAdminRoutes mounts the debug routes of every port.
func (d *Daemon) AttachAdminRoutes(mux *http.ServeMux) {
	for _, st := range d.streams {
		if st.port != nil {
			st.port.AttachAdminRoutes(mux)
		}
	}
}

// Close closes every opened port. Later calls return the first result.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		for _, st := range d.streams {
			if st.port == nil {
				continue
			}
			if err := st.port.Close(); err != nil {
				errs = append(errs, fmt.Errorf("stream %s: %w", st.cfg.Name, err))
			}
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}
