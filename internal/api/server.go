package api

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/banshee-data/sensorfusion/internal/fusiondb"
	"github.com/banshee-data/sensorfusion/internal/httputil"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"
)

// StreamSnapshot is the state of one stream's timeline.
type StreamSnapshot struct {
	Name      string      `json:"name"`
	Model     string      `json:"model"`
	Policy    string      `json:"policy"`
	Resample  bool        `json:"resample"`
	Size      int         `json:"size"`
	Times     []time.Time `json:"times"`
	Watermark *time.Time  `json:"watermark,omitempty"`
	// MaximalUpdate is the stream's bound on the next sync time.
	MaximalUpdate time.Time `json:"maximal_update"`
	Lines         int64     `json:"lines"`
	Dropped       int64     `json:"dropped"`
	Rejected      int64     `json:"rejected"`
}

// Snapshot is a consistent view of every stream at one instant.
type Snapshot struct {
	Now      time.Time        `json:"now"`
	RunID    string           `json:"run_id,omitempty"`
	LastSync *time.Time       `json:"last_sync,omitempty"`
	Streams  []StreamSnapshot `json:"streams"`
}

// Source provides snapshots; implementations take whatever locks they need.
type Source interface {
	Snapshot() Snapshot
}

// Server serves the stream and recording endpoints.
type Server struct {
	src Source
	db  *fusiondb.DB
}

// NewServer returns a server over src. db may be nil when recording is off.
func NewServer(src Source, db *fusiondb.DB) *Server {
	return &Server{src: src, db: db}
}

// ServeMux returns the public API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/streams", s.showStreams)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/runs/{id}/sync_points", s.listSyncPoints)
	return mux
}

// AttachAdminRoutes adds the timeline views to the /debug/ page.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("timelines", "buffered measurement timelines (JSON)", s.showStreams)
	debug.HandleFunc("timelines/chart", "buffered measurement timelines (chart)", s.showChart)
}

func (s *Server) showStreams(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.src.Snapshot())
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "recording disabled")
		return
	}
	runs, err := s.db.Runs()
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type runJSON struct {
		ID        string    `json:"id"`
		StartedAt time.Time `json:"started_at"`
		Note      string    `json:"note,omitempty"`
	}
	out := make([]runJSON, len(runs))
	for i, run := range runs {
		out[i] = runJSON{ID: run.ID, StartedAt: run.StartedAt, Note: run.Note}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) listSyncPoints(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "recording disabled")
		return
	}
	points, err := s.db.SyncPoints(r.PathValue("id"))
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type pointJSON struct {
		Time     time.Time `json:"time"`
		Instants int       `json:"instants"`
		Removed  int       `json:"removed"`
		Errors   string    `json:"errors,omitempty"`
	}
	out := make([]pointJSON, len(points))
	for i, p := range points {
		out[i] = pointJSON{Time: p.Time, Instants: p.Instants, Removed: p.Removed, Errors: p.Errors}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// showChart plots every buffered timestamp relative to now, one row per
// stream, with the watermark and maximal update time of each stream.
func (s *Server) showChart(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	snap := s.src.Snapshot()
	streams := append([]StreamSnapshot(nil), snap.Streams...)
	sort.Slice(streams, func(i, j int) bool { return streams[i].Name < streams[j].Name })

	names := make([]string, len(streams))
	for i, st := range streams {
		names[i] = st.Name
	}
	rel := func(t time.Time) float64 { return t.Sub(snap.Now).Seconds() }

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Timelines", Theme: "dark", Width: "1100px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Buffered measurements", Subtitle: fmt.Sprintf("now=%s streams=%d", snap.Now.Format(time.RFC3339Nano), len(streams))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t - now (s)", NameLocation: "middle", NameGap: 25, Type: "value"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: names}),
	)

	var marks, bounds []opts.ScatterData
	for i, st := range streams {
		data := make([]opts.ScatterData, 0, len(st.Times))
		for _, t := range st.Times {
			data = append(data, opts.ScatterData{Value: []interface{}{rel(t), i}})
		}
		scatter.AddSeries(st.Name, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
		if st.Watermark != nil {
			marks = append(marks, opts.ScatterData{Value: []interface{}{rel(*st.Watermark), i}, Symbol: "diamond"})
		}
		bounds = append(bounds, opts.ScatterData{Value: []interface{}{rel(st.MaximalUpdate), i}, Symbol: "triangle"})
	}
	scatter.AddSeries("watermark", marks, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))
	scatter.AddSeries("maximal update", bounds, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))

	httputil.WriteHTML(w, func(out io.Writer) error { return scatter.Render(out) })
}
