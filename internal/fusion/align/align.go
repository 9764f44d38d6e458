// Package align plans synchronization instants across several measurement
// timelines.
//
// Each stream contributes candidate instants up to the earliest maximal
// update time over all streams. Resampling streams are split and merged onto
// exactly the chosen instants; the others contribute what they have. The
// caller evaluates its updates against a Plan and then commits it, which
// moves every stream's watermark past the plan.
package align

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/sensorfusion/internal/fusion/timeline"
)

var (
	// ErrUnknownStream is returned for measurements of an unregistered stream.
	ErrUnknownStream = errors.New("unknown stream")
	// ErrStream is returned when a stream cannot be registered.
	ErrStream = errors.New("invalid stream")
)

// Policy selects which buffered instants a stream contributes to a plan.
type Policy int

const (
	// PolicyAll contributes every instant in the planning window.
	PolicyAll Policy = iota
	// PolicyLast contributes only the newest instant in the window.
	PolicyLast
)

// ParsePolicy accepts "all" and "last".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "all", "":
		return PolicyAll, nil
	case "last":
		return PolicyLast, nil
	}
	return 0, fmt.Errorf("unknown policy %q", s)
}

func (p Policy) String() string {
	if p == PolicyLast {
		return "last"
	}
	return "all"
}

// Stream is one registered timeline.
type Stream struct {
	Name     string
	Timeline *timeline.Timeline
	// Residual resamples the stream; required when Resample is set.
	Residual timeline.BinaryResidual
	Policy   Policy
	Resample bool
}

// Sample is a measurement selected for a plan.
type Sample struct {
	Time        time.Time
	Measurement timeline.Measurement
}

// Plan is the outcome of one planning round.
type Plan struct {
	SyncTime time.Time
	// Times are the evaluation instants, ascending.
	Times []time.Time
	// Samples holds, per stream, the measurements available at Times.
	Samples map[string][]Sample
}

// Aligner coordinates a fixed set of streams. It is not safe for concurrent
// use.
type Aligner struct {
	streams  []*Stream
	byName   map[string]*Stream
	lastSync time.Time
	hasSync  bool
}

// New returns an aligner without streams.
func New() *Aligner {
	return &Aligner{byName: make(map[string]*Stream)}
}

// Add registers s.
func (a *Aligner) Add(s Stream) error {
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: empty name", ErrStream)
	case s.Timeline == nil:
		return fmt.Errorf("%w: %s has no timeline", ErrStream, s.Name)
	case s.Resample && s.Residual == nil:
		return fmt.Errorf("%w: %s resamples without a residual", ErrStream, s.Name)
	}
	if _, ok := a.byName[s.Name]; ok {
		return fmt.Errorf("%w: %s registered twice", ErrStream, s.Name)
	}
	st := s
	a.streams = append(a.streams, &st)
	a.byName[s.Name] = &st
	return nil
}

// Stream returns the named stream.
func (a *Aligner) Stream(name string) (*Stream, bool) {
	s, ok := a.byName[name]
	return s, ok
}

// Streams returns the streams in registration order.
func (a *Aligner) Streams() []*Stream {
	out := make([]*Stream, len(a.streams))
	copy(out, a.streams)
	return out
}

// AddMeas buffers m on the named stream.
func (a *Aligner) AddMeas(stream string, m timeline.Measurement, t time.Time) error {
	s, ok := a.byName[stream]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	return s.Timeline.AddMeas(m, t)
}

// LastSync returns the sync time of the last committed plan.
func (a *Aligner) LastSync() (time.Time, bool) { return a.lastSync, a.hasSync }

// SyncTime is the earliest maximal update time over all streams at wall time
// now.
func (a *Aligner) SyncTime(now time.Time) (time.Time, bool) {
	if len(a.streams) == 0 {
		return time.Time{}, false
	}
	sync := a.streams[0].Timeline.MaximalUpdateTime(now)
	for _, s := range a.streams[1:] {
		if t := s.Timeline.MaximalUpdateTime(now); t.Before(sync) {
			sync = t
		}
	}
	return sync, true
}

// Plan selects the evaluation instants in (last sync, sync time] and prepares
// every stream for them. It returns nil when nothing is ready. Resampling
// failures are reported in the returned error; the plan still covers every
// stream that could be prepared.
func (a *Aligner) Plan(now time.Time) (*Plan, error) {
	sync, ok := a.SyncTime(now)
	if !ok || (a.hasSync && !sync.After(a.lastSync)) {
		return nil, nil
	}
	a.dropLate()

	var start time.Time
	if a.hasSync {
		start = a.lastSync
	}
	times := timeline.NewTimeSet()
	for _, s := range a.streams {
		if s.Policy == PolicyLast {
			s.Timeline.AddLastInRange(times, start, sync)
		} else {
			s.Timeline.AddAllInRange(times, start, sync)
		}
	}
	if times.Empty() {
		return nil, nil
	}

	var errs []error
	for _, s := range a.streams {
		if !s.Resample {
			continue
		}
		if err := s.Timeline.SplitAll(times, s.Residual); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
		if err := s.Timeline.MergeUndesired(times, s.Residual); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}

	p := &Plan{SyncTime: sync, Times: times.Times(), Samples: make(map[string][]Sample, len(a.streams))}
	for _, s := range a.streams {
		for _, t := range p.Times {
			if m, ok := s.Timeline.Get(t); ok {
				p.Samples[s.Name] = append(p.Samples[s.Name], Sample{Time: t, Measurement: m})
			}
		}
	}
	diagf("plan at %s: %d instants, %d streams with samples", sync.Format(time.RFC3339Nano), len(p.Times), len(p.Samples))
	return p, errors.Join(errs...)
}

// Commit marks p processed: every buffered measurement up to the plan's sync
// time is removed, moving each stream's watermark, and the next plan starts
// after p.SyncTime. It returns the number of measurements removed.
func (a *Aligner) Commit(p *Plan) int {
	if p == nil {
		return 0
	}
	if a.hasSync && !p.SyncTime.After(a.lastSync) {
		panic(fmt.Sprintf("align: commit of plan at %s not after last sync %s", p.SyncTime.Format(time.RFC3339Nano), a.lastSync.Format(time.RFC3339Nano)))
	}
	removed := 0
	for _, s := range a.streams {
		removed += removeThrough(s.Timeline, p.SyncTime)
	}
	a.lastSync = p.SyncTime
	a.hasSync = true
	tracef("committed %s, %d measurements processed", p.SyncTime.Format(time.RFC3339Nano), removed)
	return removed
}

// Reset clears every stream and forgets the last sync time.
func (a *Aligner) Reset() {
	for _, s := range a.streams {
		s.Timeline.Clear()
	}
	a.lastSync = time.Time{}
	a.hasSync = false
}

// dropLate discards measurements that arrived after their window was
// committed.
func (a *Aligner) dropLate() {
	if !a.hasSync {
		return
	}
	for _, s := range a.streams {
		if n := removeThrough(s.Timeline, a.lastSync); n > 0 {
			opsf("%s: discarded %d measurements at or before last sync %s", s.Name, n, a.lastSync.Format(time.RFC3339Nano))
		}
	}
}

func removeThrough(tl *timeline.Timeline, t time.Time) int {
	n := 0
	for _, ts := range tl.Times() {
		if ts.After(t) {
			break
		}
		tl.RemoveProcessedFirst()
		n++
	}
	return n
}
