// Package timeline buffers the measurements of one sensor stream and
// resamples them to the instants a fusion loop evaluates.
//
// A Timeline is a strictly time-ordered map from instant to Measurement plus
// a processed watermark. Once the watermark exists, nothing at or before it is
// accepted. Split and merge use a stream-supplied BinaryResidual to move
// information between adjacent instants without losing what the stream's
// algebra considers meaningful.
//
// Timelines are not safe for concurrent use.
package timeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/sensorfusion/internal/fusion/state"
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

var (
	// ErrOutOfOrder is returned for insertions at or before the watermark.
	ErrOutOfOrder = errors.New("measurement at or before processed time")
	// ErrDuplicate is returned when an instant is already occupied.
	ErrDuplicate = errors.New("measurement already exists")
	// ErrRange is returned when a requested instant has no enclosing interval.
	ErrRange = errors.New("time outside available data")
	// ErrNotFound is returned when an operation names an empty instant.
	ErrNotFound = errors.New("no measurement at time")
)

// Measurement is an immutable, timestamped payload described by its own
// definition. The timeline never mutates a stored measurement; split and merge
// replace entries with new ones.
type Measurement interface {
	Def() *state.Definition
}

// BinaryResidual is the data algebra a stream owner supplies so a timeline
// can resample the stream. Neither method depends on the filter state.
type BinaryResidual interface {
	// SplitMeasurements divides m, covering (t0, t2], into two measurements
	// covering (t0, t1] and (t1, t2] that together carry the same information.
	SplitMeasurements(m Measurement, t0, t1, t2 time.Time) (first, second Measurement, err error)
	// MergeMeasurements folds m1, covering (t0, t1], and m2, covering
	// (t1, t2], into one measurement covering (t0, t2].
	MergeMeasurements(m1, m2 Measurement, t0, t1, t2 time.Time) (Measurement, error)
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithName labels diagnostics with the stream name.
func WithName(name string) Option {
	return func(tl *Timeline) { tl.name = name }
}

// WithDiagnostics routes diagnostics to sink instead of the ops log.
func WithDiagnostics(sink DiagnosticSink) Option {
	return func(tl *Timeline) {
		if sink != nil {
			tl.sink = sink
		}
	}
}

// Timeline is the measurement buffer of one stream.
type Timeline struct {
	name         string
	meas         *redblacktree.Tree // time.Time -> Measurement
	watermark    time.Time
	hasWatermark bool
	maxWait      time.Duration
	minWait      time.Duration
	sink         DiagnosticSink
}

// New returns an empty timeline. maxWait bounds how stale a synchronization
// instant may become; minWait is how long to wait past the newest sample for
// late data.
func New(maxWait, minWait time.Duration, opts ...Option) *Timeline {
	tl := &Timeline{
		meas:    redblacktree.NewWith(utils.TimeComparator),
		maxWait: maxWait,
		minWait: minWait,
		sink:    logSink{},
	}
	for _, opt := range opts {
		opt(tl)
	}
	return tl
}

// Name is the stream label.
func (tl *Timeline) Name() string { return tl.name }

// MaxWait returns the staleness bound.
func (tl *Timeline) MaxWait() time.Duration { return tl.maxWait }

// MinWait returns the late-data allowance.
func (tl *Timeline) MinWait() time.Duration { return tl.minWait }

func (tl *Timeline) report(op string, t time.Time, err error) error {
	tl.sink.Report(Diagnostic{Stream: tl.name, Op: op, Time: t, Err: err})
	return err
}

// AddMeas stores m at t. It rejects instants at or before the watermark and
// occupied instants, reporting a diagnostic and leaving the map unchanged.
func (tl *Timeline) AddMeas(m Measurement, t time.Time) error {
	if tl.hasWatermark && !t.After(tl.watermark) {
		return tl.report("add", t, fmt.Errorf("%w: %s is not after %s", ErrOutOfOrder, t.Format(time.RFC3339Nano), tl.watermark.Format(time.RFC3339Nano)))
	}
	if _, ok := tl.meas.Get(t); ok {
		return tl.report("add", t, ErrDuplicate)
	}
	tl.meas.Put(t, m)
	tracef("%s: added measurement at %s (%d buffered)", tl.label(), t.Format(time.RFC3339Nano), tl.meas.Size())
	return nil
}

// RemoveProcessedFirst erases the earliest measurement and moves the
// watermark to its instant. It panics on an empty timeline.
func (tl *Timeline) RemoveProcessedFirst() {
	first := tl.meas.Left()
	if first == nil {
		panic(fmt.Sprintf("timeline %s: remove processed measurement from empty timeline", tl.label()))
	}
	t := first.Key.(time.Time)
	tl.meas.Remove(t)
	tl.setWatermark(t)
}

// RemoveProcessedMeas erases the measurement at t and moves the watermark to
// t. It panics if t holds no measurement.
func (tl *Timeline) RemoveProcessedMeas(t time.Time) {
	if _, ok := tl.meas.Get(t); !ok {
		panic(fmt.Sprintf("timeline %s: remove processed measurement at %s: %v", tl.label(), t.Format(time.RFC3339Nano), ErrNotFound))
	}
	tl.meas.Remove(t)
	tl.setWatermark(t)
}

func (tl *Timeline) setWatermark(t time.Time) {
	tl.watermark = t
	tl.hasWatermark = true
}

// Clear drops every measurement and the watermark.
func (tl *Timeline) Clear() {
	tl.meas.Clear()
	tl.watermark = time.Time{}
	tl.hasWatermark = false
}

// Len is the number of buffered measurements.
func (tl *Timeline) Len() int { return tl.meas.Size() }

// Get returns the measurement stored at t.
func (tl *Timeline) Get(t time.Time) (Measurement, bool) {
	v, ok := tl.meas.Get(t)
	if !ok {
		return nil, false
	}
	return v.(Measurement), true
}

// Times returns the buffered instants in ascending order.
func (tl *Timeline) Times() []time.Time {
	keys := tl.meas.Keys()
	out := make([]time.Time, len(keys))
	for i, k := range keys {
		out[i] = k.(time.Time)
	}
	return out
}

// Watermark returns the processed watermark, if one exists.
func (tl *Timeline) Watermark() (time.Time, bool) {
	return tl.watermark, tl.hasWatermark
}

// LastTime returns the newest buffered instant, or the watermark when the
// buffer is empty.
func (tl *Timeline) LastTime() (time.Time, bool) {
	if last := tl.meas.Right(); last != nil {
		return last.Key.(time.Time), true
	}
	return tl.watermark, tl.hasWatermark
}

// MaximalUpdateTime is the latest instant at which an update may be evaluated
// at wall time now: max(now - maxWait, lastKnown + minWait).
func (tl *Timeline) MaximalUpdateTime(now time.Time) time.Time {
	limit := now.Add(-tl.maxWait)
	if last, ok := tl.LastTime(); ok {
		if waited := last.Add(tl.minWait); waited.After(limit) {
			limit = waited
		}
	}
	return limit
}

// AddAllInRange adds every buffered instant in (start, end] to times.
func (tl *Timeline) AddAllInRange(times *TimeSet, start, end time.Time) {
	for n := tl.after(start); n != nil; n = tl.after(n.Key.(time.Time)) {
		t := n.Key.(time.Time)
		if t.After(end) {
			return
		}
		times.Add(t)
	}
}

// AddLastInRange adds the greatest buffered instant in (start, end], if any.
func (tl *Timeline) AddLastInRange(times *TimeSet, start, end time.Time) {
	n, ok := tl.meas.Floor(end)
	if !ok {
		return
	}
	if t := n.Key.(time.Time); t.After(start) {
		times.Add(t)
	}
}

// Split synthesizes a measurement at t1 from the one at t2, which covers
// (t0, t2]. The first half is stored at t1 and the second replaces t2.
func (tl *Timeline) Split(t0, t1, t2 time.Time, r BinaryResidual) error {
	v, ok := tl.meas.Get(t2)
	if !ok {
		return tl.report("split", t2, ErrNotFound)
	}
	if !t0.Before(t1) || !t1.Before(t2) {
		return tl.report("split", t1, fmt.Errorf("%w: split instant not strictly inside interval", ErrRange))
	}
	if tl.hasWatermark && !t1.After(tl.watermark) {
		return tl.report("split", t1, ErrOutOfOrder)
	}
	if _, ok := tl.meas.Get(t1); ok {
		return tl.report("split", t1, ErrDuplicate)
	}
	first, second, err := r.SplitMeasurements(v.(Measurement), t0, t1, t2)
	if err != nil {
		return tl.report("split", t1, err)
	}
	tl.meas.Put(t1, first)
	tl.meas.Put(t2, second)
	diagf("%s: split %s at %s", tl.label(), tl.span(t0, t2), t1.Format(time.RFC3339Nano))
	return nil
}

// SplitAll makes a measurement available at every instant in times. Each
// missing instant splits its enclosing interval (previous, next], where
// previous is the prior buffered instant or the watermark. Requests without
// an enclosing interval are reported and skipped; the remaining requests are
// still served. The returned error joins every skipped request.
func (tl *Timeline) SplitAll(times *TimeSet, r BinaryResidual) error {
	var errs []error
	for _, t := range times.Times() {
		next, ok := tl.meas.Ceiling(t)
		if !ok {
			errs = append(errs, tl.report("split", t, fmt.Errorf("%w: after newest measurement", ErrRange)))
			continue
		}
		if next.Key.(time.Time).Equal(t) {
			continue
		}
		previous, ok := tl.previous(next.Key.(time.Time))
		if !ok || !previous.Before(t) {
			errs = append(errs, tl.report("split", t, fmt.Errorf("%w: no interval encloses the request", ErrRange)))
			continue
		}
		if err := tl.Split(previous, t, next.Key.(time.Time), r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Merge folds the measurement at t1 into the one at t2, which then covers
// (t0, t2]. Erasing t1 does not move the watermark.
func (tl *Timeline) Merge(t0, t1, t2 time.Time, r BinaryResidual) error {
	v1, ok1 := tl.meas.Get(t1)
	v2, ok2 := tl.meas.Get(t2)
	if !ok1 || !ok2 {
		return tl.report("merge", t1, ErrNotFound)
	}
	if !t0.Before(t1) || !t1.Before(t2) {
		return tl.report("merge", t1, fmt.Errorf("%w: merge instant not strictly inside interval", ErrRange))
	}
	merged, err := r.MergeMeasurements(v1.(Measurement), v2.(Measurement), t0, t1, t2)
	if err != nil {
		return tl.report("merge", t1, err)
	}
	tl.meas.Put(t2, merged)
	tl.meas.Remove(t1)
	diagf("%s: merged %s into %s", tl.label(), t1.Format(time.RFC3339Nano), tl.span(t0, t2))
	return nil
}

// MergeUndesired merges away every buffered instant up to the last of times
// that is not itself in times, each into its successor. Instants past the
// last requested time are kept. An instant with no predecessor interval or no
// successor stops the pass with a range error.
func (tl *Timeline) MergeUndesired(times *TimeSet, r BinaryResidual) error {
	last, ok := times.Last()
	if !ok {
		return nil
	}
	n := tl.meas.Left()
	for n != nil {
		t := n.Key.(time.Time)
		if t.After(last) {
			return nil
		}
		if times.Contains(t) {
			n = tl.after(t)
			continue
		}
		previous, ok := tl.previous(t)
		if !ok {
			return tl.report("merge", t, fmt.Errorf("%w: no interval precedes the instant", ErrRange))
		}
		succ := tl.after(t)
		if succ == nil {
			return tl.report("merge", t, fmt.Errorf("%w: no successor to merge into", ErrRange))
		}
		if err := tl.Merge(previous, t, succ.Key.(time.Time), r); err != nil {
			return err
		}
		n = succ
	}
	return nil
}

// after returns the node with the smallest instant strictly after t.
func (tl *Timeline) after(t time.Time) *redblacktree.Node {
	n, ok := tl.meas.Ceiling(t.Add(time.Nanosecond))
	if !ok {
		return nil
	}
	return n
}

// previous returns the buffered instant strictly before t, falling back to
// the watermark.
func (tl *Timeline) previous(t time.Time) (time.Time, bool) {
	if n, ok := tl.meas.Floor(t.Add(-time.Nanosecond)); ok {
		return n.Key.(time.Time), true
	}
	return tl.watermark, tl.hasWatermark
}

// Format lists the buffered instants as seconds since start, tab separated.
func (tl *Timeline) Format(start time.Time) string {
	var b strings.Builder
	for _, t := range tl.Times() {
		fmt.Fprintf(&b, "%g\t", t.Sub(start).Seconds())
	}
	return b.String()
}

func (tl *Timeline) label() string {
	if tl.name == "" {
		return "timeline"
	}
	return tl.name
}

func (tl *Timeline) span(t0, t2 time.Time) string {
	return fmt.Sprintf("(%s, %s]", t0.Format(time.RFC3339Nano), t2.Format(time.RFC3339Nano))
}
