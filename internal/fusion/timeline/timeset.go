package timeline

import (
	"time"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
)

// TimeSet is an ordered set of instants, used to collect synchronization
// candidates from several timelines.
type TimeSet struct {
	set *treeset.Set
}

// NewTimeSet returns a set holding times.
func NewTimeSet(times ...time.Time) *TimeSet {
	s := &TimeSet{set: treeset.NewWith(utils.TimeComparator)}
	for _, t := range times {
		s.Add(t)
	}
	return s
}

// Add inserts t. Adding a present time is a no-op.
func (s *TimeSet) Add(t time.Time) { s.set.Add(t) }

// Contains reports whether t is in the set.
func (s *TimeSet) Contains(t time.Time) bool { return s.set.Contains(t) }

// Len is the number of instants.
func (s *TimeSet) Len() int { return s.set.Size() }

// Empty reports whether the set has no instants.
func (s *TimeSet) Empty() bool { return s.set.Empty() }

// Last returns the greatest instant.
func (s *TimeSet) Last() (time.Time, bool) {
	it := s.set.Iterator()
	if !it.Last() {
		return time.Time{}, false
	}
	return it.Value().(time.Time), true
}

// Times returns the instants in ascending order.
func (s *TimeSet) Times() []time.Time {
	values := s.set.Values()
	out := make([]time.Time, len(values))
	for i, v := range values {
		out[i] = v.(time.Time)
	}
	return out
}
