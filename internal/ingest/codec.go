// Package ingest decodes sensor lines into measurements.
//
// Every line is one JSON object naming its stream, a timestamp in seconds
// since the Unix epoch and the embedding coordinates of each measurement
// element:
//
//	{"stream":"odom","t":12.5,"values":{"dpos":[0.1,0,0]}}
//
// A rotation is given as a unit quaternion [w, x, y, z].
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/sensorfusion/internal/fusion/state"
	"github.com/banshee-data/sensorfusion/internal/timeutil"
)

var (
	// ErrUnknownStream is returned for lines of an unregistered stream.
	ErrUnknownStream = errors.New("unknown stream")
	// ErrMalformed is returned for lines that are not a measurement object.
	ErrMalformed = errors.New("malformed line")
)

// Line is the wire form of one measurement.
type Line struct {
	Stream string               `json:"stream"`
	T      float64              `json:"t"`
	Values map[string][]float64 `json:"values"`
}

// Record is one decoded measurement.
type Record struct {
	Stream      string
	Time        time.Time
	Measurement *state.State
}

// Codec maps stream names to measurement definitions. It is safe for
// concurrent use.
type Codec struct {
	mu   sync.RWMutex
	defs map[string]*state.Definition
}

// NewCodec returns a codec without streams.
func NewCodec() *Codec {
	return &Codec{defs: make(map[string]*state.Definition)}
}

// Register binds stream to the measurement definition def, which is frozen.
func (c *Codec) Register(stream string, def *state.Definition) {
	def.Freeze()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[stream] = def
}

// Definition returns the measurement definition of stream.
func (c *Codec) Definition(stream string) (*state.Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[stream]
	return def, ok
}

// Streams returns the registered stream names, sorted.
func (c *Codec) Streams() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode parses one line. Every element of the stream's measurement
// definition must be present; unknown element names are rejected.
func (c *Codec) Decode(line []byte) (Record, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Record{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	var l Line
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&l); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if l.Stream == "" {
		return Record{}, fmt.Errorf("%w: missing stream", ErrMalformed)
	}
	def, ok := c.Definition(l.Stream)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownStream, l.Stream)
	}

	m := def.NewState()
	for name := range l.Values {
		if def.Find(name) < 0 {
			return Record{}, fmt.Errorf("%w: stream %s has no element %q (want %s)", ErrMalformed, l.Stream, name, def)
		}
	}
	for i := 0; i < def.NumElements(); i++ {
		coords, ok := l.Values[def.Name(i)]
		if !ok {
			return Record{}, fmt.Errorf("%w: stream %s missing element %q", ErrMalformed, l.Stream, def.Name(i))
		}
		if err := m.Element(i).SetCoords(coords); err != nil {
			return Record{}, fmt.Errorf("%w: stream %s element %s: %v", ErrMalformed, l.Stream, def.Name(i), err)
		}
	}
	return Record{Stream: l.Stream, Time: timeutil.FromSeconds(l.T), Measurement: m}, nil
}

// Encode is the inverse of Decode. The record's stream must be registered
// and its measurement built under the stream's definition.
func (c *Codec) Encode(r Record) ([]byte, error) {
	def, ok := c.Definition(r.Stream)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, r.Stream)
	}
	if !r.Measurement.Def().Matches(def) {
		return nil, fmt.Errorf("stream %s: measurement %s does not match %s", r.Stream, r.Measurement.Def(), def)
	}
	l := Line{Stream: r.Stream, T: timeutil.Seconds(r.Time), Values: make(map[string][]float64, def.NumElements())}
	for i := 0; i < def.NumElements(); i++ {
		l.Values[def.Name(i)] = r.Measurement.Element(i).Coords()
	}
	return json.Marshal(l)
}

// IsMeasurement reports whether a raw line looks like a measurement object,
// as opposed to banner or status output of a sensor.
func IsMeasurement(line string) bool {
	line = strings.TrimSpace(line)
	return strings.HasPrefix(line, "{") && strings.Contains(line, `"stream"`)
}
