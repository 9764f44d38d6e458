package daemon

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/sensorfusion/internal/config"
	"github.com/banshee-data/sensorfusion/internal/fusion/residual"
	"github.com/banshee-data/sensorfusion/internal/fusion/state"
	"github.com/banshee-data/sensorfusion/internal/ingest"
	"github.com/banshee-data/sensorfusion/internal/monitoring"
	"github.com/banshee-data/sensorfusion/internal/serialmux"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Synthetic sensors move along a circle of this radius and angular rate.
const (
	mockRadius = 5.0                 // m
	mockRate   = 2 * math.Pi / 60.0 // rad/s
)

// mockIntervals are the output periods of the synthetic sensor of each model.
var mockIntervals = map[string]time.Duration{
	"odometry": 20 * time.Millisecond,
	"pose":     100 * time.Millisecond,
}

func (d *Daemon) openPort(cfg config.StreamConfig) (serialmux.SerialMuxInterface, error) {
	if !cfg.IsMock() {
		return serialmux.NewRealSerialMux(cfg.Name, cfg.Port, cfg.GetPortOptions())
	}
	interval, ok := mockIntervals[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("no synthetic sensor for model %q", cfg.Model)
	}
	return serialmux.NewMockSerialMux(cfg.Name, d.clock, interval, d.mockSensor(cfg.Name, cfg.Model)), nil
}

// mockSensor returns a generator of encoded lines for the named stream. The
// first call only establishes the start time, and calls that find the clock
// unchanged yield nothing.
func (d *Daemon) mockSensor(name, model string) func() []byte {
	var start, prev time.Time
	return func() []byte {
		now := d.clock.Now()
		if start.IsZero() {
			start, prev = now, now
			return nil
		}
		if !now.After(prev) {
			return nil
		}
		var m *state.State
		switch model {
		case "odometry":
			m = residual.NewOdometryMeasurement(r3.Sub(circle(now.Sub(start)), circle(prev.Sub(start))))
		case "pose":
			m = residual.NewPoseMeasurement(circle(now.Sub(start)), heading(now.Sub(start)))
		}
		prev = now
		line, err := d.codec.Encode(ingest.Record{Stream: name, Time: now, Measurement: m})
		if err != nil {
			monitoring.Logf("stream %s: synthetic sensor: %v", name, err)
			return nil
		}
		return line
	}
}

func circle(elapsed time.Duration) r3.Vec {
	a := mockRate * elapsed.Seconds()
	return r3.Vec{X: mockRadius * math.Cos(a), Y: mockRadius * math.Sin(a)}
}

// heading is the yaw of a sensor tangent to the circle.
func heading(elapsed time.Duration) quat.Number {
	yaw := mockRate*elapsed.Seconds() + math.Pi/2
	return quat.Number{Real: math.Cos(yaw / 2), Kmag: math.Sin(yaw / 2)}
}
