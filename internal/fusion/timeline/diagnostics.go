package timeline

import (
	"fmt"
	"sync"
	"time"
)

// Diagnostic describes a rejected or skipped timeline operation. The
// operation itself left the timeline unchanged.
type Diagnostic struct {
	Stream string
	Op     string
	Time   time.Time
	Err    error
}

func (d Diagnostic) String() string {
	stream := d.Stream
	if stream == "" {
		stream = "-"
	}
	return fmt.Sprintf("stream=%s op=%s t=%s: %v", stream, d.Op, d.Time.Format(time.RFC3339Nano), d.Err)
}

// DiagnosticSink receives diagnostics as they happen.
type DiagnosticSink interface {
	Report(d Diagnostic)
}

// DiagnosticFunc adapts a function to DiagnosticSink.
type DiagnosticFunc func(d Diagnostic)

// Report calls f(d).
func (f DiagnosticFunc) Report(d Diagnostic) { f(d) }

// logSink writes diagnostics to the ops stream.
type logSink struct{}

func (logSink) Report(d Diagnostic) { opsf("%s", d) }

// Recorder keeps every diagnostic it receives.
type Recorder struct {
	mu          sync.Mutex
	diagnostics []Diagnostic
}

// Report appends d.
func (r *Recorder) Report(d Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diagnostics = append(r.diagnostics, d)
}

// Diagnostics returns a copy of what was recorded.
func (r *Recorder) Diagnostics() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Diagnostic, len(r.diagnostics))
	copy(out, r.diagnostics)
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diagnostics = nil
}
