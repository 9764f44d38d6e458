package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/sensorfusion/internal/timeutil"
)

// ErrPortClosed is returned by the in-process ports after Close.
var ErrPortClosed = errors.New("serial port closed")

// MockSerialPort is an in-process serial port whose input is produced by a
// generator on every tick of a clock. Commands written to it are captured.
type MockSerialPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer

	done      chan struct{}
	closeOnce sync.Once
}

// NewMockSerialPort starts feeding the port with next() every interval of
// clock. A nil line from next skips the tick.
func NewMockSerialPort(clock timeutil.Clock, interval time.Duration, next func() []byte) *MockSerialPort {
	r, w := io.Pipe()
	p := &MockSerialPort{r: r, w: w, done: make(chan struct{})}
	ticker := clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer w.Close()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C():
				line := next()
				if line == nil {
					continue
				}
				if !bytes.HasSuffix(line, []byte("\n")) {
					line = append(line, '\n')
				}
				if _, err := w.Write(line); err != nil {
					return
				}
			}
		}
	}()
	return p
}

// NewMockSerialMux creates a SerialMux backed by a MockSerialPort.
func NewMockSerialMux(name string, clock timeutil.Clock, interval time.Duration, next func() []byte) *SerialMux[*MockSerialPort] {
	return NewSerialMux(name, NewMockSerialPort(clock, interval, next))
}

func (p *MockSerialPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *MockSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return 0, ErrPortClosed
	default:
	}
	return p.written.Write(b)
}

// Close stops the generator; pending reads fail with io.ErrClosedPipe.
func (p *MockSerialPort) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.r.Close()
	})
	return nil
}

// Written returns every command written to the port.
func (p *MockSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// TestableSerialPort implements SerialPorter over in-memory buffers with
// injectable errors. Reads block until data is added or the port is closed.
type TestableSerialPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	eof      bool

	// WriteError is returned by the next Write call if set.
	WriteError error
	// ShortWrite makes Write report one byte less than it was given.
	ShortWrite bool
	// CloseError is returned by Close if set.
	CloseError error
	closed     bool
}

// NewTestableSerialPort creates a TestableSerialPort preloaded with lines.
func NewTestableSerialPort(lines ...string) *TestableSerialPort {
	p := &TestableSerialPort{}
	p.readCond = sync.NewCond(&p.mu)
	for _, l := range lines {
		p.readBuf.WriteString(l + "\n")
	}
	return p
}

func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && !p.eof && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.closed {
		return 0, ErrPortClosed
	}
	if p.readBuf.Len() == 0 {
		return 0, io.EOF
	}
	return p.readBuf.Read(b)
}

func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	n, err := p.writeBuf.Write(b)
	if p.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

// Close marks the port closed and wakes blocked readers.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

// AddLines appends lines to be returned by subsequent reads.
func (p *TestableSerialPort) AddLines(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range lines {
		p.readBuf.WriteString(l + "\n")
	}
	p.readCond.Broadcast()
}

// EOF makes reads return io.EOF once the buffered data is consumed.
func (p *TestableSerialPort) EOF() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eof = true
	p.readCond.Broadcast()
}

// Written returns all data written to the port.
func (p *TestableSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.String()
}

// Closed reports whether Close was called.
func (p *TestableSerialPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
