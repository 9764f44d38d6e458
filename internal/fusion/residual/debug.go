package residual

import (
	"io"
	"log"
)

var diagLogger *log.Logger

// SetLogWriter configures the diagnostic stream of the residual package,
// used when checking Jacobians. Pass nil to disable it.
func SetLogWriter(diag io.Writer) {
	if diag == nil {
		diagLogger = nil
		return
	}
	diagLogger = log.New(diag, "[residual] ", log.LstdFlags|log.Lmicroseconds)
}

func diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}
