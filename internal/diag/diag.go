// Package diag tags structured log lines with the current goroutine's
// id and calling function. The status server's /status handler attaches
// it to its debug log line.
package diag

import (
	"bytes"
	"log/slog"
	"runtime"
	"strconv"
)

var goroutinePrefix = []byte("goroutine ")

// Info identifies the current goroutine for log correlation.
type Info struct {
	GoroutineID  int64
	FunctionName string
}

// CurrentGoroutineID parses its own ID out of a runtime.Stack dump;
// there is no public runtime API for this.
func CurrentGoroutineID() int64 {
	buf := make([]byte, 32)
	n := runtime.Stack(buf, false)
	buf = buf[:n]

	buf, ok := bytes.CutPrefix(buf, goroutinePrefix)
	if !ok {
		return 0
	}
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseInt(string(buf[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// callerFunctionName returns the name of the function that called
// Current, skipping this helper and Current itself.
func callerFunctionName() string {
	pc := make([]uintptr, 1)
	runtime.Callers(3, pc)
	if f := runtime.FuncForPC(pc[0]); f != nil {
		return f.Name()
	}
	return "unknown"
}

// Current returns identifying info about the calling goroutine.
func Current() Info {
	return Info{GoroutineID: CurrentGoroutineID(), FunctionName: callerFunctionName()}
}

// Attr renders Info as a slog.Attr group for use in structured log calls.
func (i Info) Attr() slog.Attr {
	return slog.Group("goroutine", slog.Int64("id", i.GoroutineID), slog.String("fn", i.FunctionName))
}
