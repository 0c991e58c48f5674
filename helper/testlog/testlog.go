// Package testlog creates hclog loggers backed by testing.T to ease logging
// in tests.
package testlog

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogLevel returns the level tests should log at, overridable with
// TEST_LOG_LEVEL.
func LogLevel() string {
	if testLogLevel := os.Getenv("TEST_LOG_LEVEL"); testLogLevel != "" {
		return testLogLevel
	}
	return "WARN"
}

// Logger is the methods of testing.T (or testing.B) needed by the test
// logger.
type Logger interface {
	Logf(format string, args ...interface{})
	Name() string
}

// writer implements io.Writer on top of a Logger.
type writer struct {
	t Logger
}

func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a Logger.
func NewWriter(t Logger) io.Writer {
	return &writer{t}
}

// HCLogger returns a new test logger with the Name set to the name of the
// currently running test.
func HCLogger(t Logger) hclog.InterceptLogger {
	level := LogLevel()
	opts := &hclog.LoggerOptions{
		Name:            t.Name(),
		Level:           hclog.LevelFromString(level),
		Output:          NewWriter(t),
		IncludeLocation: true,
	}
	return hclog.NewInterceptLogger(opts)
}
