// Package kfmt provides the console logger used by the kernel memory
// subsystem. Output is sent to an io.Writer sink which defaults to stderr and
// can be redirected with SetOutputSink.
package kfmt

import (
	"io"
	"os"

	"github.com/phuslu/log"
)

var (
	// logger is shared by all kernel packages. Its writer always points to
	// the current output sink.
	logger = &log.Logger{
		Level:  log.InfoLevel,
		Writer: consoleWriter(os.Stderr),
	}
)

func consoleWriter(w io.Writer) log.Writer {
	return &log.ConsoleWriter{
		ColorOutput:    false,
		EndWithMessage: true,
		Writer:         w,
	}
}

// SetOutputSink sets the target for all log output to w. Passing a nil
// writer discards any further output.
func SetOutputSink(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	logger.Writer = consoleWriter(w)
}

// SetLevel sets the minimum level of entries that reach the output sink.
func SetLevel(level log.Level) {
	logger.Level = level
}

// Logger returns the kernel logger.
func Logger() *log.Logger {
	return logger
}

// Printf logs a formatted informational message tagged with the supplied
// module name.
func Printf(module, format string, args ...interface{}) {
	logger.Info().Str("module", module).Msgf(format, args...)
}

var levelNames = map[string]log.Level{
	"trace": log.TraceLevel,
	"debug": log.DebugLevel,
	"info":  log.InfoLevel,
	"warn":  log.WarnLevel,
	"error": log.ErrorLevel,
}

// LevelFromName returns the log level with the given name. The second return
// value is false if the name is not recognized.
func LevelFromName(name string) (log.Level, bool) {
	level, ok := levelNames[name]
	return level, ok
}
