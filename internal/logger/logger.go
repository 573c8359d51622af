package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger used by the push engine and its helpers.
var Log *Logger

// Logger wraps zerolog with a key/value call style.
type Logger struct {
	z zerolog.Logger
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	Log = &Logger{z: zerolog.New(output).With().Timestamp().Logger()}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup configures the global logger for stderr.
func Setup(level string, format string) {
	SetupWriter(os.Stderr, level, format)
}

// SetupWriter configures the global logger to write to w. format is either
// "json" or anything else for the console writer.
func SetupWriter(w io.Writer, level string, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	var z zerolog.Logger
	if strings.ToLower(format) == "json" {
		z = zerolog.New(w).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: w != os.Stderr}
		z = zerolog.New(output).With().Timestamp().Logger()
	}
	Log = &Logger{z: z}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(args ...interface{}) *Logger {
	c := l.z.With()
	for i := 0; i+1 < len(args); i += 2 {
		c = c.Interface(keyOf(args[i]), args[i+1])
	}
	return &Logger{z: c.Logger()}
}

func (l *Logger) Info(msg string, args ...interface{}) {
	e := l.z.Info()
	addFields(e, args...)
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	e := l.z.Debug()
	addFields(e, args...)
	e.Msg(msg)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	e := l.z.Warn()
	addFields(e, args...)
	e.Msg(msg)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	e := l.z.Error()
	addFields(e, args...)
	e.Msg(msg)
}

// addFields adds variadic key-value pairs to the event. Errors are attached
// with zerolog's error field so they render consistently.
func addFields(e *zerolog.Event, args ...interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key := keyOf(args[i])
		if err, ok := args[i+1].(error); ok {
			e.AnErr(key, err)
			continue
		}
		e.Interface(key, args[i+1])
	}
}

func keyOf(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", k)
}
