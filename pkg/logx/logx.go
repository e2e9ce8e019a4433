package logx

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger provides structured key/value logging for all overland components.
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a logger with the given level (trace|debug|info|warn|error)
// and component name. Unknown levels fall back to info.
func NewLogger(level, component string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})

	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	return &Logger{entry: l.WithField("component", component)}
}

// WithComponent returns a child logger tagged with a sub-component name.
func (lg *Logger) WithComponent(component string) *Logger {
	return &Logger{entry: lg.entry.WithField("component", component)}
}

func (lg *Logger) Trace(msg string, keysAndValues ...interface{}) {
	lg.entry.WithFields(fields(keysAndValues)).Trace(msg)
}

func (lg *Logger) Debug(msg string, keysAndValues ...interface{}) {
	lg.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

func (lg *Logger) Info(msg string, keysAndValues ...interface{}) {
	lg.entry.WithFields(fields(keysAndValues)).Info(msg)
}

func (lg *Logger) Warn(msg string, keysAndValues ...interface{}) {
	lg.entry.WithFields(fields(keysAndValues)).Warn(msg)
}

func (lg *Logger) Error(msg string, keysAndValues ...interface{}) {
	lg.entry.WithFields(fields(keysAndValues)).Error(msg)
}

// fields converts alternating key/value pairs into logrus fields. A trailing
// key without a value is recorded under "EXTRA".
func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		f[key] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 == 1 {
		f["EXTRA"] = keysAndValues[len(keysAndValues)-1]
	}
	return f
}
