package logger

import (
	"github.com/sirupsen/logrus"

	"bztree"
)

// Logrus routes bztree logs to a logrus logger.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus wraps logger.
func NewLogrus(logger *logrus.Logger) bztree.Logger {
	return &Logrus{logger: logger}
}

// Error logs an error message with key-value pairs.
func (l *Logrus) Error(msg string, args ...any) {
	l.logger.WithFields(fields(args)).Error(msg)
}

// Warn logs a warning message with key-value pairs.
func (l *Logrus) Warn(msg string, args ...any) {
	l.logger.WithFields(fields(args)).Warn(msg)
}

// Info logs an informational message with key-value pairs.
func (l *Logrus) Info(msg string, args ...any) {
	l.logger.WithFields(fields(args)).Info(msg)
}

// fields pairs up alternating keys and values. A trailing value or a
// non-string key is kept under badKey.
func fields(args []any) logrus.Fields {
	f := make(logrus.Fields, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok || i+1 == len(args) {
			f[badKey] = args[i]
			i--
			continue
		}
		f[key] = args[i+1]
	}
	return f
}
