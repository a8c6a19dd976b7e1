package logger

import (
	"go.uber.org/zap"

	"bztree"
)

// Zap routes bztree logs to a zap logger. Key-value pairs become zap fields.
type Zap struct {
	sugar *zap.SugaredLogger
}

// NewZap wraps logger. The tree's own caller frame is skipped so zap reports
// the bztree call site.
func NewZap(logger *zap.Logger) bztree.Logger {
	return &Zap{sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// Error logs an error message with key-value pairs.
func (z *Zap) Error(msg string, args ...any) {
	z.sugar.Errorw(msg, args...)
}

// Warn logs a warning message with key-value pairs.
func (z *Zap) Warn(msg string, args ...any) {
	z.sugar.Warnw(msg, args...)
}

// Info logs an informational message with key-value pairs.
func (z *Zap) Info(msg string, args ...any) {
	z.sugar.Infow(msg, args...)
}
