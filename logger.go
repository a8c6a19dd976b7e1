package bztree

import (
	"time"

	"golang.org/x/time/rate"
)

// Logger is satisfied by *slog.Logger. Package logger adapts zap and logrus.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// DiscardLogger drops everything. It is the default.
type DiscardLogger struct{}

func (DiscardLogger) Error(string, ...any) {}

func (DiscardLogger) Warn(string, ...any) {}

func (DiscardLogger) Info(string, ...any) {}

// contentionEvery is how many consecutive retries of one operation count as
// heavy contention.
const contentionEvery = 4096

// contentionReporter throttles heavy-contention warnings so a hot key cannot
// flood the log.
type contentionReporter struct {
	logger Logger
	tree   string
	once   rate.Sometimes
}

func newContentionReporter(logger Logger, tree string) *contentionReporter {
	return &contentionReporter{
		logger: logger,
		tree:   tree,
		once:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

func (c *contentionReporter) retried(op string, attempt int) {
	if attempt == 0 || attempt%contentionEvery != 0 {
		return
	}
	c.once.Do(func() {
		c.logger.Warn("operation retrying under contention",
			"tree", c.tree, "op", op, "attempts", attempt)
	})
}
