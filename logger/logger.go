// Package logger adapts zap and logrus loggers to bztree.Logger.
//
// *slog.Logger satisfies bztree.Logger as is and needs no adapter.
//
//	zl, _ := zap.NewProduction()
//	tree, err := bztree.New(pool, bztree.WithLogger(logger.NewZap(zl)))
package logger

// badKey labels a value whose key is missing or not a string, matching slog.
const badKey = "!BADKEY"
