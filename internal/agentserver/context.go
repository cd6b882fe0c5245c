package agentserver

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cuemby/devboxd/internal/log"
)

type traceLoggerKey struct{}

func withTraceLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, traceLoggerKey{}, logger)
}

func loggerFrom(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(traceLoggerKey{}).(zerolog.Logger); ok {
		return l
	}
	return log.Logger
}
