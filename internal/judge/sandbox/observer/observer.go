// Package observer defines logging and metrics hooks for sandbox execution.
package observer

import (
	"context"

	"ojworker/pkg/utils/logger"

	"go.uber.org/zap"
)

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveCompile(ctx context.Context, languageID string, ok bool, timeMs int64, memoryKB int64)
	ObserveRun(ctx context.Context, languageID string, verdict string, timeMs int64, memoryKB int64, outputKB int64)
}

// LogRecorder implements MetricsRecorder by emitting structured log lines;
// used when no external metrics sink is wired in.
type LogRecorder struct{}

// NewLogRecorder returns a LogRecorder.
func NewLogRecorder() LogRecorder { return LogRecorder{} }

func (LogRecorder) ObserveCompile(ctx context.Context, languageID string, ok bool, timeMs int64, memoryKB int64) {
	logger.Info(ctx, "compile observed",
		zap.String("languageId", languageID), zap.Bool("ok", ok),
		zap.Int64("timeMs", timeMs), zap.Int64("memoryKB", memoryKB))
}

func (LogRecorder) ObserveRun(ctx context.Context, languageID string, verdict string, timeMs, memoryKB, outputKB int64) {
	logger.Info(ctx, "run observed",
		zap.String("languageId", languageID), zap.String("verdict", verdict),
		zap.Int64("timeMs", timeMs), zap.Int64("memoryKB", memoryKB), zap.Int64("outputKB", outputKB))
}
