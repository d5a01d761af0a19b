// Package sinks provides Sink implementations for harvest progress.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/mgrady/wayback-harvester/internal/progress"
)

// LogSink renders progress as structured logs: one line per run-level
// milestone, plus a rolling summary line as outcomes flow through. It is
// the console face of the run now that per-request output would be noise.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs run milestones and the snapshot of the last outcome in
// the batch, so sustained throughput produces one summary per flush
// rather than one line per document.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	var last *progress.Event
	for i := range batch {
		evt := &batch[i]
		switch evt.Stage {
		case progress.StageRunStart:
			s.logger.Info("harvest started",
				zap.String("run_id", evt.RunUUID().String()),
				zap.Int("todo", evt.Snapshot.Todo),
				zap.Int("done", evt.Snapshot.Done),
				zap.Int("total", evt.Snapshot.Total),
			)
		case progress.StageBackoff:
			s.logger.Warn("backing off",
				zap.String("reason", evt.Reason),
				zap.Int("todo", evt.Snapshot.Todo),
				zap.Duration("sleep", evt.Dur),
			)
		case progress.StageRunDone:
			s.logger.Info("harvest complete",
				zap.Int("done", evt.Snapshot.Done),
				zap.Int("notfound", evt.Snapshot.NotFound),
				zap.Duration("elapsed", evt.Dur),
			)
		case progress.StageOutcome:
			last = evt
		}
	}
	if last != nil {
		s.logger.Info("progress",
			zap.Int("todo", last.Snapshot.Todo+last.Snapshot.InProgress),
			zap.Int("done", last.Snapshot.Done),
			zap.Int("notfound", last.Snapshot.NotFound),
			zap.Float64("success_rate", last.Snapshot.SuccessRate),
			zap.Duration("est_remaining", last.Snapshot.ETA),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
