package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/case-crawler/internal/progress"
)

// LogSink writes each event as a structured log line. Rejected transitions,
// retries and backpressure are logged at warn level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageTransitionRejected, progress.StageBackpressure, progress.StageRetry:
			level = zapcore.WarnLevel
		case progress.StageTransition:
			level = zapcore.DebugLevel
		}
		if ce := s.logger.Check(level, "progress event"); ce != nil {
			ce.Write(fields(evt)...)
		}
	}
	return nil
}

// Close implements progress.Sink; the logger is owned by the caller.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func fields(evt progress.Event) []zap.Field {
	out := []zap.Field{
		zap.String("stage", string(evt.Stage)),
		zap.Time("ts", evt.TS),
	}
	if evt.RunID != "" {
		out = append(out, zap.String("run_id", evt.RunID))
	}
	if evt.CaseID != 0 {
		out = append(out, zap.Int64("case_id", evt.CaseID))
	}
	if evt.From != "" || evt.To != "" {
		out = append(out, zap.String("from", string(evt.From)), zap.String("to", string(evt.To)))
	}
	if evt.Attempt > 0 {
		out = append(out, zap.Int("attempt", evt.Attempt))
	}
	if evt.Code != "" {
		out = append(out, zap.String("error_code", string(evt.Code)))
	}
	if evt.Stage == progress.StageRetry {
		out = append(out, zap.String("class", evt.Class), zap.Bool("retry", evt.Retry))
	}
	if evt.Stage == progress.StageBackpressure {
		out = append(out, zap.Int("in_flight", evt.InFlight), zap.Int("pending", evt.Pending))
	}
	if evt.RunStatus != "" {
		out = append(out, zap.String("run_status", string(evt.RunStatus)))
	}
	if evt.Health != "" {
		out = append(out, zap.String("health", string(evt.Health)))
	}
	if evt.Source != "" {
		out = append(out, zap.String("source", evt.Source))
	}
	if evt.VersionID != 0 {
		out = append(out, zap.Int64("version_id", evt.VersionID))
	}
	if evt.Dur > 0 {
		out = append(out, zap.Duration("dur", evt.Dur))
	}
	if evt.Note != "" {
		out = append(out, zap.String("note", evt.Note))
	}
	return out
}
