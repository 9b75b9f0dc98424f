package notify

import (
	"context"

	"github.com/vitos/risk_lifecycle/internal/domain"
	"go.uber.org/zap"
)

// LogSink writes every event to the structured log. Critical events are
// logged at error level so they reach the operator's alerting.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Handle(_ context.Context, e domain.LifecycleEvent) error {
	fields := []zap.Field{
		zap.String("position_id", e.PositionID),
		zap.String("symbol", e.Symbol),
		zap.String("from", string(e.FromState)),
		zap.String("to", string(e.ToState)),
		zap.String("reason", e.Reason),
	}
	if e.Critical {
		s.logger.Error("CRITICAL lifecycle event", fields...)
		return nil
	}
	s.logger.Info("Lifecycle event", fields...)
	return nil
}

type eventSaver interface {
	SaveLifecycleEvent(ctx context.Context, event domain.LifecycleEvent) error
}

// RepositorySink appends events to the event log table.
type RepositorySink struct {
	repo eventSaver
}

func NewRepositorySink(repo eventSaver) *RepositorySink {
	return &RepositorySink{repo: repo}
}

func (s *RepositorySink) Handle(ctx context.Context, e domain.LifecycleEvent) error {
	return s.repo.SaveLifecycleEvent(ctx, e)
}
