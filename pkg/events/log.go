package events

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the log
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a log sink
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher
func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	p.logger.Info("Broadcast event",
		zap.String("type", event.Type),
		zap.Any("payload", event.Payload),
		zap.Time("ts", event.TS))
	return nil
}
