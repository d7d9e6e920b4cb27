package events

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/metrics"
)

// Sink is a named publisher
type Sink struct {
	Name      string
	Publisher Publisher
}

// Multi fans an event out to every sink. A failing sink is logged and counted
// and does not stop delivery to the others.
type Multi struct {
	sinks   []Sink
	logger  *zap.Logger
	metrics metrics.Collector
}

var _ Publisher = (*Multi)(nil)

// NewMulti creates a fan-out publisher
func NewMulti(logger *zap.Logger, collector metrics.Collector, sinks ...Sink) *Multi {
	if collector == nil {
		collector = metrics.NewNop()
	}
	return &Multi{sinks: sinks, logger: logger, metrics: collector}
}

// Add appends a sink
func (m *Multi) Add(name string, p Publisher) {
	m.sinks = append(m.sinks, Sink{Name: name, Publisher: p})
}

// Len returns the number of sinks
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Publish implements Publisher. The returned error joins every sink failure.
func (m *Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publisher.Publish(ctx, event); err != nil {
			m.metrics.IncrementBroadcastFailure(s.Name)
			m.logger.Warn("Failed to publish event",
				zap.String("sink", s.Name),
				zap.String("type", event.Type),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
