package metrics

import "time"

// NopMetrics discards every metric
type NopMetrics struct{}

var _ Collector = (*NopMetrics)(nil)

// NewNop creates a no-op collector
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

func (n *NopMetrics) RecordCallIssued(_ bool, _ int) {}
func (n *NopMetrics) RecordAccept(_ string) {}
func (n *NopMetrics) RecordSweep(_, _ int, _ time.Duration) {}
func (n *NopMetrics) IncrementRecallFailure(_ string) {}
func (n *NopMetrics) RecordNotification(_ string) {}
func (n *NopMetrics) IncrementBroadcastFailure(_ string) {}
func (n *NopMetrics) RecordStreakUpdate(_ int) {}
func (n *NopMetrics) RecordTaskRun(_, _ string, _ time.Duration) {}
