// Package metrics provides scheduler metric collectors.
package metrics

import "time"

// NopMetrics discards every metric. Useful for tests or when metrics are
// collected elsewhere.
type NopMetrics struct{}

func NewNop() *NopMetrics {
	return &NopMetrics{}
}

func (n *NopMetrics) RecordQueued(_ /* urgency */ string) {}

func (n *NopMetrics) RecordAssigned(_ /* wait */ time.Duration) {}

func (n *NopMetrics) RecordCompleted(_ /* success */ bool, _ /* minutes */ float64) {}

func (n *NopMetrics) RecordExpired() {}

func (n *NopMetrics) RecordScheduled(_ /* success */ bool) {}

func (n *NopMetrics) RecordConflict(_ /* kind */, _ /* severity */ string) {}

func (n *NopMetrics) RecordRebalance(_ /* moved */ int) {}

func (n *NopMetrics) SetQueueDepth(_ /* n */ int) {}

func (n *NopMetrics) SetWorkerStates(_ /* idle */, _ /* active */, _ /* unavailable */ int) {}
