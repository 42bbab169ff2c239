package scheduler

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VerteraIO/agentplane/internal/controlplane/dispatch"
	"github.com/VerteraIO/agentplane/internal/metrics"
)

// MetricsCollector receives operational metrics. Implementations must be
// non-blocking; they are called with the engine lock held.
type MetricsCollector interface {
	RecordQueued(urgency string)
	RecordAssigned(wait time.Duration)
	RecordCompleted(success bool, minutes float64)
	RecordExpired()
	RecordScheduled(success bool)
	RecordConflict(kind, severity string)
	RecordRebalance(moved int)
	SetQueueDepth(n int)
	SetWorkerStates(idle, active, unavailable int)
}

var (
	_ MetricsCollector = (*metrics.NopMetrics)(nil)
	_ MetricsCollector = (*metrics.PrometheusCollector)(nil)
)

// SnapshotSink accepts engine snapshots for persistence. Submit must not block.
type SnapshotSink interface {
	Submit(Snapshot)
}

type Option func(*Engine)

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher sets where assignment lifecycle events go. Publish must not block.
func WithPublisher(p dispatch.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithSnapshotSink(s SnapshotSink) Option {
	return func(e *Engine) { e.sink = s }
}

type nopPublisher struct{}

func (nopPublisher) Publish(dispatch.Event) {}
