package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector records scheduler metrics in Prometheus. Collectors are
// created and registered on first use.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	queued      *prometheus.CounterVec
	assigned    prometheus.Counter
	queueWait   prometheus.Histogram
	completed   *prometheus.CounterVec
	duration    prometheus.Histogram
	expired     prometheus.Counter
	scheduled   *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	rebalanced  prometheus.Counter
	queueDepth  prometheus.Gauge
	workerState *prometheus.GaugeVec
}

// NewPrometheus creates a collector. A nil registerer means
// prometheus.DefaultRegisterer; an empty namespace means "agentplane".
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "agentplane"
	}
	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.queued = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Work items enqueued by urgency tier.",
		}, []string{"urgency"})

		p.assigned = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "assignment",
			Name:      "assigned_total",
			Help:      "Work items bound to a worker.",
		})

		p.queueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Time a work item spent queued before assignment.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9), // 1s .. ~18h
		})

		p.completed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "assignment",
			Name:      "completed_total",
			Help:      "Completed assignments by result (success|failure).",
		}, []string{"result"})

		p.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "assignment",
			Name:      "duration_minutes",
			Help:      "Reported completion time of assignments in minutes.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 480},
		})

		p.expired = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "assignment",
			Name:      "expired_total",
			Help:      "Assignments failed for exceeding the assignment timeout.",
		})

		p.scheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "calendar",
			Name:      "placements_total",
			Help:      "Calendar placement attempts by result (committed|rejected).",
		}, []string{"result"})

		p.conflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "calendar",
			Name:      "conflicts_total",
			Help:      "Detected schedule conflicts by kind and severity.",
		}, []string{"kind", "severity"})

		p.rebalanced = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "calendar",
			Name:      "rebalanced_events_total",
			Help:      "Calendar events moved by rebalancing.",
		})

		p.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of queued work items.",
		})

		p.workerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "workers",
			Help:      "Workers by state (idle|active|unavailable).",
		}, []string{"state"})

		p.reg.MustRegister(p.queued)
		p.reg.MustRegister(p.assigned)
		p.reg.MustRegister(p.queueWait)
		p.reg.MustRegister(p.completed)
		p.reg.MustRegister(p.duration)
		p.reg.MustRegister(p.expired)
		p.reg.MustRegister(p.scheduled)
		p.reg.MustRegister(p.conflicts)
		p.reg.MustRegister(p.rebalanced)
		p.reg.MustRegister(p.queueDepth)
		p.reg.MustRegister(p.workerState)
	})
}

func (p *PrometheusCollector) RecordQueued(urgency string) {
	p.ensureRegistered()
	p.queued.WithLabelValues(urgency).Inc()
}

func (p *PrometheusCollector) RecordAssigned(wait time.Duration) {
	p.ensureRegistered()
	p.assigned.Inc()
	p.queueWait.Observe(wait.Seconds())
}

func (p *PrometheusCollector) RecordCompleted(success bool, minutes float64) {
	p.ensureRegistered()
	p.completed.WithLabelValues(result(success, "success", "failure")).Inc()
	p.duration.Observe(minutes)
}

func (p *PrometheusCollector) RecordExpired() {
	p.ensureRegistered()
	p.expired.Inc()
}

func (p *PrometheusCollector) RecordScheduled(success bool) {
	p.ensureRegistered()
	p.scheduled.WithLabelValues(result(success, "committed", "rejected")).Inc()
}

func (p *PrometheusCollector) RecordConflict(kind, severity string) {
	p.ensureRegistered()
	p.conflicts.WithLabelValues(kind, severity).Inc()
}

func (p *PrometheusCollector) RecordRebalance(moved int) {
	p.ensureRegistered()
	p.rebalanced.Add(float64(moved))
}

func (p *PrometheusCollector) SetQueueDepth(n int) {
	p.ensureRegistered()
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusCollector) SetWorkerStates(idle, active, unavailable int) {
	p.ensureRegistered()
	p.workerState.WithLabelValues("idle").Set(float64(idle))
	p.workerState.WithLabelValues("active").Set(float64(active))
	p.workerState.WithLabelValues("unavailable").Set(float64(unavailable))
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
