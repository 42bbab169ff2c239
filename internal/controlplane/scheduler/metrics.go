package scheduler

import (
	"fmt"
	"time"

	"github.com/VerteraIO/agentplane/internal/controlplane/pool"
)

// Report is an advisory view of throughput and bottlenecks.
type Report struct {
	GeneratedAt          time.Time `json:"generatedAt"`
	QueueDepth           int       `json:"queueDepth"`
	ActiveWorkers        int       `json:"activeWorkers"`
	IdleWorkers          int       `json:"idleWorkers"`
	UnavailableWorkers   int       `json:"unavailableWorkers"`
	TotalCompleted       int       `json:"totalCompleted"`
	TotalFailed          int       `json:"totalFailed"`
	AvgQueueWaitMinutes  float64   `json:"avgQueueWaitMinutes"`
	AvgCompletionMinutes float64   `json:"avgCompletionMinutes"`
	ThroughputPerHour    float64   `json:"throughputPerHour"`
	SuccessRate          float64   `json:"successRate"`
	ScheduledEvents      int       `json:"scheduledEvents"`
	Bottlenecks          []string  `json:"bottlenecks"`
}

// Metrics derives the report without mutating any state.
func (e *Engine) Metrics(now time.Time) Report {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r := Report{
		GeneratedAt:          now,
		QueueDepth:           e.queue.Len(),
		TotalCompleted:       e.totals.Completed,
		TotalFailed:          e.totals.Failed,
		AvgCompletionMinutes: e.totals.AvgCompletionMinutes,
		ScheduledEvents:      e.calendar.Len(),
		Bottlenecks:          []string{},
	}

	if items := e.queue.Items(); len(items) > 0 {
		var wait time.Duration
		for _, it := range items {
			wait += now.Sub(it.EnqueuedAt)
		}
		r.AvgQueueWaitMinutes = wait.Minutes() / float64(len(items))
	}

	day := startOfDay(now)
	if e.totals.Day.Equal(day) {
		hours := now.Sub(day).Hours()
		if hours < 1.0/60 {
			hours = 1.0 / 60
		}
		r.ThroughputPerHour = float64(e.totals.CompletedToday) / hours
	}

	workers := e.pool.List()
	underperformers := 0
	var rateSum float64
	for _, w := range workers {
		switch w.State {
		case pool.StateIdle:
			r.IdleWorkers++
		case pool.StateActive:
			r.ActiveWorkers++
		case pool.StateUnavailable:
			r.UnavailableWorkers++
		}
		rateSum += w.SuccessRate
		if w.SuccessRate < e.policy.LowPerformance {
			underperformers++
		}
	}
	if len(workers) > 0 {
		r.SuccessRate = rateSum / float64(len(workers))
	}

	if r.QueueDepth > e.policy.BacklogThreshold {
		r.Bottlenecks = append(r.Bottlenecks,
			fmt.Sprintf("queue backed up: %d items waiting (threshold %d)", r.QueueDepth, e.policy.BacklogThreshold))
	}
	switch {
	case r.QueueDepth > 0 && r.IdleWorkers+r.ActiveWorkers == 0:
		r.Bottlenecks = append(r.Bottlenecks,
			fmt.Sprintf("no capacity: %d items queued and no available workers", r.QueueDepth))
	case r.QueueDepth > 0 && r.IdleWorkers == 0:
		r.Bottlenecks = append(r.Bottlenecks,
			fmt.Sprintf("all workers busy: %d items queued behind %d active workers", r.QueueDepth, r.ActiveWorkers))
	}
	if underperformers > e.policy.UnderperformerAlarm {
		r.Bottlenecks = append(r.Bottlenecks,
			fmt.Sprintf("underperforming agents: %d below %.0f%% success", underperformers, e.policy.LowPerformance))
	}
	return r
}
