package scheduler

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VerteraIO/agentplane/internal/controlplane/calendar"
	"github.com/VerteraIO/agentplane/internal/controlplane/dispatch"
	"github.com/VerteraIO/agentplane/internal/controlplane/pool"
)

type Move struct {
	EventID string `json:"eventId"`
	From    string `json:"from"`
	To      string `json:"to"`
}

type RebalanceResult struct {
	Moved     int                 `json:"moved"`
	Moves     []Move              `json:"moves"`
	Conflicts []calendar.Conflict `json:"conflicts"`
}

// Rebalance offers each underperformer's most recently scheduled event to the
// least loaded non-underperforming worker. It only runs while at least one
// worker is above the high performance threshold. A pass that follows another
// with no state change in between moves nothing.
func (e *Engine) Rebalance(now time.Time) RebalanceResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := RebalanceResult{Moves: []Move{}, Conflicts: []calendar.Conflict{}}
	var under, eligible []pool.Worker
	over := 0
	for _, w := range e.pool.List() {
		switch {
		case w.SuccessRate < e.policy.LowPerformance:
			under = append(under, w)
		case w.SuccessRate > e.policy.HighPerformance:
			over++
			eligible = append(eligible, w)
		default:
			eligible = append(eligible, w)
		}
	}
	if len(under) == 0 || over == 0 || e.rev == e.rebalancedRev {
		e.metrics.RecordRebalance(0)
		return res
	}
	defer func() { e.rebalancedRev = e.rev }()

	for _, u := range under {
		ev, ok := e.calendar.LatestFor(u.ID)
		if !ok || ev.Kind == calendar.KindBreak {
			continue
		}
		alt, ok := e.calendar.FindBestAgent(ev, eligible, u.ID)
		if !ok {
			e.log.WithFields(logrus.Fields{"eventId": ev.ID, "workerId": u.ID}).Debug("no alternative for rebalance")
			continue
		}
		moved := ev
		moved.WorkerID = alt.ID
		conflicts := e.calendar.DetectConflicts(moved, &alt)
		res.Conflicts = append(res.Conflicts, conflicts...)
		if calendar.HasCritical(conflicts) {
			continue
		}

		if _, err := e.calendar.Reassign(ev.ID, alt.ID); err != nil {
			e.violation("rebalance lost event %s: %v", ev.ID, err)
			continue
		}
		if _, err := e.pool.RemoveBlock(u.ID, ev.ID); err != nil {
			e.violation("rebalance source %s vanished: %v", u.ID, err)
		}
		if err := e.pool.AddBlock(alt.ID, ev.Block()); err != nil {
			e.violation("rebalance target %s vanished: %v", alt.ID, err)
		}
		// Later moves in this pass must see the new load.
		for i := range eligible {
			if eligible[i].ID == alt.ID {
				eligible[i], _ = e.pool.Get(alt.ID)
			}
		}

		res.Moves = append(res.Moves, Move{EventID: ev.ID, From: u.ID, To: alt.ID})
		e.publisher.Publish(dispatch.Event{
			Type:            dispatch.EventRebalanced,
			WorkItemID:      ev.WorkItemID,
			WorkerID:        alt.ID,
			PreviousWorker:  u.ID,
			CalendarEventID: ev.ID,
			At:              now,
		})
		e.log.WithFields(logrus.Fields{
			"eventId": ev.ID,
			"from":    u.ID,
			"to":      alt.ID,
		}).Info("event rebalanced")
	}

	res.Moved = len(res.Moves)
	e.metrics.RecordRebalance(res.Moved)
	if res.Moved > 0 {
		e.changed()
	}
	return res
}
