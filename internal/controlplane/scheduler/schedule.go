package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/VerteraIO/agentplane/internal/controlplane/calendar"
	"github.com/VerteraIO/agentplane/internal/controlplane/dispatch"
	"github.com/VerteraIO/agentplane/internal/controlplane/pool"
	"github.com/VerteraIO/agentplane/internal/controlplane/tasks"
)

// ScheduleRequest pins a work item to an explicit start time.
type ScheduleRequest struct {
	Item  tasks.WorkItem `json:"item"`
	Start time.Time      `json:"start"`
	// EstimatedHours falls back to Item.EstimatedHours when zero.
	EstimatedHours    float64              `json:"estimatedHours,omitempty"`
	PreferredWorkerID string               `json:"preferredWorkerId,omitempty"`
	Kind              calendar.Kind        `json:"kind,omitempty"`
	Recurrence        *calendar.Recurrence `json:"recurrence,omitempty"`
	// Override commits to the preferred worker (or unbound) even when
	// conflicts are found. The conflicts are still reported.
	Override bool `json:"override,omitempty"`
}

type ScheduleResult struct {
	Success           bool                `json:"success"`
	EventID           string              `json:"eventId,omitempty"`
	WorkerID          string              `json:"workerId,omitempty"`
	Conflicts         []calendar.Conflict `json:"conflicts"`
	SuggestedWorkerID string              `json:"suggestedWorkerId,omitempty"`
}

// ScheduleTask detects conflicts for the requested placement and commits it,
// possibly to an alternative worker. Conflicts are results, not errors;
// errors are reserved for malformed requests and unknown workers.
func (e *Engine) ScheduleTask(req ScheduleRequest) (ScheduleResult, error) {
	hours := req.EstimatedHours
	if hours == 0 {
		hours = req.Item.EstimatedHours
	}
	if hours <= 0 {
		return ScheduleResult{}, ErrInvalidHours
	}
	kind := req.Kind
	if kind == "" {
		kind = calendar.KindWork
	}
	item := req.Item
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	ev := calendar.Event{
		ID:         uuid.NewString(),
		WorkItemID: item.ID,
		Title:      item.Title,
		WorkerID:   req.PreferredWorkerID,
		Start:      req.Start,
		End:        req.Start.Add(time.Duration(hours * float64(time.Hour))),
		Kind:       kind,
		Recurrence: req.Recurrence,
	}
	if err := ev.Validate(); err != nil {
		return ScheduleResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var preferred *pool.Worker
	if req.PreferredWorkerID != "" {
		w, ok := e.pool.Get(req.PreferredWorkerID)
		if !ok {
			return ScheduleResult{}, fmt.Errorf("%w: %s", pool.ErrUnknownWorker, req.PreferredWorkerID)
		}
		preferred = &w
	}

	conflicts := e.calendar.DetectConflicts(ev, preferred)
	for _, c := range conflicts {
		e.metrics.RecordConflict(string(c.Kind), string(c.Severity))
	}
	res := ScheduleResult{Conflicts: conflicts}
	if res.Conflicts == nil {
		res.Conflicts = []calendar.Conflict{}
	}
	log := e.log.WithFields(logrus.Fields{
		"workItemId": item.ID,
		"start":      ev.Start,
		"hours":      hours,
		"preferred":  req.PreferredWorkerID,
	})

	switch {
	case len(conflicts) == 0, req.Override:
		if len(conflicts) > 0 {
			log.WithField("conflicts", len(conflicts)).Warn("placement committed over conflicts")
		}
		e.commitEvent(ev)
		res.Success, res.EventID, res.WorkerID = true, ev.ID, ev.WorkerID
	case preferred == nil:
		log.WithField("conflicts", len(conflicts)).Info("placement rejected")
	default:
		alt, ok := e.calendar.FindBestAgent(ev, e.pool.List(), preferred.ID)
		if !ok {
			log.WithField("conflicts", len(conflicts)).Info("placement rejected, no alternative worker")
			break
		}
		res.SuggestedWorkerID = alt.ID
		altEv := ev
		altEv.WorkerID = alt.ID
		if len(e.calendar.DetectConflicts(altEv, &alt)) > 0 {
			log.WithField("suggested", alt.ID).Info("placement rejected, alternative also conflicts")
			break
		}
		e.commitEvent(altEv)
		res.Success, res.EventID, res.WorkerID = true, altEv.ID, alt.ID
		log.WithField("workerId", alt.ID).Info("placement moved to alternative worker")
	}
	e.metrics.RecordScheduled(res.Success)
	if res.Success {
		e.changed()
	}
	return res, nil
}

func (e *Engine) commitEvent(ev calendar.Event) calendar.Event {
	ev = e.calendar.Commit(ev)
	if ev.WorkerID != "" {
		if err := e.pool.AddBlock(ev.WorkerID, ev.Block()); err != nil {
			e.violation("event %s bound to missing worker %s", ev.ID, ev.WorkerID)
		}
	}
	e.publisher.Publish(dispatch.Event{
		Type:            dispatch.EventScheduled,
		WorkItemID:      ev.WorkItemID,
		WorkerID:        ev.WorkerID,
		CalendarEventID: ev.ID,
		At:              ev.Start,
	})
	return ev
}

// Calendar lists every committed placement ordered by start time.
func (e *Engine) Calendar() []calendar.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.calendar.Events()
}

// CalendarFor lists one worker's placements ordered by start time.
func (e *Engine) CalendarFor(workerID string) []calendar.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []calendar.Event
	for _, ev := range e.calendar.Events() {
		if ev.WorkerID == workerID {
			out = append(out, ev)
		}
	}
	return out
}
