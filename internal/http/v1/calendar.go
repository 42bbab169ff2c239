package v1

import (
	"net/http"
	"time"

	"github.com/VerteraIO/agentplane/internal/controlplane/calendar"
	"github.com/VerteraIO/agentplane/internal/controlplane/scheduler"
)

type scheduleReq struct {
	Item              taskReq              `json:"item"`
	Start             time.Time            `json:"start"`
	EstimatedHours    float64              `json:"estimatedHours"`
	PreferredWorkerID string               `json:"preferredWorkerId"`
	Kind              calendar.Kind        `json:"kind"`
	Recurrence        *calendar.Recurrence `json:"recurrence"`
	Override          bool                 `json:"override"`
}

// scheduleTask handles POST /schedule. A placement rejected for conflicts
// answers 409 with the full result.
func (a *api) scheduleTask(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !decode(w, r, &req) {
		return
	}
	if req.Start.IsZero() {
		writeError(w, http.StatusBadRequest, "start is required")
		return
	}
	res, err := a.Engine.ScheduleTask(scheduler.ScheduleRequest{
		Item:              req.Item.item(),
		Start:             req.Start,
		EstimatedHours:    req.EstimatedHours,
		PreferredWorkerID: req.PreferredWorkerID,
		Kind:              req.Kind,
		Recurrence:        req.Recurrence,
		Override:          req.Override,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusCreated
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// getCalendar handles GET /calendar?workerId=
func (a *api) getCalendar(w http.ResponseWriter, r *http.Request) {
	events := a.Engine.Calendar()
	if id := r.URL.Query().Get("workerId"); id != "" {
		events = a.Engine.CalendarFor(id)
	}
	if events == nil {
		events = []calendar.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// rebalance handles POST /rebalance
func (a *api) rebalance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Engine.Rebalance(a.Now()))
}
