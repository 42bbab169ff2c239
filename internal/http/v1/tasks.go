package v1

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/VerteraIO/agentplane/internal/controlplane/scheduler"
	"github.com/VerteraIO/agentplane/internal/controlplane/tasks"
)

type taskReq struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	Urgency        string  `json:"urgency"` // critical|high|medium|low or P0..P3
	EstimatedHours float64 `json:"estimatedHours"`
}

func (t taskReq) item() tasks.WorkItem {
	return tasks.WorkItem{
		ID:             t.ID,
		Title:          t.Title,
		Description:    t.Description,
		Urgency:        tasks.ParseUrgency(t.Urgency),
		EstimatedHours: t.EstimatedHours,
	}
}

type completeReq struct {
	Success         bool    `json:"success"`
	DurationMinutes float64 `json:"durationMinutes"`
	Error           string  `json:"error"`
	Lease           string  `json:"lease"`
}

type leaseView struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type assignmentResp struct {
	scheduler.Assignment
	Lease *leaseView `json:"lease,omitempty"`
}

type completionResp struct {
	scheduler.Completion
	NextLease *leaseView `json:"nextLease,omitempty"`
}

// queueTask handles POST /tasks
func (a *api) queueTask(w http.ResponseWriter, r *http.Request) {
	var req taskReq
	if !decode(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.EstimatedHours < 0 {
		writeErr(w, scheduler.ErrInvalidHours)
		return
	}
	item, err := a.Engine.QueueTask(req.item(), a.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/tasks/%s", item.ID))
	writeJSON(w, http.StatusAccepted, item)
}

// getTask handles GET /tasks/{taskId}
func (a *api) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	t, ok := a.Engine.TaskStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// cancelTask handles DELETE /tasks/{taskId}
func (a *api) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := a.Engine.CancelTask(chi.URLParam(r, "taskId"), a.Now()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// assignNext handles POST /assignments/next. It answers 204 when nothing
// could be assigned.
func (a *api) assignNext(w http.ResponseWriter, r *http.Request) {
	now := a.Now()
	asg, ok := a.Engine.AssignNext(now)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	resp := assignmentResp{Assignment: asg}
	if a.Leases != nil {
		l, err := a.issueLease(asg, now)
		if err != nil {
			writeErr(w, err)
			return
		}
		resp.Lease = l
	}
	writeJSON(w, http.StatusOK, resp)
}

// completeTask handles POST /tasks/{taskId}/complete
func (a *api) completeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	var req completeReq
	if !decode(w, r, &req) {
		return
	}
	now := a.Now()
	if a.Leases != nil {
		t, ok := a.Engine.TaskStatus(id)
		if !ok || t.Status != tasks.StatusRunning {
			writeError(w, http.StatusNotFound, "no active assignment for task")
			return
		}
		if req.Lease == "" {
			writeError(w, http.StatusUnauthorized, "lease is required")
			return
		}
		if _, err := a.Leases.Verify(req.Lease, id, t.WorkerID, now); err != nil {
			a.Log.WithFields(logrus.Fields{"workItemId": id, "workerId": t.WorkerID}).WithError(err).Warn("completion rejected")
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	c, ok := a.Engine.CompleteTask(id, scheduler.Outcome{
		Success:         req.Success,
		DurationMinutes: req.DurationMinutes,
		Error:           req.Error,
	}, now)
	if !ok {
		writeError(w, http.StatusNotFound, "no active assignment for task")
		return
	}
	resp := completionResp{Completion: c}
	// Assignments to other workers reach them with a lease over their stream.
	if c.Next != nil && c.Next.WorkerID == c.WorkerID && a.Leases != nil {
		l, err := a.issueLease(*c.Next, now)
		if err != nil {
			writeErr(w, err)
			return
		}
		resp.NextLease = l
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) issueLease(asg scheduler.Assignment, now time.Time) (*leaseView, error) {
	tok, exp, err := a.Leases.Issue(asg.WorkItemID, asg.WorkerID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to issue lease: %w", err)
	}
	return &leaseView{Token: tok, ExpiresAt: exp}, nil
}
