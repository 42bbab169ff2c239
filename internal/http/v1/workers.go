package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/VerteraIO/agentplane/internal/controlplane/dispatch"
	"github.com/VerteraIO/agentplane/internal/controlplane/pool"
	"github.com/VerteraIO/agentplane/internal/controlplane/scheduler"
)

const streamKeepAlive = 15 * time.Second

type initializePoolReq struct {
	Workers []pool.Candidate `json:"workers"`
}

type initializePoolResp struct {
	Retained int           `json:"retained"`
	Workers  []pool.Worker `json:"workers"`
}

type joinReq struct {
	Name            string        `json:"name"`
	LoadTier        pool.LoadTier `json:"loadTier"`
	MaxHoursPerWeek float64       `json:"maxHoursPerWeek"`
}

type availabilityReq struct {
	Available *bool `json:"available"`
}

// streamEvent is a dispatch event as written to the stream. Assignments carry
// the lease needed to complete them.
type streamEvent struct {
	dispatch.Event
	Lease *leaseView `json:"lease,omitempty"`
}

// initializePool handles POST /workers
func (a *api) initializePool(w http.ResponseWriter, r *http.Request) {
	var req initializePoolReq
	if !decode(w, r, &req) {
		return
	}
	if len(req.Workers) == 0 {
		writeError(w, http.StatusBadRequest, "at least one worker must be specified")
		return
	}
	n, err := a.Engine.InitializePool(req.Workers, a.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, initializePoolResp{Retained: n, Workers: a.Engine.PoolStatus().Workers})
}

// joinWorker handles POST /workers/{workerId}/join
func (a *api) joinWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workerId")
	var req joinReq
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	wk, err := a.Engine.JoinWorker(pool.Candidate{
		ID:              id,
		Name:            req.Name,
		LoadTier:        req.LoadTier,
		MaxHoursPerWeek: req.MaxHoursPerWeek,
	}, a.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/pool#%s", wk.ID))
	writeJSON(w, http.StatusCreated, wk)
}

// heartbeat handles POST /workers/{workerId}/heartbeat
func (a *api) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := a.Engine.Heartbeat(chi.URLParam(r, "workerId"), a.Now()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// setAvailability handles PUT /workers/{workerId}/availability
func (a *api) setAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityReq
	if !decode(w, r, &req) {
		return
	}
	if req.Available == nil {
		writeError(w, http.StatusBadRequest, "available is required")
		return
	}
	if err := a.Engine.SetAvailability(chi.URLParam(r, "workerId"), *req.Available); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamAssignments handles GET /workers/{workerId}/assignments/stream. It
// replays outstanding assignments and then relays live events for the worker
// as server-sent events. Assignments written to the stream carry a lease for
// the worker when leases are enabled.
func (a *api) streamAssignments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workerId")
	if _, ok := a.Engine.Worker(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown worker %s", id))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	log := a.Log.WithField("workerId", id)
	ch, cancel := a.Dispatch.Subscribe(id)
	defer cancel()
	replayed := make(map[string]bool)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	for _, ev := range a.Dispatch.DrainPending(id) {
		replayed[ev.WorkItemID] = true
		if err := a.writeEvent(w, ev, log); err != nil {
			return
		}
	}
	flusher.Flush()

	log.Debug("assignment stream opened")
	ping := time.NewTicker(streamKeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			log.Debug("assignment stream closed")
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type == dispatch.EventAssigned && replayed[ev.WorkItemID] {
				delete(replayed, ev.WorkItemID)
				continue
			}
			if err := a.writeEvent(w, ev, log); err != nil {
				log.WithError(err).Debug("assignment stream write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func (a *api) writeEvent(w http.ResponseWriter, ev dispatch.Event, log logrus.FieldLogger) error {
	out := streamEvent{Event: ev}
	if ev.Type == dispatch.EventAssigned && a.Leases != nil {
		l, err := a.issueLease(scheduler.Assignment{WorkItemID: ev.WorkItemID, WorkerID: ev.WorkerID}, a.Now())
		if err != nil {
			log.WithError(err).WithField("workItemId", ev.WorkItemID).Warn("assignment streamed without lease")
		}
		out.Lease = l
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

