package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/VerteraIO/agentplane/internal/controlplane/dispatch"
	"github.com/VerteraIO/agentplane/internal/controlplane/scheduler"
	"github.com/VerteraIO/agentplane/internal/security/lease"
)

// Deps are the collaborators of the v1 handlers. Engine and Dispatch are
// required; a nil Leases disables lease minting and checking.
type Deps struct {
	Engine   *scheduler.Engine
	Dispatch *dispatch.Manager
	Leases   *lease.Issuer
	Log      logrus.FieldLogger
	Now      func() time.Time
	// Timeout bounds every request except the assignment stream.
	Timeout time.Duration
	// Limiter guards mutating endpoints when set.
	Limiter *RateLimiter
}

type api struct {
	Deps
}

// Router returns the chi.Router for REST API v1.
func Router(d Deps) chi.Router {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	a := &api{Deps: d}
	r := chi.NewRouter()

	r.Get("/workers/{workerId}/assignments/stream", a.streamAssignments)

	r.Group(func(r chi.Router) {
		if d.Timeout > 0 {
			r.Use(middleware.Timeout(d.Timeout))
		}
		r.Get("/pool", a.getPool)
		r.Get("/tasks/{taskId}", a.getTask)
		r.Get("/calendar", a.getCalendar)
		r.Get("/metrics", a.getMetrics)

		r.Group(func(r chi.Router) {
			if d.Limiter != nil {
				r.Use(d.Limiter.Middleware)
			}
			r.Post("/workers", a.initializePool)
			r.Post("/workers/{workerId}/join", a.joinWorker)
			r.Post("/workers/{workerId}/heartbeat", a.heartbeat)
			r.Put("/workers/{workerId}/availability", a.setAvailability)

			r.Post("/tasks", a.queueTask)
			r.Delete("/tasks/{taskId}", a.cancelTask)
			r.Post("/tasks/{taskId}/complete", a.completeTask)
			r.Post("/assignments/next", a.assignNext)

			r.Post("/schedule", a.scheduleTask)
			r.Post("/rebalance", a.rebalance)
		})
	})
	return r
}

func (a *api) getPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Engine.PoolStatus())
}

func (a *api) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Engine.Metrics(a.Now()))
}
