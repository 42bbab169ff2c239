package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/VerteraIO/agentplane/internal/controlplane/dispatch"
	"github.com/VerteraIO/agentplane/internal/controlplane/scheduler"
	v1 "github.com/VerteraIO/agentplane/internal/http/v1"
	"github.com/VerteraIO/agentplane/internal/security/lease"
)

type Options struct {
	Engine   *scheduler.Engine
	Dispatch *dispatch.Manager
	// Leases enables signed assignment leases when set.
	Leases *lease.Issuer
	Log    logrus.FieldLogger
	// Gatherer backs /metrics; nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	RequestTimeout time.Duration
	// RateLimit is requests per second per client on mutating endpoints.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int

	Now func() time.Time
}

// NewServer builds the root router and mounts all versioned subrouters under /api/{version}.
func NewServer(opts Options) http.Handler {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	var limiter *v1.RateLimiter
	if opts.RateLimit > 0 {
		limiter = v1.NewRateLimiter(opts.RateLimit, opts.RateBurst)
	}

	r := chi.NewRouter()

	// Global middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(opts.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if opts.Engine.Available() {
			_, _ = w.Write([]byte(`{"status":"ok","available":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","available":false}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	// Default 404: nudge callers toward versioned paths
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"Use a versioned path like /api/v1/...","supported":["v1"]}`))
	})

	r.Route("/api", func(api chi.Router) {
		api.Mount("/v1", v1.Router(v1.Deps{
			Engine:   opts.Engine,
			Dispatch: opts.Dispatch,
			Leases:   opts.Leases,
			Log:      opts.Log,
			Now:      opts.Now,
			Timeout:  opts.RequestTimeout,
			Limiter:  limiter,
		}))
	})

	return r
}

// RequestLogger logs one line per request through log.
func RequestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := log.WithFields(logrus.Fields{
					"method":    r.Method,
					"path":      r.URL.Path,
					"status":    ww.Status(),
					"bytes":     ww.BytesWritten(),
					"duration":  time.Since(start),
					"requestId": middleware.GetReqID(r.Context()),
					"remote":    r.RemoteAddr,
				})
				if ww.Status() >= http.StatusInternalServerError {
					entry.Warn("request failed")
					return
				}
				entry.Debug("request served")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
