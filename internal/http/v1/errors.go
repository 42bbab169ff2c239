package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/VerteraIO/agentplane/internal/controlplane/calendar"
	"github.com/VerteraIO/agentplane/internal/controlplane/pool"
	"github.com/VerteraIO/agentplane/internal/controlplane/scheduler"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: errorCode(status), Message: msg})
}

// writeErr maps engine errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrUnknownWorker),
		errors.Is(err, scheduler.ErrUnknownTask),
		errors.Is(err, calendar.ErrUnknownEvent):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrDuplicateTask),
		errors.Is(err, scheduler.ErrTaskActive),
		errors.Is(err, scheduler.ErrPoolBusy),
		errors.Is(err, pool.ErrDuplicateWorker),
		errors.Is(err, pool.ErrPoolFull),
		errors.Is(err, pool.ErrWorkerBusy),
		errors.Is(err, pool.ErrWorkerNotIdle):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrInvalidHours),
		errors.Is(err, calendar.ErrInvalidWindow),
		errors.Is(err, calendar.ErrInvalidKind),
		errors.Is(err, calendar.ErrInvalidRecurrence):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "internal"
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}
