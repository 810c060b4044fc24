package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"uniapply-backend/internal/agent"
	"uniapply-backend/internal/automation"
	"uniapply-backend/internal/portal"
	"uniapply-backend/internal/profile"
	"uniapply-backend/internal/tasks"
)

const (
	report_api_internal = "api.internal"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func statusOf(err error) int {
	var invalid *profile.ValidationError
	switch {
	case errors.Is(err, profile.ErrNotFound),
		errors.Is(err, tasks.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrTaskActive),
		errors.Is(err, tasks.ErrInvalidTransition),
		errors.Is(err, tasks.ErrNotRetryable),
		errors.Is(err, tasks.ErrAlreadySuperseded),
		errors.Is(err, automation.ErrNotRunnable),
		errors.Is(err, automation.ErrSessionRunning):
		return http.StatusConflict
	case errors.As(err, &invalid),
		errors.Is(err, errBadRequest),
		errors.Is(err, profile.ErrNoCourseChoices),
		errors.Is(err, portal.ErrUnknownPortal),
		errors.Is(err, agent.ErrUnknownCommand),
		errors.Is(err, agent.ErrMissingParam),
		errors.Is(err, agent.ErrNothingToDo):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status, internal errors are reported and
// not echoed.
func (s Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.tel.ReportBroken(report_api_internal, err, r.Method, r.URL.Path)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}
