package api

import (
	"fmt"
	"net/http"

	"uniapply-backend/internal/agent"
	"uniapply-backend/internal/tasks"
)

func (s Server) execute(w http.ResponseWriter, r *http.Request) {
	var cmd agent.Command
	err := decode(w, r, &cmd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.executor.Execute(r.Context(), cmd, actor(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s Server) listApplications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := tasks.Filter{ClientID: q.Get("client_id")}
	if v := q.Get("status"); v != "" {
		status, ok := tasks.ParseStatus(v)
		if !ok {
			s.fail(w, r, fmt.Errorf("%w: unknown status %q", errBadRequest, v))
			return
		}
		filter.Status = status
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	filter.Limit = limit

	list, err := s.tasks.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]tasks.Task, 0, len(list))
	for _, t := range list {
		// screenshots are only returned for a single application
		t.Screenshot = ""
		out = append(out, t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": out})
}

func (s Server) getApplication(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type patchApplication struct {
	Status tasks.Status `json:"status"`
}

// patchApplication records the university's decision on a submitted task.
func (s Server) patchApplication(w http.ResponseWriter, r *http.Request) {
	var body patchApplication
	err := decode(w, r, &body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Status != tasks.StatusAccepted && body.Status != tasks.StatusRejected {
		s.fail(w, r, fmt.Errorf("%w: status must be %s or %s", errBadRequest, tasks.StatusAccepted, tasks.StatusRejected))
		return
	}
	task, err := s.tasks.Report(r.Context(), r.PathValue("id"), tasks.Transition{
		Status: body.Status,
		Actor:  actor(r.Context()),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s Server) taskCommand(w http.ResponseWriter, r *http.Request, kind agent.CommandType) {
	res, err := s.executor.Execute(r.Context(), agent.Command{
		CommandType: kind,
		Parameters:  map[string]string{"task_id": r.PathValue("id")},
	}, actor(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s Server) resumeApplication(w http.ResponseWriter, r *http.Request) {
	s.taskCommand(w, r, agent.CommandResumeTask)
}

func (s Server) retryApplication(w http.ResponseWriter, r *http.Request) {
	s.taskCommand(w, r, agent.CommandRetryTask)
}

func (s Server) audit(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		s.fail(w, r, fmt.Errorf("%w: resource is required", errBadRequest))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.tasks.Audit(r.Context(), resource, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []tasks.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
