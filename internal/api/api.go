// Package api is the operator facing HTTP interface.
package api

import (
	"context"
	"net/http"

	"uniapply-backend/internal/agent"
	"uniapply-backend/internal/components/assert"
	"uniapply-backend/internal/components/telemetry"
	"uniapply-backend/internal/profile"
	"uniapply-backend/internal/tasks"
)

// Executor is the command dispatcher.
type Executor interface {
	Execute(ctx context.Context, cmd agent.Command, actor string) (agent.Result, error)
}

type Server struct {
	profiles profile.Store
	tasks    tasks.Store
	executor Executor
	auth     Authenticator
	tel      telemetry.API
}

func NewServer(profiles profile.Store, taskStore tasks.Store, executor Executor, auth Authenticator, tel telemetry.API) Server {
	assert.NotNil(executor, "executor")
	assert.NotNil(tel, "telemetry")
	return Server{
		profiles: profiles,
		tasks:    taskStore,
		executor: executor,
		auth:     auth,
		tel:      telemetry.NewScopedAPI("api", tel),
	}
}

// Handler routes every endpoint, everything under /api/ needs a bearer token.
func (s Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/clients", s.createClient)
	api.HandleFunc("GET /api/clients", s.listClients)
	api.HandleFunc("GET /api/clients/{id}", s.getClient)
	api.HandleFunc("PUT /api/clients/{id}", s.updateClient)
	api.HandleFunc("DELETE /api/clients/{id}", s.deleteClient)

	api.HandleFunc("POST /api/agent/execute", s.execute)

	api.HandleFunc("GET /api/applications", s.listApplications)
	api.HandleFunc("GET /api/applications/{id}", s.getApplication)
	api.HandleFunc("PATCH /api/applications/{id}", s.patchApplication)
	api.HandleFunc("POST /api/applications/{id}/resume", s.resumeApplication)
	api.HandleFunc("POST /api/applications/{id}/retry", s.retryApplication)

	api.HandleFunc("GET /api/audit", s.audit)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.Handle("/api/", s.auth.Middleware(api))
	return mux
}
