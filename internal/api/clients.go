package api

import (
	"net/http"

	"uniapply-backend/internal/profile"
)

func (s Server) createClient(w http.ResponseWriter, r *http.Request) {
	var p profile.ClientProfile
	err := decode(w, r, &p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p.ID = ""
	created, err := s.profiles.Create(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s Server) listClients(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	clients, err := s.profiles.List(r.Context(), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if clients == nil {
		clients = []profile.ClientProfile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (s Server) getClient(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// updateClient replaces the whole profile.
func (s Server) updateClient(w http.ResponseWriter, r *http.Request) {
	var p profile.ClientProfile
	err := decode(w, r, &p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p.ID = r.PathValue("id")
	updated, err := s.profiles.Update(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s Server) deleteClient(w http.ResponseWriter, r *http.Request) {
	err := s.profiles.Delete(r.Context(), r.PathValue("id"), actor(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
