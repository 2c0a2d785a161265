package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nanocl-io/nanocl/pkg/types"
)

func (s *Server) mountSecrets(r chi.Router) {
	r.Route("/secrets", func(r chi.Router) {
		r.Get("/", s.listSecrets)
		r.Post("/", s.createSecret)
		r.Get("/count", s.countSecrets)
		r.Get("/{name}/inspect", s.inspectSecret)
		r.Patch("/{name}", s.patchSecret)
		r.Delete("/{name}", s.deleteSecret)
	})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	list, err := s.Objs.Secrets.List(parseFilter(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	var partial types.SecretPartial
	if err := decodeBody(r, &partial); err != nil {
		writeError(w, err)
		return
	}
	secret, err := s.Objs.Secrets.Create(r.Context(), &partial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, secret)
}

func (s *Server) countSecrets(w http.ResponseWriter, r *http.Request) {
	n, err := s.Objs.Secrets.Count(nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countBody{Count: n})
}

func (s *Server) inspectSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := s.Objs.Secrets.Inspect(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secret)
}

func (s *Server) patchSecret(w http.ResponseWriter, r *http.Request) {
	var update types.SecretUpdate
	if err := decodeBody(r, &update); err != nil {
		writeError(w, err)
		return
	}
	secret, err := s.Objs.Secrets.Patch(r.Context(), chi.URLParam(r, "name"), &update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secret)
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.Objs.Secrets.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}
