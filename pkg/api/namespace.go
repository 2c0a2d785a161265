package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nanocl-io/nanocl/pkg/types"
)

func (s *Server) mountNamespaces(r chi.Router) {
	r.Route("/namespaces", func(r chi.Router) {
		r.Get("/", s.listNamespaces)
		r.Post("/", s.createNamespace)
		r.Get("/count", s.countNamespaces)
		r.Get("/{name}/inspect", s.inspectNamespace)
		r.Delete("/{name}", s.deleteNamespace)
	})
}

func (s *Server) listNamespaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.Objs.Namespaces.List(parseFilter(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createNamespace(w http.ResponseWriter, r *http.Request) {
	var partial types.NamespacePartial
	if err := decodeBody(r, &partial); err != nil {
		writeError(w, err)
		return
	}
	ns, err := s.Objs.Namespaces.Create(r.Context(), &partial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ns)
}

func (s *Server) countNamespaces(w http.ResponseWriter, r *http.Request) {
	n, err := s.Objs.Namespaces.Count(nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countBody{Count: n})
}

func (s *Server) inspectNamespace(w http.ResponseWriter, r *http.Request) {
	detail, err := s.Objs.Namespaces.Inspect(r.Context(), chi.URLParam(r, "name"), s.Objs.Cargoes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) deleteNamespace(w http.ResponseWriter, r *http.Request) {
	if err := s.Objs.Namespaces.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}
