package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nanocl-io/nanocl/pkg/types"
)

func (s *Server) mountResources(r chi.Router) {
	r.Route("/resources", func(r chi.Router) {
		r.Get("/", s.listResources)
		r.Post("/", s.createResource)
		r.Get("/count", s.countResources)
		r.Get("/{name}/inspect", s.inspectResource)
		r.Put("/{name}", s.putResource)
		r.Patch("/{name}", s.putResource)
		r.Delete("/{name}", s.deleteResource)
		r.Get("/{name}/histories", s.resourceHistories)
		r.Patch("/{name}/histories/{id}/revert", s.revertResource)
	})
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	list, err := s.Objs.Resources.List(parseFilter(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createResource(w http.ResponseWriter, r *http.Request) {
	var partial types.ResourcePartial
	if err := decodeBody(r, &partial); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.Objs.Resources.Create(r.Context(), &partial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) countResources(w http.ResponseWriter, r *http.Request) {
	n, err := s.Objs.Resources.Count(nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countBody{Count: n})
}

func (s *Server) inspectResource(w http.ResponseWriter, r *http.Request) {
	detail, err := s.Objs.Resources.Inspect(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) putResource(w http.ResponseWriter, r *http.Request) {
	var partial types.ResourcePartial
	if err := decodeBody(r, &partial); err != nil {
		writeError(w, err)
		return
	}
	if partial.Name == "" {
		partial.Name = chi.URLParam(r, "name")
	}
	res, err := s.Objs.Resources.Put(r.Context(), chi.URLParam(r, "name"), &partial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) deleteResource(w http.ResponseWriter, r *http.Request) {
	if err := s.Objs.Resources.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) resourceHistories(w http.ResponseWriter, r *http.Request) {
	list, err := s.Objs.Resources.Histories(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) revertResource(w http.ResponseWriter, r *http.Request) {
	spec, err := s.Objs.Resources.Revert(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}
