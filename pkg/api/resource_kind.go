package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nanocl-io/nanocl/pkg/types"
)

func (s *Server) mountResourceKinds(r chi.Router) {
	r.Route("/resource/kinds", func(r chi.Router) {
		r.Get("/", s.listResourceKinds)
		r.Post("/", s.createResourceKind)
		r.Get("/count", s.countResourceKinds)
		r.Get("/{domain}/{name}/inspect", s.inspectResourceKind)
		r.Get("/{domain}/{name}/version/{version}/inspect", s.inspectResourceKindVersion)
		r.Delete("/{domain}/{name}", s.deleteResourceKind)
	})
}

func kindName(r *http.Request) string {
	return chi.URLParam(r, "domain") + "/" + chi.URLParam(r, "name")
}

func (s *Server) listResourceKinds(w http.ResponseWriter, r *http.Request) {
	list, err := s.Objs.Kinds.List(parseFilter(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createResourceKind(w http.ResponseWriter, r *http.Request) {
	var partial types.ResourceKindPartial
	if err := decodeBody(r, &partial); err != nil {
		writeError(w, err)
		return
	}
	kind, err := s.Objs.Kinds.Create(r.Context(), &partial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, kind)
}

func (s *Server) countResourceKinds(w http.ResponseWriter, r *http.Request) {
	n, err := s.Objs.Kinds.Count(nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countBody{Count: n})
}

func (s *Server) inspectResourceKind(w http.ResponseWriter, r *http.Request) {
	detail, err := s.Objs.Kinds.Inspect(kindName(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) inspectResourceKindVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.Objs.Kinds.InspectVersion(kindName(r), chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) deleteResourceKind(w http.ResponseWriter, r *http.Request) {
	if err := s.Objs.Kinds.Delete(r.Context(), kindName(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}
