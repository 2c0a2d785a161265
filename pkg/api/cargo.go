package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nanocl-io/nanocl/pkg/objects"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
	"github.com/nanocl-io/nanocl/pkg/version"
)

func (s *Server) mountCargoes(r chi.Router) {
	r.Route("/cargoes", func(r chi.Router) {
		r.Get("/", s.listCargoes)
		r.Post("/", s.createCargo)
		r.Get("/count", s.countCargoes)
		r.Get("/{name}/inspect", s.inspectCargo)
		r.Put("/{name}", s.putCargo)
		r.Patch("/{name}", s.putCargo)
		r.Delete("/{name}", s.deleteCargo)
		r.Get("/{name}/histories", s.cargoHistories)
		r.Patch("/{name}/histories/{id}/revert", s.revertCargo)
		r.Post("/{name}/exec", s.createCargoExec)
	})
}

// namespaceOf resolves the namespace query parameter, defaulting to
// the global namespace.
func namespaceOf(r *http.Request) string {
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		return ns
	}
	return objects.DefaultNamespace
}

func cargoKey(r *http.Request) string {
	return namespaceOf(r) + "." + chi.URLParam(r, "name")
}

func (s *Server) listCargoes(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r).Where("namespace_name", store.OpEq, namespaceOf(r))
	list, err := s.Objs.Cargoes.List(f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createCargo(w http.ResponseWriter, r *http.Request) {
	var partial types.CargoPartial
	if err := decodeBody(r, &partial); err != nil {
		writeError(w, err)
		return
	}
	cargo, err := s.Objs.Cargoes.Create(r.Context(), namespaceOf(r), &partial, version.ApiVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cargo)
}

func (s *Server) countCargoes(w http.ResponseWriter, r *http.Request) {
	f := store.NewFilter()
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		f.Where("namespace_name", store.OpEq, ns)
	}
	n, err := s.Objs.Cargoes.Count(f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countBody{Count: n})
}

func (s *Server) inspectCargo(w http.ResponseWriter, r *http.Request) {
	detail, err := s.Objs.Cargoes.Inspect(r.Context(), cargoKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) putCargo(w http.ResponseWriter, r *http.Request) {
	var partial types.CargoPartial
	if err := decodeBody(r, &partial); err != nil {
		writeError(w, err)
		return
	}
	if partial.Name == "" {
		partial.Name = chi.URLParam(r, "name")
	}
	cargo, err := s.Objs.Cargoes.Put(r.Context(), cargoKey(r), &partial, version.ApiVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cargo)
}

func (s *Server) deleteCargo(w http.ResponseWriter, r *http.Request) {
	if err := s.Objs.Cargoes.Delete(r.Context(), cargoKey(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) cargoHistories(w http.ResponseWriter, r *http.Request) {
	list, err := s.Objs.Cargoes.Histories(cargoKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) revertCargo(w http.ResponseWriter, r *http.Request) {
	spec, err := s.Objs.Cargoes.Revert(r.Context(), cargoKey(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}
