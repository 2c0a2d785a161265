package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nanocl-io/nanocl/pkg/types"
)

func (s *Server) mountJobs(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Post("/", s.createJob)
		r.Get("/count", s.countJobs)
		r.Get("/{name}/inspect", s.inspectJob)
		r.Delete("/{name}", s.deleteJob)
		r.Get("/{name}/wait", s.waitJob)
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.Objs.Jobs.List(parseFilter(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var partial types.JobPartial
	if err := decodeBody(r, &partial); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.Objs.Jobs.Create(r.Context(), &partial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) countJobs(w http.ResponseWriter, r *http.Request) {
	n, err := s.Objs.Jobs.Count(nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countBody{Count: n})
}

func (s *Server) inspectJob(w http.ResponseWriter, r *http.Request) {
	detail, err := s.Objs.Jobs.Inspect(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.Objs.Jobs.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

// waitJob blocks until every instance of the job satisfies the wait
// condition, streaming one result per instance. An unknown condition is
// rejected before the stream starts.
func (s *Server) waitJob(w http.ResponseWriter, r *http.Request) {
	cond, err := types.ParseWaitCondition(r.URL.Query().Get("condition"))
	if err != nil {
		writeError(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	if _, err := s.Store.Jobs.ReadByPK(name); err != nil {
		writeError(w, err)
		return
	}
	st := newStream(w)
	err = s.Proc.WaitByKind(r.Context(), types.ObjKindJob, name, cond, func(key string, code int) {
		st.Send(types.ProcessWaitResponse{ProcessKey: key, StatusCode: code})
	})
	if err != nil {
		st.SendError(err)
	}
}
