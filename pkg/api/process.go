package api

import (
	"bufio"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

func (s *Server) mountProcesses(r chi.Router) {
	r.Route("/processes", func(r chi.Router) {
		r.Get("/", s.listProcesses)
		r.Post("/{kind}/{name}/start", s.startProcesses)
		r.Post("/{kind}/{name}/stop", s.stopProcesses)
		r.Post("/{kind}/{name}/restart", s.restartProcesses)
		r.Post("/{kind}/{name}/kill", s.killProcesses)
		r.Get("/{kind}/{name}/wait", s.waitProcesses)
		r.Get("/{kind}/{name}/logs", s.processLogs)
	})
}

// processTarget resolves the owner kind and key from the route. Cargo
// and vm keys carry the namespace; jobs are global.
func processTarget(r *http.Request) (types.ObjKind, string, error) {
	kind, err := types.ParseObjKind(chi.URLParam(r, "kind"))
	if err != nil {
		return "", "", errdefs.BadInput("%v", err)
	}
	name := chi.URLParam(r, "name")
	if kind == types.ObjKindJob {
		return kind, name, nil
	}
	return kind, namespaceOf(r) + "." + name, nil
}

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r)
	q := r.URL.Query()
	if v := q.Get("kind"); v != "" {
		kind, err := types.ParseObjKind(v)
		if err != nil {
			writeError(w, err)
			return
		}
		f.Where("kind", store.OpEq, string(kind))
	}
	if v := q.Get("key"); v != "" {
		f.Where("kind_key", store.OpEq, v)
	}
	list, err := s.Proc.List(f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) startProcesses(w http.ResponseWriter, r *http.Request) {
	kind, key, err := processTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Objs.StartProcessOwner(r.Context(), kind, key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) stopProcesses(w http.ResponseWriter, r *http.Request) {
	kind, key, err := processTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Objs.StopProcessOwner(r.Context(), kind, key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) restartProcesses(w http.ResponseWriter, r *http.Request) {
	kind, key, err := processTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Objs.RestartProcessOwner(r.Context(), kind, key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) killProcesses(w http.ResponseWriter, r *http.Request) {
	kind, key, err := processTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	signal := r.URL.Query().Get("signal")
	if signal == "" {
		signal = "SIGKILL"
	}
	if err := s.Objs.KillProcessOwner(r.Context(), kind, key, signal); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

// waitProcesses streams one result per instance once each satisfies
// the wait condition. An unknown condition is rejected with 400 before
// the stream starts.
func (s *Server) waitProcesses(w http.ResponseWriter, r *http.Request) {
	kind, key, err := processTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cond, err := types.ParseWaitCondition(r.URL.Query().Get("condition"))
	if err != nil {
		writeError(w, errdefs.BadInput("%v", err))
		return
	}
	st := newStream(w)
	err = s.Objs.WaitProcessOwner(r.Context(), kind, key, cond, func(pkey string, code int) {
		st.Send(types.ProcessWaitResponse{ProcessKey: pkey, StatusCode: code})
	})
	if err != nil {
		st.SendError(err)
	}
}

// processLogs streams the output of every instance of the owner, one
// frame per line.
func (s *Server) processLogs(w http.ResponseWriter, r *http.Request) {
	kind, key, err := processTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}
	procs, err := s.Proc.ListByKind(kind, key)
	if err != nil {
		writeError(w, err)
		return
	}
	st := newStream(w)
	for _, p := range procs {
		rc, err := s.Proc.Logs(r.Context(), p.Key)
		if err != nil {
			st.SendError(err)
			return
		}
		sc := bufio.NewScanner(rc)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			if err := st.Send(types.OutputLog{Kind: types.OutputConsole, Data: sc.Text() + "\n"}); err != nil {
				rc.Close()
				return
			}
		}
		rc.Close()
	}
}
