package api

import (
	"bufio"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/types"
)

func (s *Server) mountExec(r chi.Router) {
	r.Route("/exec", func(r chi.Router) {
		r.Post("/{id}/cargo/start", s.startCargoExec)
		r.Get("/{id}/cargo/inspect", s.inspectCargoExec)
	})
}

// createCargoExec opens an exec session in the first instance of the
// cargo and returns its id.
func (s *Server) createCargoExec(w http.ResponseWriter, r *http.Request) {
	var partial types.CargoExecPartial
	if err := decodeBody(r, &partial); err != nil {
		writeError(w, err)
		return
	}
	key := cargoKey(r)
	procs, err := s.Proc.ListByKind(types.ObjKindCargo, key)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(procs) == 0 {
		writeError(w, errdefs.NotFound("cargo %s has no running instance", key))
		return
	}
	id, err := s.Proc.CreateExec(r.Context(), procs[0].Key, partial.Cmd, partial.Tty)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.CargoExecCreated{Id: id})
}

// startCargoExec runs the exec session and streams its output, one
// frame per line.
func (s *Server) startCargoExec(w http.ResponseWriter, r *http.Request) {
	rc, err := s.Proc.StartExec(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	st := newStream(w)
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := st.Send(types.OutputLog{Kind: types.OutputStdOut, Data: sc.Text() + "\n"}); err != nil {
			return
		}
	}
}

func (s *Server) inspectCargoExec(w http.ResponseWriter, r *http.Request) {
	detail, err := s.Proc.InspectExec(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}
