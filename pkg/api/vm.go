package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
	"github.com/nanocl-io/nanocl/pkg/version"
)

const wsPingInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) mountVms(r chi.Router) {
	r.Route("/vms", func(r chi.Router) {
		s.mountVmImages(r)
		r.Get("/", s.listVms)
		r.Post("/", s.createVm)
		r.Get("/count", s.countVms)
		r.Get("/{name}/inspect", s.inspectVm)
		r.Put("/{name}", s.putVm)
		r.Patch("/{name}", s.putVm)
		r.Delete("/{name}", s.deleteVm)
		r.Get("/{name}/histories", s.vmHistories)
		r.Patch("/{name}/histories/{id}/revert", s.revertVm)
		r.Get("/{name}/attach", s.attachVm)
	})
}

func vmKey(r *http.Request) string {
	return namespaceOf(r) + "." + chi.URLParam(r, "name")
}

func (s *Server) listVms(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r).Where("namespace_name", store.OpEq, namespaceOf(r))
	list, err := s.Objs.Vms.List(f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) createVm(w http.ResponseWriter, r *http.Request) {
	var partial types.VmPartial
	if err := decodeBody(r, &partial); err != nil {
		writeError(w, err)
		return
	}
	vm, err := s.Objs.Vms.Create(r.Context(), namespaceOf(r), &partial, version.ApiVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, vm)
}

func (s *Server) countVms(w http.ResponseWriter, r *http.Request) {
	f := store.NewFilter()
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		f.Where("namespace_name", store.OpEq, ns)
	}
	n, err := s.Objs.Vms.Count(f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countBody{Count: n})
}

func (s *Server) inspectVm(w http.ResponseWriter, r *http.Request) {
	detail, err := s.Objs.Vms.Inspect(r.Context(), vmKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) putVm(w http.ResponseWriter, r *http.Request) {
	var partial types.VmPartial
	if err := decodeBody(r, &partial); err != nil {
		writeError(w, err)
		return
	}
	if partial.Name == "" {
		partial.Name = chi.URLParam(r, "name")
	}
	vm, err := s.Objs.Vms.Put(r.Context(), vmKey(r), &partial, version.ApiVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) deleteVm(w http.ResponseWriter, r *http.Request) {
	if err := s.Objs.Vms.Delete(r.Context(), vmKey(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) vmHistories(w http.ResponseWriter, r *http.Request) {
	list, err := s.Objs.Vms.Histories(vmKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) revertVm(w http.ResponseWriter, r *http.Request) {
	spec, err := s.Objs.Vms.Revert(r.Context(), vmKey(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// attachVm upgrades to a websocket and bridges it to the vm serial
// console. The connection is kept alive with pings; it ends when either
// side closes.
func (s *Server) attachVm(w http.ResponseWriter, r *http.Request) {
	key := vmKey(r)
	procs, err := s.Proc.ListByKind(types.ObjKindVm, key)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(procs) == 0 {
		writeError(w, errdefs.NotFound("vm %s has no running instance", key))
		return
	}
	rwc, err := s.Proc.Attach(r.Context(), procs[0].Key)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rwc.Close()
		return
	}
	defer conn.Close()
	defer rwc.Close()

	done := make(chan struct{}, 2)

	// console -> client
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 4096)
		for {
			n, err := rwc.Read(buf)
			if n > 0 {
				if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// client -> console
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if _, err := rwc.Write(data); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsPingInterval)); err != nil {
				log.WithKey(key).Debug().Err(err).Msg("vm attach ping failed")
				return
			}
		}
	}
}
