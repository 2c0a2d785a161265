package api

import (
	"net/http"

	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
	"github.com/nanocl-io/nanocl/pkg/version"
)

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong"})
}

func (s *Server) binaryVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.BinaryInfo{
		Arch:     version.Arch(),
		Channel:  version.Channel,
		Version:  version.Version,
		CommitId: version.CommitId,
	})
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	rt, err := s.Proc.RuntimeInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.HostInfo{
		HostGateway: s.Config.HostGateway,
		Runtime:     rt,
		Config:      s.Config,
	})
}

// streamEvents subscribes the client to the bus as a raw subscriber.
// Frames (and heartbeats) are flushed as they come; the subscription
// ends when the client goes away or the bus evicts it.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sub := s.Bus.SubscribeRaw()
	defer s.Bus.UnsubscribeRaw(sub)

	w.Header().Set("Content-Type", RawStreamContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case frame, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// listEvents returns the persisted event history, newest first.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	f := parseFilter(r).Order("created_at", true)
	q := r.URL.Query()
	if v := q.Get("kind"); v != "" {
		f.Where("kind", store.OpEq, v)
	}
	if v := q.Get("action"); v != "" {
		f.Where("action", store.OpEq, v)
	}
	list, err := s.Store.Events.ReadBy(f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
