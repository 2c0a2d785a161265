package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/types"
	"github.com/nanocl-io/nanocl/pkg/version"
)

func (s *Server) mountState(r chi.Router) {
	r.Route("/state", func(r chi.Router) {
		r.Put("/apply", s.applyState)
		r.Put("/remove", s.removeState)
	})
}

// decodeStatefile parses a YAML (or JSON, YAML being a superset here)
// statefile and gates its declared api version. The document is decoded
// generically and rebound through JSON so that the CamelCase keys bind
// to the partial types and raw-JSON payloads survive intact.
func decodeStatefile(r *http.Request) (*types.Statefile, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errdefs.BadInput("unreadable statefile: %v", err)
	}
	var doc any
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, errdefs.BadInput("malformed statefile: %v", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errdefs.BadInput("malformed statefile: %v", err)
	}
	var sf types.Statefile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, errdefs.BadInput("malformed statefile: %v", err)
	}
	if sf.ApiVersion == "" {
		return nil, errdefs.BadInput("statefile ApiVersion is required")
	}
	if !version.Accepts(sf.ApiVersion) {
		return nil, errdefs.BadInput("statefile ApiVersion not supported: %s", sf.ApiVersion)
	}
	return &sf, nil
}

func (s *Server) applyState(w http.ResponseWriter, r *http.Request) {
	sf, err := decodeStatefile(r)
	if err != nil {
		writeError(w, err)
		return
	}
	st := newStream(w)
	s.Applier.Apply(r.Context(), sf, func(item types.StateStream) {
		st.Send(item)
	})
}

func (s *Server) removeState(w http.ResponseWriter, r *http.Request) {
	sf, err := decodeStatefile(r)
	if err != nil {
		writeError(w, err)
		return
	}
	st := newStream(w)
	s.Applier.Remove(r.Context(), sf, func(item types.StateStream) {
		st.Send(item)
	})
}
