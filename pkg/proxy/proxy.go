// Package proxy is the ncproxy companion daemon. Its only state is the
// rendered nginx config tree; rules arrive over the controller socket
// and get re-rendered as the daemon's event stream reports instance
// changes.
package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// reconnectDelay paces event stream reconnects after a daemon restart.
const reconnectDelay = 2 * time.Second

// Server is the proxy controller: it answers rule validation calls
// from the daemon and follows the event stream.
type Server struct {
	client      *DaemonClient
	nginx       *Nginx
	hostGateway string

	router  chi.Router
	httpSrv *http.Server
}

// NewServer wires the controller.
func NewServer(client *DaemonClient, nginx *Nginx, hostGateway string) *Server {
	s := &Server{client: client, nginx: nginx, hostGateway: hostGateway}
	r := chi.NewRouter()
	r.Put("/rules", s.applyRule)
	r.Delete("/rules/{name}", s.removeRule)
	s.router = r
	return s
}

// Handler exposes the routing tree, used directly by tests.
func (s *Server) Handler() http.Handler { return s.router }

type errorBody struct {
	Msg string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errdefs.HTTPStatus(err), errorBody{Msg: err.Error()})
}

// applyRule validates a resource payload, renders its fragment and
// answers with the normalized rule data. A rule that fails to render
// or to pass nginx -t leaves the config tree untouched.
func (s *Server) applyRule(w http.ResponseWriter, r *http.Request) {
	var partial types.ResourcePartial
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&partial); err != nil {
		writeError(w, errdefs.BadInput("malformed payload: %v", err))
		return
	}
	if partial.Name == "" {
		writeError(w, errdefs.BadInput("resource name is required"))
		return
	}
	rule, err := ParseRules(partial.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	fragment, err := s.renderFragment(r.Context(), partial.Name, rule)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.nginx.Apply(partial.Name, fragment); err != nil {
		writeError(w, err)
		return
	}
	normalized, err := json.Marshal(rule)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(normalized)
}

func (s *Server) removeRule(w http.ResponseWriter, r *http.Request) {
	if err := s.nginx.Remove(chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

// Listen serves the controller socket until ctx ends.
func (s *Server) Listen(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return err
	}
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{Handler: s.router}
	log.WithComponent("proxy").Info().Str("socket", socketPath).Msg("controller listening")
	go func() {
		<-ctx.Done()
		s.httpSrv.Shutdown(context.Background())
	}()
	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Watch follows the daemon event stream and keeps fragments in sync
// with instance changes. It reconnects until ctx ends.
func (s *Server) Watch(ctx context.Context) {
	logger := log.WithComponent("proxy")
	for {
		events, err := s.client.Events(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("event subscription failed, retrying")
		} else {
			logger.Info().Msg("following daemon events")
			for ev := range events {
				s.handleEvent(ctx, ev)
			}
			logger.Warn().Msg("event stream closed, reconnecting")
		}
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleEvent(ctx context.Context, ev *types.Event) {
	if ev.Actor == nil {
		return
	}
	switch ev.Actor.Kind {
	case types.ObjKindCargo, types.ObjKindVm:
		switch ev.Action {
		case types.ActionStart, types.ActionUpdate:
			s.syncOwner(ctx, ev.Actor.Kind, ev.Actor.Key, true)
		case types.ActionStop, types.ActionDestroy:
			s.syncOwner(ctx, ev.Actor.Kind, ev.Actor.Key, false)
		}
	case types.ObjKindResource:
		if ev.Action == types.ActionDestroy {
			if err := s.nginx.Remove(ev.Actor.Key); err != nil {
				log.WithKey(ev.Actor.Key).Warn().Err(err).Msg("fragment removal failed")
			}
		}
	}
}

// syncOwner re-renders or drops the fragments of every resource whose
// rules target the owner. The config tree is the only state, so the
// matching resources are looked up fresh from the daemon.
func (s *Server) syncOwner(ctx context.Context, kind types.ObjKind, ownerKey string, up bool) {
	logger := log.WithKey(ownerKey)
	resources, err := s.client.ListResources(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("resource listing failed")
		return
	}
	for _, res := range resources {
		detail, err := s.client.InspectResource(ctx, res.Name)
		if err != nil {
			continue
		}
		rule, err := ParseRules(detail.Spec.Data)
		if err != nil {
			// Not a proxy rule resource.
			continue
		}
		if !targetsOwner(rule, kind, ownerKey) {
			continue
		}
		if !up {
			if err := s.nginx.Remove(res.Name); err != nil {
				logger.Warn().Err(err).Str("resource", res.Name).Msg("fragment removal failed")
			}
			continue
		}
		fragment, err := s.renderFragment(ctx, res.Name, rule)
		if err != nil {
			logger.Warn().Err(err).Str("resource", res.Name).Msg("fragment render failed")
			continue
		}
		if err := s.nginx.Apply(res.Name, fragment); err != nil {
			logger.Warn().Err(err).Str("resource", res.Name).Msg("fragment apply failed")
		}
	}
}
