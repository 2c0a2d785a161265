// Package api is the daemon's HTTP and websocket surface. Routes are
// versioned under /{version}; middleware gates the requested version,
// caps payload sizes and serializes errors as {msg}.
package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/events"
	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/metrics"
	"github.com/nanocl-io/nanocl/pkg/objects"
	"github.com/nanocl-io/nanocl/pkg/process"
	"github.com/nanocl-io/nanocl/pkg/state"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
	"github.com/nanocl-io/nanocl/pkg/vmimage"
)

// Deps are the server's collaborators.
type Deps struct {
	Store   *store.Store
	Bus     *events.Bus
	Objs    *objects.Manager
	Proc    *process.Controller
	Images  *vmimage.Manager
	Applier *state.Applier
	Config  types.DaemonConfig
}

// Server serves the daemon API on the configured hosts.
type Server struct {
	Deps
	router chi.Router

	mu        sync.Mutex
	listeners []net.Listener
	servers   []*http.Server
}

// New builds the server and its routing tree.
func New(deps Deps) *Server {
	s := &Server{Deps: deps}
	s.router = s.routes()
	return s
}

// Handler exposes the routing tree, used directly by tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(bodyLimit)

	r.Get("/_ping", s.ping)
	r.Head("/_ping", s.ping)
	r.Get("/version", s.binaryVersion)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/{version}", func(r chi.Router) {
		r.Use(s.versionGate)
		r.Get("/_ping", s.ping)
		r.Head("/_ping", s.ping)
		r.Get("/version", s.binaryVersion)
		r.Get("/info", s.info)
		r.Get("/events", s.streamEvents)
		r.Get("/events/history", s.listEvents)

		s.mountNamespaces(r)
		s.mountCargoes(r)
		s.mountVms(r)
		s.mountJobs(r)
		s.mountSecrets(r)
		s.mountResources(r)
		s.mountResourceKinds(r)
		s.mountProcesses(r)
		s.mountExec(r)
		s.mountState(r)
	})
	return r
}

// Listen binds every configured host and serves until Shutdown. Hosts
// are "unix://{path}" or "tcp://{addr}"; TLS applies to tcp hosts when
// configured, with mutual auth when a CA is present.
func (s *Server) Listen() error {
	if len(s.Config.Hosts) == 0 {
		return errdefs.BadInput("no listen hosts configured")
	}
	tlsConf, err := s.tlsConfig()
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(s.Config.Hosts))
	for _, host := range s.Config.Hosts {
		ln, err := s.bind(host, tlsConf)
		if err != nil {
			return err
		}
		srv := &http.Server{Handler: s.router}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.servers = append(s.servers, srv)
		s.mu.Unlock()
		log.WithComponent("api").Info().Str("host", host).Msg("listening")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) bind(host string, tlsConf *tls.Config) (net.Listener, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, errdefs.BadInput("invalid host url: %s", host)
	}
	switch u.Scheme {
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		os.Remove(path)
		return net.Listen("unix", path)
	case "tcp":
		ln, err := net.Listen("tcp", u.Host)
		if err != nil {
			return nil, err
		}
		if tlsConf != nil {
			ln = tls.NewListener(ln, tlsConf)
		}
		return ln, nil
	}
	return nil, errdefs.BadInput("unrecognized host scheme: %s", host)
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.Config.Cert == "" || s.Config.CertKey == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.Config.Cert, s.Config.CertKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load tls keypair: %w", err)
	}
	conf := &tls.Config{Certificates: []tls.Certificate{cert}}
	if s.Config.CertCa != "" {
		ca, err := os.ReadFile(s.Config.CertCa)
		if err != nil {
			return nil, fmt.Errorf("failed to read tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("invalid tls ca: %s", s.Config.CertCa)
		}
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}

// Shutdown stops every listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
