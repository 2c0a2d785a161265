package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/types"
	"github.com/nanocl-io/nanocl/pkg/version"
)

// DaemonClient talks to nanocld over its unix socket.
type DaemonClient struct {
	http *http.Client
}

// DialDaemon builds a client for a daemon url of the form
// "unix:///run/nanocl/nanocl.sock".
func DialDaemon(rawURL string) (*DaemonClient, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "unix" || u.Path == "" {
		return nil, errdefs.BadInput("invalid daemon url: %s", rawURL)
	}
	sock := u.Path
	return &DaemonClient{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", sock)
				},
			},
		},
	}, nil
}

func (c *DaemonClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost/"+version.ApiVersion+path, nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		payload, _ := io.ReadAll(res.Body)
		var e struct{ Msg string }
		if json.Unmarshal(payload, &e) == nil && e.Msg != "" {
			return errdefs.Internal(nil, "daemon request %s failed: %s", path, e.Msg)
		}
		return errdefs.Internal(nil, "daemon request %s failed: status %d", path, res.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// Ping checks the daemon is up.
func (c *DaemonClient) Ping(ctx context.Context) error {
	return c.get(ctx, "/_ping", nil)
}

// ListProcesses returns the instances of one owner.
func (c *DaemonClient) ListProcesses(ctx context.Context, kind types.ObjKind, key string) ([]*types.Process, error) {
	var list []*types.Process
	path := "/processes?kind=" + strings.ToLower(string(kind)) + "&key=" + url.QueryEscape(key)
	if err := c.get(ctx, path, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Info returns the daemon host info.
func (c *DaemonClient) Info(ctx context.Context) (*types.HostInfo, error) {
	var info types.HostInfo
	if err := c.get(ctx, "/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListResources returns every resource row.
func (c *DaemonClient) ListResources(ctx context.Context) ([]*types.Resource, error) {
	var list []*types.Resource
	if err := c.get(ctx, "/resources?limit=-1", &list); err != nil {
		return nil, err
	}
	return list, nil
}

// InspectResource resolves one resource with its spec data.
func (c *DaemonClient) InspectResource(ctx context.Context, name string) (*types.ResourceInspect, error) {
	var detail types.ResourceInspect
	if err := c.get(ctx, "/resources/"+url.PathEscape(name)+"/inspect", &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Events subscribes to the daemon event stream. Frames arrive on the
// returned channel until the stream breaks or ctx ends; heartbeat
// frames are dropped.
func (c *DaemonClient) Events(ctx context.Context) (<-chan *types.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost/"+version.ApiVersion+"/events", nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, errdefs.Internal(nil, "event subscription failed: status %d", res.StatusCode)
	}
	out := make(chan *types.Event, 16)
	go func() {
		defer close(out)
		defer res.Body.Close()
		sc := bufio.NewScanner(res.Body)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var ev types.Event
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				log.WithComponent("proxy").Warn().Err(err).Msg("skipping unreadable event frame")
				continue
			}
			select {
			case out <- &ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WaitReady polls the daemon until it answers or the deadline passes.
func (c *DaemonClient) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := c.Ping(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return errdefs.Internal(nil, "daemon not reachable after %s", timeout)
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
