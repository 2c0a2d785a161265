package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/runtime"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// renderFragment translates one rule set into an nginx config fragment.
// Upstream targets resolve to the live instance addresses; a rule whose
// owner has no instances is rejected so nothing invalid hits the disk.
func (s *Server) renderFragment(ctx context.Context, resName string, rule *types.ResourceProxyRule) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# generated by ncproxy for resource %s\n", resName)
	base := fragmentIdent(resName)

	for i := range rule.Rules {
		r := &rule.Rules[i]
		upstream := fmt.Sprintf("%s_%d", base, i)

		switch {
		case r.Target.Upstream != nil:
			servers, err := s.resolveUpstream(ctx, r.Target.Upstream)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "upstream %s {\n", upstream)
			for _, srv := range servers {
				fmt.Fprintf(&b, "  server %s;\n", srv)
			}
			b.WriteString("}\n")
		case r.Target.Unix != nil:
			fmt.Fprintf(&b, "upstream %s {\n  server unix:%s;\n}\n", upstream, r.Target.Unix.Path)
		}

		b.WriteString("server {\n")
		fmt.Fprintf(&b, "  listen %s;\n", s.listenAddr(r))
		if r.Domain != "" {
			fmt.Fprintf(&b, "  server_name %s;\n", r.Domain)
		}
		path := r.Path
		if path == "" {
			path = "/"
		}
		fmt.Fprintf(&b, "  location %s {\n", path)
		switch {
		case r.Target.Http != nil && r.Target.Http.Redirect != "":
			fmt.Fprintf(&b, "    return %d %s;\n", redirectCode(r.Target.Http.Redirect), r.Target.Http.Url)
		case r.Target.Http != nil:
			fmt.Fprintf(&b, "    proxy_pass %s;\n", r.Target.Http.Url)
		default:
			fmt.Fprintf(&b, "    proxy_pass http://%s;\n", upstream)
		}
		b.WriteString("  }\n}\n")
	}
	return b.String(), nil
}

// resolveUpstream lists the owner's instances through the daemon and
// picks each one's address on the owner network.
func (s *Server) resolveUpstream(ctx context.Context, up *types.UpstreamTarget) ([]string, error) {
	kind, ownerKey, err := parseUpstreamKey(up.Key)
	if err != nil {
		return nil, err
	}
	namespace := ownerKey[:strings.Index(ownerKey, ".")]
	procs, err := s.client.ListProcesses(ctx, kind, ownerKey)
	if err != nil {
		return nil, err
	}
	var servers []string
	for _, p := range procs {
		ep, ok := p.Data.NetworkSettings.Networks[namespace]
		if !ok || ep.IPAddress == "" {
			continue
		}
		servers = append(servers, fmt.Sprintf("%s:%d", ep.IPAddress, up.Port))
	}
	if len(servers) == 0 {
		return nil, errdefs.BadInput("upstream %s has no addressable instances", up.Key)
	}
	return servers, nil
}

// listenAddr maps the rule network to a listen address.
func (s *Server) listenAddr(r *types.ProxyRule) string {
	switch r.Network {
	case "All":
		return fmt.Sprintf(":%d", r.Port)
	case "Public":
		if s.hostGateway == "" {
			return fmt.Sprintf(":%d", r.Port)
		}
		return fmt.Sprintf("%s:%d", s.hostGateway, r.Port)
	case "Internal":
		return fmt.Sprintf("127.0.0.1:%d", r.Port)
	}
	namespace := strings.TrimSuffix(r.Network, ".nsp")
	return fmt.Sprintf("%s:%d", runtime.NetworkGateway(namespace), r.Port)
}

// fragmentIdent turns a resource name into a safe nginx identifier.
func fragmentIdent(name string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		default:
			return '_'
		}
	}, name)
}
