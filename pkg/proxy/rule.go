package proxy

import (
	"encoding/json"
	"strings"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// ParseRules decodes and validates the proxy rule payload of a
// resource. Unknown fields are rejected so typos fail at the boundary.
func ParseRules(data json.RawMessage) (*types.ResourceProxyRule, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	var rule types.ResourceProxyRule
	if err := dec.Decode(&rule); err != nil {
		return nil, errdefs.BadInput("malformed proxy rule: %v", err)
	}
	if len(rule.Rules) == 0 {
		return nil, errdefs.BadInput("proxy rule declares no rules")
	}
	for i := range rule.Rules {
		if err := validateRule(&rule.Rules[i]); err != nil {
			return nil, err
		}
	}
	return &rule, nil
}

func validateRule(r *types.ProxyRule) error {
	if r.Port <= 0 || r.Port > 65535 {
		return errdefs.BadInput("invalid rule port: %d", r.Port)
	}
	if r.Network == "" {
		return errdefs.BadInput("rule network is required")
	}
	switch r.Network {
	case "All", "Public", "Internal":
	default:
		if !strings.HasSuffix(r.Network, ".nsp") || len(r.Network) <= len(".nsp") {
			return errdefs.BadInput("invalid rule network: %s", r.Network)
		}
	}
	targets := 0
	if r.Target.Upstream != nil {
		targets++
		if _, _, err := parseUpstreamKey(r.Target.Upstream.Key); err != nil {
			return err
		}
		if r.Target.Upstream.Port <= 0 || r.Target.Upstream.Port > 65535 {
			return errdefs.BadInput("invalid upstream port: %d", r.Target.Upstream.Port)
		}
	}
	if r.Target.Unix != nil {
		targets++
		if r.Target.Unix.Path == "" {
			return errdefs.BadInput("unix target path is required")
		}
	}
	if r.Target.Http != nil {
		targets++
		if r.Target.Http.Url == "" {
			return errdefs.BadInput("http target url is required")
		}
		switch r.Target.Http.Redirect {
		case "", "MovedPermanently", "Permanent", "Temporary":
		default:
			return errdefs.BadInput("invalid redirect kind: %s", r.Target.Http.Redirect)
		}
	}
	if targets != 1 {
		return errdefs.BadInput("rule must declare exactly one target, got %d", targets)
	}
	return nil
}

// parseUpstreamKey splits "{name}.{namespace}.c|v" into the owner kind
// and its "{namespace}.{name}" key.
func parseUpstreamKey(key string) (types.ObjKind, string, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", errdefs.BadInput("invalid upstream key: %s", key)
	}
	var kind types.ObjKind
	switch parts[2] {
	case "c":
		kind = types.ObjKindCargo
	case "v":
		kind = types.ObjKindVm
	default:
		return "", "", errdefs.BadInput("invalid upstream key suffix: %s", key)
	}
	return kind, parts[1] + "." + parts[0], nil
}

// redirectCode maps a redirect kind to its HTTP status.
func redirectCode(kind string) int {
	switch kind {
	case "MovedPermanently":
		return 301
	case "Permanent":
		return 308
	case "Temporary":
		return 307
	}
	return 0
}

// targetsOwner reports whether any rule of the set points at the given
// owner key.
func targetsOwner(rule *types.ResourceProxyRule, kind types.ObjKind, ownerKey string) bool {
	for i := range rule.Rules {
		up := rule.Rules[i].Target.Upstream
		if up == nil {
			continue
		}
		k, key, err := parseUpstreamKey(up.Key)
		if err != nil {
			continue
		}
		if k == kind && key == ownerKey {
			return true
		}
	}
	return false
}
