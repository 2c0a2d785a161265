package proxy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/types"
)

func TestParseRules(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{
			name: "upstream rule",
			data: `{"Rules":[{"Network":"All","Port":80,"Target":{"Upstream":{"Key":"web.global.c","Port":8080}}}]}`,
		},
		{
			name: "unix rule",
			data: `{"Rules":[{"Network":"Internal","Port":9000,"Target":{"Unix":{"Path":"/run/app.sock"}}}]}`,
		},
		{
			name: "http redirect rule",
			data: `{"Rules":[{"Network":"Public","Port":80,"Domain":"acme.io","Target":{"Http":{"Url":"https://acme.io","Redirect":"Permanent"}}}]}`,
		},
		{
			name: "namespace network",
			data: `{"Rules":[{"Network":"staging.nsp","Port":80,"Target":{"Unix":{"Path":"/run/app.sock"}}}]}`,
		},
		{
			name:    "no rules",
			data:    `{"Rules":[]}`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			data:    `{"Rules":[],"Bogus":true}`,
			wantErr: true,
		},
		{
			name:    "not a proxy rule",
			data:    `{"Entries":["a.acme.io"]}`,
			wantErr: true,
		},
		{
			name:    "port out of range",
			data:    `{"Rules":[{"Network":"All","Port":70000,"Target":{"Unix":{"Path":"/run/app.sock"}}}]}`,
			wantErr: true,
		},
		{
			name:    "missing network",
			data:    `{"Rules":[{"Port":80,"Target":{"Unix":{"Path":"/run/app.sock"}}}]}`,
			wantErr: true,
		},
		{
			name:    "bogus network",
			data:    `{"Rules":[{"Network":"Everywhere","Port":80,"Target":{"Unix":{"Path":"/run/app.sock"}}}]}`,
			wantErr: true,
		},
		{
			name:    "bare nsp suffix",
			data:    `{"Rules":[{"Network":".nsp","Port":80,"Target":{"Unix":{"Path":"/run/app.sock"}}}]}`,
			wantErr: true,
		},
		{
			name:    "no target",
			data:    `{"Rules":[{"Network":"All","Port":80,"Target":{}}]}`,
			wantErr: true,
		},
		{
			name: "two targets",
			data: `{"Rules":[{"Network":"All","Port":80,"Target":{` +
				`"Unix":{"Path":"/run/app.sock"},"Http":{"Url":"https://acme.io"}}}]}`,
			wantErr: true,
		},
		{
			name:    "bad upstream key",
			data:    `{"Rules":[{"Network":"All","Port":80,"Target":{"Upstream":{"Key":"web","Port":8080}}}]}`,
			wantErr: true,
		},
		{
			name:    "bad upstream port",
			data:    `{"Rules":[{"Network":"All","Port":80,"Target":{"Upstream":{"Key":"web.global.c","Port":0}}}]}`,
			wantErr: true,
		},
		{
			name:    "bad redirect kind",
			data:    `{"Rules":[{"Network":"All","Port":80,"Target":{"Http":{"Url":"https://acme.io","Redirect":"Sideways"}}}]}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := ParseRules(json.RawMessage(tt.data))
			if tt.wantErr {
				assert.True(t, errdefs.IsBadInput(err), "want bad input, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, rule.Rules)
		})
	}
}

func TestParseUpstreamKey(t *testing.T) {
	tests := []struct {
		key      string
		wantKind types.ObjKind
		wantKey  string
		wantErr  bool
	}{
		{key: "web.global.c", wantKind: types.ObjKindCargo, wantKey: "global.web"},
		{key: "dev.staging.v", wantKind: types.ObjKindVm, wantKey: "staging.dev"},
		{key: "web.global.x", wantErr: true},
		{key: "web.global", wantErr: true},
		{key: ".global.c", wantErr: true},
		{key: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			kind, key, err := parseUpstreamKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestRedirectCode(t *testing.T) {
	assert.Equal(t, 301, redirectCode("MovedPermanently"))
	assert.Equal(t, 308, redirectCode("Permanent"))
	assert.Equal(t, 307, redirectCode("Temporary"))
	assert.Equal(t, 0, redirectCode(""))
}

func TestTargetsOwner(t *testing.T) {
	rule, err := ParseRules(json.RawMessage(
		`{"Rules":[{"Network":"All","Port":80,"Target":{"Upstream":{"Key":"web.global.c","Port":8080}}}]}`))
	require.NoError(t, err)

	assert.True(t, targetsOwner(rule, types.ObjKindCargo, "global.web"))
	assert.False(t, targetsOwner(rule, types.ObjKindVm, "global.web"))
	assert.False(t, targetsOwner(rule, types.ObjKindCargo, "global.api"))
}

func TestFragmentIdent(t *testing.T) {
	assert.Equal(t, "my_rule_v2", fragmentIdent("my-rule.v2"))
	assert.Equal(t, "plain01", fragmentIdent("plain01"))
}

func TestListenAddr(t *testing.T) {
	s := &Server{hostGateway: "192.168.1.10"}

	tests := []struct {
		name    string
		network string
		want    string
	}{
		{"all interfaces", "All", ":80"},
		{"public uses host gateway", "Public", "192.168.1.10:80"},
		{"internal is loopback", "Internal", "127.0.0.1:80"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.listenAddr(&types.ProxyRule{Network: tt.network, Port: 80})
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("public without gateway falls back", func(t *testing.T) {
		bare := &Server{}
		assert.Equal(t, ":80", bare.listenAddr(&types.ProxyRule{Network: "Public", Port: 80}))
	})

	t.Run("namespace network resolves its gateway", func(t *testing.T) {
		got := s.listenAddr(&types.ProxyRule{Network: "staging.nsp", Port: 80})
		assert.Regexp(t, `^10\.89\.\d+\.1:80$`, got)
	})
}
