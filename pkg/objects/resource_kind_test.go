package objects

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/types"
)

var anySchema = json.RawMessage(`{"type":"object"}`)

func kindPartial(name, version string) *types.ResourceKindPartial {
	return &types.ResourceKindPartial{
		Name:    name,
		Version: version,
		Data:    types.ResourceKindSpec{Schema: anySchema},
	}
}

func TestResourceKindNameValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		valid bool
	}{
		{"nanocl.io/proxy-rule", true},
		{"acme.io/dns_entry", true},
		{"a/b", true},
		{"noslash", false},
		{"UPPER.io/rule", false},
		{"nanocl.io/", false},
		{"/rule", false},
		{"nanocl.io/rule/extra", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.mgr.Kinds.Create(ctx, kindPartial(tt.name, "0.1"))
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errdefs.IsBadInput(err), "want bad input, got %v", err)
		})
	}
}

func TestResourceKindExactlyOneValidationSource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		data    types.ResourceKindSpec
		wantErr bool
	}{
		{"schema only", types.ResourceKindSpec{Schema: anySchema}, false},
		{"url only", types.ResourceKindSpec{Url: "unix:///run/nanocl/proxy.sock"}, false},
		{"both", types.ResourceKindSpec{Schema: anySchema, Url: "unix:///run/x.sock"}, true},
		{"neither", types.ResourceKindSpec{}, true},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			partial := &types.ResourceKindPartial{
				Name:    "acme.io/rule",
				Version: string(rune('a' + i)),
				Data:    tt.data,
			}
			_, err := env.mgr.Kinds.Create(ctx, partial)
			if tt.wantErr {
				assert.True(t, errdefs.IsBadInput(err), "want bad input, got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestResourceKindVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Kinds.Create(ctx, kindPartial("acme.io/rule", "0.1"))
	require.NoError(t, err)
	_, err = env.mgr.Kinds.Create(ctx, kindPartial("acme.io/rule", "0.1"))
	assert.True(t, errdefs.IsConflict(err))

	// A new version of the same kind is fine.
	_, err = env.mgr.Kinds.Create(ctx, kindPartial("acme.io/rule", "0.2"))
	assert.NoError(t, err)

	detail, err := env.mgr.Kinds.Inspect("acme.io/rule")
	require.NoError(t, err)
	assert.Len(t, detail.Versions, 2)
}

func TestResourceKindResolve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Kinds.Create(ctx, kindPartial("acme.io/rule", "0.1"))
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = env.mgr.Kinds.Create(ctx, kindPartial("acme.io/rule", "0.2"))
	require.NoError(t, err)

	t.Run("explicit version", func(t *testing.T) {
		kv, err := env.mgr.Kinds.Resolve("acme.io/rule/v0.1")
		require.NoError(t, err)
		assert.Equal(t, "0.1", kv.Version)
	})
	t.Run("latest when unversioned", func(t *testing.T) {
		kv, err := env.mgr.Kinds.Resolve("acme.io/rule")
		require.NoError(t, err)
		assert.Equal(t, "0.2", kv.Version)
	})
	t.Run("unknown kind", func(t *testing.T) {
		_, err := env.mgr.Kinds.Resolve("ghost.io/rule")
		assert.True(t, errdefs.IsNotFound(err))
	})
	t.Run("malformed field", func(t *testing.T) {
		_, err := env.mgr.Kinds.Resolve("not-a-kind")
		assert.True(t, errdefs.IsBadInput(err))
	})
}

func TestResourceKindDeleteRefusedWhileUsed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Kinds.Create(ctx, kindPartial("acme.io/rule", "0.1"))
	require.NoError(t, err)
	_, err = env.mgr.Resources.Create(ctx, &types.ResourcePartial{
		Name: "my-rule",
		Kind: "acme.io/rule",
		Data: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	err = env.mgr.Kinds.Delete(ctx, "acme.io/rule")
	assert.True(t, errdefs.IsConflict(err))

	require.NoError(t, env.mgr.Resources.Delete(ctx, "my-rule"))
	require.NoError(t, env.mgr.Kinds.Delete(ctx, "acme.io/rule"))

	_, err = env.mgr.Kinds.Inspect("acme.io/rule")
	assert.True(t, errdefs.IsNotFound(err))
	_, err = env.mgr.Kinds.InspectVersion("acme.io/rule", "0.1")
	assert.True(t, errdefs.IsNotFound(err), "versions are cascaded")
}
