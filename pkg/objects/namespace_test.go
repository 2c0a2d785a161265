package objects

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/types"
)

func TestNamespaceEnsureDefault(t *testing.T) {
	env := newTestEnv(t)

	// newTestEnv already ensured it once; a second call is a no-op.
	require.NoError(t, env.mgr.Namespaces.EnsureDefault(context.Background()))
	ns, err := env.st.Namespaces.ReadByPK(DefaultNamespace)
	require.NoError(t, err)
	assert.Equal(t, DefaultNamespace, ns.Name)
}

func TestNamespaceCreatePairsNetwork(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Namespaces.Create(ctx, &types.NamespacePartial{Name: "staging"})
	require.NoError(t, err)
	gw, ok := env.rt.Networks["staging"]
	require.True(t, ok, "namespace creation must ensure the runtime network")
	assert.NotEmpty(t, gw)

	_, err = env.mgr.Namespaces.Create(ctx, &types.NamespacePartial{Name: "bad.name"})
	assert.True(t, errdefs.IsBadInput(err))
	_, err = env.mgr.Namespaces.Create(ctx, &types.NamespacePartial{Name: "staging"})
	assert.True(t, errdefs.IsConflict(err))
}

func TestNamespaceDeleteRefusedWhilePopulated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Namespaces.Create(ctx, &types.NamespacePartial{Name: "staging"})
	require.NoError(t, err)
	_, err = env.mgr.Cargoes.Create(ctx, "staging", webPartial("web"), "v0.17")
	require.NoError(t, err)

	err = env.mgr.Namespaces.Delete(ctx, "staging")
	assert.True(t, errdefs.IsConflict(err))

	require.NoError(t, env.mgr.Cargoes.Delete(ctx, "staging.web"))
	require.NoError(t, env.mgr.Cargoes.Purge(ctx, "staging.web"))

	require.NoError(t, env.mgr.Namespaces.Delete(ctx, "staging"))
	_, err = env.st.Namespaces.ReadByPK("staging")
	assert.True(t, errdefs.IsNotFound(err))
	_, ok := env.rt.Networks["staging"]
	assert.False(t, ok, "network is removed with the namespace")
}

func TestNamespaceListAggregates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Cargoes.Create(ctx, "global", webPartial("web"), "v0.17")
	require.NoError(t, err)
	_, err = env.mgr.Proc.Create(ctx, types.ObjKindCargo, "global.web", "web.global.c.1",
		&types.ContainerSpec{Image: "nginx:latest"})
	require.NoError(t, err)

	list, err := env.mgr.Namespaces.List(nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, DefaultNamespace, list[0].Name)
	assert.Equal(t, 1, list[0].Cargoes)
	assert.Equal(t, 1, list[0].Instances)
}

func TestNamespaceInspectResolvesCargoes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Cargoes.Create(ctx, "global", webPartial("web"), "v0.17")
	require.NoError(t, err)

	detail, err := env.mgr.Namespaces.Inspect(ctx, "global", env.mgr.Cargoes)
	require.NoError(t, err)
	require.Len(t, detail.Cargoes, 1)
	assert.Equal(t, "global.web", detail.Cargoes[0].Key)
}
