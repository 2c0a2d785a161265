package objects

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

func TestCargoCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cargo, err := env.mgr.Cargoes.Create(ctx, "global", webPartial("web"), "v0.17")
	require.NoError(t, err)
	assert.Equal(t, "global.web", cargo.Key)
	assert.NotEmpty(t, cargo.SpecKey)

	status, err := env.st.Statuses.ReadByPK("global.web")
	require.NoError(t, err)
	assert.Equal(t, types.ObjPsStatusCreate, status.Wanted)
	assert.Equal(t, types.ObjPsStatusCreate, status.Actual)

	hist, err := env.st.ListSpecHistory("global.web")
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	assert.Equal(t, 1, env.countEvents(t, types.ObjKindCargo, types.ActionCreate))
}

func TestCargoCreateDefaultsNamespace(t *testing.T) {
	env := newTestEnv(t)
	cargo, err := env.mgr.Cargoes.Create(context.Background(), "", webPartial("web"), "v0.17")
	require.NoError(t, err)
	assert.Equal(t, DefaultNamespace, cargo.NamespaceName)
}

func TestCargoCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		namespace string
		partial   *types.CargoPartial
		check     func(error) bool
	}{
		{"dotted name", "global", webPartial("my.web"), errdefs.IsBadInput},
		{"empty name", "global", webPartial(""), errdefs.IsBadInput},
		{"missing namespace", "ghost", webPartial("web"), errdefs.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.mgr.Cargoes.Create(ctx, tt.namespace, tt.partial, "v0.17")
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}

	_, err := env.mgr.Cargoes.Create(ctx, "global", webPartial("web"), "v0.17")
	require.NoError(t, err)
	_, err = env.mgr.Cargoes.Create(ctx, "global", webPartial("web"), "v0.17")
	assert.True(t, errdefs.IsConflict(err))
}

func TestCargoPutRepointsSpec(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cargo, err := env.mgr.Cargoes.Create(ctx, "global", webPartial("web"), "v0.17")
	require.NoError(t, err)
	firstSpec := cargo.SpecKey

	next := webPartial("web")
	next.Container.Image = "nginx:1.27"
	updated, err := env.mgr.Cargoes.Put(ctx, "global.web", next, "v0.17")
	require.NoError(t, err)
	assert.NotEqual(t, firstSpec, updated.SpecKey)

	status, err := env.st.Statuses.ReadByPK("global.web")
	require.NoError(t, err)
	assert.Equal(t, types.ObjPsStatusUpdate, status.Wanted)
	assert.Equal(t, types.ObjPsStatusUpdating, status.Actual)

	hist, err := env.mgr.Cargoes.Histories("global.web")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
	assert.Equal(t, 1, env.countEvents(t, types.ObjKindCargo, types.ActionUpdating))
}

func TestCargoRevert(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cargo, err := env.mgr.Cargoes.Create(ctx, "global", webPartial("web"), "v0.17")
	require.NoError(t, err)
	firstSpec := cargo.SpecKey

	next := webPartial("web")
	next.Container.Image = "nginx:1.27"
	_, err = env.mgr.Cargoes.Put(ctx, "global.web", next, "v0.17")
	require.NoError(t, err)

	reverted, err := env.mgr.Cargoes.Revert(ctx, "global.web", firstSpec)
	require.NoError(t, err)
	assert.NotEqual(t, firstSpec, reverted.Key, "revert mints a fresh spec")

	cur, err := env.st.Cargoes.ReadByPK("global.web")
	require.NoError(t, err)
	assert.Equal(t, reverted.Key, cur.SpecKey)

	hist, err := env.mgr.Cargoes.Histories("global.web")
	require.NoError(t, err)
	assert.Len(t, hist, 3)
}

func TestCargoDeleteThenPurge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Cargoes.Create(ctx, "global", webPartial("web"), "v0.17")
	require.NoError(t, err)

	require.NoError(t, env.mgr.Cargoes.Delete(ctx, "global.web"))

	// The row survives until the reconciler has removed the instances.
	_, err = env.st.Cargoes.ReadByPK("global.web")
	require.NoError(t, err)
	status, err := env.st.Statuses.ReadByPK("global.web")
	require.NoError(t, err)
	assert.Equal(t, types.ObjPsStatusDestroy, status.Wanted)
	assert.Equal(t, types.ObjPsStatusDestroying, status.Actual)
	assert.Equal(t, 1, env.countEvents(t, types.ObjKindCargo, types.ActionDestroying))

	require.NoError(t, env.mgr.Cargoes.Purge(ctx, "global.web"))
	_, err = env.st.Cargoes.ReadByPK("global.web")
	assert.True(t, errdefs.IsNotFound(err))
	_, err = env.st.Statuses.ReadByPK("global.web")
	assert.True(t, errdefs.IsNotFound(err))
	hist, err := env.st.ListSpecHistory("global.web")
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestCargoInspectAggregatesInstances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Cargoes.Create(ctx, "global", webPartial("web"), "v0.17")
	require.NoError(t, err)

	p1, err := env.mgr.Proc.Create(ctx, types.ObjKindCargo, "global.web", "web.global.c.1",
		&types.ContainerSpec{Image: "nginx:latest"})
	require.NoError(t, err)
	p2, err := env.mgr.Proc.Create(ctx, types.ObjKindCargo, "global.web", "web.global.c.2",
		&types.ContainerSpec{Image: "nginx:latest"})
	require.NoError(t, err)
	require.NoError(t, env.rt.StartContainer(ctx, p1.Key))
	env.rt.SetExit(p2.Key, 1)

	detail, err := env.mgr.Cargoes.Inspect(ctx, "global.web")
	require.NoError(t, err)
	assert.Equal(t, 2, detail.InstanceTotal)
	assert.Equal(t, 1, detail.InstanceRunning)
	assert.Equal(t, 1, detail.InstanceFailed)
	assert.Len(t, detail.Instances, 2)
	require.NotNil(t, detail.Spec)
	require.NotNil(t, detail.Status)
}

func TestCargoList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Namespaces.Create(ctx, &types.NamespacePartial{Name: "staging"})
	require.NoError(t, err)
	_, err = env.mgr.Cargoes.Create(ctx, "global", webPartial("web"), "v0.17")
	require.NoError(t, err)
	_, err = env.mgr.Cargoes.Create(ctx, "staging", webPartial("web"), "v0.17")
	require.NoError(t, err)

	rows, err := env.mgr.Cargoes.List(store.NewFilter().
		Where("namespace_name", store.OpEq, "staging"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "staging.web", rows[0].Key)

	n, err := env.mgr.Cargoes.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
