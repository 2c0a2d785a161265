package objects

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanocl-io/nanocl/pkg/events"
	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/process"
	"github.com/nanocl-io/nanocl/pkg/runtime"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type testEnv struct {
	mgr *Manager
	st  *store.Store
	rt  *runtime.FakeRuntime
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	bus := events.New(st, "node-test")
	t.Cleanup(bus.Stop)
	rt := runtime.NewFake()
	proc := process.New(st, rt, bus, "node-test")
	mgr := New(Deps{Store: st, Bus: bus, Proc: proc})
	require.NoError(t, mgr.Namespaces.EnsureDefault(context.Background()))
	return &testEnv{mgr: mgr, st: st, rt: rt}
}

// countEvents counts persisted bus events by action and actor kind.
func (e *testEnv) countEvents(t *testing.T, kind types.ObjKind, action types.NativeEventAction) int {
	t.Helper()
	rows, err := e.st.Events.ReadBy(store.NewFilter().
		Where("action", store.OpEq, string(action)).
		Page(store.NoLimit, 0))
	require.NoError(t, err)
	n := 0
	for _, ev := range rows {
		if ev.Actor != nil && ev.Actor.Kind == kind {
			n++
		}
	}
	return n
}

func webPartial(name string) *types.CargoPartial {
	return &types.CargoPartial{
		Name: name,
		CargoSpecPartial: types.CargoSpecPartial{
			Container: types.ContainerSpec{Image: "nginx:latest"},
		},
	}
}

func TestStartStopProcessOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Cargoes.Create(ctx, "global", webPartial("web"), "v0.17")
	require.NoError(t, err)

	require.NoError(t, env.mgr.StartProcessOwner(ctx, types.ObjKindCargo, "global.web"))
	st, err := env.st.Statuses.ReadByPK("global.web")
	require.NoError(t, err)
	assert.Equal(t, types.ObjPsStatusStart, st.Wanted)
	assert.Equal(t, types.ObjPsStatusStarting, st.Actual)
	assert.Equal(t, 1, env.countEvents(t, types.ObjKindCargo, types.ActionStarting))

	require.NoError(t, env.mgr.StopProcessOwner(ctx, types.ObjKindCargo, "global.web"))
	st, err = env.st.Statuses.ReadByPK("global.web")
	require.NoError(t, err)
	assert.Equal(t, types.ObjPsStatusStop, st.Wanted)
	assert.Equal(t, types.ObjPsStatusStopping, st.Actual)

	err = env.mgr.StartProcessOwner(ctx, types.ObjKindCargo, "global.ghost")
	assert.Error(t, err)
}

func TestStartingEventCarriesSpec(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.mgr.Cargoes.Create(ctx, "global", webPartial("web"), "v0.17")
	require.NoError(t, err)
	require.NoError(t, env.mgr.StartProcessOwner(ctx, types.ObjKindCargo, "global.web"))

	rows, err := env.st.Events.ReadBy(store.NewFilter().
		Where("action", store.OpEq, string(types.ActionStarting)))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	actor := rows[0].Actor
	require.NotNil(t, actor)
	assert.Equal(t, "global.web", actor.Key)
	assert.Equal(t, "web", actor.AttrString(types.ActorAttrName))
	assert.Equal(t, "global", actor.AttrString(types.ActorAttrNamespace))
	assert.NotEmpty(t, actor.AttrSpec(), "handlers need the spec after the row is gone")
}
