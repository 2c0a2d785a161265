package process

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanocl-io/nanocl/pkg/events"
	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/runtime"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestController(t *testing.T) (*Controller, *runtime.FakeRuntime, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	bus := events.New(st, "node-test")
	t.Cleanup(bus.Stop)
	rt := runtime.NewFake()
	return New(st, rt, bus, "node-test"), rt, st
}

func webSpec() *types.ContainerSpec {
	return &types.ContainerSpec{Image: "nginx:latest", Labels: map[string]string{"tier": "front"}}
}

func TestCreateStampsOwnershipLabels(t *testing.T) {
	c, rt, st := newTestController(t)
	ctx := context.Background()

	p, err := c.Create(ctx, types.ObjKindCargo, "global.web", "web.global.c.1", webSpec())
	require.NoError(t, err)

	fc, ok := rt.Containers[p.Key]
	require.True(t, ok)
	assert.Equal(t, "enabled", fc.Labels[types.LabelEnabled])
	assert.Equal(t, "Cargo", fc.Labels[types.LabelKind])
	assert.Equal(t, "global.web", fc.Labels[types.LabelCargoKey])
	assert.Equal(t, "global", fc.Labels[types.LabelNamespace])
	assert.Equal(t, "front", fc.Labels["tier"], "spec labels are carried through")

	row, err := st.Processes.ReadByPK(p.Key)
	require.NoError(t, err)
	assert.Equal(t, types.ObjKindCargo, row.Kind)
	assert.Equal(t, "global.web", row.KindKey)
	assert.Equal(t, "node-test", row.NodeKey)
}

func TestCreateJobHasNoNamespaceLabel(t *testing.T) {
	c, rt, _ := newTestController(t)

	p, err := c.Create(context.Background(), types.ObjKindJob, "backup", "backup.j.1", webSpec())
	require.NoError(t, err)

	fc := rt.Containers[p.Key]
	assert.Equal(t, "backup", fc.Labels[types.LabelJobKey])
	_, hasNs := fc.Labels[types.LabelNamespace]
	assert.False(t, hasNs)
}

func TestCreateRuntimeFailureLeavesNoRow(t *testing.T) {
	c, rt, st := newTestController(t)
	rt.FailCreate["nginx:latest"] = errors.New("image pull refused")

	_, err := c.Create(context.Background(), types.ObjKindCargo, "global.web", "web.global.c.1", webSpec())
	require.Error(t, err)

	n, err := st.Processes.CountBy(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStartStopByKind(t *testing.T) {
	c, rt, st := newTestController(t)
	ctx := context.Background()

	p1, err := c.Create(ctx, types.ObjKindCargo, "global.web", "web.global.c.1", webSpec())
	require.NoError(t, err)
	p2, err := c.Create(ctx, types.ObjKindCargo, "global.web", "web.global.c.2", webSpec())
	require.NoError(t, err)

	require.NoError(t, c.StartByKind(ctx, types.ObjKindCargo, "global.web"))
	assert.True(t, rt.Containers[p1.Key].Running)
	assert.True(t, rt.Containers[p2.Key].Running)

	n, err := st.Events.CountBy(store.NewFilter().Where("action", store.OpEq, "start"))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one owner event per start request")

	// Already running instances are left alone on repeat.
	require.NoError(t, c.StartByKind(ctx, types.ObjKindCargo, "global.web"))
	assert.True(t, rt.Containers[p1.Key].Running)

	require.NoError(t, c.StopByKind(ctx, types.ObjKindCargo, "global.web"))
	assert.False(t, rt.Containers[p1.Key].Running)
	assert.False(t, rt.Containers[p2.Key].Running)

	n, err = st.Events.CountBy(store.NewFilter().Where("action", store.OpEq, "stop"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCountStatusBuckets(t *testing.T) {
	c, rt, _ := newTestController(t)
	ctx := context.Background()

	running, err := c.Create(ctx, types.ObjKindJob, "batch", "batch.j.1", webSpec())
	require.NoError(t, err)
	succeeded, err := c.Create(ctx, types.ObjKindJob, "batch", "batch.j.2", webSpec())
	require.NoError(t, err)
	failed, err := c.Create(ctx, types.ObjKindJob, "batch", "batch.j.3", webSpec())
	require.NoError(t, err)
	restarting, err := c.Create(ctx, types.ObjKindJob, "batch", "batch.j.4", webSpec())
	require.NoError(t, err)

	require.NoError(t, rt.StartContainer(ctx, running.Key))
	rt.SetExit(succeeded.Key, 0)
	rt.SetExit(failed.Key, 137)
	rt.SetRestarting(restarting.Key)

	stats, err := c.CountStatus(ctx, types.ObjKindJob, "batch")
	require.NoError(t, err)
	assert.Equal(t, types.ProcessStats{Total: 4, Running: 1, Success: 1, Failed: 2}, stats)
}

func TestRemoveToleratesMissingContainer(t *testing.T) {
	c, rt, st := newTestController(t)
	ctx := context.Background()

	p, err := c.Create(ctx, types.ObjKindCargo, "global.web", "web.global.c.1", webSpec())
	require.NoError(t, err)

	// Simulate the container dying outside the daemon.
	delete(rt.Containers, p.Key)

	require.NoError(t, c.Remove(ctx, p.Key))
	_, err = st.Processes.ReadByPK(p.Key)
	assert.Error(t, err)
}

func TestRemoveByKind(t *testing.T) {
	c, rt, st := newTestController(t)
	ctx := context.Background()

	_, err := c.Create(ctx, types.ObjKindCargo, "global.web", "web.global.c.1", webSpec())
	require.NoError(t, err)
	_, err = c.Create(ctx, types.ObjKindCargo, "global.web", "web.global.c.2", webSpec())
	require.NoError(t, err)
	keep, err := c.Create(ctx, types.ObjKindCargo, "global.api", "api.global.c.1", webSpec())
	require.NoError(t, err)

	require.NoError(t, c.RemoveByKind(ctx, types.ObjKindCargo, "global.web"))

	assert.Len(t, rt.Containers, 1)
	n, err := st.Processes.CountBy(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = st.Processes.ReadByPK(keep.Key)
	assert.NoError(t, err)
}

func TestSyncDropsStaleRows(t *testing.T) {
	c, rt, st := newTestController(t)
	ctx := context.Background()

	alive, err := c.Create(ctx, types.ObjKindCargo, "global.web", "web.global.c.1", webSpec())
	require.NoError(t, err)
	stale, err := c.Create(ctx, types.ObjKindCargo, "global.web", "web.global.c.2", webSpec())
	require.NoError(t, err)
	delete(rt.Containers, stale.Key)

	require.NoError(t, c.Sync(ctx))

	n, err := st.Processes.CountBy(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = st.Processes.ReadByPK(alive.Key)
	assert.NoError(t, err)
}

func TestWaitByKindStreamsEveryInstance(t *testing.T) {
	c, rt, _ := newTestController(t)
	ctx := context.Background()

	p1, err := c.Create(ctx, types.ObjKindJob, "batch", "batch.j.1", webSpec())
	require.NoError(t, err)
	p2, err := c.Create(ctx, types.ObjKindJob, "batch", "batch.j.2", webSpec())
	require.NoError(t, err)
	rt.SetExit(p1.Key, 0)
	rt.SetExit(p2.Key, 3)

	codes := map[string]int{}
	err = c.WaitByKind(ctx, types.ObjKindJob, "batch", types.WaitConditionNotRunning, func(key string, code int) {
		codes[key] = code
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{p1.Key: 0, p2.Key: 3}, codes)
}

func TestWaitByKindWithoutInstances(t *testing.T) {
	c, _, _ := newTestController(t)
	err := c.WaitByKind(context.Background(), types.ObjKindJob, "ghost", types.WaitConditionNotRunning, nil)
	assert.Error(t, err)
}

func TestExecRoundTrip(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	p, err := c.Create(ctx, types.ObjKindCargo, "global.web", "web.global.c.1", webSpec())
	require.NoError(t, err)

	id, err := c.CreateExec(ctx, p.Key, []string{"ls", "/"}, false)
	require.NoError(t, err)

	inspect, err := c.InspectExec(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, p.Key, inspect.ContainerID)
	assert.Equal(t, []string{"ls", "/"}, inspect.Cmd)

	out, err := c.StartExec(ctx, id)
	require.NoError(t, err)
	defer out.Close()
	data, err := io.ReadAll(out)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
