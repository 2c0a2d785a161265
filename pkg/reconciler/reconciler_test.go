package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanocl-io/nanocl/pkg/events"
	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/objects"
	"github.com/nanocl-io/nanocl/pkg/process"
	"github.com/nanocl-io/nanocl/pkg/runtime"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/tasks"
	"github.com/nanocl-io/nanocl/pkg/types"
	"github.com/nanocl-io/nanocl/pkg/vmimage"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type testEnv struct {
	rec  *Reconciler
	objs *objects.Manager
	st   *store.Store
	rt   *runtime.FakeRuntime
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
	objs := objects.New(objects.Deps{Store: st, Bus: bus, Proc: proc})
	require.NoError(t, objs.Namespaces.EnsureDefault(context.Background()))
	images := vmimage.New(st, t.TempDir())
	rec := New(st, bus, tasks.New(), proc, objs, images)
	t.Cleanup(rec.Stop)
	return &testEnv{rec: rec, objs: objs, st: st, rt: rt}
}

func (e *testEnv) createCargo(t *testing.T, name string, secrets ...string) string {
	t.Helper()
	_, err := e.objs.Cargoes.Create(context.Background(), "global", &types.CargoPartial{
		Name: name,
		CargoSpecPartial: types.CargoSpecPartial{
			Secrets:   secrets,
			Container: types.ContainerSpec{Image: "nginx:latest"},
		},
	}, "v0.17")
	require.NoError(t, err)
	return "global." + name
}

func (e *testEnv) actual(t *testing.T, key string) types.ObjPsStatusKind {
	t.Helper()
	st, err := e.st.Statuses.ReadByPK(key)
	require.NoError(t, err)
	return st.Actual
}

func TestStartOwnerConvergesToRunning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := env.createCargo(t, "web")

	require.NoError(t, env.rec.startOwner(ctx, types.ObjKindCargo, key, nil))

	instances := env.rt.ByOwner(types.LabelCargoKey, key)
	require.Len(t, instances, 1)
	assert.True(t, instances[0].Running)
	assert.Equal(t, types.ObjPsStatusStart, env.actual(t, key))

	// Convergence is idempotent: a second pass creates nothing new.
	require.NoError(t, env.rec.startOwner(ctx, types.ObjKindCargo, key, nil))
	assert.Len(t, env.rt.ByOwner(types.LabelCargoKey, key), 1)
}

func TestStartOwnerResolvesEnvSecrets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.objs.Secrets.Create(ctx, &types.SecretPartial{
		Name: "db-env",
		Kind: types.SecretKindEnv,
		Data: json.RawMessage(`["PGHOST=db","PGPASSWORD=hunter2"]`),
	})
	require.NoError(t, err)
	key := env.createCargo(t, "web", "db-env")

	require.NoError(t, env.rec.startOwner(ctx, types.ObjKindCargo, key, nil))

	instances := env.rt.ByOwner(types.LabelCargoKey, key)
	require.Len(t, instances, 1)
	assert.Contains(t, instances[0].Spec.Env, "PGHOST=db")
	assert.Contains(t, instances[0].Spec.Env, "PGPASSWORD=hunter2")
}

func TestStopOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := env.createCargo(t, "web")
	require.NoError(t, env.rec.startOwner(ctx, types.ObjKindCargo, key, nil))

	require.NoError(t, env.rec.stopOwner(ctx, types.ObjKindCargo, key))

	instances := env.rt.ByOwner(types.LabelCargoKey, key)
	require.Len(t, instances, 1)
	assert.False(t, instances[0].Running)
	assert.Equal(t, types.ObjPsStatusStop, env.actual(t, key))
}

func TestUpdateOwnerReplacesInstances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := env.createCargo(t, "web")
	require.NoError(t, env.rec.startOwner(ctx, types.ObjKindCargo, key, nil))
	oldID := env.rt.ByOwner(types.LabelCargoKey, key)[0].ID

	_, err := env.objs.Cargoes.Put(ctx, key, &types.CargoPartial{
		Name: "web",
		CargoSpecPartial: types.CargoSpecPartial{
			Container: types.ContainerSpec{Image: "nginx:1.27"},
		},
	}, "v0.17")
	require.NoError(t, err)

	require.NoError(t, env.rec.updateOwner(ctx, types.ObjKindCargo, key, nil))

	instances := env.rt.ByOwner(types.LabelCargoKey, key)
	require.Len(t, instances, 1)
	assert.NotEqual(t, oldID, instances[0].ID, "rollout replaces the old instance")
	assert.Equal(t, "nginx:1.27", instances[0].Spec.Image)
	assert.True(t, instances[0].Running)
	assert.Equal(t, types.ObjPsStatusStart, env.actual(t, key))
}

func TestUpdateOwnerKeepsOldGenerationOnFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := env.createCargo(t, "web")
	require.NoError(t, env.rec.startOwner(ctx, types.ObjKindCargo, key, nil))
	oldID := env.rt.ByOwner(types.LabelCargoKey, key)[0].ID

	_, err := env.objs.Cargoes.Put(ctx, key, &types.CargoPartial{
		Name: "web",
		CargoSpecPartial: types.CargoSpecPartial{
			Container: types.ContainerSpec{Image: "broken:latest"},
		},
	}, "v0.17")
	require.NoError(t, err)
	env.rt.FailCreate["broken:latest"] = errors.New("manifest unknown")

	err = env.rec.updateOwner(ctx, types.ObjKindCargo, key, nil)
	require.Error(t, err)

	instances := env.rt.ByOwner(types.LabelCargoKey, key)
	require.Len(t, instances, 1)
	assert.Equal(t, oldID, instances[0].ID, "previous generation keeps running")
	assert.True(t, instances[0].Running)
}

func TestDestroyOwnerPurgesEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := env.createCargo(t, "web")
	require.NoError(t, env.rec.startOwner(ctx, types.ObjKindCargo, key, nil))

	require.NoError(t, env.rec.destroyOwner(ctx, types.ObjKindCargo, key))

	assert.Empty(t, env.rt.ByOwner(types.LabelCargoKey, key))
	_, err := env.st.Cargoes.ReadByPK(key)
	assert.Error(t, err)
	_, err = env.st.Statuses.ReadByPK(key)
	assert.Error(t, err)

	n, err := env.st.Events.CountBy(store.NewFilter().Where("action", store.OpEq, "destroy"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailOwnerMarksFailAndEmitsError(t *testing.T) {
	env := newTestEnv(t)
	key := env.createCargo(t, "web")

	env.rec.failOwner(types.ObjKindCargo, key, types.ActionStarting, errors.New("image pull failed"))

	assert.Equal(t, types.ObjPsStatusFail, env.actual(t, key))
	rows, err := env.st.Events.ReadBy(store.NewFilter().
		Where("kind", store.OpEq, string(types.EventKindError)))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.ActionStart, rows[0].Action)
	assert.Contains(t, rows[0].Note, "image pull failed")
}

func TestTerminalAction(t *testing.T) {
	tests := []struct {
		in   types.NativeEventAction
		want types.NativeEventAction
	}{
		{types.ActionStarting, types.ActionStart},
		{types.ActionStopping, types.ActionStop},
		{types.ActionUpdating, types.ActionUpdate},
		{types.ActionDestroying, types.ActionDestroy},
		{types.ActionDie, types.ActionDie},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, terminalAction(tt.in))
	}
}

func createJob(t *testing.T, env *testEnv, name string, ttl *int) {
	t.Helper()
	_, err := env.objs.Jobs.Create(context.Background(), &types.JobPartial{
		Name: name,
		TTL:  ttl,
		Containers: []types.ContainerSpec{
			{Image: "alpine:latest", Cmd: []string{"true"}},
		},
	})
	require.NoError(t, err)
}

func TestStartJobThenFinish(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	createJob(t, env, "backup", nil)

	require.NoError(t, env.rec.startJob(ctx, "backup"))

	instances := env.rt.ByOwner(types.LabelJobKey, "backup")
	require.Len(t, instances, 1)

	// Simulate the container exiting cleanly, then deliver the die event.
	env.rt.SetExit(instances[0].ID, 0)
	env.rec.processDied(&types.Event{
		Kind:    types.EventKindNormal,
		Action:  types.ActionDie,
		Actor:   &types.EventActor{Key: instances[0].ID, Kind: types.ObjKindProcess},
		Related: types.NewActor(types.ObjKindJob, "backup", "backup", "", nil),
	})

	assert.Equal(t, types.ObjPsStatusFinish, env.actual(t, "backup"))
	n, err := env.st.Events.CountBy(store.NewFilter().Where("action", store.OpEq, "finish"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJobFailureOutcome(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	createJob(t, env, "backup", nil)

	require.NoError(t, env.rec.startJob(ctx, "backup"))
	instances := env.rt.ByOwner(types.LabelJobKey, "backup")
	require.Len(t, instances, 1)

	env.rt.SetExit(instances[0].ID, 2)
	env.rec.processDied(&types.Event{
		Kind:    types.EventKindNormal,
		Action:  types.ActionDie,
		Actor:   &types.EventActor{Key: instances[0].ID, Kind: types.ObjKindProcess},
		Related: types.NewActor(types.ObjKindJob, "backup", "backup", "", nil),
	})

	assert.Equal(t, types.ObjPsStatusFail, env.actual(t, "backup"))
}

func TestProcessDiedIgnoresRunningInstances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	createJob(t, env, "backup", nil)
	require.NoError(t, env.rec.startJob(ctx, "backup"))
	instances := env.rt.ByOwner(types.LabelJobKey, "backup")
	require.Len(t, instances, 1)

	// Still running: no terminal status yet.
	env.rec.processDied(&types.Event{
		Kind:    types.EventKindNormal,
		Action:  types.ActionDie,
		Actor:   &types.EventActor{Key: instances[0].ID, Kind: types.ObjKindProcess},
		Related: types.NewActor(types.ObjKindJob, "backup", "backup", "", nil),
	})
	assert.Equal(t, types.ObjPsStatusStart, env.actual(t, "backup"))
}

func TestDestroyJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	createJob(t, env, "backup", nil)
	require.NoError(t, env.rec.startJob(ctx, "backup"))

	require.NoError(t, env.rec.destroyJob(ctx, "backup"))

	assert.Empty(t, env.rt.ByOwner(types.LabelJobKey, "backup"))
	_, err := env.st.Jobs.ReadByPK("backup")
	assert.Error(t, err)
	_, err = env.st.Statuses.ReadByPK("backup")
	assert.Error(t, err)
}

func TestFanoutSecretTargetsReferencingCargoes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.objs.Secrets.Create(ctx, &types.SecretPartial{
		Name: "db-env",
		Kind: types.SecretKindEnv,
		Data: json.RawMessage(`["PGHOST=db"]`),
	})
	require.NoError(t, err)

	withRef := env.createCargo(t, "api", "db-env")
	without := env.createCargo(t, "web")

	env.rec.fanoutSecret("db-env")

	st, err := env.st.Statuses.ReadByPK(withRef)
	require.NoError(t, err)
	assert.Equal(t, types.ObjPsStatusUpdating, st.Actual)

	st, err = env.st.Statuses.ReadByPK(without)
	require.NoError(t, err)
	assert.Equal(t, types.ObjPsStatusCreate, st.Actual, "unreferencing cargo stays put")
}

func TestScheduleDoesNotBlockAcrossKeys(t *testing.T) {
	env := newTestEnv(t)

	release := make(chan struct{})
	slowStarted := make(chan struct{})
	fastRan := make(chan struct{})

	env.rec.schedule(types.ObjKindCargo, "global.slow", types.ActionUpdating, func(ctx context.Context) error {
		close(slowStarted)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	<-slowStarted

	// Queueing more work, same key or not, must return immediately even
	// while the first task is still running.
	scheduled := make(chan struct{})
	go func() {
		env.rec.schedule(types.ObjKindCargo, "global.slow", types.ActionStarting, func(ctx context.Context) error {
			return nil
		})
		env.rec.schedule(types.ObjKindCargo, "global.fast", types.ActionStarting, func(ctx context.Context) error {
			close(fastRan)
			return nil
		})
		close(scheduled)
	}()

	select {
	case <-scheduled:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule blocked while another task was running")
	}
	select {
	case <-fastRan:
	case <-time.After(2 * time.Second):
		t.Fatal("task for a distinct key did not run while another key was busy")
	}
	close(release)
	env.rec.tasks.WaitTask(tasks.Key(types.ObjKindCargo, "global.slow"))
}
