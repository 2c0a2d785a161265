// Package process is the daemon's process controller. It is the only
// component talking to the container runtime: it creates instances with
// the ownership labels, keeps the process rows in sync with the runtime
// and aggregates instance state for the object managers.
package process

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/events"
	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/runtime"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// StopTimeout is the grace period before a stop escalates to a kill.
const StopTimeout = 10 * time.Second

// Controller owns every runtime container the daemon manages.
type Controller struct {
	store *store.Store
	rt    runtime.Runtime
	bus   *events.Bus
	node  string
}

// New creates the process controller.
func New(st *store.Store, rt runtime.Runtime, bus *events.Bus, node string) *Controller {
	return &Controller{store: st, rt: rt, bus: bus, node: node}
}

// OwnerLabel returns the label key carrying the owner key for a kind.
func OwnerLabel(kind types.ObjKind) string {
	switch kind {
	case types.ObjKindVm:
		return types.LabelVmKey
	case types.ObjKindJob:
		return types.LabelJobKey
	default:
		return types.LabelCargoKey
	}
}

// splitKey resolves the owner name and namespace from an object key.
// Cargo and vm keys are "{namespace}.{name}"; jobs have no namespace.
func splitKey(kind types.ObjKind, key string) (name, namespace string) {
	if kind == types.ObjKindJob {
		return key, ""
	}
	if i := strings.Index(key, "."); i >= 0 {
		return key[i+1:], key[:i]
	}
	return key, ""
}

// Create spawns one runtime container for an owner and records it.
// Instances are labeled so orphans can always be traced back.
func (c *Controller) Create(ctx context.Context, kind types.ObjKind, kindKey, name string, spec *types.ContainerSpec) (*types.Process, error) {
	_, namespace := splitKey(kind, kindKey)
	labels := map[string]string{
		types.LabelEnabled: "enabled",
		types.LabelKind:    string(kind),
		OwnerLabel(kind):   kindKey,
	}
	if namespace != "" {
		labels[types.LabelNamespace] = namespace
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	id, err := c.rt.CreateContainer(ctx, name, spec, labels)
	if err != nil {
		return nil, err
	}
	data, err := c.rt.InspectContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	p := &types.Process{
		Key:       id,
		Name:      name,
		Kind:      kind,
		KindKey:   kindKey,
		NodeKey:   c.node,
		CreatedAt: time.Now().UTC(),
		Data:      *data,
	}
	if err := c.store.Processes.Create(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListByKind returns the recorded instances of one owner.
func (c *Controller) ListByKind(kind types.ObjKind, kindKey string) ([]*types.Process, error) {
	return c.store.Processes.ReadBy(store.NewFilter().
		Where("kind", store.OpEq, string(kind)).
		Where("kind_key", store.OpEq, kindKey).
		Order("created_at", false).
		Page(store.NoLimit, 0))
}

// List returns processes matching the filter, for the HTTP surface.
func (c *Controller) List(f *store.Filter) ([]*types.Process, error) {
	return c.store.Processes.ReadBy(f)
}

// Inspect refreshes one process row from the runtime and returns it.
func (c *Controller) Inspect(ctx context.Context, key string) (*types.Process, error) {
	p, err := c.store.Processes.ReadByPK(key)
	if err != nil {
		return nil, err
	}
	return c.refresh(ctx, p)
}

func (c *Controller) refresh(ctx context.Context, p *types.Process) (*types.Process, error) {
	data, err := c.rt.InspectContainer(ctx, p.Key)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return p, nil
		}
		return nil, err
	}
	p.Data = *data
	if err := c.store.Processes.UpdatePK(p.Key, p); err != nil {
		return nil, err
	}
	return p, nil
}

// StartOne starts a single instance without emitting an owner event.
// Used by rollouts that manage old and new instances side by side.
func (c *Controller) StartOne(ctx context.Context, key string) error {
	p, err := c.store.Processes.ReadByPK(key)
	if err != nil {
		return err
	}
	if err := c.rt.StartContainer(ctx, key); err != nil {
		return err
	}
	_, err = c.refresh(ctx, p)
	return err
}

// StartByKind starts every stopped instance of an owner and emits one
// start event for the owner. Instances already running are skipped.
func (c *Controller) StartByKind(ctx context.Context, kind types.ObjKind, kindKey string) error {
	procs, err := c.ListByKind(kind, kindKey)
	if err != nil {
		return err
	}
	for _, p := range procs {
		cur, err := c.refresh(ctx, p)
		if err != nil {
			return err
		}
		if cur.Data.State.Running {
			continue
		}
		if err := c.rt.StartContainer(ctx, p.Key); err != nil {
			return err
		}
		if _, err := c.refresh(ctx, p); err != nil {
			return err
		}
	}
	name, namespace := splitKey(kind, kindKey)
	c.bus.Emit(types.EventKindNormal, types.ActionStart, string(kind)+".start",
		types.NewActor(kind, kindKey, name, namespace, nil))
	return nil
}

// StopByKind stops every running instance of an owner and emits one
// stop event for the owner. Instances already stopped are skipped.
func (c *Controller) StopByKind(ctx context.Context, kind types.ObjKind, kindKey string) error {
	procs, err := c.ListByKind(kind, kindKey)
	if err != nil {
		return err
	}
	for _, p := range procs {
		cur, err := c.refresh(ctx, p)
		if err != nil {
			return err
		}
		if !cur.Data.State.Running {
			continue
		}
		if err := c.rt.StopContainer(ctx, p.Key, StopTimeout); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		if _, err := c.refresh(ctx, p); err != nil {
			return err
		}
	}
	name, namespace := splitKey(kind, kindKey)
	c.bus.Emit(types.EventKindNormal, types.ActionStop, string(kind)+".stop",
		types.NewActor(kind, kindKey, name, namespace, nil))
	return nil
}

// RestartByKind restarts every instance of an owner and emits one
// restart event.
func (c *Controller) RestartByKind(ctx context.Context, kind types.ObjKind, kindKey string) error {
	procs, err := c.ListByKind(kind, kindKey)
	if err != nil {
		return err
	}
	for _, p := range procs {
		if err := c.rt.RestartContainer(ctx, p.Key, StopTimeout); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		if _, err := c.refresh(ctx, p); err != nil {
			return err
		}
	}
	name, namespace := splitKey(kind, kindKey)
	c.bus.Emit(types.EventKindNormal, types.ActionRestart, string(kind)+".restart",
		types.NewActor(kind, kindKey, name, namespace, nil))
	return nil
}

// KillByKind delivers a signal to every instance of an owner.
func (c *Controller) KillByKind(ctx context.Context, kind types.ObjKind, kindKey, signal string) error {
	procs, err := c.ListByKind(kind, kindKey)
	if err != nil {
		return err
	}
	for _, p := range procs {
		if err := c.rt.KillContainer(ctx, p.Key, signal); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// Remove deletes one instance: the runtime container first, tolerating
// an already-gone container, then the process row.
func (c *Controller) Remove(ctx context.Context, key string) error {
	if err := c.rt.RemoveContainer(ctx, key, true); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return c.store.Processes.DeleteByPK(key)
}

// RemoveByKind deletes every instance of an owner.
func (c *Controller) RemoveByKind(ctx context.Context, kind types.ObjKind, kindKey string) error {
	procs, err := c.ListByKind(kind, kindKey)
	if err != nil {
		return err
	}
	for _, p := range procs {
		if err := c.Remove(ctx, p.Key); err != nil {
			return err
		}
	}
	return nil
}

// CountStatus aggregates the instance states of an owner. An instance
// counts as failed when it is restarting or exited non-zero and as
// success when it exited zero.
func (c *Controller) CountStatus(ctx context.Context, kind types.ObjKind, kindKey string) (types.ProcessStats, error) {
	var stats types.ProcessStats
	procs, err := c.ListByKind(kind, kindKey)
	if err != nil {
		return stats, err
	}
	for _, p := range procs {
		cur, err := c.refresh(ctx, p)
		if err != nil {
			return stats, err
		}
		stats.Total++
		state := cur.Data.State
		switch {
		case state.Restarting:
			stats.Failed++
		case state.Running:
			stats.Running++
		case state.ExitCode == 0:
			stats.Success++
		default:
			stats.Failed++
		}
	}
	return stats, nil
}

// WaitOne blocks until a single instance satisfies the wait condition
// and refreshes its row.
func (c *Controller) WaitOne(ctx context.Context, key string, cond types.WaitCondition) (int, error) {
	p, err := c.store.Processes.ReadByPK(key)
	if err != nil {
		return -1, err
	}
	code, err := c.rt.WaitContainer(ctx, key, cond)
	if err != nil {
		return code, err
	}
	if _, err := c.refresh(ctx, p); err != nil {
		return code, err
	}
	return code, nil
}

// WaitByKind blocks until every instance of an owner satisfies the wait
// condition, streaming one result per instance to the callback.
func (c *Controller) WaitByKind(ctx context.Context, kind types.ObjKind, kindKey string, cond types.WaitCondition, fn func(key string, code int)) error {
	procs, err := c.ListByKind(kind, kindKey)
	if err != nil {
		return err
	}
	if len(procs) == 0 {
		return errdefs.NotFound("no instances for %s %s", kind, kindKey)
	}
	for _, p := range procs {
		code, err := c.rt.WaitContainer(ctx, p.Key, cond)
		if err != nil {
			return err
		}
		if fn != nil {
			fn(p.Key, code)
		}
	}
	return nil
}

// Logs streams the output of one instance.
func (c *Controller) Logs(ctx context.Context, key string) (io.ReadCloser, error) {
	if _, err := c.store.Processes.ReadByPK(key); err != nil {
		return nil, err
	}
	return c.rt.Logs(ctx, key)
}

// Attach opens a bidirectional stream to one instance.
func (c *Controller) Attach(ctx context.Context, key string) (io.ReadWriteCloser, error) {
	if _, err := c.store.Processes.ReadByPK(key); err != nil {
		return nil, err
	}
	return c.rt.AttachContainer(ctx, key)
}

// CreateExec creates an exec session in one instance.
func (c *Controller) CreateExec(ctx context.Context, key string, cmd []string, tty bool) (string, error) {
	if _, err := c.store.Processes.ReadByPK(key); err != nil {
		return "", err
	}
	return c.rt.CreateExec(ctx, key, cmd, tty)
}

// StartExec starts an exec session and streams its output.
func (c *Controller) StartExec(ctx context.Context, execID string) (io.ReadCloser, error) {
	return c.rt.StartExec(ctx, execID)
}

// InspectExec returns the state of an exec session.
func (c *Controller) InspectExec(ctx context.Context, execID string) (*runtime.ExecInspect, error) {
	return c.rt.InspectExec(ctx, execID)
}

// EnsureNetwork creates the namespace network when missing and returns
// its gateway address.
func (c *Controller) EnsureNetwork(ctx context.Context, name string) (string, error) {
	return c.rt.EnsureNetwork(ctx, name)
}

// RemoveNetwork deletes the namespace network.
func (c *Controller) RemoveNetwork(ctx context.Context, name string) error {
	return c.rt.RemoveNetwork(ctx, name)
}

// RuntimeInfo reports the backing runtime.
func (c *Controller) RuntimeInfo(ctx context.Context) (types.RuntimeInfo, error) {
	return c.rt.Info(ctx)
}

// Sync reconciles process rows against the runtime at boot. Rows whose
// container is gone are dropped; live containers keep their state.
func (c *Controller) Sync(ctx context.Context) error {
	procs, err := c.store.Processes.ReadBy(store.NewFilter().Page(store.NoLimit, 0))
	if err != nil {
		return err
	}
	for _, p := range procs {
		if _, err := c.rt.InspectContainer(ctx, p.Key); err != nil {
			if errdefs.IsNotFound(err) {
				log.WithKey(p.Key).Debug().Msg("dropping stale process row")
				if err := c.store.Processes.DeleteByPK(p.Key); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if _, err := c.refresh(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
