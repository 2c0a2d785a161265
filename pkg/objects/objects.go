// Package objects holds the object managers: one per entity kind, all
// sharing the store, the event bus and the process controller. Managers
// own validation and the transactional create/update/delete flows;
// anything touching the runtime is driven asynchronously through
// events and the reconciler.
package objects

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/events"
	"github.com/nanocl-io/nanocl/pkg/process"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// Deps are the shared collaborators of every manager.
type Deps struct {
	Store *store.Store
	Bus   *events.Bus
	Proc  *process.Controller
}

// Manager aggregates the per-entity managers behind one constructor.
type Manager struct {
	Deps
	Namespaces *NamespaceManager
	Cargoes    *CargoManager
	Vms        *VmManager
	Jobs       *JobManager
	Secrets    *SecretManager
	Resources  *ResourceManager
	Kinds      *ResourceKindManager
}

// New wires the managers.
func New(deps Deps) *Manager {
	m := &Manager{Deps: deps}
	m.Namespaces = &NamespaceManager{Deps: deps}
	m.Cargoes = &CargoManager{Deps: deps}
	m.Vms = &VmManager{Deps: deps}
	m.Jobs = &JobManager{Deps: deps}
	m.Secrets = &SecretManager{Deps: deps}
	m.Kinds = &ResourceKindManager{Deps: deps}
	m.Resources = &ResourceManager{Deps: deps, Kinds: m.Kinds}
	return m
}

func reason(kind types.ObjKind, action types.NativeEventAction) string {
	return strings.ToLower(string(kind)) + "." + string(action)
}

// validName rejects names that would break the "{namespace}.{name}"
// key scheme.
func validName(name string) error {
	if name == "" {
		return errdefs.BadInput("name is required")
	}
	if strings.Contains(name, ".") {
		return errdefs.BadInput("name must not contain '.': %s", name)
	}
	return nil
}

// ownerActor builds the event actor of a process owner, attaching its
// serialized spec payload so handlers can act after the row is gone.
func (m *Manager) ownerActor(kind types.ObjKind, key string) (*types.EventActor, error) {
	switch kind {
	case types.ObjKindCargo:
		cargo, err := m.Store.Cargoes.ReadByPK(key)
		if err != nil {
			return nil, err
		}
		spec, err := m.Store.Specs.ReadByPK(cargo.SpecKey)
		if err != nil {
			return nil, err
		}
		return types.NewActor(kind, key, cargo.Name, cargo.NamespaceName, spec.Data), nil
	case types.ObjKindVm:
		vm, err := m.Store.Vms.ReadByPK(key)
		if err != nil {
			return nil, err
		}
		spec, err := m.Store.Specs.ReadByPK(vm.SpecKey)
		if err != nil {
			return nil, err
		}
		return types.NewActor(kind, key, vm.Name, vm.NamespaceName, spec.Data), nil
	case types.ObjKindJob:
		job, err := m.Store.Jobs.ReadByPK(key)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return nil, err
		}
		return types.NewActor(kind, key, job.Name, "", data), nil
	}
	return nil, errdefs.BadInput("kind %s has no processes", kind)
}

// StartProcessOwner requests a start of the owner's instances. The
// reconciler performs the work; callers observe it through the status.
func (m *Manager) StartProcessOwner(ctx context.Context, kind types.ObjKind, key string) error {
	actor, err := m.ownerActor(kind, key)
	if err != nil {
		return err
	}
	if _, err := m.Store.UpdateWanted(key, types.ObjPsStatusStart); err != nil {
		return err
	}
	if _, err := m.Store.UpdateActual(key, types.ObjPsStatusStarting); err != nil {
		return err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionStarting, reason(kind, types.ActionStarting), actor)
	return nil
}

// StopProcessOwner requests a stop of the owner's instances.
func (m *Manager) StopProcessOwner(ctx context.Context, kind types.ObjKind, key string) error {
	actor, err := m.ownerActor(kind, key)
	if err != nil {
		return err
	}
	if _, err := m.Store.UpdateWanted(key, types.ObjPsStatusStop); err != nil {
		return err
	}
	if _, err := m.Store.UpdateActual(key, types.ObjPsStatusStopping); err != nil {
		return err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionStopping, reason(kind, types.ActionStopping), actor)
	return nil
}

// RestartProcessOwner restarts the owner's instances synchronously.
func (m *Manager) RestartProcessOwner(ctx context.Context, kind types.ObjKind, key string) error {
	if _, err := m.ownerActor(kind, key); err != nil {
		return err
	}
	return m.Proc.RestartByKind(ctx, kind, key)
}

// KillProcessOwner delivers a signal to the owner's instances.
func (m *Manager) KillProcessOwner(ctx context.Context, kind types.ObjKind, key, signal string) error {
	if _, err := m.ownerActor(kind, key); err != nil {
		return err
	}
	return m.Proc.KillByKind(ctx, kind, key, signal)
}

// WaitProcessOwner blocks until every instance of the owner satisfies
// the wait condition.
func (m *Manager) WaitProcessOwner(ctx context.Context, kind types.ObjKind, key string, cond types.WaitCondition, fn func(key string, code int)) error {
	if _, err := m.ownerActor(kind, key); err != nil {
		return err
	}
	return m.Proc.WaitByKind(ctx, kind, key, cond, fn)
}
