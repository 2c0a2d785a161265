// Package state applies and removes declarative statefiles. Each item
// resolves to a create, an update, a no-op or a delete against the
// object managers, and its outcome is streamed back to the caller.
package state

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/objects"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// EmitFn receives one stream item. Implementations must be safe to
// call from the applying goroutine only.
type EmitFn func(types.StateStream)

// Applier executes statefiles against the object managers.
type Applier struct {
	objs    *objects.Manager
	version string
}

// New creates an applier stamping specs with the daemon api version.
func New(objs *objects.Manager, version string) *Applier {
	return &Applier{objs: objs, version: version}
}

// jsonEqual compares two JSON payloads structurally.
func jsonEqual(a, b []byte) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func emitResult(emit EmitFn, kind types.StateKind, key string, err error, unchanged bool) {
	switch {
	case err != nil:
		emit(types.StateStream{Key: key, Kind: kind, Status: types.StateStatusFailed, Context: err.Error()})
	case unchanged:
		emit(types.StateStream{Key: key, Kind: kind, Status: types.StateStatusUnChanged})
	default:
		emit(types.StateStream{Key: key, Kind: kind, Status: types.StateStatusSuccess})
	}
}

// Apply converges the daemon state onto the statefile. Items already
// matching their declaration report UnChanged; apply is idempotent.
func (a *Applier) Apply(ctx context.Context, sf *types.Statefile, emit EmitFn) error {
	namespace := sf.Namespace
	if namespace == "" {
		namespace = objects.DefaultNamespace
	}
	if err := a.applyNamespace(ctx, namespace, emit); err != nil {
		return err
	}
	for i := range sf.Secrets {
		a.applySecret(ctx, &sf.Secrets[i], emit)
	}
	for i := range sf.ResourceKinds {
		a.applyResourceKind(ctx, &sf.ResourceKinds[i], emit)
	}
	for i := range sf.Resources {
		a.applyResource(ctx, &sf.Resources[i], emit)
	}
	for i := range sf.Cargoes {
		a.applyCargo(ctx, namespace, &sf.Cargoes[i], emit)
	}
	for i := range sf.VirtualMachines {
		a.applyVm(ctx, namespace, &sf.VirtualMachines[i], emit)
	}
	for i := range sf.Jobs {
		a.applyJob(ctx, &sf.Jobs[i], emit)
	}
	return nil
}

func (a *Applier) applyNamespace(ctx context.Context, name string, emit EmitFn) error {
	emit(types.StateStream{Key: name, Kind: types.StateKindNamespace, Status: types.StateStatusPending})
	_, err := a.objs.Store.Namespaces.ReadByPK(name)
	if err == nil {
		emit(types.StateStream{Key: name, Kind: types.StateKindNamespace, Status: types.StateStatusUnChanged})
		return nil
	}
	if !errdefs.IsNotFound(err) {
		emitResult(emit, types.StateKindNamespace, name, err, false)
		return err
	}
	_, err = a.objs.Namespaces.Create(ctx, &types.NamespacePartial{Name: name})
	emitResult(emit, types.StateKindNamespace, name, err, false)
	return err
}

func (a *Applier) applySecret(ctx context.Context, partial *types.SecretPartial, emit EmitFn) {
	emit(types.StateStream{Key: partial.Name, Kind: types.StateKindSecret, Status: types.StateStatusPending})
	existing, err := a.objs.Secrets.Inspect(partial.Name)
	switch {
	case err == nil:
		if existing.Kind == partial.Kind && jsonEqual(existing.Data, partial.Data) {
			emitResult(emit, types.StateKindSecret, partial.Name, nil, true)
			return
		}
		_, err = a.objs.Secrets.Patch(ctx, partial.Name, &types.SecretUpdate{
			Data:     partial.Data,
			Metadata: partial.Metadata,
		})
		emitResult(emit, types.StateKindSecret, partial.Name, err, false)
	case errdefs.IsNotFound(err):
		_, err = a.objs.Secrets.Create(ctx, partial)
		emitResult(emit, types.StateKindSecret, partial.Name, err, false)
	default:
		emitResult(emit, types.StateKindSecret, partial.Name, err, false)
	}
}

func (a *Applier) applyResourceKind(ctx context.Context, partial *types.ResourceKindPartial, emit EmitFn) {
	emit(types.StateStream{Key: partial.Name, Kind: types.StateKindResourceKind, Status: types.StateStatusPending})
	if _, err := a.objs.Kinds.InspectVersion(partial.Name, partial.Version); err == nil {
		emitResult(emit, types.StateKindResourceKind, partial.Name, nil, true)
		return
	}
	_, err := a.objs.Kinds.Create(ctx, partial)
	emitResult(emit, types.StateKindResourceKind, partial.Name, err, false)
}

func (a *Applier) applyResource(ctx context.Context, partial *types.ResourcePartial, emit EmitFn) {
	emit(types.StateStream{Key: partial.Name, Kind: types.StateKindResource, Status: types.StateStatusPending})
	existing, err := a.objs.Resources.Inspect(partial.Name)
	switch {
	case err == nil:
		if jsonEqual(existing.Spec.Data, partial.Data) {
			emitResult(emit, types.StateKindResource, partial.Name, nil, true)
			return
		}
		_, err = a.objs.Resources.Put(ctx, partial.Name, partial)
		emitResult(emit, types.StateKindResource, partial.Name, err, false)
	case errdefs.IsNotFound(err):
		_, err = a.objs.Resources.Create(ctx, partial)
		emitResult(emit, types.StateKindResource, partial.Name, err, false)
	default:
		emitResult(emit, types.StateKindResource, partial.Name, err, false)
	}
}

func (a *Applier) applyCargo(ctx context.Context, namespace string, partial *types.CargoPartial, emit EmitFn) {
	key := namespace + "." + partial.Name
	emit(types.StateStream{Key: key, Kind: types.StateKindCargo, Status: types.StateStatusPending})
	data, err := json.Marshal(partial.CargoSpecPartial)
	if err != nil {
		emitResult(emit, types.StateKindCargo, key, err, false)
		return
	}
	existing, err := a.objs.Store.Cargoes.ReadByPK(key)
	switch {
	case err == nil:
		spec, err := a.objs.Store.Specs.ReadByPK(existing.SpecKey)
		if err == nil && jsonEqual(spec.Data, data) {
			emitResult(emit, types.StateKindCargo, key, nil, true)
			return
		}
		_, err = a.objs.Cargoes.Put(ctx, key, partial, a.version)
		emitResult(emit, types.StateKindCargo, key, err, false)
	case errdefs.IsNotFound(err):
		if _, err := a.objs.Cargoes.Create(ctx, namespace, partial, a.version); err != nil {
			emitResult(emit, types.StateKindCargo, key, err, false)
			return
		}
		err = a.objs.StartProcessOwner(ctx, types.ObjKindCargo, key)
		emitResult(emit, types.StateKindCargo, key, err, false)
	default:
		emitResult(emit, types.StateKindCargo, key, err, false)
	}
}

func (a *Applier) applyVm(ctx context.Context, namespace string, partial *types.VmPartial, emit EmitFn) {
	key := namespace + "." + partial.Name
	emit(types.StateStream{Key: key, Kind: types.StateKindVm, Status: types.StateStatusPending})
	data, err := json.Marshal(partial.VmSpecPartial)
	if err != nil {
		emitResult(emit, types.StateKindVm, key, err, false)
		return
	}
	existing, err := a.objs.Store.Vms.ReadByPK(key)
	switch {
	case err == nil:
		spec, err := a.objs.Store.Specs.ReadByPK(existing.SpecKey)
		if err == nil && jsonEqual(spec.Data, data) {
			emitResult(emit, types.StateKindVm, key, nil, true)
			return
		}
		_, err = a.objs.Vms.Put(ctx, key, partial, a.version)
		emitResult(emit, types.StateKindVm, key, err, false)
	case errdefs.IsNotFound(err):
		if _, err := a.objs.Vms.Create(ctx, namespace, partial, a.version); err != nil {
			emitResult(emit, types.StateKindVm, key, err, false)
			return
		}
		err = a.objs.StartProcessOwner(ctx, types.ObjKindVm, key)
		emitResult(emit, types.StateKindVm, key, err, false)
	default:
		emitResult(emit, types.StateKindVm, key, err, false)
	}
}

func (a *Applier) applyJob(ctx context.Context, partial *types.JobPartial, emit EmitFn) {
	emit(types.StateStream{Key: partial.Name, Kind: types.StateKindJob, Status: types.StateStatusPending})
	existing, err := a.objs.Store.Jobs.ReadByPK(partial.Name)
	switch {
	case err == nil:
		current, _ := json.Marshal(existing.Containers)
		wanted, _ := json.Marshal(partial.Containers)
		if jsonEqual(current, wanted) {
			emitResult(emit, types.StateKindJob, partial.Name, nil, true)
			return
		}
		// Jobs have no update flow; replace the declaration.
		if err := a.objs.Jobs.Delete(ctx, partial.Name); err != nil {
			emitResult(emit, types.StateKindJob, partial.Name, err, false)
			return
		}
		// The reconciler purges asynchronously; wait for the row to go.
		deadline := time.Now().Add(10 * time.Second)
		for {
			if _, err := a.objs.Store.Jobs.ReadByPK(partial.Name); errdefs.IsNotFound(err) {
				break
			}
			if time.Now().After(deadline) {
				emitResult(emit, types.StateKindJob, partial.Name,
					errdefs.Conflict("job %s is still being destroyed", partial.Name), false)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
		if _, err := a.objs.Jobs.Create(ctx, partial); err != nil {
			emitResult(emit, types.StateKindJob, partial.Name, err, false)
			return
		}
		err = a.objs.StartProcessOwner(ctx, types.ObjKindJob, partial.Name)
		emitResult(emit, types.StateKindJob, partial.Name, err, false)
	case errdefs.IsNotFound(err):
		if _, err := a.objs.Jobs.Create(ctx, partial); err != nil {
			emitResult(emit, types.StateKindJob, partial.Name, err, false)
			return
		}
		err = a.objs.StartProcessOwner(ctx, types.ObjKindJob, partial.Name)
		emitResult(emit, types.StateKindJob, partial.Name, err, false)
	default:
		emitResult(emit, types.StateKindJob, partial.Name, err, false)
	}
}

// Remove deletes every item the statefile declares, in reverse apply
// order. Missing items report NotFound.
func (a *Applier) Remove(ctx context.Context, sf *types.Statefile, emit EmitFn) error {
	namespace := sf.Namespace
	if namespace == "" {
		namespace = objects.DefaultNamespace
	}
	for i := range sf.Jobs {
		name := sf.Jobs[i].Name
		emit(types.StateStream{Key: name, Kind: types.StateKindJob, Status: types.StateStatusPending})
		err := a.objs.Jobs.Delete(ctx, name)
		a.emitRemove(emit, types.StateKindJob, name, err)
	}
	for i := range sf.VirtualMachines {
		key := namespace + "." + sf.VirtualMachines[i].Name
		emit(types.StateStream{Key: key, Kind: types.StateKindVm, Status: types.StateStatusPending})
		err := a.objs.Vms.Delete(ctx, key)
		a.emitRemove(emit, types.StateKindVm, key, err)
	}
	for i := range sf.Cargoes {
		key := namespace + "." + sf.Cargoes[i].Name
		emit(types.StateStream{Key: key, Kind: types.StateKindCargo, Status: types.StateStatusPending})
		err := a.objs.Cargoes.Delete(ctx, key)
		a.emitRemove(emit, types.StateKindCargo, key, err)
	}
	for i := range sf.Resources {
		name := sf.Resources[i].Name
		emit(types.StateStream{Key: name, Kind: types.StateKindResource, Status: types.StateStatusPending})
		err := a.objs.Resources.Delete(ctx, name)
		a.emitRemove(emit, types.StateKindResource, name, err)
	}
	for i := range sf.ResourceKinds {
		name := sf.ResourceKinds[i].Name
		emit(types.StateStream{Key: name, Kind: types.StateKindResourceKind, Status: types.StateStatusPending})
		err := a.objs.Kinds.Delete(ctx, name)
		a.emitRemove(emit, types.StateKindResourceKind, name, err)
	}
	for i := range sf.Secrets {
		name := sf.Secrets[i].Name
		emit(types.StateStream{Key: name, Kind: types.StateKindSecret, Status: types.StateStatusPending})
		err := a.objs.Secrets.Delete(ctx, name)
		a.emitRemove(emit, types.StateKindSecret, name, err)
	}
	return nil
}

func (a *Applier) emitRemove(emit EmitFn, kind types.StateKind, key string, err error) {
	switch {
	case err == nil:
		emit(types.StateStream{Key: key, Kind: kind, Status: types.StateStatusSuccess})
	case errdefs.IsNotFound(err):
		emit(types.StateStream{Key: key, Kind: kind, Status: types.StateStatusNotFound})
	default:
		emit(types.StateStream{Key: key, Kind: kind, Status: types.StateStatusFailed, Context: err.Error()})
	}
}
