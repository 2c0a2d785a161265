package objects

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// VmManager owns the virtual machine lifecycle. The flows mirror the
// cargo ones; creation additionally pins the referenced disk image.
type VmManager struct {
	Deps
}

func (m *VmManager) checkDisk(spec *types.VmSpecPartial) error {
	if spec.Disk.Image == "" {
		return errdefs.BadInput("vm disk image is required")
	}
	img, err := m.Store.VmImages.ReadByPK(spec.Disk.Image)
	if err != nil {
		return err
	}
	if img.Kind != types.VmImageKindBase {
		return errdefs.BadInput("vm disk image %s is not a base image", img.Name)
	}
	return nil
}

// Create records a new vm in namespace with its first spec snapshot.
// The referenced base image must exist; the instance snapshot is only
// carved out at start time.
func (m *VmManager) Create(ctx context.Context, namespace string, partial *types.VmPartial, version string) (*types.Vm, error) {
	if err := validName(partial.Name); err != nil {
		return nil, err
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if _, err := m.Store.Namespaces.ReadByPK(namespace); err != nil {
		return nil, err
	}
	if err := m.checkDisk(&partial.VmSpecPartial); err != nil {
		return nil, err
	}
	key := namespace + "." + partial.Name
	data, err := json.Marshal(partial.VmSpecPartial)
	if err != nil {
		return nil, err
	}

	vm := &types.Vm{
		Key:           key,
		Name:          partial.Name,
		NamespaceName: namespace,
		CreatedAt:     time.Now().UTC(),
	}
	err = m.Store.Update(func(tx *bolt.Tx) error {
		spec, err := m.Store.CreateSpecIn(tx, string(types.ObjKindVm), key, version, data, partial.Metadata)
		if err != nil {
			return err
		}
		vm.SpecKey = spec.Key
		if err := m.Store.Vms.CreateIn(tx, vm); err != nil {
			return err
		}
		_, err = m.Store.InitStatusIn(tx, key, types.ObjPsStatusCreate, types.ObjPsStatusCreate)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionCreate, reason(types.ObjKindVm, types.ActionCreate),
		types.NewActor(types.ObjKindVm, key, vm.Name, namespace, data))
	return vm, nil
}

// Inspect resolves a vm with its spec, status and instance.
func (m *VmManager) Inspect(ctx context.Context, key string) (*types.VmInspect, error) {
	vm, err := m.Store.Vms.ReadByPK(key)
	if err != nil {
		return nil, err
	}
	spec, err := m.Store.Specs.ReadByPK(vm.SpecKey)
	if err != nil {
		return nil, err
	}
	status, err := m.Store.Statuses.ReadByPK(key)
	if err != nil {
		return nil, err
	}
	instances, err := m.Proc.ListByKind(types.ObjKindVm, key)
	if err != nil {
		return nil, err
	}
	return &types.VmInspect{
		Key:           vm.Key,
		Name:          vm.Name,
		NamespaceName: vm.NamespaceName,
		CreatedAt:     vm.CreatedAt,
		Spec:          spec,
		Status:        status,
		Instances:     instances,
	}, nil
}

// Put writes a new spec snapshot and requests a rollout.
func (m *VmManager) Put(ctx context.Context, key string, partial *types.VmPartial, version string) (*types.Vm, error) {
	vm, err := m.Store.Vms.ReadByPK(key)
	if err != nil {
		return nil, err
	}
	if err := m.checkDisk(&partial.VmSpecPartial); err != nil {
		return nil, err
	}
	data, err := json.Marshal(partial.VmSpecPartial)
	if err != nil {
		return nil, err
	}
	err = m.Store.Update(func(tx *bolt.Tx) error {
		spec, err := m.Store.CreateSpecIn(tx, string(types.ObjKindVm), key, version, data, partial.Metadata)
		if err != nil {
			return err
		}
		vm.SpecKey = spec.Key
		if err := m.Store.Vms.UpdatePKIn(tx, key, vm); err != nil {
			return err
		}
		if _, err := m.Store.UpdateWantedIn(tx, key, types.ObjPsStatusUpdate); err != nil {
			return err
		}
		_, err = m.Store.UpdateActualIn(tx, key, types.ObjPsStatusUpdating)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionUpdating, reason(types.ObjKindVm, types.ActionUpdating),
		types.NewActor(types.ObjKindVm, key, vm.Name, vm.NamespaceName, data))
	return vm, nil
}

// Delete requests destruction of a vm. The row survives until the
// reconciler has removed the instance and calls Purge.
func (m *VmManager) Delete(ctx context.Context, key string) error {
	vm, err := m.Store.Vms.ReadByPK(key)
	if err != nil {
		return err
	}
	spec, err := m.Store.Specs.ReadByPK(vm.SpecKey)
	if err != nil {
		return err
	}
	if _, err := m.Store.UpdateWanted(key, types.ObjPsStatusDestroy); err != nil {
		return err
	}
	if _, err := m.Store.UpdateActual(key, types.ObjPsStatusDestroying); err != nil {
		return err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionDestroying, reason(types.ObjKindVm, types.ActionDestroying),
		types.NewActor(types.ObjKindVm, key, vm.Name, vm.NamespaceName, spec.Data))
	return nil
}

// Purge removes the vm row, its spec history and its status.
func (m *VmManager) Purge(ctx context.Context, key string) error {
	return m.Store.Update(func(tx *bolt.Tx) error {
		if err := m.Store.Vms.DeleteByPKIn(tx, key); err != nil {
			return err
		}
		if err := m.Store.DeleteSpecsByKindIn(tx, key); err != nil {
			return err
		}
		return m.Store.Statuses.DeleteByPKIn(tx, key)
	})
}

// Histories lists the spec history of a vm, newest first.
func (m *VmManager) Histories(key string) ([]*types.Spec, error) {
	if _, err := m.Store.Vms.ReadByPK(key); err != nil {
		return nil, err
	}
	return m.Store.ListSpecHistory(key)
}

// Revert repoints the vm at a copy of a historical spec and rolls it
// out like an update.
func (m *VmManager) Revert(ctx context.Context, key, specKey string) (*types.Spec, error) {
	vm, err := m.Store.Vms.ReadByPK(key)
	if err != nil {
		return nil, err
	}
	var spec *types.Spec
	err = m.Store.Update(func(tx *bolt.Tx) error {
		var err error
		spec, err = m.Store.RevertSpecIn(tx, key, specKey)
		if err != nil {
			return err
		}
		vm.SpecKey = spec.Key
		if err := m.Store.Vms.UpdatePKIn(tx, key, vm); err != nil {
			return err
		}
		if _, err := m.Store.UpdateWantedIn(tx, key, types.ObjPsStatusUpdate); err != nil {
			return err
		}
		_, err = m.Store.UpdateActualIn(tx, key, types.ObjPsStatusUpdating)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionUpdating, reason(types.ObjKindVm, types.ActionUpdating),
		types.NewActor(types.ObjKindVm, key, vm.Name, vm.NamespaceName, spec.Data))
	return spec, nil
}

// List returns vms matching the filter.
func (m *VmManager) List(f *store.Filter) ([]*types.Vm, error) {
	return m.Store.Vms.ReadBy(f)
}

// Count counts vms matching the filter.
func (m *VmManager) Count(f *store.Filter) (int, error) {
	return m.Store.Vms.CountBy(f)
}
