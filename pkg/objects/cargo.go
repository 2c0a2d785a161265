package objects

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// CargoManager owns the cargo lifecycle. Mutations write the spec
// registry and the status store in one transaction and emit exactly one
// event; the reconciler performs the runtime work.
type CargoManager struct {
	Deps
}

// Create records a new cargo in namespace with its first spec snapshot.
func (m *CargoManager) Create(ctx context.Context, namespace string, partial *types.CargoPartial, version string) (*types.Cargo, error) {
	if err := validName(partial.Name); err != nil {
		return nil, err
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if _, err := m.Store.Namespaces.ReadByPK(namespace); err != nil {
		return nil, err
	}
	key := namespace + "." + partial.Name
	data, err := json.Marshal(partial.CargoSpecPartial)
	if err != nil {
		return nil, err
	}

	cargo := &types.Cargo{
		Key:           key,
		Name:          partial.Name,
		NamespaceName: namespace,
		CreatedAt:     time.Now().UTC(),
	}
	err = m.Store.Update(func(tx *bolt.Tx) error {
		spec, err := m.Store.CreateSpecIn(tx, string(types.ObjKindCargo), key, version, data, partial.Metadata)
		if err != nil {
			return err
		}
		cargo.SpecKey = spec.Key
		if err := m.Store.Cargoes.CreateIn(tx, cargo); err != nil {
			return err
		}
		_, err = m.Store.InitStatusIn(tx, key, types.ObjPsStatusCreate, types.ObjPsStatusCreate)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionCreate, reason(types.ObjKindCargo, types.ActionCreate),
		types.NewActor(types.ObjKindCargo, key, cargo.Name, namespace, data))
	return cargo, nil
}

// Inspect resolves a cargo with its spec, status and instances.
func (m *CargoManager) Inspect(ctx context.Context, key string) (*types.CargoInspect, error) {
	cargo, err := m.Store.Cargoes.ReadByPK(key)
	if err != nil {
		return nil, err
	}
	spec, err := m.Store.Specs.ReadByPK(cargo.SpecKey)
	if err != nil {
		return nil, err
	}
	status, err := m.Store.Statuses.ReadByPK(key)
	if err != nil {
		return nil, err
	}
	stats, err := m.Proc.CountStatus(ctx, types.ObjKindCargo, key)
	if err != nil {
		return nil, err
	}
	instances, err := m.Proc.ListByKind(types.ObjKindCargo, key)
	if err != nil {
		return nil, err
	}
	return &types.CargoInspect{
		Key:             cargo.Key,
		Name:            cargo.Name,
		NamespaceName:   cargo.NamespaceName,
		CreatedAt:       cargo.CreatedAt,
		Spec:            spec,
		Status:          status,
		InstanceTotal:   stats.Total,
		InstanceRunning: stats.Running,
		InstanceSuccess: stats.Success,
		InstanceFailed:  stats.Failed,
		Instances:       instances,
	}, nil
}

// Put writes a new spec snapshot and requests a rollout. The reconciler
// replaces the instances; on failure the previous ones keep running.
func (m *CargoManager) Put(ctx context.Context, key string, partial *types.CargoPartial, version string) (*types.Cargo, error) {
	cargo, err := m.Store.Cargoes.ReadByPK(key)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(partial.CargoSpecPartial)
	if err != nil {
		return nil, err
	}
	err = m.Store.Update(func(tx *bolt.Tx) error {
		spec, err := m.Store.CreateSpecIn(tx, string(types.ObjKindCargo), key, version, data, partial.Metadata)
		if err != nil {
			return err
		}
		cargo.SpecKey = spec.Key
		if err := m.Store.Cargoes.UpdatePKIn(tx, key, cargo); err != nil {
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
	m.Bus.Emit(types.EventKindNormal, types.ActionUpdating, reason(types.ObjKindCargo, types.ActionUpdating),
		types.NewActor(types.ObjKindCargo, key, cargo.Name, cargo.NamespaceName, data))
	return cargo, nil
}

// Delete requests destruction of a cargo. The row survives until the
// reconciler has removed the instances and calls Purge.
func (m *CargoManager) Delete(ctx context.Context, key string) error {
	cargo, err := m.Store.Cargoes.ReadByPK(key)
	if err != nil {
		return err
	}
	spec, err := m.Store.Specs.ReadByPK(cargo.SpecKey)
	if err != nil {
		return err
	}
	if _, err := m.Store.UpdateWanted(key, types.ObjPsStatusDestroy); err != nil {
		return err
	}
	if _, err := m.Store.UpdateActual(key, types.ObjPsStatusDestroying); err != nil {
		return err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionDestroying, reason(types.ObjKindCargo, types.ActionDestroying),
		types.NewActor(types.ObjKindCargo, key, cargo.Name, cargo.NamespaceName, spec.Data))
	return nil
}

// Purge removes the cargo row, its spec history and its status in one
// transaction. Called by the reconciler once the instances are gone.
func (m *CargoManager) Purge(ctx context.Context, key string) error {
	return m.Store.Update(func(tx *bolt.Tx) error {
		if err := m.Store.Cargoes.DeleteByPKIn(tx, key); err != nil {
			return err
		}
		if err := m.Store.DeleteSpecsByKindIn(tx, key); err != nil {
			return err
		}
		return m.Store.Statuses.DeleteByPKIn(tx, key)
	})
}

// Histories lists the spec history of a cargo, newest first.
func (m *CargoManager) Histories(key string) ([]*types.Spec, error) {
	if _, err := m.Store.Cargoes.ReadByPK(key); err != nil {
		return nil, err
	}
	return m.Store.ListSpecHistory(key)
}

// Revert repoints the cargo at a copy of a historical spec and rolls
// it out like an update.
func (m *CargoManager) Revert(ctx context.Context, key, specKey string) (*types.Spec, error) {
	cargo, err := m.Store.Cargoes.ReadByPK(key)
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
		cargo.SpecKey = spec.Key
		if err := m.Store.Cargoes.UpdatePKIn(tx, key, cargo); err != nil {
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
	m.Bus.Emit(types.EventKindNormal, types.ActionUpdating, reason(types.ObjKindCargo, types.ActionUpdating),
		types.NewActor(types.ObjKindCargo, key, cargo.Name, cargo.NamespaceName, spec.Data))
	return spec, nil
}

// List returns cargoes matching the filter.
func (m *CargoManager) List(f *store.Filter) ([]*types.Cargo, error) {
	return m.Store.Cargoes.ReadBy(f)
}

// Count counts cargoes matching the filter.
func (m *CargoManager) Count(f *store.Filter) (int, error) {
	return m.Store.Cargoes.CountBy(f)
}
