package objects

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nanocl-io/nanocl/pkg/schema"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// ResourceManager owns kind-scoped declarative objects. Every create
// or update resolves the kind version and runs its validation before
// anything is stored.
type ResourceManager struct {
	Deps
	Kinds *ResourceKindManager
}

func (m *ResourceManager) validate(ctx context.Context, partial *types.ResourcePartial) (json.RawMessage, string, error) {
	kv, err := m.Kinds.Resolve(partial.Kind)
	if err != nil {
		return nil, "", err
	}
	data, err := schema.ValidateResource(ctx, kv, partial)
	if err != nil {
		return nil, "", err
	}
	return data, kv.Version, nil
}

// Create validates and records a new resource with its first spec.
func (m *ResourceManager) Create(ctx context.Context, partial *types.ResourcePartial) (*types.Resource, error) {
	if err := validName(partial.Name); err != nil {
		return nil, err
	}
	data, version, err := m.validate(ctx, partial)
	if err != nil {
		return nil, err
	}
	kindName, _, _ := types.ParseResourceKind(partial.Kind)
	resource := &types.Resource{
		Name:      partial.Name,
		Kind:      kindName,
		CreatedAt: time.Now().UTC(),
	}
	err = m.Store.Update(func(tx *bolt.Tx) error {
		spec, err := m.Store.CreateSpecIn(tx, string(types.ObjKindResource), partial.Name, version, data, partial.Metadata)
		if err != nil {
			return err
		}
		resource.SpecKey = spec.Key
		return m.Store.Resources.CreateIn(tx, resource)
	})
	if err != nil {
		return nil, err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionCreate, reason(types.ObjKindResource, types.ActionCreate),
		types.NewActor(types.ObjKindResource, resource.Name, resource.Name, "", data))
	return resource, nil
}

// Inspect resolves a resource with its current spec.
func (m *ResourceManager) Inspect(name string) (*types.ResourceInspect, error) {
	resource, err := m.Store.Resources.ReadByPK(name)
	if err != nil {
		return nil, err
	}
	spec, err := m.Store.Specs.ReadByPK(resource.SpecKey)
	if err != nil {
		return nil, err
	}
	return &types.ResourceInspect{
		Name:      resource.Name,
		Kind:      resource.Kind,
		CreatedAt: resource.CreatedAt,
		Spec:      spec,
	}, nil
}

// Put validates and writes a new spec snapshot for a resource.
func (m *ResourceManager) Put(ctx context.Context, name string, partial *types.ResourcePartial) (*types.Resource, error) {
	resource, err := m.Store.Resources.ReadByPK(name)
	if err != nil {
		return nil, err
	}
	if partial.Kind == "" {
		partial.Kind = resource.Kind
	}
	data, version, err := m.validate(ctx, partial)
	if err != nil {
		return nil, err
	}
	err = m.Store.Update(func(tx *bolt.Tx) error {
		spec, err := m.Store.CreateSpecIn(tx, string(types.ObjKindResource), name, version, data, partial.Metadata)
		if err != nil {
			return err
		}
		resource.SpecKey = spec.Key
		return m.Store.Resources.UpdatePKIn(tx, name, resource)
	})
	if err != nil {
		return nil, err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionUpdate, reason(types.ObjKindResource, types.ActionUpdate),
		types.NewActor(types.ObjKindResource, name, name, "", data))
	return resource, nil
}

// Delete removes a resource and its spec history. The destroy event
// carries the last spec payload so rule controllers can clean up.
func (m *ResourceManager) Delete(ctx context.Context, name string) error {
	resource, err := m.Store.Resources.ReadByPK(name)
	if err != nil {
		return err
	}
	spec, err := m.Store.Specs.ReadByPK(resource.SpecKey)
	if err != nil {
		return err
	}
	err = m.Store.Update(func(tx *bolt.Tx) error {
		if err := m.Store.Resources.DeleteByPKIn(tx, name); err != nil {
			return err
		}
		return m.Store.DeleteSpecsByKindIn(tx, name)
	})
	if err != nil {
		return err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionDestroy, reason(types.ObjKindResource, types.ActionDestroy),
		types.NewActor(types.ObjKindResource, name, name, "", spec.Data))
	return nil
}

// Histories lists the spec history of a resource, newest first.
func (m *ResourceManager) Histories(name string) ([]*types.Spec, error) {
	if _, err := m.Store.Resources.ReadByPK(name); err != nil {
		return nil, err
	}
	return m.Store.ListSpecHistory(name)
}

// Revert repoints the resource at a copy of a historical spec.
func (m *ResourceManager) Revert(ctx context.Context, name, specKey string) (*types.Spec, error) {
	resource, err := m.Store.Resources.ReadByPK(name)
	if err != nil {
		return nil, err
	}
	var spec *types.Spec
	err = m.Store.Update(func(tx *bolt.Tx) error {
		var err error
		spec, err = m.Store.RevertSpecIn(tx, name, specKey)
		if err != nil {
			return err
		}
		resource.SpecKey = spec.Key
		return m.Store.Resources.UpdatePKIn(tx, name, resource)
	})
	if err != nil {
		return nil, err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionUpdate, reason(types.ObjKindResource, types.ActionUpdate),
		types.NewActor(types.ObjKindResource, name, name, "", spec.Data))
	return spec, nil
}

// List returns resources matching the filter.
func (m *ResourceManager) List(f *store.Filter) ([]*types.Resource, error) {
	return m.Store.Resources.ReadBy(f)
}

// Count counts resources matching the filter.
func (m *ResourceManager) Count(f *store.Filter) (int, error) {
	return m.Store.Resources.CountBy(f)
}
