package objects

import (
	"context"
	"regexp"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

var kindNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9.-]*[a-z0-9])?/[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// ResourceKindManager owns the resource kind registry. A kind version
// selects how resources of the kind are validated: by embedded JSON
// schema or by delegation to a controller url.
type ResourceKindManager struct {
	Deps
}

// Create registers a kind version. The kind row is created on first
// version; registering an existing version is a conflict.
func (m *ResourceKindManager) Create(ctx context.Context, partial *types.ResourceKindPartial) (*types.ResourceKind, error) {
	if !kindNameRe.MatchString(partial.Name) {
		return nil, errdefs.BadInput("resource kind name must match domain/name: %s", partial.Name)
	}
	if partial.Version == "" {
		return nil, errdefs.BadInput("resource kind version is required")
	}
	hasSchema := partial.Data.Schema != nil
	hasUrl := partial.Data.Url != ""
	if hasSchema == hasUrl {
		return nil, errdefs.BadInput("resource kind %s wants exactly one of schema or url", partial.Name)
	}

	now := time.Now().UTC()
	kind := &types.ResourceKind{Name: partial.Name, CreatedAt: now}
	version := &types.ResourceKindVersion{
		KindName:  partial.Name,
		Version:   partial.Version,
		CreatedAt: now,
		Schema:    partial.Data.Schema,
		Url:       partial.Data.Url,
	}
	err := m.Store.Update(func(tx *bolt.Tx) error {
		existing, err := m.Store.ResourceKinds.ReadByPKIn(tx, partial.Name)
		switch {
		case err == nil:
			kind = existing
		case errdefs.IsNotFound(err):
			if err := m.Store.ResourceKinds.CreateIn(tx, kind); err != nil {
				return err
			}
		default:
			return err
		}
		return m.Store.KindVersions.CreateIn(tx, version)
	})
	if err != nil {
		return nil, err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionCreate, reason(types.ObjKindResourceKind, types.ActionCreate),
		types.NewActor(types.ObjKindResourceKind, kind.Name, kind.Name, "", nil))
	return kind, nil
}

// Inspect resolves a kind with all of its versions, newest first.
func (m *ResourceKindManager) Inspect(name string) (*types.ResourceKindInspect, error) {
	kind, err := m.Store.ResourceKinds.ReadByPK(name)
	if err != nil {
		return nil, err
	}
	versions, err := m.Store.KindVersions.ReadBy(store.NewFilter().
		Where("kind_name", store.OpEq, name).
		Order("created_at", true).
		Page(store.NoLimit, 0))
	if err != nil {
		return nil, err
	}
	return &types.ResourceKindInspect{
		Name:      kind.Name,
		CreatedAt: kind.CreatedAt,
		Versions:  versions,
	}, nil
}

// InspectVersion resolves one version of a kind.
func (m *ResourceKindManager) InspectVersion(name, version string) (*types.ResourceKindVersion, error) {
	return m.Store.KindVersions.ReadByPK(name + "/" + version)
}

// Resolve picks the kind version for a resource kind field, resolving
// the latest registered version when the suffix is absent.
func (m *ResourceKindManager) Resolve(kindField string) (*types.ResourceKindVersion, error) {
	name, version, err := types.ParseResourceKind(kindField)
	if err != nil {
		return nil, errdefs.BadInput("%v", err)
	}
	if version != "" {
		return m.InspectVersion(name, version)
	}
	versions, err := m.Store.KindVersions.ReadBy(store.NewFilter().
		Where("kind_name", store.OpEq, name).
		Order("created_at", true).
		Page(1, 0))
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, errdefs.NotFound("resource kind not found: %s", name)
	}
	return versions[0], nil
}

// Delete removes a kind and all of its versions. A kind still used by
// resources is refused.
func (m *ResourceKindManager) Delete(ctx context.Context, name string) error {
	if _, err := m.Store.ResourceKinds.ReadByPK(name); err != nil {
		return err
	}
	used, err := m.Store.Resources.CountBy(store.NewFilter().
		Where("kind", store.OpEq, name))
	if err != nil {
		return err
	}
	if used > 0 {
		return errdefs.Conflict("resource kind %s is used by %d resources", name, used)
	}
	err = m.Store.Update(func(tx *bolt.Tx) error {
		if err := m.Store.ResourceKinds.DeleteByPKIn(tx, name); err != nil {
			return err
		}
		_, err := m.Store.KindVersions.DeleteByIn(tx, store.NewFilter().
			Where("kind_name", store.OpEq, name))
		return err
	})
	if err != nil {
		return err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionDestroy, reason(types.ObjKindResourceKind, types.ActionDestroy),
		types.NewActor(types.ObjKindResourceKind, name, name, "", nil))
	return nil
}

// List returns kinds matching the filter.
func (m *ResourceKindManager) List(f *store.Filter) ([]*types.ResourceKind, error) {
	return m.Store.ResourceKinds.ReadBy(f)
}

// Count counts kinds matching the filter.
func (m *ResourceKindManager) Count(f *store.Filter) (int, error) {
	return m.Store.ResourceKinds.CountBy(f)
}
