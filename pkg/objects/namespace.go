package objects

import (
	"context"
	"time"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// DefaultNamespace hosts objects created without an explicit namespace.
const DefaultNamespace = "global"

// NamespaceManager owns the namespace lifecycle and the runtime network
// paired with each namespace.
type NamespaceManager struct {
	Deps
}

// EnsureDefault creates the global namespace at boot when missing.
func (m *NamespaceManager) EnsureDefault(ctx context.Context) error {
	_, err := m.Store.Namespaces.ReadByPK(DefaultNamespace)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return err
	}
	_, err = m.Create(ctx, &types.NamespacePartial{Name: DefaultNamespace})
	return err
}

// Create validates the name, ensures the runtime network exists and
// records the namespace.
func (m *NamespaceManager) Create(ctx context.Context, partial *types.NamespacePartial) (*types.Namespace, error) {
	if err := validName(partial.Name); err != nil {
		return nil, err
	}
	if _, err := m.Proc.EnsureNetwork(ctx, partial.Name); err != nil {
		return nil, err
	}
	ns := &types.Namespace{
		Name:      partial.Name,
		CreatedAt: time.Now().UTC(),
		Metadata:  partial.Metadata,
	}
	if err := m.Store.Namespaces.Create(ns); err != nil {
		return nil, err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionCreate, reason(types.ObjKindNamespace, types.ActionCreate),
		types.NewActor(types.ObjKindNamespace, ns.Name, ns.Name, "", nil))
	return ns, nil
}

// List returns namespace summaries with aggregated object counts.
func (m *NamespaceManager) List(f *store.Filter) ([]*types.NamespaceSummary, error) {
	namespaces, err := m.Store.Namespaces.ReadBy(f)
	if err != nil {
		return nil, err
	}
	out := make([]*types.NamespaceSummary, 0, len(namespaces))
	for _, ns := range namespaces {
		cargoes, err := m.Store.Cargoes.CountBy(store.NewFilter().
			Where("namespace_name", store.OpEq, ns.Name))
		if err != nil {
			return nil, err
		}
		instances := 0
		list, err := m.Store.Cargoes.ReadBy(store.NewFilter().
			Where("namespace_name", store.OpEq, ns.Name).
			Page(store.NoLimit, 0))
		if err != nil {
			return nil, err
		}
		for _, c := range list {
			n, err := m.Store.Processes.CountBy(store.NewFilter().
				Where("kind_key", store.OpEq, c.Key))
			if err != nil {
				return nil, err
			}
			instances += n
		}
		out = append(out, &types.NamespaceSummary{
			Name:      ns.Name,
			CreatedAt: ns.CreatedAt,
			Cargoes:   cargoes,
			Instances: instances,
		})
	}
	return out, nil
}

// Inspect resolves a namespace with its cargoes.
func (m *NamespaceManager) Inspect(ctx context.Context, name string, cargoes *CargoManager) (*types.NamespaceInspect, error) {
	ns, err := m.Store.Namespaces.ReadByPK(name)
	if err != nil {
		return nil, err
	}
	list, err := m.Store.Cargoes.ReadBy(store.NewFilter().
		Where("namespace_name", store.OpEq, name).
		Page(store.NoLimit, 0))
	if err != nil {
		return nil, err
	}
	out := &types.NamespaceInspect{Name: ns.Name, CreatedAt: ns.CreatedAt}
	for _, c := range list {
		detail, err := cargoes.Inspect(ctx, c.Key)
		if err != nil {
			return nil, err
		}
		out.Cargoes = append(out.Cargoes, detail)
	}
	return out, nil
}

// Delete removes an empty namespace and its runtime network. A
// namespace still owning cargoes or vms is refused.
func (m *NamespaceManager) Delete(ctx context.Context, name string) error {
	if _, err := m.Store.Namespaces.ReadByPK(name); err != nil {
		return err
	}
	cargoes, err := m.Store.Cargoes.CountBy(store.NewFilter().
		Where("namespace_name", store.OpEq, name))
	if err != nil {
		return err
	}
	vms, err := m.Store.Vms.CountBy(store.NewFilter().
		Where("namespace_name", store.OpEq, name))
	if err != nil {
		return err
	}
	if cargoes > 0 || vms > 0 {
		return errdefs.Conflict("namespace %s is not empty: %d cargoes, %d vms", name, cargoes, vms)
	}
	if err := m.Proc.RemoveNetwork(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	if err := m.Store.Namespaces.DeleteByPK(name); err != nil {
		return err
	}
	m.Bus.Emit(types.EventKindNormal, types.ActionDestroy, reason(types.ObjKindNamespace, types.ActionDestroy),
		types.NewActor(types.ObjKindNamespace, name, name, "", nil))
	return nil
}

// Count counts namespaces matching the filter.
func (m *NamespaceManager) Count(f *store.Filter) (int, error) {
	return m.Store.Namespaces.CountBy(f)
}
