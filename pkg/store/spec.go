package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// Spec registry: every create/update of a cargo, vm or resource writes
// a fresh immutable row here and repoints the owner's spec_key. History
// is append-only; revert copies a historical row into a new current one.

// CreateSpecIn writes a new spec row inside an open transaction.
func (s *Store) CreateSpecIn(tx *bolt.Tx, kindName, kindKey, version string, data, metadata json.RawMessage) (*types.Spec, error) {
	spec := &types.Spec{
		Key:       uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		KindName:  kindName,
		KindKey:   kindKey,
		Version:   version,
		Data:      data,
		Metadata:  metadata,
	}
	if err := s.Specs.CreateIn(tx, spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// ListSpecHistory returns the spec history of one owner, newest first.
func (s *Store) ListSpecHistory(kindKey string) ([]*types.Spec, error) {
	return s.Specs.ReadBy(NewFilter().
		Where("kind_key", OpEq, kindKey).
		Order("created_at", true))
}

// RevertSpecIn copies the target historical row into a new current spec
// (new uuid, same data and version) so the history stays append-only.
func (s *Store) RevertSpecIn(tx *bolt.Tx, kindKey, specKey string) (*types.Spec, error) {
	hist, err := s.Specs.ReadByPKIn(tx, specKey)
	if err != nil {
		return nil, err
	}
	if hist.KindKey != kindKey {
		return nil, errdefs.NotFound("spec %s does not belong to %s", specKey, kindKey)
	}
	return s.CreateSpecIn(tx, hist.KindName, hist.KindKey, hist.Version, hist.Data, hist.Metadata)
}

// DeleteSpecsByKindIn cascades owner deletion to all of its spec rows.
func (s *Store) DeleteSpecsByKindIn(tx *bolt.Tx, kindKey string) error {
	_, err := s.Specs.DeleteByIn(tx, NewFilter().Where("kind_key", OpEq, kindKey))
	return err
}
