package store

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nanocl-io/nanocl/pkg/types"
)

// Status store: the desired/actual pair of every living object.
// Updates are read-modify-write under the store's row-level transaction
// and always carry the previous values forward.

// InitStatusIn creates the status row of a freshly created object.
func (s *Store) InitStatusIn(tx *bolt.Tx, key string, wanted, actual types.ObjPsStatusKind) (*types.ObjPsStatus, error) {
	now := time.Now().UTC()
	st := &types.ObjPsStatus{
		Key:        key,
		CreatedAt:  now,
		UpdatedAt:  now,
		Wanted:     wanted,
		PrevWanted: wanted,
		Actual:     actual,
		PrevActual: actual,
	}
	if err := s.Statuses.CreateIn(tx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateWanted advances the wanted status of an object. A no-op when
// the value is unchanged.
func (s *Store) UpdateWanted(key string, wanted types.ObjPsStatusKind) (*types.ObjPsStatus, error) {
	var out *types.ObjPsStatus
	err := s.Update(func(tx *bolt.Tx) error {
		var err error
		out, err = s.UpdateWantedIn(tx, key, wanted)
		return err
	})
	return out, err
}

// UpdateWantedIn is UpdateWanted inside an open transaction.
func (s *Store) UpdateWantedIn(tx *bolt.Tx, key string, wanted types.ObjPsStatusKind) (*types.ObjPsStatus, error) {
	st, err := s.Statuses.ReadByPKIn(tx, key)
	if err != nil {
		return nil, err
	}
	if st.Wanted == wanted {
		return st, nil
	}
	st.PrevWanted = st.Wanted
	st.Wanted = wanted
	st.UpdatedAt = time.Now().UTC()
	if err := s.Statuses.UpdatePKIn(tx, key, st); err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateActual advances the actual status of an object. A no-op when
// the value is unchanged.
func (s *Store) UpdateActual(key string, actual types.ObjPsStatusKind) (*types.ObjPsStatus, error) {
	var out *types.ObjPsStatus
	err := s.Update(func(tx *bolt.Tx) error {
		var err error
		out, err = s.UpdateActualIn(tx, key, actual)
		return err
	})
	return out, err
}

// UpdateActualIn is UpdateActual inside an open transaction.
func (s *Store) UpdateActualIn(tx *bolt.Tx, key string, actual types.ObjPsStatusKind) (*types.ObjPsStatus, error) {
	st, err := s.Statuses.ReadByPKIn(tx, key)
	if err != nil {
		return nil, err
	}
	if st.Actual == actual {
		return st, nil
	}
	st.PrevActual = st.Actual
	st.Actual = actual
	st.UpdatedAt = time.Now().UTC()
	if err := s.Statuses.UpdatePKIn(tx, key, st); err != nil {
		return nil, err
	}
	return st, nil
}
