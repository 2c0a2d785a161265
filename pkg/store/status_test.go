package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/types"
)

func initStatus(t *testing.T, s *Store, key string) {
	t.Helper()
	err := s.Update(func(tx *bolt.Tx) error {
		_, err := s.InitStatusIn(tx, key, types.ObjPsStatusCreate, types.ObjPsStatusCreate)
		return err
	})
	require.NoError(t, err)
}

func TestStatusInit(t *testing.T) {
	s := newTestStore(t)
	initStatus(t, s, "global.web")

	st, err := s.Statuses.ReadByPK("global.web")
	require.NoError(t, err)
	assert.Equal(t, types.ObjPsStatusCreate, st.Wanted)
	assert.Equal(t, types.ObjPsStatusCreate, st.PrevWanted)
	assert.Equal(t, types.ObjPsStatusCreate, st.Actual)
	assert.Equal(t, types.ObjPsStatusCreate, st.PrevActual)
}

func TestStatusUpdatePreservesPrevious(t *testing.T) {
	s := newTestStore(t)
	initStatus(t, s, "global.web")

	st, err := s.UpdateWanted("global.web", types.ObjPsStatusStart)
	require.NoError(t, err)
	assert.Equal(t, types.ObjPsStatusStart, st.Wanted)
	assert.Equal(t, types.ObjPsStatusCreate, st.PrevWanted)

	st, err = s.UpdateActual("global.web", types.ObjPsStatusStarting)
	require.NoError(t, err)
	assert.Equal(t, types.ObjPsStatusStarting, st.Actual)
	assert.Equal(t, types.ObjPsStatusCreate, st.PrevActual)

	st, err = s.UpdateActual("global.web", types.ObjPsStatusStart)
	require.NoError(t, err)
	assert.Equal(t, types.ObjPsStatusStart, st.Actual)
	assert.Equal(t, types.ObjPsStatusStarting, st.PrevActual)
}

func TestStatusUnchangedIsNoop(t *testing.T) {
	s := newTestStore(t)
	initStatus(t, s, "global.web")

	first, err := s.UpdateWanted("global.web", types.ObjPsStatusStart)
	require.NoError(t, err)
	again, err := s.UpdateWanted("global.web", types.ObjPsStatusStart)
	require.NoError(t, err)

	assert.Equal(t, first.PrevWanted, again.PrevWanted, "repeat write must not clobber the previous value")
	assert.Equal(t, first.UpdatedAt, again.UpdatedAt)
}

func TestStatusMissingKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateWanted("nope", types.ObjPsStatusStart)
	assert.True(t, errdefs.IsNotFound(err))
	_, err = s.UpdateActual("nope", types.ObjPsStatusStart)
	assert.True(t, errdefs.IsNotFound(err))
}
