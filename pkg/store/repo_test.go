package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRepoCrud(t *testing.T) {
	s := newTestStore(t)

	ns := &types.Namespace{Name: "global", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Namespaces.Create(ns))

	err := s.Namespaces.Create(ns)
	assert.True(t, errdefs.IsConflict(err), "duplicate create should conflict, got %v", err)

	got, err := s.Namespaces.ReadByPK("global")
	require.NoError(t, err)
	assert.Equal(t, "global", got.Name)

	_, err = s.Namespaces.ReadByPK("missing")
	assert.True(t, errdefs.IsNotFound(err))

	got.Metadata = []byte(`{"Team":"infra"}`)
	require.NoError(t, s.Namespaces.UpdatePK("global", got))
	got, err = s.Namespaces.ReadByPK("global")
	require.NoError(t, err)
	assert.JSONEq(t, `{"Team":"infra"}`, string(got.Metadata))

	err = s.Namespaces.UpdatePK("missing", got)
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, s.Namespaces.DeleteByPK("global"))
	_, err = s.Namespaces.ReadByPK("global")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRepoEmptyPrimaryKey(t *testing.T) {
	s := newTestStore(t)
	err := s.Namespaces.Create(&types.Namespace{})
	assert.True(t, errdefs.IsBadInput(err))
}

func seedCargoes(t *testing.T, s *Store) {
	t.Helper()
	rows := []types.Cargo{
		{Key: "global.api", Name: "api", NamespaceName: "global"},
		{Key: "global.web", Name: "web", NamespaceName: "global"},
		{Key: "staging.web", Name: "web", NamespaceName: "staging"},
		{Key: "staging.worker", Name: "worker", NamespaceName: "staging"},
	}
	for i := range rows {
		rows[i].CreatedAt = time.Now().UTC()
		require.NoError(t, s.Cargoes.Create(&rows[i]))
	}
}

func TestRepoFilters(t *testing.T) {
	s := newTestStore(t)
	seedCargoes(t, s)

	tests := []struct {
		name   string
		filter *Filter
		want   []string
	}{
		{
			name:   "eq on namespace",
			filter: NewFilter().Where("namespace_name", OpEq, "global"),
			want:   []string{"global.api", "global.web"},
		},
		{
			name:   "ne on namespace",
			filter: NewFilter().Where("namespace_name", OpNe, "global"),
			want:   []string{"staging.web", "staging.worker"},
		},
		{
			name:   "like on key",
			filter: NewFilter().Where("key", OpLike, "%.web"),
			want:   []string{"global.web", "staging.web"},
		},
		{
			name:   "in on name",
			filter: NewFilter().Where("name", OpIn, []string{"api", "worker"}),
			want:   []string{"global.api", "staging.worker"},
		},
		{
			name: "and combines clauses",
			filter: NewFilter().
				Where("namespace_name", OpEq, "staging").
				Where("name", OpEq, "web"),
			want: []string{"staging.web"},
		},
		{
			name:   "no match",
			filter: NewFilter().Where("name", OpEq, "ghost"),
			want:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := s.Cargoes.ReadBy(tt.filter)
			require.NoError(t, err)
			keys := make([]string, 0, len(rows))
			for _, r := range rows {
				keys = append(keys, r.Key)
			}
			assert.ElementsMatch(t, tt.want, keys)
		})
	}
}

func TestRepoUnknownFilterColumn(t *testing.T) {
	s := newTestStore(t)
	seedCargoes(t, s)
	_, err := s.Cargoes.ReadBy(NewFilter().Where("bogus", OpEq, "x"))
	assert.Error(t, err)
}

func TestRepoCountAndDeleteBy(t *testing.T) {
	s := newTestStore(t)
	seedCargoes(t, s)

	n, err := s.Cargoes.CountBy(NewFilter().Where("namespace_name", OpEq, "staging"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	deleted, err := s.Cargoes.DeleteBy(NewFilter().Where("namespace_name", OpEq, "staging"))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	n, err = s.Cargoes.CountBy(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRepoPagination(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 130; i++ {
		ns := &types.Namespace{
			Name:      fmt.Sprintf("ns-%03d", i),
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.Namespaces.Create(ns))
	}

	t.Run("default limit caps reads", func(t *testing.T) {
		rows, err := s.Namespaces.ReadBy(nil)
		require.NoError(t, err)
		assert.Len(t, rows, DefaultLimit)
	})

	t.Run("no limit returns everything", func(t *testing.T) {
		rows, err := s.Namespaces.ReadBy(NewFilter().Page(NoLimit, 0))
		require.NoError(t, err)
		assert.Len(t, rows, 130)
	})

	t.Run("limit and offset window", func(t *testing.T) {
		rows, err := s.Namespaces.ReadBy(NewFilter().
			Order("name", false).
			Page(10, 5))
		require.NoError(t, err)
		require.Len(t, rows, 10)
		assert.Equal(t, "ns-005", rows[0].Name)
		assert.Equal(t, "ns-014", rows[9].Name)
	})

	t.Run("offset past the end", func(t *testing.T) {
		rows, err := s.Namespaces.ReadBy(NewFilter().Page(10, 500))
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("descending order", func(t *testing.T) {
		rows, err := s.Namespaces.ReadBy(NewFilter().
			Order("name", true).
			Page(1, 0))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "ns-129", rows[0].Name)
	})
}

func TestRepoReadOneBy(t *testing.T) {
	s := newTestStore(t)
	seedCargoes(t, s)

	c, err := s.Cargoes.ReadOneBy(NewFilter().Where("key", OpEq, "global.api"))
	require.NoError(t, err)
	assert.Equal(t, "api", c.Name)

	_, err = s.Cargoes.ReadOneBy(NewFilter().Where("key", OpEq, "nope"))
	assert.True(t, errdefs.IsNotFound(err))
}
