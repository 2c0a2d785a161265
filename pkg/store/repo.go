package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
)

// Repo is the uniform typed repository surface over one entity bucket.
// Rows are stored as JSON documents keyed by primary key; filters are
// evaluated against the decoded document through the entity's column
// map. All mutations run inside a single transaction.
type Repo[T any] struct {
	name   string
	bucket []byte
	store  *Store
	pk     func(*T) string
	cols   ColumnMap
}

// NewRepo declares a repository for one entity.
func NewRepo[T any](s *Store, bucket string, pk func(*T) string, cols ColumnMap) *Repo[T] {
	return &Repo[T]{
		name:   bucket,
		bucket: []byte(bucket),
		store:  s,
		pk:     pk,
		cols:   cols,
	}
}

// Columns returns the entity's column map.
func (r *Repo[T]) Columns() ColumnMap { return r.cols }

// ReadByPK reads one row by primary key.
func (r *Repo[T]) ReadByPK(key string) (*T, error) {
	var out *T
	err := r.store.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = r.ReadByPKIn(tx, key)
		return err
	})
	return out, err
}

// ReadByPKIn is ReadByPK inside an open transaction.
func (r *Repo[T]) ReadByPKIn(tx *bolt.Tx, key string) (*T, error) {
	data := tx.Bucket(r.bucket).Get([]byte(key))
	if data == nil {
		return nil, errdefs.NotFound("%s not found: %s", r.name, key)
	}
	var obj T
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("corrupt %s row %s: %w", r.name, key, err)
	}
	return &obj, nil
}

// ReadOneBy reads the first row matching the filter.
func (r *Repo[T]) ReadOneBy(f *Filter) (*T, error) {
	rows, err := r.ReadBy(limited(f, 1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errdefs.NotFound("%s not found", r.name)
	}
	return rows[0], nil
}

// ReadBy reads all rows matching the filter, ordered and paginated.
func (r *Repo[T]) ReadBy(f *Filter) ([]*T, error) {
	var out []*T
	err := r.store.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = r.ReadByIn(tx, f)
		return err
	})
	return out, err
}

// ReadByIn is ReadBy inside an open transaction.
func (r *Repo[T]) ReadByIn(tx *bolt.Tx, f *Filter) ([]*T, error) {
	docs, err := r.matchIn(tx, f)
	if err != nil {
		return nil, err
	}
	if f != nil && f.OrderBy != "" {
		if err := sortDocs(docs, r.cols, f.OrderBy, f.Desc); err != nil {
			return nil, err
		}
	}
	docs = paginate(docs, f)
	out := make([]*T, 0, len(docs))
	for _, d := range docs {
		var obj T
		if err := json.Unmarshal(d.raw, &obj); err != nil {
			return nil, fmt.Errorf("corrupt %s row %s: %w", r.name, d.key, err)
		}
		out = append(out, &obj)
	}
	return out, nil
}

// Create inserts a row; the primary key must be unused.
func (r *Repo[T]) Create(obj *T) error {
	return r.store.db.Update(func(tx *bolt.Tx) error {
		return r.CreateIn(tx, obj)
	})
}

// CreateIn is Create inside an open transaction.
func (r *Repo[T]) CreateIn(tx *bolt.Tx, obj *T) error {
	key := r.pk(obj)
	if key == "" {
		return errdefs.BadInput("%s: empty primary key", r.name)
	}
	b := tx.Bucket(r.bucket)
	if b.Get([]byte(key)) != nil {
		return errdefs.Conflict("%s already exists: %s", r.name, key)
	}
	return r.putIn(tx, key, obj)
}

// UpdatePK overwrites the row at key; the row must exist.
func (r *Repo[T]) UpdatePK(key string, obj *T) error {
	return r.store.db.Update(func(tx *bolt.Tx) error {
		return r.UpdatePKIn(tx, key, obj)
	})
}

// UpdatePKIn is UpdatePK inside an open transaction.
func (r *Repo[T]) UpdatePKIn(tx *bolt.Tx, key string, obj *T) error {
	b := tx.Bucket(r.bucket)
	if b.Get([]byte(key)) == nil {
		return errdefs.NotFound("%s not found: %s", r.name, key)
	}
	return r.putIn(tx, key, obj)
}

func (r *Repo[T]) putIn(tx *bolt.Tx, key string, obj *T) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal %s row: %w", r.name, err)
	}
	return tx.Bucket(r.bucket).Put([]byte(key), data)
}

// DeleteByPK deletes one row by primary key.
func (r *Repo[T]) DeleteByPK(key string) error {
	return r.store.db.Update(func(tx *bolt.Tx) error {
		return r.DeleteByPKIn(tx, key)
	})
}

// DeleteByPKIn is DeleteByPK inside an open transaction.
func (r *Repo[T]) DeleteByPKIn(tx *bolt.Tx, key string) error {
	return tx.Bucket(r.bucket).Delete([]byte(key))
}

// DeleteBy deletes all rows matching the filter and returns the count.
func (r *Repo[T]) DeleteBy(f *Filter) (int, error) {
	var n int
	err := r.store.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = r.DeleteByIn(tx, f)
		return err
	})
	return n, err
}

// DeleteByIn is DeleteBy inside an open transaction.
func (r *Repo[T]) DeleteByIn(tx *bolt.Tx, f *Filter) (int, error) {
	docs, err := r.matchIn(tx, f)
	if err != nil {
		return 0, err
	}
	b := tx.Bucket(r.bucket)
	for _, d := range docs {
		if err := b.Delete([]byte(d.key)); err != nil {
			return 0, err
		}
	}
	return len(docs), nil
}

// CountBy counts rows matching the filter, ignoring pagination.
func (r *Repo[T]) CountBy(f *Filter) (int, error) {
	var n int
	err := r.store.db.View(func(tx *bolt.Tx) error {
		docs, err := r.matchIn(tx, f)
		if err != nil {
			return err
		}
		n = len(docs)
		return nil
	})
	return n, err
}

// CountByIn is CountBy inside an open transaction.
func (r *Repo[T]) CountByIn(tx *bolt.Tx, f *Filter) (int, error) {
	docs, err := r.matchIn(tx, f)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (r *Repo[T]) matchIn(tx *bolt.Tx, f *Filter) ([]rowDoc, error) {
	var docs []rowDoc
	err := tx.Bucket(r.bucket).ForEach(func(k, v []byte) error {
		var doc map[string]any
		if err := json.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("corrupt %s row %s: %w", r.name, k, err)
		}
		ok, err := f.matches(doc, r.cols)
		if err != nil {
			return err
		}
		if ok {
			raw := make([]byte, len(v))
			copy(raw, v)
			docs = append(docs, rowDoc{key: string(k), raw: raw, doc: doc})
		}
		return nil
	})
	return docs, err
}

func limited(f *Filter, n int) *Filter {
	if f == nil {
		f = NewFilter()
	}
	c := *f
	c.Limit = n
	return &c
}

func paginate(docs []rowDoc, f *Filter) []rowDoc {
	offset, limit := 0, DefaultLimit
	if f != nil {
		if f.Offset > 0 {
			offset = f.Offset
		}
		if f.Limit > 0 || f.Limit == NoLimit {
			limit = f.Limit
		}
	}
	if offset >= len(docs) {
		return nil
	}
	docs = docs[offset:]
	if limit != NoLimit && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs
}
