package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Op is a filter predicate operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpGt       Op = "gt"
	OpLt       Op = "lt"
	OpGte      Op = "gte"
	OpLte      Op = "lte"
	OpLike     Op = "like"
	OpNotLike  Op = "not_like"
	OpIn       Op = "in"
	OpNotIn    Op = "not_in"
	OpHasKey   Op = "has_key"
	OpContains Op = "contains"
)

// ColumnKind drives how a column value is compared.
type ColumnKind int

const (
	ColText ColumnKind = iota
	ColInt
	ColFloat
	ColBool
	ColTime
	ColJson
)

// ColumnSpec declares one filterable column: its kind and the path of
// the field inside the row's JSON document.
type ColumnSpec struct {
	Kind ColumnKind
	Path []string
}

// ColumnMap is the typed column declaration of one entity.
type ColumnMap map[string]ColumnSpec

// Col is a shorthand ColumnSpec constructor for a top-level field.
func Col(kind ColumnKind, path ...string) ColumnSpec {
	return ColumnSpec{Kind: kind, Path: path}
}

// Where is a single (column, predicate) clause.
type Where struct {
	Column string
	Op     Op
	Value  any
}

// Filter is a set of where clauses combined by AND, with ordering and
// pagination. The zero value matches everything.
type Filter struct {
	Wheres  []Where
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// DefaultLimit bounds reads when no explicit limit is given. NoLimit
// disables the bound for internal full scans.
const (
	DefaultLimit = 100
	NoLimit      = -1
)

// NewFilter starts a filter builder.
func NewFilter() *Filter { return &Filter{} }

// Where appends a clause.
func (f *Filter) Where(column string, op Op, value any) *Filter {
	f.Wheres = append(f.Wheres, Where{Column: column, Op: op, Value: value})
	return f
}

// Order sets the ordering column.
func (f *Filter) Order(column string, desc bool) *Filter {
	f.OrderBy = column
	f.Desc = desc
	return f
}

// Page sets limit and offset.
func (f *Filter) Page(limit, offset int) *Filter {
	f.Limit = limit
	f.Offset = offset
	return f
}

// matches evaluates the filter against a decoded row document.
func (f *Filter) matches(doc map[string]any, cols ColumnMap) (bool, error) {
	if f == nil {
		return true, nil
	}
	for _, w := range f.Wheres {
		spec, ok := cols[w.Column]
		if !ok {
			return false, fmt.Errorf("unknown filter column: %s", w.Column)
		}
		val := lookupPath(doc, spec.Path)
		ok, err := evalWhere(spec.Kind, val, w)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func lookupPath(doc map[string]any, path []string) any {
	var cur any = doc
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return cur
}

func evalWhere(kind ColumnKind, val any, w Where) (bool, error) {
	switch w.Op {
	case OpEq, OpNe:
		eq, err := valueEq(kind, val, w.Value)
		if err != nil {
			return false, err
		}
		if w.Op == OpNe {
			return !eq, nil
		}
		return eq, nil
	case OpGt, OpLt, OpGte, OpLte:
		cmp, err := valueCmp(kind, val, w.Value)
		if err != nil {
			return false, err
		}
		switch w.Op {
		case OpGt:
			return cmp > 0, nil
		case OpLt:
			return cmp < 0, nil
		case OpGte:
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpLike, OpNotLike:
		s, _ := val.(string)
		pattern, ok := w.Value.(string)
		if !ok {
			return false, fmt.Errorf("like predicate wants a string pattern")
		}
		m := likeMatch(pattern, s)
		if w.Op == OpNotLike {
			return !m, nil
		}
		return m, nil
	case OpIn, OpNotIn:
		in, err := valueIn(kind, val, w.Value)
		if err != nil {
			return false, err
		}
		if w.Op == OpNotIn {
			return !in, nil
		}
		return in, nil
	case OpHasKey:
		if kind != ColJson {
			return false, fmt.Errorf("has_key predicate wants a json column")
		}
		key, ok := w.Value.(string)
		if !ok {
			return false, fmt.Errorf("has_key predicate wants a string key")
		}
		m, ok := val.(map[string]any)
		if !ok {
			return false, nil
		}
		_, has := m[key]
		return has, nil
	case OpContains:
		if kind != ColJson {
			return false, fmt.Errorf("contains predicate wants a json column")
		}
		want := normalizeJson(w.Value)
		return jsonContains(val, want), nil
	}
	return false, fmt.Errorf("unknown predicate: %s", w.Op)
}

func valueEq(kind ColumnKind, val, want any) (bool, error) {
	switch kind {
	case ColJson:
		return reflect.DeepEqual(normalizeJson(val), normalizeJson(want)), nil
	case ColBool:
		a, _ := val.(bool)
		b, ok := want.(bool)
		if !ok {
			return false, fmt.Errorf("bool column compared with %T", want)
		}
		return a == b, nil
	case ColInt, ColFloat, ColTime:
		cmp, err := valueCmp(kind, val, want)
		if err != nil {
			return false, err
		}
		return cmp == 0, nil
	}
	a, _ := val.(string)
	b, ok := want.(string)
	if !ok {
		return false, fmt.Errorf("text column compared with %T", want)
	}
	return a == b, nil
}

func valueCmp(kind ColumnKind, val, want any) (int, error) {
	switch kind {
	case ColInt, ColFloat:
		a, aok := toFloat(val)
		b, bok := toFloat(want)
		if !aok || !bok {
			return 0, fmt.Errorf("numeric comparison on non-numeric value")
		}
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		}
		return 0, nil
	case ColTime:
		a, err := toTime(val)
		if err != nil {
			return 0, err
		}
		b, err := toTime(want)
		if err != nil {
			return 0, err
		}
		switch {
		case a.Before(b):
			return -1, nil
		case a.After(b):
			return 1, nil
		}
		return 0, nil
	case ColText:
		a, _ := val.(string)
		b, ok := want.(string)
		if !ok {
			return 0, fmt.Errorf("text comparison with %T", want)
		}
		return strings.Compare(a, b), nil
	}
	return 0, fmt.Errorf("column kind does not support ordering comparison")
}

func valueIn(kind ColumnKind, val, set any) (bool, error) {
	rv := reflect.ValueOf(set)
	if rv.Kind() != reflect.Slice {
		return false, fmt.Errorf("in predicate wants a slice, got %T", set)
	}
	for i := 0; i < rv.Len(); i++ {
		eq, err := valueEq(kind, val, rv.Index(i).Interface())
		if err != nil {
			return false, err
		}
		if eq {
			return true, nil
		}
	}
	return false, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		// RFC3339 with optional fractional seconds, always UTC at rest.
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, err
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("not a timestamp: %T", v)
}

// likeMatch implements SQL LIKE with % wildcards.
func likeMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// normalizeJson round-trips a value through JSON so that typed inputs
// compare equal to decoded documents.
func normalizeJson(v any) any {
	switch v.(type) {
	case map[string]any, []any, string, float64, bool, nil:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// jsonContains reports whether want is a JSON-subset of val: every
// object key in want exists in val with a containing value, every array
// element in want has a containing element in val.
func jsonContains(val, want any) bool {
	switch w := want.(type) {
	case map[string]any:
		m, ok := val.(map[string]any)
		if !ok {
			return false
		}
		for k, wv := range w {
			vv, ok := m[k]
			if !ok || !jsonContains(vv, wv) {
				return false
			}
		}
		return true
	case []any:
		arr, ok := val.([]any)
		if !ok {
			return false
		}
		for _, we := range w {
			found := false
			for _, ve := range arr {
				if jsonContains(ve, we) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(val, want)
}

// sortDocs orders row documents by a column in place.
func sortDocs(docs []rowDoc, cols ColumnMap, orderBy string, desc bool) error {
	spec, ok := cols[orderBy]
	if !ok {
		return fmt.Errorf("unknown order column: %s", orderBy)
	}
	var sortErr error
	sort.SliceStable(docs, func(i, j int) bool {
		a := lookupPath(docs[i].doc, spec.Path)
		b := lookupPath(docs[j].doc, spec.Path)
		cmp, err := valueCmp(spec.Kind, a, b)
		if err != nil && sortErr == nil {
			sortErr = err
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
	return sortErr
}

type rowDoc struct {
	key string
	raw []byte
	doc map[string]any
}
