// Package store is the daemon's only gateway to persistent state. It
// wraps a bbolt database with typed repositories, composite filter
// predicates and the spec/status registries layered on top.
package store

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/nanocl-io/nanocl/pkg/types"
)

var (
	bucketNamespaces    = "namespaces"
	bucketCargoes       = "cargoes"
	bucketVms           = "vms"
	bucketJobs          = "jobs"
	bucketSpecs         = "specs"
	bucketStatuses      = "statuses"
	bucketProcesses     = "processes"
	bucketSecrets       = "secrets"
	bucketResources     = "resources"
	bucketResourceKinds = "resource_kinds"
	bucketKindVersions  = "resource_kind_versions"
	bucketVmImages      = "vm_images"
	bucketEvents        = "events"
)

// Store is the bbolt-backed gateway. One bucket per entity; values are
// JSON rows keyed by primary key.
type Store struct {
	db *bolt.DB

	Namespaces    *Repo[types.Namespace]
	Cargoes       *Repo[types.Cargo]
	Vms           *Repo[types.Vm]
	Jobs          *Repo[types.Job]
	Specs         *Repo[types.Spec]
	Statuses      *Repo[types.ObjPsStatus]
	Processes     *Repo[types.Process]
	Secrets       *Repo[types.Secret]
	Resources     *Repo[types.Resource]
	ResourceKinds *Repo[types.ResourceKind]
	KindVersions  *Repo[types.ResourceKindVersion]
	VmImages      *Repo[types.VmImage]
	Events        *Repo[types.Event]
}

// New opens (or creates) the store under dataDir.
func New(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "nanocl.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			bucketNamespaces,
			bucketCargoes,
			bucketVms,
			bucketJobs,
			bucketSpecs,
			bucketStatuses,
			bucketProcesses,
			bucketSecrets,
			bucketResources,
			bucketResourceKinds,
			bucketKindVersions,
			bucketVmImages,
			bucketEvents,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	s.declare()
	return s, nil
}

func (s *Store) declare() {
	s.Namespaces = NewRepo(s, bucketNamespaces,
		func(n *types.Namespace) string { return n.Name },
		ColumnMap{
			"name":       Col(ColText, "Name"),
			"created_at": Col(ColTime, "CreatedAt"),
			"metadata":   Col(ColJson, "Metadata"),
		})
	s.Cargoes = NewRepo(s, bucketCargoes,
		func(c *types.Cargo) string { return c.Key },
		ColumnMap{
			"key":            Col(ColText, "Key"),
			"name":           Col(ColText, "Name"),
			"namespace_name": Col(ColText, "NamespaceName"),
			"created_at":     Col(ColTime, "CreatedAt"),
			"spec_key":       Col(ColText, "SpecKey"),
		})
	s.Vms = NewRepo(s, bucketVms,
		func(v *types.Vm) string { return v.Key },
		ColumnMap{
			"key":            Col(ColText, "Key"),
			"name":           Col(ColText, "Name"),
			"namespace_name": Col(ColText, "NamespaceName"),
			"created_at":     Col(ColTime, "CreatedAt"),
			"spec_key":       Col(ColText, "SpecKey"),
		})
	s.Jobs = NewRepo(s, bucketJobs,
		func(j *types.Job) string { return j.Name },
		ColumnMap{
			"name":       Col(ColText, "Name"),
			"created_at": Col(ColTime, "CreatedAt"),
			"updated_at": Col(ColTime, "UpdatedAt"),
			"metadata":   Col(ColJson, "Metadata"),
		})
	s.Specs = NewRepo(s, bucketSpecs,
		func(sp *types.Spec) string { return sp.Key },
		ColumnMap{
			"key":        Col(ColText, "Key"),
			"created_at": Col(ColTime, "CreatedAt"),
			"kind_name":  Col(ColText, "KindName"),
			"kind_key":   Col(ColText, "KindKey"),
			"version":    Col(ColText, "Version"),
			"data":       Col(ColJson, "Data"),
			"metadata":   Col(ColJson, "Metadata"),
		})
	s.Statuses = NewRepo(s, bucketStatuses,
		func(st *types.ObjPsStatus) string { return st.Key },
		ColumnMap{
			"key":         Col(ColText, "Key"),
			"wanted":      Col(ColText, "Wanted"),
			"prev_wanted": Col(ColText, "PrevWanted"),
			"actual":      Col(ColText, "Actual"),
			"prev_actual": Col(ColText, "PrevActual"),
			"updated_at":  Col(ColTime, "UpdatedAt"),
		})
	s.Processes = NewRepo(s, bucketProcesses,
		func(p *types.Process) string { return p.Key },
		ColumnMap{
			"key":        Col(ColText, "Key"),
			"name":       Col(ColText, "Name"),
			"kind":       Col(ColText, "Kind"),
			"kind_key":   Col(ColText, "KindKey"),
			"node_key":   Col(ColText, "NodeKey"),
			"created_at": Col(ColTime, "CreatedAt"),
			"data":       Col(ColJson, "Data"),
		})
	s.Secrets = NewRepo(s, bucketSecrets,
		func(sec *types.Secret) string { return sec.Key },
		ColumnMap{
			"key":        Col(ColText, "Key"),
			"kind":       Col(ColText, "Kind"),
			"created_at": Col(ColTime, "CreatedAt"),
			"updated_at": Col(ColTime, "UpdatedAt"),
			"data":       Col(ColJson, "Data"),
			"metadata":   Col(ColJson, "Metadata"),
		})
	s.Resources = NewRepo(s, bucketResources,
		func(rc *types.Resource) string { return rc.Name },
		ColumnMap{
			"name":       Col(ColText, "Name"),
			"kind":       Col(ColText, "Kind"),
			"created_at": Col(ColTime, "CreatedAt"),
			"spec_key":   Col(ColText, "SpecKey"),
		})
	s.ResourceKinds = NewRepo(s, bucketResourceKinds,
		func(k *types.ResourceKind) string { return k.Name },
		ColumnMap{
			"name":       Col(ColText, "Name"),
			"created_at": Col(ColTime, "CreatedAt"),
		})
	s.KindVersions = NewRepo(s, bucketKindVersions,
		func(v *types.ResourceKindVersion) string { return v.KindName + "/" + v.Version },
		ColumnMap{
			"kind_name":  Col(ColText, "KindName"),
			"version":    Col(ColText, "Version"),
			"created_at": Col(ColTime, "CreatedAt"),
		})
	s.VmImages = NewRepo(s, bucketVmImages,
		func(img *types.VmImage) string { return img.Name },
		ColumnMap{
			"name":       Col(ColText, "Name"),
			"kind":       Col(ColText, "Kind"),
			"parent":     Col(ColText, "Parent"),
			"format":     Col(ColText, "Format"),
			"created_at": Col(ColTime, "CreatedAt"),
		})
	s.Events = NewRepo(s, bucketEvents,
		func(e *types.Event) string { return e.Key },
		ColumnMap{
			"key":        Col(ColText, "Key"),
			"kind":       Col(ColText, "Kind"),
			"action":     Col(ColText, "Action"),
			"reason":     Col(ColText, "Reason"),
			"created_at": Col(ColTime, "CreatedAt"),
			"expires_at": Col(ColTime, "ExpiresAt"),
			"metadata":   Col(ColJson, "Metadata"),
		})
}

// View runs a read-only transaction across repositories.
func (s *Store) View(fn func(tx *bolt.Tx) error) error { return s.db.View(fn) }

// Update runs a read-write transaction across repositories. The whole
// function commits or rolls back as one unit.
func (s *Store) Update(fn func(tx *bolt.Tx) error) error { return s.db.Update(fn) }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
