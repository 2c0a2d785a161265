package objects

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// JobManager owns the job lifecycle. Jobs carry their containers
// inline, have no namespace and no spec history.
type JobManager struct {
	Deps
}

// Create records a new job.
func (m *JobManager) Create(ctx context.Context, partial *types.JobPartial) (*types.Job, error) {
	if err := validName(partial.Name); err != nil {
		return nil, err
	}
	if len(partial.Containers) == 0 {
		return nil, errdefs.BadInput("job %s has no containers", partial.Name)
	}
	if partial.TTL != nil && *partial.TTL < 0 {
		return nil, errdefs.BadInput("job ttl must be positive")
	}
	now := time.Now().UTC()
	job := &types.Job{
		Name:       partial.Name,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   partial.Metadata,
		Schedule:   partial.Schedule,
		TTL:        partial.TTL,
		Containers: partial.Containers,
	}
	err := m.Store.Update(func(tx *bolt.Tx) error {
		if err := m.Store.Jobs.CreateIn(tx, job); err != nil {
			return err
		}
		_, err := m.Store.InitStatusIn(tx, job.Name, types.ObjPsStatusCreate, types.ObjPsStatusCreate)
		return err
	})
	if err != nil {
		return nil, err
	}
	data, _ := json.Marshal(job)
	m.Bus.Emit(types.EventKindNormal, types.ActionCreate, reason(types.ObjKindJob, types.ActionCreate),
		types.NewActor(types.ObjKindJob, job.Name, job.Name, "", data))
	return job, nil
}

// Inspect resolves a job with its status and instance summary.
func (m *JobManager) Inspect(ctx context.Context, name string) (*types.JobInspect, error) {
	job, err := m.Store.Jobs.ReadByPK(name)
	if err != nil {
		return nil, err
	}
	status, err := m.Store.Statuses.ReadByPK(name)
	if err != nil {
		return nil, err
	}
	stats, err := m.Proc.CountStatus(ctx, types.ObjKindJob, name)
	if err != nil {
		return nil, err
	}
	instances, err := m.Proc.ListByKind(types.ObjKindJob, name)
	if err != nil {
		return nil, err
	}
	return &types.JobInspect{
		Job:             *job,
		Status:          status,
		InstanceTotal:   stats.Total,
		InstanceRunning: stats.Running,
		InstanceSuccess: stats.Success,
		InstanceFailed:  stats.Failed,
		Instances:       instances,
	}, nil
}

// Delete requests destruction of a job. Destroy supersedes any queued
// work for the job; the reconciler removes the instances then purges.
func (m *JobManager) Delete(ctx context.Context, name string) error {
	job, err := m.Store.Jobs.ReadByPK(name)
	if err != nil {
		return err
	}
	if _, err := m.Store.UpdateWanted(name, types.ObjPsStatusDestroy); err != nil {
		return err
	}
	if _, err := m.Store.UpdateActual(name, types.ObjPsStatusDestroying); err != nil {
		return err
	}
	data, _ := json.Marshal(job)
	m.Bus.Emit(types.EventKindNormal, types.ActionDestroying, reason(types.ObjKindJob, types.ActionDestroying),
		types.NewActor(types.ObjKindJob, name, name, "", data))
	return nil
}

// Purge removes the job row and its status.
func (m *JobManager) Purge(ctx context.Context, name string) error {
	return m.Store.Update(func(tx *bolt.Tx) error {
		if err := m.Store.Jobs.DeleteByPKIn(tx, name); err != nil {
			return err
		}
		return m.Store.Statuses.DeleteByPKIn(tx, name)
	})
}

// List returns jobs matching the filter.
func (m *JobManager) List(f *store.Filter) ([]*types.Job, error) {
	return m.Store.Jobs.ReadBy(f)
}

// Count counts jobs matching the filter.
func (m *JobManager) Count(f *store.Filter) (int, error) {
	return m.Store.Jobs.CountBy(f)
}
