package reconciler

import (
	"context"
	"time"

	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// startJob creates and starts the job's containers in declaration
// order, waiting for each to exit before launching the next. Every
// exit is reported as a process die event so the terminal status
// derivation runs through the same path as external deaths.
func (r *Reconciler) startJob(ctx context.Context, name string) error {
	job, err := r.store.Jobs.ReadByPK(name)
	if err != nil {
		return err
	}
	if _, err := r.store.UpdateActual(name, types.ObjPsStatusStart); err != nil {
		return err
	}
	related := types.NewActor(types.ObjKindJob, name, name, "", nil)
	for _, container := range job.Containers {
		p, err := r.proc.Create(ctx, types.ObjKindJob, name, instanceName(name), &container)
		if err != nil {
			return err
		}
		if err := r.proc.StartOne(ctx, p.Key); err != nil {
			return err
		}
		if _, err := r.proc.WaitOne(ctx, p.Key, types.WaitConditionNotRunning); err != nil {
			return err
		}
		r.bus.EmitWithRelated(types.EventKindNormal, types.ActionDie, "process.die",
			&types.EventActor{Key: p.Key, Kind: types.ObjKindProcess}, related)
	}
	return nil
}

// destroyJob removes the job's containers then its rows.
func (r *Reconciler) destroyJob(ctx context.Context, name string) error {
	if err := r.proc.RemoveByKind(ctx, types.ObjKindJob, name); err != nil {
		return err
	}
	if err := r.objs.Jobs.Purge(ctx, name); err != nil {
		return err
	}
	r.bus.Emit(types.EventKindNormal, types.ActionDestroy, "job.destroy",
		types.NewActor(types.ObjKindJob, name, name, "", nil))
	return nil
}

// processDied derives the terminal status of a job once all of its
// instances stopped, and arms the TTL deletion timer when configured.
func (r *Reconciler) processDied(ev *types.Event) {
	if ev.Related == nil || ev.Related.Kind != types.ObjKindJob {
		return
	}
	name := ev.Related.Key
	job, err := r.store.Jobs.ReadByPK(name)
	if err != nil {
		return
	}
	stats, err := r.proc.CountStatus(context.Background(), types.ObjKindJob, name)
	if err != nil {
		log.WithKey(name).Error().Err(err).Msg("failed to aggregate job instances")
		return
	}
	if stats.Running > 0 || stats.Total < len(job.Containers) {
		return
	}
	outcome := types.ObjPsStatusFinish
	action := types.ActionFinish
	if stats.Failed > 0 {
		outcome = types.ObjPsStatusFail
		action = types.ActionFail
	}
	if _, err := r.store.UpdateActual(name, outcome); err != nil {
		log.WithKey(name).Error().Err(err).Msg("failed to finalize job status")
		return
	}
	r.bus.Emit(types.EventKindNormal, action, "job."+string(action),
		types.NewActor(types.ObjKindJob, name, name, "", nil))
	if job.TTL != nil {
		r.armTTL(name, time.Duration(*job.TTL)*time.Second)
	}
}

// armTTL schedules job deletion once it reached a terminal state.
// Re-arming replaces the previous timer.
func (r *Reconciler) armTTL(name string, after time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[name]; ok {
		t.Stop()
	}
	r.timers[name] = time.AfterFunc(after, func() {
		r.mu.Lock()
		delete(r.timers, name)
		r.mu.Unlock()
		if err := r.objs.Jobs.Delete(context.Background(), name); err != nil {
			log.WithKey(name).Error().Err(err).Msg("job ttl deletion failed")
		}
	})
}

func (r *Reconciler) cancelTTL(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[name]; ok {
		t.Stop()
		delete(r.timers, name)
	}
}
