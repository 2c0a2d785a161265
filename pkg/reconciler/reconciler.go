// Package reconciler drives desired state to actual state. A single
// loop consumes the event bus, derives the work to do per actor kind
// and action, and submits it to the task manager so conflicting work on
// one object never overlaps.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/nanocl-io/nanocl/pkg/events"
	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/metrics"
	"github.com/nanocl-io/nanocl/pkg/objects"
	"github.com/nanocl-io/nanocl/pkg/process"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/tasks"
	"github.com/nanocl-io/nanocl/pkg/types"
	"github.com/nanocl-io/nanocl/pkg/vmimage"
)

// rollbackDelay is how long a failed rollout waits before removing the
// instances it created.
const rollbackDelay = 2 * time.Second

// Reconciler is the daemon's event loop.
type Reconciler struct {
	store  *store.Store
	bus    *events.Bus
	tasks  *tasks.Manager
	proc   *process.Controller
	objs   *objects.Manager
	images *vmimage.Manager

	sub      events.Subscriber
	stopCh   chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New wires the reconciler.
func New(st *store.Store, bus *events.Bus, tm *tasks.Manager, proc *process.Controller, objs *objects.Manager, images *vmimage.Manager) *Reconciler {
	return &Reconciler{
		store:  st,
		bus:    bus,
		tasks:  tm,
		proc:   proc,
		objs:   objs,
		images: images,
		stopCh: make(chan struct{}),
		timers: make(map[string]*time.Timer),
	}
}

// Start subscribes to the bus and runs the loop.
func (r *Reconciler) Start() {
	r.sub = r.bus.Subscribe()
	go r.run()
}

// Stop stops the loop and cancels pending TTL timers.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.bus.Unsubscribe(r.sub)
		r.mu.Lock()
		for key, t := range r.timers {
			t.Stop()
			delete(r.timers, key)
		}
		r.mu.Unlock()
	})
}

func (r *Reconciler) run() {
	for {
		select {
		case ev, ok := <-r.sub:
			if !ok {
				return
			}
			r.dispatch(ev)
		case <-r.stopCh:
			return
		}
	}
}

// dispatch derives the task for one event. Error and warning events
// are not acted on.
func (r *Reconciler) dispatch(ev *types.Event) {
	if ev.Kind != types.EventKindNormal || ev.Actor == nil {
		return
	}
	kind := ev.Actor.Kind
	key := ev.Actor.Key
	switch kind {
	case types.ObjKindCargo, types.ObjKindVm:
		switch ev.Action {
		case types.ActionStarting:
			r.schedule(kind, key, ev.Action, func(ctx context.Context) error {
				return r.startOwner(ctx, kind, key, ev.Actor)
			})
		case types.ActionStopping:
			r.schedule(kind, key, ev.Action, func(ctx context.Context) error {
				return r.stopOwner(ctx, kind, key)
			})
		case types.ActionUpdating:
			r.schedule(kind, key, ev.Action, func(ctx context.Context) error {
				return r.updateOwner(ctx, kind, key, ev.Actor)
			})
		case types.ActionDestroying:
			r.schedule(kind, key, ev.Action, func(ctx context.Context) error {
				return r.destroyOwner(ctx, kind, key)
			})
		}
	case types.ObjKindJob:
		switch ev.Action {
		case types.ActionStarting:
			r.schedule(kind, key, ev.Action, func(ctx context.Context) error {
				return r.startJob(ctx, key)
			})
		case types.ActionDestroying:
			// Destroy supersedes anything queued for the job.
			r.tasks.RemoveTask(tasks.Key(kind, key))
			r.cancelTTL(key)
			r.schedule(kind, key, ev.Action, func(ctx context.Context) error {
				return r.destroyJob(ctx, key)
			})
		}
	case types.ObjKindSecret:
		if ev.Action == types.ActionUpdate {
			r.fanoutSecret(key)
		}
	case types.ObjKindProcess:
		if ev.Action == types.ActionDie {
			r.processDied(ev)
		}
	}
}

// schedule hands work to the per-key task queue so the dispatch loop
// never blocks on a slow rollout; the queue runs tasks for one key in
// add order. Errors mark the object failed.
func (r *Reconciler) schedule(kind types.ObjKind, key string, action types.NativeEventAction, run tasks.RunFn) {
	taskKey := tasks.Key(kind, key)
	r.tasks.AddTask(taskKey, action, run, func(action types.NativeEventAction, err error) {
		r.failOwner(kind, key, action, err)
	})
}

// terminalAction maps an in-flight action to the action reported when
// it fails.
func terminalAction(action types.NativeEventAction) types.NativeEventAction {
	switch action {
	case types.ActionStarting:
		return types.ActionStart
	case types.ActionStopping:
		return types.ActionStop
	case types.ActionUpdating:
		return types.ActionUpdate
	case types.ActionDestroying:
		return types.ActionDestroy
	}
	return action
}

func (r *Reconciler) failOwner(kind types.ObjKind, key string, action types.NativeEventAction, err error) {
	metrics.TasksFailed.Inc()
	if _, serr := r.store.UpdateActual(key, types.ObjPsStatusFail); serr != nil {
		log.WithKey(key).Error().Err(serr).Msg("failed to mark object failed")
	}
	r.bus.EmitError(terminalAction(action), string(kind)+" reconciliation failed",
		&types.EventActor{Key: key, Kind: kind}, err)
}
