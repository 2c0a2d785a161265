// Package tasks serializes long-running reconciliation work per object
// key. Tasks added under the same key run one at a time in add order;
// distinct keys proceed concurrently.
package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// Key builds the task key "{actor_kind}@{object_key}".
func Key(kind types.ObjKind, objKey string) string {
	return fmt.Sprintf("%s@%s", kind, objKey)
}

// RunFn is the body of a task. It observes cancellation through ctx.
type RunFn func(ctx context.Context) error

// ErrorFn is invoked when a task fails; it is expected to set the
// object's actual status to Fail and emit an error event.
type ErrorFn func(action types.NativeEventAction, err error)

type task struct {
	action  types.NativeEventAction
	run     RunFn
	onError ErrorFn
}

type keyQueue struct {
	pending []*task
	cancel  context.CancelFunc
	drained chan struct{}
}

// Manager owns the per-key queues.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*keyQueue
}

// New creates an empty task manager.
func New() *Manager {
	return &Manager{queues: make(map[string]*keyQueue)}
}

// AddTask enqueues a task under key. If a task is queued or running for
// that key the new one runs after it.
func (m *Manager) AddTask(key string, action types.NativeEventAction, run RunFn, onError ErrorFn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &task{action: action, run: run, onError: onError}
	q, ok := m.queues[key]
	if !ok {
		q = &keyQueue{drained: make(chan struct{})}
		m.queues[key] = q
		q.pending = append(q.pending, t)
		go m.worker(key, q)
		return
	}
	q.pending = append(q.pending, t)
}

// WaitTask blocks until the task queue for key, if any, has drained.
func (m *Manager) WaitTask(key string) {
	m.mu.Lock()
	q, ok := m.queues[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	drained := q.drained
	m.mu.Unlock()
	<-drained
}

// RemoveTask cancels any queued or running task for key. Used when a
// destroy supersedes prior work. Side effects already performed are not
// rolled back; the next reconciliation converges.
func (m *Manager) RemoveTask(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		return
	}
	q.pending = nil
	if q.cancel != nil {
		q.cancel()
	}
}

// Running reports whether a task is queued or running for key.
func (m *Manager) Running(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[key]
	return ok
}

func (m *Manager) worker(key string, q *keyQueue) {
	for {
		m.mu.Lock()
		if len(q.pending) == 0 {
			delete(m.queues, key)
			close(q.drained)
			m.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		m.mu.Unlock()

		err := t.run(ctx)
		canceled := ctx.Err() != nil

		m.mu.Lock()
		q.cancel = nil
		m.mu.Unlock()
		cancel()

		if err != nil && !canceled {
			log.WithKey(key).Error().Err(err).Str("action", string(t.action)).Msg("task failed")
			if t.onError != nil {
				t.onError(t.action, err)
			}
		}
	}
}
