// Package events is the daemon's in-process publish/subscribe bus.
// Every domain mutation emits exactly one event; the reconciler and the
// HTTP raw stream consume them, and a TTL-bounded history is persisted
// for post-hoc inspection.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/nanocl-io/nanocl/pkg/log"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

const (
	// ReportingController stamped on every event the daemon emits.
	ReportingController = "nanocl.io/core"

	// HeartbeatInterval is the raw-subscriber keepalive period.
	HeartbeatInterval = 10 * time.Second

	eventTTL      = 2 * time.Hour
	historyCap    = 4096
	purgeInterval = 10 * time.Minute
)

// Subscriber receives decoded events; consumed by the reconciler.
// Delivery is cooperative: a full subscriber is skipped.
type Subscriber chan *types.Event

// RawSubscriber receives line-delimited JSON frames suitable for HTTP
// chunked transport. A send failure evicts the subscriber.
type RawSubscriber struct {
	C      chan []byte
	closed bool
}

// Bus manages subscriptions and fanout. Emit returns after the event
// is appended to the in-process queue; fanout happens on a background
// goroutine, preserving emission order.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	raw         map[*RawSubscriber]bool
	eventCh     chan *types.Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	store       *store.Store
	node        string

	// OnEmit, when set before Start, observes every emitted event.
	OnEmit func(*types.Event)
}

// New creates a bus persisting history through the given store.
func New(st *store.Store, node string) *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		raw:         make(map[*RawSubscriber]bool),
		eventCh:     make(chan *types.Event, 512),
		stopCh:      make(chan struct{}),
		store:       st,
		node:        node,
	}
}

// Start begins the fanout, heartbeat and purge loops.
func (b *Bus) Start() {
	go b.run()
	go b.heartbeat()
	go b.purge()
}

// Stop stops the bus.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers an internal subscriber.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes an internal subscriber.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// SubscribeRaw registers a raw byte-stream subscriber.
func (b *Bus) SubscribeRaw() *RawSubscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &RawSubscriber{C: make(chan []byte, 64)}
	b.raw[sub] = true
	return sub
}

// UnsubscribeRaw removes a raw subscriber.
func (b *Bus) UnsubscribeRaw(sub *RawSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked(sub)
}

func (b *Bus) evictLocked(sub *RawSubscriber) {
	if b.raw[sub] && !sub.closed {
		delete(b.raw, sub)
		sub.closed = true
		close(sub.C)
	}
}

// Emit builds, persists and enqueues one domain event.
func (b *Bus) Emit(kind types.EventKind, action types.NativeEventAction, reason string, actor *types.EventActor) *types.Event {
	now := time.Now().UTC()
	ev := &types.Event{
		Key:                 uuid.NewString(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(eventTTL),
		ReportingNode:       b.node,
		ReportingController: ReportingController,
		Kind:                kind,
		Action:              action,
		Reason:              reason,
		Actor:               actor,
	}
	b.EmitEvent(ev)
	return ev
}

// EmitWithRelated emits an event carrying a related secondary actor.
func (b *Bus) EmitWithRelated(kind types.EventKind, action types.NativeEventAction, reason string, actor, related *types.EventActor) *types.Event {
	now := time.Now().UTC()
	ev := &types.Event{
		Key:                 uuid.NewString(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(eventTTL),
		ReportingNode:       b.node,
		ReportingController: ReportingController,
		Kind:                kind,
		Action:              action,
		Reason:              reason,
		Actor:               actor,
		Related:             related,
	}
	b.EmitEvent(ev)
	return ev
}

// EmitError emits an Error event carrying the failure note.
func (b *Bus) EmitError(action types.NativeEventAction, reason string, actor *types.EventActor, err error) *types.Event {
	now := time.Now().UTC()
	ev := &types.Event{
		Key:                 uuid.NewString(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(eventTTL),
		ReportingNode:       b.node,
		ReportingController: ReportingController,
		Kind:                types.EventKindError,
		Action:              action,
		Reason:              reason,
		Note:                err.Error(),
		Actor:               actor,
	}
	b.EmitEvent(ev)
	return ev
}

// EmitEvent persists and enqueues a fully built event.
func (b *Bus) EmitEvent(ev *types.Event) {
	if b.OnEmit != nil {
		b.OnEmit(ev)
	}
	if b.store != nil {
		if err := b.store.Events.Create(ev); err != nil {
			log.Errorf("failed to persist event", err)
		}
	}
	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

// SubscriberCount returns the number of active subscribers of both
// kinds.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers) + len(b.raw)
}

func (b *Bus) run() {
	for {
		select {
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(ev *types.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("failed to serialize event", err)
		return
	}
	frame = append(frame, '\n')

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
			// Subscriber buffer full, skip
		}
	}
	for sub := range b.raw {
		select {
		case sub.C <- frame:
		default:
			b.evictLocked(sub)
		}
	}
}

// heartbeat sends empty frames to raw subscribers so dead clients are
// detected and evicted within one interval.
func (b *Bus) heartbeat() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.heartbeatOnce()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) heartbeatOnce() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.raw {
		select {
		case sub.C <- []byte("\n"):
		default:
			b.evictLocked(sub)
		}
	}
}

// purge drops expired history rows and caps the history size.
func (b *Bus) purge() {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.purgeOnce()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) purgeOnce() {
	if b.store == nil {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := b.store.Events.DeleteBy(store.NewFilter().Where("expires_at", store.OpLt, now)); err != nil {
		log.Errorf("failed to purge expired events", err)
		return
	}
	n, err := b.store.Events.CountBy(nil)
	if err != nil || n <= historyCap {
		return
	}
	overflow, err := b.store.Events.ReadBy(store.NewFilter().
		Order("created_at", false).
		Page(n-historyCap, 0))
	if err != nil {
		return
	}
	b.store.Update(func(tx *bolt.Tx) error {
		for _, ev := range overflow {
			if err := b.store.Events.DeleteByPKIn(tx, ev.Key); err != nil {
				return err
			}
		}
		return nil
	})
}
