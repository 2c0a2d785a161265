package metrics

import (
	"time"

	"github.com/nanocl-io/nanocl/pkg/events"
	"github.com/nanocl-io/nanocl/pkg/store"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// Collector samples inventory gauges from the store.
type Collector struct {
	store  *store.Store
	bus    *events.Bus
	stopCh chan struct{}
}

// NewCollector creates a collector.
func NewCollector(st *store.Store, bus *events.Bus) *Collector {
	return &Collector{store: st, bus: bus, stopCh: make(chan struct{})}
}

// Start begins sampling every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if n, err := c.store.Namespaces.CountBy(nil); err == nil {
		NamespacesTotal.Set(float64(n))
	}
	if n, err := c.store.Cargoes.CountBy(nil); err == nil {
		CargoesTotal.Set(float64(n))
	}
	if n, err := c.store.Vms.CountBy(nil); err == nil {
		VmsTotal.Set(float64(n))
	}
	if n, err := c.store.Jobs.CountBy(nil); err == nil {
		JobsTotal.Set(float64(n))
	}
	if n, err := c.store.Secrets.CountBy(nil); err == nil {
		SecretsTotal.Set(float64(n))
	}
	if n, err := c.store.Resources.CountBy(nil); err == nil {
		ResourcesTotal.Set(float64(n))
	}
	for _, kind := range []types.ObjKind{types.ObjKindCargo, types.ObjKindVm, types.ObjKindJob} {
		n, err := c.store.Processes.CountBy(store.NewFilter().
			Where("kind", store.OpEq, string(kind)))
		if err != nil {
			continue
		}
		ProcessesTotal.WithLabelValues(string(kind)).Set(float64(n))
	}
	EventSubscribers.Set(float64(c.bus.SubscriberCount()))
}
