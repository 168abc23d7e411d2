// Package pollcache holds the poll-cycle scoped aggregation cache shared by
// every pollster of a cycle.
//
// A Cache is created when a cycle starts and dropped when it ends; nothing
// survives across cycles. Each (family, entity) key is computed at most once
// per cycle, so pollsters that derive different meters from the same raw
// counters issue a single query against the inspector.
package pollcache

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache maps a metric family and an entity id to the entity's Aggregate.
type Cache struct {
	mu       sync.Mutex
	families map[string]map[string]*Aggregate

	inflight singleflight.Group
}

// New returns an empty cache for one poll cycle.
func New() *Cache {
	return &Cache{families: make(map[string]map[string]*Aggregate)}
}

// GetOrCompute returns the Aggregate stored for (family, entityID). When none
// is stored, compute is called, its result stored and returned. Concurrent
// callers for the same key wait for a single compute call.
//
// An error from compute is returned as is and nothing is stored.
func (c *Cache) GetOrCompute(family, entityID string, compute func() (*Aggregate, error)) (*Aggregate, error) {
	if agg, ok := c.lookup(family, entityID); ok {
		return agg, nil
	}

	v, err, _ := c.inflight.Do(family+"\x00"+entityID, func() (interface{}, error) {
		// a previous flight may have stored the key between lookup and Do
		if agg, ok := c.lookup(family, entityID); ok {
			return agg, nil
		}
		agg, err := compute()
		if err != nil {
			return nil, err
		}
		c.store(family, entityID, agg)
		return agg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Aggregate), nil
}

// Len returns the number of stored aggregates across all families.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, entities := range c.families {
		n += len(entities)
	}
	return n
}

func (c *Cache) lookup(family, entityID string) (*Aggregate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agg, ok := c.families[family][entityID]
	return agg, ok
}

func (c *Cache) store(family, entityID string, agg *Aggregate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entities, ok := c.families[family]
	if !ok {
		entities = make(map[string]*Aggregate)
		c.families[family] = entities
	}
	entities[entityID] = agg
}
