// Package replaycache implements a bounded in-memory FIFO of the most
// recently persisted events, letting read replicas catch up without
// round-tripping to the event log for every poll. Arrival order is part of
// the contract, not an implementation detail: the cached window is always a
// suffix of the shard group's persisted sequence.
package replaycache

import (
	"container/list"
	"sync"

	"accessgraph.dev/acherrors"
	"accessgraph.dev/event"

	"github.com/google/uuid"
)

// Cache is a bounded FIFO of the most recent N events, indexed by event_id
// for O(1) lookup of "events since X".
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = oldest, back = newest
	byID     map[uuid.UUID]*list.Element
}

// New builds a Cache holding at most capacity events. A non-positive
// capacity is treated as 1, since an unbounded replay cache defeats its own
// purpose.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		byID:     make(map[uuid.UUID]*list.Element),
	}
}

// Insert appends events, in order, to the cache, trimming from the head
// until the cache holds at most capacity events (evicting the corresponding
// map entries). The persister calls Insert after each batch commits.
func (c *Cache) Insert(events []event.Event) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range events {
		elem := c.order.PushBack(e)
		c.byID[e.EventID] = elem
	}
	for c.order.Len() > c.capacity {
		front := c.order.Front()
		evicted := front.Value.(event.Event)
		c.order.Remove(front)
		delete(c.byID, evicted.EventID)
	}
}

// EventsSince returns the events strictly after eventID in insertion order.
// It fails with acherrors.KindEventNotCached if eventID is not currently in
// the cache, either because it was never inserted, or because it has since
// been evicted. The read is atomic with respect to concurrent inserts.
func (c *Cache) EventsSince(eventID uuid.UUID) ([]event.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byID[eventID]
	if !ok {
		return nil, acherrors.New(acherrors.KindEventNotCached, "replaycache.EventsSince", errEventNotCached(eventID))
	}

	var out []event.Event
	for e := elem.Next(); e != nil; e = e.Next() {
		out = append(out, e.Value.(event.Event))
	}
	return out, nil
}

// Len reports how many events are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
