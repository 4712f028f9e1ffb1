// Package shardconfig holds the shard configuration types that describe
// which shard-group endpoint owns which hash range, for which data element
// and operation kind.
package shardconfig

import (
	"fmt"

	"accessgraph.dev/acherrors"
)

// DataElement is one of the three kinds of shard group a ShardConfiguration
// can describe.
type DataElement string

const (
	DataElementUser                DataElement = "User"
	DataElementGroup               DataElement = "Group"
	DataElementGroupToGroupMapping DataElement = "GroupToGroupMapping"
)

// Operation distinguishes the read side (Query) of a shard group from the
// write side (Event), which may have distinct endpoints.
type Operation string

const (
	OperationQuery Operation = "Query"
	OperationEvent Operation = "Event"
)

// Key is the (data element, operation, hash range start) tuple that
// uniquely identifies a ShardConfiguration within a set.
type Key struct {
	DataElement    DataElement
	Operation      Operation
	HashRangeStart int32
}

// Configuration describes one shard group's endpoint for one (data element,
// operation) pair.
type Configuration struct {
	DataElement    DataElement
	Operation      Operation
	HashRangeStart int32
	ClientEndpoint string

	// StorageConnection is the shard's database connection string, carried
	// through from the instance-constructor API. Routing and migration never
	// dereference it; it exists so a node can hand it to its own storage
	// layer when it discovers it now owns a range.
	StorageConnection string
}

func (c Configuration) key() Key {
	return c.Key()
}

// Key returns the (DataElement, Operation, HashRangeStart) tuple that
// identifies c within a Set.
func (c Configuration) Key() Key {
	return Key{DataElement: c.DataElement, Operation: c.Operation, HashRangeStart: c.HashRangeStart}
}

// Set is an order-insensitive collection of Configurations, keyed by
// (DataElement, Operation, HashRangeStart). Duplicate keys are rejected at
// construction.
type Set struct {
	byKey map[Key]Configuration
}

// NewSet builds a Set from configs, returning acherrors.KindDuplicateShardConfiguration
// if any two configs share a key.
func NewSet(configs ...Configuration) (*Set, error) {
	s := &Set{byKey: make(map[Key]Configuration, len(configs))}
	for _, c := range configs {
		if err := s.add(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Set) add(c Configuration) error {
	k := c.key()
	if _, exists := s.byKey[k]; exists {
		return acherrors.New(acherrors.KindDuplicateShardConfiguration, "shardconfig.Set.add",
			fmt.Errorf("duplicate configuration for dataElement=%s operation=%s hashRangeStart=%d", c.DataElement, c.Operation, c.HashRangeStart))
	}
	s.byKey[k] = c
	return nil
}

// Add returns a new Set containing s's configurations plus c. s is left
// unmodified.
func (s *Set) Add(c Configuration) (*Set, error) {
	next := &Set{byKey: make(map[Key]Configuration, len(s.byKey)+1)}
	for k, v := range s.byKey {
		next.byKey[k] = v
	}
	if err := next.add(c); err != nil {
		return nil, err
	}
	return next, nil
}

// Replace returns a new Set with the configuration matching key removed and
// replacement installed under its own key. Used by the splitter/merger to
// repoint a hash range at a new endpoint without a full reload; replacing
// several keys with the same replacement (as a merge does) collapses them
// into one entry.
func (s *Set) Replace(key Key, replacement Configuration) *Set {
	next := &Set{byKey: make(map[Key]Configuration, len(s.byKey))}
	for k, v := range s.byKey {
		if k == key {
			continue
		}
		next.byKey[k] = v
	}
	next.byKey[replacement.Key()] = replacement
	return next
}

// All returns every configuration in the set, in no particular order.
func (s *Set) All() []Configuration {
	out := make([]Configuration, 0, len(s.byKey))
	for _, v := range s.byKey {
		out = append(out, v)
	}
	return out
}

// Lookup returns the configuration registered for key, if any.
func (s *Set) Lookup(key Key) (Configuration, bool) {
	c, ok := s.byKey[key]
	return c, ok
}

// Equal reports whether s and other contain exactly the same tuples,
// independent of order.
func (s *Set) Equal(other *Set) bool {
	if other == nil || len(s.byKey) != len(other.byKey) {
		return false
	}
	for k, v := range s.byKey {
		ov, ok := other.byKey[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Len returns the number of configurations in the set.
func (s *Set) Len() int { return len(s.byKey) }
