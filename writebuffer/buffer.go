// Package writebuffer implements the write buffer: the per-operation entry
// points that turn an incoming mutation request into a typed event record,
// stamp it with its identity and arrival time, and hand it to the flush
// strategy.
package writebuffer

import (
	"time"

	"accessgraph.dev/event"
	"accessgraph.dev/flush"

	"github.com/google/uuid"
)

// Buffer is the single-writer entry point a shard group's API handlers call
// into. Every exported method builds the matching event.Kind record and
// forwards it to the underlying flush.Strategy. Buffer itself holds no
// mutable state; flush.Strategy's buffer is already safe for concurrent
// Append calls.
type Buffer struct {
	flush *flush.Strategy
}

// New builds a Buffer that appends to strategy.
func New(strategy *flush.Strategy) *Buffer {
	return &Buffer{flush: strategy}
}

func (b *Buffer) append(kind event.Kind, action event.Action, payload event.Payload) event.Event {
	e := event.Event{
		EventID:      uuid.New(),
		Kind:         kind,
		Action:       action,
		OccurredTime: time.Now().UTC(),
		Payload:      payload,
	}
	e.HashCode = event.HashCode32(e.KeyElement())
	b.flush.Append(e)
	return e
}

// AddUser introduces user into the access-control graph.
func (b *Buffer) AddUser(user string) event.Event {
	return b.append(event.KindUser, event.ActionAdd, event.Payload{User: user})
}

// RemoveUser retracts user.
func (b *Buffer) RemoveUser(user string) event.Event {
	return b.append(event.KindUser, event.ActionRemove, event.Payload{User: user})
}

// AddGroup introduces group.
func (b *Buffer) AddGroup(group string) event.Event {
	return b.append(event.KindGroup, event.ActionAdd, event.Payload{Group: group})
}

// RemoveGroup retracts group.
func (b *Buffer) RemoveGroup(group string) event.Event {
	return b.append(event.KindGroup, event.ActionRemove, event.Payload{Group: group})
}

// AddUserToGroupMapping adds user as a member of group.
func (b *Buffer) AddUserToGroupMapping(user, group string) event.Event {
	return b.append(event.KindUserToGroupMapping, event.ActionAdd, event.Payload{User: user, Group: group})
}

// RemoveUserToGroupMapping removes user's membership in group.
func (b *Buffer) RemoveUserToGroupMapping(user, group string) event.Event {
	return b.append(event.KindUserToGroupMapping, event.ActionRemove, event.Payload{User: user, Group: group})
}

// AddGroupToGroupMapping nests toGroup inside fromGroup.
func (b *Buffer) AddGroupToGroupMapping(fromGroup, toGroup string) event.Event {
	return b.append(event.KindGroupToGroupMapping, event.ActionAdd, event.Payload{FromGroup: fromGroup, ToGroup: toGroup})
}

// RemoveGroupToGroupMapping un-nests toGroup from fromGroup.
func (b *Buffer) RemoveGroupToGroupMapping(fromGroup, toGroup string) event.Event {
	return b.append(event.KindGroupToGroupMapping, event.ActionRemove, event.Payload{FromGroup: fromGroup, ToGroup: toGroup})
}

// AddUserToComponentAccess grants user accessLevel on component.
func (b *Buffer) AddUserToComponentAccess(user, component, accessLevel string) event.Event {
	return b.append(event.KindUserToComponentAccess, event.ActionAdd, event.Payload{User: user, Component: component, AccessLevel: accessLevel})
}

// RemoveUserToComponentAccess revokes user's access to component.
func (b *Buffer) RemoveUserToComponentAccess(user, component, accessLevel string) event.Event {
	return b.append(event.KindUserToComponentAccess, event.ActionRemove, event.Payload{User: user, Component: component, AccessLevel: accessLevel})
}

// AddGroupToComponentAccess grants group accessLevel on component.
func (b *Buffer) AddGroupToComponentAccess(group, component, accessLevel string) event.Event {
	return b.append(event.KindGroupToComponentAccess, event.ActionAdd, event.Payload{Group: group, Component: component, AccessLevel: accessLevel})
}

// RemoveGroupToComponentAccess revokes group's access to component.
func (b *Buffer) RemoveGroupToComponentAccess(group, component, accessLevel string) event.Event {
	return b.append(event.KindGroupToComponentAccess, event.ActionRemove, event.Payload{Group: group, Component: component, AccessLevel: accessLevel})
}

// AddEntityType introduces entityType. EntityType events are unfiltered:
// every shard group stores them regardless of hash range.
func (b *Buffer) AddEntityType(entityType string) event.Event {
	return b.append(event.KindEntityType, event.ActionAdd, event.Payload{EntityType: entityType})
}

// RemoveEntityType retracts entityType.
func (b *Buffer) RemoveEntityType(entityType string) event.Event {
	return b.append(event.KindEntityType, event.ActionRemove, event.Payload{EntityType: entityType})
}

// AddEntity introduces entity of entityType. Entity events are unfiltered.
func (b *Buffer) AddEntity(entityType, entity string) event.Event {
	return b.append(event.KindEntity, event.ActionAdd, event.Payload{EntityType: entityType, Entity: entity})
}

// RemoveEntity retracts entity of entityType.
func (b *Buffer) RemoveEntity(entityType, entity string) event.Event {
	return b.append(event.KindEntity, event.ActionRemove, event.Payload{EntityType: entityType, Entity: entity})
}

// AddUserToEntityMapping grants user a relationship to entity.
func (b *Buffer) AddUserToEntityMapping(user, entityType, entity string) event.Event {
	return b.append(event.KindUserToEntityMapping, event.ActionAdd, event.Payload{User: user, EntityType: entityType, Entity: entity})
}

// RemoveUserToEntityMapping removes user's relationship to entity.
func (b *Buffer) RemoveUserToEntityMapping(user, entityType, entity string) event.Event {
	return b.append(event.KindUserToEntityMapping, event.ActionRemove, event.Payload{User: user, EntityType: entityType, Entity: entity})
}

// AddGroupToEntityMapping grants group a relationship to entity.
func (b *Buffer) AddGroupToEntityMapping(group, entityType, entity string) event.Event {
	return b.append(event.KindGroupToEntityMapping, event.ActionAdd, event.Payload{Group: group, EntityType: entityType, Entity: entity})
}

// RemoveGroupToEntityMapping removes group's relationship to entity.
func (b *Buffer) RemoveGroupToEntityMapping(group, entityType, entity string) event.Event {
	return b.append(event.KindGroupToEntityMapping, event.ActionRemove, event.Payload{Group: group, EntityType: entityType, Entity: entity})
}
