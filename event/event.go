// Package event defines the access-control event data model: the immutable
// records that make up a shard group's event log, the hash function used to
// route them to shard groups, and the closed hash ranges shard groups own.
package event

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the variant of an Event and, with it, which key element
// the event hashes on and which payload fields it carries.
type Kind string

const (
	KindUser                   Kind = "User"
	KindGroup                  Kind = "Group"
	KindUserToGroupMapping     Kind = "UserToGroupMapping"
	KindGroupToGroupMapping    Kind = "GroupToGroupMapping"
	KindUserToComponentAccess  Kind = "UserToComponentAccess"
	KindGroupToComponentAccess Kind = "GroupToComponentAccess"
	KindEntityType             Kind = "EntityType"
	KindEntity                 Kind = "Entity"
	KindUserToEntityMapping    Kind = "UserToEntityMapping"
	KindGroupToEntityMapping   Kind = "GroupToEntityMapping"
)

// Action is the mutation an event performs on the access-control graph.
type Action string

const (
	ActionAdd    Action = "Add"
	ActionRemove Action = "Remove"
)

// Primary reports whether kind introduces or retracts an element in its own
// right, as opposed to a secondary mapping that merely references one.
func (k Kind) Primary() bool {
	switch k {
	case KindUser, KindGroup, KindEntityType, KindEntity:
		return true
	default:
		return false
	}
}

// Unfiltered reports whether events of this kind are replicated to every
// shard group regardless of hash range.
func (k Kind) Unfiltered() bool {
	return k == KindEntityType || k == KindEntity
}

// Event is an immutable record of one mutation to the access-control graph.
type Event struct {
	EventID             uuid.UUID
	Kind                Kind
	Action              Action
	OccurredTime        time.Time
	HashCode            int32
	Payload             Payload
	TransactionTime     time.Time
	TransactionSequence int64
}

// Payload carries the 1-3 string fields an event's kind defines. Unused
// fields are left at the zero value; which fields are meaningful is
// determined entirely by Kind.
type Payload struct {
	User        string
	Group       string
	FromGroup   string
	ToGroup     string
	Component   string
	AccessLevel string
	EntityType  string
	Entity      string
}

// KeyElement returns the string form of the event's key element: the value
// hashed to derive HashCode and used to route the event to a shard group.
// Unfiltered kinds (EntityType, Entity) have no key element and return "".
func (e *Event) KeyElement() string {
	switch e.Kind {
	case KindUser, KindUserToGroupMapping, KindUserToComponentAccess, KindUserToEntityMapping:
		return e.Payload.User
	case KindGroup, KindGroupToComponentAccess, KindGroupToEntityMapping:
		return e.Payload.Group
	case KindGroupToGroupMapping:
		return e.Payload.FromGroup
	default:
		return ""
	}
}

// HashCode32 computes the 32-bit signed hash of s used for shard routing.
// The same key element must map to the same shard regardless of which
// process computed the hash, so this must stay a deterministic function of
// the string's bytes. FNV-1a, unlike a runtime's built-in string hash, is
// fully specified by its byte-processing algorithm and reproducible across
// independent implementations.
func HashCode32(s string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int32(h.Sum32())
}

// String renders the event for logging.
func (e *Event) String() string {
	return fmt.Sprintf("Event{id=%s kind=%s action=%s hash=%d txn=(%s,%d)}",
		e.EventID, e.Kind, e.Action, e.HashCode, e.TransactionTime.Format(time.RFC3339Nano), e.TransactionSequence)
}
