package merger

import (
	"fmt"

	"accessgraph.dev/acherrors"
	"accessgraph.dev/event"
)

// SourceIndex identifies which of the two merge sources an event came from.
// The merge algorithm tie-breaks equal (transaction_time, transaction_sequence)
// pairs by giving Source1 priority over Source2.
type SourceIndex int

const (
	Source1 SourceIndex = 1
	Source2 SourceIndex = 2
)

// primaryIdentity returns the identity string a primary-kind event is tracked
// under for duplicate filtering. Unlike Event.KeyElement (which is blank for
// the unfiltered kinds), every primary kind has an identity here because the
// filter must track EntityType/Entity presence too.
func primaryIdentity(e *event.Event) string {
	switch e.Kind {
	case event.KindUser:
		return e.Payload.User
	case event.KindGroup:
		return e.Payload.Group
	case event.KindEntityType:
		return e.Payload.EntityType
	case event.KindEntity:
		// Entities are only unique within their type.
		return e.Payload.EntityType + "/" + e.Payload.Entity
	default:
		return ""
	}
}

// DuplicateFilter is a per-kind, per-element presence state machine that
// suppresses the second occurrence of an Add and any premature Remove for a
// primary element present in both source shard groups, since the merge
// otherwise produces a duplicate Add followed by a spurious Remove.
type DuplicateFilter struct {
	ignoreInvalidEvents bool
	onInvalid           func(e *event.Event, reason string)

	// presence[kind][identity] is true once that source has seen (and not
	// since cleared) an Add for that identity.
	presence [2]map[event.Kind]map[string]bool
}

// NewDuplicateFilter builds a filter. ignoreInvalidEvents controls whether
// malformed source data (a duplicate Add within one source, or a Remove
// with no prior Add) raises MergeIntegrityError or is merely reported via
// onInvalid and dropped. onInvalid may be nil.
func NewDuplicateFilter(ignoreInvalidEvents bool, onInvalid func(e *event.Event, reason string)) *DuplicateFilter {
	return &DuplicateFilter{
		ignoreInvalidEvents: ignoreInvalidEvents,
		onInvalid:           onInvalid,
		presence: [2]map[event.Kind]map[string]bool{
			make(map[event.Kind]map[string]bool),
			make(map[event.Kind]map[string]bool),
		},
	}
}

func (f *DuplicateFilter) set(src SourceIndex, kind event.Kind) map[string]bool {
	m := f.presence[src-1]
	if m[kind] == nil {
		m[kind] = make(map[string]bool)
	}
	return m[kind]
}

// Admit applies the duplicate filter to e, which arrived from src. It
// returns (true, nil) if e should be forwarded to the target, (false, nil)
// if e should be silently dropped (a legitimate duplicate), and a non-nil
// error (of KindMergeIntegrityError) if e represents malformed source data
// and ignoreInvalidEvents is false. Secondary (non-primary) events always
// pass through unfiltered; their consistency follows from each source's own
// ordering guarantees.
func (f *DuplicateFilter) Admit(e *event.Event, src SourceIndex) (bool, error) {
	if !e.Kind.Primary() {
		return true, nil
	}

	identity := primaryIdentity(e)
	self := f.set(src, e.Kind)
	other := f.set(otherSource(src), e.Kind)

	switch e.Action {
	case event.ActionAdd:
		if self[identity] {
			return f.reject(e, fmt.Sprintf("duplicate Add for %q already present via source %d", identity, src))
		}
		// Presence is marked even when the Add is dropped as a duplicate:
		// the element does exist in this source, and a later Remove from
		// here must be suppressed while the other source still holds it.
		self[identity] = true
		if other[identity] {
			return false, nil
		}
		return true, nil

	case event.ActionRemove:
		if !self[identity] {
			return f.reject(e, fmt.Sprintf("Remove for %q not previously added via source %d", identity, src))
		}
		self[identity] = false
		if other[identity] {
			return false, nil
		}
		return true, nil

	default:
		return true, nil
	}
}

func (f *DuplicateFilter) reject(e *event.Event, reason string) (bool, error) {
	if f.ignoreInvalidEvents {
		if f.onInvalid != nil {
			f.onInvalid(e, reason)
		}
		return false, nil
	}
	return false, acherrors.New(acherrors.KindMergeIntegrityError, "merger.DuplicateFilter.Admit", fmt.Errorf("%s", reason))
}

func otherSource(src SourceIndex) SourceIndex {
	if src == Source1 {
		return Source2
	}
	return Source1
}
