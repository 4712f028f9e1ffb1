package eventlog

import (
	"fmt"
	"strings"

	"accessgraph.dev/event"
)

// payloadAliases are the column names every kind-specific table's rows are
// projected onto in the union view each query runs against. A table that
// doesn't carry a given field projects NULL for it.
var payloadAliases = []string{
	"user_id", "group_id", "from_group_id", "to_group_id",
	"component", "access_level", "entity_type", "entity",
}

type tableSpec struct {
	kind event.Kind
	name string
	// cols maps a payload alias to the actual column name in this table.
	// Aliases absent from cols are NULL in this table's rows.
	cols map[string]string
}

var tableSpecs = []tableSpec{
	{event.KindUser, "user_events", map[string]string{"user_id": "user_id"}},
	{event.KindGroup, "group_events", map[string]string{"group_id": "group_id"}},
	{event.KindUserToGroupMapping, "user_to_group_mapping_events", map[string]string{"user_id": "user_id", "group_id": "group_id"}},
	{event.KindGroupToGroupMapping, "group_to_group_mapping_events", map[string]string{"from_group_id": "from_group_id", "to_group_id": "to_group_id"}},
	{event.KindUserToComponentAccess, "user_to_component_access_events", map[string]string{"user_id": "user_id", "component": "component", "access_level": "access_level"}},
	{event.KindGroupToComponentAccess, "group_to_component_access_events", map[string]string{"group_id": "group_id", "component": "component", "access_level": "access_level"}},
	{event.KindEntityType, "entity_type_events", map[string]string{"entity_type": "entity_type"}},
	{event.KindEntity, "entity_events", map[string]string{"entity_type": "entity_type", "entity": "entity"}},
	{event.KindUserToEntityMapping, "user_to_entity_mapping_events", map[string]string{"user_id": "user_id", "entity_type": "entity_type", "entity": "entity"}},
	{event.KindGroupToEntityMapping, "group_to_entity_mapping_events", map[string]string{"group_id": "group_id", "entity_type": "entity_type", "entity": "entity"}},
}

func tableSpecFor(kind event.Kind) tableSpec {
	for _, ts := range tableSpecs {
		if ts.kind == kind {
			return ts
		}
	}
	panic(fmt.Sprintf("eventlog: no table registered for kind %q", kind))
}

// selectSQL renders ts's rows onto the common (kind, event_id, action,
// occurred_time, hash_code, transaction_time, transaction_sequence, <payload
// aliases>) projection joined against the transaction-order sequence table.
func (ts tableSpec) selectSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT '%s' AS kind, t.event_id, t.action, t.occurred_time, t.hash_code, s.transaction_time, s.transaction_sequence",
		ts.kind)
	for _, alias := range payloadAliases {
		if col, ok := ts.cols[alias]; ok {
			fmt.Fprintf(&b, ", t.%s AS %s", col, alias)
		} else {
			fmt.Fprintf(&b, ", NULL::text AS %s", alias)
		}
	}
	fmt.Fprintf(&b, " FROM %s t JOIN event_id_sequence s ON s.event_id = t.event_id", ts.name)
	return b.String()
}

// unionAllSQL returns the union, across every kind table, of the projection
// selectSQL renders. Every read operation in store.go queries against this
// single view.
func unionAllSQL() string {
	parts := make([]string, len(tableSpecs))
	for i, ts := range tableSpecs {
		parts[i] = ts.selectSQL()
	}
	return strings.Join(parts, " UNION ALL ")
}
