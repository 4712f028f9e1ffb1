package storage

import (
	"fmt"

	"gorm.io/gorm"
)

// EventIDSequence is the per-event-id row recording the moment the bulk
// persister assigned it a position in the total transaction order.
// Every kind-specific event table below carries the event_id that joins it
// to this table (no database foreign key constraint is declared) rather than
// repeating transaction_time/transaction_sequence on every row.
type EventIDSequence struct {
	EventID             string `gorm:"primaryKey;column:event_id"`
	TransactionTime     int64  `gorm:"column:transaction_time;index"`
	TransactionSequence int64  `gorm:"column:transaction_sequence"`
}

func (EventIDSequence) TableName() string { return "event_id_sequence" }

// UserEvent is the persisted row for Kind=User events (element = user).
type UserEvent struct {
	EventID      string `gorm:"primaryKey;column:event_id"`
	Action       string `gorm:"column:action"`
	OccurredTime int64  `gorm:"column:occurred_time"`
	HashCode     int32  `gorm:"column:hash_code;index"`
	User         string `gorm:"column:user_id"`
}

func (UserEvent) TableName() string { return "user_events" }

// GroupEvent is the persisted row for Kind=Group events (element = group).
type GroupEvent struct {
	EventID      string `gorm:"primaryKey;column:event_id"`
	Action       string `gorm:"column:action"`
	OccurredTime int64  `gorm:"column:occurred_time"`
	HashCode     int32  `gorm:"column:hash_code;index"`
	Group        string `gorm:"column:group_id"`
}

func (GroupEvent) TableName() string { return "group_events" }

// UserToGroupMappingEvent is the persisted row for Kind=UserToGroupMapping (element
// = the mapping's user, since that is the key a user shard hashes on).
type UserToGroupMappingEvent struct {
	EventID      string `gorm:"primaryKey;column:event_id"`
	Action       string `gorm:"column:action"`
	OccurredTime int64  `gorm:"column:occurred_time"`
	HashCode     int32  `gorm:"column:hash_code;index"`
	User         string `gorm:"column:user_id"`
	Group        string `gorm:"column:group_id"`
}

func (UserToGroupMappingEvent) TableName() string { return "user_to_group_mapping_events" }

// GroupToGroupMappingEvent is the persisted row for Kind=GroupToGroupMapping
// (element = from_group, the owning group's shard key).
type GroupToGroupMappingEvent struct {
	EventID      string `gorm:"primaryKey;column:event_id"`
	Action       string `gorm:"column:action"`
	OccurredTime int64  `gorm:"column:occurred_time"`
	HashCode     int32  `gorm:"column:hash_code;index"`
	FromGroup    string `gorm:"column:from_group_id"`
	ToGroup      string `gorm:"column:to_group_id"`
}

func (GroupToGroupMappingEvent) TableName() string { return "group_to_group_mapping_events" }

// UserToComponentAccessEvent is the persisted row for Kind=UserToComponentAccess.
type UserToComponentAccessEvent struct {
	EventID      string `gorm:"primaryKey;column:event_id"`
	Action       string `gorm:"column:action"`
	OccurredTime int64  `gorm:"column:occurred_time"`
	HashCode     int32  `gorm:"column:hash_code;index"`
	User         string `gorm:"column:user_id"`
	Component    string `gorm:"column:component"`
	AccessLevel  string `gorm:"column:access_level"`
}

func (UserToComponentAccessEvent) TableName() string { return "user_to_component_access_events" }

// GroupToComponentAccessEvent is the persisted row for Kind=GroupToComponentAccess.
type GroupToComponentAccessEvent struct {
	EventID      string `gorm:"primaryKey;column:event_id"`
	Action       string `gorm:"column:action"`
	OccurredTime int64  `gorm:"column:occurred_time"`
	HashCode     int32  `gorm:"column:hash_code;index"`
	Group        string `gorm:"column:group_id"`
	Component    string `gorm:"column:component"`
	AccessLevel  string `gorm:"column:access_level"`
}

func (GroupToComponentAccessEvent) TableName() string { return "group_to_component_access_events" }

// EntityTypeEvent is the persisted row for Kind=EntityType, an unfiltered kind:
// every shard stores every entity-type event regardless of hash range.
type EntityTypeEvent struct {
	EventID      string `gorm:"primaryKey;column:event_id"`
	Action       string `gorm:"column:action"`
	OccurredTime int64  `gorm:"column:occurred_time"`
	HashCode     int32  `gorm:"column:hash_code"`
	EntityType   string `gorm:"column:entity_type"`
}

func (EntityTypeEvent) TableName() string { return "entity_type_events" }

// EntityEvent is the persisted row for Kind=Entity (element = entity).
type EntityEvent struct {
	EventID      string `gorm:"primaryKey;column:event_id"`
	Action       string `gorm:"column:action"`
	OccurredTime int64  `gorm:"column:occurred_time"`
	HashCode     int32  `gorm:"column:hash_code;index"`
	EntityType   string `gorm:"column:entity_type"`
	Entity       string `gorm:"column:entity"`
}

func (EntityEvent) TableName() string { return "entity_events" }

// UserToEntityMappingEvent is the persisted row for Kind=UserToEntityMapping.
type UserToEntityMappingEvent struct {
	EventID      string `gorm:"primaryKey;column:event_id"`
	Action       string `gorm:"column:action"`
	OccurredTime int64  `gorm:"column:occurred_time"`
	HashCode     int32  `gorm:"column:hash_code;index"`
	User         string `gorm:"column:user_id"`
	EntityType   string `gorm:"column:entity_type"`
	Entity       string `gorm:"column:entity"`
}

func (UserToEntityMappingEvent) TableName() string { return "user_to_entity_mapping_events" }

// GroupToEntityMappingEvent is the persisted row for Kind=GroupToEntityMapping.
type GroupToEntityMappingEvent struct {
	EventID      string `gorm:"primaryKey;column:event_id"`
	Action       string `gorm:"column:action"`
	OccurredTime int64  `gorm:"column:occurred_time"`
	HashCode     int32  `gorm:"column:hash_code;index"`
	Group        string `gorm:"column:group_id"`
	EntityType   string `gorm:"column:entity_type"`
	Entity       string `gorm:"column:entity"`
}

func (GroupToEntityMappingEvent) TableName() string { return "group_to_entity_mapping_events" }

// Migrate runs AutoMigrate for every event table, the one place in the
// codebase GORM touches the database. Everything after startup goes through
// the pgx-backed DB in postgres.go.
func Migrate(gdb *gorm.DB) error {
	models := []interface{}{
		&EventIDSequence{},
		&UserEvent{},
		&GroupEvent{},
		&UserToGroupMappingEvent{},
		&GroupToGroupMappingEvent{},
		&UserToComponentAccessEvent{},
		&GroupToComponentAccessEvent{},
		&EntityTypeEvent{},
		&EntityEvent{},
		&UserToEntityMappingEvent{},
		&GroupToEntityMappingEvent{},
	}
	for _, m := range models {
		if err := gdb.AutoMigrate(m); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", m, err)
		}
	}
	return nil
}
