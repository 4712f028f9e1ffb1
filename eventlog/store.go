// Package eventlog implements the event log store: the single append-only,
// totally-ordered record of every access-control mutation a shard group has
// accepted, held in the kind-partitioned relational layout
// storage/schema.go defines and queried through a union view across the
// kind tables. All storage calls retry transient errors through
// acherrors.Retry.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"accessgraph.dev/acherrors"
	"accessgraph.dev/event"
	"accessgraph.dev/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// Store is the durable event log for one shard group.
type Store struct {
	db          *storage.DB
	retryPolicy acherrors.RetryPolicy
}

// NewStore builds a Store over db, retrying transient storage errors per
// acherrors.DefaultRetryPolicy.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db, retryPolicy: acherrors.DefaultRetryPolicy()}
}

// AppendBatch atomically commits events, stamping every event with the same
// transaction_time (the batch commit instant) and distinct
// transaction_sequence values 0..n-1. An empty batch commits cleanly
// without touching storage. Returns the stamped events in the order they
// were committed.
func (s *Store) AppendBatch(ctx context.Context, events []event.Event) ([]event.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	stamped := make([]event.Event, len(events))
	copy(stamped, events)

	op := func(ctx context.Context) ([]event.Event, error) {
		err := s.db.Tx(ctx, func(tx pgx.Tx) error {
			txnTime := time.Now().UTC()
			for i := range stamped {
				stamped[i].TransactionTime = txnTime
				stamped[i].TransactionSequence = int64(i)
				if err := insertSequenceRow(ctx, tx, stamped[i]); err != nil {
					return err
				}
				if err := insertKindRow(ctx, tx, stamped[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, acherrors.New(acherrors.KindTransientStorageError, "eventlog.AppendBatch", err)
		}
		return stamped, nil
	}

	return acherrors.Retry(ctx, s.retryPolicy, op)
}

func insertSequenceRow(ctx context.Context, tx pgx.Tx, e event.Event) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO event_id_sequence (event_id, transaction_time, transaction_sequence) VALUES ($1, $2, $3)`,
		e.EventID.String(), e.TransactionTime.UnixNano(), e.TransactionSequence)
	return err
}

func insertKindRow(ctx context.Context, tx pgx.Tx, e event.Event) error {
	ts := tableSpecFor(e.Kind)
	cols := []string{"event_id", "action", "occurred_time", "hash_code"}
	vals := []interface{}{e.EventID.String(), string(e.Action), e.OccurredTime.UnixNano(), e.HashCode}
	for _, alias := range payloadAliases {
		col, ok := ts.cols[alias]
		if !ok {
			continue
		}
		cols = append(cols, col)
		vals = append(vals, payloadValue(e.Payload, alias))
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", ts.name, joinCols(cols), joinCols(placeholders))
	_, err := tx.Exec(ctx, sql, vals...)
	return err
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func payloadValue(p event.Payload, alias string) string {
	switch alias {
	case "user_id":
		return p.User
	case "group_id":
		return p.Group
	case "from_group_id":
		return p.FromGroup
	case "to_group_id":
		return p.ToGroup
	case "component":
		return p.Component
	case "access_level":
		return p.AccessLevel
	case "entity_type":
		return p.EntityType
	case "entity":
		return p.Entity
	default:
		return ""
	}
}

// GetInitialEvent returns the earliest event by (transaction_time,
// transaction_sequence), or nil if the log is empty.
func (s *Store) GetInitialEvent(ctx context.Context) (*event.Event, error) {
	op := func(ctx context.Context) (*event.Event, error) {
		sqlText := fmt.Sprintf(
			"SELECT * FROM (%s) events ORDER BY transaction_time ASC, transaction_sequence ASC LIMIT 1",
			unionAllSQL())
		row := s.db.QueryRow(ctx, sqlText)
		ev, err := scanEvent(row)
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, acherrors.New(acherrors.KindTransientStorageError, "eventlog.GetInitialEvent", err)
		}
		return ev, nil
	}
	return acherrors.Retry(ctx, s.retryPolicy, op)
}

// position looks up the (transaction_time, transaction_sequence) recorded
// for eventID, returning acherrors.KindEventNotFound if it was never
// appended.
func (s *Store) position(ctx context.Context, eventID string) (int64, int64, error) {
	op := func(ctx context.Context) ([2]int64, error) {
		var pos [2]int64
		err := s.db.QueryRow(ctx,
			`SELECT transaction_time, transaction_sequence FROM event_id_sequence WHERE event_id = $1`,
			eventID).Scan(&pos[0], &pos[1])
		if err == pgx.ErrNoRows {
			return pos, acherrors.New(acherrors.KindEventNotFound, "eventlog.position", fmt.Errorf("event %s not found", eventID))
		}
		if err != nil {
			return pos, acherrors.New(acherrors.KindTransientStorageError, "eventlog.position", err)
		}
		return pos, nil
	}
	pos, err := acherrors.Retry(ctx, s.retryPolicy, op)
	if err != nil {
		return 0, 0, err
	}
	return pos[0], pos[1], nil
}

// Exists reports whether eventID has already been committed to the log.
// IdempotentBulkPersister uses this to silently skip events it has already
// written on a retried batch.
func (s *Store) Exists(ctx context.Context, eventID string) (bool, error) {
	op := func(ctx context.Context) (bool, error) {
		var found int
		err := s.db.QueryRow(ctx, `SELECT 1 FROM event_id_sequence WHERE event_id = $1`, eventID).Scan(&found)
		if err == pgx.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, acherrors.New(acherrors.KindTransientStorageError, "eventlog.Exists", err)
		}
		return true, nil
	}
	return acherrors.Retry(ctx, s.retryPolicy, op)
}

// GetNextAfter returns the event immediately following eventID in
// transaction order, or nil if eventID is the tail. Fails with
// acherrors.KindEventNotFound if eventID is unknown.
func (s *Store) GetNextAfter(ctx context.Context, eventID string) (*event.Event, error) {
	txnTime, txnSeq, err := s.position(ctx, eventID)
	if err != nil {
		return nil, err
	}

	op := func(ctx context.Context) (*event.Event, error) {
		sqlText := fmt.Sprintf(
			`SELECT * FROM (%s) events
			 WHERE (transaction_time, transaction_sequence) > ($1, $2)
			 ORDER BY transaction_time ASC, transaction_sequence ASC LIMIT 1`,
			unionAllSQL())
		row := s.db.QueryRow(ctx, sqlText, txnTime, txnSeq)
		ev, err := scanEvent(row)
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, acherrors.New(acherrors.KindTransientStorageError, "eventlog.GetNextAfter", err)
		}
		return ev, nil
	}
	return acherrors.Retry(ctx, s.retryPolicy, op)
}

// GetEvents returns the ordered sequence of events beginning at
// startEventID (inclusive), filtered to hashRange with the universal
// EntityType/Entity exception, and, when includeUnfilteredGroupEvents is
// false, with Group primary events also emitted regardless of hash, so
// that a user shard reading from a group shard sees every group referenced
// by its own user→group mappings. maxCount < 0 means unbounded; maxCount
// == 0 returns empty without touching storage.
func (s *Store) GetEvents(ctx context.Context, startEventID string, hashRange event.HashRange, includeUnfilteredGroupEvents bool, maxCount int) ([]event.Event, error) {
	if maxCount == 0 {
		return nil, nil
	}

	txnTime, txnSeq, err := s.position(ctx, startEventID)
	if err != nil {
		return nil, err
	}

	op := func(ctx context.Context) ([]event.Event, error) {
		groupBypass := !includeUnfilteredGroupEvents
		sqlText := fmt.Sprintf(
			`SELECT * FROM (%s) events
			 WHERE (transaction_time, transaction_sequence) >= ($1, $2)
			   AND (kind IN ('EntityType', 'Entity')
			        OR ($3 AND kind = 'Group')
			        OR (hash_code >= $4 AND hash_code <= $5))
			 ORDER BY transaction_time ASC, transaction_sequence ASC`,
			unionAllSQL())
		args := []interface{}{txnTime, txnSeq, groupBypass, hashRange.Start, hashRange.End}
		if maxCount > 0 {
			sqlText += " LIMIT $6"
			args = append(args, maxCount)
		}

		rows, err := s.db.Query(ctx, sqlText, args...)
		if err != nil {
			return nil, acherrors.New(acherrors.KindTransientStorageError, "eventlog.GetEvents", err)
		}
		defer rows.Close()

		var out []event.Event
		for rows.Next() {
			ev, err := scanEventRows(rows)
			if err != nil {
				return nil, acherrors.New(acherrors.KindTransientStorageError, "eventlog.GetEvents", err)
			}
			out = append(out, *ev)
		}
		if err := rows.Err(); err != nil {
			return nil, acherrors.New(acherrors.KindTransientStorageError, "eventlog.GetEvents", err)
		}
		return out, nil
	}
	return acherrors.Retry(ctx, s.retryPolicy, op)
}

// deleteStep is one kind-table entry in the fixed deletion order.
type deleteStep struct {
	table string
}

// DeleteInRange permanently removes every event whose hash_code lies within
// hashRange, executing the kind-table deletes child-references-first so
// that a crash mid-delete never leaves a dangling foreign reference. User
// primary events are always included; group primary events are included
// only when includeGroupPrimary is true (the splitter sets this when, and
// only when, the source shard is a group shard).
func (s *Store) DeleteInRange(ctx context.Context, hashRange event.HashRange, includeGroupPrimary bool) error {
	steps := []deleteStep{
		{"group_to_entity_mapping_events"},
		{"user_to_entity_mapping_events"},
		{"group_to_component_access_events"},
		{"user_to_component_access_events"},
		{"user_to_group_mapping_events"},
	}
	if includeGroupPrimary {
		steps = append(steps, deleteStep{"group_events"})
	}
	steps = append(steps, deleteStep{"user_events"})

	op := func(ctx context.Context) (struct{}, error) {
		err := s.db.Tx(ctx, func(tx pgx.Tx) error {
			for _, step := range steps {
				if _, err := tx.Exec(ctx,
					fmt.Sprintf(`DELETE FROM event_id_sequence WHERE event_id IN (SELECT event_id FROM %s WHERE hash_code >= $1 AND hash_code <= $2)`, step.table),
					hashRange.Start, hashRange.End); err != nil {
					return err
				}
				if _, err := tx.Exec(ctx,
					fmt.Sprintf(`DELETE FROM %s WHERE hash_code >= $1 AND hash_code <= $2`, step.table),
					hashRange.Start, hashRange.End); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return struct{}{}, acherrors.New(acherrors.KindTransientStorageError, "eventlog.DeleteInRange", err)
		}
		return struct{}{}, nil
	}
	_, err := acherrors.Retry(ctx, s.retryPolicy, op)
	return err
}

// rowScanner abstracts over pgx.Row and pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*event.Event, error) {
	return scanInto(row)
}

func scanEventRows(rows pgx.Rows) (*event.Event, error) {
	return scanInto(rows)
}

func scanInto(row rowScanner) (*event.Event, error) {
	var (
		kind                string
		eventIDStr          string
		action              string
		occurredNano        int64
		hashCode            int32
		txnNano             int64
		txnSeq              int64
		userID, groupID     sql.NullString
		fromGroup, toGroup  sql.NullString
		component, accLevel sql.NullString
		entityType, entity  sql.NullString
	)
	if err := row.Scan(&kind, &eventIDStr, &action, &occurredNano, &hashCode, &txnNano, &txnSeq,
		&userID, &groupID, &fromGroup, &toGroup, &component, &accLevel, &entityType, &entity); err != nil {
		return nil, err
	}

	id, err := parseUUID(eventIDStr)
	if err != nil {
		return nil, err
	}

	return &event.Event{
		EventID:             id,
		Kind:                event.Kind(kind),
		Action:              event.Action(action),
		OccurredTime:        time.Unix(0, occurredNano).UTC(),
		HashCode:            hashCode,
		TransactionTime:     time.Unix(0, txnNano).UTC(),
		TransactionSequence: txnSeq,
		Payload: event.Payload{
			User:        userID.String,
			Group:       groupID.String,
			FromGroup:   fromGroup.String,
			ToGroup:     toGroup.String,
			Component:   component.String,
			AccessLevel: accLevel.String,
			EntityType:  entityType.String,
			Entity:      entity.String,
		},
	}, nil
}
