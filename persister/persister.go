// Package persister implements the bulk persister: the component that takes
// an ordered batch handed off by the flush strategy, commits it atomically
// through the event log, and broadcasts the committed batch to the replay
// cache. The Sink seam lets flush.Strategy call a single PersistFunc
// regardless of whether it is backed by the plain Persister, a
// RedundantPersister, or an IdempotentBulkPersister.
package persister

import (
	"context"
	"fmt"

	"accessgraph.dev/acherrors"
	"accessgraph.dev/event"
	"accessgraph.dev/eventlog"
	"accessgraph.dev/replaycache"
)

// Sink is anything that can durably accept a batch of events and hand back
// the stamped (transaction_time/transaction_sequence-assigned) result.
type Sink interface {
	Persist(ctx context.Context, events []event.Event) ([]event.Event, error)
}

// Persister is the plain variant: commit through the event log, broadcast
// to the replay cache on success.
type Persister struct {
	store *eventlog.Store
	cache *replaycache.Cache
}

// New builds a Persister over store, broadcasting committed batches to
// cache.
func New(store *eventlog.Store, cache *replaycache.Cache) *Persister {
	return &Persister{store: store, cache: cache}
}

// Persist commits events through the event log and, on success, inserts the
// stamped result into the replay cache.
func (p *Persister) Persist(ctx context.Context, events []event.Event) ([]event.Event, error) {
	stamped, err := p.store.AppendBatch(ctx, events)
	if err != nil {
		return nil, err
	}
	p.cache.Insert(stamped)
	return stamped, nil
}

// AsPersistFunc adapts a Sink to the flush.PersistFunc signature
// flush.Strategy expects.
func AsPersistFunc(sink Sink) func(ctx context.Context, events []event.Event) error {
	return func(ctx context.Context, events []event.Event) error {
		_, err := sink.Persist(ctx, events)
		return err
	}
}

// RedundantPersister wraps a primary Sink so that a primary-store failure
// redirects the batch to a local BackupEventFile instead of losing it. The
// next successful primary commit triggers a replay of whatever is
// journaled, then truncates the file. Readback preserves event order
// because BackupEventFile is a strict append/read-in-order journal.
type RedundantPersister struct {
	primary Sink
	backup  *BackupEventFile
}

// NewRedundantPersister wraps primary with the given, already-open backup
// journal.
func NewRedundantPersister(primary Sink, backup *BackupEventFile) *RedundantPersister {
	return &RedundantPersister{primary: primary, backup: backup}
}

func (r *RedundantPersister) Persist(ctx context.Context, events []event.Event) ([]event.Event, error) {
	stamped, err := r.primary.Persist(ctx, events)
	if err != nil {
		if backupErr := r.backup.Append(events); backupErr != nil {
			return nil, acherrors.New(acherrors.KindStorageFault, "persister.RedundantPersister.Persist",
				fmt.Errorf("primary store failed (%w) and backup journal write also failed: %v", err, backupErr))
		}
		return nil, acherrors.New(acherrors.KindStorageFault, "persister.RedundantPersister.Persist", err)
	}

	r.replayBacklog(ctx)
	return stamped, nil
}

// replayBacklog re-reads and re-persists whatever the backup journal holds,
// then truncates it on success. Failures are swallowed here: the backlog
// stays journaled and is retried on the next successful primary commit,
// preserving the at-least-once guarantee without blocking the caller's
// current batch on an unrelated replay failure.
func (r *RedundantPersister) replayBacklog(ctx context.Context) {
	backlog, err := r.backup.ReadAll()
	if err != nil || len(backlog) == 0 {
		return
	}
	if _, err := r.primary.Persist(ctx, backlog); err != nil {
		return
	}
	_ = r.backup.Truncate()
}

// IdempotentBulkPersister is the variant the splitter and merger use when
// copying events into a destination shard: since redistribution may be
// interrupted and resumed, any event whose event_id already exists in the
// destination log is silently skipped rather than re-inserted.
type IdempotentBulkPersister struct {
	store *eventlog.Store
	cache *replaycache.Cache
}

// NewIdempotentBulkPersister builds an IdempotentBulkPersister over store.
func NewIdempotentBulkPersister(store *eventlog.Store, cache *replaycache.Cache) *IdempotentBulkPersister {
	return &IdempotentBulkPersister{store: store, cache: cache}
}

func (p *IdempotentBulkPersister) Persist(ctx context.Context, events []event.Event) ([]event.Event, error) {
	filtered := make([]event.Event, 0, len(events))
	for _, e := range events {
		exists, err := p.store.Exists(ctx, e.EventID.String())
		if err != nil {
			return nil, err
		}
		if !exists {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		return nil, nil
	}
	stamped, err := p.store.AppendBatch(ctx, filtered)
	if err != nil {
		return nil, err
	}
	p.cache.Insert(stamped)
	return stamped, nil
}
