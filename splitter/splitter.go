// Package splitter implements the shard group splitter: moves every event
// whose hash_code lies in a sub-range from a source shard group to a new
// target shard group while the source keeps accepting writes, pausing only
// briefly to drain the last few events and repoint routing.
package splitter

import (
	"context"
	"time"

	"accessgraph.dev/acherrors"
	"accessgraph.dev/event"
	"accessgraph.dev/flush"
	"accessgraph.dev/migration"
	"accessgraph.dev/persister"
	"accessgraph.dev/router"
	"accessgraph.dev/shardconfig"
)

// SourceLog is the subset of eventlog.Store's contract the splitter reads
// from and deletes through.
type SourceLog interface {
	GetInitialEvent(ctx context.Context) (*event.Event, error)
	GetNextAfter(ctx context.Context, eventID string) (*event.Event, error)
	GetEvents(ctx context.Context, startEventID string, hashRange event.HashRange, includeUnfilteredGroupEvents bool, maxCount int) ([]event.Event, error)
	DeleteInRange(ctx context.Context, hashRange event.HashRange, includeGroupPrimary bool) error
}

// Config parameterizes one split run.
type Config struct {
	MigrationID                                      string
	SplitRange                                       event.HashRange
	TargetEndpoint                                   string
	EventBatchSize                                   int
	SourceWriterOperationsCompleteCheckRetryAttempts int
	RetryInterval                                    time.Duration
	// SourceIsGroupShard determines whether cleanup also deletes group
	// primary events, and whether the bulk copy hash-filters them.
	SourceIsGroupShard bool
}

// Splitter runs one online split: bulk copy, pause and drain, cleanup.
type Splitter struct {
	cfg          Config
	source       SourceLog
	target       persister.Sink // must be an IdempotentBulkPersister
	rtr          *router.Router
	sourceFlush  *flush.Strategy
	phases       *migration.Manager
	updateConfig func(added shardconfig.Configuration)
	shardKey     shardconfig.Key
}

// New builds a Splitter. updateConfig is called once, during the pause
// phase, to install a new shard configuration entry routing the split range
// at the target endpoint. The source's own entry is left untouched: it
// keeps owning the retained range below the split point.
func New(cfg Config, source SourceLog, target persister.Sink, rtr *router.Router, sourceFlush *flush.Strategy, phases *migration.Manager, shardKey shardconfig.Key, updateConfig func(shardconfig.Configuration)) *Splitter {
	return &Splitter{
		cfg:          cfg,
		source:       source,
		target:       target,
		rtr:          rtr,
		sourceFlush:  sourceFlush,
		phases:       phases,
		shardKey:     shardKey,
		updateConfig: updateConfig,
	}
}

// Run executes bulk copy, pause, and cleanup in sequence, leaving the
// migration in PhaseCompleted on success or PhaseFailed on failure. A
// failure in bulk copy or pause leaves routing unchanged and nothing deleted
// from source; a cleanup failure comes after the split range has already
// been repointed to the target.
func (s *Splitter) Run(ctx context.Context) error {
	s.phases.Register(s.cfg.MigrationID)

	if err := s.phases.TransitionTo(s.cfg.MigrationID, migration.PhaseBulkCopy, "starting bulk copy"); err != nil {
		return err
	}
	if err := s.bulkCopy(ctx); err != nil {
		_ = s.phases.TransitionTo(s.cfg.MigrationID, migration.PhaseFailed, err.Error())
		return err
	}

	if err := s.pause(ctx); err != nil {
		_ = s.phases.TransitionTo(s.cfg.MigrationID, migration.PhaseFailed, err.Error())
		return err
	}

	if err := s.cleanup(ctx); err != nil {
		_ = s.phases.TransitionTo(s.cfg.MigrationID, migration.PhaseFailed, err.Error())
		return err
	}

	return s.phases.TransitionTo(s.cfg.MigrationID, migration.PhaseCompleted, "split complete")
}

// bulkCopy repeatedly reads up to EventBatchSize matching events starting
// from the log's current initial event (or the last checkpoint, if
// resuming after a crash) and idempotently persists them to the target, so
// re-running this after an interruption safely re-copies without
// duplicating anything already present at the target.
func (s *Splitter) bulkCopy(ctx context.Context) error {
	state, _ := s.phases.Get(s.cfg.MigrationID)

	var currentID string
	if state.CheckpointEventID != "" {
		next, err := s.source.GetNextAfter(ctx, state.CheckpointEventID)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		currentID = next.EventID.String()
	} else {
		initial, err := s.source.GetInitialEvent(ctx)
		if err != nil {
			return err
		}
		if initial == nil {
			return nil
		}
		currentID = initial.EventID.String()
	}

	copied := state.EventsCopied
	for {
		// A user-shard source must also surface the Group primary events its
		// own user→group mappings reference, so the hash filter only applies
		// to Group events when the source is itself a group shard.
		batch, err := s.source.GetEvents(ctx, currentID, s.cfg.SplitRange, s.cfg.SourceIsGroupShard, s.cfg.EventBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		if _, err := s.target.Persist(ctx, batch); err != nil {
			return err
		}

		last := batch[len(batch)-1]
		copied += int64(len(batch))
		_ = s.phases.Checkpoint(s.cfg.MigrationID, last.EventID.String(), copied)

		next, err := s.source.GetNextAfter(ctx, last.EventID.String())
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		currentID = next.EventID.String()
	}
}

// pause stops routing into the split range, waits for quiescence, flushes
// the source's write buffer, drains whatever arrived in the interim,
// repoints config and routing, then resumes.
func (s *Splitter) pause(ctx context.Context) error {
	if err := s.phases.TransitionTo(s.cfg.MigrationID, migration.PhasePausing, "waiting for write quiescence"); err != nil {
		return err
	}

	s.rtr.PauseIncomingEvents(s.cfg.SplitRange)

	if err := s.waitForQuiescence(ctx); err != nil {
		s.rtr.ResumeIncomingEvents(s.cfg.SplitRange)
		return err
	}

	s.sourceFlush.Flush(ctx)

	if err := s.bulkCopy(ctx); err != nil {
		s.rtr.ResumeIncomingEvents(s.cfg.SplitRange)
		return err
	}

	if s.updateConfig != nil {
		s.updateConfig(shardconfig.Configuration{
			DataElement:    s.shardKey.DataElement,
			Operation:      s.shardKey.Operation,
			HashRangeStart: s.cfg.SplitRange.Start,
			ClientEndpoint: s.cfg.TargetEndpoint,
		})
	}
	s.rtr.RouteRangeTo(s.cfg.SplitRange, s.cfg.TargetEndpoint)
	s.rtr.ResumeIncomingEvents(s.cfg.SplitRange)

	return s.phases.TransitionTo(s.cfg.MigrationID, migration.PhasePaused, "drained and repointed")
}

func (s *Splitter) waitForQuiescence(ctx context.Context) error {
	for attempt := 0; attempt <= s.cfg.SourceWriterOperationsCompleteCheckRetryAttempts; attempt++ {
		if s.rtr.GetActiveOperationsCount(s.cfg.SplitRange) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryInterval):
		}
	}
	return acherrors.New(acherrors.KindQuiescenceTimeout, "splitter.waitForQuiescence", errQuiescenceTimeout())
}

// cleanup deletes the migrated range from the source log.
func (s *Splitter) cleanup(ctx context.Context) error {
	if err := s.phases.TransitionTo(s.cfg.MigrationID, migration.PhaseCleanup, "deleting source range"); err != nil {
		return err
	}
	return s.source.DeleteInRange(ctx, s.cfg.SplitRange, s.cfg.SourceIsGroupShard)
}
