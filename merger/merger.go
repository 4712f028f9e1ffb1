// Package merger implements the shard group merger: the online counterpart
// to the splitter that folds two adjacent source shard groups into one
// target, interleaving each source's local transaction order into a single
// global order and filtering out the duplicate Add/Remove pairs that
// naturally arise when the same primary element is live in both sources.
package merger

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

	"github.com/sirupsen/logrus"
)

// SourceLog is the subset of eventlog.Store's contract the merger reads
// from. Unlike the splitter, the merger streams a source's entire log (not
// just a hash sub-range), so it always queries with the full int32 range
// and includeUnfilteredGroupEvents=true.
type SourceLog interface {
	GetInitialEvent(ctx context.Context) (*event.Event, error)
	GetNextAfter(ctx context.Context, eventID string) (*event.Event, error)
	GetEvents(ctx context.Context, startEventID string, hashRange event.HashRange, includeUnfilteredGroupEvents bool, maxCount int) ([]event.Event, error)
}

// fullRange spans every possible hash code, used when a source's entire log
// (not a sub-range) should be read.
var fullRange = event.HashRange{Start: -2147483648, End: 2147483647}

// NoEventsReadAction configures drain-mode behavior once one source is
// exhausted while the other still has events.
type NoEventsReadAction string

const (
	PersistAllEventsFromOtherSource NoEventsReadAction = "PersistAllEventsFromOtherSource"
	StopMerging                     NoEventsReadAction = "StopMerging"
)

// Config parameterizes one merge run.
type Config struct {
	MigrationID                                      string
	DataElement                                      shardconfig.DataElement
	Operation                                        shardconfig.Operation
	Source1Range, Source2Range                       event.HashRange
	TargetEndpoint                                   string
	EventBatchSize                                   int
	NoEventsReadAction                               NoEventsReadAction
	IgnoreInvalidEvents                              bool
	SourceWriterOperationsCompleteCheckRetryAttempts int
	RetryInterval                                    time.Duration
}

// ConfigUpdater repoints the shard configuration set: it removes the two
// source entries named by removeKeys and installs replacement in their
// place.
type ConfigUpdater func(removeKeys []shardconfig.Key, replacement shardconfig.Configuration)

// cursorState tracks one source's read position and prefetch queue.
type cursorState struct {
	idx         SourceIndex
	log         SourceLog
	queue       []event.Event
	nextID      string
	initialized bool
	exhausted   bool
}

func (c *cursorState) empty() bool {
	return c.exhausted && len(c.queue) == 0
}

// fill tops up the queue from the source if it's empty and not exhausted.
func (c *cursorState) fill(ctx context.Context, batchSize int) error {
	if c.exhausted || len(c.queue) > 0 {
		return nil
	}

	var start string
	if !c.initialized {
		initial, err := c.log.GetInitialEvent(ctx)
		if err != nil {
			return err
		}
		if initial == nil {
			c.exhausted = true
			return nil
		}
		start = initial.EventID.String()
		c.initialized = true
	} else {
		if c.nextID == "" {
			c.exhausted = true
			return nil
		}
		start = c.nextID
	}

	batch, err := c.log.GetEvents(ctx, start, fullRange, true, batchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		c.exhausted = true
		return nil
	}
	c.queue = append(c.queue, batch...)

	last := batch[len(batch)-1]
	next, err := c.log.GetNextAfter(ctx, last.EventID.String())
	if err != nil {
		return err
	}
	if next == nil {
		c.nextID = ""
	} else {
		c.nextID = next.EventID.String()
	}
	return nil
}

func (c *cursorState) pop() event.Event {
	e := c.queue[0]
	c.queue = c.queue[1:]
	return e
}

// Merger runs one online merge: interleave, pause and drain, config switch.
type Merger struct {
	cfg     Config
	source1 SourceLog
	source2 SourceLog
	target  persister.Sink // must be an IdempotentBulkPersister
	rtr     *router.Router

	source1Flush *flush.Strategy
	source2Flush *flush.Strategy

	phases  *migration.Manager
	filter  *DuplicateFilter
	metrics *Metrics
	log     *logrus.Entry

	updateConfig ConfigUpdater
	removeKeys   []shardconfig.Key
}

// New builds a Merger. removeKeys names the two source ShardConfiguration
// entries to remove once the merge completes; updateConfig installs the
// replacement entry covering the combined range.
func New(cfg Config, source1, source2 SourceLog, target persister.Sink, rtr *router.Router,
	source1Flush, source2Flush *flush.Strategy, phases *migration.Manager, metrics *Metrics,
	removeKeys []shardconfig.Key, updateConfig ConfigUpdater, log *logrus.Entry) *Merger {
	if log == nil {
		log = logrus.StandardLogger().WithField("component", "merger")
	}
	if metrics == nil {
		metrics = NewMetrics("")
	}

	m := &Merger{
		cfg:          cfg,
		source1:      source1,
		source2:      source2,
		target:       target,
		rtr:          rtr,
		source1Flush: source1Flush,
		source2Flush: source2Flush,
		phases:       phases,
		metrics:      metrics,
		log:          log,
		updateConfig: updateConfig,
		removeKeys:   removeKeys,
	}
	m.filter = NewDuplicateFilter(cfg.IgnoreInvalidEvents, m.recordInvalid)
	return m
}

func (m *Merger) recordInvalid(e *event.Event, reason string) {
	m.log.WithFields(logrus.Fields{"kind": e.Kind, "action": e.Action, "reason": reason}).
		Warn("dropping invalid merge-source event")
	m.metrics.InvalidEventsIgnored.WithLabelValues(string(e.Kind), string(e.Action), "").Inc()
}

// Run executes the bulk interleave, then the pause-and-drain phase,
// finishing in PhaseCompleted on success or PhaseFailed on failure, with
// routing left unchanged if no config switch has yet happened.
func (m *Merger) Run(ctx context.Context) error {
	m.phases.Register(m.cfg.MigrationID)

	if err := m.phases.TransitionTo(m.cfg.MigrationID, migration.PhaseBulkCopy, "starting interleaved merge"); err != nil {
		return err
	}

	cur1 := &cursorState{idx: Source1, log: m.source1}
	cur2 := &cursorState{idx: Source2, log: m.source2}

	if err := m.interleave(ctx, cur1, cur2); err != nil {
		_ = m.phases.TransitionTo(m.cfg.MigrationID, migration.PhaseFailed, err.Error())
		return err
	}

	if err := m.pause(ctx, cur1, cur2); err != nil {
		_ = m.phases.TransitionTo(m.cfg.MigrationID, migration.PhaseFailed, err.Error())
		return err
	}

	return m.phases.TransitionTo(m.cfg.MigrationID, migration.PhaseCompleted, "merge complete")
}

// interleave pops the transaction-order-smaller of the two queue heads
// until both cursors are permanently empty (or, under StopMerging drain,
// until the loop elects to stop early), flushing admitted events in batches
// of EventBatchSize.
func (m *Merger) interleave(ctx context.Context, cur1, cur2 *cursorState) error {
	var pending []event.Event

	flushPending := func() error {
		if len(pending) == 0 {
			return nil
		}
		if _, err := m.target.Persist(ctx, pending); err != nil {
			return err
		}
		last := pending[len(pending)-1]
		state, _ := m.phases.Get(m.cfg.MigrationID)
		_ = m.phases.Checkpoint(m.cfg.MigrationID, last.EventID.String(), state.EventsCopied+int64(len(pending)))
		pending = pending[:0]
		return nil
	}

	admit := func(e event.Event, src SourceIndex) error {
		ok, err := m.filter.Admit(&e, src)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		pending = append(pending, e)
		if len(pending) >= m.cfg.EventBatchSize {
			return flushPending()
		}
		return nil
	}

	for {
		if err := cur1.fill(ctx, m.cfg.EventBatchSize); err != nil {
			return err
		}
		if err := cur2.fill(ctx, m.cfg.EventBatchSize); err != nil {
			return err
		}

		c1Empty := cur1.empty()
		c2Empty := cur2.empty()

		if c1Empty && c2Empty {
			break
		}

		if c1Empty != c2Empty {
			remaining, remainingIdx := cur1, Source1
			if c1Empty {
				remaining, remainingIdx = cur2, Source2
			}
			if m.cfg.NoEventsReadAction == StopMerging {
				// Persist what has already been read off the remaining
				// source, but fetch nothing further.
				for len(remaining.queue) > 0 {
					if err := admit(remaining.pop(), remainingIdx); err != nil {
						return err
					}
				}
				break
			}
			// PersistAllEventsFromOtherSource: drain the remaining source to
			// exhaustion before re-checking.
			for !remaining.empty() {
				if err := remaining.fill(ctx, m.cfg.EventBatchSize); err != nil {
					return err
				}
				if remaining.empty() {
					break
				}
				if err := admit(remaining.pop(), remainingIdx); err != nil {
					return err
				}
			}
			continue
		}

		e1 := cur1.queue[0]
		e2 := cur2.queue[0]
		if transactionLess(e1, e2) {
			if err := admit(cur1.pop(), Source1); err != nil {
				return err
			}
		} else {
			if err := admit(cur2.pop(), Source2); err != nil {
				return err
			}
		}
	}

	return flushPending()
}

// transactionLess reports whether a sorts before b by (transaction_time,
// transaction_sequence). Ties go to a; callers always pass the source-1
// candidate as a, so source 1 wins them.
func transactionLess(a, b event.Event) bool {
	if !a.TransactionTime.Equal(b.TransactionTime) {
		return a.TransactionTime.Before(b.TransactionTime)
	}
	return a.TransactionSequence <= b.TransactionSequence
}

// pause stops routing into both sources, waits for quiescence on each,
// flushes their write buffers, drains whatever arrived in the interim, then
// repoints config and resumes.
func (m *Merger) pause(ctx context.Context, cur1, cur2 *cursorState) error {
	if err := m.phases.TransitionTo(m.cfg.MigrationID, migration.PhasePausing, "waiting for write quiescence on both sources"); err != nil {
		return err
	}

	m.rtr.PauseIncomingEvents(m.cfg.Source1Range)
	m.rtr.PauseIncomingEvents(m.cfg.Source2Range)

	if err := m.waitForQuiescence(ctx, m.cfg.Source1Range); err != nil {
		m.rtr.ResumeIncomingEvents(m.cfg.Source1Range)
		m.rtr.ResumeIncomingEvents(m.cfg.Source2Range)
		return err
	}
	if err := m.waitForQuiescence(ctx, m.cfg.Source2Range); err != nil {
		m.rtr.ResumeIncomingEvents(m.cfg.Source1Range)
		m.rtr.ResumeIncomingEvents(m.cfg.Source2Range)
		return err
	}

	m.source1Flush.Flush(ctx)
	m.source2Flush.Flush(ctx)

	if err := m.interleave(ctx, cur1, cur2); err != nil {
		m.rtr.ResumeIncomingEvents(m.cfg.Source1Range)
		m.rtr.ResumeIncomingEvents(m.cfg.Source2Range)
		return err
	}

	combined := m.cfg.Source1Range.Union(m.cfg.Source2Range)
	if m.updateConfig != nil {
		m.updateConfig(m.removeKeys, shardconfig.Configuration{
			DataElement:    m.cfg.DataElement,
			Operation:      m.cfg.Operation,
			HashRangeStart: combined.Start,
			ClientEndpoint: m.cfg.TargetEndpoint,
		})
	}
	m.rtr.RouteRangeTo(combined, m.cfg.TargetEndpoint)
	m.rtr.ResumeIncomingEvents(m.cfg.Source1Range)
	m.rtr.ResumeIncomingEvents(m.cfg.Source2Range)

	return m.phases.TransitionTo(m.cfg.MigrationID, migration.PhasePaused, "drained and repointed")
}

func (m *Merger) waitForQuiescence(ctx context.Context, hr event.HashRange) error {
	for attempt := 0; attempt <= m.cfg.SourceWriterOperationsCompleteCheckRetryAttempts; attempt++ {
		if m.rtr.GetActiveOperationsCount(hr) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.RetryInterval):
		}
	}
	return acherrors.New(acherrors.KindQuiescenceTimeout, "merger.waitForQuiescence", errQuiescenceTimeout())
}
