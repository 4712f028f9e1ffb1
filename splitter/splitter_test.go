package splitter

import (
	"context"
	"testing"
	"time"

	"accessgraph.dev/acherrors"
	"accessgraph.dev/event"
	"accessgraph.dev/flush"
	"accessgraph.dev/migration"
	"accessgraph.dev/router"
	"accessgraph.dev/shardconfig"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLog is an in-memory SourceLog driven entirely by transaction order,
// letting splitter tests run without a real Postgres instance.
type fakeLog struct {
	events  []event.Event // already in transaction order
	deleted []event.HashRange
}

func (f *fakeLog) GetInitialEvent(context.Context) (*event.Event, error) {
	if len(f.events) == 0 {
		return nil, nil
	}
	e := f.events[0]
	return &e, nil
}

func (f *fakeLog) indexOf(eventID string) int {
	for i, e := range f.events {
		if e.EventID.String() == eventID {
			return i
		}
	}
	return -1
}

func (f *fakeLog) GetNextAfter(_ context.Context, eventID string) (*event.Event, error) {
	idx := f.indexOf(eventID)
	if idx < 0 {
		return nil, acherrors.New(acherrors.KindEventNotFound, "fakeLog.GetNextAfter", assert.AnError)
	}
	if idx+1 >= len(f.events) {
		return nil, nil
	}
	e := f.events[idx+1]
	return &e, nil
}

func (f *fakeLog) GetEvents(_ context.Context, startEventID string, hr event.HashRange, includeUnfilteredGroupEvents bool, maxCount int) ([]event.Event, error) {
	if maxCount == 0 {
		return nil, nil
	}
	idx := f.indexOf(startEventID)
	if idx < 0 {
		return nil, acherrors.New(acherrors.KindEventNotFound, "fakeLog.GetEvents", assert.AnError)
	}
	var out []event.Event
	for _, e := range f.events[idx:] {
		ev := e
		if ev.InRange(hr) || (!includeUnfilteredGroupEvents && ev.Kind == event.KindGroup) {
			out = append(out, ev)
		}
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
	}
	return out, nil
}

func (f *fakeLog) DeleteInRange(_ context.Context, hr event.HashRange, includeGroupPrimary bool) error {
	f.deleted = append(f.deleted, hr)
	kept := f.events[:0]
	for _, e := range f.events {
		if e.InRange(hr) && (includeGroupPrimary || e.Kind != event.KindGroup) {
			continue
		}
		kept = append(kept, e)
	}
	f.events = kept
	return nil
}

type fakeSink struct {
	persisted []event.Event
}

func (f *fakeSink) Persist(_ context.Context, events []event.Event) ([]event.Event, error) {
	f.persisted = append(f.persisted, events...)
	return events, nil
}

func mkEvent(hash int32) event.Event {
	return event.Event{EventID: uuid.New(), Kind: event.KindUser, Action: event.ActionAdd, OccurredTime: time.Now(), HashCode: hash, Payload: event.Payload{User: "u"}}
}

func newTestRouter(t *testing.T) *router.Router {
	t.Helper()
	set, err := shardconfig.NewSet(shardconfig.Configuration{
		DataElement: shardconfig.DataElementUser, Operation: shardconfig.OperationEvent, HashRangeStart: 0, ClientEndpoint: "http://source",
	})
	require.NoError(t, err)
	return router.New(set)
}

func newTestFlushStrategy(t *testing.T) *flush.Strategy {
	t.Helper()
	s := flush.New(flush.Config{BufferSizeLimit: 1000, FlushLoopInterval: time.Hour}, func(context.Context, []event.Event) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		s.Stop()
		cancel()
	})
	return s
}

func TestSplitter_CopiesOnlyInRangeEvents(t *testing.T) {
	inRange1 := mkEvent(10)
	outOfRange := mkEvent(500)
	inRange2 := mkEvent(20)
	source := &fakeLog{events: []event.Event{inRange1, outOfRange, inRange2}}
	target := &fakeSink{}

	cfg := Config{
		MigrationID:    "split-test-1",
		SplitRange:     event.HashRange{Start: 0, End: 100},
		TargetEndpoint: "http://target",
		EventBatchSize: 10,
		SourceWriterOperationsCompleteCheckRetryAttempts: 5,
		RetryInterval: time.Millisecond,
	}

	sp := New(cfg, source, target, newTestRouter(t), newTestFlushStrategy(t), migration.NewManager(),
		shardconfig.Key{DataElement: shardconfig.DataElementUser, Operation: shardconfig.OperationEvent, HashRangeStart: 0},
		nil)

	require.NoError(t, sp.Run(context.Background()))

	var ids []uuid.UUID
	for _, e := range target.persisted {
		ids = append(ids, e.EventID)
	}
	assert.Contains(t, ids, inRange1.EventID)
	assert.Contains(t, ids, inRange2.EventID)
	assert.NotContains(t, ids, outOfRange.EventID)
}

func TestSplitter_RepointsRoutingAndConfig(t *testing.T) {
	source := &fakeLog{events: []event.Event{mkEvent(10)}}
	target := &fakeSink{}
	rtr := newTestRouter(t)

	var installed shardconfig.Configuration
	updateConfig := func(c shardconfig.Configuration) {
		installed = c
	}

	key := shardconfig.Key{DataElement: shardconfig.DataElementUser, Operation: shardconfig.OperationEvent, HashRangeStart: 0}
	cfg := Config{
		MigrationID:    "split-test-2",
		SplitRange:     event.HashRange{Start: 1000, End: 340203933},
		TargetEndpoint: "http://target",
		EventBatchSize: 10,
		SourceWriterOperationsCompleteCheckRetryAttempts: 5,
		RetryInterval: time.Millisecond,
	}
	sp := New(cfg, source, target, rtr, newTestFlushStrategy(t), migration.NewManager(), key, updateConfig)

	require.NoError(t, sp.Run(context.Background()))

	// The new entry routes the split range; the source's own entry is not
	// replaced, since it keeps owning the retained range below the split
	// point.
	assert.Equal(t, shardconfig.DataElementUser, installed.DataElement)
	assert.Equal(t, int32(1000), installed.HashRangeStart)
	assert.Equal(t, "http://target", installed.ClientEndpoint)

	// "route-probe" hashes (FNV-1a 32-bit) to 340203933, the split range's
	// upper bound, so it's guaranteed to fall under the override installed
	// by RouteRangeTo.
	endpoint, release, err := rtr.Route(context.Background(), shardconfig.DataElementUser, shardconfig.OperationEvent, "route-probe")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, "http://target", endpoint, "split range must now be routed to the split target")

	// "probe-1895528" hashes to 392, inside the retained range [0, 999],
	// which must still resolve to the source's configured endpoint.
	endpoint, release, err = rtr.Route(context.Background(), shardconfig.DataElementUser, shardconfig.OperationEvent, "probe-1895528")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, "http://source", endpoint, "retained range must still be routed to the source")
}

func TestSplitter_QuiescenceTimeoutLeavesSourceUntouched(t *testing.T) {
	source := &fakeLog{events: []event.Event{mkEvent(10)}}
	target := &fakeSink{}
	rtr := newTestRouter(t)

	// Simulate a permanently-busy shard by holding an operation open for the
	// whole split range before Run starts. "route-probe" hashes (FNV-1a
	// 32-bit) to 340203933, inside hr below, and resolves against the
	// single HashRangeStart=0 configuration newTestRouter installs.
	hr := event.HashRange{Start: 0, End: 340203933}
	_, release, err := rtr.Route(context.Background(), shardconfig.DataElementUser, shardconfig.OperationEvent, "route-probe")
	require.NoError(t, err)
	defer release()

	cfg := Config{
		MigrationID:    "split-test-3",
		SplitRange:     hr,
		TargetEndpoint: "http://target",
		EventBatchSize: 10,
		SourceWriterOperationsCompleteCheckRetryAttempts: 3,
		RetryInterval: 10 * time.Millisecond,
	}
	sp := New(cfg, source, target, rtr, newTestFlushStrategy(t), migration.NewManager(),
		shardconfig.Key{DataElement: shardconfig.DataElementUser, Operation: shardconfig.OperationEvent, HashRangeStart: 0}, nil)

	err = sp.Run(context.Background())
	require.Error(t, err)
	assert.True(t, acherrors.Is(err, acherrors.KindQuiescenceTimeout))
	assert.Empty(t, source.deleted, "nothing must be deleted from source on quiescence timeout")

	state, ok := migrationState(sp)
	require.True(t, ok)
	assert.Equal(t, migration.PhaseFailed, state.Phase)
}

func migrationState(sp *Splitter) (migration.State, bool) {
	return sp.phases.Get(sp.cfg.MigrationID)
}

func TestSplitter_BulkCopyResumesFromCheckpoint(t *testing.T) {
	e1 := mkEvent(10)
	e2 := mkEvent(20)
	e3 := mkEvent(30)
	source := &fakeLog{events: []event.Event{e1, e2, e3}}
	target := &fakeSink{}
	phases := migration.NewManager()

	cfg := Config{
		MigrationID:    "split-test-resume",
		SplitRange:     event.HashRange{Start: 0, End: 100},
		TargetEndpoint: "http://target",
		EventBatchSize: 10,
		SourceWriterOperationsCompleteCheckRetryAttempts: 5,
		RetryInterval: time.Millisecond,
	}
	sp := New(cfg, source, target, newTestRouter(t), newTestFlushStrategy(t), phases,
		shardconfig.Key{DataElement: shardconfig.DataElementUser, Operation: shardconfig.OperationEvent, HashRangeStart: 0},
		nil)

	phases.Register(cfg.MigrationID)
	require.NoError(t, phases.TransitionTo(cfg.MigrationID, migration.PhaseBulkCopy, "resuming from a prior crash"))
	require.NoError(t, phases.Checkpoint(cfg.MigrationID, e1.EventID.String(), 1))

	require.NoError(t, sp.bulkCopy(context.Background()))

	var ids []uuid.UUID
	for _, e := range target.persisted {
		ids = append(ids, e.EventID)
	}
	assert.NotContains(t, ids, e1.EventID, "the checkpointed event must not be recopied")
	assert.Contains(t, ids, e2.EventID)
	assert.Contains(t, ids, e3.EventID)
}
