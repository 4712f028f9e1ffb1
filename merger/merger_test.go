package merger

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

// fakeLog is an in-memory SourceLog that serves one source's event list in
// the order given; hash-range filtering is a no-op here since the merger
// always reads with fullRange.
type fakeLog struct {
	events []event.Event
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

func (f *fakeLog) GetEvents(_ context.Context, startEventID string, _ event.HashRange, _ bool, maxCount int) ([]event.Event, error) {
	if maxCount == 0 {
		return nil, nil
	}
	idx := f.indexOf(startEventID)
	if idx < 0 {
		return nil, acherrors.New(acherrors.KindEventNotFound, "fakeLog.GetEvents", assert.AnError)
	}
	end := idx + maxCount
	if end > len(f.events) {
		end = len(f.events)
	}
	out := make([]event.Event, end-idx)
	copy(out, f.events[idx:end])
	return out, nil
}

type fakeSink struct {
	batches [][]event.Event
}

func (f *fakeSink) Persist(_ context.Context, events []event.Event) ([]event.Event, error) {
	batch := make([]event.Event, len(events))
	copy(batch, events)
	f.batches = append(f.batches, batch)
	return events, nil
}

func mkUserEvent(id string, action event.Action, txnTime int64, txnSeq int64) event.Event {
	return event.Event{
		EventID:             uuid.New(),
		Kind:                event.KindUser,
		Action:              action,
		OccurredTime:        time.Unix(txnTime, 0).UTC(),
		HashCode:            0,
		Payload:             event.Payload{User: id},
		TransactionTime:     time.Unix(txnTime, 0).UTC(),
		TransactionSequence: txnSeq,
	}
}

func newTestRouter(t *testing.T) *router.Router {
	t.Helper()
	set, err := shardconfig.NewSet(
		shardconfig.Configuration{DataElement: shardconfig.DataElementUser, Operation: shardconfig.OperationEvent, HashRangeStart: 0, ClientEndpoint: "http://source1"},
		shardconfig.Configuration{DataElement: shardconfig.DataElementUser, Operation: shardconfig.OperationEvent, HashRangeStart: 500, ClientEndpoint: "http://source2"},
	)
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

// TestMerger_InterleavesByTransactionOrder: source 1 yields A,C,E,G at
// t=1,3,5,7; source 2 yields B,D,F,H at t=2,4,6,8; a batch size of 2 must
// produce target batches [A,B],[C,D],[E,F],[G,H].
func TestMerger_InterleavesByTransactionOrder(t *testing.T) {
	a := mkUserEvent("A", event.ActionAdd, 1, 1)
	c := mkUserEvent("C", event.ActionAdd, 3, 1)
	e := mkUserEvent("E", event.ActionAdd, 5, 1)
	g := mkUserEvent("G", event.ActionAdd, 7, 1)
	b := mkUserEvent("B", event.ActionAdd, 2, 1)
	d := mkUserEvent("D", event.ActionAdd, 4, 1)
	f := mkUserEvent("F", event.ActionAdd, 6, 1)
	h := mkUserEvent("H", event.ActionAdd, 8, 1)

	source1 := &fakeLog{events: []event.Event{a, c, e, g}}
	source2 := &fakeLog{events: []event.Event{b, d, f, h}}
	target := &fakeSink{}

	cfg := Config{
		MigrationID:        "merge-test-s4",
		DataElement:        shardconfig.DataElementUser,
		Operation:          shardconfig.OperationEvent,
		Source1Range:       event.HashRange{Start: 0, End: 499},
		Source2Range:       event.HashRange{Start: 500, End: 999},
		TargetEndpoint:     "http://target",
		EventBatchSize:     2,
		NoEventsReadAction: PersistAllEventsFromOtherSource,
	}
	m := New(cfg, source1, source2, target, newTestRouter(t), newTestFlushStrategy(t), newTestFlushStrategy(t),
		migration.NewManager(), nil, nil, nil, nil)

	require.NoError(t, m.interleave(context.Background(), &cursorState{idx: Source1, log: source1}, &cursorState{idx: Source2, log: source2}))

	require.Len(t, target.batches, 4)
	wantIDs := [][]string{{"A", "B"}, {"C", "D"}, {"E", "F"}, {"G", "H"}}
	for i, batch := range target.batches {
		require.Len(t, batch, 2)
		assert.Equal(t, wantIDs[i][0], batch[0].Payload.User)
		assert.Equal(t, wantIDs[i][1], batch[1].Payload.User)
	}
}

func TestMerger_DuplicateAddFromSecondSourceIsDropped(t *testing.T) {
	add1 := mkUserEvent("dup-user", event.ActionAdd, 1, 1)
	add2 := mkUserEvent("dup-user", event.ActionAdd, 2, 1)

	source1 := &fakeLog{events: []event.Event{add1}}
	source2 := &fakeLog{events: []event.Event{add2}}
	target := &fakeSink{}

	cfg := Config{
		MigrationID:        "merge-test-dup",
		EventBatchSize:     10,
		NoEventsReadAction: PersistAllEventsFromOtherSource,
	}
	m := New(cfg, source1, source2, target, newTestRouter(t), newTestFlushStrategy(t), newTestFlushStrategy(t),
		migration.NewManager(), nil, nil, nil, nil)

	require.NoError(t, m.interleave(context.Background(), &cursorState{idx: Source1, log: source1}, &cursorState{idx: Source2, log: source2}))

	require.Len(t, target.batches, 1)
	assert.Len(t, target.batches[0], 1, "the second Add for the same element must be dropped, not forwarded")
	assert.Equal(t, add1.EventID, target.batches[0][0].EventID)
}

// TestMerger_RemoveDroppedWhileLiveViaOtherSource: source 1 adds then
// removes u1, source 2 also adds u1 in between. Only the first Add may
// reach the target: the second Add is a duplicate, and the Remove must be
// suppressed because u1 is still live via source 2.
func TestMerger_RemoveDroppedWhileLiveViaOtherSource(t *testing.T) {
	add1 := mkUserEvent("u1", event.ActionAdd, 1, 1)
	remove1 := mkUserEvent("u1", event.ActionRemove, 5, 1)
	add2 := mkUserEvent("u1", event.ActionAdd, 2, 1)

	source1 := &fakeLog{events: []event.Event{add1, remove1}}
	source2 := &fakeLog{events: []event.Event{add2}}
	target := &fakeSink{}

	cfg := Config{
		MigrationID:        "merge-test-live-via-other",
		EventBatchSize:     10,
		NoEventsReadAction: PersistAllEventsFromOtherSource,
	}
	m := New(cfg, source1, source2, target, newTestRouter(t), newTestFlushStrategy(t), newTestFlushStrategy(t),
		migration.NewManager(), nil, nil, nil, nil)

	require.NoError(t, m.interleave(context.Background(), &cursorState{idx: Source1, log: source1}, &cursorState{idx: Source2, log: source2}))

	require.Len(t, target.batches, 1)
	require.Len(t, target.batches[0], 1)
	assert.Equal(t, add1.EventID, target.batches[0][0].EventID)
}

func TestMerger_RemoveWithoutPriorAddRaisesMergeIntegrityError(t *testing.T) {
	remove := mkUserEvent("ghost-user", event.ActionRemove, 1, 1)
	source1 := &fakeLog{events: []event.Event{remove}}
	source2 := &fakeLog{}
	target := &fakeSink{}

	cfg := Config{
		MigrationID:         "merge-test-exception",
		EventBatchSize:      10,
		NoEventsReadAction:  PersistAllEventsFromOtherSource,
		IgnoreInvalidEvents: false,
	}
	m := New(cfg, source1, source2, target, newTestRouter(t), newTestFlushStrategy(t), newTestFlushStrategy(t),
		migration.NewManager(), nil, nil, nil, nil)

	err := m.interleave(context.Background(), &cursorState{idx: Source1, log: source1}, &cursorState{idx: Source2, log: source2})
	require.Error(t, err)
	assert.True(t, acherrors.Is(err, acherrors.KindMergeIntegrityError))
}

func TestMerger_IgnoreInvalidEventsDropsInsteadOfFailing(t *testing.T) {
	remove := mkUserEvent("ghost-user", event.ActionRemove, 1, 1)
	source1 := &fakeLog{events: []event.Event{remove}}
	source2 := &fakeLog{}
	target := &fakeSink{}

	cfg := Config{
		MigrationID:         "merge-test-ignore",
		EventBatchSize:      10,
		NoEventsReadAction:  PersistAllEventsFromOtherSource,
		IgnoreInvalidEvents: true,
	}
	m := New(cfg, source1, source2, target, newTestRouter(t), newTestFlushStrategy(t), newTestFlushStrategy(t),
		migration.NewManager(), nil, nil, nil, nil)

	err := m.interleave(context.Background(), &cursorState{idx: Source1, log: source1}, &cursorState{idx: Source2, log: source2})
	require.NoError(t, err)
	assert.Empty(t, target.batches, "the malformed event must be dropped, not forwarded")
}

func TestMerger_RunRepointsConfigAndRouting(t *testing.T) {
	a := mkUserEvent("A", event.ActionAdd, 1, 1)
	source1 := &fakeLog{events: []event.Event{a}}
	source2 := &fakeLog{}
	target := &fakeSink{}
	rtr := newTestRouter(t)

	var removedKeys []shardconfig.Key
	var replacement shardconfig.Configuration
	updateConfig := func(remove []shardconfig.Key, repl shardconfig.Configuration) {
		removedKeys = remove
		replacement = repl
	}

	cfg := Config{
		MigrationID:        "merge-test-run",
		DataElement:        shardconfig.DataElementUser,
		Operation:          shardconfig.OperationEvent,
		Source1Range:       event.HashRange{Start: 0, End: 499},
		Source2Range:       event.HashRange{Start: 500, End: 999},
		TargetEndpoint:     "http://target",
		EventBatchSize:     10,
		NoEventsReadAction: PersistAllEventsFromOtherSource,
		SourceWriterOperationsCompleteCheckRetryAttempts: 5,
		RetryInterval: time.Millisecond,
	}
	removeKeys := []shardconfig.Key{
		{DataElement: shardconfig.DataElementUser, Operation: shardconfig.OperationEvent, HashRangeStart: 0},
		{DataElement: shardconfig.DataElementUser, Operation: shardconfig.OperationEvent, HashRangeStart: 500},
	}
	m := New(cfg, source1, source2, target, rtr, newTestFlushStrategy(t), newTestFlushStrategy(t),
		migration.NewManager(), nil, removeKeys, updateConfig, nil)

	require.NoError(t, m.Run(context.Background()))

	require.Len(t, removedKeys, 2)
	assert.Equal(t, "http://target", replacement.ClientEndpoint)
	assert.Equal(t, int32(0), replacement.HashRangeStart)

	// "probe-1895528" hashes (FNV-1a 32-bit) to 392, inside the merged
	// [0, 999] range, so it's guaranteed to fall under the override
	// installed by RouteRangeTo once the merge completes.
	endpoint, release, err := rtr.Route(context.Background(), shardconfig.DataElementUser, shardconfig.OperationEvent, "probe-1895528")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, "http://target", endpoint)
}

func TestMerger_QuiescenceTimeoutLeavesSourcesUntouched(t *testing.T) {
	source1 := &fakeLog{}
	source2 := &fakeLog{}
	target := &fakeSink{}
	rtr := newTestRouter(t)

	// "probe-1895528" hashes to 392, inside hr1 below.
	hr1 := event.HashRange{Start: 0, End: 499}
	_, release, err := rtr.Route(context.Background(), shardconfig.DataElementUser, shardconfig.OperationEvent, "probe-1895528")
	require.NoError(t, err)
	defer release()

	cfg := Config{
		MigrationID:        "merge-test-timeout",
		Source1Range:       hr1,
		Source2Range:       event.HashRange{Start: 500, End: 999},
		TargetEndpoint:     "http://target",
		EventBatchSize:     10,
		NoEventsReadAction: PersistAllEventsFromOtherSource,
		SourceWriterOperationsCompleteCheckRetryAttempts: 3,
		RetryInterval: 10 * time.Millisecond,
	}
	m := New(cfg, source1, source2, target, rtr, newTestFlushStrategy(t), newTestFlushStrategy(t),
		migration.NewManager(), nil, nil, nil, nil)

	err = m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, acherrors.Is(err, acherrors.KindQuiescenceTimeout))
}
