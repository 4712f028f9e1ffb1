package eventlog

import (
	"context"
	"os"
	"testing"
	"time"

	"accessgraph.dev/acherrors"
	"accessgraph.dev/event"
	"accessgraph.dev/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnionAllSQL_ContainsEveryTable(t *testing.T) {
	sqlText := unionAllSQL()
	for _, ts := range tableSpecs {
		assert.Contains(t, sqlText, ts.name)
	}
}

func TestTableSpecFor_PanicsOnUnknownKind(t *testing.T) {
	assert.Panics(t, func() { tableSpecFor(event.Kind("Bogus")) })
}

// newTestStore opens a Store against DATABASE_URL and skips the test when it
// is unset, so the suite passes without a live Postgres while still
// exercising the real queries when one is available.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping eventlog integration test")
	}
	ctx := context.Background()
	db, err := storage.NewDB(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	gdb, err := storage.GormOpen(dsn)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(gdb))

	// Each test asserts against log positions, so it needs an empty log.
	require.NoError(t, db.Exec(ctx, "TRUNCATE event_id_sequence"))
	for _, ts := range tableSpecs {
		require.NoError(t, db.Exec(ctx, "TRUNCATE "+ts.name))
	}

	return NewStore(db)
}

func TestStore_AppendBatchAssignsTransactionOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []event.Event{
		{EventID: uuid.New(), Kind: event.KindUser, Action: event.ActionAdd, OccurredTime: time.Now(), HashCode: 10, Payload: event.Payload{User: "alice"}},
		{EventID: uuid.New(), Kind: event.KindUser, Action: event.ActionAdd, OccurredTime: time.Now(), HashCode: 20, Payload: event.Payload{User: "bob"}},
	}

	stamped, err := store.AppendBatch(ctx, events)
	require.NoError(t, err)
	require.Len(t, stamped, 2)
	assert.Equal(t, stamped[0].TransactionTime, stamped[1].TransactionTime)
	assert.Equal(t, int64(0), stamped[0].TransactionSequence)
	assert.Equal(t, int64(1), stamped[1].TransactionSequence)
}

func TestStore_GetInitialEventAndGetNextAfterWalkTheLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []event.Event{
		{EventID: uuid.New(), Kind: event.KindUser, Action: event.ActionAdd, OccurredTime: time.Now(), HashCode: 10, Payload: event.Payload{User: "carol"}},
		{EventID: uuid.New(), Kind: event.KindUser, Action: event.ActionAdd, OccurredTime: time.Now(), HashCode: 20, Payload: event.Payload{User: "dave"}},
	}
	stamped, err := store.AppendBatch(ctx, events)
	require.NoError(t, err)

	first, err := store.GetInitialEvent(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, stamped[0].EventID, first.EventID)

	next, err := store.GetNextAfter(ctx, first.EventID.String())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, stamped[1].EventID, next.EventID)

	tail, err := store.GetNextAfter(ctx, next.EventID.String())
	require.NoError(t, err)
	assert.Nil(t, tail)
}

func TestStore_GetNextAfterUnknownEventFails(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetNextAfter(context.Background(), uuid.New().String())
	require.Error(t, err)
	assert.True(t, acherrors.Is(err, acherrors.KindEventNotFound))
}

func TestStore_GetEventsAppliesHashRangeAndBypasses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := event.Event{EventID: uuid.New(), Kind: event.KindUser, Action: event.ActionAdd, OccurredTime: time.Now(), HashCode: 0, Payload: event.Payload{User: "start"}}
	inRange := event.Event{EventID: uuid.New(), Kind: event.KindUser, Action: event.ActionAdd, OccurredTime: time.Now(), HashCode: 50, Payload: event.Payload{User: "in"}}
	outOfRange := event.Event{EventID: uuid.New(), Kind: event.KindUser, Action: event.ActionAdd, OccurredTime: time.Now(), HashCode: 500, Payload: event.Payload{User: "out"}}
	entity := event.Event{EventID: uuid.New(), Kind: event.KindEntityType, Action: event.ActionAdd, OccurredTime: time.Now(), HashCode: 500, Payload: event.Payload{EntityType: "Document"}}

	stamped, err := store.AppendBatch(ctx, []event.Event{start, inRange, outOfRange, entity})
	require.NoError(t, err)

	got, err := store.GetEvents(ctx, stamped[0].EventID.String(), event.HashRange{Start: 0, End: 100}, true, 0)
	require.NoError(t, err)
	assert.Empty(t, got, "max_count=0 must return empty without touching storage")

	got, err = store.GetEvents(ctx, stamped[0].EventID.String(), event.HashRange{Start: 0, End: 100}, true, -1)
	require.NoError(t, err)
	var ids []uuid.UUID
	for _, e := range got {
		ids = append(ids, e.EventID)
	}
	assert.Contains(t, ids, stamped[0].EventID)
	assert.Contains(t, ids, stamped[1].EventID)
	assert.Contains(t, ids, stamped[3].EventID, "EntityType events bypass the hash filter")
	assert.NotContains(t, ids, stamped[2].EventID)
}

func TestStore_DeleteInRangeRemovesMatchingRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u := event.Event{EventID: uuid.New(), Kind: event.KindUser, Action: event.ActionAdd, OccurredTime: time.Now(), HashCode: 10, Payload: event.Payload{User: "erin"}}
	g := event.Event{EventID: uuid.New(), Kind: event.KindGroup, Action: event.ActionAdd, OccurredTime: time.Now(), HashCode: 10, Payload: event.Payload{Group: "engineers"}}

	_, err := store.AppendBatch(ctx, []event.Event{u, g})
	require.NoError(t, err)

	err = store.DeleteInRange(ctx, event.HashRange{Start: 0, End: 20}, true)
	require.NoError(t, err)

	_, err = store.GetNextAfter(ctx, u.EventID.String())
	assert.True(t, acherrors.Is(err, acherrors.KindEventNotFound))
}
