package persister

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"accessgraph.dev/acherrors"
	"accessgraph.dev/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink lets tests control whether the primary store succeeds, without
// depending on a real Postgres instance.
type fakeSink struct {
	fail    bool
	persist [][]event.Event
}

func (f *fakeSink) Persist(_ context.Context, events []event.Event) ([]event.Event, error) {
	if f.fail {
		return nil, errors.New("primary store unreachable")
	}
	f.persist = append(f.persist, events)
	return events, nil
}

func TestRedundantPersister_FallsBackToBackupFileOnPrimaryFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.bin")
	backup, err := NewBackupEventFile(path)
	require.NoError(t, err)

	primary := &fakeSink{fail: true}
	r := NewRedundantPersister(primary, backup)

	e := mkEvent(event.KindUser, event.Payload{User: "alice"})
	_, err = r.Persist(context.Background(), []event.Event{e})
	require.Error(t, err)
	assert.True(t, acherrors.Is(err, acherrors.KindStorageFault))

	journaled, err := backup.ReadAll()
	require.NoError(t, err)
	require.Len(t, journaled, 1)
	assert.Equal(t, e.EventID, journaled[0].EventID)
}

func TestRedundantPersister_ReplaysAndTruncatesOnNextSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.bin")
	backup, err := NewBackupEventFile(path)
	require.NoError(t, err)

	primary := &fakeSink{fail: true}
	r := NewRedundantPersister(primary, backup)

	stuck := mkEvent(event.KindUser, event.Payload{User: "alice"})
	_, err = r.Persist(context.Background(), []event.Event{stuck})
	require.Error(t, err)

	primary.fail = false
	next := mkEvent(event.KindUser, event.Payload{User: "bob"})
	_, err = r.Persist(context.Background(), []event.Event{next})
	require.NoError(t, err)

	require.Len(t, primary.persist, 2)
	assert.Equal(t, next.EventID, primary.persist[0][0].EventID)
	assert.Equal(t, stuck.EventID, primary.persist[1][0].EventID)

	journaled, err := backup.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, journaled, "journal must be truncated after a successful replay")
}
