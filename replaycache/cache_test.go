package replaycache

import (
	"sync"
	"testing"
	"time"

	"accessgraph.dev/acherrors"
	"accessgraph.dev/event"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkEvent(user string) event.Event {
	return event.Event{
		EventID:      uuid.New(),
		Kind:         event.KindUser,
		Action:       event.ActionAdd,
		OccurredTime: time.Now(),
		Payload:      event.Payload{User: user},
	}
}

// TestCache_EvictionScenario: capacity 2, insert e1,e2,e3.
// EventsSince(e1) -> EventNotCached (evicted); EventsSince(e2) -> [e3];
// EventsSince(e3) -> [].
func TestCache_EvictionScenario(t *testing.T) {
	c := New(2)
	e1, e2, e3 := mkEvent("u1"), mkEvent("u2"), mkEvent("u3")

	c.Insert([]event.Event{e1})
	c.Insert([]event.Event{e2})
	c.Insert([]event.Event{e3})

	assert.Equal(t, 2, c.Len())

	_, err := c.EventsSince(e1.EventID)
	require.Error(t, err)
	assert.True(t, acherrors.Is(err, acherrors.KindEventNotCached))

	got, err := c.EventsSince(e2.EventID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e3.EventID, got[0].EventID)

	got, err = c.EventsSince(e3.EventID)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = c.EventsSince(uuid.New())
	require.Error(t, err)
	assert.True(t, acherrors.Is(err, acherrors.KindEventNotCached))
}

func TestCache_InsertPreservesArrivalOrder(t *testing.T) {
	c := New(10)
	e1, e2, e3 := mkEvent("u1"), mkEvent("u2"), mkEvent("u3")
	c.Insert([]event.Event{e1, e2, e3})

	got, err := c.EventsSince(e1.EventID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, e2.EventID, got[0].EventID)
	assert.Equal(t, e3.EventID, got[1].EventID)
}

func TestCache_ConcurrentInsertAndRead(t *testing.T) {
	c := New(1000)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Insert([]event.Event{mkEvent("concurrent")})
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, c.Len())
}
