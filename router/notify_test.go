package router

import (
	"context"
	"os"
	"testing"
	"time"

	"accessgraph.dev/shardconfig"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// newTestPool opens a pgx pool against DATABASE_URL and skips the test when
// it is unset, matching the pattern eventlog/store_test.go uses for gating
// real-Postgres tests behind an environment variable.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping router integration test")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestConfigListener_ReloadsOnNotify(t *testing.T) {
	pool := newTestPool(t)

	initial, err := shardconfig.NewSet(
		shardconfig.Configuration{DataElement: shardconfig.DataElementUser, Operation: shardconfig.OperationEvent, HashRangeStart: 0, ClientEndpoint: "http://shard-a"},
	)
	require.NoError(t, err)
	r := New(initial)

	reloaded, err := shardconfig.NewSet(
		shardconfig.Configuration{DataElement: shardconfig.DataElementUser, Operation: shardconfig.OperationEvent, HashRangeStart: 0, ClientEndpoint: "http://shard-a-v2"},
	)
	require.NoError(t, err)

	reloadCalled := make(chan struct{}, 1)
	listener := NewConfigListener(pool, "test_shard_config_channel", r, func(ctx context.Context) (*shardconfig.Set, error) {
		reloadCalled <- struct{}{}
		return reloaded, nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listener.Start(ctx)
	defer listener.Stop()

	select {
	case <-reloadCalled:
	case <-time.After(5 * time.Second):
		t.Fatal("expected an initial reload on LISTEN start")
	}

	_, err = pool.Exec(context.Background(), "NOTIFY test_shard_config_channel")
	require.NoError(t, err)

	select {
	case <-reloadCalled:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a reload after NOTIFY")
	}

	require.Eventually(t, func() bool {
		c, ok := r.Snapshot().Lookup(shardconfig.Key{DataElement: shardconfig.DataElementUser, Operation: shardconfig.OperationEvent, HashRangeStart: 0})
		return ok && c.ClientEndpoint == "http://shard-a-v2"
	}, time.Second, 10*time.Millisecond)
}
