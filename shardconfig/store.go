package shardconfig

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists a Set to a single Postgres table, one row per
// Configuration, so every node in a cluster can load the same shard
// configuration set at startup and be notified of changes to it via
// Postgres NOTIFY (router.ConfigListener).
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-open pool. Callers create the table by calling
// EnsureSchema once at startup.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the shard_configuration table if it doesn't already
// exist. Kept separate from storage.Migrate's GORM AutoMigrate pass since
// this table belongs to the config store, not the event log schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS shard_configuration (
			data_element     TEXT NOT NULL,
			operation        TEXT NOT NULL,
			hash_range_start INTEGER NOT NULL,
			client_endpoint  TEXT NOT NULL,
			storage_connection TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (data_element, operation, hash_range_start)
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure shard_configuration schema: %w", err)
	}
	return nil
}

// Load reads every row into a Set. Returns an empty Set if the table has no
// rows yet.
func (s *Store) Load(ctx context.Context) (*Set, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data_element, operation, hash_range_start, client_endpoint, storage_connection
		FROM shard_configuration
	`)
	if err != nil {
		return nil, fmt.Errorf("load shard configuration: %w", err)
	}
	defer rows.Close()

	var configs []Configuration
	for rows.Next() {
		var c Configuration
		var dataElement, operation string
		if err := rows.Scan(&dataElement, &operation, &c.HashRangeStart, &c.ClientEndpoint, &c.StorageConnection); err != nil {
			return nil, fmt.Errorf("scan shard configuration row: %w", err)
		}
		c.DataElement = DataElement(dataElement)
		c.Operation = Operation(operation)
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shard configuration rows: %w", err)
	}
	return NewSet(configs...)
}

// Save replaces the stored set with set's contents and issues a NOTIFY on
// channel so every other node's router.ConfigListener reloads.
func (s *Store) Save(ctx context.Context, set *Set, channel string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin shard configuration save: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM shard_configuration`); err != nil {
		return fmt.Errorf("clear shard_configuration: %w", err)
	}
	for _, c := range set.All() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO shard_configuration (data_element, operation, hash_range_start, client_endpoint, storage_connection)
			VALUES ($1, $2, $3, $4, $5)
		`, string(c.DataElement), string(c.Operation), c.HashRangeStart, c.ClientEndpoint, c.StorageConnection); err != nil {
			return fmt.Errorf("insert shard_configuration row: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("NOTIFY %s", channel)); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return tx.Commit(ctx)
}
