// Package storage provides the PostgreSQL connection primitives the event
// log and bulk persister are built on: a pgx connection pool for the hot
// insert/query/delete path, and a GORM handle used once per shard group,
// when its storage is provisioned, to establish the schema. pgx is noticeably faster for bulk inserts and
// time-ordered range scans, which is all the hot path does; GORM only ever
// runs AutoMigrate.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB wraps a pgx connection pool with the helpers the event log and
// persister need: plain Exec/Query/QueryRow plus transaction-scoped
// variants for batched, all-or-nothing commits.
type DB struct {
	pool *pgxpool.Pool
}

// NewDB opens a pgx connection pool against connString, which follows the
// standard PostgreSQL URL form:
//
//	postgresql://[user[:password]@][host][:port][/dbname][?param1=value1&...]
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() { db.pool.Close() }

// Pool returns the underlying pgx pool for callers that need it directly
// (e.g. to acquire a dedicated connection for LISTEN).
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Exec executes a statement that returns no rows.
func (db *DB) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := db.pool.Exec(ctx, sql, args...)
	return err
}

// Query runs a query returning rows. The caller must Close() the result.
func (db *DB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

// QueryRow runs a query expected to return at most one row.
func (db *DB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// Tx runs fn inside a serializable transaction, committing if fn returns
// nil and rolling back otherwise. The bulk persister uses this for its
// atomic multi-row batch inserts.
func (db *DB) Tx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GormOpen opens a GORM handle over the same connection string, used only
// to run schema migrations when a shard group is provisioned (see schema.go). The hot path never
// goes through GORM.
func GormOpen(connString string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(connString), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm connection: %w", err)
	}
	return gdb, nil
}
