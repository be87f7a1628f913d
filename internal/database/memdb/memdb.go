// Package memdb is a no-op database.DB/database.Tx pair for running the
// execution core without Postgres: every store this core ships also has an
// InMemoryStore that ignores the tx argument entirely, so the transaction
// plumbing only needs to round-trip Begin/Commit/Rollback without touching
// real storage. Used by the unit tests that drive the Bus, the Executor and
// the HTTP handlers through their real transaction boundaries against
// in-memory stores. Grounded on cmd/offline-runner,
// which ran the same command/outbox flow with no database at all.
package memdb

import (
	"context"

	"github.com/linkmeAman/universal-middleware/internal/database"
)

// DB is a database.DB that opens no-op transactions. Exec/Query/QueryRow are
// never expected to be called directly on it by this core's stores (they
// all operate through a Tx, except the few read-only lookups command.Store
// and others issue straight against DB); those return empty results since
// InMemoryStore implementations never delegate to them.
type DB struct{}

func New() *DB { return &DB{} }

func (d *DB) Exec(context.Context, string, ...interface{}) (database.CommandTag, error) {
	return tag{}, nil
}

func (d *DB) Query(context.Context, string, ...interface{}) (database.Rows, error) {
	return rows{}, nil
}

func (d *DB) QueryRow(context.Context, string, ...interface{}) database.Row {
	return row{}
}

func (d *DB) Begin(context.Context) (database.Tx, error) {
	return &Tx{}, nil
}

func (d *DB) BeginTx(context.Context, database.TxOptions) (database.Tx, error) {
	return &Tx{}, nil
}

func (d *DB) Close() {}

func (d *DB) Ping(context.Context) error { return nil }

func (d *DB) Stats() *database.Stats { return &database.Stats{} }

// Tx is the transaction memdb.DB hands out. Commit and Rollback are both
// no-ops: the InMemoryStore mutations this core's stores perform happen
// synchronously and unconditionally, so there is nothing to roll back.
// This means memdb cannot reproduce the executor's "retryable failure
// rolls back the inbox mark" guarantee: an inbox.InMemoryStore mark stays
// after Tx.Rollback, no InMemoryStore offers a rollback of its own, and the
// tests run against memdb assert on store state directly instead.
type Tx struct{}

func (t *Tx) Commit(context.Context) error   { return nil }
func (t *Tx) Rollback(context.Context) error { return nil }

func (t *Tx) Exec(context.Context, string, ...interface{}) (database.CommandTag, error) {
	return tag{}, nil
}

func (t *Tx) Query(context.Context, string, ...interface{}) (database.Rows, error) {
	return rows{}, nil
}

func (t *Tx) QueryRow(context.Context, string, ...interface{}) database.Row {
	return row{}
}

type tag struct{}

func (tag) RowsAffected() int64 { return 0 }

type row struct{}

func (row) Scan(...interface{}) error { return nil }

type rows struct{}

func (rows) Close()            {}
func (rows) Err() error         { return nil }
func (rows) Next() bool         { return false }
func (rows) Scan(...interface{}) error { return nil }
