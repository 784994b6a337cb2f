// Package persistence implements the Store port (core/port/out.Store)
// against PostgreSQL via pgx's database/sql driver and sqlx.
package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"mailsync/core/port/out"
)

// dbExt is satisfied by both *sqlx.DB and *sqlx.Tx, letting every query
// method run unmodified whether or not it's inside WithTx.
type dbExt interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// PostgresStore implements out.Store. The zero value is not usable;
// construct with NewPostgresStore.
type PostgresStore struct {
	db dbExt
	// root is the *sqlx.DB used to start new transactions; nil when this
	// PostgresStore itself wraps a transaction (WithTx does not nest).
	root *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, root: db}
}

var _ out.Store = (*PostgresStore)(nil)

// sqlxIn expands a "?"-placeholder query with a slice argument (sqlx.In)
// and rebinds it to Postgres's "$N" bindvar style.
func sqlxIn(query string, args ...any) (string, []any, error) {
	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("persistence: expand IN query: %w", err)
	}
	return sqlx.Rebind(sqlx.DOLLAR, expanded), expandedArgs, nil
}

// WithTx runs fn against a PostgresStore bound to a fresh transaction,
// committing iff fn returns nil. Per spec §5 "Store: single writer per
// transaction", nested calls are rejected rather than silently flattened.
func (s *PostgresStore) WithTx(ctx context.Context, fn out.TxFunc) error {
	if s.root == nil {
		return fmt.Errorf("persistence: WithTx called on a store already inside a transaction")
	}
	tx, err := s.root.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin transaction: %w", err)
	}
	txStore := &PostgresStore{db: tx}

	if err := fn(ctx, txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("persistence: commit transaction: %w", err)
	}
	return nil
}
