package pg

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Session is the access-control identity applied to one transaction.
// Row-level security policies read Settings through current_setting().
type Session struct {
	Role     string
	Settings map[string]string
}

// ReadOnly runs fn inside a read-only transaction with the session applied
// using transaction-local SET LOCAL ROLE and set_config(..., true). The
// transaction is always rolled back, so nothing leaks into the pooled
// connection.
func (p *ConnectionPool) ReadOnly(ctx context.Context, sess Session, fn func(tx pgx.Tx) error) error {
	return p.inSession(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, sess, fn)
}

// Discarded runs fn inside a read-write transaction with the session applied
// and rolls it back afterwards, so writes are checked by the policies but
// never kept.
func (p *ConnectionPool) Discarded(ctx context.Context, sess Session, fn func(tx pgx.Tx) error) error {
	return p.inSession(ctx, pgx.TxOptions{AccessMode: pgx.ReadWrite}, sess, fn)
}

func (p *ConnectionPool) inSession(ctx context.Context, opts pgx.TxOptions, sess Session, fn func(tx pgx.Tx) error) error {
	tx, err := p.conn.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if sess.Role != "" {
		if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{sess.Role}.Sanitize()); err != nil {
			return fmt.Errorf("set role %q: %w", sess.Role, err)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(sess.Settings)) {
		if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", k, sess.Settings[k]); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}

	return fn(tx)
}

// IsConnectionError reports failures that make the backend unusable rather
// than failing a single query: connect errors, SQLSTATE class 08 (connection
// exception) and class 28 (invalid authorization).
func IsConnectionError(err error) bool {
	var ce *pgconn.ConnectError
	if errors.As(err, &ce) {
		return true
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && len(pe.Code) >= 2 {
		switch pe.Code[:2] {
		case "08", "28":
			return true
		}
	}
	return false
}
