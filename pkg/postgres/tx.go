package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Tompark0927/bus-assigning/pkg/db"
)

const (
	uniqueViolation       = "23505"
	openCallPerShiftIndex = "calls_one_open_per_shift"
)

// pgTx implements db.Tx on a single pgx transaction
type pgTx struct {
	tx pgx.Tx
}

var _ db.Tx = (*pgTx)(nil)

// notFound maps pgx.ErrNoRows to db.ErrNotFound and wraps everything else
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return db.ErrNotFound
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

// nullable returns nil for the zero value so optional columns are stored as NULL
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (t *pgTx) AppendEvent(ctx context.Context, event db.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	ts := event.TS
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO events (id, type, actor, payload, ts)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID, event.Type, event.Actor, payload, ts)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", event.Type, err)
	}
	return nil
}

// scanAll scans every row into a T using dest to address its fields
func scanAll[T any](rows pgx.Rows, dest func(*T) []any) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		var v T
		if err := rows.Scan(dest(&v)...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
