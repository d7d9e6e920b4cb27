package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Tompark0927/bus-assigning/pkg/db"
)

const tokenColumns = `t.id, t.call_id, t.driver_id, t.token, t.status, t.ttl, t.created_at, t.responded_at`

func tokenDest(tk *db.CallToken) []any {
	return []any{&tk.ID, &tk.CallID, &tk.DriverID, &tk.Token, &tk.Status, &tk.TTL, &tk.CreatedAt, &tk.RespondedAt}
}

func (t *pgTx) InsertTokens(ctx context.Context, tokens []db.CallToken) error {
	if len(tokens) == 0 {
		return nil
	}
	n, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"call_tokens"},
		[]string{"id", "call_id", "driver_id", "token", "status", "ttl", "created_at", "responded_at"},
		pgx.CopyFromSlice(len(tokens), func(i int) ([]any, error) {
			tk := tokens[i]
			return []any{tk.ID, tk.CallID, tk.DriverID, tk.Token, string(tk.Status), tk.TTL, tk.CreatedAt, tk.RespondedAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to insert call tokens: %w", err)
	}
	if int(n) != len(tokens) {
		return fmt.Errorf("inserted %d of %d call tokens", n, len(tokens))
	}
	return nil
}

func (t *pgTx) lockTokenWhere(ctx context.Context, cond string, args ...any) (*db.CallToken, error) {
	var tk db.CallToken
	err := t.tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM call_tokens t WHERE `+cond+` FOR UPDATE`, args...).
		Scan(tokenDest(&tk)...)
	if err != nil {
		return nil, notFound(err, "failed to lock call token")
	}
	return &tk, nil
}

func (t *pgTx) LockToken(ctx context.Context, callID, token string) (*db.CallToken, error) {
	return t.lockTokenWhere(ctx, `t.call_id = $1 AND t.token = $2`, callID, token)
}

func (t *pgTx) LockDriverToken(ctx context.Context, callID, driverID string) (*db.CallToken, error) {
	return t.lockTokenWhere(ctx, `t.call_id = $1 AND t.driver_id = $2`, callID, driverID)
}

func (t *pgTx) SetTokenStatus(ctx context.Context, tokenID string, status db.TokenStatus, respondedAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE call_tokens SET status = $2, responded_at = $3 WHERE id = $1
	`, tokenID, string(status), respondedAt)
	if err != nil {
		return fmt.Errorf("failed to set token %s to %s: %w", tokenID, status, err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// ListResponders reads the RESPONDED tokens of a call with each driver's day
// state and streak. Callers hold the call lock, which keeps the set stable.
func (t *pgTx) ListResponders(ctx context.Context, callID, serviceDate string) ([]db.Responder, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT t.id, t.driver_id, COALESCE(ds.state, 'WORKING'),
			COALESCE(st.consecutive_work_days, 0), t.responded_at
		FROM call_tokens t
		LEFT JOIN driver_states ds ON ds.driver_id = t.driver_id AND ds.service_date = $2::date
		LEFT JOIN driver_streaks st ON st.driver_id = t.driver_id
		WHERE t.call_id = $1 AND t.status = 'RESPONDED'
		ORDER BY t.responded_at, t.id
	`, callID, serviceDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query responders for call %s: %w", callID, err)
	}
	return scanAll(rows, func(r *db.Responder) []any {
		return []any{&r.TokenID, &r.DriverID, &r.DayState, &r.Streak, &r.RespondedAt}
	})
}

func (t *pgTx) MarkRespondersLost(ctx context.Context, callID, winnerTokenID string) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE call_tokens SET status = 'LOST'
		WHERE call_id = $1 AND id <> $2 AND status = 'RESPONDED'
	`, callID, winnerTokenID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark responders lost for call %s: %w", callID, err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) ExpirePendingTokens(ctx context.Context, callIDs []string) (int64, error) {
	if len(callIDs) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE call_tokens SET status = 'EXPIRED'
		WHERE call_id = ANY($1) AND status = 'PENDING'
	`, callIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to expire pending tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) ListAvailableCalls(ctx context.Context, driverID string, now time.Time) ([]db.AvailableCall, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT c.id, t.token, t.status, c.expires_at, c.urgent, `+shiftColumns+`
		FROM call_tokens t
		JOIN calls c ON c.id = t.call_id
		JOIN shifts s ON s.id = c.shift_id
		WHERE t.driver_id = $1
			AND t.status IN ('PENDING', 'RESPONDED')
			AND c.state = 'OPEN'
			AND c.expires_at > $2
		ORDER BY c.expires_at, c.id
	`, driverID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query available calls for driver %s: %w", driverID, err)
	}
	return scanAll(rows, func(a *db.AvailableCall) []any {
		return append([]any{&a.CallID, &a.Token, &a.TokenStatus, &a.ExpiresAt, &a.Urgent}, shiftDest(&a.Shift)...)
	})
}
