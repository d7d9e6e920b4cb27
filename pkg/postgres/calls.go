package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Tompark0927/bus-assigning/pkg/db"
)

const callColumns = `c.id, c.shift_id, c.policy, c.state, c.urgent, c.created_by,
	c.created_at, c.expires_at, c.closed_reason`

// callRow carries the nullable closed_reason until it is folded into a db.Call
type callRow struct {
	call         db.Call
	closedReason *string
	shift        db.Shift
}

func (r *callRow) callDest() []any {
	c := &r.call
	return []any{&c.ID, &c.ShiftID, &c.Policy, &c.State, &c.Urgent, &c.CreatedBy,
		&c.CreatedAt, &c.ExpiresAt, &r.closedReason}
}

func (r *callRow) withShiftDest() []any {
	return append(r.callDest(), shiftDest(&r.shift)...)
}

func (r *callRow) result() db.Call {
	c := r.call
	c.ClosedReason = deref(r.closedReason)
	return c
}

func (t *pgTx) GetOpenCall(ctx context.Context, shiftID string) (*db.Call, error) {
	var r callRow
	err := t.tx.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM calls c
		WHERE c.shift_id = $1 AND c.state = 'OPEN'
	`, shiftID).Scan(r.callDest()...)
	if err != nil {
		return nil, notFound(err, "failed to get open call for shift %s", shiftID)
	}
	call := r.result()
	return &call, nil
}

func (t *pgTx) InsertCall(ctx context.Context, call db.Call) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO calls (id, shift_id, policy, state, urgent, created_by, created_at, expires_at, closed_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, call.ID, call.ShiftID, string(call.Policy), string(call.State), call.Urgent, call.CreatedBy,
		call.CreatedAt, call.ExpiresAt, nullable(call.ClosedReason))
	if err != nil {
		if isUniqueViolation(err, openCallPerShiftIndex) {
			return db.ErrOpenCallExists
		}
		return fmt.Errorf("failed to insert call for shift %s: %w", call.ShiftID, err)
	}
	return nil
}

func (t *pgTx) LockCall(ctx context.Context, callID string) (*db.Call, error) {
	var r callRow
	err := t.tx.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM calls c
		WHERE c.id = $1
		FOR UPDATE
	`, callID).Scan(r.callDest()...)
	if err != nil {
		return nil, notFound(err, "failed to lock call %s", callID)
	}
	call := r.result()
	return &call, nil
}

func (t *pgTx) CloseCall(ctx context.Context, callID, reason string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE calls SET state = 'CLOSED', closed_reason = $2 WHERE id = $1
	`, callID, reason)
	if err != nil {
		return fmt.Errorf("failed to close call %s: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// LockExpiredCalls locks OPEN calls whose deadline is before now. A concurrent
// sweeper blocks on the same rows and, once they commit, re-checks state and
// skips them.
func (t *pgTx) LockExpiredCalls(ctx context.Context, now time.Time) ([]db.ExpiredCall, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+callColumns+`, `+shiftColumns+`
		FROM calls c
		JOIN shifts s ON s.id = c.shift_id
		WHERE c.state = 'OPEN' AND c.expires_at < $1
		ORDER BY c.expires_at, c.id
		FOR UPDATE OF c
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired calls: %w", err)
	}
	found, err := scanAll(rows, (*callRow).withShiftDest)
	if err != nil {
		return nil, err
	}

	expired := make([]db.ExpiredCall, 0, len(found))
	for i := range found {
		expired = append(expired, db.ExpiredCall{Call: found[i].result(), Shift: found[i].shift})
	}
	return expired, nil
}

func (t *pgTx) CloseCalls(ctx context.Context, callIDs []string, reason string) error {
	if len(callIDs) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx, `
		UPDATE calls SET state = 'CLOSED', closed_reason = $2 WHERE id = ANY($1)
	`, callIDs, reason)
	if err != nil {
		return fmt.Errorf("failed to close %d calls: %w", len(callIDs), err)
	}
	return nil
}

func (t *pgTx) ListRecentCalls(ctx context.Context, since time.Time) ([]db.CallSummary, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+callColumns+`, `+shiftColumns+`,
			COUNT(tk.id),
			COUNT(tk.id) FILTER (WHERE tk.status = 'PENDING'),
			COUNT(tk.id) FILTER (WHERE tk.status = 'RESPONDED'),
			COALESCE(MAX(tk.driver_id) FILTER (WHERE tk.status = 'WON'), '')
		FROM calls c
		JOIN shifts s ON s.id = c.shift_id
		LEFT JOIN call_tokens tk ON tk.call_id = c.id
		WHERE c.created_at >= $1
		GROUP BY c.id, s.id
		ORDER BY c.created_at DESC, c.id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent calls: %w", err)
	}
	defer rows.Close()

	var summaries []db.CallSummary
	for rows.Next() {
		var (
			r                       callRow
			total, pending, replied int
			winner                  string
		)
		dest := append(r.withShiftDest(), &total, &pending, &replied, &winner)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan call summary: %w", err)
		}
		summaries = append(summaries, db.CallSummary{
			Call:            r.result(),
			Shift:           r.shift,
			TotalTokens:     total,
			PendingTokens:   pending,
			RespondedTokens: replied,
			WinnerDriverID:  winner,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recent calls: %w", err)
	}
	return summaries, nil
}
