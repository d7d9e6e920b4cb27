package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Tompark0927/bus-assigning/pkg/db"
)

// shiftColumns renders dates and clocks as text so they scan into plain strings
const shiftColumns = `s.id, to_char(s.service_date, 'YYYY-MM-DD'), s.route_id,
	to_char(s.start_time, 'HH24:MI'), to_char(s.end_time, 'HH24:MI')`

func shiftDest(s *db.Shift) []any {
	return []any{&s.ID, &s.ServiceDate, &s.RouteID, &s.StartTime, &s.EndTime}
}

func (t *pgTx) GetShift(ctx context.Context, shiftID string) (*db.Shift, error) {
	var s db.Shift
	err := t.tx.QueryRow(ctx, `SELECT `+shiftColumns+` FROM shifts s WHERE s.id = $1`, shiftID).
		Scan(shiftDest(&s)...)
	if err != nil {
		return nil, notFound(err, "failed to get shift %s", shiftID)
	}
	return &s, nil
}

func (t *pgTx) LockAssignment(ctx context.Context, shiftID string) (*db.Assignment, error) {
	var (
		a               db.Assignment
		driverID        *string
		cancelledReason *string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, shift_id, driver_id, status, confirmed_at, cancelled_reason, cancelled_at
		FROM assignments
		WHERE shift_id = $1
		FOR UPDATE
	`, shiftID).Scan(&a.ID, &a.ShiftID, &driverID, &a.Status, &a.ConfirmedAt, &cancelledReason, &a.CancelledAt)
	if err != nil {
		return nil, notFound(err, "failed to lock assignment for shift %s", shiftID)
	}
	a.DriverID = deref(driverID)
	a.CancelledReason = deref(cancelledReason)
	return &a, nil
}

func (t *pgTx) MarkAssignmentPlanned(ctx context.Context, shiftID string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO assignments (id, shift_id, status)
		VALUES ($1, $2, 'PLANNED')
		ON CONFLICT (shift_id) DO UPDATE
		SET status = 'PLANNED', confirmed_at = NULL
	`, uuid.NewString(), shiftID)
	if err != nil {
		return fmt.Errorf("failed to mark assignment planned for shift %s: %w", shiftID, err)
	}
	return nil
}

func (t *pgTx) CancelAssignment(ctx context.Context, shiftID, reason string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE assignments
		SET status = 'PLANNED', confirmed_at = NULL, cancelled_reason = $2, cancelled_at = $3
		WHERE shift_id = $1
	`, shiftID, reason, at)
	if err != nil {
		return fmt.Errorf("failed to cancel assignment for shift %s: %w", shiftID, err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (t *pgTx) ConfirmAssignment(ctx context.Context, shiftID, driverID string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO assignments (id, shift_id, driver_id, status, confirmed_at)
		VALUES ($1, $2, $3, 'CONFIRMED', $4)
		ON CONFLICT (shift_id) DO UPDATE
		SET driver_id = EXCLUDED.driver_id, status = 'CONFIRMED', confirmed_at = EXCLUDED.confirmed_at
	`, uuid.NewString(), shiftID, driverID, at)
	if err != nil {
		return fmt.Errorf("failed to confirm assignment for shift %s: %w", shiftID, err)
	}
	return nil
}
