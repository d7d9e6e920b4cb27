package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Tompark0927/bus-assigning/pkg/db"
)

func (t *pgTx) ListCandidates(ctx context.Context, serviceDate, excludeDriverID string) ([]db.Candidate, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT d.id, d.name, d.device_token, COALESCE(ds.state, 'WORKING'),
			COALESCE(st.consecutive_work_days, 0)
		FROM drivers d
		LEFT JOIN driver_states ds ON ds.driver_id = d.id AND ds.service_date = $1::date
		LEFT JOIN driver_streaks st ON st.driver_id = d.id
		WHERE d.active
			AND COALESCE(d.device_token, '') <> ''
			AND d.id <> $2
			AND COALESCE(ds.state, 'WORKING') <> 'BLOCKED'
	`, serviceDate, excludeDriverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates for %s: %w", serviceDate, err)
	}
	return scanAll(rows, func(c *db.Candidate) []any {
		return []any{&c.DriverID, &c.Name, &c.DeviceToken, &c.DayState, &c.Streak}
	})
}

func (t *pgTx) ListActiveDriverIDs(ctx context.Context) ([]string, error) {
	rows, err := t.tx.Query(ctx, `SELECT id FROM drivers WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active drivers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan active drivers: %w", err)
	}
	return ids, nil
}

func (t *pgTx) UpsertDriverState(ctx context.Context, state db.DriverState) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO driver_states (driver_id, service_date, state)
		VALUES ($1, $2::date, $3)
		ON CONFLICT (driver_id, service_date) DO UPDATE SET state = EXCLUDED.state
	`, state.DriverID, state.ServiceDate, string(state.State))
	if err != nil {
		return fmt.Errorf("failed to set %s state for driver %s: %w", state.ServiceDate, state.DriverID, err)
	}
	return nil
}

func (t *pgTx) SetDeviceToken(ctx context.Context, driverID, deviceToken string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE drivers SET device_token = $2 WHERE id = $1`, driverID, deviceToken)
	if err != nil {
		return fmt.Errorf("failed to set device token for driver %s: %w", driverID, err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (t *pgTx) ClearDeviceToken(ctx context.Context, deviceToken string) error {
	_, err := t.tx.Exec(ctx, `UPDATE drivers SET device_token = NULL WHERE device_token = $1`, deviceToken)
	if err != nil {
		return fmt.Errorf("failed to clear device token: %w", err)
	}
	return nil
}

func (t *pgTx) ListWorkDays(ctx context.Context, from, to string) ([]db.WorkDay, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT DISTINCT a.driver_id, to_char(s.service_date, 'YYYY-MM-DD')
		FROM assignments a
		JOIN shifts s ON s.id = a.shift_id
		WHERE a.status = 'CONFIRMED'
			AND a.driver_id IS NOT NULL
			AND s.service_date BETWEEN $1::date AND $2::date
		ORDER BY 1, 2
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query work days: %w", err)
	}
	return scanAll(rows, func(w *db.WorkDay) []any {
		return []any{&w.DriverID, &w.ServiceDate}
	})
}

func (t *pgTx) UpsertStreaks(ctx context.Context, streaks []db.DriverStreak) error {
	if len(streaks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range streaks {
		batch.Queue(`
			INSERT INTO driver_streaks (driver_id, consecutive_work_days, last_off_date, updated_at)
			VALUES ($1, $2, $3::date, $4)
			ON CONFLICT (driver_id) DO UPDATE
			SET consecutive_work_days = EXCLUDED.consecutive_work_days,
				last_off_date = COALESCE(EXCLUDED.last_off_date, driver_streaks.last_off_date),
				updated_at = EXCLUDED.updated_at
		`, s.DriverID, s.ConsecutiveWorkDays, nullable(s.LastOffDate), s.UpdatedAt)
	}

	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert %d driver streaks: %w", len(streaks), err)
	}
	return nil
}
