package dispatch

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/db"
)

// UpdateStreaks recomputes every driver's run of consecutive confirmed work
// days ending yesterday and stores the result. It returns the number of
// drivers written.
func (e *Engine) UpdateStreaks(ctx context.Context) (int, error) {
	today := e.today()
	yesterday := today.AddDate(0, 0, -1)
	from := today.AddDate(0, 0, -e.cfg.LookbackDays)
	now := e.now()

	var written int
	err := e.store.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		workDays, err := tx.ListWorkDays(ctx, from.Format(db.DateLayout), yesterday.Format(db.DateLayout))
		if err != nil {
			return storeError("work days", err)
		}
		active, err := tx.ListActiveDriverIDs(ctx)
		if err != nil {
			return storeError("active drivers", err)
		}

		byDriver := make(map[string][]string)
		for _, id := range active {
			byDriver[id] = nil
		}
		for _, wd := range workDays {
			byDriver[wd.DriverID] = append(byDriver[wd.DriverID], wd.ServiceDate)
		}

		streaks := make([]db.DriverStreak, 0, len(byDriver))
		for driverID, dates := range byDriver {
			run := consecutiveDaysEnding(dates, yesterday)
			s := db.DriverStreak{
				DriverID:            driverID,
				ConsecutiveWorkDays: run,
				UpdatedAt:           now,
			}
			if run == 0 {
				s.LastOffDate = yesterday.Format(db.DateLayout)
			}
			streaks = append(streaks, s)
		}
		sort.Slice(streaks, func(i, j int) bool {
			return streaks[i].DriverID < streaks[j].DriverID
		})

		if err := tx.UpsertStreaks(ctx, streaks); err != nil {
			return writeError("upsert streaks", err)
		}
		written = len(streaks)
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}

	e.metrics.RecordStreakUpdate(written)
	e.logger.Info("Driver streaks updated",
		zap.Int("drivers", written),
		zap.String("through", yesterday.Format(db.DateLayout)))
	return written, nil
}

// consecutiveDaysEnding returns the length of the unbroken run of dates that
// ends on end. Dates are YYYY-MM-DD, may repeat and come in any order;
// unparseable dates are ignored.
func consecutiveDaysEnding(dates []string, end time.Time) int {
	if len(dates) == 0 {
		return 0
	}

	days := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		t, err := time.Parse(db.DateLayout, d)
		if err != nil {
			continue
		}
		days = append(days, t)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].After(days[j]) })

	// walk backwards from end, one calendar day per step
	want := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	run := 0
	for _, d := range days {
		switch {
		case d.Equal(want):
			run++
			want = want.AddDate(0, 0, -1)
		case d.After(want):
			// duplicate of a day already counted, or after end
			continue
		default:
			return run
		}
	}
	return run
}
