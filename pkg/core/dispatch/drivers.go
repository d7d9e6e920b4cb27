package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/db"
)

// MaxRecentDays bounds ListRecentCalls
const MaxRecentDays = 90

// SetDriverState declares a driver's availability for a service date. An
// empty date means today. Only admins may set BLOCKED.
func (e *Engine) SetDriverState(ctx context.Context, driverID, date string, state db.DayState, byAdmin bool) error {
	if driverID == "" {
		return fmt.Errorf("%w: driver id is required", ErrValidation)
	}
	if !state.IsValid() {
		return fmt.Errorf("%w: unknown state %q", ErrValidation, state)
	}
	if state == db.DayBlocked && !byAdmin {
		return fmt.Errorf("%w: only administrators can block a driver", ErrForbidden)
	}
	if date == "" {
		date = e.today().Format(db.DateLayout)
	} else if _, err := time.Parse(db.DateLayout, date); err != nil {
		return fmt.Errorf("%w: date must be YYYY-MM-DD", ErrValidation)
	}

	err := e.store.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		if err := tx.UpsertDriverState(ctx, db.DriverState{DriverID: driverID, ServiceDate: date, State: state}); err != nil {
			return writeError("set driver state", err)
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}

	e.logger.Info("Driver state set",
		zap.String("driver_id", driverID),
		zap.String("date", date),
		zap.String("state", string(state)))
	return nil
}

// RegisterDevice stores the driver's push notification token
func (e *Engine) RegisterDevice(ctx context.Context, driverID, deviceToken string) error {
	if driverID == "" {
		return fmt.Errorf("%w: driver identity is required", ErrAuth)
	}
	deviceToken = strings.TrimSpace(deviceToken)
	if deviceToken == "" {
		return fmt.Errorf("%w: device token is required", ErrValidation)
	}

	err := e.store.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		if err := tx.SetDeviceToken(ctx, driverID, deviceToken); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: driver %s", ErrNotFound, driverID)
			}
			return writeError("register device", err)
		}
		return nil
	})
	return classify(err)
}

// ListAvailableCalls returns the open calls the driver can still answer
func (e *Engine) ListAvailableCalls(ctx context.Context, driverID string) ([]db.AvailableCall, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver identity is required", ErrAuth)
	}

	var calls []db.AvailableCall
	err := e.store.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		var err error
		calls, err = tx.ListAvailableCalls(ctx, driverID, e.now())
		if err != nil {
			return storeError("available calls", err)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return calls, nil
}

// ListRecentCalls returns calls created in the last days days, newest first
func (e *Engine) ListRecentCalls(ctx context.Context, days int) ([]db.CallSummary, error) {
	if days <= 0 || days > MaxRecentDays {
		return nil, fmt.Errorf("%w: days must be between 1 and %d", ErrValidation, MaxRecentDays)
	}
	since := e.now().AddDate(0, 0, -days)

	var calls []db.CallSummary
	err := e.store.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		var err error
		calls, err = tx.ListRecentCalls(ctx, since)
		if err != nil {
			return storeError("recent calls", err)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return calls, nil
}
