package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/db"
	"github.com/Tompark0927/bus-assigning/pkg/events"
)

// errRecallNotNeeded marks an expired call whose shift needs no urgent recall
var errRecallNotNeeded = errors.New("urgent recall not needed")

// SweepResult summarises one sweep pass
type SweepResult struct {
	Expired        int
	ExpiredTokens  int64
	Recalled       int
	RecallFailures int
	// RecalledCalls are the urgent calls opened by this pass
	RecalledCalls []IssueResult
}

// Sweep closes every OPEN call past its deadline and expires its PENDING
// tokens in one transaction. Afterwards each expired shift that starts within
// the urgent lead time and is still unconfirmed gets an urgent call; those
// recalls fail independently and are only logged.
func (e *Engine) Sweep(ctx context.Context) (*SweepResult, error) {
	started := e.now()
	res := &SweepResult{}

	var expired []db.ExpiredCall
	err := e.store.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		var err error
		expired, err = tx.LockExpiredCalls(ctx, started)
		if err != nil {
			return storeError("expired calls", err)
		}
		if len(expired) == 0 {
			return nil
		}

		ids := make([]string, len(expired))
		for i, ec := range expired {
			ids[i] = ec.Call.ID
		}

		n, err := tx.ExpirePendingTokens(ctx, ids)
		if err != nil {
			return writeError("expire tokens", err)
		}
		res.ExpiredTokens = n

		if err := tx.CloseCalls(ctx, ids, db.CloseReasonExpired); err != nil {
			return writeError("close calls", err)
		}

		for _, ec := range expired {
			err := tx.AppendEvent(ctx, db.Event{
				ID:    uuid.NewString(),
				Type:  db.EventCallExpired,
				Actor: systemActor,
				Payload: map[string]any{
					"call_id":    ec.Call.ID,
					"shift_id":   ec.Call.ShiftID,
					"expires_at": ec.Call.ExpiresAt.UTC().Format(time.RFC3339),
				},
				TS: started,
			})
			if err != nil {
				return writeError("append event", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	res.Expired = len(expired)
	if res.Expired > 0 {
		e.logger.Info("Expired calls closed",
			zap.Int("calls", res.Expired),
			zap.Int64("tokens", res.ExpiredTokens))
	}

	for _, ec := range expired {
		e.publish(ctx, events.TypeCallClosed, map[string]any{
			"call_id":  ec.Call.ID,
			"shift_id": ec.Call.ShiftID,
			"reason":   events.ReasonExpired,
		})
	}

	for _, ec := range expired {
		recalled, err := e.recall(ctx, ec)
		switch {
		case errors.Is(err, errRecallNotNeeded):
		case err != nil:
			res.RecallFailures++
			e.metrics.IncrementRecallFailure(Kind(err))
			e.logger.Warn("Urgent recall failed",
				zap.String("call_id", ec.Call.ID),
				zap.String("shift_id", ec.Shift.ID),
				zap.Error(err))
		default:
			res.Recalled++
			res.RecalledCalls = append(res.RecalledCalls, *recalled)
		}
	}

	e.metrics.RecordSweep(res.Expired, res.Recalled, e.now().Sub(started))
	return res, nil
}

// recall opens an urgent call for an expired call's shift when the shift
// starts within the urgent lead time and is still unconfirmed
func (e *Engine) recall(ctx context.Context, ec db.ExpiredCall) (*IssueResult, error) {
	start, err := ec.Shift.StartsAt(e.cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	now := e.now()
	if untilStart := start.Sub(now); untilStart <= 0 || untilStart > e.cfg.UrgentLeadTime {
		return nil, errRecallNotNeeded
	}

	req := IssueRequest{
		ShiftID:      ec.Shift.ID,
		ExpiryWindow: e.cfg.UrgentExpiry,
		Actor:        systemActor,
		Urgent:       true,
	}

	var out *issued
	err = e.withShiftLock(ctx, ec.Shift.ID, func(ctx context.Context, tx db.Tx, assignment *db.Assignment) error {
		if assignment != nil && assignment.Status == db.AssignmentConfirmed {
			return errRecallNotNeeded
		}
		var err error
		out, err = e.issueLocked(ctx, tx, req, assignment, now)
		return err
	})
	if errors.Is(err, errRecallNotNeeded) {
		return nil, err
	}
	if err != nil {
		return nil, classify(err)
	}

	e.logger.Info("Urgent recall issued",
		zap.String("expired_call_id", ec.Call.ID),
		zap.String("call_id", out.call.ID),
		zap.String("shift_id", ec.Shift.ID),
		zap.Duration("starts_in", start.Sub(now)))

	e.afterIssue(ctx, out)
	return out.result(), nil
}
