package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/db"
	"github.com/Tompark0927/bus-assigning/pkg/events"
)

// AcceptRequest is a driver answering a call with their token
type AcceptRequest struct {
	CallID   string
	Token    string
	DriverID string
}

// AcceptResult names the driver the shift went to
type AcceptResult struct {
	CallID         string
	ShiftID        string
	WinnerDriverID string
	// Won is true when the caller is the winner
	Won bool
}

// acceptOutcome carries what the post-commit step has to broadcast
type acceptOutcome struct {
	call   db.Call
	shift  db.Shift
	winner string
	// alreadyTaken marks the path that commits a LOST token and then fails
	alreadyTaken bool
}

// Accept records the caller's response and resolves the call.
//
// Locks are taken call -> token -> assignment. When the call was already
// resolved the caller's token is marked LOST, that change is committed and
// ErrConflict is returned.
func (e *Engine) Accept(ctx context.Context, req AcceptRequest) (*AcceptResult, error) {
	if req.DriverID == "" {
		return nil, fmt.Errorf("%w: driver identity is required", ErrAuth)
	}
	if strings.TrimSpace(req.CallID) == "" || strings.TrimSpace(req.Token) == "" {
		return nil, fmt.Errorf("%w: call id and token are required", ErrValidation)
	}

	var out acceptOutcome
	err := e.store.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		var err error
		out, err = e.acceptLocked(ctx, tx, req, e.now())
		return err
	})

	if err == nil && out.alreadyTaken {
		err = fmt.Errorf("%w: already taken", ErrConflict)
		e.publish(ctx, events.TypeCallClosed, map[string]any{
			"call_id":  out.call.ID,
			"shift_id": out.call.ShiftID,
			"reason":   events.ReasonAlreadyTaken,
		})
	}
	if err != nil {
		err = classify(err)
		e.metrics.RecordAccept(Kind(err))
		e.logger.Debug("Accept rejected",
			zap.String("call_id", req.CallID),
			zap.String("driver_id", req.DriverID),
			zap.Error(err))
		return nil, err
	}

	won := out.winner == req.DriverID
	if won {
		e.metrics.RecordAccept("won")
	} else {
		e.metrics.RecordAccept("outranked")
	}

	e.logger.Info("Call resolved",
		zap.String("call_id", out.call.ID),
		zap.String("shift_id", out.shift.ID),
		zap.String("winner_driver_id", out.winner),
		zap.String("accepted_by", req.DriverID))

	e.publish(ctx, events.TypeAssignmentConfirmed, map[string]any{
		"call_id":          out.call.ID,
		"shift_id":         out.shift.ID,
		"route_id":         out.shift.RouteID,
		"start_time":       out.shift.StartTime,
		"end_time":         out.shift.EndTime,
		"winner_driver_id": out.winner,
	})
	e.publish(ctx, events.TypeCallClosed, map[string]any{
		"call_id":  out.call.ID,
		"shift_id": out.shift.ID,
	})

	return &AcceptResult{
		CallID:         out.call.ID,
		ShiftID:        out.shift.ID,
		WinnerDriverID: out.winner,
		Won:            won,
	}, nil
}

func (e *Engine) acceptLocked(ctx context.Context, tx db.Tx, req AcceptRequest, now time.Time) (acceptOutcome, error) {
	var out acceptOutcome

	call, err := tx.LockCall(ctx, req.CallID)
	if err != nil {
		return out, storeError("call "+req.CallID, err)
	}
	out.call = *call

	tok, err := tx.LockToken(ctx, call.ID, req.Token)
	if err != nil {
		return out, storeError("token for call "+call.ID, err)
	}
	if tok.DriverID != req.DriverID {
		return out, fmt.Errorf("%w: token does not belong to this driver", ErrAuth)
	}

	switch tok.Status {
	case db.TokenPending, db.TokenResponded:
	case db.TokenLost:
		return out, fmt.Errorf("%w: already taken", ErrConflict)
	default:
		return out, fmt.Errorf("%w: token is %s", ErrGone, tok.Status)
	}

	if call.State != db.CallOpen {
		if call.ClosedReason == db.CloseReasonResolved {
			return e.markTaken(ctx, tx, out, tok)
		}
		return out, fmt.Errorf("%w: call is closed", ErrGone)
	}
	if !now.Before(tok.TTL) || !now.Before(call.ExpiresAt) {
		return out, fmt.Errorf("%w: call has expired", ErrGone)
	}

	// a repeated accept keeps its original response time
	respondedAt := now
	if tok.Status == db.TokenResponded && tok.RespondedAt != nil {
		respondedAt = *tok.RespondedAt
	}
	if err := tx.SetTokenStatus(ctx, tok.ID, db.TokenResponded, &respondedAt); err != nil {
		return out, writeError("mark token responded", err)
	}
	tok.Status = db.TokenResponded
	tok.RespondedAt = &respondedAt

	assignment, err := tx.LockAssignment(ctx, call.ShiftID)
	if err != nil && !isNotFound(err) {
		return out, storeError("assignment", err)
	}
	if assignment != nil && assignment.Status == db.AssignmentConfirmed && assignment.DriverID != req.DriverID {
		return e.markTaken(ctx, tx, out, tok)
	}

	shift, err := tx.GetShift(ctx, call.ShiftID)
	if err != nil {
		return out, storeError("shift "+call.ShiftID, err)
	}
	out.shift = *shift

	responders, err := tx.ListResponders(ctx, call.ID, shift.ServiceDate)
	if err != nil {
		return out, storeError("responders", err)
	}
	winner, ok := PickWinner(responders, e.cfg.OffBonus)
	if !ok {
		// the caller's own token is RESPONDED, so this means the store lost it
		return out, fmt.Errorf("%w: no responders for call %s", ErrInternal, call.ID)
	}

	if err := tx.ConfirmAssignment(ctx, shift.ID, winner.DriverID, now); err != nil {
		return out, writeError("confirm assignment", err)
	}
	if _, err := tx.MarkRespondersLost(ctx, call.ID, winner.TokenID); err != nil {
		return out, writeError("mark responders lost", err)
	}
	winnerAt := winner.RespondedAt
	if err := tx.SetTokenStatus(ctx, winner.TokenID, db.TokenWon, &winnerAt); err != nil {
		return out, writeError("mark token won", err)
	}
	if err := tx.CloseCall(ctx, call.ID, db.CloseReasonResolved); err != nil {
		return out, writeError("close call", err)
	}

	err = tx.AppendEvent(ctx, db.Event{
		ID:    uuid.NewString(),
		Type:  db.EventAssignmentConfirmed,
		Actor: req.DriverID,
		Payload: map[string]any{
			"call_id":          call.ID,
			"shift_id":         shift.ID,
			"winner_driver_id": winner.DriverID,
			"winner_score":     Score(winner.DayState, winner.Streak, e.cfg.OffBonus),
			"responders":       len(responders),
		},
		TS: now,
	})
	if err != nil {
		return out, writeError("append event", err)
	}

	out.winner = winner.DriverID
	return out, nil
}

// markTaken marks tok LOST so the transaction can commit before the caller
// reports the conflict
func (e *Engine) markTaken(ctx context.Context, tx db.Tx, out acceptOutcome, tok *db.CallToken) (acceptOutcome, error) {
	if err := tx.SetTokenStatus(ctx, tok.ID, db.TokenLost, tok.RespondedAt); err != nil {
		return out, writeError("mark token lost", err)
	}
	out.alreadyTaken = true
	return out, nil
}

// Withdraw moves the driver's RESPONDED token on a call back to PENDING
func (e *Engine) Withdraw(ctx context.Context, callID, driverID string) error {
	if driverID == "" {
		return fmt.Errorf("%w: driver identity is required", ErrAuth)
	}
	if strings.TrimSpace(callID) == "" {
		return fmt.Errorf("%w: call id is required", ErrValidation)
	}

	err := e.store.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		call, err := tx.LockCall(ctx, callID)
		if err != nil {
			return storeError("call "+callID, err)
		}
		tok, err := tx.LockDriverToken(ctx, call.ID, driverID)
		if err != nil {
			return storeError("token for call "+callID, err)
		}
		if tok.Status != db.TokenResponded {
			return fmt.Errorf("%w: no response to withdraw", ErrNotFound)
		}
		if call.State != db.CallOpen {
			return fmt.Errorf("%w: call is closed", ErrGone)
		}
		if err := tx.SetTokenStatus(ctx, tok.ID, db.TokenPending, nil); err != nil {
			return writeError("withdraw response", err)
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}

	e.logger.Info("Response withdrawn", zap.String("call_id", callID), zap.String("driver_id", driverID))
	e.publish(ctx, events.TypeResponseCancelled, map[string]any{
		"call_id":   callID,
		"driver_id": driverID,
	})
	return nil
}

// Decline turns down a call for good. Only a PENDING token can be declined.
func (e *Engine) Decline(ctx context.Context, callID, driverID string) error {
	if driverID == "" {
		return fmt.Errorf("%w: driver identity is required", ErrAuth)
	}
	if strings.TrimSpace(callID) == "" {
		return fmt.Errorf("%w: call id is required", ErrValidation)
	}

	err := e.store.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		call, err := tx.LockCall(ctx, callID)
		if err != nil {
			return storeError("call "+callID, err)
		}
		tok, err := tx.LockDriverToken(ctx, call.ID, driverID)
		if err != nil {
			return storeError("token for call "+callID, err)
		}
		if tok.Status != db.TokenPending {
			return fmt.Errorf("%w: no pending token to decline", ErrNotFound)
		}
		if call.State != db.CallOpen {
			return fmt.Errorf("%w: call is closed", ErrGone)
		}
		now := e.now()
		if err := tx.SetTokenStatus(ctx, tok.ID, db.TokenDeclined, &now); err != nil {
			return writeError("decline token", err)
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}

	e.logger.Info("Call declined", zap.String("call_id", callID), zap.String("driver_id", driverID))
	e.publish(ctx, events.TypeResponseDeclined, map[string]any{
		"call_id":   callID,
		"driver_id": driverID,
	})
	return nil
}
