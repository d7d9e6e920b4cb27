package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/clients/fcmclient"
	"github.com/Tompark0927/bus-assigning/pkg/db"
	"github.com/Tompark0927/bus-assigning/pkg/events"
	"github.com/Tompark0927/bus-assigning/pkg/metrics"
)

const minCancelReasonLength = 2

// IssueRequest asks for a call on a shift
type IssueRequest struct {
	ShiftID string
	// ExpiryWindow defaults to the configured expiry when zero
	ExpiryWindow time.Duration
	Actor        string
	Urgent       bool
}

// IssueResult describes an opened call
type IssueResult struct {
	CallID        string
	ShiftID       string
	ExpiresAt     time.Time
	TokensCreated int
	Urgent        bool
}

// CancelRequest is a driver giving up a confirmed shift
type CancelRequest struct {
	ShiftID      string
	DriverID     string
	Reason       string
	ExpiryWindow time.Duration
}

// issued is everything the post-commit side effects need
type issued struct {
	call   db.Call
	shift  db.Shift
	tokens []db.CallToken
	// candidates parallels tokens
	candidates []db.Candidate
}

func (i *issued) result() *IssueResult {
	return &IssueResult{
		CallID:        i.call.ID,
		ShiftID:       i.shift.ID,
		ExpiresAt:     i.call.ExpiresAt,
		TokensCreated: len(i.tokens),
		Urgent:        i.call.Urgent,
	}
}

func (e *Engine) validateIssue(req *IssueRequest) error {
	if strings.TrimSpace(req.ShiftID) == "" {
		return fmt.Errorf("%w: shift id is required", ErrValidation)
	}
	if req.ExpiryWindow < 0 {
		return fmt.Errorf("%w: expiry window must not be negative", ErrValidation)
	}
	if req.ExpiryWindow == 0 {
		req.ExpiryWindow = e.cfg.DefaultExpiry
	}
	if req.Actor == "" {
		req.Actor = systemActor
	}
	return nil
}

// IssueCall opens a call for a shift, creates a token for each ranked
// candidate and sends them notifications after commit
func (e *Engine) IssueCall(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if err := e.validateIssue(&req); err != nil {
		return nil, err
	}

	e.logger.Debug("Issuing call",
		zap.String("shift_id", req.ShiftID),
		zap.Duration("expiry_window", req.ExpiryWindow),
		zap.Bool("urgent", req.Urgent))

	var out *issued
	err := e.withShiftLock(ctx, req.ShiftID, func(ctx context.Context, tx db.Tx, assignment *db.Assignment) error {
		var err error
		out, err = e.issueLocked(ctx, tx, req, assignment, e.now())
		return err
	})
	if err != nil {
		return nil, classify(err)
	}

	e.afterIssue(ctx, out)
	return out.result(), nil
}

// CancelAssignment records a confirmed driver dropping their shift and opens
// a call for it in the same transaction
func (e *Engine) CancelAssignment(ctx context.Context, req CancelRequest) (*IssueResult, error) {
	if req.DriverID == "" {
		return nil, fmt.Errorf("%w: driver identity is required", ErrAuth)
	}
	if strings.TrimSpace(req.ShiftID) == "" {
		return nil, fmt.Errorf("%w: shift id is required", ErrValidation)
	}
	reason := strings.TrimSpace(req.Reason)
	if len([]rune(reason)) < minCancelReasonLength {
		return nil, fmt.Errorf("%w: reason must be at least %d characters", ErrValidation, minCancelReasonLength)
	}

	issue := IssueRequest{ShiftID: req.ShiftID, ExpiryWindow: req.ExpiryWindow, Actor: req.DriverID}
	if err := e.validateIssue(&issue); err != nil {
		return nil, err
	}

	var out *issued
	err := e.withShiftLock(ctx, req.ShiftID, func(ctx context.Context, tx db.Tx, assignment *db.Assignment) error {
		if assignment == nil {
			return fmt.Errorf("%w: shift %s has no assignment", ErrNotFound, req.ShiftID)
		}
		if assignment.Status != db.AssignmentConfirmed || assignment.DriverID != req.DriverID {
			return fmt.Errorf("%w: shift %s is not confirmed to this driver", ErrForbidden, req.ShiftID)
		}

		now := e.now()
		if err := tx.CancelAssignment(ctx, req.ShiftID, reason, now); err != nil {
			return writeError("cancel assignment", err)
		}
		err := tx.AppendEvent(ctx, db.Event{
			ID:    uuid.NewString(),
			Type:  db.EventAssignmentCancelled,
			Actor: req.DriverID,
			Payload: map[string]any{
				"shift_id":  req.ShiftID,
				"driver_id": req.DriverID,
				"reason":    reason,
			},
			TS: now,
		})
		if err != nil {
			return writeError("append event", err)
		}

		out, err = e.issueLocked(ctx, tx, issue, assignment, now)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}

	e.logger.Info("Assignment cancelled by driver",
		zap.String("shift_id", req.ShiftID),
		zap.String("driver_id", req.DriverID),
		zap.String("call_id", out.call.ID))

	e.afterIssue(ctx, out)
	return out.result(), nil
}

// issueLocked creates the call and its tokens. The caller holds the shift lock.
func (e *Engine) issueLocked(ctx context.Context, tx db.Tx, req IssueRequest, assignment *db.Assignment, now time.Time) (*issued, error) {
	shift, err := tx.GetShift(ctx, req.ShiftID)
	if err != nil {
		return nil, storeError("shift "+req.ShiftID, err)
	}

	open, err := tx.GetOpenCall(ctx, shift.ID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: call %s is already open for shift %s", ErrConflict, open.ID, shift.ID)
	case !errors.Is(err, db.ErrNotFound):
		return nil, storeError("open call", err)
	}

	call := db.Call{
		ID:        uuid.NewString(),
		ShiftID:   shift.ID,
		Policy:    db.PolicyFirstWins,
		State:     db.CallOpen,
		Urgent:    req.Urgent,
		CreatedBy: req.Actor,
		CreatedAt: now,
		ExpiresAt: now.Add(req.ExpiryWindow),
	}
	if err := tx.InsertCall(ctx, call); err != nil {
		if errors.Is(err, db.ErrOpenCallExists) {
			return nil, fmt.Errorf("%w: a call is already open for shift %s", ErrConflict, shift.ID)
		}
		return nil, writeError("insert call", err)
	}

	var assignee string
	if assignment != nil {
		assignee = assignment.DriverID
	}
	candidates, err := tx.ListCandidates(ctx, shift.ServiceDate, assignee)
	if err != nil {
		return nil, storeError("candidates", err)
	}
	candidates = SelectCandidates(candidates, e.cfg.MaxCandidates)

	tokens := make([]db.CallToken, 0, len(candidates))
	for _, c := range candidates {
		secret, err := e.newSecret()
		if err != nil {
			return nil, writeError("generate token", err)
		}
		tokens = append(tokens, db.CallToken{
			ID:        uuid.NewString(),
			CallID:    call.ID,
			DriverID:  c.DriverID,
			Token:     secret,
			Status:    db.TokenPending,
			TTL:       call.ExpiresAt,
			CreatedAt: now,
		})
	}
	if len(tokens) > 0 {
		if err := tx.InsertTokens(ctx, tokens); err != nil {
			return nil, writeError("insert tokens", err)
		}
	}

	if err := tx.MarkAssignmentPlanned(ctx, shift.ID); err != nil {
		return nil, writeError("mark assignment planned", err)
	}

	err = tx.AppendEvent(ctx, db.Event{
		ID:    uuid.NewString(),
		Type:  db.EventCallIssued,
		Actor: req.Actor,
		Payload: map[string]any{
			"call_id":    call.ID,
			"shift_id":   shift.ID,
			"urgent":     call.Urgent,
			"expires_at": call.ExpiresAt.UTC().Format(time.RFC3339),
			"candidates": len(tokens),
		},
		TS: now,
	})
	if err != nil {
		return nil, writeError("append event", err)
	}

	return &issued{call: call, shift: *shift, tokens: tokens, candidates: candidates}, nil
}

// afterIssue runs the post-commit side effects of a new call
func (e *Engine) afterIssue(ctx context.Context, out *issued) {
	e.metrics.RecordCallIssued(out.call.Urgent, len(out.tokens))

	e.logger.Info("Call issued",
		zap.String("call_id", out.call.ID),
		zap.String("shift_id", out.shift.ID),
		zap.Bool("urgent", out.call.Urgent),
		zap.Int("tokens", len(out.tokens)),
		zap.Time("expires_at", out.call.ExpiresAt))

	e.publish(ctx, events.TypeCallOpened, map[string]any{
		"call_id":  out.call.ID,
		"shift_id": out.shift.ID,
		"urgent":   out.call.Urgent,
	})

	for i, tok := range out.tokens {
		e.sendNotification(ctx, e.buildNotification(out, tok, out.candidates[i]))
	}
}

func (e *Engine) buildNotification(out *issued, tok db.CallToken, c db.Candidate) fcmclient.Notification {
	title := "Emergency shift available"
	if out.call.Urgent {
		title = "URGENT: shift starting soon"
	}
	body := fmt.Sprintf("Route %s on %s, %s-%s. First to accept gets it.",
		out.shift.RouteID, out.shift.ServiceDate, out.shift.StartTime, out.shift.EndTime)

	return fcmclient.Notification{
		DriverID:    c.DriverID,
		DeviceToken: c.DeviceToken,
		Title:       title,
		Body:        body,
		Link:        fmt.Sprintf("%s/landing/%s?token=%s", strings.TrimRight(e.cfg.BaseURL, "/"), out.call.ID, tok.Token),
		Data: map[string]string{
			"callId":  out.call.ID,
			"shiftId": out.shift.ID,
			"token":   tok.Token,
		},
	}
}

// sendNotification dispatches n in the background. Failures are logged and
// counted; a device token the provider rejects is cleared.
func (e *Engine) sendNotification(ctx context.Context, n fcmclient.Notification) {
	e.notifyWG.Add(1)
	go func() {
		defer e.notifyWG.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notificationTimeout)
		defer cancel()

		err := e.notifier.Dispatch(ctx, n)
		if err == nil {
			e.metrics.RecordNotification(metrics.OutcomeSuccess)
			return
		}

		e.metrics.RecordNotification(metrics.OutcomeFailure)
		e.logger.Warn("Failed to send notification",
			zap.String("driver_id", n.DriverID),
			zap.Error(err))

		if errors.Is(err, fcmclient.ErrInvalidDeviceToken) && n.DeviceToken != "" {
			clearErr := e.store.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
				return tx.ClearDeviceToken(ctx, n.DeviceToken)
			})
			if clearErr != nil {
				e.logger.Warn("Failed to clear invalid device token",
					zap.String("driver_id", n.DriverID),
					zap.Error(clearErr))
			}
		}
	}()
}
