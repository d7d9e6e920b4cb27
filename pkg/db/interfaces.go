package db

import (
	"context"
	"time"
)

// Store opens units of work against the dispatch tables.
// Both postgres.DB and memdb.DB implement this interface.
type Store interface {
	// InTx runs fn inside a single transaction. The transaction commits when fn
	// returns nil and rolls back otherwise, leaving no partial writes behind.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of operations available inside a transaction.
//
// Methods named Lock* take row-level locks held until the transaction ends.
// Callers must acquire them in the order call -> token -> assignment.
type Tx interface {
	ShiftStore
	CallStore
	TokenStore
	DriverStore
	StreakStore
	AppendEvent(ctx context.Context, event Event) error
}

// ShiftStore covers shifts and their assignments
type ShiftStore interface {
	GetShift(ctx context.Context, shiftID string) (*Shift, error)
	// LockAssignment returns ErrNotFound when the shift has no assignment row
	LockAssignment(ctx context.Context, shiftID string) (*Assignment, error)
	// MarkAssignmentPlanned creates the row if missing and clears confirmed_at
	MarkAssignmentPlanned(ctx context.Context, shiftID string) error
	CancelAssignment(ctx context.Context, shiftID, reason string, at time.Time) error
	// ConfirmAssignment upserts the shift's assignment to CONFIRMED for driverID
	ConfirmAssignment(ctx context.Context, shiftID, driverID string, at time.Time) error
}

// CallStore covers calls
type CallStore interface {
	// GetOpenCall returns ErrNotFound when the shift has no OPEN call
	GetOpenCall(ctx context.Context, shiftID string) (*Call, error)
	// InsertCall returns ErrOpenCallExists when another OPEN call holds the shift
	InsertCall(ctx context.Context, call Call) error
	LockCall(ctx context.Context, callID string) (*Call, error)
	CloseCall(ctx context.Context, callID, reason string) error
	LockExpiredCalls(ctx context.Context, now time.Time) ([]ExpiredCall, error)
	CloseCalls(ctx context.Context, callIDs []string, reason string) error
	ListRecentCalls(ctx context.Context, since time.Time) ([]CallSummary, error)
}

// TokenStore covers call tokens
type TokenStore interface {
	InsertTokens(ctx context.Context, tokens []CallToken) error
	LockToken(ctx context.Context, callID, token string) (*CallToken, error)
	LockDriverToken(ctx context.Context, callID, driverID string) (*CallToken, error)
	SetTokenStatus(ctx context.Context, tokenID string, status TokenStatus, respondedAt *time.Time) error
	ListResponders(ctx context.Context, callID, serviceDate string) ([]Responder, error)
	// MarkRespondersLost moves every RESPONDED token of the call except winnerTokenID to LOST
	MarkRespondersLost(ctx context.Context, callID, winnerTokenID string) (int64, error)
	ExpirePendingTokens(ctx context.Context, callIDs []string) (int64, error)
	ListAvailableCalls(ctx context.Context, driverID string, now time.Time) ([]AvailableCall, error)
}

// DriverStore covers drivers and their declared day states
type DriverStore interface {
	// ListCandidates returns active drivers with a device token who are not
	// excludeDriverID and not BLOCKED on serviceDate. Order is unspecified.
	ListCandidates(ctx context.Context, serviceDate, excludeDriverID string) ([]Candidate, error)
	ListActiveDriverIDs(ctx context.Context) ([]string, error)
	UpsertDriverState(ctx context.Context, state DriverState) error
	SetDeviceToken(ctx context.Context, driverID, deviceToken string) error
	ClearDeviceToken(ctx context.Context, deviceToken string) error
}

// StreakStore covers the streak tracker's inputs and outputs
type StreakStore interface {
	// ListWorkDays returns distinct confirmed work days with from <= service_date <= to
	ListWorkDays(ctx context.Context, from, to string) ([]WorkDay, error)
	UpsertStreaks(ctx context.Context, streaks []DriverStreak) error
}
