package db

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the layout used for service dates
const DateLayout = "2006-01-02"

// Store-level sentinel errors. Implementations return these (possibly wrapped)
// so callers can classify failures without knowing the backend.
var (
	ErrNotFound = errors.New("record not found")
	// ErrOpenCallExists is returned when a second OPEN call is inserted for a shift
	ErrOpenCallExists = errors.New("an open call already exists for this shift")
)

// AssignmentStatus is the confirmation state of a shift's driver binding
type AssignmentStatus string

const (
	AssignmentPlanned   AssignmentStatus = "PLANNED"
	AssignmentConfirmed AssignmentStatus = "CONFIRMED"
)

// CallState is the lifecycle state of a call
type CallState string

const (
	CallOpen   CallState = "OPEN"
	CallClosed CallState = "CLOSED"
)

// CallPolicy names the resolution policy of a call. Only FIRST_WINS exists.
type CallPolicy string

const PolicyFirstWins CallPolicy = "FIRST_WINS"

// Reasons recorded when a call is closed
const (
	CloseReasonResolved = "resolved"
	CloseReasonExpired  = "expired"
)

// TokenStatus is the state of a single candidate's call token
type TokenStatus string

const (
	TokenPending   TokenStatus = "PENDING"
	TokenResponded TokenStatus = "RESPONDED"
	TokenWon       TokenStatus = "WON"
	TokenLost      TokenStatus = "LOST"
	TokenExpired   TokenStatus = "EXPIRED"
	TokenDeclined  TokenStatus = "DECLINED"
)

// IsTerminal reports whether no further transition is possible from s
func (s TokenStatus) IsTerminal() bool {
	switch s {
	case TokenWon, TokenLost, TokenExpired, TokenDeclined:
		return true
	default:
		return false
	}
}

// DayState is a driver's declared availability for a service date
type DayState string

const (
	DayWorking DayState = "WORKING"
	DayOff     DayState = "OFF"
	DayBlocked DayState = "BLOCKED"
)

// IsValid reports whether s is a known day state
func (s DayState) IsValid() bool {
	switch s {
	case DayWorking, DayOff, DayBlocked:
		return true
	default:
		return false
	}
}

// Event types appended to the audit log
const (
	EventCallIssued          = "call_issued"
	EventCallExpired         = "call_expired"
	EventAssignmentConfirmed = "assignment_confirmed"
	EventAssignmentCancelled = "assignment_cancelled"
)

// Shift is an immutable schedule slot
type Shift struct {
	ID          string
	ServiceDate string // YYYY-MM-DD
	RouteID     string
	StartTime   string // HH:MM
	EndTime     string // HH:MM
}

// StartsAt returns the shift's start instant in the given location
func (s Shift) StartsAt(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(DateLayout+" 15:04", s.ServiceDate+" "+normalizeClock(s.StartTime), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse shift start %q %q: %w", s.ServiceDate, s.StartTime, err)
	}
	return start, nil
}

// normalizeClock trims a seconds component ("07:30:00" -> "07:30")
func normalizeClock(clock string) string {
	if len(clock) == len("15:04:05") {
		return clock[:5]
	}
	return clock
}

// Assignment binds a driver to a shift
type Assignment struct {
	ID              string
	ShiftID         string
	DriverID        string
	Status          AssignmentStatus
	ConfirmedAt     *time.Time
	CancelledReason string
	CancelledAt     *time.Time
}

// Call is one solicitation round for a shift
type Call struct {
	ID           string
	ShiftID      string
	Policy       CallPolicy
	State        CallState
	Urgent       bool
	CreatedBy    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ClosedReason string
}

// CallToken is one candidate's capability to respond to a call
type CallToken struct {
	ID          string
	CallID      string
	DriverID    string
	Token       string
	Status      TokenStatus
	TTL         time.Time
	CreatedAt   time.Time
	RespondedAt *time.Time
}

// Driver is the subset of driver data the engine reads
type Driver struct {
	ID          string
	Name        string
	Active      bool
	DeviceToken string
}

// DriverState records declared availability per service date
type DriverState struct {
	DriverID    string
	ServiceDate string
	State       DayState
}

// DriverStreak is the derived recent-workload figure used for ranking
type DriverStreak struct {
	DriverID            string
	ConsecutiveWorkDays int
	LastOffDate         string // empty when unknown
	UpdatedAt           time.Time
}

// Event is an append-only audit record
type Event struct {
	ID      string
	Type    string
	Actor   string
	Payload map[string]any
	TS      time.Time
}

// Candidate is an eligible substitute driver for a call
type Candidate struct {
	DriverID    string
	Name        string
	DeviceToken string
	DayState    DayState
	Streak      int
}

// Responder is a RESPONDED token joined with the ranking inputs of its driver
type Responder struct {
	TokenID     string
	DriverID    string
	DayState    DayState
	Streak      int
	RespondedAt time.Time
}

// ExpiredCall is an OPEN call past its deadline joined with its shift
type ExpiredCall struct {
	Call  Call
	Shift Shift
}

// WorkDay is a distinct (driver, service date) pair with a confirmed assignment
type WorkDay struct {
	DriverID    string
	ServiceDate string
}

// AvailableCall is an open call a driver can still respond to
type AvailableCall struct {
	CallID      string
	Token       string
	TokenStatus TokenStatus
	ExpiresAt   time.Time
	Urgent      bool
	Shift       Shift
}

// CallSummary is the admin overview row for one call
type CallSummary struct {
	Call            Call
	Shift           Shift
	TotalTokens     int
	PendingTokens   int
	RespondedTokens int
	WinnerDriverID  string
}
