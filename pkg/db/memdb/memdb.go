// Package memdb is an in-memory implementation of db.Store.
//
// Transactions are fully serialised and run against a copy of the state that
// replaces the live state only on commit, so a failed transaction leaves no
// trace. It backs the engine and HTTP tests; it is not meant for production.
package memdb

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tompark0927/bus-assigning/pkg/db"
)

type state struct {
	shifts      map[string]db.Shift
	assignments map[string]db.Assignment // keyed by shift id
	calls       map[string]db.Call
	callOrder   []string
	tokens      map[string]db.CallToken
	tokenOrder  []string
	drivers     map[string]db.Driver
	dayStates   map[string]db.DayState // keyed by driverID|date
	streaks     map[string]db.DriverStreak
	events      []db.Event
}

func newState() *state {
	return &state{
		shifts:      make(map[string]db.Shift),
		assignments: make(map[string]db.Assignment),
		calls:       make(map[string]db.Call),
		tokens:      make(map[string]db.CallToken),
		drivers:     make(map[string]db.Driver),
		dayStates:   make(map[string]db.DayState),
		streaks:     make(map[string]db.DriverStreak),
	}
}

func (s *state) clone() *state {
	return &state{
		shifts:      maps.Clone(s.shifts),
		assignments: maps.Clone(s.assignments),
		calls:       maps.Clone(s.calls),
		callOrder:   slices.Clone(s.callOrder),
		tokens:      maps.Clone(s.tokens),
		tokenOrder:  slices.Clone(s.tokenOrder),
		drivers:     maps.Clone(s.drivers),
		dayStates:   maps.Clone(s.dayStates),
		streaks:     maps.Clone(s.streaks),
		events:      slices.Clone(s.events),
	}
}

// DB is a serialisable in-memory store
type DB struct {
	mu       sync.Mutex
	state    *state
	failures map[string]error
	txCount  int
}

var _ db.Store = (*DB)(nil)

// New creates an empty store
func New() *DB {
	return &DB{state: newState(), failures: make(map[string]error)}
}

// InTx runs fn against a private copy of the state and publishes it on success
func (d *DB) InTx(ctx context.Context, fn func(ctx context.Context, tx db.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	d.txCount++
	tx := &memTx{st: d.state.clone(), failures: d.failures}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	d.state = tx.st
	return nil
}

// FailOn makes every later call of the named Tx method return err.
// Passing a nil error clears the failure.
func (d *DB) FailOn(method string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, method)
		return
	}
	d.failures[method] = err
}

// TxCount returns how many transactions have been started
func (d *DB) TxCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txCount
}

// --- seeding ---

// AddShift stores a shift
func (d *DB) AddShift(s db.Shift) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.shifts[s.ID] = s
}

// AddDriver stores a driver
func (d *DB) AddDriver(drv db.Driver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.drivers[drv.ID] = drv
}

// PutAssignment stores an assignment, generating an id when missing
func (d *DB) PutAssignment(a db.Assignment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	d.state.assignments[a.ShiftID] = a
}

// PutCall stores a call as-is
func (d *DB) PutCall(c db.Call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.state.calls[c.ID]; !ok {
		d.state.callOrder = append(d.state.callOrder, c.ID)
	}
	d.state.calls[c.ID] = c
}

// PutToken stores a token as-is
func (d *DB) PutToken(t db.CallToken) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.state.tokens[t.ID]; !ok {
		d.state.tokenOrder = append(d.state.tokenOrder, t.ID)
	}
	d.state.tokens[t.ID] = t
}

// SetDayState declares a driver's state for a date
func (d *DB) SetDayState(driverID, date string, st db.DayState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.dayStates[dayKey(driverID, date)] = st
}

// SetStreak stores a streak row
func (d *DB) SetStreak(s db.DriverStreak) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.streaks[s.DriverID] = s
}

// --- inspection ---

// Call returns a committed call
func (d *DB) Call(id string) (db.Call, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.state.calls[id]
	return c, ok
}

// CallsForShift returns the shift's calls in creation order
func (d *DB) CallsForShift(shiftID string) []db.Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []db.Call
	for _, id := range d.state.callOrder {
		if c := d.state.calls[id]; c.ShiftID == shiftID {
			out = append(out, c)
		}
	}
	return out
}

// Tokens returns the call's tokens in creation order
func (d *DB) Tokens(callID string) []db.CallToken {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []db.CallToken
	for _, id := range d.state.tokenOrder {
		if t := d.state.tokens[id]; t.CallID == callID {
			out = append(out, t)
		}
	}
	return out
}

// Assignment returns the shift's assignment
func (d *DB) Assignment(shiftID string) (db.Assignment, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.state.assignments[shiftID]
	return a, ok
}

// Driver returns a driver
func (d *DB) Driver(id string) (db.Driver, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	drv, ok := d.state.drivers[id]
	return drv, ok
}

// DayState returns the declared state, if any
func (d *DB) DayState(driverID, date string) (db.DayState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.state.dayStates[dayKey(driverID, date)]
	return st, ok
}

// Streak returns a driver's streak row
func (d *DB) Streak(driverID string) (db.DriverStreak, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.state.streaks[driverID]
	return s, ok
}

// Events returns the audit log
func (d *DB) Events() []db.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.state.events)
}

// EventsOfType returns audit events with the given type
func (d *DB) EventsOfType(eventType string) []db.Event {
	var out []db.Event
	for _, e := range d.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func dayKey(driverID, date string) string {
	return driverID + "|" + date
}

// memTx implements db.Tx over a private state copy
type memTx struct {
	st       *state
	failures map[string]error
}

func (t *memTx) fail(method string) error {
	if err, ok := t.failures[method]; ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (t *memTx) GetShift(ctx context.Context, shiftID string) (*db.Shift, error) {
	if err := t.fail("GetShift"); err != nil {
		return nil, err
	}
	s, ok := t.st.shifts[shiftID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &s, nil
}

func (t *memTx) LockAssignment(ctx context.Context, shiftID string) (*db.Assignment, error) {
	if err := t.fail("LockAssignment"); err != nil {
		return nil, err
	}
	a, ok := t.st.assignments[shiftID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &a, nil
}

func (t *memTx) MarkAssignmentPlanned(ctx context.Context, shiftID string) error {
	if err := t.fail("MarkAssignmentPlanned"); err != nil {
		return err
	}
	a, ok := t.st.assignments[shiftID]
	if !ok {
		a = db.Assignment{ID: uuid.NewString(), ShiftID: shiftID}
	}
	a.Status = db.AssignmentPlanned
	a.ConfirmedAt = nil
	t.st.assignments[shiftID] = a
	return nil
}

func (t *memTx) CancelAssignment(ctx context.Context, shiftID, reason string, at time.Time) error {
	if err := t.fail("CancelAssignment"); err != nil {
		return err
	}
	a, ok := t.st.assignments[shiftID]
	if !ok {
		return db.ErrNotFound
	}
	a.Status = db.AssignmentPlanned
	a.ConfirmedAt = nil
	a.CancelledReason = reason
	a.CancelledAt = &at
	t.st.assignments[shiftID] = a
	return nil
}

func (t *memTx) ConfirmAssignment(ctx context.Context, shiftID, driverID string, at time.Time) error {
	if err := t.fail("ConfirmAssignment"); err != nil {
		return err
	}
	a, ok := t.st.assignments[shiftID]
	if !ok {
		a = db.Assignment{ID: uuid.NewString(), ShiftID: shiftID}
	}
	a.DriverID = driverID
	a.Status = db.AssignmentConfirmed
	a.ConfirmedAt = &at
	t.st.assignments[shiftID] = a
	return nil
}

func (t *memTx) GetOpenCall(ctx context.Context, shiftID string) (*db.Call, error) {
	if err := t.fail("GetOpenCall"); err != nil {
		return nil, err
	}
	for _, id := range t.st.callOrder {
		c := t.st.calls[id]
		if c.ShiftID == shiftID && c.State == db.CallOpen {
			return &c, nil
		}
	}
	return nil, db.ErrNotFound
}

func (t *memTx) InsertCall(ctx context.Context, call db.Call) error {
	if err := t.fail("InsertCall"); err != nil {
		return err
	}
	if call.State == db.CallOpen {
		for _, c := range t.st.calls {
			if c.ShiftID == call.ShiftID && c.State == db.CallOpen {
				return db.ErrOpenCallExists
			}
		}
	}
	if _, ok := t.st.calls[call.ID]; ok {
		return fmt.Errorf("duplicate call id %s", call.ID)
	}
	t.st.calls[call.ID] = call
	t.st.callOrder = append(t.st.callOrder, call.ID)
	return nil
}

func (t *memTx) LockCall(ctx context.Context, callID string) (*db.Call, error) {
	if err := t.fail("LockCall"); err != nil {
		return nil, err
	}
	c, ok := t.st.calls[callID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &c, nil
}

func (t *memTx) CloseCall(ctx context.Context, callID, reason string) error {
	if err := t.fail("CloseCall"); err != nil {
		return err
	}
	c, ok := t.st.calls[callID]
	if !ok {
		return db.ErrNotFound
	}
	c.State = db.CallClosed
	c.ClosedReason = reason
	t.st.calls[callID] = c
	return nil
}

func (t *memTx) LockExpiredCalls(ctx context.Context, now time.Time) ([]db.ExpiredCall, error) {
	if err := t.fail("LockExpiredCalls"); err != nil {
		return nil, err
	}
	var out []db.ExpiredCall
	for _, id := range t.st.callOrder {
		c := t.st.calls[id]
		if c.State == db.CallOpen && c.ExpiresAt.Before(now) {
			out = append(out, db.ExpiredCall{Call: c, Shift: t.st.shifts[c.ShiftID]})
		}
	}
	return out, nil
}

func (t *memTx) CloseCalls(ctx context.Context, callIDs []string, reason string) error {
	if err := t.fail("CloseCalls"); err != nil {
		return err
	}
	for _, id := range callIDs {
		c, ok := t.st.calls[id]
		if !ok {
			continue
		}
		c.State = db.CallClosed
		c.ClosedReason = reason
		t.st.calls[id] = c
	}
	return nil
}

func (t *memTx) ListRecentCalls(ctx context.Context, since time.Time) ([]db.CallSummary, error) {
	if err := t.fail("ListRecentCalls"); err != nil {
		return nil, err
	}
	var out []db.CallSummary
	for _, id := range t.st.callOrder {
		c := t.st.calls[id]
		if c.CreatedAt.Before(since) {
			continue
		}
		sum := db.CallSummary{Call: c, Shift: t.st.shifts[c.ShiftID]}
		for _, tid := range t.st.tokenOrder {
			tok := t.st.tokens[tid]
			if tok.CallID != c.ID {
				continue
			}
			sum.TotalTokens++
			switch tok.Status {
			case db.TokenPending:
				sum.PendingTokens++
			case db.TokenResponded:
				sum.RespondedTokens++
			case db.TokenWon:
				sum.WinnerDriverID = tok.DriverID
			}
		}
		out = append(out, sum)
	}
	// newest first
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Call.CreatedAt.After(out[j].Call.CreatedAt)
	})
	return out, nil
}

func (t *memTx) InsertTokens(ctx context.Context, tokens []db.CallToken) error {
	if err := t.fail("InsertTokens"); err != nil {
		return err
	}
	for _, tok := range tokens {
		for _, existing := range t.st.tokens {
			if existing.CallID == tok.CallID && existing.DriverID == tok.DriverID {
				return fmt.Errorf("duplicate token for call %s driver %s", tok.CallID, tok.DriverID)
			}
		}
		t.st.tokens[tok.ID] = tok
		t.st.tokenOrder = append(t.st.tokenOrder, tok.ID)
	}
	return nil
}

func (t *memTx) LockToken(ctx context.Context, callID, token string) (*db.CallToken, error) {
	if err := t.fail("LockToken"); err != nil {
		return nil, err
	}
	for _, tok := range t.st.tokens {
		if tok.CallID == callID && tok.Token == token {
			return &tok, nil
		}
	}
	return nil, db.ErrNotFound
}

func (t *memTx) LockDriverToken(ctx context.Context, callID, driverID string) (*db.CallToken, error) {
	if err := t.fail("LockDriverToken"); err != nil {
		return nil, err
	}
	for _, tok := range t.st.tokens {
		if tok.CallID == callID && tok.DriverID == driverID {
			return &tok, nil
		}
	}
	return nil, db.ErrNotFound
}

func (t *memTx) SetTokenStatus(ctx context.Context, tokenID string, status db.TokenStatus, respondedAt *time.Time) error {
	if err := t.fail("SetTokenStatus"); err != nil {
		return err
	}
	tok, ok := t.st.tokens[tokenID]
	if !ok {
		return db.ErrNotFound
	}
	tok.Status = status
	tok.RespondedAt = respondedAt
	t.st.tokens[tokenID] = tok
	return nil
}

func (t *memTx) ListResponders(ctx context.Context, callID, serviceDate string) ([]db.Responder, error) {
	if err := t.fail("ListResponders"); err != nil {
		return nil, err
	}
	var out []db.Responder
	for _, id := range t.st.tokenOrder {
		tok := t.st.tokens[id]
		if tok.CallID != callID || tok.Status != db.TokenResponded {
			continue
		}
		r := db.Responder{
			TokenID:  tok.ID,
			DriverID: tok.DriverID,
			DayState: db.DayWorking,
			Streak:   t.st.streaks[tok.DriverID].ConsecutiveWorkDays,
		}
		if st, ok := t.st.dayStates[dayKey(tok.DriverID, serviceDate)]; ok {
			r.DayState = st
		}
		if tok.RespondedAt != nil {
			r.RespondedAt = *tok.RespondedAt
		}
		out = append(out, r)
	}
	return out, nil
}

func (t *memTx) MarkRespondersLost(ctx context.Context, callID, winnerTokenID string) (int64, error) {
	if err := t.fail("MarkRespondersLost"); err != nil {
		return 0, err
	}
	var n int64
	for id, tok := range t.st.tokens {
		if tok.CallID == callID && tok.ID != winnerTokenID && tok.Status == db.TokenResponded {
			tok.Status = db.TokenLost
			t.st.tokens[id] = tok
			n++
		}
	}
	return n, nil
}

func (t *memTx) ExpirePendingTokens(ctx context.Context, callIDs []string) (int64, error) {
	if err := t.fail("ExpirePendingTokens"); err != nil {
		return 0, err
	}
	var n int64
	for id, tok := range t.st.tokens {
		if tok.Status == db.TokenPending && slices.Contains(callIDs, tok.CallID) {
			tok.Status = db.TokenExpired
			t.st.tokens[id] = tok
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListAvailableCalls(ctx context.Context, driverID string, now time.Time) ([]db.AvailableCall, error) {
	if err := t.fail("ListAvailableCalls"); err != nil {
		return nil, err
	}
	var out []db.AvailableCall
	for _, id := range t.st.tokenOrder {
		tok := t.st.tokens[id]
		if tok.DriverID != driverID || (tok.Status != db.TokenPending && tok.Status != db.TokenResponded) {
			continue
		}
		c := t.st.calls[tok.CallID]
		if c.State != db.CallOpen || !c.ExpiresAt.After(now) {
			continue
		}
		out = append(out, db.AvailableCall{
			CallID:      c.ID,
			Token:       tok.Token,
			TokenStatus: tok.Status,
			ExpiresAt:   c.ExpiresAt,
			Urgent:      c.Urgent,
			Shift:       t.st.shifts[c.ShiftID],
		})
	}
	return out, nil
}

func (t *memTx) ListCandidates(ctx context.Context, serviceDate, excludeDriverID string) ([]db.Candidate, error) {
	if err := t.fail("ListCandidates"); err != nil {
		return nil, err
	}
	var out []db.Candidate
	for _, drv := range t.st.drivers {
		if !drv.Active || drv.DeviceToken == "" || drv.ID == excludeDriverID {
			continue
		}
		st := db.DayWorking
		if declared, ok := t.st.dayStates[dayKey(drv.ID, serviceDate)]; ok {
			st = declared
		}
		if st == db.DayBlocked {
			continue
		}
		out = append(out, db.Candidate{
			DriverID:    drv.ID,
			Name:        drv.Name,
			DeviceToken: drv.DeviceToken,
			DayState:    st,
			Streak:      t.st.streaks[drv.ID].ConsecutiveWorkDays,
		})
	}
	return out, nil
}

func (t *memTx) ListActiveDriverIDs(ctx context.Context) ([]string, error) {
	if err := t.fail("ListActiveDriverIDs"); err != nil {
		return nil, err
	}
	var ids []string
	for _, drv := range t.st.drivers {
		if drv.Active {
			ids = append(ids, drv.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) UpsertDriverState(ctx context.Context, s db.DriverState) error {
	if err := t.fail("UpsertDriverState"); err != nil {
		return err
	}
	t.st.dayStates[dayKey(s.DriverID, s.ServiceDate)] = s.State
	return nil
}

func (t *memTx) SetDeviceToken(ctx context.Context, driverID, deviceToken string) error {
	if err := t.fail("SetDeviceToken"); err != nil {
		return err
	}
	drv, ok := t.st.drivers[driverID]
	if !ok {
		return db.ErrNotFound
	}
	drv.DeviceToken = deviceToken
	t.st.drivers[driverID] = drv
	return nil
}

func (t *memTx) ClearDeviceToken(ctx context.Context, deviceToken string) error {
	if err := t.fail("ClearDeviceToken"); err != nil {
		return err
	}
	for id, drv := range t.st.drivers {
		if drv.DeviceToken == deviceToken {
			drv.DeviceToken = ""
			t.st.drivers[id] = drv
		}
	}
	return nil
}

func (t *memTx) ListWorkDays(ctx context.Context, from, to string) ([]db.WorkDay, error) {
	if err := t.fail("ListWorkDays"); err != nil {
		return nil, err
	}
	seen := make(map[db.WorkDay]bool)
	var out []db.WorkDay
	for _, a := range t.st.assignments {
		if a.Status != db.AssignmentConfirmed || a.DriverID == "" {
			continue
		}
		s, ok := t.st.shifts[a.ShiftID]
		if !ok || s.ServiceDate < from || s.ServiceDate > to {
			continue
		}
		wd := db.WorkDay{DriverID: a.DriverID, ServiceDate: s.ServiceDate}
		if !seen[wd] {
			seen[wd] = true
			out = append(out, wd)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DriverID != out[j].DriverID {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].ServiceDate < out[j].ServiceDate
	})
	return out, nil
}

func (t *memTx) UpsertStreaks(ctx context.Context, streaks []db.DriverStreak) error {
	if err := t.fail("UpsertStreaks"); err != nil {
		return err
	}
	for _, s := range streaks {
		if prev, ok := t.st.streaks[s.DriverID]; ok && s.LastOffDate == "" {
			s.LastOffDate = prev.LastOffDate
		}
		t.st.streaks[s.DriverID] = s
	}
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, event db.Event) error {
	if err := t.fail("AppendEvent"); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	t.st.events = append(t.st.events, event)
	return nil
}
