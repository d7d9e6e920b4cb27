package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/clients/fcmclient"
	"github.com/Tompark0927/bus-assigning/pkg/db"
	"github.com/Tompark0927/bus-assigning/pkg/db/memdb"
	"github.com/Tompark0927/bus-assigning/pkg/events"
)

// t0 is 06:00 on the service date used throughout the tests
var t0 = time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)

const serviceDate = "2025-03-10"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingNotifier records dispatched notifications and fails for listed devices
type recordingNotifier struct {
	mu   sync.Mutex
	sent []fcmclient.Notification
	fail map[string]error
}

func (n *recordingNotifier) Dispatch(_ context.Context, msg fcmclient.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	if err, ok := n.fail[msg.DeviceToken]; ok {
		return err
	}
	return nil
}

func (n *recordingNotifier) Sent() []fcmclient.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]fcmclient.Notification, len(n.sent))
	copy(out, n.sent)
	return out
}

type fixture struct {
	t        *testing.T
	store    *memdb.DB
	clock    *testClock
	capture  *events.Capture
	notifier *recordingNotifier
	engine   *Engine
	ctx      context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		store:    memdb.New(),
		clock:    &testClock{now: t0},
		capture:  events.NewCapture(),
		notifier: &recordingNotifier{fail: make(map[string]error)},
		ctx:      context.Background(),
	}
	cfg := DefaultConfig()
	cfg.BaseURL = "https://dispatch.example.test/"
	f.engine = New(f.store, cfg, zap.NewNop(),
		WithClock(f.clock.Now),
		WithPublisher(f.capture),
		WithNotifier(f.notifier),
	)
	t.Cleanup(f.engine.Wait)
	return f
}

// addDriver registers an active driver with a device token. An empty state
// leaves the default (WORKING) undeclared.
func (f *fixture) addDriver(id string, state db.DayState, streak int) {
	f.store.AddDriver(db.Driver{ID: id, Name: "Driver " + id, Active: true, DeviceToken: "device-" + id})
	if state != "" {
		f.store.SetDayState(id, serviceDate, state)
	}
	if streak > 0 {
		f.store.SetStreak(db.DriverStreak{DriverID: id, ConsecutiveWorkDays: streak})
	}
}

// addShift creates a shift on serviceDate starting at start (HH:MM)
func (f *fixture) addShift(id, start string) db.Shift {
	s := db.Shift{ID: id, ServiceDate: serviceDate, RouteID: "R12", StartTime: start, EndTime: "16:00"}
	f.store.AddShift(s)
	return s
}

func (f *fixture) confirm(shiftID, driverID string) {
	at := t0.Add(-24 * time.Hour)
	f.store.PutAssignment(db.Assignment{
		ShiftID:     shiftID,
		DriverID:    driverID,
		Status:      db.AssignmentConfirmed,
		ConfirmedAt: &at,
	})
}

func (f *fixture) issue(shiftID string) *IssueResult {
	f.t.Helper()
	res, err := f.engine.IssueCall(f.ctx, IssueRequest{ShiftID: shiftID, Actor: "admin"})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) tokenFor(callID, driverID string) db.CallToken {
	f.t.Helper()
	for _, tok := range f.store.Tokens(callID) {
		if tok.DriverID == driverID {
			return tok
		}
	}
	f.t.Fatalf("no token for driver %s on call %s", driverID, callID)
	return db.CallToken{}
}

func (f *fixture) accept(callID, driverID string) (*AcceptResult, error) {
	tok := f.tokenFor(callID, driverID)
	return f.engine.Accept(f.ctx, AcceptRequest{CallID: callID, Token: tok.Token, DriverID: driverID})
}

// seededToken describes a token placed directly into the store
type seededToken struct {
	driverID    string
	status      db.TokenStatus
	respondedAt time.Time
}

// seedCall stores an OPEN call expiring in 30 minutes with the given tokens.
// Token ids follow the slice order (<callID>-tok-0, <callID>-tok-1, ...).
func (f *fixture) seedCall(callID, shiftID string, tokens ...seededToken) {
	expires := f.clock.Now().Add(30 * time.Minute)
	f.store.PutCall(db.Call{
		ID:        callID,
		ShiftID:   shiftID,
		Policy:    db.PolicyFirstWins,
		State:     db.CallOpen,
		CreatedBy: "admin",
		CreatedAt: f.clock.Now(),
		ExpiresAt: expires,
	})
	for i, st := range tokens {
		tok := db.CallToken{
			ID:        fmt.Sprintf("%s-tok-%d", callID, i),
			CallID:    callID,
			DriverID:  st.driverID,
			Token:     callID + "-secret-" + st.driverID,
			Status:    st.status,
			TTL:       expires,
			CreatedAt: f.clock.Now(),
		}
		if st.status == db.TokenResponded {
			at := st.respondedAt
			tok.RespondedAt = &at
		}
		f.store.PutToken(tok)
	}
	if _, ok := f.store.Assignment(shiftID); !ok {
		f.store.PutAssignment(db.Assignment{ShiftID: shiftID, Status: db.AssignmentPlanned})
	}
}
