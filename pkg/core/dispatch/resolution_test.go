package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tompark0927/bus-assigning/pkg/db"
	"github.com/Tompark0927/bus-assigning/pkg/events"
)

func TestAccept_SingleWinnerUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.addShift("s1", "08:00")
	drivers := []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"}
	for _, d := range drivers {
		f.addDriver(d, "", 0)
	}
	res := f.issue("s1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		errs    []error
	)
	for _, d := range drivers {
		tok := f.tokenFor(res.CallID, d)
		wg.Add(1)
		go func(driverID, secret string) {
			defer wg.Done()
			out, err := f.engine.Accept(f.ctx, AcceptRequest{CallID: res.CallID, Token: secret, DriverID: driverID})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			winners = append(winners, out.WinnerDriverID)
		}(d, tok.Token)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	require.Len(t, errs, len(drivers)-1)
	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrConflict), "got %v", err)
	}

	won := 0
	for _, tok := range f.store.Tokens(res.CallID) {
		switch tok.Status {
		case db.TokenWon:
			won++
			assert.Equal(t, winners[0], tok.DriverID)
		case db.TokenLost:
		default:
			t.Errorf("token for %s left in %s", tok.DriverID, tok.Status)
		}
	}
	assert.Equal(t, 1, won)

	assignment, _ := f.store.Assignment("s1")
	assert.Equal(t, db.AssignmentConfirmed, assignment.Status)
	assert.Equal(t, winners[0], assignment.DriverID)

	call, _ := f.store.Call(res.CallID)
	assert.Equal(t, db.CallClosed, call.State)
	assert.Equal(t, db.CloseReasonResolved, call.ClosedReason)

	assert.Len(t, f.store.EventsOfType(db.EventAssignmentConfirmed), 1)
	assert.Len(t, f.capture.OfType(events.TypeAssignmentConfirmed), 1)
}

func TestAccept_OffDriverBeatsWorkingDriverRegardlessOfOrder(t *testing.T) {
	tests := []struct {
		name         string
		seeded       seededToken
		acceptingID  string
		acceptingWon bool
	}{
		{
			name:         "working responded first, off accepts later",
			seeded:       seededToken{driverID: "working", status: db.TokenResponded, respondedAt: t0},
			acceptingID:  "off",
			acceptingWon: true,
		},
		{
			name:         "off responded first, working accepts later",
			seeded:       seededToken{driverID: "off", status: db.TokenResponded, respondedAt: t0},
			acceptingID:  "working",
			acceptingWon: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addShift("s1", "08:00")
			f.addDriver("off", db.DayOff, 3)
			f.addDriver("working", db.DayWorking, 0)

			other := seededToken{driverID: tt.acceptingID, status: db.TokenPending}
			f.seedCall("c1", "s1", tt.seeded, other)
			f.clock.Advance(10 * time.Second)

			out, err := f.accept("c1", tt.acceptingID)
			require.NoError(t, err)
			assert.Equal(t, "off", out.WinnerDriverID)
			assert.Equal(t, tt.acceptingWon, out.Won)

			assignment, _ := f.store.Assignment("s1")
			assert.Equal(t, "off", assignment.DriverID)
			assert.Equal(t, db.TokenWon, f.tokenFor("c1", "off").Status)
			assert.Equal(t, db.TokenLost, f.tokenFor("c1", "working").Status)
		})
	}
}

func TestAccept_EqualScoresEarliestResponseWins(t *testing.T) {
	f := newFixture(t)
	f.addShift("s1", "08:00")
	f.addDriver("early", "", 0)
	f.addDriver("late", "", 0)

	f.seedCall("c1", "s1",
		seededToken{driverID: "late", status: db.TokenResponded, respondedAt: t0.Add(2 * time.Second)},
		seededToken{driverID: "early", status: db.TokenResponded, respondedAt: t0.Add(1 * time.Second)},
	)
	f.clock.Advance(time.Minute)

	out, err := f.accept("c1", "late")
	require.NoError(t, err)
	assert.Equal(t, "early", out.WinnerDriverID)
	assert.False(t, out.Won)

	late := f.tokenFor("c1", "late")
	require.NotNil(t, late.RespondedAt)
	assert.Equal(t, t0.Add(2*time.Second), *late.RespondedAt, "repeat accept keeps the original response time")
	assert.Equal(t, db.TokenLost, late.Status)
}

func TestAccept_ScenarioA(t *testing.T) {
	f := newFixture(t)
	f.addShift("s1", "08:00")
	f.addDriver("B", db.DayOff, 2)
	f.addDriver("D", db.DayWorking, 0)

	f.seedCall("C", "s1",
		seededToken{driverID: "B", status: db.TokenResponded, respondedAt: t0},
		seededToken{driverID: "D", status: db.TokenResponded, respondedAt: t0.Add(5 * time.Second)},
	)
	f.clock.Advance(10 * time.Second)

	out, err := f.accept("C", "B")
	require.NoError(t, err)
	assert.Equal(t, "B", out.WinnerDriverID)
	assert.True(t, out.Won)

	assignment, _ := f.store.Assignment("s1")
	assert.Equal(t, "B", assignment.DriverID)
	assert.Equal(t, db.AssignmentConfirmed, assignment.Status)
	require.NotNil(t, assignment.ConfirmedAt)
	assert.Equal(t, f.clock.Now(), *assignment.ConfirmedAt)
	assert.Equal(t, db.TokenLost, f.tokenFor("C", "D").Status)

	confirmed := f.capture.OfType(events.TypeAssignmentConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "B", confirmed[0].Payload["winner_driver_id"])
	assert.Equal(t, "R12", confirmed[0].Payload["route_id"])
	assert.Equal(t, "08:00", confirmed[0].Payload["start_time"])

	f.capture.Reset()
	_, err = f.accept("C", "D")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "already taken")

	assignment, _ = f.store.Assignment("s1")
	assert.Equal(t, "B", assignment.DriverID)
}

func TestAccept_PendingTokenOnResolvedCallIsTaken(t *testing.T) {
	f := newFixture(t)
	f.addShift("s1", "08:00")
	f.addDriver("a", "", 0)
	f.addDriver("b", "", 0)
	res := f.issue("s1")

	_, err := f.accept(res.CallID, "a")
	require.NoError(t, err)
	f.capture.Reset()

	_, err = f.accept(res.CallID, "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	// the LOST marking is committed even though the call failed
	assert.Equal(t, db.TokenLost, f.tokenFor(res.CallID, "b").Status)
	closed := f.capture.OfType(events.TypeCallClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, events.ReasonAlreadyTaken, closed[0].Payload["reason"])

	// a second attempt on the LOST token is still a conflict
	_, err = f.accept(res.CallID, "b")
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestAccept_ExpiredTTLIsGoneBeforeSweep(t *testing.T) {
	f := newFixture(t)
	f.addShift("s1", "08:00")
	f.addDriver("a", "", 0)
	res, err := f.engine.IssueCall(f.ctx, IssueRequest{ShiftID: "s1", ExpiryWindow: 5 * time.Minute})
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)

	_, err = f.accept(res.CallID, "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGone))

	// nothing changed: the sweeper has not run yet
	assert.Equal(t, db.TokenPending, f.tokenFor(res.CallID, "a").Status)
	call, _ := f.store.Call(res.CallID)
	assert.Equal(t, db.CallOpen, call.State)
}

func TestAccept_AfterSweepIsGone(t *testing.T) {
	f := newFixture(t)
	f.addShift("s1", "20:00")
	f.addDriver("a", "", 0)
	res := f.issue("s1")

	f.clock.Advance(31 * time.Minute)
	_, err := f.engine.Sweep(f.ctx)
	require.NoError(t, err)

	_, err = f.accept(res.CallID, "a")
	assert.True(t, errors.Is(err, ErrGone), "got %v", err)
}

func TestAccept_Rejections(t *testing.T) {
	f := newFixture(t)
	f.addShift("s1", "08:00")
	f.addDriver("a", "", 0)
	f.addDriver("b", "", 0)
	res := f.issue("s1")
	tokA := f.tokenFor(res.CallID, "a")

	tests := []struct {
		name string
		req  AcceptRequest
		want error
	}{
		{"anonymous", AcceptRequest{CallID: res.CallID, Token: tokA.Token}, ErrAuth},
		{"missing token", AcceptRequest{CallID: res.CallID, DriverID: "a"}, ErrValidation},
		{"unknown call", AcceptRequest{CallID: "nope", Token: tokA.Token, DriverID: "a"}, ErrNotFound},
		{"unknown token", AcceptRequest{CallID: res.CallID, Token: "forged", DriverID: "a"}, ErrNotFound},
		{"someone else's token", AcceptRequest{CallID: res.CallID, Token: tokA.Token, DriverID: "b"}, ErrAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Accept(f.ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	assert.Equal(t, db.TokenPending, f.tokenFor(res.CallID, "a").Status)
	call, _ := f.store.Call(res.CallID)
	assert.Equal(t, db.CallOpen, call.State)
}

func TestAccept_RollsBackOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.addShift("s1", "08:00")
	f.addDriver("a", "", 0)
	res := f.issue("s1")
	f.store.FailOn("CloseCall", errors.New("connection reset"))

	_, err := f.accept(res.CallID, "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInternal))

	assert.Equal(t, db.TokenPending, f.tokenFor(res.CallID, "a").Status)
	assignment, _ := f.store.Assignment("s1")
	assert.Equal(t, db.AssignmentPlanned, assignment.Status)
	assert.Empty(t, f.capture.OfType(events.TypeAssignmentConfirmed))

	f.store.FailOn("CloseCall", nil)
	out, err := f.accept(res.CallID, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", out.WinnerDriverID)
}

func TestWithdraw_ReacceptCreatesNoDuplicateTokens(t *testing.T) {
	f := newFixture(t)
	f.addShift("s1", "08:00")
	f.addDriver("a", "", 0)
	f.addDriver("b", "", 0)
	f.seedCall("c1", "s1",
		seededToken{driverID: "a", status: db.TokenResponded, respondedAt: t0},
		seededToken{driverID: "b", status: db.TokenPending},
	)

	require.NoError(t, f.engine.Withdraw(f.ctx, "c1", "a"))
	tokA := f.tokenFor("c1", "a")
	assert.Equal(t, db.TokenPending, tokA.Status)
	assert.Nil(t, tokA.RespondedAt)

	cancelled := f.capture.OfType(events.TypeResponseCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "a", cancelled[0].Payload["driver_id"])

	err := f.engine.Withdraw(f.ctx, "c1", "a")
	assert.True(t, errors.Is(err, ErrNotFound))

	call, _ := f.store.Call("c1")
	assert.Equal(t, db.CallOpen, call.State)
	assignment, _ := f.store.Assignment("s1")
	assert.Equal(t, db.AssignmentPlanned, assignment.Status)

	f.clock.Advance(time.Minute)
	out, err := f.accept("c1", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", out.WinnerDriverID)

	tokens := f.store.Tokens("c1")
	assert.Len(t, tokens, 2)
	tokA = f.tokenFor("c1", "a")
	require.NotNil(t, tokA.RespondedAt)
	assert.Equal(t, t0.Add(time.Minute), *tokA.RespondedAt)
}

func TestWithdraw_Rejections(t *testing.T) {
	f := newFixture(t)
	f.addShift("s1", "08:00")
	f.addDriver("a", "", 0)
	f.seedCall("c1", "s1", seededToken{driverID: "a", status: db.TokenPending})

	assert.True(t, errors.Is(f.engine.Withdraw(f.ctx, "c1", ""), ErrAuth))
	assert.True(t, errors.Is(f.engine.Withdraw(f.ctx, "", "a"), ErrValidation))
	assert.True(t, errors.Is(f.engine.Withdraw(f.ctx, "nope", "a"), ErrNotFound))
	assert.True(t, errors.Is(f.engine.Withdraw(f.ctx, "c1", "stranger"), ErrNotFound))
	assert.True(t, errors.Is(f.engine.Withdraw(f.ctx, "c1", "a"), ErrNotFound))
	assert.Empty(t, f.capture.OfType(events.TypeResponseCancelled))
}

func TestDecline(t *testing.T) {
	f := newFixture(t)
	f.addShift("s1", "08:00")
	f.addDriver("a", "", 0)
	res := f.issue("s1")

	require.NoError(t, f.engine.Decline(f.ctx, res.CallID, "a"))
	tok := f.tokenFor(res.CallID, "a")
	assert.Equal(t, db.TokenDeclined, tok.Status)
	assert.Len(t, f.capture.OfType(events.TypeResponseDeclined), 1)

	_, err := f.accept(res.CallID, "a")
	assert.True(t, errors.Is(err, ErrGone), "declined is terminal, got %v", err)

	err = f.engine.Decline(f.ctx, res.CallID, "a")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAccept_ReturnsClassifiedErrors(t *testing.T) {
	f := newFixture(t)
	f.addShift("s1", "08:00")
	f.addDriver("a", "", 0)
	res := f.issue("s1")
	f.store.FailOn("LockCall", errors.New("boom"))

	_, err := f.accept(res.CallID, "a")
	require.Error(t, err)
	assert.Equal(t, "internal", Kind(err))
	assert.Contains(t, err.Error(), fmt.Sprintf("call %s", res.CallID))
}
