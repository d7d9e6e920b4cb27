package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/auth"
	"github.com/Tompark0927/bus-assigning/pkg/core/dispatch"
	"github.com/Tompark0927/bus-assigning/pkg/db"
	"github.com/Tompark0927/bus-assigning/pkg/db/memdb"
	"github.com/Tompark0927/bus-assigning/pkg/events"
	"github.com/Tompark0927/bus-assigning/pkg/metrics"
)

const (
	testSecret = "http-test-secret-0123456789"
	testIssuer = "bus-assigning-test"
)

var t0 = time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)

type testEnv struct {
	t      *testing.T
	store  *memdb.DB
	engine *dispatch.Engine
	hub    *events.Hub
	srv    *httptest.Server

	mu  sync.Mutex
	now time.Time
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) setNow(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

type failingPinger struct{ err error }

func (p failingPinger) Ping(context.Context) error { return p.err }

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{t: t, store: memdb.New(), now: t0}

	reg := prometheus.NewRegistry()
	env.hub = events.NewHub(zap.NewNop())
	env.engine = dispatch.New(env.store, dispatch.Config{BaseURL: "https://dispatch.example.test"}, zap.NewNop(),
		dispatch.WithClock(env.clock),
		dispatch.WithPublisher(env.hub),
		dispatch.WithMetrics(metrics.NewPrometheus(reg, "")),
	)

	verifier, err := auth.NewVerifier(testSecret, testIssuer)
	require.NoError(t, err)

	opts = append([]Option{WithHub(env.hub), WithGatherer(reg)}, opts...)
	server := NewServer(env.engine, verifier, zap.NewNop(), opts...)
	env.srv = httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		env.hub.Close()
		env.srv.Close()
		env.engine.Wait()
	})

	for _, id := range []string{"alice", "bob", "carol"} {
		env.store.AddDriver(db.Driver{ID: id, Name: id, Active: true, DeviceToken: "device-" + id})
	}
	env.store.AddShift(db.Shift{ID: "shift-1", ServiceDate: "2025-03-10", RouteID: "R12", StartTime: "08:00", EndTime: "16:00"})
	return env
}

func (e *testEnv) token(subject, role string) string {
	e.t.Helper()
	tok, err := auth.Issue(testSecret, testIssuer, subject, role, time.Hour, time.Now())
	require.NoError(e.t, err)
	return tok
}

// do sends a request as subject (empty for anonymous) and decodes a JSON reply into out
func (e *testEnv) do(method, path, subject, role string, body any, out any) int {
	e.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(e.t, err)
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(subject, role))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) issue() callResponse {
	e.t.Helper()
	var res callResponse
	status := e.do(http.MethodPost, "/admin/calls", "ops", auth.RoleAdmin, map[string]any{"shiftId": "shift-1"}, &res)
	require.Equal(e.t, http.StatusCreated, status)
	return res
}

func (e *testEnv) secretFor(callID, driverID string) string {
	e.t.Helper()
	for _, tok := range e.store.Tokens(callID) {
		if tok.DriverID == driverID {
			return tok.Token
		}
	}
	e.t.Fatalf("no token for %s", driverID)
	return ""
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	var body map[string]string
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "", "", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHealth_Unavailable(t *testing.T) {
	env := newTestEnv(t, WithHealthCheck(failingPinger{err: errors.New("connection refused")}))

	assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/health", "", "", nil, nil))
}

func TestAdminRoutes_RequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{"shiftId": "shift-1"}

	var errBody errorResponse
	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, "/admin/calls", "", "", body, &errBody))
	assert.NotEmpty(t, errBody.Error)

	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, "/admin/calls", "alice", auth.RoleDriver, body, nil))
	assert.Empty(t, env.store.CallsForShift("shift-1"))
}

func TestInvalidBearerToken(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/driver/calls", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-jwt")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIssueAcceptFlow(t *testing.T) {
	env := newTestEnv(t)

	call := env.issue()
	assert.Equal(t, "shift-1", call.ShiftID)
	assert.Equal(t, 3, call.TokensCreated)
	assert.True(t, t0.Add(30*time.Minute).Equal(call.ExpiresAt))

	// a second round while the first is open conflicts
	var errBody errorResponse
	status := env.do(http.MethodPost, "/admin/calls", "ops", auth.RoleAdmin, map[string]any{"shiftId": "shift-1"}, &errBody)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, errBody.Error, "conflict")

	var available []availableCallResponse
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/driver/calls", "bob", auth.RoleDriver, nil, &available))
	require.Len(t, available, 1)
	assert.Equal(t, call.CallID, available[0].CallID)
	assert.Equal(t, "R12", available[0].Shift.RouteID)

	var won acceptResponse
	path := fmt.Sprintf("/calls/%s/accept?token=%s", call.CallID, available[0].Token)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, path, "bob", auth.RoleDriver, nil, &won))
	assert.True(t, won.Won)
	assert.Equal(t, "bob", won.WinnerDriverID)

	// alice arrives after the call resolved
	path = fmt.Sprintf("/calls/%s/accept?token=%s", call.CallID, env.secretFor(call.CallID, "alice"))
	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, path, "alice", auth.RoleDriver, nil, nil))

	a, ok := env.store.Assignment("shift-1")
	require.True(t, ok)
	assert.Equal(t, db.AssignmentConfirmed, a.Status)
	assert.Equal(t, "bob", a.DriverID)
}

func TestAccept_ErrorStatuses(t *testing.T) {
	env := newTestEnv(t)
	call := env.issue()
	bobSecret := env.secretFor(call.CallID, "bob")

	tests := []struct {
		name   string
		path   string
		driver string
		want   int
	}{
		{"missing token", fmt.Sprintf("/calls/%s/accept", call.CallID), "bob", http.StatusBadRequest},
		{"unknown token", fmt.Sprintf("/calls/%s/accept?token=nope", call.CallID), "bob", http.StatusNotFound},
		{"unknown call", "/calls/missing/accept?token=" + bobSecret, "bob", http.StatusNotFound},
		{"someone else's token", fmt.Sprintf("/calls/%s/accept?token=%s", call.CallID, bobSecret), "alice", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, env.do(http.MethodPost, tt.path, tt.driver, auth.RoleDriver, nil, nil))
		})
	}

	// past the deadline the call is gone even before a sweep
	env.setNow(t0.Add(31 * time.Minute))
	path := fmt.Sprintf("/calls/%s/accept?token=%s", call.CallID, bobSecret)
	assert.Equal(t, http.StatusGone, env.do(http.MethodPost, path, "bob", auth.RoleDriver, nil, nil))
}

func TestWithdrawAndDecline(t *testing.T) {
	env := newTestEnv(t)
	call := env.issue()

	// nothing to withdraw before responding
	withdraw := fmt.Sprintf("/calls/%s/withdraw", call.CallID)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, withdraw, "alice", auth.RoleDriver, nil, nil))

	decline := fmt.Sprintf("/calls/%s/decline", call.CallID)
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodPost, decline, "alice", auth.RoleDriver, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, decline, "alice", auth.RoleDriver, nil, nil))

	var available []availableCallResponse
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/driver/calls", "alice", auth.RoleDriver, nil, &available))
	assert.Empty(t, available)
}

func TestCancelShift(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutAssignment(db.Assignment{ShiftID: "shift-1", DriverID: "carol", Status: db.AssignmentConfirmed})

	path := "/shifts/shift-1/cancel"
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, path, "carol", auth.RoleDriver, map[string]any{}, nil))
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, path, "alice", auth.RoleDriver, map[string]any{"reason": "sick"}, nil))

	var call callResponse
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, path, "carol", auth.RoleDriver, map[string]any{"reason": "sick"}, &call))
	assert.Equal(t, 2, call.TokensCreated)

	a, _ := env.store.Assignment("shift-1")
	assert.Equal(t, db.AssignmentPlanned, a.Status)
}

func TestIssueCall_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing shift", map[string]any{}, http.StatusBadRequest},
		{"negative expiry", map[string]any{"shiftId": "shift-1", "expiryMinutes": -5}, http.StatusBadRequest},
		{"unknown field", map[string]any{"shiftId": "shift-1", "policy": "LOTTERY"}, http.StatusBadRequest},
		{"unknown shift", map[string]any{"shiftId": "nope"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, env.do(http.MethodPost, "/admin/calls", "ops", auth.RoleAdmin, tt.body, nil))
		})
	}
}

func TestDriverState(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusNoContent,
		env.do(http.MethodPut, "/driver/state", "alice", auth.RoleDriver, map[string]any{"state": "OFF"}, nil))
	st, ok := env.store.DayState("alice", "2025-03-10")
	require.True(t, ok)
	assert.Equal(t, db.DayOff, st)

	assert.Equal(t, http.StatusForbidden,
		env.do(http.MethodPut, "/driver/state", "alice", auth.RoleDriver, map[string]any{"state": "BLOCKED"}, nil))
	assert.Equal(t, http.StatusBadRequest,
		env.do(http.MethodPut, "/driver/state", "alice", auth.RoleDriver, map[string]any{"state": "ASLEEP"}, nil))
	assert.Equal(t, http.StatusBadRequest,
		env.do(http.MethodPut, "/driver/state", "alice", auth.RoleDriver, map[string]any{"state": "OFF", "date": "10/03/2025"}, nil))

	assert.Equal(t, http.StatusNoContent,
		env.do(http.MethodPut, "/admin/drivers/bob/state", "ops", auth.RoleAdmin, map[string]any{"state": "BLOCKED", "date": "2025-03-11"}, nil))
	st, _ = env.store.DayState("bob", "2025-03-11")
	assert.Equal(t, db.DayBlocked, st)
}

func TestRegisterDevice(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusNoContent,
		env.do(http.MethodPost, "/driver/device", "alice", auth.RoleDriver, map[string]any{"deviceToken": "new-device"}, nil))
	d, _ := env.store.Driver("alice")
	assert.Equal(t, "new-device", d.DeviceToken)

	assert.Equal(t, http.StatusNotFound,
		env.do(http.MethodPost, "/driver/device", "ghost", auth.RoleDriver, map[string]any{"deviceToken": "x"}, nil))
}

func TestSweepAndListCalls(t *testing.T) {
	env := newTestEnv(t)
	call := env.issue()

	env.setNow(t0.Add(31 * time.Minute))
	var sweep sweepResponse
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/admin/sweep", "ops", auth.RoleAdmin, nil, &sweep))
	assert.Equal(t, 1, sweep.Expired)
	assert.Equal(t, int64(3), sweep.ExpiredTokens)
	// 08:00 start is within the urgent window at 06:31
	require.Equal(t, 1, sweep.Recalled)
	assert.True(t, sweep.RecalledCalls[0].Urgent)

	var calls []callSummaryResponse
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/admin/calls?days=1", "ops", auth.RoleAdmin, nil, &calls))
	require.Len(t, calls, 2)
	assert.Equal(t, sweep.RecalledCalls[0].CallID, calls[0].CallID)
	assert.Equal(t, call.CallID, calls[1].CallID)
	assert.Equal(t, "CLOSED", calls[1].State)
	assert.Equal(t, db.CloseReasonExpired, calls[1].ClosedReason)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/admin/calls?days=abc", "ops", auth.RoleAdmin, nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/admin/calls?days=365", "ops", auth.RoleAdmin, nil, nil))
}

func TestUpdateStreaks(t *testing.T) {
	env := newTestEnv(t)

	var body map[string]int
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/admin/update-streaks", "ops", auth.RoleAdmin, nil, &body))
	assert.Equal(t, 3, body["drivers"])
}

func TestEvents_WebSocket(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/events?access_token=" + env.token("alice", auth.RoleDriver)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	call := env.issue()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TypeCallOpened, ev.Type)
	assert.Equal(t, call.CallID, ev.Payload["call_id"])
}

func TestEvents_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.issue()

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dispatch_calls_issued_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", dispatch.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: nope", dispatch.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("%w: who", dispatch.ErrAuth), http.StatusUnauthorized},
		{fmt.Errorf("%w: x", dispatch.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", dispatch.ErrConflict), http.StatusConflict},
		{fmt.Errorf("%w: x", dispatch.ErrGone), http.StatusGone},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
