package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/auth"
	"github.com/Tompark0927/bus-assigning/pkg/core/dispatch"
	"github.com/Tompark0927/bus-assigning/pkg/db"
)

const healthTimeout = 2 * time.Second

type issueCallRequest struct {
	ShiftID       string `json:"shiftId" validate:"required"`
	ExpiryMinutes int    `json:"expiryMinutes" validate:"gte=0,lte=1440"`
}

type cancelShiftRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type driverStateRequest struct {
	Date  string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	State string `json:"state" validate:"required,oneof=WORKING OFF BLOCKED"`
}

type adminDriverStateRequest struct {
	Date  string `json:"date" validate:"required,datetime=2006-01-02"`
	State string `json:"state" validate:"required,oneof=WORKING OFF BLOCKED"`
}

type deviceRequest struct {
	DeviceToken string `json:"deviceToken" validate:"required,max=4096"`
}

type callResponse struct {
	CallID        string    `json:"callId"`
	ShiftID       string    `json:"shiftId"`
	ExpiresAt     time.Time `json:"expiresAt"`
	TokensCreated int       `json:"tokensCreated"`
	Urgent        bool      `json:"urgent"`
}

func newCallResponse(res *dispatch.IssueResult) callResponse {
	return callResponse{
		CallID:        res.CallID,
		ShiftID:       res.ShiftID,
		ExpiresAt:     res.ExpiresAt,
		TokensCreated: res.TokensCreated,
		Urgent:        res.Urgent,
	}
}

type acceptResponse struct {
	CallID         string `json:"callId"`
	ShiftID        string `json:"shiftId"`
	WinnerDriverID string `json:"winnerDriverId"`
	Won            bool   `json:"won"`
}

type sweepResponse struct {
	Expired        int            `json:"expired"`
	ExpiredTokens  int64          `json:"expiredTokens"`
	Recalled       int            `json:"recalled"`
	RecallFailures int            `json:"recallFailures"`
	RecalledCalls  []callResponse `json:"recalledCalls"`
}

type shiftResponse struct {
	ShiftID     string `json:"shiftId"`
	ServiceDate string `json:"serviceDate"`
	RouteID     string `json:"routeId"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
}

func newShiftResponse(s db.Shift) shiftResponse {
	return shiftResponse{
		ShiftID:     s.ID,
		ServiceDate: s.ServiceDate,
		RouteID:     s.RouteID,
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
	}
}

type availableCallResponse struct {
	CallID    string        `json:"callId"`
	Token     string        `json:"token"`
	Status    string        `json:"status"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Urgent    bool          `json:"urgent"`
	Shift     shiftResponse `json:"shift"`
}

type callSummaryResponse struct {
	CallID          string        `json:"callId"`
	State           string        `json:"state"`
	ClosedReason    string        `json:"closedReason,omitempty"`
	Urgent          bool          `json:"urgent"`
	CreatedBy       string        `json:"createdBy"`
	CreatedAt       time.Time     `json:"createdAt"`
	ExpiresAt       time.Time     `json:"expiresAt"`
	Shift           shiftResponse `json:"shift"`
	TotalTokens     int           `json:"totalTokens"`
	PendingTokens   int           `json:"pendingTokens"`
	RespondedTokens int           `json:"respondedTokens"`
	WinnerDriverID  string        `json:"winnerDriverId,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("Health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	p, err := s.verifier.FromRequest(r, true)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.Serve(conn, p.DriverID)
}

func (s *Server) handleIssueCall(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	var req issueCallRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.IssueCall(r.Context(), dispatch.IssueRequest{
		ShiftID:      req.ShiftID,
		ExpiryWindow: time.Duration(req.ExpiryMinutes) * time.Minute,
		Actor:        p.DriverID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCallResponse(res))
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request, _ *auth.Principal) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "days must be an integer"})
			return
		}
		days = n
	}

	summaries, err := s.engine.ListRecentCalls(r.Context(), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]callSummaryResponse, 0, len(summaries))
	for _, cs := range summaries {
		out = append(out, callSummaryResponse{
			CallID:          cs.Call.ID,
			State:           string(cs.Call.State),
			ClosedReason:    cs.Call.ClosedReason,
			Urgent:          cs.Call.Urgent,
			CreatedBy:       cs.Call.CreatedBy,
			CreatedAt:       cs.Call.CreatedAt,
			ExpiresAt:       cs.Call.ExpiresAt,
			Shift:           newShiftResponse(cs.Shift),
			TotalTokens:     cs.TotalTokens,
			PendingTokens:   cs.PendingTokens,
			RespondedTokens: cs.RespondedTokens,
			WinnerDriverID:  cs.WinnerDriverID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request, _ *auth.Principal) {
	res, err := s.engine.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	recalled := make([]callResponse, 0, len(res.RecalledCalls))
	for i := range res.RecalledCalls {
		recalled = append(recalled, newCallResponse(&res.RecalledCalls[i]))
	}
	writeJSON(w, http.StatusOK, sweepResponse{
		Expired:        res.Expired,
		ExpiredTokens:  res.ExpiredTokens,
		Recalled:       res.Recalled,
		RecallFailures: res.RecallFailures,
		RecalledCalls:  recalled,
	})
}

func (s *Server) handleUpdateStreaks(w http.ResponseWriter, r *http.Request, _ *auth.Principal) {
	n, err := s.engine.UpdateStreaks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"drivers": n})
}

func (s *Server) handleAdminDriverState(w http.ResponseWriter, r *http.Request, _ *auth.Principal) {
	var req adminDriverStateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	err := s.engine.SetDriverState(r.Context(), r.PathValue("driverID"), req.Date, db.DayState(req.State), true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelShift(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	var req cancelShiftRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.CancelAssignment(r.Context(), dispatch.CancelRequest{
		ShiftID:  r.PathValue("shiftID"),
		DriverID: p.DriverID,
		Reason:   req.Reason,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCallResponse(res))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	res, err := s.engine.Accept(r.Context(), dispatch.AcceptRequest{
		CallID:   r.PathValue("callID"),
		Token:    r.URL.Query().Get("token"),
		DriverID: p.DriverID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acceptResponse{
		CallID:         res.CallID,
		ShiftID:        res.ShiftID,
		WinnerDriverID: res.WinnerDriverID,
		Won:            res.Won,
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	if err := s.engine.Withdraw(r.Context(), r.PathValue("callID"), p.DriverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	if err := s.engine.Decline(r.Context(), r.PathValue("callID"), p.DriverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverCalls(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	calls, err := s.engine.ListAvailableCalls(r.Context(), p.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]availableCallResponse, 0, len(calls))
	for _, c := range calls {
		out = append(out, availableCallResponse{
			CallID:    c.CallID,
			Token:     c.Token,
			Status:    string(c.TokenStatus),
			ExpiresAt: c.ExpiresAt,
			Urgent:    c.Urgent,
			Shift:     newShiftResponse(c.Shift),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDriverState(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	var req driverStateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	err := s.engine.SetDriverState(r.Context(), p.DriverID, req.Date, db.DayState(req.State), p.IsAdmin())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	var req deviceRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.engine.RegisterDevice(r.Context(), p.DriverID, req.DeviceToken); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
