package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"liquidity-oracle/internal/automation"
	"liquidity-oracle/internal/codes"
	"liquidity-oracle/internal/engine"
	"liquidity-oracle/internal/oracle"
	"liquidity-oracle/internal/payout"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
	maxBodyBytes      = 1 << 16
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func notEvaluated(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"evaluated": false})
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok", "evaluated": false}
	if c, ok := s.deps.Service.Latest(); ok {
		body["evaluated"] = true
		body["last_cycle"] = c.Number
		body["last_evaluated_at"] = c.At
	}
	writeJSON(w, http.StatusOK, body)
}

type riskResponse struct {
	Evaluated bool        `json:"evaluated"`
	Cycle     uint64      `json:"cycle"`
	At        time.Time   `json:"at"`
	Score     interface{} `json:"score"`
	Band      string      `json:"band"`
	Degraded  bool        `json:"degraded"`
	Location  interface{} `json:"location"`
	Signals   interface{} `json:"signals"`
	Statuses  interface{} `json:"statuses"`
	Critical  string      `json:"critical,omitempty"`
}

func (s *Server) risk(w http.ResponseWriter, r *http.Request) {
	c, ok := s.deps.Service.Latest()
	if !ok {
		notEvaluated(w)
		return
	}
	writeJSON(w, http.StatusOK, riskResponse{
		Evaluated: true,
		Cycle:     c.Number,
		At:        c.At,
		Score:     c.Score,
		Band:      c.Score.Band().String(),
		Degraded:  c.Score.Degraded,
		Location:  c.Location,
		Signals:   c.Signals,
		Statuses:  c.Statuses,
		Critical:  c.Critical,
	})
}

type recommendationsResponse struct {
	Evaluated       bool                    `json:"evaluated"`
	Cycle           uint64                  `json:"cycle"`
	At              time.Time               `json:"at"`
	Regime          oracle.Regime           `json:"regime"`
	RiskScore       float64                 `json:"risk_score"`
	Recommendations []oracle.Recommendation `json:"recommendations"`
	Excluded        []string                `json:"excluded"`
	Critical        string                  `json:"critical,omitempty"`
}

func (s *Server) recommendations(w http.ResponseWriter, r *http.Request) {
	c, ok := s.deps.Service.Latest()
	if !ok {
		notEvaluated(w)
		return
	}
	writeJSON(w, http.StatusOK, rankingResponse(c))
}

func rankingResponse(c *engine.Cycle) recommendationsResponse {
	resp := recommendationsResponse{
		Evaluated:       true,
		Cycle:           c.Number,
		At:              c.At,
		Regime:          c.Ranking.Regime,
		RiskScore:       c.Ranking.RiskScore,
		Recommendations: c.Ranking.Recommendations,
		Excluded:        c.Ranking.Excluded,
		Critical:        c.Critical,
	}
	if resp.Recommendations == nil {
		resp.Recommendations = []oracle.Recommendation{}
	}
	if resp.Excluded == nil {
		resp.Excluded = []string{}
	}
	return resp
}

func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since := uint64(0)
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since", "since must be a non-negative integer")
			return
		}
		since = n
	}
	limit := defaultAuditLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	entries := s.deps.Service.AuditEntries(since, limit)
	next := since
	if n := len(entries); n > 0 {
		next = entries[n-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
		"next":    next,
	})
}

type evaluateRequest struct {
	OverrideRisk *float64 `json:"override_risk"`
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if o := req.OverrideRisk; o != nil && (math.IsNaN(*o) || *o < 0 || *o > 10) {
		writeError(w, http.StatusBadRequest, "invalid_override", "override_risk must be within [0,10]")
		return
	}
	c, err := s.deps.Service.Evaluate(r.Context(), engine.EvaluateRequest{
		At:           s.deps.Now(),
		Trigger:      engine.TriggerManual,
		OverrideRisk: req.OverrideRisk,
	})
	if err != nil && !errors.Is(err, oracle.ErrNoViableChannel) {
		s.logger.Error().Err(err).Msg("manual evaluation failed")
		writeError(w, http.StatusInternalServerError, "evaluation_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type deadmanResponse struct {
	Armed            bool                    `json:"armed"`
	State            *automation.SwitchState `json:"state,omitempty"`
	Remaining        string                  `json:"remaining,omitempty"`
	RemainingSeconds *float64                `json:"remaining_seconds,omitempty"`
	Warning          bool                    `json:"warning"`
	Intervals        []string                `json:"allowed_intervals"`
	ActionThreshold  float64                 `json:"action_threshold"`
}

func (s *Server) deadmanView() deadmanResponse {
	opts := s.deps.Service.DeadManOptions()
	resp := deadmanResponse{ActionThreshold: opts.ActionThreshold, Intervals: make([]string, 0, len(opts.Intervals))}
	for _, iv := range opts.Intervals {
		resp.Intervals = append(resp.Intervals, iv.String())
	}
	state, ok := s.deps.Service.DeadManState()
	if !ok {
		return resp
	}
	now := s.deps.Now()
	resp.State = &state
	resp.Armed = !state.Status.Terminal()
	if resp.Armed {
		remaining := state.Remaining(now)
		secs := remaining.Seconds()
		resp.Remaining = remaining.String()
		resp.RemainingSeconds = &secs
		resp.Warning = state.Warning(now)
	}
	return resp
}

func (s *Server) deadman(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deadmanView())
}

type armRequest struct {
	Interval string `json:"interval"`
}

func (s *Server) arm(w http.ResponseWriter, r *http.Request) {
	var req armRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	interval, err := time.ParseDuration(req.Interval)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_interval", fmt.Sprintf("interval %q: %v", req.Interval, err))
		return
	}
	if _, err := s.deps.Service.Arm(r.Context(), interval); err != nil {
		s.switchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.deadmanView())
}

func (s *Server) checkIn(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Service.CheckIn(r.Context()); err != nil {
		s.switchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deadmanView())
}

func (s *Server) disarm(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Service.Disarm(r.Context()); err != nil {
		s.switchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deadmanView())
}

func (s *Server) switchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, automation.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, "invalid_interval", err.Error())
	case errors.Is(err, automation.ErrAlreadyArmed):
		writeError(w, http.StatusConflict, "already_armed", err.Error())
	case errors.Is(err, automation.ErrNotArmed):
		writeError(w, http.StatusConflict, "not_armed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "switch_error", err.Error())
	}
}

func (s *Server) guardian(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Service.GuardianState())
}

type payoutRequest struct {
	ChannelID string          `json:"channel_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

func (s *Server) initiatePayout(w http.ResponseWriter, r *http.Request) {
	if s.deps.Payouts == nil {
		writeError(w, http.StatusNotImplemented, "payouts_disabled", "no payout orchestrator configured")
		return
	}
	var req payoutRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if _, ok := s.deps.Service.Latest(); !ok {
		notEvaluated(w)
		return
	}
	conf, err := s.deps.Payouts.Initiate(r.Context(), req.ChannelID, req.Amount, req.Currency)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, payout.ErrUnsupportedChannel) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "payout_failed", err.Error())
		return
	}
	s.recordPayout(w, r, conf)
}

func (s *Server) confirmPayout(w http.ResponseWriter, r *http.Request) {
	var conf payout.Confirmation
	if err := decodeBody(r, &conf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if conf.TxID == "" || conf.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "invalid_confirmation", "tx_id and channel_id are required")
		return
	}
	s.recordPayout(w, r, conf)
}

func (s *Server) recordPayout(w http.ResponseWriter, r *http.Request, conf payout.Confirmation) {
	entry, err := s.deps.Service.RecordPayout(r.Context(), conf)
	switch {
	case errors.Is(err, engine.ErrNotEvaluated):
		notEvaluated(w)
		return
	case errors.Is(err, engine.ErrChannelNotViable):
		writeError(w, http.StatusConflict, "channel_not_viable", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "audit_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"confirmation":      conf,
		"estimated_arrival": conf.EstimatedArrival(),
		"audit_seq":         entry.Seq,
	})
}

type issueCodeRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	TTL      string          `json:"ttl"`
}

func (s *Server) issueCode(w http.ResponseWriter, r *http.Request) {
	if s.deps.Codes == nil {
		writeError(w, http.StatusNotImplemented, "codes_disabled", "offline codes are not configured")
		return
	}
	var req issueCodeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_ttl", err.Error())
			return
		}
		ttl = d
	}
	code, err := s.deps.Codes.Issue(r.Context(), req.Amount, req.Currency, ttl)
	if err != nil {
		writeError(w, http.StatusBadRequest, "issue_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, code)
}

type redeemCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) redeemCode(w http.ResponseWriter, r *http.Request) {
	if s.deps.Codes == nil {
		writeError(w, http.StatusNotImplemented, "codes_disabled", "offline codes are not configured")
		return
	}
	var req redeemCodeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	code, err := s.deps.Codes.Redeem(r.Context(), req.Code)
	switch {
	case errors.Is(err, codes.ErrUnknownCode):
		writeError(w, http.StatusNotFound, "unknown_code", err.Error())
	case errors.Is(err, codes.ErrAlreadyRedeemed):
		writeError(w, http.StatusConflict, "already_redeemed", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "redeem_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, code)
	}
}
