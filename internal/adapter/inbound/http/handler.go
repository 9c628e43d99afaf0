package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/mishabar410/policyshield/internal/domain/approval"
	"github.com/mishabar410/policyshield/internal/service"
	"github.com/mishabar410/policyshield/pkg/api"
)

// Input caps applied before a request reaches the engine.
const (
	maxToolNameLength = 256
	maxIDLength       = 256
	maxArgsDepth      = 10
)

// toolNamePattern is the allowed tool-name alphabet.
var toolNamePattern = regexp.MustCompile(`^[\w.\-:]+$`)

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the error envelope. verdict is included on 5xx so
// clients can degrade safely; pass "" to omit it.
func writeError(w http.ResponseWriter, status int, kind, message, verdict string) {
	writeJSON(w, status, api.ErrorResponse{
		Error:   kind,
		Message: message,
		Verdict: verdict,
	})
}

// decodeJSON decodes the request body into v, rejecting unknown shapes
// generically. Returns false after writing the error response.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge,
				"payload_too_large", "request body exceeds limit", "")
			return false
		}
		writeError(w, http.StatusUnprocessableEntity,
			"invalid_input", "request body is not valid JSON", "")
		return false
	}
	return true
}

// validateCheckRequest applies the input caps. The returned message is
// generic; field-level detail is only logged in debug mode.
func validateCheckRequest(req *api.CheckRequest) string {
	if req.ToolName == "" || len(req.ToolName) > maxToolNameLength ||
		!toolNamePattern.MatchString(req.ToolName) {
		return "tool_name is missing or malformed"
	}
	if len(req.SessionID) > maxIDLength || len(req.Sender) > maxIDLength ||
		len(req.RequestID) > maxIDLength {
		return "identifier field exceeds length limit"
	}
	if argsDepth(req.Args, 0) > maxArgsDepth {
		return "args nesting exceeds depth limit"
	}
	return ""
}

// argsDepth measures nesting depth of a decoded JSON value. Scalars are
// depth 0; a map or slice adds one level.
func argsDepth(v any, depth int) int {
	if depth > maxArgsDepth {
		return depth
	}
	switch t := v.(type) {
	case map[string]any:
		deepest := depth + 1
		for _, elem := range t {
			if d := argsDepth(elem, depth+1); d > deepest {
				deepest = d
			}
		}
		return deepest
	case []any:
		deepest := depth + 1
		for _, elem := range t {
			if d := argsDepth(elem, depth+1); d > deepest {
				deepest = d
			}
		}
		return deepest
	default:
		return depth
	}
}

// acquireSlot takes a concurrency slot for the engine-bound endpoints.
// Returns a release func, or false after writing the 503 overload response.
func (s *Server) acquireSlot(w http.ResponseWriter) (func(), bool) {
	if s.slots == nil {
		return func() {}, true
	}
	select {
	case s.slots <- struct{}{}:
		s.metrics.InFlightChecks.Inc()
		return func() {
			<-s.slots
			s.metrics.InFlightChecks.Dec()
		}, true
	default:
		s.metrics.RejectedTotal.WithLabelValues("overloaded").Inc()
		writeError(w, http.StatusServiceUnavailable,
			"overloaded", "too many concurrent checks", "BLOCK")
		return nil, false
	}
}

// handleCheck serves POST /api/v1/check.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req api.CheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := validateCheckRequest(&req); msg != "" {
		s.debugLog(r.Context(), "check input rejected", "reason", msg)
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", msg, "")
		return
	}

	// Cached replay for retried requests.
	idemKey := r.Header.Get("X-Idempotency-Key")
	if idemKey != "" {
		if status, body, ok := s.idempotency.Get(idemKey); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write(body)
			return
		}
	}

	release, ok := s.acquireSlot(w)
	if !ok {
		return
	}
	defer release()

	if req.RequestID == "" {
		req.RequestID = RequestIDFromContext(r.Context())
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}

	d := s.engine.Check(r.Context(), service.CheckRequest{
		Tool:      req.ToolName,
		Args:      req.Args,
		SessionID: req.SessionID,
		Sender:    req.Sender,
		Roles:     req.Roles,
		RequestID: req.RequestID,
	})
	if err := r.Context().Err(); err != nil {
		s.metrics.RejectedTotal.WithLabelValues("timeout").Inc()
		writeError(w, http.StatusGatewayTimeout,
			"timeout", "request timed out", "BLOCK")
		return
	}

	s.metrics.ChecksTotal.WithLabelValues(string(d.Verdict)).Inc()
	s.metrics.CheckDuration.Observe(d.DurationMS / 1000)
	s.metrics.ActiveSessions.Set(float64(s.engine.SessionCount()))

	resp := checkResponse(req.RequestID, d)
	if idemKey != "" {
		if body, err := json.Marshal(resp); err == nil {
			s.idempotency.Put(idemKey, http.StatusOK, body)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// checkResponse maps an engine decision onto the wire shape.
func checkResponse(requestID string, d service.Decision) api.CheckResponse {
	resp := api.CheckResponse{
		Verdict:           string(d.Verdict),
		RuleID:            d.RuleID,
		Message:           d.Message,
		Severity:          string(d.Severity),
		Mode:              string(d.Mode),
		RequestID:         requestID,
		Shadowed:          d.Shadowed,
		ShadowVerdict:     string(d.ShadowVerdict),
		ModifiedArgs:      d.Args,
		PIITypes:          d.PIIFound,
		ApprovalID:        d.ApprovalID,
		RetryAfterSeconds: d.RetryAfterSeconds,
		DurationMS:        d.DurationMS,
	}
	if !d.ApprovalExpiresAt.IsZero() {
		t := d.ApprovalExpiresAt
		resp.ApprovalExpiresAt = &t
	}
	return resp
}

// handlePostCheck serves POST /api/v1/post-check.
func (s *Server) handlePostCheck(w http.ResponseWriter, r *http.Request) {
	var req api.PostCheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ToolName == "" || len(req.ToolName) > maxToolNameLength ||
		!toolNamePattern.MatchString(req.ToolName) {
		writeError(w, http.StatusUnprocessableEntity,
			"invalid_input", "tool_name is missing or malformed", "")
		return
	}
	if len(req.SessionID) > maxIDLength {
		writeError(w, http.StatusUnprocessableEntity,
			"invalid_input", "identifier field exceeds length limit", "")
		return
	}

	release, ok := s.acquireSlot(w)
	if !ok {
		return
	}
	defer release()

	if req.SessionID == "" {
		req.SessionID = "default"
	}

	res := s.engine.PostCheck(r.Context(), service.PostCheckRequest{
		Tool:      req.ToolName,
		SessionID: req.SessionID,
		Result:    req.Result,
		Redact:    true,
	})

	pii := res.PIIFound
	if pii == nil {
		pii = []string{}
	}
	writeJSON(w, http.StatusOK, api.PostCheckResponse{
		PIITypes:       pii,
		RedactedResult: res.Result,
	})
}

// handleConstraints serves GET /api/v1/constraints.
func (s *Server) handleConstraints(w http.ResponseWriter, r *http.Request) {
	c := s.engine.Constraints()
	writeJSON(w, http.StatusOK, api.ConstraintsResponse{
		Summary:     c.Summary(),
		Constraints: c,
	})
}

// handleStatus serves GET /api/v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := s.engine.Status(r.Context(), recentEntries(r))
	status := "active"
	if report.KillSwitch {
		status = "killed"
	}
	resp := api.StatusResponse{
		Status:           status,
		Killed:           report.KillSwitch,
		KillReason:       report.KillReason,
		Mode:             string(report.Mode),
		FailMode:         string(report.FailMode),
		RulesCount:       report.Rules,
		RateLimits:       report.RateLimits,
		Honeypots:        report.Honeypots,
		ActiveSessions:   report.ActiveSessions,
		PendingApprovals: report.PendingApprovals,
		Generation:       report.Generation,
		RuleFileHash:     report.RuleFileHash,
		LoadedAt:         report.LoadedAt,
		Version:          s.version,
	}
	if len(report.Recent) > 0 {
		resp.Recent = report.Recent
	}
	writeJSON(w, http.StatusOK, resp)
}

// recentEntries parses the optional ?recent=N query (0..100).
func recentEntries(r *http.Request) int {
	q := r.URL.Query().Get("recent")
	if q == "" {
		return 0
	}
	n := 0
	for _, c := range q {
		if c < '0' || c > '9' || n > 100 {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	if n > 100 {
		n = 100
	}
	return n
}

// handleReload serves POST /api/v1/reload.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	oldCount := len(s.engine.Active().Rules.Rules)
	snap, err := s.engine.Reload(r.Context())
	if err != nil {
		s.metrics.ReloadsTotal.WithLabelValues("error").Inc()
		LoggerFromContext(r.Context()).Error("rule reload failed", "error", err)
		writeError(w, http.StatusUnprocessableEntity,
			"reload_failed", "rule file failed to load; previous rules remain active", "")
		return
	}
	s.metrics.ReloadsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, api.ReloadResponse{
		OldCount:   oldCount,
		NewCount:   len(snap.Rules.Rules),
		Generation: snap.Generation,
		Hash:       snap.Hash,
		LoadedAt:   snap.LoadedAt,
	})
}

// handleKill serves POST /api/v1/kill.
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req api.KillRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	s.engine.Kill(req.Reason)
	s.metrics.KillSwitchEngaged.Set(1)
	LoggerFromContext(r.Context()).Warn("kill switch engaged", "reason", req.Reason)
	writeJSON(w, http.StatusOK, api.KillResponse{Status: "killed", Reason: req.Reason})
}

// handleResume serves POST /api/v1/resume.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume()
	s.metrics.KillSwitchEngaged.Set(0)
	LoggerFromContext(r.Context()).Info("kill switch released")
	writeJSON(w, http.StatusOK, api.ResumeResponse{Status: "resumed"})
}

// handleCheckApproval serves POST /api/v1/check-approval. With wait set the
// call blocks until resolution or the poll timeout, whichever first.
func (s *Server) handleCheckApproval(w http.ResponseWriter, r *http.Request) {
	var req api.CheckApprovalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ApprovalID == "" || len(req.ApprovalID) > maxIDLength {
		writeError(w, http.StatusUnprocessableEntity,
			"invalid_input", "approval_id is missing or malformed", "")
		return
	}
	if !req.Wait && r.URL.Query().Get("wait") == "true" {
		req.Wait = true
	}

	ctx := r.Context()
	if req.Wait && s.pollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.pollTimeout)
		defer cancel()
	}

	info, err := s.engine.CheckApproval(ctx, req.ApprovalID, req.Wait)
	if req.Wait && errors.Is(err, context.DeadlineExceeded) {
		// Poll timeout is not a failure: answer with the current state so the
		// client can keep polling.
		info, err = s.engine.CheckApproval(r.Context(), req.ApprovalID, false)
	}
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown approval id", "")
			return
		}
		writeError(w, http.StatusInternalServerError,
			"approval_backend", "approval lookup failed", s.failVerdict())
		return
	}
	writeJSON(w, http.StatusOK, approvalProgress(info, string(s.engine.TimeoutAutoVerdict())))
}

// approvalProgress maps backend state onto the polling wire shape.
// timeoutVerdict is the configured auto verdict for timed-out approvals.
func approvalProgress(info *approval.StatusInfo, timeoutVerdict string) api.CheckApprovalResponse {
	resp := api.CheckApprovalResponse{
		ApprovalID: info.Request.ID,
		Status:     string(info.Status),
	}
	if !info.Request.ExpiresAt.IsZero() {
		t := info.Request.ExpiresAt
		resp.ExpiresAt = &t
	}
	if info.Response != nil {
		resp.Responder = info.Response.Responder
		resp.Reason = info.Response.Reason
	}
	switch info.Status {
	case approval.StatusApproved:
		resp.AutoVerdict = "ALLOW"
	case approval.StatusDenied:
		resp.AutoVerdict = "BLOCK"
	case approval.StatusTimeout:
		resp.AutoVerdict = timeoutVerdict
	}
	return resp
}

// handleRespondApproval serves POST /api/v1/respond-approval.
func (s *Server) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	var req api.RespondApprovalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ApprovalID == "" || len(req.ApprovalID) > maxIDLength {
		writeError(w, http.StatusUnprocessableEntity,
			"invalid_input", "approval_id is missing or malformed", "")
		return
	}

	err := s.engine.RespondApproval(r.Context(), req.ApprovalID, approval.Response{
		Approved:  req.Approved,
		Responder: req.Responder,
		Reason:    req.Comment,
		At:        time.Now().UTC(),
	})
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown approval id", "")
		return
	case errors.Is(err, approval.ErrAlreadyResolved):
		// First response wins; later responses are acknowledged as no-ops.
		writeJSON(w, http.StatusOK, api.RespondApprovalResponse{Status: "already_resolved"})
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError,
			"approval_backend", "approval response failed", s.failVerdict())
		return
	}

	outcome := "denied"
	if req.Approved {
		outcome = "approved"
	}
	s.metrics.ApprovalsTotal.WithLabelValues(outcome).Inc()
	writeJSON(w, http.StatusOK, api.RespondApprovalResponse{Status: "resolved"})
}

// handlePendingApprovals serves GET /api/v1/pending-approvals.
func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.engine.PendingApprovals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError,
			"approval_backend", "approval listing failed", s.failVerdict())
		return
	}
	s.metrics.PendingApprovals.Set(float64(len(pending)))

	items := make([]api.PendingApproval, 0, len(pending))
	for _, info := range pending {
		items = append(items, api.PendingApproval{
			ApprovalID: info.Request.ID,
			RuleID:     info.Request.RuleID,
			Tool:       info.Request.Tool,
			SessionID:  info.Request.SessionID,
			Args:       info.Request.Args,
			Message:    info.Request.Message,
			CreatedAt:  info.Request.CreatedAt,
			ExpiresAt:  info.Request.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, api.PendingApprovalsResponse{Items: items})
}

// failVerdict is the degradation hint included in 5xx envelopes.
func (s *Server) failVerdict() string {
	if s.failOpen {
		return "ALLOW"
	}
	return "BLOCK"
}

// debugLog logs at debug level only; validation detail stays out of
// responses and info logs.
func (s *Server) debugLog(ctx context.Context, msg string, args ...any) {
	LoggerFromContext(ctx).Debug(msg, args...)
}
