package http

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/goleak"

	"github.com/mishabar410/policyshield/internal/adapter/outbound/memory"
	"github.com/mishabar410/policyshield/internal/domain/rule"
	"github.com/mishabar410/policyshield/internal/domain/session"
	"github.com/mishabar410/policyshield/internal/domain/trace"
	"github.com/mishabar410/policyshield/internal/service"
	"github.com/mishabar410/policyshield/pkg/api"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testRules = `
default_verdict: ALLOW
rules:
  - id: no-rm-rf
    tool: shell.exec
    args_match:
      command:
        regex: 'rm\s+-rf'
    then: BLOCK
    message: "destructive command"
    severity: critical
  - id: mail-redact
    tool: "mail.*"
    then: REDACT
  - id: prod-db-writes
    tool: db.execute
    then: APPROVE
    approval_strategy: per_session
    message: "needs approval"
rate_limits:
  - id: shell-rate
    tool: shell.exec
    max_calls: 2
    window_seconds: 60
honeypots:
  - admin.backdoor
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write rule file: %v", err)
	}
	return path
}

// newTestServer builds a server over a real engine with in-memory
// dependencies. The returned path is the live rule file, for reload tests.
func newTestServer(t *testing.T, rules string, opts Options) (*Server, string) {
	t.Helper()
	logger := discardLogger()
	path := writeRules(t, rules)

	sessions := session.NewManager(session.WithLogger(logger))
	approvals := memory.NewApprovalBackend(memory.WithLogger(logger))
	engine, err := service.NewEngine(service.Config{Mode: rule.ModeEnforce},
		path, nil, sessions, approvals, trace.Nop{}, logger)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(engine.Close)

	if opts.Version == "" {
		opts.Version = "test"
	}
	return NewServer(engine, opts, logger, prometheus.NewRegistry()), path
}

func newRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	if body == nil {
		return httptest.NewRequest(method, target, nil)
	}
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	r := httptest.NewRequest(method, target, bytes.NewReader(b))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func do(s *Server, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func checkBody(tool string, args map[string]any) api.CheckRequest {
	return api.CheckRequest{ToolName: tool, Args: args, SessionID: "s1"}
}

func TestCheckAllow(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{})
	rec := do(s, newRequest(t, http.MethodPost, "/api/v1/check",
		checkBody("fs.read", map[string]any{"path": "/srv/report.csv"})))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp api.CheckResponse
	decodeInto(t, rec, &resp)
	if resp.Verdict != "ALLOW" {
		t.Errorf("verdict = %s, want ALLOW", resp.Verdict)
	}
	if resp.Mode != "enforce" {
		t.Errorf("mode = %s, want enforce", resp.Mode)
	}
	if resp.RequestID == "" {
		t.Error("request_id is empty, want generated id")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not echoed")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestCheckBlock(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{})
	rec := do(s, newRequest(t, http.MethodPost, "/api/v1/check",
		checkBody("shell.exec", map[string]any{"command": "rm -rf /srv"})))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp api.CheckResponse
	decodeInto(t, rec, &resp)
	if resp.Verdict != "BLOCK" || resp.RuleID != "no-rm-rf" {
		t.Errorf("decision = %s/%s, want BLOCK/no-rm-rf", resp.Verdict, resp.RuleID)
	}
	if resp.ModifiedArgs != nil {
		t.Error("BLOCK response still carries modified_args")
	}
}

func TestCheckInputValidation(t *testing.T) {
	t.Parallel()

	deepArgs := map[string]any{}
	cursor := deepArgs
	for i := 0; i < maxArgsDepth+1; i++ {
		next := map[string]any{}
		cursor["k"] = next
		cursor = next
	}

	tests := []struct {
		name string
		req  api.CheckRequest
	}{
		{"missing tool name", api.CheckRequest{}},
		{"tool name with spaces", api.CheckRequest{ToolName: "bad tool"}},
		{"tool name too long", api.CheckRequest{ToolName: strings.Repeat("a", maxToolNameLength+1)}},
		{"session id too long", api.CheckRequest{
			ToolName:  "fs.read",
			SessionID: strings.Repeat("s", maxIDLength+1),
		}},
		{"args nested too deep", api.CheckRequest{ToolName: "fs.read", Args: deepArgs}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, _ := newTestServer(t, testRules, Options{})
			rec := do(s, newRequest(t, http.MethodPost, "/api/v1/check", tt.req))
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422", rec.Code)
			}
			var resp api.ErrorResponse
			decodeInto(t, rec, &resp)
			if resp.Error != "invalid_input" {
				t.Errorf("error = %q, want invalid_input", resp.Error)
			}
		})
	}
}

func TestCheckMalformedJSON(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/check", strings.NewReader("{not json"))
	r.Header.Set("Content-Type", "application/json")

	if rec := do(s, r); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestUnsupportedMediaType(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/check",
		strings.NewReader(`{"tool_name":"fs.read"}`))
	r.Header.Set("Content-Type", "text/plain")

	rec := do(s, r)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
	var resp api.ErrorResponse
	decodeInto(t, rec, &resp)
	if resp.Error != "unsupported_media_type" {
		t.Errorf("error = %q, want unsupported_media_type", resp.Error)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{MaxRequestSize: 64})
	body := checkBody("fs.read", map[string]any{"blob": strings.Repeat("x", 256)})

	if rec := do(s, newRequest(t, http.MethodPost, "/api/v1/check", body)); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestAPIAuth(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{APIToken: "api-secret"})

	r := newRequest(t, http.MethodPost, "/api/v1/check", checkBody("fs.read", nil))
	if rec := do(s, r); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", rec.Code)
	}

	r = newRequest(t, http.MethodPost, "/api/v1/check", checkBody("fs.read", nil))
	r.Header.Set("Authorization", "Bearer wrong")
	if rec := do(s, r); rec.Code != http.StatusForbidden {
		t.Errorf("bad token: status = %d, want 403", rec.Code)
	}

	r = newRequest(t, http.MethodPost, "/api/v1/check", checkBody("fs.read", nil))
	r.Header.Set("Authorization", "Bearer api-secret")
	if rec := do(s, r); rec.Code != http.StatusOK {
		t.Errorf("good token: status = %d, want 200", rec.Code)
	}
}

func TestAdminTokenFallsBackToAPIToken(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{APIToken: "api-secret"})

	r := newRequest(t, http.MethodPost, "/api/v1/kill", api.KillRequest{Reason: "drill"})
	r.Header.Set("Authorization", "Bearer api-secret")
	if rec := do(s, r); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAdminLockout(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{AdminToken: "admin-secret"})

	for i := 0; i < authLockoutAfterTry; i++ {
		r := newRequest(t, http.MethodPost, "/api/v1/kill", nil)
		r.Header.Set("Authorization", "Bearer wrong")
		if rec := do(s, r); rec.Code != http.StatusForbidden {
			t.Fatalf("attempt %d: status = %d, want 403", i+1, rec.Code)
		}
	}

	// The lockout now rejects even a correct token, with a Retry-After hint.
	r := newRequest(t, http.MethodPost, "/api/v1/kill", nil)
	r.Header.Set("Authorization", "Bearer admin-secret")
	rec := do(s, r)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("locked: status = %d, want 403", rec.Code)
	}
	var resp api.ErrorResponse
	decodeInto(t, rec, &resp)
	if resp.Error != "locked_out" {
		t.Errorf("error = %q, want locked_out", resp.Error)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing on lockout")
	}
}

func TestIdempotentReplaySkipsEngine(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{})
	body := checkBody("shell.exec", map[string]any{"command": "ls"})

	send := func(idemKey string) api.CheckResponse {
		t.Helper()
		r := newRequest(t, http.MethodPost, "/api/v1/check", body)
		if idemKey != "" {
			r.Header.Set("X-Idempotency-Key", idemKey)
		}
		rec := do(s, r)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp api.CheckResponse
		decodeInto(t, rec, &resp)
		return resp
	}

	first := send("retry-1")
	if first.Verdict != "ALLOW" {
		t.Fatalf("first verdict = %s, want ALLOW", first.Verdict)
	}
	// The replay must not consume rate-limit budget: with max_calls 2, one
	// original plus one replay plus one fresh call all pass, and only the
	// next fresh call trips the limit.
	replay := send("retry-1")
	if replay.RequestID != first.RequestID {
		t.Errorf("replay request_id = %s, want cached %s", replay.RequestID, first.RequestID)
	}
	if got := send(""); got.Verdict != "ALLOW" {
		t.Fatalf("second fresh call verdict = %s, want ALLOW", got.Verdict)
	}
	limited := send("")
	if limited.Verdict != "BLOCK" || limited.RuleID != "shell-rate" {
		t.Errorf("third fresh call = %s/%s, want BLOCK/shell-rate", limited.Verdict, limited.RuleID)
	}
	if limited.RetryAfterSeconds <= 0 {
		t.Errorf("retry_after_seconds = %v, want > 0", limited.RetryAfterSeconds)
	}
}

func TestOverloadRejection(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{MaxConcurrentChecks: 1})
	s.slots <- struct{}{}
	defer func() { <-s.slots }()

	rec := do(s, newRequest(t, http.MethodPost, "/api/v1/check", checkBody("fs.read", nil)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var resp api.ErrorResponse
	decodeInto(t, rec, &resp)
	if resp.Error != "overloaded" || resp.Verdict != "BLOCK" {
		t.Errorf("envelope = %s/%s, want overloaded/BLOCK", resp.Error, resp.Verdict)
	}
}

func TestPostCheckRedactsPII(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{})
	rec := do(s, newRequest(t, http.MethodPost, "/api/v1/post-check", api.PostCheckRequest{
		ToolName:  "mail.read",
		SessionID: "s1",
		Result:    "reply to alice@example.com please",
	}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp api.PostCheckResponse
	decodeInto(t, rec, &resp)
	if len(resp.PIITypes) != 1 || resp.PIITypes[0] != "email" {
		t.Errorf("pii_types = %v, want [email]", resp.PIITypes)
	}
	got, _ := resp.RedactedResult.(string)
	if !strings.Contains(got, "[EMAIL]") || strings.Contains(got, "alice@example.com") {
		t.Errorf("redacted_result = %q, want address masked", got)
	}
}

func TestHealthAndProbes(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{})

	rec := do(s, newRequest(t, http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}

	rec = do(s, newRequest(t, http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz status = %d, want 200", rec.Code)
	}

	rec = do(s, newRequest(t, http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
	var resp api.HealthResponse
	decodeInto(t, rec, &resp)
	if resp.Status != "ok" || resp.RulesCount != 3 {
		t.Errorf("health = %s/%d rules, want ok/3", resp.Status, resp.RulesCount)
	}
}

func TestReadyzWithoutRules(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, "default_verdict: ALLOW\nrules: []\n", Options{})
	if rec := do(s, newRequest(t, http.MethodGet, "/readyz", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503 with empty rule set", rec.Code)
	}
}

func TestDraining(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{})
	s.draining.Store(true)

	rec := do(s, newRequest(t, http.MethodPost, "/api/v1/check", checkBody("fs.read", nil)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("check status = %d, want 503 while draining", rec.Code)
	}
	var resp api.ErrorResponse
	decodeInto(t, rec, &resp)
	if resp.Error != "draining" || resp.Verdict != "BLOCK" {
		t.Errorf("envelope = %s/%s, want draining/BLOCK", resp.Error, resp.Verdict)
	}

	if rec := do(s, newRequest(t, http.MethodGet, "/readyz", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503 while draining", rec.Code)
	}
	// Liveness stays green so the orchestrator does not kill the drain.
	if rec := do(s, newRequest(t, http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200 while draining", rec.Code)
	}
}

func TestKillAndResume(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{})

	rec := do(s, newRequest(t, http.MethodPost, "/api/v1/kill", api.KillRequest{Reason: "incident"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("kill status = %d, want 200", rec.Code)
	}
	var killResp api.KillResponse
	decodeInto(t, rec, &killResp)
	if killResp.Status != "killed" || killResp.Reason != "incident" {
		t.Errorf("kill response = %+v, want killed/incident", killResp)
	}

	rec = do(s, newRequest(t, http.MethodPost, "/api/v1/check", checkBody("fs.read", nil)))
	var blocked api.CheckResponse
	decodeInto(t, rec, &blocked)
	if blocked.Verdict != "BLOCK" {
		t.Errorf("verdict while killed = %s, want BLOCK", blocked.Verdict)
	}
	if blocked.Message != "incident" {
		t.Errorf("message while killed = %q, want the kill reason", blocked.Message)
	}

	// Resume takes no body.
	if rec := do(s, newRequest(t, http.MethodPost, "/api/v1/resume", nil)); rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", rec.Code)
	}
	rec = do(s, newRequest(t, http.MethodPost, "/api/v1/check", checkBody("fs.read", nil)))
	var allowed api.CheckResponse
	decodeInto(t, rec, &allowed)
	if allowed.Verdict != "ALLOW" {
		t.Errorf("verdict after resume = %s, want ALLOW", allowed.Verdict)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{Version: "1.2.3"})
	rec := do(s, newRequest(t, http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp api.StatusResponse
	decodeInto(t, rec, &resp)
	if resp.Status != "active" || resp.Killed {
		t.Errorf("status = %s killed=%v, want active/false", resp.Status, resp.Killed)
	}
	if resp.RulesCount != 3 || resp.RateLimits != 1 || resp.Honeypots != 1 {
		t.Errorf("inventory = %d rules %d limits %d honeypots, want 3/1/1",
			resp.RulesCount, resp.RateLimits, resp.Honeypots)
	}
	if resp.Generation != 1 || resp.RuleFileHash == "" {
		t.Errorf("generation/hash = %d/%q, want 1/non-empty", resp.Generation, resp.RuleFileHash)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
}

func TestConstraintsEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{})
	rec := do(s, newRequest(t, http.MethodGet, "/api/v1/constraints", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp api.ConstraintsResponse
	decodeInto(t, rec, &resp)
	if resp.Summary == "" {
		t.Error("constraints summary is empty")
	}
	// Honeypots never show up in the agent-facing digest.
	if strings.Contains(resp.Summary, "admin.backdoor") {
		t.Error("constraints summary leaks honeypot tool name")
	}
}

func TestReloadEndpoint(t *testing.T) {
	t.Parallel()

	s, path := newTestServer(t, testRules, Options{})

	replacement := "default_verdict: ALLOW\nrules:\n  - id: only-rule\n    tool: fs.delete\n    then: BLOCK\n"
	if err := os.WriteFile(path, []byte(replacement), 0o600); err != nil {
		t.Fatalf("rewrite rule file: %v", err)
	}

	rec := do(s, newRequest(t, http.MethodPost, "/api/v1/reload", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp api.ReloadResponse
	decodeInto(t, rec, &resp)
	if resp.OldCount != 3 || resp.NewCount != 1 || resp.Generation != 2 {
		t.Errorf("reload = %d->%d gen %d, want 3->1 gen 2", resp.OldCount, resp.NewCount, resp.Generation)
	}
}

func TestReloadFailureKeepsServing(t *testing.T) {
	t.Parallel()

	s, path := newTestServer(t, testRules, Options{})
	if err := os.WriteFile(path, []byte("default_verdict: MAYBE\n"), 0o600); err != nil {
		t.Fatalf("rewrite rule file: %v", err)
	}

	rec := do(s, newRequest(t, http.MethodPost, "/api/v1/reload", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	var resp api.ErrorResponse
	decodeInto(t, rec, &resp)
	if resp.Error != "reload_failed" {
		t.Errorf("error = %q, want reload_failed", resp.Error)
	}

	// The previous rule set still enforces.
	rec = do(s, newRequest(t, http.MethodPost, "/api/v1/check",
		checkBody("shell.exec", map[string]any{"command": "rm -rf /"})))
	var check api.CheckResponse
	decodeInto(t, rec, &check)
	if check.Verdict != "BLOCK" {
		t.Errorf("verdict = %s, want BLOCK from retained rules", check.Verdict)
	}
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{})

	rec := do(s, newRequest(t, http.MethodPost, "/api/v1/check",
		checkBody("db.execute", map[string]any{"sql": "DROP TABLE users"})))
	var check api.CheckResponse
	decodeInto(t, rec, &check)
	if check.Verdict != "APPROVE" || check.ApprovalID == "" {
		t.Fatalf("check = %s/%q, want APPROVE with approval id", check.Verdict, check.ApprovalID)
	}
	if check.ApprovalExpiresAt == nil {
		t.Error("approval_expires_at missing on APPROVE")
	}
	id := check.ApprovalID

	rec = do(s, newRequest(t, http.MethodGet, "/api/v1/pending-approvals", nil))
	var pending api.PendingApprovalsResponse
	decodeInto(t, rec, &pending)
	if len(pending.Items) != 1 || pending.Items[0].Tool != "db.execute" {
		t.Fatalf("pending = %+v, want one db.execute entry", pending.Items)
	}

	rec = do(s, newRequest(t, http.MethodPost, "/api/v1/check-approval",
		api.CheckApprovalRequest{ApprovalID: id}))
	var progress api.CheckApprovalResponse
	decodeInto(t, rec, &progress)
	if progress.Status != "pending" || progress.AutoVerdict != "" {
		t.Errorf("progress = %s/%s, want pending with no auto verdict", progress.Status, progress.AutoVerdict)
	}

	rec = do(s, newRequest(t, http.MethodPost, "/api/v1/respond-approval",
		api.RespondApprovalRequest{ApprovalID: id, Approved: true, Responder: "alice"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("respond status = %d, want 200", rec.Code)
	}
	var resolved api.RespondApprovalResponse
	decodeInto(t, rec, &resolved)
	if resolved.Status != "resolved" {
		t.Errorf("respond status = %q, want resolved", resolved.Status)
	}

	rec = do(s, newRequest(t, http.MethodPost, "/api/v1/check-approval",
		api.CheckApprovalRequest{ApprovalID: id}))
	decodeInto(t, rec, &progress)
	if progress.Status != "approved" || progress.AutoVerdict != "ALLOW" || progress.Responder != "alice" {
		t.Errorf("progress = %+v, want approved/ALLOW by alice", progress)
	}

	// First response wins; a later denial is acknowledged but ignored.
	rec = do(s, newRequest(t, http.MethodPost, "/api/v1/respond-approval",
		api.RespondApprovalRequest{ApprovalID: id, Approved: false, Responder: "bob"}))
	decodeInto(t, rec, &resolved)
	if resolved.Status != "already_resolved" {
		t.Errorf("late respond status = %q, want already_resolved", resolved.Status)
	}

	// The cached resolution lets the retried call through.
	rec = do(s, newRequest(t, http.MethodPost, "/api/v1/check",
		checkBody("db.execute", map[string]any{"sql": "DROP TABLE users"})))
	decodeInto(t, rec, &check)
	if check.Verdict != "ALLOW" {
		t.Errorf("retried verdict = %s, want ALLOW after approval", check.Verdict)
	}
}

func TestApprovalUnknownID(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{})

	rec := do(s, newRequest(t, http.MethodPost, "/api/v1/check-approval",
		api.CheckApprovalRequest{ApprovalID: "nope"}))
	if rec.Code != http.StatusNotFound {
		t.Errorf("check-approval status = %d, want 404", rec.Code)
	}
	rec = do(s, newRequest(t, http.MethodPost, "/api/v1/respond-approval",
		api.RespondApprovalRequest{ApprovalID: "nope", Approved: true}))
	if rec.Code != http.StatusNotFound {
		t.Errorf("respond-approval status = %d, want 404", rec.Code)
	}
}

func TestCheckApprovalWaitTimesOutPending(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{ApprovalPollTimeout: 50 * time.Millisecond})

	rec := do(s, newRequest(t, http.MethodPost, "/api/v1/check", checkBody("db.execute", nil)))
	var check api.CheckResponse
	decodeInto(t, rec, &check)
	if check.ApprovalID == "" {
		t.Fatal("no approval id issued")
	}

	start := time.Now()
	rec = do(s, newRequest(t, http.MethodPost, "/api/v1/check-approval?wait=true",
		api.CheckApprovalRequest{ApprovalID: check.ApprovalID}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("wait returned after %v, want the poll timeout to elapse", elapsed)
	}
	var progress api.CheckApprovalResponse
	decodeInto(t, rec, &progress)
	if progress.Status != "pending" {
		t.Errorf("status = %q, want pending after wait timeout", progress.Status)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{CORSOrigins: []string{"https://ops.example.com"}})

	r := newRequest(t, http.MethodGet, "/api/v1/status", nil)
	r.Header.Set("Origin", "https://ops.example.com")
	rec := do(s, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed origin status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Errorf("allow-origin = %q, want the request origin", got)
	}

	r = newRequest(t, http.MethodGet, "/api/v1/status", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	if rec := do(s, r); rec.Code != http.StatusForbidden {
		t.Errorf("disallowed origin status = %d, want 403", rec.Code)
	}

	r = httptest.NewRequest(http.MethodOptions, "/api/v1/check", nil)
	r.Header.Set("Origin", "https://ops.example.com")
	if rec := do(s, r); rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, testRules, Options{})
	do(s, newRequest(t, http.MethodPost, "/api/v1/check", checkBody("fs.read", nil)))

	rec := do(s, newRequest(t, http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, metric := range []string{"policyshield_checks_total", "policyshield_http_requests_total"} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %s", metric)
		}
	}

	var m dto.Metric
	if err := s.metrics.ChecksTotal.WithLabelValues("ALLOW").Write(&m); err != nil {
		t.Fatalf("read checks counter: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("checks_total{verdict=ALLOW} = %v, want 1", got)
	}
}

func TestIdempotencyCacheLRUAndTTL(t *testing.T) {
	t.Parallel()

	c := newIdempotencyCache()
	c.cap = 2
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put("a", 200, []byte("A"))
	c.Put("b", 200, []byte("B"))
	if _, _, ok := c.Get("a"); !ok {
		t.Fatal("a missing after insert")
	}
	// a was just touched, so inserting c evicts b.
	c.Put("c", 200, []byte("C"))
	if _, _, ok := c.Get("b"); ok {
		t.Error("b survived eviction, want LRU drop")
	}
	if status, body, ok := c.Get("a"); !ok || status != 200 || string(body) != "A" {
		t.Errorf("a = %d/%q/%v, want 200/A/true", status, body, ok)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}

	now = now.Add(idempotencyTTL + time.Second)
	if _, _, ok := c.Get("a"); ok {
		t.Error("a still served past TTL")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d after expiry read, want 1", c.Len())
	}
}

func TestAuthFailureTrackerBackoff(t *testing.T) {
	t.Parallel()

	tr := newAuthFailureTracker()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.fail("10.0.0.9")
	tr.fail("10.0.0.9")
	if locked, _ := tr.locked("10.0.0.9"); locked {
		t.Fatal("locked before the failure threshold")
	}

	tr.fail("10.0.0.9")
	locked, remaining := tr.locked("10.0.0.9")
	if !locked || remaining != authLockoutBase {
		t.Fatalf("after 3 failures: locked=%v remaining=%v, want true/%v", locked, remaining, authLockoutBase)
	}

	// Each further failure doubles the lockout.
	tr.fail("10.0.0.9")
	if _, remaining := tr.locked("10.0.0.9"); remaining != 2*authLockoutBase {
		t.Errorf("after 4 failures: remaining = %v, want %v", remaining, 2*authLockoutBase)
	}

	now = now.Add(time.Hour)
	if locked, _ := tr.locked("10.0.0.9"); locked {
		t.Error("still locked after the lockout window")
	}

	tr.fail("10.0.0.9")
	tr.reset("10.0.0.9")
	tr.mu.Lock()
	_, exists := tr.entries["10.0.0.9"]
	tr.mu.Unlock()
	if exists {
		t.Error("reset left the failure entry in place")
	}
}
