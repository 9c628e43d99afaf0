package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mishabar410/policyshield/internal/domain/approval"
)

// fakeBackend records submissions; the other backend methods are unused by
// the notifier wrapper.
type fakeBackend struct {
	approval.Backend

	submitErr error
	submitted []approval.Request
}

func (f *fakeBackend) Submit(ctx context.Context, req approval.Request) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleRequest() approval.Request {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	return approval.Request{
		ID:        "ap-1",
		RuleID:    "prod-db-writes",
		Tool:      "db.execute",
		SessionID: "s1",
		Message:   "needs approval",
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
}

func TestSubmitDeliversWebhook(t *testing.T) {
	t.Parallel()

	delivered := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		delivered <- p
	}))
	t.Cleanup(srv.Close)

	backend := &fakeBackend{}
	n := New(backend, srv.URL, discardLogger())

	req := sampleRequest()
	if err := n.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(backend.submitted) != 1 {
		t.Fatalf("backend received %d submissions, want 1", len(backend.submitted))
	}

	select {
	case p := <-delivered:
		if p.Type != "approval_requested" {
			t.Errorf("payload type = %q, want approval_requested", p.Type)
		}
		if p.Approval.ID != "ap-1" || p.Approval.Tool != "db.execute" {
			t.Errorf("payload approval = %+v, want submitted request", p.Approval)
		}
		if !p.RespondBy.Equal(req.ExpiresAt) {
			t.Errorf("respond_by = %v, want %v", p.RespondBy, req.ExpiresAt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never delivered")
	}
}

func TestSubmitFailureSkipsWebhook(t *testing.T) {
	t.Parallel()

	delivered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered <- struct{}{}
	}))
	t.Cleanup(srv.Close)

	backend := &fakeBackend{submitErr: errors.New("backlog full")}
	n := New(backend, srv.URL, discardLogger())

	if err := n.Submit(context.Background(), sampleRequest()); err == nil {
		t.Fatal("Submit() succeeded, want backend error")
	}
	select {
	case <-delivered:
		t.Error("webhook fired for a failed submission")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebhookFailureDoesNotFailSubmit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	backend := &fakeBackend{}
	n := New(backend, srv.URL, discardLogger())

	if err := n.Submit(context.Background(), sampleRequest()); err != nil {
		t.Errorf("Submit() error = %v, want delivery failure swallowed", err)
	}
}
