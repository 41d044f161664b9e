package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coordinatr/mergequeue/internal/events"
)

type recordingEnqueuer struct {
	got []events.Envelope
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, env events.Envelope) error {
	r.got = append(r.got, env)
	return nil
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func post(t *testing.T, h *Handler, eventType, deliveryID string, payload interface{}, secret []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	req.Header.Set("X-Hub-Signature-256", sign(secret, body))

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleRejectsBadSignature(t *testing.T) {
	secret := []byte("s3cret")
	h := NewHandler(secret)

	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleRejectsMalformedJSON(t *testing.T) {
	secret := []byte("s3cret")
	h := NewHandler(secret)

	body := []byte(`not json`)
	req := httptest.NewRequest(http.MethodPost, "/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", sign(secret, body))

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlePullRequestEnqueuesToRegisteredRepo(t *testing.T) {
	secret := []byte("s3cret")
	h := NewHandler(secret)
	enq := &recordingEnqueuer{}
	h.Register("acme/widgets", enq)

	payload := map[string]interface{}{
		"action": "synchronize",
		"number": 42,
		"pull_request": map[string]interface{}{
			"number": 42,
			"head":   map[string]interface{}{"ref": "fix", "sha": "head2"},
			"base":   map[string]interface{}{"ref": "master", "sha": "base1"},
		},
		"repository": map[string]interface{}{
			"name":  "widgets",
			"owner": map[string]interface{}{"login": "acme"},
		},
	}

	rec := post(t, h, "pull_request", "d1", payload, secret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if len(enq.got) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(enq.got))
	}
	env := enq.got[0]
	if env.Kind != events.KindPullRequest || env.PullRequest.Action != "synchronize" || env.PullRequest.Number != 42 {
		t.Errorf("envelope = %+v", env)
	}
	if env.PullRequest.Head.CommitID != "head2" {
		t.Errorf("Head.CommitID = %q, want head2", env.PullRequest.Head.CommitID)
	}
}

func TestHandleUnconfiguredRepoAcksWithoutEnqueue(t *testing.T) {
	secret := []byte("s3cret")
	h := NewHandler(secret)

	payload := map[string]interface{}{
		"action": "opened",
		"number": 1,
		"repository": map[string]interface{}{
			"name":  "other",
			"owner": map[string]interface{}{"login": "someone-else"},
		},
	}
	rec := post(t, h, "pull_request", "d2", payload, secret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleCheckRunMapsConclusion(t *testing.T) {
	secret := []byte("s3cret")
	h := NewHandler(secret)
	enq := &recordingEnqueuer{}
	h.Register("acme/widgets", enq)

	payload := map[string]interface{}{
		"action": "completed",
		"check_run": map[string]interface{}{
			"head_sha":   "sha123",
			"name":       "ci",
			"status":     "completed",
			"conclusion": "success",
		},
		"repository": map[string]interface{}{
			"name":  "widgets",
			"owner": map[string]interface{}{"login": "acme"},
		},
	}
	rec := post(t, h, "check_run", "d3", payload, secret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if len(enq.got) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(enq.got))
	}
	check := enq.got[0].Check
	if check.SHA != "sha123" || check.Name != "ci" {
		t.Errorf("check = %+v", check)
	}
}

func TestHandleIssueCommentOnPullRequestEnqueues(t *testing.T) {
	secret := []byte("s3cret")
	h := NewHandler(secret)
	enq := &recordingEnqueuer{}
	h.Register("acme/widgets", enq)

	payload := map[string]interface{}{
		"action": "created",
		"issue": map[string]interface{}{
			"number":       42,
			"pull_request": map[string]interface{}{"url": "https://api.example.com/pulls/42"},
		},
		"comment": map[string]interface{}{
			"body": "bors land",
			"user": map[string]interface{}{"login": "maintainer"},
		},
		"repository": map[string]interface{}{
			"name":  "widgets",
			"owner": map[string]interface{}{"login": "acme"},
		},
	}
	rec := post(t, h, "issue_comment", "d4", payload, secret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if len(enq.got) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(enq.got))
	}
	c := enq.got[0].Comment
	if c.Number != 42 || c.Author != "maintainer" || c.Body != "bors land" {
		t.Errorf("comment = %+v", c)
	}
}

func TestHandleIssueCommentOnPlainIssueIgnored(t *testing.T) {
	secret := []byte("s3cret")
	h := NewHandler(secret)
	enq := &recordingEnqueuer{}
	h.Register("acme/widgets", enq)

	payload := map[string]interface{}{
		"action": "created",
		"issue":  map[string]interface{}{"number": 7},
		"comment": map[string]interface{}{
			"body": "bors land",
			"user": map[string]interface{}{"login": "maintainer"},
		},
		"repository": map[string]interface{}{
			"name":  "widgets",
			"owner": map[string]interface{}{"login": "acme"},
		},
	}
	rec := post(t, h, "issue_comment", "d5", payload, secret)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if len(enq.got) != 0 {
		t.Fatalf("got %d envelopes, want 0 for a non-PR issue comment", len(enq.got))
	}
}
