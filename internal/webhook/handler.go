// Package webhook implements the single inbound HTTP surface: POST /github,
// HMAC-verified, parsed into a normalized events.Envelope and handed to the
// target repository's inbox. The signature verification and dispatch shape
// cover the full forge event set and are routed through go-chi/chi/v5.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	gogithub "github.com/google/go-github/v75/github"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/coordinatr/mergequeue/internal/events"
	"github.com/coordinatr/mergequeue/internal/metrics"
	"github.com/coordinatr/mergequeue/internal/prmodel"
)

// Enqueuer accepts a normalized envelope onto one repository's inbox. The
// concrete implementation is internal/coordinator.Worker; this package
// depends only on the interface to avoid importing the whole coordinator.
type Enqueuer interface {
	Enqueue(ctx context.Context, env events.Envelope) error
}

// Handler dispatches webhook deliveries for every configured repository.
type Handler struct {
	Secret []byte
	repos  map[string]Enqueuer
	log    *logrus.Entry
}

// NewHandler returns a Handler that verifies deliveries against secret.
func NewHandler(secret []byte) *Handler {
	return &Handler{
		Secret: secret,
		repos:  make(map[string]Enqueuer),
		log:    logrus.WithField("component", "webhook"),
	}
}

// Register wires repoID ("owner/name") to the worker that owns its inbox.
func (h *Handler) Register(repoID string, enq Enqueuer) {
	h.repos[repoID] = enq
}

// Routes returns the chi router serving this handler's single endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/github", h.handle)
	return r
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		// Every real delivery carries this header; auto-generate one for a
		// malformed or hand-crafted request so logs and the envelope still
		// carry an ID. A generated ID is unique, so such a request is never
		// deduplicated.
		deliveryID = uuid.New().String()
	}
	eventType := r.Header.Get("X-GitHub-Event")
	log := h.log.WithFields(logrus.Fields{"delivery_id": deliveryID, "event": eventType})

	if !h.verifySig(r.Header.Get("X-Hub-Signature-256"), body) {
		log.Warn("signature mismatch")
		metrics.WebhookDeliveriesTotal.WithLabelValues(eventType, "rejected_signature").Inc()
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	env, repoID, err := parse(eventType, deliveryID, body)
	if err != nil {
		log.WithError(err).Warn("malformed payload")
		metrics.WebhookDeliveriesTotal.WithLabelValues(eventType, "rejected_payload").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if env == nil {
		// Recognized but uninteresting event type (e.g. "ping"); ack without enqueueing.
		metrics.WebhookDeliveriesTotal.WithLabelValues(eventType, "ignored").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	enq, ok := h.repos[repoID]
	if !ok {
		log.WithField("repo", repoID).Debug("delivery for unconfigured repo, dropping")
		metrics.WebhookDeliveriesTotal.WithLabelValues(eventType, "dropped_unconfigured").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	// Respond 200 once the event is enqueued, not once it has been processed.
	if err := enq.Enqueue(r.Context(), *env); err != nil {
		log.WithError(err).Warn("enqueue failed")
		metrics.WebhookDeliveriesTotal.WithLabelValues(eventType, "enqueue_failed").Inc()
		http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(eventType, "accepted").Inc()
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) verifySig(header string, body []byte) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.Secret)
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(header)), []byte(strings.ToLower(want)))
}

// parse normalizes one webhook delivery into an events.Envelope, returning a
// nil envelope (not an error) for event types the coordinator doesn't act
// on. repoID is extracted independently of the Envelope so the caller can
// route before the envelope's own RepoID field is trusted.
func parse(eventType, deliveryID string, body []byte) (*events.Envelope, string, error) {
	switch events.Classify(eventType) {
	case events.KindIssueComment:
		var e gogithub.IssueCommentEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, "", fmt.Errorf("unmarshalling issue_comment: %w", err)
		}
		if !e.GetIssue().IsPullRequest() {
			return nil, "", nil // a comment on a plain issue, not a PR
		}
		repoID := repoIDOf(e.GetRepo())
		return &events.Envelope{
			Kind:       events.KindIssueComment,
			DeliveryID: deliveryID,
			RepoID:     repoID,
			Comment: &events.CommentPayload{
				Number: e.GetIssue().GetNumber(),
				Author: e.GetComment().GetUser().GetLogin(),
				Body:   e.GetComment().GetBody(),
			},
		}, repoID, nil

	case events.KindPullRequest:
		var e gogithub.PullRequestEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, "", fmt.Errorf("unmarshalling pull_request: %w", err)
		}
		repoID := repoIDOf(e.GetRepo())
		pr := e.GetPullRequest()
		return &events.Envelope{
			Kind:       events.KindPullRequest,
			DeliveryID: deliveryID,
			RepoID:     repoID,
			PullRequest: &events.PullRequestPayload{
				Action: e.GetAction(),
				Number: e.GetNumber(),
				Merged: pr.GetMerged(),
				Label:  e.GetLabel().GetName(),
				Head:   prmodel.Ref{Branch: pr.GetHead().GetRef(), CommitID: pr.GetHead().GetSHA(), Repo: repoID},
				Base:   prmodel.Ref{Branch: pr.GetBase().GetRef(), CommitID: pr.GetBase().GetSHA(), Repo: repoID},
			},
		}, repoID, nil

	case events.KindPush:
		var e gogithub.PushEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, "", fmt.Errorf("unmarshalling push: %w", err)
		}
		repoID := e.GetRepo().GetFullName()
		return &events.Envelope{
			Kind:       events.KindPush,
			DeliveryID: deliveryID,
			RepoID:     repoID,
			Push:       &events.PushPayload{Ref: e.GetRef(), SHA: e.GetAfter()},
		}, repoID, nil

	case events.KindStatus:
		var e gogithub.StatusEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, "", fmt.Errorf("unmarshalling status: %w", err)
		}
		repoID := repoIDOf(e.GetRepo())
		return &events.Envelope{
			Kind:       events.KindStatus,
			DeliveryID: deliveryID,
			RepoID:     repoID,
			Check:      &events.CheckPayload{SHA: e.GetSHA(), Name: e.GetContext(), State: checkState(e.GetState())},
		}, repoID, nil

	case events.KindCheckRun:
		var e gogithub.CheckRunEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, "", fmt.Errorf("unmarshalling check_run: %w", err)
		}
		repoID := repoIDOf(e.GetRepo())
		cr := e.GetCheckRun()
		return &events.Envelope{
			Kind:       events.KindCheckRun,
			DeliveryID: deliveryID,
			RepoID:     repoID,
			Check:      &events.CheckPayload{SHA: cr.GetHeadSHA(), Name: cr.GetName(), State: checkConclusion(cr.GetStatus(), cr.GetConclusion())},
		}, repoID, nil

	case events.KindCheckSuite:
		var e gogithub.CheckSuiteEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, "", fmt.Errorf("unmarshalling check_suite: %w", err)
		}
		repoID := repoIDOf(e.GetRepo())
		cs := e.GetCheckSuite()
		return &events.Envelope{
			Kind:       events.KindCheckSuite,
			DeliveryID: deliveryID,
			RepoID:     repoID,
			Check:      &events.CheckPayload{SHA: cs.GetHeadSHA(), Name: "check_suite", State: checkConclusion(cs.GetStatus(), cs.GetConclusion())},
		}, repoID, nil

	case events.KindPullRequestReview:
		var e gogithub.PullRequestReviewEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, "", fmt.Errorf("unmarshalling pull_request_review: %w", err)
		}
		repoID := repoIDOf(e.GetRepo())
		return &events.Envelope{
			Kind:       events.KindPullRequestReview,
			DeliveryID: deliveryID,
			RepoID:     repoID,
			Review:     &events.ReviewPayload{Number: e.GetPullRequest().GetNumber()},
		}, repoID, nil

	default:
		return nil, "", nil
	}
}

func repoIDOf(r *gogithub.Repository) string {
	return r.GetOwner().GetLogin() + "/" + r.GetName()
}

// checkState maps a legacy "status" API state directly onto prmodel's set;
// the two vocabularies already agree except for "error", which is treated
// the same as a required check failing outright.
func checkState(state string) prmodel.CheckState {
	switch state {
	case "success":
		return prmodel.CheckSuccess
	case "failure", "error":
		return prmodel.CheckFailure
	default:
		return prmodel.CheckPending
	}
}

// checkConclusion maps a check_run/check_suite (status, conclusion) pair
// onto prmodel's CheckState: pending until status is "completed", then by
// conclusion.
func checkConclusion(status, conclusion string) prmodel.CheckState {
	if status != "completed" {
		return prmodel.CheckPending
	}
	switch conclusion {
	case "success":
		return prmodel.CheckSuccess
	case "neutral":
		return prmodel.CheckNeutral
	case "cancelled":
		return prmodel.CheckCancelled
	default: // failure, timed_out, action_required, stale
		return prmodel.CheckFailure
	}
}
