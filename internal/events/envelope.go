// Package events normalizes forge webhook payloads into a typed envelope
// and routes each one to the registry, queue, attempt engine, or command
// interpreter. The envelope/Kind split classifies each delivery by event
// type and action before any payload is parsed in detail.
package events

import (
	"regexp"
	"strings"

	"github.com/coordinatr/mergequeue/internal/prmodel"
)

// Kind classifies a normalized webhook delivery.
type Kind string

const (
	KindIssueComment      Kind = "issue_comment"
	KindPullRequest       Kind = "pull_request"
	KindPush              Kind = "push"
	KindStatus            Kind = "status"
	KindCheckRun          Kind = "check_run"
	KindCheckSuite        Kind = "check_suite"
	KindPullRequestReview Kind = "pull_request_review"
	KindUnknown           Kind = "unknown"
)

// Classify maps the forge's X-*-Event header value to a Kind.
func Classify(eventHeader string) Kind {
	switch eventHeader {
	case "issue_comment":
		return KindIssueComment
	case "pull_request":
		return KindPullRequest
	case "push":
		return KindPush
	case "status":
		return KindStatus
	case "check_run":
		return KindCheckRun
	case "check_suite":
		return KindCheckSuite
	case "pull_request_review":
		return KindPullRequestReview
	default:
		return KindUnknown
	}
}

// PullRequestPayload carries the fields the router needs out of a
// pull_request webhook.
type PullRequestPayload struct {
	Action string // opened, edited, reopened, closed, synchronize, labeled, unlabeled, ready_for_review, converted_to_draft
	Number int
	Merged bool
	Label  string // set only for labeled/unlabeled
	Head   prmodel.Ref
	Base   prmodel.Ref
}

// CommentPayload carries an issue_comment webhook's body, prior to command
// parsing.
type CommentPayload struct {
	Number int
	Author string
	Body   string
}

// CheckPayload carries a status/check_run/check_suite webhook's terminal
// state, matched to an attempt by commit id.
type CheckPayload struct {
	SHA   string
	Name  string
	State prmodel.CheckState
}

// PushPayload carries a push webhook's new ref tip.
type PushPayload struct {
	Ref string
	SHA string
}

// ReviewPayload carries a pull_request_review webhook's resulting decision.
// The forge computes the aggregate review_decision; this only reports which
// PR to re-fetch it for.
type ReviewPayload struct {
	Number int
}

// Envelope is the normalized form of one webhook delivery. Exactly one of
// the payload fields is populated, matching Kind.
type Envelope struct {
	Kind       Kind
	DeliveryID string
	RepoID     string

	Comment       *CommentPayload
	PullRequest   *PullRequestPayload
	Check         *CheckPayload
	Push          *PushPayload
	Review        *ReviewPayload
}

// commandRe recognizes a bors-style trigger comment: "bors <command> [arg]",
// on its own line, optionally preceded by other text (e.g. a review
// comment followed by a command on the next line).
var commandRe = regexp.MustCompile(`(?m)^bors\s+(\S+)(?:\s+(.+))?\s*$`)

// ParseCommand extracts a (command, arg) pair from a comment body — the
// minimal grammar parse a complete, runnable repository needs somewhere
// upstream of the interpreter. Returns ok=false if no trigger line is
// present.
func ParseCommand(body string) (command, arg string, ok bool) {
	m := commandRe.FindStringSubmatch(body)
	if m == nil {
		return "", "", false
	}
	return strings.ToLower(m[1]), strings.TrimSpace(m[2]), true
}
