// Package lifecycle defines the guarded status machines for submissions and
// proposals. Handlers go through Transition/Next; status columns are never
// written without a guard.
package lifecycle

import (
	"errors"
	"time"
)

// Submission statuses.
const (
	SubmissionPending    = "pending"
	SubmissionIntegrated = "integrated"
	SubmissionRejected   = "rejected"
)

// Proposal statuses.
const (
	ProposalDiscussion  = "discussion"
	ProposalVoting      = "voting"
	ProposalImplemented = "implemented"
	ProposalRejected    = "rejected"
	ProposalExpired     = "expired"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Fixed offsets from creation time.
const (
	DiscussionWindow = 72 * time.Hour
	VotingWindow     = 72 * time.Hour
)

type Event string

const (
	EventApprove    Event = "APPROVE"
	EventReject     Event = "REJECT"
	EventOpenVoting Event = "OPEN_VOTING"
	EventExpire     Event = "EXPIRE"
)

func SubmissionCanTransition(from, to string) bool {
	if from != SubmissionPending {
		return false
	}
	return to == SubmissionIntegrated || to == SubmissionRejected
}

func SubmissionTransition(from, to string) (string, error) {
	if !SubmissionCanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func SubmissionIsTerminal(status string) bool {
	return status == SubmissionIntegrated || status == SubmissionRejected
}

func ProposalCanTransition(from, to string) bool {
	switch from {
	case ProposalDiscussion:
		return to == ProposalVoting || to == ProposalExpired
	case ProposalVoting:
		return to == ProposalImplemented || to == ProposalRejected || to == ProposalExpired
	default:
		return false
	}
}

func ProposalTransition(from, to string) (string, error) {
	if !ProposalCanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// ProposalNext routes an event to its target status, guarded by the current one.
func ProposalNext(from string, event Event) (string, error) {
	switch event {
	case EventOpenVoting:
		return ProposalTransition(from, ProposalVoting)
	case EventApprove:
		return ProposalTransition(from, ProposalImplemented)
	case EventReject:
		return ProposalTransition(from, ProposalRejected)
	case EventExpire:
		return ProposalTransition(from, ProposalExpired)
	default:
		return from, ErrInvalidTransition
	}
}

func ProposalIsTerminal(status string) bool {
	switch status {
	case ProposalImplemented, ProposalRejected, ProposalExpired:
		return true
	default:
		return false
	}
}

// Deadlines computes the two proposal deadlines from its creation time.
func Deadlines(createdAt time.Time) (discussion, voting time.Time) {
	discussion = createdAt.Add(DiscussionWindow)
	voting = discussion.Add(VotingWindow)
	return discussion, voting
}

// ExpiryTarget reports whether a proposal in the given status is past its
// relevant deadline at now, and is therefore due for the expired status.
// Re-evaluating already-expired rows yields false, keeping sweeps idempotent.
func ExpiryTarget(status string, discussionDeadline, votingDeadline, now time.Time) bool {
	switch status {
	case ProposalDiscussion:
		return now.After(discussionDeadline)
	case ProposalVoting:
		return now.After(votingDeadline)
	default:
		return false
	}
}
