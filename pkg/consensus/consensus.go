// Package consensus records curation and proposal votes and decides when a
// subject has accumulated enough agreement to change state.
package consensus

import (
	"errors"
	"strings"
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Threshold is the number of distinct-voter votes that settles a subject.
const Threshold = 2

const (
	OutcomePending  = "pending"
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

var ErrInvalidDecision = errors.New("decision must be approve or reject")

func NormalizeDecision(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case DecisionApprove:
		return DecisionApprove, nil
	case DecisionReject:
		return DecisionReject, nil
	default:
		return "", ErrInvalidDecision
	}
}

// Outcome evaluates the vote set. A subject settles only when exactly one
// side has reached the threshold; contested counts, like ties, leave it
// pending. The function is pure, so synchronous evaluation and the periodic
// sweep converge on the same answer for the same vote set.
func Outcome(approves, rejects int) string {
	switch {
	case approves >= Threshold && rejects >= Threshold:
		return OutcomePending
	case approves >= Threshold:
		return OutcomeApproved
	case rejects >= Threshold:
		return OutcomeRejected
	default:
		return OutcomePending
	}
}
