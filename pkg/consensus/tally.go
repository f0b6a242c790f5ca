package consensus

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type tallyDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tally owns the vote tables. One row per (voter, subject); re-votes overwrite
// via the unique constraint, so the last vote per voter wins and concurrent
// re-votes serialize at the storage layer.
type Tally struct {
	DB tallyDB
}

type Vote struct {
	Voter    string    `json:"voter"`
	Decision string    `json:"decision"`
	Reason   string    `json:"reason,omitempty"`
	CastAt   time.Time `json:"cast_at"`
}

type Counts struct {
	Approves int `json:"approves"`
	Rejects  int `json:"rejects"`
}

// CastCurationVote upserts the voter's vote on a pull request.
func (t *Tally) CastCurationVote(ctx context.Context, voter string, prNumber int, decision, reason string) (Vote, error) {
	decision, err := NormalizeDecision(decision)
	if err != nil {
		return Vote{}, err
	}
	now := time.Now().UTC()
	_, err = t.DB.Exec(ctx, `
		INSERT INTO curation_votes (pr_number, voter, decision, reason, cast_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pr_number, voter)
		DO UPDATE SET decision = EXCLUDED.decision, reason = EXCLUDED.reason, cast_at = EXCLUDED.cast_at
	`, prNumber, voter, decision, reason, now)
	if err != nil {
		return Vote{}, err
	}
	return Vote{Voter: voter, Decision: decision, Reason: reason, CastAt: now}, nil
}

// CastProposalVote upserts the voter's vote on a proposal.
func (t *Tally) CastProposalVote(ctx context.Context, voter string, proposalID int64, decision string) (Vote, error) {
	decision, err := NormalizeDecision(decision)
	if err != nil {
		return Vote{}, err
	}
	now := time.Now().UTC()
	_, err = t.DB.Exec(ctx, `
		INSERT INTO proposal_votes (proposal_id, voter, decision, cast_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (proposal_id, voter)
		DO UPDATE SET decision = EXCLUDED.decision, cast_at = EXCLUDED.cast_at
	`, proposalID, voter, decision, now)
	if err != nil {
		return Vote{}, err
	}
	return Vote{Voter: voter, Decision: decision, CastAt: now}, nil
}

func (t *Tally) CurationCounts(ctx context.Context, prNumber int) (Counts, error) {
	row := t.DB.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE decision = 'approve'),
			COUNT(*) FILTER (WHERE decision = 'reject')
		FROM curation_votes WHERE pr_number = $1
	`, prNumber)
	var c Counts
	if err := row.Scan(&c.Approves, &c.Rejects); err != nil {
		return Counts{}, err
	}
	return c, nil
}

func (t *Tally) ProposalCounts(ctx context.Context, proposalID int64) (Counts, error) {
	row := t.DB.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE decision = 'approve'),
			COUNT(*) FILTER (WHERE decision = 'reject')
		FROM proposal_votes WHERE proposal_id = $1
	`, proposalID)
	var c Counts
	if err := row.Scan(&c.Approves, &c.Rejects); err != nil {
		return Counts{}, err
	}
	return c, nil
}

func (t *Tally) ProposalVotes(ctx context.Context, proposalID int64) ([]Vote, error) {
	rows, err := t.DB.Query(ctx, `
		SELECT voter, decision, cast_at FROM proposal_votes
		WHERE proposal_id = $1 ORDER BY cast_at
	`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.Voter, &v.Decision, &v.CastAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// VoteLogEntry is the audit view of recent curation votes.
type VoteLogEntry struct {
	PRNumber int       `json:"pr_number"`
	Voter    string    `json:"voter"`
	Decision string    `json:"decision"`
	Reason   string    `json:"reason,omitempty"`
	CastAt   time.Time `json:"cast_at"`
}

func (t *Tally) RecentCurationVotes(ctx context.Context, limit int) ([]VoteLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := t.DB.Query(ctx, `
		SELECT pr_number, voter, decision, COALESCE(reason, ''), cast_at
		FROM curation_votes ORDER BY cast_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []VoteLogEntry{}
	for rows.Next() {
		var e VoteLogEntry
		if err := rows.Scan(&e.PRNumber, &e.Voter, &e.Decision, &e.Reason, &e.CastAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
