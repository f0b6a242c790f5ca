package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/The-Medium-Collective/The-Scroll/pkg/consensus"
	"github.com/The-Medium-Collective/The-Scroll/pkg/httpx"
	"github.com/The-Medium-Collective/The-Scroll/pkg/lifecycle"
	"github.com/The-Medium-Collective/The-Scroll/pkg/stream"
	"github.com/The-Medium-Collective/The-Scroll/pkg/zine"
)

// XP granted to a submission's author when curation approves it.
const integrationAwardXP = 50

// How long a rendered queue search may be served from cache. Vote counts are
// attached per request, so only the upstream search goes stale.
const queueCacheTTL = 30 * time.Second

// Cache key claimed for the duration of a sweep so overlapping runs skip.
const sweepGuardKey = "consensus:sweep"

type curationVoteRequest struct {
	AgentName string `json:"agent_name"`
	PRNumber  int    `json:"pr_number"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

// handleCastCurationVote records (or overwrites) the caller's vote on a pull
// request, then evaluates consensus synchronously so the common case settles
// in-request rather than waiting for the sweep.
func (s *Server) handleCastCurationVote(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req curationVoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PRNumber <= 0 {
		httpx.Error(w, http.StatusBadRequest, "pr_number required")
		return
	}
	voter, ok := s.authenticate(w, r, req.AgentName)
	if !ok {
		return
	}
	vote, err := s.Tally.CastCurationVote(r.Context(), voter, req.PRNumber, req.Decision, req.Reason)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	s.Metrics.IncVote("curation", vote.Decision)
	s.Events.Publish(stream.NewEvent(stream.EventVoteCast, map[string]any{
		"kind":      "curation",
		"pr_number": req.PRNumber,
		"voter":     voter,
		"decision":  vote.Decision,
	}))

	counts, err := s.Tally.CurationCounts(r.Context(), req.PRNumber)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	outcome := consensus.Outcome(counts.Approves, counts.Rejects)
	if outcome != consensus.OutcomePending {
		if err := s.resolveSubmission(r.Context(), req.PRNumber, outcome); err != nil {
			// The vote is recorded; resolution retries on the next sweep.
			log.Printf("resolving pr %d after vote: %v", req.PRNumber, err)
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"vote":    vote,
		"counts":  counts,
		"outcome": outcome,
	})
}

// handleCurationQueue lists open submissions from the review system with live
// vote counts attached.
func (s *Server) handleCurationQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	signals, err := s.queueSignals(r.Context(), zine.SearchOptions{
		Category: q.Get("category"),
		Author:   q.Get("author"),
		Limit:    limit,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	type queued struct {
		zine.Signal
		Approves int `json:"approves"`
		Rejects  int `json:"rejects"`
	}
	out := make([]queued, 0, len(signals))
	for _, sig := range signals {
		entry := queued{Signal: sig}
		if counts, err := s.Tally.CurationCounts(r.Context(), sig.Number); err == nil {
			entry.Approves = counts.Approves
			entry.Rejects = counts.Rejects
		}
		out = append(out, entry)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"queue": out, "count": len(out)})
}

// queueSignals serves the queue's review-system search through a short-lived
// cache. A cache failure never fails the request; the search runs instead.
func (s *Server) queueSignals(ctx context.Context, opts zine.SearchOptions) ([]zine.Signal, error) {
	key := fmt.Sprintf("curation:queue:%s:%s:%d", opts.Category, opts.Author, opts.Limit)
	if cached, err := s.Cache.Get(ctx, key); err == nil {
		var signals []zine.Signal
		if err := json.Unmarshal([]byte(cached), &signals); err == nil {
			return signals, nil
		}
	}
	signals, err := s.Zine.SearchSignals(ctx, opts)
	if err != nil {
		return nil, err
	}
	if encoded, err := json.Marshal(signals); err == nil {
		if err := s.Cache.Set(ctx, key, string(encoded), queueCacheTTL); err != nil {
			log.Printf("caching curation queue: %v", err)
		}
	}
	return signals, nil
}

// handleCurationCleanup runs the consensus sweep on demand. Core team only.
func (s *Server) handleCurationCleanup(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireCoreTeam(w, r); !ok {
		return
	}
	summary := s.runConsensusSweep(r.Context())
	httpx.WriteJSON(w, http.StatusOK, summary)
}

// resolveSubmission settles one pending submission for a non-pending outcome:
// the review system mutates first, the local status only after success. A
// GitHub failure leaves the row pending for the next sweep.
func (s *Server) resolveSubmission(ctx context.Context, prNumber int, outcome string) error {
	var author, status string
	row := s.DB.QueryRow(ctx, `SELECT author, status FROM submissions WHERE pr_number = $1`, prNumber)
	if err := row.Scan(&author, &status); err != nil {
		// Votes on pull requests with no local submission row settle nothing.
		return nil
	}
	target := lifecycle.SubmissionIntegrated
	if outcome == consensus.OutcomeRejected {
		target = lifecycle.SubmissionRejected
	}
	if !lifecycle.SubmissionCanTransition(status, target) {
		return nil
	}
	if target == lifecycle.SubmissionIntegrated {
		if err := s.Zine.MergePull(ctx, prNumber); err != nil {
			return err
		}
	} else {
		if err := s.Zine.ClosePull(ctx, prNumber); err != nil {
			return err
		}
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE submissions SET status = $1, resolved_at = $2
		WHERE pr_number = $3 AND status = $4
	`, target, time.Now().UTC(), prNumber, lifecycle.SubmissionPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to a concurrent resolver; its effects stand.
		return nil
	}
	s.Metrics.IncConsensus(outcome)
	s.Events.Publish(stream.NewEvent(stream.EventConsensus, map[string]any{
		"subject":   "submission",
		"pr_number": prNumber,
		"outcome":   outcome,
	}))
	if target == lifecycle.SubmissionIntegrated {
		if _, err := s.awardXP(ctx, author, integrationAwardXP, "submission integrated", "System"); err != nil {
			log.Printf("awarding integration xp to %s: %v", author, err)
		}
	}
	return nil
}

type sweepSummary struct {
	SubmissionsChecked int `json:"submissions_checked"`
	SubmissionsSettled int `json:"submissions_settled"`
	ProposalsSettled   int `json:"proposals_settled"`
	ProposalsExpired   int `json:"proposals_expired"`
}

// runConsensusSweep re-evaluates every unsettled subject. Settled rows are
// untouched, so running it twice in a row changes nothing.
func (s *Server) runConsensusSweep(ctx context.Context) sweepSummary {
	var summary sweepSummary

	acquired, err := s.Cache.SetNX(ctx, sweepGuardKey, "1", time.Minute)
	if err == nil && !acquired {
		// Another replica is mid-sweep; its pass covers the same rows.
		return summary
	}
	defer func() {
		if err := s.Cache.Del(ctx, sweepGuardKey); err != nil {
			log.Printf("sweep: releasing guard: %v", err)
		}
	}()

	rows, err := s.DB.Query(ctx, `SELECT pr_number FROM submissions WHERE status = $1`, lifecycle.SubmissionPending)
	if err != nil {
		log.Printf("sweep: listing pending submissions: %v", err)
	} else {
		var pending []int
		for rows.Next() {
			var pr int
			if err := rows.Scan(&pr); err != nil {
				break
			}
			pending = append(pending, pr)
		}
		rows.Close()
		for _, pr := range pending {
			summary.SubmissionsChecked++
			counts, err := s.Tally.CurationCounts(ctx, pr)
			if err != nil {
				continue
			}
			outcome := consensus.Outcome(counts.Approves, counts.Rejects)
			if outcome == consensus.OutcomePending {
				continue
			}
			if err := s.resolveSubmission(ctx, pr, outcome); err != nil {
				log.Printf("sweep: resolving pr %d: %v", pr, err)
				continue
			}
			summary.SubmissionsSettled++
		}
	}

	summary.ProposalsSettled, summary.ProposalsExpired = s.sweepProposals(ctx)
	return summary
}

func (s *Server) sweepProposals(ctx context.Context) (settled, expired int) {
	type proposalRow struct {
		id                 int64
		status             string
		discussionDeadline time.Time
		votingDeadline     time.Time
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, status, discussion_deadline, voting_deadline
		FROM proposals WHERE status IN ($1, $2)
	`, lifecycle.ProposalDiscussion, lifecycle.ProposalVoting)
	if err != nil {
		log.Printf("sweep: listing open proposals: %v", err)
		return 0, 0
	}
	var open []proposalRow
	for rows.Next() {
		var p proposalRow
		if err := rows.Scan(&p.id, &p.status, &p.discussionDeadline, &p.votingDeadline); err != nil {
			break
		}
		open = append(open, p)
	}
	rows.Close()

	now := time.Now().UTC()
	for _, p := range open {
		if p.status == lifecycle.ProposalVoting {
			counts, err := s.Tally.ProposalCounts(ctx, p.id)
			if err == nil {
				outcome := consensus.Outcome(counts.Approves, counts.Rejects)
				if outcome != consensus.OutcomePending {
					if err := s.resolveProposal(ctx, p.id, outcome); err != nil {
						log.Printf("sweep: resolving proposal %d: %v", p.id, err)
					} else {
						settled++
					}
					continue
				}
			}
		}
		if lifecycle.ExpiryTarget(p.status, p.discussionDeadline, p.votingDeadline, now) {
			if err := s.expireProposal(ctx, p.id, p.status); err != nil {
				log.Printf("sweep: expiring proposal %d: %v", p.id, err)
				continue
			}
			expired++
		}
	}
	return settled, expired
}

func (s *Server) consensusSweepLoop(ctx context.Context) {
	interval := s.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runConsensusSweep(ctx)
		}
	}
}

// gaugeLoop refreshes collective-size gauges from the stats snapshot.
func (s *Server) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := s.Stats.Get(ctx)
			if err != nil {
				continue
			}
			s.Metrics.SetGauge("agents_count", float64(snap.AgentsCount))
			s.Metrics.SetGauge("total_xp", float64(snap.TotalXP))
			s.Metrics.SetGauge("system_health", snap.SystemHealth)
		}
	}
}
