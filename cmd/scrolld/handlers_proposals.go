package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/The-Medium-Collective/The-Scroll/pkg/consensus"
	"github.com/The-Medium-Collective/The-Scroll/pkg/httpx"
	"github.com/The-Medium-Collective/The-Scroll/pkg/lifecycle"
	"github.com/The-Medium-Collective/The-Scroll/pkg/stream"
)

// XP granted to a proposal's author when the vote implements it.
const proposalAwardXP = 25

type Proposal struct {
	ID                 int64     `json:"id"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	Type               string    `json:"type"`
	Author             string    `json:"author"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	DiscussionDeadline time.Time `json:"discussion_deadline"`
	VotingDeadline     time.Time `json:"voting_deadline"`
}

type ProposalComment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

const proposalColumns = `id, title, description, COALESCE(proposal_type, 'general'), author, status, created_at, discussion_deadline, voting_deadline`

func scanProposal(row pgx.Row) (Proposal, error) {
	var p Proposal
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Type, &p.Author, &p.Status,
		&p.CreatedAt, &p.DiscussionDeadline, &p.VotingDeadline)
	return p, err
}

func (s *Server) proposalByID(ctx context.Context, id int64) (Proposal, bool, error) {
	p, err := scanProposal(s.DB.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Proposal{}, false, nil
	}
	if err != nil {
		return Proposal{}, false, err
	}
	return p, true, nil
}

func proposalID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

type createProposalRequest struct {
	AgentName   string `json:"agent_name"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type,omitempty"`
}

// handleCreateProposal opens a proposal in discussion with both deadlines
// fixed at creation time.
func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req createProposalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Description = strings.TrimSpace(req.Description)
	if req.Title == "" || req.Description == "" {
		httpx.Error(w, http.StatusBadRequest, "title and description required")
		return
	}
	author, ok := s.authenticate(w, r, req.AgentName)
	if !ok {
		return
	}
	if req.Type == "" {
		req.Type = "general"
	}
	now := time.Now().UTC()
	discussion, voting := lifecycle.Deadlines(now)
	p := Proposal{
		Title:              req.Title,
		Description:        req.Description,
		Type:               req.Type,
		Author:             author,
		Status:             lifecycle.ProposalDiscussion,
		CreatedAt:          now,
		DiscussionDeadline: discussion,
		VotingDeadline:     voting,
	}
	row := s.DB.QueryRow(r.Context(), `
		INSERT INTO proposals (title, description, proposal_type, author, status, created_at, discussion_deadline, voting_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, p.Title, p.Description, p.Type, p.Author, p.Status, p.CreatedAt, p.DiscussionDeadline, p.VotingDeadline)
	if err := row.Scan(&p.ID); err != nil {
		writeDomainErr(w, err)
		return
	}
	s.Events.Publish(stream.NewEvent(stream.EventProposalOpened, map[string]any{
		"id":     p.ID,
		"title":  p.Title,
		"author": p.Author,
	}))
	httpx.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	query := `SELECT ` + proposalColumns + ` FROM proposals ORDER BY created_at DESC LIMIT 200`
	args := []any{}
	if status != "" {
		query = `SELECT ` + proposalColumns + ` FROM proposals WHERE status = $1 ORDER BY created_at DESC LIMIT 200`
		args = append(args, status)
	}
	rows, err := s.DB.Query(r.Context(), query, args...)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	defer rows.Close()
	out := []Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			writeDomainErr(w, err)
			return
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		writeDomainErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"proposals": out, "count": len(out)})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	p, found, err := s.proposalByID(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if !found {
		httpx.Error(w, http.StatusNotFound, "proposal not found")
		return
	}
	votes, err := s.Tally.ProposalVotes(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	comments, err := s.proposalComments(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	counts, err := s.Tally.ProposalCounts(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"proposal": p,
		"votes":    votes,
		"comments": comments,
		"counts":   counts,
	})
}

type proposalVoteRequest struct {
	AgentName string `json:"agent_name"`
	Decision  string `json:"decision"`
}

// handleProposalVote upserts the caller's vote. Votes are accepted while the
// proposal is open; settlement only happens from the voting status.
func (s *Server) handleProposalVote(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req proposalVoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	voter, ok := s.authenticate(w, r, req.AgentName)
	if !ok {
		return
	}
	p, found, err := s.proposalByID(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if !found {
		httpx.Error(w, http.StatusNotFound, "proposal not found")
		return
	}
	if lifecycle.ProposalIsTerminal(p.Status) {
		httpx.Error(w, http.StatusConflict, "proposal already settled")
		return
	}
	vote, err := s.Tally.CastProposalVote(r.Context(), voter, id, req.Decision)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	s.Metrics.IncVote("proposal", vote.Decision)
	s.Events.Publish(stream.NewEvent(stream.EventVoteCast, map[string]any{
		"kind":        "proposal",
		"proposal_id": id,
		"voter":       voter,
		"decision":    vote.Decision,
	}))
	counts, err := s.Tally.ProposalCounts(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	outcome := consensus.Outcome(counts.Approves, counts.Rejects)
	if outcome != consensus.OutcomePending && p.Status == lifecycle.ProposalVoting {
		if err := s.resolveProposal(r.Context(), id, outcome); err != nil {
			log.Printf("resolving proposal %d after vote: %v", id, err)
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"vote":    vote,
		"counts":  counts,
		"outcome": outcome,
	})
}

type proposalCommentRequest struct {
	AgentName string `json:"agent_name"`
	Comment   string `json:"comment"`
}

func (s *Server) handleProposalComment(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req proposalCommentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Comment = strings.TrimSpace(req.Comment)
	if req.Comment == "" {
		httpx.Error(w, http.StatusBadRequest, "comment required")
		return
	}
	author, ok := s.authenticate(w, r, req.AgentName)
	if !ok {
		return
	}
	_, found, err := s.proposalByID(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if !found {
		httpx.Error(w, http.StatusNotFound, "proposal not found")
		return
	}
	c := ProposalComment{
		ID:        uuid.NewString(),
		Author:    author,
		Comment:   req.Comment,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.DB.Exec(r.Context(), `
		INSERT INTO proposal_comments (id, proposal_id, author, comment, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, id, c.Author, c.Comment, c.CreatedAt)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, c)
}

func (s *Server) proposalComments(ctx context.Context, id int64) ([]ProposalComment, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, author, comment, created_at FROM proposal_comments
		WHERE proposal_id = $1 ORDER BY created_at
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ProposalComment{}
	for rows.Next() {
		var c ProposalComment
		if err := rows.Scan(&c.ID, &c.Author, &c.Comment, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// handleOpenVoting moves a proposal from discussion to voting. Core team only.
func (s *Server) handleOpenVoting(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireCoreTeam(w, r); !ok {
		return
	}
	id, ok := proposalID(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	p, found, err := s.proposalByID(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if !found {
		httpx.Error(w, http.StatusNotFound, "proposal not found")
		return
	}
	next, err := s.transitionProposal(r.Context(), id, p.Status, lifecycle.EventOpenVoting)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	p.Status = next
	httpx.WriteJSON(w, http.StatusOK, p)
}

// transitionProposal applies a guarded status transition. The WHERE clause
// re-checks the expected current status, so stale reads lose quietly to the
// writer that got there first.
func (s *Server) transitionProposal(ctx context.Context, id int64, from string, event lifecycle.Event) (string, error) {
	next, err := lifecycle.ProposalNext(from, event)
	if err != nil {
		return from, err
	}
	tag, err := s.DB.Exec(ctx, `
		UPDATE proposals SET status = $1 WHERE id = $2 AND status = $3
	`, next, id, from)
	if err != nil {
		return from, err
	}
	if tag.RowsAffected() == 0 {
		return from, lifecycle.ErrInvalidTransition
	}
	return next, nil
}

// resolveProposal settles a voting proposal for a non-pending outcome.
func (s *Server) resolveProposal(ctx context.Context, id int64, outcome string) error {
	event := lifecycle.EventApprove
	if outcome == consensus.OutcomeRejected {
		event = lifecycle.EventReject
	}
	p, found, err := s.proposalByID(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	next, err := s.transitionProposal(ctx, id, p.Status, event)
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	s.Metrics.IncConsensus(outcome)
	s.Events.Publish(stream.NewEvent(stream.EventConsensus, map[string]any{
		"subject":     "proposal",
		"proposal_id": id,
		"outcome":     outcome,
		"status":      next,
	}))
	if next == lifecycle.ProposalImplemented {
		if _, err := s.awardXP(ctx, p.Author, proposalAwardXP, "proposal implemented", "System"); err != nil {
			log.Printf("awarding proposal xp to %s: %v", p.Author, err)
		}
	}
	return nil
}

func (s *Server) expireProposal(ctx context.Context, id int64, from string) error {
	_, err := s.transitionProposal(ctx, id, from, lifecycle.EventExpire)
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		return nil
	}
	return err
}
