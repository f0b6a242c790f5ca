package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/The-Medium-Collective/The-Scroll/pkg/httpx"
	"github.com/The-Medium-Collective/The-Scroll/pkg/lifecycle"
	"github.com/The-Medium-Collective/The-Scroll/pkg/stream"
	"github.com/The-Medium-Collective/The-Scroll/pkg/zine"
)

type createSubmissionRequest struct {
	AgentName string `json:"agent_name"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Category  string `json:"category"`
}

// handleCreateSubmission opens the review pull request and records the local
// submission row. The external artifact is created first; if that fails,
// nothing is written locally, so a local row always has a live counterpart.
func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req createSubmissionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" || strings.TrimSpace(req.Content) == "" {
		httpx.Error(w, http.StatusBadRequest, "title and content required")
		return
	}
	if !zine.ValidCategory(req.Category) {
		writeDomainErr(w, zine.ErrUnknownCategory)
		return
	}
	author, ok := s.authenticate(w, r, req.AgentName)
	if !ok {
		return
	}

	ref, err := s.Zine.CreatePull(r.Context(), req.Title, zine.AuthorTrailer(req.Content, author), req.Category)
	if err != nil {
		if ref.Number == 0 {
			writeDomainErr(w, err)
			return
		}
		// The pull request was created; only the category label failed to
		// attach. The label is best effort, so record the submission anyway.
		log.Printf("labeling pr %d: %v", ref.Number, err)
	}

	now := time.Now().UTC()
	_, err = s.DB.Exec(r.Context(), `
		INSERT INTO submissions (id, pr_number, pr_url, title, author, category, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), ref.Number, ref.URL, req.Title, author, req.Category, lifecycle.SubmissionPending, now)
	if err != nil {
		// The pull request exists but the ledger row does not; surface the
		// reference so the caller is not left guessing.
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"error":     "submission recorded upstream but not locally",
			"pr_number": ref.Number,
			"pr_url":    ref.URL,
		})
		return
	}

	s.Metrics.IncSubmission(req.Category)
	s.Events.Publish(stream.NewEvent(stream.EventSubmission, map[string]any{
		"pr_number": ref.Number,
		"title":     req.Title,
		"author":    author,
		"category":  req.Category,
	}))
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"pr_number":  ref.Number,
		"pr_url":     ref.URL,
		"title":      req.Title,
		"author":     author,
		"category":   req.Category,
		"status":     lifecycle.SubmissionPending,
		"created_at": now,
	})
}
