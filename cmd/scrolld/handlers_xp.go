package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/The-Medium-Collective/The-Scroll/pkg/httpx"
	"github.com/The-Medium-Collective/The-Scroll/pkg/ledger"
	"github.com/The-Medium-Collective/The-Scroll/pkg/notify"
	"github.com/The-Medium-Collective/The-Scroll/pkg/stream"
)

type awardXPRequest struct {
	Agent  string `json:"agent"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

// handleAwardXP grants XP to an agent. Core team only.
func (s *Server) handleAwardXP(w http.ResponseWriter, r *http.Request) {
	awardedBy, ok := s.requireCoreTeam(w, r)
	if !ok {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req awardXPRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.awardXP(r.Context(), req.Agent, req.Amount, req.Reason, awardedBy)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// awardXP runs the ledger award plus its side effects: metrics, the activity
// stream, and on a title change the best-effort bio regeneration and the
// level-up event for the external worker. Side effects never fail the award.
func (s *Server) awardXP(ctx context.Context, agent string, amount int64, reason, awardedBy string) (ledger.AwardResult, error) {
	res, err := s.Ledger.Award(ctx, agent, amount, reason, awardedBy)
	if err != nil {
		return ledger.AwardResult{}, err
	}
	s.Metrics.AddXPAwarded(amount)
	s.Stats.Invalidate()
	if res.TitleChanged {
		s.Events.Publish(stream.NewEvent(stream.EventLevelUp, map[string]any{
			"agent": res.Agent,
			"level": res.NewLevel,
			"title": res.Title,
		}))
		go s.regenerateBio(res)
	}
	return res, nil
}

// regenerateBio runs outside the request: a slow or broken generator must not
// hold up the award response.
func (s *Server) regenerateBio(res ledger.AwardResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	agent, err := s.Agents.Get(ctx, res.Agent)
	if err != nil {
		log.Printf("bio regen: loading %s: %v", res.Agent, err)
		return
	}
	if s.Notify != nil {
		err := s.Notify.PublishLevelUp(ctx, notify.LevelUp{
			Agent:   agent.Name,
			Faction: agent.Faction,
			Level:   res.NewLevel,
			Title:   res.Title,
			XP:      res.NewTotal,
			At:      time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			log.Printf("bio regen: publishing level-up for %s: %v", agent.Name, err)
		}
	}
	if s.BioGen == nil {
		return
	}
	bio, err := s.BioGen.Generate(ctx, agent.Name, agent.Faction, res.Title, res.NewLevel)
	if err != nil {
		log.Printf("bio regen: generating for %s: %v", agent.Name, err)
		return
	}
	if err := s.Ledger.RecordBio(ctx, agent.Name, bio); err != nil {
		log.Printf("bio regen: recording for %s: %v", agent.Name, err)
	}
}

type awardBadgeRequest struct {
	Agent  string `json:"agent"`
	Badge  string `json:"badge"`
	Reason string `json:"reason,omitempty"`
}

// handleAwardBadge appends a badge to an agent. Core team only.
func (s *Server) handleAwardBadge(w http.ResponseWriter, r *http.Request) {
	awardedBy, ok := s.requireCoreTeam(w, r)
	if !ok {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req awardBadgeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	agent, err := s.Agents.Get(r.Context(), req.Agent)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	badge, err := s.Ledger.AwardBadge(r.Context(), agent.Name, req.Badge, req.Reason, awardedBy)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, badge)
}
