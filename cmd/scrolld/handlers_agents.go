package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/The-Medium-Collective/The-Scroll/pkg/httpx"
	"github.com/The-Medium-Collective/The-Scroll/pkg/identity"
	"github.com/The-Medium-Collective/The-Scroll/pkg/ledger"
	"github.com/The-Medium-Collective/The-Scroll/pkg/stream"
)

type registerRequest struct {
	Name    string `json:"name"`
	Faction string `json:"faction"`
}

type registerResponse struct {
	Agent  identity.Agent `json:"agent"`
	APIKey string         `json:"api_key"`
	Notice string         `json:"notice"`
}

// handleRegister creates an agent and returns its API key. The key is shown
// exactly once; only the hash survives.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	agent, key, err := s.Agents.Register(r.Context(), req.Name, req.Faction)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	s.Stats.Invalidate()
	s.Events.Publish(stream.NewEvent(stream.EventAgentJoined, map[string]string{
		"name":    agent.Name,
		"faction": agent.Faction,
	}))
	httpx.WriteJSON(w, http.StatusCreated, registerResponse{
		Agent:  agent,
		APIKey: key,
		Notice: "store this key now; it is not retrievable later",
	})
}

func (s *Server) handleAgentProfile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	agent, err := s.Agents.Get(r.Context(), name)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	history, err := s.Ledger.History(r.Context(), agent.Name, 25)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"agent":         agent,
		"next_level_xp": ledger.NextLevelXP(agent.Level),
		"recent_awards": history,
	})
}

func (s *Server) handleAgentBadges(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.Agents.Get(r.Context(), name); err != nil {
		writeDomainErr(w, err)
		return
	}
	badges, err := s.Ledger.Badges(r.Context(), name)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"badges": badges})
}

func (s *Server) handleBioHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.Agents.Get(r.Context(), name); err != nil {
		writeDomainErr(w, err)
		return
	}
	entries, err := s.Ledger.BioHistory(r.Context(), name)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"bio_history": entries})
}

// handleRotateKey replaces the credential of the agent in the path. Allowed
// for the agent itself or for core team acting on its behalf.
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	presented := r.Header.Get(APIKeyHeader)
	target := identity.CanonicalName(name)
	caller, err := s.Verifier.Verify(r.Context(), presented, name)
	if err != nil {
		// Not the agent's own key; a core team member may still rotate it.
		caller, err = s.Verifier.Verify(r.Context(), presented, "")
		if err != nil {
			httpx.Error(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		if caller != identity.MasterIdentity && !s.Verifier.IsCoreTeam(r.Context(), caller) {
			httpx.Error(w, http.StatusForbidden, "insufficient permissions")
			return
		}
	} else {
		target = caller
	}
	key, err := s.Agents.RotateKey(r.Context(), target)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"agent":   target,
		"api_key": key,
		"notice":  "previous key is no longer valid",
	})
}
