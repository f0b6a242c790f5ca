package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/The-Medium-Collective/The-Scroll/pkg/httpx"
	"github.com/The-Medium-Collective/The-Scroll/pkg/issues"
	"github.com/The-Medium-Collective/The-Scroll/pkg/stream"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Stats.Get(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, snap)
}

// handleVoteLog shows recent curation votes with voter identities. Core team
// only; the public surface never exposes who voted which way.
func (s *Server) handleVoteLog(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireCoreTeam(w, r); !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.Tally.RecentCurationVotes(r.Context(), limit)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"votes": entries, "count": len(entries)})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleListIssues(w http.ResponseWriter, _ *http.Request) {
	list, err := s.Archive.List()
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"issues": list, "count": len(list)})
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := s.Archive.Get(chi.URLParam(r, "filename"))
	if err != nil {
		switch {
		case errors.Is(err, issues.ErrBadFilename):
			httpx.Error(w, http.StatusBadRequest, "invalid issue filename")
		case errors.Is(err, issues.ErrNotFound):
			httpx.Error(w, http.StatusNotFound, "issue not found")
		default:
			writeDomainErr(w, err)
		}
		return
	}
	httpx.WriteJSON(w, http.StatusOK, issue)
}
