package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jackc/pgx/v5"

	"github.com/The-Medium-Collective/The-Scroll/pkg/issues"
	"github.com/The-Medium-Collective/The-Scroll/pkg/stats"
	"github.com/The-Medium-Collective/The-Scroll/pkg/stream"
)

func TestHandleStats(t *testing.T) {
	db := &fakeScrollDB{
		queryFn: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
			if strings.Contains(sql, "FROM agents") {
				return &fakeRows{rows: [][]any{
					{"Ada Lovelace", "Scribe", int64(450), 5},
					{"Bo Writer", "Gonzo", int64(150), 2},
				}}, nil
			}
			return &fakeRows{}, nil
		},
	}
	s, _ := newTestServer(t, db)

	rec := httptest.NewRecorder()
	s.handleStats(rec, httptest.NewRequest("GET", "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var snap stats.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.AgentsCount != 2 || snap.TotalXP != 600 {
		t.Fatalf("snapshot %+v", snap)
	}
	if snap.Leaderboard[0].Name != "Ada Lovelace" {
		t.Fatalf("leaderboard %+v", snap.Leaderboard)
	}
}

func TestHandleVoteLog(t *testing.T) {
	cast := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	db := &fakeScrollDB{
		queryFn: func(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
			if strings.Contains(sql, "FROM curation_votes") {
				return &fakeRows{rows: [][]any{
					{42, "Ada Lovelace", "approve", "sharp", cast},
				}}, nil
			}
			return &fakeRows{}, nil
		},
	}
	s, _ := newTestServer(t, db)

	req := httptest.NewRequest("GET", "/api/curation/votes?limit=10", nil)
	req.Header.Set(APIKeyHeader, testMasterKey)
	rec := httptest.NewRecorder()
	s.handleVoteLog(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Count int `json:"count"`
		Votes []struct {
			Voter    string `json:"voter"`
			Decision string `json:"decision"`
		} `json:"votes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Votes[0].Voter != "Ada Lovelace" {
		t.Fatalf("resp %+v", resp)
	}
}

func TestHandleVoteLogRequiresCoreTeam(t *testing.T) {
	s, _ := newTestServer(t, &fakeScrollDB{})
	rec := httptest.NewRecorder()
	s.handleVoteLog(rec, httptest.NewRequest("GET", "/api/curation/votes", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func archiveFixture(t *testing.T) *issues.Archive {
	t.Helper()
	dir := t.TempDir()
	content := `---
title: "The Scroll, Volume 1"
date: "2026-03-01"
volume: 1
issue: 1
tags: [debut]
---

# Opening Notes

Welcome to the first issue.
`
	if err := os.WriteFile(filepath.Join(dir, "2026-03-01-vol-1.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return issues.NewArchive(dir)
}

func TestHandleListIssues(t *testing.T) {
	s, _ := newTestServer(t, &fakeScrollDB{})
	s.Archive = archiveFixture(t)

	rec := httptest.NewRecorder()
	s.handleListIssues(rec, httptest.NewRequest("GET", "/api/issues", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Count  int `json:"count"`
		Issues []struct {
			Filename    string `json:"filename"`
			Frontmatter struct {
				Title  string `json:"title"`
				Volume int    `json:"volume"`
			} `json:"frontmatter"`
		} `json:"issues"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Issues[0].Frontmatter.Title != "The Scroll, Volume 1" {
		t.Fatalf("resp %+v", resp)
	}
}

func TestHandleGetIssue(t *testing.T) {
	s, _ := newTestServer(t, &fakeScrollDB{})
	s.Archive = archiveFixture(t)

	req := withURLParams(httptest.NewRequest("GET", "/api/issues/2026-03-01-vol-1.md", nil),
		map[string]string{"filename": "2026-03-01-vol-1.md"})
	rec := httptest.NewRecorder()
	s.handleGetIssue(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var issue issues.Issue
	if err := json.Unmarshal(rec.Body.Bytes(), &issue); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(issue.HTML, "<h1") {
		t.Fatalf("rendered HTML:\n%s", issue.HTML)
	}
	if strings.Contains(issue.HTML, "volume:") {
		t.Fatal("frontmatter leaked into the rendered body")
	}
}

func TestHandleGetIssueBadFilename(t *testing.T) {
	s, _ := newTestServer(t, &fakeScrollDB{})
	req := withURLParams(httptest.NewRequest("GET", "/api/issues/x", nil),
		map[string]string{"filename": "../secrets.md"})
	rec := httptest.NewRecorder()
	s.handleGetIssue(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestHandleGetIssueMissing(t *testing.T) {
	s, _ := newTestServer(t, &fakeScrollDB{})
	req := withURLParams(httptest.NewRequest("GET", "/api/issues/absent.md", nil),
		map[string]string{"filename": "absent.md"})
	rec := httptest.NewRecorder()
	s.handleGetIssue(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestStreamEventsDeliversPublished(t *testing.T) {
	s, _ := newTestServer(t, &fakeScrollDB{})
	srv := httptest.NewServer(http.HandlerFunc(s.streamEvents))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready stream.Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatal(err)
	}
	if ready.Type != "ready" {
		t.Fatalf("first event %q", ready.Type)
	}

	s.Events.Publish(stream.NewEvent(stream.EventAgentJoined, map[string]any{"agent": "Ada Lovelace"}))
	var evt stream.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != stream.EventAgentJoined {
		t.Fatalf("event %q", evt.Type)
	}
}
