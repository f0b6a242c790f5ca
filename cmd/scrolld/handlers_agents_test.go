package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestHandleRegister(t *testing.T) {
	db := &fakeScrollDB{}
	s, _ := newTestServer(t, db)

	req := httptest.NewRequest("POST", "/api/agents", strings.NewReader(`{"name": "ada lovelace", "faction": "Scribe"}`))
	rec := httptest.NewRecorder()
	s.handleRegister(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp registerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Agent.Name != "Ada Lovelace" {
		t.Fatalf("name should canonicalize, got %q", resp.Agent.Name)
	}
	if resp.Agent.Level != 1 || resp.Agent.XP != 0 {
		t.Fatalf("fresh agent %+v", resp.Agent)
	}
	if !strings.HasPrefix(resp.APIKey, "scr_") {
		t.Fatalf("api key %q", resp.APIKey)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "INSERT INTO agents") {
		t.Fatalf("exec %v", db.execSQL)
	}
	// The stored value is a hash, never the key itself.
	for _, args := range db.execArgs {
		for _, a := range args {
			if sv, ok := a.(string); ok && sv == resp.APIKey {
				t.Fatal("plaintext api key must not reach the database")
			}
		}
	}
}

func TestHandleRegisterValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"blank name", `{"name": " ", "faction": "Scribe"}`, http.StatusBadRequest},
		{"bad faction", `{"name": "Ada", "faction": "Editor"}`, http.StatusBadRequest},
		{"no faction", `{"name": "Ada"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		s.handleRegister(rec, httptest.NewRequest("POST", "/api/agents", strings.NewReader(tc.body)))
		if rec.Code != tc.want {
			t.Errorf("%s: status %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestHandleRegisterDuplicate(t *testing.T) {
	db := &fakeScrollDB{
		execFn: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		},
	}
	s, _ := newTestServer(t, db)

	rec := httptest.NewRecorder()
	s.handleRegister(rec, httptest.NewRequest("POST", "/api/agents", strings.NewReader(`{"name": "Ada", "faction": "Scribe"}`)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate name: status %d", rec.Code)
	}
}

func agentProfileRow() fakeRow {
	return fakeRow{values: []any{
		"Ada Lovelace", "Scribe", "", int64(450), 5, "Chronicler", "A Scribe agent.", time.Now().UTC(),
	}}
}

func TestHandleAgentProfile(t *testing.T) {
	db := &fakeScrollDB{
		queryRowFn: func(_ context.Context, sql string, args ...any) pgx.Row {
			if args[0] != "ada lovelace" {
				return fakeRow{err: pgx.ErrNoRows}
			}
			return agentProfileRow()
		},
	}
	s, _ := newTestServer(t, db)

	req := withURLParams(httptest.NewRequest("GET", "/api/agents/Ada%20Lovelace", nil), map[string]string{"name": "Ada Lovelace"})
	rec := httptest.NewRecorder()
	s.handleAgentProfile(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Agent struct {
			Name  string `json:"name"`
			Title string `json:"title"`
			Level int    `json:"level"`
		} `json:"agent"`
		NextLevelXP int64 `json:"next_level_xp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Agent.Title != "Chronicler" || resp.Agent.Level != 5 {
		t.Fatalf("agent %+v", resp.Agent)
	}
	if resp.NextLevelXP != 500 {
		t.Fatalf("next level xp %d", resp.NextLevelXP)
	}
}

func TestHandleAgentProfileNotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := withURLParams(httptest.NewRequest("GET", "/api/agents/Nobody", nil), map[string]string{"name": "Nobody"})
	rec := httptest.NewRecorder()
	s.handleAgentProfile(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestHandleRotateKeySelf(t *testing.T) {
	key := "scr_selfkey"
	db := &fakeScrollDB{}
	db.queryRowFn = func(_ context.Context, sql string, args ...any) pgx.Row {
		return credentialRow(t, "Ada Lovelace", key)
	}
	s, _ := newTestServer(t, db)

	req := withURLParams(httptest.NewRequest("POST", "/api/agents/Ada%20Lovelace/rotate-key", nil), map[string]string{"name": "Ada Lovelace"})
	req.Header.Set(APIKeyHeader, key)
	rec := httptest.NewRecorder()
	s.handleRotateKey(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp["api_key"], "scr_") || resp["api_key"] == key {
		t.Fatalf("rotated key %q", resp["api_key"])
	}
	var sawUpdate bool
	for _, sql := range db.execSQL {
		if strings.Contains(sql, "SET key_hash") {
			sawUpdate = true
		}
	}
	if !sawUpdate {
		t.Fatal("rotation must overwrite the stored hash")
	}
}

func TestHandleRotateKeyWrongKey(t *testing.T) {
	db := &fakeScrollDB{
		queryRowFn: func(_ context.Context, _ string, _ ...any) pgx.Row {
			return fakeRow{err: pgx.ErrNoRows}
		},
		queryFn: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
			return &fakeRows{}, nil
		},
	}
	s, _ := newTestServer(t, db)

	req := withURLParams(httptest.NewRequest("POST", "/api/agents/Ada/rotate-key", nil), map[string]string{"name": "Ada"})
	req.Header.Set(APIKeyHeader, "scr_bogus")
	rec := httptest.NewRecorder()
	s.handleRotateKey(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestHandleRotateKeyMasterActsForAgent(t *testing.T) {
	db := &fakeScrollDB{
		queryRowFn: func(_ context.Context, _ string, _ ...any) pgx.Row {
			return fakeRow{err: pgx.ErrNoRows}
		},
	}
	s, _ := newTestServer(t, db)

	req := withURLParams(httptest.NewRequest("POST", "/api/agents/Ada/rotate-key", nil), map[string]string{"name": "Ada"})
	req.Header.Set(APIKeyHeader, testMasterKey)
	rec := httptest.NewRecorder()
	s.handleRotateKey(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["agent"] != "Ada" {
		t.Fatalf("master should rotate the named agent, got %q", resp["agent"])
	}
}
