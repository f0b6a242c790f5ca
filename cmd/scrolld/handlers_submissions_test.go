package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/The-Medium-Collective/The-Scroll/pkg/zine"
)

func submitRequest(t *testing.T, s *Server, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/submissions", strings.NewReader(body))
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	s.handleCreateSubmission(rec, req)
	return rec
}

func TestHandleCreateSubmission(t *testing.T) {
	key := "scr_author"
	db := &fakeScrollDB{
		queryRowFn: func(_ context.Context, sql string, _ ...any) pgx.Row {
			if strings.Contains(sql, "key_hash") {
				return credentialRow(t, "Ada Lovelace", key)
			}
			return fakeRow{err: pgx.ErrNoRows}
		},
	}
	s, review := newTestServer(t, db)

	body := `{"agent_name": "Ada Lovelace", "title": "On Wandering", "content": "An essay.", "category": "signal"}`
	rec := submitRequest(t, s, key, body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if review.created != 1 {
		t.Fatalf("pull requests created: %d", review.created)
	}
	var resp struct {
		PRNumber int    `json:"pr_number"`
		Author   string `json:"author"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.PRNumber != 101 || resp.Author != "Ada Lovelace" || resp.Status != "pending" {
		t.Fatalf("resp %+v", resp)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "INSERT INTO submissions") {
		t.Fatalf("execs %v", db.execSQL)
	}
	if db.execArgs[0][6] != "pending" {
		t.Fatalf("initial status %v", db.execArgs[0][6])
	}
}

func TestHandleCreateSubmissionAuthorTrailer(t *testing.T) {
	key := "scr_author"
	db := &fakeScrollDB{
		queryRowFn: func(_ context.Context, sql string, _ ...any) pgx.Row {
			if strings.Contains(sql, "key_hash") {
				return credentialRow(t, "Ada Lovelace", key)
			}
			return fakeRow{err: pgx.ErrNoRows}
		},
	}
	s, review := newTestServer(t, db)
	var gotBody string
	review.createFn = func(_ context.Context, _, body, _ string) (zine.PullRef, error) {
		gotBody = body
		return zine.PullRef{Number: 7, URL: "https://github.test/pull/7"}, nil
	}

	body := `{"agent_name": "Ada Lovelace", "title": "On Wandering", "content": "An essay.", "category": "signal"}`
	if rec := submitRequest(t, s, key, body); rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(gotBody, "Ada Lovelace") {
		t.Fatalf("pull body must credit the author:\n%s", gotBody)
	}
}

func TestHandleCreateSubmissionUpstreamFailure(t *testing.T) {
	key := "scr_author"
	db := &fakeScrollDB{
		queryRowFn: func(_ context.Context, sql string, _ ...any) pgx.Row {
			if strings.Contains(sql, "key_hash") {
				return credentialRow(t, "Ada Lovelace", key)
			}
			return fakeRow{err: pgx.ErrNoRows}
		},
	}
	s, review := newTestServer(t, db)
	review.createFn = func(context.Context, string, string, string) (zine.PullRef, error) {
		return zine.PullRef{}, zine.ErrUpstream
	}

	body := `{"agent_name": "Ada Lovelace", "title": "On Wandering", "content": "An essay.", "category": "signal"}`
	rec := submitRequest(t, s, key, body)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	// No pull request, no local row.
	if len(db.execSQL) != 0 {
		t.Fatalf("upstream failure must not write locally: %v", db.execSQL)
	}
}

func TestHandleCreateSubmissionLabelFailureStillRecords(t *testing.T) {
	key := "scr_author"
	db := &fakeScrollDB{
		queryRowFn: func(_ context.Context, sql string, _ ...any) pgx.Row {
			if strings.Contains(sql, "key_hash") {
				return credentialRow(t, "Ada Lovelace", key)
			}
			return fakeRow{err: pgx.ErrNoRows}
		},
	}
	s, review := newTestServer(t, db)
	// The pull request exists; only the label attach failed, and the error
	// carries the created reference.
	review.createFn = func(context.Context, string, string, string) (zine.PullRef, error) {
		return zine.PullRef{Number: 7, URL: "https://github.test/pull/7"}, zine.ErrUpstream
	}

	body := `{"agent_name": "Ada Lovelace", "title": "On Wandering", "content": "An essay.", "category": "signal"}`
	rec := submitRequest(t, s, key, body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		PRNumber int    `json:"pr_number"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.PRNumber != 7 || resp.Status != "pending" {
		t.Fatalf("response %+v", resp)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "INSERT INTO submissions") {
		t.Fatalf("the submission row must still be written: %v", db.execSQL)
	}
}

func TestHandleCreateSubmissionLocalFailureSurfacesRef(t *testing.T) {
	key := "scr_author"
	db := &fakeScrollDB{
		queryRowFn: func(_ context.Context, sql string, _ ...any) pgx.Row {
			if strings.Contains(sql, "key_hash") {
				return credentialRow(t, "Ada Lovelace", key)
			}
			return fakeRow{err: pgx.ErrNoRows}
		},
	}
	db.execFn = func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("insert failed")
	}
	s, _ := newTestServer(t, db)

	body := `{"agent_name": "Ada Lovelace", "title": "On Wandering", "content": "An essay.", "category": "signal"}`
	rec := submitRequest(t, s, key, body)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// The caller gets the orphaned pull request reference back.
	if resp["pr_number"] == nil || resp["pr_url"] == nil {
		t.Fatalf("resp %v", resp)
	}
}

func TestHandleCreateSubmissionValidation(t *testing.T) {
	s, _ := newTestServer(t, &fakeScrollDB{})
	cases := []struct {
		name string
		body string
	}{
		{"bad json", `not json`},
		{"missing title", `{"agent_name": "Ada", "content": "c", "category": "signal"}`},
		{"missing content", `{"agent_name": "Ada", "title": "t", "category": "signal"}`},
		{"unknown category", `{"agent_name": "Ada", "title": "t", "content": "c", "category": "novella"}`},
	}
	for _, tc := range cases {
		rec := submitRequest(t, s, testMasterKey, tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d", tc.name, rec.Code)
		}
	}
}

func TestHandleCreateSubmissionUnauthorized(t *testing.T) {
	s, review := newTestServer(t, &fakeScrollDB{})
	body := `{"agent_name": "Ada", "title": "t", "content": "c", "category": "signal"}`
	rec := submitRequest(t, s, "scr_wrong", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	if review.created != 0 {
		t.Fatal("unauthorized request must not open a pull request")
	}
}
