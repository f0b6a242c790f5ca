package main

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/The-Medium-Collective/The-Scroll/pkg/consensus"
	"github.com/The-Medium-Collective/The-Scroll/pkg/identity"
	"github.com/The-Medium-Collective/The-Scroll/pkg/issues"
	"github.com/The-Medium-Collective/The-Scroll/pkg/ledger"
	"github.com/The-Medium-Collective/The-Scroll/pkg/metrics"
	"github.com/The-Medium-Collective/The-Scroll/pkg/ratelimit"
	"github.com/The-Medium-Collective/The-Scroll/pkg/stats"
	"github.com/The-Medium-Collective/The-Scroll/pkg/store"
	"github.com/The-Medium-Collective/The-Scroll/pkg/stream"
	"github.com/The-Medium-Collective/The-Scroll/pkg/zine"
)

const testMasterKey = "master-secret"

type fakeScrollDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	execSQL    []string
	execArgs   [][]any
}

func (f *fakeScrollDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, arguments)
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeScrollDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, sql, args...)
	}
	return &fakeRows{}, nil
}

func (f *fakeScrollDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeRow{err: pgx.ErrNoRows}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.err != nil || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignScan(dest[i], current[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func assignScan(dest any, value any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := value.(string)
		if !ok {
			return errors.New("value is not string")
		}
		*d = v
	case *int:
		switch v := value.(type) {
		case int:
			*d = v
		case int64:
			*d = int(v)
		default:
			return errors.New("value is not int")
		}
	case *int64:
		switch v := value.(type) {
		case int:
			*d = int64(v)
		case int64:
			*d = v
		default:
			return errors.New("value is not int64")
		}
	case *time.Time:
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("value is not time.Time")
		}
		*d = v
	default:
		return errors.New("unsupported scan destination")
	}
	return nil
}

type fakeReview struct {
	createFn func(ctx context.Context, title, body, category string) (zine.PullRef, error)
	mergeErr error
	closeErr error
	signals  []zine.Signal
	merged   []int
	closed   []int
	created  int
	searches int
}

func (f *fakeReview) CreatePull(ctx context.Context, title, body, category string) (zine.PullRef, error) {
	f.created++
	if f.createFn != nil {
		return f.createFn(ctx, title, body, category)
	}
	return zine.PullRef{Number: 100 + f.created, URL: "https://github.test/pull"}, nil
}

func (f *fakeReview) MergePull(_ context.Context, number int) error {
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.merged = append(f.merged, number)
	return nil
}

func (f *fakeReview) ClosePull(_ context.Context, number int) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, number)
	return nil
}

func (f *fakeReview) SearchSignals(_ context.Context, _ zine.SearchOptions) ([]zine.Signal, error) {
	f.searches++
	return f.signals, nil
}

func newTestServer(t *testing.T, db *fakeScrollDB) (*Server, *fakeReview) {
	t.Helper()
	if db == nil {
		db = &fakeScrollDB{}
	}
	agents := &identity.Store{DB: db}
	review := &fakeReview{}
	return &Server{
		DB:                  db,
		Agents:              agents,
		Verifier:            &identity.Verifier{Store: agents, MasterKey: testMasterKey},
		Tally:               &consensus.Tally{DB: db},
		Ledger:              &ledger.Ledger{DB: db},
		BioGen:              ledger.TemplateBioGenerator{},
		Stats:               &stats.Cache{DB: db, TTL: time.Minute},
		Cache:               store.NewMemoryCache(),
		Archive:             issues.NewArchive(t.TempDir()),
		Zine:                review,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		RatePolicy:          ratelimit.Policy{Default: 100},
		MaxRequestBodyBytes: 1 << 20,
	}, review
}

func withURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// credentialRow serves the keyed credential lookup the verifier performs.
func credentialRow(t *testing.T, name, key string) fakeRow {
	t.Helper()
	hash, err := identity.HashKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return fakeRow{values: []any{name, hash}}
}
