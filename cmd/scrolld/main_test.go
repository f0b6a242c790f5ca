package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
)

type fakeDBCloser struct {
	*fakeScrollDB
	closed bool
}

func (f *fakeDBCloser) Close() { f.closed = true }

func noopTelemetry(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func TestRunServerTelemetryError(t *testing.T) {
	failInit := func(context.Context, string) (func(context.Context) error, error) {
		return nil, errors.New("collector unreachable")
	}
	err := runServer(failInit, nil, nil, nil, nil)
	if err == nil || !strings.HasPrefix(err.Error(), "otel:") {
		t.Fatalf("err %v", err)
	}
}

func TestRunServerDBError(t *testing.T) {
	openDB := func(context.Context) (scrollDBCloser, error) {
		return nil, errors.New("connection refused")
	}
	err := runServer(noopTelemetry, openDB, nil, nil, nil)
	if err == nil || !strings.HasPrefix(err.Error(), "db:") {
		t.Fatalf("err %v", err)
	}
}

func TestRunServerServesRoutes(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("KAFKA_BROKERS", "")
	db := &fakeDBCloser{fakeScrollDB: &fakeScrollDB{}}
	openDB := func(context.Context) (scrollDBCloser, error) { return db, nil }
	openRedis := func(context.Context) (*redis.Client, error) {
		return nil, errors.New("redis down")
	}
	var captured *http.Server
	listen := func(server *http.Server) error {
		captured = server
		return nil
	}

	if err := runServer(noopTelemetry, openDB, openRedis, listen, nil); err != nil {
		t.Fatalf("runServer: %v", err)
	}
	if captured == nil {
		t.Fatal("listen never called")
	}
	if captured.Addr != ":8080" {
		t.Fatalf("addr %q", captured.Addr)
	}
	if !db.closed {
		t.Fatal("db pool not closed on shutdown")
	}

	rec := httptest.NewRecorder()
	captured.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d: %s", rec.Code, rec.Body)
	}
	var health map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health["service"] != "scrolld" {
		t.Fatalf("health %v", health)
	}

	rec = httptest.NewRecorder()
	captured.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics/prometheus", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("prometheus status %d", rec.Code)
	}
}

func TestRunServerKafkaConfigError(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("KAFKA_BROKERS", " , ")
	db := &fakeDBCloser{fakeScrollDB: &fakeScrollDB{}}
	openDB := func(context.Context) (scrollDBCloser, error) { return db, nil }
	openRedis := func(context.Context) (*redis.Client, error) { return nil, errors.New("redis down") }

	err := runServer(noopTelemetry, openDB, openRedis, func(*http.Server) error { return nil }, nil)
	if err == nil || !strings.HasPrefix(err.Error(), "kafka:") {
		t.Fatalf("err %v", err)
	}
}
