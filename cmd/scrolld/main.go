package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/The-Medium-Collective/The-Scroll/pkg/consensus"
	"github.com/The-Medium-Collective/The-Scroll/pkg/hardening"
	"github.com/The-Medium-Collective/The-Scroll/pkg/httpx"
	"github.com/The-Medium-Collective/The-Scroll/pkg/identity"
	"github.com/The-Medium-Collective/The-Scroll/pkg/issues"
	"github.com/The-Medium-Collective/The-Scroll/pkg/ledger"
	"github.com/The-Medium-Collective/The-Scroll/pkg/metrics"
	"github.com/The-Medium-Collective/The-Scroll/pkg/notify"
	"github.com/The-Medium-Collective/The-Scroll/pkg/ratelimit"
	"github.com/The-Medium-Collective/The-Scroll/pkg/stats"
	"github.com/The-Medium-Collective/The-Scroll/pkg/store"
	"github.com/The-Medium-Collective/The-Scroll/pkg/stream"
	"github.com/The-Medium-Collective/The-Scroll/pkg/telemetry"
	"github.com/The-Medium-Collective/The-Scroll/pkg/zine"
)

type Server struct {
	DB                  scrollDB
	Cache               store.Cache
	HTTPClient          *http.Client
	Agents              *identity.Store
	Verifier            *identity.Verifier
	Tally               *consensus.Tally
	Ledger              *ledger.Ledger
	BioGen              ledger.BioGenerator
	Notify              notify.Publisher
	Stats               *stats.Cache
	Archive             *issues.Archive
	Zine                reviewSystem
	Metrics             *metrics.Registry
	Events              *stream.Hub
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RatePolicy          ratelimit.Policy
	SweepInterval       time.Duration
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
}

type scrollDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// reviewSystem is the external review-artifact collaborator (GitHub).
type reviewSystem interface {
	CreatePull(ctx context.Context, title, body, category string) (zine.PullRef, error)
	MergePull(ctx context.Context, number int) error
	ClosePull(ctx context.Context, number int) error
	SearchSignals(ctx context.Context, opts zine.SearchOptions) ([]zine.Signal, error)
}

type scrollDBCloser interface {
	scrollDB
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (scrollDBCloser, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error
type startLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = func(ctx context.Context) (scrollDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn  = func(s *Server) {
		go s.consensusSweepLoop(context.Background())
		go s.gaugeLoop(context.Background())
	}
)

func main() {
	if err := runServer(initTelemetry, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		logFatalf("scrolld: %v", err)
	}
}

func runServer(
	initTelemetry initTelemetryFunc,
	openDB openDBFunc,
	openRedis openRedisFunc,
	listen listenFunc,
	startLoops startLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "scrolld")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 3600)
	sweepInterval := envDurationSec("CONSENSUS_SWEEP_INTERVAL_SEC", 300)
	statsTTL := envDurationSec("STATS_CACHE_TTL_SEC", 600)
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	agents := &identity.Store{DB: pool}
	masterKey := env("AGENT_API_KEY", "")
	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 5000))})
	s := &Server{
		DB:         pool,
		Cache:      store.NewCache(ctx, redisClient),
		HTTPClient: httpClient,
		Agents:     agents,
		Verifier:   &identity.Verifier{Store: agents, MasterKey: masterKey},
		Tally:      &consensus.Tally{DB: pool},
		Ledger:     &ledger.Ledger{DB: pool},
		BioGen:     ledger.TemplateBioGenerator{},
		Stats:      &stats.Cache{DB: pool, TTL: statsTTL},
		Archive:    issues.NewArchive(env("ISSUES_DIR", "issues")),
		Zine: &zine.Client{
			HTTPClient: httpClient,
			BaseURL:    env("GITHUB_API_URL", ""),
			Token:      env("GITHUB_TOKEN", ""),
			Repo:       env("REPO_NAME", ""),
			Retries:    envInt("UPSTREAM_RETRIES", 1),
			RetryDelay: time.Millisecond * time.Duration(envInt("UPSTREAM_RETRY_DELAY_MS", 50)),
		},
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RatePolicy:          ratelimit.ParsePolicy(envInt("RATE_LIMIT_PER_HOUR", 100), env("RATE_LIMIT_ROUTES", "")),
		SweepInterval:       sweepInterval,
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "scrolld",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "GITHUB_TOKEN", Value: env("GITHUB_TOKEN", "")},
			{Name: "AGENT_API_KEY", Value: masterKey},
		},
	}); err != nil {
		return err
	}

	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		publisher, err := notify.NewKafkaPublisher(notify.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_LEVELUP_TOPIC", "scroll.levelups"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		s.Notify = publisher
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("scrolld"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "scrolld"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Post("/api/agents", s.withRateLimit("register", s.handleRegister))
	r.Get("/api/agents/{name}", s.handleAgentProfile)
	r.Get("/api/agents/{name}/badges", s.handleAgentBadges)
	r.Get("/api/agents/{name}/bio-history", s.handleBioHistory)
	r.Post("/api/agents/{name}/rotate-key", s.withRateLimit("rotate", s.handleRotateKey))

	r.Get("/api/curation/queue", s.withRateLimit("queue", s.handleCurationQueue))
	r.Post("/api/curation/votes", s.withRateLimit("vote", s.handleCastCurationVote))
	r.Post("/api/curation/cleanup", s.withRateLimit("cleanup", s.handleCurationCleanup))

	r.Get("/api/proposals", s.handleListProposals)
	r.Post("/api/proposals", s.withRateLimit("propose", s.handleCreateProposal))
	r.Get("/api/proposals/{id}", s.handleGetProposal)
	r.Post("/api/proposals/{id}/votes", s.withRateLimit("vote", s.handleProposalVote))
	r.Post("/api/proposals/{id}/comments", s.withRateLimit("comment", s.handleProposalComment))
	r.Post("/api/proposals/{id}/open-voting", s.handleOpenVoting)

	r.Post("/api/submissions", s.withRateLimit("submit", s.handleCreateSubmission))

	r.Post("/api/xp-awards", s.withRateLimit("award", s.handleAwardXP))
	r.Post("/api/badges", s.withRateLimit("award", s.handleAwardBadge))

	r.Get("/api/stats", s.handleStats)
	r.Get("/api/votes/log", s.handleVoteLog)
	r.Get("/api/stream", s.streamEvents)

	r.Get("/api/issues", s.handleListIssues)
	r.Get("/api/issues/{filename}", s.handleGetIssue)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("scrolld listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}
