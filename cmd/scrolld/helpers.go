package main

import (
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/The-Medium-Collective/The-Scroll/pkg/consensus"
	"github.com/The-Medium-Collective/The-Scroll/pkg/httpx"
	"github.com/The-Medium-Collective/The-Scroll/pkg/identity"
	"github.com/The-Medium-Collective/The-Scroll/pkg/ledger"
	"github.com/The-Medium-Collective/The-Scroll/pkg/lifecycle"
	"github.com/The-Medium-Collective/The-Scroll/pkg/zine"
)

// APIKeyHeader carries the presented secret. Header only — query strings end
// up in access logs.
const APIKeyHeader = "X-API-Key"

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(key string, defSec int) time.Duration {
	return time.Second * time.Duration(envInt(key, defSec))
}

func parseCIDRs(raw string) []*net.IPNet {
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(part)
		if err != nil {
			log.Printf("ignoring invalid trusted proxy CIDR %q: %v", part, err)
			continue
		}
		out = append(out, ipnet)
	}
	return out
}

// clientIP resolves the caller address, honoring X-Forwarded-For only when
// the direct peer is a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil || !s.isTrustedProxy(peer) {
		return host
	}
	fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if fwd == "" {
		return host
	}
	parts := strings.Split(fwd, ",")
	candidate := strings.TrimSpace(parts[0])
	if net.ParseIP(candidate) != nil {
		return candidate
	}
	return host
}

func (s *Server) isTrustedProxy(ip net.IP) bool {
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		httpx.Error(w, http.StatusBadRequest, "unreadable request body")
		return nil, false
	}
	return body, true
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Metrics.ObserveEndpoint(r.Method+" "+r.URL.Path, rec.status, time.Since(start))
	})
}

// withRateLimit applies the per-route limit keyed by client address.
func (s *Server) withRateLimit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			next(w, r)
			return
		}
		limit := s.RatePolicy.LimitFor(route)
		if limit <= 0 {
			next(w, r)
			return
		}
		decision := s.RateLimiter.Allow(route+":"+s.clientIP(r), limit)
		httpx.SetRateLimitHeaders(w, decision.Limit, decision.Remaining, decision.ResetAt)
		if !decision.Allowed {
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// authenticate resolves the caller from the API-key header. expectedName may
// be empty; failures are uniform 401s.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, expectedName string) (string, bool) {
	key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
	if key == "" {
		httpx.Error(w, http.StatusUnauthorized, "missing api key")
		return "", false
	}
	agent, err := s.Verifier.Verify(r.Context(), key, expectedName)
	if err != nil {
		httpx.Error(w, http.StatusUnauthorized, "invalid api key")
		return "", false
	}
	return agent, true
}

// requireCoreTeam authenticates and gates on a privileged role. The master
// identity always counts as core team.
func (s *Server) requireCoreTeam(w http.ResponseWriter, r *http.Request) (string, bool) {
	agent, ok := s.authenticate(w, r, "")
	if !ok {
		return "", false
	}
	if agent == identity.MasterIdentity {
		return agent, true
	}
	if !s.Verifier.IsCoreTeam(r.Context(), agent) {
		httpx.Error(w, http.StatusForbidden, "insufficient permissions")
		return "", false
	}
	return agent, true
}

// writeDomainErr maps package sentinel errors onto the HTTP taxonomy without
// leaking internal detail; unmapped errors log and return 500.
func writeDomainErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrNameRequired),
		errors.Is(err, identity.ErrInvalidFaction),
		errors.Is(err, consensus.ErrInvalidDecision),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrBadgeRequired),
		errors.Is(err, zine.ErrUnknownCategory):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrInvalidKey):
		httpx.Error(w, http.StatusUnauthorized, "invalid api key")
	case errors.Is(err, identity.ErrNotFound), errors.Is(err, ledger.ErrAgentNotFound):
		httpx.Error(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, identity.ErrDuplicateName):
		httpx.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		httpx.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, zine.ErrUpstream):
		httpx.Error(w, http.StatusBadGateway, "review system unavailable")
	default:
		log.Printf("internal error: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}
