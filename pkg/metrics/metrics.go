package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/The-Medium-Collective/The-Scroll/pkg/httpx"
)

// Registry collects in-process counters for the gateway. Snapshots are served
// both as JSON and as Prometheus text exposition.
type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	votes       map[string]int64
	consensus   map[string]int64
	xpAwarded   int64
	submissions map[string]int64
	gauges      map[string]float64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Votes          map[string]int64        `json:"votes"`
	Consensus      map[string]int64        `json:"consensus"`
	XPAwardedTotal int64                   `json:"xp_awarded_total"`
	Submissions    map[string]int64        `json:"submissions"`
	Gauges         map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		votes:       map[string]int64{},
		consensus:   map[string]int64{},
		submissions: map[string]int64{},
		gauges:      map[string]float64{},
	}
}

func (r *Registry) ObserveEndpoint(route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	ms := elapsed.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[route]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[route] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += ms
	if ms > stat.MaxMillis {
		stat.MaxMillis = ms
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	stat.LastStatusCode = status
}

// IncVote counts a recorded curation or proposal vote by decision.
func (r *Registry) IncVote(kind, decision string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.votes[kind+":"+decision]++
	r.mu.Unlock()
}

// IncConsensus counts a consensus-driven status transition.
func (r *Registry) IncConsensus(outcome string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.consensus[outcome]++
	r.mu.Unlock()
}

func (r *Registry) AddXPAwarded(amount int64) {
	if r == nil || amount <= 0 {
		return
	}
	r.mu.Lock()
	r.xpAwarded += amount
	r.mu.Unlock()
}

func (r *Registry) IncSubmission(category string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.submissions[category]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      map[string]EndpointStat{},
		Votes:          map[string]int64{},
		Consensus:      map[string]int64{},
		XPAwardedTotal: r.xpAwarded,
		Submissions:    map[string]int64{},
		Gauges:         map[string]float64{},
	}
	for k, v := range r.endpoint {
		snap.Endpoints[k] = *v
	}
	for k, v := range r.votes {
		snap.Votes[k] = v
	}
	for k, v := range r.consensus {
		snap.Consensus[k] = v
	}
	for k, v := range r.submissions {
		snap.Submissions[k] = v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	return snap
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, r.Snapshot())
	}
}

// PrometheusHandler renders the snapshot in text exposition format.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := r.Snapshot()
		var b strings.Builder
		b.WriteString("# TYPE scroll_http_requests_total counter\n")
		for _, route := range sortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[route]
			fmt.Fprintf(&b, "scroll_http_requests_total{route=%q} %d\n", route, stat.Count)
			fmt.Fprintf(&b, "scroll_http_request_errors_total{route=%q} %d\n", route, stat.ErrorCount)
		}
		b.WriteString("# TYPE scroll_votes_total counter\n")
		for _, key := range sortedKeys(snap.Votes) {
			kind, decision := splitVoteKey(key)
			fmt.Fprintf(&b, "scroll_votes_total{kind=%q,decision=%q} %d\n", kind, decision, snap.Votes[key])
		}
		b.WriteString("# TYPE scroll_consensus_transitions_total counter\n")
		for _, key := range sortedKeys(snap.Consensus) {
			fmt.Fprintf(&b, "scroll_consensus_transitions_total{outcome=%q} %d\n", key, snap.Consensus[key])
		}
		b.WriteString("# TYPE scroll_submissions_total counter\n")
		for _, key := range sortedKeys(snap.Submissions) {
			fmt.Fprintf(&b, "scroll_submissions_total{category=%q} %d\n", key, snap.Submissions[key])
		}
		fmt.Fprintf(&b, "# TYPE scroll_xp_awarded_total counter\nscroll_xp_awarded_total %d\n", snap.XPAwardedTotal)
		b.WriteString("# TYPE scroll_gauge gauge\n")
		for _, key := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(&b, "scroll_gauge{name=%q} %g\n", key, snap.Gauges[key])
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(b.String()))
	}
}

func splitVoteKey(key string) (string, string) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
