// Package stats serves collective-wide aggregates from a bounded-staleness
// cache. The snapshot is rebuilt at most once per TTL and replaced with a
// single pointer swap, so readers never take a lock and never see a partial
// refresh.
package stats

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

type statsDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type AgentStanding struct {
	Name    string `json:"name"`
	Faction string `json:"faction"`
	XP      int64  `json:"xp"`
	Level   int    `json:"level"`
}

type Snapshot struct {
	AgentsCount  int                        `json:"agents_count"`
	TotalXP      int64                      `json:"total_xp"`
	SystemHealth float64                    `json:"system_health"`
	Leaderboard  []AgentStanding            `json:"leaderboard"`
	Factions     map[string][]AgentStanding `json:"factions"`
	GeneratedAt  time.Time                  `json:"generated_at"`
}

type Cache struct {
	DB  statsDB
	TTL time.Duration

	current atomic.Pointer[Snapshot]
	refresh sync.Mutex
}

const leaderboardSize = 10

// Get returns the cached snapshot, rebuilding it when stale. Concurrent
// callers during a refresh either rebuild once or serve the previous snapshot.
func (c *Cache) Get(ctx context.Context) (Snapshot, error) {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if snap := c.current.Load(); snap != nil && time.Since(snap.GeneratedAt) < ttl {
		return *snap, nil
	}
	c.refresh.Lock()
	defer c.refresh.Unlock()
	if snap := c.current.Load(); snap != nil && time.Since(snap.GeneratedAt) < ttl {
		return *snap, nil
	}
	snap, err := c.build(ctx)
	if err != nil {
		// Serve the stale snapshot over an error when one exists.
		if prev := c.current.Load(); prev != nil {
			return *prev, nil
		}
		return Snapshot{}, err
	}
	c.current.Store(&snap)
	return snap, nil
}

func (c *Cache) build(ctx context.Context) (Snapshot, error) {
	rows, err := c.DB.Query(ctx, `SELECT name, faction, xp, level FROM agents`)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()
	snap := Snapshot{
		Factions:    map[string][]AgentStanding{},
		GeneratedAt: time.Now().UTC(),
	}
	var all []AgentStanding
	for rows.Next() {
		var a AgentStanding
		if err := rows.Scan(&a.Name, &a.Faction, &a.XP, &a.Level); err != nil {
			return Snapshot{}, err
		}
		all = append(all, a)
		snap.TotalXP += a.XP
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}
	snap.AgentsCount = len(all)
	if snap.AgentsCount > 0 {
		snap.SystemHealth = float64(snap.TotalXP) / float64(snap.AgentsCount)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].XP > all[j].XP })
	top := all
	if len(top) > leaderboardSize {
		top = top[:leaderboardSize]
	}
	snap.Leaderboard = append([]AgentStanding{}, top...)
	for _, a := range all {
		snap.Factions[a.Faction] = append(snap.Factions[a.Faction], a)
	}
	return snap, nil
}

// Invalidate drops the cached snapshot so the next read rebuilds.
func (c *Cache) Invalidate() {
	c.current.Store(nil)
}
