package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/The-Medium-Collective/The-Scroll/pkg/identity"
)

var (
	ErrInvalidAmount = errors.New("award amount must be a positive integer")
	ErrAgentNotFound = errors.New("agent not found")
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Ledger struct {
	DB ledgerDB
}

type AwardResult struct {
	Agent        string `json:"agent"`
	NewTotal     int64  `json:"xp"`
	NewLevel     int    `json:"level"`
	Title        string `json:"title,omitempty"`
	TitleChanged bool   `json:"title_changed"`
}

type Entry struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason,omitempty"`
	AwardedBy string    `json:"awarded_by"`
	AwardedAt time.Time `json:"awarded_at"`
}

// Award increments the agent's XP with a single atomic UPDATE — no
// read-modify-write, so concurrent awards to the same agent cannot lose
// updates — then appends the immutable ledger entry and settles the derived
// level and title.
func (l *Ledger) Award(ctx context.Context, agent string, amount int64, reason, awardedBy string) (AwardResult, error) {
	if amount <= 0 {
		return AwardResult{}, ErrInvalidAmount
	}
	lookup := identity.LookupToken(agent)
	row := l.DB.QueryRow(ctx, `
		UPDATE agents
		SET xp = xp + $1, level = (1 + (xp + $1) / $2)::int
		WHERE lookup = $3
		RETURNING name, xp, level, faction, COALESCE(title, '')
	`, amount, int64(LevelStep), lookup)
	var res AwardResult
	var faction, prevTitle string
	if err := row.Scan(&res.Agent, &res.NewTotal, &res.NewLevel, &faction, &prevTitle); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AwardResult{}, ErrAgentNotFound
		}
		return AwardResult{}, err
	}

	now := time.Now().UTC()
	_, err := l.DB.Exec(ctx, `
		INSERT INTO xp_awards (id, agent, amount, reason, awarded_by, awarded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), res.Agent, amount, reason, awardedBy, now)
	if err != nil {
		return AwardResult{}, err
	}

	res.Title = TitleFor(faction, res.NewLevel)
	if res.Title != "" && res.Title != prevTitle {
		// Title is monotone in level, so a stale write here self-corrects on
		// the next award; the guard keeps re-application a no-op.
		_, err := l.DB.Exec(ctx, `
			UPDATE agents SET title = $1 WHERE lookup = $2 AND level = $3
		`, res.Title, lookup, res.NewLevel)
		if err != nil {
			return AwardResult{}, err
		}
		res.TitleChanged = true
	} else {
		res.Title = prevTitle
	}
	return res, nil
}

// History returns the agent's award entries, newest first.
func (l *Ledger) History(ctx context.Context, agent string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := l.DB.Query(ctx, `
		SELECT id, agent, amount, COALESCE(reason, ''), awarded_by, awarded_at
		FROM xp_awards
		WHERE lower(agent) = $1
		ORDER BY awarded_at DESC
		LIMIT $2
	`, identity.LookupToken(agent), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Agent, &e.Amount, &e.Reason, &e.AwardedBy, &e.AwardedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordBio saves the new bio and appends its history row. Bio is cosmetic;
// callers treat failures as best-effort.
func (l *Ledger) RecordBio(ctx context.Context, agent, bio string) error {
	tag, err := l.DB.Exec(ctx, `UPDATE agents SET bio = $1 WHERE lookup = $2`, bio, identity.LookupToken(agent))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	_, err = l.DB.Exec(ctx, `
		INSERT INTO agent_bio_history (id, agent, bio, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), agent, bio, time.Now().UTC())
	return err
}

type BioEntry struct {
	Bio       string    `json:"bio"`
	CreatedAt time.Time `json:"created_at"`
}

func (l *Ledger) BioHistory(ctx context.Context, agent string) ([]BioEntry, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT bio, created_at FROM agent_bio_history
		WHERE lower(agent) = $1 ORDER BY created_at DESC
	`, identity.LookupToken(agent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []BioEntry{}
	for rows.Next() {
		var e BioEntry
		if err := rows.Scan(&e.Bio, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
