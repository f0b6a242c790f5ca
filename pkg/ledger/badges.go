package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/The-Medium-Collective/The-Scroll/pkg/identity"
)

var ErrBadgeRequired = errors.New("badge type required")

type Badge struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Type      string    `json:"badge"`
	Reason    string    `json:"reason,omitempty"`
	AwardedBy string    `json:"awarded_by"`
	AwardedAt time.Time `json:"awarded_at"`
}

// AwardBadge appends a badge for the agent. Badges are append-only; the same
// badge type may be awarded more than once.
func (l *Ledger) AwardBadge(ctx context.Context, agent, badgeType, reason, awardedBy string) (Badge, error) {
	if badgeType == "" {
		return Badge{}, ErrBadgeRequired
	}
	b := Badge{
		ID:        uuid.NewString(),
		Agent:     agent,
		Type:      badgeType,
		Reason:    reason,
		AwardedBy: awardedBy,
		AwardedAt: time.Now().UTC(),
	}
	_, err := l.DB.Exec(ctx, `
		INSERT INTO agent_badges (id, agent, badge_type, reason, awarded_by, awarded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, b.ID, b.Agent, b.Type, b.Reason, b.AwardedBy, b.AwardedAt)
	if err != nil {
		return Badge{}, err
	}
	return b, nil
}

func (l *Ledger) Badges(ctx context.Context, agent string) ([]Badge, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT id, agent, badge_type, COALESCE(reason, ''), awarded_by, awarded_at
		FROM agent_badges WHERE lower(agent) = $1 ORDER BY awarded_at DESC
	`, identity.LookupToken(agent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Badge{}
	for rows.Next() {
		var b Badge
		if err := rows.Scan(&b.ID, &b.Agent, &b.Type, &b.Reason, &b.AwardedBy, &b.AwardedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
