package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type identityDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists agents and their credentials. One credential per agent;
// rotation overwrites the hash, invalidating the previous secret.
type Store struct {
	DB identityDB
}

const agentColumns = `name, faction, COALESCE(role, ''), xp, level, COALESCE(title, ''), COALESCE(bio, ''), created_at`

// Register creates the agent row and issues its one-time API key. Name
// uniqueness is case-insensitive, enforced by the unique index on the lookup
// token so concurrent registrations cannot race past the check.
func (s *Store) Register(ctx context.Context, rawName, faction string) (Agent, string, error) {
	name := CanonicalName(rawName)
	if name == "" {
		return Agent{}, "", ErrNameRequired
	}
	if !ValidFaction(faction) {
		return Agent{}, "", ErrInvalidFaction
	}
	key, err := NewAPIKey()
	if err != nil {
		return Agent{}, "", err
	}
	hash, err := HashKey(key)
	if err != nil {
		return Agent{}, "", err
	}
	agent := Agent{Name: name, Faction: faction, XP: 0, Level: 1, CreatedAt: time.Now().UTC()}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO agents (name, lookup, faction, xp, level, key_hash, created_at)
		VALUES ($1, $2, $3, 0, 1, $4, $5)
	`, name, LookupToken(name), faction, hash, agent.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Agent{}, "", ErrDuplicateName
		}
		return Agent{}, "", err
	}
	return agent, key, nil
}

func (s *Store) Get(ctx context.Context, name string) (Agent, error) {
	var a Agent
	row := s.DB.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE lookup = $1`, LookupToken(name))
	if err := row.Scan(&a.Name, &a.Faction, &a.Role, &a.XP, &a.Level, &a.Title, &a.Bio, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, err
	}
	return a, nil
}

// RotateKey issues a replacement secret and overwrites the stored hash.
func (s *Store) RotateKey(ctx context.Context, name string) (string, error) {
	key, err := NewAPIKey()
	if err != nil {
		return "", err
	}
	hash, err := HashKey(key)
	if err != nil {
		return "", err
	}
	tag, err := s.DB.Exec(ctx, `UPDATE agents SET key_hash = $1 WHERE lookup = $2`, hash, LookupToken(name))
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "", ErrNotFound
	}
	return key, nil
}

type credential struct {
	name string
	hash string
}

func (s *Store) credentialByLookup(ctx context.Context, token string) (credential, error) {
	var c credential
	row := s.DB.QueryRow(ctx, `SELECT name, COALESCE(key_hash, '') FROM agents WHERE lookup = $1`, token)
	if err := row.Scan(&c.name, &c.hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credential{}, ErrNotFound
		}
		return credential{}, err
	}
	return c, nil
}

func (s *Store) allCredentials(ctx context.Context) ([]credential, error) {
	rows, err := s.DB.Query(ctx, `SELECT name, COALESCE(key_hash, '') FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []credential
	for rows.Next() {
		var c credential
		if err := rows.Scan(&c.name, &c.hash); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// role reads the current role column; authorization re-checks on every call.
func (s *Store) role(ctx context.Context, name string) (string, error) {
	var role string
	row := s.DB.QueryRow(ctx, `SELECT COALESCE(role, '') FROM agents WHERE lookup = $1`, LookupToken(name))
	if err := row.Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return strings.TrimSpace(role), nil
}
