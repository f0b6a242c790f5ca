// Package identity holds agent records, API-key credentials, and the
// verification and authorization rules of the collective.
package identity

import (
	"errors"
	"strings"
	"time"
)

// Factions open to registration. Core roles are reserved and assigned
// out-of-band, never chosen at join time.
var Factions = []string{"Wanderer", "Scribe", "Scout", "Signalist", "Gonzo"}

// Core team roles allowed to perform privileged operations.
var CoreRoles = []string{"Editor", "Curator", "System", "Coordinator"}

// MasterIdentity is the single reserved identity the master key resolves to.
const MasterIdentity = "Gaissa"

var (
	ErrInvalidKey     = errors.New("invalid api key")
	ErrNotFound       = errors.New("agent not found")
	ErrDuplicateName  = errors.New("agent name already taken")
	ErrInvalidFaction = errors.New("faction not in whitelist")
	ErrNameRequired   = errors.New("name required")
)

type Agent struct {
	Name      string    `json:"name"`
	Faction   string    `json:"faction"`
	Role      string    `json:"role,omitempty"`
	XP        int64     `json:"xp"`
	Level     int       `json:"level"`
	Title     string    `json:"title,omitempty"`
	Bio       string    `json:"bio,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CanonicalName trims and title-cases an agent name: " ada  lovelace " becomes
// "Ada Lovelace". Identity comparisons use the lowercased canonical form.
func CanonicalName(raw string) string {
	fields := strings.Fields(strings.TrimSpace(raw))
	for i, f := range fields {
		r := []rune(strings.ToLower(f))
		if len(r) > 0 {
			r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		}
		fields[i] = string(r)
	}
	return strings.Join(fields, " ")
}

// LookupToken is the non-secret keyed-lookup identifier stored alongside the
// hash so verification with a claimed name is a single indexed read.
func LookupToken(name string) string {
	return strings.ToLower(CanonicalName(name))
}

func ValidFaction(faction string) bool {
	for _, f := range Factions {
		if f == faction {
			return true
		}
	}
	return false
}

func IsCoreRole(role string) bool {
	for _, r := range CoreRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}
