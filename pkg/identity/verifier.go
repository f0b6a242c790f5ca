package identity

import (
	"context"
	"crypto/subtle"
)

// Verifier resolves a presented API key to a canonical agent name.
//
// All failure modes collapse to ErrInvalidKey so callers cannot distinguish
// "unknown agent" from "wrong key" from "store unavailable".
type Verifier struct {
	Store     *Store
	MasterKey string
}

// Verify checks the presented secret. The master key, when configured, always
// resolves to the reserved identity and never impersonates another agent —
// a mismatched expectedName with the master key is an authentication failure.
//
// With an expectedName the check is a single keyed lookup; without one it
// falls back to scanning every credential, which is O(n) in agent count and
// kept only for callers predating the name-in-request convention.
func (v *Verifier) Verify(ctx context.Context, presented, expectedName string) (string, error) {
	if presented == "" {
		return "", ErrInvalidKey
	}
	if v.MasterKey != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(v.MasterKey)) == 1 {
		if expectedName != "" && LookupToken(expectedName) != LookupToken(MasterIdentity) {
			return "", ErrInvalidKey
		}
		return MasterIdentity, nil
	}
	if v.Store == nil {
		return "", ErrInvalidKey
	}
	if expectedName != "" {
		cred, err := v.Store.credentialByLookup(ctx, LookupToken(expectedName))
		if err != nil || cred.hash == "" {
			return "", ErrInvalidKey
		}
		if !VerifyKey(cred.hash, presented) {
			return "", ErrInvalidKey
		}
		return cred.name, nil
	}
	creds, err := v.Store.allCredentials(ctx)
	if err != nil {
		return "", ErrInvalidKey
	}
	for _, cred := range creds {
		if cred.hash == "" {
			continue
		}
		if VerifyKey(cred.hash, presented) {
			return cred.name, nil
		}
	}
	return "", ErrInvalidKey
}

// IsCoreTeam reports whether the agent currently holds a privileged role.
// Reads the store on every call; roles may change between requests.
func (v *Verifier) IsCoreTeam(ctx context.Context, name string) bool {
	if v.Store == nil {
		return false
	}
	role, err := v.Store.role(ctx, name)
	if err != nil {
		return false
	}
	return IsCoreRole(role)
}
