package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters, PHC-encoded with the hash so they can evolve without
// invalidating stored credentials.
const (
	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

var errMalformedHash = errors.New("malformed key hash")

// NewAPIKey generates a fresh agent secret. It is returned to the caller
// exactly once; only its hash is stored.
func NewAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "scr_" + hex.EncodeToString(buf), nil
}

// HashKey derives an argon2id hash in PHC string format.
func HashKey(key string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	digest := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	), nil
}

// VerifyKey re-derives the hash with the stored parameters and compares in
// constant time. A corrupted stored hash verifies as false, never panics.
func VerifyKey(storedHash, presented string) bool {
	salt, digest, memory, timeCost, threads, err := decodeHash(storedHash)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(presented), salt, timeCost, memory, threads, uint32(len(digest)))
	return subtle.ConstantTimeCompare(candidate, digest) == 1
}

func decodeHash(encoded string) (salt, digest []byte, memory, timeCost uint32, threads uint8, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, errMalformedHash
	}
	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, nil, 0, 0, 0, errMalformedHash
	}
	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
		return nil, nil, 0, 0, 0, errMalformedHash
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, 0, 0, errMalformedHash
	}
	digest, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(digest) == 0 {
		return nil, nil, 0, 0, 0, errMalformedHash
	}
	return salt, digest, memory, timeCost, threads, nil
}
