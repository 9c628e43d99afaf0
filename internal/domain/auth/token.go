// Package auth verifies bearer tokens against configured secrets. Secrets
// may be stored as plaintext (development), sha256: hex digests, or
// Argon2id PHC strings produced by the hash-token command.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrUnknownHashType is returned when a stored secret has an unrecognized
// hash format.
var ErrUnknownHashType = errors.New("unknown hash type")

// argon2idParams defines OWASP minimum parameters for Argon2id.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashToken returns an Argon2id hash of the raw token in PHC format,
// suitable for POLICYSHIELD_API_TOKEN / POLICYSHIELD_ADMIN_TOKEN values.
func HashToken(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2idParams)
}

// SHA256Hex returns the sha256 hex digest of raw.
func SHA256Hex(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// VerifyToken checks a presented token against the configured secret.
// Supported secret formats, in detection order: Argon2id PHC, "sha256:"
// prefixed hex, and plaintext (compared in constant time).
func VerifyToken(presented, secret string) (bool, error) {
	switch {
	case strings.HasPrefix(secret, "$argon2id$"):
		return safeArgon2idCompare(presented, secret)

	case strings.HasPrefix(secret, "sha256:"):
		want := strings.TrimPrefix(secret, "sha256:")
		got := SHA256Hex(presented)
		return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1, nil

	case secret != "":
		// Plaintext secret: hash both sides so comparison time does not
		// depend on the secret length.
		got := SHA256Hex(presented)
		want := SHA256Hex(secret)
		return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1, nil

	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying argon2 library panics on malformed PHC strings
// with invalid parameters; convert those to errors.
func safeArgon2idCompare(raw, secret string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(raw, secret)
}
