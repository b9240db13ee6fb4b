package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"strings"
)

// APIKeyBytes is the amount of entropy in a generated ingest key.
const APIKeyBytes = 32

// GenerateAPIKey returns a random hex-encoded key and the digest to persist.
func GenerateAPIKey() (key string, hash string, err error) {
	buf := make([]byte, APIKeyBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", "", err
	}
	key = hex.EncodeToString(buf)
	return key, HashAPIKey(key), nil
}

// HashAPIKey returns the SHA-256 hex digest used to look a key up.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// MatchAPIKey compares a presented key against a stored digest in constant time.
func MatchAPIKey(key, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashAPIKey(key)), []byte(hash)) == 1
}
