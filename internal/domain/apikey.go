package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAPIKey returns the hex SHA-256 digest under which an operator key is
// stored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// OperatorID is the short form of a key digest used in logs.
func OperatorID(key string) string {
	return HashAPIKey(key)[:12]
}
