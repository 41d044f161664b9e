// Package mq generates human-legible identifiers for in-flight attempts.
package mq

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateAttemptID generates an attempt ID following the convention
// "<kind>-<hash>", e.g. "land-a1b2c3". The hash is derived from the PR's
// head branch, the current timestamp, and random bytes, so retried attempts
// on the same branch never collide.
func GenerateAttemptID(kind, branch string) string {
	randomBytes := make([]byte, 8)
	_, _ = rand.Read(randomBytes) // crypto/rand.Read only fails on a broken system

	return generateAttemptIDInternal(kind, branch, time.Now(), randomBytes)
}

// GenerateAttemptIDWithTime generates an attempt ID using a specific
// timestamp and no randomness, for deterministic tests.
func GenerateAttemptIDWithTime(kind, branch string, timestamp time.Time) string {
	return generateAttemptIDInternal(kind, branch, timestamp, nil)
}

func generateAttemptIDInternal(kind, branch string, timestamp time.Time, randomBytes []byte) string {
	input := fmt.Sprintf("%s:%s:%d:%x", kind, branch, timestamp.UnixNano(), randomBytes)

	hash := sha256.Sum256([]byte(input))
	hashStr := hex.EncodeToString(hash[:])[:6]

	return fmt.Sprintf("%s-%s", kind, hashStr)
}
