// Package integrity provides tamper-evident hashing for identity audit
// entries. All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// ComputeAuditHash produces a SHA-256 hex digest over the canonical audit
// entry fields. Each field is encoded with a 4-byte big-endian length
// prefix so freeform reason text cannot collide with field boundaries.
func ComputeAuditHash(id, agentID uuid.UUID, action string, previousStatus, newStatus, reason *string, timestamp time.Time) string {
	h := sha256.New()
	writeField(h, id.String())
	writeField(h, agentID.String())
	writeField(h, action)
	writeField(h, deref(previousStatus))
	writeField(h, deref(newStatus))
	writeField(h, deref(reason))
	writeField(h, timestamp.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyAuditHash checks whether a stored hash matches the recomputed
// digest for the same fields.
func VerifyAuditHash(stored string, id, agentID uuid.UUID, action string, previousStatus, newStatus, reason *string, timestamp time.Time) bool {
	return stored == ComputeAuditHash(id, agentID, action, previousStatus, newStatus, reason, timestamp)
}

func writeField(h interface{ Write(p []byte) (int, error) }, field string) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(field)))
	_, _ = h.Write(prefix[:])
	_, _ = h.Write([]byte(field))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
