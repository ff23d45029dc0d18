package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainRecord separates record digests from any other hash in the system.
const DomainRecord = "resync/record/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns the content hash of r.
func Digest(r Record) (string, error) {
	canonical, err := MarshalCanonical(r)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return hashWithDomain(DomainRecord, canonical), nil
}
