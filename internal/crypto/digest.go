package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

func DigestBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func DigestHex(data []byte) string {
	return hex.EncodeToString(DigestBytes(data))
}

// DigestWithPrefix returns "sha256:<hex>" for display and storage.
func DigestWithPrefix(data []byte) string {
	return "sha256:" + DigestHex(data)
}

// DigestValue digests the canonical JSON of v.
func DigestValue(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return DigestWithPrefix(canonical), nil
}
