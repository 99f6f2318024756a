package ledger

import (
	"errors"
	"fmt"

	"github.com/davidahmann/quotegate/internal/crypto"
	"github.com/davidahmann/quotegate/pkg/types"
)

var ErrChainBroken = errors.New("log chain broken")

// EntryDigest hashes the canonical form of entry with its own digest blanked.
func EntryDigest(entry types.LogEntry) (string, error) {
	entry.Digest = ""
	return crypto.DigestValue(entry)
}

// Seal links entry to prev (nil for the first entry) and fills Digest.
func Seal(entry types.LogEntry, prev *types.LogEntry) (types.LogEntry, error) {
	entry.PrevDigest = ""
	if prev != nil {
		entry.PrevDigest = prev.Digest
	}
	digest, err := EntryDigest(entry)
	if err != nil {
		return types.LogEntry{}, err
	}
	entry.Digest = digest
	return entry, nil
}

// VerifyChain checks sequence continuity, prev links and every digest.
func VerifyChain(entries []types.LogEntry) error {
	prev := ""
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			return fmt.Errorf("%w: entry %d has seq %d", ErrChainBroken, i+1, e.Seq)
		}
		if e.PrevDigest != prev {
			return fmt.Errorf("%w: seq %d prev_digest mismatch", ErrChainBroken, e.Seq)
		}
		digest, err := EntryDigest(e)
		if err != nil {
			return err
		}
		if digest != e.Digest {
			return fmt.Errorf("%w: seq %d digest mismatch", ErrChainBroken, e.Seq)
		}
		prev = e.Digest
	}
	return nil
}
