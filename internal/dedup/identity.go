package dedup

import (
	"context"
	"crypto/md5" //nolint:gosec // identity digest, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/casebridge/internal/alert"
)

// Identity strategy names accepted in configuration.
const (
	StrategyID   = "id"
	StrategyHash = "hash"
)

// Identity derives the dedup key for an alert.
type Identity func(a *alert.Alert) string

// SuppliedID keys alerts by the id the pipeline assigned.
func SuppliedID(a *alert.Alert) string { return a.ID }

// LabelHash keys alerts by a digest of their label values in sorted key
// order, excluding the pipeline id, so re-fired alerts with fresh ids still
// collapse. Dots inside values are escaped before concatenation. Unknown hash
// names fall back to sha256.
func LabelHash(ctx context.Context, hashName string, logger log.Logger) Identity {
	newHash := hashFunc(hashName)
	if newHash == nil {
		if logger == nil {
			logger = log.Nop()
		}
		logger.Warn(ctx, "invalid hashing function, using sha256", "hash_func", hashName)
		newHash = sha256.New
	}
	return func(a *alert.Alert) string {
		labels := a.Labels()
		delete(labels, "id")
		return labelDigest(newHash(), labels)
	}
}

// NewIdentity returns the named strategy.
func NewIdentity(ctx context.Context, strategy, hashName string, logger log.Logger) (Identity, error) {
	switch strategy {
	case "", StrategyID:
		return SuppliedID, nil
	case StrategyHash:
		return LabelHash(ctx, hashName, logger), nil
	default:
		return nil, fmt.Errorf("dedup: unknown identity strategy %q", strategy)
	}
}

func hashFunc(name string) func() hash.Hash {
	switch strings.ToLower(name) {
	case "md5":
		return md5.New
	case "sha256":
		return sha256.New
	default:
		return nil
	}
}

func labelDigest(h hash.Hash, labels map[string]string) string {
	for _, k := range alert.SortedKeys(labels) {
		_, _ = h.Write([]byte(strings.ReplaceAll(labels[k], ".", `\.`)))
	}
	return hex.EncodeToString(h.Sum(nil))
}
