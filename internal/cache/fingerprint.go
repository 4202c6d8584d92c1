package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint identifies a decision request. Two requests with equal fingerprints may share
// a decision; the account id is always part of it.
type Fingerprint struct {
	AccountID   string
	Symbols     []string
	StrategyID  string
	ContextHash string
}

// Key is the cache key: all four components, symbol order ignored.
func (f Fingerprint) Key() string {
	return digest(f.AccountID, f.symbolSet(), f.StrategyID, f.ContextHash)
}

// Slot is the key without the context hash. A slot holds at most one live entry.
func (f Fingerprint) Slot() string {
	return digest(f.AccountID, f.symbolSet(), f.StrategyID)
}

func (f Fingerprint) symbolSet() string {
	symbols := append([]string(nil), f.Symbols...)
	sort.Strings(symbols)
	return strings.Join(symbols, ",")
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
