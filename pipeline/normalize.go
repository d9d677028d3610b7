// Package pipeline implements the ingestion pipeline: normalize,
// extract, detect conflicts, resolve, score. Each stage is a deterministic
// function of its inputs; any failure surfaces as an error tagged with the
// stage that produced it and nothing partial is persisted.
package pipeline

import (
	"strings"
	"sync"

	"github.com/BaSui01/memflow/types"
)

// Normalizer trims and length-checks raw content and drops short-term
// repeats. The seen-set is a bounded FIFO of content hashes kept per
// session key, so the same message repeated within a burst is dropped
// without a store round trip.
type Normalizer struct {
	seenSetSize int

	mu   sync.Mutex
	seen map[string]*seenSet
}

type seenSet struct {
	order  []string
	member map[string]bool
}

// NewNormalizer creates a normalizer whose per-session seen-set holds up
// to seenSetSize hashes.
func NewNormalizer(seenSetSize int) *Normalizer {
	if seenSetSize <= 0 {
		seenSetSize = 256
	}
	return &Normalizer{
		seenSetSize: seenSetSize,
		seen:        make(map[string]*seenSet),
	}
}

// Normalize returns the cleaned content and its hash. duplicate is true
// when the same content was already seen for this session key recently;
// callers drop such inputs without error.
func (n *Normalizer) Normalize(sessionKey, content string) (normalized, hash string, duplicate bool, err error) {
	normalized = strings.TrimSpace(content)
	if normalized == "" {
		return "", "", false, types.NewError(types.ErrValidation, "content is empty").
			WithStage(types.StageNormalize)
	}
	if len(normalized) > types.MaxContentBytes {
		return "", "", false, types.NewErrorf(types.ErrValidation,
			"content length %d exceeds maximum %d", len(normalized), types.MaxContentBytes).
			WithStage(types.StageNormalize)
	}

	hash = types.HashContent(normalized)

	n.mu.Lock()
	defer n.mu.Unlock()

	set, ok := n.seen[sessionKey]
	if !ok {
		set = &seenSet{member: make(map[string]bool)}
		n.seen[sessionKey] = set
	}
	if set.member[hash] {
		return normalized, hash, true, nil
	}

	set.order = append(set.order, hash)
	set.member[hash] = true
	if len(set.order) > n.seenSetSize {
		oldest := set.order[0]
		set.order = set.order[1:]
		delete(set.member, oldest)
	}
	return normalized, hash, false, nil
}

// Forget drops the seen-set of one session key, typically when the
// session ends.
func (n *Normalizer) Forget(sessionKey string) {
	n.mu.Lock()
	delete(n.seen, sessionKey)
	n.mu.Unlock()
}
