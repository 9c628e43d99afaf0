package service

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mishabar410/policyshield/internal/domain/pii"
	"github.com/mishabar410/policyshield/internal/domain/rule"
	"github.com/mishabar410/policyshield/internal/domain/sanitize"
)

// Snapshot is one fully compiled policy generation. The engine swaps the
// whole snapshot atomically on reload so a check in flight sees either the
// old policy or the new one, never a mix.
type Snapshot struct {
	Rules     *rule.CompiledRuleSet
	Sanitizer *sanitize.Sanitizer
	PII       *pii.Detector

	// Source is the rule file path the snapshot was loaded from.
	Source string
	// Hash fingerprints the raw rule file bytes, reported by status.
	Hash string
	// LoadedAt is when this generation became active.
	LoadedAt time.Time
	// Generation increments on every successful reload.
	Generation uint64
}

// BuildSnapshot compiles every stage of a snapshot from the raw rule set.
// All-or-nothing: any compilation error leaves the previous snapshot in
// place.
func BuildSnapshot(rs *rule.RuleSet, raw []byte, source string, compiler rule.ConditionCompiler, generation uint64) (*Snapshot, error) {
	compiled, err := rule.Compile(rs, compiler)
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}

	san, err := sanitize.New(rs.Sanitizer)
	if err != nil {
		return nil, fmt.Errorf("compile sanitizer: %w", err)
	}

	custom := make([]pii.Custom, 0, len(rs.PIIPatterns))
	for _, p := range rs.PIIPatterns {
		custom = append(custom, pii.Custom{Kind: p.Kind, Pattern: p.Pattern})
	}
	det, err := pii.NewDetector(custom)
	if err != nil {
		return nil, fmt.Errorf("compile pii patterns: %w", err)
	}

	return &Snapshot{
		Rules:      compiled,
		Sanitizer:  san,
		PII:        det,
		Source:     source,
		Hash:       fmt.Sprintf("%016x", xxhash.Sum64(raw)),
		LoadedAt:   time.Now().UTC(),
		Generation: generation,
	}, nil
}

// RateLimitIDs returns the stable ids of every rate limit in the snapshot,
// used to sweep retired windows after reload.
func (s *Snapshot) RateLimitIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(s.Rules.RateLimits))
	for _, rl := range s.Rules.RateLimits {
		out[rl.ID] = struct{}{}
	}
	return out
}
