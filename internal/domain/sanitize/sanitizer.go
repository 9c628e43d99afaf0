// Package sanitize normalizes tool-call arguments and runs the pre-rule
// security checks: detector packs, user blocked patterns, and structural
// limits.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/mishabar410/policyshield/internal/domain/detect"
	"github.com/mishabar410/policyshield/internal/domain/rule"
)

// Default structural limits applied when the rule file leaves them unset.
const (
	DefaultMaxStringLength = 65536
	DefaultMaxArgsDepth    = 10
	DefaultMaxTotalKeys    = 256
)

// matchedTruncateLen bounds the offending substring quoted in rejections.
const matchedTruncateLen = 100

// Rejection is a structured sanitizer failure. It surfaces as BLOCK with
// rule id "__sanitizer__".
type Rejection struct {
	// Reason names the failing stage: detector name, blocked pattern name,
	// or the violated structural limit.
	Reason string
	// Severity is advisory, taken from the detector pack when applicable.
	Severity rule.Severity
	// Detail is the human-readable message with the truncated match.
	Detail string
}

// blockedPattern is a compiled user pattern.
type blockedPattern struct {
	name string
	re   *regexp.Regexp
}

// Sanitizer runs the four-stage pipeline: detectors, blocked patterns,
// normalization, structural limits. Immutable after construction; rebuilt
// per rule-set snapshot on hot reload.
type Sanitizer struct {
	registry        *detect.Registry
	blocked         []blockedPattern
	maxStringLength int
	maxArgsDepth    int
	maxTotalKeys    int
	trimWhitespace  bool
}

// New compiles a sanitizer from rule-set configuration. Bad blocked
// patterns fail the whole load, like every other compilation error.
func New(cfg rule.SanitizerConfig) (*Sanitizer, error) {
	s := &Sanitizer{
		registry:        detect.NewRegistry(cfg.Detectors),
		maxStringLength: cfg.MaxStringLength,
		maxArgsDepth:    cfg.MaxArgsDepth,
		maxTotalKeys:    cfg.MaxTotalKeys,
		trimWhitespace:  cfg.TrimWhitespace,
	}
	if s.maxStringLength <= 0 {
		s.maxStringLength = DefaultMaxStringLength
	}
	if s.maxArgsDepth <= 0 {
		s.maxArgsDepth = DefaultMaxArgsDepth
	}
	if s.maxTotalKeys <= 0 {
		s.maxTotalKeys = DefaultMaxTotalKeys
	}

	for _, bp := range cfg.BlockedPatterns {
		if bp.Name == "" {
			return nil, fmt.Errorf("blocked pattern: name is required")
		}
		if len(bp.Pattern) > rule.MaxPatternLength {
			return nil, fmt.Errorf("blocked pattern %q: pattern too long: %d characters (max %d)",
				bp.Name, len(bp.Pattern), rule.MaxPatternLength)
		}
		re, err := regexp.Compile(bp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("blocked pattern %q: %w", bp.Name, err)
		}
		s.blocked = append(s.blocked, blockedPattern{name: bp.Name, re: re})
	}
	return s, nil
}

// Sanitize runs the pipeline over the argument tree. On success it returns
// the normalized copy; on rejection the Rejection names the failing check.
func (s *Sanitizer) Sanitize(args map[string]any) (map[string]any, *Rejection) {
	flat := Flatten(args)

	// 1. Detector packs.
	if hit := s.registry.Scan(flat); hit != nil {
		return nil, &Rejection{
			Reason:   hit.Detector,
			Severity: hit.Severity,
			Detail:   fmt.Sprintf("detector %s matched %q", hit.Detector, truncate(hit.Matched, matchedTruncateLen)),
		}
	}

	// 2. User blocked patterns.
	for _, bp := range s.blocked {
		if loc := bp.re.FindStringIndex(flat); loc != nil {
			return nil, &Rejection{
				Reason:   bp.name,
				Severity: rule.SeverityHigh,
				Detail:   fmt.Sprintf("blocked pattern %s matched %q", bp.name, truncate(flat[loc[0]:loc[1]], matchedTruncateLen)),
			}
		}
	}

	// 3. Normalize. 4. Structural limits (checked during the same walk).
	keys := 0
	cleaned, rej := s.sanitizeValue(args, 0, &keys)
	if rej != nil {
		return nil, rej
	}
	m, _ := cleaned.(map[string]any)
	return m, nil
}

// sanitizeValue normalizes one node and enforces depth/size limits.
func (s *Sanitizer) sanitizeValue(v any, depth int, keys *int) (any, *Rejection) {
	if depth > s.maxArgsDepth {
		return nil, &Rejection{
			Reason: "max_args_depth",
			Detail: fmt.Sprintf("arguments nested deeper than %d levels", s.maxArgsDepth),
		}
	}

	switch val := v.(type) {
	case string:
		cleaned := s.normalizeString(val)
		if len(cleaned) > s.maxStringLength {
			return nil, &Rejection{
				Reason: "max_string_length",
				Detail: fmt.Sprintf("string argument exceeds %d bytes", s.maxStringLength),
			}
		}
		return cleaned, nil

	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			*keys++
			if *keys > s.maxTotalKeys {
				return nil, &Rejection{
					Reason: "max_total_keys",
					Detail: fmt.Sprintf("arguments contain more than %d keys", s.maxTotalKeys),
				}
			}
			cleaned, rej := s.sanitizeValue(inner, depth+1, keys)
			if rej != nil {
				return nil, rej
			}
			out[k] = cleaned
		}
		return out, nil

	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			cleaned, rej := s.sanitizeValue(inner, depth+1, keys)
			if rej != nil {
				return nil, rej
			}
			out[i] = cleaned
		}
		return out, nil

	default:
		return v, nil
	}
}

// normalizeString applies NFKC, strips null bytes and control characters,
// and optionally trims whitespace. Tabs and newlines survive.
func (s *Sanitizer) normalizeString(str string) string {
	str = norm.NFKC.String(str)
	str = strings.Map(func(r rune) rune {
		if r == 0 {
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return -1
		}
		return r
	}, str)
	if s.trimWhitespace {
		str = strings.TrimSpace(str)
	}
	return str
}

// Flatten renders the argument tree as one string for detector scanning.
// Keys and string values are joined with spaces; non-string scalars use fmt
// formatting so numeric payloads are still visible to detectors.
func Flatten(v any) string {
	var b strings.Builder
	flattenInto(&b, v)
	return b.String()
}

func flattenInto(b *strings.Builder, v any) {
	switch val := v.(type) {
	case string:
		b.WriteString(val)
		b.WriteByte(' ')
	case map[string]any:
		for k, inner := range val {
			b.WriteString(k)
			b.WriteByte(' ')
			flattenInto(b, inner)
		}
	case []any:
		for _, inner := range val {
			flattenInto(b, inner)
		}
	case nil:
	default:
		fmt.Fprintf(b, "%v ", val)
	}
}

// truncate bounds a matched substring for error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
