// Package pii classifies substrings into named PII kinds and redacts them.
package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Built-in PII kind names. Custom kinds from configuration join the same
// namespace.
const (
	KindEmail      = "EMAIL"
	KindPhone      = "PHONE"
	KindCreditCard = "CREDIT_CARD"
	KindSSN        = "SSN"
	KindIBAN       = "IBAN"
	KindIP         = "IP"
	KindPassport   = "PASSPORT"
	KindDOB        = "DOB"
	KindINN        = "INN"
	KindSNILS      = "SNILS"
)

// maxPatternLength caps custom pattern sources, matching the rule compiler.
const maxPatternLength = 500

// pattern is one compiled PII kind with its optional post-match validator.
type pattern struct {
	kind     string
	re       *regexp.Regexp
	validate func(match string) bool
}

// Detector classifies and redacts PII. Immutable after construction; a new
// Detector is built per rule-set snapshot so custom kinds hot-reload with
// the rest of the policy.
type Detector struct {
	patterns []pattern
}

// Custom is a user-configured PII kind.
type Custom struct {
	Kind    string
	Pattern string
}

// NewDetector builds a detector with the built-in kinds plus the given
// custom kinds. Custom patterns obey the same compilation budget as rule
// regexes; a bad pattern fails the whole load.
func NewDetector(custom []Custom) (*Detector, error) {
	d := &Detector{patterns: builtinPatterns()}
	for _, c := range custom {
		if c.Kind == "" {
			return nil, fmt.Errorf("custom pii pattern: kind is required")
		}
		if len(c.Pattern) > maxPatternLength {
			return nil, fmt.Errorf("custom pii pattern %q: pattern too long: %d characters (max %d)",
				c.Kind, len(c.Pattern), maxPatternLength)
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("custom pii pattern %q: %w", c.Kind, err)
		}
		d.patterns = append(d.patterns, pattern{kind: strings.ToUpper(c.Kind), re: re})
	}
	return d, nil
}

// builtinPatterns returns the built-in kinds in deterministic order.
// Validators cut false positives the raw regexes cannot express.
func builtinPatterns() []pattern {
	return []pattern{
		{
			kind: KindEmail,
			re:   regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		},
		{
			kind:     KindPhone,
			re:       regexp.MustCompile(`\+?\d[\d\-\s().]{7,18}\d`),
			validate: validPhone,
		},
		{
			kind:     KindCreditCard,
			re:       regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`),
			validate: validLuhn,
		},
		{
			kind: KindSSN,
			re:   regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		},
		{
			kind:     KindIBAN,
			re:       regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
			validate: validIBAN,
		},
		{
			kind:     KindIP,
			re:       regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			validate: validIPv4,
		},
		{
			// 7-9 digits; 6-digit sequences produce too many false hits.
			kind: KindPassport,
			re:   regexp.MustCompile(`\b\d{7,9}\b`),
		},
		{
			kind:     KindDOB,
			re:       regexp.MustCompile(`\b(?:\d{4}-\d{2}-\d{2}|\d{2}[./]\d{2}[./]\d{4})\b`),
			validate: validDOB,
		},
		{
			kind:     KindINN,
			re:       regexp.MustCompile(`\b\d{10}(?:\d{2})?\b`),
			validate: validINN,
		},
		{
			kind:     KindSNILS,
			re:       regexp.MustCompile(`\b\d{3}-\d{3}-\d{3}[ \-]\d{2}\b`),
			validate: validSNILS,
		},
	}
}

// Detect returns the set of PII kinds present in text, first match wins per
// kind. The result is sorted for deterministic output.
func (d *Detector) Detect(text string) []string {
	if text == "" {
		return nil
	}
	found := make(map[string]struct{})
	for _, p := range d.patterns {
		if _, done := found[p.kind]; done {
			continue
		}
		if d.firstValidMatch(p, text) != nil {
			found[p.kind] = struct{}{}
		}
	}
	return sortedKinds(found)
}

// Redact replaces every match in text with a [KIND] token. Replacement is
// deterministic (patterns applied in fixed order) and idempotent: tokens
// contain no digits or @ so no built-in pattern re-matches them.
func (d *Detector) Redact(text string) (string, []string) {
	if text == "" {
		return text, nil
	}
	found := make(map[string]struct{})
	out := text
	for _, p := range d.patterns {
		p := p
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			if p.validate != nil && !p.validate(match) {
				return match
			}
			found[p.kind] = struct{}{}
			return "[" + p.kind + "]"
		})
	}
	return out, sortedKinds(found)
}

// RedactValue recursively redacts strings inside nested maps and slices.
// Non-string scalars pass through unchanged.
func (d *Detector) RedactValue(v any) (any, []string) {
	switch val := v.(type) {
	case string:
		return redactCollect(d, val)
	case map[string]any:
		out := make(map[string]any, len(val))
		var kinds []string
		for k, inner := range val {
			redacted, ks := d.RedactValue(inner)
			out[k] = redacted
			kinds = mergeKinds(kinds, ks)
		}
		return out, kinds
	case []any:
		out := make([]any, len(val))
		var kinds []string
		for i, inner := range val {
			redacted, ks := d.RedactValue(inner)
			out[i] = redacted
			kinds = mergeKinds(kinds, ks)
		}
		return out, kinds
	default:
		return v, nil
	}
}

// redactCollect adapts Redact to the RedactValue return shape.
func redactCollect(d *Detector, s string) (any, []string) {
	out, kinds := d.Redact(s)
	return out, kinds
}

// firstValidMatch returns the first match passing the kind's validator.
func (d *Detector) firstValidMatch(p pattern, text string) []int {
	offset := 0
	for offset < len(text) {
		loc := p.re.FindStringIndex(text[offset:])
		if loc == nil {
			return nil
		}
		match := text[offset+loc[0] : offset+loc[1]]
		if p.validate == nil || p.validate(match) {
			return []int{offset + loc[0], offset + loc[1]}
		}
		offset += loc[1]
	}
	return nil
}

// digitsOf strips everything but digits.
func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// validPhone length-validates a phone candidate after the broad regex match.
func validPhone(s string) bool {
	n := len(digitsOf(s))
	return n >= 10 && n <= 15
}

// validLuhn runs the Luhn checksum over the digits of a card candidate.
func validLuhn(s string) bool {
	digits := digitsOf(s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// validIPv4 enforces the 0-255 octet range; 999.999.999.999 must not match.
func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) > 1 && p[0] == '0' {
			// Reject leading zeros to avoid octal ambiguity.
			return false
		}
		n := 0
		for _, r := range p {
			n = n*10 + int(r-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

// validIBAN runs the ISO 13616 mod-97 check.
func validIBAN(s string) bool {
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]
	rem := 0
	for _, r := range rearranged {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
		case r >= 'A' && r <= 'Z':
			v = int(r-'A') + 10
		default:
			return false
		}
		if v < 10 {
			rem = (rem*10 + v) % 97
		} else {
			rem = (rem*100 + v) % 97
		}
	}
	return rem == 1
}

// validDOB sanity-checks month/day ranges for both supported layouts.
func validDOB(s string) bool {
	if len(s) != 10 {
		return false
	}
	atoi := func(sub string) int {
		n := 0
		for _, r := range sub {
			n = n*10 + int(r-'0')
		}
		return n
	}
	var y, m, d int
	if s[4] == '-' {
		y, m, d = atoi(s[0:4]), atoi(s[5:7]), atoi(s[8:10])
	} else {
		d, m, y = atoi(s[0:2]), atoi(s[3:5]), atoi(s[6:10])
	}
	return y >= 1900 && y <= 2100 && m >= 1 && m <= 12 && d >= 1 && d <= 31
}

// innWeights10 and innWeights12 are the official INN checksum weights.
var (
	innWeights10 = []int{2, 4, 10, 3, 5, 9, 4, 6, 8}
	innWeights11 = []int{7, 2, 4, 10, 3, 5, 9, 4, 6, 8}
	innWeights12 = []int{3, 7, 2, 4, 10, 3, 5, 9, 4, 6, 8}
)

// validINN validates 10- and 12-digit INN checksums.
func validINN(s string) bool {
	digits := digitsOf(s)
	switch len(digits) {
	case 10:
		return innDigit(digits, innWeights10) == int(digits[9]-'0')
	case 12:
		return innDigit(digits, innWeights11) == int(digits[10]-'0') &&
			innDigit(digits, innWeights12) == int(digits[11]-'0')
	default:
		return false
	}
}

// innDigit computes one INN control digit.
func innDigit(digits string, weights []int) int {
	sum := 0
	for i, w := range weights {
		sum += w * int(digits[i]-'0')
	}
	return sum % 11 % 10
}

// validSNILS validates the SNILS control number.
func validSNILS(s string) bool {
	digits := digitsOf(s)
	if len(digits) != 11 {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += int(digits[i]-'0') * (9 - i)
	}
	control := sum % 101
	if control == 100 {
		control = 0
	}
	want := int(digits[9]-'0')*10 + int(digits[10]-'0')
	return control == want
}

// sortedKinds renders a set as a sorted slice.
func sortedKinds(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// mergeKinds unions two sorted kind slices.
func mergeKinds(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	set := make(map[string]struct{}, len(a)+len(b))
	for _, k := range a {
		set[k] = struct{}{}
	}
	for _, k := range b {
		set[k] = struct{}{}
	}
	return sortedKinds(set)
}
