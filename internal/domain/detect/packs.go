// Package detect provides named, severity-tagged security detector packs
// run by the sanitizer over flattened tool-call arguments.
package detect

import (
	"regexp"

	"github.com/mishabar410/policyshield/internal/domain/rule"
)

// Built-in pack names.
const (
	PackPathTraversal   = "path_traversal"
	PackShellInjection  = "shell_injection"
	PackSQLInjection    = "sql_injection"
	PackSSRF            = "ssrf"
	PackURLSchemes      = "url_schemes"
	PackSecretDetection = "secret_detection"
)

// Hit is a single detector match.
type Hit struct {
	// Detector is the pack name that matched.
	Detector string
	// Severity is the pack's advisory severity.
	Severity rule.Severity
	// Matched is the offending substring, already truncated by the caller
	// before it reaches any response or log.
	Matched string
}

// Pack is a named list of compiled patterns sharing one severity.
type Pack struct {
	Name     string
	Severity rule.Severity
	patterns []*regexp.Regexp
}

// Scan returns the first match in text, or nil.
func (p *Pack) Scan(text string) *Hit {
	for _, re := range p.patterns {
		if loc := re.FindStringIndex(text); loc != nil {
			return &Hit{
				Detector: p.Name,
				Severity: p.Severity,
				Matched:  text[loc[0]:loc[1]],
			}
		}
	}
	return nil
}

// Registry holds the enabled packs in deterministic scan order.
type Registry struct {
	packs []*Pack
}

// NewRegistry returns a registry with the named packs enabled. An empty
// list enables every built-in pack. Unknown names are ignored (the config
// validator warns about them at load time).
func NewRegistry(enabled []string) *Registry {
	all := builtinPacks()
	if len(enabled) == 0 {
		return &Registry{packs: all}
	}
	want := make(map[string]struct{}, len(enabled))
	for _, name := range enabled {
		want[name] = struct{}{}
	}
	r := &Registry{}
	for _, p := range all {
		if _, ok := want[p.Name]; ok {
			r.packs = append(r.packs, p)
		}
	}
	return r
}

// KnownPack reports whether name is a built-in pack.
func KnownPack(name string) bool {
	for _, p := range builtinPacks() {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Scan runs every enabled pack and returns the first hit, or nil.
func (r *Registry) Scan(text string) *Hit {
	for _, p := range r.packs {
		if hit := p.Scan(text); hit != nil {
			return hit
		}
	}
	return nil
}

// builtinPacks compiles the built-in detector packs. Patterns are compiled
// once at process start via the package-level cache below.
func builtinPacks() []*Pack {
	return builtins
}

var builtins = []*Pack{
	{
		Name:     PackPathTraversal,
		Severity: rule.SeverityHigh,
		patterns: compileAll(
			`\.\./`,
			`\.\.\\`,
			`(?i)%2e%2e[/\\%]`,
			`(?i)/etc/(passwd|shadow|sudoers)`,
			`(?i)[a-z]:\\windows\\system32`,
		),
	},
	{
		Name:     PackShellInjection,
		Severity: rule.SeverityCritical,
		patterns: compileAll(
			"`[^`]+`",
			`\$\([^)]*\)`,
			`;\s*(rm|curl|wget|nc|bash|sh|python)\b`,
			`\|\s*(sh|bash|zsh)\b`,
			`&&\s*(rm|curl|wget|chmod|chown)\b`,
			`>\s*/dev/(tcp|udp)/`,
		),
	},
	{
		Name:     PackSQLInjection,
		Severity: rule.SeverityCritical,
		patterns: compileAll(
			`(?i)\bunion\s+(all\s+)?select\b`,
			`(?i)\bor\s+1\s*=\s*1\b`,
			`(?i)\bdrop\s+(table|database)\b`,
			`(?i);\s*(delete|truncate|update)\s`,
			`(?i)\binto\s+(outfile|dumpfile)\b`,
			`'\s*--`,
		),
	},
	{
		Name:     PackSSRF,
		Severity: rule.SeverityCritical,
		patterns: compileAll(
			`(?i)https?://(127\.\d{1,3}\.\d{1,3}\.\d{1,3}|0\.0\.0\.0|localhost)\b`,
			`(?i)https?://(10\.|172\.(1[6-9]|2\d|3[01])\.|192\.168\.|169\.254\.)`,
			`(?i)https?://\[::1?\]`,
			`(?i)169\.254\.169\.254`,
			`(?i)metadata\.google\.internal`,
		),
	},
	{
		Name:     PackURLSchemes,
		Severity: rule.SeverityHigh,
		patterns: compileAll(
			`(?i)\b(file|gopher|dict|ldap|tftp|jar)://`,
			`(?i)javascript:`,
			`(?i)data:text/html`,
			`(?i)vbscript:`,
		),
	},
	{
		Name:     PackSecretDetection,
		Severity: rule.SeverityCritical,
		patterns: secretRegexps(),
	},
}

// secretPattern pairs a secret regex with the label used when approval
// arguments are redacted for display.
type secretPattern struct {
	kind string
	re   *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"AWS_KEY", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"API_KEY", regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{20,}\b`)},
	{"GITHUB_TOKEN", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"SLACK_TOKEN", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`)},
	{"GOOGLE_API_KEY", regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`)},
	{"JWT", regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\b`)},
	{"PRIVATE_KEY", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"CREDENTIAL", regexp.MustCompile(`(?i)\b(api[_\-]?key|secret|password|token)["']?\s*[:=]\s*["'][^"']{16,}["']`)},
}

func secretRegexps() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(secretPatterns))
	for i, p := range secretPatterns {
		out[i] = p.re
	}
	return out
}

// RedactSecrets replaces every secret match in text with a
// [REDACTED_<kind>] token. Approval requests run through this before they
// reach any external channel.
func RedactSecrets(text string) string {
	for _, p := range secretPatterns {
		text = p.re.ReplaceAllString(text, "[REDACTED_"+p.kind+"]")
	}
	return text
}

// compileAll compiles a pattern list, panicking on programmer error; pack
// sources are constants, never user input.
func compileAll(sources ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(sources))
	for _, src := range sources {
		out = append(out, regexp.MustCompile(src))
	}
	return out
}
