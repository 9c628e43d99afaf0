package pii

import (
	"reflect"
	"strings"
	"testing"
)

func mustDetector(t *testing.T, custom []Custom) *Detector {
	t.Helper()
	d, err := NewDetector(custom)
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}
	return d
}

func TestDetectBuiltinKinds(t *testing.T) {
	t.Parallel()

	d := mustDetector(t, nil)

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"email", "contact alice@example.com please", []string{KindEmail}},
		{"phone", "call +14155550123 tomorrow", []string{KindPhone}},
		{"card passes luhn", "card 4111111111111111 on file", []string{KindCreditCard}},
		{"card fails luhn", "card 4111111111111112 on file", nil},
		{"ssn", "ssn 123-45-6789 on record", []string{KindSSN}},
		{"ipv4", "host 10.0.0.1 is down", []string{KindIP}},
		{"ipv4 out of range", "value 999.999.999.999 seen", nil},
		{"dob iso", "born 1985-06-15 in town", []string{KindDOB}},
		{"clean text", "nothing sensitive here", nil},
		{"two kinds sorted", "mail bob@example.org from 10.0.0.1", []string{KindEmail, KindIP}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := d.Detect(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Detect(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	t.Parallel()

	d := mustDetector(t, nil)

	out, kinds := d.Redact("write to alice@example.com about host 10.0.0.1")
	if strings.Contains(out, "alice@example.com") || strings.Contains(out, "10.0.0.1") {
		t.Errorf("Redact left PII in output: %q", out)
	}
	if !strings.Contains(out, "[EMAIL]") || !strings.Contains(out, "[IP]") {
		t.Errorf("Redact output missing tokens: %q", out)
	}
	if want := []string{KindEmail, KindIP}; !reflect.DeepEqual(kinds, want) {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}
}

func TestRedactIdempotent(t *testing.T) {
	t.Parallel()

	d := mustDetector(t, nil)

	once, _ := d.Redact("mail bob@example.org now")
	twice, kinds := d.Redact(once)
	if twice != once {
		t.Errorf("second Redact changed output: %q -> %q", once, twice)
	}
	if kinds != nil {
		t.Errorf("second Redact reported kinds %v, want none", kinds)
	}
}

func TestRedactPreservesInvalidCandidates(t *testing.T) {
	t.Parallel()

	d := mustDetector(t, nil)

	in := "ref 4111111111111112 stays"
	out, kinds := d.Redact(in)
	if out != in {
		t.Errorf("Redact altered non-PII text: %q", out)
	}
	if kinds != nil {
		t.Errorf("kinds = %v, want none", kinds)
	}
}

func TestCustomKinds(t *testing.T) {
	t.Parallel()

	d := mustDetector(t, []Custom{{Kind: "employee_id", Pattern: `EMP-\d{6}`}})

	got := d.Detect("badge EMP-123456 issued")
	if want := []string{"EMPLOYEE_ID"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Detect() = %v, want %v", got, want)
	}

	out, _ := d.Redact("badge EMP-123456 issued")
	if !strings.Contains(out, "[EMPLOYEE_ID]") {
		t.Errorf("Redact output missing custom token: %q", out)
	}
}

func TestNewDetectorRejectsBadCustom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		custom Custom
	}{
		{"empty kind", Custom{Pattern: "x"}},
		{"invalid regex", Custom{Kind: "k", Pattern: "("}},
		{"pattern too long", Custom{Kind: "k", Pattern: strings.Repeat("a", maxPatternLength+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewDetector([]Custom{tt.custom}); err == nil {
				t.Error("NewDetector() succeeded, want error")
			}
		})
	}
}

func TestRedactValueNested(t *testing.T) {
	t.Parallel()

	d := mustDetector(t, nil)

	in := map[string]any{
		"to":    "alice@example.com",
		"count": 3,
		"cc":    []any{"bob@example.org", 42},
		"meta":  map[string]any{"host": "10.0.0.1"},
	}
	out, kinds := d.RedactValue(in)

	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("RedactValue returned %T, want map", out)
	}
	if m["to"] != "[EMAIL]" {
		t.Errorf("to = %v, want [EMAIL]", m["to"])
	}
	if m["count"] != 3 {
		t.Errorf("count = %v, want untouched 3", m["count"])
	}
	if cc := m["cc"].([]any); cc[0] != "[EMAIL]" || cc[1] != 42 {
		t.Errorf("cc = %v, want [[EMAIL] 42]", cc)
	}
	if meta := m["meta"].(map[string]any); meta["host"] != "[IP]" {
		t.Errorf("meta.host = %v, want [IP]", meta["host"])
	}
	if want := []string{KindEmail, KindIP}; !reflect.DeepEqual(kinds, want) {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}
}
