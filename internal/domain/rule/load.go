package rule

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// maxRuleFileSize caps the rule file at 4 MiB; a policy file larger than
// that is almost certainly a mistake.
const maxRuleFileSize = 4 << 20

// LoadFile reads and unmarshals a rule file into the typed rule tree.
// The result still needs Compile before it can serve checks.
func LoadFile(path string) (*RuleSet, error) {
	rs, _, err := LoadFileRaw(path)
	return rs, err
}

// LoadFileRaw is LoadFile plus the raw bytes, which the engine fingerprints
// for the status report.
func LoadFileRaw(path string) (*RuleSet, []byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat rule file: %w", err)
	}
	if info.Size() > maxRuleFileSize {
		return nil, nil, fmt.Errorf("rule file too large: %d bytes (max %d)", info.Size(), maxRuleFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read rule file: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return rs, data, nil
}

// Parse unmarshals rule file bytes. Unknown fields are rejected so a typo in
// a rule file cannot silently disable a clause.
func Parse(data []byte) (*RuleSet, error) {
	var rs RuleSet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}
	return &rs, nil
}
