package policy

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// RuleFile is the on-disk YAML form of additional rules.
//
//	rules:
//	  - match_kind: name
//	    pattern: cheat-tool.exe
//	    severity: critical
//	exemptions:
//	  - match_kind: pathPrefix
//	    pattern: /opt/university/
type RuleFile struct {
	Rules      []domain.PolicySignature `yaml:"rules"`
	Exemptions []domain.PolicySignature `yaml:"exemptions"`
}

// LoadRuleFile parses a YAML rule file. Validation happens in Load.
func LoadRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
	}
	return ParseRuleFile(data)
}

// ParseRuleFile parses YAML rule file content.
func ParseRuleFile(data []byte) (*RuleFile, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	return &rf, nil
}

// DefaultCaptureSignatures match capture source names (window or screen
// titles) that belong to screen recording or remote desktop software.
var DefaultCaptureSignatures = []string{
	`(?i)\bOBS\b`,
	`(?i)bandicam`,
	`(?i)camtasia`,
	`(?i)sharex`,
	`(?i)snagit`,
	`(?i)screen ?recorder`,
	`(?i)teamviewer`,
	`(?i)anydesk`,
	`(?i)rustdesk`,
	`(?i)chrome remote desktop`,
	`(?i)\bVNC\b`,
	`(?i)parsec`,
	`(?i)you are sharing your screen|is sharing your screen`,
}

// CaptureMatcher recognizes capture/recording sources by name.
type CaptureMatcher struct {
	patterns []*regexp.Regexp
}

// NewCaptureMatcher compiles the patterns, failing on the first bad one.
func NewCaptureMatcher(patterns []string) (*CaptureMatcher, error) {
	m := &CaptureMatcher{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &domain.PolicyError{
				Kind:  domain.PolicyInvalidPattern,
				Index: i,
				List:  "capture_signatures",
				Rule:  domain.PolicySignature{MatchKind: domain.MatchWindowTitleRegex, Pattern: p},
				Err:   err,
			}
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Match returns the first pattern that matches name.
func (m *CaptureMatcher) Match(name string) (string, bool) {
	for _, re := range m.patterns {
		if re.MatchString(name) {
			return re.String(), true
		}
	}
	return "", false
}
