package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/multierr"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// Config is the session's policy configuration.
type Config struct {
	// Rules are forbidden signatures, in declaration order.
	Rules []domain.PolicySignature `mapstructure:"rules"`

	// Exemptions are allowlist signatures; severity is ignored.
	Exemptions []domain.PolicySignature `mapstructure:"exemptions"`

	// Builtin lists IDs of registry sets appended after Rules.
	Builtin []string `mapstructure:"builtin"`

	// File is an optional YAML rule file appended after Rules, before Builtin.
	File string `mapstructure:"file"`

	// ProtectedPIDs are never matched (the agent and its host shell).
	ProtectedPIDs []int `mapstructure:"-"`
}

var (
	errEmptyPattern    = errors.New("pattern is empty")
	errUnknownKind     = errors.New("unknown match kind")
	errUnknownSeverity = errors.New("unknown severity")
)

type compiledRule struct {
	sig     domain.PolicySignature
	pattern string // Normalized pattern for name/path kinds
	re      *regexp.Regexp
}

func (c *compiledRule) match(rec domain.ProcessRecord) bool {
	switch c.sig.MatchKind {
	case domain.MatchName:
		if lower(rec.Name) == c.pattern {
			return true
		}
		// Process names can be truncated (Linux comm is 15 bytes); the
		// executable base name is the untruncated fallback.
		if rec.ExecutablePath != "" && lower(baseName(rec.ExecutablePath)) == c.pattern {
			return true
		}
		return false
	case domain.MatchPathPrefix:
		if rec.ExecutablePath == "" {
			return false
		}
		return underDir(normalizePath(rec.ExecutablePath), c.pattern)
	case domain.MatchWindowTitleRegex:
		for _, t := range rec.WindowTitles {
			if c.re.MatchString(t) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Policy is the compiled, immutable rule set of a session.
type Policy struct {
	rules      []compiledRule
	exemptions []compiledRule
	protected  map[int]bool
}

// Load validates and compiles cfg using the default registry.
func Load(cfg Config) (*Policy, error) {
	return LoadWithRegistry(cfg, NewRegistry())
}

// LoadWithRegistry validates and compiles cfg. Every malformed rule is
// reported; any failure means no Policy is returned.
func LoadWithRegistry(cfg Config, reg *Registry) (*Policy, error) {
	rules := make([]domain.PolicySignature, 0, len(cfg.Rules))
	rules = append(rules, cfg.Rules...)
	exemptions := make([]domain.PolicySignature, 0, len(cfg.Exemptions))
	exemptions = append(exemptions, cfg.Exemptions...)

	var errs error
	if cfg.File != "" {
		rf, err := LoadRuleFile(cfg.File)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			rules = append(rules, rf.Rules...)
			exemptions = append(exemptions, rf.Exemptions...)
		}
	}

	for _, id := range cfg.Builtin {
		set, ok := reg.Get(id)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("unknown built-in signature set %q", id))
			continue
		}
		rules = append(rules, set.Signatures()...)
	}

	p := &Policy{
		rules:      make([]compiledRule, 0, len(rules)),
		exemptions: make([]compiledRule, 0, len(exemptions)),
		protected:  make(map[int]bool, len(cfg.ProtectedPIDs)),
	}
	for i, sig := range rules {
		cr, err := compile(sig, true)
		if err != nil {
			errs = multierr.Append(errs, &domain.PolicyError{
				Kind: domain.PolicyInvalidPattern, Index: i, List: "rules", Rule: sig, Err: err,
			})
			continue
		}
		p.rules = append(p.rules, cr)
	}
	for i, sig := range exemptions {
		cr, err := compile(sig, false)
		if err != nil {
			errs = multierr.Append(errs, &domain.PolicyError{
				Kind: domain.PolicyInvalidPattern, Index: i, List: "exemptions", Rule: sig, Err: err,
			})
			continue
		}
		p.exemptions = append(p.exemptions, cr)
	}
	if errs != nil {
		return nil, errs
	}

	for _, pid := range cfg.ProtectedPIDs {
		if pid > 0 {
			p.protected[pid] = true
		}
	}
	return p, nil
}

func compile(sig domain.PolicySignature, needSeverity bool) (compiledRule, error) {
	if strings.TrimSpace(sig.Pattern) == "" {
		return compiledRule{}, errEmptyPattern
	}
	if needSeverity && !sig.Severity.Valid() {
		return compiledRule{}, fmt.Errorf("%w %q", errUnknownSeverity, sig.Severity)
	}

	cr := compiledRule{sig: sig}
	switch sig.MatchKind {
	case domain.MatchName:
		cr.pattern = lower(strings.TrimSpace(sig.Pattern))
	case domain.MatchPathPrefix:
		cr.pattern = normalizePath(sig.Pattern)
	case domain.MatchWindowTitleRegex:
		re, err := regexp.Compile(sig.Pattern)
		if err != nil {
			return compiledRule{}, err
		}
		cr.re = re
	default:
		return compiledRule{}, fmt.Errorf("%w %q", errUnknownKind, sig.MatchKind)
	}
	return cr, nil
}

// Matches returns the signature that forbids rec. When several signatures
// match, the highest severity wins and ties go to the earliest declared.
func (p *Policy) Matches(rec domain.ProcessRecord) (domain.PolicySignature, bool) {
	if p.IsExempt(rec) {
		return domain.PolicySignature{}, false
	}

	best := -1
	for i := range p.rules {
		if !p.rules[i].match(rec) {
			continue
		}
		if best < 0 || p.rules[i].sig.Severity.Rank() > p.rules[best].sig.Severity.Rank() {
			best = i
		}
	}
	if best < 0 {
		return domain.PolicySignature{}, false
	}
	return p.rules[best].sig, true
}

// IsExempt reports whether rec must never be matched: protected PIDs,
// critical system processes and configured exemptions.
func (p *Policy) IsExempt(rec domain.ProcessRecord) bool {
	if p.protected[rec.PID] {
		return true
	}
	if IsCritical(rec.Name) {
		return true
	}
	for i := range p.exemptions {
		if p.exemptions[i].match(rec) {
			return true
		}
	}
	return false
}

// Signatures returns the compiled forbidden signatures in declaration order.
func (p *Policy) Signatures() []domain.PolicySignature {
	out := make([]domain.PolicySignature, len(p.rules))
	for i := range p.rules {
		out[i] = p.rules[i].sig
	}
	return out
}

// Len returns the number of forbidden signatures.
func (p *Policy) Len() int {
	return len(p.rules)
}

func lower(s string) string {
	return strings.ToLower(s)
}

// baseName handles both separators so Windows paths reported on any host
// compare the same way.
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// underDir reports whether path is dir itself or lies inside it. Both are
// normalized; "/opt/app" does not cover "/opt/app-extra".
func underDir(path, dir string) bool {
	if path == dir {
		return true
	}
	if strings.HasSuffix(dir, "/") {
		return strings.HasPrefix(path, dir)
	}
	return strings.HasPrefix(path, dir+"/")
}

func normalizePath(path string) string {
	p := strings.ReplaceAll(strings.TrimSpace(path), `\`, "/")
	return lower(filepath.ToSlash(filepath.Clean(p)))
}
