// Package policy holds the denylist/allowlist rules of an exam session.
// Built-in signature sets (remote access, screen capture, VPN, messaging) are
// registered in a Registry; a session compiles them together with configured
// rules into an immutable Policy.
package policy

import (
	"strings"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// SignatureSet defines a named group of forbidden process signatures.
type SignatureSet interface {
	// ID returns unique identifier (e.g., "remote_access", "vpn").
	ID() string

	// Name returns human-readable name for display.
	Name() string

	// Signatures returns the signatures in declaration order.
	Signatures() []domain.PolicySignature
}

// staticSet is a SignatureSet backed by a fixed list.
type staticSet struct {
	id         string
	name       string
	severity   domain.Severity
	processes  []string
	pathPrefix []string
	titles     []string
}

func (s *staticSet) ID() string   { return s.id }
func (s *staticSet) Name() string { return s.name }

// Signatures expands the set into name, path prefix and window title rules.
func (s *staticSet) Signatures() []domain.PolicySignature {
	sigs := make([]domain.PolicySignature, 0, len(s.processes)+len(s.pathPrefix)+len(s.titles))
	for _, p := range s.processes {
		sigs = append(sigs, domain.PolicySignature{
			MatchKind: domain.MatchName,
			Pattern:   p,
			Severity:  s.severity,
			Label:     s.name,
		})
	}
	for _, p := range s.pathPrefix {
		sigs = append(sigs, domain.PolicySignature{
			MatchKind: domain.MatchPathPrefix,
			Pattern:   p,
			Severity:  s.severity,
			Label:     s.name,
		})
	}
	for _, t := range s.titles {
		sigs = append(sigs, domain.PolicySignature{
			MatchKind: domain.MatchWindowTitleRegex,
			Pattern:   t,
			Severity:  s.severity,
			Label:     s.name,
		})
	}
	return sigs
}

// ProcessNames returns the lowercased process names of a set's name rules.
func ProcessNames(set SignatureSet) []string {
	var names []string
	for _, sig := range set.Signatures() {
		if sig.MatchKind == domain.MatchName {
			names = append(names, strings.ToLower(sig.Pattern))
		}
	}
	return names
}

// Ensure staticSet implements SignatureSet.
var _ SignatureSet = (*staticSet)(nil)
