package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

func nameRule(pattern string, sev domain.Severity) domain.PolicySignature {
	return domain.PolicySignature{MatchKind: domain.MatchName, Pattern: pattern, Severity: sev}
}

func TestLoad_EmptyConfig(t *testing.T) {
	p, err := Load(Config{})

	require.NoError(t, err)
	assert.Equal(t, 0, p.Len())
}

func TestLoad_InvalidRegexFailsFast(t *testing.T) {
	_, err := Load(Config{Rules: []domain.PolicySignature{
		nameRule("cheat-tool.exe", domain.SeverityCritical),
		{MatchKind: domain.MatchWindowTitleRegex, Pattern: "([unclosed", Severity: domain.SeverityWarning},
	}})

	require.Error(t, err)
	var pe *domain.PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.PolicyInvalidPattern, pe.Kind)
	assert.Equal(t, 1, pe.Index)
}

func TestLoad_ReportsEveryBadRule(t *testing.T) {
	_, err := Load(Config{Rules: []domain.PolicySignature{
		{MatchKind: domain.MatchName, Pattern: "", Severity: domain.SeverityCritical},
		{MatchKind: "glob", Pattern: "*.exe", Severity: domain.SeverityCritical},
		{MatchKind: domain.MatchName, Pattern: "x", Severity: "fatal"},
	}})

	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
}

func TestLoad_UnknownBuiltin(t *testing.T) {
	_, err := Load(Config{Builtin: []string{"does_not_exist"}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "does_not_exist")
}

func TestLoad_BuiltinSetsAppendAfterRules(t *testing.T) {
	p, err := Load(Config{
		Rules:   []domain.PolicySignature{nameRule("cheat-tool.exe", domain.SeverityCritical)},
		Builtin: []string{"vpn"},
	})

	require.NoError(t, err)
	sigs := p.Signatures()
	require.Greater(t, len(sigs), 1)
	assert.Equal(t, "cheat-tool.exe", sigs[0].Pattern)
	assert.Equal(t, "VPN and tunnels", sigs[1].Label)
}

func TestMatches_NameIsCaseInsensitive(t *testing.T) {
	p, err := Load(Config{Rules: []domain.PolicySignature{nameRule("cheat-tool.exe", domain.SeverityCritical)}})
	require.NoError(t, err)

	sig, ok := p.Matches(domain.ProcessRecord{PID: 10, Name: "Cheat-Tool.EXE"})

	assert.True(t, ok)
	assert.Equal(t, domain.SeverityCritical, sig.Severity)
}

func TestMatches_FallsBackToExecutableBaseName(t *testing.T) {
	p, err := Load(Config{Rules: []domain.PolicySignature{nameRule("simplescreenrecorder", domain.SeverityCritical)}})
	require.NoError(t, err)

	_, ok := p.Matches(domain.ProcessRecord{
		PID:            10,
		Name:           "simplescreenrec",
		ExecutablePath: "/usr/bin/simplescreenrecorder",
	})

	assert.True(t, ok)
}

func TestMatches_PathPrefix(t *testing.T) {
	p, err := Load(Config{Rules: []domain.PolicySignature{
		{MatchKind: domain.MatchPathPrefix, Pattern: `C:\Tools\Cheats`, Severity: domain.SeverityWarning},
	}})
	require.NoError(t, err)

	_, ok := p.Matches(domain.ProcessRecord{PID: 10, Name: "helper.exe", ExecutablePath: `c:\tools\cheats\helper.exe`})
	assert.True(t, ok)

	_, ok = p.Matches(domain.ProcessRecord{PID: 11, Name: "helper.exe", ExecutablePath: `C:\Tools\Other\helper.exe`})
	assert.False(t, ok)

	_, ok = p.Matches(domain.ProcessRecord{PID: 12, Name: "helper.exe"})
	assert.False(t, ok, "records without a path never match path rules")
}

func TestMatches_PathPrefixStopsAtDirectoryBoundary(t *testing.T) {
	p, err := Load(Config{
		Rules: []domain.PolicySignature{
			nameRule("cheat.exe", domain.SeverityCritical),
			{MatchKind: domain.MatchPathPrefix, Pattern: `C:\Tools\Cheats`, Severity: domain.SeverityWarning},
		},
		Exemptions: []domain.PolicySignature{
			{MatchKind: domain.MatchPathPrefix, Pattern: "/opt/university/"},
		},
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		rec   domain.ProcessRecord
		match bool
	}{
		{"sibling of exempted dir", domain.ProcessRecord{PID: 1, Name: "cheat.exe", ExecutablePath: "/opt/university-cheats/cheat.exe"}, true},
		{"inside exempted dir", domain.ProcessRecord{PID: 2, Name: "cheat.exe", ExecutablePath: "/opt/university/cheat.exe"}, false},
		{"exact exempted dir", domain.ProcessRecord{PID: 3, Name: "cheat.exe", ExecutablePath: "/opt/university"}, false},
		{"sibling of forbidden dir", domain.ProcessRecord{PID: 4, Name: "x.exe", ExecutablePath: `C:\Tools\CheatsheetViewer\x.exe`}, false},
		{"exact forbidden dir", domain.ProcessRecord{PID: 5, Name: "x.exe", ExecutablePath: `C:\Tools\Cheats`}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := p.Matches(tt.rec)
			assert.Equal(t, tt.match, ok)
		})
	}
}

func TestMatches_WindowTitleRegex(t *testing.T) {
	p, err := Load(Config{Rules: []domain.PolicySignature{
		{MatchKind: domain.MatchWindowTitleRegex, Pattern: `(?i)chatgpt`, Severity: domain.SeverityCritical},
	}})
	require.NoError(t, err)

	_, ok := p.Matches(domain.ProcessRecord{PID: 10, Name: "firefox", WindowTitles: []string{"Inbox", "ChatGPT - Mozilla Firefox"}})

	assert.True(t, ok)
}

func TestMatches_HighestSeverityWins(t *testing.T) {
	p, err := Load(Config{Rules: []domain.PolicySignature{
		{MatchKind: domain.MatchName, Pattern: "discord", Severity: domain.SeverityWarning, Label: "first"},
		{MatchKind: domain.MatchPathPrefix, Pattern: "/opt/discord", Severity: domain.SeverityCritical, Label: "second"},
	}})
	require.NoError(t, err)

	sig, ok := p.Matches(domain.ProcessRecord{PID: 10, Name: "discord", ExecutablePath: "/opt/discord/discord"})

	require.True(t, ok)
	assert.Equal(t, "second", sig.Label)
}

func TestMatches_TieGoesToDeclarationOrder(t *testing.T) {
	p, err := Load(Config{Rules: []domain.PolicySignature{
		{MatchKind: domain.MatchName, Pattern: "discord", Severity: domain.SeverityWarning, Label: "first"},
		{MatchKind: domain.MatchPathPrefix, Pattern: "/opt/discord", Severity: domain.SeverityWarning, Label: "second"},
	}})
	require.NoError(t, err)

	sig, ok := p.Matches(domain.ProcessRecord{PID: 10, Name: "discord", ExecutablePath: "/opt/discord/discord"})

	require.True(t, ok)
	assert.Equal(t, "first", sig.Label)
}

func TestMatches_IsDeterministic(t *testing.T) {
	p, err := Load(Config{Builtin: []string{"remote_access", "screen_capture", "vpn", "messaging"}})
	require.NoError(t, err)

	snapshot := []domain.ProcessRecord{
		{PID: 1, Name: "systemd"},
		{PID: 20, Name: "obs", ExecutablePath: "/usr/bin/obs"},
		{PID: 30, Name: "Discord", WindowTitles: []string{"general | Discord"}},
		{PID: 40, Name: "bash"},
	}

	run := func() []domain.PolicySignature {
		var out []domain.PolicySignature
		for _, r := range snapshot {
			sig, _ := p.Matches(r)
			out = append(out, sig)
		}
		return out
	}

	assert.Equal(t, run(), run())
}

func TestMatches_Exemptions(t *testing.T) {
	p, err := Load(Config{
		Rules: []domain.PolicySignature{nameRule("ffmpeg", domain.SeverityCritical)},
		Exemptions: []domain.PolicySignature{
			{MatchKind: domain.MatchPathPrefix, Pattern: "/opt/university/"},
		},
		ProtectedPIDs: []int{99},
	})
	require.NoError(t, err)

	_, ok := p.Matches(domain.ProcessRecord{PID: 10, Name: "ffmpeg", ExecutablePath: "/opt/university/bin/ffmpeg"})
	assert.False(t, ok, "exempted path")

	_, ok = p.Matches(domain.ProcessRecord{PID: 99, Name: "ffmpeg"})
	assert.False(t, ok, "protected pid")

	_, ok = p.Matches(domain.ProcessRecord{PID: 11, Name: "ffmpeg", ExecutablePath: "/usr/bin/ffmpeg"})
	assert.True(t, ok)
}

func TestMatches_CriticalProcessNeverMatches(t *testing.T) {
	p, err := Load(Config{Rules: []domain.PolicySignature{nameRule("explorer.exe", domain.SeverityCritical)}})
	require.NoError(t, err)

	_, ok := p.Matches(domain.ProcessRecord{PID: 10, Name: "explorer.exe"})

	assert.False(t, ok)
}

func TestLoad_RuleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `
rules:
  - match_kind: name
    pattern: cheat-tool.exe
    severity: critical
exemptions:
  - match_kind: name
    pattern: allowed.exe
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	p, err := Load(Config{
		Rules: []domain.PolicySignature{nameRule("first.exe", domain.SeverityWarning)},
		File:  path,
	})
	require.NoError(t, err)

	sigs := p.Signatures()
	require.Len(t, sigs, 2)
	assert.Equal(t, "first.exe", sigs[0].Pattern)
	assert.Equal(t, "cheat-tool.exe", sigs[1].Pattern)
	assert.True(t, p.IsExempt(domain.ProcessRecord{PID: 5, Name: "allowed.exe"}))
}

func TestLoad_MissingRuleFile(t *testing.T) {
	_, err := Load(Config{File: filepath.Join(t.TempDir(), "missing.yaml")})

	assert.Error(t, err)
}

func TestCaptureMatcher(t *testing.T) {
	m, err := NewCaptureMatcher(DefaultCaptureSignatures)
	require.NoError(t, err)

	_, ok := m.Match("OBS 30.0.2 - Profile: Untitled")
	assert.True(t, ok)
	_, ok = m.Match("TeamViewer")
	assert.True(t, ok)
	_, ok = m.Match("Entire screen")
	assert.False(t, ok)

	_, err = NewCaptureMatcher([]string{"(bad"})
	var pe *domain.PolicyError
	assert.ErrorAs(t, err, &pe)
}

func TestRegistry_KeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, []string{"remote_access", "screen_capture", "vpn", "messaging"}, r.List())
	for _, s := range r.GetAll() {
		assert.NotEmpty(t, s.Name())
		assert.NotEmpty(t, s.Signatures())
	}
}

func TestProcessNames(t *testing.T) {
	names := ProcessNames(NewVPNSet())

	assert.Contains(t, names, "openvpn")
	assert.Contains(t, names, "tailscaled")
	for _, n := range names {
		assert.Equal(t, lower(n), n)
	}
}
