package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webmirror/internal/model"
)

const sampleRules = `
- domains: [twitter.com, x.com]
  strategy: render
  headers:
    user-agent: custom-agent
    referer: none
- domain: Example.ORG
  strategy: passthrough
- domain: news.example.net
  headers:
    cookie: consent=yes
`

func TestParse(t *testing.T) {
	rs, err := Parse([]byte(sampleRules))
	require.NoError(t, err)
	require.Len(t, rs, 3)

	assert.Equal(t, model.StrategyRender, rs[0].Strategy)
	assert.Equal(t, "custom-agent", rs[0].Headers.UserAgent)
	assert.Equal(t, "none", rs[0].Headers.Referer)
	assert.Equal(t, []string{"example.org"}, rs[1].AllDomains())
	assert.Equal(t, model.Strategy(""), rs[2].Strategy)
	assert.Equal(t, "consent=yes", rs[2].Headers.Cookie)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"syntax", "- domain: [unclosed"},
		{"no domain", "- strategy: render\n"},
		{"blank domain", "- domains: [\" \"]\n"},
		{"unknown strategy", "- domain: a.com\n  strategy: teleport\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestRuleSet_Match(t *testing.T) {
	rs, err := Parse([]byte(sampleRules))
	require.NoError(t, err)

	tests := []struct {
		host     string
		wantOK   bool
		strategy model.Strategy
	}{
		{"twitter.com", true, model.StrategyRender},
		{"mobile.twitter.com", true, model.StrategyRender},
		{"X.COM", true, model.StrategyRender},
		{"x.com.", true, model.StrategyRender},
		{"example.org", true, model.StrategyPassthrough},
		{"www.example.org", true, model.StrategyPassthrough},
		{"notexample.org", false, ""},
		{"news.example.net", true, ""},
		{"example.net", false, ""},
		{"", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			rule, ok := rs.Match(tt.host)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.strategy, rule.Strategy)
		})
	}
}

func TestRuleSet_WithRenderDomains(t *testing.T) {
	base := RuleSet{{Domain: "spa.example.com", Strategy: model.StrategyPassthrough}}
	rs := base.WithRenderDomains([]string{"SPA.example.com", "app.example.org", ""})

	assert.Len(t, rs, 3)
	assert.Len(t, base, 1, "receiver must not be modified")

	rule, ok := rs.Match("spa.example.com")
	require.True(t, ok)
	assert.Equal(t, model.StrategyPassthrough, rule.Strategy, "earlier rule keeps precedence")

	rule, ok = rs.Match("www.app.example.org")
	require.True(t, ok)
	assert.Equal(t, model.StrategyRender, rule.Strategy)
}

func TestRuleSet_WithoutRender(t *testing.T) {
	rs := RuleSet{
		{Domain: "a.com", Strategy: model.StrategyRender},
		{Domain: "b.com", Strategy: model.StrategyPassthrough},
	}
	got := rs.WithoutRender()

	assert.Equal(t, model.StrategyRewrite, got[0].Strategy)
	assert.Equal(t, model.StrategyPassthrough, got[1].Strategy)
	assert.Equal(t, model.StrategyRender, rs[0].Strategy, "receiver must not be modified")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("- domain: a.com\n  strategy: render\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "b.yml"), []byte("- domain: b.com\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	single := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(single, []byte("- domain: c.com\n"), 0o644))

	rs, err := Load(dir+" ; "+single, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.com", "b.com", "c.com"}, rs.Domains())
}

func TestLoad_Empty(t *testing.T) {
	rs, err := Load("", nil)
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestLoad_Errors(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("- strategy: render\n"), 0o644))

	_, err := Load(bad+";/nonexistent/rules", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
	assert.Contains(t, err.Error(), "/nonexistent/rules")
}
