// Package rules loads per-domain overrides from YAML rule files.
//
// A rule file holds a list of rules:
//
//	# rules.yaml
//	- domains: [twitter.com, x.com]
//	  strategy: render
//	  headers:
//	    user-agent: Mozilla/5.0 ...
//	    accept-language: ja,en;q=0.8
//	- domain: example.org
//	  strategy: passthrough
//
// A rule matches a hostname equal to one of its domains or any subdomain of
// them. The first matching rule wins.
package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"webmirror/internal/model"
)

// Headers are outbound request headers applied when fetching a matching host.
// The value "none" suppresses a header that would otherwise be sent.
type Headers struct {
	UserAgent      string `yaml:"user-agent,omitempty"`
	AcceptLanguage string `yaml:"accept-language,omitempty"`
	Referer        string `yaml:"referer,omitempty"`
	Cookie         string `yaml:"cookie,omitempty"`
}

// Rule is a single per-domain override.
type Rule struct {
	Domain   string         `yaml:"domain,omitempty"`
	Domains  []string       `yaml:"domains,omitempty"`
	Strategy model.Strategy `yaml:"strategy,omitempty"`
	Headers  Headers        `yaml:"headers,omitempty"`
}

// AllDomains returns Domain and Domains combined, lower-cased.
func (r Rule) AllDomains() []string {
	out := make([]string, 0, len(r.Domains)+1)
	if r.Domain != "" {
		out = append(out, normalizeHost(r.Domain))
	}
	for _, d := range r.Domains {
		out = append(out, normalizeHost(d))
	}
	return out
}

// RuleSet is an ordered list of rules.
type RuleSet []Rule

// Match returns the first rule whose domains cover host.
func (rs RuleSet) Match(host string) (Rule, bool) {
	host = normalizeHost(host)
	if host == "" {
		return Rule{}, false
	}
	for _, rule := range rs {
		for _, d := range rule.AllDomains() {
			if host == d || strings.HasSuffix(host, "."+d) {
				return rule, true
			}
		}
	}
	return Rule{}, false
}

// Domains returns every domain named by the rule set.
func (rs RuleSet) Domains() []string {
	var domains []string
	for _, rule := range rs {
		domains = append(domains, rule.AllDomains()...)
	}
	return domains
}

// Count returns the number of rules.
func (rs RuleSet) Count() int {
	return len(rs)
}

// WithRenderDomains appends a render rule for each domain. Rules already in
// the set keep precedence because Match returns the first hit.
func (rs RuleSet) WithRenderDomains(domains []string) RuleSet {
	out := make(RuleSet, 0, len(rs)+len(domains))
	out = append(out, rs...)
	for _, d := range domains {
		if d = normalizeHost(d); d != "" {
			out = append(out, Rule{Domain: d, Strategy: model.StrategyRender})
		}
	}
	return out
}

// WithoutRender downgrades render overrides to rewrite. It is used when
// headless rendering is disabled so that matching hosts still get mirrored.
func (rs RuleSet) WithoutRender() RuleSet {
	out := make(RuleSet, len(rs))
	for i, rule := range rs {
		if rule.Strategy == model.StrategyRender {
			rule.Strategy = model.StrategyRewrite
		}
		out[i] = rule
	}
	return out
}

// Load reads rules from one or more paths separated by ';'. Each path is a
// YAML file or a directory walked for *.yml and *.yaml files. An empty
// paths string yields an empty rule set.
func Load(paths string, logger *slog.Logger) (RuleSet, error) {
	var ruleSet RuleSet
	var errs []error

	for _, p := range strings.Split(paths, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		rules, err := loadPath(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("load rules from %q: %w", p, err))
			continue
		}
		ruleSet = append(ruleSet, rules...)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if logger != nil && len(ruleSet) > 0 {
		logger.Info("loaded rules", "rules", ruleSet.Count(), "domains", len(ruleSet.Domains()))
	}
	return ruleSet, nil
}

func loadPath(root string) (RuleSet, error) {
	var rules RuleSet
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		parsed, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		rules = append(rules, parsed...)
		return nil
	})
	return rules, err
}

// Parse decodes and validates a YAML rule document.
func Parse(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("syntax error: %w", err)
	}
	for i, rule := range rs {
		if len(rule.AllDomains()) == 0 {
			return nil, fmt.Errorf("rule %d: no domain", i)
		}
		for _, d := range rule.AllDomains() {
			if d == "" {
				return nil, fmt.Errorf("rule %d: empty domain", i)
			}
		}
		if rule.Strategy != "" && !rule.Strategy.Valid() {
			return nil, fmt.Errorf("rule %d: unknown strategy %q", i, rule.Strategy)
		}
	}
	return rs, nil
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}
