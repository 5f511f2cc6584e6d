// Package rules implements the deterministic pattern rule matcher:
// versioned, ordered regex rules over normalized vendor text, evaluated
// per tenant with a global default set as fallback.
package rules

import (
	"os"
	"regexp"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/quillbooks/quill/internal/model"
)

// Rule is one pattern → account mapping. Lower Priority values are
// evaluated first; the first matching rule wins outright.
type Rule struct {
	ID       string `yaml:"id"`
	Pattern  string `yaml:"pattern"`
	Account  string `yaml:"account"`
	Priority int    `yaml:"priority"`
}

// RuleSet is the on-disk rule file: one versioned set of rules per
// tenant, with the "*" tenant acting as the global default.
type RuleSet struct {
	Version string            `yaml:"version"`
	Tenants map[string][]Rule `yaml:"tenants"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Matcher evaluates compiled rules for a tenant. It is immutable after
// Load and safe for concurrent use.
type Matcher struct {
	version    string
	confidence float64
	byTenant   map[string][]compiledRule
}

// Load reads and compiles a rule set from the given YAML file.
// Malformed rule definitions fail here, never at match time.
func Load(path string, confidence float64) (*Matcher, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: read %s", path)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return nil, eris.Wrapf(err, "rules: parse %s", path)
	}
	return Compile(rs, confidence)
}

// Compile validates and compiles an in-memory rule set.
func Compile(rs RuleSet, confidence float64) (*Matcher, error) {
	if rs.Version == "" {
		return nil, eris.New("rules: rule set has no version")
	}
	if confidence <= 0 || confidence > 1 {
		return nil, eris.Errorf("rules: confidence must be in (0,1], got %v", confidence)
	}

	m := &Matcher{
		version:    rs.Version,
		confidence: confidence,
		byTenant:   make(map[string][]compiledRule, len(rs.Tenants)),
	}
	for tenant, list := range rs.Tenants {
		compiled := make([]compiledRule, 0, len(list))
		seen := make(map[string]bool, len(list))
		for _, r := range list {
			if r.ID == "" {
				return nil, eris.Errorf("rules: tenant %q has a rule with no id", tenant)
			}
			if seen[r.ID] {
				return nil, eris.Errorf("rules: tenant %q has duplicate rule id %q", tenant, r.ID)
			}
			seen[r.ID] = true
			if r.Account == "" {
				return nil, eris.Errorf("rules: rule %q has no account", r.ID)
			}
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				return nil, eris.Wrapf(err, "rules: rule %q pattern", r.ID)
			}
			compiled = append(compiled, compiledRule{Rule: r, re: re})
		}
		// Stable priority order; ties break on rule id so evaluation
		// order never depends on file order.
		sort.SliceStable(compiled, func(i, j int) bool {
			if compiled[i].Priority != compiled[j].Priority {
				return compiled[i].Priority < compiled[j].Priority
			}
			return compiled[i].ID < compiled[j].ID
		})
		m.byTenant[tenant] = compiled
	}
	return m, nil
}

// Version returns the loaded rule set version.
func (m *Matcher) Version() string { return m.version }

// Match evaluates the tenant's rules (falling back to the global set)
// against the vendor text. Returns nil when nothing matches; absence of
// a match is not an error.
func (m *Matcher) Match(vendorText, tenantID string) *model.RuleHit {
	key := model.NormalizeVendor(vendorText)
	if hit := m.matchSet(m.byTenant[tenantID], key); hit != nil {
		return hit
	}
	if tenantID != model.GlobalTenant {
		return m.matchSet(m.byTenant[model.GlobalTenant], key)
	}
	return nil
}

func (m *Matcher) matchSet(rules []compiledRule, vendorKey string) *model.RuleHit {
	for _, r := range rules {
		if r.re.MatchString(vendorKey) {
			return &model.RuleHit{
				RuleID:      r.ID,
				Account:     r.Account,
				Confidence:  m.confidence,
				RuleVersion: m.version,
			}
		}
	}
	return nil
}

// TenantRules returns a copy of the compiled rules for a tenant, used
// by the rules list/dry-run commands.
func (m *Matcher) TenantRules(tenantID string) []Rule {
	compiled := m.byTenant[tenantID]
	out := make([]Rule, len(compiled))
	for i, r := range compiled {
		out[i] = r.Rule
	}
	return out
}
