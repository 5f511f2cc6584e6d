// Package chart loads the closed set of valid ledger accounts per
// tenant. The external reasoning fallback must choose from this set.
package chart

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/pkg/reasoner"
)

// Account is one chart entry.
type Account struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// File is the on-disk chart: accounts per tenant, with the "*" tenant
// as the global default set.
type File struct {
	Tenants map[string][]Account `yaml:"tenants"`
}

// Provider serves per-tenant account sets. Immutable after Load and
// safe for concurrent use.
type Provider struct {
	byTenant map[string][]reasoner.AccountOption
}

// Load reads a chart file. Tenants without their own section fall back
// to the global default set; an empty chart is a configuration error.
func Load(path string) (*Provider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "chart: read %s", path)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrapf(err, "chart: parse %s", path)
	}
	return Compile(f)
}

// Compile validates an in-memory chart.
func Compile(f File) (*Provider, error) {
	if len(f.Tenants) == 0 {
		return nil, eris.New("chart: no accounts defined")
	}
	p := &Provider{byTenant: make(map[string][]reasoner.AccountOption, len(f.Tenants))}
	for tenant, accounts := range f.Tenants {
		opts := make([]reasoner.AccountOption, 0, len(accounts))
		seen := make(map[string]struct{}, len(accounts))
		for _, a := range accounts {
			if a.ID == "" {
				return nil, eris.Errorf("chart: tenant %s has an account with no id", tenant)
			}
			if _, dup := seen[a.ID]; dup {
				return nil, eris.Errorf("chart: tenant %s duplicates account %s", tenant, a.ID)
			}
			seen[a.ID] = struct{}{}
			opts = append(opts, reasoner.AccountOption{ID: a.ID, Name: a.Name})
		}
		p.byTenant[tenant] = opts
	}
	return p, nil
}

// Accounts returns the tenant's account set, falling back to the
// global default.
func (p *Provider) Accounts(_ context.Context, tenantID string) ([]reasoner.AccountOption, error) {
	if opts, ok := p.byTenant[tenantID]; ok {
		return opts, nil
	}
	if opts, ok := p.byTenant[model.GlobalTenant]; ok {
		return opts, nil
	}
	return nil, eris.Errorf("chart: no accounts for tenant %s and no global default", tenantID)
}
