package provider

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------
// Fixtures
// -----------------------------------------------------------------------------

// Fixtures is the root of a YAML fixtures file.
type Fixtures struct {
	Applications       []Application       `yaml:"applications"`
	ApplicationConfigs []ApplicationConfig `yaml:"application_configs"`
	TraitPolicies      []TraitPolicy       `yaml:"trait_policies"`
	VectorDBs          []VectorDB          `yaml:"vector_dbs"`
	VectorDBPolicies   []VectorDBPolicy    `yaml:"vector_db_policies"`
	UserGroups         map[string][]string `yaml:"user_groups"`
}

// LoadFixtures reads a YAML fixtures file. A missing file yields empty
// fixtures.
func LoadFixtures(path string) (*Fixtures, error) {
	if path == "" {
		return &Fixtures{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Fixtures{}, nil
		}
		return nil, fmt.Errorf("fixtures read: %w", err)
	}
	return ParseFixtures(data)
}

// ParseFixtures decodes YAML fixtures and normalizes trait verdicts and
// metadata operators. Policies the engine could not evaluate are rejected.
func ParseFixtures(data []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("fixtures unmarshal: %w", err)
	}
	for i := range f.TraitPolicies {
		if err := f.TraitPolicies[i].Normalize(); err != nil {
			return nil, fmt.Errorf("fixtures: %w", err)
		}
	}
	for i := range f.VectorDBPolicies {
		if err := f.VectorDBPolicies[i].Normalize(); err != nil {
			return nil, fmt.Errorf("fixtures: %w", err)
		}
	}
	return &f, nil
}

// -----------------------------------------------------------------------------
// Static Provider
// -----------------------------------------------------------------------------

// StaticProvider serves data from in-memory fixtures. It never mutates its
// fixtures and is safe for concurrent use.
type StaticProvider struct {
	fixtures *Fixtures
}

// NewStaticProvider creates a provider over the given fixtures.
func NewStaticProvider(fixtures *Fixtures) *StaticProvider {
	if fixtures == nil {
		fixtures = &Fixtures{}
	}
	return &StaticProvider{fixtures: fixtures}
}

var _ DataProvider = (*StaticProvider)(nil)

// GetUserGroups implements DataProvider.
func (p *StaticProvider) GetUserGroups(ctx context.Context, user string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), p.fixtures.UserGroups[user]...), nil
}

// GetApplicationDetails implements DataProvider.
func (p *StaticProvider) GetApplicationDetails(ctx context.Context, appKey string) (*Application, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := range p.fixtures.Applications {
		if p.fixtures.Applications[i].Key == appKey {
			app := p.fixtures.Applications[i]
			return &app, nil
		}
	}
	return nil, fmt.Errorf("application %q: %w", appKey, ErrNotFound)
}

// GetApplicationConfig implements DataProvider.
func (p *StaticProvider) GetApplicationConfig(ctx context.Context, appKey string) (*ApplicationConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := range p.fixtures.ApplicationConfigs {
		if p.fixtures.ApplicationConfigs[i].ApplicationKey == appKey {
			cfg := p.fixtures.ApplicationConfigs[i]
			return &cfg, nil
		}
	}
	return nil, fmt.Errorf("application config %q: %w", appKey, ErrNotFound)
}

// GetApplicationPolicies implements DataProvider.
func (p *StaticProvider) GetApplicationPolicies(ctx context.Context, q PolicyQuery) ([]TraitPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []TraitPolicy
	for i := range p.fixtures.TraitPolicies {
		policy := &p.fixtures.TraitPolicies[i]
		if policy.ApplicationKey != q.ApplicationKey {
			continue
		}
		if MatchesTraitPolicy(policy, q) {
			out = append(out, *policy)
		}
	}
	SortTraitPolicies(out)
	return out, nil
}

// GetVectorDBDetails implements DataProvider.
func (p *StaticProvider) GetVectorDBDetails(ctx context.Context, name string) (*VectorDB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := range p.fixtures.VectorDBs {
		if p.fixtures.VectorDBs[i].Name == name {
			vdb := p.fixtures.VectorDBs[i]
			return &vdb, nil
		}
	}
	return nil, fmt.Errorf("vector db %q: %w", name, ErrNotFound)
}

// GetVectorDBPolicies implements DataProvider.
func (p *StaticProvider) GetVectorDBPolicies(ctx context.Context, vectorDBID int64, user string, groups []string) ([]VectorDBPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []VectorDBPolicy
	for i := range p.fixtures.VectorDBPolicies {
		policy := &p.fixtures.VectorDBPolicies[i]
		if policy.VectorDBID != vectorDBID {
			continue
		}
		if MatchesVectorDBPolicy(policy, user, groups) {
			out = append(out, *policy)
		}
	}
	SortVectorDBPolicies(out)
	return out, nil
}
