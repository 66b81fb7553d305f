package report

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed milestones.yaml
var defaultCatalogYAML []byte

type catalogEntry struct {
	Key    string `yaml:"key"`
	Title  string `yaml:"title"`
	Domain Domain `yaml:"domain"`
	Min    int    `yaml:"min"`
	Max    int    `yaml:"max"`
}

type catalogFile struct {
	Milestones []catalogEntry `yaml:"milestones"`
}

// Catalog is the list of default milestones offered for a new timeline.
type Catalog struct {
	entries []catalogEntry
}

var (
	defaultCatalogOnce sync.Once
	defaultCatalog     *Catalog
	defaultCatalogErr  error
)

// DefaultCatalog returns the embedded milestone catalog.
func DefaultCatalog() (*Catalog, error) {
	defaultCatalogOnce.Do(func() {
		defaultCatalog, defaultCatalogErr = ParseCatalog(defaultCatalogYAML)
	})
	return defaultCatalog, defaultCatalogErr
}

// ParseCatalog decodes and validates a YAML milestone catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse milestone catalog: %w", err)
	}
	seen := make(map[string]bool, len(f.Milestones))
	for _, e := range f.Milestones {
		if e.Key == "" {
			return nil, fmt.Errorf("milestone catalog: entry %q has no key", e.Title)
		}
		if seen[e.Key] {
			return nil, fmt.Errorf("milestone catalog: duplicate key %q", e.Key)
		}
		seen[e.Key] = true
		m := e.milestone()
		m.Status = StatusNotAchieved
		if err := ValidateMilestone(m); err != nil {
			return nil, fmt.Errorf("milestone catalog: %s: %w", e.Key, err)
		}
	}
	return &Catalog{entries: f.Milestones}, nil
}

func (e catalogEntry) milestone() Milestone {
	return Milestone{
		ID:          e.Key,
		Title:       e.Title,
		Domain:      e.Domain,
		ExpectedAge: AgeRange{MinMonths: e.Min, MaxMonths: e.Max},
	}
}

// Milestones returns fresh copies of the catalog entries, all marked
// not-achieved.
func (c *Catalog) Milestones() []Milestone {
	out := make([]Milestone, 0, len(c.entries))
	for _, e := range c.entries {
		m := e.milestone()
		m.Status = StatusNotAchieved
		out = append(out, m)
	}
	return out
}

// ByDomain groups the catalog by developmental domain.
func (c *Catalog) ByDomain() map[Domain][]Milestone {
	out := make(map[Domain][]Milestone)
	for _, m := range c.Milestones() {
		out[m.Domain] = append(out[m.Domain], m)
	}
	return out
}

func (c *Catalog) Len() int { return len(c.entries) }
