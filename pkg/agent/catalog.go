package agent

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Pricing is USD per million tokens.
type Pricing struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// ModelSpec is a configured model name.
type ModelSpec struct {
	Name      string
	Provider  string
	Remote    string
	Vision    bool
	MaxTokens int
	Pricing   Pricing
}

// Catalog maps model names to their provider and pricing.
type Catalog struct {
	models    map[string]ModelSpec
	providers map[string]Provider
}

// NewCatalog builds providers for every configuration it can and registers
// models whose provider was built. Providers that fail to build are logged and
// their models are left out, so the router treats them as unavailable.
func NewCatalog(factory *ProviderFactory, providers []ProviderConfig, models []ModelSpec, logger *zerolog.Logger) (*Catalog, error) {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	l = l.With().Str("component", "catalog").Logger()

	c := &Catalog{
		models:    make(map[string]ModelSpec),
		providers: make(map[string]Provider),
	}
	for _, pc := range providers {
		p, err := factory.NewProvider(pc)
		if err != nil {
			l.Warn().Err(err).Str("provider", pc.Name).Msg("Provider unavailable")
			continue
		}
		c.providers[pc.Name] = p
	}
	for _, m := range models {
		if _, ok := c.providers[m.Provider]; !ok {
			l.Warn().Str("model", m.Name).Str("provider", m.Provider).Msg("Model has no usable provider")
			continue
		}
		if m.Remote == "" {
			m.Remote = m.Name
		}
		c.models[m.Name] = m
	}
	if len(c.models) == 0 {
		return nil, fmt.Errorf("no usable models configured")
	}
	return c, nil
}

// NewStaticCatalog wires already-built providers. Used by tests and tools.
func NewStaticCatalog(providers map[string]Provider, models ...ModelSpec) *Catalog {
	c := &Catalog{
		models:    make(map[string]ModelSpec, len(models)),
		providers: providers,
	}
	for _, m := range models {
		if m.Remote == "" {
			m.Remote = m.Name
		}
		c.models[m.Name] = m
	}
	return c
}

// Lookup returns the spec and provider of a model.
func (c *Catalog) Lookup(name string) (ModelSpec, Provider, error) {
	spec, ok := c.models[name]
	if !ok {
		return ModelSpec{}, nil, fmt.Errorf("unknown model: %s", name)
	}
	p, ok := c.providers[spec.Provider]
	if !ok {
		return ModelSpec{}, nil, fmt.Errorf("model %s: provider %s not available", name, spec.Provider)
	}
	return spec, p, nil
}

// Available reports whether name can be called.
func (c *Catalog) Available(name string) bool {
	_, _, err := c.Lookup(name)
	return err == nil
}

// Models lists the callable model names.
func (c *Catalog) Models() []string {
	out := make([]string, 0, len(c.models))
	for name := range c.models {
		if c.Available(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
