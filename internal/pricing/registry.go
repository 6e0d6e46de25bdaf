package pricing

import (
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/card-appraiser/internal/config"
)

// Registry is a YAML file listing price sources.
type Registry struct {
	Defaults RegistryDefaults `yaml:"defaults"`
	Sources  []RegistrySource `yaml:"sources"`
}

// RegistryDefaults apply to sources that leave a field unset.
type RegistryDefaults struct {
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// RegistrySource is one source entry. KeyEnv names an environment variable
// holding the API key so keys stay out of the file.
type RegistrySource struct {
	Name       string  `yaml:"name"`
	BaseURL    string  `yaml:"base_url"`
	KeyEnv     string  `yaml:"key_env"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
	Disabled   bool    `yaml:"disabled"`
}

// LoadRegistry reads a source registry from a YAML file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pricing: read registry %s", path)
	}

	// The YAML has a top-level "price_sources" key
	var wrapper struct {
		PriceSources Registry `yaml:"price_sources"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "pricing: parse registry")
	}
	return &wrapper.PriceSources, nil
}

// SourceConfigs resolves the registry into config entries.
func (r *Registry) SourceConfigs() []config.PriceSourceConfig {
	out := make([]config.PriceSourceConfig, 0, len(r.Sources))
	for _, s := range r.Sources {
		if s.Disabled {
			continue
		}
		sc := config.PriceSourceConfig{
			Name:       s.Name,
			BaseURL:    s.BaseURL,
			RatePerSec: s.RatePerSec,
			Burst:      s.Burst,
		}
		if s.KeyEnv != "" {
			sc.Key = os.Getenv(s.KeyEnv)
		}
		if sc.RatePerSec <= 0 {
			sc.RatePerSec = r.Defaults.RatePerSec
		}
		if sc.Burst <= 0 {
			sc.Burst = r.Defaults.Burst
		}
		out = append(out, sc)
	}
	return out
}

// BuildSources merges pricing.sources with the registry file (inline
// entries win on name clashes) and builds an HTTPSource for each.
func BuildSources(cfg config.PricingConfig) ([]Source, error) {
	entries := append([]config.PriceSourceConfig(nil), cfg.Sources...)
	if cfg.RegistryPath != "" {
		reg, err := LoadRegistry(cfg.RegistryPath)
		if err != nil {
			return nil, err
		}
		entries = append(entries, reg.SourceConfigs()...)
	}

	timeout := time.Duration(cfg.SourceTimeoutSecs) * time.Second
	seen := map[string]bool{}
	var sources []Source
	for i, sc := range entries {
		name := strings.TrimSpace(sc.Name)
		if name == "" || sc.BaseURL == "" {
			return nil, eris.Errorf("pricing: source %d needs name and base_url", i)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		sc.Name = name
		sources = append(sources, NewHTTPSource(sc, timeout))
	}
	return sources, nil
}

func rateOf(perSec float64) rate.Limit {
	if perSec <= 0 {
		return 0
	}
	return rate.Limit(perSec)
}
