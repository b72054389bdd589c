package ledger

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ternarybob/dispatch/internal/models"
)

// PricingTable resolves per-token rates for a provider model id
type PricingTable interface {
	Rate(model string) (models.ModelPricing, bool)
}

// StaticPricing is an in-memory pricing table keyed by lower-cased provider model id
type StaticPricing map[string]models.ModelPricing

// pricingFile is the YAML layout read by LoadPricingFile
type pricingFile struct {
	Version string                `yaml:"version"`
	Rates   []models.ModelPricing `yaml:"rates"`
}

// DefaultPricing returns list prices (USD per million tokens) for the models the scheduler ships configured for
func DefaultPricing() StaticPricing {
	return NewStaticPricing(
		models.ModelPricing{Model: "gemini-2.5-flash", InputPerMToken: 0.30, OutputPerMToken: 2.50},
		models.ModelPricing{Model: "gemini-2.5-flash-lite", InputPerMToken: 0.10, OutputPerMToken: 0.40},
		models.ModelPricing{Model: "gemini-2.5-pro", InputPerMToken: 1.25, OutputPerMToken: 10.00},
		models.ModelPricing{Model: "claude-sonnet-4-20250514", InputPerMToken: 3.00, OutputPerMToken: 15.00},
		models.ModelPricing{Model: "claude-3-5-haiku-20241022", InputPerMToken: 0.80, OutputPerMToken: 4.00},
	)
}

// NewStaticPricing builds a table from rate rows. Later rows win on duplicate models.
func NewStaticPricing(rates ...models.ModelPricing) StaticPricing {
	p := make(StaticPricing, len(rates))
	p.Merge(rates...)
	return p
}

// Merge adds or replaces rates
func (p StaticPricing) Merge(rates ...models.ModelPricing) {
	for _, r := range rates {
		if r.Model == "" {
			continue
		}
		p[normalizeModel(r.Model)] = r
	}
}

// Rate returns the rate for a model. Provider prefixes such as "gemini/" are ignored.
func (p StaticPricing) Rate(model string) (models.ModelPricing, bool) {
	r, ok := p[normalizeModel(model)]
	return r, ok
}

// LoadPricingFile reads a YAML pricing table
func LoadPricingFile(path string) (StaticPricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file %s: %w", path, err)
	}

	var file pricingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file %s: %w", path, err)
	}

	for i, r := range file.Rates {
		if r.Model == "" {
			return nil, fmt.Errorf("pricing file %s: rate %d has no model", path, i+1)
		}
		if r.InputPerMToken < 0 || r.OutputPerMToken < 0 {
			return nil, fmt.Errorf("pricing file %s: negative rate for %s", path, r.Model)
		}
	}

	return NewStaticPricing(file.Rates...), nil
}

func normalizeModel(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if i := strings.Index(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	return model
}
