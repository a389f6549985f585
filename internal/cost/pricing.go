package cost

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultModel is the fallback pricing key for unknown models.
const DefaultModel = "default"

// ModelPrice is USD per million tokens.
type ModelPrice struct {
	InputPerMillion  float64 `yaml:"input"`
	OutputPerMillion float64 `yaml:"output"`
}

// Cost prices a single call.
func (p ModelPrice) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1_000_000*p.InputPerMillion + float64(tokensOut)/1_000_000*p.OutputPerMillion
}

// Pricing maps model identifiers to prices. It always carries DefaultModel.
type Pricing map[string]ModelPrice

// DefaultPricing returns the built-in table.
func DefaultPricing() Pricing {
	return Pricing{
		"gpt-4o":            {5.00, 15.00},
		"gpt-4o-mini":       {0.15, 0.60},
		"gpt-4-turbo":       {10.00, 30.00},
		"gpt-3.5-turbo":     {0.50, 1.50},
		"claude-3-opus":     {15.00, 75.00},
		"claude-3-sonnet":   {3.00, 15.00},
		"claude-3-haiku":    {0.25, 1.25},
		"claude-3.5-sonnet": {3.00, 15.00},
		DefaultModel:        {5.00, 15.00},
	}
}

// Lookup returns the model's price or the default entry.
func (p Pricing) Lookup(model string) ModelPrice {
	if mp, ok := p[model]; ok {
		return mp
	}
	return p[DefaultModel]
}

type pricingFile struct {
	Models map[string]ModelPrice `yaml:"models"`
}

// LoadPricing reads a YAML override file and merges it over the built-in
// table. An empty path returns the defaults.
//
//	models:
//	  gpt-4o: {input: 5.0, output: 15.0}
//	  default: {input: 5.0, output: 15.0}
func LoadPricing(path string) (Pricing, error) {
	pricing := DefaultPricing()
	if path == "" {
		return pricing, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var f pricingFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	for model, price := range f.Models {
		if price.InputPerMillion < 0 || price.OutputPerMillion < 0 {
			return nil, fmt.Errorf("pricing for %q must not be negative", model)
		}
		pricing[model] = price
	}
	return pricing, nil
}
