// Package pricing loads per-model price overrides from a YAML file.
//
// The file maps model names to per-1K-token prices:
//
//	models:
//	  gpt-4o:
//	    input_per_1k: 0.0025
//	    output_per_1k: 0.01
package pricing

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/observability"
)

// File is the on-disk pricing document.
type File struct {
	Models map[string]domain.PricingConfig `yaml:"models"`
}

// Load reads and parses a pricing file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	return Parse(data)
}

// Parse decodes pricing YAML.
func Parse(data []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}

	if file.Models == nil {
		file.Models = make(map[string]domain.PricingConfig)
	}

	return &file, nil
}

// Apply registers every model in the file, replacing built-in prices.
// Models are applied in lexical order so a bad entry fails deterministically.
func (f *File) Apply(ctx context.Context, registry domain.PricingRegistry) error {
	models := make([]string, 0, len(f.Models))
	for model := range f.Models {
		models = append(models, model)
	}
	sort.Strings(models)

	for _, model := range models {
		if err := registry.RegisterPricing(ctx, model, f.Models[model]); err != nil {
			return fmt.Errorf("failed to apply pricing override: %w", err)
		}
	}

	observability.FromContext(ctx).Info("pricing overrides applied",
		observability.Int("models", len(models)))

	return nil
}

// LoadInto applies the file at path to the registry. An empty path is a no-op.
func LoadInto(ctx context.Context, path string, registry domain.PricingRegistry) error {
	if path == "" {
		return nil
	}

	file, err := Load(path)
	if err != nil {
		return err
	}

	return file.Apply(ctx, registry)
}
