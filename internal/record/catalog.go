package record

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk seed format: a YAML file listing products.
//
// Example:
//
//	products:
//	  - id: "1"
//	    name: Burger
//	    price: 5.99
type Catalog struct {
	Products []Product `yaml:"products"`
}

// ReadCatalogFile reads and validates a YAML product catalog.
// Invalid products fail the whole read; a seed file is authored by an
// operator and should not be partially applied.
func ReadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}

	for i := range catalog.Products {
		if err := catalog.Products[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid product in %s: %w", path, err)
		}
	}

	return &catalog, nil
}

// WriteCatalogFile writes a catalog to disk as YAML.
func WriteCatalogFile(path string, catalog *Catalog) error {
	for i := range catalog.Products {
		if err := catalog.Products[i].Validate(); err != nil {
			return fmt.Errorf("cannot write invalid catalog: %w", err)
		}
	}

	data, err := yaml.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog file %s: %w", path, err)
	}

	return nil
}
