package rules

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog/default.yaml
var defaultCatalog []byte

// LoadCatalog decodes and validates a YAML list of rule definitions
func LoadCatalog(r io.Reader) ([]*Rule, error) {
	var defs []*Rule
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode rule catalog: %w", err)
	}

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.Priority == "" {
			def.Priority = PriorityMedium
		}
		if err := ValidateRule(def); err != nil {
			return nil, fmt.Errorf("catalog rule %q: %w", def.ID, err)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("catalog rule %q: %w", def.ID, ErrRuleExists)
		}
		seen[def.ID] = true
	}
	return defs, nil
}

// LoadCatalogFile loads a catalog from disk
func LoadCatalogFile(path string) ([]*Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

// DefaultCatalog returns the built-in seed rules
func DefaultCatalog() ([]*Rule, error) {
	return LoadCatalog(bytes.NewReader(defaultCatalog))
}

// Seed adds every catalog rule the store does not already hold and returns how
// many were added. Existing rules are left untouched.
func Seed(store RuleStore, defs []*Rule) (int, error) {
	added := 0
	for _, def := range defs {
		err := store.Add(def.Clone())
		if errors.Is(err, ErrRuleExists) {
			continue
		}
		if err != nil {
			return added, fmt.Errorf("failed to seed rule %s: %w", def.ID, err)
		}
		added++
	}
	return added, nil
}
