package seed

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"tabula/internal/descriptor"
	"tabula/internal/engine"
)

// Load reads every *.yaml/*.yml descriptor under dir and submits it through
// the engine, so seeds go through the same validation and migration path as
// API submissions. A missing directory is not an error; a broken file is.
func Load(ctx context.Context, eng *engine.Engine, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml") {
			names = append(names, e.Name())
		}
	}
	// Lexical order so ref targets can be seeded before their referrers
	// with numeric prefixes (10_customer.yaml, 20_invoice.yaml).
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var d descriptor.EntityDescriptor
		if err := yaml.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		if d.Name == "" {
			d.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		saved, err := eng.SubmitDescriptor(ctx, &d, false)
		if err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		log.Printf("seed: %s v%d", saved.Key(), saved.Version)
	}
	return nil
}
