package directory

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// personaSeedFile is the YAML shape of a persona catalogue seed file.
type personaSeedFile struct {
	Personas []*Persona `yaml:"personas"`
}

// SeedPersonasFromFile loads a YAML persona catalogue and upserts it into
// the directory. A missing path is not an error; the catalogue is optional.
func SeedPersonasFromFile(ctx context.Context, store Store, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read persona seed file: %w", err)
	}

	var seed personaSeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse persona seed file: %w", err)
	}
	if len(seed.Personas) == 0 {
		return nil
	}
	return store.SeedPersonas(ctx, seed.Personas)
}
