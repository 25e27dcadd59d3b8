package serv

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/wildoasis/dashcache/core"
	"gopkg.in/yaml.v3"
)

// ReadSeed reads a YAML file mapping resource names to lists of rows:
//
//	cabins:
//	  - id: 1
//	    name: "001"
//	    image: https://example.com/cabin-001.jpg
func ReadSeed(fs afero.Fs, path string) (map[string][]core.Row, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	var raw map[string][]map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}

	seed := make(map[string][]core.Row, len(raw))
	for resource, rows := range raw {
		for _, r := range rows {
			seed[resource] = append(seed[resource], core.Row(r))
		}
	}
	return seed, nil
}

// LoadSeed reads the seed file at path into g
func LoadSeed(g *MemoryGateway, fs afero.Fs, path string) (int, error) {
	seed, err := ReadSeed(fs, path)
	if err != nil {
		return 0, err
	}

	n := 0
	for resource, rows := range seed {
		g.Seed(resource, rows...)
		n += len(rows)
	}
	return n, nil
}
