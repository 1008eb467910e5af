package experiments

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads experiment declarations from a YAML file. A missing
// path is not an error; it yields an empty set.
func LoadFile(path string) ([]Experiment, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read experiments %s: %w", path, err)
	}
	var doc struct {
		Experiments []Experiment `yaml:"experiments"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse experiments %s: %w", path, err)
	}
	return doc.Experiments, nil
}
