package schema

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk form of a startup schema:
//
//	tables:
//	  - name: kv
//	    columns:
//	      - {name: key, type: text, primary_key: true}
//	      - {name: value, type: text, not_null: true}
type File struct {
	Tables []Table `yaml:"tables"`
}

// Load reads and validates a YAML schema file.
// Unknown fields are rejected so that typos ("primarykey:") fail loudly.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML schema content.
func Parse(data []byte) (*File, error) {
	var f File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if len(f.Tables) == 0 {
		return nil, fmt.Errorf("invalid schema: no tables declared")
	}
	names := make(map[string]bool, len(f.Tables))
	for _, t := range f.Tables {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("invalid schema: %w", err)
		}
		if names[t.Name] {
			return nil, fmt.Errorf("invalid schema: table %q declared twice", t.Name)
		}
		names[t.Name] = true
	}
	return &f, nil
}
