package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-tilize/internal/geometry"
)

// File is the on-disk form of a queue descriptor set.
type File struct {
	Queues []*geometry.Descriptor `yaml:"queues"`
}

// LoadDescriptors reads and validates a descriptor YAML file.
func LoadDescriptors(path string) ([]*geometry.Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptors: %w", err)
	}
	return ParseDescriptors(b)
}

// ParseDescriptors decodes a descriptor set. Names must be unique.
func ParseDescriptors(b []byte) ([]*geometry.Descriptor, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode descriptors: %w", err)
	}
	if len(f.Queues) == 0 {
		return nil, fmt.Errorf("%w: no queues", geometry.ErrInvalidDescriptor)
	}
	names := make(map[string]bool, len(f.Queues))
	for _, d := range f.Queues {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if names[d.Name] {
			return nil, fmt.Errorf("%w: duplicate queue %q", geometry.ErrInvalidDescriptor, d.Name)
		}
		names[d.Name] = true
	}
	return f.Queues, nil
}
