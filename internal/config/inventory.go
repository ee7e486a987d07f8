package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AddressLocal names an in-process engine in an inventory.
const AddressLocal = "local"

// Inventory is the engine inventory read from a YAML file:
//
//	engines:
//	  - address: tcp://10.0.0.5:7070
//	    id: 2
//	    properties: {os: linux, cores: 8}
//	  - address: local
//	    count: 4
type Inventory struct {
	Engines []EngineSpec `yaml:"engines"`
}

// EngineSpec describes one inventory entry.
type EngineSpec struct {
	Address string `yaml:"address"`

	// ID requests a specific engine id. Only valid with Count 1.
	ID *int `yaml:"id,omitempty"`

	// Count registers the entry this many times. Zero means one.
	Count int `yaml:"count,omitempty"`

	// Properties apply to local engines; remote engines report their own.
	Properties map[string]any `yaml:"properties,omitempty"`
}

// Local reports whether the entry is an in-process engine.
func (s EngineSpec) Local() bool {
	return s.Address == AddressLocal
}

// LoadInventory reads and validates the inventory at path.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	inv, err := ParseInventory(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return inv, nil
}

// ParseInventory decodes and validates a YAML inventory.
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}

	for i := range inv.Engines {
		s := &inv.Engines[i]
		if s.Count == 0 {
			s.Count = 1
		}
		switch {
		case s.Address == "":
			return nil, fmt.Errorf("engine %d: address is required", i)
		case !s.Local() && !strings.HasPrefix(s.Address, "tcp://") && !strings.HasPrefix(s.Address, "vsock://"):
			return nil, fmt.Errorf("engine %d: unsupported address %q", i, s.Address)
		case s.Count < 0:
			return nil, fmt.Errorf("engine %d: count must be >= 0, got %d", i, s.Count)
		case s.ID != nil && s.Count > 1:
			return nil, fmt.Errorf("engine %d: id cannot be combined with count %d", i, s.Count)
		case s.ID != nil && *s.ID < 0:
			return nil, fmt.Errorf("engine %d: invalid id %d", i, *s.ID)
		}
	}
	return &inv, nil
}
