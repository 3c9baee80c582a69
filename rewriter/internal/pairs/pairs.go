package pairs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Key identifies one communicating address pair independently of packet
// direction: the two addresses are stored in lexicographic order, so
// (a, b) and (b, a) produce the same key.
type Key struct {
	Lo string
	Hi string
}

func NewKey(a, b string) Key {
	if b < a {
		a, b = b, a
	}
	return Key{Lo: a, Hi: b}
}

func (m Key) String() string {
	return m.Lo + "," + m.Hi
}

// Assignment holds the replacement addresses chosen for one pair.
type Assignment struct {
	Server string `yaml:"server"`
	Client string `yaml:"client"`
	// Processed flips to true once every rewrite pass for the pair has
	// completed. Within a single run it only guards against double
	// processing; it is persisted for inspection.
	Processed bool `yaml:"processed"`
}

// Registry maps canonical pair keys to their assignments, remembering the
// order in which pairs were first seen. The key set is fixed once
// discovery completes; only Processed is mutated afterwards.
type Registry struct {
	order   []Key
	entries map[Key]*Assignment
}

func NewRegistry() *Registry {
	return &Registry{
		entries: map[Key]*Assignment{},
	}
}

// Add inserts a new pair. It reports false without modifying the registry
// if the key is already present.
func (m *Registry) Add(key Key, assignment *Assignment) bool {
	if _, ok := m.entries[key]; ok {
		return false
	}

	m.order = append(m.order, key)
	m.entries[key] = assignment
	return true
}

func (m *Registry) Get(key Key) (*Assignment, bool) {
	assignment, ok := m.entries[key]
	return assignment, ok
}

func (m *Registry) Len() int {
	return len(m.order)
}

// Keys returns the pair keys in discovery order.
func (m *Registry) Keys() []Key {
	return m.order
}

// Save writes the registry as a YAML mapping keyed by the canonical pair
// string. The file is a diagnostic artifact consumed by pairs-viewer.
func (m *Registry) Save(path string) error {
	dump := make(map[string]*Assignment, len(m.entries))
	for key, assignment := range m.entries {
		dump[key.String()] = assignment
	}

	data, err := yaml.Marshal(dump)
	if err != nil {
		return fmt.Errorf("failed to marshal pairs: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pairs file: %w", err)
	}

	return nil
}
