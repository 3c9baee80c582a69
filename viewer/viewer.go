package viewer

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Print loads a YAML mapping file and writes its contents to w: one line
// per top-level key, with nested mappings printed indented underneath.
// Keys are sorted for stable output.
func Print(path string, w io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var root map[string]any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for _, key := range sortedKeys(root) {
		fmt.Fprintf(w, "Key: %s\n", key)

		switch value := root[key].(type) {
		case map[string]any:
			for _, sub := range sortedKeys(value) {
				fmt.Fprintf(w, "  %s: %v\n", sub, value[sub])
			}
		default:
			fmt.Fprintf(w, "  Value: %v\n", value)
		}
	}

	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
