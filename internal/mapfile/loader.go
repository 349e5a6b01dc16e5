// Package mapfile reads property map sources from YAML files. A file is a
// mapping of property name to attribute mapping; the declaration order of
// the file is kept.
//
//	id:
//	  pk: true
//	  type: int
//	  store: true
//	name:
//	  type: str
//	  serialize: public
package mapfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/smartobject/internal/core/propmap"
)

// Extensions are tried in order by LoadClass.
var Extensions = []string{".yml", ".yaml"}

// LoadFile loads and parses a property map file from the given path.
func LoadFile(path string) (propmap.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read property map %s: %w", path, err)
	}

	src, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return src, nil
}

// Resolve returns the path of ref. A bare file name is looked up in dir.
func Resolve(dir, ref string) string {
	if strings.ContainsRune(ref, '/') {
		return ref
	}
	return filepath.Join(dir, ref)
}

// LoadClass loads <dir>/<class>.yml, falling back to the other extensions.
func LoadClass(dir, class string) (propmap.Source, error) {
	var firstErr error
	for _, ext := range Extensions {
		path := filepath.Join(dir, class+ext)
		if _, err := os.Stat(path); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return LoadFile(path)
	}
	return nil, fmt.Errorf("no property map for %s in %s: %w", class, dir, firstErr)
}

// Parse parses YAML data into a Source.
func Parse(data []byte) (propmap.Source, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse property map YAML: %w", err)
	}
	if root.Kind == 0 {
		return propmap.Source{}, nil
	}

	doc := &root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) == 1 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("property map must be a mapping, line %d", doc.Line)
	}

	src := make(propmap.Source, 0, len(doc.Content)/2)
	seen := map[string]int{}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, val := doc.Content[i], doc.Content[i+1]
		if key.Kind != yaml.ScalarNode || key.Value == "" {
			return nil, fmt.Errorf("property name must be a non-empty string, line %d", key.Line)
		}
		if line, dup := seen[key.Value]; dup {
			return nil, fmt.Errorf("property %q declared twice, lines %d and %d", key.Value, line, key.Line)
		}
		seen[key.Value] = key.Line

		attrs, err := parseAttrs(val)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", key.Value, err)
		}
		src = append(src, propmap.Property{Name: key.Value, Attrs: attrs})
	}
	return src, nil
}

func parseAttrs(node *yaml.Node) (propmap.Attrs, error) {
	attrs := propmap.Attrs{}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return attrs, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("attributes must be a mapping, line %d", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var v any
		if err := node.Content[i+1].Decode(&v); err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		attrs[name] = v
	}
	return attrs, nil
}
