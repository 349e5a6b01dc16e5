package filesystem

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/ports/secondary"
)

// Codec encodes one record per data file.
type Codec interface {
	// Ext is the file extension, dot included.
	Ext() string
	Marshal(rec secondary.Record) ([]byte, error)
	Unmarshal(data []byte) (secondary.Record, error)
}

// binaryKey marks a base64-encoded binary value in JSON files.
const binaryKey = "$binary"

// JSONCodec stores records as JSON objects. Binary values are written as
// {"$binary": "<base64>"}. Floats always carry a fraction or an exponent.
type JSONCodec struct {
	Pretty bool
}

// Ext implements Codec.
func (JSONCodec) Ext() string { return ".json" }

// Marshal implements Codec.
func (c JSONCodec) Marshal(rec secondary.Record) ([]byte, error) {
	doc := make(map[string]any, len(rec))
	for k, v := range rec {
		if b, ok := v.BytesVal(); ok {
			doc[k] = map[string]string{binaryKey: base64.StdEncoding.EncodeToString(b)}
			continue
		}
		doc[k] = v
	}
	if c.Pretty {
		return json.MarshalIndent(doc, "", "  ")
	}
	return json.Marshal(doc)
}

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte) (secondary.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode json record: %w", err)
	}
	rec := make(secondary.Record, len(doc))
	for k, raw := range doc {
		if m, ok := raw.(map[string]any); ok && len(m) == 1 {
			if s, ok := m[binaryKey].(string); ok {
				b, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("failed to decode binary value of %q: %w", k, err)
				}
				rec[k] = propmap.Bytes(b)
				continue
			}
		}
		rec[k] = propmap.Of(raw)
	}
	return rec, nil
}

// YAMLCodec stores records as YAML mappings. Binary values use the !!binary
// tag and integral floats keep a ".0" suffix.
type YAMLCodec struct{}

// Ext implements Codec.
func (YAMLCodec) Ext() string { return ".yaml" }

// Marshal implements Codec. Keys are written in sorted order.
func (YAMLCodec) Marshal(rec secondary.Record) ([]byte, error) {
	names := make([]string, 0, len(rec))
	for k := range rec {
		names = append(names, k)
	}
	sort.Strings(names)

	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range names {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: k}
		val := &yaml.Node{}
		v := rec[k]
		if b, ok := v.BytesVal(); ok {
			val.Kind, val.Tag, val.Value = yaml.ScalarNode, "!!binary", base64.StdEncoding.EncodeToString(b)
		} else if f, ok := v.FloatVal(); ok && v.Kind() == propmap.KindFloat && !math.IsInf(f, 0) && !math.IsNaN(f) {
			val.Kind, val.Tag, val.Value = yaml.ScalarNode, "!!float", propmap.FormatFloat(f)
		} else if err := val.Encode(v.Interface()); err != nil {
			return nil, fmt.Errorf("failed to encode %q: %w", k, err)
		}
		doc.Content = append(doc.Content, key, val)
	}
	return yaml.Marshal(doc)
}

// Unmarshal implements Codec.
func (YAMLCodec) Unmarshal(data []byte) (secondary.Record, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to decode yaml record: %w", err)
	}
	rec := secondary.Record{}
	if root.Kind == 0 {
		return rec, nil
	}
	doc := &root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) == 1 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("yaml record must be a mapping, line %d", doc.Line)
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		k, v := doc.Content[i].Value, doc.Content[i+1]
		if v.Kind == yaml.ScalarNode && v.Tag == "!!binary" {
			b, err := base64.StdEncoding.DecodeString(v.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to decode binary value of %q: %w", k, err)
			}
			rec[k] = propmap.Bytes(b)
			continue
		}
		var x any
		if err := v.Decode(&x); err != nil {
			return nil, fmt.Errorf("failed to decode %q: %w", k, err)
		}
		rec[k] = propmap.Of(x)
	}
	return rec, nil
}
