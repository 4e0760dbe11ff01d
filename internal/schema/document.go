package schema

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ForeignKeyOverride names explicit join columns for a node's relationship
// to its parent, bypassing catalog discovery for that one hop.
type ForeignKeyOverride struct {
	Parent []string `yaml:"parent"`
	Child  []string `yaml:"child"`
}

// RelationshipDocument is the raw relationship block of a schema document
// node, as decoded from YAML/JSON before validation.
type RelationshipDocument struct {
	Variant       string              `yaml:"variant"`
	Type          string              `yaml:"type"`
	ThroughTables []string            `yaml:"through_tables,omitempty"`
	ForeignKey    *ForeignKeyOverride `yaml:"foreign_key,omitempty"`
}

var recognizedRelationshipKeys = map[string]bool{
	"variant":        true,
	"type":           true,
	"through_tables": true,
	"foreign_key":    true,
}

// TransformDocument holds field renderers applied after projection.
type TransformDocument struct {
	Rename map[string]string `yaml:"rename,omitempty"`
}

// NodeDocument is a single node of the raw schema document tree, as decoded
// from YAML before catalog-backed compilation. Relationship is kept as a raw
// map so the compiler can report unrecognized sub-keys as a typed
// RelationshipAttributeError rather than a generic decode error.
type NodeDocument struct {
	Table        string                 `yaml:"table"`
	Columns      []string               `yaml:"columns,omitempty"`
	Label        *string                `yaml:"label,omitempty"`
	Transform    *TransformDocument     `yaml:"transform,omitempty"`
	Relationship map[string]interface{} `yaml:"relationship,omitempty"`
	Children     []NodeDocument         `yaml:"children,omitempty"`
}

// DecodeDocument parses a nested schema description from r. It uses
// gopkg.in/yaml.v3, matching the teacher's configuration decoding
// conventions, and accepts JSON input too since JSON is a YAML subset.
func DecodeDocument(r io.Reader) (*NodeDocument, error) {
	dec := yaml.NewDecoder(r)

	var doc NodeDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode schema document: %w", err)
	}
	return &doc, nil
}

// decodeRelationship validates the recognized-keys invariant and converts
// the raw map into a typed RelationshipDocument.
func decodeRelationship(table string, raw map[string]interface{}) (*RelationshipDocument, error) {
	var unknown []string
	for k := range raw {
		if !recognizedRelationshipKeys[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		return nil, &RelationshipAttributeError{Table: table, Attributes: unknown}
	}

	encoded, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal relationship for %q: %w", table, err)
	}
	var rel RelationshipDocument
	if err := yaml.Unmarshal(encoded, &rel); err != nil {
		return nil, fmt.Errorf("failed to decode relationship for %q: %w", table, err)
	}
	return &rel, nil
}
