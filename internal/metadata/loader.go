package metadata

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// Schema is the on-disk layout of the entity and relation descriptor table.
type Schema struct {
	Entities  []*Entity   `json:"entities" yaml:"entities"`
	Relations []*Relation `json:"relations" yaml:"relations"`
}

// LoadFile reads a YAML schema file, validates it and populates the registry.
func LoadFile(path string, reg *Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema file: %w", err)
	}
	schema, err := ParseSchema(data)
	if err != nil {
		return fmt.Errorf("parse schema %s: %w", path, err)
	}
	if err := LoadSchema(schema, reg); err != nil {
		return err
	}

	log.Printf("Loaded %d entities, %d relations into registry", len(schema.Entities), len(schema.Relations))
	return nil
}

// ParseSchema decodes a YAML schema document and fills in defaults.
func ParseSchema(data []byte) (*Schema, error) {
	var schema Schema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, err
	}

	if err := schema.ApplyDefaults(); err != nil {
		return nil, err
	}
	return &schema, nil
}

// ApplyDefaults fills in table names, primary keys and cardinalities left
// out of the document.
func (s *Schema) ApplyDefaults() error {
	for _, e := range s.Entities {
		if e.Name == "" {
			return fmt.Errorf("entity without name")
		}
		if e.Table == "" {
			e.Table = e.Name
		}
		if e.PrimaryKey.Field == "" {
			e.PrimaryKey = PrimaryKey{Field: "id", Type: "uuid", Generated: true}
		}
		if e.PrimaryKey.Type == "" {
			e.PrimaryKey.Type = "uuid"
		}
		if !e.HasField(e.PrimaryKey.Field) {
			e.Fields = append([]Field{{Name: e.PrimaryKey.Field, Type: e.PrimaryKey.Type, Required: true}}, e.Fields...)
		}
	}
	for _, rel := range s.Relations {
		if rel.Cardinality == "" {
			rel.Cardinality = CardinalityOne
		}
	}
	return nil
}

// BuildRegistry loads the schema into a new registry and validates it.
func BuildRegistry(schema *Schema) (*Registry, error) {
	staging := NewRegistry()
	staging.Load(schema.Entities, schema.Relations)
	if err := staging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return staging, nil
}

// LoadSchema validates the schema and swaps it into the registry. The
// registry is left untouched when validation fails.
func LoadSchema(schema *Schema, reg *Registry) error {
	staging, err := BuildRegistry(schema)
	if err != nil {
		return err
	}
	reg.Replace(staging)
	return nil
}
