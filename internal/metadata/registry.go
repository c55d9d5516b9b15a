package metadata

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

type Registry struct {
	mu                sync.RWMutex
	entities          map[string]*Entity
	relationsBySource map[string][]*Relation // keyed by source entity name, declaration order
	relationsByName   map[string]*Relation   // keyed by relation name
}

func NewRegistry() *Registry {
	return &Registry{
		entities:          make(map[string]*Entity),
		relationsBySource: make(map[string][]*Relation),
		relationsByName:   make(map[string]*Relation),
	}
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entities[name]
}

// AllEntities returns all registered entities ordered by name.
func (r *Registry) AllEntities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entities := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Name < entities[j].Name })
	return entities
}

// GetRelation returns a relation by name, or nil.
func (r *Registry) GetRelation(name string) *Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationsByName[name]
}

// GetRelationsForSource returns all relations declared on the given entity.
func (r *Registry) GetRelationsForSource(entityName string) []*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relationsBySource[entityName]
}

// FindRelation returns the relation declared on entity under field, or nil.
func (r *Registry) FindRelation(entityName, field string) *Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rel := range r.relationsBySource[entityName] {
		if rel.Field == field {
			return rel
		}
	}
	return nil
}

// AllRelations returns all registered relations ordered by name.
func (r *Registry) AllRelations() []*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	relations := make([]*Relation, 0, len(r.relationsByName))
	for _, rel := range r.relationsByName {
		relations = append(relations, rel)
	}
	sort.Slice(relations, func(i, j int) bool { return relations[i].Name < relations[j].Name })
	return relations
}

// DescribeRelations returns the relation descriptors of an entity type in
// declaration order. The returned slice must not be modified.
func (r *Registry) DescribeRelations(entityName string) []*Relation {
	return r.GetRelationsForSource(entityName)
}

// SupportsSoftDelete reports whether the entity carries a deleted_at column.
func (r *Registry) SupportsSoftDelete(entityName string) bool {
	e := r.GetEntity(entityName)
	return e != nil && e.SoftDelete
}

// ForeignKeyColumns returns the foreign key columns stored on the entity's
// table, keyed by column name. Both sides of a bidirectional relation may
// declare the same column; it is reported once.
func (r *Registry) ForeignKeyColumns(entityName string) map[string]*Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cols := make(map[string]*Relation)
	for _, rel := range r.relationsByName {
		if rel.ForeignKey == "" {
			continue
		}
		if rel.Source == entityName && rel.StoredOnSource() {
			cols[rel.ForeignKey] = rel
		}
	}
	for _, rel := range r.relationsByName {
		if rel.ForeignKey == "" {
			continue
		}
		if rel.Target == entityName && !rel.Owner {
			if _, ok := cols[rel.ForeignKey]; !ok {
				cols[rel.ForeignKey] = rel
			}
		}
	}
	return cols
}

// Load replaces all entities and relations in the registry.
// Relations without a name are named "<source>.<field>".
func (r *Registry) Load(entities []*Entity, relations []*Relation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entities = make(map[string]*Entity, len(entities))
	for _, e := range entities {
		r.entities[e.Name] = e
	}

	r.relationsBySource = make(map[string][]*Relation)
	r.relationsByName = make(map[string]*Relation, len(relations))
	for _, rel := range relations {
		if rel.Name == "" {
			rel.Name = rel.Source + "." + rel.Field
		}
		r.relationsByName[rel.Name] = rel
		r.relationsBySource[rel.Source] = append(r.relationsBySource[rel.Source], rel)
	}
}

// Replace swaps in the descriptors of other. The maps of a registry are
// never mutated after Load, so both registries may share them.
func (r *Registry) Replace(other *Registry) {
	other.mu.RLock()
	entities, bySource, byName := other.entities, other.relationsBySource, other.relationsByName
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities = entities
	r.relationsBySource = bySource
	r.relationsByName = byName
}

// Snapshot returns a registry that keeps the current descriptors even if
// this one is reloaded later.
func (r *Registry) Snapshot() *Registry {
	snap := NewRegistry()
	snap.Replace(r)
	return snap
}

// Validate checks every relation descriptor against the loaded entities and
// returns all problems joined into one error.
func (r *Registry) Validate() error {
	var errs []error
	for _, rel := range r.AllRelations() {
		if err := r.validateRelation(rel); err != nil {
			errs = append(errs, fmt.Errorf("relation %s: %w", rel.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) validateRelation(rel *Relation) error {
	if r.GetEntity(rel.Source) == nil {
		return fmt.Errorf("unknown source entity %q", rel.Source)
	}
	target := r.GetEntity(rel.Target)
	if target == nil {
		return fmt.Errorf("unknown target entity %q", rel.Target)
	}
	if rel.Field == "" {
		return errors.New("field is required")
	}

	switch rel.Cardinality {
	case CardinalityOne, CardinalityMany:
	default:
		return fmt.Errorf("unknown cardinality %q", rel.Cardinality)
	}

	switch rel.Policy() {
	case OnDeleteNone, OnDeleteHard, OnDeleteSetNull, OnDeleteRestrict:
	case OnDeleteSoft:
		if !target.SoftDelete {
			return fmt.Errorf("soft delete cascade into %s, which does not support soft delete", rel.Target)
		}
	default:
		return fmt.Errorf("unknown on_delete policy %q", rel.OnDelete)
	}

	if rel.Owner && rel.IsCollection() {
		return errors.New("a collection cannot be the owning side")
	}

	if rel.Inverse != "" {
		if r.FindRelation(rel.Target, rel.Inverse) == nil {
			return fmt.Errorf("inverse field %s.%s is not declared", rel.Target, rel.Inverse)
		}
	} else if !rel.Owner && (rel.Policy() == OnDeleteHard || rel.Policy() == OnDeleteSetNull) {
		return errors.New("inverse is required to dissolve a relation from the non-owning side")
	}
	return nil
}
