package cascade

import (
	"cascade-backend/internal/metadata"
)

// Target is one related record together with the relation that reached it.
type Target struct {
	Record   Record
	Relation *metadata.Relation
}

// Decision partitions the populated relations of one record by policy.
// The slices are snapshots; mutating the live relation values afterwards
// does not affect them.
type Decision struct {
	Soft     []Target
	Hard     []Target
	Dissolve []Target
	Restrict []Target
}

func (d *Decision) Empty() bool {
	return len(d.Soft) == 0 && len(d.Hard) == 0 && len(d.Dissolve) == 0 && len(d.Restrict) == 0
}

type Classifier struct {
	describer Describer
	accessor  Accessor
}

func NewClassifier(d Describer, a Accessor) *Classifier {
	return &Classifier{describer: d, accessor: a}
}

// Classify inspects every relation declared for the record's type. Null and
// empty values contribute nothing; plain references are shape-checked but
// never bucketed.
func (c *Classifier) Classify(rec Record) (*Decision, error) {
	decision := &Decision{}
	for _, rel := range c.describer.DescribeRelations(rec.Kind()) {
		value, err := c.accessor.Get(rec, rel.Field)
		if err != nil {
			return nil, &Error{
				Code:    CodeConfiguration,
				Entity:  rec.Kind(),
				Field:   rel.Field,
				Message: "read relation " + rec.Kind() + "." + rel.Field,
				Err:     err,
			}
		}

		related, err := expand(rec, rel, value)
		if err != nil {
			return nil, err
		}
		if len(related) == 0 {
			continue
		}

		var bucket *[]Target
		switch rel.Policy() {
		case metadata.OnDeleteSoft:
			bucket = &decision.Soft
		case metadata.OnDeleteHard:
			bucket = &decision.Hard
		case metadata.OnDeleteSetNull:
			bucket = &decision.Dissolve
		case metadata.OnDeleteRestrict:
			bucket = &decision.Restrict
		case metadata.OnDeleteNone:
			continue
		default:
			return nil, ConfigurationError(rec.Kind(), rel.Field, "unknown on_delete policy %q", rel.OnDelete)
		}
		for _, r := range related {
			*bucket = append(*bucket, Target{Record: r, Relation: rel})
		}
	}
	return decision, nil
}

// expand normalizes a relation value to a fresh slice, checking its shape
// against the declared cardinality.
func expand(rec Record, rel *metadata.Relation, value any) ([]Record, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []Record:
		if !rel.IsCollection() {
			return nil, SchemaMismatchError(rec.Kind(), rel.Field, "single-valued relation holds a collection")
		}
		out := make([]Record, 0, len(v))
		for _, r := range v {
			if r != nil {
				out = append(out, r)
			}
		}
		return out, nil
	case Record:
		if rel.IsCollection() {
			return nil, SchemaMismatchError(rec.Kind(), rel.Field, "collection relation holds a single record")
		}
		return []Record{v}, nil
	default:
		return nil, SchemaMismatchError(rec.Kind(), rel.Field, "unsupported relation value %T", value)
	}
}
