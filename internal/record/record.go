package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"cascade-backend/internal/cascade"
)

// Record is a row of a metadata-defined entity together with its loaded
// relation links. Links hold nil, *Record or []cascade.Record values.
type Record struct {
	entity    string
	id        string
	Values    map[string]any
	deletedAt *time.Time
	links     map[string]any
}

// New returns a record for an existing row.
func New(entity string, id any) *Record {
	return &Record{
		entity: entity,
		id:     fmt.Sprintf("%v", id),
		Values: make(map[string]any),
		links:  make(map[string]any),
	}
}

// NewWithSurrogateID returns a record for a row that has not been stored
// yet, identified by a generated UUID.
func NewWithSurrogateID(entity string) *Record {
	return New(entity, uuid.New().String())
}

// Key returns the identity of a row of entity with the given primary key.
func Key(entity string, id any) cascade.ID {
	return cascade.ID(fmt.Sprintf("%s/%v", entity, id))
}

func (r *Record) Identity() cascade.ID { return Key(r.entity, r.id) }
func (r *Record) Kind() string         { return r.entity }
func (r *Record) ID() string           { return r.id }

func (r *Record) DeletedAt() *time.Time { return r.deletedAt }

func (r *Record) SetDeletedAt(t time.Time) {
	r.deletedAt = &t
}

// ClearDeletedAt restores a soft-deleted record.
func (r *Record) ClearDeletedAt() {
	r.deletedAt = nil
}

// Link returns the loaded value of a relation field.
func (r *Record) Link(field string) any {
	return r.links[field]
}

// HasLink reports whether the relation field has been loaded or assigned.
func (r *Record) HasLink(field string) bool {
	_, ok := r.links[field]
	return ok
}

// SetLink assigns a relation link without registry checks; used by loaders.
func (r *Record) SetLink(field string, value any) {
	r.links[field] = value
}

// Unlink forgets a relation link, as if it had never been loaded.
func (r *Record) Unlink(field string) {
	delete(r.links, field)
}

// AppendLink adds target to a collection link unless it is already present.
func (r *Record) AppendLink(field string, target *Record) {
	items, _ := r.links[field].([]cascade.Record)
	for _, it := range items {
		if it.Identity() == target.Identity() {
			return
		}
	}
	r.links[field] = append(items, target)
}

// Map returns the record as a JSON-friendly map, including deleted_at.
func (r *Record) Map() map[string]any {
	out := make(map[string]any, len(r.Values)+1)
	for k, v := range r.Values {
		out[k] = v
	}
	if r.deletedAt != nil {
		out["deleted_at"] = *r.deletedAt
	} else {
		out["deleted_at"] = nil
	}
	return out
}
