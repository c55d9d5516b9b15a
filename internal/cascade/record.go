package cascade

import (
	"time"

	"cascade-backend/internal/metadata"
)

// ID identifies a record for the lifetime of a unit of work. Two records with
// equal field values but different identities are distinct delete targets.
type ID string

// Record is any persistent record that can take part in a cascade.
type Record interface {
	Identity() ID
	Kind() string
}

// SoftDeletable is implemented by records that carry a deleted_at timestamp.
// Whether the record's entity type actually supports soft delete is decided
// by the Describer.
type SoftDeletable interface {
	Record
	DeletedAt() *time.Time
	SetDeletedAt(t time.Time)
}

// Session queues writes for the next commit.
type Session interface {
	Persist(rec Record) error
	Remove(rec Record) error
}

// RemovalCanceler withdraws a removal scheduled earlier in the same unit of work.
type RemovalCanceler interface {
	CancelRemove(rec Record)
}

// Describer looks up relation metadata by entity type. Implementations must
// be deterministic and free of side effects.
type Describer interface {
	DescribeRelations(kind string) []*metadata.Relation
	SupportsSoftDelete(kind string) bool
}

// Accessor reads and writes relation fields. A relation value is nil, a
// single Record, or a []Record.
type Accessor interface {
	Get(rec Record, field string) (any, error)
	Set(rec Record, field string, value any) error
}

// Observer is notified about cascade outcomes.
type Observer interface {
	RecordDeleted(kind string, mode Mode)
	CascadeFailed(err error)
}

type Mode int

const (
	ModeSoft Mode = iota
	ModeHard
)

func (m Mode) String() string {
	if m == ModeHard {
		return "hard"
	}
	return "soft"
}

func softDeletable(d Describer, rec Record) (SoftDeletable, bool) {
	sd, ok := rec.(SoftDeletable)
	if !ok || !d.SupportsSoftDelete(rec.Kind()) {
		return nil, false
	}
	return sd, true
}

type noopObserver struct{}

func (noopObserver) RecordDeleted(string, Mode) {}
func (noopObserver) CascadeFailed(error)        {}
