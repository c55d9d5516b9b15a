package cascade

import (
	"fmt"
	"time"

	"cascade-backend/internal/metadata"
)

// node is a minimal in-memory record used by the engine tests.
type node struct {
	kind      string
	id        string
	deletedAt *time.Time
	links     map[string]any
}

func newNode(kind, id string) *node {
	return &node{kind: kind, id: id, links: map[string]any{}}
}

func (n *node) Identity() ID             { return ID(n.kind + "/" + n.id) }
func (n *node) Kind() string             { return n.kind }
func (n *node) DeletedAt() *time.Time    { return n.deletedAt }
func (n *node) SetDeletedAt(t time.Time) { n.deletedAt = &t }

type nodeAccessor struct {
	describer Describer
}

func (a nodeAccessor) Get(rec Record, field string) (any, error) {
	n, ok := rec.(*node)
	if !ok {
		return nil, fmt.Errorf("unsupported record %T", rec)
	}
	if !a.declared(n.kind, field) {
		return nil, fmt.Errorf("unknown field %s.%s", n.kind, field)
	}
	return n.links[field], nil
}

func (a nodeAccessor) Set(rec Record, field string, value any) error {
	n, ok := rec.(*node)
	if !ok {
		return fmt.Errorf("unsupported record %T", rec)
	}
	if !a.declared(n.kind, field) {
		return fmt.Errorf("unknown field %s.%s", n.kind, field)
	}
	n.links[field] = value
	return nil
}

func (a nodeAccessor) declared(kind, field string) bool {
	for _, rel := range a.describer.DescribeRelations(kind) {
		if rel.Field == field {
			return true
		}
	}
	return false
}

type event struct {
	op string
	id ID
}

// fakeSession records queued writes in order.
type fakeSession struct {
	events   []event
	persists map[ID]int
	removed  map[ID]bool
	canceled []ID
	// onRemove runs before a removal is recorded.
	onRemove func(rec Record)
}

func newFakeSession() *fakeSession {
	return &fakeSession{persists: map[ID]int{}, removed: map[ID]bool{}}
}

func (s *fakeSession) Persist(rec Record) error {
	s.persists[rec.Identity()]++
	s.events = append(s.events, event{op: "persist", id: rec.Identity()})
	return nil
}

func (s *fakeSession) Remove(rec Record) error {
	if s.onRemove != nil {
		s.onRemove(rec)
	}
	s.removed[rec.Identity()] = true
	s.events = append(s.events, event{op: "remove", id: rec.Identity()})
	return nil
}

func (s *fakeSession) CancelRemove(rec Record) {
	delete(s.removed, rec.Identity())
	s.canceled = append(s.canceled, rec.Identity())
}

type countingObserver struct {
	deleted map[string]int
	failed  []error
}

func (o *countingObserver) RecordDeleted(kind string, mode Mode) {
	if o.deleted == nil {
		o.deleted = map[string]int{}
	}
	o.deleted[kind+":"+mode.String()]++
}

func (o *countingObserver) CascadeFailed(err error) {
	o.failed = append(o.failed, err)
}

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type harness struct {
	reg     *metadata.Registry
	session *fakeSession
	engine  *Engine
	clock   int
}

func newHarness(entities []*metadata.Entity, relations []*metadata.Relation, opts ...Option) *harness {
	reg := metadata.NewRegistry()
	reg.Load(entities, relations)
	h := &harness{reg: reg, session: newFakeSession()}
	clock := func() time.Time {
		h.clock++
		return fixedNow
	}
	opts = append([]Option{WithClock(clock)}, opts...)
	h.engine = NewEngine(h.session, reg, nodeAccessor{describer: reg}, opts...)
	return h
}

func softEntity(name string) *metadata.Entity {
	return &metadata.Entity{Name: name, Table: name, SoftDelete: true}
}

func hardEntity(name string) *metadata.Entity {
	return &metadata.Entity{Name: name, Table: name}
}

func records(ns ...*node) []Record {
	out := make([]Record, len(ns))
	for i, n := range ns {
		out[i] = n
	}
	return out
}
