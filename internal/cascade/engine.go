package cascade

import (
	"time"

	"cascade-backend/internal/metadata"
)

type Engine struct {
	session    Session
	describer  Describer
	accessor   Accessor
	classifier *Classifier
	applicator *Applicator
	observer   Observer
	now        func() time.Time
}

type Option func(*Engine)

// WithObserver reports every terminal deletion and failed cascade to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithClock overrides the source of deleted_at timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(s Session, d Describer, a Accessor, opts ...Option) *Engine {
	e := &Engine{
		session:   s,
		describer: d,
		accessor:  a,
		observer:  noopObserver{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.classifier = NewClassifier(d, a)
	e.applicator = NewApplicator(s, d, e.now)
	return e
}

// Delete applies mode to rec and cascades to its related records. A record
// already present in visited is skipped, whatever mode it was processed with.
func (e *Engine) Delete(rec Record, mode Mode, visited *Visited) error {
	if !visited.Enter(rec.Identity()) {
		return nil
	}

	decision, err := e.classifier.Classify(rec)
	if err != nil {
		return err
	}
	if decision.Empty() {
		return e.finish(rec, mode, visited)
	}

	for _, t := range decision.Soft {
		if err := e.Delete(t.Record, ModeSoft, visited); err != nil {
			return err
		}
	}

	for _, t := range decision.Hard {
		// A record reached again through a cycle keeps its links; it is
		// already being deleted further up the walk.
		if visited.State(t.Record.Identity()) != Unseen {
			continue
		}
		if err := e.dissolve(rec, t); err != nil {
			return err
		}
		if err := e.Delete(t.Record, ModeHard, visited); err != nil {
			return err
		}
	}

	for _, t := range decision.Dissolve {
		if err := e.dissolve(rec, t); err != nil {
			return err
		}
	}

	// Restrict targets are checked last so that records deleted through
	// sibling relations of this walk no longer block.
	for _, t := range decision.Restrict {
		if err := e.checkRestrict(rec, t, visited); err != nil {
			return err
		}
	}

	return e.finish(rec, mode, visited)
}

func (e *Engine) finish(rec Record, mode Mode, visited *Visited) error {
	state := SoftDeleted
	if mode == ModeHard {
		state = HardDeleted
	}
	if err := visited.Finish(rec.Identity(), state); err != nil {
		return err
	}

	if mode == ModeHard {
		if err := e.applicator.ScheduleHardRemove(rec); err != nil {
			return err
		}
	} else {
		if _, err := e.applicator.MarkSoftDeleted(rec); err != nil {
			return err
		}
	}
	e.observer.RecordDeleted(rec.Kind(), mode)
	return nil
}

// checkRestrict fails unless the related record is already deleted or has
// been reached by this cascade.
func (e *Engine) checkRestrict(parent Record, t Target, visited *Visited) error {
	if visited.State(t.Record.Identity()) != Unseen {
		return nil
	}
	if sd, ok := softDeletable(e.describer, t.Record); ok && sd.DeletedAt() != nil {
		return nil
	}
	return RestrictedError(parent.Kind(), t.Relation.Field, t.Record.Identity())
}

// dissolve severs the link between parent and the child reached through
// t.Relation: the child's back-reference is cleared when it is singular, and
// the child is dropped from the parent's field.
func (e *Engine) dissolve(parent Record, t Target) error {
	rel, child := t.Relation, t.Record

	if rel.Inverse != "" {
		inverse := e.findRelation(child.Kind(), rel.Inverse)
		if inverse == nil {
			return ConfigurationError(child.Kind(), rel.Inverse, "inverse of %s.%s is not declared", rel.Source, rel.Field)
		}
		if !inverse.IsCollection() {
			if err := e.accessor.Set(child, rel.Inverse, nil); err != nil {
				return &Error{Code: CodeConfiguration, Entity: child.Kind(), Field: rel.Inverse, Message: "clear inverse " + child.Kind() + "." + rel.Inverse, Err: err}
			}
			if err := e.session.Persist(child); err != nil {
				return err
			}
		}
	} else if !rel.Owner {
		return ConfigurationError(rel.Source, rel.Field, "relation cannot be dissolved from the non-owning side without an inverse field")
	}

	value, err := e.accessor.Get(parent, rel.Field)
	if err != nil {
		return &Error{Code: CodeConfiguration, Entity: parent.Kind(), Field: rel.Field, Message: "read relation " + parent.Kind() + "." + rel.Field, Err: err}
	}

	var updated any
	if rel.IsCollection() {
		items, ok := value.([]Record)
		if !ok && value != nil {
			return SchemaMismatchError(parent.Kind(), rel.Field, "collection relation holds %T", value)
		}
		kept := make([]Record, 0, len(items))
		for _, item := range items {
			if item != nil && item.Identity() != child.Identity() {
				kept = append(kept, item)
			}
		}
		updated = kept
	}
	if err := e.accessor.Set(parent, rel.Field, updated); err != nil {
		return &Error{Code: CodeConfiguration, Entity: parent.Kind(), Field: rel.Field, Message: "update relation " + parent.Kind() + "." + rel.Field, Err: err}
	}
	return e.session.Persist(parent)
}

func (e *Engine) findRelation(kind, field string) *metadata.Relation {
	for _, rel := range e.describer.DescribeRelations(kind) {
		if rel.Field == field {
			return rel
		}
	}
	return nil
}
