package cascade

import "time"

// Applicator performs the two terminal operations of a cascade. Both only
// queue work on the session.
type Applicator struct {
	session   Session
	describer Describer
	now       func() time.Time
}

func NewApplicator(s Session, d Describer, now func() time.Time) *Applicator {
	if now == nil {
		now = time.Now
	}
	return &Applicator{session: s, describer: d, now: now}
}

// MarkSoftDeleted stamps deleted_at unless it is already set and queues a
// save. It reports whether a new timestamp was written.
func (a *Applicator) MarkSoftDeleted(rec Record) (bool, error) {
	sd, ok := softDeletable(a.describer, rec)
	if !ok {
		return false, ConfigurationError(rec.Kind(), "deleted_at", "entity does not support soft delete")
	}

	stamped := false
	if sd.DeletedAt() == nil {
		sd.SetDeletedAt(a.now().UTC())
		stamped = true
	}
	return stamped, a.session.Persist(rec)
}

// ScheduleHardRemove queues a physical removal and keeps the record tracked
// so the removal is flushed with the rest of the commit.
func (a *Applicator) ScheduleHardRemove(rec Record) error {
	if err := a.session.Remove(rec); err != nil {
		return err
	}
	return a.session.Persist(rec)
}
