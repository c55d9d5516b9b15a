package cascade

// Hooks are the entry points a persistence layer calls while flushing a unit
// of work. Every call starts a new top-level cascade with its own Visited set.
type Hooks struct {
	engine *Engine
}

func NewHooks(e *Engine) *Hooks {
	return &Hooks{engine: e}
}

// BeforeSave starts a soft cascade for a record whose deleted_at was set
// since it was loaded. The caller decides freshness; records that are not
// soft-deletable or carry no timestamp are ignored and nil is returned.
func (h *Hooks) BeforeSave(rec Record) (*Visited, error) {
	sd, ok := softDeletable(h.engine.describer, rec)
	if !ok || sd.DeletedAt() == nil {
		return nil, nil
	}
	return h.run(rec)
}

// RedirectRemoval turns a scheduled physical removal of a soft-deletable
// record into a soft cascade rooted at that record. It reports false, and
// leaves the removal in place, for records that cannot be soft deleted.
func (h *Hooks) RedirectRemoval(c RemovalCanceler, rec Record) (bool, *Visited, error) {
	if _, ok := softDeletable(h.engine.describer, rec); !ok {
		return false, nil, nil
	}
	c.CancelRemove(rec)
	visited, err := h.run(rec)
	return true, visited, err
}

func (h *Hooks) run(rec Record) (*Visited, error) {
	visited := NewVisited()
	if err := h.engine.Delete(rec, ModeSoft, visited); err != nil {
		h.engine.observer.CascadeFailed(err)
		return visited, err
	}
	return visited, nil
}
