package cascade

type State int

const (
	Unseen State = iota
	Visiting
	SoftDeleted
	HardDeleted
)

func (s State) String() string {
	switch s {
	case Visiting:
		return "visiting"
	case SoftDeleted:
		return "soft_deleted"
	case HardDeleted:
		return "hard_deleted"
	default:
		return "unseen"
	}
}

// Visited tracks the records processed by one top-level cascade. It must not
// be shared between invocations.
type Visited struct {
	states map[ID]State
	order  []ID
}

func NewVisited() *Visited {
	return &Visited{states: make(map[ID]State)}
}

// Enter moves id from unseen to visiting. It returns false when id was
// already entered by this invocation.
func (v *Visited) Enter(id ID) bool {
	if _, ok := v.states[id]; ok {
		return false
	}
	v.states[id] = Visiting
	v.order = append(v.order, id)
	return true
}

// Finish records the terminal state of a record that is being visited.
func (v *Visited) Finish(id ID, s State) error {
	current := v.states[id]
	if current != Visiting {
		return CycleGuardError(id, "finish as %s from state %s", s, current)
	}
	if s != SoftDeleted && s != HardDeleted {
		return CycleGuardError(id, "%s is not a terminal state", s)
	}
	v.states[id] = s
	return nil
}

func (v *Visited) State(id ID) State {
	return v.states[id]
}

func (v *Visited) Len() int {
	return len(v.order)
}

// Identities returns the visited identities in the order they were entered.
func (v *Visited) Identities() []ID {
	out := make([]ID, len(v.order))
	copy(out, v.order)
	return out
}
