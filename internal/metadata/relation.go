package metadata

const (
	CardinalityOne  = "one"
	CardinalityMany = "many"
)

// on_delete policies. The empty policy is a plain reference.
const (
	OnDeleteNone     = ""
	OnDeleteSoft     = "soft_delete"
	OnDeleteHard     = "hard_delete"
	OnDeleteSetNull  = "set_null"
	OnDeleteRestrict = "restrict"
)

// Relation describes one relation field declared on the Source entity.
//
// ForeignKey names the column that persists the link. When Owner is true the
// column lives on the source table and references the target's primary key;
// otherwise it lives on the target table and references the source.
type Relation struct {
	Name          string `json:"name" yaml:"name"`
	Source        string `json:"source" yaml:"source"`
	Field         string `json:"field" yaml:"field"`
	Target        string `json:"target" yaml:"target"`
	Cardinality   string `json:"cardinality" yaml:"cardinality"` // one, many
	OnDelete      string `json:"on_delete,omitempty" yaml:"on_delete,omitempty"`
	OrphanRemoval bool   `json:"orphan_removal,omitempty" yaml:"orphan_removal,omitempty"`
	Owner         bool   `json:"owner,omitempty" yaml:"owner,omitempty"`
	Inverse       string `json:"inverse,omitempty" yaml:"inverse,omitempty"`
	ForeignKey    string `json:"foreign_key,omitempty" yaml:"foreign_key,omitempty"`
}

func (r *Relation) IsCollection() bool {
	return r.Cardinality == CardinalityMany
}

// Policy returns the effective on_delete policy. Orphan removal implies a
// hard delete cascade.
func (r *Relation) Policy() string {
	if r.OnDelete == OnDeleteNone && r.OrphanRemoval {
		return OnDeleteHard
	}
	return r.OnDelete
}

// Cascades reports whether deleting the source has any effect on the target.
func (r *Relation) Cascades() bool {
	return r.Policy() != OnDeleteNone
}

// StoredOnSource reports whether the foreign key column lives on the source table.
func (r *Relation) StoredOnSource() bool {
	return r.Owner && !r.IsCollection()
}
