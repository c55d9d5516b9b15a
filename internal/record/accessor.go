package record

import (
	"fmt"

	"cascade-backend/internal/cascade"
	"cascade-backend/internal/metadata"
)

// Accessor reads and writes relation links of *Record values, checking
// fields against the registry.
type Accessor struct {
	registry *metadata.Registry
}

func NewAccessor(reg *metadata.Registry) *Accessor {
	return &Accessor{registry: reg}
}

func (a *Accessor) Get(rec cascade.Record, field string) (any, error) {
	r, err := a.resolve(rec, field)
	if err != nil {
		return nil, err
	}
	value := r.Link(field)
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *Record:
		if v == nil {
			return nil, nil
		}
		return cascade.Record(v), nil
	case []cascade.Record:
		return v, nil
	default:
		return nil, fmt.Errorf("%s.%s holds unsupported value %T", r.entity, field, value)
	}
}

// Set assigns a relation link. Collections are copied so callers never
// share backing arrays with the record.
func (a *Accessor) Set(rec cascade.Record, field string, value any) error {
	r, err := a.resolve(rec, field)
	if err != nil {
		return err
	}
	switch v := value.(type) {
	case nil:
		r.SetLink(field, nil)
	case *Record:
		r.SetLink(field, v)
	case []cascade.Record:
		items := make([]cascade.Record, len(v))
		copy(items, v)
		r.SetLink(field, items)
	default:
		return fmt.Errorf("cannot assign %T to %s.%s", value, r.entity, field)
	}
	return nil
}

func (a *Accessor) resolve(rec cascade.Record, field string) (*Record, error) {
	r, ok := rec.(*Record)
	if !ok {
		return nil, fmt.Errorf("unsupported record type %T", rec)
	}
	if a.registry.FindRelation(r.entity, field) == nil {
		return nil, fmt.Errorf("%s has no relation field %s", r.entity, field)
	}
	return r, nil
}
