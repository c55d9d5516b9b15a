package engine

import (
	"fmt"
	"sort"
	"time"

	"cascade-backend/internal/metadata"
)

// WritePlan is a validated create or update request body.
type WritePlan struct {
	IsCreate bool
	Entity   *metadata.Entity
	// Fields holds scalar and foreign key columns to write.
	Fields map[string]any
	// DeletedAt is set when the body carries deleted_at; Clear restores the record.
	DeletedAt    *time.Time
	HasDeletedAt bool
}

// PlanWrite separates the body into writable columns and deleted_at and
// validates them against the entity.
func PlanWrite(entity *metadata.Entity, reg *metadata.Registry, body map[string]any, isCreate bool) (*WritePlan, []ErrorDetail) {
	plan := &WritePlan{IsCreate: isCreate, Entity: entity, Fields: make(map[string]any)}

	writable := make(map[string]*metadata.Field)
	for _, f := range entity.WritableFields() {
		f := f
		writable[f.Name] = &f
	}
	fkCols := reg.ForeignKeyColumns(entity.Name)

	var errs []ErrorDetail
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := body[key]
		switch {
		case key == metadata.DeletedAtColumn:
			if !entity.SoftDelete {
				errs = append(errs, ErrorDetail{Field: key, Rule: "soft_delete", Message: fmt.Sprintf("%s does not support soft delete", entity.Name)})
				continue
			}
			t, err := parseDeletedAt(val)
			if err != nil {
				errs = append(errs, ErrorDetail{Field: key, Rule: "type", Message: err.Error()})
				continue
			}
			plan.HasDeletedAt = true
			plan.DeletedAt = t
		case key == entity.PrimaryKey.Field && !isCreate:
			// The primary key comes from the URL.
			continue
		case writable[key] != nil:
			if detail := validateType(writable[key], val); detail != nil {
				errs = append(errs, *detail)
				continue
			}
			plan.Fields[key] = coerceValue(writable[key], val)
		case fkCols[key] != nil:
			if n, ok := val.(float64); ok {
				val = int64(n)
			}
			plan.Fields[key] = val
		default:
			errs = append(errs, ErrorDetail{
				Field:   key,
				Rule:    "unknown",
				Message: fmt.Sprintf("Unknown field: %s", key),
			})
		}
	}

	if isCreate {
		for _, f := range entity.WritableFields() {
			if !f.Required || f.Nullable || f.Default != nil {
				continue
			}
			if v, ok := plan.Fields[f.Name]; !ok || v == nil {
				errs = append(errs, ErrorDetail{Field: f.Name, Rule: "required", Message: fmt.Sprintf("%s is required", f.Name)})
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return plan, nil
}

func parseDeletedAt(val any) (*time.Time, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("deleted_at must be an RFC 3339 timestamp")
		}
		t = t.UTC()
		return &t, nil
	default:
		return nil, fmt.Errorf("deleted_at must be an RFC 3339 timestamp or null")
	}
}

// validateType checks a decoded JSON value against the field type.
func validateType(f *metadata.Field, val any) *ErrorDetail {
	if val == nil {
		if f.Required && !f.Nullable {
			return &ErrorDetail{Field: f.Name, Rule: "required", Message: fmt.Sprintf("%s cannot be null", f.Name)}
		}
		return nil
	}
	ok := true
	switch f.Type {
	case "string", "text", "uuid", "date", "timestamp":
		_, ok = val.(string)
	case "int", "integer", "bigint":
		n, isNum := val.(float64)
		ok = isNum && n == float64(int64(n))
	case "float", "decimal":
		_, ok = val.(float64)
	case "boolean":
		_, ok = val.(bool)
	}
	if !ok {
		return &ErrorDetail{Field: f.Name, Rule: "type", Message: fmt.Sprintf("%s must be of type %s", f.Name, f.Type)}
	}
	return nil
}

// coerceValue converts JSON numbers for integer columns to int64.
func coerceValue(f *metadata.Field, val any) any {
	switch f.Type {
	case "int", "integer", "bigint":
		if n, ok := val.(float64); ok {
			return int64(n)
		}
	}
	return val
}
