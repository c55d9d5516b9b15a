package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cascade-backend/internal/metadata"
)

type Migrator struct {
	store    *Store
	registry *metadata.Registry
}

func NewMigrator(store *Store, registry *metadata.Registry) *Migrator {
	return &Migrator{store: store, registry: registry}
}

// MigrateAll creates the system tables and migrates every registered entity.
func (m *Migrator) MigrateAll(ctx context.Context) error {
	if _, err := m.store.DB.ExecContext(ctx, m.store.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("create system tables: %w", err)
	}
	for _, entity := range m.registry.AllEntities() {
		if err := m.Migrate(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}

// Migrate ensures the table matches the entity metadata.
// Creates the table if it doesn't exist, or adds missing columns.
func (m *Migrator) Migrate(ctx context.Context, entity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}

	if !exists {
		return m.createTable(ctx, entity)
	}

	return m.alterTable(ctx, entity)
}

func (m *Migrator) createTable(ctx context.Context, entity *metadata.Entity) error {
	var cols []string
	for _, f := range entity.Fields {
		cols = append(cols, m.buildColumnDef(entity, &f))
	}

	for _, fk := range m.foreignKeys(entity) {
		cols = append(cols, fk.column+" "+fk.colType)
	}

	// Add deleted_at if soft delete is enabled and not already in fields
	if entity.SoftDelete && !entity.HasField(metadata.DeletedAtColumn) {
		cols = append(cols, metadata.DeletedAtColumn+" "+m.store.Dialect.ColumnType("timestamp"))
	}

	sql := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", entity.Table, strings.Join(cols, ",\n  "))

	if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("create table %s: %w", entity.Table, err)
	}

	if err := m.createIndexes(ctx, entity); err != nil {
		return fmt.Errorf("create indexes for %s: %w", entity.Table, err)
	}

	return nil
}

func (m *Migrator) alterTable(ctx context.Context, entity *metadata.Entity) error {
	existing, err := m.store.Dialect.GetColumns(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", entity.Table, err)
	}

	var missing []string
	for _, f := range entity.Fields {
		if _, ok := existing[f.Name]; !ok {
			colType := m.store.Dialect.ColumnType(f.Type)
			if f.Required && !f.Nullable {
				colType += " NOT NULL DEFAULT ''" // safe default for existing rows
			}
			missing = append(missing, f.Name+" "+colType)
		}
	}

	for _, fk := range m.foreignKeys(entity) {
		if _, ok := existing[fk.column]; !ok {
			missing = append(missing, fk.column+" "+fk.colType)
		}
	}

	// Ensure deleted_at column for soft delete
	if entity.SoftDelete {
		if _, ok := existing[metadata.DeletedAtColumn]; !ok {
			missing = append(missing, metadata.DeletedAtColumn+" "+m.store.Dialect.ColumnType("timestamp"))
		}
	}

	for _, col := range missing {
		sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", entity.Table, col)
		if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("add column to %s: %w", entity.Table, err)
		}
	}

	if err := m.createIndexes(ctx, entity); err != nil {
		return fmt.Errorf("create indexes for %s: %w", entity.Table, err)
	}

	return nil
}

func (m *Migrator) buildColumnDef(entity *metadata.Entity, f *metadata.Field) string {
	col := f.Name + " " + m.store.Dialect.ColumnType(f.Type)

	if f.Name == entity.PrimaryKey.Field {
		return col + " PRIMARY KEY"
	}

	if f.Required && !f.Nullable {
		col += " NOT NULL"
	}

	if f.Default != nil {
		switch v := f.Default.(type) {
		case string:
			col += fmt.Sprintf(" DEFAULT '%s'", strings.ReplaceAll(v, "'", "''"))
		case bool:
			if m.store.Dialect.NeedsBoolFix() {
				if v {
					col += " DEFAULT 1"
				} else {
					col += " DEFAULT 0"
				}
			} else {
				col += fmt.Sprintf(" DEFAULT %t", v)
			}
		case int, int64, float64:
			col += fmt.Sprintf(" DEFAULT %v", v)
		default:
			col += fmt.Sprintf(" DEFAULT '%v'", v)
		}
	}

	return col
}

type foreignKeyColumn struct {
	column  string
	colType string
}

// foreignKeys lists the relation columns stored on the entity's table that are
// not already declared as fields. The column type follows the referenced
// entity's primary key.
func (m *Migrator) foreignKeys(entity *metadata.Entity) []foreignKeyColumn {
	var fks []foreignKeyColumn
	for col, rel := range m.registry.ForeignKeyColumns(entity.Name) {
		if entity.HasField(col) {
			continue
		}
		referenced := rel.Target
		if !rel.StoredOnSource() {
			referenced = rel.Source
		}
		pkType := "string"
		if ref := m.registry.GetEntity(referenced); ref != nil {
			pkType = ref.PrimaryKey.Type
		}
		fks = append(fks, foreignKeyColumn{column: col, colType: m.store.Dialect.ColumnType(pkType)})
	}
	sort.Slice(fks, func(i, j int) bool { return fks[i].column < fks[j].column })
	return fks
}

func (m *Migrator) createIndexes(ctx context.Context, entity *metadata.Entity) error {
	for _, f := range entity.Fields {
		if f.Unique {
			sql := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
				entity.Table, f.Name, entity.Table, f.Name)
			if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
				return fmt.Errorf("create unique index on %s.%s: %w", entity.Table, f.Name, err)
			}
		}
	}

	// Relations are loaded by foreign key, one query per parent
	for _, fk := range m.foreignKeys(entity) {
		sql := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
			entity.Table, fk.column, entity.Table, fk.column)
		if _, err := m.store.DB.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("create foreign key index on %s.%s: %w", entity.Table, fk.column, err)
		}
	}

	if entity.SoftDelete {
		if _, err := m.store.DB.ExecContext(ctx, m.store.Dialect.SoftDeleteIndexSQL(entity.Table)); err != nil {
			return fmt.Errorf("create soft delete index on %s: %w", entity.Table, err)
		}
	}

	return nil
}
