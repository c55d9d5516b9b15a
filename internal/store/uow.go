package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"cascade-backend/internal/cascade"
	"cascade-backend/internal/metadata"
	"cascade-backend/internal/record"
)

// Cascade triggers recorded with every cascade event.
const (
	TriggerRemove = "remove"
	TriggerSave   = "save"
)

// CommitObserver is told how long each commit took and whether it failed.
type CommitObserver interface {
	ObserveCommit(d time.Duration, err error)
}

// UnitOfWorkOptions configures a UnitOfWork.
type UnitOfWorkOptions struct {
	// Detach evicts records touched by a cascade from the identity map
	// after a successful commit.
	Detach bool

	Observer       cascade.Observer
	CommitObserver CommitObserver
	Clock          func() time.Time
}

// CascadeEvent is one record reached by a cascade during a commit.
type CascadeEvent struct {
	Trigger  string `json:"trigger"`
	Root     string `json:"root"`
	Entity   string `json:"entity"`
	RecordID string `json:"record_id"`
	Mode     string `json:"mode"`
}

// CommitResult lists the cascades a commit ran.
type CommitResult struct {
	CommitID string         `json:"commit_id"`
	Events   []CascadeEvent `json:"events"`
}

// Count returns how many records were deleted with mode.
func (r *CommitResult) Count(mode cascade.Mode) int {
	n := 0
	for _, e := range r.Events {
		if e.Mode == mode.String() {
			n++
		}
	}
	return n
}

type snapshot struct {
	deletedAt *time.Time
}

// UnitOfWork tracks records loaded and changed during one request and writes
// them in a single transaction on Commit. It implements cascade.Session and
// cascade.RemovalCanceler. It is not safe for concurrent use.
type UnitOfWork struct {
	store    *Store
	registry *metadata.Registry
	opts     UnitOfWorkOptions
	engine   *cascade.Engine
	hooks    *cascade.Hooks

	identity map[cascade.ID]*record.Record
	loaded   map[cascade.ID]snapshot

	persists   []cascade.ID
	persistSet map[cascade.ID]bool
	removals   []cascade.ID
	removalSet map[cascade.ID]bool
}

// NewUnitOfWork binds a unit of work to a snapshot of reg, so a schema
// replaced while it runs does not change the relations its cascades walk.
func NewUnitOfWork(s *Store, reg *metadata.Registry, opts UnitOfWorkOptions) *UnitOfWork {
	reg = reg.Snapshot()
	u := &UnitOfWork{
		store:    s,
		registry: reg,
		opts:     opts,
		identity: make(map[cascade.ID]*record.Record),
		loaded:   make(map[cascade.ID]snapshot),
	}
	u.reset()

	engineOpts := []cascade.Option{cascade.WithObserver(opts.Observer)}
	if opts.Clock != nil {
		engineOpts = append(engineOpts, cascade.WithClock(opts.Clock))
	}
	u.engine = cascade.NewEngine(u, reg, record.NewAccessor(reg), engineOpts...)
	u.hooks = cascade.NewHooks(u.engine)
	return u
}

func (u *UnitOfWork) reset() {
	u.persists = nil
	u.persistSet = make(map[cascade.ID]bool)
	u.removals = nil
	u.removalSet = make(map[cascade.ID]bool)
}

// Find returns the record of entity with primary key id, reading it from the
// identity map or the database. Relations are not loaded.
func (u *UnitOfWork) Find(ctx context.Context, entityName, id string) (*record.Record, error) {
	entity := u.registry.GetEntity(entityName)
	if entity == nil {
		return nil, fmt.Errorf("unknown entity %s", entityName)
	}
	if rec, ok := u.identity[record.Key(entity.Name, id)]; ok {
		return rec, nil
	}

	pk, err := pkParam(entity, id)
	if err != nil {
		return nil, ErrNotFound
	}
	pb := u.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		strings.Join(u.selectColumns(entity), ", "), entity.Table, entity.PrimaryKey.Field, pb.Add(pk))
	row, err := QueryRow(ctx, u.store.DB, query, pb.Params()...)
	if err != nil {
		return nil, err
	}
	return u.materialize(entity, row)
}

// Load returns the record together with every related record reachable
// through relations that carry a delete policy, so that a cascade started
// from it sees the full graph. Inverse fields of loaded children are linked
// back to their parent.
func (u *UnitOfWork) Load(ctx context.Context, entityName, id string) (*record.Record, error) {
	root, err := u.Find(ctx, entityName, id)
	if err != nil {
		return nil, err
	}

	queue := []*record.Record{root}
	seen := map[cascade.ID]bool{root.Identity(): true}
	for len(queue) > 0 {
		rec := queue[0]
		queue = queue[1:]

		for _, rel := range u.registry.GetRelationsForSource(rec.Kind()) {
			if rel.Policy() == metadata.OnDeleteNone || rec.HasLink(rel.Field) {
				continue
			}
			related, err := u.fetchRelated(ctx, rec, rel)
			if err != nil {
				return nil, fmt.Errorf("load %s.%s: %w", rec.Kind(), rel.Field, err)
			}
			u.link(rec, rel, related)
			for _, child := range related {
				if !seen[child.Identity()] {
					seen[child.Identity()] = true
					queue = append(queue, child)
				}
			}
		}
	}
	return root, nil
}

func (u *UnitOfWork) link(parent *record.Record, rel *metadata.Relation, related []*record.Record) {
	if rel.IsCollection() {
		parent.SetLink(rel.Field, []cascade.Record{})
		for _, r := range related {
			parent.AppendLink(rel.Field, r)
		}
	} else if len(related) > 0 {
		parent.SetLink(rel.Field, related[0])
	} else {
		parent.SetLink(rel.Field, nil)
	}

	if rel.Inverse == "" {
		return
	}
	inverse := u.registry.FindRelation(rel.Target, rel.Inverse)
	if inverse == nil || inverse.IsCollection() {
		// Collection inverses are never dissolved; linking a partial
		// collection would hide the rest of it from later loads.
		return
	}
	for _, child := range related {
		child.SetLink(inverse.Field, parent)
	}
}

func (u *UnitOfWork) fetchRelated(ctx context.Context, rec *record.Record, rel *metadata.Relation) ([]*record.Record, error) {
	if rel.ForeignKey == "" {
		return nil, fmt.Errorf("relation %s has no foreign key", rel.Name)
	}
	target := u.registry.GetEntity(rel.Target)
	if target == nil {
		return nil, fmt.Errorf("unknown target entity %s", rel.Target)
	}

	if rel.StoredOnSource() {
		fk := rec.Values[rel.ForeignKey]
		if fk == nil {
			return nil, nil
		}
		child, err := u.Find(ctx, target.Name, fmt.Sprintf("%v", fk))
		if errors.Is(err, ErrNotFound) {
			log.Printf("WARN: %s references missing %s %v", rec.Identity(), target.Name, fk)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*record.Record{child}, nil
	}

	source := u.registry.GetEntity(rec.Kind())
	pb := u.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s ORDER BY %s",
		strings.Join(u.selectColumns(target), ", "), target.Table, rel.ForeignKey,
		pb.Add(pkValue(source, rec)), target.PrimaryKey.Field)
	rows, err := QueryRows(ctx, u.store.DB, query, pb.Params()...)
	if err != nil {
		return nil, err
	}

	related := make([]*record.Record, 0, len(rows))
	for _, row := range rows {
		child, err := u.materialize(target, row)
		if err != nil {
			return nil, err
		}
		related = append(related, child)
	}
	return related, nil
}

// materialize returns the identity-mapped record for row, creating it on
// first sight. Rows already mapped keep their in-memory state.
func (u *UnitOfWork) materialize(entity *metadata.Entity, row map[string]any) (*record.Record, error) {
	id := record.Key(entity.Name, row[entity.PrimaryKey.Field])
	if rec, ok := u.identity[id]; ok {
		return rec, nil
	}

	rec := record.New(entity.Name, row[entity.PrimaryKey.Field])
	for k, v := range row {
		if k == metadata.DeletedAtColumn {
			continue
		}
		if u.store.Dialect.NeedsBoolFix() {
			if f := entity.GetField(k); f != nil && f.Type == "boolean" {
				v = fixBool(v)
			}
		}
		rec.Values[k] = v
	}
	if entity.SoftDelete {
		deletedAt, err := ParseTime(row[metadata.DeletedAtColumn])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		if deletedAt != nil {
			rec.SetDeletedAt(*deletedAt)
		}
	}

	u.identity[id] = rec
	u.loaded[id] = snapshot{deletedAt: rec.DeletedAt()}
	return rec, nil
}

// Track registers a record that has not been stored yet.
func (u *UnitOfWork) Track(rec *record.Record) {
	u.identity[rec.Identity()] = rec
}

// IsNew reports whether the record has not been read from or written to the
// database by this unit of work.
func (u *UnitOfWork) IsNew(rec cascade.Record) bool {
	_, ok := u.loaded[rec.Identity()]
	return !ok
}

// Persist queues rec for insert or update. A record that is also scheduled
// for removal stays scheduled and is not written.
func (u *UnitOfWork) Persist(rec cascade.Record) error {
	r, ok := rec.(*record.Record)
	if !ok {
		return fmt.Errorf("unsupported record type %T", rec)
	}
	id := r.Identity()
	if _, ok := u.identity[id]; !ok {
		u.identity[id] = r
	}
	if !u.persistSet[id] {
		u.persistSet[id] = true
		u.persists = append(u.persists, id)
	}
	return nil
}

// Remove schedules rec for physical removal.
func (u *UnitOfWork) Remove(rec cascade.Record) error {
	r, ok := rec.(*record.Record)
	if !ok {
		return fmt.Errorf("unsupported record type %T", rec)
	}
	id := r.Identity()
	if _, ok := u.identity[id]; !ok {
		u.identity[id] = r
	}
	if !u.removalSet[id] {
		u.removalSet[id] = true
		u.removals = append(u.removals, id)
	}
	return nil
}

// CancelRemove drops a scheduled removal.
func (u *UnitOfWork) CancelRemove(rec cascade.Record) {
	id := rec.Identity()
	if !u.removalSet[id] {
		return
	}
	delete(u.removalSet, id)
	for i, r := range u.removals {
		if r == id {
			u.removals = append(u.removals[:i:i], u.removals[i+1:]...)
			break
		}
	}
}

// Commit runs the delete hooks for the records the caller scheduled and then
// writes every queued change in one transaction: inserts and updates first,
// removals after, in the order they were queued.
func (u *UnitOfWork) Commit(ctx context.Context) (*CommitResult, error) {
	start := time.Now()
	result, err := u.commit(ctx)
	if u.opts.CommitObserver != nil {
		u.opts.CommitObserver.ObserveCommit(time.Since(start), err)
	}
	if err != nil {
		u.reset()
		return nil, err
	}
	return result, nil
}

func (u *UnitOfWork) commit(ctx context.Context) (*CommitResult, error) {
	result := &CommitResult{CommitID: uuid.New().String()}
	touched := make(map[cascade.ID]bool)
	callerRemovals := append([]cascade.ID(nil), u.removals...)
	callerPersists := append([]cascade.ID(nil), u.persists...)

	for _, id := range callerRemovals {
		rec := u.identity[id]
		redirected, visited, err := u.hooks.RedirectRemoval(u, rec)
		if err != nil {
			return nil, err
		}
		if !redirected {
			// Not soft-deletable: the removal stands and cascades along
			// the relations' policies in hard mode.
			visited = cascade.NewVisited()
			if err := u.engine.Delete(rec, cascade.ModeHard, visited); err != nil {
				if u.opts.Observer != nil {
					u.opts.Observer.CascadeFailed(err)
				}
				return nil, err
			}
		}
		u.collect(result, TriggerRemove, rec, visited, touched)
	}

	for _, id := range callerPersists {
		rec := u.identity[id]
		if touched[id] || u.removalSet[id] || !u.freshlyDeleted(rec) {
			continue
		}
		visited, err := u.hooks.BeforeSave(rec)
		if err != nil {
			return nil, err
		}
		u.collect(result, TriggerSave, rec, visited, touched)
	}

	if err := u.flush(ctx, result); err != nil {
		return nil, err
	}

	if len(result.Events) > 0 {
		log.Printf("Commit %s: %d soft deleted, %d hard deleted", result.CommitID,
			result.Count(cascade.ModeSoft), result.Count(cascade.ModeHard))
	}

	if u.opts.Detach {
		for id := range touched {
			delete(u.identity, id)
			delete(u.loaded, id)
		}
	}
	return result, nil
}

func (u *UnitOfWork) freshlyDeleted(rec *record.Record) bool {
	if rec.DeletedAt() == nil {
		return false
	}
	prev, ok := u.loaded[rec.Identity()]
	return !ok || prev.deletedAt == nil
}

func (u *UnitOfWork) collect(result *CommitResult, trigger string, root *record.Record, visited *cascade.Visited, touched map[cascade.ID]bool) {
	if visited == nil || visited.Len() == 0 {
		return
	}
	for _, id := range visited.Identities() {
		if touched[id] {
			continue
		}
		var mode cascade.Mode
		switch visited.State(id) {
		case cascade.SoftDeleted:
			mode = cascade.ModeSoft
		case cascade.HardDeleted:
			mode = cascade.ModeHard
		default:
			continue
		}
		touched[id] = true
		rec := u.identity[id]
		result.Events = append(result.Events, CascadeEvent{
			Trigger:  trigger,
			Root:     string(root.Identity()),
			Entity:   rec.Kind(),
			RecordID: rec.ID(),
			Mode:     mode.String(),
		})
	}
}

func (u *UnitOfWork) flush(ctx context.Context, result *CommitResult) error {
	tx, err := u.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var written []cascade.ID
	for _, id := range u.persists {
		if u.removalSet[id] {
			continue
		}
		rec := u.identity[id]
		if u.IsNew(rec) {
			err = u.insert(ctx, tx, rec)
		} else {
			err = u.update(ctx, tx, rec)
		}
		if err != nil {
			return MapError(u.store.Dialect, err)
		}
		written = append(written, id)
	}

	for _, id := range u.removals {
		if err := u.remove(ctx, tx, u.identity[id]); err != nil {
			return MapError(u.store.Dialect, err)
		}
	}

	for _, e := range result.Events {
		pb := u.store.Dialect.NewParamBuilder()
		query := fmt.Sprintf("INSERT INTO _cascade_events (id, commit_id, cause, root, entity, record_id, mode) VALUES (%s, %s, %s, %s, %s, %s, %s)",
			pb.Add(uuid.New().String()), pb.Add(result.CommitID), pb.Add(e.Trigger), pb.Add(e.Root),
			pb.Add(e.Entity), pb.Add(e.RecordID), pb.Add(e.Mode))
		if _, err := Exec(ctx, tx, query, pb.Params()...); err != nil {
			return fmt.Errorf("record cascade event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for _, id := range written {
		u.loaded[id] = snapshot{deletedAt: u.identity[id].DeletedAt()}
	}
	for _, id := range u.removals {
		delete(u.identity, id)
		delete(u.loaded, id)
	}
	u.reset()
	return nil
}

func (u *UnitOfWork) insert(ctx context.Context, q Querier, rec *record.Record) error {
	entity := u.registry.GetEntity(rec.Kind())
	if entity == nil {
		return fmt.Errorf("unknown entity %s", rec.Kind())
	}
	if _, ok := rec.Values[entity.PrimaryKey.Field]; !ok {
		rec.Values[entity.PrimaryKey.Field] = rec.ID()
	}

	cols, vals := u.columnValues(entity, rec)
	pb := u.store.Dialect.NewParamBuilder()
	placeholders := make([]string, len(vals))
	for i, v := range vals {
		placeholders[i] = pb.Add(v)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		entity.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := Exec(ctx, q, query, pb.Params()...); err != nil {
		return fmt.Errorf("insert %s: %w", rec.Identity(), err)
	}
	return nil
}

func (u *UnitOfWork) update(ctx context.Context, q Querier, rec *record.Record) error {
	entity := u.registry.GetEntity(rec.Kind())
	if entity == nil {
		return fmt.Errorf("unknown entity %s", rec.Kind())
	}

	cols, vals := u.columnValues(entity, rec)
	pb := u.store.Dialect.NewParamBuilder()
	var sets []string
	for i, col := range cols {
		if col == entity.PrimaryKey.Field {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", col, pb.Add(vals[i])))
	}
	if len(sets) == 0 {
		return nil
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		entity.Table, strings.Join(sets, ", "), entity.PrimaryKey.Field, pb.Add(pkValue(entity, rec)))
	if _, err := Exec(ctx, q, query, pb.Params()...); err != nil {
		return fmt.Errorf("update %s: %w", rec.Identity(), err)
	}
	return nil
}

func (u *UnitOfWork) remove(ctx context.Context, q Querier, rec *record.Record) error {
	entity := u.registry.GetEntity(rec.Kind())
	if entity == nil {
		return fmt.Errorf("unknown entity %s", rec.Kind())
	}
	pb := u.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		entity.Table, entity.PrimaryKey.Field, pb.Add(pkValue(entity, rec)))
	if _, err := Exec(ctx, q, query, pb.Params()...); err != nil {
		return fmt.Errorf("delete %s: %w", rec.Identity(), err)
	}
	return nil
}

// columnValues returns the columns to write for rec: scalar fields present in
// its values, foreign keys derived from loaded links, and deleted_at. Foreign
// key values are written back into rec.Values.
func (u *UnitOfWork) columnValues(entity *metadata.Entity, rec *record.Record) ([]string, []any) {
	var cols []string
	var vals []any
	written := make(map[string]bool)

	add := func(col string, v any) {
		if written[col] {
			for i, c := range cols {
				if c == col {
					vals[i] = v
				}
			}
			return
		}
		written[col] = true
		cols = append(cols, col)
		vals = append(vals, v)
	}

	for _, f := range entity.Fields {
		if f.Name == metadata.DeletedAtColumn {
			continue
		}
		if v, ok := rec.Values[f.Name]; ok {
			add(f.Name, v)
		}
	}

	for col, rel := range u.registry.ForeignKeyColumns(entity.Name) {
		if v, ok := u.foreignKeyValue(rec, rel); ok {
			rec.Values[col] = v
			add(col, v)
		} else if v, ok := rec.Values[col]; ok {
			add(col, v)
		}
	}

	if entity.SoftDelete {
		if t := rec.DeletedAt(); t != nil {
			add(metadata.DeletedAtColumn, u.store.Dialect.TimeParam(*t))
		} else {
			add(metadata.DeletedAtColumn, nil)
		}
	}
	return cols, vals
}

// foreignKeyValue resolves the value of rel's foreign key column on rec from
// the link that carries it. It reports false when that link is not loaded.
func (u *UnitOfWork) foreignKeyValue(rec *record.Record, rel *metadata.Relation) (any, bool) {
	field := linkField(rec, rel)
	if field == "" || !rec.HasLink(field) {
		return nil, false
	}
	linked, ok := rec.Link(field).(*record.Record)
	if !ok || linked == nil {
		return nil, true
	}
	return pkValue(u.registry.GetEntity(linked.Kind()), linked), true
}

// linkField names the relation field of rec that holds the record rel's
// foreign key column points to.
func linkField(rec *record.Record, rel *metadata.Relation) string {
	if rel.Source == rec.Kind() && rel.StoredOnSource() {
		return rel.Field
	}
	return rel.Inverse
}

// Assign copies values into rec. Assigning a foreign key column drops the
// loaded link that carries it, so the assigned value is what gets written.
func (u *UnitOfWork) Assign(rec *record.Record, values map[string]any) {
	fks := u.registry.ForeignKeyColumns(rec.Kind())
	for col, v := range values {
		rec.Values[col] = v
		if rel, ok := fks[col]; ok {
			if field := linkField(rec, rel); field != "" {
				rec.Unlink(field)
			}
		}
	}
}

func (u *UnitOfWork) selectColumns(entity *metadata.Entity) []string {
	cols := entity.FieldNames()
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		seen[c] = true
	}
	for col := range u.registry.ForeignKeyColumns(entity.Name) {
		if !seen[col] {
			seen[col] = true
			cols = append(cols, col)
		}
	}
	if entity.SoftDelete && !seen[metadata.DeletedAtColumn] {
		cols = append(cols, metadata.DeletedAtColumn)
	}
	return cols
}

// pkValue returns the primary key of rec as loaded from the database, falling
// back to the string form of its identity.
func pkValue(entity *metadata.Entity, rec *record.Record) any {
	if entity != nil {
		if v, ok := rec.Values[entity.PrimaryKey.Field]; ok && v != nil {
			return v
		}
	}
	return rec.ID()
}

// pkParam converts a primary key from its string form to the column type.
func pkParam(entity *metadata.Entity, id string) (any, error) {
	switch entity.PrimaryKey.Type {
	case "int", "integer", "bigint":
		return strconv.ParseInt(id, 10, 64)
	default:
		return id, nil
	}
}

func fixBool(v any) any {
	switch b := v.(type) {
	case int64:
		return b != 0
	case int:
		return b != 0
	default:
		return v
	}
}
