package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cascade-backend/internal/cascade"
	"cascade-backend/internal/metadata"
	"cascade-backend/internal/record"
)

const shopSchema = `
entities:
  - name: customer
    table: customers
    soft_delete: true
    fields:
      - { name: name, type: string }
  - name: order
    table: orders
    soft_delete: true
    fields:
      - { name: number, type: string, unique: true }
  - name: item
    table: items
    soft_delete: true
    fields:
      - { name: sku, type: string }
  - name: invoice
    table: invoices
    fields:
      - { name: total, type: float }
  - name: line
    table: lines
    fields:
      - { name: amount, type: float }
  - name: comment
    table: comments
    fields:
      - { name: body, type: text }
      - { name: pinned, type: boolean }

relations:
  - { source: customer, field: orders, target: order, cardinality: many, on_delete: restrict, foreign_key: customer_id, inverse: customer }
  - { source: order, field: customer, target: customer, owner: true, foreign_key: customer_id }
  - { source: order, field: items, target: item, cardinality: many, on_delete: soft_delete, foreign_key: order_id, inverse: order }
  - { source: item, field: order, target: order, owner: true, foreign_key: order_id }
  - { source: order, field: invoice, target: invoice, on_delete: hard_delete, foreign_key: order_id, inverse: order }
  - { source: invoice, field: order, target: order, owner: true, foreign_key: order_id }
  - { source: invoice, field: lines, target: line, cardinality: many, orphan_removal: true, foreign_key: invoice_id, inverse: invoice }
  - { source: line, field: invoice, target: invoice, owner: true, foreign_key: invoice_id }
  - { source: order, field: comments, target: comment, cardinality: many, on_delete: set_null, foreign_key: order_id, inverse: order }
  - { source: comment, field: order, target: order, owner: true, foreign_key: order_id }
`

var fixedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	ctx      context.Context
	store    *Store
	registry *metadata.Registry
}

func setupShop(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	s, err := Open(ctx, "sqlite", ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	schema, err := metadata.ParseSchema([]byte(shopSchema))
	require.NoError(t, err)
	reg := metadata.NewRegistry()
	require.NoError(t, metadata.LoadSchema(schema, reg))
	require.NoError(t, NewMigrator(s, reg).MigrateAll(ctx))

	env := &testEnv{ctx: ctx, store: s, registry: reg}
	env.seed(t)
	return env
}

func (e *testEnv) uow(opts UnitOfWorkOptions) *UnitOfWork {
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return fixedTime }
	}
	return NewUnitOfWork(e.store, e.registry, opts)
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	u := e.uow(UnitOfWorkOptions{})
	rows := []struct {
		entity string
		values map[string]any
	}{
		{"customer", map[string]any{"id": "c1", "name": "Ada"}},
		{"order", map[string]any{"id": "o1", "number": "A-1", "customer_id": "c1"}},
		{"item", map[string]any{"id": "i1", "sku": "pen", "order_id": "o1"}},
		{"item", map[string]any{"id": "i2", "sku": "ink", "order_id": "o1"}},
		{"invoice", map[string]any{"id": "v1", "total": 12.5, "order_id": "o1"}},
		{"line", map[string]any{"id": "l1", "amount": 12.5, "invoice_id": "v1"}},
		{"comment", map[string]any{"id": "m1", "body": "gift wrap", "pinned": true, "order_id": "o1"}},
	}
	for _, r := range rows {
		rec := record.New(r.entity, r.values["id"])
		for k, v := range r.values {
			rec.Values[k] = v
		}
		require.NoError(t, u.Persist(rec))
	}
	_, err := u.Commit(e.ctx)
	require.NoError(t, err)
}

func (e *testEnv) row(t *testing.T, table, id string) map[string]any {
	t.Helper()
	row, err := QueryRow(e.ctx, e.store.DB, "SELECT * FROM "+table+" WHERE id = ?1", id)
	if err == ErrNotFound {
		return nil
	}
	require.NoError(t, err)
	return row
}

func (e *testEnv) count(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.store.DB.QueryRowContext(e.ctx, query, args...).Scan(&n))
	return n
}

func TestLoadLinksCascadingRelations(t *testing.T) {
	env := setupShop(t)
	u := env.uow(UnitOfWorkOptions{})

	order, err := u.Load(env.ctx, "order", "o1")
	require.NoError(t, err)

	items, ok := order.Link("items").([]cascade.Record)
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.Equal(t, cascade.ID("item/i1"), items[0].Identity())
	assert.Same(t, order, items[0].(*record.Record).Link("order"))

	invoice, ok := order.Link("invoice").(*record.Record)
	require.True(t, ok)
	lines, ok := invoice.Link("lines").([]cascade.Record)
	require.True(t, ok)
	assert.Len(t, lines, 1)

	comments, ok := order.Link("comments").([]cascade.Record)
	require.True(t, ok)
	require.Len(t, comments, 1)
	assert.Equal(t, true, comments[0].(*record.Record).Values["pinned"])

	// Plain references are not followed.
	assert.False(t, order.HasLink("customer"))

	again, err := u.Find(env.ctx, "item", "i1")
	require.NoError(t, err)
	assert.Same(t, items[0], cascade.Record(again))
}

func TestRemoveSoftDeletableRedirectsToCascade(t *testing.T) {
	env := setupShop(t)
	u := env.uow(UnitOfWorkOptions{})

	order, err := u.Load(env.ctx, "order", "o1")
	require.NoError(t, err)
	require.NoError(t, u.Remove(order))

	result, err := u.Commit(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Count(cascade.ModeSoft))
	assert.Equal(t, 2, result.Count(cascade.ModeHard))
	for _, e := range result.Events {
		assert.Equal(t, TriggerRemove, e.Trigger)
		assert.Equal(t, "order/o1", e.Root)
	}

	// The root survives with a timestamp.
	o := env.row(t, "orders", "o1")
	require.NotNil(t, o)
	deletedAt, err := ParseTime(o["deleted_at"])
	require.NoError(t, err)
	require.NotNil(t, deletedAt)
	assert.True(t, fixedTime.Equal(*deletedAt))

	// Soft-cascaded children keep their link to the parent.
	for _, id := range []string{"i1", "i2"} {
		item := env.row(t, "items", id)
		require.NotNil(t, item)
		assert.NotNil(t, item["deleted_at"])
		assert.Equal(t, "o1", item["order_id"])
	}

	// Hard cascade removes the invoice and, through orphan removal, its lines.
	assert.Nil(t, env.row(t, "invoices", "v1"))
	assert.Nil(t, env.row(t, "lines", "l1"))

	// set_null dissolves without deleting.
	comment := env.row(t, "comments", "m1")
	require.NotNil(t, comment)
	assert.Nil(t, comment["order_id"])

	assert.Equal(t, int64(5), env.count(t, "SELECT COUNT(*) FROM _cascade_events WHERE commit_id = ?1", result.CommitID))
}

func TestSettingDeletedAtCascades(t *testing.T) {
	env := setupShop(t)
	u := env.uow(UnitOfWorkOptions{})

	order, err := u.Load(env.ctx, "order", "o1")
	require.NoError(t, err)
	order.SetDeletedAt(fixedTime)
	require.NoError(t, u.Persist(order))

	result, err := u.Commit(env.ctx)
	require.NoError(t, err)
	require.NotEmpty(t, result.Events)
	assert.Equal(t, TriggerSave, result.Events[0].Trigger)

	assert.NotNil(t, env.row(t, "items", "i2")["deleted_at"])
	assert.Nil(t, env.row(t, "invoices", "v1"))
}

func TestSavingAlreadyDeletedRecordDoesNotCascade(t *testing.T) {
	env := setupShop(t)
	u := env.uow(UnitOfWorkOptions{})
	order, err := u.Load(env.ctx, "order", "o1")
	require.NoError(t, err)
	order.SetDeletedAt(fixedTime)
	require.NoError(t, u.Persist(order))
	_, err = u.Commit(env.ctx)
	require.NoError(t, err)

	u2 := env.uow(UnitOfWorkOptions{})
	again, err := u2.Load(env.ctx, "order", "o1")
	require.NoError(t, err)
	require.NotNil(t, again.DeletedAt())
	again.Values["number"] = "A-1b"
	require.NoError(t, u2.Persist(again))

	result, err := u2.Commit(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.Equal(t, "A-1b", env.row(t, "orders", "o1")["number"])
}

func TestRestrictBlocksUntilChildrenAreDeleted(t *testing.T) {
	env := setupShop(t)

	u := env.uow(UnitOfWorkOptions{})
	customer, err := u.Load(env.ctx, "customer", "c1")
	require.NoError(t, err)
	require.NoError(t, u.Remove(customer))

	_, err = u.Commit(env.ctx)
	require.ErrorIs(t, err, cascade.ErrRestricted)
	assert.Nil(t, env.row(t, "customers", "c1")["deleted_at"])
	assert.Nil(t, env.row(t, "orders", "o1")["deleted_at"])

	u2 := env.uow(UnitOfWorkOptions{})
	order, err := u2.Load(env.ctx, "order", "o1")
	require.NoError(t, err)
	require.NoError(t, u2.Remove(order))
	_, err = u2.Commit(env.ctx)
	require.NoError(t, err)

	u3 := env.uow(UnitOfWorkOptions{})
	customer, err = u3.Load(env.ctx, "customer", "c1")
	require.NoError(t, err)
	require.NoError(t, u3.Remove(customer))
	result, err := u3.Commit(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count(cascade.ModeSoft))
	assert.NotNil(t, env.row(t, "customers", "c1")["deleted_at"])
}

func TestRemoveHardEntityCascadesHard(t *testing.T) {
	env := setupShop(t)
	u := env.uow(UnitOfWorkOptions{})

	invoice, err := u.Load(env.ctx, "invoice", "v1")
	require.NoError(t, err)
	require.NoError(t, u.Remove(invoice))

	result, err := u.Commit(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Count(cascade.ModeHard))
	assert.Nil(t, env.row(t, "invoices", "v1"))
	assert.Nil(t, env.row(t, "lines", "l1"))
	assert.Nil(t, env.row(t, "orders", "o1")["deleted_at"])
}

func TestDetachEvictsCascadedRecords(t *testing.T) {
	env := setupShop(t)

	for _, detach := range []bool{false, true} {
		u := env.uow(UnitOfWorkOptions{Detach: detach})
		item, err := u.Load(env.ctx, "item", "i1")
		require.NoError(t, err)
		require.NoError(t, u.Remove(item))
		_, err = u.Commit(env.ctx)
		require.NoError(t, err)

		again, err := u.Find(env.ctx, "item", "i1")
		require.NoError(t, err)
		if detach {
			assert.NotSame(t, item, again)
		} else {
			assert.Same(t, item, again)
		}
		assert.NotNil(t, again.DeletedAt())
	}
}

type recordingCommitObserver struct {
	calls int
	err   error
}

func (o *recordingCommitObserver) ObserveCommit(_ time.Duration, err error) {
	o.calls++
	o.err = err
}

func TestCommitRollsBackOnWriteError(t *testing.T) {
	env := setupShop(t)
	obs := &recordingCommitObserver{}
	u := env.uow(UnitOfWorkOptions{CommitObserver: obs})

	order, err := u.Load(env.ctx, "order", "o1")
	require.NoError(t, err)
	require.NoError(t, u.Remove(order))

	dup := record.New("order", "o2")
	dup.Values["id"] = "o2"
	dup.Values["number"] = "A-1"
	require.NoError(t, u.Persist(dup))

	_, err = u.Commit(env.ctx)
	require.ErrorIs(t, err, ErrUniqueViolation)
	assert.Equal(t, 1, obs.calls)
	assert.Error(t, obs.err)

	assert.Nil(t, env.row(t, "orders", "o1")["deleted_at"])
	assert.NotNil(t, env.row(t, "invoices", "v1"))
	assert.Nil(t, env.row(t, "orders", "o2"))
	assert.Equal(t, int64(0), env.count(t, "SELECT COUNT(*) FROM _cascade_events"))
}

func TestCancelRemove(t *testing.T) {
	env := setupShop(t)
	u := env.uow(UnitOfWorkOptions{})

	invoice, err := u.Load(env.ctx, "invoice", "v1")
	require.NoError(t, err)
	require.NoError(t, u.Remove(invoice))
	u.CancelRemove(invoice)

	result, err := u.Commit(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.NotNil(t, env.row(t, "invoices", "v1"))
}

func TestListCascadeEvents(t *testing.T) {
	env := setupShop(t)
	u := env.uow(UnitOfWorkOptions{})
	order, err := u.Load(env.ctx, "order", "o1")
	require.NoError(t, err)
	require.NoError(t, u.Remove(order))
	result, err := u.Commit(env.ctx)
	require.NoError(t, err)

	events, err := ListCascadeEvents(env.ctx, env.store, "item", "", 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = ListCascadeEvents(env.ctx, env.store, "", result.CommitID, 10)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestFindUnknownRow(t *testing.T) {
	env := setupShop(t)
	u := env.uow(UnitOfWorkOptions{})
	_, err := u.Find(env.ctx, "order", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
