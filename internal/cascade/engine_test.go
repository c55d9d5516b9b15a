package cascade

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cascade-backend/internal/metadata"
)

func orderSchema() ([]*metadata.Entity, []*metadata.Relation) {
	entities := []*metadata.Entity{softEntity("order"), softEntity("item"), hardEntity("invoice")}
	relations := []*metadata.Relation{
		{Source: "order", Field: "items", Target: "item", Cardinality: metadata.CardinalityMany, OnDelete: metadata.OnDeleteSoft, Inverse: "order", ForeignKey: "order_id"},
		{Source: "order", Field: "invoice", Target: "invoice", Cardinality: metadata.CardinalityOne, OnDelete: metadata.OnDeleteHard, Inverse: "order", ForeignKey: "order_id"},
		{Source: "item", Field: "order", Target: "order", Cardinality: metadata.CardinalityOne, Owner: true, ForeignKey: "order_id"},
		{Source: "invoice", Field: "order", Target: "order", Cardinality: metadata.CardinalityOne, Owner: true, ForeignKey: "order_id"},
	}
	return entities, relations
}

func TestDelete_OrderScenario(t *testing.T) {
	h := newHarness(orderSchema())

	order := newNode("order", "1")
	item1 := newNode("item", "1")
	item2 := newNode("item", "2")
	invoice := newNode("invoice", "9")
	order.links["items"] = records(item1, item2)
	order.links["invoice"] = invoice
	item1.links["order"] = order
	item2.links["order"] = order
	invoice.links["order"] = order

	var orderLinkAtRemoval any = "unset"
	h.session.onRemove = func(rec Record) {
		if rec.Identity() == invoice.Identity() {
			orderLinkAtRemoval = invoice.links["order"]
		}
	}

	visited := NewVisited()
	require.NoError(t, h.engine.Delete(order, ModeSoft, visited))

	require.NotNil(t, order.deletedAt)
	require.NotNil(t, item1.deletedAt)
	require.NotNil(t, item2.deletedAt)
	assert.Equal(t, fixedNow, *order.deletedAt)

	assert.True(t, h.session.removed[invoice.Identity()], "invoice should be queued for removal")
	assert.Nil(t, orderLinkAtRemoval, "invoice.order must be cleared before the removal is queued")
	assert.Nil(t, invoice.deletedAt)
	assert.Nil(t, order.links["invoice"])

	// Soft-cascaded children keep their links.
	assert.Equal(t, records(item1, item2), order.links["items"])
	assert.Equal(t, order, item1.links["order"])

	assert.Equal(t, 4, visited.Len())
	assert.Equal(t, SoftDeleted, visited.State(order.Identity()))
	assert.Equal(t, HardDeleted, visited.State(invoice.Identity()))
}

func TestDelete_NoRelations(t *testing.T) {
	h := newHarness(orderSchema())
	order := newNode("order", "1")

	visited := NewVisited()
	require.NoError(t, h.engine.Delete(order, ModeSoft, visited))

	assert.NotNil(t, order.deletedAt)
	assert.Equal(t, 1, visited.Len())
	assert.Equal(t, []event{{op: "persist", id: order.Identity()}}, h.session.events)
}

func TestDelete_SelfReference(t *testing.T) {
	h := newHarness(
		[]*metadata.Entity{softEntity("folder")},
		[]*metadata.Relation{{Source: "folder", Field: "self", Target: "folder", Cardinality: metadata.CardinalityOne, OnDelete: metadata.OnDeleteSoft, Owner: true}},
	)
	a := newNode("folder", "a")
	a.links["self"] = a

	require.NoError(t, h.engine.Delete(a, ModeSoft, NewVisited()))
	assert.NotNil(t, a.deletedAt)
	assert.Equal(t, 1, h.session.persists[a.Identity()])
}

func TestDelete_MutualPair(t *testing.T) {
	h := newHarness(
		[]*metadata.Entity{softEntity("user"), softEntity("profile")},
		[]*metadata.Relation{
			{Source: "user", Field: "profile", Target: "profile", Cardinality: metadata.CardinalityOne, OnDelete: metadata.OnDeleteSoft, Inverse: "user"},
			{Source: "profile", Field: "user", Target: "user", Cardinality: metadata.CardinalityOne, OnDelete: metadata.OnDeleteSoft, Owner: true, Inverse: "profile"},
		},
	)
	u := newNode("user", "1")
	p := newNode("profile", "1")
	u.links["profile"] = p
	p.links["user"] = u

	visited := NewVisited()
	require.NoError(t, h.engine.Delete(u, ModeSoft, visited))
	assert.NotNil(t, u.deletedAt)
	assert.NotNil(t, p.deletedAt)
	assert.Equal(t, 2, visited.Len())
	assert.Equal(t, p, u.links["profile"], "soft cascade must not sever links")
}

func TestDelete_DiamondProcessesSharedChildOnce(t *testing.T) {
	h := newHarness(
		[]*metadata.Entity{softEntity("project"), softEntity("task"), softEntity("file")},
		[]*metadata.Relation{
			{Source: "project", Field: "tasks", Target: "task", Cardinality: metadata.CardinalityMany, OnDelete: metadata.OnDeleteSoft, Inverse: "project"},
			{Source: "task", Field: "project", Target: "project", Cardinality: metadata.CardinalityOne, Owner: true},
			{Source: "task", Field: "file", Target: "file", Cardinality: metadata.CardinalityOne, Owner: true, OnDelete: metadata.OnDeleteSoft},
		},
	)
	project := newNode("project", "p")
	left := newNode("task", "l")
	right := newNode("task", "r")
	shared := newNode("file", "f")
	project.links["tasks"] = records(left, right)
	left.links["file"] = shared
	right.links["file"] = shared

	visited := NewVisited()
	require.NoError(t, h.engine.Delete(project, ModeSoft, visited))

	assert.Equal(t, 1, h.session.persists[shared.Identity()])
	assert.Equal(t, 4, h.clock, "one timestamp per record")
	assert.Equal(t, 4, visited.Len())
	for _, id := range visited.Identities() {
		assert.Equal(t, SoftDeleted, visited.State(id), id)
	}
}

func TestDelete_PolicyCorrectness(t *testing.T) {
	h := newHarness(
		[]*metadata.Entity{softEntity("post"), softEntity("comment"), hardEntity("attachment")},
		[]*metadata.Relation{
			{Source: "post", Field: "comments", Target: "comment", Cardinality: metadata.CardinalityMany, OnDelete: metadata.OnDeleteSoft, Inverse: "post"},
			{Source: "post", Field: "attachments", Target: "attachment", Cardinality: metadata.CardinalityMany, OrphanRemoval: true, Inverse: "post"},
			{Source: "comment", Field: "post", Target: "post", Cardinality: metadata.CardinalityOne, Owner: true},
			{Source: "attachment", Field: "post", Target: "post", Cardinality: metadata.CardinalityOne, Owner: true},
		},
	)
	post := newNode("post", "1")
	comment := newNode("comment", "1")
	keep := newNode("attachment", "1")
	drop := newNode("attachment", "2")
	post.links["comments"] = records(comment)
	post.links["attachments"] = records(keep, drop)
	comment.links["post"] = post
	keep.links["post"] = post
	drop.links["post"] = post

	require.NoError(t, h.engine.Delete(post, ModeSoft, NewVisited()))

	assert.NotNil(t, comment.deletedAt)
	assert.Equal(t, records(comment), post.links["comments"])
	assert.True(t, h.session.removed[keep.Identity()])
	assert.True(t, h.session.removed[drop.Identity()])
	assert.Empty(t, post.links["attachments"])
	assert.Nil(t, drop.links["post"])
	assert.False(t, h.session.removed[post.Identity()])
}

func TestDelete_HardChildrenRemovedBeforeParentSaved(t *testing.T) {
	h := newHarness(orderSchema())
	order := newNode("order", "1")
	invoice := newNode("invoice", "9")
	order.links["invoice"] = invoice
	invoice.links["order"] = order

	require.NoError(t, h.engine.Delete(order, ModeSoft, NewVisited()))

	var ops []string
	for _, ev := range h.session.events {
		ops = append(ops, fmt.Sprintf("%s %s", ev.op, ev.id))
	}
	assert.Equal(t, []string{
		"persist invoice/9", // inverse cleared
		"persist order/1",   // parent field cleared
		"remove invoice/9",
		"persist invoice/9",
		"persist order/1", // terminal soft delete
	}, ops)
}

// snapshot captures the observable end state of a cascade.
func snapshot(s *fakeSession, ns ...*node) map[ID]string {
	out := make(map[ID]string)
	for _, n := range ns {
		var links []string
		for field, v := range n.links {
			switch val := v.(type) {
			case nil:
				links = append(links, field+"=nil")
			case []Record:
				ids := make([]string, len(val))
				for i, r := range val {
					ids[i] = string(r.Identity())
				}
				sort.Strings(ids)
				links = append(links, fmt.Sprintf("%s=%v", field, ids))
			case Record:
				links = append(links, field+"="+string(val.Identity()))
			}
		}
		sort.Strings(links)
		out[n.Identity()] = fmt.Sprintf("deleted=%t removed=%t links=%v", n.deletedAt != nil, s.removed[n.Identity()], links)
	}
	return out
}

func TestDelete_RelationOrderDoesNotChangeOutcome(t *testing.T) {
	base := []*metadata.Relation{
		{Source: "order", Field: "items", Target: "item", Cardinality: metadata.CardinalityMany, OnDelete: metadata.OnDeleteSoft, Inverse: "order"},
		{Source: "order", Field: "invoice", Target: "invoice", Cardinality: metadata.CardinalityOne, OnDelete: metadata.OnDeleteHard, Inverse: "order"},
		{Source: "order", Field: "coupon", Target: "coupon", Cardinality: metadata.CardinalityOne, OnDelete: metadata.OnDeleteSetNull, Inverse: "order"},
	}
	tail := []*metadata.Relation{
		{Source: "item", Field: "order", Target: "order", Cardinality: metadata.CardinalityOne, Owner: true},
		{Source: "item", Field: "invoice", Target: "invoice", Cardinality: metadata.CardinalityOne, Owner: true},
		{Source: "invoice", Field: "order", Target: "order", Cardinality: metadata.CardinalityOne, Owner: true},
		{Source: "coupon", Field: "order", Target: "order", Cardinality: metadata.CardinalityOne, Owner: true},
	}
	entities := []*metadata.Entity{softEntity("order"), softEntity("item"), hardEntity("invoice"), softEntity("coupon")}

	permutations := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	var first map[ID]string
	for _, perm := range permutations {
		var relations []*metadata.Relation
		for _, i := range perm {
			rel := *base[i]
			relations = append(relations, &rel)
		}
		for _, rel := range tail {
			r := *rel
			relations = append(relations, &r)
		}
		h := newHarness(entities, relations)

		order := newNode("order", "1")
		item := newNode("item", "1")
		invoice := newNode("invoice", "1")
		coupon := newNode("coupon", "1")
		order.links["items"] = records(item)
		order.links["invoice"] = invoice
		order.links["coupon"] = coupon
		item.links["order"] = order
		item.links["invoice"] = invoice
		invoice.links["order"] = order
		coupon.links["order"] = order

		require.NoError(t, h.engine.Delete(order, ModeSoft, NewVisited()), "permutation %v", perm)
		got := snapshot(h.session, order, item, invoice, coupon)
		if first == nil {
			first = got
			continue
		}
		assert.Equal(t, first, got, "permutation %v", perm)
	}
	assert.Equal(t, "deleted=false removed=false links=[order=nil]", first["coupon/1"])
}

func TestDelete_SchemaMismatch(t *testing.T) {
	h := newHarness(orderSchema())

	order := newNode("order", "1")
	order.links["invoice"] = records(newNode("invoice", "1"))
	err := h.engine.Delete(order, ModeSoft, NewVisited())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaMismatch))

	order2 := newNode("order", "2")
	order2.links["items"] = newNode("item", "1")
	err = h.engine.Delete(order2, ModeSoft, NewVisited())
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Nil(t, order2.deletedAt)
}

func TestDelete_EmptyCollections(t *testing.T) {
	h := newHarness(orderSchema())
	order := newNode("order", "1")
	order.links["items"] = []Record{}

	d, err := h.engine.classifier.Classify(order)
	require.NoError(t, err)
	assert.True(t, d.Empty())
	require.NoError(t, h.engine.Delete(order, ModeSoft, NewVisited()))
}

func TestDelete_MissingInverseIsConfigurationError(t *testing.T) {
	h := newHarness(
		[]*metadata.Entity{softEntity("order"), hardEntity("invoice")},
		[]*metadata.Relation{
			{Source: "order", Field: "invoice", Target: "invoice", Cardinality: metadata.CardinalityOne, OnDelete: metadata.OnDeleteHard, Inverse: "order"},
		},
	)
	order := newNode("order", "1")
	order.links["invoice"] = newNode("invoice", "1")

	obs := &countingObserver{}
	h.engine.observer = obs
	_, err := NewHooks(h.engine).BeforeSave(withDeletedAt(order))

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodeConfiguration, cerr.Code)
	assert.Equal(t, "invoice", cerr.Entity)
	assert.Len(t, obs.failed, 1)
	assert.Empty(t, h.session.removed)
}

func TestDelete_NonOwningHardCascadeNeedsInverse(t *testing.T) {
	h := newHarness(
		[]*metadata.Entity{softEntity("order"), hardEntity("line")},
		[]*metadata.Relation{
			{Source: "order", Field: "lines", Target: "line", Cardinality: metadata.CardinalityMany, OnDelete: metadata.OnDeleteHard},
		},
	)
	order := newNode("order", "1")
	order.links["lines"] = records(newNode("line", "1"))

	err := h.engine.Delete(order, ModeSoft, NewVisited())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDelete_SoftCascadeIntoHardEntity(t *testing.T) {
	h := newHarness(
		[]*metadata.Entity{softEntity("order"), hardEntity("log")},
		[]*metadata.Relation{
			{Source: "order", Field: "log", Target: "log", Cardinality: metadata.CardinalityOne, OnDelete: metadata.OnDeleteSoft, Owner: true},
		},
	)
	order := newNode("order", "1")
	order.links["log"] = newNode("log", "1")

	err := h.engine.Delete(order, ModeSoft, NewVisited())
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDelete_Restrict(t *testing.T) {
	entities := []*metadata.Entity{softEntity("customer"), softEntity("order")}
	relations := []*metadata.Relation{
		{Source: "customer", Field: "orders", Target: "order", Cardinality: metadata.CardinalityMany, OnDelete: metadata.OnDeleteRestrict, Inverse: "customer"},
		{Source: "order", Field: "customer", Target: "customer", Cardinality: metadata.CardinalityOne, Owner: true},
	}

	t.Run("blocked by live record", func(t *testing.T) {
		h := newHarness(entities, relations)
		c := newNode("customer", "1")
		c.links["orders"] = records(newNode("order", "1"))

		err := h.engine.Delete(c, ModeSoft, NewVisited())
		assert.ErrorIs(t, err, ErrRestricted)
		assert.Nil(t, c.deletedAt)
		assert.Empty(t, h.session.events)
	})

	t.Run("already deleted record does not block", func(t *testing.T) {
		h := newHarness(entities, relations)
		c := newNode("customer", "1")
		o := newNode("order", "1")
		o.SetDeletedAt(fixedNow)
		c.links["orders"] = records(o)

		require.NoError(t, h.engine.Delete(c, ModeSoft, NewVisited()))
		assert.NotNil(t, c.deletedAt)
	})

	t.Run("record deleted by a sibling relation does not block", func(t *testing.T) {
		h := newHarness(
			[]*metadata.Entity{softEntity("project"), softEntity("task")},
			[]*metadata.Relation{
				{Source: "project", Field: "pinned", Target: "task", Cardinality: metadata.CardinalityOne, OnDelete: metadata.OnDeleteRestrict},
				{Source: "project", Field: "tasks", Target: "task", Cardinality: metadata.CardinalityMany, OnDelete: metadata.OnDeleteSoft},
			},
		)
		p := newNode("project", "1")
		task := newNode("task", "1")
		p.links["pinned"] = task
		p.links["tasks"] = records(task)

		visited := NewVisited()
		require.NoError(t, h.engine.Delete(p, ModeSoft, visited))
		assert.NotNil(t, p.deletedAt)
		assert.NotNil(t, task.deletedAt)
		assert.Equal(t, SoftDeleted, visited.State(task.Identity()))
	})
}

func TestDelete_SetNullDissolvesWithoutDeleting(t *testing.T) {
	h := newHarness(
		[]*metadata.Entity{softEntity("team"), softEntity("member")},
		[]*metadata.Relation{
			{Source: "team", Field: "members", Target: "member", Cardinality: metadata.CardinalityMany, OnDelete: metadata.OnDeleteSetNull, Inverse: "team"},
			{Source: "member", Field: "team", Target: "team", Cardinality: metadata.CardinalityOne, Owner: true},
		},
	)
	team := newNode("team", "1")
	m := newNode("member", "1")
	team.links["members"] = records(m)
	m.links["team"] = team

	require.NoError(t, h.engine.Delete(team, ModeSoft, NewVisited()))
	assert.NotNil(t, team.deletedAt)
	assert.Nil(t, m.deletedAt)
	assert.Nil(t, m.links["team"])
	assert.Empty(t, team.links["members"])
	assert.Equal(t, 1, h.session.persists[m.Identity()])
}

func TestDelete_ExistingTimestampIsKept(t *testing.T) {
	h := newHarness(orderSchema())
	order := newNode("order", "1")
	earlier := fixedNow.AddDate(0, -1, 0)
	order.SetDeletedAt(earlier)

	require.NoError(t, h.engine.Delete(order, ModeSoft, NewVisited()))
	assert.Equal(t, earlier, *order.deletedAt)
	assert.Equal(t, 0, h.clock)
}

func TestDelete_ObserverCountsTerminalDeletes(t *testing.T) {
	obs := &countingObserver{}
	entities, relations := orderSchema()
	h := newHarness(entities, relations, WithObserver(obs))
	order := newNode("order", "1")
	order.links["items"] = records(newNode("item", "1"), newNode("item", "2"))
	order.links["invoice"] = newNode("invoice", "1")
	order.links["invoice"].(*node).links["order"] = order

	require.NoError(t, h.engine.Delete(order, ModeSoft, NewVisited()))
	assert.Equal(t, map[string]int{"order:soft": 1, "item:soft": 2, "invoice:hard": 1}, obs.deleted)
}

func withDeletedAt(n *node) *node {
	n.SetDeletedAt(fixedNow)
	return n
}
