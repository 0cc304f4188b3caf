package objectcontext_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/datakit/internal/lane"
	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/oid"
	"github.com/roach88/datakit/internal/query"
	"github.com/roach88/datakit/internal/store"
	"github.com/roach88/datakit/internal/storeerr"
	"github.com/roach88/datakit/internal/testutil"
)

func newRoot(t *testing.T, c *store.Coordinator, opts ...objectcontext.Option) *objectcontext.Context {
	t.Helper()
	opts = append([]objectcontext.Option{objectcontext.WithLogger(testutil.DiscardLogger())}, opts...)
	root, err := objectcontext.NewRoot(c, opts...)
	require.NoError(t, err)
	t.Cleanup(root.Close)
	return root
}

func newChild(t *testing.T, parent *objectcontext.Context, d objectcontext.Discipline) *objectcontext.Context {
	t.Helper()
	child, err := objectcontext.NewChild(parent, d)
	require.NoError(t, err)
	t.Cleanup(child.Close)
	return child
}

func insertCar(t *testing.T, c *objectcontext.Context, plate string) *objectcontext.Object {
	t.Helper()
	car, err := c.Insert("Car")
	require.NoError(t, err)
	require.NoError(t, car.Set("plate", plate))
	return car
}

func cars(plate string) query.Request {
	return query.Request{Kind: "Car", Predicate: "plate == args[0]", Args: []any{plate}}
}

func TestNew_Misuse(t *testing.T) {
	_, err := objectcontext.NewRoot(nil)
	assert.True(t, storeerr.IsMisuse(err))

	_, err = objectcontext.NewChild(nil, objectcontext.Background)
	assert.True(t, storeerr.IsMisuse(err))

	root := newRoot(t, testutil.Coordinator(t))
	_, err = objectcontext.NewChild(root, objectcontext.Foreground)
	assert.True(t, storeerr.IsMisuse(err), "foreground child needs a foreground lane")

	_, err = objectcontext.NewChild(root, objectcontext.Discipline(9))
	assert.True(t, storeerr.IsMisuse(err))
}

func TestHierarchy(t *testing.T) {
	fg := lane.NewForeground("main")
	root := newRoot(t, testutil.Coordinator(t), objectcontext.WithForegroundLane(fg))
	main := newChild(t, root, objectcontext.Foreground)
	bg := newChild(t, main, objectcontext.Background)

	assert.True(t, root.IsRoot())
	assert.NotNil(t, root.Coordinator())
	assert.Nil(t, root.Parent())

	assert.False(t, bg.IsRoot())
	assert.Nil(t, bg.Coordinator())
	assert.Same(t, main, bg.Parent())
	assert.Same(t, root, bg.Root())
	assert.Equal(t, 2, bg.Depth())

	assert.Same(t, fg, main.Lane())
	assert.Equal(t, objectcontext.Foreground, main.Discipline())
	assert.NotSame(t, fg, bg.Lane())
	assert.Same(t, fg, bg.ForegroundLane())
}

func TestInsert(t *testing.T) {
	root := newRoot(t, testutil.Coordinator(t))

	e, err := root.Insert("Employee")
	require.NoError(t, err)
	assert.True(t, e.ID().IsTemporary())
	assert.Equal(t, "Employee", e.Kind())
	assert.Equal(t, 0.0, e.Get("salary"), "defaults are applied")
	assert.True(t, e.IsInserted())
	assert.True(t, root.HasChanges())

	_, err = root.Insert("Person")
	assert.True(t, storeerr.IsMisuse(err), "abstract kinds cannot be inserted")

	_, err = root.Insert("Boat")
	assert.True(t, storeerr.IsMisuse(err))
}

func TestObject_Set(t *testing.T) {
	root := newRoot(t, testutil.Coordinator(t))
	e, err := root.Insert("Employee")
	require.NoError(t, err)

	require.NoError(t, e.Set("personID", 7))
	assert.Equal(t, int64(7), e.Get("personID"))

	err = e.Set("nickname", "x")
	assert.True(t, storeerr.IsValidation(err))

	err = e.SetAll(map[string]any{"name": "Harvey", "personID": "seven"})
	assert.True(t, storeerr.IsValidation(err))
	assert.Nil(t, e.Get("name"), "SetAll is all or nothing")

	require.NoError(t, e.Set("salary", nil))
	assert.NotContains(t, e.Attributes(), "salary")
}

func TestCommitUpward_Root(t *testing.T) {
	ctx := context.Background()
	coord := testutil.Coordinator(t)
	root := newRoot(t, coord)

	car := insertCar(t, root, "AB-12")
	require.NoError(t, root.CommitUpward(ctx))

	assert.False(t, root.HasChanges())
	assert.False(t, car.ID().IsTemporary())
	assert.False(t, car.IsInserted())

	r, err := coord.Get(ctx, car.ID())
	require.NoError(t, err)
	assert.Equal(t, "AB-12", r.Attributes["plate"])

	got, ok := root.Registered(car.ID())
	require.True(t, ok)
	assert.Same(t, car, got)
}

func TestCommitUpward_ChildGoesOneLevel(t *testing.T) {
	ctx := context.Background()
	coord := testutil.Coordinator(t)
	root := newRoot(t, coord)
	child := newChild(t, root, objectcontext.Background)

	car := insertCar(t, child, "AB-12")
	require.NoError(t, child.CommitUpward(ctx))

	assert.False(t, child.HasChanges())
	assert.True(t, root.HasChanges(), "the parent now holds the change")
	stored, err := coord.Fetch(ctx, query.Request{Kind: "Car"})
	require.NoError(t, err)
	assert.Empty(t, stored, "the store is not touched by a child commit")

	inRoot, ok := root.Registered(car.ID())
	require.True(t, ok, "same permanent identity in the parent")
	assert.NotSame(t, car, inRoot)
	assert.True(t, inRoot.IsInserted())

	require.NoError(t, root.CommitUpward(ctx))
	_, err = coord.Get(ctx, car.ID())
	require.NoError(t, err)
}

func TestCommitUpward_NoChanges(t *testing.T) {
	root := newRoot(t, testutil.Coordinator(t))
	require.NoError(t, root.CommitUpward(context.Background()))
}

func TestCommitUpward_ValidationLeavesPendingSet(t *testing.T) {
	ctx := context.Background()
	coord := testutil.Coordinator(t)
	root := newRoot(t, coord)

	e, err := root.Insert("Employee")
	require.NoError(t, err)
	require.NoError(t, e.Set("name", "NoID"))

	err = root.CommitUpward(ctx)
	require.Error(t, err)
	assert.True(t, storeerr.IsValidation(err))
	assert.True(t, root.HasChanges())
	assert.True(t, e.IsInserted())

	require.NoError(t, e.Set("personID", 1))
	require.NoError(t, root.CommitUpward(ctx))
	assert.False(t, root.HasChanges())
}

func TestCommitUpward_IOFailureLeavesPendingSet(t *testing.T) {
	ctx := context.Background()
	coord, fb := testutil.FaultyCoordinator(t)
	root := newRoot(t, coord)

	car := insertCar(t, root, "AB-12")
	fb.FailNext(1, nil)

	err := root.CommitUpward(ctx)
	require.Error(t, err)
	assert.True(t, storeerr.IsIO(err))
	assert.True(t, car.IsInserted())
	assert.False(t, car.ID().IsTemporary(), "identities made permanent before the failure stay permanent")

	require.NoError(t, root.CommitUpward(ctx), "retry succeeds")
	_, err = coord.Get(ctx, car.ID())
	require.NoError(t, err)
}

func TestAssignPermanentIdentities_Idempotent(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))
	car := insertCar(t, root, "AB-12")
	temp := car.ID()

	require.NoError(t, root.AssignPermanentIdentities(ctx))
	first := car.ID()
	assert.False(t, first.IsTemporary())

	require.NoError(t, root.AssignPermanentIdentities(ctx))
	assert.Equal(t, first, car.ID())

	_, ok := root.Registered(temp)
	assert.False(t, ok)
	got, ok := root.Registered(first)
	require.True(t, ok)
	assert.Same(t, car, got)
}

func TestObtainPermanentIDs_ForeignObject(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))
	child := newChild(t, root, objectcontext.Background)
	car := insertCar(t, child, "X")

	err := root.ObtainPermanentIDs(ctx, []*objectcontext.Object{car})
	assert.True(t, storeerr.IsMisuse(err))

	require.NoError(t, child.ObtainPermanentIDs(ctx, []*objectcontext.Object{car}))
	assert.False(t, car.ID().IsTemporary())
}

func TestFetch_MergesPendingChanges(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))
	insertCar(t, root, "A")
	insertCar(t, root, "B")
	require.NoError(t, root.CommitUpward(ctx))

	child := newChild(t, root, objectcontext.Background)
	a, err := child.FetchFirst(ctx, cars("A"))
	require.NoError(t, err)
	require.NotNil(t, a)
	b, err := child.FetchFirst(ctx, cars("B"))
	require.NoError(t, err)
	require.NotNil(t, b)

	require.NoError(t, a.Set("electric", true))
	require.NoError(t, child.Delete(b))
	insertCar(t, child, "C")

	all := query.Request{Kind: "Car", Sort: []query.SortKey{{Attribute: "plate"}}}
	got, err := child.Fetch(ctx, all)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Same(t, a, got[0], "local instances win")
	assert.Equal(t, true, got[0].Get("electric"))
	assert.Equal(t, "C", got[1].Get("plate"))

	n, err := child.Count(ctx, query.Request{Kind: "Car", Predicate: "electric == true"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inRoot, err := root.Fetch(ctx, all)
	require.NoError(t, err)
	require.Len(t, inRoot, 2, "the parent does not see uncommitted child changes")
	assert.Nil(t, inRoot[0].Get("electric"))
}

func TestFetch_GrandchildSeesParentPending(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))
	middle := newChild(t, root, objectcontext.Background)
	leaf := newChild(t, middle, objectcontext.Background)

	insertCar(t, middle, "M")
	got, err := leaf.Fetch(ctx, query.Request{Kind: "Car"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "M", got[0].Get("plate"))
	assert.False(t, got[0].IsInserted(), "clean in the leaf")
}

func TestFetch_SubkindsOnly(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))

	e, _ := root.Insert("Employee")
	require.NoError(t, e.SetAll(map[string]any{"personID": 1, "name": "Harvey"}))
	m, _ := root.Insert("Manager")
	require.NoError(t, m.SetAll(map[string]any{"personID": 2, "name": "Jessica"}))
	insertCar(t, root, "AB-12")
	require.NoError(t, root.CommitUpward(ctx))

	people, err := root.Fetch(ctx, query.Request{Kind: "Person"})
	require.NoError(t, err)
	assert.Len(t, people, 2)

	managers, err := root.Fetch(ctx, query.Request{Kind: "Manager"})
	require.NoError(t, err)
	require.Len(t, managers, 1)
	assert.Same(t, m, managers[0])

	_, err = root.Fetch(ctx, query.Request{Kind: "Boat"})
	assert.True(t, storeerr.IsMisuse(err))
	_, err = root.Fetch(ctx, query.Request{Kind: "Car", Predicate: "plate =="})
	assert.True(t, storeerr.IsMisuse(err))
}

func TestFetch_IdentityMap(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))
	insertCar(t, root, "A")
	require.NoError(t, root.CommitUpward(ctx))

	child := newChild(t, root, objectcontext.Background)
	first, err := child.FetchFirst(ctx, cars("A"))
	require.NoError(t, err)
	second, err := child.FetchFirst(ctx, cars("A"))
	require.NoError(t, err)
	assert.Same(t, first, second)

	existing, err := child.Existing(ctx, first.ID())
	require.NoError(t, err)
	assert.Same(t, first, existing)
}

func TestCount_DoesNotRegister(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))
	car := insertCar(t, root, "A")
	require.NoError(t, root.CommitUpward(ctx))

	child := newChild(t, root, objectcontext.Background)
	n, err := child.Count(ctx, query.Request{Kind: "Car"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := child.Registered(car.ID())
	assert.False(t, ok)
}

func TestExisting(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))
	child := newChild(t, root, objectcontext.Background)

	car := insertCar(t, child, "A")
	_, err := root.Existing(ctx, car.ID())
	assert.True(t, storeerr.IsMisuse(err), "temporary identities do not cross contexts")

	require.NoError(t, child.CommitUpward(ctx))
	inRoot, err := root.Existing(ctx, car.ID())
	require.NoError(t, err)
	assert.NotSame(t, car, inRoot)
	assert.Equal(t, "A", inRoot.Get("plate"))

	require.NoError(t, root.CommitUpward(ctx))
	other := newChild(t, root, objectcontext.Background)
	again, err := other.Existing(ctx, car.ID())
	require.NoError(t, err)
	assert.Equal(t, car.ID(), again.ID())

	ids, err := root.Coordinator().ObtainPermanentIDs([]string{"Car"})
	require.NoError(t, err)
	_, err = other.Existing(ctx, ids[0])
	assert.True(t, storeerr.IsNotFound(err))

	_, err = other.Existing(ctx, oid.ID{})
	assert.True(t, storeerr.IsMisuse(err))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	coord := testutil.Coordinator(t)
	root := newRoot(t, coord)

	draft := insertCar(t, root, "draft")
	require.NoError(t, root.Delete(draft))
	assert.False(t, root.HasChanges(), "deleting a pending insert drops it")
	assert.True(t, draft.IsDetached())

	car := insertCar(t, root, "A")
	require.NoError(t, root.CommitUpward(ctx))

	require.NoError(t, root.Delete(car))
	require.NoError(t, root.Delete(car), "deleting twice is a no-op")
	assert.True(t, car.IsDeleted())
	assert.True(t, storeerr.IsMisuse(car.Set("plate", "B")))

	child := newChild(t, root, objectcontext.Background)
	assert.True(t, storeerr.IsMisuse(child.Delete(car)), "objects are deleted in their own context")
	assert.True(t, storeerr.IsMisuse(root.Delete(nil)))

	require.NoError(t, root.CommitUpward(ctx))
	assert.True(t, car.IsDetached())
	_, err := coord.Get(ctx, car.ID())
	assert.True(t, storeerr.IsNotFound(err))
}

func TestDelete_ThroughChild(t *testing.T) {
	ctx := context.Background()
	coord := testutil.Coordinator(t)
	root := newRoot(t, coord)
	car := insertCar(t, root, "A")
	require.NoError(t, root.CommitUpward(ctx))

	child := newChild(t, root, objectcontext.Background)
	inChild, err := child.Existing(ctx, car.ID())
	require.NoError(t, err)
	require.NoError(t, child.Delete(inChild))
	require.NoError(t, child.CommitUpward(ctx))

	assert.True(t, car.IsDeleted(), "the parent instance is now pending deletion")
	require.NoError(t, root.CommitUpward(ctx))
	n, err := root.Count(ctx, query.Request{Kind: "Car"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChanges(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))
	a := insertCar(t, root, "A")
	b := insertCar(t, root, "B")
	require.NoError(t, root.CommitUpward(ctx))

	require.NoError(t, a.Set("electric", true))
	require.NoError(t, root.Delete(b))
	c := insertCar(t, root, "C")

	ch := root.Changes()
	assert.Equal(t, []*objectcontext.Object{c}, ch.Inserted)
	assert.Equal(t, []*objectcontext.Object{a}, ch.Updated)
	assert.Equal(t, []*objectcontext.Object{b}, ch.Deleted)
	assert.Equal(t, 3, ch.Len())
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))
	a := insertCar(t, root, "A")
	b := insertCar(t, root, "B")
	require.NoError(t, root.CommitUpward(ctx))

	require.NoError(t, a.Set("plate", "A2"))
	require.NoError(t, root.Delete(b))
	c := insertCar(t, root, "C")

	root.Rollback()
	assert.False(t, root.HasChanges())
	assert.Equal(t, "A", a.Get("plate"))
	assert.False(t, b.IsDeleted())
	assert.True(t, c.IsDetached())

	n, err := root.Count(ctx, query.Request{Kind: "Car"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNewChild_ClosedParent(t *testing.T) {
	root := newRoot(t, testutil.Coordinator(t))
	root.Close()
	_, err := objectcontext.NewChild(root, objectcontext.Background)
	assert.True(t, storeerr.IsLaneStopped(err))
}

func TestUndoGroups(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))
	a := insertCar(t, root, "A")
	require.NoError(t, root.CommitUpward(ctx))

	assert.True(t, storeerr.IsMisuse(root.Undo()))
	assert.True(t, storeerr.IsMisuse(root.EndUndoGroup()))

	root.BeginUndoGroup()
	require.NoError(t, a.Set("plate", "outer"))

	root.BeginUndoGroup()
	require.NoError(t, a.Set("plate", "inner"))
	b := insertCar(t, root, "B")
	assert.Equal(t, 2, root.UndoGroups())

	require.NoError(t, root.Undo())
	assert.Equal(t, "outer", a.Get("plate"))
	assert.True(t, b.IsDetached())
	assert.Len(t, root.Changes().Inserted, 0)
	assert.True(t, a.IsUpdated())

	require.NoError(t, root.Undo())
	assert.Equal(t, "A", a.Get("plate"))
	assert.False(t, root.HasChanges())

	root.BeginUndoGroup()
	insertCar(t, root, "kept")
	require.NoError(t, root.EndUndoGroup())
	assert.Zero(t, root.UndoGroups())
	assert.True(t, root.HasChanges())
}

func TestUndo_KeepsObjectsFetchedInsideTheGroup(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))
	insertCar(t, root, "A")
	insertCar(t, root, "B")
	require.NoError(t, root.CommitUpward(ctx))

	child := newChild(t, root, objectcontext.Background)
	child.BeginUndoGroup()
	fetched, err := child.Fetch(ctx, query.Request{Kind: "Car"})
	require.NoError(t, err)
	require.Len(t, fetched, 2)
	read, edited := fetched[0], fetched[1]
	if read.Get("plate") != "A" {
		read, edited = edited, read
	}
	require.NoError(t, edited.Set("plate", "B2"))
	added := insertCar(t, child, "C")
	require.NoError(t, child.Undo())

	assert.True(t, added.IsDetached())
	assert.False(t, read.IsDetached())
	assert.False(t, edited.IsDetached())
	assert.Equal(t, "B", edited.Get("plate"))
	assert.False(t, child.HasChanges())

	registered, ok := child.Registered(read.ID())
	require.True(t, ok)
	assert.Same(t, read, registered)
	require.NoError(t, read.Set("plate", "A2"), "still usable after the undo")
	assert.True(t, read.IsUpdated())
}

func TestSubscribe_DeliveredOnContextLane(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))

	got := make(chan objectcontext.Notification, 4)
	onLane := make(chan bool, 4)
	cancel := root.Subscribe(func(ctx context.Context, n objectcontext.Notification) {
		onLane <- root.Lane().InTask(ctx)
		got <- n
	})

	car := insertCar(t, root, "A")
	require.NoError(t, root.CommitUpward(ctx))

	select {
	case n := <-got:
		assert.Equal(t, objectcontext.EventDidSave, n.Event)
		assert.Equal(t, "root", n.Context)
		assert.Equal(t, []oid.ID{car.ID()}, n.Inserted)
		assert.True(t, <-onLane)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}

	cancel()
	insertCar(t, root, "B")
	require.NoError(t, root.CommitUpward(ctx))
	require.NoError(t, root.PerformAndWait(ctx, func(context.Context) {}))
	assert.Empty(t, got)
}

func TestSubscribe_ParentSeesChildCommit(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))
	child := newChild(t, root, objectcontext.Background)

	got := make(chan objectcontext.Notification, 1)
	root.Subscribe(func(_ context.Context, n objectcontext.Notification) { got <- n })

	car := insertCar(t, child, "A")
	require.NoError(t, child.CommitUpward(ctx))

	select {
	case n := <-got:
		assert.Equal(t, objectcontext.EventDidChange, n.Event)
		assert.Equal(t, []oid.ID{car.ID()}, n.Inserted)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestMergeChanges(t *testing.T) {
	ctx := context.Background()
	fg := lane.NewForeground("main")
	root := newRoot(t, testutil.Coordinator(t), objectcontext.WithForegroundLane(fg))
	car := insertCar(t, root, "A")
	gone := insertCar(t, root, "B")
	require.NoError(t, root.CommitUpward(ctx))

	main := newChild(t, root, objectcontext.Foreground)
	shown, err := main.Existing(ctx, car.ID())
	require.NoError(t, err)
	shownGone, err := main.Existing(ctx, gone.ID())
	require.NoError(t, err)

	require.NoError(t, car.Set("electric", true))
	require.NoError(t, root.Delete(gone))
	saved := make(chan objectcontext.Notification, 1)
	root.Subscribe(func(_ context.Context, n objectcontext.Notification) { saved <- n })
	require.NoError(t, root.CommitUpward(ctx))

	var n objectcontext.Notification
	select {
	case n = <-saved:
	case <-time.After(2 * time.Second):
		t.Fatal("did-save not delivered")
	}

	merged := make(chan objectcontext.Notification, 1)
	main.Subscribe(func(_ context.Context, n objectcontext.Notification) { merged <- n })
	require.NoError(t, main.MergeChanges(ctx, n))

	assert.Equal(t, true, shown.Get("electric"))
	assert.False(t, shown.IsUpdated(), "merged objects stay clean")
	assert.True(t, shownGone.IsDetached())

	fg.Drain()
	m := <-merged
	assert.Equal(t, objectcontext.EventDidMerge, m.Event)
	assert.Equal(t, main.Name(), m.Context)
}

func TestStrictAffinity(t *testing.T) {
	fg := lane.NewForeground("main")
	root := newRoot(t, testutil.Coordinator(t),
		objectcontext.WithForegroundLane(fg),
		objectcontext.WithStrictAffinity(true),
	)
	main := newChild(t, root, objectcontext.Foreground)

	_, err := main.Fetch(context.Background(), query.Request{Kind: "Car"})
	assert.True(t, storeerr.IsMisuse(err))

	var inside error
	require.NoError(t, main.Perform(func(ctx context.Context) {
		_, inside = main.Fetch(ctx, query.Request{Kind: "Car"})
	}))
	assert.Equal(t, 1, fg.Drain())
	assert.NoError(t, inside)

	_, err = root.Fetch(context.Background(), query.Request{Kind: "Car"})
	assert.NoError(t, err, "background contexts are not checked")
}

func TestPerform(t *testing.T) {
	ctx := context.Background()
	root := newRoot(t, testutil.Coordinator(t))

	var ran bool
	require.NoError(t, root.PerformAndWait(ctx, func(taskCtx context.Context) {
		ran = root.Lane().InTask(taskCtx)
	}))
	assert.True(t, ran)

	root.Close()
	root.Close()
	err := root.Perform(func(context.Context) {})
	assert.True(t, storeerr.IsLaneStopped(err))
}
