package save_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/datakit/internal/diag"
	"github.com/roach88/datakit/internal/lane"
	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/oid"
	"github.com/roach88/datakit/internal/query"
	"github.com/roach88/datakit/internal/save"
	"github.com/roach88/datakit/internal/store"
	"github.com/roach88/datakit/internal/storeerr"
	"github.com/roach88/datakit/internal/testutil"
)

type fixture struct {
	coord *store.Coordinator
	fg    *lane.Lane
	root  *objectcontext.Context
	orch  *save.Orchestrator

	mu    sync.Mutex
	steps []save.Step
}

func newFixture(t *testing.T, coord *store.Coordinator, opts ...save.Option) *fixture {
	t.Helper()
	f := &fixture{coord: coord, fg: lane.NewForeground("main")}

	root, err := objectcontext.NewRoot(coord,
		objectcontext.WithLogger(testutil.DiscardLogger()),
		objectcontext.WithForegroundLane(f.fg),
	)
	require.NoError(t, err)
	t.Cleanup(root.Close)
	f.root = root

	opts = append([]save.Option{
		save.WithLogger(testutil.DiscardLogger()),
		save.WithObserver(func(s save.Step) {
			f.mu.Lock()
			f.steps = append(f.steps, s)
			f.mu.Unlock()
		}),
	}, opts...)
	f.orch, err = save.New(f.fg, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) child(t *testing.T, parent *objectcontext.Context, name string) *objectcontext.Context {
	t.Helper()
	c, err := objectcontext.NewChild(parent, objectcontext.Background, objectcontext.WithName(name))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func (f *fixture) await(t *testing.T, fut *save.Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := save.Await(ctx, f.fg, fut)
	require.True(t, fut.Resolved(), "future did not resolve")
	return err
}

func (f *fixture) trace() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	for _, s := range f.steps {
		b.WriteString(s.String())
		b.WriteByte('\n')
	}
	return b.String()
}

func assertGolden(t *testing.T, name, trace string) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(trace))
}

func addCar(plate string, out *oid.ID) save.Mutation {
	return func(_ context.Context, c *objectcontext.Context) error {
		car, err := c.Insert("Car")
		if err != nil {
			return err
		}
		if err := car.Set("plate", plate); err != nil {
			return err
		}
		if out != nil {
			*out = car.ID()
		}
		return nil
	}
}

func TestNew_RequiresForegroundLane(t *testing.T) {
	_, err := save.New(nil)
	assert.True(t, storeerr.IsMisuse(err))

	bg := lane.NewBackground("bg")
	defer bg.Stop()
	_, err = save.New(bg)
	assert.True(t, storeerr.IsMisuse(err))
}

func TestPerformSave_ThroughToStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.Coordinator(t))
	c2 := f.child(t, f.root, "worker")

	var id oid.ID
	calls := 0
	var got error
	fut := f.orch.PerformSave(c2, save.ThroughToStore, addCar("AB-12", &id), func(err error) {
		calls++
		got = err
	})
	require.NoError(t, f.await(t, fut))
	assert.Equal(t, 1, calls)
	assert.NoError(t, got)

	assert.False(t, id.IsTemporary(), "the mutation ran before identities were assigned")
	r, err := f.coord.Get(ctx, id)
	require.NoError(t, err, "the id the mutation saw is the stored id")
	assert.Equal(t, "AB-12", r.Attributes["plate"])

	inRoot, err := f.root.FetchFirst(ctx, query.Request{Kind: "Car", Predicate: `plate == "AB-12"`})
	require.NoError(t, err)
	require.NotNil(t, inRoot)
	assert.Equal(t, id, inRoot.ID())
	assert.False(t, f.root.HasChanges())
}

func TestPerformSave_TraceThroughToStore(t *testing.T) {
	f := newFixture(t, testutil.Coordinator(t))
	middle := f.child(t, f.root, "middle")
	leaf := f.child(t, middle, "leaf")

	fut := f.orch.PerformSave(leaf, save.ThroughToStore, addCar("A", nil), nil)
	require.NoError(t, f.await(t, fut))

	assertGolden(t, "through_to_store", f.trace())
}

func TestPerformSave_ParentOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.Coordinator(t))
	worker := f.child(t, f.root, "worker")

	fut := f.orch.PerformSave(worker, save.ParentOnly, addCar("A", nil), nil)
	require.NoError(t, f.await(t, fut))

	assertGolden(t, "parent_only", f.trace())
	assert.True(t, f.root.HasChanges())
	stored, err := f.coord.Fetch(ctx, query.Request{Kind: "Car"})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestPerformSave_ParentFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	coord, fb := testutil.FaultyCoordinator(t)
	f := newFixture(t, coord)
	middle := f.child(t, f.root, "middle")
	leaf := f.child(t, middle, "leaf")
	fb.FailNext(1, nil)

	calls := 0
	var got error
	fut := f.orch.PerformSave(leaf, save.ThroughToStore, addCar("A", nil), func(err error) {
		calls++
		got = err
	})
	err := f.await(t, fut)
	require.Error(t, err)
	assert.True(t, storeerr.IsIO(err))
	assert.Equal(t, err, got)
	assert.Equal(t, 1, calls)

	assertGolden(t, "parent_failure", f.trace())

	stored, err := coord.Fetch(ctx, query.Request{Kind: "Car"})
	require.NoError(t, err)
	assert.Empty(t, stored, "no partial commit at the store")
	assert.True(t, f.root.HasChanges(), "the failed level keeps its pending set")
}

func TestPerformSave_MutationErrorShortCircuits(t *testing.T) {
	f := newFixture(t, testutil.Coordinator(t))
	worker := f.child(t, f.root, "worker")
	boom := errors.New("boom")

	fut := f.orch.PerformSave(worker, save.ThroughToStore, func(context.Context, *objectcontext.Context) error {
		return boom
	}, nil)
	assert.ErrorIs(t, f.await(t, fut), boom)

	assert.Equal(t, "mutation context=worker depth=1 err\ncompletion context=main depth=0 err\n", f.trace())
}

func TestPerformSave_MutationPanic(t *testing.T) {
	f := newFixture(t, testutil.Coordinator(t))
	worker := f.child(t, f.root, "worker")

	fut := f.orch.PerformSave(worker, save.ThroughToStore, func(context.Context, *objectcontext.Context) error {
		panic("bad mutation")
	}, nil)
	err := f.await(t, fut)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad mutation")
}

func TestPerformSave_ValidationError(t *testing.T) {
	f := newFixture(t, testutil.Coordinator(t))
	worker := f.child(t, f.root, "worker")

	fut := f.orch.PerformSave(worker, save.ThroughToStore, func(_ context.Context, c *objectcontext.Context) error {
		_, err := c.Insert("Employee") // personID and name missing
		return err
	}, nil)
	err := f.await(t, fut)
	assert.True(t, storeerr.IsValidation(err))
	assert.False(t, f.root.HasChanges())
}

func TestPerformSave_CompletionDeferredToForeground(t *testing.T) {
	f := newFixture(t, testutil.Coordinator(t))
	worker := f.child(t, f.root, "worker")

	var draining, onForeground atomic.Bool
	var calls atomic.Int32
	fut := f.orch.PerformSave(worker, save.ThroughToStore, addCar("A", nil), func(error) {
		calls.Add(1)
		onForeground.Store(draining.Load())
	})

	require.Eventually(t, func() bool { return f.fg.Len() > 0 }, 5*time.Second, time.Millisecond)
	assert.Zero(t, calls.Load(), "completion waits for the foreground lane")
	assert.False(t, fut.Resolved())

	draining.Store(true)
	f.fg.Drain()
	draining.Store(false)

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, onForeground.Load())
	assert.True(t, fut.Resolved())
	assert.NoError(t, fut.Err())

	f.fg.Drain()
	assert.Equal(t, int32(1), calls.Load(), "exactly once")
}

func TestPerformSave_Misuse(t *testing.T) {
	f := newFixture(t, testutil.Coordinator(t))
	main, err := objectcontext.NewChild(f.root, objectcontext.Foreground)
	require.NoError(t, err)

	var got error
	fut := f.orch.PerformSave(main, save.ThroughToStore, addCar("A", nil), func(err error) { got = err })
	assert.True(t, storeerr.IsMisuse(f.await(t, fut)))
	assert.True(t, storeerr.IsMisuse(got), "misuse is still delivered through the completion")

	fut = f.orch.PerformSave(nil, save.ThroughToStore, nil, nil)
	assert.True(t, storeerr.IsMisuse(f.await(t, fut)))
}

func TestFail_DeliversCause(t *testing.T) {
	f := newFixture(t, testutil.Coordinator(t))
	cause := errors.New("no worker")

	var got error
	fut := f.orch.Fail(save.ThroughToStore, cause, func(err error) { got = err })
	assert.False(t, fut.Resolved(), "delivered by the foreground lane")
	assert.ErrorIs(t, f.await(t, fut), cause)
	assert.ErrorIs(t, got, cause)

	var action save.CommitAction = save.SaveToStore
	fut = f.orch.FailBlock(cause, func(a save.CommitAction, err error) {
		action, got = a, err
	})
	assert.ErrorIs(t, f.await(t, fut), cause)
	assert.ErrorIs(t, got, cause)
	assert.Equal(t, save.ActionUnset, action)
}

func TestPerformSave_StoppedContextLane(t *testing.T) {
	f := newFixture(t, testutil.Coordinator(t))
	worker := f.child(t, f.root, "worker")
	worker.Close()

	fut := f.orch.PerformSave(worker, save.ThroughToStore, addCar("A", nil), nil)
	assert.True(t, storeerr.IsLaneStopped(f.await(t, fut)))
}

func TestPerformSave_StoppedForegroundLaneStillResolves(t *testing.T) {
	f := newFixture(t, testutil.Coordinator(t))
	worker := f.child(t, f.root, "worker")
	f.fg.Stop()

	called := false
	fut := f.orch.PerformSave(worker, save.ThroughToStore, addCar("A", nil), func(error) { called = true })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fut.Wait(ctx))
	assert.False(t, called, "no lane to deliver the completion on")
}

func TestPerformSave_IndependentChainsRunConcurrently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.Coordinator(t))
	a := f.child(t, f.root, "a")
	b := f.child(t, f.root, "b")

	var results sync.Map
	futA := f.orch.PerformSave(a, save.ThroughToStore, addCar("A", nil), func(err error) { results.Store("a", err) })
	futB := f.orch.PerformSave(b, save.ThroughToStore, addCar("B", nil), func(err error) { results.Store("b", err) })

	require.NoError(t, f.await(t, futA))
	require.NoError(t, f.await(t, futB))

	for _, k := range []string{"a", "b"} {
		v, ok := results.Load(k)
		require.True(t, ok, "chain %s delivered", k)
		assert.Nil(t, v)
	}

	n, err := f.root.Count(ctx, query.Request{Kind: "Car"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	stored, err := f.coord.Fetch(ctx, query.Request{Kind: "Car"})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestPerformSave_ManyChains(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.Coordinator(t))

	const n = 20
	futures := make([]*save.Future, n)
	var completions atomic.Int32
	for i := range n {
		c := f.child(t, f.root, "")
		futures[i] = f.orch.PerformSave(c, save.ThroughToStore, addCar(string(rune('a'+i)), nil), func(error) {
			completions.Add(1)
		})
	}
	for _, fut := range futures {
		require.NoError(t, f.await(t, fut))
	}
	assert.Equal(t, int32(n), completions.Load())

	stored, err := f.coord.Fetch(ctx, query.Request{Kind: "Car"})
	require.NoError(t, err)
	assert.Len(t, stored, n)
}

type recorder struct {
	mu      sync.Mutex
	started []string
	steps   []string
	done    []string
	failed  int
}

func (r *recorder) SaveStarted(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, target)
}

func (r *recorder) StepDone(step string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recorder) SaveDone(target string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, target)
	if err != nil {
		r.failed++
	}
}

func TestPerformSave_RecorderAndDiagnostics(t *testing.T) {
	rec := &recorder{}
	var breaks atomic.Int32
	sink := diag.New(
		diag.WithLogger(testutil.DiscardLogger()),
		diag.WithBreakOnLevel(diag.LevelError),
		diag.WithOnBreak(func(diag.Level, string) { breaks.Add(1) }),
	)
	coord, fb := testutil.FaultyCoordinator(t)
	f := newFixture(t, coord, save.WithRecorder(rec), save.WithDiagnostics(sink))
	worker := f.child(t, f.root, "worker")

	require.NoError(t, f.await(t, f.orch.PerformSave(worker, save.ParentOnly, addCar("A", nil), nil)))

	fb.FailNext(1, nil)
	require.Error(t, f.await(t, f.orch.PerformSave(worker, save.ThroughToStore, addCar("B", nil), nil)))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"parent", "store"}, rec.started)
	assert.Equal(t, []string{"parent", "store"}, rec.done)
	assert.Equal(t, 1, rec.failed)
	assert.Equal(t, []string{
		"mutation", "identities", "commit", "completion",
		"mutation", "identities", "commit", "identities", "commit", "completion",
	}, rec.steps)
	assert.Equal(t, int32(1), breaks.Load(), "the failed chain was reported")
}
