package save_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/query"
	"github.com/roach88/datakit/internal/save"
	"github.com/roach88/datakit/internal/storeerr"
	"github.com/roach88/datakit/internal/testutil"
)

func carBlock(plate string, action save.CommitAction) save.Block {
	return func(ctx context.Context, c *objectcontext.Context) (save.CommitAction, error) {
		if err := addCar(plate, nil)(ctx, c); err != nil {
			return save.ActionUnset, err
		}
		return action, nil
	}
}

func TestPerformBlock_Actions(t *testing.T) {
	tests := []struct {
		action        save.CommitAction
		workerPending bool
		rootPending   bool
		stored        int
	}{
		{save.DoNothing, true, false, 0},
		{save.SaveToParent, false, true, 0},
		{save.SaveToStore, false, false, 1},
		{save.Undo, false, false, 0},
		{save.Rollback, false, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.action.String(), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, testutil.Coordinator(t))
			worker := f.child(t, f.root, "worker")

			var gotAction save.CommitAction
			fut := f.orch.PerformBlock(worker, carBlock("A", tt.action), func(a save.CommitAction, err error) {
				gotAction = a
			})
			require.NoError(t, f.await(t, fut))
			assert.Equal(t, tt.action, gotAction)

			assert.Equal(t, tt.workerPending, worker.HasChanges())
			assert.Equal(t, tt.rootPending, f.root.HasChanges())
			stored, err := f.coord.Fetch(ctx, query.Request{Kind: "Car"})
			require.NoError(t, err)
			assert.Len(t, stored, tt.stored)
			assert.Zero(t, worker.UndoGroups(), "the block's undo group is closed")
		})
	}
}

func TestPerformBlock_TraceSaveToStore(t *testing.T) {
	f := newFixture(t, testutil.Coordinator(t))
	worker := f.child(t, f.root, "worker")

	fut := f.orch.PerformBlock(worker, carBlock("A", save.SaveToStore), nil)
	require.NoError(t, f.await(t, fut))

	assertGolden(t, "block_save_to_store", f.trace())
}

func TestPerformBlock_UndoKeepsEarlierChanges(t *testing.T) {
	f := newFixture(t, testutil.Coordinator(t))
	worker := f.child(t, f.root, "worker")

	require.NoError(t, f.await(t, f.orch.PerformBlock(worker, carBlock("kept", save.DoNothing), nil)))
	require.NoError(t, f.await(t, f.orch.PerformBlock(worker, carBlock("undone", save.Undo), nil)))

	ch := worker.Changes()
	require.Len(t, ch.Inserted, 1)
	assert.Equal(t, "kept", ch.Inserted[0].Get("plate"))

	require.NoError(t, f.await(t, f.orch.PerformBlock(worker, carBlock("x", save.Rollback), nil)))
	assert.False(t, worker.HasChanges(), "rollback discards everything pending")
}

func TestPerformBlock_ErrorUndoesBlock(t *testing.T) {
	f := newFixture(t, testutil.Coordinator(t))
	worker := f.child(t, f.root, "worker")
	boom := errors.New("boom")

	var gotAction save.CommitAction
	var gotErr error
	fut := f.orch.PerformBlock(worker, func(ctx context.Context, c *objectcontext.Context) (save.CommitAction, error) {
		if err := addCar("A", nil)(ctx, c); err != nil {
			return save.ActionUnset, err
		}
		return save.SaveToStore, boom
	}, func(a save.CommitAction, err error) {
		gotAction, gotErr = a, err
	})

	assert.ErrorIs(t, f.await(t, fut), boom)
	assert.ErrorIs(t, gotErr, boom)
	assert.Equal(t, save.Undo, gotAction)
	assert.False(t, worker.HasChanges())
	assert.Equal(t,
		"mutation context=worker depth=1 action=save-to-store err\n"+
			"undo context=worker depth=1 action=undo ok\n"+
			"completion context=main depth=0 action=undo err\n",
		f.trace())
}

func TestPerformBlock_OnForegroundContext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.Coordinator(t))
	main, err := objectcontext.NewChild(f.root, objectcontext.Foreground, objectcontext.WithName("main"))
	require.NoError(t, err)

	fut := f.orch.PerformBlock(main, carBlock("A", save.SaveToStore), nil)
	require.NoError(t, f.await(t, fut))

	stored, err := f.coord.Fetch(ctx, query.Request{Kind: "Car"})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestPerformBlock_Misuse(t *testing.T) {
	f := newFixture(t, testutil.Coordinator(t))
	worker := f.child(t, f.root, "worker")

	assert.True(t, storeerr.IsMisuse(f.await(t, f.orch.PerformBlock(nil, carBlock("A", save.DoNothing), nil))))
	assert.True(t, storeerr.IsMisuse(f.await(t, f.orch.PerformBlock(worker, nil, nil))))

	fut := f.orch.PerformBlock(worker, carBlock("A", save.CommitAction(42)), nil)
	assert.True(t, storeerr.IsMisuse(f.await(t, fut)))
	assert.False(t, worker.HasChanges(), "an unknown action undoes the block")
}
