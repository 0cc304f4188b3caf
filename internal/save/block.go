package save

import (
	"context"
	"fmt"

	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/storeerr"
)

// CommitAction tells PerformBlock what to do with the changes a block made.
type CommitAction int

const (
	ActionUnset CommitAction = iota
	// DoNothing keeps the changes pending in the context.
	DoNothing
	// SaveToParent commits the context one level up.
	SaveToParent
	// SaveToStore commits the context and every ancestor.
	SaveToStore
	// Undo reverts the changes made by the block.
	Undo
	// Rollback discards every pending change of the context.
	Rollback
)

func (a CommitAction) String() string {
	switch a {
	case ActionUnset:
		return "unset"
	case DoNothing:
		return "do-nothing"
	case SaveToParent:
		return "save-to-parent"
	case SaveToStore:
		return "save-to-store"
	case Undo:
		return "undo"
	case Rollback:
		return "rollback"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Block edits c and decides what happens to its changes.
type Block func(ctx context.Context, c *objectcontext.Context) (CommitAction, error)

// BlockCompletion receives the action the block chose and the chain result.
type BlockCompletion func(action CommitAction, err error)

// PerformBlock runs block on c's lane inside an undo group and then carries
// out the returned action. If the block fails its changes are undone and
// the error is delivered. Unlike PerformSave, c may be a foreground context.
func (o *Orchestrator) PerformBlock(c *objectcontext.Context, block Block, completion BlockCompletion) *Future {
	var ch *chain
	ch = o.newChain("block", func(err error) {
		if completion != nil {
			completion(ch.action, err)
		}
	})

	if c == nil || block == nil {
		ch.finish(storeerr.Misuse("perform block", "nil context or block"))
		return ch.future
	}

	err := c.Perform(func(ctx context.Context) {
		c.BeginUndoGroup()
		action, err := runBlock(ctx, c, block)
		ch.action = action
		ch.step(Step{Kind: StepMutation, Context: c.Name(), Depth: c.Depth(), Err: err})
		if err != nil {
			ch.action = Undo
			undoErr := c.Undo()
			ch.step(Step{Kind: StepUndo, Context: c.Name(), Depth: c.Depth(), Err: undoErr})
			ch.finish(err)
			return
		}

		switch action {
		case DoNothing:
			ch.finish(c.EndUndoGroup())
		case SaveToParent, SaveToStore:
			if err := c.EndUndoGroup(); err != nil {
				ch.finish(err)
				return
			}
			target := ParentOnly
			if action == SaveToStore {
				target = ThroughToStore
			}
			ch.commit(ctx, c, target)
		case Undo:
			err := c.Undo()
			ch.step(Step{Kind: StepUndo, Context: c.Name(), Depth: c.Depth(), Err: err})
			ch.finish(err)
		case Rollback:
			c.Rollback()
			ch.step(Step{Kind: StepRollback, Context: c.Name(), Depth: c.Depth()})
			ch.finish(nil)
		default:
			undoErr := c.Undo()
			ch.step(Step{Kind: StepUndo, Context: c.Name(), Depth: c.Depth(), Err: undoErr})
			ch.finish(storeerr.Misuse("perform block", fmt.Sprintf("unknown commit action %v", action)))
		}
	})
	if err != nil {
		ch.finish(err)
	}
	return ch.future
}

// FailBlock is Fail for PerformBlock callers. The completion sees
// ActionUnset.
func (o *Orchestrator) FailBlock(err error, completion BlockCompletion) *Future {
	return o.fail("block", err, func(err error) {
		if completion != nil {
			completion(ActionUnset, err)
		}
	})
}

func runBlock(ctx context.Context, c *objectcontext.Context, b Block) (action CommitAction, err error) {
	defer func() {
		if r := recover(); r != nil {
			action, err = ActionUnset, fmt.Errorf("save: block panicked: %v", r)
		}
	}()
	return b(ctx, c)
}
