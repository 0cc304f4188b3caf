package save

import (
	"fmt"
	"strings"

	"github.com/roach88/datakit/internal/storeerr"
)

// StepKind identifies one step of a save chain.
type StepKind int

const (
	StepMutation StepKind = iota + 1
	StepIdentities
	StepCommit
	StepUndo
	StepRollback
	StepCompletion
)

func (k StepKind) String() string {
	switch k {
	case StepMutation:
		return "mutation"
	case StepIdentities:
		return "identities"
	case StepCommit:
		return "commit"
	case StepUndo:
		return "undo"
	case StepRollback:
		return "rollback"
	case StepCompletion:
		return "completion"
	}
	return fmt.Sprintf("step(%d)", int(k))
}

// Step is one event in a chain, reported to the Observer in execution order.
type Step struct {
	// Chain numbers the chain within its orchestrator, starting at 1.
	Chain int64
	Kind  StepKind

	// Context is the name of the context the step ran on. For the
	// completion step it is the foreground lane's name.
	Context string

	// Depth is the context's distance from the root context.
	Depth int

	// Action is set on steps of PerformBlock chains.
	Action CommitAction

	Err error
}

// String formats the step on one line for traces. Errors are reduced to
// their code.
func (s Step) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s context=%s depth=%d", s.Kind, s.Context, s.Depth)
	if s.Action != ActionUnset {
		fmt.Fprintf(&b, " action=%s", s.Action)
	}
	switch {
	case s.Err == nil:
		b.WriteString(" ok")
	case storeerr.CodeOf(s.Err) != "":
		fmt.Fprintf(&b, " err=%s", storeerr.CodeOf(s.Err))
	default:
		b.WriteString(" err")
	}
	return b.String()
}

// Observer receives chain steps. It is called from several lanes and must be
// safe for concurrent use.
type Observer func(Step)
