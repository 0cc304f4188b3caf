package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/records"
)

// DeleteOptions holds flags for the delete command.
type DeleteOptions struct {
	QueryOptions
	All bool
}

// DeleteResult is the output of the delete command.
type DeleteResult struct {
	Kind    string `json:"kind"`
	Deleted int    `json:"deleted"`
}

func (r DeleteResult) String() string {
	return fmt.Sprintf("deleted %d %s object(s)", r.Deleted, r.Kind)
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeleteOptions{QueryOptions: QueryOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "delete <kind>",
		Short: "Delete stored objects of a kind and its subkinds",
		Long: `Delete the stored objects of a kind that match --where, or every object
of the kind with --all. Sibling kinds are never touched.

Example:
  datakit delete Car --where 'plate == args[0]' --arg AB-123
  datakit delete Employee --all`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(opts, args[0], cmd)
		},
	}
	opts.bind(cmd, false)
	cmd.Flags().BoolVar(&opts.All, "all", false, "delete every object of the kind")

	return cmd
}

func runDelete(opts *DeleteOptions, kind string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	if opts.Where == "" && !opts.All {
		return fail(f, ExitCommandError, "refusing to delete", fmt.Errorf("pass --where or --all"))
	}
	if opts.Where != "" && opts.All {
		return fail(f, ExitCommandError, "conflicting flags", fmt.Errorf("--where and --all are exclusive"))
	}

	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	repo, err := s.stack.Repository(kind)
	if err != nil {
		return fail(f, ExitCommandError, "unknown kind", err)
	}

	var n int
	err = s.save(cmd, func(ctx context.Context, c *objectcontext.Context) error {
		deleted, err := repo.DeleteMatching(ctx, opts.Where, parseArgs(opts.Args), records.In(c))
		n = deleted
		return err
	})
	if err != nil {
		return fail(f, ExitFailure, fmt.Sprintf("failed to delete %s", kind), err)
	}
	return f.Success(DeleteResult{Kind: kind, Deleted: n})
}
