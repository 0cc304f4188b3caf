package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/records"
)

// QueryOptions holds the selection flags shared by find, count and delete.
type QueryOptions struct {
	*RootOptions
	Where  string
	Args   []string
	Sort   []string
	Limit  int
	Offset int
}

func (q *QueryOptions) bind(cmd *cobra.Command, paging bool) {
	cmd.Flags().StringVar(&q.Where, "where", "", `predicate expression, e.g. 'plate == args[0]'`)
	cmd.Flags().StringArrayVar(&q.Args, "arg", nil, "positional predicate argument args[i] (repeatable)")
	if paging {
		cmd.Flags().StringArrayVar(&q.Sort, "sort", nil, "sort key attr or attr:desc (repeatable)")
		cmd.Flags().IntVar(&q.Limit, "limit", 0, "maximum number of results (0 = all)")
		cmd.Flags().IntVar(&q.Offset, "offset", 0, "number of results to skip")
	}
}

func (q *QueryOptions) options() ([]records.Option, error) {
	var opts []records.Option
	for _, key := range q.Sort {
		attr, asc, err := parseSort(key)
		if err != nil {
			return nil, err
		}
		opts = append(opts, records.SortBy(attr, asc))
	}
	if q.Limit > 0 {
		opts = append(opts, records.Limit(q.Limit))
	}
	if q.Offset > 0 {
		opts = append(opts, records.Offset(q.Offset))
	}
	return opts, nil
}

// NewFindCommand creates the find command.
func NewFindCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "find <kind>",
		Short: "List stored objects of a kind and its subkinds",
		Long: `List stored objects of a kind, including its subkinds.

Example:
  datakit find Car --where 'electric == true' --sort plate
  datakit find Person --where 'name == args[0]' --arg Ann --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFind(opts, args[0], cmd)
		},
	}
	opts.bind(cmd, true)

	return cmd
}

func runFind(opts *QueryOptions, kind string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ropts, err := opts.options()
	if err != nil {
		return fail(f, ExitCommandError, "invalid flags", err)
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

	var found []*objectcontext.Object
	err = s.onRoot(cmd, func(ctx context.Context) error {
		objs, err := repo.FindMatching(ctx, opts.Where, parseArgs(opts.Args), ropts...)
		found = objs
		return err
	})
	if err != nil {
		return fail(f, ExitFailure, "find failed", err)
	}

	views := viewsOf(found)
	if f.Format == "json" {
		return f.Success(views)
	}
	for _, v := range views {
		if err := f.Success(v); err != nil {
			return err
		}
	}
	f.VerboseLog("%d object(s)", len(views))
	return nil
}

// CountResult is the output of the count command.
type CountResult struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

func (r CountResult) String() string { return strconv.Itoa(r.Count) }

// NewCountCommand creates the count command.
func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "count <kind>",
		Short:         "Count stored objects of a kind and its subkinds",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCount(opts, args[0], cmd)
		},
	}
	opts.bind(cmd, false)

	return cmd
}

func runCount(opts *QueryOptions, kind string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

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
	err = s.onRoot(cmd, func(ctx context.Context) error {
		count, err := repo.CountMatching(ctx, opts.Where, parseArgs(opts.Args))
		n = count
		return err
	})
	if err != nil {
		return fail(f, ExitFailure, "count failed", err)
	}
	return f.Success(CountResult{Kind: kind, Count: n})
}
