package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/records"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	QueryOptions
	Interval time.Duration
	Updates  int
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{QueryOptions: QueryOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "watch <kind>",
		Short: "Print a query's results whenever they change",
		Long: `Run a query on the main context and print its results each time they
change, until interrupted. Writes from other processes are picked up by
re-running the query every --interval.

Example:
  datakit watch Car --where 'electric == true' --sort plate`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args[0], cmd)
		},
	}
	opts.bind(cmd, true)
	cmd.Flags().DurationVar(&opts.Interval, "interval", 2*time.Second, "how often to re-run the query (0 = only on local changes)")
	cmd.Flags().IntVar(&opts.Updates, "updates", 0, "stop after printing this many result sets (0 = run until interrupted)")

	return cmd
}

func runWatch(opts *WatchOptions, kind string, cmd *cobra.Command) error {
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

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			s.logger.Info("received signal, stopping watch", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// The change callback runs on the foreground lane, which only this
	// goroutine drives, so the state below needs no locking.
	var (
		last    string
		printed int
		failure error
	)
	onChange := func(_ context.Context, objs []*objectcontext.Object, err error) {
		if err != nil {
			failure = err
			cancel()
			return
		}
		views := viewsOf(objs)
		rendered := renderViews(views)
		if printed > 0 && rendered == last {
			return
		}
		last = rendered
		printed++
		if f.Format == "json" {
			err = f.Success(views)
		} else {
			_, err = fmt.Fprintf(f.Writer, "%s--\n", rendered)
		}
		if err != nil {
			failure = err
			cancel()
			return
		}
		if opts.Updates > 0 && printed >= opts.Updates {
			cancel()
		}
	}

	lq, err := repo.Observe(opts.Where, parseArgs(opts.Args), onChange, append(ropts, records.In(s.stack.Main))...)
	if err != nil {
		return fail(f, ExitCommandError, "invalid query", err)
	}
	defer lq.Close()

	if opts.Interval > 0 {
		go func() {
			ticker := time.NewTicker(opts.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := lq.Refresh(); err != nil {
						return
					}
				}
			}
		}()
	}

	f.VerboseLog("Watching %s", kind)
	err = s.stack.Foreground.Run(ctx)
	if failure != nil {
		return fail(f, ExitFailure, "watch failed", failure)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fail(f, ExitFailure, "watch failed", err)
	}
	return nil
}

func renderViews(views []ObjectView) string {
	var b strings.Builder
	for _, v := range views {
		b.WriteString(v.String())
		b.WriteByte('\n')
	}
	return b.String()
}
