package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/datakit/internal/config"
	"github.com/roach88/datakit/internal/stack"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Name        string
	Dir         string
	Output      string
	Force       bool
	Automigrate bool
}

// InitResult is the output of the init command.
type InitResult struct {
	Config  string `json:"config"`
	Store   string `json:"store"`
	StoreID string `json:"store_id"`
}

func (r InitResult) String() string {
	return fmt.Sprintf("wrote %s\nstore %s (%s)", r.Config, r.Store, r.StoreID)
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file and create its store",
		Long: `Write a datakit configuration file and create the store it names,
recording the model hash in the store.

Example:
  datakit init --name garage --model ./model.cue
  datakit init --store postgres://app@db/app -o prod.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "store name (SQLite file <name>.sqlite)")
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "directory for named stores (default: user config dir)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "datakit.yaml", "configuration file to write")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing configuration file")
	cmd.Flags().BoolVar(&opts.Automigrate, "automigrate", true, "migrate the store when the model changes")

	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	cfg := config.Default()
	cfg.Store.URL = opts.Store
	cfg.Store.Name = opts.Name
	cfg.Store.Dir = opts.Dir
	cfg.Store.Automigrate = opts.Automigrate
	cfg.Model = opts.Model
	if err := cfg.Validate(); err != nil {
		return fail(f, ExitCommandError, "invalid configuration", err)
	}

	if !opts.Force {
		if _, err := os.Stat(opts.Output); err == nil {
			return fail(f, ExitCommandError, "refusing to overwrite", fmt.Errorf("%s exists (use --force)", opts.Output))
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fail(f, ExitCommandError, "failed to check output", err)
		}
	}

	logger := cfg.Logging.NewLogger(cmd.ErrOrStderr(), opts.Verbose)
	s, err := stack.Setup(commandContext(cmd), cfg, stack.WithLogger(logger))
	if err != nil {
		return fail(f, ExitCommandError, "failed to create store", err)
	}
	info := s.Store
	if err := s.Close(); err != nil {
		return fail(f, ExitCommandError, "failed to close store", err)
	}

	data, err := cfg.Encode()
	if err != nil {
		return fail(f, ExitCommandError, "failed to encode configuration", err)
	}
	if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
		return fail(f, ExitCommandError, "failed to write configuration", err)
	}

	return f.Success(InitResult{Config: opts.Output, Store: info.Location.String(), StoreID: info.ID})
}
