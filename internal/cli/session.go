package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/datakit/internal/config"
	"github.com/roach88/datakit/internal/save"
	"github.com/roach88/datakit/internal/stack"
)

// saveTimeout bounds how long a command waits for its save chain.
const saveTimeout = 30 * time.Second

// session is one command's open stack.
type session struct {
	cfg    config.Config
	stack  *stack.Stack
	logger *slog.Logger
	out    *OutputFormatter
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// loadConfig reads the configuration and applies the global flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Store != "" {
		cfg.Store.URL = opts.Store
	}
	if opts.Model != "" {
		cfg.Model = opts.Model
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openSession loads the configuration and opens a stack. Failures are
// reported through the formatter and returned as command errors.
func openSession(opts *RootOptions, cmd *cobra.Command) (*session, error) {
	f := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, fail(f, ExitCommandError, "failed to load configuration", err)
	}
	logger := cfg.Logging.NewLogger(cmd.ErrOrStderr(), opts.Verbose)

	s, err := stack.Setup(commandContext(cmd), cfg, stack.WithLogger(logger))
	if err != nil {
		return nil, fail(f, ExitCommandError, "failed to open store", err)
	}
	f.VerboseLog("Opened %s", s.Store.Location)
	return &session{cfg: cfg, stack: s, logger: logger, out: f}, nil
}

func (s *session) close() {
	if err := s.stack.Close(); err != nil {
		s.logger.Error("error closing store", "error", err)
	}
}

// save runs mutation through a save chain to the store and waits for it.
func (s *session) save(cmd *cobra.Command, mutation save.Mutation) error {
	ctx, cancel := context.WithTimeout(commandContext(cmd), saveTimeout)
	defer cancel()
	return s.stack.Await(ctx, s.stack.Save(mutation, nil))
}

// onRoot runs fn on the root context's lane and waits for it.
func (s *session) onRoot(cmd *cobra.Command, fn func(ctx context.Context) error) error {
	var err error
	waitErr := s.stack.Root.PerformAndWait(commandContext(cmd), func(ctx context.Context) {
		err = fn(ctx)
	})
	if waitErr != nil {
		return waitErr
	}
	return err
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
