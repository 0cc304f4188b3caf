package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/records"
)

// CreateOptions holds flags for the create command.
type CreateOptions struct {
	*RootOptions
	Set  []string
	JSON string
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <kind>",
		Short: "Create an object and save it to the store",
		Long: `Create an object of the given kind and save it through to the store.

Attributes come from --set name=value pairs (values are read as JSON when
they parse, otherwise as strings) and/or a --json object.

Example:
  datakit create Car --set plate=AB-123 --set electric=true
  datakit create Employee --json '{"personID": 7, "name": "Ann"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "attribute assignment name=value (repeatable)")
	cmd.Flags().StringVar(&opts.JSON, "json", "", "attributes as a JSON object")

	return cmd
}

func runCreate(opts *CreateOptions, kind string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	attrs := map[string]any{}
	if opts.JSON != "" {
		if err := json.Unmarshal([]byte(opts.JSON), &attrs); err != nil {
			return fail(f, ExitCommandError, "invalid --json", err)
		}
	}
	set, err := parseAssignments(opts.Set)
	if err != nil {
		return fail(f, ExitCommandError, "invalid --set", err)
	}
	for k, v := range set {
		attrs[k] = v
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

	var created *objectcontext.Object
	err = s.save(cmd, func(_ context.Context, c *objectcontext.Context) error {
		obj, err := repo.Create(attrs, records.In(c))
		created = obj
		return err
	})
	if err != nil {
		return fail(f, ExitFailure, fmt.Sprintf("failed to create %s", kind), err)
	}
	return f.Success(viewOf(created))
}
