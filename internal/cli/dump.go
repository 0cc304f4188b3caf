package cli

import (
	"github.com/spf13/cobra"
)

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	var imports bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Describe the attached stores and their contents",
		Long: `Print the model hash, commit sequence, attached stores, context
hierarchy and per-kind record counts.

With --imports, print instead the row keys each attribute is imported from.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.close()

			if imports {
				if err := s.stack.DumpImportConfiguration(cmd.OutOrStdout()); err != nil {
					return fail(s.out, ExitFailure, "dump failed", err)
				}
				return nil
			}
			if err := s.stack.Dump(commandContext(cmd), cmd.OutOrStdout()); err != nil {
				return fail(s.out, ExitFailure, "dump failed", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&imports, "imports", false, "print the import key mappings of each kind")
	return cmd
}
