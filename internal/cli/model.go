package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/datakit/internal/model"
)

// ModelSummary describes a validated model.
type ModelSummary struct {
	Valid bool        `json:"valid"`
	Hash  string      `json:"hash"`
	Kinds []KindEntry `json:"kinds"`
}

// KindEntry describes one kind of a model.
type KindEntry struct {
	Name       string   `json:"name"`
	Parent     string   `json:"parent,omitempty"`
	Abstract   bool     `json:"abstract,omitempty"`
	Identifier string   `json:"identifier,omitempty"`
	Attributes []string `json:"attributes"`
}

func (m ModelSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "model valid (%d kinds, hash %s)", len(m.Kinds), m.Hash)
	for _, k := range m.Kinds {
		fmt.Fprintf(&b, "\n  %s", k.Name)
		if k.Parent != "" {
			fmt.Fprintf(&b, " < %s", k.Parent)
		}
		if k.Abstract {
			b.WriteString(" (abstract)")
		}
		if k.Identifier != "" {
			fmt.Fprintf(&b, " [id: %s]", k.Identifier)
		}
		if len(k.Attributes) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(k.Attributes, ", "))
		}
	}
	return b.String()
}

// NewModelCommand creates the model command group.
func NewModelCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Work with entity model definitions",
	}
	cmd.AddCommand(newModelValidateCommand(rootOpts))
	return cmd
}

func newModelValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <model.cue>",
		Short: "Validate a CUE model definition",
		Long: `Compile a CUE model definition and check it: kinds, parents (no cycles),
attribute types, defaults and identifying attributes.

Example:
  datakit model validate ./model.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelValidate(rootOpts, args[0], cmd)
		},
	}
}

func runModelValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	m, err := model.LoadCUE(path)
	if err != nil {
		return fail(f, ExitFailure, "invalid model", err)
	}
	return f.Success(summarize(m))
}

func summarize(m *model.Model) ModelSummary {
	sum := ModelSummary{Valid: true, Hash: m.Hash()}
	for _, name := range m.Kinds() {
		k, _ := m.Kind(name)
		entry := KindEntry{Name: name, Parent: k.Parent, Abstract: k.Abstract, Identifier: k.Identifier}
		for _, a := range k.Attributes {
			desc := a.Name + " " + string(a.Type)
			if a.Optional {
				desc += "?"
			}
			switch {
			case a.NoMapping:
				desc += " (no import)"
			case len(a.Mappings) > 0:
				desc += " <- " + strings.Join(a.Mappings, "|")
			}
			entry.Attributes = append(entry.Attributes, desc)
		}
		sum.Kinds = append(sum.Kinds, entry)
	}
	return sum
}
