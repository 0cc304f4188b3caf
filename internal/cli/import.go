package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/datakit/internal/objectcontext"
	"github.com/roach88/datakit/internal/records"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	IdentifyBy string
}

// ImportSummary is the output of the import command.
type ImportSummary struct {
	Kind    string `json:"kind"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
}

func (s ImportSummary) String() string {
	return fmt.Sprintf("imported %s: %d created, %d updated", s.Kind, s.Created, s.Updated)
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <kind> <file|->",
		Short: "Upsert objects from JSON",
		Long: `Upsert objects of a kind from a JSON array or JSON Lines file ("-" reads
stdin). Rows are matched on the kind's identifying attribute, or on the
attribute named by --identify-by: a match is updated, otherwise a new
object is created. The import is saved in one chain; any failing row
aborts it.

Example:
  datakit import Car cars.json
  cat people.jsonl | datakit import Employee -`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], args[1], cmd)
		},
	}
	cmd.Flags().StringVar(&opts.IdentifyBy, "identify-by", "", "attribute rows are matched on")

	return cmd
}

func runImport(opts *ImportOptions, kind, source string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	var r io.Reader = cmd.InOrStdin()
	if source != "-" {
		file, err := os.Open(source)
		if err != nil {
			return fail(f, ExitCommandError, "failed to open input", err)
		}
		defer file.Close()
		r = file
	}
	rows, err := readRows(r)
	if err != nil {
		return fail(f, ExitCommandError, "failed to read input", err)
	}
	f.VerboseLog("Read %d row(s) from %s", len(rows), source)

	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close()

	repo, err := s.stack.Repository(kind)
	if err != nil {
		return fail(f, ExitCommandError, "unknown kind", err)
	}

	var res records.ImportResult
	err = s.save(cmd, func(ctx context.Context, c *objectcontext.Context) error {
		ropts := []records.Option{records.In(c)}
		if opts.IdentifyBy != "" {
			ropts = append(ropts, records.IdentifyBy(opts.IdentifyBy))
		}
		out, err := repo.Import(ctx, rows, ropts...)
		res = out
		return err
	})
	if err != nil {
		return fail(f, ExitFailure, fmt.Sprintf("failed to import %s", kind), err)
	}
	return f.Success(ImportSummary{Kind: kind, Created: res.Created, Updated: res.Updated})
}

// readRows accepts a JSON array of objects or one object per line.
func readRows(r io.Reader) ([]map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var rows []map[string]any
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("parse JSON array: %w", err)
		}
		return rows, nil
	}

	var rows []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(text, &row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, sc.Err()
}
