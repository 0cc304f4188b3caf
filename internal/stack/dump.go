package stack

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/roach88/datakit/internal/objectcontext"
)

// Dump writes a human-readable description of the stack: attached stores,
// the commit clock, the context hierarchy with pending change counts, and
// the number of committed records per kind.
func (s *Stack) Dump(ctx context.Context, w io.Writer) error {
	snap, err := s.Coordinator.Export(ctx)
	if err != nil {
		return fmt.Errorf("dump: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "model\t%s\n", shortHash(s.Coordinator.Model()))
	fmt.Fprintf(tw, "seq\t%d\n", snap.Seq)
	for _, info := range s.Coordinator.Stores() {
		role := "secondary"
		if info.Primary {
			role = "primary"
		}
		fmt.Fprintf(tw, "store\t%s\t%s\t%s\n", info.ID, role, info.Location)
	}
	for _, c := range []*objectcontext.Context{s.Root, s.Main} {
		ch := c.Changes()
		fmt.Fprintf(tw, "context\t%s\t%s\tdepth=%d\tinserted=%d updated=%d deleted=%d\n",
			c.Name(), c.Discipline(), c.Depth(), len(ch.Inserted), len(ch.Updated), len(ch.Deleted))
	}

	counts := map[string]int{}
	for _, st := range snap.Stores {
		for _, r := range st.Records {
			counts[r.Kind]++
		}
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(tw, "kind\t%s\t%d\n", k, counts[k])
	}
	return tw.Flush()
}

// DumpImportConfiguration writes, for every concrete kind, the row keys
// Import reads each attribute from. The identifying attribute is starred.
func (s *Stack) DumpImportConfiguration(w io.Writer) error {
	m := s.Coordinator.Model()
	if m.IsDynamic() {
		_, err := fmt.Fprintln(w, "dynamic model: rows import as-is")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, kind := range m.Kinds() {
		if k, _ := m.Kind(kind); k.Abstract {
			continue
		}
		id, _ := m.Identifier(kind)
		fmt.Fprintf(tw, "%s\n", kind)
		for _, a := range m.Attributes(kind) {
			name := a.Name
			if name == id {
				name = "*" + name
			}
			if a.Optional {
				name += "?"
			}
			keys := "(no import)"
			if !a.NoMapping {
				keys = strings.Join(a.ImportKeys(), " | ")
			}
			fmt.Fprintf(tw, "  %s\t%s\t<- %s\n", name, a.Type, keys)
		}
	}
	return tw.Flush()
}
