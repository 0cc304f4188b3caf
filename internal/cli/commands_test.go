package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/datakit/internal/backup"
	"github.com/roach88/datakit/internal/config"
)

const fleetModel = `kinds: {
	Vehicle: {
		abstract:   true
		identifier: "plate"
		attributes: plate: {type: "string", map: ["plate", "registration"]}
	}
	Car: {
		parent: "Vehicle"
		attributes: {
			seats: {type: "int", default: 4}
			electric: {type: "bool", optional: true}
		}
	}
	Truck: {
		parent: "Vehicle"
		attributes: axles: "int"
	}
}
`

type workspace struct {
	dir   string
	store string
	model string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "fleet.cue")
	require.NoError(t, os.WriteFile(modelPath, []byte(fleetModel), 0o644))
	return &workspace{dir: dir, store: filepath.Join(dir, "fleet.sqlite"), model: modelPath}
}

// run executes one command against the workspace store and returns stdout.
func (w *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, append([]string{"--store", w.store, "--model", w.model}, args...)...)
}

func (w *workspace) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := w.run(t, args...)
	require.NoError(t, err, out)
	return out
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decodeViews(t *testing.T, out string) []ObjectView {
	t.Helper()
	var resp struct {
		Status string       `json:"status"`
		Data   []ObjectView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestCreateFindCount(t *testing.T) {
	w := newWorkspace(t)

	out := w.mustRun(t, "create", "Car", "--set", "plate=A", "--set", "electric=true")
	assert.Contains(t, out, `"plate":"A"`)
	w.mustRun(t, "create", "Car", "--json", `{"plate": "B", "seats": 2}`)
	w.mustRun(t, "create", "Truck", "--set", "plate=T", "--set", "axles=3")

	views := decodeViews(t, w.mustRun(t, "--format", "json", "find", "Vehicle", "--sort", "plate"))
	require.Len(t, views, 3)
	assert.Equal(t, "A", views[0].Attributes["plate"])
	assert.Equal(t, float64(4), views[0].Attributes["seats"], "default applied")
	assert.Equal(t, float64(2), views[1].Attributes["seats"])
	assert.Equal(t, "Truck", views[2].Kind)

	views = decodeViews(t, w.mustRun(t, "--format", "json", "find", "Car", "--sort", "plate:desc", "--limit", "1"))
	require.Len(t, views, 1)
	assert.Equal(t, "B", views[0].Attributes["plate"])

	assert.Equal(t, "3\n", w.mustRun(t, "count", "Vehicle"))
	assert.Equal(t, "2\n", w.mustRun(t, "count", "Car"))
	assert.Equal(t, "1\n", w.mustRun(t, "count", "Car", "--where", "electric == true"))
	assert.Equal(t, "1\n", w.mustRun(t, "count", "Vehicle", "--where", "plate == args[0]", "--arg", "T"))

	text := w.mustRun(t, "find", "Car", "--sort", "plate")
	lines := strings.Split(strings.TrimSpace(text), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"plate":"A"`)
}

func TestCreate_Failures(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.run(t, "create", "Car")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "error "+ErrCodeValidation+":")

	_, err = w.run(t, "create", "Vehicle", "--set", "plate=X")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err), "abstract kinds cannot be created")

	_, err = w.run(t, "create", "Boat", "--set", "plate=X")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = w.run(t, "create", "Car", "--set", "plate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = w.run(t, "create", "Car", "--json", "{")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	assert.Equal(t, "0\n", w.mustRun(t, "count", "Vehicle"), "failed creates leave nothing behind")
}

func TestDelete(t *testing.T) {
	w := newWorkspace(t)
	w.mustRun(t, "create", "Car", "--set", "plate=A")
	w.mustRun(t, "create", "Car", "--set", "plate=B")
	w.mustRun(t, "create", "Truck", "--set", "plate=T", "--set", "axles=2")

	_, err := w.run(t, "delete", "Car")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	_, err = w.run(t, "delete", "Car", "--all", "--where", "true")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out := w.mustRun(t, "delete", "Car", "--where", "plate == args[0]", "--arg", "A")
	assert.Equal(t, "deleted 1 Car object(s)\n", out)

	out = w.mustRun(t, "delete", "Car", "--all")
	assert.Equal(t, "deleted 1 Car object(s)\n", out)
	assert.Equal(t, "1\n", w.mustRun(t, "count", "Vehicle"), "sibling kinds survive")
}

func TestImport(t *testing.T) {
	w := newWorkspace(t)
	w.mustRun(t, "create", "Car", "--set", "plate=A", "--set", "seats=2")

	rows := filepath.Join(w.dir, "cars.jsonl")
	require.NoError(t, os.WriteFile(rows, []byte(`{"plate": "A", "seats": 7}
{"registration": "B", "color": "red"}
`), 0o644))

	out := w.mustRun(t, "import", "Car", rows)
	assert.Equal(t, "imported Car: 1 created, 1 updated\n", out)

	views := decodeViews(t, w.mustRun(t, "--format", "json", "find", "Car", "--sort", "plate"))
	require.Len(t, views, 2)
	assert.Equal(t, float64(7), views[0].Attributes["seats"])

	bad := filepath.Join(w.dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"plate": "C"}, {"seats": 1}]`), 0o644))
	_, err := w.run(t, "import", "Car", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "2\n", w.mustRun(t, "count", "Car"), "a failed import saves nothing")

	_, err = w.run(t, "import", "Car", filepath.Join(w.dir, "missing.json"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReadRows(t *testing.T) {
	rows, err := readRows(strings.NewReader(`[{"a": 1}, {"a": 2}]`))
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = readRows(strings.NewReader("{\"a\": 1}\n\n{\"a\": 2}\n"))
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = readRows(strings.NewReader("  "))
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = readRows(strings.NewReader("[{"))
	assert.Error(t, err)
}

func TestModelValidate(t *testing.T) {
	w := newWorkspace(t)

	out, err := execute(t, "model", "validate", w.model)
	require.NoError(t, err)
	assert.Contains(t, out, "model valid (3 kinds")
	assert.Contains(t, out, "Vehicle (abstract) [id: plate]")
	assert.Contains(t, out, "Car < Vehicle")
	assert.Contains(t, out, "plate string <- plate|registration")

	broken := filepath.Join(w.dir, "broken.cue")
	require.NoError(t, os.WriteFile(broken, []byte(`kinds: A: parent: "Missing"`), 0o644))
	out, err = execute(t, "model", "validate", broken)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "invalid model")
}

func TestBackupAndDump(t *testing.T) {
	w := newWorkspace(t)
	w.mustRun(t, "create", "Car", "--set", "plate=A")
	w.mustRun(t, "create", "Truck", "--set", "plate=T", "--set", "axles=2")

	path := filepath.Join(w.dir, "snap", "fleet.json")
	out := w.mustRun(t, "backup", "-o", path)
	assert.Contains(t, out, "backed up 2 record(s)")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	doc, err := backup.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Snapshot.Count())

	dump := w.mustRun(t, "dump")
	assert.Regexp(t, `(?m)^kind\s+Car\s+1$`, dump)
	assert.Regexp(t, `(?m)^kind\s+Truck\s+1$`, dump)
	assert.Contains(t, dump, "primary")

	imports := w.mustRun(t, "dump", "--imports")
	assert.Regexp(t, `\*plate\s+string\s+<- plate \| registration`, imports)
	assert.NotContains(t, imports, "Vehicle")
}

func TestWatch_PrintsCurrentResults(t *testing.T) {
	w := newWorkspace(t)
	w.mustRun(t, "create", "Car", "--set", "plate=A", "--set", "electric=true")
	w.mustRun(t, "create", "Car", "--set", "plate=B")

	out := w.mustRun(t, "watch", "Car", "--where", "electric == true", "--interval", "0", "--updates", "1")
	assert.Contains(t, out, `"plate":"A"`)
	assert.NotContains(t, out, `"plate":"B"`)
	assert.True(t, strings.HasSuffix(out, "--\n"))
}

func TestInit(t *testing.T) {
	w := newWorkspace(t)
	cfgPath := filepath.Join(w.dir, "datakit.yaml")

	out, err := execute(t, "--model", w.model, "init", "--name", "garage", "--dir", w.dir, "-o", cfgPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "wrote "+cfgPath)
	assert.FileExists(t, filepath.Join(w.dir, "garage.sqlite"))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "garage", cfg.Store.Name)
	assert.Equal(t, w.model, cfg.Model)

	out, err = execute(t, "-c", cfgPath, "create", "Car", "--set", "plate=A")
	require.NoError(t, err, out)
	out, err = execute(t, "-c", cfgPath, "count", "Car")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	_, err = execute(t, "--model", w.model, "init", "--name", "garage", "--dir", w.dir, "-o", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err), "existing config is not overwritten")
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "yaml", "count", "Car")
	assert.Error(t, err)
}
