package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agentic-research/dupe/api"
	"github.com/agentic-research/dupe/internal/bulk"
	"github.com/agentic-research/dupe/internal/config"
	"github.com/agentic-research/dupe/internal/model/modeltest"
	"github.com/agentic-research/dupe/internal/store/sqlite"
)

type harness struct {
	dir  string
	app  *app
	logs *observer.ObservedLogs
}

// newHarness writes the inventory model and a config pointing at a fresh
// database under a temp dir.
func newHarness(t *testing.T, extraConfig string) *harness {
	t.Helper()
	dir := t.TempDir()
	raw, err := json.Marshal(modeltest.Spec())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.json"), raw, 0o644))

	cfg := `tenant   = "acme"
model    = "` + filepath.Join(dir, "model.json") + `"
database = "` + filepath.Join(dir, "dupe.db") + `"

events {
  copy_headers = ["x-request-id"]
}
` + extraConfig
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dupe.hcl"), []byte(cfg), 0o644))

	core, logs := observer.New(zap.DebugLevel)
	return &harness{dir: dir, app: &app{logger: zap.New(core)}, logs: logs}
}

func (h *harness) path(name string) string { return filepath.Join(h.dir, name) }

func (h *harness) write(t *testing.T, name, content string) string {
	t.Helper()
	p := h.path(name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// run executes one command line with the harness config and returns stdout.
func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(h.app)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", h.path("dupe.hcl")}, args...))
	err := root.Execute()
	return out.String(), err
}

func (h *harness) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := h.run(t, args...)
	require.NoError(t, err, strings.Join(args, " "))
	return out
}

func (h *harness) mutations() []observer.LoggedEntry {
	return h.logs.FilterMessage("mutation").All()
}

func TestDDL(t *testing.T) {
	h := newHarness(t, "")
	out := h.mustRun(t, "ddl")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 9)
	assert.True(t, strings.HasPrefix(lines[0], "CREATE TABLE suppliers("))
	assert.True(t, strings.HasPrefix(lines[8], "CREATE TABLE part_categories("))
}

func TestInitDBAndInfer(t *testing.T) {
	h := newHarness(t, "")
	out := h.mustRun(t, "init-db")
	assert.Equal(t, "Created 5 tables in "+h.path("dupe.db")+"\n", out)

	_, err := h.run(t, "init-db")
	assert.Error(t, err, "tables already exist")

	out = h.mustRun(t, "infer")
	var got []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	var m2m []string
	for _, a := range got {
		if a["type"] == "belongsToMany" {
			assert.Equal(t, "part_categories", a["through"])
			m2m = append(m2m, a["from"].(string)+"->"+a["to"].(string))
		}
	}
	assert.ElementsMatch(t, []string{"parts->categories", "categories->parts"}, m2m)

	t.Run("without a model", func(t *testing.T) {
		out, err := h.run(t, "infer", "--model", h.path("missing.json"))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.NotEmpty(t, got)
	})
}

func TestTree(t *testing.T) {
	h := newHarness(t, "")
	out := h.mustRun(t, "tree", "--root", modeltest.Part, "--drill", "dupe:part/dupe:supplier")

	want := `dupe:part
  .
    mpn string
    stock integer
    price real
  dupe:supplier
    .
      name string
      active bool
    dupe:part +
  dupe:category +
  dupe:lot +
`
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}

	_, err := h.run(t, "tree", "--root", modeltest.Part, "--drill", "dupe:part/dupe:ghost")
	assert.Error(t, err)
	_, err = h.run(t, "tree")
	assert.Error(t, err, "--root is required")
}

func TestQuery(t *testing.T) {
	h := newHarness(t, "query {\n  default_limit = 25\n}\n")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "default limit from config",
			args: []string{"--select", "dupe:part/./mpn"},
			want: `{ parts( offset: 0, limit: 25 ) { mpn } }`,
		},
		{
			name: "nested selection and paging",
			args: []string{"--select", "dupe:part/./mpn", "--select", "dupe:part/dupe:supplier/./name", "--limit", "10", "--page", "2"},
			want: `{ parts( offset: 20, limit: 10 ) { mpn, supplier { name } } }`,
		},
		{
			name: "text search",
			args: []string{"--select", "dupe:part/./mpn", "--text", "R1", "--limit", "5"},
			want: `{ parts( offset: 0, limit: 5, where: { or: { mpn: { like: "%R1%" } } } ) { mpn } }`,
		},
		{
			name: "custom where",
			args: []string{"--select", "dupe:part/./mpn", "--where", `{"stock": {"gt": 0}}`, "--limit", "5"},
			want: `{ parts( offset: 0, limit: 5, where: { stock: { gt: 0 } } ) { mpn } }`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := h.mustRun(t, append([]string{"query", "--root", modeltest.Part}, tt.args...)...)
			assert.Equal(t, tt.want+"\n", out)
		})
	}

	t.Run("paths", func(t *testing.T) {
		out := h.mustRun(t, "query", "--root", modeltest.Part, "--select", "dupe:part/./mpn", "-o", "paths")
		assert.Equal(t, "dupe:part/./mpn\t$.mpn\n", out)
	})

	t.Run("unknown attribute", func(t *testing.T) {
		_, err := h.run(t, "query", "--root", modeltest.Part, "--select", "dupe:part/./ghost")
		assert.Error(t, err)
	})
}

func TestConfig(t *testing.T) {
	h := newHarness(t, "")
	out := h.mustRun(t, "config", "--tenant", "override", "--log-level", "debug")

	got, err := config.Parse("dupe.hcl", []byte(out))
	require.NoError(t, err)
	assert.Equal(t, "override", got.Tenant, "flags win over the file")
	assert.Equal(t, "debug", got.Log.Level)
	assert.Equal(t, h.path("dupe.db"), got.Database)
	assert.Equal(t, []string{"x-request-id"}, got.Events.CopyHeaders)

	_, err = h.run(t, "config", "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
}

func TestDryRun(t *testing.T) {
	h := newHarness(t, "")
	rows := h.write(t, "parts.json", `[{"mpn": "R1", "stock": 3}]`)
	changes := h.write(t, "changes.json", `[{"input": {"id": 1, "stock": 4}}]`)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"create", []string{"create", "-e", modeltest.Part, "-i", rows}, `mutation { bulkCreatePart( input: [ { mpn: "R1", stock: 3 } ] ) { id } }`},
		{"update", []string{"update", "-e", modeltest.Part, "-i", changes}, `mutation { bulkUpdatePart( input: [ { id: 1, stock: 4 } ] ) { id } }`},
		{"delete", []string{"delete", "-e", modeltest.Part, "-w", `{"id": 7}`}, `mutation { deletePart( id: 7 ) { success } }`},
		{"link", []string{"link", "-e", modeltest.Part, "--related", modeltest.Category, "--args", `{"id": 1, "category_id": 2}`}, `mutation { addCategoryToPart( part_id: 1, category_id: 2 ) { success } }`},
		{"unlink", []string{"unlink", "-e", modeltest.Part, "--related", modeltest.Category, "--args", `{"id": 1, "category_id": 2}`}, `mutation { removeCategoryFromPart( part_id: 1, category_id: 2 ) { success } }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := h.mustRun(t, append(tt.args, "--dry-run")...)
			assert.Equal(t, tt.want+"\n", out)
		})
	}
	_, err := os.Stat(h.path("dupe.db"))
	assert.True(t, os.IsNotExist(err), "dry runs do not open the database")

	_, err = h.run(t, "link", "-e", modeltest.Part, "--related", modeltest.Category, "--args", `{"id": 1}`, "--dry-run")
	assert.ErrorIs(t, err, bulk.ErrInvalidInput)
}

func TestMutations(t *testing.T) {
	h := newHarness(t, "metrics {\n  textfile = \""+filepath.Join(t.TempDir(), "dupe.prom")+"\"\n}\n")
	h.mustRun(t, "init-db")

	token := base64.StdEncoding.EncodeToString([]byte(`{"sub": "ada"}`))
	headers := []string{"-H", "x-jwt-payload=" + token, "-H", "x-request-id=42"}

	h.mustRun(t, "create", "-e", modeltest.Supplier, "-i", h.write(t, "suppliers.json", `[{"name": "Acme"}, {"name": "Bolt"}]`))
	h.mustRun(t, "create", "-e", modeltest.Category, "-i", h.write(t, "categories.json", `[{"label": "passive"}, {"label": "smd"}]`))

	events := h.mutations()
	require.Len(t, events, 2, "one event per bulk create")
	assert.Equal(t, "acme:supplier/create", events[0].ContextMap()["key"])
	assert.Equal(t, "<unknown>", events[0].ContextMap()["user"])

	t.Run("create with references", func(t *testing.T) {
		h.logs.TakeAll()
		out := h.mustRun(t, append([]string{"create", "-e", modeltest.Part, "-i", h.write(t, "parts.json", `[{
			"mpn": "R1",
			"supplier": {"name": "Acme"},
			"categories": [{"label": "passive"}],
			"lots": [{"code": "L1", "quantity": 3}]
		}]`)}, headers...)...)

		var created []map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &created))
		require.Len(t, created, 1)
		assert.Equal(t, "R1", created[0]["mpn"])
		assert.Equal(t, 1.0, created[0]["supplier_id"])

		events := h.mutations()
		require.NotEmpty(t, events)
		assert.Equal(t, "acme:part/create", events[0].ContextMap()["key"])
		assert.Equal(t, "ada", events[0].ContextMap()["user"])
	})

	t.Run("unresolved reference writes nothing", func(t *testing.T) {
		_, err := h.run(t, "create", "-e", modeltest.Part, "-i", h.write(t, "bad.json", `[{"mpn": "R2", "supplier": {"name": "Nobody"}}]`))
		assert.ErrorIs(t, err, bulk.ErrReferenceNotFound)
	})

	t.Run("update with lock", func(t *testing.T) {
		out := h.mustRun(t, "update", "-e", modeltest.Part, "-i", h.write(t, "update.json", `[{"input": {"mpn": "R1", "stock": 7}, "lock": {"stock": null}}]`))
		var updated []map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &updated))
		require.Len(t, updated, 1)
		assert.Equal(t, 7.0, updated[0]["stock"])

		_, err := h.run(t, "update", "-e", modeltest.Part, "-i", h.write(t, "stale.json", `[{"input": {"mpn": "R1", "stock": 8}, "lock": {"stock": 6}}]`))
		assert.ErrorIs(t, err, bulk.ErrLockConflict)
	})

	t.Run("link and unlink", func(t *testing.T) {
		out := h.mustRun(t, "link", "-e", modeltest.Part, "--related", modeltest.Category, "--args", `{"id": 1, "category_id": 2}`)
		assert.Equal(t, "link parts 1 categories 2\n", out)
		assert.Equal(t, 2, h.links(t))

		h.mustRun(t, "unlink", "-e", modeltest.Part, "--related", modeltest.Category, "--args", `{"id": 1, "category_id": 1}`)
		assert.Equal(t, 1, h.links(t))
	})

	t.Run("introspected associations", func(t *testing.T) {
		h.mustRun(t, "create", "-e", modeltest.Part, "--introspect", "-i", h.write(t, "more.json", `[{"mpn": "C9", "supplier": {"id": 2}}]`))
	})

	t.Run("delete", func(t *testing.T) {
		out := h.mustRun(t, "delete", "-e", modeltest.Part, "-w", `{"mpn": "R1"}`)
		var deleted map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &deleted))
		assert.Equal(t, "R1", deleted["mpn"])

		_, err := h.run(t, "delete", "-e", modeltest.Part, "-w", `{"stock": 7}`)
		assert.ErrorIs(t, err, bulk.ErrInvalidInput)
	})

	prom, err := os.ReadFile(h.app.cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "dupe_mutation_events_total")
}

// links counts the rows of the part_categories join table.
func (h *harness) links(t *testing.T) int {
	t.Helper()
	db, err := sqlite.Open(context.Background(), h.path("dupe.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	var n int
	require.NoError(t, db.DB().QueryRow(`SELECT COUNT(*) FROM part_categories`).Scan(&n))
	return n
}

func TestQueryExecute(t *testing.T) {
	h := newHarness(t, "")
	h.mustRun(t, "init-db")
	h.mustRun(t, "create", "-e", modeltest.Supplier, "-i", h.write(t, "suppliers.json", `[{"name": "Acme"}]`))
	h.mustRun(t, "create", "-e", modeltest.Category, "-i", h.write(t, "categories.json", `[{"label": "passive"}, {"label": "smd"}]`))
	h.mustRun(t, "create", "-e", modeltest.Part, "-i", h.write(t, "parts.json", `[
		{"mpn": "R1", "stock": 3, "supplier": {"name": "Acme"}, "categories": [{"label": "passive"}, {"label": "smd"}]},
		{"mpn": "C1", "stock": 0}
	]`))

	sel := []string{"--select", "dupe:part/./mpn", "--select", "dupe:part/dupe:supplier/./name", "--select", "dupe:part/dupe:category/./label"}
	base := append([]string{"query", "--root", modeltest.Part}, sel...)

	t.Run("index", func(t *testing.T) {
		out := h.mustRun(t, append(base, "-o", "index")...)
		var got map[string]map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, map[string]map[string]any{
			"1": {"dupe:part/./mpn": "R1", "dupe:part/dupe:supplier/./name": "Acme", "dupe:part/dupe:category/./label": "passive, smd"},
			"2": {"dupe:part/./mpn": "C1", "dupe:part/dupe:supplier/./name": nil, "dupe:part/dupe:category/./label": ""},
		}, got)
	})

	t.Run("data with filter", func(t *testing.T) {
		out := h.mustRun(t, append(base, "-o", "data", "--where", `{"stock": {"gt": 0}}`)...)
		var got map[string][]map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		require.Len(t, got["parts"], 1)
		assert.Equal(t, "R1", got["parts"][0]["mpn"])
		assert.Equal(t, map[string]any{"id": 1.0, "name": "Acme"}, got["parts"][0]["supplier"])
	})

	t.Run("text and paging", func(t *testing.T) {
		out := h.mustRun(t, "query", "--root", modeltest.Part, "--select", "dupe:part/./mpn", "--text", "c", "-o", "data")
		assert.JSONEq(t, `{"parts": [{"id": 2, "mpn": "C1"}]}`, out)

		out = h.mustRun(t, "query", "--root", modeltest.Part, "--select", "dupe:part/./mpn", "--limit", "1", "--page", "1", "-o", "data")
		assert.JSONEq(t, `{"parts": [{"id": 2, "mpn": "C1"}]}`, out)
	})
}

func TestModelReload(t *testing.T) {
	h := newHarness(t, "")
	h.mustRun(t, "init-db")
	out := h.mustRun(t, "tree", "--root", modeltest.Supplier)
	assert.NotContains(t, out, "country")

	writeModel := func(t *testing.T, spec api.Model) {
		t.Helper()
		raw, err := json.Marshal(spec)
		require.NoError(t, err)
		h.write(t, "model.json", string(raw))
	}
	next := modeltest.Spec()
	next.Rev = 2
	next.Entities[0].Attributes = append(next.Entities[0].Attributes,
		api.Attribute{ID: "country", Name: "Country", Required: true, Type: api.TypeString})
	writeModel(t, next)

	out = h.mustRun(t, "tree", "--root", modeltest.Supplier)
	assert.Contains(t, out, "country string")
	m, _ := h.app.models.Current()
	assert.Equal(t, int64(2), m.Rev())

	_, err := h.run(t, "create", "-e", modeltest.Supplier, "-i", h.write(t, "suppliers.json", `[{"name": "Acme"}]`))
	assert.ErrorContains(t, err, "country: required", "the engine validates with the reloaded registry")

	writeModel(t, modeltest.Spec())
	_, err = h.run(t, "tree", "--root", modeltest.Supplier)
	assert.ErrorContains(t, err, "older")
}

func TestUpdateLocksOnTimestamp(t *testing.T) {
	h := newHarness(t, "")
	h.mustRun(t, "init-db")
	out := h.mustRun(t, "create", "-e", modeltest.Supplier, "-i", h.write(t, "suppliers.json", `[{"name": "Acme"}]`))
	var created []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.Len(t, created, 1)

	change, err := json.Marshal([]map[string]any{{
		"input": map[string]any{"name": "Acme", "active": true},
		"lock":  map[string]any{"updated_at": created[0]["updated_at"]},
	}})
	require.NoError(t, err)
	out = h.mustRun(t, "update", "-e", modeltest.Supplier, "-i", h.write(t, "update.json", string(change)))
	assert.Contains(t, out, `"active": true`)
}
