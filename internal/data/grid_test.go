package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hexfray/server/internal/world"
)

func writeGridList(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grid_list.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadGridTemplates(t *testing.T) {
	path := writeGridList(t, `
grids:
  - name: duel
    hexes:
      - {q: 0, r: 0}
      - {q: 1, r: 0}
    spawns:
      - {q: 0, r: 0}
      - {q: 1, r: 0}
  - name: wide
    hexes:
      - {q: 0, r: 0}
    spawns:
      - {q: 0, r: 0}
`)
	table, err := LoadGridTemplates(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if table.Count() != 2 {
		t.Fatalf("count = %d, want 2", table.Count())
	}
	if table.Default().Name != "duel" {
		t.Fatalf("default = %q, want duel", table.Default().Name)
	}
	if table.Get("wide") == nil || table.Get("missing") != nil {
		t.Fatal("lookup by name broken")
	}

	grid, spawns := table.Get("duel").Build()
	if len(grid) != 2 {
		t.Fatalf("grid size = %d", len(grid))
	}
	if !grid.Contains(world.Coord{Q: 1, R: 0}) {
		t.Fatal("grid missing hex (1,0)")
	}
	if len(spawns) != 2 || spawns[0] != (world.Coord{Q: 0, R: 0}) {
		t.Fatalf("spawns = %v", spawns)
	}
}

func TestLoadGridTemplatesRejectsBadData(t *testing.T) {
	cases := map[string]string{
		"no grids":      `grids: []`,
		"spawn off map": "grids:\n  - name: bad\n    hexes:\n      - {q: 0, r: 0}\n    spawns:\n      - {q: 5, r: 5}\n",
		"no spawns":     "grids:\n  - name: bad\n    hexes:\n      - {q: 0, r: 0}\n    spawns: []\n",
		"duplicate": "grids:\n" +
			"  - name: dup\n    hexes: [{q: 0, r: 0}]\n    spawns: [{q: 0, r: 0}]\n" +
			"  - name: dup\n    hexes: [{q: 0, r: 0}]\n    spawns: [{q: 0, r: 0}]\n",
	}
	for name, body := range cases {
		if _, err := LoadGridTemplates(writeGridList(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestShippedGridList(t *testing.T) {
	table, err := LoadGridTemplates(filepath.Join("..", "..", "data", "yaml", "grid_list.yaml"))
	if err != nil {
		t.Fatalf("shipped grid list broken: %v", err)
	}
	if table.Default() == nil {
		t.Fatal("shipped grid list has no default")
	}
	for _, name := range []string{"skirmish", "corridor"} {
		g := table.Get(name)
		if g == nil {
			t.Fatalf("missing shipped grid %q", name)
		}
		if len(g.Spawns) < 2 {
			t.Fatalf("grid %q needs at least two spawns", name)
		}
	}
}
