// Package data loads the static game tables shipped with the server.
package data

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hexfray/server/internal/world"
)

// GridTemplate describes one playable hex grid from grid_list.yaml.
type GridTemplate struct {
	Name   string     `yaml:"name"`
	Hexes  []HexCoord `yaml:"hexes"`
	Spawns []HexCoord `yaml:"spawns"`
}

// HexCoord is an axial coordinate as written in the YAML tables.
type HexCoord struct {
	Q int64 `yaml:"q"`
	R int64 `yaml:"r"`
}

type gridListFile struct {
	Grids []GridTemplate `yaml:"grids"`
}

// GridTable provides grid template lookups by name.
type GridTable struct {
	grids       map[string]*GridTemplate
	defaultName string
}

// LoadGridTemplates loads all grid templates from yamlPath. The first
// template in the file becomes the default.
func LoadGridTemplates(yamlPath string) (*GridTable, error) {
	raw, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, fmt.Errorf("read grid list %s: %w", yamlPath, err)
	}
	var file gridListFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse grid list: %w", err)
	}
	if len(file.Grids) == 0 {
		return nil, fmt.Errorf("grid list %s has no grids", yamlPath)
	}

	table := &GridTable{
		grids:       make(map[string]*GridTemplate, len(file.Grids)),
		defaultName: file.Grids[0].Name,
	}
	for i := range file.Grids {
		g := &file.Grids[i]
		if len(g.Hexes) == 0 {
			return nil, fmt.Errorf("grid %q has no hexes", g.Name)
		}
		if len(g.Spawns) == 0 {
			return nil, fmt.Errorf("grid %q has no spawns", g.Name)
		}
		for _, sp := range g.Spawns {
			if !containsHex(g.Hexes, sp) {
				return nil, fmt.Errorf("grid %q: spawn (%d,%d) is not a hex", g.Name, sp.Q, sp.R)
			}
		}
		if _, dup := table.grids[g.Name]; dup {
			return nil, fmt.Errorf("duplicate grid name %q", g.Name)
		}
		table.grids[g.Name] = g
	}
	return table, nil
}

// Count returns the number of templates loaded.
func (t *GridTable) Count() int {
	return len(t.grids)
}

// Get returns the template with the given name, or nil.
func (t *GridTable) Get(name string) *GridTemplate {
	return t.grids[name]
}

// Default returns the first template declared in the file.
func (t *GridTable) Default() *GridTemplate {
	return t.grids[t.defaultName]
}

// Build materializes the template into a world grid plus the spawn coords
// in declaration order.
func (g *GridTemplate) Build() (world.Grid, []world.Coord) {
	grid := make(world.Grid, len(g.Hexes))
	for _, h := range g.Hexes {
		grid[world.Coord{Q: h.Q, R: h.R}] = world.Hex{}
	}
	spawns := make([]world.Coord, len(g.Spawns))
	for i, sp := range g.Spawns {
		spawns[i] = world.Coord{Q: sp.Q, R: sp.R}
	}
	return grid, spawns
}

func containsHex(hexes []HexCoord, c HexCoord) bool {
	for _, h := range hexes {
		if h == c {
			return true
		}
	}
	return false
}
