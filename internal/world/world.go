// Package world holds the pure in-memory model of one session's hex grid
// and player characters. No I/O, no clocks; everything here is driven by
// the round resolver.
package world

import "sort"

// PlayerID identifies a player within one session.
type PlayerID int64

// Hex is per-cell metadata. Currently only identity; terrain flags and
// cell effects hang off here later.
type Hex struct{}

// Grid maps every valid coordinate to its cell. Finite, immutable after
// world creation.
type Grid map[Coord]Hex

// Contains reports whether c is a valid cell of the grid.
func (g Grid) Contains(c Coord) bool {
	_, ok := g[c]
	return ok
}

// PC is a player character.
type PC struct {
	PlayerID     PlayerID
	Position     Coord
	Health       int64
	ActionPoints int64
}

// World is the authoritative per-session game state. A PlayerID appears in
// exactly one of PlayerCharacters or DeadCharacters.
type World struct {
	Grid             Grid
	PlayerCharacters map[PlayerID]PC
	DeadCharacters   map[PlayerID]PC
}

// New builds a world over grid with the given live PCs.
func New(grid Grid, pcs map[PlayerID]PC) *World {
	if pcs == nil {
		pcs = make(map[PlayerID]PC)
	}
	return &World{
		Grid:             grid,
		PlayerCharacters: pcs,
		DeadCharacters:   make(map[PlayerID]PC),
	}
}

// Clone returns a deep copy. Grid is shared (immutable).
func (w *World) Clone() *World {
	pcs := make(map[PlayerID]PC, len(w.PlayerCharacters))
	for id, pc := range w.PlayerCharacters {
		pcs[id] = pc
	}
	dead := make(map[PlayerID]PC, len(w.DeadCharacters))
	for id, pc := range w.DeadCharacters {
		dead[id] = pc
	}
	return &World{Grid: w.Grid, PlayerCharacters: pcs, DeadCharacters: dead}
}

// PCsAt returns the live PCs standing on c, ordered by ascending PlayerID
// so every caller iterates deterministically.
func (w *World) PCsAt(c Coord) []PC {
	var out []PC
	for _, pc := range w.PlayerCharacters {
		if pc.Position == c {
			out = append(out, pc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// PlayersAt returns the ids of live PCs standing on c.
func (w *World) PlayersAt(c Coord) []PlayerID {
	pcs := w.PCsAt(c)
	ids := make([]PlayerID, len(pcs))
	for i, pc := range pcs {
		ids[i] = pc.PlayerID
	}
	return ids
}

// MovePC returns a copy of w with the PC's position updated. The PC must
// be alive; calling this for an unknown id is a programmer error.
func (w *World) MovePC(id PlayerID, to Coord) *World {
	pc, ok := w.PlayerCharacters[id]
	if !ok {
		panic("world: MovePC on unknown or dead player")
	}
	next := w.Clone()
	pc.Position = to
	next.PlayerCharacters[id] = pc
	return next
}

// Alive reports whether the player has a living PC.
func (w *World) Alive(id PlayerID) bool {
	_, ok := w.PlayerCharacters[id]
	return ok
}

// AliveCount returns the number of living PCs.
func (w *World) AliveCount() int {
	return len(w.PlayerCharacters)
}

// LivePlayerIDs returns the ids of all living PCs in ascending order.
func (w *World) LivePlayerIDs() []PlayerID {
	ids := make([]PlayerID, 0, len(w.PlayerCharacters))
	for id := range w.PlayerCharacters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
