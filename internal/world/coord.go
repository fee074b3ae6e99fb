package world

import (
	"fmt"
	"strconv"
	"strings"
)

// Coord is an axial hex coordinate. Value type, comparable, usable as a
// map key.
type Coord struct {
	Q int64
	R int64
}

// Vector is a displacement in axial coordinates.
type Vector struct {
	Q int64
	R int64
}

// Add applies a displacement to a coordinate.
func (c Coord) Add(v Vector) Coord {
	return Coord{Q: c.Q + v.Q, R: c.R + v.R}
}

// Key returns the canonical "q,r" string used wherever a Coord is a
// serialized map key.
func (c Coord) Key() string {
	return fmt.Sprintf("%d,%d", c.Q, c.R)
}

// ParseCoord reverses Coord.Key.
func ParseCoord(s string) (Coord, error) {
	q, r, err := parsePair(s)
	if err != nil {
		return Coord{}, fmt.Errorf("parse coord %q: %w", s, err)
	}
	return Coord{Q: q, R: r}, nil
}

// Key returns the canonical "q,r" string for a Vector.
func (v Vector) Key() string {
	return fmt.Sprintf("%d,%d", v.Q, v.R)
}

// ParseVector reverses Vector.Key.
func ParseVector(s string) (Vector, error) {
	q, r, err := parsePair(s)
	if err != nil {
		return Vector{}, fmt.Errorf("parse vector %q: %w", s, err)
	}
	return Vector{Q: q, R: r}, nil
}

func parsePair(s string) (int64, int64, error) {
	i := strings.IndexByte(s, ',')
	if i < 0 {
		return 0, 0, fmt.Errorf("missing comma")
	}
	q, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	r, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return q, r, nil
}
