// Package event holds the append-only per-session event log. Events are a
// tagged union discriminated by Kind; ids are dense integers assigned in
// insertion order.
package event

import "github.com/hexfray/server/internal/world"

// Kind discriminates event variants on the wire and in the log.
type Kind string

const (
	KindPCLeftHex    Kind = "pc_left_hex"
	KindPCEnteredHex Kind = "pc_entered_hex"
	KindPCAttackedPC Kind = "pc_attacked_pc"
)

// Event is one immutable entry in the log. Exactly one of the variant
// field groups is meaningful, selected by Kind.
type Event struct {
	ID       int64
	Round    int64
	Kind     Kind
	PlayerID world.PlayerID

	// Movement variants (KindPCLeftHex, KindPCEnteredHex).
	From world.Coord
	To   world.Coord

	// Attack variant (KindPCAttackedPC).
	TargetID world.PlayerID
}
