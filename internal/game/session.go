// Package game holds the authoritative session state machine: players,
// registered actions, and the pure round resolver. Everything here is
// single-writer state owned by one session runtime.
package game

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/hexfray/server/internal/errs"
	"github.com/hexfray/server/internal/event"
	"github.com/hexfray/server/internal/scripting"
	"github.com/hexfray/server/internal/world"
)

// CurrentSchemaVersion is the snapshot schema written by this build.
// History: v1 initial; v2 added the event log; v3 added per-player
// visibility lists; v4 backfilled rounds on historical move events.
const CurrentSchemaVersion = 4

// Status is the session lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusConcluded Status = "concluded"
)

// UserID ties a player seat to the external identity system.
type UserID int64

// PlayerStatus is the per-player liveness surfaced to the outer layers.
type PlayerStatus string

const (
	PlayerAlive   PlayerStatus = "alive"
	PlayerDead    PlayerStatus = "dead"
	PlayerUnknown PlayerStatus = "unknown"
)

// Player is one seat in a session.
type Player struct {
	ID          world.PlayerID
	UserID      UserID
	DisplayName string
	Status      PlayerStatus
}

// Session is the full state machine of one game. Mutated only through
// registration calls and the resolver, always under its runtime.
type Session struct {
	ID                uuid.UUID
	JoinCode          string
	Status            Status
	Round             int64
	RoundEndTime      time.Time // zero = no deadline scheduled
	Players           map[world.PlayerID]*Player
	World             *world.World
	RegisteredActions map[world.PlayerID][]Action
	Events            *event.Log
	Version           int64

	// Extra holds snapshot fields written by newer schemas that this build
	// does not understand. Preserved verbatim across decode/encode so a
	// newer node can read them back.
	Extra map[string]json.RawMessage
}

// Seat describes one user joining a new session.
type Seat struct {
	UserID      UserID
	DisplayName string
}

var joinCodeRe = regexp.MustCompile(`^[A-Za-z0-9]{1,8}$`)

// ValidateJoinCode enforces the cluster-wide join code shape: 1-8
// alphanumeric characters, case-sensitive.
func ValidateJoinCode(code string) error {
	if !joinCodeRe.MatchString(code) {
		return errs.Newf(errs.KindInvalidInput, errs.CodeBadJoinCode, "join code %q must be 1-8 alphanumeric chars", code)
	}
	return nil
}

// New constructs a fresh Active session on the given grid. PCs are placed
// on the spawn coords in seat order (wrapping when seats outnumber
// spawns); player ids are assigned 1..n.
func New(id uuid.UUID, joinCode string, seats []Seat, grid world.Grid, spawns []world.Coord, rules scripting.Rules) (*Session, error) {
	if err := ValidateJoinCode(joinCode); err != nil {
		return nil, err
	}
	if len(seats) == 0 {
		return nil, errs.New(errs.KindInvalidInput, errs.CodeBadJoinCode, "session needs at least one player")
	}
	if len(spawns) == 0 {
		return nil, errs.New(errs.KindInternal, errs.CodeInvariantViolated, "grid template has no spawns")
	}

	players := make(map[world.PlayerID]*Player, len(seats))
	pcs := make(map[world.PlayerID]world.PC, len(seats))
	ids := make([]world.PlayerID, 0, len(seats))
	for i, seat := range seats {
		pid := world.PlayerID(i + 1)
		players[pid] = &Player{
			ID:          pid,
			UserID:      seat.UserID,
			DisplayName: seat.DisplayName,
			Status:      PlayerAlive,
		}
		pcs[pid] = world.PC{
			PlayerID:     pid,
			Position:     spawns[i%len(spawns)],
			Health:       rules.StartingHealth,
			ActionPoints: rules.StartingAP,
		}
		ids = append(ids, pid)
	}

	return &Session{
		ID:                id,
		JoinCode:          joinCode,
		Status:            StatusActive,
		Round:             1,
		Players:           players,
		World:             world.New(grid, pcs),
		RegisteredActions: make(map[world.PlayerID][]Action),
		Events:            event.New(ids),
		Version:           CurrentSchemaVersion,
	}, nil
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	players := make(map[world.PlayerID]*Player, len(s.Players))
	for id, p := range s.Players {
		cp := *p
		players[id] = &cp
	}
	actions := make(map[world.PlayerID][]Action, len(s.RegisteredActions))
	for id, as := range s.RegisteredActions {
		cp := make([]Action, len(as))
		copy(cp, as)
		actions[id] = cp
	}
	next := *s
	next.Players = players
	next.RegisteredActions = actions
	next.World = s.World.Clone()
	if s.Events != nil {
		next.Events = s.Events.Clone()
	}
	if s.Extra != nil {
		next.Extra = make(map[string]json.RawMessage, len(s.Extra))
		for k, v := range s.Extra {
			next.Extra[k] = v
		}
	}
	return &next
}

// PlayerByUser returns the seat owned by uid, or nil.
func (s *Session) PlayerByUser(uid UserID) *Player {
	for _, p := range s.Players {
		if p.UserID == uid {
			return p
		}
	}
	return nil
}

// PlayerStatusFor reports alive/dead for the user's seat, or unknown when
// the user has no seat in this session.
func (s *Session) PlayerStatusFor(uid UserID) PlayerStatus {
	p := s.PlayerByUser(uid)
	if p == nil {
		return PlayerUnknown
	}
	if s.World.Alive(p.ID) {
		return PlayerAlive
	}
	return PlayerDead
}
