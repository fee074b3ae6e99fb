// Package snapshot encodes sessions into the durable wire format and
// upgrades snapshots written by older schema versions.
//
// The format is JSON with structured map keys (Coord) canonicalized as
// "q,r" strings, explicit kind discriminators on events and actions,
// int64 widths, and RFC3339 UTC timestamps truncated to seconds. Unknown
// top-level fields survive a decode/encode round trip; unknown kinds are
// rejected as BadSchema.
package snapshot

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hexfray/server/internal/errs"
	"github.com/hexfray/server/internal/event"
	"github.com/hexfray/server/internal/game"
	"github.com/hexfray/server/internal/world"
)

type coordJSON struct {
	Q int64 `json:"q"`
	R int64 `json:"r"`
}

type playerJSON struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
}

type pcJSON struct {
	PlayerID     int64     `json:"player_id"`
	Position     coordJSON `json:"position"`
	Health       int64     `json:"health"`
	ActionPoints int64     `json:"action_points"`
}

type worldJSON struct {
	Grid             map[string]struct{} `json:"grid"`
	PlayerCharacters map[string]pcJSON   `json:"player_characters"`
	DeadCharacters   map[string]pcJSON   `json:"dead_characters"`
}

type actionJSON struct {
	Kind     string     `json:"kind"`
	PlayerID int64      `json:"player_id"`
	Vector   *coordJSON `json:"vector,omitempty"`
	TargetID int64      `json:"target_id,omitempty"`
}

type eventJSON struct {
	ID       int64      `json:"id"`
	Round    int64      `json:"round"`
	Kind     string     `json:"kind"`
	PlayerID int64      `json:"player_id"`
	From     *coordJSON `json:"from,omitempty"`
	To       *coordJSON `json:"to,omitempty"`
	TargetID int64      `json:"target_id,omitempty"`
}

type eventLogJSON struct {
	Events                map[string]eventJSON `json:"events"`
	EventsVisibleByPlayer map[string][]int64   `json:"events_visible_by_player"`
}

// knownFields are the top-level keys this schema version understands.
// Everything else is carried through untouched in Session.Extra.
var knownFields = map[string]bool{
	"version": true, "id": true, "join_code": true, "status": true,
	"round": true, "round_end_time": true, "players": true, "world": true,
	"registered_actions": true, "events_log": true,
}

// Encode serializes a session. round_end_time is written as UTC truncated
// to whole seconds, or null when no deadline is set.
func Encode(s *game.Session) ([]byte, error) {
	doc := make(map[string]any, len(knownFields)+len(s.Extra))
	for k, v := range s.Extra {
		doc[k] = v
	}

	doc["version"] = s.Version
	doc["id"] = s.ID.String()
	doc["join_code"] = s.JoinCode
	doc["status"] = string(s.Status)
	doc["round"] = s.Round
	if s.RoundEndTime.IsZero() {
		doc["round_end_time"] = nil
	} else {
		doc["round_end_time"] = s.RoundEndTime.UTC().Truncate(time.Second).Format(time.RFC3339)
	}

	players := make(map[string]playerJSON, len(s.Players))
	for pid, p := range s.Players {
		players[strconv.FormatInt(int64(pid), 10)] = playerJSON{
			ID:          int64(p.ID),
			UserID:      int64(p.UserID),
			DisplayName: p.DisplayName,
			Status:      string(p.Status),
		}
	}
	doc["players"] = players
	doc["world"] = encodeWorld(s.World)

	actions := make(map[string][]actionJSON, len(s.RegisteredActions))
	for pid, as := range s.RegisteredActions {
		out := make([]actionJSON, len(as))
		for i, a := range as {
			out[i] = encodeAction(a)
		}
		actions[strconv.FormatInt(int64(pid), 10)] = out
	}
	doc["registered_actions"] = actions

	if s.Events != nil {
		doc["events_log"] = encodeEventLog(s.Events)
	}

	return json.Marshal(doc)
}

func encodeWorld(w *world.World) worldJSON {
	out := worldJSON{
		Grid:             make(map[string]struct{}, len(w.Grid)),
		PlayerCharacters: make(map[string]pcJSON, len(w.PlayerCharacters)),
		DeadCharacters:   make(map[string]pcJSON, len(w.DeadCharacters)),
	}
	for c := range w.Grid {
		out.Grid[c.Key()] = struct{}{}
	}
	for pid, pc := range w.PlayerCharacters {
		out.PlayerCharacters[strconv.FormatInt(int64(pid), 10)] = encodePC(pc)
	}
	for pid, pc := range w.DeadCharacters {
		out.DeadCharacters[strconv.FormatInt(int64(pid), 10)] = encodePC(pc)
	}
	return out
}

func encodePC(pc world.PC) pcJSON {
	return pcJSON{
		PlayerID:     int64(pc.PlayerID),
		Position:     coordJSON{Q: pc.Position.Q, R: pc.Position.R},
		Health:       pc.Health,
		ActionPoints: pc.ActionPoints,
	}
}

func encodeAction(a game.Action) actionJSON {
	out := actionJSON{Kind: string(a.Kind), PlayerID: int64(a.PlayerID)}
	switch a.Kind {
	case game.ActionMove:
		out.Vector = &coordJSON{Q: a.Vector.Q, R: a.Vector.R}
	case game.ActionAttack:
		out.TargetID = int64(a.TargetID)
	}
	return out
}

func encodeEventLog(l *event.Log) eventLogJSON {
	out := eventLogJSON{
		Events:                make(map[string]eventJSON, len(l.Events)),
		EventsVisibleByPlayer: make(map[string][]int64, len(l.VisibleByPlayer)),
	}
	for id, ev := range l.Events {
		ej := eventJSON{
			ID:       ev.ID,
			Round:    ev.Round,
			Kind:     string(ev.Kind),
			PlayerID: int64(ev.PlayerID),
		}
		switch ev.Kind {
		case event.KindPCLeftHex, event.KindPCEnteredHex:
			ej.From = &coordJSON{Q: ev.From.Q, R: ev.From.R}
			ej.To = &coordJSON{Q: ev.To.Q, R: ev.To.R}
		case event.KindPCAttackedPC:
			ej.TargetID = int64(ev.TargetID)
		}
		out.Events[strconv.FormatInt(id, 10)] = ej
	}
	for pid, ids := range l.VisibleByPlayer {
		cp := make([]int64, len(ids))
		copy(cp, ids)
		out.EventsVisibleByPlayer[strconv.FormatInt(int64(pid), 10)] = cp
	}
	return out
}

// Decode parses a snapshot. The result may carry an old Version; callers
// run Upgrade before using it. Malformed documents and unknown kind
// discriminators return BadSchema.
func Decode(raw []byte) (*game.Session, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errs.Wrap(errs.KindBadSchema, errs.CodeBadSnapshot, "snapshot is not a JSON object", err)
	}

	s := &game.Session{
		Players:           make(map[world.PlayerID]*game.Player),
		RegisteredActions: make(map[world.PlayerID][]game.Action),
	}

	if err := field(doc, "version", &s.Version); err != nil {
		return nil, err
	}
	var idStr string
	if err := field(doc, "id", &idStr); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadSchema, errs.CodeBadSnapshot, "bad session id", err)
	}
	s.ID = id
	if err := field(doc, "join_code", &s.JoinCode); err != nil {
		return nil, err
	}
	var status string
	if err := field(doc, "status", &status); err != nil {
		return nil, err
	}
	switch game.Status(status) {
	case game.StatusActive, game.StatusConcluded:
		s.Status = game.Status(status)
	default:
		return nil, errs.Newf(errs.KindBadSchema, errs.CodeBadSnapshot, "unknown status %q", status)
	}
	if err := field(doc, "round", &s.Round); err != nil {
		return nil, err
	}

	if raw, ok := doc["round_end_time"]; ok && string(raw) != "null" {
		var ts string
		if err := json.Unmarshal(raw, &ts); err != nil {
			return nil, errs.Wrap(errs.KindBadSchema, errs.CodeBadSnapshot, "bad round_end_time", err)
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, errs.Wrap(errs.KindBadSchema, errs.CodeBadSnapshot, "bad round_end_time", err)
		}
		s.RoundEndTime = t.UTC()
	}

	var players map[string]playerJSON
	if err := field(doc, "players", &players); err != nil {
		return nil, err
	}
	for key, pj := range players {
		pid, err := parsePlayerKey(key)
		if err != nil {
			return nil, err
		}
		s.Players[pid] = &game.Player{
			ID:          world.PlayerID(pj.ID),
			UserID:      game.UserID(pj.UserID),
			DisplayName: pj.DisplayName,
			Status:      game.PlayerStatus(pj.Status),
		}
	}

	var wj worldJSON
	if err := field(doc, "world", &wj); err != nil {
		return nil, err
	}
	if s.World, err = decodeWorld(wj); err != nil {
		return nil, err
	}

	if raw, ok := doc["registered_actions"]; ok {
		var actions map[string][]actionJSON
		if err := json.Unmarshal(raw, &actions); err != nil {
			return nil, errs.Wrap(errs.KindBadSchema, errs.CodeBadSnapshot, "bad registered_actions", err)
		}
		for key, ajs := range actions {
			pid, err := parsePlayerKey(key)
			if err != nil {
				return nil, err
			}
			out := make([]game.Action, len(ajs))
			for i, aj := range ajs {
				if out[i], err = decodeAction(aj); err != nil {
					return nil, err
				}
			}
			s.RegisteredActions[pid] = out
		}
	}

	// events_log is absent in v1 snapshots; the v1→v2 migration adds it.
	if raw, ok := doc["events_log"]; ok && string(raw) != "null" {
		var lj eventLogJSON
		if err := json.Unmarshal(raw, &lj); err != nil {
			return nil, errs.Wrap(errs.KindBadSchema, errs.CodeBadSnapshot, "bad events_log", err)
		}
		if s.Events, err = decodeEventLog(lj); err != nil {
			return nil, err
		}
	}
	// Post-v1 snapshots may still arrive without an event log (a lenient
	// writer, or a hand-repaired row). The resolver requires one, so
	// normalize instead of crashing the runtime on first use.
	if s.Events == nil && s.Version > 1 {
		s.Events = event.New(playerIDsOf(s))
	}

	for k, v := range doc {
		if !knownFields[k] {
			if s.Extra == nil {
				s.Extra = make(map[string]json.RawMessage)
			}
			s.Extra[k] = v
		}
	}
	return s, nil
}

func field(doc map[string]json.RawMessage, name string, dst any) error {
	raw, ok := doc[name]
	if !ok {
		return errs.Newf(errs.KindBadSchema, errs.CodeBadSnapshot, "missing field %q", name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.Wrap(errs.KindBadSchema, errs.CodeBadSnapshot, "bad field "+name, err)
	}
	return nil
}

func parsePlayerKey(key string) (world.PlayerID, error) {
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, errs.Wrap(errs.KindBadSchema, errs.CodeBadSnapshot, "bad player key "+key, err)
	}
	return world.PlayerID(n), nil
}

func decodeWorld(wj worldJSON) (*world.World, error) {
	grid := make(world.Grid, len(wj.Grid))
	for key := range wj.Grid {
		c, err := world.ParseCoord(key)
		if err != nil {
			return nil, errs.Wrap(errs.KindBadSchema, errs.CodeBadSnapshot, "bad grid key "+key, err)
		}
		grid[c] = world.Hex{}
	}
	pcs := make(map[world.PlayerID]world.PC, len(wj.PlayerCharacters))
	for key, pj := range wj.PlayerCharacters {
		pid, err := parsePlayerKey(key)
		if err != nil {
			return nil, err
		}
		pcs[pid] = decodePC(pj)
	}
	w := world.New(grid, pcs)
	for key, pj := range wj.DeadCharacters {
		pid, err := parsePlayerKey(key)
		if err != nil {
			return nil, err
		}
		w.DeadCharacters[pid] = decodePC(pj)
	}
	return w, nil
}

func decodePC(pj pcJSON) world.PC {
	return world.PC{
		PlayerID:     world.PlayerID(pj.PlayerID),
		Position:     world.Coord{Q: pj.Position.Q, R: pj.Position.R},
		Health:       pj.Health,
		ActionPoints: pj.ActionPoints,
	}
}

func decodeAction(aj actionJSON) (game.Action, error) {
	switch game.ActionKind(aj.Kind) {
	case game.ActionMove:
		if aj.Vector == nil {
			return game.Action{}, errs.New(errs.KindBadSchema, errs.CodeBadSnapshot, "move action without vector")
		}
		return game.Action{
			Kind:     game.ActionMove,
			PlayerID: world.PlayerID(aj.PlayerID),
			Vector:   world.Vector{Q: aj.Vector.Q, R: aj.Vector.R},
		}, nil
	case game.ActionAttack:
		return game.Action{
			Kind:     game.ActionAttack,
			PlayerID: world.PlayerID(aj.PlayerID),
			TargetID: world.PlayerID(aj.TargetID),
		}, nil
	default:
		return game.Action{}, errs.Newf(errs.KindBadSchema, errs.CodeBadSnapshot, "unknown action kind %q", aj.Kind)
	}
}

func decodeEventLog(lj eventLogJSON) (*event.Log, error) {
	l := &event.Log{
		Events:          make(map[int64]event.Event, len(lj.Events)),
		VisibleByPlayer: make(map[world.PlayerID][]int64, len(lj.EventsVisibleByPlayer)),
	}
	for key, ej := range lj.Events {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, errs.Wrap(errs.KindBadSchema, errs.CodeBadSnapshot, "bad event key "+key, err)
		}
		ev := event.Event{
			ID:       ej.ID,
			Round:    ej.Round,
			Kind:     event.Kind(ej.Kind),
			PlayerID: world.PlayerID(ej.PlayerID),
		}
		switch ev.Kind {
		case event.KindPCLeftHex, event.KindPCEnteredHex:
			if ej.From != nil {
				ev.From = world.Coord{Q: ej.From.Q, R: ej.From.R}
			}
			if ej.To != nil {
				ev.To = world.Coord{Q: ej.To.Q, R: ej.To.R}
			}
		case event.KindPCAttackedPC:
			ev.TargetID = world.PlayerID(ej.TargetID)
		default:
			return nil, errs.Newf(errs.KindBadSchema, errs.CodeBadSnapshot, "unknown event kind %q", ej.Kind)
		}
		l.Events[id] = ev
	}
	for key, ids := range lj.EventsVisibleByPlayer {
		pid, err := parsePlayerKey(key)
		if err != nil {
			return nil, err
		}
		cp := make([]int64, len(ids))
		copy(cp, ids)
		l.VisibleByPlayer[pid] = cp
	}
	return l, nil
}

// playerIDsOf returns the session's player ids ascending. Used by the
// migrator when it needs a stable iteration order.
func playerIDsOf(s *game.Session) []world.PlayerID {
	ids := make([]world.PlayerID, 0, len(s.Players))
	for pid := range s.Players {
		ids = append(ids, pid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
