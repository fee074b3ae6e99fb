package game

import (
	"sort"
	"time"

	"github.com/hexfray/server/internal/event"
	"github.com/hexfray/server/internal/scripting"
	"github.com/hexfray/server/internal/world"
)

// Resolve applies all registered actions for the current round and advances
// the session to the next one. It is a pure function of its inputs: the
// receiver is never mutated and the same session always resolves to the
// same result.
//
// Phase order: attacks, then moves, then kill resolution, then AP regen.
// Attacks land in ascending attacker id. Moves are simultaneous: every
// destination is computed against the pre-move world, then all pc_left_hex
// events are recorded followed by all pc_entered_hex events, each in
// ascending mover id.
func Resolve(s *Session, nextRoundEnd time.Time, rules scripting.Rules) *Session {
	next := s.Clone()
	round := next.Round

	attacks, moves := partitionActions(next.RegisteredActions)

	for _, a := range attacks {
		if tpc, ok := next.World.PlayerCharacters[a.TargetID]; ok {
			tpc.Health -= rules.AttackDamage
			next.World.PlayerCharacters[a.TargetID] = tpc
		}
		apc, ok := next.World.PlayerCharacters[a.PlayerID]
		if !ok {
			continue
		}
		next.Events.Append(event.Event{
			Round:    round,
			Kind:     event.KindPCAttackedPC,
			PlayerID: a.PlayerID,
			TargetID: a.TargetID,
		}, next.World.PlayersAt(apc.Position))
	}

	pre := next.World
	post := pre
	type hop struct {
		mover    world.PlayerID
		from, to world.Coord
	}
	hops := make([]hop, 0, len(moves))
	for _, m := range moves {
		pc, ok := pre.PlayerCharacters[m.PlayerID]
		if !ok {
			continue
		}
		to := pc.Position.Add(m.Vector)
		post = post.MovePC(m.PlayerID, to)
		hops = append(hops, hop{mover: m.PlayerID, from: pc.Position, to: to})
	}
	next.World = post

	for _, h := range hops {
		witnesses := subtract(pre.PlayersAt(h.from), post.PlayersAt(h.to))
		next.Events.Append(event.Event{
			Round:    round,
			Kind:     event.KindPCLeftHex,
			PlayerID: h.mover,
			From:     h.from,
			To:       h.to,
		}, witnesses)
	}
	for _, h := range hops {
		next.Events.Append(event.Event{
			Round:    round,
			Kind:     event.KindPCEnteredHex,
			PlayerID: h.mover,
			From:     h.from,
			To:       h.to,
		}, post.PlayersAt(h.to))
	}

	for _, pid := range next.World.LivePlayerIDs() {
		pc := next.World.PlayerCharacters[pid]
		if pc.Health > 0 {
			continue
		}
		delete(next.World.PlayerCharacters, pid)
		next.World.DeadCharacters[pid] = pc
		next.Players[pid].Status = PlayerDead
	}

	for _, pid := range next.World.LivePlayerIDs() {
		pc := next.World.PlayerCharacters[pid]
		pc.ActionPoints += rules.APRegenPerTurn
		if pc.ActionPoints > rules.APCap {
			pc.ActionPoints = rules.APCap
		}
		next.World.PlayerCharacters[pid] = pc
	}

	next.RegisteredActions = make(map[world.PlayerID][]Action)
	next.Round = round + 1
	if next.World.AliveCount() < 2 {
		next.Status = StatusConcluded
		next.RoundEndTime = time.Time{}
	} else {
		next.RoundEndTime = nextRoundEnd
	}
	return next
}

// partitionActions splits the action map into attacks and moves, each
// sorted ascending by actor id so resolution order is deterministic.
func partitionActions(all map[world.PlayerID][]Action) (attacks, moves []Action) {
	ids := make([]world.PlayerID, 0, len(all))
	for pid := range all {
		ids = append(ids, pid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, pid := range ids {
		for _, a := range all[pid] {
			switch a.Kind {
			case ActionAttack:
				attacks = append(attacks, a)
			case ActionMove:
				moves = append(moves, a)
			}
		}
	}
	return attacks, moves
}

// subtract returns the members of a not present in b, preserving a's order.
func subtract(a, b []world.PlayerID) []world.PlayerID {
	drop := make(map[world.PlayerID]struct{}, len(b))
	for _, id := range b {
		drop[id] = struct{}{}
	}
	out := make([]world.PlayerID, 0, len(a))
	for _, id := range a {
		if _, gone := drop[id]; !gone {
			out = append(out, id)
		}
	}
	return out
}
