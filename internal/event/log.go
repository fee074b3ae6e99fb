package event

import "github.com/hexfray/server/internal/world"

// Log is the per-session event journal plus the per-player visibility
// index. Invariants:
//   - ids are 0..len(Events)-1 with no gaps, assigned at append time
//   - every player key in VisibleByPlayer exists for the session's players
//   - visibility lists are newest-first with no duplicates
//   - an event nobody can see is never recorded
type Log struct {
	Events          map[int64]Event
	VisibleByPlayer map[world.PlayerID][]int64
}

// New builds an empty log with an empty visibility list per player.
func New(players []world.PlayerID) *Log {
	vis := make(map[world.PlayerID][]int64, len(players))
	for _, p := range players {
		vis[p] = []int64{}
	}
	return &Log{
		Events:          make(map[int64]Event),
		VisibleByPlayer: vis,
	}
}

// Clone returns a deep copy of the log.
func (l *Log) Clone() *Log {
	events := make(map[int64]Event, len(l.Events))
	for id, ev := range l.Events {
		events[id] = ev
	}
	vis := make(map[world.PlayerID][]int64, len(l.VisibleByPlayer))
	for p, ids := range l.VisibleByPlayer {
		cp := make([]int64, len(ids))
		copy(cp, ids)
		vis[p] = cp
	}
	return &Log{Events: events, VisibleByPlayer: vis}
}

// EnsurePlayer adds an empty visibility list for p if absent. Used by the
// v2→v3 snapshot migration and when continuing old sessions.
func (l *Log) EnsurePlayer(p world.PlayerID) {
	if _, ok := l.VisibleByPlayer[p]; !ok {
		l.VisibleByPlayer[p] = []int64{}
	}
}

// Append assigns the next dense id to ev, records it, and prepends the id
// to every listed player's visibility list. An event with no witnesses is
// not recorded at all; the returned id is -1 in that case.
func (l *Log) Append(ev Event, visibleTo []world.PlayerID) int64 {
	if len(visibleTo) == 0 {
		return -1
	}
	id := int64(len(l.Events))
	ev.ID = id
	l.Events[id] = ev
	seen := make(map[world.PlayerID]bool, len(visibleTo))
	for _, p := range visibleTo {
		if seen[p] {
			continue
		}
		seen[p] = true
		l.VisibleByPlayer[p] = append([]int64{id}, l.VisibleByPlayer[p]...)
	}
	return id
}

// Len returns the number of recorded events.
func (l *Log) Len() int { return len(l.Events) }

// VisibleTo returns the ids visible to p, newest first.
func (l *Log) VisibleTo(p world.PlayerID) []int64 {
	return l.VisibleByPlayer[p]
}
