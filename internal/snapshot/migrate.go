package snapshot

import (
	"github.com/hexfray/server/internal/errs"
	"github.com/hexfray/server/internal/event"
	"github.com/hexfray/server/internal/game"
)

// migration upgrades a session from one schema version to the next. Steps
// are pure: they receive a private clone and must be total over any
// well-formed session of their source version.
type migration func(*game.Session)

// migrations[v] upgrades v -> v+1.
var migrations = map[int64]migration{
	1: migrateV1AddEventLog,
	2: migrateV2AddVisibilityLists,
	3: migrateV3BackfillMoveRounds,
}

// Upgrade returns a session at game.CurrentSchemaVersion, applying each
// registered step in sequence. Non-positive or future versions return
// InvalidVersion; the caller must treat that as fatal rather than retry.
func Upgrade(s *game.Session) (*game.Session, error) {
	if s.Version == game.CurrentSchemaVersion {
		return s, nil
	}
	if s.Version <= 0 || s.Version > game.CurrentSchemaVersion {
		return nil, errs.Newf(errs.KindInvalidVersion, errs.CodeUnknownVersion,
			"snapshot version %d not in [1,%d]", s.Version, game.CurrentSchemaVersion)
	}

	next := s.Clone()
	for v := next.Version; v < game.CurrentSchemaVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return nil, errs.Newf(errs.KindInvalidVersion, errs.CodeUnknownVersion,
				"no migration registered for version %d", v)
		}
		step(next)
		next.Version = v + 1
	}
	return next, nil
}

// v1 predates the event log entirely.
func migrateV1AddEventLog(s *game.Session) {
	s.Events = event.New(playerIDsOf(s))
}

// v2 stored events but had no per-player visibility index. Every player
// starts with an empty list; old events stay invisible, matching what v2
// nodes showed.
func migrateV2AddVisibilityLists(s *game.Session) {
	if s.Events == nil {
		s.Events = event.New(playerIDsOf(s))
		return
	}
	for _, pid := range playerIDsOf(s) {
		s.Events.EnsurePlayer(pid)
	}
}

// v3 wrote move events without a round. The only safe backfill is the
// round before the snapshot's current one.
func migrateV3BackfillMoveRounds(s *game.Session) {
	if s.Events == nil {
		return
	}
	for id, ev := range s.Events.Events {
		if ev.Round != 0 {
			continue
		}
		if ev.Kind != event.KindPCLeftHex && ev.Kind != event.KindPCEnteredHex {
			continue
		}
		ev.Round = s.Round - 1
		s.Events.Events[id] = ev
	}
}
