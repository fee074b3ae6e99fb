package snapshot

import (
	"testing"

	"github.com/google/uuid"

	"github.com/hexfray/server/internal/errs"
	"github.com/hexfray/server/internal/event"
	"github.com/hexfray/server/internal/game"
	"github.com/hexfray/server/internal/scripting"
	"github.com/hexfray/server/internal/world"
)

func sessionAtVersion(t *testing.T, version int64) *game.Session {
	t.Helper()
	grid := world.Grid{{Q: 0, R: 0}: {}, {Q: 1, R: 0}: {}}
	s, err := game.New(uuid.New(), "OLD1",
		[]game.Seat{{UserID: 1, DisplayName: "a"}, {UserID: 2, DisplayName: "b"}},
		grid, []world.Coord{{Q: 0, R: 0}, {Q: 1, R: 0}}, scripting.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	s.Version = version
	return s
}

func TestUpgradeCurrentIsIdentity(t *testing.T) {
	s := sessionAtVersion(t, game.CurrentSchemaVersion)
	got, err := Upgrade(s)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if got != s {
		t.Fatal("current-version upgrade should return the same session")
	}
}

func TestUpgradeFromV1(t *testing.T) {
	s := sessionAtVersion(t, 1)
	s.Events = nil // v1 predates the event log

	got, err := Upgrade(s)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if got.Version != game.CurrentSchemaVersion {
		t.Fatalf("version = %d, want %d", got.Version, game.CurrentSchemaVersion)
	}
	if got.Events == nil || got.Events.Len() != 0 {
		t.Fatal("v1 upgrade should create an empty event log")
	}
	for pid := range got.Players {
		if _, ok := got.Events.VisibleByPlayer[pid]; !ok {
			t.Fatalf("missing visibility list for player %d", pid)
		}
	}
	// Pure: the input is untouched.
	if s.Version != 1 || s.Events != nil {
		t.Fatal("upgrade mutated its input")
	}
}

func TestUpgradeFromV2AddsVisibilityLists(t *testing.T) {
	s := sessionAtVersion(t, 2)
	s.Events = &event.Log{
		Events: map[int64]event.Event{
			0: {ID: 0, Round: 1, Kind: event.KindPCAttackedPC, PlayerID: 1, TargetID: 2},
		},
		VisibleByPlayer: map[world.PlayerID][]int64{},
	}

	got, err := Upgrade(s)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	for pid := range got.Players {
		ids, ok := got.Events.VisibleByPlayer[pid]
		if !ok {
			t.Fatalf("missing visibility list for player %d", pid)
		}
		if len(ids) != 0 {
			t.Fatalf("backfilled list should be empty, got %v", ids)
		}
	}
	if got.Events.Len() != 1 {
		t.Fatal("existing events must survive the upgrade")
	}
}

func TestUpgradeFromV3BackfillsMoveRounds(t *testing.T) {
	s := sessionAtVersion(t, 3)
	s.Round = 5
	s.Events.EnsurePlayer(1)
	s.Events.Events = map[int64]event.Event{
		0: {ID: 0, Kind: event.KindPCLeftHex, PlayerID: 1},                           // round missing
		1: {ID: 1, Kind: event.KindPCEnteredHex, PlayerID: 1},                        // round missing
		2: {ID: 2, Round: 2, Kind: event.KindPCEnteredHex, PlayerID: 1},              // already set
		3: {ID: 3, Kind: event.KindPCAttackedPC, PlayerID: 1, TargetID: 2, Round: 0}, // not a move
	}

	got, err := Upgrade(s)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if got.Events.Events[0].Round != 4 || got.Events.Events[1].Round != 4 {
		t.Fatalf("move rounds not backfilled: %+v", got.Events.Events)
	}
	if got.Events.Events[2].Round != 2 {
		t.Fatal("existing round overwritten")
	}
	if got.Events.Events[3].Round != 0 {
		t.Fatal("attack event should not be backfilled")
	}
}

func TestUpgradeRejectsBadVersions(t *testing.T) {
	for _, v := range []int64{0, -3, game.CurrentSchemaVersion + 1, 99} {
		s := sessionAtVersion(t, v)
		_, err := Upgrade(s)
		if errs.KindOf(err) != errs.KindInvalidVersion {
			t.Fatalf("version %d: kind = %s, want invalid_version", v, errs.KindOf(err))
		}
		if errs.IsRetryable(err) {
			t.Fatalf("version %d: InvalidVersion must not be retryable", v)
		}
	}
}

func TestDecodeThenUpgradeOldSnapshot(t *testing.T) {
	// A v1 document as an old node would have written it: no events_log.
	raw := []byte(`{
		"version": 1,
		"id": "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"join_code": "LEGACY",
		"status": "active",
		"round": 3,
		"round_end_time": null,
		"players": {"1": {"id":1,"user_id":10,"display_name":"a","status":"alive"}},
		"world": {
			"grid": {"0,0": {}},
			"player_characters": {"1": {"player_id":1,"position":{"q":0,"r":0},"health":4,"action_points":2}},
			"dead_characters": {}
		},
		"registered_actions": {}
	}`)

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Version != 1 {
		t.Fatalf("version = %d, want 1", decoded.Version)
	}

	got, err := Upgrade(decoded)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if got.Version != game.CurrentSchemaVersion {
		t.Fatalf("version = %d", got.Version)
	}
	if got.Events == nil {
		t.Fatal("upgrade did not add event log")
	}
	if got.World.PlayerCharacters[1].Health != 4 {
		t.Fatal("world state lost in upgrade")
	}
}
