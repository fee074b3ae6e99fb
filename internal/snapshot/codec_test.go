package snapshot

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hexfray/server/internal/errs"
	"github.com/hexfray/server/internal/event"
	"github.com/hexfray/server/internal/game"
	"github.com/hexfray/server/internal/scripting"
	"github.com/hexfray/server/internal/world"
)

func sampleSession(t *testing.T) *game.Session {
	t.Helper()
	grid := world.Grid{
		{Q: 0, R: 0}: {},
		{Q: 1, R: 0}: {},
		{Q: 0, R: 1}: {},
	}
	s, err := game.New(uuid.New(), "FIGHT1",
		[]game.Seat{{UserID: 7, DisplayName: "alice"}, {UserID: 9, DisplayName: "bob"}},
		grid, []world.Coord{{Q: 0, R: 0}, {Q: 0, R: 0}}, scripting.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	rules := scripting.DefaultRules()
	if err := s.RegisterAttack(7, 2, now, rules); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterMove(9, world.Vector{Q: 1, R: 0}, now, rules); err != nil {
		t.Fatal(err)
	}
	s.Events.Append(event.Event{Round: 1, Kind: event.KindPCAttackedPC, PlayerID: 1, TargetID: 2}, []world.PlayerID{1, 2})
	s.RoundEndTime = time.Date(2026, 8, 24, 12, 30, 45, 999_000_000, time.UTC)
	return s
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := sampleSession(t)

	raw, err := Encode(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Sub-second precision is dropped on the wire.
	want := s.Clone()
	want.RoundEndTime = want.RoundEndTime.Truncate(time.Second)

	if got.ID != want.ID || got.JoinCode != want.JoinCode || got.Status != want.Status {
		t.Fatalf("identity fields differ: %+v", got)
	}
	if !got.RoundEndTime.Equal(want.RoundEndTime) {
		t.Fatalf("round_end_time = %v, want %v", got.RoundEndTime, want.RoundEndTime)
	}
	if !reflect.DeepEqual(got.Players, want.Players) {
		t.Fatalf("players differ:\n got %+v\nwant %+v", got.Players, want.Players)
	}
	if !reflect.DeepEqual(got.World.PlayerCharacters, want.World.PlayerCharacters) {
		t.Fatalf("pcs differ:\n got %+v\nwant %+v", got.World.PlayerCharacters, want.World.PlayerCharacters)
	}
	if !reflect.DeepEqual(got.World.Grid, want.World.Grid) {
		t.Fatal("grids differ")
	}
	if !reflect.DeepEqual(got.RegisteredActions, want.RegisteredActions) {
		t.Fatalf("actions differ:\n got %+v\nwant %+v", got.RegisteredActions, want.RegisteredActions)
	}
	if !reflect.DeepEqual(got.Events, want.Events) {
		t.Fatalf("event logs differ:\n got %+v\nwant %+v", got.Events, want.Events)
	}
	if got.Version != game.CurrentSchemaVersion {
		t.Fatalf("version = %d", got.Version)
	}
}

func TestNullRoundEndTime(t *testing.T) {
	s := sampleSession(t)
	s.RoundEndTime = time.Time{}

	raw, err := Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if string(doc["round_end_time"]) != "null" {
		t.Fatalf("round_end_time = %s, want null", doc["round_end_time"])
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !got.RoundEndTime.IsZero() {
		t.Fatalf("expected zero deadline, got %v", got.RoundEndTime)
	}
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	s := sampleSession(t)
	raw, err := Encode(s)
	if err != nil {
		t.Fatal(err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	doc["future_feature"] = json.RawMessage(`{"enabled":true}`)
	withExtra, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := Decode(withExtra)
	if err != nil {
		t.Fatalf("decode with unknown field: %v", err)
	}
	if string(decoded.Extra["future_feature"]) != `{"enabled":true}` {
		t.Fatalf("extra not preserved: %v", decoded.Extra)
	}

	reEncoded, err := Encode(decoded)
	if err != nil {
		t.Fatal(err)
	}
	var doc2 map[string]json.RawMessage
	if err := json.Unmarshal(reEncoded, &doc2); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc2["future_feature"]; !ok {
		t.Fatal("unknown field lost on re-encode")
	}
}

func TestDecodeNormalizesMissingEventLog(t *testing.T) {
	// A current-version document without events_log: the migration chain
	// never runs at the current version, so Decode itself must hand back a
	// usable empty log or the resolver dereferences nil.
	raw := []byte(`{
		"version": 4,
		"id": "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"join_code": "NOLOG",
		"status": "active",
		"round": 2,
		"round_end_time": null,
		"players": {
			"1": {"id":1,"user_id":10,"display_name":"a","status":"alive"},
			"2": {"id":2,"user_id":20,"display_name":"b","status":"alive"}
		},
		"world": {
			"grid": {"0,0": {}, "1,0": {}},
			"player_characters": {
				"1": {"player_id":1,"position":{"q":0,"r":0},"health":5,"action_points":3},
				"2": {"player_id":2,"position":{"q":1,"r":0},"health":5,"action_points":3}
			},
			"dead_characters": {}
		},
		"registered_actions": {}
	}`)

	s, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	s, err = Upgrade(s)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if s.Events == nil {
		t.Fatal("missing events_log not normalized")
	}
	for pid := range s.Players {
		if _, ok := s.Events.VisibleByPlayer[pid]; !ok {
			t.Fatalf("missing visibility list for player %d", pid)
		}
	}

	// The session must survive a full round with actions registered.
	rules := scripting.DefaultRules()
	if err := s.RegisterMove(10, world.Vector{Q: 1, R: 0}, time.Now(), rules); err != nil {
		t.Fatal(err)
	}
	next := game.Resolve(s, time.Now().Add(time.Minute), rules)
	if next.Round != 3 {
		t.Fatalf("round = %d, want 3", next.Round)
	}
	if next.Events.Len() == 0 {
		t.Fatal("resolver recorded no events for the witnessed move")
	}
}

func TestDecodeRejectsUnknownKinds(t *testing.T) {
	s := sampleSession(t)
	raw, err := Encode(s)
	if err != nil {
		t.Fatal(err)
	}

	mutate := func(t *testing.T, f func(doc map[string]json.RawMessage)) []byte {
		t.Helper()
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			t.Fatal(err)
		}
		f(doc)
		out, err := json.Marshal(doc)
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	t.Run("event kind", func(t *testing.T) {
		bad := mutate(t, func(doc map[string]json.RawMessage) {
			var lj eventLogJSON
			if err := json.Unmarshal(doc["events_log"], &lj); err != nil {
				t.Fatal(err)
			}
			ev := lj.Events["0"]
			ev.Kind = "pc_did_a_backflip"
			lj.Events["0"] = ev
			doc["events_log"], _ = json.Marshal(lj)
		})
		_, err := Decode(bad)
		if errs.KindOf(err) != errs.KindBadSchema {
			t.Fatalf("kind = %s, want bad_schema", errs.KindOf(err))
		}
	})

	t.Run("action kind", func(t *testing.T) {
		bad := mutate(t, func(doc map[string]json.RawMessage) {
			doc["registered_actions"] = json.RawMessage(`{"1":[{"kind":"teleport","player_id":1}]}`)
		})
		_, err := Decode(bad)
		if errs.KindOf(err) != errs.KindBadSchema {
			t.Fatalf("kind = %s, want bad_schema", errs.KindOf(err))
		}
	})

	t.Run("status", func(t *testing.T) {
		bad := mutate(t, func(doc map[string]json.RawMessage) {
			doc["status"] = json.RawMessage(`"paused"`)
		})
		_, err := Decode(bad)
		if errs.KindOf(err) != errs.KindBadSchema {
			t.Fatalf("kind = %s, want bad_schema", errs.KindOf(err))
		}
	})
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":    "not json at all",
		"wrong shape": `[1,2,3]`,
		"missing id":  `{"version":4}`,
		"bad uuid":    `{"version":4,"id":"nope","join_code":"A","status":"active","round":1,"players":{},"world":{"grid":{},"player_characters":{},"dead_characters":{}}}`,
	} {
		if _, err := Decode([]byte(raw)); errs.KindOf(err) != errs.KindBadSchema {
			t.Fatalf("%s: kind = %s, want bad_schema", name, errs.KindOf(err))
		}
	}
}
