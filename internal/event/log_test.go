package event

import (
	"testing"

	"github.com/hexfray/server/internal/world"
)

func TestAppendAssignsDenseIDs(t *testing.T) {
	l := New([]world.PlayerID{1, 2})

	id0 := l.Append(Event{Kind: KindPCEnteredHex, PlayerID: 1, Round: 1}, []world.PlayerID{1})
	id1 := l.Append(Event{Kind: KindPCAttackedPC, PlayerID: 2, Round: 1}, []world.PlayerID{1, 2})

	if id0 != 0 || id1 != 1 {
		t.Fatalf("expected ids 0,1 got %d,%d", id0, id1)
	}
	if l.Events[0].ID != 0 || l.Events[1].ID != 1 {
		t.Fatalf("stored events carry wrong ids")
	}
	if l.Len() != 2 {
		t.Fatalf("expected 2 events, got %d", l.Len())
	}
}

func TestAppendEmptyVisibilityIsNoop(t *testing.T) {
	l := New([]world.PlayerID{1})

	if id := l.Append(Event{Kind: KindPCLeftHex, PlayerID: 1}, nil); id != -1 {
		t.Fatalf("expected -1 for invisible event, got %d", id)
	}
	if l.Len() != 0 {
		t.Fatalf("invisible event was recorded")
	}
}

func TestVisibilityNewestFirstNoDuplicates(t *testing.T) {
	l := New([]world.PlayerID{1, 2})

	l.Append(Event{Kind: KindPCEnteredHex, PlayerID: 1}, []world.PlayerID{1})
	l.Append(Event{Kind: KindPCEnteredHex, PlayerID: 2}, []world.PlayerID{1, 1, 2})

	got := l.VisibleTo(1)
	if len(got) != 2 || got[0] != 1 || got[1] != 0 {
		t.Fatalf("expected [1 0], got %v", got)
	}
	if got2 := l.VisibleTo(2); len(got2) != 1 || got2[0] != 1 {
		t.Fatalf("expected [1], got %v", got2)
	}
}

func TestNewHasEmptyListPerPlayer(t *testing.T) {
	l := New([]world.PlayerID{4, 9})
	for _, p := range []world.PlayerID{4, 9} {
		ids, ok := l.VisibleByPlayer[p]
		if !ok {
			t.Fatalf("missing visibility list for %d", p)
		}
		if len(ids) != 0 {
			t.Fatalf("expected empty list for %d", p)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	l := New([]world.PlayerID{1})
	l.Append(Event{Kind: KindPCEnteredHex, PlayerID: 1}, []world.PlayerID{1})

	cp := l.Clone()
	cp.Append(Event{Kind: KindPCEnteredHex, PlayerID: 1}, []world.PlayerID{1})

	if l.Len() != 1 || cp.Len() != 2 {
		t.Fatalf("clone shares state: orig=%d clone=%d", l.Len(), cp.Len())
	}
	if len(l.VisibleTo(1)) != 1 {
		t.Fatalf("clone mutated original visibility")
	}
}
