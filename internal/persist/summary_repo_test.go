package persist

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hexfray/server/internal/errs"
	"github.com/hexfray/server/internal/game"
	"github.com/hexfray/server/internal/scripting"
	"github.com/hexfray/server/internal/snapshot"
	"github.com/hexfray/server/internal/world"
)

func TestMapWriteError(t *testing.T) {
	r := &SummaryRepo{}

	joinDup := &pgconn.PgError{Code: uniqueViolation, ConstraintName: "session_summary_join_code_key"}
	if got := errs.CodeOf(r.mapWriteError(joinDup)); got != errs.CodeDuplicateJoinCode {
		t.Fatalf("join code dup mapped to %s", got)
	}

	idDup := &pgconn.PgError{Code: uniqueViolation, ConstraintName: "session_summary_pkey"}
	if got := errs.CodeOf(r.mapWriteError(idDup)); got != errs.CodeDuplicateSession {
		t.Fatalf("session dup mapped to %s", got)
	}

	other := errors.New("connection refused")
	err := r.mapWriteError(other)
	if errs.KindOf(err) != errs.KindUnavailable {
		t.Fatalf("kind = %s, want unavailable", errs.KindOf(err))
	}
	if !errs.IsRetryable(err) {
		t.Fatal("transport failures must be retryable")
	}
}

func TestDecodeSnapshotUpgrades(t *testing.T) {
	grid := world.Grid{{Q: 0, R: 0}: {}}
	s, err := game.New(uuid.New(), "SNAP1",
		[]game.Seat{{UserID: 1, DisplayName: "a"}, {UserID: 2, DisplayName: "b"}},
		grid, []world.Coord{{Q: 0, R: 0}}, scripting.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	s.Version = 2 // pretend an old node wrote it
	raw, err := snapshot.Encode(s)
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if got.Version != game.CurrentSchemaVersion {
		t.Fatalf("version = %d, want %d", got.Version, game.CurrentSchemaVersion)
	}
	if got.ID != s.ID || got.JoinCode != s.JoinCode {
		t.Fatal("identity lost in decode")
	}
}
