package persist

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hexfray/server/internal/errs"
	"github.com/hexfray/server/internal/game"
	"github.com/hexfray/server/internal/snapshot"
)

// SummaryRow is one session_summary record. Snapshot holds the encoded
// session; decode with the snapshot package and run Upgrade before use.
type SummaryRow struct {
	SessionID   uuid.UUID
	JoinCode    string
	Status      string
	LatestRound int64
	Snapshot    []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ActiveSessionRow is the active_sessions_for_user projection.
type ActiveSessionRow struct {
	SessionID   uuid.UUID
	JoinCode    string
	LatestRound int64
}

const uniqueViolation = "23505"

type SummaryRepo struct {
	db *DB
}

func NewSummaryRepo(db *DB) *SummaryRepo {
	return &SummaryRepo{db: db}
}

// Upsert writes the session summary and replaces its user_session rows in
// one transaction. Called on creation and at every round boundary.
func (r *SummaryRepo) Upsert(ctx context.Context, s *game.Session) error {
	raw, err := snapshot.Encode(s)
	if err != nil {
		return errs.Wrap(errs.KindInternal, errs.CodeBadSnapshot, "encode session", err)
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "begin dss tx", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO session_summary (session_id, join_code, status, latest_round, snapshot)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO UPDATE SET
		     status = EXCLUDED.status,
		     latest_round = EXCLUDED.latest_round,
		     snapshot = EXCLUDED.snapshot,
		     updated_at = now()`,
		s.ID, s.JoinCode, string(s.Status), s.Round, raw,
	)
	if err != nil {
		return r.mapWriteError(err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM user_session WHERE session_id = $1`, s.ID); err != nil {
		return errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "replace user_session", err)
	}
	for _, p := range s.Players {
		status := s.PlayerStatusFor(p.UserID)
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_session (session_id, user_id, player_status) VALUES ($1, $2, $3)`,
			s.ID, int64(p.UserID), string(status),
		); err != nil {
			return errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "insert user_session", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "commit dss tx", err)
	}
	return nil
}

func (r *SummaryRepo) mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == "session_summary_join_code_key" {
			return errs.Wrap(errs.KindConflict, errs.CodeDuplicateJoinCode, "join code already in use", err)
		}
		return errs.Wrap(errs.KindConflict, errs.CodeDuplicateSession, "session already exists", err)
	}
	return errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "upsert session_summary", err)
}

const summaryColumns = `session_id, join_code, status, latest_round, snapshot, created_at, updated_at`

func (r *SummaryRepo) ByID(ctx context.Context, id uuid.UUID) (*SummaryRow, error) {
	return r.scanOne(r.db.Pool.QueryRow(ctx,
		`SELECT `+summaryColumns+` FROM session_summary WHERE session_id = $1`, id))
}

func (r *SummaryRepo) ByJoinCode(ctx context.Context, joinCode string) (*SummaryRow, error) {
	return r.scanOne(r.db.Pool.QueryRow(ctx,
		`SELECT `+summaryColumns+` FROM session_summary WHERE join_code = $1`, joinCode))
}

func (r *SummaryRepo) scanOne(row pgx.Row) (*SummaryRow, error) {
	var s SummaryRow
	err := row.Scan(&s.SessionID, &s.JoinCode, &s.Status, &s.LatestRound, &s.Snapshot, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.KindNotFound, errs.CodeSessionNotAlive, "no such session")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "query session_summary", err)
	}
	return &s, nil
}

// ActiveForUser lists the Active sessions a user is seated in.
func (r *SummaryRepo) ActiveForUser(ctx context.Context, userID int64) ([]ActiveSessionRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT s.session_id, s.join_code, s.latest_round
		 FROM session_summary s
		 JOIN user_session u ON u.session_id = s.session_id
		 WHERE u.user_id = $1 AND s.status = $2
		 ORDER BY s.updated_at DESC`,
		userID, string(game.StatusActive),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "query active sessions", err)
	}
	defer rows.Close()

	var result []ActiveSessionRow
	for rows.Next() {
		var a ActiveSessionRow
		if err := rows.Scan(&a.SessionID, &a.JoinCode, &a.LatestRound); err != nil {
			return nil, errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "scan active session", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "iterate active sessions", err)
	}
	return result, nil
}

// AllActive returns every Active summary; the recovery sweep resumes each.
func (r *SummaryRepo) AllActive(ctx context.Context) ([]SummaryRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+summaryColumns+` FROM session_summary WHERE status = $1 ORDER BY updated_at`,
		string(game.StatusActive),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "query all active", err)
	}
	defer rows.Close()

	var result []SummaryRow
	for rows.Next() {
		var s SummaryRow
		if err := rows.Scan(&s.SessionID, &s.JoinCode, &s.Status, &s.LatestRound, &s.Snapshot, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "scan summary", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "iterate summaries", err)
	}
	return result, nil
}

// DecodeSnapshot decodes and upgrades a stored snapshot in one step.
func DecodeSnapshot(raw []byte) (*game.Session, error) {
	s, err := snapshot.Decode(raw)
	if err != nil {
		return nil, err
	}
	return snapshot.Upgrade(s)
}
