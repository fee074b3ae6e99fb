// Package handler is the session core's command surface. Every operation
// routes to the node that owns the session: locally through the placement
// registry, remotely through the node transport. Callers on any node get
// the same behavior.
package handler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexfray/server/internal/config"
	"github.com/hexfray/server/internal/data"
	"github.com/hexfray/server/internal/errs"
	"github.com/hexfray/server/internal/game"
	"github.com/hexfray/server/internal/persist"
	"github.com/hexfray/server/internal/placement"
	"github.com/hexfray/server/internal/scripting"
	"github.com/hexfray/server/internal/snapshot"
	"github.com/hexfray/server/internal/transport"
	"github.com/hexfray/server/internal/world"
)

// Store is the durable session state the command surface reads and
// writes. *persist.SummaryRepo satisfies it.
type Store interface {
	Upsert(ctx context.Context, s *game.Session) error
	ByID(ctx context.Context, id uuid.UUID) (*persist.SummaryRow, error)
	ByJoinCode(ctx context.Context, joinCode string) (*persist.SummaryRow, error)
	ActiveForUser(ctx context.Context, userID int64) ([]persist.ActiveSessionRow, error)
}

// Directory resolves cluster member names to transport addresses.
// *cluster.Node satisfies it.
type Directory interface {
	MemberAddr(name string) (string, bool)
}

// Forwarder carries one command to a peer node. *transport.Client
// satisfies it.
type Forwarder interface {
	Call(ctx context.Context, addr string, op transport.Op, req, resp any) error
}

// Deps holds shared dependencies injected into all command handlers.
type Deps struct {
	Config   *config.Config
	Log      *zap.Logger
	Registry *placement.Registry
	Store    Store
	Grids    *data.GridTable
	Rules    scripting.Rules
	Cluster  Directory
	Client   Forwarder
}

// budget caps one command at command_timeout_ms unless the caller already
// carries a tighter deadline.
func (d *Deps) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.Config.CommandTimeout())
}

// CreateSession builds a fresh session on the named grid template and
// places its runtime on the owner node. The durable write happens before
// placement so join-code uniqueness holds cluster-wide, not just on this
// node.
func (d *Deps) CreateSession(ctx context.Context, joinCode, gridName string, seats []game.Seat) (*game.Session, error) {
	ctx, cancel := d.budget(ctx)
	defer cancel()

	if err := game.ValidateJoinCode(joinCode); err != nil {
		return nil, err
	}
	tpl := d.Grids.Default()
	if gridName != "" {
		if tpl = d.Grids.Get(gridName); tpl == nil {
			return nil, errs.Newf(errs.KindInvalidInput, errs.CodeUnknownGrid, "no grid template %q", gridName)
		}
	}
	grid, spawns := tpl.Build()

	sess, err := game.New(uuid.New(), joinCode, seats, grid, spawns, d.Rules)
	if err != nil {
		return nil, err
	}
	if err := d.Store.Upsert(ctx, sess); err != nil {
		return nil, err
	}

	if d.Registry.OwnsLocally(sess.ID) {
		rt, err := d.Registry.StartSession(sess, true)
		if err != nil {
			return nil, err
		}
		return rt.Get(ctx)
	}

	raw, err := snapshot.Encode(sess)
	if err != nil {
		return nil, err
	}
	var resp transport.SessionResponse
	if err := d.forward(ctx, sess.ID, transport.OpStart, transport.StartRequest{Snapshot: raw}, &resp); err != nil {
		return nil, err
	}
	return snapshot.Decode(resp.Snapshot)
}

// ContinueSession resumes a session from a caller-supplied snapshot. The
// snapshot may trail the current schema; the runtime migrates it on start.
// Idempotent when the runtime is already live.
func (d *Deps) ContinueSession(ctx context.Context, joinCode string, sess *game.Session) (*game.Session, error) {
	ctx, cancel := d.budget(ctx)
	defer cancel()

	if sess == nil {
		return nil, errs.New(errs.KindInvalidInput, errs.CodeBadSnapshot, "nil session snapshot")
	}
	if joinCode != sess.JoinCode {
		return nil, errs.Newf(errs.KindInvalidInput, errs.CodeBadJoinCode, "join code %q does not match snapshot", joinCode)
	}

	if d.Registry.OwnsLocally(sess.ID) {
		rt, err := d.Registry.StartSession(sess, false)
		if err != nil {
			return nil, err
		}
		return rt.Get(ctx)
	}

	raw, err := snapshot.Encode(sess)
	if err != nil {
		return nil, err
	}
	var resp transport.SessionResponse
	req := transport.ContinueRequest{JoinCode: joinCode, Snapshot: raw}
	if err := d.forward(ctx, sess.ID, transport.OpContinue, req, &resp); err != nil {
		return nil, err
	}
	return snapshot.Decode(resp.Snapshot)
}

// GetSessionByID returns the session's current state. The live runtime is
// asked first; sessions nobody is running (concluded, or awaiting the
// recovery sweep) come from the durable store.
func (d *Deps) GetSessionByID(ctx context.Context, id uuid.UUID) (*game.Session, error) {
	ctx, cancel := d.budget(ctx)
	defer cancel()
	return d.getLive(ctx, id)
}

func (d *Deps) getLive(ctx context.Context, id uuid.UUID) (*game.Session, error) {
	if d.Registry.OwnsLocally(id) {
		if rt, err := d.Registry.Lookup(id); err == nil {
			sess, err := rt.Get(ctx)
			if err == nil {
				return sess, nil
			}
			// A runtime that stopped between lookup and ask reads as
			// NotFound; anything else is the caller's problem.
			if errs.KindOf(err) != errs.KindNotFound {
				return nil, err
			}
		}
	} else {
		var resp transport.SessionResponse
		err := d.forward(ctx, id, transport.OpGet, transport.GetRequest{SessionID: id}, &resp)
		if err == nil {
			return snapshot.Decode(resp.Snapshot)
		}
		if errs.KindOf(err) != errs.KindNotFound {
			return nil, err
		}
	}
	row, err := d.Store.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	// Once a session concludes its runtime is gone for good; the durable
	// row is a summary, not a live session.
	if row.Status != string(game.StatusActive) {
		return nil, errs.Newf(errs.KindNotFound, errs.CodeSessionNotAlive, "session %s has concluded", id)
	}
	return persist.DecodeSnapshot(row.Snapshot)
}

// GetSessionByJoinCode resolves a join code to its session.
func (d *Deps) GetSessionByJoinCode(ctx context.Context, joinCode string) (*game.Session, error) {
	ctx, cancel := d.budget(ctx)
	defer cancel()

	if err := game.ValidateJoinCode(joinCode); err != nil {
		return nil, err
	}
	if rt, err := d.Registry.LookupJoinCode(joinCode); err == nil {
		sess, err := rt.Get(ctx)
		if err == nil {
			return sess, nil
		}
		if errs.KindOf(err) != errs.KindNotFound {
			return nil, err
		}
	}
	row, err := d.Store.ByJoinCode(ctx, joinCode)
	if err != nil {
		return nil, err
	}
	if row.Status != string(game.StatusActive) {
		return nil, errs.Newf(errs.KindNotFound, errs.CodeSessionNotAlive, "session for join code %q has concluded", joinCode)
	}
	return d.getLive(ctx, row.SessionID)
}

// GetPlayerStatus reports alive, dead, or unknown for the user's seat.
func (d *Deps) GetPlayerStatus(ctx context.Context, id uuid.UUID, userID game.UserID) (game.PlayerStatus, error) {
	ctx, cancel := d.budget(ctx)
	defer cancel()

	if d.Registry.OwnsLocally(id) {
		if rt, err := d.Registry.Lookup(id); err == nil {
			status, err := rt.PlayerStatus(ctx, userID)
			if err == nil {
				return status, nil
			}
			if errs.KindOf(err) != errs.KindNotFound {
				return game.PlayerUnknown, err
			}
		}
	} else {
		req := transport.PlayerStatusRequest{SessionID: id, UserID: int64(userID)}
		var resp transport.PlayerStatusResponse
		err := d.forward(ctx, id, transport.OpPlayerStatus, req, &resp)
		if err == nil {
			return game.PlayerStatus(resp.Status), nil
		}
		if errs.KindOf(err) != errs.KindNotFound {
			return game.PlayerUnknown, err
		}
	}
	row, err := d.Store.ByID(ctx, id)
	if err != nil {
		return game.PlayerUnknown, err
	}
	sess, err := persist.DecodeSnapshot(row.Snapshot)
	if err != nil {
		return game.PlayerUnknown, err
	}
	return sess.PlayerStatusFor(userID), nil
}

// RegisterMove records a move action for the current round.
func (d *Deps) RegisterMove(ctx context.Context, id uuid.UUID, userID game.UserID, v world.Vector) error {
	ctx, cancel := d.budget(ctx)
	defer cancel()

	if d.Registry.OwnsLocally(id) {
		rt, err := d.Registry.Lookup(id)
		if err != nil {
			return err
		}
		return rt.RegisterMove(ctx, userID, v)
	}
	req := transport.RegisterMoveRequest{SessionID: id, UserID: int64(userID), VectorQ: v.Q, VectorR: v.R}
	return d.forward(ctx, id, transport.OpRegisterMove, req, nil)
}

// RegisterAttack records an attack action for the current round.
func (d *Deps) RegisterAttack(ctx context.Context, id uuid.UUID, userID game.UserID, target world.PlayerID) error {
	ctx, cancel := d.budget(ctx)
	defer cancel()

	if d.Registry.OwnsLocally(id) {
		rt, err := d.Registry.Lookup(id)
		if err != nil {
			return err
		}
		return rt.RegisterAttack(ctx, userID, target)
	}
	req := transport.RegisterAttackRequest{SessionID: id, UserID: int64(userID), TargetID: int64(target)}
	return d.forward(ctx, id, transport.OpRegisterAttack, req, nil)
}

// EndRound resolves the current round and returns the post-round state.
// now overrides the resolution clock for tests; pass nil in production.
func (d *Deps) EndRound(ctx context.Context, id uuid.UUID, now *time.Time) (*game.Session, error) {
	ctx, cancel := d.budget(ctx)
	defer cancel()

	if d.Registry.OwnsLocally(id) {
		rt, err := d.Registry.Lookup(id)
		if err != nil {
			return nil, err
		}
		var at time.Time
		if now != nil {
			at = *now
		}
		return rt.EndRound(ctx, at)
	}
	var resp transport.SessionResponse
	req := transport.EndRoundRequest{SessionID: id, Now: now}
	if err := d.forward(ctx, id, transport.OpEndRound, req, &resp); err != nil {
		return nil, err
	}
	return snapshot.Decode(resp.Snapshot)
}

// ActiveSessionsForUser lists the Active sessions the user is seated in,
// most recently touched first.
func (d *Deps) ActiveSessionsForUser(ctx context.Context, userID game.UserID) ([]persist.ActiveSessionRow, error) {
	ctx, cancel := d.budget(ctx)
	defer cancel()
	return d.Store.ActiveForUser(ctx, int64(userID))
}

// ResumeAllActiveSessions starts a runtime for every Active session this
// node owns but is not running. Idempotent; the recovery service calls it
// on boot and after membership changes.
func (d *Deps) ResumeAllActiveSessions(ctx context.Context) error {
	return d.Registry.Sweep(ctx)
}

// forward sends one command to the session's owner node.
func (d *Deps) forward(ctx context.Context, id uuid.UUID, op transport.Op, req, resp any) error {
	owner := d.Registry.Owner(id)
	if owner == "" {
		return errs.New(errs.KindUnavailable, errs.CodeNodeUnavailable, "no cluster members")
	}
	addr, ok := d.Cluster.MemberAddr(owner)
	if !ok {
		return errs.Newf(errs.KindUnavailable, errs.CodeNodeUnavailable, "owner %s has no transport address", owner)
	}
	return d.Client.Call(ctx, addr, op, req, resp)
}
