package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hexfray/server/internal/errs"
	"github.com/hexfray/server/internal/game"
	"github.com/hexfray/server/internal/snapshot"
	"github.com/hexfray/server/internal/transport"
	"github.com/hexfray/server/internal/world"
)

// HandleNodeRequest dispatches one forwarded command from a peer node.
// Deps implements transport.Handler so the entrypoint can hand it straight
// to the transport server.
func (d *Deps) HandleNodeRequest(ctx context.Context, op transport.Op, body []byte) ([]byte, error) {
	switch op {
	case transport.OpStart:
		return d.nodeStart(ctx, body, true)
	case transport.OpContinue:
		return d.nodeStart(ctx, body, false)
	case transport.OpGet:
		var req transport.GetRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		rt, err := d.Registry.Lookup(req.SessionID)
		if err != nil {
			return nil, err
		}
		sess, err := rt.Get(ctx)
		if err != nil {
			return nil, err
		}
		return sessionResponse(sess)
	case transport.OpRegisterMove:
		var req transport.RegisterMoveRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		rt, err := d.Registry.Lookup(req.SessionID)
		if err != nil {
			return nil, err
		}
		v := world.Vector{Q: req.VectorQ, R: req.VectorR}
		if err := rt.RegisterMove(ctx, game.UserID(req.UserID), v); err != nil {
			return nil, err
		}
		return json.Marshal(transport.Ack{})
	case transport.OpRegisterAttack:
		var req transport.RegisterAttackRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		rt, err := d.Registry.Lookup(req.SessionID)
		if err != nil {
			return nil, err
		}
		if err := rt.RegisterAttack(ctx, game.UserID(req.UserID), world.PlayerID(req.TargetID)); err != nil {
			return nil, err
		}
		return json.Marshal(transport.Ack{})
	case transport.OpEndRound:
		var req transport.EndRoundRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		rt, err := d.Registry.Lookup(req.SessionID)
		if err != nil {
			return nil, err
		}
		var at time.Time
		if req.Now != nil {
			at = *req.Now
		}
		sess, err := rt.EndRound(ctx, at)
		if err != nil {
			return nil, err
		}
		return sessionResponse(sess)
	case transport.OpPlayerStatus:
		var req transport.PlayerStatusRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		rt, err := d.Registry.Lookup(req.SessionID)
		if err != nil {
			return nil, err
		}
		status, err := rt.PlayerStatus(ctx, game.UserID(req.UserID))
		if err != nil {
			return nil, err
		}
		return json.Marshal(transport.PlayerStatusResponse{Status: string(status)})
	case transport.OpShutdown:
		var req transport.ShutdownRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		rt, err := d.Registry.Lookup(req.SessionID)
		if err != nil {
			return nil, err
		}
		if err := rt.Stop(ctx, req.Stash); err != nil {
			return nil, err
		}
		return json.Marshal(transport.Ack{})
	default:
		return nil, errs.Newf(errs.KindInvalidInput, errs.CodeInvariantViolated, "unknown node op %d", op)
	}
}

// nodeStart places a forwarded session on this node. The peer already
// checked ownership; a membership change in flight means this node may no
// longer agree, in which case the caller gets Unavailable and retries.
func (d *Deps) nodeStart(ctx context.Context, body []byte, fresh bool) ([]byte, error) {
	var raw json.RawMessage
	if fresh {
		var req transport.StartRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		raw = req.Snapshot
	} else {
		var req transport.ContinueRequest
		if err := decodeBody(body, &req); err != nil {
			return nil, err
		}
		raw = req.Snapshot
	}

	sess, err := snapshot.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !d.Registry.OwnsLocally(sess.ID) {
		return nil, errs.Newf(errs.KindUnavailable, errs.CodeNodeUnavailable, "session %s not owned here", sess.ID)
	}
	rt, err := d.Registry.StartSession(sess, fresh)
	if err != nil {
		return nil, err
	}
	current, err := rt.Get(ctx)
	if err != nil {
		return nil, err
	}
	return sessionResponse(current)
}

func decodeBody(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return errs.Wrap(errs.KindInvalidInput, errs.CodeBadSnapshot, "decode node request", err)
	}
	return nil
}

func sessionResponse(sess *game.Session) ([]byte, error) {
	raw, err := snapshot.Encode(sess)
	if err != nil {
		return nil, err
	}
	return json.Marshal(transport.SessionResponse{Snapshot: raw})
}
