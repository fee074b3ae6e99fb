package placement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexfray/server/internal/errs"
	"github.com/hexfray/server/internal/game"
	"github.com/hexfray/server/internal/persist"
	"github.com/hexfray/server/internal/pubsub"
	"github.com/hexfray/server/internal/runtime"
	"github.com/hexfray/server/internal/scripting"
)

// Store is the durable read surface the supervisor restarts from.
// *persist.SummaryRepo satisfies it.
type Store interface {
	ByID(ctx context.Context, id uuid.UUID) (*persist.SummaryRow, error)
	AllActive(ctx context.Context) ([]persist.SummaryRow, error)
}

const (
	maxRestarts    = 5
	restartBackoff = 250 * time.Millisecond
)

// Options carries the shared collaborators every runtime on this node
// uses.
type Options struct {
	Node    string
	Store   Store
	Persist runtime.Persister
	Stash   runtime.Stasher
	Broker  *pubsub.Broker
	Rules   scripting.Rules
	Log     *zap.Logger

	RoundDuration  time.Duration
	PersistTimeout time.Duration
	PickupRetry    time.Duration
	PickupTotal    time.Duration
}

// Registry tracks the session runtimes this node owns, supervises their
// exits, and reacts to membership changes. Cluster-wide at-most-one
// placement holds because every node applies the same rendezvous function
// to the same member list and only starts runtimes it owns.
type Registry struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	members  []string
	byID     map[uuid.UUID]*runtime.Runtime
	byJoin   map[string]uuid.UUID
	restarts map[uuid.UUID]int
	closed   bool
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		log:      opts.Log.Named("placement"),
		members:  []string{opts.Node},
		byID:     make(map[uuid.UUID]*runtime.Runtime),
		byJoin:   make(map[string]uuid.UUID),
		restarts: make(map[uuid.UUID]int),
	}
}

// SetMembers replaces the live member list used for ownership decisions.
func (r *Registry) SetMembers(members []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = append([]string(nil), members...)
}

// Owner names the node that should run the session.
func (r *Registry) Owner(id uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Owner(r.members, id)
}

// OwnsLocally reports whether this node is the session's placement.
func (r *Registry) OwnsLocally(id uuid.UUID) bool {
	return r.Owner(id) == r.opts.Node
}

// StartSession places a runtime for sess on this node. fresh marks the
// creation path; a continue/recovery start is idempotent and returns the
// existing runtime when one is already live.
func (r *Registry) StartSession(sess *game.Session, fresh bool) (*runtime.Runtime, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errs.New(errs.KindUnavailable, errs.CodeNodeUnavailable, "node shutting down")
	}
	if existing, ok := r.byID[sess.ID]; ok {
		r.mu.Unlock()
		if fresh {
			return nil, errs.Newf(errs.KindConflict, errs.CodeDuplicateSession, "session %s already placed", sess.ID)
		}
		if existing == nil {
			return nil, errs.New(errs.KindUnavailable, errs.CodeNodeUnavailable, "session is starting")
		}
		return existing, nil
	}
	if other, ok := r.byJoin[sess.JoinCode]; ok && other != sess.ID {
		r.mu.Unlock()
		return nil, errs.Newf(errs.KindConflict, errs.CodeDuplicateJoinCode, "join code %q taken by %s", sess.JoinCode, other)
	}
	// Reserve before the (possibly slow) handoff pickup so a concurrent
	// start of the same session fails fast.
	r.byID[sess.ID] = nil
	r.byJoin[sess.JoinCode] = sess.ID
	r.mu.Unlock()

	rt, err := runtime.Start(runtime.Options{
		Session:        sess,
		Fresh:          fresh,
		Persist:        r.opts.Persist,
		Stash:          r.opts.Stash,
		Broker:         r.opts.Broker,
		Rules:          r.opts.Rules,
		Log:            r.opts.Log,
		RoundDuration:  r.opts.RoundDuration,
		PersistTimeout: r.opts.PersistTimeout,
		PickupRetry:    r.opts.PickupRetry,
		PickupTotal:    r.opts.PickupTotal,
		OnExit:         r.onExit,
	})

	r.mu.Lock()
	if err != nil {
		delete(r.byID, sess.ID)
		if r.byJoin[sess.JoinCode] == sess.ID {
			delete(r.byJoin, sess.JoinCode)
		}
		r.mu.Unlock()
		return nil, err
	}
	r.byID[sess.ID] = rt
	r.mu.Unlock()

	r.log.Info("session placed",
		zap.String("session", sess.ID.String()),
		zap.String("join_code", sess.JoinCode),
		zap.Bool("fresh", fresh))
	return rt, nil
}

// Lookup returns the local runtime for a session id.
func (r *Registry) Lookup(id uuid.UUID) (*runtime.Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.byID[id]
	if !ok || rt == nil {
		return nil, errs.Newf(errs.KindNotFound, errs.CodeSessionNotAlive, "session %s not running here", id)
	}
	return rt, nil
}

// LookupJoinCode returns the local runtime registered under a join code.
func (r *Registry) LookupJoinCode(code string) (*runtime.Runtime, error) {
	r.mu.Lock()
	id, ok := r.byJoin[code]
	r.mu.Unlock()
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, errs.CodeSessionNotAlive, "join code %q not running here", code)
	}
	return r.Lookup(id)
}

// LiveCount reports how many runtimes this node currently hosts.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rt := range r.byID {
		if rt != nil {
			n++
		}
	}
	return n
}

// onExit is the supervision hook. Concluded and shutdown exits
// deregister; failed exits deregister and restart from the durable
// snapshot with backoff.
func (r *Registry) onExit(id uuid.UUID, reason runtime.ExitReason, err error) {
	r.mu.Lock()
	rt, ok := r.byID[id]
	if ok && rt != nil {
		delete(r.byID, id)
		if r.byJoin[rt.JoinCode()] == id {
			delete(r.byJoin, rt.JoinCode())
		}
	}
	if reason != runtime.ExitFailed {
		delete(r.restarts, id)
	}
	closed := r.closed
	r.mu.Unlock()

	if reason != runtime.ExitFailed || closed {
		return
	}
	r.log.Error("session runtime failed, scheduling restart",
		zap.String("session", id.String()), zap.Error(err))
	go r.restart(id)
}

func (r *Registry) restart(id uuid.UUID) {
	r.mu.Lock()
	r.restarts[id]++
	attempt := r.restarts[id]
	r.mu.Unlock()

	if attempt > maxRestarts {
		r.log.Error("session exceeded restart budget, giving up",
			zap.String("session", id.String()), zap.Int("attempts", attempt-1))
		return
	}
	time.Sleep(restartBackoff * time.Duration(attempt))

	if !r.OwnsLocally(id) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	row, err := r.opts.Store.ByID(ctx, id)
	if err != nil {
		r.log.Error("restart load failed", zap.String("session", id.String()), zap.Error(err))
		go r.restart(id)
		return
	}
	sess, err := persist.DecodeSnapshot(row.Snapshot)
	if err != nil {
		// BadSchema or InvalidVersion: restarting cannot help.
		r.log.Error("restart snapshot unusable", zap.String("session", id.String()), zap.Error(err))
		return
	}
	if sess.Status != game.StatusActive {
		return
	}
	if _, err := r.StartSession(sess, false); err != nil {
		r.log.Error("restart failed", zap.String("session", id.String()), zap.Error(err))
		go r.restart(id)
		return
	}
	r.mu.Lock()
	delete(r.restarts, id)
	r.mu.Unlock()
	r.log.Info("session restarted after failure", zap.String("session", id.String()))
}

// HandleMembershipChange re-evaluates ownership under the new member
// list: runtimes this node no longer owns are stashed and stopped, then
// Sweep adopts sessions that now hash here.
func (r *Registry) HandleMembershipChange(ctx context.Context, members []string) {
	r.SetMembers(members)

	r.mu.Lock()
	type placed struct {
		id uuid.UUID
		rt *runtime.Runtime
	}
	var moved []placed
	for id, rt := range r.byID {
		if rt == nil {
			continue
		}
		if Owner(r.members, id) != r.opts.Node {
			moved = append(moved, placed{id: id, rt: rt})
		}
	}
	r.mu.Unlock()

	for _, p := range moved {
		r.log.Info("session rehomed by membership change", zap.String("session", p.id.String()))
		if err := p.rt.Stop(ctx, true); err != nil {
			r.log.Error("stash-and-stop failed", zap.String("session", p.id.String()), zap.Error(err))
		}
	}

	if err := r.Sweep(ctx); err != nil {
		r.log.Error("recovery sweep failed", zap.Error(err))
	}
}

// Sweep scans the durable store for Active sessions this node owns but is
// not running, and starts them. Idempotent: an existing placement is left
// alone.
func (r *Registry) Sweep(ctx context.Context) error {
	rows, err := r.opts.Store.AllActive(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !r.OwnsLocally(row.SessionID) {
			continue
		}
		if _, err := r.Lookup(row.SessionID); err == nil {
			continue
		}
		sess, err := persist.DecodeSnapshot(row.Snapshot)
		if err != nil {
			r.log.Error("skipping unrecoverable snapshot",
				zap.String("session", row.SessionID.String()), zap.Error(err))
			continue
		}
		if _, err := r.StartSession(sess, false); err != nil && errs.KindOf(err) != errs.KindConflict {
			r.log.Error("sweep start failed",
				zap.String("session", row.SessionID.String()), zap.Error(err))
		}
	}
	return nil
}

// StopAll shuts every local runtime down, stashing Active state when
// stash is set. Used on graceful node shutdown.
func (r *Registry) StopAll(ctx context.Context, stash bool) {
	r.mu.Lock()
	r.closed = true
	var rts []*runtime.Runtime
	for _, rt := range r.byID {
		if rt != nil {
			rts = append(rts, rt)
		}
	}
	r.mu.Unlock()

	for _, rt := range rts {
		if err := rt.Stop(ctx, stash); err != nil {
			r.log.Error("shutdown stop failed", zap.String("session", rt.ID().String()), zap.Error(err))
		}
	}
}
