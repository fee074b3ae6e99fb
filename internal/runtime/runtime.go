// Package runtime hosts one goroutine per live session. The runtime is
// the session's single writer: every read and mutation flows through its
// command channel, the round-deadline timer fires into the same loop, and
// nothing else ever touches the state machine.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexfray/server/internal/errs"
	"github.com/hexfray/server/internal/game"
	"github.com/hexfray/server/internal/handoff"
	"github.com/hexfray/server/internal/pubsub"
	"github.com/hexfray/server/internal/scripting"
	"github.com/hexfray/server/internal/snapshot"
	"github.com/hexfray/server/internal/world"
)

// Persister commits a session at round boundaries. *persist.SummaryRepo
// satisfies it.
type Persister interface {
	Upsert(ctx context.Context, s *game.Session) error
}

// Stasher is the handoff store surface the runtime needs.
type Stasher interface {
	Put(key string, value []byte)
	Consume(key string) ([]byte, bool)
}

// Publisher fans out round transitions. *pubsub.Broker satisfies it.
type Publisher interface {
	Publish(topic string, msg pubsub.Message)
}

// ExitReason tells the supervisor how a runtime ended. Failed exits are
// restarted; the others are terminal.
type ExitReason string

const (
	ExitConcluded ExitReason = "concluded"
	ExitShutdown  ExitReason = "shutdown"
	ExitFailed    ExitReason = "failed"
)

type Options struct {
	// Session is the fallback state: the fresh session on creation, or
	// the durable snapshot on continue/recovery. A handoff entry, when
	// one exists, takes precedence.
	Session *game.Session
	// Fresh marks the creation path: the handoff store is checked once
	// instead of retried across the pickup window.
	Fresh bool

	Persist Persister
	Stash   Stasher
	Broker  Publisher
	Rules   scripting.Rules
	Log     *zap.Logger

	RoundDuration  time.Duration
	PersistTimeout time.Duration
	PickupRetry    time.Duration
	PickupTotal    time.Duration

	// OnExit runs on its own goroutine after the runtime stops.
	OnExit func(id uuid.UUID, reason ExitReason, err error)
}

type command interface{}

type getCmd struct{ reply chan *game.Session }

type registerMoveCmd struct {
	userID game.UserID
	vector world.Vector
	reply  chan error
}

type registerAttackCmd struct {
	userID game.UserID
	target world.PlayerID
	reply  chan error
}

type endRoundResult struct {
	session *game.Session
	err     error
}

type endRoundCmd struct {
	now   time.Time // zero means wall clock; tests override
	reply chan endRoundResult
}

type playerStatusCmd struct {
	userID game.UserID
	reply  chan game.PlayerStatus
}

type stopCmd struct {
	stash bool
	reply chan error
}

// Runtime is the live actor for one session.
type Runtime struct {
	id       uuid.UUID
	joinCode string
	opts     Options
	log      *zap.Logger

	cmds   chan command
	timers chan int64
	done   chan struct{}

	// Owned by the run goroutine.
	sess  *game.Session
	timer *time.Timer
}

// Start acquires the session's state and launches its goroutine.
//
// State source order: a handoff entry (consumed on read, retried across
// the pickup window unless Fresh) wins over Options.Session. The version
// migrator runs on whichever source is used; InvalidVersion is fatal here
// so a supervisor never restart-loops on an undecodable snapshot.
func Start(opts Options) (*Runtime, error) {
	if opts.Session == nil {
		return nil, errs.New(errs.KindInternal, errs.CodeInvariantViolated, "runtime started without a session")
	}

	sess, err := acquireState(opts)
	if err != nil {
		return nil, err
	}
	if sess.Status != game.StatusActive {
		return nil, errs.New(errs.KindStateMismatch, errs.CodeSessionConcluded, "session has concluded")
	}

	r := &Runtime{
		id:       sess.ID,
		joinCode: sess.JoinCode,
		opts:     opts,
		log:      opts.Log.With(zap.String("session", sess.ID.String())),
		cmds:     make(chan command),
		timers:   make(chan int64, 1),
		done:     make(chan struct{}),
		sess:     sess,
	}

	// A migrated-in session may arrive with its deadline already gone;
	// the immediate timer fire resolves that round on arrival.
	if sess.RoundEndTime.IsZero() {
		sess.RoundEndTime = time.Now().Add(opts.RoundDuration).UTC().Truncate(time.Second)
	}
	r.scheduleTimer()

	go r.run()
	return r, nil
}

func acquireState(opts Options) (*game.Session, error) {
	key := handoff.SessionKey(opts.Session.ID)

	deadline := time.Now().Add(opts.PickupTotal)
	for {
		if raw, ok := opts.Stash.Consume(key); ok {
			decoded, err := snapshot.Decode(raw)
			if err != nil {
				// A corrupt stash entry is not fatal: the durable
				// snapshot is at most one round behind.
				opts.Log.Error("handoff entry undecodable, falling back to durable state",
					zap.String("session", opts.Session.ID.String()), zap.Error(err))
				break
			}
			return snapshot.Upgrade(decoded)
		}
		if opts.Fresh || opts.PickupRetry <= 0 || !time.Now().Add(opts.PickupRetry).Before(deadline) {
			break
		}
		time.Sleep(opts.PickupRetry)
	}
	return snapshot.Upgrade(opts.Session)
}

func (r *Runtime) ID() uuid.UUID { return r.id }

func (r *Runtime) JoinCode() string { return r.joinCode }

// Done closes when the runtime has stopped.
func (r *Runtime) Done() <-chan struct{} { return r.done }

func (r *Runtime) run() {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("session runtime crashed",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			r.finish(ExitFailed, fmt.Errorf("session runtime panic: %v", p))
		}
	}()

	for {
		select {
		case c := <-r.cmds:
			if reason := r.handle(c); reason != "" {
				r.finish(reason, nil)
				return
			}
		case round := <-r.timers:
			// A stale fire carries an old round number; drop it.
			if round != r.sess.Round || r.sess.Status != game.StatusActive {
				continue
			}
			r.resolveRound(time.Now())
			if r.sess.Status == game.StatusConcluded {
				r.finish(ExitConcluded, nil)
				return
			}
		}
	}
}

// handle processes one command; a non-empty reason stops the runtime
// after the reply has been delivered.
func (r *Runtime) handle(c command) ExitReason {
	switch cmd := c.(type) {
	case getCmd:
		cmd.reply <- r.sess.Clone()

	case registerMoveCmd:
		cmd.reply <- r.sess.RegisterMove(cmd.userID, cmd.vector, time.Now(), r.opts.Rules)

	case registerAttackCmd:
		cmd.reply <- r.sess.RegisterAttack(cmd.userID, cmd.target, time.Now(), r.opts.Rules)

	case playerStatusCmd:
		cmd.reply <- r.sess.PlayerStatusFor(cmd.userID)

	case endRoundCmd:
		if r.sess.Status != game.StatusActive {
			cmd.reply <- endRoundResult{err: errs.New(errs.KindStateMismatch, errs.CodeSessionConcluded, "session has concluded")}
			return ""
		}
		now := cmd.now
		if now.IsZero() {
			now = time.Now()
		}
		r.resolveRound(now)
		cmd.reply <- endRoundResult{session: r.sess.Clone()}
		if r.sess.Status == game.StatusConcluded {
			return ExitConcluded
		}

	case stopCmd:
		var err error
		if cmd.stash && r.sess.Status == game.StatusActive {
			err = r.stash()
		}
		cmd.reply <- err
		return ExitShutdown
	}
	return ""
}

// resolveRound advances the session one round. The durable commit happens
// before the caller sees the reply; a commit failure is logged and the
// in-memory state still advances, so at most one round is lost.
func (r *Runtime) resolveRound(now time.Time) {
	deadline := now.Add(r.opts.RoundDuration).UTC().Truncate(time.Second)
	next := game.Resolve(r.sess, deadline, r.opts.Rules)

	ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout())
	defer cancel()
	if err := r.opts.Persist.Upsert(ctx, next); err != nil {
		r.log.Error("durable commit failed, retrying at next boundary",
			zap.Int64("round", next.Round), zap.Error(err))
	}

	r.sess = next
	topic := pubsub.SessionTopic(r.id)
	r.opts.Broker.Publish(topic, pubsub.Message{
		Type:      pubsub.TypeRoundAdvanced,
		SessionID: r.id,
		Session:   next.Clone(),
	})
	if next.Status == game.StatusConcluded {
		r.opts.Broker.Publish(topic, pubsub.Message{
			Type:      pubsub.TypeSessionConcluded,
			SessionID: r.id,
			Session:   next.Clone(),
		})
		return
	}
	r.scheduleTimer()
}

func (r *Runtime) persistTimeout() time.Duration {
	if r.opts.PersistTimeout > 0 {
		return r.opts.PersistTimeout
	}
	return 5 * time.Second
}

func (r *Runtime) scheduleTimer() {
	if r.timer != nil {
		r.timer.Stop()
	}
	// A stale fire parked in the buffer would make the fresh round's fire
	// fall into the default branch and vanish; clear it first.
	select {
	case <-r.timers:
	default:
	}
	round := r.sess.Round
	wait := time.Until(r.sess.RoundEndTime)
	if wait < 0 {
		wait = 0
	}
	r.timer = time.AfterFunc(wait, func() {
		select {
		case r.timers <- round:
		default:
			// A fire is already pending; it will be round-checked.
		}
	})
}

// stash publishes the session into the handoff store for the next owner.
func (r *Runtime) stash() error {
	raw, err := snapshot.Encode(r.sess)
	if err != nil {
		return errs.Wrap(errs.KindInternal, errs.CodeBadSnapshot, "encode for handoff", err)
	}
	r.opts.Stash.Put(handoff.SessionKey(r.id), raw)
	r.log.Info("session stashed for handoff", zap.Int64("round", r.sess.Round))
	return nil
}

func (r *Runtime) finish(reason ExitReason, err error) {
	if r.timer != nil {
		r.timer.Stop()
	}
	close(r.done)
	if r.opts.OnExit != nil {
		go r.opts.OnExit(r.id, reason, err)
	}
}

// send delivers a command to the loop, honoring the caller's deadline.
func (r *Runtime) send(ctx context.Context, c command) error {
	select {
	case r.cmds <- c:
		return nil
	case <-r.done:
		return errs.New(errs.KindNotFound, errs.CodeSessionNotAlive, "session runtime stopped")
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, errs.CodeCommandTimeout, "command not accepted in time", ctx.Err())
	}
}

// Get returns a deep copy of the current session state.
func (r *Runtime) Get(ctx context.Context) (*game.Session, error) {
	cmd := getCmd{reply: make(chan *game.Session, 1)}
	if err := r.send(ctx, cmd); err != nil {
		return nil, err
	}
	select {
	case s := <-cmd.reply:
		return s, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindTimeout, errs.CodeCommandTimeout, "get_session timed out", ctx.Err())
	}
}

// RegisterMove registers a move for the user's PC in the current round.
func (r *Runtime) RegisterMove(ctx context.Context, userID game.UserID, v world.Vector) error {
	cmd := registerMoveCmd{userID: userID, vector: v, reply: make(chan error, 1)}
	if err := r.send(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		// The command may still apply; registration is idempotent per
		// player and round for an identical payload.
		return errs.Wrap(errs.KindTimeout, errs.CodeCommandTimeout, "register_move timed out", ctx.Err())
	}
}

// RegisterAttack registers an attack for the user's PC in the current round.
func (r *Runtime) RegisterAttack(ctx context.Context, userID game.UserID, target world.PlayerID) error {
	cmd := registerAttackCmd{userID: userID, target: target, reply: make(chan error, 1)}
	if err := r.send(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, errs.CodeCommandTimeout, "register_attack timed out", ctx.Err())
	}
}

// EndRound resolves the current round immediately. A zero now uses the
// wall clock; tests pass an override.
func (r *Runtime) EndRound(ctx context.Context, now time.Time) (*game.Session, error) {
	cmd := endRoundCmd{now: now, reply: make(chan endRoundResult, 1)}
	if err := r.send(ctx, cmd); err != nil {
		return nil, err
	}
	select {
	case res := <-cmd.reply:
		return res.session, res.err
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindTimeout, errs.CodeCommandTimeout, "end_round timed out", ctx.Err())
	}
}

// PlayerStatus reports alive/dead/unknown for the user in this session.
func (r *Runtime) PlayerStatus(ctx context.Context, userID game.UserID) (game.PlayerStatus, error) {
	cmd := playerStatusCmd{userID: userID, reply: make(chan game.PlayerStatus, 1)}
	if err := r.send(ctx, cmd); err != nil {
		return game.PlayerUnknown, err
	}
	select {
	case st := <-cmd.reply:
		return st, nil
	case <-ctx.Done():
		return game.PlayerUnknown, errs.Wrap(errs.KindTimeout, errs.CodeCommandTimeout, "player_status timed out", ctx.Err())
	}
}

// Stop shuts the runtime down. With stash, an Active session is published
// to the handoff store first so the next owner can resume it live.
func (r *Runtime) Stop(ctx context.Context, stash bool) error {
	cmd := stopCmd{stash: stash, reply: make(chan error, 1)}
	if err := r.send(ctx, cmd); err != nil {
		if errs.CodeOf(err) == errs.CodeSessionNotAlive {
			return nil // already stopped
		}
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, errs.CodeCommandTimeout, "stop timed out", ctx.Err())
	}
}
