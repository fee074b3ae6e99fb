package game

import (
	"time"

	"github.com/hexfray/server/internal/errs"
	"github.com/hexfray/server/internal/scripting"
	"github.com/hexfray/server/internal/world"
)

// ActionKind discriminates the registered action union.
type ActionKind string

const (
	ActionMove   ActionKind = "move"
	ActionAttack ActionKind = "attack"
)

// Action is a registered intent for the current round. Vector is set for
// moves, TargetID for attacks.
type Action struct {
	Kind     ActionKind
	PlayerID world.PlayerID
	Vector   world.Vector
	TargetID world.PlayerID
}

// RegisterMove records a move intent for the current round and debits the
// move cost immediately. The move itself is applied by the resolver.
func (s *Session) RegisterMove(uid UserID, v world.Vector, now time.Time, rules scripting.Rules) error {
	p, pc, err := s.checkRegistration(uid, now)
	if err != nil {
		return err
	}
	dest := pc.Position.Add(v)
	if !s.World.Grid.Contains(dest) {
		return errs.Newf(errs.KindInvalidInput, errs.CodeBadVector, "vector (%d,%d) leaves the grid", v.Q, v.R)
	}
	if s.hasAction(p.ID, ActionMove) {
		return errs.New(errs.KindForbidden, errs.CodeAlreadyRegistered, "move already registered this round")
	}
	if pc.ActionPoints < rules.MoveCost {
		return errs.Newf(errs.KindForbidden, errs.CodeInsufficientAP, "move costs %d AP, have %d", rules.MoveCost, pc.ActionPoints)
	}

	pc.ActionPoints -= rules.MoveCost
	s.World.PlayerCharacters[p.ID] = pc
	s.RegisteredActions[p.ID] = append(s.RegisteredActions[p.ID], Action{
		Kind:     ActionMove,
		PlayerID: p.ID,
		Vector:   v,
	})
	return nil
}

// RegisterAttack records an attack intent against another PC in the same
// hex and debits the attack cost immediately.
func (s *Session) RegisterAttack(uid UserID, target world.PlayerID, now time.Time, rules scripting.Rules) error {
	p, pc, err := s.checkRegistration(uid, now)
	if err != nil {
		return err
	}
	if _, ok := s.Players[target]; !ok {
		return errs.Newf(errs.KindInvalidInput, errs.CodeUnknownTarget, "no player %d in this session", target)
	}
	tpc, alive := s.World.PlayerCharacters[target]
	if !alive {
		return errs.Newf(errs.KindForbidden, errs.CodeTargetDead, "player %d is dead", target)
	}
	if tpc.Position != pc.Position {
		return errs.Newf(errs.KindForbidden, errs.CodeTargetNotInSameHex, "player %d is not in your hex", target)
	}
	if s.hasAction(p.ID, ActionAttack) {
		return errs.New(errs.KindForbidden, errs.CodeAlreadyRegistered, "attack already registered this round")
	}
	if pc.ActionPoints < rules.AttackCost {
		return errs.Newf(errs.KindForbidden, errs.CodeInsufficientAP, "attack costs %d AP, have %d", rules.AttackCost, pc.ActionPoints)
	}

	pc.ActionPoints -= rules.AttackCost
	s.World.PlayerCharacters[p.ID] = pc
	s.RegisteredActions[p.ID] = append(s.RegisteredActions[p.ID], Action{
		Kind:     ActionAttack,
		PlayerID: p.ID,
		TargetID: target,
	})
	return nil
}

// checkRegistration runs the guards shared by both action kinds: session
// alive, caller seated, caller's PC alive, round still open.
func (s *Session) checkRegistration(uid UserID, now time.Time) (*Player, world.PC, error) {
	if s.Status != StatusActive {
		return nil, world.PC{}, errs.New(errs.KindStateMismatch, errs.CodeSessionConcluded, "session has concluded")
	}
	p := s.PlayerByUser(uid)
	if p == nil {
		return nil, world.PC{}, errs.Newf(errs.KindNotFound, errs.CodeNotAPlayer, "user %d is not a player in this session", uid)
	}
	pc, ok := s.World.PlayerCharacters[p.ID]
	if !ok {
		return nil, world.PC{}, errs.New(errs.KindForbidden, errs.CodePCDead, "your character is dead")
	}
	if !s.RoundEndTime.IsZero() && now.After(s.RoundEndTime) {
		return nil, world.PC{}, errs.Newf(errs.KindStateMismatch, errs.CodeRoundEnded, "round %d has ended", s.Round)
	}
	return p, pc, nil
}

func (s *Session) hasAction(pid world.PlayerID, kind ActionKind) bool {
	for _, a := range s.RegisteredActions[pid] {
		if a.Kind == kind {
			return true
		}
	}
	return false
}
