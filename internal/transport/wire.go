package transport

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hexfray/server/internal/errs"
)

// Request and response bodies. Session snapshots travel as the durable
// wire format produced by the snapshot package.

// StartRequest places a freshly created session on its owner node.
type StartRequest struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

// ContinueRequest resumes a session from a snapshot on its owner node.
type ContinueRequest struct {
	JoinCode string          `json:"join_code"`
	Snapshot json.RawMessage `json:"snapshot"`
}

type GetRequest struct {
	SessionID uuid.UUID `json:"session_id"`
}

type RegisterMoveRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    int64     `json:"user_id"`
	VectorQ   int64     `json:"vector_q"`
	VectorR   int64     `json:"vector_r"`
}

type RegisterAttackRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    int64     `json:"user_id"`
	TargetID  int64     `json:"target_id"`
}

type EndRoundRequest struct {
	SessionID uuid.UUID  `json:"session_id"`
	Now       *time.Time `json:"now,omitempty"` // test override
}

type PlayerStatusRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    int64     `json:"user_id"`
}

// ShutdownRequest stops one session runtime on the receiving node,
// stashing its state when Stash is set.
type ShutdownRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Stash     bool      `json:"stash"`
}

// SessionResponse returns an encoded session snapshot.
type SessionResponse struct {
	Snapshot json.RawMessage `json:"snapshot"`
}

type PlayerStatusResponse struct {
	Status string `json:"status"`
}

// Ack is the empty success body.
type Ack struct{}

// wireError moves an errs.Error between nodes without losing its
// machine-readable identity.
type wireError struct {
	Kind   string `json:"kind"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

type envelope struct {
	OK     bool            `json:"ok"`
	Error  *wireError      `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func encodeError(err error) *wireError {
	return &wireError{
		Kind:   string(errs.KindOf(err)),
		Code:   string(errs.CodeOf(err)),
		Detail: err.Error(),
	}
}

func (w *wireError) toError() error {
	return errs.New(errs.Kind(w.Kind), errs.Code(w.Code), w.Detail)
}
