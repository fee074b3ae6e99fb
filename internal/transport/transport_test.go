package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexfray/server/internal/errs"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"session_id":"x"}`)
	if err := WriteFrame(&buf, OpRegisterMove, body); err != nil {
		t.Fatalf("write: %v", err)
	}

	op, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if op != OpRegisterMove {
		t.Fatalf("op = %d", op)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("body = %q", got)
	}
}

func TestFrameRejectsOversizeAndGarbage(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, OpGet, make([]byte, maxPayload)); err == nil {
		t.Fatal("oversize body accepted")
	}
	if _, _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
		t.Fatal("zero-length frame accepted")
	}
	if _, _, err := ReadFrame(bytes.NewReader([]byte{5})); err == nil {
		t.Fatal("truncated header accepted")
	}
}

func TestFrameCarriesLongSessionSnapshot(t *testing.T) {
	// Snapshots grow with the event log; a session a few hundred rounds
	// deep easily clears 100KB and must still fit one frame.
	body := bytes.Repeat([]byte(`{"kind":"pc_attacked_pc","round":7}`), 4096)
	if len(body) < 120_000 {
		t.Fatalf("body only %d bytes", len(body))
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, OpGet, body); err != nil {
		t.Fatalf("write: %v", err)
	}
	op, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if op != OpGet || !bytes.Equal(got, body) {
		t.Fatal("large frame did not round trip")
	}
}

type echoHandler struct{}

func (echoHandler) HandleNodeRequest(_ context.Context, op Op, body []byte) ([]byte, error) {
	switch op {
	case OpGet:
		var req GetRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, errs.Wrap(errs.KindInvalidInput, errs.CodeBadVector, "bad body", err)
		}
		return json.Marshal(SessionResponse{Snapshot: json.RawMessage(`{"id":"` + req.SessionID.String() + `"}`)})
	case OpEndRound:
		return nil, errs.New(errs.KindStateMismatch, errs.CodeSessionConcluded, "session has concluded")
	default:
		return nil, errs.Newf(errs.KindInternal, errs.CodeInvariantViolated, "unhandled op %d", op)
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", echoHandler{}, zap.NewNop())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	defer srv.Close()

	client := NewClient()
	ctx := context.Background()
	id := uuid.New()

	var resp SessionResponse
	if err := client.Call(ctx, srv.Addr(), OpGet, GetRequest{SessionID: id}, &resp); err != nil {
		t.Fatalf("call: %v", err)
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Snapshot, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.ID != id.String() {
		t.Fatalf("echoed id = %s", decoded.ID)
	}
}

func TestClientSurfacesRemoteErrorIdentity(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", echoHandler{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	defer srv.Close()

	err = NewClient().Call(context.Background(), srv.Addr(), OpEndRound, EndRoundRequest{SessionID: uuid.New()}, nil)
	if errs.KindOf(err) != errs.KindStateMismatch {
		t.Fatalf("kind = %s", errs.KindOf(err))
	}
	if errs.CodeOf(err) != errs.CodeSessionConcluded {
		t.Fatalf("code = %s", errs.CodeOf(err))
	}
}

func TestClientUnreachableNode(t *testing.T) {
	err := NewClient().Call(context.Background(), "127.0.0.1:1", OpGet, GetRequest{}, nil)
	if errs.KindOf(err) != errs.KindUnavailable {
		t.Fatalf("kind = %s, want unavailable", errs.KindOf(err))
	}
	if !errs.IsRetryable(err) {
		t.Fatal("unreachable node must be retryable")
	}
}
