package transport

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/hexfray/server/internal/errs"
)

// Client forwards one command to a peer node. Connections are
// per-request; the session core's cross-node traffic is too sparse to
// justify pooling.
type Client struct {
	dialer net.Dialer
}

func NewClient() *Client {
	return &Client{dialer: net.Dialer{Timeout: 5 * time.Second}}
}

// Call sends req to addr and decodes the response into resp (ignored when
// resp is nil). Transport failures surface as Unavailable so callers can
// retry; application errors come back with their original kind and code.
func (c *Client) Call(ctx context.Context, addr string, op Op, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errs.Wrap(errs.KindInternal, errs.CodeInvariantViolated, "marshal node request", err)
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "dial "+addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(connIOTimeout))
	}

	if err := WriteFrame(conn, op, body); err != nil {
		return errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "send to "+addr, err)
	}
	respOp, payload, err := ReadFrame(conn)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, errs.CodeNodeUnavailable, "receive from "+addr, err)
	}
	if respOp != op {
		return errs.Newf(errs.KindInternal, errs.CodeInvariantViolated, "response op %d for request op %d", respOp, op)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return errs.Wrap(errs.KindInternal, errs.CodeInvariantViolated, "decode node response", err)
	}
	if !env.OK {
		if env.Error == nil {
			return errs.New(errs.KindInternal, errs.CodeInvariantViolated, "node error without detail")
		}
		return env.Error.toError()
	}
	if resp != nil {
		if err := json.Unmarshal(env.Result, resp); err != nil {
			return errs.Wrap(errs.KindInternal, errs.CodeInvariantViolated, "decode node result", err)
		}
	}
	return nil
}
