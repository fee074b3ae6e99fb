// Package transport carries commands between nodes so a caller can reach
// a session from any node in the cluster. One request and one response
// per connection; frames are length-prefixed JSON with an opcode byte.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Op identifies the forwarded operation.
type Op byte

const (
	OpStart Op = iota + 1
	OpContinue
	OpGet
	OpRegisterMove
	OpRegisterAttack
	OpEndRound
	OpPlayerStatus
	OpShutdown
)

// maxPayload bounds one frame: opcode + body. Frames carry full session
// snapshots whose event log grows with every round, so the cap must leave
// room for long sessions while still rejecting garbage lengths.
const maxPayload = 16 << 20

// ReadFrame reads one frame from r.
// Wire format: [4 bytes LE: total length including header][1 byte opcode][body].
func ReadFrame(r io.Reader) (Op, []byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("read frame header: %w", err)
	}

	totalLen := int(binary.LittleEndian.Uint32(header[:]))
	payloadLen := totalLen - 4
	if payloadLen < 1 || payloadLen > maxPayload {
		return 0, nil, fmt.Errorf("invalid frame length: %d", totalLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read frame payload (%d bytes): %w", payloadLen, err)
	}
	return Op(payload[0]), payload[1:], nil
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, op Op, body []byte) error {
	payloadLen := len(body) + 1
	if payloadLen > maxPayload {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	var header [5]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(payloadLen+4))
	header[4] = byte(op)

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}
