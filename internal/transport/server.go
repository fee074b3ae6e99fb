package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler dispatches one forwarded operation. The body is the
// op-specific request struct; the returned bytes are the op-specific
// response struct.
type Handler interface {
	HandleNodeRequest(ctx context.Context, op Op, body []byte) ([]byte, error)
}

const (
	connIOTimeout  = 10 * time.Second
	requestTimeout = 30 * time.Second
)

// Server accepts node-to-node connections: one frame in, one frame out,
// close.
type Server struct {
	ln      net.Listener
	handler Handler
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Listen binds the node transport. Serve must be called to accept.
func Listen(addr string, h Handler, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, handler: h, log: log.Named("transport")}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve accepts connections until Close. Run it on its own goroutine.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connIOTimeout))

	op, body, err := ReadFrame(conn)
	if err != nil {
		s.log.Debug("bad node request frame", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var env envelope
	result, err := s.handler.HandleNodeRequest(ctx, op, body)
	if err != nil {
		env.Error = encodeError(err)
	} else {
		env.OK = true
		env.Result = result
	}

	out, err := json.Marshal(env)
	if err != nil {
		s.log.Error("marshal node response", zap.Error(err))
		return
	}
	conn.SetWriteDeadline(time.Now().Add(connIOTimeout))
	if err := WriteFrame(conn, op, out); err != nil {
		s.log.Debug("write node response", zap.Error(err))
	}
}

// Close stops accepting and waits for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}
