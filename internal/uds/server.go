package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/selftestd/internal/logging"
)

const (
	defaultIdleTimeout = 30 * time.Second
	defaultMaxConns    = 16
)

// HandlerFunc answers one request. It runs on the connection's goroutine.
type HandlerFunc func(req *Request) *Response

// Server answers framed requests on a unix socket. The handler table is
// fixed at construction. Listen binds the socket; Serve answers on it until
// its context ends.
type Server struct {
	// IdleTimeout bounds a whole connection: read, handle and write.
	IdleTimeout time.Duration
	// MaxConns caps the connections served at once; further clients wait
	// in the listen backlog.
	MaxConns int64

	socketPath string
	handlers   map[string]HandlerFunc
	logger     *logging.Logger
	listener   net.Listener
}

// NewServer returns a server for socketPath dispatching to handlers.
func NewServer(socketPath string, handlers map[string]HandlerFunc, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	table := make(map[string]HandlerFunc, len(handlers))
	for command, fn := range handlers {
		table[command] = fn
	}
	return &Server{
		IdleTimeout: defaultIdleTimeout,
		MaxConns:    defaultMaxConns,
		socketPath:  socketPath,
		handlers:    table,
		logger:      logger.With("uds"),
	}
}

// Listen binds the socket, replacing a stale socket file left by a crashed
// daemon. Only the owner may connect.
func (s *Server) Listen() error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until ctx is cancelled, then waits for the
// requests in flight and removes the socket file.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("uds: Serve called before Listen")
	}
	maxConns := s.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	sem := semaphore.NewWeighted(maxConns)

	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()
	defer func() {
		// every slot back means every connection finished
		_ = sem.Acquire(context.Background(), maxConns)
		_ = os.Remove(s.socketPath)
	}()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := s.listener.Accept()
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warnf("accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		go func() {
			defer sem.Release(1)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	if s.IdleTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.IdleTimeout))
	}

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debugf("read request error: %v", err)
		return
	}
	resp := s.Dispatch(&req)
	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Warnf("write response error command=%s: %v", req.Command, err)
	}
}

// Dispatch checks the protocol version and runs the handler for
// req.Command. A panicking handler yields an INTERNAL_ERROR response.
func (s *Server) Dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}
	handler, ok := s.handlers[req.Command]
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("panic in handler command=%s: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler %s panicked", req.Command))
		}
	}()
	return handler(req)
}
