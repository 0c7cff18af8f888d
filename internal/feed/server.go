// Package feed streams controller events to WebSocket clients so a front
// panel or a browser can follow a run live.
package feed

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/msageha/selftestd/internal/events"
	"github.com/msageha/selftestd/internal/logging"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 4096
)

// Message is one frame sent to a client.
type Message struct {
	Type     string        `json:"type"` // "snapshot" | "event"
	Event    *events.Event `json:"event,omitempty"`
	Snapshot any           `json:"snapshot,omitempty"`
}

// SnapshotFunc returns the current status to greet new clients with.
type SnapshotFunc func() any

// Server fans bus events out to every connected client.
type Server struct {
	snapshot SnapshotFunc
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[int64]*client
	nextID  atomic.Int64

	httpServer  *http.Server
	unsubscribe func()
}

func New(snapshot SnapshotFunc, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		snapshot: snapshot,
		logger:   logger.With("feed"),
		clients:  make(map[int64]*client),
		upgrader: websocket.Upgrader{
			// local panel and tooling only; the listener is loopback by default
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach subscribes the server to every event on bus.
func (s *Server) Attach(bus *events.Bus) {
	unsubscribe := bus.Subscribe(events.AllEvents, func(e events.Event) {
		s.Broadcast(Message{Type: "event", Event: &e})
	})
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
}

// Handler serves /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.logger.Infof("listening addr=%s", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Broadcast queues msg for every client. Slow clients lose messages rather
// than stall the bus.
func (s *Server) Broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.send(msg)
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close detaches from the bus and disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	for id, c := range s.clients {
		c.close()
		delete(s.clients, id)
	}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("upgrade failed remote=%s error=%v", r.RemoteAddr, err)
		return
	}

	c := &client{
		id:     s.nextID.Add(1),
		conn:   conn,
		sendCh: make(chan Message, sendBuffer),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Debugf("client %d connected remote=%s", c.id, r.RemoteAddr)

	if s.snapshot != nil {
		c.send(Message{Type: "snapshot", Snapshot: s.snapshot()})
	}

	go c.writePump()
	c.readPump(func() {
		if s.snapshot != nil {
			c.send(Message{Type: "snapshot", Snapshot: s.snapshot()})
		}
	})

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.close()
	s.logger.Debugf("client %d disconnected", c.id)
}

type client struct {
	id     int64
	conn   *websocket.Conn
	sendCh chan Message
	done   chan struct{}
	once   sync.Once
	logger *logging.Logger
}

func (c *client) send(msg Message) {
	select {
	case <-c.done:
	case c.sendCh <- msg:
	default:
		c.logger.Warnf("client %d send buffer full, dropping %s", c.id, msg.Type)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump handles keepalives and the one request clients may send:
// the text "snapshot" asks for a fresh status.
func (c *client) readPump(onSnapshot func()) {
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnf("client %d read error: %v", c.id, err)
			}
			return
		}
		if string(data) == "snapshot" {
			onSnapshot()
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
