// Package gateway runs the UI-facing WebSocket server and dispatches the
// command protocol UI clients speak over it.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// SessionID identifies one connected UI client for the lifetime of its
// connection. IDs are never reused.
type SessionID uint64

// MessageHandler receives one parsed inbound message and the session it
// arrived on.
type MessageHandler func(msg json.RawMessage, session SessionID)

// SessionEventHandler receives a session open/close notification.
type SessionEventHandler func(session SessionID)

type uiSession struct {
	id   SessionID
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Server accepts UI WebSocket connections on one HTTP endpoint and fans
// outbound messages out to connected sessions. Each session has its own
// write queue and goroutine; there is no shared per-session mutable state
// beyond that queue, so no strand-style confinement is needed here unlike
// RelayConnection.
type Server struct {
	targetPath string
	httpServer *http.Server
	listener   net.Listener

	mu       sync.Mutex
	sessions map[SessionID]*uiSession
	nextID   uint64

	onMessage MessageHandler
	onOpen    SessionEventHandler
	onClose   SessionEventHandler
}

// NewServer creates a Server. targetPath is advisory only — it is used for
// the startup log line — since the gateway accepts a WebSocket upgrade on
// any request path (spec.md §4.5/§6 don't distinguish targets).
func NewServer(targetPath string) *Server {
	return &Server{
		targetPath: targetPath,
		sessions:   make(map[SessionID]*uiSession),
	}
}

// SetMessageHandler installs the callback invoked for every inbound
// message. Must be called before Start.
func (s *Server) SetMessageHandler(h MessageHandler) { s.onMessage = h }

// SetOpenHandler installs the callback invoked when a session finishes its
// WebSocket handshake. Must be called before Start.
func (s *Server) SetOpenHandler(h SessionEventHandler) { s.onOpen = h }

// SetCloseHandler installs the callback invoked when a session disconnects.
// Must be called before Start.
func (s *Server) SetCloseHandler(h SessionEventHandler) { s.onClose = h }

// Start binds host:port and begins accepting connections in the
// background. It returns once the listener is bound, so bind failures are
// reported synchronously to the caller.
func (s *Server) Start(host string, port uint16) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	// Any path upgrades: spec.md §4.5/§6 don't distinguish targets, so the
	// gateway accepts a WebSocket handshake on whatever path a client dials.
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway: http server exited", "err", err)
		}
	}()
	slog.Info("gateway: listening", "addr", addr, "path", s.targetPath)
	return nil
}

// Stop broadcasts a shutdown notice and closes every session's write queue,
// so each session's writer delivers what is queued and then closes its
// connection. It then gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.Broadcast([]byte(fmt.Sprintf(`{"type":"log","timestamp":%d,"payload":{"level":"info","message":"server stopping"}}`, time.Now().UnixMilli())))
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.closeQueue()
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Broadcast enqueues message for delivery to every connected session.
func (s *Server) Broadcast(message []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.enqueue(message)
	}
}

// Send enqueues message for delivery to one session. It is a no-op if the
// session has already disconnected.
func (s *Server) Send(id SessionID, message []byte) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		sess.enqueue(message)
	}
}

func (sess *uiSession) enqueue(message []byte) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	select {
	case sess.send <- message:
	default:
		slog.Warn("gateway: session send queue full, dropping message", "session_id", sess.id)
	}
}

func (sess *uiSession) closeQueue() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	sess.closed = true
	close(sess.send)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket accept failed", "err", err)
		return
	}

	id := SessionID(atomic.AddUint64(&s.nextID, 1))
	sess := &uiSession{id: id, conn: conn, send: make(chan []byte, 256)}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	ctx := r.Context()
	writerDone := make(chan struct{})
	go s.writeLoop(ctx, sess, writerDone)

	if s.onOpen != nil {
		s.onOpen(id)
	}

	s.readLoop(ctx, sess)

	sess.closeQueue()
	<-writerDone

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose(id)
	}
}

func (s *Server) readLoop(ctx context.Context, sess *uiSession) {
	for {
		msgType, data, err := sess.conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		if s.onMessage != nil {
			s.onMessage(json.RawMessage(data), sess.id)
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, sess *uiSession, done chan struct{}) {
	defer close(done)
	for message := range sess.send {
		if err := sess.conn.Write(ctx, websocket.MessageText, message); err != nil {
			sess.conn.Close(websocket.StatusAbnormalClosure, "write failed")
			return
		}
	}
	sess.conn.Close(websocket.StatusNormalClosure, "")
}
