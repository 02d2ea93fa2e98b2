// Package server exposes the messagebus broker over HTTP: a WebSocket
// endpoint where agents connect and a root probe used by deployments to
// check the service is online.
//
// Key Features:
// - WebSocket upgrade at /messagebus/v1/{agent_id} with duplicate rejection
// - Welcome envelope handshake before any routed traffic
// - One reader goroutine and one serialized writer pump per connection
// - Orderly shutdown closing every agent connection with a normal close
//
// The server owns the process-lifetime router and hands it to each accepted
// connection; there is no mutable global state.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/volttron/messagebus/internal/config"
	"github.com/volttron/messagebus/internal/envelope"
	"github.com/volttron/messagebus/internal/router"
)

const (
	// ServerID is the fixed broker name agents see in the welcome envelope.
	ServerID = "volttron.messagebus.fastapi"

	// serviceName identifies the process in the root probe response.
	serviceName = "volttron-messagebus"

	wsPathPrefix    = "/messagebus/v1/"
	shutdownTimeout = 10 * time.Second
)

// Server is the messagebus HTTP/WebSocket front end.
type Server struct {
	addr   string
	log    zerolog.Logger
	router *router.Router

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	connMu sync.Mutex
	conns  map[*agentConn]struct{}
}

// New creates a server for the given configuration. Start must be called to
// begin accepting connections.
func New(cfg *config.Config, log zerolog.Logger) *Server {
	s := &Server{
		addr:   net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		log:    log.With().Str("component", "server").Logger(),
		router: router.New(ServerID, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are trusted infrastructure peers, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*agentConn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc(wsPathPrefix, s.handleAgent)
	s.httpSrv = &http.Server{Handler: mux}

	return s
}

// Router returns the server's routing core, for broker-initiated RPCs and
// peer inspection.
func (s *Server) Router() *router.Router {
	return s.router
}

// Handler returns the server's HTTP handler. Used by tests to mount the
// full endpoint on an ephemeral listener.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start runs the server until ctx is cancelled, then performs an orderly
// shutdown: agent connections are closed with a normal close frame and the
// HTTP listener drains within a bounded window.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.log.Info().Str("addr", s.addr).Str("server_id", ServerID).Msg("messagebus listening")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpSrv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.log.Info().Msg("messagebus shutting down")
	s.closeAgentConns()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("shutdown timeout exceeded, forcing close")
		s.httpSrv.Close()
	}
	<-serveErr
	return nil
}

// handleRoot answers the operational probe deployments depend on.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"online","service":"%s"}`, serviceName)
}

// handleAgent upgrades an agent connection and runs it until disconnect.
//
// Connection lifecycle:
//  1. Extract and decode the agent identity from the URL path
//  2. Upgrade to WebSocket
//  3. Register with the router; a duplicate identity is closed with a
//     policy violation before any envelope is emitted
//  4. Send the connection_established welcome
//  5. Run the reader loop until the peer disconnects or errors
//  6. Tear down: deregister, drain the writer, close the socket
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.EscapedPath(), wsPathPrefix)
	identity, err := url.PathUnescape(raw)
	if err != nil || identity == "" || strings.Contains(identity, "/") {
		http.Error(w, "missing or malformed agent id", http.StatusNotFound)
		return
	}

	s.log.Info().Str("agent", identity).Msg("connection attempt")

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.Warn().Str("agent", identity).Err(err).Msg("upgrade failed")
		return
	}

	conn := newAgentConn(identity, sock, s.router, s.log)

	if err := s.router.Register(identity, conn); err != nil {
		s.log.Warn().Str("agent", identity).Err(err).Msg("rejecting duplicate connection")
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate agent identity")
		sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		sock.Close()
		return
	}

	s.track(conn)
	defer s.untrack(conn)
	defer conn.teardown()

	// The welcome goes out synchronously: the connection only opens for
	// routed traffic once the agent has its connection_established.
	welcome := envelope.NewWelcome(identity, ServerID)
	data, err := welcome.Encode()
	if err == nil {
		sock.SetWriteDeadline(time.Now().Add(writeWait))
		err = sock.WriteMessage(websocket.TextMessage, data)
	}
	if err != nil {
		s.log.Warn().Str("agent", identity).Err(err).Msg("failed to send welcome")
		return
	}

	conn.state.Store(stateOpen)
	conn.writerStarted.Store(true)
	go conn.writePump()

	conn.readLoop()
}

func (s *Server) track(c *agentConn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(c *agentConn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

// closeAgentConns tears down every live connection during orderly shutdown.
func (s *Server) closeAgentConns() {
	s.connMu.Lock()
	conns := make([]*agentConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.teardown()
	}
}
