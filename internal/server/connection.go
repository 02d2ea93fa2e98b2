package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/volttron/messagebus/internal/envelope"
	"github.com/volttron/messagebus/internal/router"
)

// Tunables for a single agent connection.
const (
	writeWait     = 10 * time.Second // deadline for a single frame write
	drainTimeout  = 5 * time.Second  // bound on flushing the queue during teardown
	sendQueueSize = 256              // envelopes buffered per connection
	maxFrameSize  = 1 << 20          // inbound frame cap in bytes
)

// Connection lifecycle states. Only Open dispatches envelopes; everything
// received in another state is dropped.
const (
	stateAccepting int32 = iota // socket accepted, welcome not yet sent
	stateOpen                   // welcome sent, envelopes flowing
	stateClosing                // teardown started, queue draining
	stateClosed                 // cleanup finished
)

// agentConn is one agent's connection endpoint: a reader loop feeding the
// router and a writer pump serializing every outbound envelope onto the
// socket. It implements router.Writer; the router never touches the socket.
type agentConn struct {
	identity string
	sock     *websocket.Conn
	router   *router.Router
	log      zerolog.Logger

	state atomic.Int32

	// Outbound queue. sendMu guards the closed flag so a late Send can never
	// race the channel close during teardown.
	sendMu     sync.Mutex
	sendClosed bool
	send       chan *envelope.Envelope

	writerStarted atomic.Bool
	writerDone    chan struct{}
	closeOnce     sync.Once
}

func newAgentConn(identity string, sock *websocket.Conn, rt *router.Router, log zerolog.Logger) *agentConn {
	return &agentConn{
		identity:   identity,
		sock:       sock,
		router:     rt,
		log:        log.With().Str("agent", identity).Logger(),
		send:       make(chan *envelope.Envelope, sendQueueSize),
		writerDone: make(chan struct{}),
	}
}

// Send enqueues one envelope for delivery, preserving enqueue order on the
// wire. A connection that is closing fails with ErrWriteFailed; a full queue
// fails with ErrQueueFull and the envelope is dropped for this peer rather
// than blocking the caller.
func (c *agentConn) Send(env *envelope.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed || c.state.Load() >= stateClosing {
		return router.ErrWriteFailed
	}
	select {
	case c.send <- env:
		return nil
	default:
		return router.ErrQueueFull
	}
}

// closeSend closes the outbound queue exactly once, releasing the writer
// pump once the remaining envelopes are flushed.
func (c *agentConn) closeSend() {
	c.sendMu.Lock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// writePump serializes all outbound traffic for this connection. It runs in
// its own goroutine from welcome until teardown, so envelopes enqueued by
// the router are written whole and in order. After the first write failure
// the connection is doomed: teardown starts and the rest of the queue is
// discarded.
func (c *agentConn) writePump() {
	defer close(c.writerDone)

	failed := false
	for env := range c.send {
		if failed {
			continue
		}
		data, err := env.Encode()
		if err != nil {
			c.log.Error().Str("type", env.Type).Err(err).Msg("failed to encode envelope")
			failed = true
			go c.teardown()
			continue
		}
		c.sock.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Warn().Err(err).Msg("write failed, closing connection")
			failed = true
			go c.teardown()
		}
	}

	if !failed {
		// Queue flushed: part with a normal close frame.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
}

// readLoop receives frames until the peer closes or the socket errors. Each
// text frame is decoded and handed to the router; malformed frames get an
// error envelope and the connection stays open.
func (c *agentConn) readLoop() {
	c.sock.SetReadLimit(maxFrameSize)

	for {
		msgType, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("connection closed unexpectedly")
			} else {
				c.log.Info().Msg("agent disconnected")
			}
			return
		}
		if c.state.Load() != stateOpen {
			return
		}
		if msgType != websocket.TextMessage {
			// Only text frames carry envelopes.
			c.sendDecodeError()
			continue
		}
		env, err := envelope.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("rejected inbound frame")
			c.sendDecodeError()
			continue
		}
		c.router.Dispatch(c.identity, env)
	}
}

func (c *agentConn) sendDecodeError() {
	if err := c.Send(envelope.NewError("", "Invalid JSON message")); err != nil {
		c.log.Warn().Err(err).Msg("failed to send decode error")
	}
}

// teardown moves the connection to Closing, atomically removes it from the
// registry and every subscription, fails its pending RPC waiters, drains the
// writer queue within a bounded window, and force-closes the socket. Safe to
// call from any goroutine; only the first call acts.
func (c *agentConn) teardown() {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosing)
		c.router.Unregister(c.identity)
		c.closeSend()

		if c.writerStarted.Load() {
			select {
			case <-c.writerDone:
			case <-time.After(drainTimeout):
				c.log.Warn().Msg("writer drain timeout exceeded")
			}
		}

		c.sock.Close()
		c.state.Store(stateClosed)
		c.log.Debug().Msg("connection cleaned up")
	})
}
