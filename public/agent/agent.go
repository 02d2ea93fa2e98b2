// Package agent provides the client-side framework for connecting to the
// messagebus broker. It handles the connection handshake, request/confirm
// correlation, topic subscriptions, and both sides of point-to-point RPC,
// so agents focus on their own behavior instead of wire plumbing.
//
// Key Features:
// - WebSocket connection management with welcome handshake
// - Publish/Subscribe messaging with per-topic delivery channels
// - RPC calls to other agents with timeout and id correlation
// - RPC method handlers served on inbound requests
// - Periodic heartbeat publishing
//
// Thread Safety: all public methods are safe for concurrent use.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/volttron/messagebus/internal/envelope"
)

const (
	// requestTimeout bounds waits for broker confirms (pong, subscribe_confirm,
	// publish_confirm).
	requestTimeout = 10 * time.Second

	// rpcTimeout bounds waits for another agent's rpc_response.
	rpcTimeout = 10 * time.Second

	// subscriptionBuffer is the per-topic delivery channel capacity. When a
	// consumer falls this far behind, further messages for the topic are
	// dropped.
	subscriptionBuffer = 100

	writeWait = 10 * time.Second
)

// ErrClosed reports an operation on an agent whose connection ended.
var ErrClosed = errors.New("agent connection closed")

// Handler implements one RPC method. It receives the raw parameter list and
// returns a JSON-serializable result or an error delivered to the caller.
type Handler func(params []json.RawMessage) (any, error)

// Message is one topic publication delivered to a subscriber.
type Message struct {
	Topic  string          // Topic the message was published on
	Sender string          // Identity of the publishing agent
	Data   json.RawMessage // Published payload
}

// Agent is a messagebus client holding one persistent connection.
type Agent struct {
	identity  string
	serverURL string
	log       zerolog.Logger

	sock    *websocket.Conn
	writeMu sync.Mutex // serializes frame writes

	serverID string // broker name from the welcome envelope

	// Request/response correlation for confirms and outbound RPC.
	pendingMu sync.Mutex
	pending   map[string]chan *envelope.Envelope

	// Registered RPC method handlers.
	handlersMu sync.RWMutex
	handlers   map[string]Handler

	// Per-topic subscription delivery channels.
	subsMu sync.Mutex
	subs   map[string]chan *Message

	done      chan struct{}
	closeOnce sync.Once
}

// New creates an agent with the given identity, targeting a broker base URL
// such as "ws://localhost:8000". Connect must be called before use.
func New(identity, serverURL string, log zerolog.Logger) *Agent {
	return &Agent{
		identity:  identity,
		serverURL: serverURL,
		log:       log.With().Str("agent", identity).Logger(),
		pending:   make(map[string]chan *envelope.Envelope),
		handlers:  make(map[string]Handler),
		subs:      make(map[string]chan *Message),
		done:      make(chan struct{}),
	}
}

// Identity returns the agent's identity.
func (a *Agent) Identity() string {
	return a.identity
}

// ServerID returns the broker name received in the welcome envelope. Empty
// until Connect succeeds.
func (a *Agent) ServerID() string {
	return a.serverID
}

// Connect dials the broker, completes the welcome handshake, and starts the
// background listener. A broker that already has a connection for this
// identity closes the socket with a policy violation, surfaced here as an
// error.
func (a *Agent) Connect(ctx context.Context) error {
	endpoint := a.serverURL + "/messagebus/v1/" + url.PathEscape(a.identity)

	sock, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to messagebus at %s: %w", endpoint, err)
	}

	// The broker speaks first: connection_established or a close frame.
	_, frame, err := sock.ReadMessage()
	if err != nil {
		sock.Close()
		return fmt.Errorf("connection rejected by messagebus: %w", err)
	}
	welcome, err := envelope.Decode(frame)
	if err != nil || welcome.Type != envelope.TypeConnectionEstablished {
		sock.Close()
		return fmt.Errorf("unexpected welcome from messagebus: %s", frame)
	}

	a.sock = sock
	a.serverID = welcome.ServerID
	go a.listen()

	a.log.Info().Str("server_id", a.serverID).Msg("connected to messagebus")
	return nil
}

// Close ends the connection with a normal close frame. Pending requests fail
// with ErrClosed.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		if a.sock != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			a.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			a.sock.Close()
		}
		a.failPending()
	})
}

// Ping checks broker liveness with a ping/pong round trip.
func (a *Agent) Ping(ctx context.Context) error {
	req := &envelope.Envelope{Type: envelope.TypePing, ID: uuid.NewString()}
	resp, err := a.request(ctx, req, requestTimeout)
	if err != nil {
		return err
	}
	if resp.Type != envelope.TypePong {
		return fmt.Errorf("unexpected reply to ping: %s", resp.Type)
	}
	return nil
}

// Subscribe registers for messages published to topic and returns the
// delivery channel. Subscribing twice to the same topic returns the same
// channel. Subscriptions last until the connection ends.
func (a *Agent) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	req := &envelope.Envelope{
		Type:  envelope.TypeSubscribe,
		ID:    uuid.NewString(),
		Topic: topic,
	}
	resp, err := a.request(ctx, req, requestTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Type != envelope.TypeSubscribeConfirm {
		return nil, fmt.Errorf("unexpected reply to subscribe: %s", resp.Type)
	}

	a.subsMu.Lock()
	ch, ok := a.subs[topic]
	if !ok {
		ch = make(chan *Message, subscriptionBuffer)
		a.subs[topic] = ch
	}
	a.subsMu.Unlock()

	a.log.Debug().Str("topic", topic).Msg("subscribed")
	return ch, nil
}

// Publish sends data to every current subscriber of topic other than this
// agent itself and waits for the broker's confirm. The data value must be JSON-serializable.
func (a *Agent) Publish(ctx context.Context, topic string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal publish data: %w", err)
	}

	req := &envelope.Envelope{
		Type:  envelope.TypePublish,
		ID:    uuid.NewString(),
		Topic: topic,
		Data:  payload,
	}
	resp, err := a.request(ctx, req, requestTimeout)
	if err != nil {
		return err
	}
	if resp.Type != envelope.TypePublishConfirm {
		return fmt.Errorf("unexpected reply to publish: %s", resp.Type)
	}
	return nil
}

// Call invokes method on the target agent and waits for its response. Each
// param must be JSON-serializable. The raw result payload is returned.
func (a *Agent) Call(ctx context.Context, target, method string, params ...any) (json.RawMessage, error) {
	encoded := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal rpc param: %w", err)
		}
		encoded = append(encoded, raw)
	}
	paramList, err := json.Marshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rpc params: %w", err)
	}

	req := &envelope.Envelope{
		Type:   envelope.TypeRPC,
		ID:     uuid.NewString(),
		Sender: a.identity,
		Target: target,
		Method: method,
		Params: paramList,
	}
	resp, err := a.request(ctx, req, rpcTimeout)
	if err != nil {
		return nil, fmt.Errorf("rpc %s.%s: %w", target, method, err)
	}
	if resp.Type != envelope.TypeRPCResponse {
		return nil, fmt.Errorf("unexpected reply to rpc: %s", resp.Type)
	}
	return resp.Result, nil
}

// RegisterMethod installs a handler invoked for inbound rpc envelopes naming
// method. Registering again replaces the previous handler.
func (a *Agent) RegisterMethod(method string, handler Handler) {
	a.handlersMu.Lock()
	a.handlers[method] = handler
	a.handlersMu.Unlock()
}

// StartHeartbeat publishes a status message to heartbeat/<identity> every
// period until the agent closes.
func (a *Agent) StartHeartbeat(period time.Duration) {
	topic := "heartbeat/" + a.identity
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-a.done:
				return
			case <-ticker.C:
				beat := map[string]string{
					"status":    "GOOD",
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				}
				ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
				if err := a.Publish(ctx, topic, beat); err != nil {
					a.log.Warn().Err(err).Msg("heartbeat publish failed")
				}
				cancel()
			}
		}
	}()
}

// request sends env and waits for the broker reply carrying the same id.
// An error envelope for the id resolves the wait with its message.
func (a *Agent) request(ctx context.Context, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	waiter := make(chan *envelope.Envelope, 1)
	a.pendingMu.Lock()
	a.pending[env.ID] = waiter
	a.pendingMu.Unlock()

	discard := func() {
		a.pendingMu.Lock()
		delete(a.pending, env.ID)
		a.pendingMu.Unlock()
	}

	if err := a.write(env); err != nil {
		discard()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, open := <-waiter:
		if !open {
			return nil, ErrClosed
		}
		if resp.Type == envelope.TypeError {
			return nil, errors.New(resp.Error)
		}
		return resp, nil
	case <-timer.C:
		discard()
		return nil, fmt.Errorf("request timeout waiting for reply to %s", env.Type)
	case <-ctx.Done():
		discard()
		return nil, ctx.Err()
	case <-a.done:
		discard()
		return nil, ErrClosed
	}
}

// write serializes one envelope onto the socket.
func (a *Agent) write(env *envelope.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if a.sock == nil {
		return ErrClosed
	}
	select {
	case <-a.done:
		return ErrClosed
	default:
	}
	a.sock.SetWriteDeadline(time.Now().Add(writeWait))
	if err := a.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// listen receives frames until the connection ends, routing each envelope to
// the pending-request table, a subscription channel, or an RPC handler.
func (a *Agent) listen() {
	defer a.failPending()

	for {
		_, frame, err := a.sock.ReadMessage()
		if err != nil {
			select {
			case <-a.done:
			default:
				a.log.Info().Err(err).Msg("messagebus connection ended")
			}
			return
		}

		env, err := envelope.Decode(frame)
		if err != nil {
			a.log.Warn().Err(err).Msg("dropping malformed frame from messagebus")
			continue
		}

		switch env.Type {
		case envelope.TypeMessage:
			a.deliver(env)
		case envelope.TypeRPC:
			go a.serveRPC(env)
		default:
			// Confirms, rpc responses and errors resolve a pending request.
			a.resolve(env)
		}
	}
}

// deliver hands a topic message to its subscription channel. Messages for a
// topic with a full or missing channel are dropped.
func (a *Agent) deliver(env *envelope.Envelope) {
	a.subsMu.Lock()
	ch, ok := a.subs[env.Topic]
	a.subsMu.Unlock()
	if !ok {
		a.log.Debug().Str("topic", env.Topic).Msg("message for unknown subscription")
		return
	}

	msg := &Message{Topic: env.Topic, Sender: env.Sender, Data: env.Data}
	select {
	case ch <- msg:
	default:
		a.log.Warn().Str("topic", env.Topic).Msg("subscription channel full, dropping message")
	}
}

// resolve completes the pending request matching the envelope id. Unmatched
// envelopes are logged and dropped.
func (a *Agent) resolve(env *envelope.Envelope) {
	a.pendingMu.Lock()
	waiter, ok := a.pending[env.ID]
	if ok {
		delete(a.pending, env.ID)
	}
	a.pendingMu.Unlock()

	if !ok {
		if env.Type == envelope.TypeError {
			a.log.Warn().Str("error", env.Error).Msg("error from messagebus")
		} else {
			a.log.Debug().Str("type", env.Type).Str("id", env.ID).Msg("unmatched reply")
		}
		return
	}
	waiter <- env
}

// serveRPC dispatches one inbound rpc envelope to its registered handler and
// sends the response back through the broker.
func (a *Agent) serveRPC(env *envelope.Envelope) {
	var params []json.RawMessage
	if len(env.Params) > 0 {
		if err := json.Unmarshal(env.Params, &params); err != nil {
			a.respondRPC(env, nil, fmt.Errorf("invalid params: %w", err))
			return
		}
	}

	a.handlersMu.RLock()
	handler, ok := a.handlers[env.Method]
	a.handlersMu.RUnlock()
	if !ok {
		a.respondRPC(env, nil, fmt.Errorf("unknown method: %s", env.Method))
		return
	}

	result, err := handler(params)
	a.respondRPC(env, result, err)
}

// respondRPC sends the rpc_response for an inbound request. Handler errors
// travel inside the result payload as {"error": "..."}.
func (a *Agent) respondRPC(req *envelope.Envelope, result any, handlerErr error) {
	if handlerErr != nil {
		result = map[string]string{"error": handlerErr.Error()}
	}
	payload, err := json.Marshal(result)
	if err != nil {
		a.log.Error().Str("method", req.Method).Err(err).Msg("failed to marshal rpc result")
		payload = json.RawMessage(`{"error":"failed to marshal result"}`)
	}

	resp := envelope.NewRPCResponse(req.ID, a.identity, req.Sender, payload)
	if err := a.write(resp); err != nil {
		a.log.Warn().Str("method", req.Method).Err(err).Msg("failed to send rpc response")
	}
}

// failPending resolves every outstanding request with ErrClosed.
func (a *Agent) failPending() {
	a.pendingMu.Lock()
	pending := a.pending
	a.pending = make(map[string]chan *envelope.Envelope)
	a.pendingMu.Unlock()

	for _, waiter := range pending {
		close(waiter)
	}
}
