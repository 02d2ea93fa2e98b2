// Package router implements the central routing core of the messagebus
// broker. The router owns the connection registry and the subscription index,
// classifies every inbound envelope, and delivers outbound envelopes through
// per-connection writer handles.
//
// Key Features:
// - Connection registry mapping agent identity to its writer handle
// - Exact-match topic subscription index with publish fan-out
// - Point-to-point RPC forwarding with broker-stamped sender identity
// - Broker-initiated RPC correlation with timeout and teardown handling
// - Typed error envelopes for every recoverable per-envelope failure
//
// The registry and the subscription index are guarded by a single mutex so
// their combined invariants (one connection per identity, no subscription
// without a live connection) are never observable as violated. Fan-out takes
// the lock only to snapshot the subscriber set; sends happen after release.
package router

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/volttron/messagebus/internal/envelope"
)

// Default timeout for broker-initiated RPC calls.
const defaultRPCTimeout = 10 * time.Second

// Error kinds surfaced by the routing core. Per-envelope failures are
// reported to agents as error envelopes; these sentinels are for callers
// inside the process.
var (
	// ErrDuplicateIdentity rejects a second connection for an identity that
	// is already registered.
	ErrDuplicateIdentity = errors.New("agent identity already connected")

	// ErrUnknownPeer reports an RPC target that is not currently connected.
	ErrUnknownPeer = errors.New("agent not connected")

	// ErrQueueFull reports a writer handle whose bounded outbound queue is
	// full. The envelope is dropped for that peer.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrWriteFailed reports a writer handle whose connection is closing or
	// whose socket rejected an envelope.
	ErrWriteFailed = errors.New("write to agent connection failed")

	// ErrRPCTimeout resolves a broker-initiated RPC waiter that received no
	// response within the timeout.
	ErrRPCTimeout = errors.New("rpc call timed out")

	// ErrRPCAborted resolves a broker-initiated RPC waiter whose target
	// connection was torn down first.
	ErrRPCAborted = errors.New("rpc call aborted by connection teardown")
)

// Writer is the per-connection outbound serialization handle. All sends to a
// peer go through its writer; the router never touches the socket. Send
// enqueues one envelope and returns ErrQueueFull when the peer's bounded
// queue is full or ErrWriteFailed when the connection is no longer writable.
type Writer interface {
	Send(env *envelope.Envelope) error
}

// connection is the registry record for one connected agent: its identity,
// its writer handle, and the waiters for broker-initiated RPCs sent to it.
type connection struct {
	identity string
	writer   Writer
	pending  map[string]chan *envelope.Envelope // rpc id -> waiter
}

// Router routes envelopes between connected agents. All exported methods are
// safe for concurrent use.
type Router struct {
	serverID   string
	rpcTimeout time.Duration
	log        zerolog.Logger

	mu          sync.Mutex             // guards connections and subs together
	connections map[string]*connection // agent identity -> registry record
	subs        *subscriptionIndex     // topic -> subscriber identities
}

// New creates a router identified on the wire by serverID. The serverID is
// the value agents see in the welcome envelope and the sender identity of
// broker-initiated RPCs.
func New(serverID string, log zerolog.Logger) *Router {
	return &Router{
		serverID:    serverID,
		rpcTimeout:  defaultRPCTimeout,
		log:         log.With().Str("component", "router").Logger(),
		connections: make(map[string]*connection),
		subs:        newSubscriptionIndex(),
	}
}

// ServerID returns the fixed broker name.
func (r *Router) ServerID() string {
	return r.serverID
}

// Register inserts a connection record for identity. It fails with
// ErrDuplicateIdentity when the identity already has a live connection; the
// caller must then close the new socket with a policy violation before any
// envelope is emitted on it.
func (r *Router) Register(identity string, w Writer) error {
	r.mu.Lock()
	if _, exists := r.connections[identity]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateIdentity, identity)
	}
	r.connections[identity] = &connection{
		identity: identity,
		writer:   w,
		pending:  make(map[string]chan *envelope.Envelope),
	}
	total := len(r.connections)
	r.mu.Unlock()

	r.log.Info().Str("agent", identity).Int("connected", total).Msg("agent registered")
	return nil
}

// Unregister destroys the connection record for identity: the identity is
// removed from the registry and from every subscription set (pruning topics
// left empty), and every pending RPC waiter owned by the connection is
// failed. Safe to call for identities that were never registered.
func (r *Router) Unregister(identity string) {
	r.mu.Lock()
	conn, ok := r.connections[identity]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.connections, identity)
	r.subs.forget(identity)
	pending := conn.pending
	conn.pending = nil
	total := len(r.connections)
	r.mu.Unlock()

	// Closed waiter channels resolve as ErrRPCAborted in Call.
	for _, ch := range pending {
		close(ch)
	}

	r.log.Info().Str("agent", identity).Int("connected", total).Msg("agent unregistered")
}

// Connected reports whether identity currently has a live connection record.
func (r *Router) Connected(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.connections[identity]
	return ok
}

// Peers returns a sorted snapshot of the currently connected identities.
func (r *Router) Peers() []string {
	r.mu.Lock()
	peers := make([]string, 0, len(r.connections))
	for identity := range r.connections {
		peers = append(peers, identity)
	}
	r.mu.Unlock()

	sort.Strings(peers)
	return peers
}

// Dispatch classifies one inbound envelope from sender and routes it: reply
// on the same connection, forward to a named peer, fan out to subscribers,
// resolve a pending broker RPC, or emit a typed error. Per-envelope errors
// are never fatal to the connection.
func (r *Router) Dispatch(sender string, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypePing:
		r.reply(sender, envelope.NewPong(env.ID))
	case envelope.TypeSubscribe:
		r.handleSubscribe(sender, env)
	case envelope.TypePublish:
		r.handlePublish(sender, env)
	case envelope.TypeRPC:
		r.handleRPC(sender, env)
	case envelope.TypeRPCResponse:
		r.handleRPCResponse(sender, env)
	default:
		r.log.Warn().Str("agent", sender).Str("type", env.Type).Msg("unsupported message type")
		r.reply(sender, envelope.NewError(env.ID, fmt.Sprintf("Unsupported message type: %s", env.Type)))
	}
}

// handleSubscribe registers sender as a subscriber of the requested topic
// and confirms. Duplicate subscriptions collapse; each accepted subscribe
// still gets its own confirm.
func (r *Router) handleSubscribe(sender string, env *envelope.Envelope) {
	if env.Topic == "" {
		r.reply(sender, envelope.NewError(env.ID, "Missing topic in subscription request"))
		return
	}

	r.mu.Lock()
	// Guard against a teardown racing the dispatch: never index an identity
	// without a live connection record.
	if _, ok := r.connections[sender]; ok {
		r.subs.subscribe(env.Topic, sender)
	}
	r.mu.Unlock()

	r.log.Debug().Str("agent", sender).Str("topic", env.Topic).Msg("subscribed")
	r.reply(sender, envelope.NewSubscribeConfirm(env.ID, env.Topic))
}

// handlePublish fans the published data out to every current subscriber of
// the topic except the publisher, then confirms to the publisher. Failures
// to reach individual subscribers are logged and do not abort the fan-out or
// fail the publish.
func (r *Router) handlePublish(sender string, env *envelope.Envelope) {
	if env.Topic == "" {
		r.reply(sender, envelope.NewError(env.ID, "Missing topic in publish request"))
		return
	}

	// Snapshot subscriber writer handles under the lock; send after release
	// so slow peers never stall the registry.
	type delivery struct {
		identity string
		writer   Writer
	}
	r.mu.Lock()
	subscribers := r.subs.subscribersOf(env.Topic)
	deliveries := make([]delivery, 0, len(subscribers))
	for _, identity := range subscribers {
		if identity == sender {
			continue
		}
		if conn, ok := r.connections[identity]; ok {
			deliveries = append(deliveries, delivery{identity: identity, writer: conn.writer})
		}
	}
	r.mu.Unlock()

	msg := envelope.NewMessage(env.Topic, sender, env.Data)
	for _, d := range deliveries {
		if err := d.writer.Send(msg); err != nil {
			r.log.Warn().Str("topic", env.Topic).Str("subscriber", d.identity).
				Err(err).Msg("failed to deliver message to subscriber")
		}
	}

	r.log.Debug().Str("agent", sender).Str("topic", env.Topic).
		Int("subscribers", len(deliveries)).Msg("published")
	r.reply(sender, envelope.NewPublishConfirm(env.ID, env.Topic))
}

// handleRPC forwards an rpc envelope to its target. The broker stamps the
// caller's identity into the sender field before forwarding and keeps no
// state for the call; correlation is the agents' concern via the id.
func (r *Router) handleRPC(sender string, env *envelope.Envelope) {
	if env.Target == "" || env.Target == sender {
		r.reply(sender, envelope.NewError(env.ID, "Invalid RPC target"))
		return
	}

	r.mu.Lock()
	conn, ok := r.connections[env.Target]
	r.mu.Unlock()
	if !ok {
		r.reply(sender, envelope.NewError(env.ID, fmt.Sprintf("Failed to route RPC request to %s", env.Target)))
		return
	}

	fwd := *env
	fwd.Sender = sender
	if err := conn.writer.Send(&fwd); err != nil {
		r.log.Warn().Str("caller", sender).Str("target", env.Target).Err(err).Msg("rpc forward failed")
		r.reply(sender, envelope.NewError(env.ID, fmt.Sprintf("Failed to route RPC request to %s", env.Target)))
		return
	}

	r.log.Debug().Str("caller", sender).Str("target", env.Target).
		Str("method", env.Method).Str("id", env.ID).Msg("routed rpc")
}

// handleRPCResponse routes an rpc_response by its target: a response
// addressed to the broker resolves a pending broker-initiated call, a
// response addressed back at its own sender is dropped, a response whose
// target is absent or not connected is answered with an error, and anything
// else is forwarded with the sender stamped.
func (r *Router) handleRPCResponse(sender string, env *envelope.Envelope) {
	if env.Target == sender {
		// Echoing the response back to its originating connection is never
		// useful; drop it.
		r.log.Debug().Str("agent", sender).Str("id", env.ID).Msg("dropping self-addressed rpc response")
		return
	}
	if env.Target == r.serverID {
		r.resolvePending(sender, env)
		return
	}

	r.mu.Lock()
	conn, ok := r.connections[env.Target]
	r.mu.Unlock()
	if !ok {
		r.reply(sender, envelope.NewError(env.ID, fmt.Sprintf("Unknown target agent %s for RPC response", env.Target)))
		return
	}

	fwd := *env
	fwd.Sender = sender
	if err := conn.writer.Send(&fwd); err != nil {
		r.log.Warn().Str("sender", sender).Str("target", env.Target).Err(err).Msg("rpc response forward failed")
		r.reply(sender, envelope.NewError(env.ID, fmt.Sprintf("Failed to route RPC response to %s", env.Target)))
		return
	}

	r.log.Debug().Str("sender", sender).Str("target", env.Target).Str("id", env.ID).Msg("routed rpc response")
}

// reply delivers an envelope back on sender's own connection. A reply that
// cannot be delivered is logged; the peer is already gone or stalled and the
// connection endpoint owns its teardown.
func (r *Router) reply(identity string, env *envelope.Envelope) {
	r.mu.Lock()
	conn, ok := r.connections[identity]
	r.mu.Unlock()
	if !ok {
		r.log.Debug().Str("agent", identity).Str("type", env.Type).Msg("dropping reply for closed connection")
		return
	}
	if err := conn.writer.Send(env); err != nil {
		r.log.Warn().Str("agent", identity).Str("type", env.Type).Err(err).Msg("failed to send reply")
	}
}
