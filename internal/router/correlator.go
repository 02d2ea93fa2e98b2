package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/volttron/messagebus/internal/envelope"
)

// The correlator tracks RPCs the broker itself originates, such as health
// checks against a connected agent. Agent-to-agent RPCs never touch it: the
// broker forwards those statelessly and the agents correlate by id.
//
// Waiters live in the pending table of the connection record the rpc was
// sent to, so tearing that connection down fails exactly the calls that can
// no longer be answered.

// Call sends an rpc envelope to target on behalf of the broker and waits for
// the matching rpc_response. The params value must be a JSON array or nil
// (absent means an empty parameter list). Call resolves exactly once: with
// the response's result, with ErrRPCTimeout after the waiter timeout, with
// ErrRPCAborted when target disconnects first, or with ctx's error.
func (r *Router) Call(ctx context.Context, target, method string, params json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	waiter := make(chan *envelope.Envelope, 1)

	r.mu.Lock()
	conn, ok := r.connections[target]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, target)
	}
	conn.pending[id] = waiter
	w := conn.writer
	r.mu.Unlock()

	req := envelope.NewRPC(id, r.serverID, target, method, params)
	if err := w.Send(req); err != nil {
		r.discardWaiter(target, id)
		return nil, fmt.Errorf("failed to send rpc to %s: %w", target, err)
	}

	r.log.Debug().Str("target", target).Str("method", method).Str("id", id).Msg("broker rpc sent")

	timer := time.NewTimer(r.rpcTimeout)
	defer timer.Stop()

	select {
	case resp, open := <-waiter:
		if !open {
			// Channel closed by Unregister while the call was in flight.
			return nil, fmt.Errorf("%w: %s", ErrRPCAborted, target)
		}
		return resp.Result, nil
	case <-timer.C:
		r.discardWaiter(target, id)
		return nil, fmt.Errorf("%w: %s.%s", ErrRPCTimeout, target, method)
	case <-ctx.Done():
		r.discardWaiter(target, id)
		return nil, ctx.Err()
	}
}

// resolvePending delivers an rpc_response addressed to the broker into the
// waiter registered on the responding connection. Responses without a
// matching waiter (already timed out, or never asked for) are dropped.
func (r *Router) resolvePending(sender string, env *envelope.Envelope) {
	r.mu.Lock()
	var waiter chan *envelope.Envelope
	if conn, ok := r.connections[sender]; ok {
		if ch, ok := conn.pending[env.ID]; ok {
			delete(conn.pending, env.ID)
			waiter = ch
		}
	}
	r.mu.Unlock()

	if waiter == nil {
		r.log.Debug().Str("agent", sender).Str("id", env.ID).Msg("rpc response without pending waiter")
		return
	}
	waiter <- env
}

// discardWaiter removes a waiter that resolved some other way (timeout,
// send failure, cancelled context). The connection may already be gone.
func (r *Router) discardWaiter(target, id string) {
	r.mu.Lock()
	if conn, ok := r.connections[target]; ok {
		delete(conn.pending, id)
	}
	r.mu.Unlock()
}
