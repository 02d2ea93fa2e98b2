// Package envelope defines the wire format exchanged between agents and the
// messagebus broker. Every frame on a messagebus WebSocket connection carries
// exactly one JSON envelope, tagged by its "type" field.
//
// Key Features:
// - Single tagged structure covering all recognized envelope types
// - Codec helpers for decoding inbound text frames and encoding replies
// - Constructors for every broker-originated envelope
// - Validation of the minimal envelope contract (JSON object with string type)
//
// The broker routes on the type tag alone; "data", "params" and "result"
// payloads are opaque JSON carried through unmodified.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Recognized envelope types. Direction is noted for reference; the router
// enforces it by treating broker-originated types received from an agent as
// unsupported.
const (
	TypeConnectionEstablished = "connection_established" // broker -> agent
	TypePing                  = "ping"                   // agent  -> broker
	TypePong                  = "pong"                   // broker -> agent
	TypeSubscribe             = "subscribe"              // agent  -> broker
	TypeSubscribeConfirm      = "subscribe_confirm"      // broker -> agent
	TypePublish               = "publish"                // agent  -> broker
	TypePublishConfirm        = "publish_confirm"        // broker -> agent
	TypeMessage               = "message"                // broker -> subscriber
	TypeRPC                   = "rpc"                    // agent <-> broker <-> agent
	TypeRPCResponse           = "rpc_response"           // agent <-> broker <-> agent
	TypeError                 = "error"                  // broker -> agent
)

// ErrBadEnvelope reports a frame that is not a JSON object carrying a string
// "type" field. The broker answers such frames with an error envelope and
// keeps the connection open.
var ErrBadEnvelope = errors.New("invalid JSON message")

// Envelope is the single wire structure for all messagebus traffic. Only the
// fields relevant to a given type are populated; everything else is omitted
// from the serialized frame.
//
// Field usage per type:
//   - connection_established: AgentID, ServerID
//   - ping/pong:              ID
//   - subscribe(_confirm):    ID, Topic
//   - publish(_confirm):      ID, Topic (+Data on publish)
//   - message:                Topic, Sender, Data
//   - rpc:                    ID, Target, Method, Params, Sender
//   - rpc_response:           ID, Result, Target, Sender
//   - error:                  Error (+ID when the request carried one)
type Envelope struct {
	Type     string          `json:"type"`                // Envelope type tag (required)
	ID       string          `json:"id,omitempty"`        // Agent-chosen correlation id, echoed unchanged
	AgentID  string          `json:"agent_id,omitempty"`  // Connecting agent identity (welcome only)
	ServerID string          `json:"server_id,omitempty"` // Fixed broker name (welcome only)
	Topic    string          `json:"topic,omitempty"`     // Pub/sub topic, exact string match
	Sender   string          `json:"sender,omitempty"`    // Originating identity, stamped by the broker
	Target   string          `json:"target,omitempty"`    // Destination identity for rpc/rpc_response
	Method   string          `json:"method,omitempty"`    // RPC method name
	Params   json.RawMessage `json:"params,omitempty"`    // RPC parameter array (absent = empty list)
	Data     json.RawMessage `json:"data,omitempty"`      // Publish/message payload (arbitrary JSON)
	Result   json.RawMessage `json:"result,omitempty"`    // RPC response payload (arbitrary JSON)
	Error    string          `json:"error,omitempty"`     // Human-readable error description
}

// Decode parses a single text frame into an envelope. It fails with
// ErrBadEnvelope when the frame is not valid JSON, the root is not an object,
// or the "type" field is missing or not a string. Payload fields are not
// validated here; that is the router's concern.
func Decode(frame []byte) (*Envelope, error) {
	var probe any
	if err := json.Unmarshal(frame, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	obj, ok := probe.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: root is not an object", ErrBadEnvelope)
	}
	tag, present := obj["type"]
	if !present {
		return nil, fmt.Errorf("%w: missing type", ErrBadEnvelope)
	}
	if _, ok := tag.(string); !ok {
		return nil, fmt.Errorf("%w: type is not a string", ErrBadEnvelope)
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return &env, nil
}

// Encode serializes an envelope for transmission as one text frame.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// NewWelcome builds the connection_established envelope sent once, directly
// after a connection is accepted.
func NewWelcome(agentID, serverID string) *Envelope {
	return &Envelope{
		Type:     TypeConnectionEstablished,
		AgentID:  agentID,
		ServerID: serverID,
	}
}

// NewPong builds the reply to a ping, echoing the ping's id.
func NewPong(id string) *Envelope {
	return &Envelope{Type: TypePong, ID: id}
}

// NewSubscribeConfirm acknowledges an accepted subscription.
func NewSubscribeConfirm(id, topic string) *Envelope {
	return &Envelope{Type: TypeSubscribeConfirm, ID: id, Topic: topic}
}

// NewPublishConfirm acknowledges a publish after fan-out completed.
func NewPublishConfirm(id, topic string) *Envelope {
	return &Envelope{Type: TypePublishConfirm, ID: id, Topic: topic}
}

// NewMessage builds the fan-out envelope delivered to a topic subscriber.
// A publish without a data field fans out as an explicit JSON null so the
// delivered envelope always carries the data key.
func NewMessage(topic, sender string, data json.RawMessage) *Envelope {
	if data == nil {
		data = json.RawMessage("null")
	}
	return &Envelope{Type: TypeMessage, Topic: topic, Sender: sender, Data: data}
}

// NewError builds an error envelope. The id is echoed when the offending
// request carried one; pass "" otherwise and the field is omitted.
func NewError(id, message string) *Envelope {
	return &Envelope{Type: TypeError, ID: id, Error: message}
}

// NewRPC builds an rpc request envelope on behalf of sender.
func NewRPC(id, sender, target, method string, params json.RawMessage) *Envelope {
	return &Envelope{
		Type:   TypeRPC,
		ID:     id,
		Sender: sender,
		Target: target,
		Method: method,
		Params: params,
	}
}

// NewRPCResponse builds an rpc_response envelope addressed to target.
func NewRPCResponse(id, sender, target string, result json.RawMessage) *Envelope {
	return &Envelope{
		Type:   TypeRPCResponse,
		ID:     id,
		Sender: sender,
		Target: target,
		Result: result,
	}
}
