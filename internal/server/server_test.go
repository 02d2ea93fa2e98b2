package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/volttron/messagebus/internal/config"
	"github.com/volttron/messagebus/internal/envelope"
)

const readWait = 2 * time.Second

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := New(config.Default(), zerolog.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts.URL
}

// connect dials the messagebus endpoint as identity and consumes the welcome
// envelope.
func connect(t *testing.T, baseURL, identity string) *websocket.Conn {
	t.Helper()
	conn := dial(t, baseURL, identity)
	welcome := readEnvelope(t, conn)
	if welcome.Type != envelope.TypeConnectionEstablished {
		t.Fatalf("expected connection_established, got %+v", welcome)
	}
	if welcome.AgentID != identity || welcome.ServerID != ServerID {
		t.Fatalf("unexpected welcome fields: %+v", welcome)
	}
	return conn
}

func dial(t *testing.T, baseURL, identity string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/messagebus/v1/" + identity
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *envelope.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	env, err := envelope.Decode(frame)
	if err != nil {
		t.Fatalf("broker sent an undecodable frame %s: %v", frame, err)
	}
	return env
}

func TestRootProbe(t *testing.T) {
	_, baseURL := newTestServer(t)

	resp, err := http.Get(baseURL + "/")
	if err != nil {
		t.Fatalf("probe request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read probe body: %v", err)
	}

	var probe map[string]string
	if err := json.Unmarshal(body, &probe); err != nil {
		t.Fatalf("probe body is not JSON: %s", body)
	}
	if probe["status"] != "online" || probe["service"] != "volttron-messagebus" {
		t.Errorf("unexpected probe body: %s", body)
	}
}

func TestMissingAgentIDRejected(t *testing.T) {
	_, baseURL := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/messagebus/v1/"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial without agent id to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %+v", resp)
	}
}

// S1: welcome then ping/pong echo.
func TestPingPong(t *testing.T) {
	_, baseURL := newTestServer(t)
	conn := connect(t, baseURL, "a")

	sendFrame(t, conn, `{"type":"ping","id":"p1"}`)
	pong := readEnvelope(t, conn)
	if pong.Type != envelope.TypePong || pong.ID != "p1" {
		t.Errorf("expected pong p1, got %+v", pong)
	}
}

// S2: subscribe on one connection, publish from another.
func TestPublishSubscribe(t *testing.T) {
	_, baseURL := newTestServer(t)
	sub := connect(t, baseURL, "s")
	pub := connect(t, baseURL, "p")

	sendFrame(t, sub, `{"type":"subscribe","id":"s1","topic":"t/1"}`)
	confirm := readEnvelope(t, sub)
	if confirm.Type != envelope.TypeSubscribeConfirm || confirm.ID != "s1" || confirm.Topic != "t/1" {
		t.Fatalf("expected subscribe_confirm, got %+v", confirm)
	}

	sendFrame(t, pub, `{"type":"publish","id":"p1","topic":"t/1","data":{"v":42}}`)
	pubConfirm := readEnvelope(t, pub)
	if pubConfirm.Type != envelope.TypePublishConfirm || pubConfirm.ID != "p1" || pubConfirm.Topic != "t/1" {
		t.Fatalf("expected publish_confirm, got %+v", pubConfirm)
	}

	msg := readEnvelope(t, sub)
	if msg.Type != envelope.TypeMessage || msg.Topic != "t/1" || msg.Sender != "p" {
		t.Fatalf("expected message from p on t/1, got %+v", msg)
	}
	if string(msg.Data) != `{"v":42}` {
		t.Errorf("data not carried verbatim: %s", msg.Data)
	}
}

// S3: a publisher subscribed to its own topic gets the confirm but not the
// message.
func TestNoSelfDelivery(t *testing.T) {
	_, baseURL := newTestServer(t)
	conn := connect(t, baseURL, "x")

	sendFrame(t, conn, `{"type":"subscribe","id":"s1","topic":"t/2"}`)
	readEnvelope(t, conn) // subscribe_confirm

	sendFrame(t, conn, `{"type":"publish","id":"p1","topic":"t/2","data":1}`)
	confirm := readEnvelope(t, conn)
	if confirm.Type != envelope.TypePublishConfirm {
		t.Fatalf("expected publish_confirm, got %+v", confirm)
	}

	// The next envelope after a ping must be the pong: nothing was queued in
	// between, so no self-delivered message exists.
	sendFrame(t, conn, `{"type":"ping","id":"p2"}`)
	next := readEnvelope(t, conn)
	if next.Type != envelope.TypePong || next.ID != "p2" {
		t.Errorf("expected pong directly after confirm, got %+v", next)
	}
}

// S4/B1: a second connection for a live identity closes with 1008 before any
// envelope.
func TestDuplicateIdentityRejected(t *testing.T) {
	_, baseURL := newTestServer(t)
	connect(t, baseURL, "dup")

	second := dial(t, baseURL, "dup")
	second.SetReadDeadline(time.Now().Add(readWait))
	_, _, err := second.ReadMessage()
	if err == nil {
		t.Fatal("expected duplicate connection to be closed")
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected a close frame, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("expected close code 1008, got %d", closeErr.Code)
	}
}

// The identity is freed on disconnect and can reconnect.
func TestIdentityFreedOnDisconnect(t *testing.T) {
	s, baseURL := newTestServer(t)
	conn := connect(t, baseURL, "dup")

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Router().Connected("dup") {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Router().Connected("dup") {
		t.Fatal("identity still registered after disconnect")
	}

	connect(t, baseURL, "dup")
}

// S5: RPC round trip between two agents.
func TestRPCRoundTrip(t *testing.T) {
	_, baseURL := newTestServer(t)
	caller := connect(t, baseURL, "caller")
	callee := connect(t, baseURL, "callee")

	sendFrame(t, caller, `{"type":"rpc","id":"r1","target":"callee","method":"m","params":["a","b"]}`)

	req := readEnvelope(t, callee)
	if req.Type != envelope.TypeRPC || req.ID != "r1" || req.Method != "m" {
		t.Fatalf("unexpected rpc at callee: %+v", req)
	}
	if req.Sender != "caller" {
		t.Errorf("broker must stamp the caller identity, got %s", req.Sender)
	}
	if string(req.Params) != `["a","b"]` {
		t.Errorf("params not carried verbatim: %s", req.Params)
	}

	sendFrame(t, callee, `{"type":"rpc_response","id":"r1","result":{"ok":true},"target":"caller","sender":"callee"}`)

	resp := readEnvelope(t, caller)
	if resp.Type != envelope.TypeRPCResponse || resp.ID != "r1" || resp.Sender != "callee" || resp.Target != "caller" {
		t.Fatalf("unexpected rpc_response at caller: %+v", resp)
	}
	if string(resp.Result) != `{"ok":true}` {
		t.Errorf("result not carried verbatim: %s", resp.Result)
	}
}

// S6/B3: rpc to a disconnected target errors back with the original id.
func TestRPCUnknownTarget(t *testing.T) {
	_, baseURL := newTestServer(t)
	caller := connect(t, baseURL, "caller")

	sendFrame(t, caller, `{"type":"rpc","id":"r1","target":"ghost","method":"m"}`)

	reply := readEnvelope(t, caller)
	if reply.Type != envelope.TypeError || reply.ID != "r1" {
		t.Fatalf("expected error echoing r1, got %+v", reply)
	}
	if reply.Error != "Failed to route RPC request to ghost" {
		t.Errorf("unexpected error message: %s", reply.Error)
	}
}

func TestInvalidJSONFrame(t *testing.T) {
	_, baseURL := newTestServer(t)
	conn := connect(t, baseURL, "a")

	sendFrame(t, conn, `{not json`)
	reply := readEnvelope(t, conn)
	if reply.Type != envelope.TypeError || reply.Error != "Invalid JSON message" {
		t.Fatalf("expected invalid-JSON error, got %+v", reply)
	}

	// The connection survives malformed frames.
	sendFrame(t, conn, `{"type":"ping","id":"p1"}`)
	pong := readEnvelope(t, conn)
	if pong.Type != envelope.TypePong || pong.ID != "p1" {
		t.Errorf("connection did not survive malformed frame: %+v", pong)
	}
}

func TestBinaryFrameRejected(t *testing.T) {
	_, baseURL := newTestServer(t)
	conn := connect(t, baseURL, "a")

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("failed to write binary frame: %v", err)
	}
	reply := readEnvelope(t, conn)
	if reply.Type != envelope.TypeError || reply.Error != "Invalid JSON message" {
		t.Errorf("expected invalid-JSON error for binary frame, got %+v", reply)
	}
}

func TestUnsupportedTypeKeepsConnection(t *testing.T) {
	_, baseURL := newTestServer(t)
	conn := connect(t, baseURL, "a")

	sendFrame(t, conn, `{"type":"bogus","id":"x1"}`)
	reply := readEnvelope(t, conn)
	if reply.Type != envelope.TypeError || reply.ID != "x1" || reply.Error != "Unsupported message type: bogus" {
		t.Fatalf("expected unsupported-type error, got %+v", reply)
	}

	sendFrame(t, conn, `{"type":"ping","id":"p1"}`)
	if pong := readEnvelope(t, conn); pong.Type != envelope.TypePong {
		t.Errorf("connection did not survive unsupported type: %+v", pong)
	}
}

// Per-pair FIFO: messages from one publisher reach one subscriber in publish
// order.
func TestPublishOrderPreservedPerPair(t *testing.T) {
	_, baseURL := newTestServer(t)
	sub := connect(t, baseURL, "s")
	pub := connect(t, baseURL, "p")

	sendFrame(t, sub, `{"type":"subscribe","id":"s1","topic":"t/1"}`)
	readEnvelope(t, sub) // subscribe_confirm

	const count = 20
	for i := 0; i < count; i++ {
		sendFrame(t, pub, fmt.Sprintf(`{"type":"publish","id":"p%d","topic":"t/1","data":%d}`, i, i))
		readEnvelope(t, pub) // publish_confirm
	}

	for i := 0; i < count; i++ {
		msg := readEnvelope(t, sub)
		if msg.Type != envelope.TypeMessage {
			t.Fatalf("expected message, got %+v", msg)
		}
		var got int
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unexpected data %s: %v", msg.Data, err)
		}
		if got != i {
			t.Fatalf("message order violated: expected %d, got %d", i, got)
		}
	}
}
