package envelope

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodePing(t *testing.T) {
	env, err := Decode([]byte(`{"type":"ping","id":"p1"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Type != TypePing {
		t.Errorf("expected type ping, got %s", env.Type)
	}
	if env.ID != "p1" {
		t.Errorf("expected id p1, got %s", env.ID)
	}
}

func TestDecodeCarriesOpaquePayloads(t *testing.T) {
	frame := []byte(`{"type":"publish","id":"m1","topic":"t/1","data":{"v":42}}`)
	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(env.Data) != `{"v":42}` {
		t.Errorf("data not carried verbatim: %s", env.Data)
	}
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("expected ErrBadEnvelope, got %v", err)
	}
}

func TestDecodeRejectsNonObjectRoot(t *testing.T) {
	for _, frame := range []string{`[1,2,3]`, `"ping"`, `42`, `null`, `true`} {
		if _, err := Decode([]byte(frame)); !errors.Is(err, ErrBadEnvelope) {
			t.Errorf("frame %s: expected ErrBadEnvelope, got %v", frame, err)
		}
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"id":"p1"}`)); !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("expected ErrBadEnvelope, got %v", err)
	}
}

func TestDecodeAcceptsEmptyTypeString(t *testing.T) {
	// A present-but-empty type is a well-formed envelope; the router answers
	// it with an unsupported-type error instead.
	env, err := Decode([]byte(`{"type":"","id":"x"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Type != "" || env.ID != "x" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestDecodeRejectsNonStringType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":5}`)); !errors.Is(err, ErrBadEnvelope) {
		t.Errorf("expected ErrBadEnvelope, got %v", err)
	}
}

func TestEncodeOmitsUnsetFields(t *testing.T) {
	data, err := NewPong("p1").Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("encoded frame is not valid JSON: %v", err)
	}
	if len(fields) != 2 {
		t.Errorf("expected exactly type and id, got %v", fields)
	}
	if fields["type"] != "pong" || fields["id"] != "p1" {
		t.Errorf("unexpected fields: %v", fields)
	}
}

func TestErrorOmitsEmptyID(t *testing.T) {
	data, err := NewError("", "Invalid JSON message").Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("encoded frame is not valid JSON: %v", err)
	}
	if _, present := fields["id"]; present {
		t.Errorf("error without original id must omit the id field: %v", fields)
	}
	if fields["error"] != "Invalid JSON message" {
		t.Errorf("unexpected error field: %v", fields)
	}
}

func TestMessageDefaultsDataToNull(t *testing.T) {
	data, err := NewMessage("t/1", "p", nil).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("encoded frame is not valid JSON: %v", err)
	}
	if _, present := fields["data"]; !present {
		t.Errorf("message must always carry the data key: %s", data)
	}
}

func TestWelcomeRoundTrip(t *testing.T) {
	data, err := NewWelcome("a", "volttron.messagebus.fastapi").Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Type != TypeConnectionEstablished || env.AgentID != "a" || env.ServerID != "volttron.messagebus.fastapi" {
		t.Errorf("welcome round trip mismatch: %+v", env)
	}
}
