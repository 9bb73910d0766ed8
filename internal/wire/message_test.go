package wire

import (
	"strings"
	"testing"

	"github.com/keelhq/prefsync/internal/settings"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := NewMessage(TypeSync, "m-1")
	msg.Payload = settings.Settings{"theme": "dark"}
	msg.OperationID = "op-1"
	msg.UserID = "alice"
	msg.RoomID = "team"

	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Wire field names are part of the protocol.
	for _, want := range []string{`"operationId":"op-1"`, `"userId":"alice"`, `"roomId":"team"`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("encoded message missing %s: %s", want, raw)
		}
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Type != TypeSync || got.ID != "m-1" || got.Payload["theme"] != "dark" {
		t.Errorf("decoded = %+v", got)
	}
	if got.Timestamp == 0 {
		t.Error("timestamp not set by NewMessage")
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"id":"m-1"}`)); err == nil {
		t.Error("expected error for message without type")
	}
}

func TestAckMirrorsID(t *testing.T) {
	msg := NewMessage(TypePull, "m-7")
	ack := msg.Ack()
	if ack.Type != TypeAck || ack.ID != "m-7" {
		t.Errorf("ack = %+v", ack)
	}
}
