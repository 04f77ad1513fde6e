package admin

import (
	"bytes"
	"testing"
)

func TestMessageEncodeReadMessageRoundTrip(t *testing.T) {
	m := &Message{Serial: 9, Command: CmdCreateService, Payload: []byte(`{"factory_id":"echo"}`)}

	var buf bytes.Buffer
	buf.Write(m.Encode())

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Serial != m.Serial || got.Command != m.Command || !bytes.Equal(got.Payload, m.Payload) {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestReadMessageNoPayload(t *testing.T) {
	m := &Message{Serial: 3, Command: CmdHello}

	var buf bytes.Buffer
	buf.Write(m.Encode())

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %v", got.Payload)
	}
}

func TestReadMessageOversizedLengthRejected(t *testing.T) {
	hdr := (&Message{Serial: 1, Command: CmdHello}).Encode()
	// overwrite the length field with something past utils.MaxBufLen.
	hdr[8] = 0xFF
	hdr[9] = 0xFF
	hdr[10] = 0xFF
	hdr[11] = 0x7F

	if _, err := ReadMessage(bytes.NewReader(hdr)); err == nil {
		t.Fatal("expected oversized-length error, got nil")
	}
}
