package core

import "testing"

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	payload := handshakeInitPayload{
		ProtocolVersion: DefaultProtocolVersion,
		ClientType:      "editor",
		ClientID:        "client-1",
		Capabilities:    CapabilitySchemaSync,
	}
	data, err := encodeFrame(TagHandshakeInit, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tag, decoded, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tag != TagHandshakeInit {
		t.Fatalf("expected TagHandshakeInit, got %s", tag)
	}
	got, ok := decoded.(handshakeInitPayload)
	if !ok {
		t.Fatalf("expected handshakeInitPayload, got %T", decoded)
	}
	if got != payload {
		t.Fatalf("round-tripped payload mismatch: got %+v, want %+v", got, payload)
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	if _, _, err := decodeFrame([]byte("not a gob stream")); err == nil {
		t.Fatalf("expected decode error for garbage input")
	} else if kind, ok := KindOf(err); !ok || kind != ErrInvalidMessage {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestPropertyChangedFramePreservesInterfaceValue(t *testing.T) {
	hash := ComputePropertyHash(1, "Transform", "position")
	data, err := encodeFrame(TagPropertyChanged, propertyChangedPayload{Hash: hash, Value: Vec3Value{X: 1, Y: 2, Z: 3}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tag, decoded, err := decodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tag != TagPropertyChanged {
		t.Fatalf("expected TagPropertyChanged, got %s", tag)
	}
	p, ok := decoded.(propertyChangedPayload)
	if !ok {
		t.Fatalf("expected propertyChangedPayload, got %T", decoded)
	}
	v, ok := p.Value.(Vec3Value)
	if !ok {
		t.Fatalf("expected Vec3Value, got %T", p.Value)
	}
	if v.X != 1 || v.Y != 2 || v.Z != 3 {
		t.Fatalf("unexpected vec3 value: %+v", v)
	}
}

func TestPropertyBatchEntryRoundTrip(t *testing.T) {
	entry := PropertyBatchEntry{
		Hash:  ComputePropertyHash(2, "Transform", "scale"),
		Value: Float32Value(2.5),
	}
	data, err := encodePropertyBatchEntry(entry)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodePropertyBatchEntry(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Hash != entry.Hash {
		t.Fatalf("hash mismatch: got %s want %s", decoded.Hash, entry.Hash)
	}
	if decoded.Value.(Float32Value) != entry.Value.(Float32Value) {
		t.Fatalf("value mismatch: got %v want %v", decoded.Value, entry.Value)
	}
}

func TestDecodePropertyBatchEntryRejectsGarbage(t *testing.T) {
	if _, err := decodePropertyBatchEntry([]byte("garbage")); err == nil {
		t.Fatalf("expected decode error for garbage batch entry")
	}
}
