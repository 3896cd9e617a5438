package core

import (
	"sync"
	"testing"
	"time"
)

// newSessionOnFake wires a Session over a fresh fakeConnection/manager pair
// and returns both, so tests can inspect what the session wrote by
// decoding fc.sent and drive inbound dispatch via fc.DeliverMessage.
func newSessionOnFake(t *testing.T, registry *PropertyRegistry) (*Session, *fakeConnection) {
	t.Helper()
	m := newTestManager(t, 4)
	fc := newFakeConnection(ConnectionLocal)
	h, err := m.AdoptConnection(fc, ConnectionLocal)
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if err := m.Connect(h); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return NewSession(m, h, registry), fc
}

func decodeSent(t *testing.T, fc *fakeConnection, index int) (MessageTag, any) {
	t.Helper()
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if index >= len(fc.sent) {
		t.Fatalf("expected at least %d sent frames, got %d", index+1, len(fc.sent))
	}
	tag, payload, err := decodeFrame(fc.sent[index])
	if err != nil {
		t.Fatalf("decode sent frame %d: %v", index, err)
	}
	return tag, payload
}

func TestPerformHandshakeSendsInitFrame(t *testing.T) {
	s, fc := newSessionOnFake(t, nil)

	if err := s.PerformHandshake("editor", "client-1"); err != nil {
		t.Fatalf("PerformHandshake: %v", err)
	}
	if s.State() != SessionHandshakeInProgress {
		t.Fatalf("expected HandshakeInProgress, got %s", s.State())
	}

	tag, payload := decodeSent(t, fc, 0)
	if tag != TagHandshakeInit {
		t.Fatalf("expected TagHandshakeInit, got %s", tag)
	}
	init := payload.(handshakeInitPayload)
	if init.ClientType != "editor" || init.ClientID != "client-1" {
		t.Fatalf("unexpected handshake init payload: %+v", init)
	}
}

func TestPerformHandshakeRejectsSecondCall(t *testing.T) {
	s, _ := newSessionOnFake(t, nil)
	if err := s.PerformHandshake("editor", "c1"); err != nil {
		t.Fatalf("first PerformHandshake: %v", err)
	}
	if err := s.PerformHandshake("editor", "c1"); err == nil {
		t.Fatalf("expected error calling PerformHandshake twice")
	}
}

func TestServerAutoRespondsToHandshakeInit(t *testing.T) {
	s, fc := newSessionOnFake(t, nil)

	var gotType, gotID string
	var mu sync.Mutex
	s.SetHandshakeCallback(func(clientType, clientID string) {
		mu.Lock()
		defer mu.Unlock()
		gotType, gotID = clientType, clientID
	})

	frame, err := encodeFrame(TagHandshakeInit, handshakeInitPayload{
		ProtocolVersion: DefaultProtocolVersion,
		ClientType:      "viewer",
		ClientID:        "client-42",
		Capabilities:    CapabilitySchemaSync,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fc.DeliverMessage(frame)

	if s.State() != SessionReady {
		t.Fatalf("expected Ready after server receives HandshakeInit, got %s", s.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if gotType != "viewer" || gotID != "client-42" {
		t.Fatalf("handshake callback not invoked with expected identity: type=%q id=%q", gotType, gotID)
	}

	tag, payload := decodeSent(t, fc, 0)
	if tag != TagHandshakeResponse {
		t.Fatalf("expected server to reply with TagHandshakeResponse, got %s", tag)
	}
	resp := payload.(handshakeResponsePayload)
	if resp.NegotiatedCapabilities != CapabilitySchemaSync {
		t.Fatalf("expected negotiated capabilities to be the client's advertised set, got %d", resp.NegotiatedCapabilities)
	}
}

func TestClientTransitionsToReadyOnHandshakeResponse(t *testing.T) {
	s, _ := newSessionOnFake(t, nil)

	ready := make(chan struct{}, 1)
	s.SetHandshakeCallback(func(string, string) { ready <- struct{}{} })

	if err := s.PerformHandshake("editor", "c1"); err != nil {
		t.Fatalf("PerformHandshake: %v", err)
	}

	frame, err := encodeFrame(TagHandshakeResponse, handshakeResponsePayload{
		ServerVersion:          DefaultProtocolVersion,
		NegotiatedCapabilities: CapabilitySchemaSync,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	s.handleMessage(frame)

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("handshake callback never fired")
	}
	if s.State() != SessionReady {
		t.Fatalf("expected Ready, got %s", s.State())
	}
}

func TestSendBeforeReadyFails(t *testing.T) {
	s, _ := newSessionOnFake(t, nil)
	if err := s.SendEntityCreated(1, "App", "Widget", 0); err == nil {
		t.Fatalf("expected error sending before handshake completes")
	}
	kind, ok := KindOf(s.SendEntityDestroyed(1))
	if !ok || kind != ErrHandshakeFailed {
		t.Fatalf("expected ErrHandshakeFailed, got kind=%v ok=%v", kind, ok)
	}
}

func TestApplicationFrameBeforeHandshakeIsProtocolError(t *testing.T) {
	s, fc := newSessionOnFake(t, nil)

	var gotErr error
	var mu sync.Mutex
	s.SetErrorCallback(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		gotErr = err
	})

	frame, err := encodeFrame(TagEntityCreated, entityCreatedPayload{
		EntityID: 1, AppID: "app", TypeName: "Widget",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fc.DeliverMessage(frame)

	mu.Lock()
	defer mu.Unlock()
	if gotErr == nil {
		t.Fatalf("expected error callback to fire for an application frame received before any handshake")
	}
	if kind, ok := KindOf(gotErr); !ok || kind != ErrHandshakeFailed {
		t.Fatalf("expected ErrHandshakeFailed, got %v", gotErr)
	}
	if s.State() != SessionDisconnected {
		t.Fatalf("expected Disconnected after protocol error, got %s", s.State())
	}
}

func readyServerSession(t *testing.T) (*Session, *fakeConnection) {
	t.Helper()
	s, fc := newSessionOnFake(t, nil)
	frame, err := encodeFrame(TagHandshakeInit, handshakeInitPayload{
		ProtocolVersion: DefaultProtocolVersion,
		ClientType:      "editor",
		ClientID:        "c1",
		Capabilities:    DefaultSupportedCapabilities,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fc.DeliverMessage(frame)
	if s.State() != SessionReady {
		t.Fatalf("setup: expected Ready, got %s", s.State())
	}
	return s, fc
}

func TestDuplicateHandshakeInitIsProtocolError(t *testing.T) {
	s, fc := readyServerSession(t)

	var gotErr error
	var mu sync.Mutex
	s.SetErrorCallback(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		gotErr = err
	})

	frame, err := encodeFrame(TagHandshakeInit, handshakeInitPayload{
		ProtocolVersion: DefaultProtocolVersion,
		ClientType:      "editor",
		ClientID:        "c1",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fc.DeliverMessage(frame)

	mu.Lock()
	defer mu.Unlock()
	if gotErr == nil {
		t.Fatalf("expected error callback to fire for duplicate HandshakeInit")
	}
	if kind, ok := KindOf(gotErr); !ok || kind != ErrHandshakeFailed {
		t.Fatalf("expected ErrHandshakeFailed, got %v", gotErr)
	}
	if s.State() != SessionDisconnected {
		t.Fatalf("expected Disconnected after protocol error, got %s", s.State())
	}
}

func TestSendPropertyChangedValidatesAgainstRegistry(t *testing.T) {
	registry := NewPropertyRegistry()
	hash := ComputePropertyHash(1, "Transform", "position")
	if err := registry.RegisterProperty(PropertyMetadata{
		Hash: hash, EntityID: 1, ComponentType: "Transform", PropertyName: "position",
		PropertyType: PropertyTypeVec3, RegisteredAt: time.Now(),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	s, fc := newSessionOnFake(t, registry)
	if err := s.PerformHandshake("editor", "c1"); err != nil {
		t.Fatalf("PerformHandshake: %v", err)
	}
	resp, err := encodeFrame(TagHandshakeResponse, handshakeResponsePayload{ServerVersion: DefaultProtocolVersion})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s.handleMessage(resp)
	if !s.IsReady() {
		t.Fatalf("expected session ready")
	}

	if err := s.SendPropertyChanged(hash, Int32Value(5)); err == nil {
		t.Fatalf("expected type-mismatch error sending Int32Value for a Vec3 property")
	}
	if err := s.SendPropertyChanged(hash, Vec3Value{X: 1, Y: 2, Z: 3}); err != nil {
		t.Fatalf("expected valid SendPropertyChanged to succeed: %v", err)
	}

	tag, payload := decodeSent(t, fc, 1) // index 0 is HandshakeInit
	if tag != TagPropertyChanged {
		t.Fatalf("expected TagPropertyChanged, got %s", tag)
	}
	changed := payload.(propertyChangedPayload)
	if changed.Value.(Vec3Value) != (Vec3Value{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("unexpected value sent: %+v", changed.Value)
	}
}

func TestPropertyBatchPartialDecodeDeliversGoodPrefix(t *testing.T) {
	s, fc := readyServerSession(t)

	good, err := encodePropertyBatchEntry(PropertyBatchEntry{
		Hash:  ComputePropertyHash(1, "Transform", "position"),
		Value: Float32Value(1.5),
	})
	if err != nil {
		t.Fatalf("encode entry: %v", err)
	}

	var batchArgs []PropertyBatchEntry
	var batchErr error
	var mu sync.Mutex
	s.SetPropertyBatchCallback(func(_ time.Time, entries []PropertyBatchEntry) {
		mu.Lock()
		defer mu.Unlock()
		batchArgs = entries
	})
	s.SetErrorCallback(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		batchErr = err
	})

	frame, err := encodeFrame(TagPropertyBatch, propertyBatchPayload{
		Timestamp: time.Now(),
		Entries:   [][]byte{good, []byte("not a valid gob entry")},
	})
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	fc.DeliverMessage(frame)

	mu.Lock()
	defer mu.Unlock()
	if len(batchArgs) != 1 {
		t.Fatalf("expected the one decodable entry to be delivered, got %d entries", len(batchArgs))
	}
	if batchErr == nil {
		t.Fatalf("expected error callback to fire for the corrupt entry")
	}
}
