package core

import (
	"testing"
	"time"
)

func newSessionManagerFixture(t *testing.T, capacity uint32) (*SessionManager, *ConnectionManager) {
	t.Helper()
	connMgr := newTestManager(t, capacity)
	return NewSessionManager(connMgr, capacity), connMgr
}

func adoptConnectedFake(t *testing.T, connMgr *ConnectionManager) (ConnectionHandle, *fakeConnection) {
	t.Helper()
	fc := newFakeConnection(ConnectionLocal)
	h, err := connMgr.AdoptConnection(fc, ConnectionLocal)
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if err := connMgr.Connect(h); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return h, fc
}

func TestSessionManagerCreateAndCloseInvalidatesHandle(t *testing.T) {
	sm, connMgr := newSessionManagerFixture(t, 4)
	connHandle, _ := adoptConnectedFake(t, connMgr)

	h, err := sm.CreateSession(connHandle, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !h.Valid() {
		t.Fatalf("expected valid session handle")
	}
	if sm.ActiveCount() != 1 {
		t.Fatalf("expected ActiveCount 1, got %d", sm.ActiveCount())
	}

	if err := sm.CloseSession(h); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if h.Valid() {
		t.Fatalf("expected handle invalid after close")
	}
	if sm.ActiveCount() != 0 {
		t.Fatalf("expected ActiveCount 0 after close, got %d", sm.ActiveCount())
	}
}

func TestSessionManagerCapacityExhaustion(t *testing.T) {
	sm, connMgr := newSessionManagerFixture(t, 1)
	h1, _ := adoptConnectedFake(t, connMgr)
	h2, _ := adoptConnectedFake(t, connMgr)

	if _, err := sm.CreateSession(h1, nil); err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}
	if _, err := sm.CreateSession(h2, nil); err == nil {
		t.Fatalf("expected capacity error on second CreateSession")
	} else if kind, ok := KindOf(err); !ok || kind != ErrResourceLimitExceeded {
		t.Fatalf("expected ErrResourceLimitExceeded, got %v", err)
	}
}

func TestSessionManagerBroadcastsSchemaOnPublish(t *testing.T) {
	sm, connMgr := newSessionManagerFixture(t, 4)
	registry := NewSchemaRegistry()
	sm.BindSchemaRegistry(registry)

	connHandle, fc := adoptConnectedFake(t, connMgr)
	h, err := sm.CreateSession(connHandle, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	session := sm.Get(h)

	// Bring the session to Ready as a server so the internal onReady hook
	// catches it up, then publish a schema and confirm broadcast delivery.
	frame, err := encodeFrame(TagHandshakeInit, handshakeInitPayload{
		ProtocolVersion: DefaultProtocolVersion,
		ClientType:      "editor",
		ClientID:        "c1",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fc.DeliverMessage(frame)
	if !session.IsReady() {
		t.Fatalf("expected session ready")
	}

	schema, err := NewComponentSchema("App", "Transform", 1, vec3Props(), 40, false)
	if err != nil {
		t.Fatalf("NewComponentSchema: %v", err)
	}
	if _, err := registry.RegisterSchema(schema); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}
	if err := registry.PublishSchema(schema.TypeHash); err != nil {
		t.Fatalf("PublishSchema: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fc.mu.Lock()
		n := len(fc.sent)
		fc.mu.Unlock()
		if n >= 2 { // HandshakeResponse + SchemaAdvertisement
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	found := false
	for _, raw := range fc.sent {
		tag, payload, err := decodeFrame(raw)
		if err != nil {
			continue
		}
		if tag == TagSchemaAdvertisement {
			adv := payload.(schemaAdvertisementPayload)
			if adv.Schema.TypeHash == schema.TypeHash {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected a SchemaAdvertisement frame broadcast to the ready session, sent=%d frames", len(fc.sent))
	}
}

func TestSessionManagerGetReturnsNilForStaleHandle(t *testing.T) {
	sm, connMgr := newSessionManagerFixture(t, 2)
	connHandle, _ := adoptConnectedFake(t, connMgr)

	h, err := sm.CreateSession(connHandle, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := sm.CloseSession(h); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if sm.Get(h) != nil {
		t.Fatalf("expected nil Session for a stale handle")
	}
}
