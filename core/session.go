package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionState is the per-connection protocol state machine:
// Init -> HandshakeInProgress -> Ready -> Disconnected. Only Ready admits
// application sends.
type SessionState int32

const (
	SessionInit SessionState = iota
	SessionHandshakeInProgress
	SessionReady
	SessionDisconnected
)

func (s SessionState) String() string {
	switch s {
	case SessionInit:
		return "Init"
	case SessionHandshakeInProgress:
		return "HandshakeInProgress"
	case SessionReady:
		return "Ready"
	case SessionDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// DefaultProtocolVersion is the protocol version this session
// implementation speaks and accepts.
const DefaultProtocolVersion uint32 = 1

// Capability bits negotiated during the handshake (the intersection of
// client-advertised and server-supported capabilities).
const (
	CapabilitySchemaSync uint64 = 1 << iota
	CapabilityPropertyBatch
	CapabilityUnreliableSend
)

// DefaultSupportedCapabilities is the capability set a Session advertises
// (as client) or supports (as server) unless overridden.
const DefaultSupportedCapabilities = CapabilitySchemaSync | CapabilityPropertyBatch | CapabilityUnreliableSend

// Handshake/application-event callback shapes.
type (
	SessionHandshakeFunc         func(clientType, clientID string)
	SessionEntityCreatedFunc     func(entityID uint64, appID, typeName string, parentID uint64)
	SessionEntityDestroyedFunc   func(entityID uint64)
	SessionEntityParentChangedFunc func(entityID, newParentID uint64)
	SessionPropertyRegisteredFunc func(hash PropertyHash128, metadata PropertyMetadata)
	SessionPropertyChangedFunc   func(hash PropertyHash128, value PropertyValue)
	SessionPropertyBatchFunc     func(timestamp time.Time, entries []PropertyBatchEntry)
	SessionSchemaAdvertisedFunc  func(schema ComponentSchema)
	SessionSchemaUnpublishedFunc func(typeHash ComponentTypeHash)
	SessionErrorFunc             func(err error)
)

// SessionStats is a snapshot of per-session message counters.
type SessionStats struct {
	MessagesSent     uint64
	MessagesReceived uint64
}

// Session owns one connection, a local property registry, and the
// handshake state machine. It installs exactly one message callback on
// its connection; inbound frames are parsed and dispatched to whichever
// per-tag callback the application installed.
//
// A Session does not distinguish "client" and "server" roles
// structurally; the role is a function of which side calls
// PerformHandshake first. Any Session that receives a HandshakeInit
// while still in SessionInit auto-responds as a server.
type Session struct {
	mgr      *ConnectionManager
	handle   ConnectionHandle
	registry *PropertyRegistry

	protocolVersion       uint32
	supportedCapabilities uint64

	mu                     sync.Mutex
	state                  SessionState
	gotInit                bool
	gotResponse            bool
	negotiatedCapabilities uint64
	clientType             string
	clientID               string

	onHandshake         SessionHandshakeFunc
	onEntityCreated     SessionEntityCreatedFunc
	onEntityDestroyed   SessionEntityDestroyedFunc
	onEntityParentMoved SessionEntityParentChangedFunc
	onPropRegistered    SessionPropertyRegisteredFunc
	onPropChanged       SessionPropertyChangedFunc
	onPropBatch         SessionPropertyBatchFunc
	onSchemaAdvertised  SessionSchemaAdvertisedFunc
	onSchemaUnpublished SessionSchemaUnpublishedFunc
	onError             SessionErrorFunc

	// internalOnReady is set by SessionManager to trigger schema
	// auto-broadcast; kept separate from the user-installed onHandshake
	// callback so installing one never silently drops the other.
	internalOnReady func()

	statsMu sync.Mutex
	stats   SessionStats
}

// NewSession constructs a Session over an already-open connection handle
// and wires its message callback through connMgr. registry may be nil if
// the application does not validate outgoing property values locally.
func NewSession(connMgr *ConnectionManager, handle ConnectionHandle, registry *PropertyRegistry) *Session {
	if registry == nil {
		registry = NewPropertyRegistry()
	}
	s := &Session{
		mgr:                   connMgr,
		handle:                handle,
		registry:              registry,
		protocolVersion:       DefaultProtocolVersion,
		supportedCapabilities: DefaultSupportedCapabilities,
		state:                 SessionInit,
	}
	connMgr.SetMessageCallback(handle, s.handleMessage)
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsReady reports whether the session has completed its handshake.
func (s *Session) IsReady() bool {
	return s.State() == SessionReady
}

// Stats returns a snapshot of per-session message counters.
func (s *Session) Stats() SessionStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Session) recordSent()     { s.statsMu.Lock(); s.stats.MessagesSent++; s.statsMu.Unlock() }
func (s *Session) recordReceived() { s.statsMu.Lock(); s.stats.MessagesReceived++; s.statsMu.Unlock() }

// --- callback installers ---

func (s *Session) SetHandshakeCallback(fn SessionHandshakeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHandshake = fn
}
func (s *Session) SetEntityCreatedCallback(fn SessionEntityCreatedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEntityCreated = fn
}
func (s *Session) SetEntityDestroyedCallback(fn SessionEntityDestroyedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEntityDestroyed = fn
}
func (s *Session) SetEntityParentChangedCallback(fn SessionEntityParentChangedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEntityParentMoved = fn
}
func (s *Session) SetPropertyRegisteredCallback(fn SessionPropertyRegisteredFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPropRegistered = fn
}
func (s *Session) SetPropertyChangedCallback(fn SessionPropertyChangedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPropChanged = fn
}
func (s *Session) SetPropertyBatchCallback(fn SessionPropertyBatchFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPropBatch = fn
}
func (s *Session) SetSchemaAdvertisedCallback(fn SessionSchemaAdvertisedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSchemaAdvertised = fn
}
func (s *Session) SetSchemaUnpublishedCallback(fn SessionSchemaUnpublishedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSchemaUnpublished = fn
}
func (s *Session) SetErrorCallback(fn SessionErrorFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

func (s *Session) setInternalOnReady(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.internalOnReady = fn
}

// --- handshake ---

// PerformHandshake must be called exactly once, while the session is in
// SessionInit. It sends a HandshakeInit and returns once the frame is on
// the wire; completion (transition to SessionReady) happens asynchronously
// on receipt of HandshakeResponse and is observed via IsReady or the
// handshake callback.
func (s *Session) PerformHandshake(clientType, clientID string) error {
	s.mu.Lock()
	if s.state != SessionInit {
		s.mu.Unlock()
		return NewError(ErrInvalidParameter, "PerformHandshake called outside Init state (current: %s)", s.state)
	}
	s.state = SessionHandshakeInProgress
	s.clientType = clientType
	s.clientID = clientID
	s.mu.Unlock()

	frame, err := encodeFrame(TagHandshakeInit, handshakeInitPayload{
		ProtocolVersion: s.protocolVersion,
		ClientType:      clientType,
		ClientID:        clientID,
		Capabilities:    s.supportedCapabilities,
	})
	if err != nil {
		return err
	}

	if err := s.mgr.Send(s.handle, frame); err != nil {
		s.mu.Lock()
		s.state = SessionDisconnected
		s.mu.Unlock()
		return WrapError(ErrNetworkError, err, "failed to send HandshakeInit")
	}
	s.recordSent()
	return nil
}

func (s *Session) handleHandshakeInit(p handshakeInitPayload) {
	s.mu.Lock()
	if s.state == SessionReady {
		s.mu.Unlock()
		s.protocolViolation(NewError(ErrHandshakeFailed, "duplicate HandshakeInit received after Ready"))
		return
	}
	if s.gotInit {
		s.mu.Unlock()
		s.protocolViolation(NewError(ErrHandshakeFailed, "duplicate HandshakeInit"))
		return
	}
	if p.ProtocolVersion != s.protocolVersion {
		s.mu.Unlock()
		s.protocolViolation(NewError(ErrHandshakeFailed, "unsupported protocol version %d (want %d)", p.ProtocolVersion, s.protocolVersion))
		return
	}

	s.gotInit = true
	s.clientType = p.ClientType
	s.clientID = p.ClientID
	s.negotiatedCapabilities = p.Capabilities & s.supportedCapabilities
	s.state = SessionReady
	hook := s.internalOnReady
	cb := s.onHandshake
	clientType, clientID := s.clientType, s.clientID
	negotiated := s.negotiatedCapabilities
	s.mu.Unlock()

	resp, err := encodeFrame(TagHandshakeResponse, handshakeResponsePayload{
		ServerVersion:          s.protocolVersion,
		NegotiatedCapabilities: negotiated,
	})
	if err != nil {
		s.protocolError(err)
		return
	}
	if err := s.mgr.Send(s.handle, resp); err != nil {
		logrus.WithError(err).Warn("session: failed to send HandshakeResponse")
	} else {
		s.recordSent()
	}

	if cb != nil {
		cb(clientType, clientID)
	}
	if hook != nil {
		hook()
	}
}

func (s *Session) handleHandshakeResponse(p handshakeResponsePayload) {
	s.mu.Lock()
	if s.state != SessionHandshakeInProgress {
		s.mu.Unlock()
		s.protocolViolation(NewError(ErrHandshakeFailed, "unexpected HandshakeResponse in state %s", s.state))
		return
	}
	if s.gotResponse {
		s.mu.Unlock()
		s.protocolViolation(NewError(ErrHandshakeFailed, "duplicate HandshakeResponse"))
		return
	}
	s.gotResponse = true
	s.negotiatedCapabilities = p.NegotiatedCapabilities
	s.state = SessionReady
	hook := s.internalOnReady
	cb := s.onHandshake
	clientType, clientID := s.clientType, s.clientID
	s.mu.Unlock()

	if cb != nil {
		cb(clientType, clientID)
	}
	if hook != nil {
		hook()
	}
}

// protocolError transitions the session to Disconnected, fires the error
// callback, and disconnects the underlying connection. Used for malformed
// frames and handshake protocol violations.
//
// The disconnect runs on its own goroutine: protocolError is almost
// always reached from inside the connection's message callback, and a
// backend's Disconnect waits for in-flight callbacks to drain before
// returning, including the one this call stack is currently executing.
func (s *Session) protocolError(err error) {
	s.mu.Lock()
	alreadyDisconnected := s.state == SessionDisconnected
	s.state = SessionDisconnected
	cb := s.onError
	s.mu.Unlock()

	if cb != nil {
		cb(err)
	}
	if !alreadyDisconnected {
		go func() {
			_ = s.mgr.Disconnect(s.handle)
		}()
	}
}

// protocolViolation is protocolError plus a best-effort Error frame to
// the peer, used for handshake-sequence violations where the remote side
// should learn why it is being dropped. Decode failures and received
// Error frames go through protocolError directly; echoing an Error at a
// peer that sent us garbage (or its own Error) would just bounce.
func (s *Session) protocolViolation(err error) {
	kind, ok := KindOf(err)
	if !ok {
		kind = ErrInvalidMessage
	}
	if frame, encErr := encodeFrame(TagError, errorPayload{Kind: kind, Message: err.Error()}); encErr == nil {
		if sendErr := s.mgr.Send(s.handle, frame); sendErr != nil {
			logrus.WithError(sendErr).Debug("session: could not deliver Error frame to peer")
		}
	}
	s.protocolError(err)
}

// --- application sends ---

func (s *Session) requireReady() error {
	if !s.IsReady() {
		return NewError(ErrHandshakeFailed, "session is not Ready")
	}
	return nil
}

func (s *Session) send(tag MessageTag, payload any) error {
	frame, err := encodeFrame(tag, payload)
	if err != nil {
		return err
	}
	if err := s.mgr.Send(s.handle, frame); err != nil {
		return WrapError(ErrNetworkError, err, "send %s failed", tag)
	}
	s.recordSent()
	return nil
}

// SendEntityCreated announces a new entity; parentID 0 denotes root.
func (s *Session) SendEntityCreated(entityID uint64, appID, typeName string, parentID uint64) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.send(TagEntityCreated, entityCreatedPayload{EntityID: entityID, AppID: appID, TypeName: typeName, ParentID: parentID})
}

// SendEntityDestroyed announces entity removal.
func (s *Session) SendEntityDestroyed(entityID uint64) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.send(TagEntityDestroyed, entityDestroyedPayload{EntityID: entityID})
}

// SendEntityParentChanged announces a reparenting.
func (s *Session) SendEntityParentChanged(entityID, newParentID uint64) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.send(TagEntityParentChanged, entityParentChangedPayload{EntityID: entityID, NewParentID: newParentID})
}

// SendPropertyRegistered announces a newly registered property instance.
func (s *Session) SendPropertyRegistered(hash PropertyHash128, metadata PropertyMetadata) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.send(TagPropertyRegistered, propertyRegisteredPayload{Hash: hash, Metadata: metadata})
}

// SendPropertyChanged sends an updated property value, validating it
// against the local PropertyRegistry first. Validation runs on every
// send path, not just some.
func (s *Session) SendPropertyChanged(hash PropertyHash128, value PropertyValue) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	if err := s.registry.ValidatePropertyValue(hash, value); err != nil {
		return err
	}
	return s.send(TagPropertyChanged, propertyChangedPayload{Hash: hash, Value: value})
}

// SendPropertyBatch sends a single atomic frame carrying a timestamp and
// the given (hash, value) entries. Each entry is validated against the
// local registry before being included.
func (s *Session) SendPropertyBatch(entries []PropertyBatchEntry) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	wire := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if err := s.registry.ValidatePropertyValue(e.Hash, e.Value); err != nil {
			return err
		}
		b, err := encodePropertyBatchEntry(e)
		if err != nil {
			return err
		}
		wire = append(wire, b)
	}
	return s.send(TagPropertyBatch, propertyBatchPayload{Timestamp: time.Now(), Entries: wire})
}

// SendSchemaAdvertisement announces a component schema to the peer.
func (s *Session) SendSchemaAdvertisement(schema ComponentSchema) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.send(TagSchemaAdvertisement, schemaAdvertisementPayload{Schema: schema})
}

// SendSchemaUnpublished announces that a schema is no longer public.
func (s *Session) SendSchemaUnpublished(typeHash ComponentTypeHash) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.send(TagSchemaUnpublished, schemaUnpublishedPayload{TypeHash: typeHash})
}

// --- inbound dispatch ---

// handleMessage is installed as the connection's message callback. It
// decodes one frame and dispatches it to the matching per-tag handler.
// Unknown tags are logged and dropped; decode failures are protocol
// errors that disconnect the session.
func (s *Session) handleMessage(data []byte) {
	tag, payload, err := decodeFrame(data)
	if err != nil {
		s.protocolError(err)
		return
	}
	s.recordReceived()
	s.mgr.recordReceived(len(data))

	if tag != TagHandshakeInit && tag != TagHandshakeResponse && s.State() == SessionInit {
		s.protocolViolation(NewError(ErrHandshakeFailed, "received tag %d before handshake began", int32(tag)))
		return
	}

	switch tag {
	case TagHandshakeInit:
		p, ok := payload.(handshakeInitPayload)
		if !ok {
			s.protocolError(NewError(ErrInvalidMessage, "malformed HandshakeInit payload"))
			return
		}
		s.handleHandshakeInit(p)
	case TagHandshakeResponse:
		p, ok := payload.(handshakeResponsePayload)
		if !ok {
			s.protocolError(NewError(ErrInvalidMessage, "malformed HandshakeResponse payload"))
			return
		}
		s.handleHandshakeResponse(p)
	case TagEntityCreated:
		p, ok := payload.(entityCreatedPayload)
		if !ok {
			s.protocolError(NewError(ErrInvalidMessage, "malformed EntityCreated payload"))
			return
		}
		if cb := s.getEntityCreatedCallback(); cb != nil {
			cb(p.EntityID, p.AppID, p.TypeName, p.ParentID)
		}
	case TagEntityDestroyed:
		p, ok := payload.(entityDestroyedPayload)
		if !ok {
			s.protocolError(NewError(ErrInvalidMessage, "malformed EntityDestroyed payload"))
			return
		}
		if cb := s.getEntityDestroyedCallback(); cb != nil {
			cb(p.EntityID)
		}
	case TagEntityParentChanged:
		p, ok := payload.(entityParentChangedPayload)
		if !ok {
			s.protocolError(NewError(ErrInvalidMessage, "malformed EntityParentChanged payload"))
			return
		}
		if cb := s.getEntityParentChangedCallback(); cb != nil {
			cb(p.EntityID, p.NewParentID)
		}
	case TagPropertyRegistered:
		p, ok := payload.(propertyRegisteredPayload)
		if !ok {
			s.protocolError(NewError(ErrInvalidMessage, "malformed PropertyRegistered payload"))
			return
		}
		if cb := s.getPropertyRegisteredCallback(); cb != nil {
			cb(p.Hash, p.Metadata)
		}
	case TagPropertyChanged:
		p, ok := payload.(propertyChangedPayload)
		if !ok {
			s.protocolError(NewError(ErrInvalidMessage, "malformed PropertyChanged payload"))
			return
		}
		if cb := s.getPropertyChangedCallback(); cb != nil {
			cb(p.Hash, p.Value)
		}
	case TagPropertyBatch:
		p, ok := payload.(propertyBatchPayload)
		if !ok {
			s.protocolError(NewError(ErrInvalidMessage, "malformed PropertyBatch payload"))
			return
		}
		s.dispatchPropertyBatch(p)
	case TagSchemaAdvertisement:
		p, ok := payload.(schemaAdvertisementPayload)
		if !ok {
			s.protocolError(NewError(ErrInvalidMessage, "malformed SchemaAdvertisement payload"))
			return
		}
		if !s.IsReady() {
			logrus.Debug("session: dropping SchemaAdvertisement received before Ready")
			return
		}
		if cb := s.getSchemaAdvertisedCallback(); cb != nil {
			cb(p.Schema)
		}
	case TagSchemaUnpublished:
		p, ok := payload.(schemaUnpublishedPayload)
		if !ok {
			s.protocolError(NewError(ErrInvalidMessage, "malformed SchemaUnpublished payload"))
			return
		}
		if cb := s.getSchemaUnpublishedCallback(); cb != nil {
			cb(p.TypeHash)
		}
	case TagError:
		p, ok := payload.(errorPayload)
		if !ok {
			s.protocolError(NewError(ErrInvalidMessage, "malformed Error payload"))
			return
		}
		s.protocolError(NewError(p.Kind, "%s", p.Message))
	default:
		logrus.WithField("tag", int32(tag)).Warn("session: dropping unknown message tag")
	}
}

// dispatchPropertyBatch decodes each entry independently, delivering the
// successfully-parsed prefix via the batch callback and emitting an Error
// for the remainder the instant one entry fails to decode.
func (s *Session) dispatchPropertyBatch(p propertyBatchPayload) {
	parsed := make([]PropertyBatchEntry, 0, len(p.Entries))
	var decodeErr error
	failedAt := -1
	for i, raw := range p.Entries {
		entry, err := decodePropertyBatchEntry(raw)
		if err != nil {
			decodeErr = err
			failedAt = i
			break
		}
		parsed = append(parsed, entry)
	}

	if cb := s.getPropertyBatchCallback(); cb != nil && len(parsed) > 0 {
		cb(p.Timestamp, parsed)
	}
	if decodeErr != nil {
		if cb := s.getErrorCallback(); cb != nil {
			cb(WrapError(ErrInvalidMessage, decodeErr, "property batch entry %d/%d failed to decode", failedAt, len(p.Entries)))
		}
	}
}

func (s *Session) getEntityCreatedCallback() SessionEntityCreatedFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onEntityCreated
}
func (s *Session) getEntityDestroyedCallback() SessionEntityDestroyedFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onEntityDestroyed
}
func (s *Session) getEntityParentChangedCallback() SessionEntityParentChangedFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onEntityParentMoved
}
func (s *Session) getPropertyRegisteredCallback() SessionPropertyRegisteredFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onPropRegistered
}
func (s *Session) getPropertyChangedCallback() SessionPropertyChangedFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onPropChanged
}
func (s *Session) getPropertyBatchCallback() SessionPropertyBatchFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onPropBatch
}
func (s *Session) getSchemaAdvertisedCallback() SessionSchemaAdvertisedFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onSchemaAdvertised
}
func (s *Session) getSchemaUnpublishedCallback() SessionSchemaUnpublishedFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onSchemaUnpublished
}
func (s *Session) getErrorCallback() SessionErrorFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onError
}
