package core

import (
	"bytes"
	"encoding/gob"
	"time"
)

// MessageTag discriminates the frame payload carried over a session.
// Tags are stable ordinals within the serializer: adding or repurposing
// one is a protocol version bump.
type MessageTag int32

const (
	TagHandshakeInit MessageTag = iota + 1
	TagHandshakeResponse
	TagEntityCreated
	TagEntityDestroyed
	TagEntityParentChanged
	TagPropertyRegistered
	TagPropertyChanged
	TagPropertyBatch
	TagSchemaAdvertisement
	TagSchemaUnpublished
	TagError
)

func (t MessageTag) String() string {
	switch t {
	case TagHandshakeInit:
		return "HandshakeInit"
	case TagHandshakeResponse:
		return "HandshakeResponse"
	case TagEntityCreated:
		return "EntityCreated"
	case TagEntityDestroyed:
		return "EntityDestroyed"
	case TagEntityParentChanged:
		return "EntityParentChanged"
	case TagPropertyRegistered:
		return "PropertyRegistered"
	case TagPropertyChanged:
		return "PropertyChanged"
	case TagPropertyBatch:
		return "PropertyBatch"
	case TagSchemaAdvertisement:
		return "SchemaAdvertisement"
	case TagSchemaUnpublished:
		return "SchemaUnpublished"
	case TagError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Payload types. The wire codec itself is deliberately the thinnest
// possible plumbing: the protocol is defined by its message tag set, not
// by a particular serialization, and encoding/gob is the idiomatic Go
// choice for a Go-to-Go opaque frame format.

type handshakeInitPayload struct {
	ProtocolVersion uint32
	ClientType      string
	ClientID        string
	Capabilities    uint64
}

type handshakeResponsePayload struct {
	ServerVersion          uint32
	NegotiatedCapabilities uint64
}

type entityCreatedPayload struct {
	EntityID uint64
	AppID    string
	TypeName string
	ParentID uint64
}

type entityDestroyedPayload struct {
	EntityID uint64
}

type entityParentChangedPayload struct {
	EntityID    uint64
	NewParentID uint64
}

type propertyRegisteredPayload struct {
	Hash     PropertyHash128
	Metadata PropertyMetadata
}

type propertyChangedPayload struct {
	Hash  PropertyHash128
	Value PropertyValue
}

// PropertyBatchEntry is one (hash, value) pair within a property batch
// frame. Entries are encoded independently (see encodePropertyBatchEntry)
// so one corrupt entry cannot prevent decoding the ones before it.
type PropertyBatchEntry struct {
	Hash  PropertyHash128
	Value PropertyValue
}

type propertyBatchPayload struct {
	Timestamp time.Time
	Entries   [][]byte
}

type schemaAdvertisementPayload struct {
	Schema ComponentSchema
}

type schemaUnpublishedPayload struct {
	TypeHash ComponentTypeHash
}

type errorPayload struct {
	Kind    ErrorKind
	Message string
}

type frameEnvelope struct {
	Tag     MessageTag
	Payload any
}

func init() {
	gob.Register(handshakeInitPayload{})
	gob.Register(handshakeResponsePayload{})
	gob.Register(entityCreatedPayload{})
	gob.Register(entityDestroyedPayload{})
	gob.Register(entityParentChangedPayload{})
	gob.Register(propertyRegisteredPayload{})
	gob.Register(propertyChangedPayload{})
	gob.Register(propertyBatchPayload{})
	gob.Register(schemaAdvertisementPayload{})
	gob.Register(schemaUnpublishedPayload{})
	gob.Register(errorPayload{})

	gob.Register(Int32Value(0))
	gob.Register(Int64Value(0))
	gob.Register(Float32Value(0))
	gob.Register(Float64Value(0))
	gob.Register(Vec2Value{})
	gob.Register(Vec3Value{})
	gob.Register(Vec4Value{})
	gob.Register(QuatValue{})
	gob.Register(StringValue(""))
	gob.Register(BoolValue(false))
	gob.Register(BytesValue(nil))
	gob.Register(Int32ArrayValue(nil))
	gob.Register(Int64ArrayValue(nil))
	gob.Register(Float32ArrayValue(nil))
	gob.Register(Float64ArrayValue(nil))
	gob.Register(Vec2ArrayValue(nil))
	gob.Register(Vec3ArrayValue(nil))
	gob.Register(Vec4ArrayValue(nil))
	gob.Register(QuatArrayValue(nil))
}

// encodeFrame serializes tag and payload into a single opaque byte blob
// suitable for NetworkConnection.Send.
func encodeFrame(tag MessageTag, payload any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(frameEnvelope{Tag: tag, Payload: payload}); err != nil {
		return nil, WrapError(ErrInvalidMessage, err, "encode %s frame", tag)
	}
	return buf.Bytes(), nil
}

// decodeFrame recovers the tag and payload from a received message
// payload. A decode failure is always ErrInvalidMessage: the caller
// (Session.handleMessage) treats this as a malformed frame and
// disconnects.
func decodeFrame(data []byte) (MessageTag, any, error) {
	var env frameEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return 0, nil, WrapError(ErrInvalidMessage, err, "decode frame")
	}
	return env.Tag, env.Payload, nil
}

// encodePropertyBatchEntry serializes one batch entry independently of
// its siblings, so a corrupt entry can be skipped without losing the
// ones before it.
func encodePropertyBatchEntry(e PropertyBatchEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, WrapError(ErrInvalidMessage, err, "encode property batch entry")
	}
	return buf.Bytes(), nil
}

func decodePropertyBatchEntry(data []byte) (PropertyBatchEntry, error) {
	var e PropertyBatchEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return PropertyBatchEntry{}, WrapError(ErrInvalidMessage, err, "decode property batch entry")
	}
	return e, nil
}
