package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// PropertyDefinition describes a single field within a component's binary
// layout: its name, type tag, byte offset, and byte size.
type PropertyDefinition struct {
	Name       string
	Type       PropertyType
	ByteOffset uint64
	ByteSize   uint64
}

func (d PropertyDefinition) equal(other PropertyDefinition) bool {
	return d.Name == other.Name && d.Type == other.Type &&
		d.ByteOffset == other.ByteOffset && d.ByteSize == other.ByteSize
}

// ComponentSchema describes the complete binary layout of a component
// type, including nominal identity (appId, componentName, schemaVersion)
// and structural identity (the ordered property list and its structural
// hash).
type ComponentSchema struct {
	TypeHash       ComponentTypeHash
	AppID          string
	ComponentName  string
	SchemaVersion  uint32
	StructuralHash PropertyHash128
	Properties     []PropertyDefinition
	TotalSize      uint64
	IsPublic       bool
}

// ComputeStructuralHash hashes the ordered property list: for each
// property, in list order, (name bytes || typeTag as 4-byte BE || offset
// as 8-byte BE || size as 8-byte BE), concatenated with no separators and
// truncated to the high 128 bits of SHA-256. Reordering properties changes
// the hash; this is intentional, since field order is part of the
// structural identity of a component's memory layout.
func ComputeStructuralHash(properties []PropertyDefinition) PropertyHash128 {
	h := sha256.New()
	var typeBuf [4]byte
	var numBuf [8]byte
	for _, p := range properties {
		h.Write([]byte(p.Name))
		binary.BigEndian.PutUint32(typeBuf[:], uint32(p.Type))
		h.Write(typeBuf[:])
		binary.BigEndian.PutUint64(numBuf[:], p.ByteOffset)
		h.Write(numBuf[:])
		binary.BigEndian.PutUint64(numBuf[:], p.ByteSize)
		h.Write(numBuf[:])
	}
	var digest [sha256.Size]byte
	copy(digest[:], h.Sum(nil))
	return truncate128(digest)
}

// ComputeTypeHash derives the nominal+structural identity hash:
// SHA-256(appId || componentName || schemaVersion as 4-byte BE ||
// structuralHash.High as 8-byte BE || structuralHash.Low as 8-byte BE),
// truncated to the high 128 bits.
func ComputeTypeHash(appID, componentName string, schemaVersion uint32, structuralHash PropertyHash128) ComponentTypeHash {
	h := sha256.New()
	h.Write([]byte(appID))
	h.Write([]byte(componentName))
	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], schemaVersion)
	h.Write(verBuf[:])
	var halfBuf [8]byte
	binary.BigEndian.PutUint64(halfBuf[:], structuralHash.High)
	h.Write(halfBuf[:])
	binary.BigEndian.PutUint64(halfBuf[:], structuralHash.Low)
	h.Write(halfBuf[:])
	var digest [sha256.Size]byte
	copy(digest[:], h.Sum(nil))
	return truncate128(digest)
}

// NewComponentSchema validates the given fields and, on success, returns a
// ComponentSchema with structuralHash and typeHash freshly computed. The
// hashes are always derived, never trusted input, so deserialized schemas
// are re-verified rather than taken on faith.
//
// Validated invariants:
//  1. appID and componentName are non-empty; properties is non-empty.
//  2. Every property's Type is a recognized tag.
//  3. For every property, ByteOffset+ByteSize <= totalSize.
//  4. No two properties' byte ranges overlap.
func NewComponentSchema(appID, componentName string, schemaVersion uint32, properties []PropertyDefinition, totalSize uint64, isPublic bool) (ComponentSchema, error) {
	if appID == "" {
		return ComponentSchema{}, NewError(ErrInvalidParameter, "appId must be non-empty")
	}
	if componentName == "" {
		return ComponentSchema{}, NewError(ErrInvalidParameter, "componentName must be non-empty")
	}
	if len(properties) == 0 {
		return ComponentSchema{}, NewError(ErrInvalidParameter, "properties must be non-empty")
	}

	for _, p := range properties {
		if !p.Type.Valid() {
			return ComponentSchema{}, NewError(ErrInvalidParameter, "property %q has unrecognized type tag %d", p.Name, p.Type)
		}
		if p.ByteOffset+p.ByteSize > totalSize {
			return ComponentSchema{}, NewError(ErrInvalidParameter, "property %q range [%d,%d) exceeds totalSize %d", p.Name, p.ByteOffset, p.ByteOffset+p.ByteSize, totalSize)
		}
	}

	for i := 0; i < len(properties); i++ {
		for j := i + 1; j < len(properties); j++ {
			p, q := properties[i], properties[j]
			if p.ByteOffset < q.ByteOffset+q.ByteSize && q.ByteOffset < p.ByteOffset+p.ByteSize {
				return ComponentSchema{}, NewError(ErrInvalidParameter, "properties %q and %q have overlapping byte ranges", p.Name, q.Name)
			}
		}
	}

	structuralHash := ComputeStructuralHash(properties)
	typeHash := ComputeTypeHash(appID, componentName, schemaVersion, structuralHash)

	propsCopy := make([]PropertyDefinition, len(properties))
	copy(propsCopy, properties)

	return ComponentSchema{
		TypeHash:       typeHash,
		AppID:          appID,
		ComponentName:  componentName,
		SchemaVersion:  schemaVersion,
		StructuralHash: structuralHash,
		Properties:     propsCopy,
		TotalSize:      totalSize,
		IsPublic:       isPublic,
	}, nil
}

// Revalidate recomputes structuralHash and typeHash from the schema's own
// fields and checks they match the stored values. Callers that deserialize
// a ComponentSchema from the wire MUST call this before trusting it;
// mismatch means the payload was corrupted or tampered with.
func (s ComponentSchema) Revalidate() error {
	wantStructural := ComputeStructuralHash(s.Properties)
	if wantStructural != s.StructuralHash {
		return NewError(ErrSchemaValidationFailed, "structural hash mismatch: stored %s, recomputed %s", s.StructuralHash, wantStructural)
	}
	wantType := ComputeTypeHash(s.AppID, s.ComponentName, s.SchemaVersion, wantStructural)
	if wantType != s.TypeHash {
		return NewError(ErrSchemaValidationFailed, "type hash mismatch: stored %s, recomputed %s", s.TypeHash, wantType)
	}
	return nil
}

// IsStructurallyCompatible reports whether s and other share a structural
// hash, i.e. an O(1) fast-path compatibility check by field layout alone.
func (s ComponentSchema) IsStructurallyCompatible(other ComponentSchema) bool {
	return s.StructuralHash == other.StructuralHash
}

// CanReadFrom performs a per-field subset-compatibility check: every
// property in s must be present in other with an identical type tag,
// offset, and size. It is the same check
// SchemaRegistry.ValidateDetailedCompatibility runs on registered
// typeHashes, exposed directly on the schema for callers that already
// hold both schemas in hand.
func (s ComponentSchema) CanReadFrom(other ComponentSchema) error {
	byName := make(map[string]PropertyDefinition, len(other.Properties))
	for _, p := range other.Properties {
		byName[p.Name] = p
	}
	for _, want := range s.Properties {
		got, ok := byName[want.Name]
		if !ok {
			return NewError(ErrSchemaIncompatible, "target schema is missing property %q", want.Name)
		}
		if !got.equal(want) {
			return NewError(ErrSchemaIncompatible, "property %q mismatch: want type=%s offset=%d size=%d, got type=%s offset=%d size=%d",
				want.Name, want.Type, want.ByteOffset, want.ByteSize, got.Type, got.ByteOffset, got.ByteSize)
		}
	}
	return nil
}

// CanonicalString renders a deterministic, sorted-by-name string form of
// the schema, useful for logging and diagnostics. It is never used as
// hashing input; hashing always uses the raw byte layout in declared
// property order, per ComputeStructuralHash/ComputeTypeHash.
func (s ComponentSchema) CanonicalString() string {
	props := make([]PropertyDefinition, len(s.Properties))
	copy(props, s.Properties)
	sort.Slice(props, func(i, j int) bool { return props[i].Name < props[j].Name })

	parts := make([]string, 0, len(props))
	for _, p := range props {
		parts = append(parts, fmt.Sprintf("%s:%s:%d:%d", p.Name, p.Type, p.ByteOffset, p.ByteSize))
	}
	return fmt.Sprintf("%s.%s@%d{%s}", s.AppID, s.ComponentName, s.SchemaVersion, strings.Join(parts, ","))
}
