package core

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func metaFor(entity uint64, component, name string, typ PropertyType) PropertyMetadata {
	return PropertyMetadata{
		Hash:          ComputePropertyHash(entity, component, name),
		EntityID:      entity,
		ComponentType: component,
		PropertyName:  name,
		PropertyType:  typ,
		RegisteredAt:  time.Now(),
	}
}

func TestRegisterPropertyAndLookup(t *testing.T) {
	reg := NewPropertyRegistry()
	m := metaFor(1, "Transform", "position", PropertyTypeVec3)

	if err := reg.RegisterProperty(m); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := reg.Lookup(m.Hash)
	if !ok {
		t.Fatalf("expected lookup to find registered property")
	}
	if got.ComponentType != "Transform" {
		t.Fatalf("unexpected metadata: %+v", got)
	}
	if reg.Size() != 1 {
		t.Fatalf("expected size 1, got %d", reg.Size())
	}
}

func TestRegisterPropertyIdempotentReRegistration(t *testing.T) {
	reg := NewPropertyRegistry()
	m := metaFor(1, "Transform", "position", PropertyTypeVec3)
	if err := reg.RegisterProperty(m); err != nil {
		t.Fatalf("register: %v", err)
	}

	later := m
	later.RegisteredAt = m.RegisteredAt.Add(time.Hour)
	if err := reg.RegisterProperty(later); err != nil {
		t.Fatalf("idempotent re-register should succeed, got: %v", err)
	}
	if reg.Size() != 1 {
		t.Fatalf("expected size unchanged at 1, got %d", reg.Size())
	}
	got, _ := reg.Lookup(m.Hash)
	if !got.RegisteredAt.Equal(later.RegisteredAt) {
		t.Fatalf("expected stored timestamp to be updated to %v, got %v", later.RegisteredAt, got.RegisteredAt)
	}
}

func TestRegisterPropertyHashCollision(t *testing.T) {
	reg := NewPropertyRegistry()
	m := metaFor(1, "Transform", "position", PropertyTypeVec3)
	if err := reg.RegisterProperty(m); err != nil {
		t.Fatalf("register: %v", err)
	}

	conflict := m
	conflict.ComponentType = "Other"
	err := reg.RegisterProperty(conflict)
	if err == nil {
		t.Fatalf("expected collision error")
	}
	kind, ok := KindOf(err)
	if !ok || kind != ErrHashCollision {
		t.Fatalf("expected ErrHashCollision, got %v", err)
	}
	if !strings.Contains(err.Error(), "Transform") || !strings.Contains(err.Error(), "Other") {
		t.Fatalf("expected diagnostic to name both identities, got: %v", err)
	}
}

func TestRegisterPropertyValidation(t *testing.T) {
	reg := NewPropertyRegistry()

	bad := metaFor(1, "", "position", PropertyTypeVec3)
	if err := reg.RegisterProperty(bad); err == nil {
		t.Fatalf("expected error for empty componentType")
	}

	bad2 := metaFor(1, "Transform", strings.Repeat("x", MaxNameLength+1), PropertyTypeVec3)
	if err := reg.RegisterProperty(bad2); err == nil {
		t.Fatalf("expected error for over-long propertyName")
	}

	okLen := metaFor(1, "Transform", strings.Repeat("x", MaxNameLength), PropertyTypeVec3)
	if err := reg.RegisterProperty(okLen); err != nil {
		t.Fatalf("expected max length name to be accepted: %v", err)
	}

	badType := metaFor(2, "Transform", "scale", PropertyType(999))
	if err := reg.RegisterProperty(badType); err == nil {
		t.Fatalf("expected error for unrecognized type tag")
	}
}

func TestPerEntityLimit(t *testing.T) {
	reg := NewPropertyRegistry()
	for i := 0; i < MaxPropertiesPerEntity; i++ {
		name := "p" + strconv.Itoa(i)
		m := metaFor(7, "C", name, PropertyTypeInt32)
		if err := reg.RegisterProperty(m); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	over := metaFor(7, "C", "overflow", PropertyTypeInt32)
	err := reg.RegisterProperty(over)
	if err == nil {
		t.Fatalf("expected resource limit error at entity cap")
	}
	if kind, _ := KindOf(err); kind != ErrResourceLimitExceeded {
		t.Fatalf("expected ErrResourceLimitExceeded, got %v", err)
	}
}

func TestValidatePropertyValue(t *testing.T) {
	reg := NewPropertyRegistry()
	m := metaFor(1, "Health", "current", PropertyTypeInt32)
	if err := reg.RegisterProperty(m); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := reg.ValidatePropertyValue(m.Hash, Int32Value(42)); err != nil {
		t.Fatalf("expected matching type to validate: %v", err)
	}

	err := reg.ValidatePropertyValue(m.Hash, Float32Value(1))
	if kind, _ := KindOf(err); kind != ErrTypeMismatch {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}

	unknownHash := ComputePropertyHash(999, "Nope", "nope")
	err = reg.ValidatePropertyValue(unknownHash, Int32Value(1))
	if kind, _ := KindOf(err); kind != ErrUnknownProperty {
		t.Fatalf("expected ErrUnknownProperty, got %v", err)
	}
}

func TestUnregisterEntityAndProperty(t *testing.T) {
	reg := NewPropertyRegistry()
	m1 := metaFor(1, "Transform", "position", PropertyTypeVec3)
	m2 := metaFor(1, "Transform", "rotation", PropertyTypeQuat)
	m3 := metaFor(2, "Transform", "position", PropertyTypeVec3)

	for _, m := range []PropertyMetadata{m1, m2, m3} {
		if err := reg.RegisterProperty(m); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	removed := reg.UnregisterEntity(1)
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed hashes, got %d", len(removed))
	}
	if reg.Size() != 1 {
		t.Fatalf("expected 1 property left, got %d", reg.Size())
	}
	if got := reg.GetEntityProperties(1); len(got) != 0 {
		t.Fatalf("expected empty snapshot for unregistered entity, got %d", len(got))
	}

	// idempotent on missing entity
	if removed2 := reg.UnregisterEntity(1); len(removed2) != 0 {
		t.Fatalf("expected idempotent unregister to return nothing, got %d", len(removed2))
	}

	reg.UnregisterProperty(m3.Hash)
	if !reg.Empty() {
		t.Fatalf("expected registry empty after removing last property")
	}
	if got := reg.GetEntityProperties(2); len(got) != 0 {
		t.Fatalf("expected entity index pruned, got %v", got)
	}
}

func TestClearAndGetAllProperties(t *testing.T) {
	reg := NewPropertyRegistry()
	for i := uint64(0); i < 5; i++ {
		m := metaFor(i, "C", "p", PropertyTypeBool)
		if err := reg.RegisterProperty(m); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if all := reg.GetAllProperties(); len(all) != 5 {
		t.Fatalf("expected 5 properties, got %d", len(all))
	}
	reg.Clear()
	if !reg.Empty() || reg.Size() != 0 {
		t.Fatalf("expected empty registry after Clear")
	}
}
