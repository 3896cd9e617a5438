package core

import "testing"

func mustSchema(t *testing.T, appID, name string, version uint32, public bool) ComponentSchema {
	t.Helper()
	s, err := NewComponentSchema(appID, name, version, vec3Props(), 40, public)
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	return s
}

func TestRegisterSchemaIdempotent(t *testing.T) {
	r := NewSchemaRegistry()
	s := mustSchema(t, "App", "Transform", 1, false)

	th1, err := r.RegisterSchema(s)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	th2, err := r.RegisterSchema(s)
	if err != nil {
		t.Fatalf("idempotent re-register should succeed: %v", err)
	}
	if th1 != th2 {
		t.Fatalf("expected same typeHash on idempotent re-register")
	}
	if r.SchemaCount() != 1 {
		t.Fatalf("expected registry size unchanged, got %d", r.SchemaCount())
	}
}

func TestRegisterSchemaRejectsNullHashes(t *testing.T) {
	r := NewSchemaRegistry()
	if _, err := r.RegisterSchema(ComponentSchema{}); err == nil {
		t.Fatalf("expected error for null typeHash/structuralHash")
	}
}

func TestCompatibilityBetweenDifferentIdentitiesSameLayout(t *testing.T) {
	r := NewSchemaRegistry()
	a := mustSchema(t, "AppA", "Transform", 1, true)
	b := mustSchema(t, "AppB", "Pose", 1, true)

	thA, err := r.RegisterSchema(a)
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	thB, err := r.RegisterSchema(b)
	if err != nil {
		t.Fatalf("register b: %v", err)
	}

	if !r.AreCompatible(thA, thB) {
		t.Fatalf("expected schemas with identical property layout to be compatible")
	}

	compat := r.FindCompatibleSchemas(thA)
	if len(compat) != 1 || compat[0] != thB {
		t.Fatalf("expected FindCompatibleSchemas(a) = {b}, got %v", compat)
	}
}

func TestFindCompatibleSchemasExcludesPrivate(t *testing.T) {
	r := NewSchemaRegistry()
	a := mustSchema(t, "AppA", "Transform", 1, true)
	b := mustSchema(t, "AppB", "Pose", 1, false) // private

	thA, _ := r.RegisterSchema(a)
	_, _ = r.RegisterSchema(b)

	if compat := r.FindCompatibleSchemas(thA); len(compat) != 0 {
		t.Fatalf("expected private compatible schema to be excluded, got %v", compat)
	}
}

func TestValidateDetailedCompatibility(t *testing.T) {
	r := NewSchemaRegistry()
	source := mustSchema(t, "App", "Transform", 1, false)
	subsetProps := vec3Props()[:2]
	target, err := NewComponentSchema("App", "TransformSubset", 1, subsetProps, 28, false)
	if err != nil {
		t.Fatalf("build target: %v", err)
	}

	thSrc, _ := r.RegisterSchema(source)
	thTgt, _ := r.RegisterSchema(target)

	if err := r.ValidateDetailedCompatibility(thSrc, thTgt); err != nil {
		t.Fatalf("expected compatibility, got %v", err)
	}

	unknown := ComponentTypeHash{High: 1, Low: 1}
	if err := r.ValidateDetailedCompatibility(unknown, thTgt); err == nil {
		t.Fatalf("expected SchemaNotFound for unregistered source")
	} else if kind, _ := KindOf(err); kind != ErrSchemaNotFound {
		t.Fatalf("expected ErrSchemaNotFound, got %v", err)
	}
}

func TestPublishUnpublishRoundTrip(t *testing.T) {
	r := NewSchemaRegistry()
	var publishedEvents []ComponentTypeHash
	var unpublishedEvents []ComponentTypeHash
	r.SetPublishedCallback(func(s ComponentSchema) { publishedEvents = append(publishedEvents, s.TypeHash) })
	r.SetUnpublishedCallback(func(th ComponentTypeHash) { unpublishedEvents = append(unpublishedEvents, th) })

	s := mustSchema(t, "App", "Transform", 1, false)
	th, err := r.RegisterSchema(s)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	initialPublicCount := r.PublicSchemaCount()

	if err := r.PublishSchema(th); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !r.IsPublic(th) {
		t.Fatalf("expected schema to be public after publish")
	}
	if len(publishedEvents) != 1 {
		t.Fatalf("expected exactly one publish callback, got %d", len(publishedEvents))
	}

	// Idempotent publish: no additional callback.
	if err := r.PublishSchema(th); err != nil {
		t.Fatalf("idempotent publish: %v", err)
	}
	if len(publishedEvents) != 1 {
		t.Fatalf("expected idempotent publish to not re-fire callback, got %d events", len(publishedEvents))
	}

	if err := r.UnpublishSchema(th); err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	if r.IsPublic(th) {
		t.Fatalf("expected schema private after unpublish")
	}
	if len(unpublishedEvents) != 1 {
		t.Fatalf("expected exactly one unpublish callback, got %d", len(unpublishedEvents))
	}

	if r.PublicSchemaCount() != initialPublicCount {
		t.Fatalf("expected publicSchemaCount to return to initial value, got %d want %d", r.PublicSchemaCount(), initialPublicCount)
	}

	// Idempotent unpublish: no additional callback.
	if err := r.UnpublishSchema(th); err != nil {
		t.Fatalf("idempotent unpublish: %v", err)
	}
	if len(unpublishedEvents) != 1 {
		t.Fatalf("expected idempotent unpublish to not re-fire callback, got %d events", len(unpublishedEvents))
	}
}

func TestGetStatsSnapshot(t *testing.T) {
	r := NewSchemaRegistry()
	a := mustSchema(t, "AppA", "Transform", 1, true)
	b := mustSchema(t, "AppB", "Pose", 2, false)
	if _, err := r.RegisterSchema(a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if _, err := r.RegisterSchema(b); err != nil {
		t.Fatalf("register b: %v", err)
	}

	stats := r.GetStats()
	if stats.Total != 2 {
		t.Fatalf("expected total 2, got %d", stats.Total)
	}
	if stats.Public != 1 {
		t.Fatalf("expected public 1, got %d", stats.Public)
	}
	if len(stats.PublicSchemas) != 1 {
		t.Fatalf("expected 1 public schema in snapshot, got %d", len(stats.PublicSchemas))
	}
}
