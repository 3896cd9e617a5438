package core

import "sync"

// SchemaPublishedFunc/SchemaUnpublishedFunc are the lifecycle callbacks a
// SchemaRegistry invokes on a true publish/unpublish transition. They are
// installed once, before concurrent publishing begins; they are not
// thread-safe to mutate while the registry is in use.
type SchemaPublishedFunc func(ComponentSchema)
type SchemaUnpublishedFunc func(ComponentTypeHash)

// SchemaRegistry is a thread-safe, content-addressed catalogue of
// component schemas: a map from typeHash to schema, a multimap from
// structuralHash to the typeHashes that share it, and a set of publicly
// discoverable typeHashes.
type SchemaRegistry struct {
	mu           sync.RWMutex
	byType       map[ComponentTypeHash]ComponentSchema
	byStructural map[PropertyHash128]map[ComponentTypeHash]struct{}
	public       map[ComponentTypeHash]struct{}

	onPublished   SchemaPublishedFunc
	onUnpublished SchemaUnpublishedFunc
}

// NewSchemaRegistry constructs an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		byType:       make(map[ComponentTypeHash]ComponentSchema),
		byStructural: make(map[PropertyHash128]map[ComponentTypeHash]struct{}),
		public:       make(map[ComponentTypeHash]struct{}),
	}
}

// SetPublishedCallback installs the callback fired on a true publish
// transition. Install before concurrent publishing begins.
func (r *SchemaRegistry) SetPublishedCallback(fn SchemaPublishedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPublished = fn
}

// SetUnpublishedCallback installs the callback fired on a true unpublish
// transition. Install before concurrent publishing begins.
func (r *SchemaRegistry) SetUnpublishedCallback(fn SchemaUnpublishedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUnpublished = fn
}

// RegisterSchema inserts schema. If its typeHash is already present with
// a matching (structuralHash, appId, componentName, schemaVersion) it
// succeeds idempotently and returns the existing typeHash. A typeHash
// collision with differing identity fails with ErrSchemaAlreadyExists.
func (r *SchemaRegistry) RegisterSchema(schema ComponentSchema) (ComponentTypeHash, error) {
	if schema.TypeHash.IsNull() {
		return ComponentTypeHash{}, NewError(ErrInvalidParameter, "schema has null typeHash")
	}
	if schema.StructuralHash.IsNull() {
		return ComponentTypeHash{}, NewError(ErrInvalidParameter, "schema has null structuralHash")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byType[schema.TypeHash]; ok {
		if existing.StructuralHash == schema.StructuralHash &&
			existing.AppID == schema.AppID &&
			existing.ComponentName == schema.ComponentName &&
			existing.SchemaVersion == schema.SchemaVersion {
			return schema.TypeHash, nil
		}
		return ComponentTypeHash{}, NewError(ErrSchemaAlreadyExists, "typeHash %s already registered with a different identity", schema.TypeHash)
	}

	r.byType[schema.TypeHash] = schema
	if r.byStructural[schema.StructuralHash] == nil {
		r.byStructural[schema.StructuralHash] = make(map[ComponentTypeHash]struct{})
	}
	r.byStructural[schema.StructuralHash][schema.TypeHash] = struct{}{}
	if schema.IsPublic {
		r.public[schema.TypeHash] = struct{}{}
	}
	return schema.TypeHash, nil
}

// GetSchema returns a copy of the schema registered under typeHash, if any.
func (r *SchemaRegistry) GetSchema(typeHash ComponentTypeHash) (ComponentSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byType[typeHash]
	return s, ok
}

// GetPublicSchemas returns every schema currently marked public.
func (r *SchemaRegistry) GetPublicSchemas() []ComponentSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ComponentSchema, 0, len(r.public))
	for th := range r.public {
		out = append(out, r.byType[th])
	}
	return out
}

// FindCompatibleSchemas returns every other typeHash that shares
// typeHash's structuralHash and is currently public.
func (r *SchemaRegistry) FindCompatibleSchemas(typeHash ComponentTypeHash) []ComponentTypeHash {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byType[typeHash]
	if !ok {
		return nil
	}
	var out []ComponentTypeHash
	for other := range r.byStructural[s.StructuralHash] {
		if other == typeHash {
			continue
		}
		if _, public := r.public[other]; public {
			out = append(out, other)
		}
	}
	return out
}

// AreCompatible reports whether both a and b exist and share a structural
// hash.
func (r *SchemaRegistry) AreCompatible(a, b ComponentTypeHash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sa, ok := r.byType[a]
	if !ok {
		return false
	}
	sb, ok := r.byType[b]
	if !ok {
		return false
	}
	return sa.StructuralHash == sb.StructuralHash
}

// ValidateDetailedCompatibility checks, field by field, that every
// property in the target schema is present in the source schema with an
// identical type tag, offset, and size. Fails with ErrSchemaNotFound if
// either typeHash is unregistered, or ErrSchemaIncompatible naming the
// offending property.
func (r *SchemaRegistry) ValidateDetailedCompatibility(source, target ComponentTypeHash) error {
	r.mu.RLock()
	src, ok := r.byType[source]
	if !ok {
		r.mu.RUnlock()
		return NewError(ErrSchemaNotFound, "source typeHash %s not registered", source)
	}
	tgt, ok := r.byType[target]
	r.mu.RUnlock()
	if !ok {
		return NewError(ErrSchemaNotFound, "target typeHash %s not registered", target)
	}

	byName := make(map[string]PropertyDefinition, len(src.Properties))
	for _, p := range src.Properties {
		byName[p.Name] = p
	}
	for _, want := range tgt.Properties {
		got, ok := byName[want.Name]
		if !ok {
			return NewError(ErrSchemaIncompatible, "source schema %s is missing property %q required by target %s", source, want.Name, target)
		}
		if !got.equal(want) {
			return NewError(ErrSchemaIncompatible, "property %q mismatch between %s and %s: type=%s offset=%d size=%d vs type=%s offset=%d size=%d",
				want.Name, target, source, want.Type, want.ByteOffset, want.ByteSize, got.Type, got.ByteOffset, got.ByteSize)
		}
	}
	return nil
}

// IsRegistered reports whether typeHash is known to the registry.
func (r *SchemaRegistry) IsRegistered(typeHash ComponentTypeHash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byType[typeHash]
	return ok
}

// IsPublic reports whether typeHash is currently in the public set.
func (r *SchemaRegistry) IsPublic(typeHash ComponentTypeHash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.public[typeHash]
	return ok
}

// SchemaCount returns the number of registered schemas.
func (r *SchemaRegistry) SchemaCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType)
}

// PublicSchemaCount returns the number of currently public schemas.
func (r *SchemaRegistry) PublicSchemaCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.public)
}

// PublishSchema marks typeHash as publicly discoverable. Idempotent: a
// call on an already-public schema is a no-op that does not re-fire the
// callback. The onPublished callback, if installed, fires outside the
// write lock only when membership actually changed, so a callback that
// re-enters the registry cannot deadlock.
func (r *SchemaRegistry) PublishSchema(typeHash ComponentTypeHash) error {
	r.mu.Lock()
	schema, ok := r.byType[typeHash]
	if !ok {
		r.mu.Unlock()
		return NewError(ErrSchemaNotFound, "typeHash %s not registered", typeHash)
	}
	_, wasPublic := r.public[typeHash]
	transitioned := !wasPublic
	if transitioned {
		r.public[typeHash] = struct{}{}
		schema.IsPublic = true
		r.byType[typeHash] = schema
	}
	cb := r.onPublished
	r.mu.Unlock()

	if transitioned && cb != nil {
		cb(schema)
	}
	return nil
}

// UnpublishSchema removes typeHash from the public set. Idempotent: a
// call on an already-private schema is a no-op that does not fire the
// callback. An unregistered typeHash fails with ErrSchemaNotFound.
func (r *SchemaRegistry) UnpublishSchema(typeHash ComponentTypeHash) error {
	r.mu.Lock()
	schema, ok := r.byType[typeHash]
	if !ok {
		r.mu.Unlock()
		return NewError(ErrSchemaNotFound, "typeHash %s not registered", typeHash)
	}
	_, wasPublic := r.public[typeHash]
	transitioned := wasPublic
	if transitioned {
		delete(r.public, typeHash)
		schema.IsPublic = false
		r.byType[typeHash] = schema
	}
	cb := r.onUnpublished
	r.mu.Unlock()

	if transitioned && cb != nil {
		cb(typeHash)
	}
	return nil
}

// SchemaRegistryStats is a consistent snapshot of aggregate registry
// counts, taken under a single shared lock.
type SchemaRegistryStats struct {
	Total         int
	Public        int
	PublicSchemas []ComponentSchema
}

// GetStats returns a consistent snapshot of schema counts and public
// schemas, all observed under one shared lock.
func (r *SchemaRegistry) GetStats() SchemaRegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	public := make([]ComponentSchema, 0, len(r.public))
	for th := range r.public {
		public = append(public, r.byType[th])
	}
	return SchemaRegistryStats{
		Total:         len(r.byType),
		Public:        len(r.public),
		PublicSchemas: public,
	}
}
