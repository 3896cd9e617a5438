package core

import (
	"sync"
	"time"
)

// Property name/count limits. Generous by default; hitting one is a sign
// of unbounded registration, not normal load.
const (
	MaxNameLength          = 256
	MaxPropertiesPerEntity = 4096
	MaxTotalProperties     = 1_000_000
)

// PropertyMetadata describes a single registered property instance.
type PropertyMetadata struct {
	Hash          PropertyHash128
	EntityID      uint64
	ComponentType string
	PropertyName  string
	PropertyType  PropertyType
	RegisteredAt  time.Time
}

// matchesIgnoringTimestamp reports whether two metadata values describe the
// same property instance, ignoring RegisteredAt. Used to decide whether a
// re-registration is an idempotent refresh or a genuine hash collision.
func (m PropertyMetadata) matchesIgnoringTimestamp(other PropertyMetadata) bool {
	return m.Hash == other.Hash &&
		m.EntityID == other.EntityID &&
		m.ComponentType == other.ComponentType &&
		m.PropertyName == other.PropertyName &&
		m.PropertyType == other.PropertyType
}

// PropertyRegistry is a thread-safe store of PropertyMetadata keyed by
// PropertyHash128, with a secondary per-entity index. Reads take the
// shared lock; writes take the exclusive lock. The entity index is kept in
// exact correspondence with the main map under the writer lock at all
// times: no operation may observe one updated without the other.
type PropertyRegistry struct {
	mu       sync.RWMutex
	byHash   map[PropertyHash128]PropertyMetadata
	byEntity map[uint64]map[PropertyHash128]struct{}
}

// NewPropertyRegistry constructs an empty registry.
func NewPropertyRegistry() *PropertyRegistry {
	return &PropertyRegistry{
		byHash:   make(map[PropertyHash128]PropertyMetadata),
		byEntity: make(map[uint64]map[PropertyHash128]struct{}),
	}
}

// RegisterProperty validates and inserts metadata. If the hash is
// already present with matching identity fields it refreshes the stored
// timestamp and succeeds idempotently. A hash collision (same hash,
// different identity) fails with ErrHashCollision naming both identities.
func (r *PropertyRegistry) RegisterProperty(metadata PropertyMetadata) error {
	if metadata.ComponentType == "" || len(metadata.ComponentType) > MaxNameLength {
		return NewError(ErrInvalidParameter, "componentType must be non-empty and at most %d bytes", MaxNameLength)
	}
	if metadata.PropertyName == "" || len(metadata.PropertyName) > MaxNameLength {
		return NewError(ErrInvalidParameter, "propertyName must be non-empty and at most %d bytes", MaxNameLength)
	}
	if !metadata.PropertyType.Valid() {
		return NewError(ErrInvalidParameter, "unrecognized property type tag %d", metadata.PropertyType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byHash[metadata.Hash]; ok {
		if existing.matchesIgnoringTimestamp(metadata) {
			existing.RegisteredAt = metadata.RegisteredAt
			r.byHash[metadata.Hash] = existing
			return nil
		}
		return NewError(ErrHashCollision,
			"hash %s already registered to entity=%d component=%q property=%q, conflicts with entity=%d component=%q property=%q",
			metadata.Hash, existing.EntityID, existing.ComponentType, existing.PropertyName,
			metadata.EntityID, metadata.ComponentType, metadata.PropertyName)
	}

	if entityProps := r.byEntity[metadata.EntityID]; len(entityProps) >= MaxPropertiesPerEntity {
		return NewError(ErrResourceLimitExceeded, "entity %d already has %d properties (limit %d)", metadata.EntityID, len(entityProps), MaxPropertiesPerEntity)
	}
	if len(r.byHash) >= MaxTotalProperties {
		return NewError(ErrResourceLimitExceeded, "registry already holds %d properties (limit %d)", len(r.byHash), MaxTotalProperties)
	}

	r.byHash[metadata.Hash] = metadata
	if r.byEntity[metadata.EntityID] == nil {
		r.byEntity[metadata.EntityID] = make(map[PropertyHash128]struct{})
	}
	r.byEntity[metadata.EntityID][metadata.Hash] = struct{}{}
	return nil
}

// Lookup returns the metadata for hash, if registered.
func (r *PropertyRegistry) Lookup(hash PropertyHash128) (PropertyMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byHash[hash]
	return m, ok
}

// IsRegistered reports whether hash is present.
func (r *PropertyRegistry) IsRegistered(hash PropertyHash128) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byHash[hash]
	return ok
}

// ValidateType checks that hash is registered with the expected type tag.
func (r *PropertyRegistry) ValidateType(hash PropertyHash128, expected PropertyType) error {
	r.mu.RLock()
	m, ok := r.byHash[hash]
	r.mu.RUnlock()
	if !ok {
		return NewError(ErrUnknownProperty, "property hash %s is not registered", hash)
	}
	if m.PropertyType != expected {
		return NewError(ErrTypeMismatch, "property %s expected type %s, got %s", hash, m.PropertyType, expected)
	}
	return nil
}

// ValidatePropertyValue checks that hash is registered and that value's
// dynamic type tag matches the stored metadata's PropertyType.
func (r *PropertyRegistry) ValidatePropertyValue(hash PropertyHash128, value PropertyValue) error {
	r.mu.RLock()
	m, ok := r.byHash[hash]
	r.mu.RUnlock()
	if !ok {
		return NewError(ErrUnknownProperty, "property hash %s is not registered", hash)
	}
	observed := value.Type()
	if observed != m.PropertyType {
		return NewError(ErrTypeMismatch, "property %s: expected type %s, observed %s", hash, m.PropertyType, observed)
	}
	return nil
}

// GetEntityProperties returns a snapshot of all metadata registered for
// entityID. An entity with no properties (including one never seen)
// returns an empty, non-nil slice.
func (r *PropertyRegistry) GetEntityProperties(entityID uint64) []PropertyMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hashes := r.byEntity[entityID]
	out := make([]PropertyMetadata, 0, len(hashes))
	for h := range hashes {
		out = append(out, r.byHash[h])
	}
	return out
}

// UnregisterEntity removes every property registered for entityID and
// returns the removed hashes. Idempotent: unregistering an entity with no
// properties returns an empty slice and succeeds.
func (r *PropertyRegistry) UnregisterEntity(entityID uint64) []PropertyHash128 {
	r.mu.Lock()
	defer r.mu.Unlock()

	hashes := r.byEntity[entityID]
	removed := make([]PropertyHash128, 0, len(hashes))
	for h := range hashes {
		delete(r.byHash, h)
		removed = append(removed, h)
	}
	delete(r.byEntity, entityID)
	return removed
}

// UnregisterProperty removes a single property by hash, pruning the
// entity index if it becomes empty. Idempotent on an absent hash.
func (r *PropertyRegistry) UnregisterProperty(hash PropertyHash128) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byHash[hash]
	if !ok {
		return
	}
	delete(r.byHash, hash)
	if set := r.byEntity[m.EntityID]; set != nil {
		delete(set, hash)
		if len(set) == 0 {
			delete(r.byEntity, m.EntityID)
		}
	}
}

// Clear removes all registered properties.
func (r *PropertyRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHash = make(map[PropertyHash128]PropertyMetadata)
	r.byEntity = make(map[uint64]map[PropertyHash128]struct{})
}

// Size returns the number of registered properties.
func (r *PropertyRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHash)
}

// Empty reports whether the registry holds no properties.
func (r *PropertyRegistry) Empty() bool {
	return r.Size() == 0
}

// GetAllProperties returns a snapshot of every registered property.
func (r *PropertyRegistry) GetAllProperties() []PropertyMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PropertyMetadata, 0, len(r.byHash))
	for _, m := range r.byHash {
		out = append(out, m)
	}
	return out
}
