package core

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SessionHandle identifies one live Session owned by a SessionManager,
// stamped with a generation the same way ConnectionHandle is, so a
// session closed out from under a stale reference is detected rather
// than silently reused.
type SessionHandle struct {
	owner      *SessionManager
	index      uint32
	generation uint32
}

// Valid reports whether h still refers to a live session.
func (h SessionHandle) Valid() bool {
	return h.owner != nil && h.owner.isValidHandle(h)
}

type sessionSlot struct {
	mu         sync.Mutex
	generation uint32
	session    *Session
}

// SessionManager owns every Session multiplexed over one ConnectionManager
// and, optionally, subscribes to a SchemaRegistry to broadcast
// publish/unpublish events to every currently-Ready session: the
// network-facing half of schema distribution. Its slot table has
// ConnectionManager's shape (fixed capacity, generation-stamped handles)
// but uses a plain mutex-guarded slice rather than a lock-free free list,
// since session churn is orders of magnitude lower than raw connection
// churn.
type SessionManager struct {
	connMgr *ConnectionManager
	mu      sync.RWMutex
	slots   []sessionSlot
	free    []uint32

	registry *SchemaRegistry
}

// NewSessionManager constructs a SessionManager with room for capacity
// concurrent sessions, multiplexed over connMgr.
func NewSessionManager(connMgr *ConnectionManager, capacity uint32) *SessionManager {
	sm := &SessionManager{
		connMgr: connMgr,
		slots:   make([]sessionSlot, capacity),
		free:    make([]uint32, capacity),
	}
	for i := uint32(0); i < capacity; i++ {
		sm.slots[i].generation = 1
		sm.free[i] = capacity - 1 - i
	}
	return sm
}

// BindSchemaRegistry attaches registry and subscribes to its
// publish/unpublish events so every Ready session is sent a
// SchemaAdvertisement or SchemaUnpublished frame whenever the registry's
// public set changes. Call once, before schemas start publishing.
func (sm *SessionManager) BindSchemaRegistry(registry *SchemaRegistry) {
	sm.mu.Lock()
	sm.registry = registry
	sm.mu.Unlock()

	registry.SetPublishedCallback(func(schema ComponentSchema) {
		sm.broadcastSchemaAdvertisement(schema)
	})
	registry.SetUnpublishedCallback(func(typeHash ComponentTypeHash) {
		sm.broadcastSchemaUnpublished(typeHash)
	})
}

// CreateSession wraps connHandle in a new Session and returns a handle to
// it. The session's registry defaults to a fresh, empty PropertyRegistry
// when propRegistry is nil.
func (sm *SessionManager) CreateSession(connHandle ConnectionHandle, propRegistry *PropertyRegistry) (SessionHandle, error) {
	sm.mu.Lock()
	if len(sm.free) == 0 {
		sm.mu.Unlock()
		return SessionHandle{}, NewError(ErrResourceLimitExceeded, "session manager at capacity (%d)", len(sm.slots))
	}
	index := sm.free[len(sm.free)-1]
	sm.free = sm.free[:len(sm.free)-1]
	generation := sm.slots[index].generation
	sm.mu.Unlock()

	session := NewSession(sm.connMgr, connHandle, propRegistry)
	handle := SessionHandle{owner: sm, index: index, generation: generation}

	if sm.schemaBound() {
		session.setInternalOnReady(func() {
			sm.sendCurrentPublicSchemas(session)
		})
	}

	slot := &sm.slots[index]
	slot.mu.Lock()
	slot.session = session
	slot.mu.Unlock()

	return handle, nil
}

func (sm *SessionManager) schemaBound() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.registry != nil
}

// sendCurrentPublicSchemas pushes every schema currently public in the
// bound registry to session, invoked the instant that session reaches
// Ready so a late-joining peer is caught up rather than only seeing
// schemas published after it connected.
func (sm *SessionManager) sendCurrentPublicSchemas(session *Session) {
	sm.mu.RLock()
	registry := sm.registry
	sm.mu.RUnlock()
	if registry == nil {
		return
	}
	for _, schema := range registry.GetPublicSchemas() {
		if err := session.SendSchemaAdvertisement(schema); err != nil {
			logrus.WithError(err).Debug("session manager: failed to catch up session with public schema")
		}
	}
}

// CloseSession tears down the session at h (disconnecting its underlying
// connection) and returns its slot to the free list, invalidating h.
func (sm *SessionManager) CloseSession(h SessionHandle) error {
	sm.mu.Lock()
	if !sm.isValidHandleLocked(h) {
		sm.mu.Unlock()
		return NewError(ErrInvalidParameter, "invalid session handle")
	}
	slot := &sm.slots[h.index]
	slot.mu.Lock()
	session := slot.session
	slot.session = nil
	slot.mu.Unlock()
	slot.generation++
	sm.free = append(sm.free, h.index)
	sm.mu.Unlock()

	if session != nil {
		return session.mgr.Disconnect(session.handle)
	}
	return nil
}

func (sm *SessionManager) isValidHandle(h SessionHandle) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.isValidHandleLocked(h)
}

func (sm *SessionManager) isValidHandleLocked(h SessionHandle) bool {
	if h.owner != sm || int(h.index) >= len(sm.slots) {
		return false
	}
	return sm.slots[h.index].generation == h.generation
}

// Get returns the Session behind h, or nil if h is stale.
func (sm *SessionManager) Get(h SessionHandle) *Session {
	if !sm.isValidHandle(h) {
		return nil
	}
	slot := &sm.slots[h.index]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.session
}

// ActiveCount returns the number of currently allocated session slots.
func (sm *SessionManager) ActiveCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.slots) - len(sm.free)
}

// readySessions returns a snapshot of every session currently in
// SessionReady, taken under the manager's read lock.
func (sm *SessionManager) readySessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*Session, 0, len(sm.slots))
	for i := range sm.slots {
		sm.slots[i].mu.Lock()
		s := sm.slots[i].session
		sm.slots[i].mu.Unlock()
		if s != nil && s.IsReady() {
			out = append(out, s)
		}
	}
	return out
}

// broadcastSchemaAdvertisement fans SchemaAdvertisement out to every Ready
// session concurrently via errgroup, matching the accept-loop's use of
// errgroup as a supervised-goroutine primitive elsewhere in this package.
// A single session's send failure is logged, not propagated: one stale
// peer must never block delivery to the rest.
func (sm *SessionManager) broadcastSchemaAdvertisement(schema ComponentSchema) {
	sessions := sm.readySessions()
	g, _ := errgroup.WithContext(context.Background())
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.SendSchemaAdvertisement(schema); err != nil {
				logrus.WithError(err).Debug("session manager: schema advertisement broadcast failed for one session")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// broadcastSchemaUnpublished fans SchemaUnpublished out to every Ready
// session, mirroring broadcastSchemaAdvertisement.
func (sm *SessionManager) broadcastSchemaUnpublished(typeHash ComponentTypeHash) {
	sessions := sm.readySessions()
	g, _ := errgroup.WithContext(context.Background())
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.SendSchemaUnpublished(typeHash); err != nil {
				logrus.WithError(err).Debug("session manager: schema unpublish broadcast failed for one session")
			}
			return nil
		})
	}
	_ = g.Wait()
}
