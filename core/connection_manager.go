package core

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const invalidSlotIndex = ^uint32(0)

// ConnectionHandle identifies one connection slot within a ConnectionManager,
// stamped with the generation the slot held when the handle was issued.
// A handle becomes invalid the instant its slot is closed and reused:
// the generation stamp lets the manager detect stale handles in O(1)
// without scanning, rather than requiring callers to coordinate closes.
type ConnectionHandle struct {
	owner      *ConnectionManager
	index      uint32
	generation uint32
}

// Valid reports whether the handle refers to a live, unreused slot.
func (h ConnectionHandle) Valid() bool {
	return h.owner != nil && h.owner.isValidHandle(h)
}

func (h ConnectionHandle) String() string {
	if h.owner == nil {
		return "ConnectionHandle(invalid)"
	}
	return fmt.Sprintf("ConnectionHandle(index=%d, generation=%d)", h.index, h.generation)
}

type connectionSlot struct {
	generation uint32 // accessed only via atomic
	nextFree   uint32 // accessed only via atomic; index of next free slot

	mu         sync.Mutex
	connection NetworkConnection
	connType   ConnectionType
	state      int32 // ConnectionState, accessed via atomic for lock-free reads

	// userStateCb has its own lock: backends fire state callbacks
	// synchronously from inside calls the manager makes while holding mu,
	// so mirrorState must never need mu itself.
	cbMu        sync.Mutex
	userStateCb StateCallback
}

// mirrorState updates the slot's cached state and then fans out to any
// user callback installed via SetStateCallback. This is the only
// callback ever wired to the backend directly; a user callback never
// replaces it, so GetState/IsConnected never go stale once a caller
// installs their own state callback.
func (s *connectionSlot) mirrorState(newState ConnectionState) {
	atomic.StoreInt32(&s.state, int32(newState))
	s.cbMu.Lock()
	cb := s.userStateCb
	s.cbMu.Unlock()
	if cb != nil {
		cb(newState)
	}
}

// ManagerMetrics is a snapshot of aggregate counters across every
// connection a ConnectionManager has ever owned.
type ManagerMetrics struct {
	TotalBytesSent       uint64
	TotalBytesReceived   uint64
	TotalMessagesSent    uint64
	TotalMessagesReceived uint64
	ConnectionsOpened    uint64
	ConnectionsFailed    uint64
	ConnectionsClosed    uint64
	WouldBlockSends      uint64
}

type managerMetricsCounters struct {
	totalBytesSent        uint64
	totalBytesReceived     uint64
	totalMessagesSent      uint64
	totalMessagesReceived  uint64
	connectionsOpened      uint64
	connectionsFailed      uint64
	connectionsClosed      uint64
	wouldBlockSends        uint64
}

// managerPromMetrics are the Prometheus collectors a ConnectionManager
// registers on construction. Registration is best-effort: an
// AlreadyRegisteredError (a second manager with the same label on the
// same registerer, e.g. the default registry in tests) is ignored, and
// that manager keeps updating its own collectors, which stay
// unregistered. Only the first manager registered under a label is
// exported.
type managerPromMetrics struct {
	activeConnections prometheus.Gauge
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	messagesSent      prometheus.Counter
	messagesReceived  prometheus.Counter
	opened            prometheus.Counter
	failed            prometheus.Counter
	closed            prometheus.Counter
	wouldBlock        prometheus.Counter
}

func newManagerPromMetrics(registerer prometheus.Registerer, label string) *managerPromMetrics {
	constLabels := prometheus.Labels{"manager": label}
	m := &managerPromMetrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "entropy",
			Subsystem:   "connections",
			Name:        "active",
			Help:        "Currently allocated connection slots.",
			ConstLabels: constLabels,
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entropy", Subsystem: "connections", Name: "bytes_sent_total",
			Help: "Total bytes sent across all connections.", ConstLabels: constLabels,
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entropy", Subsystem: "connections", Name: "bytes_received_total",
			Help: "Total bytes received across all connections.", ConstLabels: constLabels,
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entropy", Subsystem: "connections", Name: "messages_sent_total",
			Help: "Total messages sent across all connections.", ConstLabels: constLabels,
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entropy", Subsystem: "connections", Name: "messages_received_total",
			Help: "Total messages received across all connections.", ConstLabels: constLabels,
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entropy", Subsystem: "connections", Name: "opened_total",
			Help: "Total connections successfully opened or adopted.", ConstLabels: constLabels,
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entropy", Subsystem: "connections", Name: "failed_total",
			Help: "Total connection open/adopt failures.", ConstLabels: constLabels,
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entropy", Subsystem: "connections", Name: "closed_total",
			Help: "Total connections closed.", ConstLabels: constLabels,
		}),
		wouldBlock: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "entropy", Subsystem: "connections", Name: "would_block_sends_total",
			Help: "Total TrySend calls that reported backpressure.", ConstLabels: constLabels,
		}),
	}
	if registerer == nil {
		return m
	}
	for _, c := range []prometheus.Collector{
		m.activeConnections, m.bytesSent, m.bytesReceived, m.messagesSent,
		m.messagesReceived, m.opened, m.failed, m.closed, m.wouldBlock,
	} {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				// Anything other than a duplicate registration is a
				// programming error in the metric definitions above.
				panic(err)
			}
		}
	}
	return m
}

// ConnectionManager owns a fixed-capacity table of connection slots and
// hands out generation-stamped ConnectionHandles. Slot allocation and
// release go through a lock-free Treiber-stack free list packed into a
// single atomic uint64 (high 32 bits: ABA-guarding tag, low 32 bits: head
// index), avoiding a global lock on the hot open/close path. Per-slot
// state is still guarded by a per-slot mutex since backend construction
// and teardown are not lock-free operations.
type ConnectionManager struct {
	capacity     uint32
	slots        []connectionSlot
	freeListHead uint64 // packed (tag<<32 | index), accessed only via atomic
	activeCount  int64  // accessed only via atomic

	metrics managerMetricsCounters
	prom    *managerPromMetrics
}

// NewConnectionManager pre-allocates capacity slots, linking them into an
// initial free list, and registers Prometheus counters labeled with name
// (pass a unique label per manager instance to avoid collector
// collisions when running multiple managers in one process).
func NewConnectionManager(capacity uint32, name string) *ConnectionManager {
	return newConnectionManagerWithRegisterer(capacity, name, prometheus.DefaultRegisterer)
}

// NewConnectionManagerWithRegisterer is identical to NewConnectionManager
// but registers metrics against a caller-supplied registerer, which tests
// use to avoid polluting the global default registry.
func NewConnectionManagerWithRegisterer(capacity uint32, name string, registerer prometheus.Registerer) *ConnectionManager {
	return newConnectionManagerWithRegisterer(capacity, name, registerer)
}

func newConnectionManagerWithRegisterer(capacity uint32, name string, registerer prometheus.Registerer) *ConnectionManager {
	m := &ConnectionManager{
		capacity: capacity,
		slots:    make([]connectionSlot, capacity),
		prom:     newManagerPromMetrics(registerer, name),
	}
	for i := uint32(0); i < capacity; i++ {
		if i == capacity-1 {
			atomic.StoreUint32(&m.slots[i].nextFree, invalidSlotIndex)
		} else {
			atomic.StoreUint32(&m.slots[i].nextFree, i+1)
		}
		atomic.StoreUint32(&m.slots[i].generation, 1)
		atomic.StoreInt32(&m.slots[i].state, int32(StateDisconnected))
	}
	atomic.StoreUint64(&m.freeListHead, 0)
	return m
}

func packFreeListHead(index, tag uint32) uint64 {
	return uint64(tag)<<32 | uint64(index)
}

func unpackFreeListHead(head uint64) (index, tag uint32) {
	return uint32(head & 0xFFFFFFFF), uint32(head >> 32)
}

// allocateSlot pops one index off the lock-free free list via a
// compare-and-swap retry loop, returning invalidSlotIndex if the manager
// is at capacity.
func (m *ConnectionManager) allocateSlot() uint32 {
	for {
		head := atomic.LoadUint64(&m.freeListHead)
		index, tag := unpackFreeListHead(head)
		if index == invalidSlotIndex {
			return invalidSlotIndex
		}
		next := atomic.LoadUint32(&m.slots[index].nextFree)
		newHead := packFreeListHead(next, tag+1)
		if atomic.CompareAndSwapUint64(&m.freeListHead, head, newHead) {
			atomic.AddInt64(&m.activeCount, 1)
			return index
		}
	}
}

// returnSlotToFreeList bumps the slot's generation (invalidating every
// handle issued against it), clears the connection, and pushes the index
// back onto the free list.
func (m *ConnectionManager) returnSlotToFreeList(index uint32) {
	slot := &m.slots[index]
	atomic.AddUint32(&slot.generation, 1)

	slot.mu.Lock()
	slot.connection = nil
	slot.mu.Unlock()

	atomic.AddInt64(&m.activeCount, -1)

	for {
		old := atomic.LoadUint64(&m.freeListHead)
		oldIndex, tag := unpackFreeListHead(old)
		atomic.StoreUint32(&slot.nextFree, oldIndex)
		newHead := packFreeListHead(index, tag+1)
		if atomic.CompareAndSwapUint64(&m.freeListHead, old, newHead) {
			return
		}
	}
}

func (m *ConnectionManager) isValidHandle(h ConnectionHandle) bool {
	if h.owner != m || h.index >= m.capacity {
		return false
	}
	return atomic.LoadUint32(&m.slots[h.index].generation) == h.generation
}

// createLocalBackend selects a concrete Local NetworkConnection
// implementation. BackendAuto and BackendUnixSocket resolve to the Unix
// socket backend on every build target. BackendNamedPipe and BackendXPC
// select the platform-gated backends (core/namedpipe_windows.go,
// core/xpc_darwin.go), which fail with ErrInvalidParameter elsewhere.
func createLocalBackend(cfg ConnectionConfig) (NetworkConnection, error) {
	switch cfg.Backend {
	case BackendAuto, BackendUnixSocket:
		return NewUnixSocketConnection(cfg.Endpoint, &cfg), nil
	case BackendNamedPipe:
		return newNamedPipeConnection(cfg.Endpoint, &cfg)
	case BackendXPC:
		return newXPCConnection(cfg.Endpoint, &cfg)
	default:
		return nil, NewError(ErrInvalidParameter, "invalid backend for local connection: %d", cfg.Backend)
	}
}

func createRemoteBackend(cfg ConnectionConfig) (NetworkConnection, error) {
	return newWebRTCConnection(cfg)
}

// OpenLocalConnection opens a Local connection to endpoint using the
// platform-default backend.
func (m *ConnectionManager) OpenLocalConnection(endpoint string) ConnectionHandle {
	cfg := DefaultConnectionConfig()
	cfg.Type = ConnectionLocal
	cfg.Endpoint = endpoint
	h, _ := m.OpenConnection(cfg)
	return h
}

// OpenRemoteConnection opens a Remote (WebRTC) connection to signalingServer.
func (m *ConnectionManager) OpenRemoteConnection(signalingServer string, webrtcCfg WebRTCConfig, signaling SignalingCallbacks) ConnectionHandle {
	cfg := DefaultConnectionConfig()
	cfg.Type = ConnectionRemote
	cfg.Endpoint = signalingServer
	cfg.WebRTC = webrtcCfg
	cfg.Signaling = signaling
	h, _ := m.OpenConnection(cfg)
	return h
}

// OpenConnection allocates a slot and constructs the backend named by
// cfg.Type/cfg.Backend. Returns an invalid handle (and a non-nil error)
// if the manager is at capacity or the backend could not be constructed;
// a construction failure releases the slot back to the free list rather
// than leaking it.
func (m *ConnectionManager) OpenConnection(cfg ConnectionConfig) (ConnectionHandle, error) {
	index := m.allocateSlot()
	if index == invalidSlotIndex {
		return ConnectionHandle{}, NewError(ErrResourceLimitExceeded, "connection manager at capacity (%d)", m.capacity)
	}

	slot := &m.slots[index]
	generation := atomic.LoadUint32(&slot.generation)

	var backend NetworkConnection
	var err error
	if cfg.Type == ConnectionLocal {
		backend, err = createLocalBackend(cfg)
	} else {
		backend, err = createRemoteBackend(cfg)
	}
	if err != nil {
		m.returnSlotToFreeList(index)
		atomic.AddUint64(&m.metrics.connectionsFailed, 1)
		m.prom.failed.Inc()
		return ConnectionHandle{}, err
	}

	slot.mu.Lock()
	slot.connection = backend
	slot.connType = cfg.Type
	slot.mu.Unlock()
	atomic.StoreInt32(&slot.state, int32(StateDisconnected))

	atomic.AddUint64(&m.metrics.connectionsOpened, 1)
	m.prom.opened.Inc()
	m.prom.activeConnections.Set(float64(atomic.LoadInt64(&m.activeCount)))

	return ConnectionHandle{owner: m, index: index, generation: generation}, nil
}

// AdoptConnection wraps an already-constructed backend (typically one
// handed back by LocalServer.Accept) in a fresh slot, wiring its state
// callback to keep the slot's cached state synchronized.
func (m *ConnectionManager) AdoptConnection(backend NetworkConnection, connType ConnectionType) (ConnectionHandle, error) {
	if backend == nil {
		return ConnectionHandle{}, NewError(ErrInvalidParameter, "backend must not be nil")
	}

	index := m.allocateSlot()
	if index == invalidSlotIndex {
		return ConnectionHandle{}, NewError(ErrResourceLimitExceeded, "connection manager at capacity (%d)", m.capacity)
	}

	slot := &m.slots[index]
	generation := atomic.LoadUint32(&slot.generation)

	slot.mu.Lock()
	slot.connection = backend
	slot.connType = connType
	slot.mu.Unlock()
	atomic.StoreInt32(&slot.state, int32(backend.GetState()))

	backend.SetStateCallback(slot.mirrorState)

	atomic.AddUint64(&m.metrics.connectionsOpened, 1)
	m.prom.opened.Inc()
	m.prom.activeConnections.Set(float64(atomic.LoadInt64(&m.activeCount)))

	return ConnectionHandle{owner: m, index: index, generation: generation}, nil
}

func (m *ConnectionManager) slotFor(h ConnectionHandle) (*connectionSlot, error) {
	if !m.isValidHandle(h) {
		return nil, NewError(ErrInvalidParameter, "invalid connection handle")
	}
	return &m.slots[h.index], nil
}

// Connect initiates the backend's connection sequence and wires its
// state callback to the slot's cached state.
func (m *ConnectionManager) Connect(h ConnectionHandle) error {
	slot, err := m.slotFor(h)
	if err != nil {
		return err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.connection == nil {
		return NewError(ErrInvalidParameter, "connection not initialized")
	}

	connErr := slot.connection.Connect()
	atomic.StoreInt32(&slot.state, int32(slot.connection.GetState()))
	slot.connection.SetStateCallback(slot.mirrorState)

	if connErr != nil {
		atomic.AddUint64(&m.metrics.connectionsFailed, 1)
		m.prom.failed.Inc()
	}
	return connErr
}

// Disconnect tears down the backend but keeps the slot allocated; the
// handle remains valid until CloseConnection is called. The backend's
// Disconnect runs outside the slot mutex: teardown spin-waits for
// in-flight message callbacks to drain, and those callbacks may be
// blocked acquiring this very mutex inside Send.
func (m *ConnectionManager) Disconnect(h ConnectionHandle) error {
	slot, err := m.slotFor(h)
	if err != nil {
		return err
	}

	slot.mu.Lock()
	backend := slot.connection
	slot.mu.Unlock()
	if backend == nil {
		return nil
	}
	dErr := backend.Disconnect()
	atomic.StoreInt32(&slot.state, int32(StateDisconnected))
	return dErr
}

// CloseConnection disconnects (if needed) and releases the slot back to
// the free list, invalidating h and every other handle sharing its
// generation. The connection pointer is cleared under the slot mutex so
// concurrent sends observe a closed slot, but the backend's own teardown
// and the free-list return both happen outside it, for the same drain
// reason as Disconnect.
func (m *ConnectionManager) CloseConnection(h ConnectionHandle) error {
	slot, err := m.slotFor(h)
	if err != nil {
		return err
	}

	slot.mu.Lock()
	backend := slot.connection
	slot.connection = nil
	slot.mu.Unlock()

	if backend != nil {
		_ = backend.Disconnect()
	}
	atomic.StoreInt32(&slot.state, int32(StateDisconnected))

	m.returnSlotToFreeList(h.index)
	atomic.AddUint64(&m.metrics.connectionsClosed, 1)
	m.prom.closed.Inc()
	m.prom.activeConnections.Set(float64(atomic.LoadInt64(&m.activeCount)))
	return nil
}

// Send forwards a reliable send to the backend, updating manager-level
// aggregate counters on success.
func (m *ConnectionManager) Send(h ConnectionHandle, data []byte) error {
	slot, err := m.slotFor(h)
	if err != nil {
		return err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.connection == nil {
		return NewError(ErrConnectionClosed, "connection not initialized")
	}
	if sendErr := slot.connection.Send(data); sendErr != nil {
		return sendErr
	}
	m.recordSent(len(data))
	return nil
}

// SendUnreliable forwards an unreliable send, falling back to the
// backend's own Send if it has no unreliable channel.
func (m *ConnectionManager) SendUnreliable(h ConnectionHandle, data []byte) error {
	slot, err := m.slotFor(h)
	if err != nil {
		return err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.connection == nil {
		return NewError(ErrConnectionClosed, "connection not initialized")
	}
	if sendErr := slot.connection.SendUnreliable(data); sendErr != nil {
		return sendErr
	}
	m.recordSent(len(data))
	return nil
}

// TrySend forwards a non-blocking send attempt, incrementing the
// would-block counter whenever the backend reports backpressure.
func (m *ConnectionManager) TrySend(h ConnectionHandle, data []byte) error {
	slot, err := m.slotFor(h)
	if err != nil {
		return err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.connection == nil {
		return NewError(ErrConnectionClosed, "connection not initialized")
	}
	sendErr := slot.connection.TrySend(data)
	if sendErr != nil {
		if kind, ok := KindOf(sendErr); ok && kind == ErrWouldBlock {
			atomic.AddUint64(&m.metrics.wouldBlockSends, 1)
			m.prom.wouldBlock.Inc()
		}
		return sendErr
	}
	m.recordSent(len(data))
	return nil
}

func (m *ConnectionManager) recordSent(n int) {
	atomic.AddUint64(&m.metrics.totalBytesSent, uint64(n))
	atomic.AddUint64(&m.metrics.totalMessagesSent, 1)
	m.prom.bytesSent.Add(float64(n))
	m.prom.messagesSent.Inc()
}

// IsConnected reports whether the handle's cached slot state is Connected.
func (m *ConnectionManager) IsConnected(h ConnectionHandle) bool {
	if !m.isValidHandle(h) {
		return false
	}
	return ConnectionState(atomic.LoadInt32(&m.slots[h.index].state)) == StateConnected
}

// GetState returns the slot's cached ConnectionState without taking the
// per-slot lock (the state is kept current by the wired state callback).
func (m *ConnectionManager) GetState(h ConnectionHandle) ConnectionState {
	if !m.isValidHandle(h) {
		return StateDisconnected
	}
	return ConnectionState(atomic.LoadInt32(&m.slots[h.index].state))
}

// GetStats forwards to the backend's own statistics snapshot.
func (m *ConnectionManager) GetStats(h ConnectionHandle) ConnectionStats {
	slot, err := m.slotFor(h)
	if err != nil {
		return ConnectionStats{}
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.connection == nil {
		return ConnectionStats{}
	}
	return slot.connection.GetStats()
}

// GetConnectionType returns the Local/Remote type recorded at open time.
func (m *ConnectionManager) GetConnectionType(h ConnectionHandle) ConnectionType {
	slot, err := m.slotFor(h)
	if err != nil {
		return ConnectionLocal
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.connType
}

// IsValidHandle reports whether h refers to a live slot on this manager.
func (m *ConnectionManager) IsValidHandle(h ConnectionHandle) bool {
	return m.isValidHandle(h)
}

// SetMessageCallback installs the backend's message callback.
func (m *ConnectionManager) SetMessageCallback(h ConnectionHandle, cb MessageCallback) {
	slot, err := m.slotFor(h)
	if err != nil {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.connection != nil {
		slot.connection.SetMessageCallback(cb)
	}
}

// SetStateCallback installs a user state callback that composes with the
// manager's own state-mirror: the mirror always updates the slot's cached
// state first, then fans out to cb. This never touches the backend's
// callback directly, so GetState/IsConnected stay current regardless of
// whether a caller installs their own state callback.
func (m *ConnectionManager) SetStateCallback(h ConnectionHandle, cb StateCallback) {
	slot, err := m.slotFor(h)
	if err != nil {
		return
	}
	slot.cbMu.Lock()
	slot.userStateCb = cb
	slot.cbMu.Unlock()
}

// ActiveCount returns the number of currently allocated slots.
func (m *ConnectionManager) ActiveCount() int {
	return int(atomic.LoadInt64(&m.activeCount))
}

// Capacity returns the manager's fixed slot capacity.
func (m *ConnectionManager) Capacity() uint32 { return m.capacity }

// GetManagerMetrics returns a snapshot of aggregate counters.
func (m *ConnectionManager) GetManagerMetrics() ManagerMetrics {
	return ManagerMetrics{
		TotalBytesSent:        atomic.LoadUint64(&m.metrics.totalBytesSent),
		TotalBytesReceived:    atomic.LoadUint64(&m.metrics.totalBytesReceived),
		TotalMessagesSent:     atomic.LoadUint64(&m.metrics.totalMessagesSent),
		TotalMessagesReceived: atomic.LoadUint64(&m.metrics.totalMessagesReceived),
		ConnectionsOpened:     atomic.LoadUint64(&m.metrics.connectionsOpened),
		ConnectionsFailed:     atomic.LoadUint64(&m.metrics.connectionsFailed),
		ConnectionsClosed:     atomic.LoadUint64(&m.metrics.connectionsClosed),
		WouldBlockSends:       atomic.LoadUint64(&m.metrics.wouldBlockSends),
	}
}

// recordReceived is called by Session after a message has been decoded
// off a given handle's backend, keeping the manager's aggregate receive
// counters in sync even though individual backends track their own too.
func (m *ConnectionManager) recordReceived(n int) {
	atomic.AddUint64(&m.metrics.totalBytesReceived, uint64(n))
	atomic.AddUint64(&m.metrics.totalMessagesReceived, 1)
	m.prom.bytesReceived.Add(float64(n))
	m.prom.messagesReceived.Inc()
}

// Close disconnects and releases every still-allocated connection. Meant
// for process shutdown; concurrent OpenConnection calls during Close are
// not supported.
func (m *ConnectionManager) Close() {
	for i := range m.slots {
		slot := &m.slots[i]
		slot.mu.Lock()
		backend := slot.connection
		slot.connection = nil
		slot.mu.Unlock()
		if backend != nil {
			_ = backend.Disconnect()
		}
	}
}

func (m *ConnectionManager) String() string {
	return fmt.Sprintf("ConnectionManager(capacity=%d, active=%d)", m.capacity, m.ActiveCount())
}
