package core

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState is the lifecycle state machine every NetworkConnection
// backend must expose: Disconnected -> Connecting -> Connected ->
// {Disconnecting, Failed} -> Disconnected. Every transition must be
// delivered via the state callback.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ConnectionType distinguishes local (same-machine IPC) from remote
// (peer-to-peer data channel) backends.
type ConnectionType int32

const (
	ConnectionLocal ConnectionType = iota
	ConnectionRemote
)

func (t ConnectionType) String() string {
	if t == ConnectionRemote {
		return "Remote"
	}
	return "Local"
}

// BackendKind selects which concrete transport backend a ConnectionConfig
// should construct for ConnectionManager.OpenConnection.
type BackendKind int32

const (
	BackendAuto BackendKind = iota
	BackendUnixSocket
	BackendNamedPipe
	BackendXPC
	BackendWebRTC
)

// ConnectionStats carries cumulative counters and activity timestamps for
// one connection.
type ConnectionStats struct {
	BytesSent         uint64
	BytesReceived     uint64
	MessagesSent      uint64
	MessagesReceived  uint64
	FirstConnectedAt  time.Time
	LastActivityAt    time.Time
}

// WebRTCConfig carries the ICE and data-channel options a WebRTC backend
// recognizes.
type WebRTCConfig struct {
	ICEServers       []string
	Proxy            string
	Bind             string
	PortRangeMin     uint16
	PortRangeMax     uint16
	MaxMessageSize   int
	EnableICETCP     bool
	Polite           bool
	DataChannelLabel string
}

// SignalingCallbacks are invoked by a WebRTC backend to hand the
// application SDP/ICE data that must travel over an out-of-band signaling
// channel (the signaling transport itself is outside this module's scope).
type SignalingCallbacks struct {
	OnLocalDescription func(sdpType, sdp string)
	OnLocalCandidate   func(candidate, mid string)
}

// ConnectionConfig is the recognized configuration record for opening a
// connection; zero fields fall back to documented defaults.
type ConnectionConfig struct {
	Type               ConnectionType
	Backend            BackendKind
	Endpoint           string
	ConnectTimeout     time.Duration
	SendPollTimeout    time.Duration
	SendMaxPolls       int
	RecvIdlePoll       time.Duration // < 0 disables poll-based idle wait
	MaxMessageSize     int
	SocketSendBuf      int
	SocketRecvBuf      int
	WebRTC             WebRTCConfig
	Signaling          SignalingCallbacks
	DataChannelLabel   string
	XPCMaxMessageSize  int
	XPCReplyTimeout    time.Duration
	XPCServiceName     string
}

// DefaultConnectionConfig returns a config populated with the documented
// defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ConnectTimeout:    5 * time.Second,
		SendPollTimeout:   1 * time.Second,
		SendMaxPolls:      100,
		RecvIdlePoll:      -1,
		MaxMessageSize:    16 * 1024 * 1024,
		DataChannelLabel:  "entropy-data",
		XPCMaxMessageSize: 64 * 1024 * 1024,
		XPCReplyTimeout:   5 * time.Second,
	}
}

// MessageCallback is invoked with a decoded application payload whenever a
// backend receives one.
type MessageCallback func(data []byte)

// StateCallback is invoked whenever a backend's ConnectionState changes.
type StateCallback func(state ConnectionState)

// NetworkConnection is the abstract transport contract every backend
// (Unix socket, named pipe, XPC, WebRTC) must implement. ConnectionManager
// and Session consume backends only through this interface.
type NetworkConnection interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetState() ConnectionState
	GetType() ConnectionType
	GetStats() ConnectionStats

	// Send is reliable and ordered. Implementations block, polling up to
	// SendPollTimeout x SendMaxPolls, returning ErrTimeout on exhaustion.
	Send(data []byte) error
	// SendUnreliable may fall back to Send if no unreliable channel exists.
	SendUnreliable(data []byte) error
	// TrySend is non-blocking and returns ErrWouldBlock when the message
	// cannot go out right now. The local stream backends (Unix socket,
	// named pipe, XPC) have no send queue and return ErrWouldBlock for
	// every valid message on a connected link.
	TrySend(data []byte) error

	SetMessageCallback(cb MessageCallback)
	SetStateCallback(cb StateCallback)
}

// BaseConnection implements the callback-teardown contract every backend
// embeds: atomic shutdown flag, in-flight-callback counter, copy-under-
// lock / invoke-after-release dispatch. Every backend in this module
// embeds it by value so the pattern cannot be accidentally skipped.
//
// Contract: a derived backend's teardown path MUST call
// ShutdownCallbacks() before releasing any state a callback might touch.
// After ShutdownCallbacks returns, no callback for this connection is (or
// ever again will be) executing.
type BaseConnection struct {
	cbMu      sync.Mutex
	onMessage MessageCallback
	onState   StateCallback

	activeCallbacks int32
	shutdown        int32

	statsMu sync.Mutex
	stats   ConnectionStats
}

// SetMessageCallback installs the message callback atomically.
func (b *BaseConnection) SetMessageCallback(cb MessageCallback) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.onMessage = cb
}

// SetStateCallback installs the state callback atomically.
func (b *BaseConnection) SetStateCallback(cb StateCallback) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.onState = cb
}

// DeliverMessage is called by a derived backend when a full frame payload
// has arrived. It updates receive stats and invokes the user callback
// under the teardown-safe protocol described on BaseConnection.
func (b *BaseConnection) DeliverMessage(data []byte) {
	if atomic.LoadInt32(&b.shutdown) != 0 {
		return
	}
	atomic.AddInt32(&b.activeCallbacks, 1)
	defer atomic.AddInt32(&b.activeCallbacks, -1)

	if atomic.LoadInt32(&b.shutdown) != 0 {
		return
	}

	b.recordReceived(len(data))

	b.cbMu.Lock()
	cb := b.onMessage
	b.cbMu.Unlock()

	if cb != nil {
		cb(data)
	}
}

// DeliverState is called by a derived backend when its ConnectionState
// changes. Same teardown-safe protocol as DeliverMessage.
func (b *BaseConnection) DeliverState(state ConnectionState) {
	if atomic.LoadInt32(&b.shutdown) != 0 {
		return
	}
	atomic.AddInt32(&b.activeCallbacks, 1)
	defer atomic.AddInt32(&b.activeCallbacks, -1)

	if atomic.LoadInt32(&b.shutdown) != 0 {
		return
	}

	b.cbMu.Lock()
	cb := b.onState
	b.cbMu.Unlock()

	if cb != nil {
		cb(state)
	}
}

// ShutdownCallbacks sets the shutdown flag and spin-yields until every
// in-flight callback invocation has returned. Call this from a derived
// backend's teardown path before releasing any resource a callback might
// dereference.
func (b *BaseConnection) ShutdownCallbacks() {
	atomic.StoreInt32(&b.shutdown, 1)
	for atomic.LoadInt32(&b.activeCallbacks) > 0 {
		runtime.Gosched()
	}
}

// recordSent updates cumulative send stats and bumps last-activity (and,
// on the first call, first-connect) timestamps.
func (b *BaseConnection) recordSent(n int) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.stats.BytesSent += uint64(n)
	b.stats.MessagesSent++
	b.touchActivityLocked()
}

// recordReceived updates cumulative receive stats and activity timestamps.
func (b *BaseConnection) recordReceived(n int) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.stats.BytesReceived += uint64(n)
	b.stats.MessagesReceived++
	b.touchActivityLocked()
}

func (b *BaseConnection) touchActivityLocked() {
	now := time.Now()
	if b.stats.FirstConnectedAt.IsZero() {
		b.stats.FirstConnectedAt = now
	}
	b.stats.LastActivityAt = now
}

// Stats returns a snapshot of the connection's cumulative statistics.
func (b *BaseConnection) Stats() ConnectionStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}
