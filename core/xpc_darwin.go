//go:build darwin

package core

/*
#cgo LDFLAGS: -lxpc
#include <xpc/xpc.h>
#include <dispatch/dispatch.h>
#include <stdlib.h>

extern void entropyXPCHandleEvent(void *ctx, xpc_object_t obj);

// entropy_xpc_connect creates the connection, stores ctx as its XPC
// context so the block below can recover the owning Go XPCConnection
// without capturing Go memory directly in C, and wires the event
// handler block before resuming delivery.
static xpc_connection_t entropy_xpc_connect(const char *serviceName, dispatch_queue_t queue, void *ctx) {
	xpc_connection_t conn = xpc_connection_create(serviceName, queue);
	xpc_connection_set_context(conn, ctx);
	xpc_connection_set_event_handler(conn, ^(xpc_object_t object) {
		entropyXPCHandleEvent(xpc_connection_get_context(conn), object);
	});
	xpc_connection_resume(conn);
	return conn;
}

static xpc_object_t entropy_xpc_wrap_payload(const void *bytes, size_t length) {
	xpc_object_t dict = xpc_dictionary_create(NULL, NULL, 0);
	xpc_object_t data = xpc_data_create(bytes, length);
	xpc_dictionary_set_value(dict, "payload", data);
	xpc_release(data);
	return dict;
}
*/
import "C"

import (
	"runtime/cgo"
	"sync"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// XPCConnection is the Apple-only Local NetworkConnection backend built
// on libxpc: messages are wrapped in an
// XPC dictionary under the "payload" key and delivered via the XPC event
// handler running on a private dispatch queue. This is the IPC mechanism
// iOS/iPadOS/visionOS require in place of Unix sockets, since sandboxing
// forbids AF_UNIX on those platforms.
type XPCConnection struct {
	BaseConnection

	serviceName string
	conn        C.xpc_connection_t
	queue       C.dispatch_queue_t

	stateMu sync.Mutex
	state   ConnectionState

	maxMessageSize int
	replyTimeout   time.Duration

	handle cgo.Handle // passed to C as the connection's opaque context
}

//export entropyXPCHandleEvent
func entropyXPCHandleEvent(ctx unsafe.Pointer, obj C.xpc_object_t) {
	h := cgo.Handle(uintptr(ctx))
	c, ok := h.Value().(*XPCConnection)
	if !ok {
		return
	}
	if C.xpc_get_type(obj) == C.XPC_TYPE_ERROR {
		c.handleError(obj)
		return
	}
	c.handleMessage(obj)
}

func newXPCConnection(serviceName string, cfg *ConnectionConfig) (*XPCConnection, error) {
	c := &XPCConnection{
		serviceName:    serviceName,
		state:          StateDisconnected,
		maxMessageSize: 64 * 1024 * 1024,
		replyTimeout:   5 * time.Second,
	}
	if cfg != nil {
		if cfg.XPCMaxMessageSize > 0 {
			c.maxMessageSize = cfg.XPCMaxMessageSize
		}
		if cfg.XPCReplyTimeout > 0 {
			c.replyTimeout = cfg.XPCReplyTimeout
		}
	}
	return c, nil
}

func (c *XPCConnection) setState(s ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
	c.DeliverState(s)
}

// Connect creates the XPC connection to the named service and resumes it
// on a private serial dispatch queue, registering this connection's
// event handler before the first message can arrive.
func (c *XPCConnection) Connect() error {
	c.stateMu.Lock()
	if c.state != StateDisconnected {
		c.stateMu.Unlock()
		return NewError(ErrInvalidParameter, "already connected or connecting")
	}
	c.state = StateConnecting
	c.stateMu.Unlock()
	c.DeliverState(StateConnecting)

	name := C.CString(c.serviceName)
	defer C.free(unsafe.Pointer(name))

	queue := C.dispatch_queue_create(name, nil)
	handle := cgo.NewHandle(c)
	conn := C.entropy_xpc_connect(name, queue, unsafe.Pointer(uintptr(handle)))

	c.queue = queue
	c.conn = conn
	c.handle = handle

	c.touchConnected()
	c.setState(StateConnected)
	return nil
}

func (c *XPCConnection) touchConnected() {
	c.statsMu.Lock()
	now := time.Now()
	if c.stats.FirstConnectedAt.IsZero() {
		c.stats.FirstConnectedAt = now
	}
	c.stats.LastActivityAt = now
	c.statsMu.Unlock()
}

// payloadKey is allocated once; xpc_dictionary_get_value is called per
// inbound message and must not leak a fresh C string each time.
var payloadKey = C.CString("payload")

func (c *XPCConnection) handleMessage(obj C.xpc_object_t) {
	payload := C.xpc_dictionary_get_value(obj, payloadKey)
	if payload == nil {
		return
	}
	length := C.xpc_data_get_length(payload)
	ptr := C.xpc_data_get_bytes_ptr(payload)
	data := C.GoBytes(unsafe.Pointer(ptr), C.int(length))
	c.DeliverMessage(data)
}

// handleError is only invoked for objects the event handler already
// identified as XPC_TYPE_ERROR. Both connection-invalid and
// connection-interrupted surface here as the remote end going away;
// neither libxpc error distinguishes cleanly from a normal close.
func (c *XPCConnection) handleError(obj C.xpc_object_t) {
	logrus.WithField("service", c.serviceName).Warn("xpc connection error")
	c.setState(StateDisconnected)
}

// Disconnect cancels the XPC connection and drains the dispatch queue.
func (c *XPCConnection) Disconnect() error {
	c.stateMu.Lock()
	if c.state == StateDisconnected {
		c.stateMu.Unlock()
		return nil
	}
	c.state = StateDisconnecting
	conn := c.conn
	c.stateMu.Unlock()
	c.DeliverState(StateDisconnecting)

	if conn != nil {
		C.xpc_connection_cancel(conn)
	}

	c.ShutdownCallbacks()

	if c.handle != 0 {
		c.handle.Delete()
		c.handle = 0
	}

	c.stateMu.Lock()
	c.state = StateDisconnected
	c.stateMu.Unlock()
	return nil
}

func (c *XPCConnection) IsConnected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state == StateConnected
}

func (c *XPCConnection) GetState() ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *XPCConnection) GetType() ConnectionType { return ConnectionLocal }

func (c *XPCConnection) GetStats() ConnectionStats { return c.Stats() }

// Send wraps data in an XPC dictionary under "payload" and transmits it
// as a one-way message.
func (c *XPCConnection) Send(data []byte) error {
	if c.GetState() != StateConnected {
		return NewError(ErrConnectionClosed, "not connected")
	}
	if len(data) > c.maxMessageSize {
		return NewError(ErrInvalidParameter, "message too large: %d bytes", len(data))
	}

	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = unsafe.Pointer(&data[0])
	}
	msg := C.entropy_xpc_wrap_payload(ptr, C.size_t(len(data)))
	C.xpc_connection_send_message(c.conn, msg)

	c.recordSent(len(data))
	return nil
}

// SendUnreliable is identical to Send: XPC message delivery is always
// reliable and ordered within a connection.
func (c *XPCConnection) SendUnreliable(data []byte) error { return c.Send(data) }

// TrySend always reports backpressure; XPC's async send API has no
// cheap way to probe queue depth without introducing its own tracking,
// which this backend does not implement.
func (c *XPCConnection) TrySend(data []byte) error {
	if c.GetState() != StateConnected {
		return NewError(ErrConnectionClosed, "not connected")
	}
	if len(data) > c.maxMessageSize {
		return NewError(ErrInvalidParameter, "message too large")
	}
	return NewError(ErrWouldBlock, "non-blocking send not supported by XPCConnection")
}

var _ NetworkConnection = (*XPCConnection)(nil)
