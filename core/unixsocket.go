package core

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	frameHeaderSize       = 4
	defaultUnixMaxMessage = 16 * 1024 * 1024
)

// UnixSocketConnection is a NetworkConnection backed by an AF_UNIX stream
// socket, framing messages as a 4-byte big-endian length prefix followed
// by the payload. It is the reference Local backend: the only transport
// this module can fully exercise without platform-specific build tags.
type UnixSocketConnection struct {
	BaseConnection

	socketPath string
	conn       net.Conn
	dialer     net.Dialer

	stateMu       sync.Mutex
	state         ConnectionState
	disconnecting bool

	sendMu sync.Mutex

	connectTimeout  time.Duration
	sendPollTimeout time.Duration
	sendMaxPolls    int
	maxMessageSize  int
	socketSendBuf   int
	socketRecvBuf   int

	stopRecv chan struct{}
	recvDone chan struct{}
}

// NewUnixSocketConnection constructs a client-side connection that will
// dial socketPath on Connect().
func NewUnixSocketConnection(socketPath string, cfg *ConnectionConfig) *UnixSocketConnection {
	c := &UnixSocketConnection{
		socketPath:      socketPath,
		state:           StateDisconnected,
		connectTimeout:  5 * time.Second,
		sendPollTimeout: 1 * time.Second,
		sendMaxPolls:    100,
		maxMessageSize:  defaultUnixMaxMessage,
	}
	if cfg != nil {
		if cfg.ConnectTimeout > 0 {
			c.connectTimeout = cfg.ConnectTimeout
		}
		if cfg.SendPollTimeout > 0 {
			c.sendPollTimeout = cfg.SendPollTimeout
		}
		if cfg.SendMaxPolls > 0 {
			c.sendMaxPolls = cfg.SendMaxPolls
		}
		if cfg.MaxMessageSize > 0 {
			c.maxMessageSize = cfg.MaxMessageSize
		}
		c.socketSendBuf = cfg.SocketSendBuf
		c.socketRecvBuf = cfg.SocketRecvBuf
	}
	return c
}

// adoptUnixSocketConnection wraps an already-accepted net.Conn (from
// LocalServer.Accept) as a server-side connection. The connection is
// already established; the receive loop starts immediately.
func adoptUnixSocketConnection(conn net.Conn, maxMessageSize int) *UnixSocketConnection {
	if maxMessageSize <= 0 {
		maxMessageSize = defaultUnixMaxMessage
	}
	c := &UnixSocketConnection{
		socketPath:      conn.RemoteAddr().String(),
		conn:            conn,
		state:           StateConnected,
		maxMessageSize:  maxMessageSize,
		sendPollTimeout: time.Second,
		sendMaxPolls:    100,
	}
	c.touchConnected()
	c.startReceiveLoop()
	return c
}

func (c *UnixSocketConnection) setState(s ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
	c.DeliverState(s)
}

func (c *UnixSocketConnection) touchConnected() {
	c.statsMu.Lock()
	now := time.Now()
	if c.stats.FirstConnectedAt.IsZero() {
		c.stats.FirstConnectedAt = now
	}
	c.stats.LastActivityAt = now
	c.statsMu.Unlock()
}

// Connect dials the configured socket path. State transitions are
// broadcast via the state callback at every step, and any failure parks
// the connection in StateFailed rather than leaving it ambiguous.
func (c *UnixSocketConnection) Connect() error {
	c.stateMu.Lock()
	if c.state != StateDisconnected {
		c.stateMu.Unlock()
		return NewError(ErrInvalidParameter, "already connected or connecting")
	}
	c.state = StateConnecting
	c.disconnecting = false
	c.stateMu.Unlock()
	c.DeliverState(StateConnecting)

	logrus.WithField("socket", c.socketPath).Info("connecting to unix socket")

	conn, err := c.dialer.Dial("unix", c.socketPath)
	if err != nil {
		c.setState(StateFailed)
		return WrapError(ErrConnectionClosed, err, "failed to connect to %s", c.socketPath)
	}

	if uc, ok := conn.(*net.UnixConn); ok {
		if c.socketSendBuf > 0 {
			_ = uc.SetWriteBuffer(c.socketSendBuf)
		}
		if c.socketRecvBuf > 0 {
			_ = uc.SetReadBuffer(c.socketRecvBuf)
		}
	}

	c.conn = conn
	c.touchConnected()
	c.setState(StateConnected)
	logrus.WithField("socket", c.socketPath).Info("connected to unix socket")

	c.startReceiveLoop()
	return nil
}

func (c *UnixSocketConnection) startReceiveLoop() {
	c.stopRecv = make(chan struct{})
	c.recvDone = make(chan struct{})
	go c.receiveLoop()
}

// Disconnect stops the receive loop and closes the socket. Idempotent,
// including against a concurrent Disconnect racing in from another
// goroutine (only the first caller performs the teardown).
func (c *UnixSocketConnection) Disconnect() error {
	c.stateMu.Lock()
	if c.state == StateDisconnected || c.disconnecting {
		c.stateMu.Unlock()
		return nil
	}
	c.disconnecting = true
	c.state = StateDisconnecting
	c.stateMu.Unlock()
	c.DeliverState(StateDisconnecting)

	if c.stopRecv != nil {
		close(c.stopRecv)
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.recvDone != nil {
		<-c.recvDone
	}

	c.ShutdownCallbacks()

	c.stateMu.Lock()
	c.state = StateDisconnected
	c.stateMu.Unlock()
	return nil
}

// IsConnected reports whether the connection is currently in StateConnected.
func (c *UnixSocketConnection) IsConnected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state == StateConnected
}

// GetState returns the current lifecycle state.
func (c *UnixSocketConnection) GetState() ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// GetType reports ConnectionLocal; Unix sockets are same-machine IPC.
func (c *UnixSocketConnection) GetType() ConnectionType { return ConnectionLocal }

// GetStats returns a snapshot of cumulative statistics.
func (c *UnixSocketConnection) GetStats() ConnectionStats { return c.Stats() }

// Send writes a length-prefixed frame, making at most sendMaxPolls write
// attempts on transient backpressure, each bounded by sendPollTimeout via
// the connection's write deadline.
func (c *UnixSocketConnection) Send(data []byte) error {
	return c.sendInternal(data)
}

// SendUnreliable is identical to Send: Unix sockets offer no unreliable
// delivery mode to fall back to.
func (c *UnixSocketConnection) SendUnreliable(data []byte) error {
	return c.sendInternal(data)
}

// TrySend always reports backpressure: a true non-blocking send would
// require an internal queue to avoid partial-frame corruption, which
// this backend does not implement.
func (c *UnixSocketConnection) TrySend(data []byte) error {
	if c.GetState() != StateConnected {
		return NewError(ErrConnectionClosed, "not connected")
	}
	if len(data) > c.maxMessageSize {
		return NewError(ErrInvalidParameter, "message too large")
	}
	return NewError(ErrWouldBlock, "non-blocking send not supported by UnixSocketConnection")
}

func (c *UnixSocketConnection) sendInternal(data []byte) error {
	if c.GetState() != StateConnected {
		return NewError(ErrConnectionClosed, "not connected")
	}
	if len(data) > c.maxMessageSize {
		return NewError(ErrInvalidParameter, "message too large: %d bytes", len(data))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	frame := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(frame[:frameHeaderSize], uint32(len(data)))
	copy(frame[frameHeaderSize:], data)

	if err := c.writeWithRetry(frame); err != nil {
		return err
	}

	c.recordSent(len(data))
	return nil
}

// writeWithRetry issues writes in a retry loop bounded by sendMaxPolls,
// each attempt given sendPollTimeout via the write deadline.
func (c *UnixSocketConnection) writeWithRetry(frame []byte) error {
	written := 0
	for attempt := 0; written < len(frame); attempt++ {
		if attempt >= c.sendMaxPolls {
			return NewError(ErrTimeout, "send timeout after %d attempts", c.sendMaxPolls)
		}
		if c.sendPollTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.sendPollTimeout))
		}
		n, err := c.conn.Write(frame[written:])
		written += n
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return WrapError(ErrConnectionClosed, err, "failed to write frame")
		}
	}
	return nil
}

// receiveLoop reads length-prefixed frames until the socket closes or
// Disconnect is requested, delivering each complete payload through
// BaseConnection.DeliverMessage.
func (c *UnixSocketConnection) receiveLoop() {
	defer close(c.recvDone)

	header := make([]byte, frameHeaderSize)
	for {
		select {
		case <-c.stopRecv:
			return
		default:
		}

		if _, err := io.ReadFull(c.conn, header); err != nil {
			c.handleReceiveError(err)
			return
		}

		length := binary.BigEndian.Uint32(header)
		if int(length) > c.maxMessageSize {
			logrus.WithField("socket", c.socketPath).Warn("peer sent oversized frame, closing")
			c.setState(StateFailed)
			return
		}

		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(c.conn, payload); err != nil {
				c.handleReceiveError(err)
				return
			}
		}

		c.DeliverMessage(payload)
	}
}

func (c *UnixSocketConnection) handleReceiveError(err error) {
	select {
	case <-c.stopRecv:
		// Disconnect() already initiated the close; the EOF/use-of-closed
		// error here is expected and not a failure.
		return
	default:
	}
	if err == io.EOF {
		c.setState(StateDisconnected)
		return
	}
	logrus.WithFields(logrus.Fields{"socket": c.socketPath, "error": err}).Warn("unix socket receive error")
	c.setState(StateFailed)
}

var _ NetworkConnection = (*UnixSocketConnection)(nil)
