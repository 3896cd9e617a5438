//go:build windows

package core

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/windows"
)

// NamedPipeConnection is the Windows Local NetworkConnection backend,
// framing messages as a 4-byte little-endian length prefix followed by
// the payload. Pipe peers write the length in host order, unlike the
// Unix socket backend's network-order framing; the two framings are not
// interchangeable.
type NamedPipeConnection struct {
	BaseConnection

	pipeName string
	handle   windows.Handle

	stateMu       sync.Mutex
	state         ConnectionState
	disconnecting bool

	sendMu sync.Mutex

	connectTimeout time.Duration
	maxMessageSize int

	stopRecv chan struct{}
	recvDone chan struct{}
}

func newNamedPipeConnection(pipeName string, cfg *ConnectionConfig) (*NamedPipeConnection, error) {
	c := &NamedPipeConnection{
		pipeName:       pipeName,
		handle:         windows.InvalidHandle,
		state:          StateDisconnected,
		connectTimeout: 5 * time.Second,
		maxMessageSize: defaultUnixMaxMessage,
	}
	if cfg != nil {
		if cfg.ConnectTimeout > 0 {
			c.connectTimeout = cfg.ConnectTimeout
		}
		if cfg.MaxMessageSize > 0 {
			c.maxMessageSize = cfg.MaxMessageSize
		}
	}
	return c, nil
}

func adoptNamedPipeConnection(handle windows.Handle, maxMessageSize int) *NamedPipeConnection {
	if maxMessageSize <= 0 {
		maxMessageSize = defaultUnixMaxMessage
	}
	c := &NamedPipeConnection{
		handle:         handle,
		state:          StateConnected,
		maxMessageSize: maxMessageSize,
	}
	c.touchConnected()
	c.startReceiveLoop()
	return c
}

func (c *NamedPipeConnection) setState(s ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
	c.DeliverState(s)
}

func (c *NamedPipeConnection) touchConnected() {
	c.statsMu.Lock()
	now := time.Now()
	if c.stats.FirstConnectedAt.IsZero() {
		c.stats.FirstConnectedAt = now
	}
	c.stats.LastActivityAt = now
	c.statsMu.Unlock()
}

// Connect waits for the named pipe instance to become available, opens
// it for read/write, and switches it to byte-stream, blocking mode.
func (c *NamedPipeConnection) Connect() error {
	c.stateMu.Lock()
	if c.state != StateDisconnected {
		c.stateMu.Unlock()
		return NewError(ErrInvalidParameter, "already connected or connecting")
	}
	c.state = StateConnecting
	c.disconnecting = false
	c.stateMu.Unlock()
	c.DeliverState(StateConnecting)

	name, err := windows.UTF16PtrFromString(c.pipeName)
	if err != nil {
		c.setState(StateFailed)
		return WrapError(ErrInvalidParameter, err, "invalid pipe name %q", c.pipeName)
	}

	waitMs := uint32(c.connectTimeout.Milliseconds())
	if waitMs == 0 {
		waitMs = windows.NMPWAIT_WAIT_FOREVER
	}
	if err := windows.WaitNamedPipe(name, waitMs); err != nil {
		c.setState(StateFailed)
		return WrapError(ErrConnectionClosed, err, "WaitNamedPipe failed for %q", c.pipeName)
	}

	handle, err := windows.CreateFile(
		name,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		c.setState(StateFailed)
		return WrapError(ErrConnectionClosed, err, "CreateFile on pipe %q failed", c.pipeName)
	}

	mode := uint32(windows.PIPE_READMODE_BYTE | windows.PIPE_WAIT)
	_ = windows.SetNamedPipeHandleState(handle, &mode, nil, nil)

	c.handle = handle
	c.touchConnected()
	c.setState(StateConnected)

	c.startReceiveLoop()
	return nil
}

func (c *NamedPipeConnection) startReceiveLoop() {
	c.stopRecv = make(chan struct{})
	c.recvDone = make(chan struct{})
	go c.receiveLoop()
}

// Disconnect flushes and closes the pipe handle. Idempotent, including
// against a concurrent Disconnect from another goroutine (only the first
// caller performs the teardown).
func (c *NamedPipeConnection) Disconnect() error {
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
	if c.handle != windows.InvalidHandle && c.handle != 0 {
		_ = windows.FlushFileBuffers(c.handle)
		_ = windows.CloseHandle(c.handle)
		c.handle = windows.InvalidHandle
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

func (c *NamedPipeConnection) IsConnected() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state == StateConnected
}

func (c *NamedPipeConnection) GetState() ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *NamedPipeConnection) GetType() ConnectionType { return ConnectionLocal }

func (c *NamedPipeConnection) GetStats() ConnectionStats { return c.Stats() }

func (c *NamedPipeConnection) Send(data []byte) error { return c.sendInternal(data) }

func (c *NamedPipeConnection) SendUnreliable(data []byte) error { return c.sendInternal(data) }

// TrySend always reports backpressure: a true non-blocking send would
// need an internal queue to avoid partial-frame corruption.
func (c *NamedPipeConnection) TrySend(data []byte) error {
	if c.GetState() != StateConnected {
		return NewError(ErrConnectionClosed, "not connected")
	}
	if len(data) > c.maxMessageSize {
		return NewError(ErrInvalidParameter, "message too large")
	}
	return NewError(ErrWouldBlock, "non-blocking send not supported by NamedPipeConnection")
}

func (c *NamedPipeConnection) sendInternal(data []byte) error {
	if c.GetState() != StateConnected {
		return NewError(ErrConnectionClosed, "not connected")
	}
	if len(data) > c.maxMessageSize {
		return NewError(ErrInvalidParameter, "message too large: %d bytes", len(data))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(data)))

	if err := c.writeAll(header[:]); err != nil {
		return err
	}
	if err := c.writeAll(data); err != nil {
		return err
	}

	c.recordSent(len(data))
	return nil
}

func (c *NamedPipeConnection) writeAll(buf []byte) error {
	written := 0
	for written < len(buf) {
		var n uint32
		if err := windows.WriteFile(c.handle, buf[written:], &n, nil); err != nil {
			return WrapError(ErrConnectionClosed, err, "WriteFile failed")
		}
		if n == 0 {
			return NewError(ErrConnectionClosed, "WriteFile wrote zero bytes")
		}
		written += int(n)
	}
	return nil
}

func (c *NamedPipeConnection) receiveLoop() {
	defer close(c.recvDone)

	header := make([]byte, frameHeaderSize)
	for {
		select {
		case <-c.stopRecv:
			return
		default:
		}

		if err := c.readAll(header); err != nil {
			c.handleReceiveError(err)
			return
		}
		length := binary.LittleEndian.Uint32(header)
		if int(length) > c.maxMessageSize {
			logrus.WithField("pipe", c.pipeName).Warn("peer sent oversized frame, closing")
			c.setState(StateFailed)
			return
		}

		payload := make([]byte, length)
		if length > 0 {
			if err := c.readAll(payload); err != nil {
				c.handleReceiveError(err)
				return
			}
		}

		c.DeliverMessage(payload)
	}
}

func (c *NamedPipeConnection) readAll(buf []byte) error {
	read := 0
	for read < len(buf) {
		var n uint32
		if err := windows.ReadFile(c.handle, buf[read:], &n, nil); err != nil {
			return err
		}
		if n == 0 {
			return NewError(ErrConnectionClosed, "ReadFile returned zero bytes")
		}
		read += int(n)
	}
	return nil
}

func (c *NamedPipeConnection) handleReceiveError(err error) {
	select {
	case <-c.stopRecv:
		return
	default:
	}
	if err == windows.ERROR_BROKEN_PIPE {
		c.setState(StateDisconnected)
		return
	}
	logrus.WithFields(logrus.Fields{"pipe": c.pipeName, "error": err}).Warn("named pipe receive error")
	c.setState(StateFailed)
}

var _ NetworkConnection = (*NamedPipeConnection)(nil)

// NamedPipeServer is the Windows named-pipe LocalServer implementation:
// one pipe instance is created per pending client via a CreateNamedPipe/
// ConnectNamedPipe-per-connection loop rather than Windows' alternative
// overlapped multi-instance pattern.
type NamedPipeServer struct {
	connMgr  *ConnectionManager
	pipeName string
	cfg      LocalServerConfig

	mu        sync.Mutex
	listening bool
	stop      chan struct{}
	done      chan struct{}
	accept    chan acceptResult
	group     *errgroup.Group
}

// NewNamedPipeServer constructs a server bound to pipeName once Listen
// is called.
func NewNamedPipeServer(connMgr *ConnectionManager, pipeName string, cfg LocalServerConfig) *NamedPipeServer {
	return &NamedPipeServer{
		connMgr:  connMgr,
		pipeName: pipeName,
		cfg:      cfg,
	}
}

// Listen launches a background accept loop that creates one named pipe
// instance at a time and feeds each connected client to Accept via a
// channel, matching UnixSocketServer's Listen/Accept/Close shape.
func (s *NamedPipeServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listening {
		return NewError(ErrInvalidParameter, "already listening")
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.accept = make(chan acceptResult)
	s.listening = true

	g := &errgroup.Group{}
	s.group = g
	g.Go(func() error {
		s.acceptLoop()
		return nil
	})

	logrus.WithField("pipe", s.pipeName).Info("named pipe server listening")
	return nil
}

// acceptLoop runs on its own goroutine, creating and waiting on one pipe
// instance at a time and forwarding each adopted connection to the
// Accept channel until Close requests a stop.
func (s *NamedPipeServer) acceptLoop() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		handle, err := s.acceptOne()

		select {
		case <-s.stop:
			if err == nil {
				_ = windows.CloseHandle(handle)
			}
			return
		default:
		}

		if err != nil {
			s.accept <- acceptResult{err: err}
			continue
		}

		backend := adoptNamedPipeConnection(handle, s.cfg.MaxMessageSize)
		connHandle, adoptErr := s.connMgr.AdoptConnection(backend, ConnectionLocal)
		if adoptErr != nil {
			_ = backend.Disconnect()
			s.accept <- acceptResult{err: adoptErr}
			continue
		}
		s.accept <- acceptResult{handle: connHandle}
	}
}

// acceptOne creates one pipe instance and blocks until a client connects
// to it. An instance is never reused across clients.
func (s *NamedPipeServer) acceptOne() (windows.Handle, error) {
	name, err := windows.UTF16PtrFromString(s.pipeName)
	if err != nil {
		return windows.InvalidHandle, WrapError(ErrInvalidParameter, err, "invalid pipe name %q", s.pipeName)
	}

	outBuf := uint32(s.cfg.PipeOutBufferSize)
	inBuf := uint32(s.cfg.PipeInBufferSize)
	handle, err := windows.CreateNamedPipe(
		name,
		windows.PIPE_ACCESS_DUPLEX,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT,
		windows.PIPE_UNLIMITED_INSTANCES,
		outBuf,
		inBuf,
		0,
		nil,
	)
	if err != nil {
		return windows.InvalidHandle, WrapError(ErrConnectionClosed, err, "CreateNamedPipe %q failed", s.pipeName)
	}

	if err := windows.ConnectNamedPipe(handle, nil); err != nil && err != windows.ERROR_PIPE_CONNECTED {
		_ = windows.CloseHandle(handle)
		return windows.InvalidHandle, WrapError(ErrConnectionClosed, err, "ConnectNamedPipe %q failed", s.pipeName)
	}
	return handle, nil
}

// Accept blocks until a client connects, the server is closed, or an
// accept-level error occurs, matching UnixSocketServer.Accept's contract.
func (s *NamedPipeServer) Accept() (ConnectionHandle, error) {
	s.mu.Lock()
	accept := s.accept
	done := s.done
	listening := s.listening
	s.mu.Unlock()

	if !listening {
		if done != nil {
			return ConnectionHandle{}, NewError(ErrConnectionClosed, "server closed")
		}
		return ConnectionHandle{}, NewError(ErrInvalidParameter, "server is not listening")
	}

	select {
	case res := <-accept:
		return res.handle, res.err
	case <-done:
		return ConnectionHandle{}, NewError(ErrConnectionClosed, "server closed while waiting to accept")
	}
}

// Close stops accepting, unblocks a pending ConnectNamedPipe by dialing
// the pipe once as a client, and waits for the accept loop to exit.
// Idempotent.
func (s *NamedPipeServer) Close() error {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return nil
	}
	s.listening = false
	stop := s.stop
	done := s.done
	group := s.group
	s.mu.Unlock()

	close(stop)
	s.unblockPendingConnect(done)

	<-done
	if group != nil {
		_ = group.Wait()
	}

	logrus.WithField("pipe", s.pipeName).Info("named pipe server closed")
	return nil
}

// unblockPendingConnect dials the pipe as a client so a ConnectNamedPipe
// call blocked in acceptLoop completes and observes the stop signal,
// the named-pipe analogue of closing a net.Listener to unblock Accept.
// Windows named pipes have no equivalent of net.Listener.Close, so this
// retries briefly in case the dial races the next CreateNamedPipe call.
func (s *NamedPipeServer) unblockPendingConnect(done <-chan struct{}) {
	name, err := windows.UTF16PtrFromString(s.pipeName)
	if err != nil {
		return
	}
	for i := 0; i < 20; i++ {
		select {
		case <-done:
			return
		default:
		}
		handle, err := windows.CreateFile(
			name,
			windows.GENERIC_READ|windows.GENERIC_WRITE,
			0, nil, windows.OPEN_EXISTING, windows.FILE_ATTRIBUTE_NORMAL, 0,
		)
		if err == nil {
			_ = windows.CloseHandle(handle)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// IsListening reports whether the server is currently accepting connections.
func (s *NamedPipeServer) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

var _ LocalServer = (*NamedPipeServer)(nil)
