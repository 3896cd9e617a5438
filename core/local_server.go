package core

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// LocalServerConfig holds platform-agnostic local server tuning knobs.
// Fields only meaningful to a particular backend (pipe buffer sizes on
// Windows, socket mode on Unix) are ignored by backends that don't use
// them rather than rejected.
type LocalServerConfig struct {
	Backlog              int
	AcceptPollIntervalMs int
	ChmodMode            int
	UnlinkOnStart        bool
	PipeOutBufferSize    int
	PipeInBufferSize     int
	MaxMessageSize       int
}

// DefaultLocalServerConfig returns a generous backlog, unlinks any stale
// socket file before binding, and leaves the socket mode untouched unless
// ChmodMode is set explicitly.
func DefaultLocalServerConfig() LocalServerConfig {
	return LocalServerConfig{
		Backlog:              128,
		AcceptPollIntervalMs: 500,
		ChmodMode:            -1,
		UnlinkOnStart:        true,
		PipeOutBufferSize:    1 * 1024 * 1024,
		PipeInBufferSize:     1 * 1024 * 1024,
		MaxMessageSize:       defaultUnixMaxMessage,
	}
}

// LocalServer is the platform-agnostic contract for accepting local IPC
// connections and handing them to a ConnectionManager. NewLocalServer
// picks the concrete implementation for the build target: UnixSocketServer
// everywhere but Windows (see local_server_other.go), NamedPipeServer on
// Windows (see local_server_windows.go, namedpipe_windows.go). XPC has no
// accept-side server in this tree; see DESIGN.md for why.
type LocalServer interface {
	// Listen starts accepting connections at the configured endpoint.
	Listen() error
	// Accept blocks until a client connects or the server is closed,
	// returning the resulting handle in the owning ConnectionManager.
	Accept() (ConnectionHandle, error)
	// Close stops listening and releases the endpoint.
	Close() error
	// IsListening reports whether the server is currently accepting.
	IsListening() bool
}

// UnixSocketServer is the Unix domain socket LocalServer implementation,
// built on Go's net package: net.Listener.Close unblocks a pending
// Accept(), so shutdown stays responsive without a hand-rolled poll loop.
type UnixSocketServer struct {
	connMgr    *ConnectionManager
	socketPath string
	cfg        LocalServerConfig

	mu        sync.Mutex
	listener  net.Listener
	listening bool

	group  *errgroup.Group
	accept chan acceptResult
	done   chan struct{}
}

type acceptResult struct {
	handle ConnectionHandle
	err    error
}

// NewUnixSocketServer constructs a server bound to socketPath once
// Listen is called.
func NewUnixSocketServer(connMgr *ConnectionManager, socketPath string, cfg LocalServerConfig) *UnixSocketServer {
	return &UnixSocketServer{
		connMgr:    connMgr,
		socketPath: socketPath,
		cfg:        cfg,
	}
}

// Listen binds and starts listening on the configured Unix socket path,
// unlinking any stale socket file first when cfg.UnlinkOnStart is set,
// then launches a background accept loop that feeds completed
// connections to Accept via a channel.
func (s *UnixSocketServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listening {
		return NewError(ErrInvalidParameter, "already listening")
	}

	if s.cfg.UnlinkOnStart {
		_ = os.Remove(s.socketPath)
	}

	// cfg.Backlog is honored only by backends that expose the listen(2)
	// backlog directly; Go's net.Listen uses the OS default.
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "unix", s.socketPath)
	if err != nil {
		return WrapError(ErrConnectionClosed, err, "failed to listen on %s", s.socketPath)
	}

	if s.cfg.ChmodMode >= 0 {
		if err := os.Chmod(s.socketPath, os.FileMode(s.cfg.ChmodMode)); err != nil {
			_ = ln.Close()
			return WrapError(ErrInvalidParameter, err, "failed to chmod %s", s.socketPath)
		}
	}

	s.listener = ln
	s.listening = true
	s.accept = make(chan acceptResult)
	s.done = make(chan struct{})

	g := &errgroup.Group{}
	s.group = g
	g.Go(func() error {
		s.acceptLoop(ln)
		return nil
	})

	logrus.WithField("socket", s.socketPath).Info("unix socket server listening")
	return nil
}

// acceptLoop runs on its own goroutine (managed by an errgroup so a
// future second worker, e.g. a watchdog, can join the same group)
// forwarding each accepted net.Conn, wrapped and adopted into the
// connection manager, to the Accept channel until the listener closes.
func (s *UnixSocketServer) acceptLoop(ln net.Listener) {
	defer close(s.done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.accept <- acceptResult{err: WrapError(ErrNetworkError, err, "accept failed")}
			continue
		}

		backend := adoptUnixSocketConnection(conn, s.cfg.MaxMessageSize)
		handle, err := s.connMgr.AdoptConnection(backend, ConnectionLocal)
		if err != nil {
			_ = backend.Disconnect()
			s.accept <- acceptResult{err: err}
			continue
		}

		s.accept <- acceptResult{handle: handle}
	}
}

// Accept blocks until a client connects, the server is closed, or an
// accept-level error occurs. A closed server yields ErrConnectionClosed
// rather than a zero handle, so callers can distinguish "server shut
// down" from "nothing happened yet".
func (s *UnixSocketServer) Accept() (ConnectionHandle, error) {
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

// Close stops listening, removes the socket file, and waits for the
// accept loop to exit. Idempotent.
func (s *UnixSocketServer) Close() error {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return nil
	}
	s.listening = false
	ln := s.listener
	done := s.done
	group := s.group
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if done != nil {
		<-done
	}
	if group != nil {
		_ = group.Wait()
	}

	_ = os.Remove(s.socketPath)

	logrus.WithField("socket", s.socketPath).Info("unix socket server closed")
	return nil
}

// IsListening reports whether the server is currently accepting connections.
func (s *UnixSocketServer) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

var _ LocalServer = (*UnixSocketServer)(nil)
