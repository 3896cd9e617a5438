//go:build !windows

package core

// NamedPipeConnection is unavailable on this platform; named pipes are a
// Windows-only IPC primitive. Selecting BackendNamedPipe outside Windows
// fails fast with ErrInvalidParameter rather than silently degrading to
// another backend. The type still implements NetworkConnection so
// createLocalBackend's return type checks regardless of build target.
type NamedPipeConnection struct {
	BaseConnection
}

func newNamedPipeConnection(pipeName string, cfg *ConnectionConfig) (*NamedPipeConnection, error) {
	return nil, NewError(ErrInvalidParameter, "named pipes are only supported on Windows")
}

func (c *NamedPipeConnection) unsupported() error {
	return NewError(ErrInvalidParameter, "named pipes are only supported on Windows")
}

func (c *NamedPipeConnection) Connect() error                 { return c.unsupported() }
func (c *NamedPipeConnection) Disconnect() error               { return c.unsupported() }
func (c *NamedPipeConnection) IsConnected() bool               { return false }
func (c *NamedPipeConnection) GetState() ConnectionState       { return StateDisconnected }
func (c *NamedPipeConnection) GetType() ConnectionType         { return ConnectionLocal }
func (c *NamedPipeConnection) GetStats() ConnectionStats       { return ConnectionStats{} }
func (c *NamedPipeConnection) Send(data []byte) error          { return c.unsupported() }
func (c *NamedPipeConnection) SendUnreliable(data []byte) error { return c.unsupported() }
func (c *NamedPipeConnection) TrySend(data []byte) error       { return c.unsupported() }

var _ NetworkConnection = (*NamedPipeConnection)(nil)
