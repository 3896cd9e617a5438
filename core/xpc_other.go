//go:build !darwin

package core

// XPCConnection is unavailable on this platform; XPC is a Darwin-only
// IPC primitive. Selecting BackendXPC outside Darwin fails fast with
// ErrInvalidParameter rather than silently degrading to another backend.
// The type still implements NetworkConnection so createLocalBackend's
// return type checks regardless of build target.
type XPCConnection struct {
	BaseConnection
}

func newXPCConnection(serviceName string, cfg *ConnectionConfig) (*XPCConnection, error) {
	return nil, NewError(ErrInvalidParameter, "XPC is only supported on Darwin")
}

func (c *XPCConnection) unsupported() error {
	return NewError(ErrInvalidParameter, "XPC is only supported on Darwin")
}

func (c *XPCConnection) Connect() error                   { return c.unsupported() }
func (c *XPCConnection) Disconnect() error                { return c.unsupported() }
func (c *XPCConnection) IsConnected() bool                { return false }
func (c *XPCConnection) GetState() ConnectionState        { return StateDisconnected }
func (c *XPCConnection) GetType() ConnectionType          { return ConnectionLocal }
func (c *XPCConnection) GetStats() ConnectionStats        { return ConnectionStats{} }
func (c *XPCConnection) Send(data []byte) error           { return c.unsupported() }
func (c *XPCConnection) SendUnreliable(data []byte) error { return c.unsupported() }
func (c *XPCConnection) TrySend(data []byte) error        { return c.unsupported() }

var _ NetworkConnection = (*XPCConnection)(nil)
