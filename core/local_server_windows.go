//go:build windows

package core

// NewLocalServer constructs the platform-appropriate LocalServer for
// endpoint, owned by connMgr. Named pipes are Windows' native Local IPC
// primitive, matching createLocalBackend's BackendNamedPipe client-side
// counterpart.
func NewLocalServer(connMgr *ConnectionManager, endpoint string, cfg LocalServerConfig) LocalServer {
	return NewNamedPipeServer(connMgr, endpoint, cfg)
}
