package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/entropynet/entropy-core/core"
)

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Dial a running entropyctl serve instance, perform the handshake, and send one demo entity/property pair",
	RunE:  runDial,
}

func init() {
	dialCmd.Flags().String("endpoint", "", "local endpoint to dial (defaults to the configured network.endpoint)")
	dialCmd.Flags().String("client-type", "entropyctl-dial", "clientType advertised during the handshake")
	dialCmd.Flags().Duration("wait", 5*time.Second, "how long to wait for the handshake to complete")
}

func runDial(cmd *cobra.Command, _ []string) error {
	endpoint, _ := cmd.Flags().GetString("endpoint")
	if endpoint == "" {
		endpoint = cliConfig.Network.Endpoint
	}
	clientType, _ := cmd.Flags().GetString("client-type")
	wait, _ := cmd.Flags().GetDuration("wait")

	handle := connMgr.OpenLocalConnection(endpoint)
	if !handle.Valid() {
		return core.NewError(core.ErrResourceLimitExceeded, "could not allocate a connection slot")
	}
	if err := connMgr.Connect(handle); err != nil {
		return err
	}
	defer connMgr.CloseConnection(handle)

	registry := core.NewPropertyRegistry()
	session := core.NewSession(connMgr, handle, registry)
	wireSessionLogging(session, "client")

	ready := make(chan struct{}, 1)
	session.SetHandshakeCallback(func(string, string) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})

	clientID := uuid.NewString()
	if err := session.PerformHandshake(clientType, clientID); err != nil {
		return err
	}

	select {
	case <-ready:
	case <-time.After(wait):
		return core.NewError(core.ErrTimeout, "handshake did not complete within %s", wait)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "handshake complete as %s (%s)\n", clientType, clientID)

	const demoEntityID = 1
	if err := session.SendEntityCreated(demoEntityID, cliConfig.Schema.AppID, "Transform", 0); err != nil {
		return err
	}

	hash := core.ComputePropertyHash(demoEntityID, "Transform", "position")
	if err := registry.RegisterProperty(core.PropertyMetadata{
		Hash: hash, EntityID: demoEntityID, ComponentType: "Transform",
		PropertyName: "position", PropertyType: core.PropertyTypeVec3, RegisteredAt: time.Now(),
	}); err != nil {
		return err
	}
	if err := session.SendPropertyChanged(hash, core.Vec3Value{X: 1, Y: 2, Z: 3}); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "sent demo entity and property update")
	return nil
}
