package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/entropynet/entropy-core/core"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local server accepting sessions and logging their lifecycle events",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "local endpoint to listen on (defaults to the configured network.endpoint)")
	serveCmd.Flags().String("metrics-addr", ":9090", "address to expose Prometheus metrics on (empty disables)")
}

// runServe starts a LocalServer, wraps every accepted connection in a
// Session, and logs handshake/entity/property/schema events as they
// arrive. It blocks until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, _ []string) error {
	endpoint, _ := cmd.Flags().GetString("listen")
	if endpoint == "" {
		endpoint = cliConfig.Network.Endpoint
	}
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	server := core.NewLocalServer(connMgr, endpoint, core.DefaultLocalServerConfig())
	if err := server.Listen(); err != nil {
		return err
	}
	defer server.Close()
	logrus.WithField("endpoint", endpoint).Info("entropyctl serve: listening")

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).Warn("entropyctl serve: metrics server stopped")
			}
		}()
		logrus.WithField("addr", metricsAddr).Info("entropyctl serve: exposing /metrics")
	}

	g := &errgroup.Group{}
	g.Go(func() error {
		for {
			handle, err := server.Accept()
			if err != nil {
				if kind, ok := core.KindOf(err); ok && kind == core.ErrConnectionClosed {
					return nil
				}
				logrus.WithError(err).Warn("entropyctl serve: accept failed")
				continue
			}
			sessionHandle, err := sessionMgr.CreateSession(handle, nil)
			if err != nil {
				logrus.WithError(err).Warn("entropyctl serve: failed to create session for accepted connection")
				continue
			}
			wireSessionLogging(sessionMgr.Get(sessionHandle), "server")
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Fprintln(cmd.OutOrStdout(), "shutting down")

	_ = server.Close()
	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	_ = g.Wait()
	return nil
}

// wireSessionLogging installs logging callbacks for every event a Session
// can dispatch, labeled with role for readability when both server and
// client sessions log to the same console (as in local demos).
func wireSessionLogging(s *core.Session, role string) {
	if s == nil {
		return
	}
	log := logrus.WithField("role", role)

	s.SetHandshakeCallback(func(clientType, clientID string) {
		log.WithFields(logrus.Fields{"clientType": clientType, "clientId": clientID}).Info("handshake complete")
	})
	s.SetEntityCreatedCallback(func(entityID uint64, appID, typeName string, parentID uint64) {
		log.WithFields(logrus.Fields{"entityId": entityID, "appId": appID, "type": typeName, "parentId": parentID}).Info("entity created")
	})
	s.SetEntityDestroyedCallback(func(entityID uint64) {
		log.WithField("entityId", entityID).Info("entity destroyed")
	})
	s.SetEntityParentChangedCallback(func(entityID, newParentID uint64) {
		log.WithFields(logrus.Fields{"entityId": entityID, "parentId": newParentID}).Info("entity parent changed")
	})
	s.SetPropertyRegisteredCallback(func(hash core.PropertyHash128, metadata core.PropertyMetadata) {
		log.WithFields(logrus.Fields{"hash": hash.String(), "component": metadata.ComponentType, "property": metadata.PropertyName}).Debug("property registered")
	})
	s.SetPropertyChangedCallback(func(hash core.PropertyHash128, value core.PropertyValue) {
		log.WithFields(logrus.Fields{"hash": hash.String(), "type": value.Type()}).Debug("property changed")
	})
	s.SetPropertyBatchCallback(func(ts time.Time, entries []core.PropertyBatchEntry) {
		log.WithFields(logrus.Fields{"count": len(entries), "timestamp": ts}).Debug("property batch received")
	})
	s.SetSchemaAdvertisedCallback(func(schema core.ComponentSchema) {
		log.WithField("typeHash", schema.TypeHash.String()).Info("schema advertised by peer")
	})
	s.SetSchemaUnpublishedCallback(func(typeHash core.ComponentTypeHash) {
		log.WithField("typeHash", typeHash.String()).Info("schema unpublished by peer")
	})
	s.SetErrorCallback(func(err error) {
		log.WithError(err).Warn("session error")
	})
}
