// Command entropyctl is a diagnostic CLI for the entropy-core networking
// toolkit: it can run a local diagnostic server, dial one, and inspect or
// publish component schemas.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/entropynet/entropy-core/core"
	"github.com/entropynet/entropy-core/pkg/config"
)

// Shared process-wide state, lazily constructed by entropyInit the first
// time any subcommand runs. One CLI invocation is one process: connMgr,
// sessionMgr, and schemaRegistry do not persist across invocations.
var (
	connMgr        *core.ConnectionManager
	sessionMgr     *core.SessionManager
	schemaRegistry *core.SchemaRegistry
	cliConfig      *config.Config
)

func entropyInit(cmd *cobra.Command, _ []string) error {
	if connMgr != nil {
		return nil
	}

	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath != "" {
		viper.SetConfigFile(cfgPath)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	cliConfig = cfg

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	connMgr = core.NewConnectionManager(cfg.Network.ConnectionCapacity, "entropyctl")
	sessionMgr = core.NewSessionManager(connMgr, cfg.Network.SessionCapacity)
	schemaRegistry = core.NewSchemaRegistry()
	sessionMgr.BindSchemaRegistry(schemaRegistry)

	return nil
}

var rootCmd = &cobra.Command{
	Use:               "entropyctl",
	Short:             "Diagnostics for the entropy-core connection, session, and schema layers",
	PersistentPreRunE: entropyInit,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a config file (overrides config/default.yaml discovery)")
	rootCmd.AddCommand(serveCmd, dialCmd, schemaCmd, metricsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("entropyctl failed")
		os.Exit(1)
	}
}
