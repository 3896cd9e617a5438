package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print a one-shot connection manager metrics snapshot, or serve it over HTTP",
	RunE:  runMetrics,
}

func init() {
	metricsCmd.Flags().Bool("http", false, "serve Prometheus /metrics over HTTP until interrupted instead of printing once")
	metricsCmd.Flags().String("addr", ":9090", "address to listen on when --http is set")
}

func runMetrics(cmd *cobra.Command, _ []string) error {
	asHTTP, _ := cmd.Flags().GetBool("http")
	if !asHTTP {
		snapshot := connMgr.GetManagerMetrics()
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	}

	addr, _ := cmd.Flags().GetString("addr")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Warn("entropyctl metrics: server stopped")
		}
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "serving /metrics on %s\n", addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return server.Close()
}
