// Command replica runs a single CRDT replica: it loads configuration,
// starts the sync controller, and serves the HTTP transport until a
// termination signal arrives. CLI depth beyond this single command is
// out of scope; see SPEC_FULL.md's ambient-stack section.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Polqt/crdtsync/internal/clock"
	"github.com/Polqt/crdtsync/internal/config"
	"github.com/Polqt/crdtsync/internal/sync"
	"github.com/Polqt/crdtsync/internal/transport"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "replica",
		Short: "Run a CRDT sync replica",
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a replica config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the replica's HTTP server and join its configured peers",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("replica: building logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	replica := clock.NewReplicaID()
	peers, err := cfg.PeerList()
	if err != nil {
		return err
	}
	peerSet := transport.NewStaticPeerSet(replica, peers)
	metrics := transport.NewMetrics()
	broadcaster := transport.NewHTTPBroadcaster(peerSet, metrics, logger)

	controller, err := sync.NewController(replica, cfg.Variant, cfg.SyncConfig(), broadcaster, logger)
	if err != nil {
		return fmt.Errorf("replica: starting controller: %w", err)
	}

	server := transport.NewServer(controller, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("replica listening",
			zap.String("address", cfg.ListenAddress),
			zap.String("replica_id", replica.String()),
			zap.String("variant", cfg.Variant))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
