package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/tsbucket/internal/handler"
	"github.com/devrev/pairdb/tsbucket/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("Configuration loaded",
				zap.String("node_id", cfg.Server.NodeID),
				zap.String("host", cfg.Server.Host),
				zap.Int("port", cfg.Server.Port))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			collStore, err := openCollectionStore(ctx, cfg.Collections, logger)
			if err != nil {
				return err
			}
			n, err := openNode(ctx, cfg, collStore, logger)
			if err != nil {
				return err
			}
			defer n.close()

			var gatherer prometheus.Gatherer
			if n.registry != nil {
				gatherer = n.registry
			}
			handlers := handler.NewHandlers(n.service, handler.NewErrorHandler(logger), cfg.Server.WriteTimeout, logger)
			srv := server.NewServer(cfg, handlers, n.health, gatherer, n.metrics, logger)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("Shutting down gracefully...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown failed", zap.Error(err))
			}
			return nil
		},
	}
}
