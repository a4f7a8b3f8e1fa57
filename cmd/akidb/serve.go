package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/akidb/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the AkiDB daemon",
	Long: `serve loads configuration, wires every domain component (metadata,
storage, embeddings, the service layer, tiering, and the background pipeline
bus), and blocks until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		cancel()
		_ = sig
	}()

	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing daemon: %w", err)
	}
	defer d.Close(context.Background())

	d.logger.Info(ctx, "akidb starting",
		zap.String("host", cfg.Host),
		zap.Int("rest_port", cfg.RESTPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("db_path", cfg.DBPath),
	)

	d.tiering.Start(ctx)

	<-ctx.Done()
	d.logger.Info(context.Background(), "akidb shutting down")
	return nil
}
