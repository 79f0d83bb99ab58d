package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	httpadapter "github.com/couchcryptid/profile-geofix/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/profile-geofix/internal/adapter/kafka"
	"github.com/couchcryptid/profile-geofix/internal/config"
	"github.com/couchcryptid/profile-geofix/internal/observability"
	"github.com/couchcryptid/profile-geofix/internal/pipeline"
	"github.com/couchcryptid/profile-geofix/internal/stage"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume profiles from Kafka, resolve coordinates and produce them to the sink topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx)
		},
	}
}

func runService(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	var res resources
	defer res.close(logger)

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	resolver, err := buildResolver(ctx, cfg, metrics, &res, logger)
	if err != nil {
		return err
	}
	mon, err := buildMonitor(cfg, metrics, &res, logger)
	if err != nil {
		return err
	}

	reader := kafkaadapter.NewReader(cfg, logger)
	res.add(reader.Close)
	writer := kafkaadapter.NewWriter(cfg, logger)
	res.add(writer.Close)

	op := stage.NewGeoFixOperator(resolver, mon, logger)
	p := pipeline.New(reader, op, writer, logger, metrics, cfg.BatchSize)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, prometheus.DefaultGatherer, logger)
	srvCtx, stopServer := context.WithCancel(ctx)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Serve(srvCtx, cfg.ShutdownTimeout) }()

	pipelineErr := p.Run(ctx)

	logger.Info("shutting down")
	stopServer()
	if err := <-srvErr; err != nil {
		logger.Error("http server error", "error", err)
	}

	if pipelineErr != nil && !errors.Is(pipelineErr, context.Canceled) {
		return fmt.Errorf("pipeline: %w", pipelineErr)
	}
	logger.Info("shutdown complete")
	return nil
}
