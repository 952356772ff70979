package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	relay "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/monitor"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mmate-relay",
		Short: "Forward messages between RabbitMQ queues with at-least-once delivery",
		Long: `mmate-relay consumes from an input queue, forwards every message to an
output queue or exchange in confirmed batches, and acknowledges the input
only after the broker confirmed the forwarded batch.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		configPath string
		rabbitURL  string
		verbose    bool
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "relay.toml", "Path to the TOML configuration file")
	rootCmd.PersistentFlags().StringVarP(&rabbitURL, "url", "u", "", "RabbitMQ connection URL (overrides broker.url)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		if rabbitURL != "" {
			cfg.Broker.URL = rabbitURL
		}
		return cfg, cfg.Validate()
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %s -> %s%s\n",
				cfg.Pipeline.InQueue, cfg.Pipeline.OutQueue, cfg.Pipeline.OutExchange)
			return nil
		},
	}

	var checkTimeout time.Duration
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Connect to the broker, declare the topology and report health as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
			defer cancel()

			report, err := check(ctx, cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("relay is %s", report.Status)
			}
			return nil
		},
	}
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 30*time.Second, "Overall time limit for the check")

	rootCmd.AddCommand(runCmd, validateCmd, checkCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownMetrics, metricsOpts, err := setupMetrics(ctx, cfg.Metrics)
	if err != nil {
		return err
	}
	defer shutdownMetrics()

	client, err := relay.NewFromConfig(ctx, cfg, relay.WithLogger(logger))
	if err != nil {
		return err
	}
	defer client.Close()

	pipeline, err := client.PipelineFromConfig(ctx, cfg.Pipeline, messaging.PassThrough())
	if err != nil {
		return err
	}

	metrics, err := monitor.NewPipelineMetrics(metricsOpts...)
	if err != nil {
		return err
	}
	metrics.Instrument(ctx, client.Session(), pipeline)

	pipeline.OnFlush(func(count int, elapsed time.Duration) {
		logger.Info("flushed batch", "count", count, "elapsed", elapsed)
	})

	registry := healthRegistry(client, pipeline, cfg.Pipeline.BufferSize)
	pipeline.OnIdle(func(ctx context.Context, idle time.Duration) error {
		if report := registry.Check(ctx); report.Status != health.StatusHealthy {
			logger.Warn("relay health", "status", report.Status, "checks", report.Checks)
		}
		return nil
	})

	err = pipeline.Consume(ctx, 0)
	if errors.Is(err, context.Canceled) {
		logger.Info("relay stopped")
		return nil
	}
	return err
}

func check(ctx context.Context, cfg config.Config, logger *slog.Logger) (health.Report, error) {
	client, err := relay.NewFromConfig(ctx, cfg, relay.WithLogger(logger))
	if err != nil {
		return health.Report{}, err
	}
	defer client.Close()

	pipeline, err := client.PipelineFromConfig(ctx, cfg.Pipeline, messaging.PassThrough())
	if err != nil {
		return health.Report{}, err
	}

	return healthRegistry(client, pipeline, cfg.Pipeline.BufferSize).Check(ctx), nil
}

func healthRegistry(client *relay.Client, pipeline *messaging.Pipeline, bufferSize int) *health.Registry {
	registry := health.NewRegistry()
	if state, ok := client.Connection().(health.ConnectionState); ok {
		registry.Register(health.NewConnectionChecker(state))
	}
	registry.Register(health.NewSessionChecker(client.Session()))
	registry.Register(health.NewPipelineChecker("main", pipeline, bufferSize))
	return registry
}

func setupMetrics(ctx context.Context, cfg config.MetricsConfig) (func(), []monitor.MetricsOption, error) {
	opts := []monitor.MetricsOption{monitor.WithPipelineName(cfg.ServiceName)}
	if cfg.OTLPEndpoint == "" {
		return func() {}, opts, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(10*time.Second),
		)),
	)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		provider.Shutdown(ctx)
	}

	return shutdown, append(opts, monitor.WithMeterProvider(provider)), nil
}
