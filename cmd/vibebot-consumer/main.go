package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	vibebot "github.com/vibebot/vibebot-go"
	"github.com/vibebot/vibebot-go/config"
	"github.com/vibebot/vibebot-go/consumer"
	"github.com/vibebot/vibebot-go/health"
	"github.com/vibebot/vibebot-go/internal/rabbitmq"
	"github.com/vibebot/vibebot-go/internal/telemetry"
)

var (
	// Version information
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "vibebot-consumer",
		Short: "Consume bot messages from a RabbitMQ exchange",
		Long: `vibebot-consumer binds a durable queue per bot to an existing exchange,
hands every message to a handler and publishes the handler's replies.
Messages that fail are routed to the bot's error queue.`,
		Version:      versionString(),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "vibebot.yaml", "Configuration file (missing file uses defaults and environment)")

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newTopologyCmd(&configPath),
		newVersionCmd(),
	)
	return rootCmd
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", vibebot.Version, gitCommit, buildTime)
}

func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	return cfg, logger, nil
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the consumer instances until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, logger)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	handler, err := newHandler(cfg.Consumer, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	failures := make(chan consumer.Failure, cfg.Consumer.Instances)
	options := []vibebot.ClientOption{
		vibebot.WithLogger(logger),
		vibebot.WithFailures(failures),
	}
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		options = append(options, vibebot.WithMetricsRegisterer(reg))
	}

	client, err := vibebot.NewClient(cfg, handler, options...)
	if err != nil {
		return err
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		probe := rabbitmq.NewDialer(cfg.BrokerConnection(), rabbitmq.WithLogger(logger))
		client.Health().Register(health.NewBrokerChecker(probe, cfg.Consumer.Exchange, cfg.Consumer.ExchangeType, logger))

		srv = newServer(cfg.Metrics.Addr, reg, client.Health())
		go func() {
			logger.Info("serving metrics and health", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if err := client.Start(ctx); err != nil {
		return err
	}

	exited := make(chan struct{})
	go func() {
		client.Wait()
		close(exited)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case f := <-failures:
		runErr = fmt.Errorf("consumer %s failed: %w", f.Identity, f.Err)
	case <-exited:
		runErr = errors.New("all consumers exited")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := client.Stop(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("consumer stopped", "error", runErr)
		return runErr
	}
	logger.Info("consumer stopped")
	return nil
}

func newTopologyCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Check the exchange and declare the bot's queues, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			handler, err := newHandler(cfg.Consumer, logger)
			if err != nil {
				return err
			}
			client, err := vibebot.NewClient(cfg, handler, vibebot.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := client.CheckTopology(ctx); err != nil {
				return fmt.Errorf("topology check failed: %w", err)
			}

			id := client.Identity()
			fmt.Fprintf(cmd.OutOrStdout(), "exchange %s -> queue %s (errors: %s)\n",
				id.Exchange, id.QueueName(), id.ErrorQueueName())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Time allowed to connect")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}
