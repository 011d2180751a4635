package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cloudless/trainagent/pkg/agent"
	"github.com/cloudless/trainagent/pkg/observability"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	rootCmd = &cobra.Command{
		Use:   "agent",
		Short: "Training agent - runs model training jobs for a remote control plane",
		Long: `The training agent polls a control plane for pending training jobs, claims
them, drives the fit procedure and reports progress, metrics and logs back.
Running jobs can be paused, resumed and cancelled through the local control API.`,
		SilenceUsage: true,
		RunE:         run,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file path")
	flags.String("backend-url", "", "Control plane base URL")
	flags.String("api-key", "", "API key used to authenticate with the control plane")
	flags.String("agent-id", "", "Agent identifier (generated and persisted when empty)")
	flags.String("data-dir", "/var/lib/trainagent", "Data directory for the identity and checkpoint index")
	flags.String("checkpoint-dir", "", "Checkpoint directory (defaults to <data-dir>/checkpoints)")
	flags.Duration("poll-interval", 10*time.Second, "Interval between polls for new jobs")
	flags.Duration("track-interval", 5*time.Second, "Interval between status checks of a started job")
	flags.Int("max-concurrent-jobs", 1, "Maximum number of jobs running at once")
	flags.Int("metrics-interval-steps", 10, "Report metrics every N steps")
	flags.Int("checkpoint-interval-steps", 0, "Checkpoint every N steps (0 disables periodic checkpoints)")
	flags.Duration("cancel-grace-period", 30*time.Second, "Time a job gets to honour a cancel before it is abandoned")
	flags.Int("log-buffer-size", 0, "Per-job log lines kept for delivery (0 uses the default)")
	flags.Int("log-batch-size", 0, "Log lines per delivery request (0 uses the default)")
	flags.Int("error-threshold", 5, "Consecutive transport errors before backing off")
	flags.Duration("error-backoff", 60*time.Second, "Backoff after the error threshold is reached")
	flags.Duration("request-timeout", 30*time.Second, "Timeout of control plane requests")
	flags.Duration("shutdown-timeout", 60*time.Second, "Time running jobs get to checkpoint on shutdown")
	flags.String("metrics-addr", "0.0.0.0:9090", "Metrics server bind address (empty disables)")
	flags.String("control-addr", "127.0.0.1:8095", "Control API bind address (empty disables)")
	flags.Duration("resource-interval", 5*time.Second, "Interval between host resource samples")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("trainer", "simulated", "Trainer to run jobs with (simulated, command)")
	flags.String("trainer-command", "", "Executable started for each fit run when --trainer=command")
	flags.StringSlice("trainer-args", nil, "Arguments passed to the trainer command")
	flags.Duration("trainer-step-duration", 100*time.Millisecond, "Time per step of the simulated trainer")
	flags.Duration("trainer-stop-timeout", 10*time.Second, "Time the trainer command gets to exit after SIGTERM")
	flags.Bool("tracing-enabled", false, "Export traces over OTLP gRPC")
	flags.String("tracing-endpoint", "localhost:4317", "OTLP collector endpoint")
	flags.Float64("tracing-sample-rate", 1.0, "Trace sample rate")
	flags.Bool("tracing-insecure", true, "Export traces without TLS")
	flags.String("tracing-ca-file", "", "CA bundle used to verify the OTLP collector")

	// Bind flags to viper
	viper.BindPFlag("config", flags.Lookup("config"))
	viper.BindPFlag("backend_url", flags.Lookup("backend-url"))
	viper.BindPFlag("api_key", flags.Lookup("api-key"))
	viper.BindPFlag("agent_id", flags.Lookup("agent-id"))
	viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	viper.BindPFlag("checkpoint_dir", flags.Lookup("checkpoint-dir"))
	viper.BindPFlag("poll_interval", flags.Lookup("poll-interval"))
	viper.BindPFlag("track_interval", flags.Lookup("track-interval"))
	viper.BindPFlag("max_concurrent_jobs", flags.Lookup("max-concurrent-jobs"))
	viper.BindPFlag("metrics_interval_steps", flags.Lookup("metrics-interval-steps"))
	viper.BindPFlag("checkpoint_interval_steps", flags.Lookup("checkpoint-interval-steps"))
	viper.BindPFlag("cancel_grace_period", flags.Lookup("cancel-grace-period"))
	viper.BindPFlag("log_buffer_size", flags.Lookup("log-buffer-size"))
	viper.BindPFlag("log_batch_size", flags.Lookup("log-batch-size"))
	viper.BindPFlag("error_threshold", flags.Lookup("error-threshold"))
	viper.BindPFlag("error_backoff", flags.Lookup("error-backoff"))
	viper.BindPFlag("request_timeout", flags.Lookup("request-timeout"))
	viper.BindPFlag("shutdown_timeout", flags.Lookup("shutdown-timeout"))
	viper.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))
	viper.BindPFlag("control_addr", flags.Lookup("control-addr"))
	viper.BindPFlag("resource_interval", flags.Lookup("resource-interval"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
	viper.BindPFlag("trainer.kind", flags.Lookup("trainer"))
	viper.BindPFlag("trainer.command", flags.Lookup("trainer-command"))
	viper.BindPFlag("trainer.args", flags.Lookup("trainer-args"))
	viper.BindPFlag("trainer.step_duration", flags.Lookup("trainer-step-duration"))
	viper.BindPFlag("trainer.stop_timeout", flags.Lookup("trainer-stop-timeout"))
	viper.BindPFlag("tracing.enabled", flags.Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.endpoint", flags.Lookup("tracing-endpoint"))
	viper.BindPFlag("tracing.sample_rate", flags.Lookup("tracing-sample-rate"))
	viper.BindPFlag("tracing.insecure", flags.Lookup("tracing-insecure"))
	viper.BindPFlag("tracing.ca_file", flags.Lookup("tracing-ca-file"))

	// Set up environment variable binding, TRAINAGENT_TRAINER_COMMAND maps
	// to trainer.command
	viper.SetEnvPrefix("TRAINAGENT")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the agent (default)",
		RunE:  run,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Training Agent\n")
			fmt.Fprintf(out, "  Version:    %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Go Version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	rootCmd.AddCommand(newInspectCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := readConfigFile(viper.GetViper()); err != nil {
		return err
	}

	logger, err := observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting training agent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
	)

	tracer, err := observability.NewTracerProvider(tracerConfig(viper.GetViper()), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	config, err := agentConfig(viper.GetViper(), logger)
	if err != nil {
		return err
	}

	agentInstance, err := agent.New(config)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	// Cancel the errgroup context on SIGINT and SIGTERM,
	// which shuts everything down gracefully.
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stopSignal)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-stopSignal:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			return errShutdown
		}
	})

	if err := agentInstance.Start(ctx); err != nil {
		agentInstance.Stop(context.Background())
		return fmt.Errorf("failed to start agent: %w", err)
	}

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("Starting graceful shutdown...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("shutdown_timeout"))
		defer cancel()

		if err := agentInstance.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping agent", zap.Error(err))
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error stopping tracer", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		return err
	}

	logger.Info("Shutdown complete")
	return nil
}

var errShutdown = errors.New("shutdown requested")
