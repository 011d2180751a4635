package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cloudless/trainagent/pkg/checkpoint"
	"github.com/cloudless/trainagent/pkg/controlplane"
	"github.com/cloudless/trainagent/pkg/executor"
	"github.com/cloudless/trainagent/pkg/identity"
	"github.com/cloudless/trainagent/pkg/observability"
	"github.com/cloudless/trainagent/pkg/poller"
	"github.com/cloudless/trainagent/pkg/training"
	"go.uber.org/zap"
)

// IndexFile is the name of the checkpoint index inside the data directory
const IndexFile = "checkpoints.db"

// Config represents the agent configuration
type Config struct {
	DataDir       string
	CheckpointDir string

	// Control plane
	BackendURL     string
	APIKey         string
	AgentID        string // Empty uses the persisted or a generated identity
	RequestTimeout time.Duration

	// Polling
	PollInterval   time.Duration
	TrackInterval  time.Duration
	ErrorThreshold int
	ErrorBackoff   time.Duration

	// Execution
	MaxConcurrentJobs       int
	MetricsIntervalSteps    int
	CheckpointIntervalSteps int
	CancelGracePeriod       time.Duration
	LogBufferSize           int
	LogBatchSize            int

	// Local endpoints, empty disables them
	MetricsAddr string
	ControlAddr string

	ResourceInterval time.Duration
	GPURunner        CommandRunner

	Trainer training.Trainer
	Logger  *zap.Logger
}

// Validate validates the configuration and fills in defaults
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend URL is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.Trainer == nil {
		return fmt.Errorf("trainer is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.MaxConcurrentJobs < 0 {
		return fmt.Errorf("max concurrent jobs must not be negative, got %d", c.MaxConcurrentJobs)
	}
	if c.MetricsIntervalSteps < 0 || c.CheckpointIntervalSteps < 0 {
		return fmt.Errorf("step intervals must not be negative")
	}

	if c.DataDir == "" {
		c.DataDir = "/var/lib/trainagent"
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = filepath.Join(c.DataDir, "checkpoints")
	}
	if c.MaxConcurrentJobs == 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.MetricsIntervalSteps == 0 {
		c.MetricsIntervalSteps = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ResourceInterval <= 0 {
		c.ResourceInterval = 5 * time.Second
	}
	return nil
}

// Agent wires the poller, the executor and their supporting services
type Agent struct {
	config *Config
	logger *zap.Logger
	id     identity.Identity

	client   *controlplane.HTTPClient
	index    *checkpoint.Index
	events   *observability.EventStream
	monitor  *ResourceMonitor
	executor *executor.Executor
	poller   *poller.Poller

	metricsServer *observability.MetricsServer
	controlServer *http.Server
	controlLn     net.Listener

	mu         sync.Mutex
	stopPoll   context.CancelFunc
	pollerDone chan struct{}
	stopped    bool
}

// New creates a new agent instance
func New(config *Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	for _, dir := range []string{config.DataDir, config.CheckpointDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	id, created, err := identity.LoadOrCreate(filepath.Join(config.DataDir, identity.FileName), config.AgentID)
	if err != nil {
		return nil, err
	}
	logger := config.Logger.With(zap.String("agent_id", id.String()))
	logger.Info("Resolved agent identity", zap.Bool("generated", created))

	a := &Agent{
		config: config,
		logger: logger,
		id:     id,
		events: observability.NewEventStream(observability.EventStreamConfig{}, logger),
	}

	a.client, err = controlplane.NewHTTPClient(controlplane.HTTPConfig{
		BaseURL: config.BackendURL,
		APIKey:  config.APIKey,
		AgentID: id.String(),
		Timeout: config.RequestTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.index, err = checkpoint.OpenIndex(filepath.Join(config.DataDir, IndexFile), logger)
	if err != nil {
		return nil, err
	}

	a.monitor = NewResourceMonitor(MonitorConfig{
		Interval: config.ResourceInterval,
		DiskPath: config.CheckpointDir,
		Runner:   config.GPURunner,
	}, logger)

	a.executor = executor.New(executor.Config{
		MaxConcurrentJobs:       config.MaxConcurrentJobs,
		MetricsIntervalSteps:    config.MetricsIntervalSteps,
		CheckpointIntervalSteps: config.CheckpointIntervalSteps,
		CancelGracePeriod:       config.CancelGracePeriod,
		CheckpointDir:           config.CheckpointDir,
		LogBufferSize:           config.LogBufferSize,
		LogBatchSize:            config.LogBatchSize,
		ReportTimeout:           config.RequestTimeout,
	}, config.Trainer, a.client, logger,
		executor.WithCheckpointIndex(a.index),
		executor.WithResourceSampler(a.monitor),
		executor.WithEventStream(a.events),
	)

	a.poller = poller.New(poller.Config{
		PollInterval:   config.PollInterval,
		TrackInterval:  config.TrackInterval,
		ErrorThreshold: config.ErrorThreshold,
		ErrorBackoff:   config.ErrorBackoff,
	}, a.client, a.executor, a.events, logger)

	if config.MetricsAddr != "" {
		a.metricsServer = observability.NewMetricsServer(config.MetricsAddr, logger)
	}

	if config.ControlAddr != "" {
		a.controlServer = &http.Server{
			Handler: NewControlAPI(APIDependencies{
				Jobs:      a.executor,
				Events:    a.events,
				Resources: a.monitor.GetSnapshot,
				APIKey:    config.APIKey,
				Logger:    logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return a, nil
}

// ID returns the agent identity
func (a *Agent) ID() identity.Identity {
	return a.id
}

// Executor returns the job executor
func (a *Agent) Executor() *executor.Executor {
	return a.executor
}

// Events returns the job event stream
func (a *Agent) Events() *observability.EventStream {
	return a.events
}

// ControlAddr returns the bound address of the control API, or "" when it
// is disabled or not started
func (a *Agent) ControlAddr() string {
	if a.controlLn == nil {
		return ""
	}
	return a.controlLn.Addr().String()
}

// Start starts the background services and the poll loop. The loop runs
// until Stop is called or ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting agent",
		zap.String("backend_url", a.config.BackendURL),
		zap.Int("max_concurrent_jobs", a.config.MaxConcurrentJobs),
	)

	if err := a.monitor.Start(); err != nil {
		return fmt.Errorf("failed to start resource monitor: %w", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if a.controlServer != nil {
		ln, err := net.Listen("tcp", a.config.ControlAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on control address: %w", err)
		}
		a.controlLn = ln
		a.logger.Info("Starting control API", zap.String("address", ln.Addr().String()))
		go func() {
			if err := a.controlServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				a.logger.Error("Control API error", zap.Error(err))
			}
		}()
	}

	pollCtx, cancel := context.WithCancel(observability.WithAgentID(ctx, a.id.String()))
	done := make(chan struct{})

	a.mu.Lock()
	a.stopPoll = cancel
	a.pollerDone = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		if err := a.poller.Run(pollCtx); err != nil {
			a.logger.Error("Poller stopped", zap.Error(err))
		}
	}()

	if a.metricsServer != nil {
		a.metricsServer.SetReady(true)
	}

	a.logger.Info("Agent started successfully")
	return nil
}

// Stop stops polling, pauses running jobs so they leave a checkpoint and
// shuts every service down. Jobs still running when ctx expires are
// abandoned.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	stopPoll, pollerDone := a.stopPoll, a.pollerDone
	a.mu.Unlock()

	a.logger.Info("Stopping agent")

	if a.metricsServer != nil {
		a.metricsServer.SetReady(false)
	}

	if stopPoll != nil {
		stopPoll()
		select {
		case <-pollerDone:
		case <-ctx.Done():
			a.logger.Warn("Poller did not stop before the shutdown deadline")
		}
	}

	var errs []error
	if err := a.executor.Shutdown(ctx); err != nil {
		a.logger.Error("Failed to pause running jobs", zap.Error(err))
		errs = append(errs, err)
	}

	if a.controlServer != nil && a.controlLn != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.controlServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Failed to stop control API", zap.Error(err))
		}
		cancel()
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(context.Background()); err != nil {
			a.logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}

	if err := a.monitor.Stop(); err != nil {
		a.logger.Error("Failed to stop resource monitor", zap.Error(err))
	}

	if err := a.index.Close(); err != nil {
		a.logger.Error("Failed to close checkpoint index", zap.Error(err))
		errs = append(errs, err)
	}

	a.logger.Info("Agent stopped")
	return errors.Join(errs...)
}
