package main

import (
	"fmt"
	"strings"

	"github.com/cloudless/trainagent/pkg/agent"
	"github.com/cloudless/trainagent/pkg/observability"
	"github.com/cloudless/trainagent/pkg/trainer"
	"github.com/cloudless/trainagent/pkg/training"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var envKeyReplacer = strings.NewReplacer(".", "_", "-", "_")

// readConfigFile loads the optional config file named by the config key
func readConfigFile(v *viper.Viper) error {
	configFile := v.GetString("config")
	if configFile == "" {
		return nil
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// agentConfig builds the agent configuration from flags, environment and
// config file
func agentConfig(v *viper.Viper, logger *zap.Logger) (*agent.Config, error) {
	fit, err := newTrainer(v, logger)
	if err != nil {
		return nil, err
	}

	config := &agent.Config{
		DataDir:                 v.GetString("data_dir"),
		CheckpointDir:           v.GetString("checkpoint_dir"),
		BackendURL:              v.GetString("backend_url"),
		APIKey:                  v.GetString("api_key"),
		AgentID:                 v.GetString("agent_id"),
		RequestTimeout:          v.GetDuration("request_timeout"),
		PollInterval:            v.GetDuration("poll_interval"),
		TrackInterval:           v.GetDuration("track_interval"),
		ErrorThreshold:          v.GetInt("error_threshold"),
		ErrorBackoff:            v.GetDuration("error_backoff"),
		MaxConcurrentJobs:       v.GetInt("max_concurrent_jobs"),
		MetricsIntervalSteps:    v.GetInt("metrics_interval_steps"),
		CheckpointIntervalSteps: v.GetInt("checkpoint_interval_steps"),
		CancelGracePeriod:       v.GetDuration("cancel_grace_period"),
		LogBufferSize:           v.GetInt("log_buffer_size"),
		LogBatchSize:            v.GetInt("log_batch_size"),
		MetricsAddr:             v.GetString("metrics_addr"),
		ControlAddr:             v.GetString("control_addr"),
		ResourceInterval:        v.GetDuration("resource_interval"),
		Trainer:                 fit,
		Logger:                  logger,
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// newTrainer picks the fit procedure jobs run with
func newTrainer(v *viper.Viper, logger *zap.Logger) (training.Trainer, error) {
	switch kind := v.GetString("trainer.kind"); kind {
	case "", "simulated":
		return trainer.NewSimulated(v.GetDuration("trainer.step_duration"), logger), nil
	case "command":
		command := v.GetString("trainer.command")
		if command == "" {
			return nil, fmt.Errorf("trainer command is required when trainer is %q", kind)
		}
		return trainer.NewCommand(command, v.GetStringSlice("trainer.args"), v.GetDuration("trainer.stop_timeout"), logger), nil
	default:
		return nil, fmt.Errorf("unknown trainer: %q", kind)
	}
}

func tracerConfig(v *viper.Viper) observability.TracerConfig {
	return observability.TracerConfig{
		Enabled:        v.GetBool("tracing.enabled"),
		Endpoint:       v.GetString("tracing.endpoint"),
		ServiceName:    "trainagent",
		ServiceVersion: Version,
		SampleRate:     v.GetFloat64("tracing.sample_rate"),
		Insecure:       v.GetBool("tracing.insecure"),
		CAFile:         v.GetString("tracing.ca_file"),
	}
}
