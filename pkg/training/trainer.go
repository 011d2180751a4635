package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Decision tells the fit procedure what to do after a step boundary
type Decision int

const (
	// Continue with the next step
	Continue Decision = iota
	// Checkpoint saves state at the current step and continues
	Checkpoint
	// Pause saves state at the current step and returns
	Pause
	// Stop returns immediately without saving state
	Stop
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case Checkpoint:
		return "checkpoint"
	case Pause:
		return "pause"
	case Stop:
		return "stop"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// StepEvent is what the fit procedure reports at every step boundary
type StepEvent struct {
	Step         int
	Epoch        int
	TrainLoss    *float64
	EvalLoss     *float64
	LearningRate *float64
}

// Observer is the interception point handed to a fit procedure. Step is
// called at every step boundary and its decision must be honoured before the
// next unit of work starts.
type Observer interface {
	Step(ev StepEvent) Decision
	Checkpointed(path string, step, epoch int)
	Log(line string)
}

// FitRequest describes one run of the fit procedure
type FitRequest struct {
	JobID         string
	Config        Config
	DatasetPath   string
	TotalSteps    int
	TotalEpochs   int
	CheckpointDir string

	// Set when resuming
	ResumeFrom string
	StartStep  int
	StartEpoch int
}

// FitResult is returned when a fit procedure exits without error
type FitResult struct {
	Step           int
	Epoch          int
	Stopped        bool
	CheckpointPath string
}

// Trainer is the opaque fit procedure. Implementations must call
// obs.Step after every unit of work and stop when told to.
type Trainer interface {
	Fit(ctx context.Context, req FitRequest, obs Observer) (FitResult, error)
}

// Config is the training configuration passed through to the fit procedure.
// The agent only checks that it is a structured object.
type Config map[string]any

// ErrInvalidConfig is returned for configurations that are not an object
var ErrInvalidConfig = errors.New("training config must be an object")

// ParseConfig decodes a raw JSON training configuration
func ParseConfig(raw json.RawMessage) (Config, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Config{}, nil
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	return cfg, nil
}

// Int reads an integer option, falling back to def when absent or mistyped
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Float reads a float option, falling back to def when absent or mistyped
func (c Config) Float(key string, def float64) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
