// Package trainer provides the fit procedures the agent can drive: a
// deterministic simulated trainer and an adapter for external training
// processes.
package trainer

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cloudless/trainagent/pkg/checkpoint"
	"github.com/cloudless/trainagent/pkg/training"
	"go.uber.org/zap"
)

const simulatedName = "simulated"

// SimulatedTrainer produces a smooth, deterministic loss curve. It honours
// every decision of the observer and writes real checkpoint manifests, which
// makes it useful for smoke-testing an agent against a control plane.
//
// Recognised config keys: initial_loss, decay, learning_rate, fail_at_step.
type SimulatedTrainer struct {
	stepDuration time.Duration
	logger       *zap.Logger
}

// NewSimulated creates a simulated trainer that spends stepDuration per step
func NewSimulated(stepDuration time.Duration, logger *zap.Logger) *SimulatedTrainer {
	return &SimulatedTrainer{stepDuration: stepDuration, logger: logger}
}

func (s *SimulatedTrainer) Fit(ctx context.Context, req training.FitRequest, obs training.Observer) (training.FitResult, error) {
	initialLoss := req.Config.Float("initial_loss", 2.5)
	decay := req.Config.Float("decay", 0.01)
	lr := req.Config.Float("learning_rate", 3e-4)
	failAt := req.Config.Int("fail_at_step", 0)

	stepsPerEpoch := req.TotalSteps
	if req.TotalEpochs > 1 {
		stepsPerEpoch = int(math.Ceil(float64(req.TotalSteps) / float64(req.TotalEpochs)))
	}

	step, epoch := req.StartStep, req.StartEpoch
	if req.ResumeFrom != "" {
		obs.Log(fmt.Sprintf("resuming from %s at step %d", req.ResumeFrom, step))
	}

	save := func(loss float64) (string, error) {
		dir := checkpoint.StepDir(req.CheckpointDir, step)
		err := checkpoint.WriteManifest(dir, checkpoint.Manifest{
			JobID:   req.JobID,
			Step:    step,
			Epoch:   epoch,
			Trainer: simulatedName,
			State:   map[string]string{"train_loss": strconv.FormatFloat(loss, 'f', 6, 64)},
		})
		return dir, err
	}

	loss := initialLoss
	for step < req.TotalSteps {
		if err := s.sleep(ctx); err != nil {
			return training.FitResult{Step: step, Epoch: epoch}, err
		}

		step++
		if stepsPerEpoch > 0 {
			epoch = (step - 1) / stepsPerEpoch
		}
		if failAt > 0 && step == failAt {
			return training.FitResult{Step: step, Epoch: epoch}, fmt.Errorf("simulated failure at step %d", step)
		}

		loss = initialLoss * math.Exp(-decay*float64(step))
		ev := training.StepEvent{
			Step:         step,
			Epoch:        epoch,
			TrainLoss:    training.Float(loss),
			LearningRate: training.Float(lr),
		}
		if stepsPerEpoch > 0 && step%stepsPerEpoch == 0 {
			ev.EvalLoss = training.Float(loss * 1.1)
		}
		obs.Log(fmt.Sprintf("step %d/%d epoch %d train_loss %.4f", step, req.TotalSteps, epoch, loss))

		switch obs.Step(ev) {
		case training.Stop:
			return training.FitResult{Step: step, Epoch: epoch, Stopped: true}, nil
		case training.Pause:
			path, err := save(loss)
			if err != nil {
				return training.FitResult{Step: step, Epoch: epoch}, err
			}
			obs.Log(fmt.Sprintf("paused at step %d", step))
			return training.FitResult{Step: step, Epoch: epoch, Stopped: true, CheckpointPath: path}, nil
		case training.Checkpoint:
			path, err := save(loss)
			if err != nil {
				return training.FitResult{Step: step, Epoch: epoch}, err
			}
			obs.Checkpointed(path, step, epoch)
		}
	}

	path, err := save(loss)
	if err != nil {
		return training.FitResult{Step: step, Epoch: epoch}, err
	}
	s.logger.Debug("Simulated fit finished", zap.String("job_id", req.JobID), zap.Int("step", step))
	return training.FitResult{Step: step, Epoch: epoch, CheckpointPath: path}, nil
}

func (s *SimulatedTrainer) sleep(ctx context.Context) error {
	if s.stepDuration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.stepDuration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
