package executor

import (
	"sync/atomic"

	"github.com/cloudless/trainagent/pkg/observability"
	"github.com/cloudless/trainagent/pkg/training"
	"go.uber.org/zap"
)

// stepObserver is the step callback handed to the fit procedure. It is the
// only writer of the job's step counters while the run is active.
type stepObserver struct {
	e       *Executor
	run     *run
	decided atomic.Int32
}

func (o *stepObserver) decision() training.Decision {
	return training.Decision(o.decided.Load())
}

// Step records progress and tells the fit what to do next. Cancel wins over
// pause; once either has been decided it sticks for the rest of the run.
func (o *stepObserver) Step(ev training.StepEvent) training.Decision {
	job := o.run.job
	if o.run.settled.Load() {
		return training.Stop
	}

	job.AdvanceStep(ev.Step, ev.Epoch)
	observability.TrainingStepsTotal.Inc()

	if job.Signals.CancelRequested() {
		o.decided.Store(int32(training.Stop))
		return training.Stop
	}
	if d := o.decision(); d == training.Pause || job.Signals.PauseRequested() {
		o.decided.Store(int32(training.Pause))
		return training.Pause
	}

	cfg := o.e.cfg
	if cfg.MetricsIntervalSteps > 0 && ev.Step%cfg.MetricsIntervalSteps == 0 {
		o.e.sampleMetrics(job, ev)
	}

	total := job.Spec().TotalSteps
	if cfg.CheckpointIntervalSteps > 0 && ev.Step > 0 && ev.Step%cfg.CheckpointIntervalSteps == 0 &&
		(total == 0 || ev.Step < total) {
		return training.Checkpoint
	}
	return training.Continue
}

func (o *stepObserver) Checkpointed(path string, step, epoch int) {
	job := o.run.job
	job.RecordCheckpoint(path)
	o.e.recordCheckpoint(job, path, step, epoch, training.StatusRunning)
	o.e.logger.Debug("Checkpoint saved",
		zap.String("job_id", job.ID()),
		zap.String("path", path),
		zap.Int("step", step))
}

func (o *stepObserver) Log(line string) {
	o.run.job.Logs.Append(line)
}

// sampleMetrics builds a metrics sample and hands it to the reporter
func (e *Executor) sampleMetrics(job *training.Job, ev training.StepEvent) {
	var res training.ResourceSnapshot
	if e.resources != nil {
		res = e.resources.Snapshot()
	}
	m := training.NewMetrics(ev, res)
	job.SetMetrics(m)
	e.reporter.Report(job.ID(), job.Token(), m)
}
