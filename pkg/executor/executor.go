// Package executor drives training jobs through their lifecycle: it admits
// claimed jobs under the concurrency cap, runs the fit procedure in the
// background and turns pause, resume and cancel requests into status
// transitions reported to the control plane.
package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudless/trainagent/pkg/checkpoint"
	"github.com/cloudless/trainagent/pkg/controlplane"
	"github.com/cloudless/trainagent/pkg/observability"
	"github.com/cloudless/trainagent/pkg/training"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Config holds executor configuration
type Config struct {
	MaxConcurrentJobs       int
	MetricsIntervalSteps    int
	CheckpointIntervalSteps int
	CancelGracePeriod       time.Duration
	CheckpointDir           string
	LogBufferSize           int
	LogBatchSize            int
	ReportTimeout           time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.CancelGracePeriod <= 0 {
		c.CancelGracePeriod = 30 * time.Second
	}
	if c.LogBufferSize <= 0 {
		c.LogBufferSize = training.DefaultLogBufferSize
	}
	if c.LogBatchSize <= 0 {
		c.LogBatchSize = defaultLogBatchSize
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 10 * time.Second
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "checkpoints"
	}
}

// ResourceSampler provides the resource snapshot attached to metrics samples
type ResourceSampler interface {
	Snapshot() training.ResourceSnapshot
}

// Option configures optional executor collaborators
type Option func(*Executor)

// WithCheckpointIndex records every checkpoint in a durable index
func WithCheckpointIndex(idx *checkpoint.Index) Option {
	return func(e *Executor) { e.index = idx }
}

// WithResourceSampler attaches resource snapshots to metrics samples
func WithResourceSampler(s ResourceSampler) Option {
	return func(e *Executor) { e.resources = s }
}

// WithEventStream records job events
func WithEventStream(es *observability.EventStream) Option {
	return func(e *Executor) { e.events = es }
}

// Executor owns the job registry and every background fit run
type Executor struct {
	cfg     Config
	trainer training.Trainer
	client  controlplane.Client
	logger  *zap.Logger

	registry  *Registry
	reporter  *MetricsReporter
	logs      *LogAggregator
	index     *checkpoint.Index
	resources ResourceSampler
	events    *observability.EventStream

	// admit serialises the capacity check with the move to RUNNING
	admit sync.Mutex

	runsMu sync.Mutex
	runs   map[string]*run

	wg      sync.WaitGroup
	closing atomic.Bool
	now     func() time.Time
}

// run is one invocation of the fit procedure for a job
type run struct {
	job    *training.Job
	cancel context.CancelFunc
	done   chan struct{}

	// settled is set by whichever side records the run's outcome first:
	// the fit goroutine on return, or the forced-cancel watchdog
	settled  atomic.Bool
	watchdog sync.Once
}

func (r *run) settle() bool {
	return r.settled.CompareAndSwap(false, true)
}

// New creates an executor
func New(cfg Config, trainer training.Trainer, client controlplane.Client, logger *zap.Logger, opts ...Option) *Executor {
	cfg.setDefaults()

	e := &Executor{
		cfg:      cfg,
		trainer:  trainer,
		client:   client,
		logger:   logger,
		registry: NewRegistry(),
		reporter: NewMetricsReporter(client, cfg.ReportTimeout, logger),
		logs:     NewLogAggregator(client, cfg.LogBatchSize, cfg.ReportTimeout, logger),
		runs:     make(map[string]*run),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartTraining admits a claimed job and launches its fit procedure in the
// background. At capacity the job is recorded as FAILED, reported once and
// ErrCapacityExceeded is returned.
func (e *Executor) StartTraining(ctx context.Context, desc controlplane.JobDescription, token string) (*training.Job, error) {
	if e.closing.Load() {
		return nil, ErrShuttingDown
	}

	spec, err := desc.Spec()
	if err != nil {
		return nil, err
	}
	job := training.NewJob(spec, token, e.cfg.LogBufferSize)
	logger := e.logger.With(zap.String("job_id", job.ID()))

	e.admit.Lock()
	if err := e.registry.Add(job); err != nil {
		e.admit.Unlock()
		return nil, err
	}

	if running := e.registry.CountRunning(); running >= e.cfg.MaxConcurrentJobs {
		failErr := job.Fail(ErrCapacityExceeded.Error(), "", e.now())
		v := job.View()
		e.admit.Unlock()
		if failErr != nil {
			logger.Error("Failed to record capacity rejection", zap.Error(failErr))
		}

		observability.CapacityRejectionsTotal.Inc()
		e.recordEvent(ctx, observability.NewJobEvent(observability.EventCapacityRejected, job.ID(),
			fmt.Sprintf("Rejected job %s with %d of %d jobs running", job.ID(), running, e.cfg.MaxConcurrentJobs)))
		logger.Warn("Rejecting job, agent at capacity",
			zap.Int("running", running),
			zap.Int("max_concurrent_jobs", e.cfg.MaxConcurrentJobs))

		e.finish(job, v, training.StatusQueued)
		return nil, ErrCapacityExceeded
	}

	if err := job.Start(e.now()); err != nil {
		e.admit.Unlock()
		e.registry.Remove(job)
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	v := job.View()
	runCtx, r := e.prepareRun(job)
	e.admit.Unlock()

	logger.Info("Starting training job",
		zap.String("dataset_path", spec.DatasetPath),
		zap.Int("total_steps", spec.TotalSteps),
		zap.Int("total_epochs", spec.TotalEpochs))

	e.transitioned(ctx, v, training.StatusQueued)
	e.reportStatus(job, v)
	e.launch(runCtx, r, e.fitRequest(job, "", 0, 0))
	return job, nil
}

// PauseTraining asks a RUNNING job to stop at its next step boundary and
// leave a checkpoint behind. It returns without waiting.
func (e *Executor) PauseTraining(ctx context.Context, jobID string) error {
	job, err := e.get(jobID)
	if err != nil {
		return err
	}
	if status := job.Status(); status != training.StatusRunning {
		return fmt.Errorf("%w: cannot pause job %s in status %s", ErrInvalidState, jobID, status)
	}

	job.Signals.RequestPause()
	e.recordEvent(ctx, observability.NewJobEvent(observability.EventPauseRequested, jobID,
		fmt.Sprintf("Pause requested for job %s", jobID)))
	return nil
}

// ResumeTraining relaunches a PAUSED job from a checkpoint. An empty
// checkpointPath resumes from the job's stored checkpoint. If the run that
// paused the job is still publishing the pause, ResumeTraining waits for it.
func (e *Executor) ResumeTraining(ctx context.Context, jobID, checkpointPath string) error {
	if e.closing.Load() {
		return ErrShuttingDown
	}

	job, err := e.get(jobID)
	if err != nil {
		return err
	}
	if status := job.Status(); status != training.StatusPaused {
		return fmt.Errorf("%w: cannot resume job %s in status %s", ErrInvalidState, jobID, status)
	}

	if prev := e.activeRun(job); prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	path := e.resumeCheckpoint(job, checkpointPath)
	if path == "" {
		return fmt.Errorf("%w: job %s", ErrNoCheckpoint, jobID)
	}
	step, epoch, err := e.resumePoint(job, path)
	if err != nil {
		return err
	}

	e.admit.Lock()
	if running := e.registry.CountRunning(); running >= e.cfg.MaxConcurrentJobs {
		e.admit.Unlock()
		observability.CapacityRejectionsTotal.Inc()
		return ErrCapacityExceeded
	}
	job.Signals.ClearPause()
	if err := job.Start(e.now()); err != nil {
		e.admit.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	job.AdvanceStep(step, epoch)
	v := job.View()
	runCtx, r := e.prepareRun(job)
	e.admit.Unlock()

	e.logger.Info("Resuming training job",
		zap.String("job_id", jobID),
		zap.String("checkpoint", path),
		zap.Int("step", step))

	e.recordEvent(ctx, observability.NewJobEvent(observability.EventResumeRequested, jobID,
		fmt.Sprintf("Resuming job %s from step %d", jobID, step)))
	e.transitioned(ctx, v, training.StatusPaused)
	e.reportStatus(job, v)
	e.launch(runCtx, r, e.fitRequest(job, path, step, epoch))
	return nil
}

// resumeCheckpoint picks the first existing checkpoint among the explicit
// path, the job's stored path and the durable index
func (e *Executor) resumeCheckpoint(job *training.Job, explicit string) string {
	candidates := []string{explicit, job.CheckpointPath()}
	if e.index != nil {
		if rec, err := e.index.Get(job.ID()); err == nil {
			candidates = append(candidates, rec.Path)
		}
	}
	for _, path := range candidates {
		if checkpoint.Exists(path) {
			return path
		}
	}
	return ""
}

// resumePoint returns the step and epoch a run resumed from path starts at.
// A checkpoint without a manifest continues from the job's own progress. One
// taken before the job's current step is refused, the step counter never
// moves back.
func (e *Executor) resumePoint(job *training.Job, path string) (step, epoch int, err error) {
	step, epoch = job.Progress()

	m, err := checkpoint.ReadManifest(path)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return step, epoch, nil
	case err != nil:
		return 0, 0, fmt.Errorf("%w: %v", ErrNoCheckpoint, err)
	case m.Step < step:
		return 0, 0, fmt.Errorf("%w: checkpoint %s is at step %d, job %s is at step %d",
			ErrInvalidState, path, m.Step, job.ID(), step)
	}

	if m.Epoch > epoch {
		epoch = m.Epoch
	}
	return m.Step, epoch, nil
}

// CancelTraining cancels a job. A PAUSED job is cancelled immediately. A
// RUNNING job is asked to stop at its next step boundary; if it has not
// stopped within the grace period its run is abandoned and the job is
// cancelled anyway.
func (e *Executor) CancelTraining(ctx context.Context, jobID string) error {
	job, err := e.get(jobID)
	if err != nil {
		return err
	}

	// The pause must be published before the cancel that follows it
	if prev := e.activeRun(job); prev != nil && job.Status() == training.StatusPaused {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.admit.Lock()
	status := job.Status()
	switch status {
	case training.StatusPaused:
		job.Signals.RequestCancel()
		cancelErr := job.Cancel(e.now())
		v := job.View()
		e.admit.Unlock()
		if cancelErr != nil {
			return fmt.Errorf("%w: %v", ErrInvalidState, cancelErr)
		}
		e.recordEvent(ctx, observability.NewJobEvent(observability.EventCancelRequested, jobID,
			fmt.Sprintf("Cancelled paused job %s", jobID)))
		e.finish(job, v, training.StatusPaused)
		return nil

	case training.StatusRunning:
		job.Signals.RequestCancel()
		e.admit.Unlock()
		e.recordEvent(ctx, observability.NewJobEvent(observability.EventCancelRequested, jobID,
			fmt.Sprintf("Cancel requested for job %s", jobID)))
		e.watchCancel(job)
		return nil
	}

	e.admit.Unlock()
	return fmt.Errorf("%w: cannot cancel job %s in status %s", ErrInvalidState, jobID, status)
}

// watchCancel forces the cancellation of a running job that does not honour
// its cancel flag within the grace period
func (e *Executor) watchCancel(job *training.Job) {
	r := e.activeRun(job)
	if r == nil {
		// The run already finished; a job it left PAUSED still needs cancelling
		e.cancelIfPaused(job)
		return
	}

	r.watchdog.Do(func() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			timer := time.NewTimer(e.cfg.CancelGracePeriod)
			defer timer.Stop()

			select {
			case <-r.done:
				e.cancelIfPaused(job)
			case <-timer.C:
				e.forceCancel(r)
			}
		}()
	})
}

// cancelIfPaused completes a cancel request that raced with a pause
func (e *Executor) cancelIfPaused(job *training.Job) {
	if !job.Signals.CancelRequested() {
		return
	}
	e.admit.Lock()
	if job.Status() != training.StatusPaused {
		e.admit.Unlock()
		return
	}
	err := job.Cancel(e.now())
	v := job.View()
	e.admit.Unlock()
	if err != nil {
		return
	}
	e.finish(job, v, training.StatusPaused)
}

// forceCancel abandons a run that ignored its cancel flag
func (e *Executor) forceCancel(r *run) {
	if !r.settle() {
		return
	}
	defer e.forgetRun(r)

	job := r.job
	r.cancel()
	observability.ForcedCancellationsTotal.Inc()
	e.logger.Warn("Fit did not stop within grace period, abandoning run",
		zap.String("job_id", job.ID()),
		zap.Duration("grace_period", e.cfg.CancelGracePeriod))
	e.recordEvent(context.Background(), observability.NewJobEvent(observability.EventCancelForced, job.ID(),
		fmt.Sprintf("Forced cancellation of job %s after %s", job.ID(), e.cfg.CancelGracePeriod)))

	from := job.Status()
	if err := job.Cancel(e.now()); err != nil {
		e.logger.Error("Failed to cancel abandoned job", zap.String("job_id", job.ID()), zap.Error(err))
		return
	}
	e.finish(job, job.View(), from)
}

// Status returns a snapshot of a job
func (e *Executor) Status(jobID string) (training.View, error) {
	job, err := e.get(jobID)
	if err != nil {
		return training.View{}, err
	}
	return job.View(), nil
}

// List returns snapshots of all jobs, ordered by id
func (e *Executor) List() []training.View {
	jobs := e.registry.List()
	views := make([]training.View, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, job.View())
	}
	return views
}

// HasRunning reports whether any job is RUNNING
func (e *Executor) HasRunning() bool {
	return e.registry.CountRunning() > 0
}

// Shutdown stops accepting jobs, asks every RUNNING job to pause and waits
// for the runs to checkpoint. If ctx expires first, the remaining runs are
// cancelled and ctx.Err() is returned.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.closing.Store(true)

	for _, job := range e.registry.List() {
		if job.Status() == training.StatusRunning {
			e.logger.Info("Pausing job for shutdown", zap.String("job_id", job.ID()))
			job.Signals.RequestPause()
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.runsMu.Lock()
		for _, r := range e.runs {
			r.cancel()
		}
		e.runsMu.Unlock()
		e.logger.Warn("Shutdown deadline reached before all jobs paused")
		return ctx.Err()
	}

	e.reporter.Wait()
	return nil
}

func (e *Executor) get(jobID string) (*training.Job, error) {
	job, ok := e.registry.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

func (e *Executor) fitRequest(job *training.Job, resumeFrom string, step, epoch int) training.FitRequest {
	spec := job.Spec()
	return training.FitRequest{
		JobID:         spec.ID,
		Config:        spec.Config,
		DatasetPath:   spec.DatasetPath,
		TotalSteps:    spec.TotalSteps,
		TotalEpochs:   spec.TotalEpochs,
		CheckpointDir: filepath.Join(e.cfg.CheckpointDir, spec.ID),
		ResumeFrom:    resumeFrom,
		StartStep:     step,
		StartEpoch:    epoch,
	}
}

// prepareRun registers the run of a job that has just moved to RUNNING.
// Callers hold admit, so a cancel issued after the transition always finds
// the run and can arm its watchdog.
func (e *Executor) prepareRun(job *training.Job) (context.Context, *run) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{job: job, cancel: cancel, done: make(chan struct{})}

	e.runsMu.Lock()
	e.runs[job.ID()] = r
	e.runsMu.Unlock()

	e.wg.Add(1)
	return ctx, r
}

// launch starts the fit goroutine of a prepared run. A run the watchdog
// already abandoned is never started.
func (e *Executor) launch(ctx context.Context, r *run, req training.FitRequest) {
	if r.settled.Load() {
		r.cancel()
		close(r.done)
		e.wg.Done()
		return
	}
	go e.execute(ctx, r, req)
}

// activeRun returns the job's registered run, if any
func (e *Executor) activeRun(job *training.Job) *run {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	if r := e.runs[job.ID()]; r != nil && r.job == job {
		return r
	}
	return nil
}

func (e *Executor) forgetRun(r *run) {
	e.runsMu.Lock()
	if e.runs[r.job.ID()] == r {
		delete(e.runs, r.job.ID())
	}
	e.runsMu.Unlock()
}

// execute runs the fit procedure and records its outcome
func (e *Executor) execute(ctx context.Context, r *run, req training.FitRequest) {
	defer e.wg.Done()
	defer close(r.done)
	defer r.cancel()

	job := r.job
	ctx = observability.WithJobID(ctx, job.ID())
	ctx, span := observability.StartSpan(ctx, "executor.fit",
		attribute.String("job_id", job.ID()),
		attribute.Int("start_step", req.StartStep),
	)

	obs := &stepObserver{e: e, run: r}
	res, err := e.fit(ctx, req, obs)
	observability.EndSpan(span, err)

	if !r.settle() {
		e.logger.Info("Ignoring result of abandoned fit run",
			zap.String("job_id", job.ID()),
			zap.Int("step", res.Step),
			zap.Error(err))
		return
	}
	defer e.forgetRun(r)

	job.AdvanceStep(res.Step, res.Epoch)

	switch decision := obs.decision(); {
	case decision == training.Stop:
		if err != nil {
			e.logger.Debug("Fit returned error after stop", zap.String("job_id", job.ID()), zap.Error(err))
		}
		e.finishCancelled(job)
	case err != nil:
		e.finishFailed(job, err)
	case decision == training.Pause:
		e.finishPaused(job, res)
	case res.Stopped:
		e.finishFailed(job, errors.New("fit procedure stopped without a pause or cancel request"))
	default:
		e.finishCompleted(job, res)
	}
}

// fit calls the trainer, converting a panic into an error
func (e *Executor) fit(ctx context.Context, req training.FitRequest, obs training.Observer) (res training.FitResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p, stack: debug.Stack()}
		}
	}()
	return e.trainer.Fit(ctx, req, obs)
}

type panicError struct {
	value interface{}
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("fit procedure panicked: %v", p.value)
}

func (e *Executor) finishCancelled(job *training.Job) {
	if err := job.Cancel(e.now()); err != nil {
		e.logger.Error("Failed to cancel job", zap.String("job_id", job.ID()), zap.Error(err))
		return
	}
	e.finish(job, job.View(), training.StatusRunning)
}

func (e *Executor) finishFailed(job *training.Job, cause error) {
	detail := fmt.Sprintf("%+v", cause)
	var pe *panicError
	if errors.As(cause, &pe) {
		detail = string(pe.stack)
	}

	if err := job.Fail(cause.Error(), detail, e.now()); err != nil {
		e.logger.Error("Failed to mark job failed", zap.String("job_id", job.ID()), zap.Error(err))
		return
	}
	e.logger.Error("Training job failed", zap.String("job_id", job.ID()), zap.Error(cause))
	e.finish(job, job.View(), training.StatusRunning)
}

func (e *Executor) finishPaused(job *training.Job, res training.FitResult) {
	path, err := e.ensureCheckpoint(job, res.CheckpointPath)
	if err != nil {
		e.finishFailed(job, err)
		return
	}
	e.admit.Lock()
	err = job.Pause(path, e.now())
	v := job.View()
	e.admit.Unlock()
	if err != nil {
		e.finishFailed(job, err)
		return
	}
	e.finish(job, v, training.StatusRunning)

	// A cancel that arrived while the fit was saving state
	e.cancelIfPaused(job)
}

func (e *Executor) finishCompleted(job *training.Job, res training.FitResult) {
	path, err := e.ensureCheckpoint(job, res.CheckpointPath)
	if err != nil {
		e.finishFailed(job, err)
		return
	}
	if err := job.Complete(path, e.now()); err != nil {
		e.finishFailed(job, err)
		return
	}
	e.finish(job, job.View(), training.StatusRunning)
}

// ensureCheckpoint returns the trainer's checkpoint, or writes a manifest
// for the job's current progress when the trainer left none
func (e *Executor) ensureCheckpoint(job *training.Job, path string) (string, error) {
	if path != "" {
		return path, nil
	}

	step, epoch := job.Progress()
	dir := checkpoint.Dir(e.cfg.CheckpointDir, job.ID(), step)
	err := checkpoint.WriteManifest(dir, checkpoint.Manifest{
		JobID: job.ID(),
		Step:  step,
		Epoch: epoch,
	})
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return dir, nil
}

// finish publishes a transition that has already been applied to the job,
// using the snapshot v taken with it: the transition is recorded and
// reported, then the job's logs are flushed. Terminal jobs then leave the
// registry.
func (e *Executor) finish(job *training.Job, v training.View, from training.Status) {
	e.transitioned(context.Background(), v, from)

	if v.CheckpointPath != "" && (v.Status == training.StatusPaused || v.Status == training.StatusCompleted) {
		e.recordCheckpoint(job, v.CheckpointPath, v.CurrentStep, v.CurrentEpoch, v.Status)
	}

	e.reportStatus(job, v)
	e.logs.Flush(context.Background(), job)

	if v.Status.IsTerminal() {
		e.registry.Remove(job)
		e.refreshGauges()
	}
}

// transitioned records a transition from the snapshot taken when it was
// applied
func (e *Executor) transitioned(ctx context.Context, v training.View, from training.Status) {
	observability.JobTransitionsTotal.WithLabelValues(string(v.Status)).Inc()
	e.refreshGauges()

	e.logger.Info("Job status changed",
		zap.String("job_id", v.ID),
		zap.String("from", string(from)),
		zap.String("to", string(v.Status)),
		zap.Int("step", v.CurrentStep))
	e.recordEvent(ctx, observability.NewTransitionEvent(v.ID, string(from), string(v.Status), v.ErrorMessage))
}

func (e *Executor) refreshGauges() {
	counts := e.registry.CountByStatus()
	for _, status := range training.Statuses {
		observability.JobsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (e *Executor) recordEvent(ctx context.Context, event observability.Event) {
	if e.events != nil {
		e.events.RecordEvent(ctx, event)
	}
}

func (e *Executor) recordCheckpoint(job *training.Job, path string, step, epoch int, status training.Status) {
	if e.index == nil {
		return
	}
	err := e.index.Put(checkpoint.Record{
		JobID:  job.ID(),
		Path:   path,
		Step:   step,
		Epoch:  epoch,
		Status: string(status),
	})
	if err != nil {
		e.logger.Warn("Failed to index checkpoint",
			zap.String("job_id", job.ID()),
			zap.String("path", path),
			zap.Error(err))
	}
}

// reportStatus sends the snapshot taken when a transition was applied.
// Reports of one job go out in transition order; a snapshot overtaken by a
// later transition is not sent. Failures are logged only.
func (e *Executor) reportStatus(job *training.Job, v training.View) {
	sent := job.Publish(v, func(v training.View) {
		update := controlplane.StatusUpdate{
			Status:         v.Status,
			Error:          v.ErrorMessage,
			Step:           v.CurrentStep,
			Epoch:          v.CurrentEpoch,
			CheckpointPath: v.CheckpointPath,
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ReportTimeout)
		defer cancel()

		result := observability.ResultSuccess
		if err := e.client.ReportStatus(ctx, job.ID(), job.Token(), update); err != nil {
			result = observability.ResultError
			e.logger.Warn("Failed to report job status",
				zap.String("job_id", job.ID()),
				zap.String("status", string(v.Status)),
				zap.Error(err))
		}
		observability.StatusReportsTotal.WithLabelValues(string(v.Status), result).Inc()
	})
	if !sent {
		e.logger.Debug("Skipping superseded status report",
			zap.String("job_id", job.ID()),
			zap.String("status", string(v.Status)))
	}
}
