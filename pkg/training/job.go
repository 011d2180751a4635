package training

import (
	"errors"
	"sync"
	"time"
)

// ErrCheckpointRequired is returned when a job would enter PAUSED or
// COMPLETED without a checkpoint path
var ErrCheckpointRequired = errors.New("checkpoint path required")

// Spec is the immutable description of a job as received from the control plane
type Spec struct {
	ID          string
	Config      Config
	DatasetPath string
	TotalSteps  int
	TotalEpochs int
}

// Job is the agent-side state of one training job.
//
// Status and timestamps are only changed by the executor through the
// transition methods below; step counters are only advanced by the step
// callback of the running fit. Signals and Logs are safe for concurrent use
// on their own.
type Job struct {
	spec  Spec
	token string

	Signals Signals
	Logs    *LogBuffer

	mu             sync.RWMutex
	status         Status
	currentStep    int
	currentEpoch   int
	checkpointPath string
	errorMessage   string
	errorDetail    string
	startedAt      time.Time
	pausedAt       time.Time
	completedAt    time.Time
	lastMetrics    *Metrics
	transitions    int

	// publishMu orders Publish calls; published is the transition count of
	// the last snapshot published
	publishMu sync.Mutex
	published int
}

// NewJob creates a QUEUED job
func NewJob(spec Spec, token string, logBufferSize int) *Job {
	if spec.Config == nil {
		spec.Config = Config{}
	}
	return &Job{
		spec:   spec,
		token:  token,
		Logs:   NewLogBuffer(logBufferSize),
		status: StatusQueued,
	}
}

func (j *Job) ID() string    { return j.spec.ID }
func (j *Job) Token() string { return j.token }
func (j *Job) Spec() Spec    { return j.spec }

// Status returns the current status
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Progress returns the current step and epoch
func (j *Job) Progress() (step, epoch int) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.currentStep, j.currentEpoch
}

// CheckpointPath returns the most recent checkpoint, empty if none
func (j *Job) CheckpointPath() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.checkpointPath
}

// ErrorMessage returns the failure message of a FAILED job
func (j *Job) ErrorMessage() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.errorMessage
}

// AdvanceStep records progress reported at a step boundary. Counters never
// move backwards; a lower step is ignored and false is returned.
func (j *Job) AdvanceStep(step, epoch int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if step < j.currentStep {
		return false
	}
	j.currentStep = step
	if epoch >= j.currentEpoch {
		j.currentEpoch = epoch
	}
	return true
}

// RecordCheckpoint stores a checkpoint path produced while running
func (j *Job) RecordCheckpoint(path string) {
	if path == "" {
		return
	}
	j.mu.Lock()
	j.checkpointPath = path
	j.mu.Unlock()
}

// SetMetrics stores the latest metrics sample
func (j *Job) SetMetrics(m Metrics) {
	j.mu.Lock()
	j.lastMetrics = &m
	j.mu.Unlock()
}

// LastMetrics returns the latest metrics sample, if any
func (j *Job) LastMetrics() (Metrics, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.lastMetrics == nil {
		return Metrics{}, false
	}
	return *j.lastMetrics, true
}

// Start moves a QUEUED or PAUSED job to RUNNING
func (j *Job) Start(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkLocked(StatusRunning); err != nil {
		return err
	}
	if j.startedAt.IsZero() {
		j.startedAt = now
	}
	j.pausedAt = time.Time{}
	j.setStatusLocked(StatusRunning)
	return nil
}

// Pause moves a RUNNING job to PAUSED at the given checkpoint
func (j *Job) Pause(checkpoint string, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkLocked(StatusPaused); err != nil {
		return err
	}
	if checkpoint == "" {
		return ErrCheckpointRequired
	}
	j.checkpointPath = checkpoint
	j.pausedAt = now
	j.setStatusLocked(StatusPaused)
	return nil
}

// Complete moves a RUNNING job to COMPLETED with its final checkpoint
func (j *Job) Complete(checkpoint string, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkLocked(StatusCompleted); err != nil {
		return err
	}
	if checkpoint == "" {
		return ErrCheckpointRequired
	}
	j.checkpointPath = checkpoint
	j.completedAt = now
	j.setStatusLocked(StatusCompleted)
	return nil
}

// Cancel moves a RUNNING or PAUSED job to CANCELLED
func (j *Job) Cancel(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkLocked(StatusCancelled); err != nil {
		return err
	}
	j.completedAt = now
	j.setStatusLocked(StatusCancelled)
	return nil
}

// Fail moves a QUEUED or RUNNING job to FAILED
func (j *Job) Fail(message, detail string, now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkLocked(StatusFailed); err != nil {
		return err
	}
	j.errorMessage = message
	j.errorDetail = detail
	j.completedAt = now
	j.setStatusLocked(StatusFailed)
	return nil
}

func (j *Job) setStatusLocked(s Status) {
	j.status = s
	j.transitions++
}

// Publish calls fn with v unless a snapshot taken after a later transition
// has already been published. Calls for one job are serialised, so fn sees
// snapshots in transition order and stale ones are dropped.
func (j *Job) Publish(v View, fn func(View)) bool {
	j.publishMu.Lock()
	defer j.publishMu.Unlock()
	if v.Transitions <= j.published {
		return false
	}
	j.published = v.Transitions
	fn(v)
	return true
}

func (j *Job) checkLocked(to Status) error {
	if !CanTransition(j.status, to) {
		return &TransitionError{JobID: j.spec.ID, From: j.status, To: to}
	}
	return nil
}

// View is a point-in-time copy of a job, safe to serialise
type View struct {
	ID              string     `json:"id" yaml:"id"`
	Status          Status     `json:"status" yaml:"status"`
	DatasetPath     string     `json:"dataset_path,omitempty" yaml:"dataset_path,omitempty"`
	CurrentStep     int        `json:"current_step" yaml:"current_step"`
	CurrentEpoch    int        `json:"current_epoch" yaml:"current_epoch"`
	TotalSteps      int        `json:"total_steps" yaml:"total_steps"`
	TotalEpochs     int        `json:"total_epochs" yaml:"total_epochs"`
	CheckpointPath  string     `json:"checkpoint_path,omitempty" yaml:"checkpoint_path,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	ErrorDetail     string     `json:"error_detail,omitempty" yaml:"error_detail,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	PausedAt        *time.Time `json:"paused_at,omitempty" yaml:"paused_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	PauseRequested  bool       `json:"pause_requested" yaml:"pause_requested"`
	CancelRequested bool       `json:"cancel_requested" yaml:"cancel_requested"`
	LogLines        int        `json:"log_lines" yaml:"log_lines"`
	LastMetrics     *Metrics   `json:"last_metrics,omitempty" yaml:"last_metrics,omitempty"`
	Transitions     int        `json:"transitions" yaml:"transitions"`
}

// View returns a snapshot of the job
func (j *Job) View() View {
	j.mu.RLock()
	defer j.mu.RUnlock()

	v := View{
		ID:              j.spec.ID,
		Status:          j.status,
		DatasetPath:     j.spec.DatasetPath,
		CurrentStep:     j.currentStep,
		CurrentEpoch:    j.currentEpoch,
		TotalSteps:      j.spec.TotalSteps,
		TotalEpochs:     j.spec.TotalEpochs,
		CheckpointPath:  j.checkpointPath,
		ErrorMessage:    j.errorMessage,
		ErrorDetail:     j.errorDetail,
		StartedAt:       timePtr(j.startedAt),
		PausedAt:        timePtr(j.pausedAt),
		CompletedAt:     timePtr(j.completedAt),
		PauseRequested:  j.Signals.PauseRequested(),
		CancelRequested: j.Signals.CancelRequested(),
		LogLines:        j.Logs.Len(),
		Transitions:     j.transitions,
	}
	if j.lastMetrics != nil {
		m := *j.lastMetrics
		v.LastMetrics = &m
	}
	return v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
