package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudless/trainagent/pkg/checkpoint"
	"github.com/cloudless/trainagent/pkg/controlplane"
	"github.com/cloudless/trainagent/pkg/training"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeClient records everything the executor reports
type fakeClient struct {
	mu       sync.Mutex
	statuses map[string][]controlplane.StatusUpdate
	metrics  map[string][]training.Metrics
	logs     map[string][]training.LogLine

	logErr     error
	logCalls   int
	metricsErr error

	// blockStatus holds reports of that status until unblock is closed;
	// blocked receives a value when one is held
	blockStatus training.Status
	unblock     chan struct{}
	blocked     chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		statuses: make(map[string][]controlplane.StatusUpdate),
		metrics:  make(map[string][]training.Metrics),
		logs:     make(map[string][]training.LogLine),
	}
}

func (c *fakeClient) Poll(ctx context.Context) (*controlplane.JobDescription, error) {
	return nil, nil
}

func (c *fakeClient) Claim(ctx context.Context, jobID string) (*controlplane.Claim, error) {
	return nil, controlplane.ErrClaimConflict
}

// holdStatus makes the client hold reports of status until the returned
// release func is called
func (c *fakeClient) holdStatus(status training.Status) (release func()) {
	c.blockStatus = status
	c.unblock = make(chan struct{})
	c.blocked = make(chan struct{}, 1)
	var once sync.Once
	return func() { once.Do(func() { close(c.unblock) }) }
}

func (c *fakeClient) ReportStatus(ctx context.Context, jobID, token string, update controlplane.StatusUpdate) error {
	if c.blockStatus != "" && update.Status == c.blockStatus {
		select {
		case c.blocked <- struct{}{}:
		default:
		}
		<-c.unblock
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = append(c.statuses[jobID], update)
	return nil
}

func (c *fakeClient) ReportMetrics(ctx context.Context, jobID, token string, m training.Metrics) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metricsErr != nil {
		return c.metricsErr
	}
	c.metrics[jobID] = append(c.metrics[jobID], m)
	return nil
}

func (c *fakeClient) SendLogs(ctx context.Context, jobID, token string, lines []training.LogLine) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logCalls++
	if c.logErr != nil {
		return c.logErr
	}
	c.logs[jobID] = append(c.logs[jobID], lines...)
	return nil
}

func (c *fakeClient) reported(jobID string) []training.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []training.Status
	for _, u := range c.statuses[jobID] {
		out = append(out, u.Status)
	}
	return out
}

func (c *fakeClient) lastUpdate(jobID string) controlplane.StatusUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	updates := c.statuses[jobID]
	if len(updates) == 0 {
		return controlplane.StatusUpdate{}
	}
	return updates[len(updates)-1]
}

func (c *fakeClient) logLines(jobID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, l := range c.logs[jobID] {
		out = append(out, l.Message)
	}
	return out
}

// fakeTrainer walks through steps, calling the observer at each boundary.
// Hooks let a test act at a given step.
type fakeTrainer struct {
	stepDelay time.Duration

	// beforeStep runs before the observer sees a step
	beforeStep func(step int)
	// failAt returns an error at that step; panicAt panics
	failAt  int
	panicAt int
	// blockAt blocks at that step until release is closed, ignoring
	// every signal and the context
	blockAt int
	release chan struct{}
	// noCheckpoint makes the trainer return without a checkpoint path
	noCheckpoint bool

	mu       sync.Mutex
	requests []training.FitRequest
	returned int
}

func (t *fakeTrainer) Fit(ctx context.Context, req training.FitRequest, obs training.Observer) (training.FitResult, error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.returned++
		t.mu.Unlock()
	}()

	save := func(step int) (string, error) {
		if t.noCheckpoint {
			return "", nil
		}
		dir := checkpoint.StepDir(req.CheckpointDir, step)
		return dir, checkpoint.WriteManifest(dir, checkpoint.Manifest{JobID: req.JobID, Step: step})
	}

	step := req.StartStep
	for step < req.TotalSteps {
		step++
		if step == t.blockAt {
			<-t.release
		}
		if t.stepDelay > 0 {
			time.Sleep(t.stepDelay)
		}
		if t.beforeStep != nil {
			t.beforeStep(step)
		}
		obs.Log(fmt.Sprintf("step %d", step))

		if step == t.failAt {
			return training.FitResult{Step: step}, errors.New("loss is NaN")
		}
		if step == t.panicAt {
			panic("tensor shape mismatch")
		}

		loss := 1.0 / float64(step)
		switch obs.Step(training.StepEvent{Step: step, TrainLoss: &loss}) {
		case training.Stop:
			return training.FitResult{Step: step, Stopped: true}, nil
		case training.Pause:
			path, err := save(step)
			if err != nil {
				return training.FitResult{}, err
			}
			return training.FitResult{Step: step, Stopped: true, CheckpointPath: path}, nil
		case training.Checkpoint:
			path, err := save(step)
			if err != nil {
				return training.FitResult{}, err
			}
			if path != "" {
				obs.Checkpointed(path, step, 0)
			}
		}
	}

	path, err := save(step)
	if err != nil {
		return training.FitResult{}, err
	}
	return training.FitResult{Step: step, CheckpointPath: path}, nil
}

func (t *fakeTrainer) lastRequest() training.FitRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests[len(t.requests)-1]
}

func (t *fakeTrainer) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

func (t *fakeTrainer) returns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.returned
}

func newTestExecutor(t *testing.T, cfg Config, trainer training.Trainer, opts ...Option) (*Executor, *fakeClient) {
	t.Helper()
	if cfg.CheckpointDir == "" {
		cfg.CheckpointDir = t.TempDir()
	}
	client := newFakeClient()
	e := New(cfg, trainer, client, zaptest.NewLogger(t), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e, client
}

func jobDesc(id string, steps int) controlplane.JobDescription {
	return controlplane.JobDescription{ID: id, DatasetPath: "/data/" + id, TotalSteps: steps, TotalEpochs: 1}
}

func waitForStatus(t *testing.T, job *training.Job, want training.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return job.Status() == want },
		5*time.Second, 5*time.Millisecond, "job %s never reached %s (is %s)", job.ID(), want, job.Status())
}

func waitForHeld(t *testing.T, c *fakeClient) {
	t.Helper()
	select {
	case <-c.blocked:
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s report was held", c.blockStatus)
	}
}

func waitForReport(t *testing.T, c *fakeClient, jobID string, want training.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range c.reported(jobID) {
			if s == want {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "status %s never reported for %s", want, jobID)
}
