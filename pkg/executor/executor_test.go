package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudless/trainagent/pkg/checkpoint"
	"github.com/cloudless/trainagent/pkg/controlplane"
	"github.com/cloudless/trainagent/pkg/observability"
	"github.com/cloudless/trainagent/pkg/training"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestExecutor_RunToCompletion(t *testing.T) {
	tr := &fakeTrainer{}
	e, client := newTestExecutor(t, Config{}, tr)

	job, err := e.StartTraining(context.Background(), jobDesc("job-1", 10), "tok")
	require.NoError(t, err)

	waitForStatus(t, job, training.StatusCompleted)
	waitForReport(t, client, "job-1", training.StatusCompleted)

	assert.Equal(t, []training.Status{training.StatusRunning, training.StatusCompleted}, client.reported("job-1"))

	v := job.View()
	assert.Equal(t, 10, v.CurrentStep)
	assert.NotEmpty(t, v.CheckpointPath)
	assert.NotNil(t, v.StartedAt)
	assert.NotNil(t, v.CompletedAt)
	assert.True(t, checkpoint.Exists(v.CheckpointPath))

	last := client.lastUpdate("job-1")
	assert.Equal(t, 10, last.Step)
	assert.Equal(t, v.CheckpointPath, last.CheckpointPath)

	require.Eventually(t, func() bool { return len(client.logLines("job-1")) == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "step 1", client.logLines("job-1")[0])
	assert.Equal(t, "step 10", client.logLines("job-1")[9])

	// Terminal jobs leave the registry once flushed
	require.Eventually(t, func() bool {
		_, err := e.Status("job-1")
		return errors.Is(err, ErrJobNotFound)
	}, time.Second, 5*time.Millisecond)
}

func TestExecutor_InvalidDescription(t *testing.T) {
	e, _ := newTestExecutor(t, Config{}, &fakeTrainer{})

	_, err := e.StartTraining(context.Background(), controlplane.JobDescription{TotalSteps: 5}, "tok")
	assert.ErrorIs(t, err, controlplane.ErrBadRequest)
}

func TestExecutor_DuplicateLiveJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	tr := &fakeTrainer{blockAt: 1, release: release}
	e, _ := newTestExecutor(t, Config{MaxConcurrentJobs: 2}, tr)

	_, err := e.StartTraining(context.Background(), jobDesc("job-1", 3), "tok")
	require.NoError(t, err)

	_, err = e.StartTraining(context.Background(), jobDesc("job-1", 3), "tok")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExecutor_PauseAtStepAndResume(t *testing.T) {
	tr := &fakeTrainer{}
	e, client := newTestExecutor(t, Config{}, tr)
	ctx := context.Background()

	tr.beforeStep = func(step int) {
		if step == 50 {
			assert.NoError(t, e.PauseTraining(ctx, "job-1"))
		}
	}

	job, err := e.StartTraining(ctx, jobDesc("job-1", 100), "tok")
	require.NoError(t, err)
	waitForStatus(t, job, training.StatusPaused)
	waitForReport(t, client, "job-1", training.StatusPaused)

	v := job.View()
	assert.Equal(t, 50, v.CurrentStep)
	assert.NotEmpty(t, v.CheckpointPath)
	assert.NotNil(t, v.PausedAt)
	assert.True(t, checkpoint.Exists(v.CheckpointPath))

	paused := client.lastUpdate("job-1")
	assert.Equal(t, 50, paused.Step)
	assert.Equal(t, v.CheckpointPath, paused.CheckpointPath)

	// Logs are flushed on pause
	require.Eventually(t, func() bool { return len(client.logLines("job-1")) == 50 }, time.Second, 5*time.Millisecond)

	// Pausing a paused job is a failing no-op
	assert.ErrorIs(t, e.PauseTraining(ctx, "job-1"), ErrInvalidState)
	assert.Equal(t, training.StatusPaused, job.Status())

	tr.beforeStep = nil
	require.NoError(t, e.ResumeTraining(ctx, "job-1", ""))

	waitForStatus(t, job, training.StatusCompleted)
	req := tr.lastRequest()
	assert.Equal(t, 50, req.StartStep)
	assert.Equal(t, v.CheckpointPath, req.ResumeFrom)

	waitForReport(t, client, "job-1", training.StatusCompleted)
	assert.Equal(t, []training.Status{
		training.StatusRunning,
		training.StatusPaused,
		training.StatusRunning,
		training.StatusCompleted,
	}, client.reported("job-1"))

	final := job.View()
	assert.Equal(t, 100, final.CurrentStep)
	assert.False(t, final.PauseRequested)
	assert.Equal(t, v.StartedAt, final.StartedAt)
}

func TestExecutor_PauseAndResumeErrors(t *testing.T) {
	e, _ := newTestExecutor(t, Config{}, &fakeTrainer{})
	ctx := context.Background()

	assert.ErrorIs(t, e.PauseTraining(ctx, "missing"), ErrJobNotFound)
	assert.ErrorIs(t, e.ResumeTraining(ctx, "missing", ""), ErrJobNotFound)
	assert.ErrorIs(t, e.CancelTraining(ctx, "missing"), ErrJobNotFound)

	release := make(chan struct{})
	defer close(release)
	e2, _ := newTestExecutor(t, Config{}, &fakeTrainer{blockAt: 1, release: release})
	_, err := e2.StartTraining(ctx, jobDesc("job-1", 5), "tok")
	require.NoError(t, err)

	// Resuming a running job is not allowed
	assert.ErrorIs(t, e2.ResumeTraining(ctx, "job-1", ""), ErrInvalidState)
}

func TestExecutor_ResumeWithoutCheckpoint(t *testing.T) {
	tr := &fakeTrainer{}
	e, _ := newTestExecutor(t, Config{}, tr)
	ctx := context.Background()

	tr.beforeStep = func(step int) {
		if step == 5 {
			assert.NoError(t, e.PauseTraining(ctx, "job-1"))
		}
	}
	job, err := e.StartTraining(ctx, jobDesc("job-1", 10), "tok")
	require.NoError(t, err)
	waitForStatus(t, job, training.StatusPaused)

	require.NoError(t, os.RemoveAll(job.CheckpointPath()))
	assert.ErrorIs(t, e.ResumeTraining(ctx, "job-1", ""), ErrNoCheckpoint)
	assert.ErrorIs(t, e.ResumeTraining(ctx, "job-1", filepath.Join(t.TempDir(), "nope")), ErrNoCheckpoint)
	assert.Equal(t, training.StatusPaused, job.Status())

	// An explicit checkpoint that exists is accepted
	tr.beforeStep = nil
	explicit := t.TempDir()
	require.NoError(t, e.ResumeTraining(ctx, "job-1", explicit))
	waitForStatus(t, job, training.StatusCompleted)
	assert.Equal(t, explicit, tr.lastRequest().ResumeFrom)
	assert.Equal(t, 5, tr.lastRequest().StartStep)
}

func TestExecutor_ResumeFromIndex(t *testing.T) {
	idx, err := checkpoint.OpenIndex(filepath.Join(t.TempDir(), "checkpoints.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer idx.Close()

	tr := &fakeTrainer{}
	e, _ := newTestExecutor(t, Config{}, tr, WithCheckpointIndex(idx))
	ctx := context.Background()

	tr.beforeStep = func(step int) {
		if step == 5 {
			assert.NoError(t, e.PauseTraining(ctx, "job-1"))
		}
	}
	job, err := e.StartTraining(ctx, jobDesc("job-1", 10), "tok")
	require.NoError(t, err)
	waitForStatus(t, job, training.StatusPaused)

	rec, err := idx.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, job.CheckpointPath(), rec.Path)
	assert.Equal(t, 5, rec.Step)
	assert.Equal(t, string(training.StatusPaused), rec.Status)

	// The index still points at a usable checkpoint if the explicit one is gone
	tr.beforeStep = nil
	require.NoError(t, e.ResumeTraining(ctx, "job-1", filepath.Join(t.TempDir(), "gone")))
	waitForStatus(t, job, training.StatusCompleted)
	assert.Equal(t, rec.Path, tr.lastRequest().ResumeFrom)
}

func TestExecutor_CapacityUnderConcurrentStarts(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTrainer{blockAt: 1, release: release}
	e, client := newTestExecutor(t, Config{MaxConcurrentJobs: 2}, tr)
	defer close(release)

	const attempts = 10
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.StartTraining(context.Background(), jobDesc(fmt.Sprintf("job-%d", i), 3), "tok")
		}(i)
	}
	wg.Wait()

	started, rejected := 0, 0
	for i, err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrCapacityExceeded):
			rejected++
			id := fmt.Sprintf("job-%d", i)
			assert.Equal(t, []training.Status{training.StatusFailed}, client.reported(id))
			assert.Equal(t, ErrCapacityExceeded.Error(), client.lastUpdate(id).Error)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, started)
	assert.Equal(t, attempts-2, rejected)
	assert.Equal(t, 2, e.registry.CountRunning())
	assert.Len(t, e.List(), 2)
}

func TestExecutor_ResumeRespectsCapacity(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	tr := &fakeTrainer{}
	e, _ := newTestExecutor(t, Config{MaxConcurrentJobs: 1}, tr)
	ctx := context.Background()

	tr.beforeStep = func(step int) {
		if step == 2 {
			e.PauseTraining(ctx, "job-a")
		}
	}
	a, err := e.StartTraining(ctx, jobDesc("job-a", 10), "tok")
	require.NoError(t, err)
	waitForStatus(t, a, training.StatusPaused)

	tr.beforeStep = nil
	tr.blockAt = 1
	tr.release = release
	_, err = e.StartTraining(ctx, jobDesc("job-b", 10), "tok")
	require.NoError(t, err)

	assert.ErrorIs(t, e.ResumeTraining(ctx, "job-a", ""), ErrCapacityExceeded)
	assert.Equal(t, training.StatusPaused, a.Status())
}

func TestExecutor_CancelCooperative(t *testing.T) {
	tr := &fakeTrainer{}
	e, client := newTestExecutor(t, Config{}, tr)
	ctx := context.Background()

	tr.beforeStep = func(step int) {
		if step == 5 {
			assert.NoError(t, e.CancelTraining(ctx, "job-1"))
		}
	}
	job, err := e.StartTraining(ctx, jobDesc("job-1", 100), "tok")
	require.NoError(t, err)

	waitForStatus(t, job, training.StatusCancelled)
	waitForReport(t, client, "job-1", training.StatusCancelled)

	step, _ := job.Progress()
	assert.Equal(t, 5, step)
	assert.NotNil(t, job.View().CompletedAt)
	assert.Equal(t, []training.Status{training.StatusRunning, training.StatusCancelled}, client.reported("job-1"))

	// Cancel on a terminal job fails and changes nothing
	require.Eventually(t, func() bool {
		return errors.Is(e.CancelTraining(ctx, "job-1"), ErrJobNotFound)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, training.StatusCancelled, job.Status())
}

func TestExecutor_CancelTerminalJob(t *testing.T) {
	e, client := newTestExecutor(t, Config{}, &fakeTrainer{})

	job := training.NewJob(training.Spec{ID: "job-1", TotalSteps: 1}, "tok", 10)
	require.NoError(t, job.Start(time.Now()))
	require.NoError(t, job.Complete("/ckpt", time.Now()))
	require.NoError(t, e.registry.Add(job))

	assert.ErrorIs(t, e.CancelTraining(context.Background(), "job-1"), ErrInvalidState)
	assert.ErrorIs(t, e.PauseTraining(context.Background(), "job-1"), ErrInvalidState)
	assert.Equal(t, training.StatusCompleted, job.Status())
	assert.Empty(t, client.reported("job-1"))
}

func TestExecutor_CancelPausedJob(t *testing.T) {
	tr := &fakeTrainer{}
	e, client := newTestExecutor(t, Config{}, tr)
	ctx := context.Background()

	tr.beforeStep = func(step int) {
		if step == 3 {
			e.PauseTraining(ctx, "job-1")
		}
	}
	job, err := e.StartTraining(ctx, jobDesc("job-1", 10), "tok")
	require.NoError(t, err)
	waitForStatus(t, job, training.StatusPaused)
	waitForReport(t, client, "job-1", training.StatusPaused)

	require.NoError(t, e.CancelTraining(ctx, "job-1"))
	assert.Equal(t, training.StatusCancelled, job.Status())
	waitForReport(t, client, "job-1", training.StatusCancelled)
	assert.ErrorIs(t, e.ResumeTraining(ctx, "job-1", ""), ErrJobNotFound)
}

func TestExecutor_ForcedCancelAfterGrace(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTrainer{blockAt: 3, release: release}
	e, client := newTestExecutor(t, Config{CancelGracePeriod: 50 * time.Millisecond}, tr)
	ctx := context.Background()

	job, err := e.StartTraining(ctx, jobDesc("job-1", 10), "tok")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		step, _ := job.Progress()
		return step == 2
	}, time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, e.CancelTraining(ctx, "job-1"))
	assert.Equal(t, training.StatusRunning, job.Status(), "cancel returns before the grace period")

	waitForStatus(t, job, training.StatusCancelled)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	waitForReport(t, client, "job-1", training.StatusCancelled)

	// The abandoned fit is still blocked
	assert.Equal(t, 0, tr.returns())

	// Its late result is ignored
	close(release)
	require.Eventually(t, func() bool { return tr.returns() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, training.StatusCancelled, job.Status())
	assert.Equal(t, []training.Status{training.StatusRunning, training.StatusCancelled}, client.reported("job-1"))
}

func TestExecutor_FitErrorFails(t *testing.T) {
	tr := &fakeTrainer{failAt: 7}
	e, client := newTestExecutor(t, Config{}, tr)

	job, err := e.StartTraining(context.Background(), jobDesc("job-1", 10), "tok")
	require.NoError(t, err)

	waitForStatus(t, job, training.StatusFailed)
	waitForReport(t, client, "job-1", training.StatusFailed)

	v := job.View()
	assert.Equal(t, "loss is NaN", v.ErrorMessage)
	assert.NotEmpty(t, v.ErrorDetail)
	assert.NotNil(t, v.CompletedAt)
	assert.Equal(t, "loss is NaN", client.lastUpdate("job-1").Error)

	// Partial logs are flushed
	require.Eventually(t, func() bool { return len(client.logLines("job-1")) == 7 }, time.Second, 5*time.Millisecond)
}

func TestExecutor_FitPanicFails(t *testing.T) {
	tr := &fakeTrainer{panicAt: 4}
	e, client := newTestExecutor(t, Config{}, tr)

	job, err := e.StartTraining(context.Background(), jobDesc("job-1", 10), "tok")
	require.NoError(t, err)

	waitForStatus(t, job, training.StatusFailed)
	waitForReport(t, client, "job-1", training.StatusFailed)

	v := job.View()
	assert.Contains(t, v.ErrorMessage, "tensor shape mismatch")
	assert.Contains(t, v.ErrorDetail, "goroutine")
}

type fixedSampler struct{}

func (fixedSampler) Snapshot() training.ResourceSnapshot {
	return training.ResourceSnapshot{MemoryAllocatedBytes: 1024, UtilizationPercent: 42}
}

func TestExecutor_MetricsEveryInterval(t *testing.T) {
	tr := &fakeTrainer{}
	e, client := newTestExecutor(t, Config{MetricsIntervalSteps: 10}, tr, WithResourceSampler(fixedSampler{}))

	job, err := e.StartTraining(context.Background(), jobDesc("job-1", 30), "tok")
	require.NoError(t, err)
	waitForStatus(t, job, training.StatusCompleted)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.metrics["job-1"]) == 3
	}, time.Second, 5*time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()
	steps := []int{}
	for _, m := range client.metrics["job-1"] {
		steps = append(steps, m.Step)
		assert.Equal(t, uint64(1024), m.Resources.MemoryAllocatedBytes)
		assert.Equal(t, 42.0, m.Resources.UtilizationPercent)
		require.NotNil(t, m.TrainLoss)
	}
	assert.ElementsMatch(t, []int{10, 20, 30}, steps)

	last, ok := job.LastMetrics()
	require.True(t, ok)
	assert.Equal(t, 30, last.Step)
}

func TestExecutor_MetricsFailuresDoNotAffectJob(t *testing.T) {
	tr := &fakeTrainer{}
	e, client := newTestExecutor(t, Config{MetricsIntervalSteps: 1}, tr)
	client.metricsErr = controlplane.ErrTransport

	job, err := e.StartTraining(context.Background(), jobDesc("job-1", 20), "tok")
	require.NoError(t, err)
	waitForStatus(t, job, training.StatusCompleted)
}

func TestExecutor_PeriodicCheckpoints(t *testing.T) {
	idx, err := checkpoint.OpenIndex(filepath.Join(t.TempDir(), "checkpoints.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer idx.Close()

	root := t.TempDir()
	tr := &fakeTrainer{}
	e, _ := newTestExecutor(t, Config{CheckpointIntervalSteps: 10, CheckpointDir: root}, tr, WithCheckpointIndex(idx))

	job, err := e.StartTraining(context.Background(), jobDesc("job-1", 25), "tok")
	require.NoError(t, err)
	waitForStatus(t, job, training.StatusCompleted)

	assert.True(t, checkpoint.Exists(checkpoint.Dir(root, "job-1", 10)))
	assert.True(t, checkpoint.Exists(checkpoint.Dir(root, "job-1", 20)))
	assert.Equal(t, checkpoint.Dir(root, "job-1", 25), job.CheckpointPath())

	require.Eventually(t, func() bool {
		rec, err := idx.Get("job-1")
		return err == nil && rec.Step == 25 && rec.Status == string(training.StatusCompleted)
	}, time.Second, 5*time.Millisecond)
}

func TestExecutor_WritesCheckpointWhenTrainerLeavesNone(t *testing.T) {
	root := t.TempDir()
	tr := &fakeTrainer{noCheckpoint: true}
	e, _ := newTestExecutor(t, Config{CheckpointDir: root}, tr)

	job, err := e.StartTraining(context.Background(), jobDesc("job-1", 4), "tok")
	require.NoError(t, err)
	waitForStatus(t, job, training.StatusCompleted)

	want := checkpoint.Dir(root, "job-1", 4)
	assert.Equal(t, want, job.CheckpointPath())
	m, err := checkpoint.ReadManifest(want)
	require.NoError(t, err)
	assert.Equal(t, 4, m.Step)
}

func TestExecutor_EventsRecorded(t *testing.T) {
	events := observability.NewEventStream(observability.EventStreamConfig{}, zaptest.NewLogger(t))
	e, _ := newTestExecutor(t, Config{}, &fakeTrainer{}, WithEventStream(events))

	job, err := e.StartTraining(context.Background(), jobDesc("job-1", 3), "tok")
	require.NoError(t, err)
	waitForStatus(t, job, training.StatusCompleted)

	require.Eventually(t, func() bool {
		return len(events.GetEvents(observability.EventFilter{
			Types: []observability.EventType{observability.EventJobTransition},
			JobID: "job-1",
		})) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestExecutor_ShutdownPausesRunningJobs(t *testing.T) {
	tr := &fakeTrainer{stepDelay: time.Millisecond}
	e, client := newTestExecutor(t, Config{}, tr)

	job, err := e.StartTraining(context.Background(), jobDesc("job-1", 100000), "tok")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		step, _ := job.Progress()
		return step > 2
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	assert.Equal(t, training.StatusPaused, job.Status())
	assert.NotEmpty(t, job.CheckpointPath())
	assert.Contains(t, client.reported("job-1"), training.StatusPaused)

	_, err = e.StartTraining(context.Background(), jobDesc("job-2", 1), "tok")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestExecutor_CancelWhileStartIsReported(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	tr := &fakeTrainer{blockAt: 1, release: release}
	e, client := newTestExecutor(t, Config{CancelGracePeriod: 50 * time.Millisecond}, tr)
	ctx := context.Background()

	unblock := client.holdStatus(training.StatusRunning)
	defer unblock()

	started := make(chan error, 1)
	go func() {
		_, err := e.StartTraining(ctx, jobDesc("job-1", 10), "tok")
		started <- err
	}()
	waitForHeld(t, client)

	v, err := e.Status("job-1")
	require.NoError(t, err)
	require.Equal(t, training.StatusRunning, v.Status)
	require.NoError(t, e.CancelTraining(ctx, "job-1"))

	// The watchdog cancels the job while the start report is still in flight
	require.Eventually(t, func() bool {
		v, err := e.Status("job-1")
		return err == nil && v.Status == training.StatusCancelled
	}, 5*time.Second, 5*time.Millisecond)

	unblock()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("StartTraining did not return")
	}

	waitForReport(t, client, "job-1", training.StatusCancelled)
	assert.Equal(t, []training.Status{training.StatusRunning, training.StatusCancelled}, client.reported("job-1"))
	require.Eventually(t, func() bool {
		_, err := e.Status("job-1")
		return errors.Is(err, ErrJobNotFound)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.calls(), "an abandoned run is never started")
}

func TestExecutor_PauseWhileStartIsReported(t *testing.T) {
	tr := &fakeTrainer{}
	e, client := newTestExecutor(t, Config{}, tr)
	ctx := context.Background()

	unblock := client.holdStatus(training.StatusRunning)
	defer unblock()

	started := make(chan error, 1)
	go func() {
		_, err := e.StartTraining(ctx, jobDesc("job-1", 10), "tok")
		started <- err
	}()
	waitForHeld(t, client)
	require.NoError(t, e.PauseTraining(ctx, "job-1"))

	unblock()
	require.NoError(t, <-started)
	waitForReport(t, client, "job-1", training.StatusPaused)

	v, err := e.Status("job-1")
	require.NoError(t, err)
	assert.Equal(t, training.StatusPaused, v.Status)
	assert.Equal(t, 1, v.CurrentStep)
	assert.Equal(t, []training.Status{training.StatusRunning, training.StatusPaused}, client.reported("job-1"))
}

func TestExecutor_ResumeWaitsForPauseToBePublished(t *testing.T) {
	tr := &fakeTrainer{}
	e, client := newTestExecutor(t, Config{}, tr)
	ctx := context.Background()

	tr.beforeStep = func(step int) {
		if step == 5 {
			assert.NoError(t, e.PauseTraining(ctx, "job-1"))
		}
	}
	unblock := client.holdStatus(training.StatusPaused)
	defer unblock()

	job, err := e.StartTraining(ctx, jobDesc("job-1", 10), "tok")
	require.NoError(t, err)
	waitForHeld(t, client)
	require.Equal(t, training.StatusPaused, job.Status())

	tr.beforeStep = nil
	resumed := make(chan error, 1)
	go func() { resumed <- e.ResumeTraining(ctx, "job-1", "") }()

	assert.Never(t, func() bool { return len(resumed) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, training.StatusPaused, job.Status())

	unblock()
	select {
	case err := <-resumed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ResumeTraining did not return")
	}

	waitForStatus(t, job, training.StatusCompleted)
	waitForReport(t, client, "job-1", training.StatusCompleted)
	assert.Equal(t, []training.Status{
		training.StatusRunning,
		training.StatusPaused,
		training.StatusRunning,
		training.StatusCompleted,
	}, client.reported("job-1"))

	require.Eventually(t, func() bool { return len(client.logLines("job-1")) == 10 }, time.Second, 5*time.Millisecond)
	lines := client.logLines("job-1")
	assert.Equal(t, "step 5", lines[4])
	assert.Equal(t, "step 6", lines[5])
}

func TestExecutor_PauseThenImmediateResume(t *testing.T) {
	tr := &fakeTrainer{}
	e, client := newTestExecutor(t, Config{}, tr)
	ctx := context.Background()

	paused := make(chan struct{})
	tr.beforeStep = func(step int) {
		if step == 3 {
			assert.NoError(t, e.PauseTraining(ctx, "job-1"))
			close(paused)
		}
	}
	job, err := e.StartTraining(ctx, jobDesc("job-1", 10), "tok")
	require.NoError(t, err)
	<-paused

	// Resume as soon as the job reads PAUSED, before the pause is reported
	require.Eventually(t, func() bool { return job.Status() == training.StatusPaused }, 5*time.Second, time.Millisecond)
	tr.beforeStep = nil
	require.NoError(t, e.ResumeTraining(ctx, "job-1", ""))

	waitForStatus(t, job, training.StatusCompleted)
	waitForReport(t, client, "job-1", training.StatusCompleted)
	assert.Equal(t, []training.Status{
		training.StatusRunning,
		training.StatusPaused,
		training.StatusRunning,
		training.StatusCompleted,
	}, client.reported("job-1"))
	assert.Equal(t, 3, tr.lastRequest().StartStep)
}

func TestExecutor_ResumeStepFollowsCheckpoint(t *testing.T) {
	root := t.TempDir()
	tr := &fakeTrainer{}
	e, _ := newTestExecutor(t, Config{CheckpointIntervalSteps: 4, CheckpointDir: root}, tr)
	ctx := context.Background()

	tr.beforeStep = func(step int) {
		if step == 6 {
			assert.NoError(t, e.PauseTraining(ctx, "job-1"))
		}
	}
	job, err := e.StartTraining(ctx, jobDesc("job-1", 10), "tok")
	require.NoError(t, err)
	waitForStatus(t, job, training.StatusPaused)

	// A checkpoint from before the paused step would move the counter back
	older := checkpoint.Dir(root, "job-1", 4)
	require.True(t, checkpoint.Exists(older))
	assert.ErrorIs(t, e.ResumeTraining(ctx, "job-1", older), ErrInvalidState)
	assert.Equal(t, training.StatusPaused, job.Status())

	newer := t.TempDir()
	require.NoError(t, checkpoint.WriteManifest(newer, checkpoint.Manifest{JobID: "job-1", Step: 8, Epoch: 1}))

	tr.beforeStep = nil
	require.NoError(t, e.ResumeTraining(ctx, "job-1", newer))
	waitForStatus(t, job, training.StatusCompleted)

	req := tr.lastRequest()
	assert.Equal(t, newer, req.ResumeFrom)
	assert.Equal(t, 8, req.StartStep)
	assert.Equal(t, 1, req.StartEpoch)
}
