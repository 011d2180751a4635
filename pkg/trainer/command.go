package trainer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cloudless/trainagent/pkg/training"
	"go.uber.org/zap"
)

// Environment passed to the training process
const (
	EnvJobID         = "TRAINAGENT_JOB_ID"
	EnvConfig        = "TRAINAGENT_CONFIG"
	EnvDatasetPath   = "TRAINAGENT_DATASET_PATH"
	EnvTotalSteps    = "TRAINAGENT_TOTAL_STEPS"
	EnvTotalEpochs   = "TRAINAGENT_TOTAL_EPOCHS"
	EnvCheckpointDir = "TRAINAGENT_CHECKPOINT_DIR"
	EnvResumeFrom    = "TRAINAGENT_RESUME_FROM"
	EnvStartStep     = "TRAINAGENT_START_STEP"
	EnvStartEpoch    = "TRAINAGENT_START_EPOCH"
)

const (
	defaultStopTimeout = 10 * time.Second
	stderrTailLines    = 20
	maxLineBytes       = 1 << 20
)

// message is one JSON line written by the training process on stdout
type message struct {
	Type         string   `json:"type"`
	Step         int      `json:"step"`
	Epoch        int      `json:"epoch"`
	TrainLoss    *float64 `json:"train_loss,omitempty"`
	EvalLoss     *float64 `json:"eval_loss,omitempty"`
	LearningRate *float64 `json:"learning_rate,omitempty"`
	Path         string   `json:"path,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// CommandTrainer runs training as an external process.
//
// The process reads its job from TRAINAGENT_* environment variables. On
// stdout it writes one JSON object per line: {"type":"step",...} at every
// step boundary, {"type":"checkpoint","path":...} after saving state and
// {"type":"log","message":...} for log output. After every step line it
// must read one line from stdin holding the decision: continue, checkpoint,
// pause or stop. Any other stdout or stderr line is captured as a log line.
type CommandTrainer struct {
	command     string
	args        []string
	stopTimeout time.Duration
	logger      *zap.Logger
}

// NewCommand creates a trainer that runs command with args
func NewCommand(command string, args []string, stopTimeout time.Duration, logger *zap.Logger) *CommandTrainer {
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &CommandTrainer{
		command:     command,
		args:        args,
		stopTimeout: stopTimeout,
		logger:      logger,
	}
}

func (c *CommandTrainer) Fit(ctx context.Context, req training.FitRequest, obs training.Observer) (training.FitResult, error) {
	env, err := jobEnv(req)
	if err != nil {
		return training.FitResult{}, err
	}

	// The process runs in its own group so workers it spawns are stopped
	// with it
	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = c.stopTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return training.FitResult{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return training.FitResult{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return training.FitResult{}, err
	}

	if err := cmd.Start(); err != nil {
		return training.FitResult{}, fmt.Errorf("failed to start trainer process: %w", err)
	}
	c.logger.Info("Started trainer process",
		zap.String("job_id", req.JobID),
		zap.String("command", c.command),
		zap.Int("pid", cmd.Process.Pid))

	exited := make(chan struct{})
	defer close(exited)
	go c.killAfterGrace(ctx, cmd, exited, stdout, stderr)

	tail := &lineTail{max: stderrTailLines}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			tail.add(line)
			obs.Log(line)
		})
	}()

	res := training.FitResult{Step: req.StartStep, Epoch: req.StartEpoch}
	decision := training.Continue
	scanLines(stdout, func(line string) {
		var msg message
		if !strings.HasPrefix(strings.TrimSpace(line), "{") || json.Unmarshal([]byte(line), &msg) != nil {
			obs.Log(line)
			return
		}

		switch msg.Type {
		case "step":
			res.Step, res.Epoch = msg.Step, msg.Epoch
			if decision == training.Stop || decision == training.Pause {
				// The process keeps going after being told to stop; repeat it
				fmt.Fprintln(stdin, decision.String())
				return
			}
			decision = obs.Step(training.StepEvent{
				Step:         msg.Step,
				Epoch:        msg.Epoch,
				TrainLoss:    msg.TrainLoss,
				EvalLoss:     msg.EvalLoss,
				LearningRate: msg.LearningRate,
			})
			if _, err := fmt.Fprintln(stdin, decision.String()); err != nil {
				c.logger.Debug("Failed to send decision to trainer process", zap.String("job_id", req.JobID), zap.Error(err))
			}
		case "checkpoint":
			if msg.Path == "" {
				return
			}
			res.CheckpointPath = msg.Path
			obs.Checkpointed(msg.Path, msg.Step, msg.Epoch)
		case "log":
			obs.Log(msg.Message)
		default:
			obs.Log(line)
		}
	})
	stdin.Close()
	wg.Wait()

	waitErr := cmd.Wait()
	switch {
	case decision == training.Stop:
		res.Stopped = true
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	case waitErr != nil:
		if tail.String() != "" {
			return res, fmt.Errorf("trainer process failed: %w: %s", waitErr, tail.String())
		}
		return res, fmt.Errorf("trainer process failed: %w", waitErr)
	case decision == training.Pause:
		res.Stopped = true
	}
	return res, nil
}

// killAfterGrace kills the process group and unblocks the output readers if
// the process is still around stopTimeout after ctx is done
func (c *CommandTrainer) killAfterGrace(ctx context.Context, cmd *exec.Cmd, exited <-chan struct{}, pipes ...io.Closer) {
	select {
	case <-exited:
		return
	case <-ctx.Done():
	}

	timer := time.NewTimer(c.stopTimeout)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		c.logger.Warn("Trainer process ignored SIGTERM, killing it", zap.Int("pid", cmd.Process.Pid))
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		for _, p := range pipes {
			p.Close()
		}
	}
}

func jobEnv(req training.FitRequest) ([]string, error) {
	cfg, err := json.Marshal(req.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", training.ErrInvalidConfig, err)
	}
	return []string{
		EnvJobID + "=" + req.JobID,
		EnvConfig + "=" + string(cfg),
		EnvDatasetPath + "=" + req.DatasetPath,
		EnvTotalSteps + "=" + strconv.Itoa(req.TotalSteps),
		EnvTotalEpochs + "=" + strconv.Itoa(req.TotalEpochs),
		EnvCheckpointDir + "=" + req.CheckpointDir,
		EnvResumeFrom + "=" + req.ResumeFrom,
		EnvStartStep + "=" + strconv.Itoa(req.StartStep),
		EnvStartEpoch + "=" + strconv.Itoa(req.StartEpoch),
	}, nil
}

func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	scanner.Split(splitLines(maxLineBytes))
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		fn(fmt.Sprintf("trainer output unreadable: %v", err))
		// Keep the pipe moving so the process never blocks on a write
		io.Copy(io.Discard, r)
	}
}

// splitLines splits like bufio.ScanLines, except that a line longer than max
// is cut at max and the rest of it is dropped
func splitLines(max int) bufio.SplitFunc {
	discarding := false
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if discarding {
			i := bytes.IndexByte(data, '\n')
			if i < 0 {
				return len(data), nil, nil
			}
			discarding = false
			return i + 1, nil, nil
		}

		advance, token, err := bufio.ScanLines(data, atEOF)
		if token == nil && err == nil && len(data) >= max {
			discarding = true
			return len(data), data[:max], nil
		}
		return advance, token, err
	}
}

// lineTail keeps the last few lines written to it
type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
