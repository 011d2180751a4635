package executor

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/cloudless/trainagent/pkg/controlplane"
	"github.com/cloudless/trainagent/pkg/observability"
	"github.com/cloudless/trainagent/pkg/training"
	"go.uber.org/zap"
)

const (
	defaultLogBatchSize  = 100
	logDeliveryAttempts  = 3
	logDeliveryBaseDelay = 200 * time.Millisecond
)

// LogAggregator ships a job's buffered log lines to the control plane in
// fixed-size batches
type LogAggregator struct {
	client    controlplane.Client
	batchSize int
	delay     time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

// NewLogAggregator creates a log aggregator
func NewLogAggregator(client controlplane.Client, batchSize int, timeout time.Duration, logger *zap.Logger) *LogAggregator {
	if batchSize <= 0 {
		batchSize = defaultLogBatchSize
	}
	return &LogAggregator{
		client:    client,
		batchSize: batchSize,
		delay:     logDeliveryBaseDelay,
		timeout:   timeout,
		logger:    logger,
	}
}

// Flush drains the job's log buffer and sends it in batches, oldest first.
// Each batch gets a bounded number of attempts; a batch that still fails is
// logged and dropped. Returns the number of lines sent and dropped.
func (a *LogAggregator) Flush(ctx context.Context, job *training.Job) (sent, dropped int) {
	lines := job.Logs.Drain()
	if len(lines) == 0 {
		return 0, 0
	}

	for start := 0; start < len(lines); start += a.batchSize {
		end := start + a.batchSize
		if end > len(lines) {
			end = len(lines)
		}
		batch := lines[start:end]

		err := retry.Do(
			func() error {
				sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
				defer cancel()
				return a.client.SendLogs(sendCtx, job.ID(), job.Token(), batch)
			},
			retry.Attempts(logDeliveryAttempts),
			retry.Delay(a.delay),
			retry.Context(ctx),
			retry.LastErrorOnly(true),
			retry.RetryIf(controlplane.IsRetryable),
		)
		if err != nil {
			dropped += len(batch)
			observability.LogLinesFlushedTotal.WithLabelValues(observability.ResultDropped).Add(float64(len(batch)))
			a.logger.Warn("Dropping log batch",
				zap.String("job_id", job.ID()),
				zap.Int("lines", len(batch)),
				zap.Error(err))
			continue
		}
		sent += len(batch)
		observability.LogLinesFlushedTotal.WithLabelValues(observability.ResultSent).Add(float64(len(batch)))
	}

	if evicted := job.Logs.Dropped(); evicted > 0 {
		a.logger.Debug("Log buffer overflowed during run",
			zap.String("job_id", job.ID()),
			zap.Uint64("evicted_lines", evicted))
	}
	return sent, dropped
}
