package executor

import (
	"context"
	"sync"
	"time"

	"github.com/cloudless/trainagent/pkg/controlplane"
	"github.com/cloudless/trainagent/pkg/observability"
	"github.com/cloudless/trainagent/pkg/training"
	"go.uber.org/zap"
)

// defaultMaxInFlightReports bounds concurrent metrics sends per agent
const defaultMaxInFlightReports = 16

// MetricsReporter sends metrics samples to the control plane in the
// background. Reports are best-effort: a failed or dropped sample is logged
// and counted, never retried, and never blocks the caller.
type MetricsReporter struct {
	client  controlplane.Client
	timeout time.Duration
	logger  *zap.Logger

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewMetricsReporter creates a reporter
func NewMetricsReporter(client controlplane.Client, timeout time.Duration, logger *zap.Logger) *MetricsReporter {
	return &MetricsReporter{
		client:  client,
		timeout: timeout,
		logger:  logger,
		slots:   make(chan struct{}, defaultMaxInFlightReports),
	}
}

// Report hands a sample off for delivery and returns immediately
func (r *MetricsReporter) Report(jobID, token string, m training.Metrics) {
	select {
	case r.slots <- struct{}{}:
	default:
		observability.MetricsReportsTotal.WithLabelValues(observability.ResultDropped).Inc()
		r.logger.Warn("Dropping metrics sample, too many reports in flight",
			zap.String("job_id", jobID),
			zap.Int("step", m.Step))
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := r.client.ReportMetrics(ctx, jobID, token, m); err != nil {
			observability.MetricsReportsTotal.WithLabelValues(observability.ResultDropped).Inc()
			r.logger.Warn("Failed to report metrics",
				zap.String("job_id", jobID),
				zap.Int("step", m.Step),
				zap.Error(err))
			return
		}
		observability.MetricsReportsTotal.WithLabelValues(observability.ResultSent).Inc()
	}()
}

// Wait blocks until all in-flight reports are done
func (r *MetricsReporter) Wait() {
	r.wg.Wait()
}
