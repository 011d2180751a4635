// Package poller asks the control plane for work, claims it and hands it to
// the executor.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudless/trainagent/pkg/controlplane"
	"github.com/cloudless/trainagent/pkg/observability"
	"github.com/cloudless/trainagent/pkg/training"
	"go.uber.org/zap"
)

// tokenExpiryWarning is how soon a job token may expire before the poller
// warns about it at claim time
const tokenExpiryWarning = time.Hour

// Executor is the part of the executor the poller drives
type Executor interface {
	HasRunning() bool
	StartTraining(ctx context.Context, desc controlplane.JobDescription, token string) (*training.Job, error)
	Status(jobID string) (training.View, error)
}

// Config holds poller configuration
type Config struct {
	PollInterval   time.Duration
	TrackInterval  time.Duration
	ErrorThreshold int
	ErrorBackoff   time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.TrackInterval <= 0 {
		c.TrackInterval = 5 * time.Second
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 60 * time.Second
	}
}

// Poller is the agent's main loop
type Poller struct {
	cfg      Config
	client   controlplane.Client
	executor Executor
	events   *observability.EventStream
	logger   *zap.Logger

	consecutiveErrors int
}

// New creates a poller. events may be nil.
func New(cfg Config, client controlplane.Client, executor Executor, events *observability.EventStream, logger *zap.Logger) *Poller {
	cfg.setDefaults()
	return &Poller{
		cfg:      cfg,
		client:   client,
		executor: executor,
		events:   events,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled. A failed cycle never ends the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Starting job poller",
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("error_threshold", p.cfg.ErrorThreshold))

	for {
		wait := p.RunOnce(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("Job poller stopped")
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce performs one polling cycle and returns how long to wait before the
// next one. When a job is claimed and started, RunOnce tracks it until it
// is no longer RUNNING.
func (p *Poller) RunOnce(ctx context.Context) time.Duration {
	if p.executor.HasRunning() {
		return p.cfg.PollInterval
	}

	desc, err := p.client.Poll(ctx)
	if err != nil {
		return p.handleError(ctx, "poll", err)
	}
	p.resetErrors()

	if desc == nil {
		observability.PollsTotal.WithLabelValues("empty").Inc()
		p.logger.Debug("No pending jobs")
		return p.cfg.PollInterval
	}
	observability.PollsTotal.WithLabelValues("job").Inc()

	logger := p.logger.With(zap.String("job_id", desc.ID))
	claim, err := p.client.Claim(ctx, desc.ID)
	switch {
	case errors.Is(err, controlplane.ErrClaimConflict):
		observability.ClaimsTotal.WithLabelValues("conflict").Inc()
		p.recordEvent(ctx, observability.NewJobEvent(observability.EventJobClaimConflict, desc.ID,
			fmt.Sprintf("Job %s was claimed by another agent", desc.ID)))
		logger.Warn("Job already claimed by another agent")
		return p.cfg.PollInterval
	case errors.Is(err, controlplane.ErrJobNotFound):
		observability.ClaimsTotal.WithLabelValues("not_found").Inc()
		logger.Warn("Job disappeared before it could be claimed")
		return p.cfg.PollInterval
	case err != nil:
		observability.ClaimsTotal.WithLabelValues("error").Inc()
		return p.handleError(ctx, "claim", err)
	}
	observability.ClaimsTotal.WithLabelValues("success").Inc()
	p.recordEvent(ctx, observability.NewJobEvent(observability.EventJobClaimed, desc.ID,
		fmt.Sprintf("Claimed job %s", desc.ID)))
	logger.Info("Claimed job")
	p.inspectToken(logger, claim.Token)

	job := claimedJob(*desc, claim.Job)
	if _, err := p.executor.StartTraining(ctx, job, claim.Token); err != nil {
		logger.Warn("Failed to start claimed job", zap.Error(err))
		return p.cfg.PollInterval
	}

	p.track(ctx, job.ID)
	return 0
}

// track watches a started job through the executor until it is no longer
// RUNNING. It never calls the control plane.
func (p *Poller) track(ctx context.Context, jobID string) {
	ticker := time.NewTicker(p.cfg.TrackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := p.executor.Status(jobID)
			if err != nil {
				p.logger.Debug("Stopped tracking job", zap.String("job_id", jobID), zap.Error(err))
				return
			}
			if v.Status != training.StatusRunning {
				p.logger.Info("Job is no longer running",
					zap.String("job_id", jobID),
					zap.String("status", string(v.Status)),
					zap.Int("step", v.CurrentStep))
				return
			}
		}
	}
}

// handleError logs a failed request and decides how long to wait. Only
// transport failures count towards the extended backoff.
func (p *Poller) handleError(ctx context.Context, op string, err error) time.Duration {
	if ctx.Err() != nil {
		return 0
	}

	switch {
	case errors.Is(err, controlplane.ErrUnauthorized):
		observability.PollsTotal.WithLabelValues("unauthorized").Inc()
		p.logger.Error("Control plane rejected agent credentials", zap.String("op", op), zap.Error(err))
		return p.cfg.PollInterval
	case errors.Is(err, controlplane.ErrBadRequest):
		observability.PollsTotal.WithLabelValues("error").Inc()
		p.logger.Error("Malformed control plane exchange", zap.String("op", op), zap.Error(err))
		return p.cfg.PollInterval
	}

	observability.PollsTotal.WithLabelValues("error").Inc()
	p.consecutiveErrors++
	observability.PollerConsecutiveErrors.Set(float64(p.consecutiveErrors))
	p.logger.Warn("Control plane request failed",
		zap.String("op", op),
		zap.Int("consecutive_errors", p.consecutiveErrors),
		zap.Error(err))

	if p.consecutiveErrors >= p.cfg.ErrorThreshold {
		observability.PollerBackoffsTotal.Inc()
		p.logger.Warn("Too many consecutive failures, backing off",
			zap.Duration("backoff", p.cfg.ErrorBackoff))
		p.resetErrors()
		return p.cfg.ErrorBackoff
	}
	return p.cfg.PollInterval
}

func (p *Poller) resetErrors() {
	p.consecutiveErrors = 0
	observability.PollerConsecutiveErrors.Set(0)
}

// inspectToken logs what the job token says about itself. Opaque tokens are
// fine and only noted at debug level.
func (p *Poller) inspectToken(logger *zap.Logger, token string) {
	info, err := controlplane.InspectJobToken(token)
	if err != nil {
		logger.Debug("Job token is opaque")
		return
	}
	if info.ExpiresWithin(time.Now(), tokenExpiryWarning) {
		logger.Warn("Job token expires soon, reports may be rejected before the job finishes",
			zap.Time("expires_at", info.ExpiresAt))
		return
	}
	logger.Debug("Job token inspected", zap.Time("expires_at", info.ExpiresAt))
}

func (p *Poller) recordEvent(ctx context.Context, event observability.Event) {
	if p.events != nil {
		p.events.RecordEvent(ctx, event)
	}
}

// claimedJob prefers the description returned with the claim when it is
// complete, falling back to the polled one
func claimedJob(polled, claimed controlplane.JobDescription) controlplane.JobDescription {
	if claimed.ID != polled.ID {
		return polled
	}
	if claimed.TotalSteps == 0 && claimed.TotalEpochs == 0 && claimed.DatasetPath == "" && len(claimed.Config) == 0 {
		return polled
	}
	return claimed
}
