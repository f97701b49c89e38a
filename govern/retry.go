// Package govern composes the governance pipeline for outbound upstream
// calls: every governed call passes Queue → Cache → Retry(Pool) before it
// reaches the provider.
package govern

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/gridpulse/gridgate"
	"github.com/gridpulse/gridgate/keypool"
	"github.com/gridpulse/gridgate/monitoring"
)

// UpstreamFunc performs one raw upstream call with the selected credential.
type UpstreamFunc func(ctx context.Context, credential keypool.Credential) ([]byte, error)

// Orchestrator wraps one logical upstream call with credential rotation,
// cooldown reporting, and bounded retries.
type Orchestrator struct {
	pool        *keypool.Pool
	maxRetries  int
	backoffBase time.Duration

	clock   clock.Clock
	metrics *monitoring.Metrics
	logger  *zap.SugaredLogger
}

func NewOrchestrator(pool *keypool.Pool, maxRetries int, backoffBase time.Duration, metrics *monitoring.Metrics, logger *zap.SugaredLogger) *Orchestrator {
	return newOrchestratorWithClock(pool, maxRetries, backoffBase, metrics, logger, clock.New())
}

func newOrchestratorWithClock(pool *keypool.Pool, maxRetries int, backoffBase time.Duration, metrics *monitoring.Metrics, logger *zap.SugaredLogger, clk clock.Clock) *Orchestrator {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	return &Orchestrator{
		pool:        pool,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		clock:       clk,
		metrics:     metrics,
		logger:      logger,
	}
}

// Execute runs fn with up to maxRetries attempts. A rate-limited or
// forbidden response cools the credential down and rotates to another one;
// any other failure backs off exponentially before the next attempt. Pool
// exhaustion fails immediately without consuming the retry budget.
func (o *Orchestrator) Execute(ctx context.Context, fn UpstreamFunc) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		credential, err := o.pool.Select()
		if err != nil {
			return nil, err
		}
		if attempt > 1 {
			o.metrics.RecordRotation()
		}

		value, err := fn(ctx, credential)
		if err == nil {
			o.pool.ReportOutcome(credential, keypool.Success())
			o.reportAvailability()
			return value, nil
		}
		lastErr = err

		var rateLimited *gridgate.RateLimitedError
		var forbidden *gridgate.ForbiddenError
		switch {
		case errors.As(err, &rateLimited):
			o.pool.ReportOutcome(credential, keypool.RateLimited(rateLimited.RetryAfter))
			o.logger.Warnw("Rate limit hit, rotating credential",
				"attempt", attempt, "retry_after", rateLimited.RetryAfter)
		case errors.As(err, &forbidden):
			o.pool.ReportOutcome(credential, keypool.Forbidden())
			o.logger.Warnw("Credential rejected, rotating", "attempt", attempt)
		default:
			o.pool.ReportOutcome(credential, keypool.Failure())
			o.logger.Warnw("Upstream call failed", "attempt", attempt, "error", err)
			if attempt < o.maxRetries {
				if err := o.backoff(ctx, attempt); err != nil {
					return nil, err
				}
			}
		}
		o.reportAvailability()
	}

	return nil, &gridgate.UpstreamError{Attempts: o.maxRetries, Last: lastErr}
}

// backoff sleeps base*2^(attempt-1), so attempts wait base, 2*base, 4*base...
func (o *Orchestrator) backoff(ctx context.Context, attempt int) error {
	delay := o.backoffBase << (attempt - 1)
	timer := o.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) reportAvailability() {
	if o.metrics == nil {
		return
	}
	stats := o.pool.Stats()
	o.metrics.SetPoolAvailability(stats.AvailableCredentials, stats.CoolingDownCredentials)
}
