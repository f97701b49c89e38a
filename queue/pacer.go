package queue

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Pacer enforces the minimum spacing between dequeues. The worker calls
// Wait after delivering each result and before picking up the next task.
type Pacer interface {
	Wait(ctx context.Context) error
}

// IntervalPacer spaces dequeues by a fixed interval within one process.
type IntervalPacer struct {
	interval time.Duration
	clock    clock.Clock
}

func NewIntervalPacer(interval time.Duration) *IntervalPacer {
	return newIntervalPacerWithClock(interval, clock.New())
}

func newIntervalPacerWithClock(interval time.Duration, clk clock.Clock) *IntervalPacer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &IntervalPacer{interval: interval, clock: clk}
}

func (p *IntervalPacer) Wait(ctx context.Context) error {
	timer := p.clock.Timer(p.interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
