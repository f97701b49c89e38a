// Package queue serializes all governed calls behind a single worker. The
// worker dequeues strictly in submission order and paces itself between
// tasks, so total upstream pressure stays bounded no matter how many
// callers submit concurrently.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gridpulse/gridgate"
	"github.com/gridpulse/gridgate/monitoring"
)

var (
	// ErrNotRunning is returned by Submit when the worker has been stopped.
	ErrNotRunning = errors.New("request queue is not running")

	// ErrCleared is delivered to submitters whose pending tasks were
	// dropped by ClearAndRestart.
	ErrCleared = errors.New("request queue was cleared")
)

// TaskFunc is the governed call executed by the worker. It receives the
// worker's context, not the submitter's: a submitter that times out does
// not cancel the task.
type TaskFunc func(ctx context.Context) ([]byte, error)

type result struct {
	value []byte
	err   error
}

type task struct {
	id         string
	fn         TaskFunc
	enqueuedAt time.Time

	// Buffered so the worker never blocks delivering to a submitter that
	// has already given up.
	reply chan result
}

// Queue is a single-consumer FIFO executor. Submit is safe for concurrent
// use by any number of producers.
type Queue struct {
	capacity int
	pacer    Pacer

	mu      sync.Mutex
	tasks   chan *task
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	total           uint64
	succeeded       uint64
	failed          uint64
	lastProcessedAt time.Time

	clock   clock.Clock
	metrics *monitoring.Metrics
	logger  *zap.SugaredLogger
}

// New creates a stopped queue; call Start before submitting.
func New(capacity int, pacer Pacer, metrics *monitoring.Metrics, logger *zap.SugaredLogger) *Queue {
	return newQueueWithClock(capacity, pacer, metrics, logger, clock.New())
}

func newQueueWithClock(capacity int, pacer Pacer, metrics *monitoring.Metrics, logger *zap.SugaredLogger, clk clock.Clock) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		capacity: capacity,
		pacer:    pacer,
		clock:    clk,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start launches the worker. Starting a running queue is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.tasks = make(chan *task, q.capacity)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.running = true

	go q.worker(ctx, q.tasks, q.done)
	q.logger.Infow("Request queue started", "capacity", q.capacity)
}

// Stop shuts the worker down. An in-flight task runs to completion;
// pending tasks stay in the channel until ClearAndRestart or a new Start
// drains or replaces it.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	cancel()
	<-done
	q.logger.Infow("Request queue stopped")
}

func (q *Queue) worker(ctx context.Context, tasks chan *task, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-tasks:
			q.metrics.SetQueueDepth(len(tasks))
			q.process(ctx, t)

			// The sole global throttle: wait out the pacing interval
			// before dequeuing the next task.
			if err := q.pacer.Wait(ctx); err != nil {
				return
			}
		}
	}
}

func (q *Queue) process(ctx context.Context, t *task) {
	q.logger.Debugw("Processing queued task", "task", t.id, "waited", q.clock.Now().Sub(t.enqueuedAt))

	value, err := t.fn(ctx)
	t.reply <- result{value: value, err: err}

	q.mu.Lock()
	q.total++
	if err != nil {
		q.failed++
	} else {
		q.succeeded++
	}
	q.lastProcessedAt = q.clock.Now()
	q.mu.Unlock()

	if err != nil {
		q.metrics.RecordQueueTask("failure")
		q.logger.Warnw("Queued task failed", "task", t.id, "error", err)
	} else {
		q.metrics.RecordQueueTask("success")
	}
}

// Submit enqueues fn and blocks until the worker delivers a result or
// timeout elapses. On timeout the task is not cancelled: it still runs to
// completion in the worker and its result is absorbed by the task's
// buffered reply channel.
func (q *Queue) Submit(ctx context.Context, fn TaskFunc, timeout time.Duration) ([]byte, error) {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil, ErrNotRunning
	}
	tasks := q.tasks
	q.mu.Unlock()

	t := &task{
		id:         uuid.NewString(),
		fn:         fn,
		enqueuedAt: q.clock.Now(),
		reply:      make(chan result, 1),
	}

	timer := q.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case tasks <- t:
		q.metrics.SetQueueDepth(len(tasks))
	case <-timer.C:
		return nil, gridgate.ErrQueueTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-t.reply:
		return res.value, res.err
	case <-timer.C:
		q.logger.Warnw("Submitter gave up on queued task", "task", t.id, "timeout", timeout)
		return nil, gridgate.ErrQueueTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats is the queue's admin-facing snapshot.
type Stats struct {
	QueueSize       int        `json:"queue_size"`
	Total           uint64     `json:"total"`
	Succeeded       uint64     `json:"succeeded"`
	Failed          uint64     `json:"failed"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	Running         bool       `json:"is_running"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Total:     q.total,
		Succeeded: q.succeeded,
		Failed:    q.failed,
		Running:   q.running,
	}
	if q.tasks != nil {
		stats.QueueSize = len(q.tasks)
	}
	if !q.lastProcessedAt.IsZero() {
		lastProcessed := q.lastProcessedAt
		stats.LastProcessedAt = &lastProcessed
	}
	return stats
}

// ClearAndRestart stops the worker, fails every pending task with
// ErrCleared, and starts a fresh worker. Cumulative counters are kept.
func (q *Queue) ClearAndRestart() {
	q.Stop()

	q.mu.Lock()
	tasks := q.tasks
	q.mu.Unlock()

	dropped := 0
	for {
		select {
		case t := <-tasks:
			t.reply <- result{err: ErrCleared}
			dropped++
		default:
			q.metrics.SetQueueDepth(0)
			q.logger.Infow("Request queue cleared", "dropped", dropped)
			q.Start()
			return
		}
	}
}
