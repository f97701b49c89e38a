package govern

import (
	"context"
	"time"

	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/gridpulse/gridgate/cache"
	"github.com/gridpulse/gridgate/config"
	"github.com/gridpulse/gridgate/keypool"
	"github.com/gridpulse/gridgate/monitoring"
	"github.com/gridpulse/gridgate/queue"
)

// Runtime owns the pool, cache, and queue for the process. It replaces the
// usual pile of package-level singletons: construct one at startup, pass it
// to every call site, and tear it down on shutdown.
type Runtime struct {
	Pool  *keypool.Pool
	Cache *cache.Store
	Queue *queue.Queue

	orchestrator *Orchestrator
	queueTimeout time.Duration
	defaultTTL   time.Duration
	metrics      *monitoring.Metrics
	logger       *zap.SugaredLogger
}

// NewRuntime wires the governance pipeline from configuration. A non-nil
// valkeyClient switches the queue to cross-process pacing; otherwise the
// interval is enforced locally. The queue worker is started.
func NewRuntime(cfg *config.Config, valkeyClient valkey.Client, metrics *monitoring.Metrics, logger *zap.SugaredLogger) (*Runtime, error) {
	pool, err := keypool.New(keypool.Config{
		Secrets:       cfg.Credentials,
		Strategy:      keypool.Strategy(cfg.Strategy),
		ShortCooldown: cfg.ShortCooldown,
		LongCooldown:  cfg.LongCooldown,
	}, logger)
	if err != nil {
		return nil, err
	}

	var pacer queue.Pacer
	if valkeyClient != nil {
		pacer = queue.NewValkeyPacer(valkeyClient, "upstream", cfg.QueueInterval)
	} else {
		pacer = queue.NewIntervalPacer(cfg.QueueInterval)
	}

	r := &Runtime{
		Pool:         pool,
		Cache:        cache.New(cfg.CacheTTL, metrics, logger),
		Queue:        queue.New(cfg.QueueCapacity, pacer, metrics, logger),
		orchestrator: NewOrchestrator(pool, cfg.MaxRetries, cfg.BackoffBase, metrics, logger),
		queueTimeout: cfg.QueueTimeout,
		defaultTTL:   cfg.CacheTTL,
		metrics:      metrics,
		logger:       logger,
	}
	r.Queue.Start()
	return r, nil
}

// Call is the composed entry point for any outbound upstream call. The
// cache check itself is queued, so even a cache hit occupies a queue slot
// and incurs the pacing interval before the next task runs.
func (r *Runtime) Call(ctx context.Context, operation string, args map[string]any, ttl time.Duration, fn UpstreamFunc) ([]byte, error) {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	key := cache.Key(operation, args)

	start := time.Now()
	value, err := r.Queue.Submit(ctx, func(workerCtx context.Context) ([]byte, error) {
		return r.Cache.GetOrCompute(workerCtx, key, ttl, func(computeCtx context.Context) ([]byte, error) {
			return r.orchestrator.Execute(computeCtx, fn)
		})
	}, r.queueTimeout)

	status := "success"
	if err != nil {
		status = "error"
	}
	r.metrics.RecordRequest(operation, status, time.Since(start))
	return value, err
}

// Health aggregates the admin snapshots of all three components.
type Health struct {
	Status string        `json:"status"`
	Cache  cache.Stats   `json:"cache"`
	Queue  queue.Stats   `json:"queue"`
	Pool   keypool.Stats `json:"pool"`
}

func (r *Runtime) Health() Health {
	poolStats := r.Pool.Stats()
	queueStats := r.Queue.Stats()

	status := "healthy"
	if poolStats.AvailableCredentials == 0 || !queueStats.Running {
		status = "degraded"
	}
	return Health{
		Status: status,
		Cache:  r.Cache.Stats(),
		Queue:  queueStats,
		Pool:   poolStats,
	}
}

// Shutdown stops the queue worker. An in-flight governed call completes
// first; pending tasks stay undelivered.
func (r *Runtime) Shutdown() {
	r.logger.Infow("Shutting down governance runtime")
	r.Queue.Stop()
}
