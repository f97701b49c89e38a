package govern

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridpulse/gridgate"
	"github.com/gridpulse/gridgate/keypool"
)

func newTestPool(t *testing.T, secrets ...string) *keypool.Pool {
	t.Helper()
	pool, err := keypool.New(keypool.Config{
		Secrets:  secrets,
		Strategy: keypool.StrategyRoundRobin,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return pool
}

func newTestOrchestrator(pool *keypool.Pool, maxRetries int) *Orchestrator {
	return newOrchestratorWithClock(pool, maxRetries, time.Millisecond, nil, zap.NewNop().Sugar(), clock.New())
}

func TestExecuteSuccess(t *testing.T) {
	pool := newTestPool(t, "key-a")
	orchestrator := newTestOrchestrator(pool, 3)

	value, err := orchestrator.Execute(context.Background(), func(ctx context.Context, credential keypool.Credential) ([]byte, error) {
		assert.Equal(t, "key-a", credential.Secret)
		return []byte("rows"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("rows"), value)
	assert.Equal(t, int64(1), pool.Stats().Credentials[0].Requests)
}

func TestExecuteRetryBound(t *testing.T) {
	pool := newTestPool(t, "key-a", "key-b", "key-c")
	orchestrator := newTestOrchestrator(pool, 3)

	var attempts atomic.Int32
	_, err := orchestrator.Execute(context.Background(), func(ctx context.Context, credential keypool.Credential) ([]byte, error) {
		attempts.Add(1)
		return nil, &gridgate.RateLimitedError{}
	})

	// Exactly maxRetries attempts, each with a different credential, then
	// the last observed error surfaces wrapped.
	assert.Equal(t, int32(3), attempts.Load())

	var upstreamErr *gridgate.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, 3, upstreamErr.Attempts)

	var rateLimited *gridgate.RateLimitedError
	assert.ErrorAs(t, err, &rateLimited)
	assert.Equal(t, 3, pool.Stats().CoolingDownCredentials)
}

func TestExecuteRotatesOnRateLimit(t *testing.T) {
	pool := newTestPool(t, "key-a", "key-b")
	orchestrator := newTestOrchestrator(pool, 3)

	var attempts int
	value, err := orchestrator.Execute(context.Background(), func(ctx context.Context, credential keypool.Credential) ([]byte, error) {
		attempts++
		if attempts == 1 {
			assert.Equal(t, "key-a", credential.Secret)
			return nil, &gridgate.RateLimitedError{RetryAfter: 10 * time.Second}
		}
		assert.Equal(t, "key-b", credential.Secret)
		return []byte("rows"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("rows"), value)
	assert.Equal(t, 2, attempts)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.CoolingDownCredentials)
	assert.NotNil(t, stats.Credentials[0].CoolingDownUntil)
	assert.Equal(t, int64(1), stats.Credentials[1].Requests)
	assert.Equal(t, 0, stats.Credentials[1].ConsecutiveFailures)
}

func TestExecuteRotatesOnForbidden(t *testing.T) {
	pool := newTestPool(t, "key-a", "key-b")
	orchestrator := newTestOrchestrator(pool, 3)

	var attempts int
	value, err := orchestrator.Execute(context.Background(), func(ctx context.Context, credential keypool.Credential) ([]byte, error) {
		attempts++
		if attempts == 1 {
			return nil, &gridgate.ForbiddenError{Reason: "invalid key"}
		}
		return []byte("rows"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("rows"), value)
	assert.Equal(t, 1, pool.Stats().CoolingDownCredentials)
}

func TestExecutePoolExhaustedFailsFast(t *testing.T) {
	pool := newTestPool(t, "key-a")
	orchestrator := newTestOrchestrator(pool, 3)

	var attempts atomic.Int32
	_, err := orchestrator.Execute(context.Background(), func(ctx context.Context, credential keypool.Credential) ([]byte, error) {
		attempts.Add(1)
		return nil, &gridgate.RateLimitedError{}
	})

	// The single credential is cooling down after attempt one; the next
	// selection exhausts the pool and does not consume the retry budget.
	assert.ErrorIs(t, err, gridgate.ErrPoolExhausted)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestExecuteBacksOffOnOtherErrors(t *testing.T) {
	pool := newTestPool(t, "key-a")
	orchestrator := newTestOrchestrator(pool, 3)

	upstreamDown := errors.New("connection reset")
	var attempts atomic.Int32
	start := time.Now()
	_, err := orchestrator.Execute(context.Background(), func(ctx context.Context, credential keypool.Credential) ([]byte, error) {
		attempts.Add(1)
		return nil, upstreamDown
	})

	// Transport errors do not cool the credential down, so all three
	// attempts reuse it, separated by backoff (1ms + 2ms here).
	assert.Equal(t, int32(3), attempts.Load())
	assert.ErrorIs(t, err, upstreamDown)
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)
	assert.Equal(t, 0, pool.Stats().CoolingDownCredentials)
}

func TestExecuteHonorsContext(t *testing.T) {
	pool := newTestPool(t, "key-a")
	orchestrator := newTestOrchestrator(pool, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orchestrator.Execute(ctx, func(ctx context.Context, credential keypool.Credential) ([]byte, error) {
		t.Fatal("upstream must not be called with a cancelled context")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
