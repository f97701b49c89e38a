package keypool

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridpulse/gridgate"
)

func newTestPool(t *testing.T, config Config, clk clock.Clock) *Pool {
	t.Helper()
	pool, err := newPoolWithClock(config, zap.NewNop().Sugar(), clk)
	require.NoError(t, err)
	return pool
}

func TestNew(t *testing.T) {
	t.Run("requires credentials", func(t *testing.T) {
		_, err := New(Config{}, zap.NewNop().Sugar())
		assert.Error(t, err)
	})

	t.Run("rejects unknown strategy", func(t *testing.T) {
		_, err := New(Config{Secrets: []string{"key-1"}, Strategy: "weighted"}, zap.NewNop().Sugar())
		assert.Error(t, err)
	})

	t.Run("defaults to round robin", func(t *testing.T) {
		pool, err := New(Config{Secrets: []string{"key-1"}}, zap.NewNop().Sugar())
		require.NoError(t, err)
		assert.Equal(t, StrategyRoundRobin, pool.Stats().Strategy)
	})
}

func TestSelectRoundRobin(t *testing.T) {
	mockClock := clock.NewMock()
	pool := newTestPool(t, Config{
		Secrets:  []string{"key-a", "key-b", "key-c"},
		Strategy: StrategyRoundRobin,
	}, mockClock)

	// Six selections over three credentials visit each exactly twice, in
	// cyclic order.
	var selected []string
	for i := 0; i < 6; i++ {
		credential, err := pool.Select()
		require.NoError(t, err)
		selected = append(selected, credential.Secret)
	}
	assert.Equal(t, []string{"key-a", "key-b", "key-c", "key-a", "key-b", "key-c"}, selected)
}

func TestSelectRoundRobinSkipsCoolingDown(t *testing.T) {
	mockClock := clock.NewMock()
	pool := newTestPool(t, Config{
		Secrets:  []string{"key-a", "key-b", "key-c"},
		Strategy: StrategyRoundRobin,
	}, mockClock)

	first, err := pool.Select()
	require.NoError(t, err)
	assert.Equal(t, "key-a", first.Secret)
	pool.ReportOutcome(first, RateLimited(5*time.Second))

	second, err := pool.Select()
	require.NoError(t, err)
	assert.Equal(t, "key-b", second.Secret)

	third, err := pool.Select()
	require.NoError(t, err)
	assert.Equal(t, "key-c", third.Secret)

	// key-a is still cooling down, so the cycle wraps to key-b.
	fourth, err := pool.Select()
	require.NoError(t, err)
	assert.Equal(t, "key-b", fourth.Secret)
}

func TestSelectRandom(t *testing.T) {
	mockClock := clock.NewMock()
	pool := newTestPool(t, Config{
		Secrets:  []string{"key-a", "key-b"},
		Strategy: StrategyRandom,
	}, mockClock)

	for i := 0; i < 20; i++ {
		credential, err := pool.Select()
		require.NoError(t, err)
		assert.Contains(t, []string{"key-a", "key-b"}, credential.Secret)
	}
}

func TestSelectLeastUsed(t *testing.T) {
	mockClock := clock.NewMock()
	pool := newTestPool(t, Config{
		Secrets:  []string{"key-a", "key-b"},
		Strategy: StrategyLeastUsed,
	}, mockClock)

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		credential, err := pool.Select()
		require.NoError(t, err)
		counts[credential.Secret]++
	}
	assert.Equal(t, 5, counts["key-a"])
	assert.Equal(t, 5, counts["key-b"])
}

func TestCooldownEnforcement(t *testing.T) {
	mockClock := clock.NewMock()
	pool := newTestPool(t, Config{
		Secrets:  []string{"key-a", "key-b"},
		Strategy: StrategyRoundRobin,
	}, mockClock)

	credential, err := pool.Select()
	require.NoError(t, err)
	assert.Equal(t, "key-a", credential.Secret)
	pool.ReportOutcome(credential, RateLimited(5*time.Second))

	// key-a must not be selected while cooling down.
	for i := 0; i < 4; i++ {
		credential, err := pool.Select()
		require.NoError(t, err)
		assert.Equal(t, "key-b", credential.Secret)
	}

	// Immediately after the cooldown expires it becomes selectable again.
	mockClock.Add(5 * time.Second)
	secrets := map[string]bool{}
	for i := 0; i < 2; i++ {
		credential, err := pool.Select()
		require.NoError(t, err)
		secrets[credential.Secret] = true
	}
	assert.True(t, secrets["key-a"])
}

func TestPoolExhaustion(t *testing.T) {
	mockClock := clock.NewMock()
	pool := newTestPool(t, Config{
		Secrets:  []string{"key-a", "key-b"},
		Strategy: StrategyRoundRobin,
	}, mockClock)

	for i := 0; i < 2; i++ {
		credential, err := pool.Select()
		require.NoError(t, err)
		pool.ReportOutcome(credential, RateLimited(10*time.Second))
	}

	// Select fails fast rather than waiting for a cooldown to expire.
	_, err := pool.Select()
	assert.ErrorIs(t, err, gridgate.ErrPoolExhausted)

	mockClock.Add(10 * time.Second)
	_, err = pool.Select()
	assert.NoError(t, err)
}

func TestReportOutcome(t *testing.T) {
	t.Run("success resets consecutive failures", func(t *testing.T) {
		mockClock := clock.NewMock()
		pool := newTestPool(t, Config{Secrets: []string{"key-a"}}, mockClock)

		credential, err := pool.Select()
		require.NoError(t, err)
		pool.ReportOutcome(credential, Failure())
		pool.ReportOutcome(credential, Failure())
		assert.Equal(t, 2, pool.Stats().Credentials[0].ConsecutiveFailures)

		pool.ReportOutcome(credential, Success())
		assert.Equal(t, 0, pool.Stats().Credentials[0].ConsecutiveFailures)
	})

	t.Run("rate limited uses provider hint", func(t *testing.T) {
		mockClock := clock.NewMock()
		pool := newTestPool(t, Config{Secrets: []string{"key-a"}, ShortCooldown: 3 * time.Second}, mockClock)

		credential, err := pool.Select()
		require.NoError(t, err)
		pool.ReportOutcome(credential, RateLimited(42*time.Second))

		mockClock.Add(41 * time.Second)
		_, err = pool.Select()
		assert.ErrorIs(t, err, gridgate.ErrPoolExhausted)

		mockClock.Add(time.Second)
		_, err = pool.Select()
		assert.NoError(t, err)
	})

	t.Run("rate limited without hint uses short cooldown", func(t *testing.T) {
		mockClock := clock.NewMock()
		pool := newTestPool(t, Config{Secrets: []string{"key-a"}, ShortCooldown: 3 * time.Second}, mockClock)

		credential, err := pool.Select()
		require.NoError(t, err)
		pool.ReportOutcome(credential, RateLimited(0))

		_, err = pool.Select()
		assert.ErrorIs(t, err, gridgate.ErrPoolExhausted)

		mockClock.Add(3 * time.Second)
		_, err = pool.Select()
		assert.NoError(t, err)
	})

	t.Run("forbidden applies long cooldown but recovers", func(t *testing.T) {
		mockClock := clock.NewMock()
		pool := newTestPool(t, Config{
			Secrets:       []string{"key-a"},
			ShortCooldown: 3 * time.Second,
			LongCooldown:  5 * time.Minute,
		}, mockClock)

		credential, err := pool.Select()
		require.NoError(t, err)
		pool.ReportOutcome(credential, Forbidden())

		mockClock.Add(3 * time.Second)
		_, err = pool.Select()
		assert.ErrorIs(t, err, gridgate.ErrPoolExhausted)

		// Never a permanent ban: the credential returns after the window.
		mockClock.Add(5 * time.Minute)
		_, err = pool.Select()
		assert.NoError(t, err)
	})

	t.Run("other errors do not change availability", func(t *testing.T) {
		mockClock := clock.NewMock()
		pool := newTestPool(t, Config{Secrets: []string{"key-a"}}, mockClock)

		credential, err := pool.Select()
		require.NoError(t, err)
		pool.ReportOutcome(credential, Failure())

		_, err = pool.Select()
		assert.NoError(t, err)
		assert.Equal(t, 1, pool.Stats().Credentials[0].ConsecutiveFailures)
	})
}

func TestStats(t *testing.T) {
	mockClock := clock.NewMock()
	pool := newTestPool(t, Config{
		Secrets:  []string{"secret-key-one", "secret-key-two"},
		Strategy: StrategyRoundRobin,
	}, mockClock)

	credential, err := pool.Select()
	require.NoError(t, err)
	pool.ReportOutcome(credential, RateLimited(10*time.Second))

	stats := pool.Stats()
	assert.Equal(t, 2, stats.TotalCredentials)
	assert.Equal(t, 1, stats.AvailableCredentials)
	assert.Equal(t, 1, stats.CoolingDownCredentials)
	assert.Equal(t, "secret-k...", stats.Credentials[0].Preview)
	assert.Equal(t, int64(1), stats.Credentials[0].Requests)
	assert.NotNil(t, stats.Credentials[0].CoolingDownUntil)
	assert.Nil(t, stats.Credentials[1].CoolingDownUntil)
}

func TestReset(t *testing.T) {
	mockClock := clock.NewMock()
	pool := newTestPool(t, Config{
		Secrets:  []string{"key-a", "key-b"},
		Strategy: StrategyRoundRobin,
	}, mockClock)

	for i := 0; i < 2; i++ {
		credential, err := pool.Select()
		require.NoError(t, err)
		pool.ReportOutcome(credential, RateLimited(time.Hour))
	}
	_, err := pool.Select()
	require.ErrorIs(t, err, gridgate.ErrPoolExhausted)

	require.NoError(t, pool.Reset(StrategyLeastUsed))

	stats := pool.Stats()
	assert.Equal(t, StrategyLeastUsed, stats.Strategy)
	assert.Equal(t, 2, stats.AvailableCredentials)
	assert.Equal(t, int64(0), stats.Credentials[0].Requests)

	_, err = pool.Select()
	assert.NoError(t, err)

	assert.Error(t, pool.Reset("weighted"))
}
