package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/valkey-io/valkey-go"
)

// ValkeyPacer coordinates the dequeue interval across processes sharing
// one upstream rate budget. Each Wait atomically claims the next slot in
// Valkey using the server's clock, so two workers never dequeue closer
// together than the interval.
type ValkeyPacer struct {
	client   valkey.Client
	key      string
	interval time.Duration
	clock    clock.Clock
}

func NewValkeyPacer(client valkey.Client, name string, interval time.Duration) *ValkeyPacer {
	return newValkeyPacerWithClock(client, name, interval, clock.New())
}

func newValkeyPacerWithClock(client valkey.Client, name string, interval time.Duration, clk clock.Clock) *ValkeyPacer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if name == "" {
		name = "default"
	}
	return &ValkeyPacer{
		client:   client,
		key:      fmt.Sprintf("gridgate:pace:%s", name),
		interval: interval,
		clock:    clk,
	}
}

func (p *ValkeyPacer) Wait(ctx context.Context) error {
	for {
		claimed, wait, err := p.claim(ctx)
		if err != nil {
			return err
		}
		if claimed {
			return nil
		}

		timer := p.clock.Timer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// claim atomically checks and advances the shared next-allowed-at marker
// using the Valkey server's time in microseconds.
func (p *ValkeyPacer) claim(ctx context.Context) (bool, time.Duration, error) {
	script := `
local redis_time = redis.call('TIME')
local current_time_micro = tonumber(redis_time[1]) * 1000000 + tonumber(redis_time[2])
local blocked_until_micro = redis.call('GET', KEYS[1])

if not blocked_until_micro or tonumber(blocked_until_micro) <= current_time_micro then
	local new_blocked_until_micro = current_time_micro + tonumber(ARGV[1]) * 1000
	redis.call('SET', KEYS[1], new_blocked_until_micro)
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	return {1}
else
	return {0, tonumber(blocked_until_micro) - current_time_micro}
end
`

	resp := p.client.Do(ctx, p.client.B().Eval().Script(script).Numkeys(1).Key(p.key).Arg(
		fmt.Sprintf("%d", p.interval.Milliseconds()),
	).Build())

	result, err := resp.AsIntSlice()
	if err != nil {
		return false, 0, err
	}

	if result[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(result[1]) * time.Microsecond, nil
}
