package upstream

import (
	"context"

	"github.com/gridpulse/gridgate/govern"
	"github.com/gridpulse/gridgate/keypool"
)

// Service binds the raw client operations through the governance pipeline.
// Every method submits one governed call: queued, cached under the
// operation's signature, and executed with credential rotation.
type Service struct {
	runtime *govern.Runtime
	client  *Client
}

func NewService(runtime *govern.Runtime, client *Client) *Service {
	return &Service{runtime: runtime, client: client}
}

func (s *Service) DayAheadLatest(ctx context.Context, market string, location string) ([]byte, error) {
	args := map[string]any{"market": market, "location": location}
	return s.runtime.Call(ctx, "day_ahead_latest", args, 0,
		func(ctx context.Context, credential keypool.Credential) ([]byte, error) {
			return s.client.DayAheadLatest(ctx, credential, market, location)
		})
}

func (s *Service) DayAheadByDate(ctx context.Context, date string, market string, location string) ([]byte, error) {
	args := map[string]any{"date": date, "market": market, "location": location}
	return s.runtime.Call(ctx, "day_ahead_by_date", args, 0,
		func(ctx context.Context, credential keypool.Credential) ([]byte, error) {
			return s.client.DayAheadByDate(ctx, credential, date, market, location)
		})
}

func (s *Service) DayAheadRange(ctx context.Context, market string, location string, start string, end string) ([]byte, error) {
	args := map[string]any{"market": market, "location": location, "start": start, "end": end}
	return s.runtime.Call(ctx, "day_ahead_range", args, 0,
		func(ctx context.Context, credential keypool.Credential) ([]byte, error) {
			return s.client.DayAheadRange(ctx, credential, market, location, start, end)
		})
}

func (s *Service) RealTimeLatest(ctx context.Context, market string, location string) ([]byte, error) {
	args := map[string]any{"market": market, "location": location}
	return s.runtime.Call(ctx, "rt_latest", args, 0,
		func(ctx context.Context, credential keypool.Credential) ([]byte, error) {
			return s.client.RealTimeLatest(ctx, credential, market, location)
		})
}

func (s *Service) RealTimeLast24h(ctx context.Context, market string, location string) ([]byte, error) {
	args := map[string]any{"market": market, "location": location}
	return s.runtime.Call(ctx, "rt_last24h", args, 0,
		func(ctx context.Context, credential keypool.Credential) ([]byte, error) {
			return s.client.RealTimeLast24h(ctx, credential, market, location)
		})
}

func (s *Service) RealTimeRange(ctx context.Context, market string, location string, start string, end string) ([]byte, error) {
	args := map[string]any{"market": market, "location": location, "start": start, "end": end}
	return s.runtime.Call(ctx, "rt_range", args, 0,
		func(ctx context.Context, credential keypool.Credential) ([]byte, error) {
			return s.client.RealTimeRange(ctx, credential, market, location, start, end)
		})
}
