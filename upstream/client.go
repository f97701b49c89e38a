// Package upstream implements the client for the rate-limited market-data
// provider. The client performs raw calls only; all governance (queueing,
// caching, credential rotation) is layered on top by the Service.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/gridpulse/gridgate"
	"github.com/gridpulse/gridgate/keypool"
)

const (
	DefaultMarket   = "pjm"
	DefaultLocation = "PJM-RTO"

	dayAheadDataset = "lmp_day_ahead_hourly"
	realTimeDataset = "lmp_real_time_5_min"
)

// Client speaks to the provider's dataset query endpoints. One credential
// is passed per call; the client never selects credentials itself.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

func NewClient(baseURL string, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// DayAheadLatest returns the latest 24 hours of day-ahead prices.
func (c *Client) DayAheadLatest(ctx context.Context, credential keypool.Credential, market string, location string) ([]byte, error) {
	params := url.Values{}
	params.Set("filter_column", "location")
	params.Set("filter_value", location)
	params.Set("order", "desc")
	params.Set("limit", "24")
	params.Set("columns", "interval_start_utc,interval_end_utc,location,lmp")
	return c.query(ctx, credential, market, dayAheadDataset, params)
}

// DayAheadByDate returns all 24 day-ahead hours for one date (YYYY-MM-DD).
func (c *Client) DayAheadByDate(ctx context.Context, credential keypool.Credential, date string, market string, location string) ([]byte, error) {
	params := url.Values{}
	params.Set("date", date)
	params.Set("filter_column", "location")
	params.Set("filter_value", location)
	params.Set("columns", "interval_start_utc,interval_end_utc,lmp")
	return c.query(ctx, credential, market, dayAheadDataset, params)
}

// DayAheadRange returns day-ahead prices for a specific time range.
func (c *Client) DayAheadRange(ctx context.Context, credential keypool.Credential, market string, location string, start string, end string) ([]byte, error) {
	params := url.Values{}
	params.Set("start_time", start)
	params.Set("end_time", end)
	params.Set("filter_column", "location")
	params.Set("filter_value", location)
	params.Set("columns", "interval_start_utc,interval_end_utc,lmp")
	return c.query(ctx, credential, market, dayAheadDataset, params)
}

// RealTimeLatest returns the most recent real-time price interval.
func (c *Client) RealTimeLatest(ctx context.Context, credential keypool.Credential, market string, location string) ([]byte, error) {
	params := url.Values{}
	params.Set("time", "latest")
	params.Set("filter_column", "location")
	params.Set("filter_value", location)
	params.Set("limit", "1")
	params.Set("columns", "interval_start_utc,lmp")
	return c.query(ctx, credential, market, realTimeDataset, params)
}

// RealTimeLast24h returns the last 288 five-minute real-time intervals.
func (c *Client) RealTimeLast24h(ctx context.Context, credential keypool.Credential, market string, location string) ([]byte, error) {
	params := url.Values{}
	params.Set("filter_column", "location")
	params.Set("filter_value", location)
	params.Set("order", "desc")
	params.Set("limit", "288")
	params.Set("columns", "interval_start_utc,lmp,energy,congestion,loss")
	return c.query(ctx, credential, market, realTimeDataset, params)
}

// RealTimeRange returns real-time prices for a specific time range.
func (c *Client) RealTimeRange(ctx context.Context, credential keypool.Credential, market string, location string, start string, end string) ([]byte, error) {
	params := url.Values{}
	params.Set("start_time", start)
	params.Set("end_time", end)
	params.Set("filter_column", "location")
	params.Set("filter_value", location)
	params.Set("order", "asc")
	params.Set("columns", "interval_start_utc,lmp")
	return c.query(ctx, credential, market, realTimeDataset, params)
}

// query performs one dataset call and maps the provider's failure modes
// onto the governance error taxonomy: 429 → RateLimitedError (with the
// Retry-After hint when present), 403 → ForbiddenError, anything else
// non-2xx → plain error.
func (c *Client) query(ctx context.Context, credential keypool.Credential, market string, dataset string, params url.Values) ([]byte, error) {
	params.Set("api_key", credential.Secret)
	endpoint := fmt.Sprintf("%s/%s_%s/query?%s", c.baseURL, market, dataset, params.Encode())

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %v", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %v", err)
	}

	switch {
	case response.StatusCode == http.StatusTooManyRequests:
		return nil, &gridgate.RateLimitedError{RetryAfter: retryAfterHint(response)}
	case response.StatusCode == http.StatusForbidden:
		return nil, &gridgate.ForbiddenError{Reason: http.StatusText(http.StatusForbidden)}
	case response.StatusCode < 200 || response.StatusCode >= 300:
		c.logger.Warnw("Upstream returned error status",
			"status", response.StatusCode, "dataset", dataset, "market", market)
		return nil, fmt.Errorf("upstream returned status %d", response.StatusCode)
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode upstream response: %v", err)
	}
	if envelope.Data == nil {
		return nil, fmt.Errorf("upstream response has no data field")
	}
	return envelope.Data, nil
}

func retryAfterHint(response *http.Response) time.Duration {
	header := response.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
