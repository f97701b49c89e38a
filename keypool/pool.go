// Package keypool tracks the health of a fixed set of upstream credentials
// and hands them out according to a configured rotation strategy. A
// credential hit by a rate limit or a forbidden response is cooled down for
// a bounded window; it is never permanently removed from rotation.
package keypool

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/gridpulse/gridgate"
	"github.com/gridpulse/gridgate/utils"
)

// Strategy selects which eligible credential Select returns.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
	StrategyLeastUsed  Strategy = "least_used"
)

// ParseStrategy validates a strategy name from configuration or the admin API.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyRoundRobin, StrategyRandom, StrategyLeastUsed:
		return Strategy(name), nil
	default:
		return "", fmt.Errorf("unknown credential strategy: %q", name)
	}
}

// Credential is the value handed to upstream calls. The index ties outcome
// reports back to the pool's internal record.
type Credential struct {
	Secret string

	index int
}

// OutcomeKind classifies the result of one upstream call made with a
// selected credential.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRateLimited
	OutcomeForbidden
	OutcomeError
)

// Outcome is reported back to the pool after each upstream attempt.
type Outcome struct {
	Kind OutcomeKind

	// RetryAfter is the provider-supplied cooldown hint for rate-limited
	// outcomes. Zero means no hint was given.
	RetryAfter time.Duration
}

func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }

func RateLimited(retryAfter time.Duration) Outcome {
	return Outcome{Kind: OutcomeRateLimited, RetryAfter: retryAfter}
}

func Forbidden() Outcome { return Outcome{Kind: OutcomeForbidden} }

func Failure() Outcome { return Outcome{Kind: OutcomeError} }

type record struct {
	secret              string
	requestCount        int64
	consecutiveFailures int
	lastUsedAt          time.Time

	// Zero when the credential is selectable.
	unavailableUntil time.Time
}

// Config holds the pool's static configuration.
type Config struct {
	Secrets  []string
	Strategy Strategy

	// Cooldown applied on rate-limited outcomes without a provider hint.
	ShortCooldown time.Duration

	// Cooldown applied on forbidden outcomes.
	LongCooldown time.Duration
}

// Pool is safe for concurrent use. Selection and outcome reporting are
// atomic with respect to each other.
type Pool struct {
	mu       sync.Mutex
	records  []*record
	cursor   int
	strategy Strategy

	shortCooldown time.Duration
	longCooldown  time.Duration

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock  clock.Clock
	logger *zap.SugaredLogger
}

// New creates a pool from static configuration. The credential set is fixed
// for the pool's lifetime.
func New(config Config, logger *zap.SugaredLogger) (*Pool, error) {
	return newPoolWithClock(config, logger, clock.New())
}

func newPoolWithClock(config Config, logger *zap.SugaredLogger, clk clock.Clock) (*Pool, error) {
	if len(config.Secrets) == 0 {
		return nil, fmt.Errorf("credential pool requires at least one credential")
	}
	strategy := config.Strategy
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	shortCooldown := config.ShortCooldown
	if shortCooldown <= 0 {
		shortCooldown = 3 * time.Second
	}
	longCooldown := config.LongCooldown
	if longCooldown <= 0 {
		longCooldown = 5 * time.Minute
	}

	records := make([]*record, len(config.Secrets))
	for i, secret := range config.Secrets {
		records[i] = &record{secret: secret}
	}

	return &Pool{
		records:       records,
		strategy:      strategy,
		shortCooldown: shortCooldown,
		longCooldown:  longCooldown,
		clock:         clk,
		logger:        logger,
	}, nil
}

// Select returns the next usable credential per the configured strategy.
// If no credential is eligible it fails immediately with
// gridgate.ErrPoolExhausted rather than blocking until a cooldown expires.
func (p *Pool) Select() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	eligible := p.eligibleLocked(now)
	if len(eligible) == 0 {
		return Credential{}, gridgate.ErrPoolExhausted
	}

	var index int
	switch p.strategy {
	case StrategyRandom:
		index = eligible[rand.IntN(len(eligible))]
	case StrategyLeastUsed:
		index = eligible[0]
		for _, i := range eligible[1:] {
			if p.records[i].requestCount < p.records[index].requestCount {
				index = i
			}
		}
	default:
		index = p.roundRobinLocked(eligible)
	}

	rec := p.records[index]
	rec.requestCount++
	rec.lastUsedAt = now
	return Credential{Secret: rec.secret, index: index}, nil
}

// eligibleLocked returns the indices of credentials whose cooldown has
// expired or was never set.
func (p *Pool) eligibleLocked(now time.Time) []int {
	eligible := make([]int, 0, len(p.records))
	for i, rec := range p.records {
		if rec.unavailableUntil.After(now) {
			continue
		}
		eligible = append(eligible, i)
	}
	return eligible
}

// roundRobinLocked advances the cursor in cyclic order, skipping
// ineligible credentials.
func (p *Pool) roundRobinLocked(eligible []int) int {
	eligibleSet := make(map[int]bool, len(eligible))
	for _, i := range eligible {
		eligibleSet[i] = true
	}
	for range p.records {
		index := p.cursor % len(p.records)
		p.cursor++
		if eligibleSet[index] {
			return index
		}
	}
	return eligible[0]
}

// ReportOutcome updates the credential's health after an upstream attempt.
func (p *Pool) ReportOutcome(credential Credential, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if credential.index < 0 || credential.index >= len(p.records) {
		return
	}
	rec := p.records[credential.index]

	switch outcome.Kind {
	case OutcomeSuccess:
		rec.consecutiveFailures = 0
	case OutcomeRateLimited:
		cooldown := outcome.RetryAfter
		if cooldown <= 0 {
			cooldown = p.shortCooldown
		}
		rec.unavailableUntil = p.clock.Now().Add(cooldown)
		rec.consecutiveFailures++
		p.logger.Warnw("Credential rate limited",
			"credential", preview(rec.secret),
			"cooldown", cooldown,
			"until", rec.unavailableUntil)
	case OutcomeForbidden:
		rec.unavailableUntil = p.clock.Now().Add(p.longCooldown)
		rec.consecutiveFailures++
		p.logger.Warnw("Credential rejected by upstream, cooling down",
			"credential", preview(rec.secret),
			"cooldown", p.longCooldown,
			"until", rec.unavailableUntil)
	case OutcomeError:
		rec.consecutiveFailures++
	}
}

// CredentialStats describes one credential in Stats output. The secret is
// never exposed beyond its preview.
type CredentialStats struct {
	Preview             string     `json:"credential"`
	Requests            int64      `json:"requests"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	CoolingDownUntil    *time.Time `json:"cooling_down_until,omitempty"`
}

// Stats is the pool's admin-facing snapshot.
type Stats struct {
	TotalCredentials       int               `json:"total_credentials"`
	AvailableCredentials   int               `json:"available_credentials"`
	CoolingDownCredentials int               `json:"cooling_down_credentials"`
	Strategy               Strategy          `json:"strategy"`
	Credentials            []CredentialStats `json:"credentials"`
}

// Stats reports the current health of every credential.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	stats := Stats{
		TotalCredentials: len(p.records),
		Strategy:         p.strategy,
		Credentials:      make([]CredentialStats, 0, len(p.records)),
	}
	for _, rec := range p.records {
		credential := CredentialStats{
			Preview:             preview(rec.secret),
			Requests:            rec.requestCount,
			ConsecutiveFailures: rec.consecutiveFailures,
		}
		if !rec.lastUsedAt.IsZero() {
			credential.LastUsedAt = utils.ToPtr(rec.lastUsedAt)
		}
		if rec.unavailableUntil.After(now) {
			credential.CoolingDownUntil = utils.ToPtr(rec.unavailableUntil)
			stats.CoolingDownCredentials++
		} else {
			stats.AvailableCredentials++
		}
		stats.Credentials = append(stats.Credentials, credential)
	}
	return stats
}

// Reset clears all cooldowns and counters. An empty strategy keeps the
// current one.
func (p *Pool) Reset(strategy Strategy) error {
	if strategy != "" {
		if _, err := ParseStrategy(string(strategy)); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if strategy != "" {
		p.strategy = strategy
	}
	p.cursor = 0
	for _, rec := range p.records {
		rec.requestCount = 0
		rec.consecutiveFailures = 0
		rec.lastUsedAt = time.Time{}
		rec.unavailableUntil = time.Time{}
	}
	p.logger.Infow("Credential pool reset", "strategy", p.strategy)
	return nil
}

func preview(secret string) string {
	if len(secret) <= 8 {
		return secret
	}
	return secret[:8] + "..."
}
