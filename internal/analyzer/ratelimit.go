package analyzer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/redis/go-redis/v9"
)

// rateWindow is the rolling window alert caps apply to.
const rateWindow = time.Hour

// RateLimiter caps alerts per (meter, alert type) in a rolling hour.
type RateLimiter interface {
	// Allow reports whether another alert may be sent at now.
	Allow(ctx context.Context, meterID string, alertType domain.TriggerType, now time.Time) (bool, error)
	// Mark counts a sent alert against the cap.
	Mark(ctx context.Context, alert domain.Alert) error
}

// AlertCounter counts prior alerts in the alert log.
type AlertCounter interface {
	CountAlerts(ctx context.Context, meterID string, alertType domain.TriggerType, since time.Time) (int, error)
}

// StoreRateLimiter counts prior alerts in the alert log. Sent alerts are
// recorded by the dispatcher, so Mark has nothing to do.
type StoreRateLimiter struct {
	counter    AlertCounter
	maxPerHour int
}

// NewStoreRateLimiter creates a limiter backed by the alert log.
func NewStoreRateLimiter(counter AlertCounter, maxPerHour int) *StoreRateLimiter {
	return &StoreRateLimiter{counter: counter, maxPerHour: maxPerHour}
}

// Allow implements RateLimiter.
func (l *StoreRateLimiter) Allow(ctx context.Context, meterID string, alertType domain.TriggerType, now time.Time) (bool, error) {
	n, err := l.counter.CountAlerts(ctx, meterID, alertType, now.Add(-rateWindow))
	if err != nil {
		return false, fmt.Errorf("count alerts: %w", err)
	}
	return n < l.maxPerHour, nil
}

// Mark implements RateLimiter.
func (l *StoreRateLimiter) Mark(context.Context, domain.Alert) error {
	return nil
}

// RedisRateLimiter keeps one sorted set per (meter, alert type) scored by
// send time, so instances sharing a Redis share the cap.
type RedisRateLimiter struct {
	client     redis.UniversalClient
	prefix     string
	maxPerHour int
}

// NewRedisRateLimiter creates a Redis-backed limiter.
func NewRedisRateLimiter(client redis.UniversalClient, maxPerHour int) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: "telemetry:alerts", maxPerHour: maxPerHour}
}

func (l *RedisRateLimiter) key(meterID string, alertType domain.TriggerType) string {
	return l.prefix + ":" + meterID + ":" + string(alertType)
}

// Allow implements RateLimiter.
func (l *RedisRateLimiter) Allow(ctx context.Context, meterID string, alertType domain.TriggerType, now time.Time) (bool, error) {
	key := l.key(meterID, alertType)
	cutoff := strconv.FormatInt(now.Add(-rateWindow).UnixNano(), 10)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis rate limit check: %w", err)
	}
	return card.Val() < int64(l.maxPerHour), nil
}

// Mark implements RateLimiter.
func (l *RedisRateLimiter) Mark(ctx context.Context, alert domain.Alert) error {
	key := l.key(alert.MeterID, alert.AlertType)
	score := float64(alert.SentAt.UnixNano())

	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: strconv.FormatInt(alert.SentAt.UnixNano(), 10)})
	pipe.Expire(ctx, key, rateWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis rate limit mark: %w", err)
	}
	return nil
}
