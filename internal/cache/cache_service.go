// Package cache provides Redis-backed shared state with graceful
// degradation. When Redis is unavailable operations return errors and
// callers fall back to local alternatives; the bot never depends on Redis
// for correctness, only for cross-restart continuity.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"triad-trading-bot/config"
)

// Key formats.
const (
	keyGroupSequence = "bot:%s:group_sequence"
	keyLastPrice     = "bot:%s:last_price:%s"
)

// DefaultSequenceTTL keeps sequence keys alive across long idle stretches.
const DefaultSequenceTTL = 30 * 24 * time.Hour

// CacheService wraps a Redis client with a health circuit breaker.
type CacheService struct {
	client *redis.Client
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewCacheService connects to Redis. A failed initial connection returns
// the service in degraded mode rather than an error.
func NewCacheService(cfg config.RedisConfig, logger zerolog.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := &CacheService{
		client:        client,
		logger:        logger.With().Str("component", "cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn().Err(err).Msg("Initial Redis connection failed, running degraded")
		return cs, nil
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	cs.logger.Info().Str("address", cfg.Address).Msg("Redis connected")
	return cs, nil
}

// IsHealthy returns whether Redis is currently considered available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

// recordFailure tracks a Redis operation failure for the circuit breaker.
func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.logger.Warn().Int("failures", cs.failureCount).Msg("Circuit breaker OPEN, Redis marked unhealthy")
		}
		cs.healthy = false
	}
}

// recordSuccess resets the failure counter on a successful operation.
func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info().Msg("Redis recovered, circuit breaker closed")
	}
	cs.failureCount = 0
	cs.healthy = true
}

// checkHealth re-probes an unhealthy connection at most once per interval.
func (cs *CacheService) checkHealth(ctx context.Context) {
	cs.mu.RLock()
	healthy := cs.healthy
	due := time.Since(cs.lastCheck) >= cs.checkInterval
	cs.mu.RUnlock()

	if healthy || !due {
		return
	}

	cs.mu.Lock()
	cs.lastCheck = time.Now()
	cs.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := cs.client.Ping(pingCtx).Err(); err == nil {
		cs.recordSuccess()
	}
}

// NextGroupSequence atomically increments the bot's group sequence counter.
// Implements the allocator's SequenceSource, so counters survive restarts
// as long as Redis does.
func (cs *CacheService) NextGroupSequence(ctx context.Context, botID string) (int64, error) {
	cs.checkHealth(ctx)

	if !cs.IsHealthy() {
		return 0, fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	key := fmt.Sprintf(keyGroupSequence, botID)

	val, err := cs.client.Incr(ctx, key).Result()
	if err != nil {
		cs.recordFailure()
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}
	if val == 1 {
		cs.client.Expire(ctx, key, DefaultSequenceTTL)
	}

	cs.recordSuccess()
	return val, nil
}

// SetLastPrice caches the most recent observed price for a symbol. Best
// effort; failures only trip the health counter.
func (cs *CacheService) SetLastPrice(ctx context.Context, botID, symbol string, price float64) {
	if !cs.IsHealthy() {
		return
	}
	key := fmt.Sprintf(keyLastPrice, botID, symbol)
	if err := cs.client.Set(ctx, key, price, time.Minute).Err(); err != nil {
		cs.recordFailure()
		return
	}
	cs.recordSuccess()
}

// GetLastPrice returns the cached last price, or an error when absent or
// Redis is down.
func (cs *CacheService) GetLastPrice(ctx context.Context, botID, symbol string) (float64, error) {
	cs.checkHealth(ctx)

	if !cs.IsHealthy() {
		return 0, fmt.Errorf("redis unavailable (circuit breaker open)")
	}
	key := fmt.Sprintf(keyLastPrice, botID, symbol)
	val, err := cs.client.Get(ctx, key).Float64()
	if err != nil {
		if err != redis.Nil {
			cs.recordFailure()
		}
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	cs.recordSuccess()
	return val, nil
}

// Close releases the Redis connection.
func (cs *CacheService) Close() error {
	return cs.client.Close()
}
