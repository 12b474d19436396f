package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RequestPriority defines priority levels for API requests.
// Higher priority requests get more lenient rate limiting thresholds.
type RequestPriority int

const (
	// PriorityCritical - order placement, stop modification, closes.
	// Uses up to 95% of weight budget - these MUST go through.
	PriorityCritical RequestPriority = iota

	// PriorityHigh - position checks, reconciliation.
	// Uses up to 80% of weight budget.
	PriorityHigh

	// PriorityNormal - prices, klines for active trading.
	// Uses up to 60% of weight budget.
	PriorityNormal

	// PriorityLow - background data, non-urgent lookups.
	// Uses up to 40% of weight budget - throttled first.
	PriorityLow
)

// String returns a human-readable priority name
func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// AcquireResult represents the result of a non-blocking TryAcquire attempt
type AcquireResult struct {
	Acquired     bool          // Whether the slot was successfully acquired
	WaitTime     time.Duration // Suggested wait time if not acquired
	Reason       string        // Explanation for denial (empty if acquired)
	WeightBudget int           // Remaining weight budget after this request
	CurrentUsage float64       // Current weight usage percentage (0-100)
}

// Endpoint weights for the broker API.
var endpointWeights = map[string]int{
	"/api/v1/order":        1,
	"/api/v1/order/stop":   1,
	"/api/v1/position":     2,
	"/api/v1/positions":    5,
	"/api/v1/ticker/price": 1,
	"/api/v1/klines":       5,
	"/api/v1/exchangeInfo": 1,
}

// RateLimiter implements proactive weight-based rate limiting with a
// circuit breaker that opens on venue bans.
type RateLimiter struct {
	mu sync.Mutex

	circuitOpen   bool
	circuitOpenAt time.Time
	banUntil      time.Time

	currentWeight int
	weightResetAt time.Time
	maxWeight     int

	requestCount   int
	requestResetAt time.Time
	maxRequests    int

	consecutiveErrors int

	logger zerolog.Logger
}

// NewRateLimiter creates a rate limiter with per-minute budgets.
func NewRateLimiter(maxWeight, maxRequests int, logger zerolog.Logger) *RateLimiter {
	if maxWeight <= 0 {
		maxWeight = 2400
	}
	if maxRequests <= 0 {
		maxRequests = 1200
	}
	return &RateLimiter{
		maxWeight:      maxWeight,
		maxRequests:    maxRequests,
		weightResetAt:  time.Now().Add(time.Minute),
		requestResetAt: time.Now().Add(time.Minute),
		logger:         logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// TryAcquire attempts to acquire a rate limit slot WITHOUT blocking.
// Atomically checks AND records weight on success.
func (r *RateLimiter) TryAcquire(endpoint string, priority RequestPriority) AcquireResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}
	if now.After(r.requestResetAt) {
		r.requestCount = 0
		r.requestResetAt = now.Add(time.Minute)
	}

	if r.circuitOpen && now.Before(r.banUntil) {
		return AcquireResult{
			Acquired:     false,
			WaitTime:     time.Until(r.banUntil),
			Reason:       "circuit_breaker_open",
			CurrentUsage: 100.0,
		}
	}
	if r.circuitOpen && now.After(r.banUntil) {
		r.circuitOpen = false
		r.logger.Info().Msg("Rate limit circuit breaker auto-closed")
	}

	weight := endpointWeight(endpoint)
	thresholdPercent := r.thresholdForPriority(priority)
	threshold := int(float64(r.maxWeight) * thresholdPercent)

	if r.currentWeight+weight > threshold {
		waitTime := time.Until(r.weightResetAt)
		if waitTime < 0 {
			waitTime = 100 * time.Millisecond
		}
		return AcquireResult{
			Acquired:     false,
			WaitTime:     waitTime,
			Reason:       fmt.Sprintf("weight_limit_exceeded_for_%s_priority", priority.String()),
			WeightBudget: threshold - r.currentWeight,
			CurrentUsage: float64(r.currentWeight) / float64(r.maxWeight) * 100,
		}
	}

	requestThreshold := int(float64(r.maxRequests) * thresholdPercent)
	if r.requestCount >= requestThreshold {
		waitTime := time.Until(r.requestResetAt)
		if waitTime < 0 {
			waitTime = 100 * time.Millisecond
		}
		return AcquireResult{
			Acquired:     false,
			WaitTime:     waitTime,
			Reason:       fmt.Sprintf("request_limit_exceeded_for_%s_priority", priority.String()),
			WeightBudget: threshold - r.currentWeight,
			CurrentUsage: float64(r.currentWeight) / float64(r.maxWeight) * 100,
		}
	}

	r.currentWeight += weight
	r.requestCount++
	r.consecutiveErrors = 0

	return AcquireResult{
		Acquired:     true,
		WeightBudget: threshold - r.currentWeight,
		CurrentUsage: float64(r.currentWeight) / float64(r.maxWeight) * 100,
	}
}

// thresholdForPriority returns the weight threshold percentage for a
// priority level. Higher priority = more access to the budget.
func (r *RateLimiter) thresholdForPriority(priority RequestPriority) float64 {
	switch priority {
	case PriorityCritical:
		return 0.95
	case PriorityHigh:
		return 0.80
	case PriorityNormal:
		return 0.60
	case PriorityLow:
		return 0.40
	default:
		return 0.50
	}
}

// RecordRateLimitError records a venue rate limit error and opens the
// circuit breaker. banUntilMs of zero falls back to exponential backoff.
func (r *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++

	var banUntil time.Time
	if banUntilMs > 0 {
		banUntil = time.UnixMilli(banUntilMs)
	} else {
		backoff := time.Duration(1<<uint(r.consecutiveErrors)) * time.Minute
		if backoff > 30*time.Minute {
			backoff = 30 * time.Minute
		}
		banUntil = time.Now().Add(backoff)
	}

	r.circuitOpen = true
	r.circuitOpenAt = time.Now()
	r.banUntil = banUntil

	r.logger.Warn().
		Time("ban_until", banUntil).
		Int("consecutive_errors", r.consecutiveErrors).
		Msg("Rate limit circuit breaker OPEN")
}

// IsCircuitOpen returns true if the circuit breaker is currently open.
func (r *RateLimiter) IsCircuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitOpen && time.Now().Before(r.banUntil)
}

// GetStatus returns the current rate limiter status for the status API.
func (r *RateLimiter) GetStatus() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	usagePct := float64(r.currentWeight) / float64(r.maxWeight) * 100
	timeUntilReset := time.Until(r.weightResetAt)
	if timeUntilReset < 0 {
		timeUntilReset = 0
	}

	status := map[string]interface{}{
		"circuit_open":       r.circuitOpen,
		"current_weight":     r.currentWeight,
		"max_weight":         r.maxWeight,
		"weight_usage_pct":   usagePct,
		"request_count":      r.requestCount,
		"max_requests":       r.maxRequests,
		"consecutive_errors": r.consecutiveErrors,
		"reset_in_seconds":   int(timeUntilReset.Seconds()),
	}
	if r.circuitOpen {
		status["ban_until"] = r.banUntil.Format(time.RFC3339)
	}
	return status
}

// endpointWeight returns the weight for an endpoint.
func endpointWeight(endpoint string) int {
	if weight, ok := endpointWeights[endpoint]; ok {
		return weight
	}
	return 1
}
