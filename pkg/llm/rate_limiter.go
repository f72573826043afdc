// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package llm provides shared plumbing for model providers: a client-side
// rate limiter with queueing and retry, and helpers for provider-safe tool
// names. Concrete providers live in subpackages (anthropic, bedrock, openai,
// ollama, echo) and are assembled by the factory package.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// RateLimiterConfig controls client-side throttling for model API calls.
type RateLimiterConfig struct {
	// Enabled turns rate limiting on. When false, Do executes calls directly.
	Enabled bool

	// RequestsPerSecond is the sustained request rate (bucket refill rate).
	RequestsPerSecond float64

	// TokensPerMinute caps model token throughput over a sliding one-minute
	// window. Zero disables token-based throttling.
	TokensPerMinute int64

	// BurstCapacity is the bucket size: how many requests may fire back to
	// back before pacing kicks in.
	BurstCapacity int

	// MinDelay is a floor between consecutive requests.
	MinDelay time.Duration

	// MaxRetries bounds retry attempts for throttled requests.
	MaxRetries int

	// RetryBackoff is the delay before the first retry; each subsequent
	// retry doubles it.
	RetryBackoff time.Duration

	// QueueTimeout bounds how long a request may wait for a queue slot.
	QueueTimeout time.Duration

	// Logger for limiter activity. Defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultRateLimiterConfig returns settings suited to a personal assistant:
// a low sustained rate with room for short bursts when a workflow run fans
// out across sections.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Enabled:           true,
		RequestsPerSecond: 2.0,
		TokensPerMinute:   200_000,
		BurstCapacity:     4,
		MinDelay:          100 * time.Millisecond,
		MaxRetries:        5,
		RetryBackoff:      time.Second,
		QueueTimeout:      2 * time.Minute,
	}
}

// MergeRateLimiterConfig overlays the caller's non-zero values onto the
// defaults, so providers can accept a sparse config from settings.
func MergeRateLimiterConfig(overrides RateLimiterConfig) RateLimiterConfig {
	cfg := DefaultRateLimiterConfig()
	cfg.Enabled = overrides.Enabled
	if overrides.Logger != nil {
		cfg.Logger = overrides.Logger
	}
	if overrides.RequestsPerSecond > 0 {
		cfg.RequestsPerSecond = overrides.RequestsPerSecond
	}
	if overrides.TokensPerMinute > 0 {
		cfg.TokensPerMinute = overrides.TokensPerMinute
	}
	if overrides.BurstCapacity > 0 {
		cfg.BurstCapacity = overrides.BurstCapacity
	}
	if overrides.MinDelay > 0 {
		cfg.MinDelay = overrides.MinDelay
	}
	if overrides.MaxRetries > 0 {
		cfg.MaxRetries = overrides.MaxRetries
	}
	if overrides.RetryBackoff > 0 {
		cfg.RetryBackoff = overrides.RetryBackoff
	}
	if overrides.QueueTimeout > 0 {
		cfg.QueueTimeout = overrides.QueueTimeout
	}
	return cfg
}

// RateLimiter smooths request bursts and retries throttled calls so a
// provider stays under its API limits. Each provider package shares one
// limiter, so concurrent workflow runs and chat sessions draw from the same
// budget.
type RateLimiter struct {
	config RateLimiterConfig
	logger *zap.Logger

	// Token bucket for request pacing.
	mu         sync.Mutex
	slots      float64
	maxSlots   float64
	refillRate float64
	lastRefill time.Time
	lastCall   time.Time

	// Sliding one-minute window of model token usage.
	usageMu     sync.Mutex
	tokenEvents []tokenEvent

	queue  chan *limiterRequest
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	totalRequests     atomic.Int64
	throttledRequests atomic.Int64
	retriedRequests   atomic.Int64
	failedRequests    atomic.Int64
}

type tokenEvent struct {
	at     time.Time
	tokens int64
}

type limiterRequest struct {
	ctx    context.Context
	call   func(ctx context.Context) (interface{}, error)
	result chan limiterResult
}

type limiterResult struct {
	value interface{}
	err   error
}

// RateLimiterMetrics is a point-in-time snapshot of limiter activity.
type RateLimiterMetrics struct {
	TotalRequests     int64
	ThrottledRequests int64
	RetriedRequests   int64
	FailedRequests    int64
	QueueDepth        int
	AvailableSlots    float64
	TokensLastMinute  int64
}

// NewRateLimiter builds a limiter and starts its queue worker. Callers must
// Close it to release the worker.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 2.0
	}
	if config.BurstCapacity <= 0 {
		config.BurstCapacity = 1
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}
	if config.QueueTimeout <= 0 {
		config.QueueTimeout = 2 * time.Minute
	}

	rl := &RateLimiter{
		config:     config,
		logger:     config.Logger,
		slots:      float64(config.BurstCapacity),
		maxSlots:   float64(config.BurstCapacity),
		refillRate: config.RequestsPerSecond,
		lastRefill: time.Now(),
		queue:      make(chan *limiterRequest, config.BurstCapacity*8),
		stopCh:     make(chan struct{}),
	}

	rl.wg.Add(2)
	go rl.processQueue()
	go rl.reportMetrics()
	return rl
}

// Do queues the call, waits for a pacing slot, then executes it with retry
// on throttling errors. When the limiter is disabled the call runs
// immediately on the caller's goroutine.
func (rl *RateLimiter) Do(ctx context.Context, call func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if !rl.config.Enabled {
		return call(ctx)
	}
	if rl.closed.Load() {
		return nil, fmt.Errorf("rate limiter is closed")
	}

	rl.totalRequests.Add(1)

	req := &limiterRequest{
		ctx:    ctx,
		call:   call,
		result: make(chan limiterResult, 1),
	}

	queueCtx, cancel := context.WithTimeout(ctx, rl.config.QueueTimeout)
	defer cancel()

	select {
	case rl.queue <- req:
	case <-queueCtx.Done():
		rl.failedRequests.Add(1)
		return nil, fmt.Errorf("rate limiter queue wait: %w", queueCtx.Err())
	case <-rl.stopCh:
		return nil, fmt.Errorf("rate limiter is closed")
	}

	select {
	case res := <-req.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-rl.stopCh:
		return nil, fmt.Errorf("rate limiter is closed")
	}
}

// RecordTokenUsage feeds observed token consumption into the sliding window.
// Providers call this after each response so the TokensPerMinute cap tracks
// real usage rather than estimates.
func (rl *RateLimiter) RecordTokenUsage(tokens int64) {
	if tokens <= 0 || rl.config.TokensPerMinute <= 0 {
		return
	}
	rl.usageMu.Lock()
	defer rl.usageMu.Unlock()
	rl.tokenEvents = append(rl.tokenEvents, tokenEvent{at: time.Now(), tokens: tokens})
}

// GetTokenUsageLastMinute sums recorded token usage over the trailing minute
// and prunes expired entries.
func (rl *RateLimiter) GetTokenUsageLastMinute() int64 {
	rl.usageMu.Lock()
	defer rl.usageMu.Unlock()

	cutoff := time.Now().Add(-time.Minute)
	kept := rl.tokenEvents[:0]
	var sum int64
	for _, ev := range rl.tokenEvents {
		if ev.at.After(cutoff) {
			kept = append(kept, ev)
			sum += ev.tokens
		}
	}
	rl.tokenEvents = kept
	return sum
}

// GetMetrics returns current counters and gauge values.
func (rl *RateLimiter) GetMetrics() RateLimiterMetrics {
	rl.mu.Lock()
	rl.refillLocked()
	available := rl.slots
	rl.mu.Unlock()

	return RateLimiterMetrics{
		TotalRequests:     rl.totalRequests.Load(),
		ThrottledRequests: rl.throttledRequests.Load(),
		RetriedRequests:   rl.retriedRequests.Load(),
		FailedRequests:    rl.failedRequests.Load(),
		QueueDepth:        len(rl.queue),
		AvailableSlots:    available,
		TokensLastMinute:  rl.GetTokenUsageLastMinute(),
	}
}

// Close stops the limiter's workers. Safe to call more than once. Requests
// still queued when Close runs receive a closed error.
func (rl *RateLimiter) Close() {
	if !rl.closed.CompareAndSwap(false, true) {
		return
	}
	close(rl.stopCh)
	rl.wg.Wait()

	for {
		select {
		case req := <-rl.queue:
			req.result <- limiterResult{err: fmt.Errorf("rate limiter is closed")}
		default:
			return
		}
	}
}

func (rl *RateLimiter) processQueue() {
	defer rl.wg.Done()
	for {
		select {
		case req := <-rl.queue:
			rl.waitForSlot(req.ctx)
			if err := req.ctx.Err(); err != nil {
				req.result <- limiterResult{err: err}
				continue
			}
			value, err := rl.executeWithRetry(req.ctx, req.call)
			req.result <- limiterResult{value: value, err: err}
		case <-rl.stopCh:
			return
		}
	}
}

// waitForSlot blocks until the bucket grants a request slot, the MinDelay
// floor has elapsed, and the sliding token window has headroom.
func (rl *RateLimiter) waitForSlot(ctx context.Context) {
	for {
		rl.mu.Lock()
		rl.refillLocked()
		now := time.Now()
		if rl.slots >= 1 && now.Sub(rl.lastCall) >= rl.config.MinDelay {
			rl.slots--
			rl.lastCall = now
			rl.mu.Unlock()
			break
		}

		wait := rl.config.MinDelay - now.Sub(rl.lastCall)
		if rl.slots < 1 {
			refillWait := time.Duration((1 - rl.slots) / rl.refillRate * float64(time.Second))
			wait = max(wait, refillWait)
		}
		rl.mu.Unlock()

		wait = max(wait, 10*time.Millisecond)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		case <-rl.stopCh:
			return
		}
	}

	rl.waitForTokenBudget(ctx)
}

// waitForTokenBudget blocks while last-minute token usage sits at or above
// the configured cap.
func (rl *RateLimiter) waitForTokenBudget(ctx context.Context) {
	if rl.config.TokensPerMinute <= 0 {
		return
	}
	throttled := false
	for rl.GetTokenUsageLastMinute() >= rl.config.TokensPerMinute {
		if !throttled {
			throttled = true
			rl.throttledRequests.Add(1)
			rl.logger.Debug("Token budget exhausted, pausing requests",
				zap.Int64("tokens_last_minute", rl.GetTokenUsageLastMinute()),
				zap.Int64("tokens_per_minute", rl.config.TokensPerMinute))
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		case <-rl.stopCh:
			return
		}
	}
}

// executeWithRetry runs the call, retrying with exponential backoff when the
// provider reports throttling. Non-throttling errors fail immediately.
func (rl *RateLimiter) executeWithRetry(ctx context.Context, call func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	backoff := rl.config.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= rl.config.MaxRetries; attempt++ {
		if attempt > 0 {
			rl.retriedRequests.Add(1)
			rl.logger.Info("Retrying throttled request",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", rl.config.MaxRetries),
				zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-rl.stopCh:
				return nil, fmt.Errorf("rate limiter is closed")
			}
			backoff *= 2
		}

		value, err := call(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !isThrottlingError(err) {
			rl.failedRequests.Add(1)
			return nil, err
		}
		rl.throttledRequests.Add(1)
	}

	rl.failedRequests.Add(1)
	return nil, fmt.Errorf("request throttled after %d retries: %w", rl.config.MaxRetries, lastErr)
}

// refillLocked tops up the bucket from elapsed time. Caller holds mu.
func (rl *RateLimiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.slots = min(rl.maxSlots, rl.slots+elapsed*rl.refillRate)
	rl.lastRefill = now
}

// reportMetrics logs limiter activity periodically while requests flow.
func (rl *RateLimiter) reportMetrics() {
	defer rl.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var lastTotal int64
	for {
		select {
		case <-ticker.C:
			m := rl.GetMetrics()
			if m.TotalRequests == lastTotal {
				continue
			}
			lastTotal = m.TotalRequests
			rl.logger.Debug("Rate limiter status",
				zap.Int64("total_requests", m.TotalRequests),
				zap.Int64("throttled", m.ThrottledRequests),
				zap.Int64("retried", m.RetriedRequests),
				zap.Int64("failed", m.FailedRequests),
				zap.Int("queue_depth", m.QueueDepth),
				zap.Int64("tokens_last_minute", m.TokensLastMinute))
		case <-rl.stopCh:
			return
		}
	}
}

// throttlingMarkers identify rate-limit rejections across providers:
// Anthropic (rate_limit_error, overloaded_error), OpenAI (429, Too Many
// Requests), Bedrock (ThrottlingException).
var throttlingMarkers = []string{
	"429",
	"throttlingexception",
	"toomanyrequests",
	"too many requests",
	"rate limit",
	"rate_limit",
	"throttle",
	"overloaded",
}

// isThrottlingError reports whether err looks like a provider rate-limit
// rejection worth retrying.
func isThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range throttlingMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
