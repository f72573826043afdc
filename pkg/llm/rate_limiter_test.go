// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestNewRateLimiter(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)

	rl := NewRateLimiter(config)
	require.NotNil(t, rl)
	defer rl.Close()

	assert.Equal(t, config.RequestsPerSecond, rl.refillRate)
	assert.Equal(t, float64(config.BurstCapacity), rl.maxSlots)
	assert.Equal(t, float64(config.BurstCapacity), rl.slots)
}

func TestMergeRateLimiterConfig(t *testing.T) {
	merged := MergeRateLimiterConfig(RateLimiterConfig{
		Enabled:           true,
		RequestsPerSecond: 7,
		MaxRetries:        2,
	})

	def := DefaultRateLimiterConfig()
	assert.True(t, merged.Enabled)
	assert.EqualValues(t, 7, merged.RequestsPerSecond)
	assert.Equal(t, 2, merged.MaxRetries)
	assert.Equal(t, def.TokensPerMinute, merged.TokensPerMinute)
	assert.Equal(t, def.BurstCapacity, merged.BurstCapacity)
	assert.Equal(t, def.QueueTimeout, merged.QueueTimeout)

	disabled := MergeRateLimiterConfig(RateLimiterConfig{})
	assert.False(t, disabled.Enabled)
}

func TestRateLimiter_Do_Success(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 50
	config.MinDelay = 0

	rl := NewRateLimiter(config)
	defer rl.Close()

	callCount := 0
	result, err := rl.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		callCount++
		return "success", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "success", result)
	assert.Equal(t, 1, callCount)

	metrics := rl.GetMetrics()
	assert.Equal(t, int64(1), metrics.TotalRequests)
	assert.Equal(t, int64(0), metrics.ThrottledRequests)
	assert.Equal(t, int64(0), metrics.FailedRequests)
}

func TestRateLimiter_Do_ThrottlingRetry(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 50
	config.MinDelay = 0
	config.MaxRetries = 3
	config.RetryBackoff = 10 * time.Millisecond

	rl := NewRateLimiter(config)
	defer rl.Close()

	callCount := 0
	result, err := rl.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		callCount++
		if callCount < 3 {
			return nil, errors.New("ThrottlingException: too many tokens")
		}
		return "success", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "success", result)
	assert.Equal(t, 3, callCount)

	metrics := rl.GetMetrics()
	assert.Equal(t, int64(1), metrics.TotalRequests)
	assert.Equal(t, int64(2), metrics.ThrottledRequests)
	assert.Equal(t, int64(2), metrics.RetriedRequests)
	assert.Equal(t, int64(0), metrics.FailedRequests)
}

func TestRateLimiter_Do_ThrottlingExhausted(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 50
	config.MinDelay = 0
	config.MaxRetries = 2
	config.RetryBackoff = 10 * time.Millisecond

	rl := NewRateLimiter(config)
	defer rl.Close()

	callCount := 0
	result, err := rl.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		callCount++
		return nil, errors.New("HTTP 429: rate limit exceeded")
	})

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "throttled after 2 retries")
	assert.Equal(t, 3, callCount) // MaxRetries=2 means 3 total attempts

	metrics := rl.GetMetrics()
	assert.Equal(t, int64(3), metrics.ThrottledRequests)
	assert.Equal(t, int64(1), metrics.FailedRequests)
}

func TestRateLimiter_Do_NonThrottlingErrorFailsFast(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 50
	config.MinDelay = 0
	config.MaxRetries = 3
	config.RetryBackoff = 10 * time.Millisecond

	rl := NewRateLimiter(config)
	defer rl.Close()

	callCount := 0
	boom := errors.New("invalid request: model not found")
	_, err := rl.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		callCount++
		return nil, boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, callCount)

	metrics := rl.GetMetrics()
	assert.Equal(t, int64(0), metrics.RetriedRequests)
	assert.Equal(t, int64(1), metrics.FailedRequests)
}

func TestRateLimiter_Do_Disabled(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Enabled = false
	config.Logger = zaptest.NewLogger(t)

	rl := NewRateLimiter(config)
	defer rl.Close()

	callCount := 0
	result, err := rl.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		callCount++
		return "direct", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "direct", result)
	assert.Equal(t, 1, callCount)

	// Disabled calls bypass the queue and the counters.
	metrics := rl.GetMetrics()
	assert.Equal(t, int64(0), metrics.TotalRequests)
}

func TestRateLimiter_Do_ContextCancellation(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 1

	rl := NewRateLimiter(config)
	defer rl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := rl.Do(ctx, func(ctx context.Context) (interface{}, error) {
		return "should not execute", nil
	})

	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimiter_ConcurrentRequests(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 200
	config.BurstCapacity = 50
	config.MinDelay = 0

	rl := NewRateLimiter(config)
	defer rl.Close()

	const numRequests = 50
	var successCount atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			result, err := rl.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
				return fmt.Sprintf("request-%d", id), nil
			})
			if err == nil && result != nil {
				successCount.Add(1)
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, int64(numRequests), successCount.Load())
	metrics := rl.GetMetrics()
	assert.Equal(t, int64(numRequests), metrics.TotalRequests)
	assert.Equal(t, int64(0), metrics.FailedRequests)
}

func TestRateLimiter_BucketRefill(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 10 // one slot every 100ms
	config.BurstCapacity = 2
	config.MinDelay = 0

	rl := NewRateLimiter(config)
	defer rl.Close()

	// Consume the burst.
	for i := 0; i < 2; i++ {
		_, err := rl.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
			return "ok", nil
		})
		require.NoError(t, err)
	}

	// Bucket is empty: the next request must wait for a refill.
	start := time.Now()
	_, err := rl.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
}

func TestRateLimiter_MinDelay(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 100
	config.BurstCapacity = 10
	config.MinDelay = 100 * time.Millisecond

	rl := NewRateLimiter(config)
	defer rl.Close()

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := rl.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
			return "ok", nil
		})
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	// The second request waits out the floor.
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestRateLimiter_RecordTokenUsage(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)

	rl := NewRateLimiter(config)
	defer rl.Close()

	rl.RecordTokenUsage(1000)
	rl.RecordTokenUsage(2000)
	rl.RecordTokenUsage(3000)

	assert.Equal(t, int64(6000), rl.GetTokenUsageLastMinute())
	assert.Equal(t, int64(6000), rl.GetMetrics().TokensLastMinute)
}

func TestRateLimiter_TokenWindowPruning(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)

	rl := NewRateLimiter(config)
	defer rl.Close()

	rl.usageMu.Lock()
	rl.tokenEvents = append(rl.tokenEvents,
		tokenEvent{at: time.Now().Add(-90 * time.Second), tokens: 1000},
		tokenEvent{at: time.Now().Add(-70 * time.Second), tokens: 2000},
		tokenEvent{at: time.Now().Add(-30 * time.Second), tokens: 3000},
	)
	rl.usageMu.Unlock()

	rl.RecordTokenUsage(4000)

	// The two stale entries fall outside the minute window.
	assert.Equal(t, int64(7000), rl.GetTokenUsageLastMinute())
}

func TestRateLimiter_ExponentialBackoff(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.MinDelay = 0
	config.MaxRetries = 3
	config.RetryBackoff = 50 * time.Millisecond

	rl := NewRateLimiter(config)
	defer rl.Close()

	var callTimes []time.Time
	_, err := rl.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		callTimes = append(callTimes, time.Now())
		return nil, errors.New("ThrottlingException")
	})

	require.Error(t, err)
	require.Len(t, callTimes, 4) // 1 initial + 3 retries

	delay1 := callTimes[1].Sub(callTimes[0])
	delay2 := callTimes[2].Sub(callTimes[1])
	delay3 := callTimes[3].Sub(callTimes[2])

	assert.GreaterOrEqual(t, delay1, 50*time.Millisecond)
	assert.GreaterOrEqual(t, delay2, 100*time.Millisecond)
	assert.GreaterOrEqual(t, delay3, 200*time.Millisecond)
}

func TestRateLimiter_Close(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)

	rl := NewRateLimiter(config)

	rl.Close()
	rl.Close() // idempotent

	result, err := rl.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "should not execute", nil
	})

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "closed")
}

func TestIsThrottlingError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"HTTP 429", errors.New("HTTP 429: Too Many Requests"), true},
		{"ThrottlingException", errors.New("ThrottlingException: too many tokens"), true},
		{"TooManyRequests", errors.New("TooManyRequests: slow down"), true},
		{"rate limit keyword", errors.New("API rate limit exceeded"), true},
		{"anthropic error type", errors.New("anthropic: rate_limit_error"), true},
		{"overloaded", errors.New("overloaded_error: try again later"), true},
		{"throttle keyword", errors.New("request throttled by provider"), true},
		{"other error", errors.New("connection timeout"), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isThrottlingError(tt.err))
		})
	}
}

func TestRateLimiter_RaceConditions(t *testing.T) {
	// Exercises concurrent Do/Record/GetMetrics under -race.
	config := DefaultRateLimiterConfig()
	config.Logger = zaptest.NewLogger(t)
	config.RequestsPerSecond = 500
	config.BurstCapacity = 100
	config.MinDelay = 0

	rl := NewRateLimiter(config)
	defer rl.Close()

	var wg sync.WaitGroup
	const numGoroutines = 20
	const requestsPerGoroutine = 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < requestsPerGoroutine; j++ {
				_, _ = rl.Do(context.Background(), func(ctx context.Context) (interface{}, error) {
					return "ok", nil
				})
				rl.RecordTokenUsage(int64(100 + j))
				_ = rl.GetMetrics()
				_ = rl.GetTokenUsageLastMinute()
			}
		}()
	}

	wg.Wait()
}

func BenchmarkRateLimiter_Do(b *testing.B) {
	config := DefaultRateLimiterConfig()
	config.Logger = zap.NewNop()
	config.RequestsPerSecond = 10000
	config.BurstCapacity = 1000
	config.MinDelay = 0

	rl := NewRateLimiter(config)
	defer rl.Close()

	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = rl.Do(ctx, func(ctx context.Context) (interface{}, error) {
			return "ok", nil
		})
	}
}
