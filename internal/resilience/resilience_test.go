package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/contracts-cli/internal/config"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("overloaded"), 503), true},
		{"wrapped explicit", fmt.Errorf("supabase: %w", NewTransientError(errors.New("429"), 429)), true},
		{"eris wrapped", eris.Wrap(NewTransientError(errors.New("x"), 502), "blob: get"), true},
		{"circuit open", eris.Wrap(ErrCircuitOpen, "extract: semantic"), true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"net timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"string pattern", errors.New("write: broken pipe"), true},
		{"plain", errors.New("invalid json"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404, 409} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("boom")
	te := NewTransientError(inner, 500)
	assert.ErrorIs(t, te, inner)
	assert.Equal(t, "boom", te.Error())
	assert.Equal(t, 500, te.StatusCode)
}

func TestDo_SucceedsAfterTransient(t *testing.T) {
	t.Parallel()

	var calls, retries int
	cfg := fastRetry(3)
	cfg.OnRetry = func(int, error) { retries++ }

	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("busy"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestDo_NonTransientStopsImmediately(t *testing.T) {
	t.Parallel()

	var calls int
	err := Do(context.Background(), fastRetry(5), func(context.Context) error {
		calls++
		return errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var calls int
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		return NewTransientError(errors.New("busy"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("busy"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_CustomShouldRetry(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("retry me")
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, sentinel) }

	var calls int
	v, err := DoVal(context.Background(), cfg, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", sentinel
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestComputeBackoff(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, computeBackoff(0, cfg))
	assert.Equal(t, 200*time.Millisecond, computeBackoff(1, cfg))
	assert.Equal(t, 300*time.Millisecond, computeBackoff(5, cfg))

	cfg.JitterFraction = 0.5
	for i := 0; i < 20; i++ {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestPoliciesFromConfig(t *testing.T) {
	t.Parallel()

	r := RetryPolicy(config.RetryConfig{MaxAttempts: 5, InitialBackoffMs: 10, MaxBackoffMs: 100, Multiplier: 3})
	assert.Equal(t, 5, r.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, r.InitialBackoff)
	assert.Equal(t, 100*time.Millisecond, r.MaxBackoff)
	assert.InDelta(t, 3.0, r.Multiplier, 1e-9)
	assert.Zero(t, r.JitterFraction)

	d := RetryPolicy(config.RetryConfig{JitterFraction: -1})
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, d.MaxAttempts)
	assert.InDelta(t, 0.25, d.JitterFraction, 1e-9)

	c := BreakerPolicy(config.CircuitConfig{FailureThreshold: 2, ResetTimeoutSecs: 9})
	assert.Equal(t, 2, c.FailureThreshold)
	assert.Equal(t, 9*time.Second, c.ResetTimeout)
	require.NotNil(t, c.ShouldTrip)
	assert.False(t, c.ShouldTrip(errors.New("bad pdf")))
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	cb.nowFunc = func() time.Time { return now }

	fail := func(context.Context) error { return errors.New("down") }
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitClosed, cb.State())
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("must not be called while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
	now = now.Add(2 * time.Second)
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("still down") })
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_ShouldTripIgnoresPermanent(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(BreakerPolicy(config.CircuitConfig{FailureThreshold: 1, ResetTimeoutSecs: 60}))
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("malformed") })
	}
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(context.Background(), func(context.Context) error {
		return NewTransientError(errors.New("503"), 503)
	})
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestExecuteVal_NilBreaker(t *testing.T) {
	t.Parallel()

	v, err := ExecuteVal(context.Background(), nil, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestBreakers_PerUpstream(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var changes []CircuitState
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(_, to CircuitState) {
			mu.Lock()
			changes = append(changes, to)
			mu.Unlock()
		},
	}
	b := NewBreakers(cfg)

	a := b.For(UpstreamLLM)
	assert.Same(t, a, b.For(UpstreamLLM))
	assert.NotSame(t, a, b.For(UpstreamBlob))

	_ = a.Execute(context.Background(), func(context.Context) error { return errors.New("x") })

	assert.Equal(t, map[string]string{"anthropic": "open", "blob": "closed"}, b.Report())
	mu.Lock()
	assert.Equal(t, []CircuitState{CircuitOpen}, changes)
	mu.Unlock()
}

func TestCircuitState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 7*time.Second, ParseRetryAfter("7", now))
	assert.Equal(t, 90*time.Second, ParseRetryAfter("Sat, 01 Mar 2025 12:01:30 GMT", now))
	assert.Zero(t, ParseRetryAfter("Sat, 01 Mar 2025 11:00:00 GMT", now))
	assert.Zero(t, ParseRetryAfter("-3", now))
	assert.Zero(t, ParseRetryAfter("soon", now))
	assert.Zero(t, ParseRetryAfter("", now))
}

func TestRetryDelay_HonoursRetryAfter(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 5 * time.Second, Multiplier: 2}
	plain := errors.New("flaky")
	assert.Equal(t, 10*time.Millisecond, retryDelay(0, cfg, plain))

	throttled := &TransientError{Err: plain, StatusCode: 429, RetryAfter: 2 * time.Second}
	assert.Equal(t, 2*time.Second, retryDelay(0, cfg, eris.Wrap(throttled, "supabase: put")))

	long := &TransientError{Err: plain, StatusCode: 503, RetryAfter: time.Hour}
	assert.Equal(t, 5*time.Second, retryDelay(0, cfg, long))
}
