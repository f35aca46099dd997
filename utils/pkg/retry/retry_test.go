package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRefi_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", cfg.MaxAttempts)
	}
	if cfg.BaseBackoff != 500*time.Millisecond {
		t.Errorf("expected BaseBackoff=500ms, got %v", cfg.BaseBackoff)
	}
	if cfg.MaxBackoff != 5*time.Second {
		t.Errorf("expected MaxBackoff=5s, got %v", cfg.MaxBackoff)
	}
}

func TestRefi_Retry_Do_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()
	attempts := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		attempts++
		return nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRefi_Retry_Do_SuccessAfterRetries(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRefi_Retry_Do_ExhaustsAllAttempts(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	originalErr := errors.New("connection reset")
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return originalErr
	})
	if err == nil {
		t.Error("expected error, got nil")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, originalErr) {
		t.Errorf("expected wrapped original error, got %v", err)
	}
}

func TestRefi_Retry_Do_NonRetryableError(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts: 3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}

	attempts := 0
	originalErr := errors.New("invalid input")
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return originalErr
	})
	if err != originalErr {
		t.Errorf("expected original error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt (non-retryable), got %d", attempts)
	}
}

func TestRefi_Retry_Do_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts: 5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("connection reset")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts before cancellation, got %d", attempts)
	}
}

func TestRefi_Retry_IsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection reset", err: errors.New("connection reset by peer"), want: true},
		{name: "EOF", err: errors.New("EOF"), want: true},
		{name: "broken pipe", err: errors.New("broken pipe"), want: true},
		{name: "rate limit", err: errors.New("rate limit exceeded"), want: true},
		{name: "too many requests", err: errors.New("too many requests"), want: true},
		{name: "service unavailable", err: errors.New("service unavailable"), want: true},
		{name: "429 status", err: &httpError{statusCode: http.StatusTooManyRequests}, want: true},
		{name: "503 status", err: &httpError{statusCode: http.StatusServiceUnavailable}, want: true},
		{name: "400 status", err: &httpError{statusCode: http.StatusBadRequest}, want: false},
		{name: "404 status", err: &httpError{statusCode: http.StatusNotFound}, want: false},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: false},
		{name: "plain error", err: errors.New("invalid input"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRefi_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()
	base := 500 * time.Millisecond
	max := 5 * time.Second

	for attempt := 1; attempt <= 4; attempt++ {
		exp := base * time.Duration(1<<uint(attempt))
		if exp > max {
			exp = max
		}
		for i := 0; i < 10; i++ {
			got := calculateBackoff(base, max, attempt)
			if got < exp/2 || got > exp {
				t.Errorf("calculateBackoff(attempt=%d) = %v, want between %v and %v",
					attempt, got, exp/2, exp)
			}
		}
	}
}

func TestRefi_Retry_CalculateBackoff_JitterVariance(t *testing.T) {
	t.Parallel()
	results := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		results[calculateBackoff(500*time.Millisecond, 5*time.Second, 2)] = true
	}
	if len(results) < 5 {
		t.Errorf("expected jitter to produce variance, got %d unique values", len(results))
	}
}

// httpError implements StatusCode() for HTTP error detection tests.
type httpError struct {
	statusCode int
}

func (e *httpError) Error() string   { return http.StatusText(e.statusCode) }
func (e *httpError) StatusCode() int { return e.statusCode }
