package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCompute_Growth(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second}, // capped
	}
	for _, tc := range cases {
		if got := Compute(p, tc.attempt); got != tc.want {
			t.Errorf("Compute(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestCompute_JitterBounded(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Minute, Factor: 2, Jitter: 0.5}
	got := computeWithRand(p, 1, 1.0)
	if got != 150*time.Millisecond {
		t.Errorf("full jitter = %v, want 150ms", got)
	}
}

func TestTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", StatusError{Status: 500, Msg: "boom"}, true},
		{"rate limited", StatusError{Status: 429, Msg: "slow down"}, true},
		{"bad request", StatusError{Status: 400, Msg: "nope"}, false},
		{"unauthorized", StatusError{Status: 401, Msg: "denied"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"permanent wrap", Permanent{Err: StatusError{Status: 503, Msg: "x"}}, false},
		{"plain", errors.New("weird"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Transient(tc.err); got != tc.want {
				t.Errorf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetry_TerminalStopsEarly(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(), 5, func(int) error {
		calls++
		return StatusError{Status: 403, Msg: "forbidden"}
	})
	if calls != 1 {
		t.Errorf("terminal error retried %d times", calls)
	}
	var status StatusError
	if !errors.As(err, &status) || status.Status != 403 {
		t.Errorf("err = %v", err)
	}
}

func TestRetry_TransientExhausts(t *testing.T) {
	calls := 0
	res, err := Retry(context.Background(), fastPolicy(), 3, func(int) error {
		calls++
		return StatusError{Status: 502, Msg: "bad gateway"}
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Errorf("err = %v, want ErrAttemptsExhausted", err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d", res.Attempts)
	}
}

func TestRetry_EventualSuccess(t *testing.T) {
	calls := 0
	res, err := Retry(context.Background(), fastPolicy(), 5, func(int) error {
		calls++
		if calls < 3 {
			return StatusError{Status: 500, Msg: "flaky"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, fastPolicy(), 3, func(int) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func fastPolicy() Policy {
	return Policy{Initial: time.Microsecond, Max: time.Millisecond, Factor: 2, Jitter: 0}
}
