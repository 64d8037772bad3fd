package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})
	if result.Err != nil || result.Attempts != 1 || calls != 1 {
		t.Errorf("attempts=%d err=%v", result.Attempts, result.Err)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	config := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, Jitter: false}
	result := Do(context.Background(), config, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if result.Err != nil || result.Attempts != 3 {
		t.Errorf("attempts=%d err=%v", result.Attempts, result.Err)
	}
}

func TestDo_PermanentStopsRetry(t *testing.T) {
	calls := 0
	config := Config{MaxAttempts: 5, InitialDelay: time.Millisecond}
	result := Do(context.Background(), config, func() error {
		calls++
		return Permanent(errors.New("bad request"))
	})
	if calls != 1 {
		t.Errorf("permanent error retried %d times", calls)
	}
	if !IsPermanent(result.Err) {
		t.Error("result should carry the permanent error")
	}
}

func TestDo_RetryIfPredicate(t *testing.T) {
	transient := errors.New("net glitch")
	fatal := errors.New("config broken")
	config := Config{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		RetryIf:      func(err error) bool { return errors.Is(err, transient) },
	}

	calls := 0
	Do(context.Background(), config, func() error {
		calls++
		return fatal
	})
	if calls != 1 {
		t.Errorf("predicate-rejected error retried %d times", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Do(ctx, DefaultConfig(), func() error {
		t.Fatal("op must not run with a cancelled context")
		return nil
	})
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("err = %v", result.Err)
	}
}

func TestDelay_ExponentialAndCapped(t *testing.T) {
	config := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond, Factor: 2, Jitter: false}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 400 * time.Millisecond}, // capped
	}
	for _, tc := range cases {
		if got := Delay(config, tc.attempt); got != tc.want {
			t.Errorf("delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelay_JitterWithinBounds(t *testing.T) {
	config := Config{InitialDelay: time.Second, MaxDelay: time.Minute, Factor: 2, Jitter: true, JitterFactor: 0.25}
	for i := 0; i < 100; i++ {
		d := Delay(config, 1)
		if d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±25%%", d)
		}
	}
}
