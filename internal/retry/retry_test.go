package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond), func(attempt int) error {
		calls++
		if attempt != calls {
			t.Errorf("attempt %d reported as %d", calls, attempt)
		}
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	transient := errors.New("still broken")
	err := Do(context.Background(), Fixed(4, 0), func(int) error {
		calls++
		return transient
	})
	if !errors.Is(err, transient) {
		t.Errorf("err = %v, want transient", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	fatal := errors.New("bad credentials")
	err := Do(context.Background(), Fixed(5, 0), func(int) error {
		calls++
		return Permanent(fatal)
	})
	if !errors.Is(err, fatal) {
		t.Errorf("err = %v, want fatal", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRespectsContext(t *testing.T) {
	ctx, cancelFn := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Fixed(10, time.Hour), func(int) error {
		calls++
		cancelFn()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoWithValue(t *testing.T) {
	v, err := DoWithValue(context.Background(), Fixed(2, 0), func(attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Errorf("DoWithValue = %q, %v", v, err)
	}
}

func TestIsPermanent(t *testing.T) {
	if IsPermanent(errors.New("plain")) {
		t.Error("plain error reported permanent")
	}
	if !IsPermanent(Permanent(errors.New("fatal"))) {
		t.Error("wrapped error not reported permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
