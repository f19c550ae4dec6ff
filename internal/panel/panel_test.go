package panel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func init() {
	// Ускоряем расписание повторов в тестах
	retryBase = time.Millisecond
	retryCap = 4 * time.Millisecond
}

type fakeLogin struct {
	logins int
	err    error
}

func (f *fakeLogin) Login(ctx context.Context) error {
	f.logins++
	return f.err
}

func TestWithRetryTransient(t *testing.T) {
	fl := &fakeLogin{}
	calls := 0
	err := withRetry(context.Background(), fl, func() error {
		calls++
		if calls < 3 {
			return newErr(KindTransient, "op", "boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryTransientExhausted(t *testing.T) {
	fl := &fakeLogin{}
	calls := 0
	err := withRetry(context.Background(), fl, func() error {
		calls++
		return newErr(KindTransient, "op", "boom")
	})
	if !IsKind(err, KindTransient) {
		t.Fatalf("want transient error, got %v", err)
	}
	if calls != retryTries {
		t.Errorf("calls = %d, want %d", calls, retryTries)
	}
}

func TestWithRetryAuthRelogin(t *testing.T) {
	fl := &fakeLogin{}
	calls := 0
	err := withRetry(context.Background(), fl, func() error {
		calls++
		if calls == 1 {
			return newErr(KindAuthFailed, "op", "session expired")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fl.logins != 1 {
		t.Errorf("logins = %d, want 1", fl.logins)
	}
}

func TestWithRetryAuthOnlyOnce(t *testing.T) {
	fl := &fakeLogin{}
	calls := 0
	err := withRetry(context.Background(), fl, func() error {
		calls++
		return newErr(KindAuthFailed, "op", "denied")
	})
	if !IsKind(err, KindAuthFailed) {
		t.Fatalf("want auth error, got %v", err)
	}
	if calls != 2 || fl.logins != 1 {
		t.Errorf("calls = %d, logins = %d; want 2 and 1", calls, fl.logins)
	}
}

func TestWithRetryNotFoundNoRetry(t *testing.T) {
	fl := &fakeLogin{}
	calls := 0
	err := withRetry(context.Background(), fl, func() error {
		calls++
		return newErr(KindNotFound, "op", "gone")
	})
	if !IsKind(err, KindNotFound) || calls != 1 {
		t.Errorf("err = %v, calls = %d; want not_found after single call", err, calls)
	}
}

func TestKindOf(t *testing.T) {
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Error("plain error must not carry a kind")
	}
	wrapped := newErr(KindProtocol, "op", "bad payload")
	if k, ok := KindOf(wrapped); !ok || k != KindProtocol {
		t.Errorf("KindOf = %v, %v", k, ok)
	}
}
