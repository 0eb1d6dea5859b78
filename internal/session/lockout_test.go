package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-vod/internal/session"
)

func newManager(t *testing.T) (*session.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return session.NewManager(client), mr
}

func TestLockoutAfterThreshold(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	for i := 0; i < session.LockoutThreshold-1; i++ {
		if err := mgr.RecordFailedAttempt(ctx, "a@x.io"); err != nil {
			t.Fatalf("RecordFailedAttempt: %v", err)
		}
		locked, err := mgr.CheckLockout(ctx, "a@x.io")
		if err != nil {
			t.Fatalf("CheckLockout: %v", err)
		}
		if locked {
			t.Fatalf("Locked out after %d attempts", i+1)
		}
	}

	if err := mgr.RecordFailedAttempt(ctx, "a@x.io"); err != nil {
		t.Fatalf("RecordFailedAttempt: %v", err)
	}
	locked, err := mgr.CheckLockout(ctx, "a@x.io")
	if err != nil {
		t.Fatalf("CheckLockout: %v", err)
	}
	if !locked {
		t.Errorf("Expected lockout after %d attempts", session.LockoutThreshold)
	}

	// A different account is unaffected.
	locked, _ = mgr.CheckLockout(ctx, "b@x.io")
	if locked {
		t.Error("Lockout leaked to another account")
	}
}

func TestLockoutExpires(t *testing.T) {
	mgr, mr := newManager(t)
	ctx := context.Background()

	for i := 0; i < session.LockoutThreshold; i++ {
		_ = mgr.RecordFailedAttempt(ctx, "a@x.io")
	}
	locked, _ := mgr.CheckLockout(ctx, "a@x.io")
	if !locked {
		t.Fatal("Expected lockout")
	}

	mr.FastForward(session.LockoutTTL + time.Second)

	locked, err := mgr.CheckLockout(ctx, "a@x.io")
	if err != nil {
		t.Fatalf("CheckLockout: %v", err)
	}
	if locked {
		t.Error("Lockout should expire with the window")
	}
}

func TestClearFailedAttempts(t *testing.T) {
	mgr, _ := newManager(t)
	ctx := context.Background()

	for i := 0; i < session.LockoutThreshold-1; i++ {
		_ = mgr.RecordFailedAttempt(ctx, "a@x.io")
	}
	if err := mgr.ClearFailedAttempts(ctx, "a@x.io"); err != nil {
		t.Fatalf("ClearFailedAttempts: %v", err)
	}

	// Counter restarts: threshold-1 further failures must not lock.
	for i := 0; i < session.LockoutThreshold-1; i++ {
		_ = mgr.RecordFailedAttempt(ctx, "a@x.io")
	}
	locked, _ := mgr.CheckLockout(ctx, "a@x.io")
	if locked {
		t.Error("Cleared counter should not carry over")
	}
}
