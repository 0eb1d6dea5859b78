// Package session tracks login failures in Redis and locks an account's
// login after too many within the window. This complements the auth route
// rate limiter: the limiter is keyed by caller IP, the lockout by the
// targeted account, so a distributed guessing attack still trips it.
package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	LockoutThreshold = 5
	LockoutTTL       = 15 * time.Minute
)

type Manager struct {
	client *redis.Client
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

// Emails are globally unique, so the lock is keyed by email alone. Failures
// against addresses that do not exist are counted too.
func lockKey(email string) string {
	return "lockout:" + email
}

func countKey(email string) string {
	return "lockout_count:" + email
}

// CheckLockout reports whether logins for the account are currently locked.
func (m *Manager) CheckLockout(ctx context.Context, email string) (bool, error) {
	val, err := m.client.Get(ctx, lockKey(email)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == "locked", nil
}

// RecordFailedAttempt counts one failure and arms the lock when the
// threshold is reached within the window.
func (m *Manager) RecordFailedAttempt(ctx context.Context, email string) error {
	key := countKey(email)
	count, err := m.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if count == 1 {
		m.client.Expire(ctx, key, LockoutTTL)
	}
	if count >= LockoutThreshold {
		pipe := m.client.Pipeline()
		pipe.Set(ctx, lockKey(email), "locked", LockoutTTL)
		pipe.Del(ctx, key)
		_, err = pipe.Exec(ctx)
	}
	return err
}

// ClearFailedAttempts resets the counter after a successful login.
func (m *Manager) ClearFailedAttempts(ctx context.Context, email string) error {
	return m.client.Del(ctx, countKey(email)).Err()
}
