// Package ratelimit implements fixed-window request counters in Redis,
// shared by every instance of the service.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRedisUnavailable  = errors.New("redis unavailable")
)

// Scope names a limiter category; it is part of the Redis key so the
// categories never share windows.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeAuth   Scope = "auth"
	ScopeUpload Scope = "upload"
)

// Decision is the outcome of one counter check, with everything the
// middleware needs for X-RateLimit-* headers.
type Decision struct {
	Scope      Scope
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

// LimitConfig is one window definition. Window accepts Go duration strings
// in YAML ("15m", "1h").
type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

// UnmarshalYAML parses Window from a duration string.
func (c *LimitConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Rate   int    `yaml:"rate"`
		Window string `yaml:"window"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Rate = raw.Rate
	if raw.Window != "" {
		d, err := time.ParseDuration(raw.Window)
		if err != nil {
			return fmt.Errorf("rate limit window %q: %w", raw.Window, err)
		}
		c.Window = d
	}
	return nil
}

// Config groups the three limiter categories the router installs.
type Config struct {
	Global LimitConfig `yaml:"global"`
	Auth   LimitConfig `yaml:"auth"`
	Upload LimitConfig `yaml:"upload"`
}

// DefaultConfig returns the limits used when no overlay file is present.
func DefaultConfig() Config {
	return Config{
		Global: LimitConfig{Rate: 300, Window: time.Minute},
		Auth:   LimitConfig{Rate: 5, Window: 15 * time.Minute},
		Upload: LimitConfig{Rate: 20, Window: time.Hour},
	}
}

// checkScript increments the window counter, arming the expiry on first
// increment, and returns {count, pttl} so one round trip yields both the
// decision and the reset time.
var checkScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if tonumber(current) == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

type Limiter struct {
	client *redis.Client
	salt   string
}

func NewLimiter(client *redis.Client, salt string) *Limiter {
	if salt == "" {
		salt = "default-salt-change-me"
	}
	return &Limiter{client: client, salt: salt}
}

// HashIP returns a salted hash of the address so raw IPs never land in Redis.
func (l *Limiter) HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(sum[:])
}

// Key builds the Redis key for a scope and client identity.
func (l *Limiter) Key(scope Scope, identity string) string {
	return fmt.Sprintf("rl:%s:%s", scope, identity)
}

// Check counts one hit against the window for key and reports whether the
// request may proceed. Redis failures surface as ErrRedisUnavailable; the
// caller decides the fail-open/fail-closed policy.
func (l *Limiter) Check(ctx context.Context, scope Scope, key string, cfg LimitConfig) (*Decision, error) {
	vals, err := checkScript.Run(ctx, l.client, []string{key}, cfg.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		return nil, ErrRedisUnavailable
	}
	count, pttl := int(vals[0]), vals[1]

	remaining := cfg.Rate - count
	if remaining < 0 {
		remaining = 0
	}
	reset := time.Now().Add(cfg.Window)
	retryAfter := int(cfg.Window.Seconds())
	if pttl > 0 {
		reset = time.Now().Add(time.Duration(pttl) * time.Millisecond)
		retryAfter = int((pttl + 999) / 1000)
	}

	return &Decision{
		Scope:      scope,
		Limit:      cfg.Rate,
		Remaining:  remaining,
		Reset:      reset,
		RetryAfter: retryAfter,
		Allowed:    count <= cfg.Rate,
	}, nil
}
