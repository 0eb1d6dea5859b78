// Package auth holds credential primitives: password hashing and the
// revoked-token blacklist.
package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// Hasher wraps bcrypt with a configured cost.
type Hasher struct {
	cost  int
	dummy []byte
}

func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	// Hashed once at construction so CheckDummy burns a real verification
	// at the configured cost.
	dummy, _ := bcrypt.GenerateFromPassword([]byte("hasher-timing-reference"), cost)
	return &Hasher{cost: cost, dummy: dummy}
}

// Hash returns the bcrypt hash of password. Passwords longer than 72 bytes
// are rejected by bcrypt itself.
func (h *Hasher) Hash(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Check reports whether password matches the stored hash.
func (h *Hasher) Check(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CheckDummy verifies password against a throwaway hash. Login calls it for
// unknown emails so the response time does not reveal whether an account
// exists.
func (h *Hasher) CheckDummy(password string) {
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
}
