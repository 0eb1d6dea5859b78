package auth_test

import (
	"strings"
	"testing"

	"github.com/technosupport/ts-vod/internal/auth"
)

func TestHashAndCheck(t *testing.T) {
	h := auth.NewHasher(4) // minimum cost keeps the test fast

	hash, err := h.Hash("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Errorf("Expected bcrypt prefix, got %s", hash)
	}

	if !h.Check("correct-horse-battery-staple", hash) {
		t.Error("Password did not match its own hash")
	}
	if h.Check("wrong-password", hash) {
		t.Error("Wrong password matched hash")
	}
}

func TestHasherCostClamped(t *testing.T) {
	// Out-of-range costs must not panic or produce unusable hashes.
	for _, cost := range []int{-1, 0, 99} {
		h := auth.NewHasher(cost)
		hash, err := h.Hash("pw12345678")
		if err != nil {
			t.Fatalf("cost %d: hash failed: %v", cost, err)
		}
		if !h.Check("pw12345678", hash) {
			t.Errorf("cost %d: round trip failed", cost)
		}
	}
}
