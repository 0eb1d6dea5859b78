// Command token-gen mints a development access token for curl sessions
// against a locally running server. Secrets default to the development
// values, so the token verifies without extra flags.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/technosupport/ts-vod/internal/tokens"
)

func main() {
	userID := flag.String("user", "00000000-0000-0000-0000-000000000001", "user id claim")
	orgID := flag.String("org", "00000000-0000-0000-0000-000000000001", "organization id claim")
	role := flag.String("role", "admin", "role claim: viewer, editor, admin")
	ttl := flag.Duration("ttl", 15*time.Minute, "token lifetime")
	flag.Parse()

	access := envOr("ACCESS_TOKEN_SECRET", "dev-access-secret-do-not-use")
	refresh := envOr("REFRESH_TOKEN_SECRET", "dev-refresh-secret-do-not-use")

	mgr := tokens.NewManager(access, refresh, *ttl, 7*24*time.Hour)
	token, err := mgr.GenerateAccessToken(*userID, *orgID, *role)
	if err != nil {
		fmt.Fprintln(os.Stderr, "token-gen:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
