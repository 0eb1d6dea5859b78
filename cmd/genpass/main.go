// Command genpass prints the bcrypt hash of a password, for fixtures and
// manual SQL.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/technosupport/ts-vod/internal/auth"
)

func main() {
	cost := flag.Int("cost", 12, "bcrypt cost")
	flag.Parse()

	password := flag.Arg(0)
	if password == "" {
		fmt.Fprintln(os.Stderr, "usage: genpass [-cost n] <password>")
		os.Exit(2)
	}

	hash, err := auth.NewHasher(*cost).Hash(password)
	if err != nil {
		fmt.Fprintln(os.Stderr, "genpass:", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
