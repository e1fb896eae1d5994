// Command token prints a signed development credential for the chat relay.
//
//	AUTH_JWT_SECRET=dev go run ./cmd/token -user alice -ttl 1h
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Tyrowin/chatrelay/internal/auth"
)

func main() {
	user := flag.String("user", "", "user id to embed in the token")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	token, err := auth.IssueToken(cfg, *user, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Println(token)
}
