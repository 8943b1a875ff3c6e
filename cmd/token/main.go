// Command token prints a signed bearer token for local testing against a
// running ledger. It reads AUTH_SECRET the same way the server does.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirbex/Digital-Shop-sub002/internal/config"
	"github.com/sirbex/Digital-Shop-sub002/internal/httpapi"
)

func main() {
	var username, role string
	flag.StringVar(&username, "user", "", "token subject")
	flag.StringVar(&role, "role", httpapi.RoleCashier, "cashier, manager or admin")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.AuthSecret == "" {
		fmt.Fprintln(os.Stderr, "AUTH_SECRET is required")
		os.Exit(1)
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, "")
	token, expiresAt, err := auth.IssueToken(username, role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
}
