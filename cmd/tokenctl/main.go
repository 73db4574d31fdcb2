// tokenctl mints scoped service tokens for internal callers, signed with the
// shared secret the api and vault verify against.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/example/payments-core/internal/auth"
	"github.com/example/payments-core/internal/config"
)

func main() {
	service := flag.String("service", "", "service name the token identifies")
	source := flag.String("source", "", "caller source, typically an address")
	scopes := flag.String("scopes", "", "comma-separated scopes to grant")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if *service == "" || *scopes == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	issuer, err := auth.NewIssuer([]byte(cfg.TokenSecret), cfg.TokenIssuer, *ttl)
	if err != nil {
		slog.Error("failed to create issuer", "error", err)
		os.Exit(1)
	}

	token, err := issuer.Issue(*service, *source, strings.Split(*scopes, ","))
	if err != nil {
		slog.Error("failed to issue token", "error", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
