// Command tokengen mints a bearer token for the ops API from the same config
// the indexer loads.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"activityindexer/internal/auth"
	"activityindexer/internal/config"
)

func main() {
	fs := flag.NewFlagSet("tokengen", flag.ExitOnError)
	fs.SetOutput(os.Stderr)
	subject := fs.String("subject", "operator", "token subject")
	role := fs.String("role", "operator", "token role")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(os.Args[1:])

	cfgPath := os.Getenv("INDEXER_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	envOnly := false
	if envOnlyRaw := os.Getenv("INDEXER_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}
	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	j := auth.JWT{Secret: []byte(cfg.Auth.JWTSecret), Issuer: cfg.Auth.Issuer, TokenTTL: *ttl}
	tok, exp, err := j.Sign(auth.Claims{
		Role:             *role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: *subject},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign token:", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "expires at %s\n", exp.Format(time.RFC3339))
	fmt.Println(tok)
}
