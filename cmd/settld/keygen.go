package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nooterra-labs/settld/core/pkg/crypto"
	"github.com/nooterra-labs/settld/core/pkg/tenant"
)

// runKeygen generates an Ed25519 keypair. With -out it writes <out>.key and
// <out>.pub; without, both PEMs go to stdout.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	outPrefix := cmd.String("out", "", "File prefix for <prefix>.key and <prefix>.pub")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	kp, err := crypto.GenerateKeypair()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	keyID, err := crypto.KeyIDFromPublicPEM(kp.PublicPEM)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if *outPrefix == "" {
		_, _ = fmt.Fprintf(stdout, "keyId: %s\n%s%s", keyID, kp.PrivatePEM, kp.PublicPEM)
		return 0
	}
	if err := os.WriteFile(*outPrefix+".key", []byte(kp.PrivatePEM), 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := os.WriteFile(*outPrefix+".pub", []byte(kp.PublicPEM), 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "keyId: %s\nwrote %s.key and %s.pub\n", keyID, *outPrefix, *outPrefix)
	return 0
}

// runToken mints an HS256 operator token for scoped read surfaces. The
// signing secret comes from -secret or SETTLD_OPS_TOKEN_SECRET.
func runToken(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		tenantID string
		scopes   string
		issuer   string
		secret   string
		ttl      time.Duration
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant the token is bound to (REQUIRED)")
	cmd.StringVar(&scopes, "scopes", tenant.ScopeFinanceRead, "Comma-separated scopes")
	cmd.StringVar(&issuer, "issuer", "settld", "Token issuer")
	cmd.StringVar(&secret, "secret", "", "Signing secret (default: $SETTLD_OPS_TOKEN_SECRET)")
	cmd.DurationVar(&ttl, "ttl", tenant.DefaultOpsTokenTTL, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if secret == "" {
		secret = os.Getenv("SETTLD_OPS_TOKEN_SECRET")
	}
	if tenantID == "" || secret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -tenant and a signing secret are required")
		return 2
	}

	auth := tenant.NewOpsAuth([]byte(secret), issuer)
	token, err := auth.Mint(tenantID, strings.Split(scopes, ","), ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
