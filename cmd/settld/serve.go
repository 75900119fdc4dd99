package main

import (
	"context"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver, cgo-free

	"github.com/nooterra-labs/settld/core/pkg/agent"
	"github.com/nooterra-labs/settld/core/pkg/arbitration"
	"github.com/nooterra-labs/settld/core/pkg/artifact"
	"github.com/nooterra-labs/settld/core/pkg/config"
	"github.com/nooterra-labs/settld/core/pkg/crypto"
	"github.com/nooterra-labs/settld/core/pkg/engine"
	"github.com/nooterra-labs/settld/core/pkg/envelope"
	"github.com/nooterra-labs/settld/core/pkg/federation"
	"github.com/nooterra-labs/settld/core/pkg/ledger"
	"github.com/nooterra-labs/settld/core/pkg/observability"
	"github.com/nooterra-labs/settld/core/pkg/policy"
	"github.com/nooterra-labs/settld/core/pkg/reversal"
	"github.com/nooterra-labs/settld/core/pkg/settlement"
	"github.com/nooterra-labs/settld/core/pkg/tenant"
	"github.com/nooterra-labs/settld/core/pkg/wallet"
)

// runServe boots the kernel: storage per the configured backend, the full
// settlement stack, and an HTTP server with graceful shutdown.
func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", "", "Path to a YAML config file (optional, env vars override)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewJSONHandler(stderr, nil))
	if err := serve(context.Background(), cfg, logger); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	kp, err := loadKernelKeypair(cfg.Ops.KernelKeyPath, logger)
	if err != nil {
		return err
	}
	signer, err := envelope.NewKeypairSigner(kp)
	if err != nil {
		return err
	}
	logger.Info("kernel signing key loaded", "keyId", signer.KeyID())

	eventLog, idem, limiter, cleanup, err := buildStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceVersion: engineVersion,
		Environment:    cfg.Observability.Environment,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SampleRate:     cfg.Observability.SampleRate,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       cfg.Observability.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	wallets := wallet.NewLedger()
	agents := agent.NewRegistry()
	celGuard, err := policy.NewGuard()
	if err != nil {
		return err
	}
	billing := policy.NewBillingMeter()
	machine := settlement.NewMachine(settlement.Config{
		Wallets: wallets,
		Log:     eventLog,
		Agents:  agents,
		Signer:  signer,
		Guard:   celGuard,
		Billing: billing,
	})
	trust := federation.NewTrustRegistry()

	tenant.DefaultLimitPolicy = tenant.LimitPolicy{
		RPM:           cfg.Limits.RPM,
		Burst:         cfg.Limits.Burst,
		MaxConcurrent: cfg.Limits.MaxConcurrent,
	}
	if cfg.Ops.TokenSecret == "" {
		logger.Warn("ops token secret is empty, operator surfaces are effectively open")
	}

	exchange := federation.NewExchange(trust, signer, cfg.Federation.CoordinatorID)
	var forwarder *federation.Forwarder
	if len(cfg.Federation.Peers) > 0 {
		forwarder = federation.NewForwarder(exchange, &federation.HTTPTransport{
			Client:    &http.Client{Timeout: 10 * time.Second},
			Endpoints: cfg.Federation.Peers,
		}, federation.DefaultBackoffPolicy)
		logger.Info("federation forwarding enabled", "peers", len(cfg.Federation.Peers))
	}

	eng, err := engine.New(engine.Config{
		Machine:     machine,
		Reversals:   reversal.NewProcessor(machine, agents, eventLog),
		Court:       arbitration.NewCourt(machine, agents, eventLog, billing),
		Artifacts:   artifact.NewBuilder(eventLog, machine, wallets, signer),
		Federation:  exchange,
		Trust:       trust,
		Forwarder:   forwarder,
		Agents:      agents,
		Wallets:     wallets,
		Log:         eventLog,
		Idempotency: idem,
		Guard:       tenant.NewGuard(limiter),
		Ops:         tenant.NewOpsAuth([]byte(cfg.Ops.TokenSecret), cfg.Ops.TokenIssuer),
		Obs:         obs,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      eng.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kernel listening",
			"addr", cfg.Server.Addr,
			"backend", cfg.Storage.Backend,
			"coordinator", cfg.Federation.CoordinatorID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildStorage selects the event-log, idempotency, and rate-limit backends.
// The redis backend shares idempotency and rate buckets across instances but
// keeps the event log in process; multi-instance chains need the sql backend.
func buildStorage(ctx context.Context, cfg *config.Config) (ledger.EventLog, ledger.IdempotencyStore, tenant.LimiterStore, func(), error) {
	noop := func() {}
	switch cfg.Storage.Backend {
	case "memory":
		return ledger.NewMemoryEventLog(), ledger.NewMemoryIdempotencyStore(), tenant.NewMemoryLimiterStore(), noop, nil
	case "sql":
		db, err := sql.Open(sqlDriverFor(cfg.Storage.DatabaseURL), cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("open database: %w", err)
		}
		eventLog := ledger.NewSQLEventLog(db)
		if err := eventLog.Init(ctx); err != nil {
			db.Close()
			return nil, nil, nil, nil, err
		}
		idem := ledger.NewSQLIdempotencyStore(db)
		if err := idem.Init(ctx); err != nil {
			db.Close()
			return nil, nil, nil, nil, err
		}
		return eventLog, idem, tenant.NewMemoryLimiterStore(), func() { db.Close() }, nil
	case "redis":
		idem := ledger.NewRedisIdempotencyStore(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB, 0)
		limiter := tenant.NewRedisLimiterStore(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
		return ledger.NewMemoryEventLog(), idem, limiter, noop, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func sqlDriverFor(url string) string {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// loadKernelKeypair reads the PKCS8 Ed25519 private key at path and derives
// the public half. An empty path generates an ephemeral keypair, which is
// fine for development but means artifacts do not verify across restarts.
func loadKernelKeypair(path string, logger *slog.Logger) (*crypto.Keypair, error) {
	if path == "" {
		logger.Warn("no kernel key configured, generating an ephemeral keypair")
		return crypto.GenerateKeypair()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kernel key: %w", err)
	}
	kp, err := keypairFromPrivatePEM(data)
	if err != nil {
		return nil, fmt.Errorf("kernel key %s: %w", path, err)
	}
	return kp, nil
}

func keypairFromPrivatePEM(data []byte) (*crypto.Keypair, error) {
	priv, err := crypto.ParsePrivatePEM(string(data))
	if err != nil {
		return nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return nil, err
	}
	return &crypto.Keypair{
		PublicPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivatePEM: string(data),
	}, nil
}
