// Command ticketd runs the transit ticketing backend: the issuer,
// redeemer, reconciler, and filter publisher wired behind the HTTP API,
// backed by Postgres in production or an in-memory lite mode for local
// development.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fareline/ticketing/pkg/api"
	"github.com/fareline/ticketing/pkg/audit"
	"github.com/fareline/ticketing/pkg/auth"
	"github.com/fareline/ticketing/pkg/blindsigner"
	"github.com/fareline/ticketing/pkg/config"
	"github.com/fareline/ticketing/pkg/crypto"
	"github.com/fareline/ticketing/pkg/filterpublisher"
	"github.com/fareline/ticketing/pkg/issuer"
	"github.com/fareline/ticketing/pkg/keyregistry"
	"github.com/fareline/ticketing/pkg/ledger"
	"github.com/fareline/ticketing/pkg/observability"
	"github.com/fareline/ticketing/pkg/paymentadapter"
	"github.com/fareline/ticketing/pkg/reconciler"
	"github.com/fareline/ticketing/pkg/redeemer"
	"github.com/fareline/ticketing/pkg/snapshotarchive"
)

const signingKeyBits = 2048

func main() {
	os.Exit(Run())
}

func Run() int {
	ctx := context.Background()
	logger := slog.Default()

	cfg := config.Load()
	if overlay := os.Getenv("CONFIG_OVERLAY_PATH"); overlay != "" {
		if err := config.LoadOverlay(cfg, overlay); err != nil {
			log.Fatalf("ticketd: load config overlay: %v", err)
		}
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = "fareline-ticketd"
	obsCfg.Enabled = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
	if obsCfg.Enabled {
		obsCfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("ticketd: init observability: %v", err)
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	var (
		db       *sql.DB
		led      ledger.Ledger
		auditLog audit.Log
	)

	if os.Getenv("TICKETD_LITE_MODE") == "true" {
		logger.Info("starting in lite mode (in-memory ledger and audit log)")
		led, auditLog = setupLiteMode()
	} else {
		if cfg.DatabaseURL == "" {
			log.Fatalf("ticketd: DATABASE_URL must be set outside lite mode")
		}

		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("ticketd: connect to database: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("ticketd: ping database: %v", err)
		}
		defer db.Close()

		pl := ledger.NewPostgresLedger(db)
		if err := pl.Init(ctx); err != nil {
			log.Fatalf("ticketd: init ledger schema: %v", err)
		}
		led = pl

		al := audit.NewPostgresLog(db)
		if err := al.Init(ctx); err != nil {
			log.Fatalf("ticketd: init audit schema: %v", err)
		}
		auditLog = al
	}

	hsm, err := crypto.NewSoftHSM(cfg.HSMKeyDir)
	if err != nil {
		log.Fatalf("ticketd: init HSM: %v", err)
	}
	ring := crypto.NewKeyRing(hsm, cfg.KeyMinLeadTime)
	keys := keyregistry.New(ring, hsm, auditLog, cfg.KeyMinLeadTime)

	if len(keys.PublicKeySet()) == 0 {
		now := time.Now()
		keyID := fmt.Sprintf("key-%d", now.Unix())
		if _, err := keys.BootstrapActiveKey(ctx, keyID, signingKeyBits, now, now.Add(90*24*time.Hour)); err != nil {
			log.Fatalf("ticketd: bootstrap signing key: %v", err)
		}
		logger.Info("bootstrapped initial signing key", "key_id", keyID)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, continuing degraded", "error", err)
	}

	signerLimiter := blindsigner.NewRateLimiter(redisClient, cfg.SignerRateSustained, float64(cfg.SignerRateBurst))
	signer := blindsigner.New(keys, signerLimiter, auditLog)

	payments := paymentadapter.NewRegistry()
	if baseURL := os.Getenv("PAYMENT_PROVIDER_URL"); baseURL != "" {
		payments.Register("default", paymentadapter.NewHTTPAdapter(baseURL, &http.Client{Timeout: 10 * time.Second}))
	} else {
		logger.Warn("no PAYMENT_PROVIDER_URL set, registering mock payment adapter")
		payments.Register("default", paymentadapter.NewMockAdapter())
	}

	iss := issuer.New(payments, keys, signer, led, auditLog).WithObservability(obs)

	red := redeemer.New(keys, led, auditLog, cfg.SingleTicketClockSkew, cfg.DayPassMaxRedemptions).WithObservability(obs)

	archiveStore, err := snapshotarchive.NewStoreFromEnv(ctx)
	if err != nil {
		log.Fatalf("ticketd: init snapshot archive: %v", err)
	}
	archive := snapshotarchive.NewArchive(archiveStore)

	scorer, err := reconciler.NewFraudScorer(reconciler.DefaultFraudExpression)
	if err != nil {
		log.Fatalf("ticketd: compile fraud scoring expression: %v", err)
	}
	rec := reconciler.New(led, auditLog, cfg.DayPassMaxRedemptions, cfg.ReconcileBatchMax).WithFraudScorer(scorer).WithArchive(archive).WithObservability(obs)

	filters := filterpublisher.New(led, redisClient, "ticketing:filter-updates", cfg.BloomCoverageWindow, cfg.BloomTargetFPR, 10, logger).WithArchive(archive)
	go filters.Run(ctx, cfg.PublishInterval)

	srv := api.NewServer(keys, iss, red, rec, filters, payments, led)

	keySet, err := auth.NewInMemoryKeySet()
	if err != nil {
		log.Fatalf("ticketd: init auth keyset: %v", err)
	}
	validator := auth.NewValidator(keySet)

	writeUnauthorized := func(w http.ResponseWriter, r *http.Request, detail string) {
		api.WriteUnauthorized(w, r, detail)
	}

	idempotency := api.NewIdempotencyStore(10 * time.Minute)
	ipLimiter := api.NewIPRateLimiter(100, 200)
	adminPaths := map[string]bool{"/v1/admin/revoke_ticket": true}

	var handler http.Handler = srv.Routes()
	handler = auth.RequireRoleForPaths(auth.RoleAdmin, adminPaths, writeUnauthorized)(handler)
	handler = auth.Middleware(validator, writeUnauthorized)(handler)
	handler = api.IdempotencyMiddleware(idempotency)(handler)
	handler = ipLimiter.Middleware(handler)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ticketd listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ticketd: server error: %v", err)
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthServer := &http.Server{Addr: ":8081", Handler: healthMux}
	go func() {
		logger.Info("health server listening", "port", 8081)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = healthServer.Shutdown(shutdownCtx)

	return 0
}
