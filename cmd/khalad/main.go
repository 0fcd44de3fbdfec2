package main

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ocx/khala/internal/api"
	"github.com/ocx/khala/internal/auth"
	"github.com/ocx/khala/internal/catalog"
	"github.com/ocx/khala/internal/clock"
	"github.com/ocx/khala/internal/config"
	"github.com/ocx/khala/internal/credit"
	"github.com/ocx/khala/internal/eventlog"
	"github.com/ocx/khala/internal/fanout"
	"github.com/ocx/khala/internal/ledgerbridge"
	"github.com/ocx/khala/internal/metrics"
	"github.com/ocx/khala/internal/projection"
	"github.com/ocx/khala/internal/ratelimit"
	"github.com/ocx/khala/internal/router"
	"github.com/ocx/khala/pb"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("khalad: .env not loaded", "error", err)
	}

	cfg := config.Get()
	c := clock.System()
	mets := metrics.New()

	proj := projection.New()
	hub := fanout.New(cfg, c, mets)
	pub := api.NewMultiPublisher(hub, proj)
	log := eventlog.New(c, pub)

	gate := auth.New(cfg, c, log)
	limiter := ratelimit.New(cfg, c, mets)

	wallet := credit.NewHTTPWalletExecutor(cfg.Liquidity)
	signer := credit.NewSigner(decodeSignerKey(cfg.Credit.ReceiptSignerKeyHex))
	store := credit.New(cfg.Credit, log, c, wallet, signer)
	store.SetMetrics(mets)

	cat := catalog.New(cfg.Catalog, c)
	store.SetCatalog(cat)

	rt := router.New(cfg.Router, store, signer)

	bridge := ledgerbridge.New(ledgerClient(cfg), cfg.AuditLog.Enabled && cfg.AuditLog.GRPCTarget != "")

	adminKeys := auth.NewAdminKeyStore()
	if bootstrapKey, err := adminKeys.Issue("operator"); err != nil {
		slog.Warn("khalad: admin bootstrap key issuance failed", "error", err)
	} else {
		slog.Info("khalad: minted admin bootstrap key, save it now (not persisted)", "admin_key", bootstrapKey)
	}

	srv := api.New(cfg, log, hub, proj, gate, limiter, store, cat, rt, bridge, adminKeys)

	httpServer := &http.Server{
		Addr:         api.Addr(cfg),
		Handler:      srv.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("khalad: listening", "addr", httpServer.Addr, "env", cfg.Server.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("khalad: server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("khalad: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSec)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("khalad: graceful shutdown failed", "error", err)
	}
}

// decodeSignerKey parses the hex-encoded receipt-signing key from config.
// An empty/invalid value yields a nil key, which credit.NewSigner treats as
// "signing disabled" rather than a startup error — receipt signing is
// optional per spec.
func decodeSignerKey(hexKey string) []byte {
	if hexKey == "" {
		return nil
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		slog.Warn("khalad: invalid CREDIT_RECEIPT_SIGNER_KEY_HEX, signing disabled", "error", err)
		return nil
	}
	return raw
}

// ledgerClient dials the external audit-ledger gRPC service when configured.
// An empty target leaves the bridge without a client, which Bridge.Forward
// treats as disabled regardless of the enabled flag.
func ledgerClient(cfg *config.Config) pb.LedgerServiceClient {
	if cfg.AuditLog.GRPCTarget == "" {
		return nil
	}
	conn, err := grpc.NewClient(cfg.AuditLog.GRPCTarget, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		slog.Warn("khalad: audit ledger dial failed, bridge disabled", "error", err, "target", cfg.AuditLog.GRPCTarget)
		return nil
	}
	return pb.NewLedgerServiceClient(conn)
}
