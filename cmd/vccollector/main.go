// Command vccollector runs the central process: the Postgres-backed
// collection, approval, dispatch, and OAuth-connection subsystems behind a
// single JSON-in/JSON-out action endpoint, per §9's dispatch design.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/openclaw/vcevidence/internal/app"
	"github.com/openclaw/vcevidence/internal/approval"
	"github.com/openclaw/vcevidence/internal/collector"
	"github.com/openclaw/vcevidence/internal/config"
	"github.com/openclaw/vcevidence/internal/cryptostore"
	"github.com/openclaw/vcevidence/internal/dispatch"
	"github.com/openclaw/vcevidence/internal/oauthconn"
	"github.com/openclaw/vcevidence/internal/observability"
	"github.com/openclaw/vcevidence/internal/ratelimit"
	"github.com/openclaw/vcevidence/internal/storage"
	"github.com/openclaw/vcevidence/internal/tenant"
)

func main() {
	log.Println("[vccollector] starting")
	ctx := context.Background()
	cfg := config.Load()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[vccollector] failed to open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("[vccollector] database ping failed: %v", err)
	}

	store := storage.New(db)
	if err := store.Init(ctx); err != nil {
		log.Fatalf("[vccollector] schema init failed: %v", err)
	}
	log.Println("[vccollector] postgres: connected")

	tenants, err := tenant.Open(cfg.TenantRegistry)
	if err != nil {
		log.Fatalf("[vccollector] failed to open tenant registry %s: %v", cfg.TenantRegistry, err)
	}

	crypto, err := cryptostore.Open(cfg.KeyFilePath)
	if err != nil {
		log.Fatalf("[vccollector] failed to open key store %s: %v", cfg.KeyFilePath, err)
	}

	col := collector.New(tenants, store, crypto, cfg.VaultDir, nil)
	if cfg.RedisAddr != "" {
		limiter := ratelimit.New(cfg.RedisAddr, "", 0)
		col = col.WithRateLimit(limiter, ratelimit.Policy{RPM: 30, Burst: 5})
	}

	dispatcher := dispatch.New(store, tenants, cfg.SMTP)
	approvals := approval.New(store, dispatcher)
	oauth := oauthconn.New(store, crypto, cfg.OAuth)

	application := app.New(tenants, store, col, approvals, dispatcher, oauth, cfg)

	obs := observability.New(observability.Config{
		ServiceName:    "vccollector",
		ServiceVersion: "1.0.0",
		Environment:    getenv("VC_ENVIRONMENT", "development"),
		Enabled:        true,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/dispatch", dispatchHandler(application, obs))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", obs.Handler())

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("vccollector listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[vccollector] server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("vccollector shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("vccollector http shutdown error", "error", err)
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		slog.Error("vccollector observability shutdown error", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("vccollector db close error", "error", err)
	}
}

// dispatchHandler exposes internal/app's single action-dispatch entry point
// over HTTP, collapsing the CLI-wrapper layer per §9's polymorphism note.
func dispatchHandler(application *app.App, obs *observability.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req app.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": "malformed request envelope"})
			return
		}

		ctx, done := obs.TrackOperation(r.Context(), string(req.Action))
		result := application.Dispatch(ctx, req)
		var trackErr error
		if !result.Success {
			trackErr = errors.New(result.Error)
		}
		done(trackErr)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
