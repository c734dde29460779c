// Command vcgateway runs the startup-side gateway agent: a small HTTP
// surface that serves /health, /manifest, and /artifact-content against a
// whitelisted set of local folders, per §4.1.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/openclaw/vcevidence/internal/config"
	"github.com/openclaw/vcevidence/internal/gateway"
	"github.com/openclaw/vcevidence/internal/observability"
)

func main() {
	profilePath := os.Getenv("VC_GATEWAY_PROFILE")
	if profilePath == "" {
		profilePath = "config/gateway.yaml"
	}

	profile, err := config.LoadGatewayProfile(profilePath)
	if err != nil {
		log.Fatalf("[vcgateway] failed to load profile %s: %v", profilePath, err)
	}

	obs := observability.New(observability.Config{
		ServiceName:    "vcgateway",
		ServiceVersion: "1.0.0",
		Environment:    getenv("VC_ENVIRONMENT", "development"),
		Enabled:        true,
	})

	srv := gateway.New(profile, obs)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Router())
	mux.Handle("/metrics", obs.Handler())

	addr := ":" + strconv.Itoa(profile.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("vcgateway listening", "addr", addr, "startup_id", profile.StartupID, "folders", len(profile.Folders))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[vcgateway] server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("vcgateway shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("vcgateway shutdown error", "error", err)
	}
	if err := obs.Shutdown(ctx); err != nil {
		slog.Error("vcgateway observability shutdown error", "error", err)
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

