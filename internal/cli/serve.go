package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/kzyno/bankroll-engine/internal/casino"
	"github.com/kzyno/bankroll-engine/internal/config"
	"github.com/kzyno/bankroll-engine/internal/logging"
	"github.com/kzyno/bankroll-engine/internal/metrics"
	"github.com/kzyno/bankroll-engine/internal/randomness"
	"github.com/kzyno/bankroll-engine/internal/risk"
	"github.com/kzyno/bankroll-engine/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Start the bankroll engine HTTP server.

The pool is initialized on startup with ADMIN_ID as the settlement authority.
Routes live under /api/v1; /health and /metrics sit at the root.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	logging.Setup(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.Server.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	st, closeStore, err := openStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Randomness ---
	var (
		rng    randomness.Provider = randomness.Supplied{}
		oracle *randomness.Oracle
	)
	if randomness.Mode(cfg.Randomness.Mode) == randomness.ModeOracle {
		oracle = randomness.NewOracle(randomness.WallClock(time.Now()), cfg.Randomness.ResolveSlots, cfg.Randomness.ExpirySlots)
		rng = oracle
		go prune(ctx, "expired randomness rounds", oracle.Prune)
	}

	// --- WebSocket hub ---
	hub := casino.NewWSHub()
	go hub.Run(ctx)

	// --- Casino service ---
	limiter := risk.NewStakeLimiter(cfg.Pool.RiskDivisor, cfg.Pool.MinChance, cfg.Pool.MaxChance)
	svc := casino.NewService(st, limiter, rng, hub, casino.Options{
		Oracle:         oracle,
		Asset:          cfg.Pool.Asset,
		Decimals:       cfg.Pool.UnitDecimals,
		LockPeriod:     cfg.Pool.LockPeriod,
		AirdropEnabled: cfg.Server.AirdropEnabled,
	})
	if _, err := svc.Initialize(ctx, cfg.Pool.AdminID); err != nil {
		return fmt.Errorf("initialize pool: %w", err)
	}

	auth := casino.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	rate := casino.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	go prune(ctx, "idle rate limit buckets", rate.Prune)
	handler := casino.NewHandler(svc, auth, rate, hub)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newRouter(handler),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("bankroll-engine listening",
			"port", cfg.Server.Port,
			"store", cfg.Storage.Driver,
			"randomness", cfg.Randomness.Mode,
			"admin", cfg.Pool.AdminID,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down bankroll-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}

// newRouter mounts the API with the server-wide middleware stack.
func newRouter(h *casino.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS for the browser frontend.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/v1", h.Routes())
	return r
}

// prune calls fn once a minute until ctx is done.
func prune(ctx context.Context, what string, fn func() int) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := fn(); n > 0 {
				slog.Debug("pruned "+what, "count", n)
			}
		}
	}
}
