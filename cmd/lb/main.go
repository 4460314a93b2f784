// Command lb is the completions load balancer entry point.
//
// Usage:
//
//	lb --backends http://localhost:8000 --backends http://localhost:8001 [flags]
//
// Flags:
//
//	--backends               repeatable; at least one required
//	--port                    TCP port to listen on (default 8080)
//	--health-check-interval   active probe period and per-probe timeout cap (default 30s)
//	--timeout                 per-request total outbound deadline (default 600s)
//	--config                  optional extras YAML file (rate limiting, log level)
//	--admin-port              if set and different from --port, serves /health,
//	                          /stats, /metrics on a second listener
//
// Shutdown is graceful: SIGINT/SIGTERM give in-flight requests up to 10
// seconds to finish before the process exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"complb/internal/admin"
	"complb/internal/backend"
	"complb/internal/config"
	"complb/internal/healthcheck"
	"complb/internal/proxy"
	"complb/internal/ratelimit"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		backendURLs = pflag.StringArray("backends", nil, "backend origin (repeatable, required)")
		port        = pflag.Int("port", 8080, "TCP port to listen on")
		interval    = pflag.Duration("health-check-interval", 30*time.Second, "active probe period")
		timeout     = pflag.Duration("timeout", 600*time.Second, "per-request outbound timeout")
		configPath  = pflag.String("config", "", "optional extras YAML file")
		adminPort   = pflag.Int("admin-port", 0, "port for /health, /stats, /metrics (defaults to --port)")
	)
	pflag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(*backendURLs) == 0 {
		return errors.New("at least one --backends is required")
	}

	pool, err := backend.NewPool(*backendURLs)
	if err != nil {
		return fmt.Errorf("building backend pool: %w", err)
	}

	extras := config.Default()
	var v *viper.Viper
	if *configPath != "" {
		loaded, viperInst, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading --config: %w", err)
		}
		extras = loaded
		v = viperInst
	}
	applyLogLevel(extras.LogLevel)

	metrics := admin.NewMetrics()

	handler := proxy.New(pool, *timeout)
	handler.Metrics = metrics

	limiter := newLimiterFromExtras(extras)
	dataPlane := wireDataPlane(handler, limiter)
	go sweepRateLimiter(limiter)

	checker := healthcheck.New(pool, *interval).WithMetrics(metrics)
	checker.Start()
	defer checker.Stop()

	if v != nil {
		config.Watch(v, func(e config.Extras) {
			applyLogLevel(e.LogLevel)
			newLimiter := newLimiterFromExtras(e)
			limiter.swap(newLimiter)
			slog.Info("extras hot-reloaded", "rate_limit_enabled", e.RateLimit.Enabled)
		})
	}

	mux := http.NewServeMux()
	adminHandlers := admin.New(pool, metrics)
	listenAddr := fmt.Sprintf(":%d", *port)

	if *adminPort == 0 || *adminPort == *port {
		adminHandlers.Register(mux)
		mux.Handle("/", dataPlane)
	} else {
		mux.Handle("/", dataPlane)
		adminMux := http.NewServeMux()
		adminHandlers.Register(adminMux)
		adminAddr := fmt.Sprintf(":%d", *adminPort)
		adminSrv := &http.Server{Addr: adminAddr, Handler: adminMux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
		go func() {
			slog.Info("admin endpoint listening", "addr", adminAddr)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server error", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminSrv.Shutdown(ctx)
		}()
	}

	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  0, // streaming bodies; bounded instead by proxy.Handler's own deadline
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("load balancer listening",
			"addr", listenAddr,
			"backends", len(*backendURLs),
			"health_check_interval", interval.String(),
			"timeout", timeout.String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-quit:
		slog.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
	}

	slog.Info("stopped")
	return nil
}

func newLimiterFromExtras(e config.Extras) *swappableLimiter {
	l := &swappableLimiter{}
	if e.RateLimit.Enabled {
		l.current.Store(ratelimit.New(e.RateLimit.RPS, e.RateLimit.Burst))
	}
	return l
}

// swappableLimiter lets the data-plane handler pick up a hot-reloaded rate
// limiter (or its absence) without rebuilding the handler chain. current is
// an atomic.Pointer so concurrent requests never race with a reload.
type swappableLimiter struct {
	current atomic.Pointer[ratelimit.Limiter]
}

func (s *swappableLimiter) swap(next *swappableLimiter) { s.current.Store(next.current.Load()) }

// sweepRateLimiter periodically evicts idle per-client entries from
// whichever limiter is currently active, mirroring the teacher's
// middleware/ratelimit.go cleanup goroutine. Without this, entries
// accumulate for the life of the process, one per distinct client IP ever
// seen. Runs for the life of the process, same as the teacher's loop.
func sweepRateLimiter(limiter *swappableLimiter) {
	for range time.Tick(5 * time.Minute) {
		if l := limiter.current.Load(); l != nil {
			l.Sweep(10 * time.Minute)
		}
	}
}

func wireDataPlane(next http.Handler, limiter *swappableLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l := limiter.current.Load(); l != nil && !l.Allow(r) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func applyLogLevel(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
