package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/patient-console/internal/changefeed"
	"github.com/jwalitptl/patient-console/internal/config"
	sessions "github.com/jwalitptl/patient-console/internal/console"
	consolehandler "github.com/jwalitptl/patient-console/internal/handler/console"
	"github.com/jwalitptl/patient-console/internal/handler/health"
	promhandler "github.com/jwalitptl/patient-console/internal/handler/prometheus"
	"github.com/jwalitptl/patient-console/internal/patientapi"
	"github.com/jwalitptl/patient-console/internal/router"
	"github.com/jwalitptl/patient-console/pkg/auth"
	"github.com/jwalitptl/patient-console/pkg/circuitbreaker"
	"github.com/jwalitptl/patient-console/pkg/logger"
	"github.com/jwalitptl/patient-console/pkg/messaging"
	"github.com/jwalitptl/patient-console/pkg/messaging/memory"
	redisbroker "github.com/jwalitptl/patient-console/pkg/messaging/redis"
	"github.com/jwalitptl/patient-console/pkg/metrics"
)

func setup(path string) (*config.Config, *zerolog.Logger, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	l := logger.Setup(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		Format:     cfg.Log.Format,
		TimeFormat: time.RFC3339,
		App:        "patient-console",
	})
	return cfg, l.Zerolog(), nil
}

func newClient(cfg *config.Config, zl *zerolog.Logger, m *metrics.Metrics) (*patientapi.Client, error) {
	var limiter *rate.Limiter
	if cfg.Upstream.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Upstream.RateLimit), cfg.Upstream.RateBurst)
	}

	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:                "patient-service",
		MaxRequests:         cfg.Breaker.MaxRequests,
		Interval:            cfg.Breaker.Interval,
		Timeout:             cfg.Breaker.Timeout,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		IsFailure:           patientapi.BreakerFailure,
		OnStateChange: func(name string, state float64) {
			m.SetBreakerState(name, state)
			zl.Warn().Str("breaker", name).Float64("state", state).Msg("Circuit breaker state changed")
		},
	})

	return patientapi.NewClient(patientapi.Config{
		BaseURL: cfg.Upstream.BaseURL,
		Timeout: cfg.Upstream.Timeout,
		Logger:  zl,
		Metrics: m,
		Limiter: limiter,
		Breaker: breaker,
		Tokens: auth.NewTokenSource(auth.TokenConfig{
			Secret:   cfg.Upstream.Token.Secret,
			Issuer:   cfg.Upstream.Token.Issuer,
			Audience: cfg.Upstream.Token.Audience,
			TTL:      cfg.Upstream.Token.TTL,
		}),
	})
}

func newBroker(ctx context.Context, cfg config.ChangeFeedConfig, zl *zerolog.Logger) (messaging.Broker, error) {
	switch cfg.Driver {
	case "redis":
		return redisbroker.NewRedisBroker(ctx, redisbroker.Config{URL: cfg.RedisURL}, zl)
	default:
		return memory.NewMemoryBroker(cfg.Buffer, zl), nil
	}
}

func runServer(path string) error {
	cfg, zl, err := setup(path)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(cfg.Server.MetricsPrefix, reg)

	client, err := newClient(cfg, zl, m)
	if err != nil {
		return err
	}

	broker, err := newBroker(ctx, cfg.ChangeFeed, zl)
	if err != nil {
		zl.Error().Err(err).Str("driver", cfg.ChangeFeed.Driver).Msg("failed to connect change feed")
		return err
	}
	feed := changefeed.New(messaging.NewBrokerAdapter(broker, zl), cfg.ChangeFeed.Channel,
		changefeed.WithMetrics(m), changefeed.WithLogger(*zl))
	defer feed.Close()
	if err := feed.Start(ctx); err != nil {
		return err
	}

	manager := sessions.NewManager(client, sessions.Config{
		TTL:                cfg.Session.TTL,
		CleanupInterval:    cfg.Session.CleanupInterval,
		PageSize:           cfg.Directory.PageSize,
		ToastDuration:      cfg.Toast.Duration,
		ToastErrorDuration: cfg.Toast.ErrorDuration,
	}, sessions.WithChangeFeed(feed), sessions.WithMetrics(m), sessions.WithLogger(*zl))
	defer manager.Close()

	r := router.NewRouter(
		consolehandler.NewHandler(manager, client, consolehandler.Config{
			CookieName:   cfg.Session.CookieName,
			SecureCookie: cfg.Session.SecureCookie,
			CookieMaxAge: cfg.Session.TTL,
		}),
		health.NewHandler(client, cfg.Upstream.Timeout),
		promhandler.New(reg, m),
		router.RouterConfig{
			Mode:           cfg.Server.Mode,
			RateLimit:      rate.Limit(cfg.Server.RateLimit),
			RateBurst:      cfg.Server.RateBurst,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
	)
	r.Setup()

	// WriteTimeout stays 0 by default so event streams are not cut.
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info().Str("addr", srv.Addr).Str("upstream", cfg.Upstream.BaseURL).Msg("console listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			zl.Error().Err(err).Msg("failed to start server")
			return err
		}
	case <-ctx.Done():
	}
	zl.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	// Ending sessions first closes open event streams.
	manager.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error().Err(err).Msg("server forced to shutdown")
		return err
	}

	zl.Info().Msg("server exited properly")
	return nil
}

// runCheck validates the configuration and reaches every dependency once.
func runCheck(ctx context.Context, path string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, zl, err := setup(path)
	if err != nil {
		fmt.Fprintf(out, "config: %v\n", err)
		return err
	}
	fmt.Fprintln(out, "config: ok")

	client, err := newClient(cfg, zl, nil)
	if err != nil {
		fmt.Fprintf(out, "patient service: %v\n", err)
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Upstream.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		fmt.Fprintf(out, "patient service %s: %v\n", cfg.Upstream.BaseURL, err)
		return err
	}
	fmt.Fprintf(out, "patient service %s: ok\n", cfg.Upstream.BaseURL)

	broker, err := newBroker(pingCtx, cfg.ChangeFeed, zl)
	if err != nil {
		fmt.Fprintf(out, "change feed (%s): %v\n", cfg.ChangeFeed.Driver, err)
		return err
	}
	defer broker.Close()
	fmt.Fprintf(out, "change feed (%s): ok\n", cfg.ChangeFeed.Driver)
	return nil
}
