package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"raffle-market-platform/api/internal/coordinator"
	"raffle-market-platform/api/internal/middleware"
	"raffle-market-platform/api/internal/realtime"
	"raffle-market-platform/api/internal/repos"
	"raffle-market-platform/shared/authx"
	"raffle-market-platform/shared/cachex"
	"raffle-market-platform/shared/config"
	"raffle-market-platform/shared/dbx"
	"raffle-market-platform/shared/httpx"
	"raffle-market-platform/shared/influxx"
	"raffle-market-platform/shared/logx"
	"raffle-market-platform/shared/metricsx"
	"raffle-market-platform/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	ctx := context.Background()

	metricsx.Register()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName: cfg.ServiceName,
		Env:         cfg.Env,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSampleRatio,
	})
	if err != nil {
		logger.Warn(ctx, "otel_init_failed", "tracing disabled",
			slog.String("error", err.Error()))
		shutdownTracer = func(context.Context) error { return nil }
	}

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		dbPool, err = dbx.NewPool(ctx, cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(ctx, "db_init_failed", "database init failed",
				slog.String("error_code", httpx.CodeFailedPrecondition),
				slog.String("error", err.Error()),
			)
		}
	}

	var cache *cachex.Store
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "failed to initialize cache"})
			logger.Error(ctx, "cache_init_failed", "cache init failed",
				slog.String("error_code", httpx.CodeFailedPrecondition),
				slog.String("error", err.Error()),
			)
		}
	} else {
		readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}

	var influx *influxx.Client
	if cfg.InfluxURL != "" {
		influx, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(ctx, "influx_init_failed", "analytics disabled",
				slog.String("error", err.Error()))
		}
	}

	rafflesRepo := repos.NewRafflesRepo(dbPool)
	donationsRepo := repos.NewDonationsRepo(dbPool)
	usersRepo := repos.NewUsersRepo(dbPool)
	activityRepo := repos.NewActivityRepo(dbPool)

	hub := realtime.NewHub(cfg.WSMaxConnections, logger)

	coordOpts := coordinator.Options{
		Raffles:   rafflesRepo,
		Donations: donationsRepo,
		Cache:     cache,
		Hub:       hub,
		Logger:    logger,
		CacheTTL:  time.Duration(cfg.CacheTTLSec) * time.Second,
	}
	if influx != nil {
		coordOpts.TimeSeries = influx
	}
	coord := coordinator.New(coordOpts)

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

	srv := &apiServer{
		logger:    logger,
		coord:     coord,
		raffles:   rafflesRepo,
		donations: donationsRepo,
		users:     usersRepo,
		cache:     cache,
	}

	mux := http.NewServeMux()
	srv.routes(mux)
	mux.Handle("GET /metrics", metricsx.Handler())
	mux.Handle("GET /ws", realtime.NewHandler(hub, logger, realtime.ConnOptions{
		SendBuffer:   cfg.WSSendBuffer,
		PingInterval: time.Duration(cfg.WSPingSec) * time.Second,
		PongWait:     time.Duration(cfg.WSPongWaitSec) * time.Second,
		WriteWait:    time.Duration(cfg.WSWriteWaitSec) * time.Second,
		// Inbound chat frames rejoin the validated write path instead of
		// being republished verbatim.
		OnEvent: coord.HandleInboundChat,
	}, nil))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodeFailedPrecondition,
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems})
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodeFailedPrecondition,
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"})
			return
		}
		if err := cache.Ping(r.Context()); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodeFailedPrecondition,
				"service not ready: cache unavailable",
				map[string]any{"problem": "cache_ping_failed"})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, httpx.CodeNotFound, "route not found", nil)
	})

	skipInfra := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}
	// The websocket route hijacks the connection: it must bypass the timeout
	// wrapper and the buffering it implies.
	skipWS := func(r *http.Request) bool {
		return r.URL.Path == "/ws"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{
		Pool: dbPool,
		Skip: func(r *http.Request) bool { return skipInfra(r) || skipWS(r) },
	}.Wrap(handler)
	handler = middleware.ActivityMiddleware{
		Enabled: cfg.ActivityEnabled,
		Repo:    activityRepo,
		Logger:  logger,
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: verifier,
		Skip: func(r *http.Request) bool {
			if skipInfra(r) || skipWS(r) {
				return true
			}
			// Reads are public; mutations carry a bearer token.
			return r.Method == http.MethodGet
		},
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(20, 40, 2*time.Minute),
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowCredentials: true,
		MaxAge:           10 * time.Minute,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, skipWS, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, "http.server")
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("ws_max_connections", cfg.WSMaxConnections),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server_failed", "server failed",
				slog.String("error_code", httpx.CodeInternal),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown_failed", "shutdown failed",
			slog.String("error_code", httpx.CodeInternal),
			slog.String("error", err.Error()),
		)
	}
	hub.Close()
	if cache != nil {
		_ = cache.Close()
	}
	if influx != nil {
		influx.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	_ = shutdownTracer(shutdownCtx)
	logger.Info(ctx, "service_stop", "service stopped")
}
