// The follower tails the realtime stream from the outside: it dials the /ws
// endpoint like any client, logs every event it receives, and exercises the
// same reconnect cycle a browser session would. Useful as a smoke monitor for
// the fan-out path.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"raffle-market-platform/api/internal/syncer"
	"raffle-market-platform/shared/config"
	"raffle-market-platform/shared/events"
	"raffle-market-platform/shared/logx"
)

func main() {
	cfg, problems := config.Load("follower", 8084)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.StreamURL == "" {
		problems = append(problems, config.Problem{Field: "STREAM_WS_URL", Message: "STREAM_WS_URL is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := syncer.New(syncer.Options{
		URL:         cfg.StreamURL,
		Logger:      logger,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Delay:       time.Duration(cfg.ReconnectDelaySec) * time.Second,
	})
	logEvent := func(ctx context.Context, event events.Event) {
		logger.Info(ctx, "stream.event", "event received",
			slog.String("event_type", string(event.Type)),
			slog.Time("occurred_at", event.OccurredAt),
		)
	}
	for _, t := range []events.Type{
		events.TypeRaffleCreated,
		events.TypeRaffleApproved,
		events.TypeRaffleCancelled,
		events.TypeTicketPurchased,
		events.TypeDonationCreated,
		events.TypeDonationContributed,
		events.TypeChatMessage,
	} {
		s.On(t, logEvent)
	}

	logger.Info(ctx, "service_start", "following stream",
		slog.String("stream_url", cfg.StreamURL),
		slog.Int("reconnect_max_attempts", cfg.ReconnectMaxAttempts),
		slog.Int("reconnect_delay_seconds", cfg.ReconnectDelaySec),
	)

	// Each exhausted connect cycle parks the syncer in closed; keep re-arming
	// on a fixed cadence until the process is told to stop.
	rearmDelay := time.Duration(cfg.ReconnectDelaySec) * time.Second
	if err := s.Start(ctx); err != nil && !errors.Is(err, syncer.ErrUnavailable) {
		logger.Error(ctx, "stream.start_failed", "stream start failed",
			slog.String("error", err.Error()))
	}
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			logger.Info(context.Background(), "service_stop", "follower stopped")
			return
		case <-time.After(rearmDelay):
			if s.State() == syncer.StateClosed {
				if err := s.Rearm(ctx); err != nil && !errors.Is(err, syncer.ErrUnavailable) {
					logger.Warn(ctx, "stream.rearm_failed", "rearm failed",
						slog.String("error", err.Error()))
				}
			}
		}
	}
}
