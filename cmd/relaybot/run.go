package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/cache"
	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/relay"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect every enabled platform and relay until interrupted",
		Long:  "Starts the relay hub and one adapter per enabled platform. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

// app is the assembled relay process.
type app struct {
	events   *bus.EventBus
	cache    *cache.Cache
	hub      *relay.Hub
	metrics  *metrics.MetricsCollector
	adapters []domain.Adapter
}

// buildApp wires the bus, cache, hub and adapters from cfg. Nothing is
// started.
func buildApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{
		events:  bus.NewEventBus(log),
		metrics: metrics.NewMetricsCollector(),
	}
	a.metrics.Subscribe(a.events)

	c, err := cache.New(cache.Config{
		Dir:          cfg.Cache.Dir,
		Client:       channel.SharedHTTPClient(cfg.Cache.FetchTimeout()),
		Logger:       log,
		Events:       a.events,
		MaxBytes:     cfg.Cache.MaxFileBytes,
		FetchTimeout: cfg.Cache.FetchTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("attachment cache: %w", err)
	}
	a.cache = c

	a.hub = relay.NewHub(relay.Config{
		Logger:        log,
		Events:        a.events,
		CallTimeout:   cfg.Relay.CallTimeout(),
		RetryAttempts: cfg.Relay.RetryAttempts,
		RetryBackoff:  cfg.Relay.RetryBackoff(),
		Retention:     cfg.Relay.Retention(),
		MaxEntries:    cfg.Relay.MaxEntries,
	})

	common := channel.Common{
		Relay:      a.hub,
		Fetcher:    a.cache,
		Logger:     log,
		Events:     a.events,
		HTTPClient: channel.SharedHTTPClient(0),
		Reconnect: channel.Reconnect{
			InitialBackoff:   cfg.Reconnect.InitialBackoff(),
			MaxBackoff:       cfg.Reconnect.MaxBackoff(),
			MaxAttempts:      cfg.Reconnect.MaxAttempts,
			HandshakeTimeout: cfg.Reconnect.HandshakeTimeout(),
		},
	}
	adapters, err := buildAdapters(cfg.Platforms, common)
	if err != nil {
		a.cache.Close()
		return nil, err
	}
	for _, ad := range adapters {
		if err := a.hub.Register(ad); err != nil {
			a.cache.Close()
			return nil, err
		}
	}
	a.adapters = adapters
	a.metrics.TrackAdapters(a.hub.Platforms()...)
	return a, nil
}

// buildAdapters creates one adapter per enabled platform.
func buildAdapters(p config.PlatformsConfig, common channel.Common) ([]domain.Adapter, error) {
	var out []domain.Adapter
	with := func(rate float64) channel.Common {
		c := common
		c.RateLimitPerMinute = rate
		return c
	}

	if p.Discord.Enabled {
		d, err := channel.NewDiscord(channel.DiscordConfig{
			Common:     with(p.Discord.RateLimitPerMinute),
			Token:      p.Discord.Token,
			ChannelID:  p.Discord.ChannelID,
			GatewayURL: p.Discord.GatewayURL,
			IgnoreBots: p.Discord.IgnoreBots,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if p.OneBot.Enabled {
		o, err := channel.NewOneBot(channel.OneBotConfig{
			Common:      with(p.OneBot.RateLimitPerMinute),
			WSURL:       p.OneBot.WSURL,
			APIURL:      p.OneBot.APIURL,
			AccessToken: p.OneBot.AccessToken,
			GroupID:     p.OneBot.GroupID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if p.Slack.Enabled {
		s, err := channel.NewSlack(channel.SlackConfig{
			Common:    with(p.Slack.RateLimitPerMinute),
			BotToken:  p.Slack.BotToken,
			AppToken:  p.Slack.AppToken,
			ChannelID: p.Slack.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if p.Telegram.Enabled {
		t, err := channel.NewTelegram(channel.TelegramConfig{
			Common: with(p.Telegram.RateLimitPerMinute),
			Token:  p.Telegram.Token,
			ChatID: p.Telegram.ChatID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (a *app) Close() error {
	return a.cache.Close()
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closer, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger = log

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch n := len(a.adapters); {
	case n == 0:
		return fmt.Errorf("no platforms enabled in %s", cfgPath)
	case n == 1:
		logger.Warn("only one platform enabled, nothing will be relayed", "platform", a.adapters[0].Name())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           a.metrics.Mux(cfg.Metrics.Path),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "err", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
	}

	if err := a.hub.Start(ctx); err != nil {
		stop()
		a.hub.Join()
		return err
	}
	logger.Info("relay started. Press Ctrl+C to stop.", "platforms", a.hub.Platforms(), "cache", a.cache.Dir(), "version", version)

	<-ctx.Done()
	logger.Info("shutting down relay...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.hub.Join()
	}()
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}

	select {
	case <-done:
		logger.Info("shutdown complete", "entries", a.hub.Len())
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}
