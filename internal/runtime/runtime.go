// Package runtime wires one bot's components together and keeps them
// running: store, platform client, command handling, both queue
// workers, maintenance sweeps, and the ingress path for the bot's mode.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/tgbridge/internal/actions"
	"github.com/basket/tgbridge/internal/adapters"
	"github.com/basket/tgbridge/internal/config"
	"github.com/basket/tgbridge/internal/gateway"
	"github.com/basket/tgbridge/internal/maintenance"
	"github.com/basket/tgbridge/internal/metrics"
	"github.com/basket/tgbridge/internal/persistence"
	"github.com/basket/tgbridge/internal/streaming"
	"github.com/basket/tgbridge/internal/telegram"
	"github.com/basket/tgbridge/internal/workers"
	"github.com/basket/tgbridge/internal/youtube"
)

// Bot is one fully wired bot.
type Bot struct {
	Cfg      config.BotConfig
	Settings config.GlobalSettings

	Store   *persistence.Store
	Client  telegram.Client
	Metrics *metrics.Service
	Handler *telegram.CommandHandler
	Webhook *telegram.WebhookEndpoint
	logger  *slog.Logger
	poller  *telegram.Poller
	updates *workers.UpdateWorker
	runs    *workers.RunWorker
	sweeps  *maintenance.Scheduler
	apiBase string
}

// NewBot builds and registers one bot. The returned bot owns its store.
func NewBot(ctx context.Context, cfg config.BotConfig, settings config.GlobalSettings, tracer trace.Tracer, logger *slog.Logger) (*Bot, error) {
	logger = logger.With("bot_id", cfg.BotID)

	store, err := persistence.Open(cfg.ResolveDatabaseURL(settings), settings.JobLease())
	if err != nil {
		return nil, fmt.Errorf("open store for %s: %w", cfg.BotID, err)
	}
	if err := store.RegisterBot(ctx, cfg.BotID, cfg.Name, cfg.Adapter); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("register bot %s: %w", cfg.BotID, err)
	}

	apiBase := cfg.ResolveAPIBaseURL(settings)
	client, err := telegram.NewClient(cfg.TelegramToken, apiBase)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telegram client for %s: %w", cfg.BotID, err)
	}

	metricsSvc := metrics.NewService(store, cfg.BotID, logger, nil)
	tokens := actions.NewTokenService(store, actions.DefaultTokenTTL)

	defaultModels := map[string]string{
		config.AdapterCodex:  cfg.Codex.Model,
		config.AdapterGemini: cfg.Gemini.Model,
		config.AdapterClaude: cfg.Claude.Model,
	}

	handler := telegram.NewCommandHandler(
		telegram.BotIdentity{
			BotID:         cfg.BotID,
			BotName:       cfg.Name,
			Adapter:       cfg.Adapter,
			OwnerUserID:   cfg.OwnerUserID,
			DefaultModels: defaultModels,
		},
		client, store, tokens, youtube.NewSearcher(nil), metricsSvc, logger,
	)

	streamer := streaming.NewStreamer(client, func(counterCtx context.Context, key string) {
		metricsSvc.Inc(counterCtx, key)
		metricsSvc.Inc(counterCtx, metrics.KeyRateLimitRetryTotal)
	}, logger)

	registry := adapters.NewRegistry(
		adapters.NewCodex(""),
		adapters.NewGemini(""),
		adapters.NewClaude(""),
		adapters.NewEcho(),
	)

	bot := &Bot{
		Cfg:      cfg,
		Settings: settings,
		Store:    store,
		Client:   client,
		Metrics:  metricsSvc,
		Handler:  handler,
		logger:   logger,
		apiBase:  apiBase,
		updates:  workers.NewUpdateWorker(cfg.BotID, store, handler, metricsSvc, logger, settings.WorkerPollInterval()),
		runs: workers.NewRunWorker(
			workers.RunWorkerConfig{
				BotID:         cfg.BotID,
				DefaultModels: defaultModels,
				Workdir:       cfg.Workdir,
				Sandbox:       cfg.Codex.Sandbox,
				PollInterval:  settings.WorkerPollInterval(),
			},
			store, registry, streamer, client, metricsSvc, tracer, logger,
		),
		sweeps: maintenance.NewScheduler(maintenance.Config{Store: store, Logger: logger}),
	}

	if cfg.IngestMode() == config.IngestWebhook {
		bot.Webhook = telegram.NewWebhookEndpoint(
			cfg.BotID, cfg.Webhook.PathSecret, cfg.Webhook.SecretToken,
			store, metricsSvc, logger,
		)
	} else {
		bot.poller = telegram.NewPoller(cfg.BotID, client, store, logger, config.IsMockBase(apiBase))
	}
	return bot, nil
}

// GatewayView exposes what the HTTP gateway needs from this bot.
func (b *Bot) GatewayView() gateway.Bot {
	return gateway.Bot{BotID: b.Cfg.BotID, Store: b.Store, Metrics: b.Metrics, Webhook: b.Webhook}
}

// Run starts the bot's components and blocks until ctx is cancelled.
// Crashed components restart under supervision.
func (b *Bot) Run(ctx context.Context) error {
	if b.Webhook != nil {
		publicURL := strings.TrimRight(b.Cfg.Webhook.PublicURL, "/") + b.Webhook.Path()
		if err := b.Client.SetWebhook(ctx, publicURL, b.Cfg.Webhook.SecretToken); err != nil {
			return fmt.Errorf("set webhook for %s: %w", b.Cfg.BotID, err)
		}
		b.logger.Info("webhook registered", "url", publicURL)
	}

	if err := b.sweeps.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance for %s: %w", b.Cfg.BotID, err)
	}
	defer b.sweeps.Stop()

	maxBackoff := time.Duration(b.Settings.SupervisorRestartMaxBackoffSec) * time.Second

	var wg sync.WaitGroup
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			supervise(ctx, b.logger, name, maxBackoff, run)
		}()
	}

	start("update-worker", b.updates.Run)
	start("run-worker", b.runs.Run)
	if b.poller != nil {
		start("poller", b.poller.Run)
	}

	<-ctx.Done()
	wg.Wait()
	b.logger.Info("bot stopped")
	return ctx.Err()
}

// Close releases the bot's store.
func (b *Bot) Close() error {
	return b.Store.Close()
}
