// Command tgbridge runs the Telegram to CLI-agent bridge daemon: one
// process hosting every configured bot, their queue workers, and the
// shared HTTP gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/basket/tgbridge/internal/config"
	"github.com/basket/tgbridge/internal/gateway"
	otelPkg "github.com/basket/tgbridge/internal/otel"
	"github.com/basket/tgbridge/internal/runtime"
	"github.com/basket/tgbridge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	var (
		botsPath    = flag.String("bots", "bots.yaml", "bots config file (falls back to env-configured single bot)")
		envPath     = flag.String("env", ".env", "dotenv file loaded before reading settings")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("tgbridge", Version)
		return
	}

	config.LoadDotEnv(*envPath)
	settings := config.FromEnv()
	logger := telemetry.NewLogger(os.Stdout, settings.LogLevel)

	if err := run(settings, *botsPath, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(settings config.GlobalSettings, botsPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	botConfigs, err := config.LoadBots(botsPath, settings)
	if err != nil {
		return fmt.Errorf("load bots: %w", err)
	}
	if len(botConfigs) == 0 {
		return errors.New("no bots configured: provide a bots file or TELEGRAM_BOT_TOKEN")
	}

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     settings.OTelEnabled,
		Exporter:    settings.OTelExporter,
		Endpoint:    settings.OTelEndpoint,
		ServiceName: "tgbridge",
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()

	bots := make([]*runtime.Bot, 0, len(botConfigs))
	gatewayBots := make([]gateway.Bot, 0, len(botConfigs))
	for _, cfg := range botConfigs {
		bot, err := runtime.NewBot(ctx, cfg, settings, provider.Tracer, logger)
		if err != nil {
			return err
		}
		defer bot.Close()
		bots = append(bots, bot)
		gatewayBots = append(gatewayBots, bot.GatewayView())
		logger.Info("bot configured",
			"bot_id", cfg.BotID, "adapter", cfg.Adapter, "ingest", string(cfg.IngestMode()))
	}

	watcher := config.NewWatcher(logger, botsPath)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}

	srv := gateway.NewServer(gateway.Config{
		Addr:   settings.ListenAddr,
		Logger: logger,
		Bots:   gatewayBots,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("gateway failed", "error", err)
			stop()
		}
	}()

	for _, bot := range bots {
		wg.Add(1)
		go func(b *runtime.Bot) {
			defer wg.Done()
			if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("bot runtime failed", "bot_id", b.Cfg.BotID, "error", err)
				stop()
			}
		}(bot)
	}

	logger.Info("tgbridge started", "version", Version, "bots", len(bots), "listen", settings.ListenAddr)
	wg.Wait()
	return ctx.Err()
}
