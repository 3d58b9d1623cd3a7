package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/tgbridge/internal/config"
)

func newMockTelegramAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"bridge","username":"bridge_bot"}}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testSettings(t *testing.T, apiBase string) config.GlobalSettings {
	s := config.FromEnv()
	s.DatabaseURL = filepath.Join(t.TempDir(), "bot.db")
	s.TelegramAPIBaseURL = apiBase
	return s
}

func TestNewBot_PollingMode(t *testing.T) {
	api := newMockTelegramAPI(t)
	settings := testSettings(t, api.URL)

	bot, err := NewBot(context.Background(), config.BotConfig{
		BotID:         "bot-1",
		Name:          "Bridge",
		TelegramToken: "mock_token_1",
		Adapter:       config.AdapterCodex,
		OwnerUserID:   7,
	}, settings, nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	defer bot.Close()

	if bot.poller == nil {
		t.Fatal("polling bot has no poller")
	}
	if bot.Webhook != nil {
		t.Fatal("polling bot should not mount a webhook")
	}
	view := bot.GatewayView()
	if view.BotID != "bot-1" || view.Store == nil || view.Metrics == nil {
		t.Fatalf("gateway view = %+v", view)
	}
}

func TestNewBot_WebhookMode(t *testing.T) {
	api := newMockTelegramAPI(t)
	settings := testSettings(t, api.URL)

	bot, err := NewBot(context.Background(), config.BotConfig{
		BotID:         "bot-2",
		Name:          "Bridge",
		TelegramToken: "mock_token_2",
		Adapter:       config.AdapterCodex,
		OwnerUserID:   7,
		Webhook: config.WebhookConfig{
			PublicURL:   "https://bridge.example.com",
			PathSecret:  "path-secret",
			SecretToken: "hdr-secret",
		},
	}, settings, nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	defer bot.Close()

	if bot.Webhook == nil {
		t.Fatal("webhook bot has no endpoint")
	}
	if bot.poller != nil {
		t.Fatal("webhook bot should not poll")
	}
	if got := bot.Webhook.Path(); got != "/telegram/webhook/bot-2/path-secret" {
		t.Fatalf("webhook path = %q", got)
	}
}

func TestSupervise_RestartsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan struct{})
	go func() {
		supervise(ctx, slog.New(slog.DiscardHandler), "flaky", 5*time.Millisecond, func(context.Context) error {
			if runs.Add(1) >= 3 {
				cancel()
				return ctx.Err()
			}
			return errors.New("crash")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop on cancel")
	}
	if runs.Load() < 3 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestSupervise_StopsImmediatelyWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var runs atomic.Int32
	supervise(ctx, slog.New(slog.DiscardHandler), "noop", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
}
