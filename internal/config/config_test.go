package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeBotsFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bots.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write bots file: %v", err)
	}
	return path
}

func TestLoadBots_NormalizesDefaults(t *testing.T) {
	path := writeBotsFile(t, `
bots:
  - telegram_token: "123456:abc"
    adapter: codex
`)
	bots, err := LoadBots(path, GlobalSettings{TelegramAPIBaseURL: "https://api.telegram.org"})
	if err != nil {
		t.Fatalf("load bots: %v", err)
	}
	if len(bots) != 1 {
		t.Fatalf("expected 1 bot, got %d", len(bots))
	}
	b := bots[0]
	if b.BotID != "bot-1" || b.Name != "Bot 1" {
		t.Fatalf("unexpected defaults: id=%q name=%q", b.BotID, b.Name)
	}
	if b.Webhook.PathSecret != "bot-1-path" || b.Webhook.SecretToken != "bot-1-secret" {
		t.Fatalf("unexpected webhook defaults: %+v", b.Webhook)
	}
	if b.Codex.Sandbox != "workspace-write" {
		t.Fatalf("unexpected sandbox default: %q", b.Codex.Sandbox)
	}
	if b.IngestMode() != IngestPolling {
		t.Fatalf("expected polling ingest, got %s", b.IngestMode())
	}
}

func TestLoadBots_EnvTokenLiteralSubstitution(t *testing.T) {
	path := writeBotsFile(t, `
bots:
  - bot_id: main
    telegram_token: "TELEGRAM_BOT_TOKEN"
`)
	bots, err := LoadBots(path, GlobalSettings{
		TelegramBotToken:   "987654:real",
		TelegramAPIBaseURL: "https://api.telegram.org",
	})
	if err != nil {
		t.Fatalf("load bots: %v", err)
	}
	if bots[0].TelegramToken != "987654:real" {
		t.Fatalf("token literal not substituted: %q", bots[0].TelegramToken)
	}
}

func TestLoadBots_MockBaseFallsBackToVirtualToken(t *testing.T) {
	path := writeBotsFile(t, `
bots:
  - bot_id: mock-bot
    telegram_token: ""
    telegram_api_base_url: "http://127.0.0.1:8081"
`)
	bots, err := LoadBots(path, GlobalSettings{
		TelegramVirtualToken: "mock_token_1",
		TelegramAPIBaseURL:   "https://api.telegram.org",
	})
	if err != nil {
		t.Fatalf("load bots: %v", err)
	}
	if bots[0].TelegramToken != "mock_token_1" {
		t.Fatalf("expected virtual token, got %q", bots[0].TelegramToken)
	}
}

func TestLoadBots_DuplicateBotIDRejected(t *testing.T) {
	path := writeBotsFile(t, `
bots:
  - bot_id: b1
    telegram_token: "1:a"
  - bot_id: b1
    telegram_token: "2:b"
`)
	_, err := LoadBots(path, GlobalSettings{TelegramAPIBaseURL: "https://api.telegram.org"})
	if err == nil || !strings.Contains(err.Error(), "duplicate bot_id") {
		t.Fatalf("expected duplicate bot_id error, got %v", err)
	}
}

func TestLoadBots_UnknownAdapterRejected(t *testing.T) {
	path := writeBotsFile(t, `
bots:
  - telegram_token: "1:a"
    adapter: cursor
`)
	_, err := LoadBots(path, GlobalSettings{TelegramAPIBaseURL: "https://api.telegram.org"})
	if err == nil || !strings.Contains(err.Error(), "unknown adapter") {
		t.Fatalf("expected unknown adapter error, got %v", err)
	}
}

func TestLoadBots_MissingFileUsesEnvBot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	bots, err := LoadBots(path, GlobalSettings{
		TelegramBotToken:    "42:token",
		TelegramBotID:       "env-bot",
		TelegramBotName:     "Env Bot",
		TelegramOwnerUserID: 77,
		TelegramAPIBaseURL:  "https://api.telegram.org",
	})
	if err != nil {
		t.Fatalf("load bots: %v", err)
	}
	if len(bots) != 1 || bots[0].BotID != "env-bot" || bots[0].OwnerUserID != 77 {
		t.Fatalf("unexpected env bot: %+v", bots)
	}
}

func TestLoadBots_MissingFileWithoutTokenFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	_, err := LoadBots(path, GlobalSettings{TelegramAPIBaseURL: "https://api.telegram.org"})
	if err == nil {
		t.Fatal("expected error for missing config without token")
	}
}

func TestBotConfig_IngestModeWebhook(t *testing.T) {
	b := BotConfig{Webhook: WebhookConfig{PublicURL: "https://example.org/hook"}}
	if b.IngestMode() != IngestWebhook {
		t.Fatalf("expected webhook ingest, got %s", b.IngestMode())
	}
}

func TestIsMockBase(t *testing.T) {
	if !IsMockBase("http://127.0.0.1:9000") || !IsMockBase("http://localhost:8081") {
		t.Fatal("local bases should be mock")
	}
	if IsMockBase("https://api.telegram.org") {
		t.Fatal("telegram base should not be mock")
	}
}

func TestLoadDotEnv_DoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("# comment\nDOTENV_TEST_A=file\nDOTENV_TEST_B=file\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("DOTENV_TEST_A", "env")
	os.Unsetenv("DOTENV_TEST_B")
	t.Cleanup(func() { os.Unsetenv("DOTENV_TEST_B") })

	LoadDotEnv(path)

	if got := os.Getenv("DOTENV_TEST_A"); got != "env" {
		t.Fatalf("existing var overridden: %q", got)
	}
	if got := os.Getenv("DOTENV_TEST_B"); got != "file" {
		t.Fatalf("missing var not loaded: %q", got)
	}
}

func TestFromEnv_ClampsLowValues(t *testing.T) {
	t.Setenv("JOB_LEASE_MS", "10")
	t.Setenv("WORKER_POLL_INTERVAL_MS", "1")
	s := FromEnv()
	if s.JobLeaseMS != 1000 {
		t.Fatalf("lease not clamped: %d", s.JobLeaseMS)
	}
	if s.WorkerPollIntervalMS != 50 {
		t.Fatalf("poll interval not clamped: %d", s.WorkerPollIntervalMS)
	}
}
