// Package config loads the daemon settings from the environment and the
// bots file. The bot set is fixed at startup; a file watcher only reports
// that a restart is needed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BotMode selects how a bot's ingress and workers are hosted.
type BotMode string

const (
	BotModeEmbedded BotMode = "embedded"
	BotModeGateway  BotMode = "gateway"
)

// IngestMode is derived from the webhook config: a public URL means webhook
// ingestion, otherwise long polling.
type IngestMode string

const (
	IngestWebhook IngestMode = "webhook"
	IngestPolling IngestMode = "polling"
)

// Known adapter names. The registry rejects anything else at startup.
const (
	AdapterCodex  = "codex"
	AdapterGemini = "gemini"
	AdapterClaude = "claude"
	AdapterEcho   = "echo"
)

// GlobalSettings are process-wide knobs read from the environment.
type GlobalSettings struct {
	DatabaseURL                    string
	LogLevel                       string
	JobLeaseMS                     int
	WorkerPollIntervalMS           int
	SupervisorRestartMaxBackoffSec int
	TelegramAPIBaseURL             string
	TelegramVirtualToken           string

	// Token-only bootstrap: run a single bot straight from env vars when no
	// bots file is present.
	TelegramBotToken           string
	TelegramOwnerUserID        int64
	TelegramBotID              string
	TelegramBotName            string
	TelegramBotMode            BotMode
	TelegramWebhookPublicURL   string
	TelegramWebhookPathSecret  string
	TelegramWebhookSecretToken string

	OTelEnabled  bool
	OTelExporter string
	OTelEndpoint string

	ListenAddr string
}

// FromEnv reads GlobalSettings with defaults applied.
func FromEnv() GlobalSettings {
	s := GlobalSettings{
		DatabaseURL:                    getenv("DATABASE_URL", ""),
		LogLevel:                       getenv("LOG_LEVEL", "info"),
		JobLeaseMS:                     getenvInt("JOB_LEASE_MS", 30000),
		WorkerPollIntervalMS:           getenvInt("WORKER_POLL_INTERVAL_MS", 250),
		SupervisorRestartMaxBackoffSec: getenvInt("SUPERVISOR_RESTART_MAX_BACKOFF_SEC", 30),
		TelegramAPIBaseURL:             getenv("TELEGRAM_API_BASE_URL", "https://api.telegram.org"),
		TelegramVirtualToken:           getenv("TELEGRAM_VIRTUAL_TOKEN", "mock_token_1"),
		TelegramBotToken:               getenv("TELEGRAM_BOT_TOKEN", ""),
		TelegramBotID:                  getenv("TELEGRAM_BOT_ID", "bot-1"),
		TelegramBotName:                getenv("TELEGRAM_BOT_NAME", "Bot 1"),
		TelegramBotMode:                BotMode(getenv("TELEGRAM_BOT_MODE", string(BotModeEmbedded))),
		TelegramWebhookPublicURL:       getenv("TELEGRAM_WEBHOOK_PUBLIC_URL", ""),
		TelegramWebhookPathSecret:      getenv("TELEGRAM_WEBHOOK_PATH_SECRET", ""),
		TelegramWebhookSecretToken:     getenv("TELEGRAM_WEBHOOK_SECRET_TOKEN", ""),
		OTelEnabled:                    getenvBool("OTEL_ENABLED", false),
		OTelExporter:                   getenv("OTEL_EXPORTER", "none"),
		OTelEndpoint:                   getenv("OTEL_ENDPOINT", ""),
		ListenAddr:                     getenv("LISTEN_ADDR", ":8090"),
	}
	if v := getenv("TELEGRAM_OWNER_USER_ID", ""); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.TelegramOwnerUserID = id
		}
	}
	if s.JobLeaseMS < 1000 {
		s.JobLeaseMS = 1000
	}
	if s.WorkerPollIntervalMS < 50 {
		s.WorkerPollIntervalMS = 50
	}
	if s.SupervisorRestartMaxBackoffSec < 1 {
		s.SupervisorRestartMaxBackoffSec = 1
	}
	return s
}

// JobLease returns the queue lease duration.
func (s GlobalSettings) JobLease() time.Duration {
	return time.Duration(s.JobLeaseMS) * time.Millisecond
}

// WorkerPollInterval returns the idle poll interval for workers.
func (s GlobalSettings) WorkerPollInterval() time.Duration {
	return time.Duration(s.WorkerPollIntervalMS) * time.Millisecond
}

// WebhookConfig holds the per-bot webhook routing secrets.
type WebhookConfig struct {
	PathSecret  string `yaml:"path_secret"`
	SecretToken string `yaml:"secret_token"`
	PublicURL   string `yaml:"public_url"`
}

// CodexConfig tunes the codex CLI adapter.
type CodexConfig struct {
	Model   string `yaml:"model"`
	Sandbox string `yaml:"sandbox"`
}

// GeminiConfig tunes the gemini CLI adapter.
type GeminiConfig struct {
	Model string `yaml:"model"`
}

// ClaudeConfig tunes the claude CLI adapter.
type ClaudeConfig struct {
	Model string `yaml:"model"`
}

// BotConfig describes one bot. All fields are resolved during Load; the
// runtime never sees empty ids or tokens.
type BotConfig struct {
	BotID         string        `yaml:"bot_id"`
	Name          string        `yaml:"name"`
	Mode          BotMode       `yaml:"mode"`
	TelegramToken string        `yaml:"telegram_token"`
	OwnerUserID   int64         `yaml:"owner_user_id"`
	Webhook       WebhookConfig `yaml:"webhook"`
	Adapter       string        `yaml:"adapter"`
	Codex         CodexConfig   `yaml:"codex"`
	Gemini        GeminiConfig  `yaml:"gemini"`
	Claude        ClaudeConfig  `yaml:"claude"`
	DatabaseURL   string        `yaml:"database_url"`
	APIBaseURL    string        `yaml:"telegram_api_base_url"`
	Workdir       string        `yaml:"workdir"`
}

// IngestMode reports webhook when a public URL is configured.
func (b BotConfig) IngestMode() IngestMode {
	if strings.TrimSpace(b.Webhook.PublicURL) != "" {
		return IngestWebhook
	}
	return IngestPolling
}

// ResolveDatabaseURL prefers the per-bot database over the global one.
func (b BotConfig) ResolveDatabaseURL(s GlobalSettings) string {
	if strings.TrimSpace(b.DatabaseURL) != "" {
		return b.DatabaseURL
	}
	return s.DatabaseURL
}

// ResolveAPIBaseURL prefers the per-bot API base over the global one.
func (b BotConfig) ResolveAPIBaseURL(s GlobalSettings) string {
	if v := strings.TrimSpace(b.APIBaseURL); v != "" {
		return v
	}
	return s.TelegramAPIBaseURL
}

type botsFile struct {
	Bots []BotConfig `yaml:"bots"`
}

// envTokenLiteral in a bots file defers the token to the environment.
const envTokenLiteral = "TELEGRAM_BOT_TOKEN"

// LoadBots reads and normalizes the bots file. A missing or empty file
// falls back to a single bot assembled from env vars; without a token that
// is an error unless the API base points at a local mock platform.
func LoadBots(path string, settings GlobalSettings) ([]BotConfig, error) {
	var loaded []BotConfig

	resolved, err := filepath.Abs(path)
	if err != nil {
		resolved = path
	}
	raw, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		var parsed botsFile
		if err := yaml.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("parse bots config %s: %w", resolved, err)
		}
		loaded = parsed.Bots
	case os.IsNotExist(err):
		// Fall through to the env bot below.
	default:
		return nil, fmt.Errorf("read bots config %s: %w", resolved, err)
	}

	if len(loaded) == 0 {
		envBot, ok := buildEnvBot(settings)
		if !ok {
			return nil, fmt.Errorf("bots config not found at %s and TELEGRAM_BOT_TOKEN is not set", resolved)
		}
		loaded = []BotConfig{envBot}
	}

	bots, err := normalizeBots(loaded, settings)
	if err != nil {
		return nil, err
	}

	seenIDs := make(map[string]struct{}, len(bots))
	seenTokens := make(map[string]struct{}, len(bots))
	for _, b := range bots {
		if _, dup := seenIDs[b.BotID]; dup {
			return nil, fmt.Errorf("bots config contains duplicate bot_id %q", b.BotID)
		}
		if _, dup := seenTokens[b.TelegramToken]; dup {
			return nil, fmt.Errorf("bots config contains duplicate telegram_token values")
		}
		seenIDs[b.BotID] = struct{}{}
		seenTokens[b.TelegramToken] = struct{}{}
	}
	return bots, nil
}

// IsMockBase reports whether the API base points at a local mock platform.
func IsMockBase(baseURL string) bool {
	lower := strings.ToLower(strings.TrimSpace(baseURL))
	return strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "http://localhost")
}

func buildEnvBot(settings GlobalSettings) (BotConfig, bool) {
	token := strings.TrimSpace(settings.TelegramBotToken)
	if token == "" && IsMockBase(settings.TelegramAPIBaseURL) {
		token = strings.TrimSpace(settings.TelegramVirtualToken)
		if token == "" {
			token = "mock_token_1"
		}
	}
	if token == "" {
		return BotConfig{}, false
	}

	botID := strings.TrimSpace(settings.TelegramBotID)
	if botID == "" {
		botID = "bot-1"
	}
	name := strings.TrimSpace(settings.TelegramBotName)
	if name == "" {
		name = "Bot 1"
	}

	return BotConfig{
		BotID:         botID,
		Name:          name,
		Mode:          settings.TelegramBotMode,
		TelegramToken: token,
		OwnerUserID:   settings.TelegramOwnerUserID,
		Webhook: WebhookConfig{
			PathSecret:  fallback(settings.TelegramWebhookPathSecret, botID+"-path"),
			SecretToken: fallback(settings.TelegramWebhookSecretToken, botID+"-secret"),
			PublicURL:   strings.TrimSpace(settings.TelegramWebhookPublicURL),
		},
		Adapter: AdapterGemini,
	}, true
}

func normalizeBots(bots []BotConfig, settings GlobalSettings) ([]BotConfig, error) {
	fallbackToken := strings.TrimSpace(settings.TelegramBotToken)
	virtualToken := strings.TrimSpace(settings.TelegramVirtualToken)
	if virtualToken == "" {
		virtualToken = "mock_token_1"
	}

	out := make([]BotConfig, 0, len(bots))
	for i, bot := range bots {
		index := i + 1
		mock := IsMockBase(bot.ResolveAPIBaseURL(settings))

		token := strings.TrimSpace(bot.TelegramToken)
		switch {
		case token == envTokenLiteral:
			if fallbackToken != "" {
				token = fallbackToken
			} else if mock {
				token = virtualToken
			} else {
				token = ""
			}
		case token == "" && fallbackToken != "":
			token = fallbackToken
		case token == "" && mock:
			token = virtualToken
		}
		if token == "" {
			return nil, fmt.Errorf("bot[%d] telegram_token is required", index)
		}

		botID := strings.TrimSpace(bot.BotID)
		if botID == "" {
			botID = fmt.Sprintf("bot-%d", index)
		}
		name := strings.TrimSpace(bot.Name)
		if name == "" {
			name = fmt.Sprintf("Bot %d", index)
		}
		owner := bot.OwnerUserID
		if owner == 0 {
			owner = settings.TelegramOwnerUserID
		}
		mode := bot.Mode
		if mode == "" {
			mode = BotModeEmbedded
		}
		adapter := strings.TrimSpace(bot.Adapter)
		if adapter == "" {
			adapter = AdapterGemini
		}
		switch adapter {
		case AdapterCodex, AdapterGemini, AdapterClaude, AdapterEcho:
		default:
			return nil, fmt.Errorf("bot[%d] unknown adapter %q", index, adapter)
		}
		sandbox := strings.TrimSpace(bot.Codex.Sandbox)
		if sandbox == "" {
			sandbox = "workspace-write"
		}
		switch sandbox {
		case "read-only", "workspace-write", "danger-full-access":
		default:
			return nil, fmt.Errorf("bot[%d] unknown codex sandbox %q", index, sandbox)
		}

		norm := bot
		norm.BotID = botID
		norm.Name = name
		norm.Mode = mode
		norm.TelegramToken = token
		norm.OwnerUserID = owner
		norm.Adapter = adapter
		norm.Codex.Sandbox = sandbox
		norm.Webhook = WebhookConfig{
			PathSecret:  fallback(bot.Webhook.PathSecret, botID+"-path"),
			SecretToken: fallback(bot.Webhook.SecretToken, botID+"-secret"),
			PublicURL:   strings.TrimSpace(bot.Webhook.PublicURL),
		}
		out = append(out, norm)
	}
	return out, nil
}

func fallback(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}
