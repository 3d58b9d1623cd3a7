package telegram

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/basket/tgbridge/internal/metrics"
	"github.com/basket/tgbridge/internal/persistence"
)

const (
	secretTokenHeader  = "X-Telegram-Bot-Api-Secret-Token"
	maxWebhookBodySize = 1 << 20
)

// WebhookEndpoint accepts one bot's webhook deliveries. The URL path
// carries a per-bot secret, and Telegram's secret token header is
// checked on top when configured.
type WebhookEndpoint struct {
	botID        string
	pathSecret   string
	headerSecret string
	store        *persistence.Store
	metrics      *metrics.Service
	logger       *slog.Logger
}

func NewWebhookEndpoint(botID, pathSecret, headerSecret string, store *persistence.Store, metricsSvc *metrics.Service, logger *slog.Logger) *WebhookEndpoint {
	return &WebhookEndpoint{
		botID:        botID,
		pathSecret:   pathSecret,
		headerSecret: headerSecret,
		store:        store,
		metrics:      metricsSvc,
		logger:       logger,
	}
}

// Path is where the endpoint mounts, also the path Telegram is told via
// setWebhook.
func (e *WebhookEndpoint) Path() string {
	return "/telegram/webhook/" + e.botID + "/" + e.pathSecret
}

// Register mounts the endpoint on mux. Unknown bot ids and wrong path
// secrets never match a registered pattern and fall through to the
// mux's 404.
func (e *WebhookEndpoint) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+e.Path(), e.handle)
}

func (e *WebhookEndpoint) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if e.headerSecret != "" && r.Header.Get(secretTokenHeader) != e.headerSecret {
		e.metrics.Inc(ctx, metrics.KeyWebhookReject401)
		e.logger.Warn("webhook rejected: bad secret token header", "bot_id", e.botID)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		e.metrics.Inc(ctx, metrics.KeyWebhookReject400)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	updateID, ok := ExtractUpdateID(body)
	if !ok {
		e.metrics.Inc(ctx, metrics.KeyWebhookReject400)
		e.logger.Warn("webhook rejected: unparseable envelope", "bot_id", e.botID)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	chatID := int64(0)
	if parsed, ok := ParseIncoming(body); ok {
		chatID = parsed.ChatID
	}

	accepted, err := e.store.AcceptUpdate(ctx, e.botID, updateID, chatID, string(body))
	if err != nil {
		e.logger.Error("webhook accept failed", "bot_id", e.botID, "update_id", updateID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if accepted {
		e.metrics.Inc(ctx, metrics.KeyWebhookAcceptTotal)
	} else {
		e.metrics.Inc(ctx, metrics.KeyWebhookDuplicateUpdate)
		e.logger.Debug("duplicate webhook update dropped", "bot_id", e.botID, "update_id", updateID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}
