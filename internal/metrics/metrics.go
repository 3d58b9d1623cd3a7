// Package metrics fronts the durable per-bot counters. Increments land
// in the store and are mirrored to an OpenTelemetry counter; counter
// failures are logged and never propagate into the calling workflow.
package metrics

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/tgbridge/internal/persistence"
)

// Counter keys with fixed names. Dynamic keys append a suffix, e.g.
// "telegram_rate_limit_retry.sendMessage".
const (
	KeyWebhookAcceptTotal     = "webhook_accept_total"
	KeyWebhookDuplicateUpdate = "webhook_duplicate_update"
	KeyWebhookReject401       = "webhook_reject_401"
	KeyWebhookReject400       = "webhook_reject_400"
	KeyCallbackAckSuccess     = "callback_ack_success"
	KeyCallbackAckFailed      = "callback_ack_failed"
	KeyUpdateWorkerHeartbeat  = "worker_heartbeat.update_worker"
	KeyRunWorkerHeartbeat     = "worker_heartbeat.run_worker"
	KeyRateLimitRetryTotal    = "telegram_rate_limit_retry_total"
)

// Service increments and reads one bot's counters.
type Service struct {
	store  *persistence.Store
	botID  string
	logger *slog.Logger
	mirror metric.Int64Counter
}

func NewService(store *persistence.Store, botID string, logger *slog.Logger, mirror metric.Int64Counter) *Service {
	return &Service{store: store, botID: botID, logger: logger, mirror: mirror}
}

// Inc bumps a counter by one.
func (s *Service) Inc(ctx context.Context, key string) {
	s.Add(ctx, key, 1)
}

// Add bumps a counter by delta.
func (s *Service) Add(ctx context.Context, key string, delta int64) {
	if err := s.store.IncrementMetric(ctx, s.botID, key, delta); err != nil {
		if s.logger != nil {
			s.logger.Warn("metric increment failed", "bot_id", s.botID, "metric_key", key, "error", err)
		}
	}
	if s.mirror != nil {
		s.mirror.Add(ctx, delta, metric.WithAttributes(
			attribute.String("bot_id", s.botID),
			attribute.String("metric_key", key),
		))
	}
}

// Value reads one counter, zero when absent.
func (s *Service) Value(ctx context.Context, key string) (int64, error) {
	return s.store.MetricValue(ctx, s.botID, key)
}

// Snapshot aggregates queue depths and runtime counters for the bot.
func (s *Service) Snapshot(ctx context.Context) (*persistence.MetricsSnapshot, error) {
	return s.store.Snapshot(ctx, s.botID)
}
