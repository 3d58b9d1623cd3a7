package persistence

import (
	"context"
	"fmt"
)

// IncrementMetric adds delta to a durable per-bot counter.
func (s *Store) IncrementMetric(ctx context.Context, botID, key string, delta int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runtime_metric_counters (bot_id, metric_key, metric_value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (bot_id, metric_key) DO UPDATE SET
				metric_value = metric_value + excluded.metric_value,
				updated_at = excluded.updated_at;
		`, botID, key, delta, nowMillis())
		return err
	})
	if err != nil {
		return fmt.Errorf("increment metric %s: %w", key, err)
	}
	return nil
}

// MetricValue reads one counter, zero when absent.
func (s *Store) MetricValue(ctx context.Context, botID, key string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(
			(SELECT metric_value FROM runtime_metric_counters WHERE bot_id = ? AND metric_key = ?), 0);
	`, botID, key).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read metric %s: %w", key, err)
	}
	return v, nil
}

// MetricsSnapshot is the per-bot operational readout served on /metrics.
type MetricsSnapshot struct {
	BotID              string           `json:"bot_id"`
	UpdateJobsTotal    int64            `json:"update_jobs_total"`
	UpdateJobsByStatus map[string]int64 `json:"update_jobs_by_status"`
	RunJobsTotal       int64            `json:"run_jobs_total"`
	RunJobsByStatus    map[string]int64 `json:"run_jobs_by_status"`
	RunJobsInFlight    int64            `json:"run_jobs_in_flight"`
	RuntimeCounters    map[string]int64 `json:"runtime_counters"`
}

// Snapshot aggregates queue depths and runtime counters for one bot.
func (s *Store) Snapshot(ctx context.Context, botID string) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		BotID:              botID,
		UpdateJobsByStatus: map[string]int64{},
		RunJobsByStatus:    map[string]int64{},
		RuntimeCounters:    map[string]int64{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM telegram_update_jobs WHERE bot_id = ? GROUP BY status;
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("snapshot update jobs: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan update job count: %w", err)
		}
		snap.UpdateJobsByStatus[status] = n
		snap.UpdateJobsTotal += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate update job counts: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM cli_run_jobs WHERE bot_id = ? GROUP BY status;
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("snapshot run jobs: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run job count: %w", err)
		}
		snap.RunJobsByStatus[status] = n
		snap.RunJobsTotal += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run job counts: %w", err)
	}
	snap.RunJobsInFlight = snap.RunJobsByStatus[string(RunJobLeased)] + snap.RunJobsByStatus[string(RunJobInFlight)]

	rows, err = s.db.QueryContext(ctx, `
		SELECT metric_key, metric_value FROM runtime_metric_counters WHERE bot_id = ?;
	`, botID)
	if err != nil {
		return nil, fmt.Errorf("snapshot counters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var v int64
		if err := rows.Scan(&key, &v); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		snap.RuntimeCounters[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counters: %w", err)
	}
	return snap, nil
}

// AppendAuditLog records an owner-sensitive action.
func (s *Store) AppendAuditLog(ctx context.Context, entry AuditEntry) error {
	detail := entry.DetailJSON
	if detail == "" {
		detail = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (bot_id, chat_id, actor, action, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, entry.BotID, entry.ChatID, entry.Actor, entry.Action, detail, nowMillis())
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns the newest audit entries for a bot.
func (s *Store) ListAuditLogs(ctx context.Context, botID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, bot_id, COALESCE(chat_id, 0), actor, action, detail_json, created_at
		FROM audit_logs WHERE bot_id = ?
		ORDER BY audit_id DESC LIMIT ?;
	`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.AuditID, &e.BotID, &e.ChatID, &e.Actor, &e.Action, &e.DetailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return out, nil
}
