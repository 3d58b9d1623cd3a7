// Package workers drains the two durable queues: ingress updates and CLI
// runs. Both workers claim jobs under a lease, renew it while working,
// and report progress through DB-backed heartbeat counters so a stalled
// worker is visible from /metrics.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/tgbridge/internal/metrics"
	"github.com/basket/tgbridge/internal/persistence"
	"github.com/basket/tgbridge/internal/telegram"
)

const heartbeatInterval = 5 * time.Second

// UpdateWorker claims ingress jobs and dispatches them to the command
// handler. Handler failures requeue with backoff; envelopes that cannot
// be keyed fail permanently.
type UpdateWorker struct {
	botID        string
	store        *persistence.Store
	handler      *telegram.CommandHandler
	metrics      *metrics.Service
	logger       *slog.Logger
	owner        string
	pollInterval time.Duration
}

func NewUpdateWorker(botID string, store *persistence.Store, handler *telegram.CommandHandler, metricsSvc *metrics.Service, logger *slog.Logger, pollInterval time.Duration) *UpdateWorker {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &UpdateWorker{
		botID:        botID,
		store:        store,
		handler:      handler,
		metrics:      metricsSvc,
		logger:       logger,
		owner:        fmt.Sprintf("update-worker:%s:%d", botID, os.Getpid()),
		pollInterval: pollInterval,
	}
}

// Run claims and processes jobs until ctx is cancelled.
func (w *UpdateWorker) Run(ctx context.Context) error {
	w.logger.Info("update worker started", "bot_id", w.botID, "owner", w.owner)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			w.metrics.Inc(ctx, metrics.KeyUpdateWorkerHeartbeat)
			continue
		default:
		}

		job, err := w.store.ClaimNextUpdateJob(ctx, w.botID, w.owner)
		if errors.Is(err, persistence.ErrNotFound) {
			if err := sleepCtx(ctx, w.pollInterval); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("claim update job failed", "bot_id", w.botID, "error", err)
			if err := sleepCtx(ctx, w.pollInterval); err != nil {
				return err
			}
			continue
		}

		w.process(ctx, job)
	}
}

func (w *UpdateWorker) process(ctx context.Context, job *persistence.UpdateJob) {
	stopRenewal := w.renewLease(ctx, func(hbCtx context.Context) (bool, error) {
		return w.store.HeartbeatUpdateJob(hbCtx, job.JobID, w.owner)
	})
	defer stopRenewal()

	raw := []byte(job.PayloadJSON)
	if _, ok := telegram.ExtractUpdateID(raw); !ok {
		w.logger.Error("update payload not decodable, failing permanently",
			"bot_id", w.botID, "job_id", job.JobID, "update_id", job.UpdateID)
		if _, err := w.store.FailUpdateJob(ctx, job.JobID, w.owner, "payload decode failed", true); err != nil {
			w.logger.Error("permanent fail failed", "bot_id", w.botID, "job_id", job.JobID, "error", err)
		}
		return
	}

	upd, ok := telegram.ParseIncoming(raw)
	if !ok {
		// Valid envelope the bridge does not act on (edited messages,
		// channel posts). Complete it so it never retries.
		if err := w.store.CompleteUpdateJob(ctx, job.JobID, w.owner); err != nil {
			w.logger.Error("complete ignorable update failed", "bot_id", w.botID, "job_id", job.JobID, "error", err)
		}
		return
	}

	if err := w.handler.HandleUpdate(ctx, upd); err != nil {
		requeued, failErr := w.store.FailUpdateJob(ctx, job.JobID, w.owner, err.Error(), false)
		if failErr != nil {
			w.logger.Error("fail update job failed", "bot_id", w.botID, "job_id", job.JobID, "error", failErr)
			return
		}
		w.logger.Error("update handling failed",
			"bot_id", w.botID, "job_id", job.JobID, "update_id", job.UpdateID,
			"requeued", requeued, "error", err)
		return
	}

	if err := w.store.CompleteUpdateJob(ctx, job.JobID, w.owner); err != nil {
		w.logger.Error("complete update job failed", "bot_id", w.botID, "job_id", job.JobID, "error", err)
	}
}

// renewLease extends the job lease at half the lease duration until the
// returned stop function runs.
func (w *UpdateWorker) renewLease(ctx context.Context, heartbeat func(context.Context) (bool, error)) func() {
	return startLeaseRenewal(ctx, w.store.LeaseDuration(), w.logger, heartbeat)
}

func startLeaseRenewal(ctx context.Context, lease time.Duration, logger *slog.Logger, heartbeat func(context.Context) (bool, error)) func() {
	interval := lease / 2
	if interval < time.Second {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ok, err := heartbeat(ctx); err != nil {
					logger.Warn("lease heartbeat failed", "error", err)
				} else if !ok {
					logger.Warn("lease heartbeat lost ownership")
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
