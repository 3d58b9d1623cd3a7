// Package maintenance runs the periodic housekeeping sweeps: returning
// expired queue leases, pruning dead action tokens, and trimming
// processed ingress updates past their retention window.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/tgbridge/internal/persistence"
)

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger

	// LeaseSweepEvery and TokenPruneEvery default to 30s and 1h.
	LeaseSweepEvery time.Duration
	TokenPruneEvery time.Duration

	// UpdateSweepEvery defaults to 6h; UpdateRetention to 72h.
	UpdateSweepEvery time.Duration
	UpdateRetention  time.Duration
}

// Scheduler owns the cron instance driving the sweeps.
type Scheduler struct {
	store  *persistence.Store
	logger *slog.Logger
	cron   *cronlib.Cron

	leaseSweepEvery  time.Duration
	tokenPruneEvery  time.Duration
	updateSweepEvery time.Duration
	updateRetention  time.Duration
}

func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	leaseEvery := cfg.LeaseSweepEvery
	if leaseEvery <= 0 {
		leaseEvery = 30 * time.Second
	}
	pruneEvery := cfg.TokenPruneEvery
	if pruneEvery <= 0 {
		pruneEvery = time.Hour
	}
	updateEvery := cfg.UpdateSweepEvery
	if updateEvery <= 0 {
		updateEvery = 6 * time.Hour
	}
	retention := cfg.UpdateRetention
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &Scheduler{
		store:            cfg.Store,
		logger:           logger,
		cron:             cronlib.New(),
		leaseSweepEvery:  leaseEvery,
		tokenPruneEvery:  pruneEvery,
		updateSweepEvery: updateEvery,
		updateRetention:  retention,
	}
}

// Start registers the sweeps and begins ticking. The lease sweep also
// fires once immediately so a restart reclaims stale leases right away.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every "+s.leaseSweepEvery.String(), func() { s.SweepLeases(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every "+s.tokenPruneEvery.String(), func() { s.PruneTokens(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every "+s.updateSweepEvery.String(), func() { s.SweepUpdates(ctx) }); err != nil {
		return err
	}
	s.SweepLeases(ctx)
	s.cron.Start()
	s.logger.Info("maintenance scheduler started",
		"lease_sweep_every", s.leaseSweepEvery,
		"token_prune_every", s.tokenPruneEvery,
		"update_sweep_every", s.updateSweepEvery)
	return nil
}

// Stop halts the cron loop and waits for running sweeps to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("maintenance scheduler stopped")
}

// SweepLeases requeues expired update and run leases.
func (s *Scheduler) SweepLeases(ctx context.Context) {
	updates, err := s.store.RequeueExpiredUpdateLeases(ctx)
	if err != nil {
		s.logger.Error("requeue expired update leases failed", "error", err)
	}
	runs, err := s.store.RequeueExpiredRunLeases(ctx)
	if err != nil {
		s.logger.Error("requeue expired run leases failed", "error", err)
	}
	if updates > 0 || runs > 0 {
		s.logger.Info("expired leases requeued", "update_jobs", updates, "run_jobs", runs)
	}
}

// PruneTokens removes expired unconsumed action tokens.
func (s *Scheduler) PruneTokens(ctx context.Context) {
	pruned, err := s.store.PruneExpiredActionTokens(ctx)
	if err != nil {
		s.logger.Error("prune expired action tokens failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("expired action tokens pruned", "count", pruned)
	}
}

// SweepUpdates trims processed ingress jobs past the retention window.
func (s *Scheduler) SweepUpdates(ctx context.Context) {
	pruned, err := s.store.PruneProcessedUpdates(ctx, s.updateRetention)
	if err != nil {
		s.logger.Error("prune processed updates failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("processed updates pruned", "count", pruned, "retention", s.updateRetention)
	}
}
