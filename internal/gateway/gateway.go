// Package gateway is the bridge's HTTP surface: webhook ingress for
// every webhook-mode bot, health and readiness probes, and per-bot
// metrics snapshots.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/basket/tgbridge/internal/metrics"
	"github.com/basket/tgbridge/internal/persistence"
	"github.com/basket/tgbridge/internal/telegram"
)

const shutdownGrace = 10 * time.Second

// Bot is one bot's view the gateway exposes: its store for readiness,
// its metrics service, and an optional webhook endpoint to mount.
type Bot struct {
	BotID   string
	Store   *persistence.Store
	Metrics *metrics.Service
	Webhook *telegram.WebhookEndpoint
}

// Config holds the gateway dependencies.
type Config struct {
	Addr   string
	Logger *slog.Logger
	Bots   []Bot
}

// Server serves the HTTP surface for all bots in the process.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	http *http.Server
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler builds the route table. Exposed separately so tests can drive
// it without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /metrics/{bot_id}", s.handleMetrics)
	for _, bot := range s.cfg.Bots {
		if bot.Webhook != nil {
			bot.Webhook.Register(mux)
		}
	}
	return mux
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("gateway shutdown failed", "error", err)
			_ = srv.Close()
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":         true,
		"bots":            len(s.cfg.Bots),
		"goroutines":      runtime.NumGoroutine(),
		"heap_alloc_mb":   mem.HeapAlloc / (1 << 20),
		"uptime_check_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyz pings every bot's database. Any failing store makes the
// whole process not ready.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	perBot := make(map[string]bool, len(s.cfg.Bots))
	for _, bot := range s.cfg.Bots {
		ok := bot.Store.Ping(ctx) == nil
		perBot[bot.BotID] = ok
		if !ok {
			ready = false
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "bots": perBot})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	for _, bot := range s.cfg.Bots {
		if bot.BotID != botID {
			continue
		}
		snap, err := bot.Metrics.Snapshot(r.Context())
		if err != nil {
			s.logger.Error("metrics snapshot failed", "bot_id", botID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	http.Error(w, "unknown bot", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
