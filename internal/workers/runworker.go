package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/tgbridge/internal/adapters"
	"github.com/basket/tgbridge/internal/metrics"
	otelx "github.com/basket/tgbridge/internal/otel"
	"github.com/basket/tgbridge/internal/persistence"
	"github.com/basket/tgbridge/internal/streaming"
	"github.com/basket/tgbridge/internal/summary"
	"github.com/basket/tgbridge/internal/telegram"
)

// DefaultRunTimeout bounds one CLI turn end to end.
const DefaultRunTimeout = 15 * time.Minute

// RunWorkerConfig tunes one bot's run worker.
type RunWorkerConfig struct {
	BotID         string
	DefaultModels map[string]string
	Workdir       string
	Sandbox       string
	RunTimeout    time.Duration
	PollInterval  time.Duration
}

// RunWorker executes CLI run jobs: it drives the adapter subprocess,
// persists every event before streaming it, and finishes the turn with
// the rolling summary updated whatever the outcome.
type RunWorker struct {
	cfg      RunWorkerConfig
	store    *persistence.Store
	registry *adapters.Registry
	streamer *streaming.Streamer
	client   telegram.Client
	metrics  *metrics.Service
	tracer   trace.Tracer
	logger   *slog.Logger
	owner    string
}

func NewRunWorker(
	cfg RunWorkerConfig,
	store *persistence.Store,
	registry *adapters.Registry,
	streamer *streaming.Streamer,
	client telegram.Client,
	metricsSvc *metrics.Service,
	tracer trace.Tracer,
	logger *slog.Logger,
) *RunWorker {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return &RunWorker{
		cfg:      cfg,
		store:    store,
		registry: registry,
		streamer: streamer,
		client:   client,
		metrics:  metricsSvc,
		tracer:   tracer,
		logger:   logger,
		owner:    fmt.Sprintf("run-worker:%s:%d", cfg.BotID, os.Getpid()),
	}
}

// Run claims and executes run jobs until ctx is cancelled.
func (w *RunWorker) Run(ctx context.Context) error {
	w.logger.Info("run worker started", "bot_id", w.cfg.BotID, "owner", w.owner)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			w.metrics.Inc(ctx, metrics.KeyRunWorkerHeartbeat)
			continue
		default:
		}

		job, err := w.store.ClaimNextRunJob(ctx, w.cfg.BotID, w.owner)
		if errors.Is(err, persistence.ErrNotFound) {
			if err := sleepCtx(ctx, w.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("claim run job failed", "bot_id", w.cfg.BotID, "error", err)
			if err := sleepCtx(ctx, w.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}

		w.execute(ctx, job)
	}
}

// turnOutcome accumulates what the event stream produced.
type turnOutcome struct {
	assistantParts []string
	commandNotes   []string
	errorText      string
	completed      string
}

func (w *RunWorker) execute(ctx context.Context, job *persistence.RunJob) {
	ctx, span := otelx.StartSpan(ctx, w.tracer, "run.execute",
		otelx.AttrBotID.String(job.BotID),
		otelx.AttrChatID.Int64(job.ChatID),
		otelx.AttrJobID.String(job.JobID),
		otelx.AttrTurnID.String(job.TurnID),
		otelx.AttrSession.String(job.SessionID),
	)
	defer span.End()

	if err := w.store.MarkRunInFlight(ctx, job.JobID, w.owner, job.TurnID); err != nil {
		w.logger.Error("mark run in flight failed", "bot_id", w.cfg.BotID, "job_id", job.JobID, "error", err)
		return
	}

	stopRenewal := startLeaseRenewal(ctx, w.store.LeaseDuration(), w.logger, func(hbCtx context.Context) (bool, error) {
		return w.store.HeartbeatRunJob(hbCtx, job.JobID, w.owner)
	})
	defer stopRenewal()
	defer w.streamer.CloseTurn(job.TurnID)
	defer w.promoteDeferred(ctx, job)

	sess, err := w.store.GetSession(ctx, job.SessionID)
	if err != nil {
		w.fail(ctx, job, sess, nil, "", fmt.Sprintf("load session: %v", err))
		return
	}
	span.SetAttributes(otelx.AttrAdapter.String(sess.AdapterName))

	turn, err := w.store.GetTurn(ctx, job.TurnID)
	if err != nil {
		w.fail(ctx, job, sess, nil, "", fmt.Sprintf("load turn: %v", err))
		return
	}

	adapter, err := w.registry.Get(sess.AdapterName)
	if err != nil {
		w.notifyChat(ctx, job.ChatID, fmt.Sprintf("Unknown provider for session: %s", sess.AdapterName))
		w.emitFailureEvents(ctx, job, err.Error())
		w.fail(ctx, job, sess, turn, "", err.Error())
		return
	}

	model := adapters.ResolveSelectedModel(sess.AdapterName, sess.AdapterModel, w.cfg.DefaultModels[sess.AdapterName])
	req := adapters.RunRequest{
		Prompt:   turn.UserText,
		Model:    model,
		Sandbox:  w.cfg.Sandbox,
		Workdir:  w.cfg.Workdir,
		Preamble: summary.BuildRecoveryPreamble(sess.RollingSummaryMD),
		ShouldCancel: func(cancelCtx context.Context) (bool, error) {
			return w.store.IsCancelRequested(cancelCtx, job.JobID)
		},
	}

	runCtx, cancelRun := context.WithTimeout(ctx, w.cfg.RunTimeout)
	defer cancelRun()

	var events <-chan adapters.Event
	if sess.AdapterThreadID != "" {
		events, err = adapter.ResumeTurn(runCtx, adapters.ResumeRequest{RunRequest: req, ThreadID: sess.AdapterThreadID})
	} else {
		events, err = adapter.StartTurn(runCtx, req)
	}
	if err != nil {
		if adapters.IsExecutableMissing(err) {
			msg := fmt.Sprintf("provider=%s executable not found; install CLI or switch with /mode codex", sess.AdapterName)
			w.notifyChat(ctx, job.ChatID, msg)
			w.emitFailureEvents(ctx, job, msg)
			w.fail(ctx, job, sess, turn, "", msg)
			return
		}
		msg := fmt.Sprintf("start turn: %v", err)
		w.emitFailureEvents(ctx, job, msg)
		w.fail(ctx, job, sess, turn, "", msg)
		return
	}

	seq, err := w.store.TurnEventCount(ctx, job.TurnID)
	if err != nil {
		w.logger.Error("read turn event count failed", "turn_id", job.TurnID, "error", err)
	}

	outcome := w.consume(ctx, job, sess, adapter, events, seq)
	cancelRun()

	timedOut := outcome.completed == "" && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if timedOut {
		outcome.errorText = fmt.Sprintf("run timed out after %s", w.cfg.RunTimeout)
	}

	cancelled, cancelErr := w.store.IsCancelRequested(ctx, job.JobID)
	if cancelErr != nil && !errors.Is(cancelErr, persistence.ErrNotFound) {
		w.logger.Warn("read cancel flag failed", "job_id", job.JobID, "error", cancelErr)
	}

	assistantText := strings.Join(outcome.assistantParts, "\n")

	switch {
	case outcome.completed == adapters.StatusCancelled || cancelled:
		if err := w.store.CancelRun(ctx, job.JobID, w.owner, job.TurnID); err != nil {
			w.logger.Error("cancel run failed", "job_id", job.JobID, "error", err)
		}
		w.upsertSummary(ctx, sess, turn, assistantText, outcome.commandNotes, "cancelled by user")

	case timedOut:
		// Exceeded the run budget without a terminal event; partial
		// assistant text does not make the turn a success.
		w.emitFailureEvents(ctx, job, outcome.errorText)
		w.fail(ctx, job, sess, turn, assistantText, outcome.errorText)

	case outcome.completed == adapters.StatusError || (outcome.errorText != "" && assistantText == ""):
		w.fail(ctx, job, sess, turn, assistantText, outcome.errorText)

	default:
		if err := w.store.CompleteRun(ctx, job.JobID, w.owner, job.TurnID, assistantText); err != nil {
			w.logger.Error("complete run failed", "job_id", job.JobID, "error", err)
		}
		w.upsertSummary(ctx, sess, turn, assistantText, outcome.commandNotes, outcome.errorText)
	}
}

// consume drains the adapter stream, persisting each event before any
// delivery attempt so a crash never loses what the CLI already said.
func (w *RunWorker) consume(ctx context.Context, job *persistence.RunJob, sess *persistence.Session, adapter adapters.Adapter, events <-chan adapters.Event, seq int) turnOutcome {
	var outcome turnOutcome
	threadSaved := sess.AdapterThreadID != ""

	for ev := range events {
		seq++
		w.persistEvent(ctx, job.TurnID, seq, ev)

		if !threadSaved {
			if tid := adapter.ThreadID(ev); tid != "" {
				if err := w.store.SetSessionThreadID(ctx, sess.SessionID, tid); err != nil {
					w.logger.Error("persist thread id failed", "session_id", sess.SessionID, "error", err)
				} else {
					sess.AdapterThreadID = tid
					threadSaved = true
				}
			}
		}

		switch ev.Type {
		case adapters.EventAssistantMessage:
			if text, ok := ev.Payload["text"].(string); ok && strings.TrimSpace(text) != "" {
				outcome.assistantParts = append(outcome.assistantParts, text)
			}
		case adapters.EventCommandCompleted:
			outcome.commandNotes = append(outcome.commandNotes, commandNote(ev.Payload))
		case adapters.EventError:
			if msg, ok := ev.Payload["message"].(string); ok && msg != "" {
				outcome.errorText = msg
			}
		case adapters.EventTurnCompleted:
			if status, ok := ev.Payload["status"].(string); ok {
				outcome.completed = status
			}
		}

		if ev.Type == adapters.EventArtifact {
			w.deliverArtifact(ctx, job, &seq, ev)
			continue
		}

		ev.Seq = seq
		if err := w.streamer.AppendEvent(ctx, job.TurnID, job.ChatID, ev); err != nil {
			w.reportDeliveryError(ctx, job, &seq, err)
		}
	}
	return outcome
}

func (w *RunWorker) persistEvent(ctx context.Context, turnID string, seq int, ev adapters.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	if err := w.store.AppendCliEvent(ctx, persistence.CliEvent{
		TurnID:      turnID,
		Seq:         seq,
		TS:          ev.TS,
		EventType:   ev.Type,
		PayloadJSON: string(payload),
	}); err != nil {
		w.logger.Error("persist cli event failed", "turn_id", turnID, "seq", seq, "error", err)
	}
}

// emitFailureEvents persists and streams synthetic error and
// turn_completed(error) events for runs that die before the adapter
// produces a terminal event, keeping the per-turn event envelope intact.
func (w *RunWorker) emitFailureEvents(ctx context.Context, job *persistence.RunJob, errMsg string) {
	seq, err := w.store.TurnEventCount(ctx, job.TurnID)
	if err != nil {
		w.logger.Error("read turn event count failed", "turn_id", job.TurnID, "error", err)
	}
	for _, ev := range []adapters.Event{
		{Type: adapters.EventError, Payload: map[string]any{"message": errMsg}},
		{Type: adapters.EventTurnCompleted, Payload: map[string]any{"status": adapters.StatusError}},
	} {
		seq++
		ev.Seq = seq
		ev.TS = time.Now().UTC().Format(time.RFC3339Nano)
		w.persistEvent(ctx, job.TurnID, seq, ev)
		if err := w.streamer.AppendEvent(ctx, job.TurnID, job.ChatID, ev); err != nil {
			w.logger.Error("stream failure event failed", "turn_id", job.TurnID, "error", err)
		}
	}
}

// reportDeliveryError records the failed delivery as its own persisted
// event and tells the chat, without failing the run.
func (w *RunWorker) reportDeliveryError(ctx context.Context, job *persistence.RunJob, seq *int, deliveryErr error) {
	w.logger.Error("event delivery failed",
		"bot_id", w.cfg.BotID, "turn_id", job.TurnID, "chat_id", job.ChatID, "error", deliveryErr)

	*seq++
	w.persistEvent(ctx, job.TurnID, *seq, adapters.Event{
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Type:    adapters.EventDeliveryError,
		Payload: map[string]any{"message": deliveryErr.Error()},
	})
	if err := w.streamer.AppendDeliveryError(ctx, job.TurnID, job.ChatID, deliveryErr.Error()); err != nil {
		w.logger.Error("delivery error notice failed", "turn_id", job.TurnID, "error", err)
	}
}

// deliverArtifact sends a produced file as a photo, falling back to a
// document when Telegram rejects the image.
func (w *RunWorker) deliverArtifact(ctx context.Context, job *persistence.RunJob, seq *int, ev adapters.Event) {
	path, _ := ev.Payload["path"].(string)
	caption, _ := ev.Payload["caption"].(string)
	if path == "" {
		return
	}
	if err := w.client.SendPhoto(ctx, job.ChatID, path, caption); err != nil {
		w.logger.Warn("artifact photo send failed, retrying as document",
			"turn_id", job.TurnID, "path", path, "error", err)
		if err := w.client.SendDocument(ctx, job.ChatID, path, caption); err != nil {
			w.reportDeliveryError(ctx, job, seq, fmt.Errorf("artifact %s: %w", path, err))
		}
	}
}

func (w *RunWorker) fail(ctx context.Context, job *persistence.RunJob, sess *persistence.Session, turn *persistence.Turn, assistantText, errText string) {
	if err := w.store.FailRun(ctx, job.JobID, w.owner, job.TurnID, assistantText, errText); err != nil {
		w.logger.Error("fail run failed", "job_id", job.JobID, "error", err)
	}
	provider := "unknown"
	if sess != nil {
		provider = sess.AdapterName
	}
	w.metrics.Inc(ctx, "provider_run_failed."+provider)
	w.logger.Error("run failed",
		"bot_id", w.cfg.BotID, "job_id", job.JobID, "turn_id", job.TurnID,
		"provider", provider, "error", errText)
	if sess != nil && turn != nil {
		w.upsertSummary(ctx, sess, turn, assistantText, nil, errText)
	}
}

// upsertSummary rebuilds the rolling summary after every finished turn,
// successful or not, so the next run always resumes from fresh context.
func (w *RunWorker) upsertSummary(ctx context.Context, sess *persistence.Session, turn *persistence.Turn, assistantText string, commandNotes []string, errText string) {
	next := summary.Build(summary.Input{
		PreviousSummary: sess.RollingSummaryMD,
		UserText:        turn.UserText,
		AssistantText:   assistantText,
		CommandNotes:    commandNotes,
		ErrorText:       errText,
	})
	if err := w.store.UpsertSessionSummary(ctx, sess.SessionID, next); err != nil {
		w.logger.Error("upsert rolling summary failed", "session_id", sess.SessionID, "error", err)
		return
	}
	sess.RollingSummaryMD = next
}

func (w *RunWorker) promoteDeferred(ctx context.Context, job *persistence.RunJob) {
	action, turn, err := w.store.PromoteNextDeferredAction(ctx, job.BotID, job.ChatID)
	if err != nil {
		w.logger.Error("promote deferred action failed", "bot_id", job.BotID, "chat_id", job.ChatID, "error", err)
		return
	}
	if action == nil {
		return
	}
	w.logger.Info("deferred action promoted",
		"bot_id", job.BotID, "chat_id", job.ChatID, "action", action.ActionType, "turn_id", turn.TurnID)
	w.notifyChat(ctx, job.ChatID, fmt.Sprintf("[button] queued %s: %s", action.ActionType, turn.TurnID))
}

func (w *RunWorker) notifyChat(ctx context.Context, chatID int64, text string) {
	if _, err := w.client.SendMessage(ctx, chatID, text, telegram.SendOptions{}); err != nil {
		w.logger.Error("notify chat failed", "bot_id", w.cfg.BotID, "chat_id", chatID, "error", err)
	}
}

func commandNote(payload map[string]any) string {
	command, _ := payload["command"].(string)
	if command == "" {
		command = "(command)"
	}
	if exit, ok := payload["exit_code"]; ok {
		return fmt.Sprintf("%s (exit=%v)", command, exit)
	}
	return command
}
