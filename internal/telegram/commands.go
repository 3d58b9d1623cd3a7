package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tgbridge/internal/actions"
	"github.com/basket/tgbridge/internal/adapters"
	"github.com/basket/tgbridge/internal/metrics"
	"github.com/basket/tgbridge/internal/persistence"
	"github.com/basket/tgbridge/internal/youtube"
)

// inlineActions are the buttons attached to every queued turn.
var inlineActions = []string{actions.ActionSummary, actions.ActionRegenerate, actions.ActionNext, actions.ActionStop}

const maxDeferredQueue = 10

// BotIdentity is the slice of bot config the command handler needs.
type BotIdentity struct {
	BotID         string
	BotName       string
	Adapter       string
	OwnerUserID   int64
	DefaultModels map[string]string
}

// YoutubeSearcher resolves a query to the first matching video.
type YoutubeSearcher interface {
	SearchFirstVideo(ctx context.Context, query string) (*youtube.Result, error)
}

// CommandHandler interprets one bot's slash commands, plain text turns,
// and inline button callbacks.
type CommandHandler struct {
	bot     BotIdentity
	client  Client
	store   *persistence.Store
	tokens  *actions.TokenService
	search  YoutubeSearcher
	metrics *metrics.Service
	logger  *slog.Logger

	// lookPath is swapped in tests to control /providers output.
	lookPath func(name string) (string, error)
}

func NewCommandHandler(
	bot BotIdentity,
	client Client,
	store *persistence.Store,
	tokens *actions.TokenService,
	search YoutubeSearcher,
	metricsSvc *metrics.Service,
	logger *slog.Logger,
) *CommandHandler {
	return &CommandHandler{
		bot:      bot,
		client:   client,
		store:    store,
		tokens:   tokens,
		search:   search,
		metrics:  metricsSvc,
		logger:   logger,
		lookPath: exec.LookPath,
	}
}

// HandleUpdate processes one parsed update end to end. Callback queries
// are always answered exactly once, whatever else fails.
func (h *CommandHandler) HandleUpdate(ctx context.Context, upd *IncomingUpdate) error {
	if h.bot.OwnerUserID != 0 && upd.UserID != h.bot.OwnerUserID {
		if upd.IsCallback() {
			h.safeAnswerCallback(ctx, upd.CallbackQueryID, "Access denied")
			return nil
		}
		_, err := h.client.SendMessage(ctx, upd.ChatID, "Access denied: owner only.", SendOptions{})
		return err
	}

	if upd.IsCallback() {
		if upd.CallbackData == "" {
			h.safeAnswerCallback(ctx, upd.CallbackQueryID, "Unsupported action")
			return nil
		}
		if err := h.handleCallback(ctx, upd.ChatID, upd.CallbackQueryID, upd.CallbackData); err != nil {
			h.logger.Error("callback handling failed",
				"bot_id", h.bot.BotID, "chat_id", upd.ChatID, "update_id", upd.UpdateID, "error", err)
			h.safeAnswerCallback(ctx, upd.CallbackQueryID, "Action failed")
			return err
		}
		return nil
	}

	text := strings.TrimSpace(upd.Text)
	if text == "" {
		return nil
	}

	if intent, query := parseYoutubeIntent(text); intent && h.search != nil {
		if query == "" {
			_, err := h.client.SendMessage(ctx, upd.ChatID,
				"YouTube 검색어를 함께 입력해 주세요. 예: 파이썬 asyncio 유튜브 찾아줘", SendOptions{})
			return err
		}
		return h.handleYoutubeSearch(ctx, upd.ChatID, query)
	}

	if strings.HasPrefix(text, "/") {
		return h.handleCommand(ctx, upd.ChatID, text)
	}
	return h.enqueuePlainTurn(ctx, upd.ChatID, text)
}

func (h *CommandHandler) enqueuePlainTurn(ctx context.Context, chatID int64, text string) error {
	adapterName := h.resolveChatAdapter(ctx, chatID)
	adapterModel := h.providerDefaultModel(adapterName)
	sess, err := h.store.GetOrCreateActiveSession(ctx, h.bot.BotID, chatID, adapterName, adapterModel)
	if err != nil {
		return fmt.Errorf("get or create session: %w", err)
	}

	turn, _, err := h.store.CreateTurnWithRunJob(ctx, sess, text)
	if errors.Is(err, persistence.ErrActiveRunExists) {
		_, sendErr := h.client.SendMessage(ctx, chatID, "A run is already active in this chat. Use /stop first.", SendOptions{})
		return sendErr
	}
	if err != nil {
		return fmt.Errorf("enqueue turn: %w", err)
	}

	reply := fmt.Sprintf("Queued turn: %s\nsession=%s\nagent=%s", turn.TurnID, sess.SessionID, adapterName)
	_, err = h.client.SendMessage(ctx, chatID, reply, SendOptions{
		ReplyMarkup: h.buildTurnActionKeyboard(ctx, chatID, sess.SessionID, turn.TurnID),
	})
	return err
}

func (h *CommandHandler) handleCallback(ctx context.Context, chatID int64, callbackID, data string) error {
	if data == "stop_run" {
		stopped, err := h.store.RequestCancelActiveRun(ctx, h.bot.BotID, chatID)
		if err != nil {
			return err
		}
		h.answerCallback(ctx, callbackID, stopAnswer(stopped))
		return nil
	}

	if !strings.HasPrefix(data, "act:") || h.tokens == nil {
		h.answerCallback(ctx, callbackID, "Unsupported action")
		return nil
	}
	token := strings.TrimSpace(strings.TrimPrefix(data, "act:"))
	if token == "" {
		h.answerCallback(ctx, callbackID, "Invalid action token")
		return nil
	}

	payload, err := h.tokens.Consume(ctx, token, h.bot.BotID, chatID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) || errors.Is(err, persistence.ErrTokenExpired) ||
			errors.Is(err, persistence.ErrTokenConsumed) || errors.Is(err, persistence.ErrTokenMismatch) {
			h.answerCallback(ctx, callbackID, "Action expired or already used")
			return nil
		}
		return err
	}

	if payload.RunSource == "direct_cancel" || payload.ActionType == actions.ActionStop {
		stopped, err := h.store.RequestCancelActiveRun(ctx, h.bot.BotID, chatID)
		if err != nil {
			return err
		}
		h.answerCallback(ctx, callbackID, stopAnswer(stopped))
		return nil
	}

	switch payload.ActionType {
	case actions.ActionSummary, actions.ActionRegenerate, actions.ActionNext:
	default:
		h.answerCallback(ctx, callbackID, "Unknown action")
		return nil
	}

	promptText, err := h.buildPromptFromAction(ctx, payload)
	if err != nil || promptText == "" {
		h.answerCallback(ctx, callbackID, "Cannot build prompt for action")
		return nil
	}

	deferIt := func() error {
		if _, err := h.store.EnqueueDeferredAction(ctx, persistence.DeferredAction{
			BotID:        h.bot.BotID,
			ChatID:       chatID,
			SessionID:    payload.SessionID,
			ActionType:   payload.ActionType,
			PromptText:   promptText,
			OriginTurnID: payload.OriginTurnID,
		}, maxDeferredQueue); err != nil {
			return err
		}
		h.answerCallback(ctx, callbackID, "Queued after current run")
		// The callback is answered and the token consumed; a failed notice
		// must not requeue the update and replay the action.
		if _, sendErr := h.client.SendMessage(ctx, chatID,
			fmt.Sprintf("[button] queued %s action.", payload.ActionType), SendOptions{}); sendErr != nil {
			h.logger.Warn("deferred action notice failed",
				"bot_id", h.bot.BotID, "chat_id", chatID, "error", sendErr)
		}
		return nil
	}

	if _, err := h.store.ActiveRunJob(ctx, h.bot.BotID, chatID); err == nil {
		return deferIt()
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	sess, err := h.store.GetSession(ctx, payload.SessionID)
	if err != nil {
		return fmt.Errorf("load action session: %w", err)
	}
	turn, _, err := h.store.CreateTurnWithRunJob(ctx, sess, promptText)
	if errors.Is(err, persistence.ErrActiveRunExists) {
		return deferIt()
	}
	if err != nil {
		return fmt.Errorf("enqueue button turn: %w", err)
	}

	h.answerCallback(ctx, callbackID, "Started")
	if _, sendErr := h.client.SendMessage(ctx, chatID,
		fmt.Sprintf("[button] queued %s: %s", payload.ActionType, turn.TurnID), SendOptions{
			ReplyMarkup: h.buildTurnActionKeyboard(ctx, chatID, payload.SessionID, turn.TurnID),
		}); sendErr != nil {
		h.logger.Warn("button turn notice failed",
			"bot_id", h.bot.BotID, "chat_id", chatID, "turn_id", turn.TurnID, "error", sendErr)
	}
	return nil
}

func (h *CommandHandler) handleCommand(ctx context.Context, chatID int64, text string) error {
	command, arg := splitCommand(text)

	switch command {
	case "/start":
		_, err := h.client.SendMessage(ctx, chatID, h.welcomeText(), SendOptions{})
		return err

	case "/help":
		_, err := h.client.SendMessage(ctx, chatID, helpText, SendOptions{})
		return err

	case "/youtube", "/yt":
		if h.search == nil {
			_, err := h.client.SendMessage(ctx, chatID, "YouTube search is not enabled.", SendOptions{})
			return err
		}
		if arg == "" {
			_, err := h.client.SendMessage(ctx, chatID, "Usage: /youtube <query>", SendOptions{})
			return err
		}
		return h.handleYoutubeSearch(ctx, chatID, arg)

	case "/new", "/reset":
		adapterName := h.resolveChatAdapter(ctx, chatID)
		sess, err := h.store.CreateFreshSession(ctx, h.bot.BotID, chatID, adapterName, h.providerDefaultModel(adapterName))
		if err != nil {
			return fmt.Errorf("create fresh session: %w", err)
		}
		h.audit(ctx, chatID, command, map[string]any{"session_id": sess.SessionID})
		reply := fmt.Sprintf("New session created: %s (adapter=%s)", sess.SessionID, adapterName)
		if command == "/reset" {
			reply = fmt.Sprintf("Session reset. New session=%s (adapter=%s)", sess.SessionID, adapterName)
		}
		_, err = h.client.SendMessage(ctx, chatID, reply, SendOptions{})
		return err

	case "/status":
		sess, err := h.store.ActiveSession(ctx, h.bot.BotID, chatID)
		if errors.Is(err, persistence.ErrNotFound) {
			_, sendErr := h.client.SendMessage(ctx, chatID, "No session yet. Send a message to start.", SendOptions{})
			return sendErr
		}
		if err != nil {
			return err
		}
		model := adapters.ResolveSelectedModel(sess.AdapterName, sess.AdapterModel, h.bot.DefaultModels[sess.AdapterName])
		summaries, _ := h.store.SessionSummaryCount(ctx, sess.SessionID)
		deferred, _ := h.store.PendingDeferredCount(ctx, h.bot.BotID, chatID)
		_, err = h.client.SendMessage(ctx, chatID, strings.Join([]string{
			"bot=" + h.bot.BotID,
			"adapter=" + sess.AdapterName,
			"model=" + orDefault(model),
			"session=" + sess.SessionID,
			"thread=" + orNone(sess.AdapterThreadID),
			fmt.Sprintf("summaries=%d", summaries),
			fmt.Sprintf("deferred=%d", deferred),
			"summary=" + orNone(summaryPreview(sess.RollingSummaryMD)),
		}, "\n"), SendOptions{})
		return err

	case "/summary":
		summary := ""
		if sess, err := h.store.ActiveSession(ctx, h.bot.BotID, chatID); err == nil {
			summary = sess.RollingSummaryMD
		}
		if strings.TrimSpace(summary) == "" {
			_, err := h.client.SendMessage(ctx, chatID, "No summary yet.", SendOptions{})
			return err
		}
		_, err := h.client.SendMessage(ctx, chatID, "Summary:\n"+clipRunes(summary, 3500), SendOptions{})
		return err

	case "/mode":
		return h.handleModeCommand(ctx, chatID, arg)

	case "/model":
		return h.handleModelCommand(ctx, chatID, arg)

	case "/providers":
		return h.handleProvidersCommand(ctx, chatID)

	case "/stop":
		stopped, err := h.store.RequestCancelActiveRun(ctx, h.bot.BotID, chatID)
		if err != nil {
			return err
		}
		h.audit(ctx, chatID, command, map[string]any{"stopped": stopped})
		reply := "No active run."
		if stopped {
			reply = "Stop requested."
		}
		_, err = h.client.SendMessage(ctx, chatID, reply, SendOptions{})
		return err

	case "/echo":
		if arg == "" {
			arg = "(empty)"
		}
		_, err := h.client.SendMessage(ctx, chatID, arg, SendOptions{})
		return err
	}

	_, err := h.client.SendMessage(ctx, chatID, fmt.Sprintf("Unknown command: %s\n\n%s", command, helpText), SendOptions{})
	return err
}

func (h *CommandHandler) handleModeCommand(ctx context.Context, chatID int64, arg string) error {
	sess, err := h.store.ActiveSession(ctx, h.bot.BotID, chatID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	currentAdapter := h.bot.Adapter
	sessionModel := ""
	if sess != nil {
		currentAdapter = sess.AdapterName
		sessionModel = sess.AdapterModel
	}
	currentModel := orDefault(adapters.ResolveSelectedModel(currentAdapter, sessionModel, h.bot.DefaultModels[currentAdapter]))

	if arg == "" {
		_, err := h.client.SendMessage(ctx, chatID, strings.Join([]string{
			fmt.Sprintf("mode=cli adapter=%s model=%s", currentAdapter, currentModel),
			"usage: /mode <codex|gemini|claude>",
			"providers=" + strings.Join(adapters.SupportedProviders, ", "),
		}, "\n"), SendOptions{})
		return err
	}

	nextAdapter := strings.ToLower(strings.TrimSpace(arg))
	if !adapters.IsSupportedProvider(nextAdapter) {
		_, err := h.client.SendMessage(ctx, chatID,
			fmt.Sprintf("Unsupported provider: %s. Use one of: %s", arg, strings.Join(adapters.SupportedProviders, ", ")),
			SendOptions{})
		return err
	}
	if nextAdapter == currentAdapter {
		_, err := h.client.SendMessage(ctx, chatID, "mode unchanged: adapter="+currentAdapter, SendOptions{})
		return err
	}

	if _, err := h.store.ActiveRunJob(ctx, h.bot.BotID, chatID); err == nil {
		_, sendErr := h.client.SendMessage(ctx, chatID, "A run is active. Use /stop first, then retry /mode.", SendOptions{})
		return sendErr
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	nextModel := h.providerDefaultModel(nextAdapter)
	if sess == nil {
		sess, err = h.store.GetOrCreateActiveSession(ctx, h.bot.BotID, chatID, nextAdapter, nextModel)
		if err != nil {
			return err
		}
	}
	if err := h.store.SetSessionAdapter(ctx, sess.SessionID, nextAdapter, nextModel); err != nil {
		return fmt.Errorf("switch adapter: %w", err)
	}

	h.metrics.Inc(ctx, "provider_switch_total."+nextAdapter)
	h.audit(ctx, chatID, "/mode", map[string]any{"from": currentAdapter, "to": nextAdapter})
	h.logger.Info("provider switched",
		"bot_id", h.bot.BotID, "chat_id", chatID, "from", currentAdapter, "to", nextAdapter)

	_, err = h.client.SendMessage(ctx, chatID, strings.Join([]string{
		fmt.Sprintf("mode switched: %s -> %s", currentAdapter, nextAdapter),
		"model=" + orDefault(nextModel),
		"session=" + sess.SessionID,
		"context continuity: rolling summary retained, provider thread reset.",
	}, "\n"), SendOptions{})
	return err
}

func (h *CommandHandler) handleModelCommand(ctx context.Context, chatID int64, arg string) error {
	sess, err := h.store.ActiveSession(ctx, h.bot.BotID, chatID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}
	currentAdapter := h.bot.Adapter
	sessionModel := ""
	if sess != nil {
		currentAdapter = sess.AdapterName
		sessionModel = sess.AdapterModel
	}
	currentModel := orDefault(adapters.ResolveSelectedModel(currentAdapter, sessionModel, h.bot.DefaultModels[currentAdapter]))
	allowed := adapters.AvailableModels(currentAdapter)

	if arg == "" {
		_, err := h.client.SendMessage(ctx, chatID, strings.Join([]string{
			"adapter=" + currentAdapter,
			"model=" + currentModel,
			"available_models=" + providerModelsText(currentAdapter),
			"usage: /model <model-name>",
		}, "\n"), SendOptions{})
		return err
	}

	nextModel := strings.TrimSpace(arg)
	if len(allowed) == 0 {
		_, err := h.client.SendMessage(ctx, chatID, "No selectable model for provider="+currentAdapter, SendOptions{})
		return err
	}
	if !adapters.IsAllowedModel(currentAdapter, nextModel) {
		_, err := h.client.SendMessage(ctx, chatID,
			fmt.Sprintf("Unsupported model for %s: %s\nallowed=%s", currentAdapter, nextModel, providerModelsText(currentAdapter)),
			SendOptions{})
		return err
	}

	if _, err := h.store.ActiveRunJob(ctx, h.bot.BotID, chatID); err == nil {
		_, sendErr := h.client.SendMessage(ctx, chatID, "A run is active. Use /stop first, then retry /model.", SendOptions{})
		return sendErr
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	if sess == nil {
		sess, err = h.store.GetOrCreateActiveSession(ctx, h.bot.BotID, chatID, currentAdapter, nextModel)
		if err != nil {
			return err
		}
	}
	if err := h.store.SetSessionModel(ctx, sess.SessionID, nextModel); err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	h.audit(ctx, chatID, "/model", map[string]any{"from": currentModel, "to": nextModel})

	_, err = h.client.SendMessage(ctx, chatID, strings.Join([]string{
		fmt.Sprintf("model updated: %s -> %s", currentModel, nextModel),
		"adapter=" + currentAdapter,
		"model=" + nextModel,
		"session=" + sess.SessionID,
	}, "\n"), SendOptions{})
	return err
}

func (h *CommandHandler) handleProvidersCommand(ctx context.Context, chatID int64) error {
	lines := []string{"Available CLI providers:"}
	for _, provider := range adapters.SupportedProviders {
		installed := "no"
		if _, err := h.lookPath(provider); err == nil {
			installed = "yes"
		}
		model := orDefault(h.bot.DefaultModels[provider])
		lines = append(lines, fmt.Sprintf("- %s: installed=%s, model=%s", provider, installed, model))
	}
	_, err := h.client.SendMessage(ctx, chatID, strings.Join(lines, "\n"), SendOptions{})
	return err
}

func (h *CommandHandler) handleYoutubeSearch(ctx context.Context, chatID int64, query string) error {
	normalized := strings.Join(strings.Fields(query), " ")
	if normalized == "" {
		_, err := h.client.SendMessage(ctx, chatID, "YouTube 검색어를 입력해 주세요.", SendOptions{})
		return err
	}

	result, err := h.search.SearchFirstVideo(ctx, normalized)
	if err != nil {
		h.logger.Warn("youtube search failed", "bot_id", h.bot.BotID, "chat_id", chatID, "error", err)
		_, sendErr := h.client.SendMessage(ctx, chatID,
			"YouTube 검색 중 오류가 발생했습니다. 잠시 후 다시 시도해 주세요.", SendOptions{})
		return sendErr
	}
	if result == nil {
		_, err := h.client.SendMessage(ctx, chatID, "YouTube 검색 결과를 찾지 못했습니다: "+normalized, SendOptions{})
		return err
	}

	// Watch URL only, so Telegram renders its native preview card.
	_, err = h.client.SendMessage(ctx, chatID, result.URL, SendOptions{})
	return err
}

// buildPromptFromAction loads the token's context rows and renders the
// per-action prompt.
func (h *CommandHandler) buildPromptFromAction(ctx context.Context, payload *actions.TokenPayload) (string, error) {
	sess, err := h.store.GetSession(ctx, payload.SessionID)
	if err != nil {
		return "", err
	}
	origin, err := h.store.GetTurn(ctx, payload.OriginTurnID)
	if err != nil {
		return "", err
	}
	latest, err := h.store.LatestCompletedTurn(ctx, payload.SessionID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return "", err
	}

	switch payload.ActionType {
	case actions.ActionSummary:
		return actions.BuildSummaryPrompt(sess, origin, latest), nil
	case actions.ActionRegenerate:
		return actions.BuildRegenPrompt(sess, origin), nil
	case actions.ActionNext:
		latestAssistant := ""
		if latest != nil {
			latestAssistant = latest.AssistantText
		}
		return actions.BuildNextPrompt(sess, origin, latestAssistant), nil
	}
	return "", nil
}

// buildTurnActionKeyboard mints one token per inline action. Token
// failures degrade to a message without buttons.
func (h *CommandHandler) buildTurnActionKeyboard(ctx context.Context, chatID int64, sessionID, originTurnID string) *tgbotapi.InlineKeyboardMarkup {
	if h.tokens == nil {
		return nil
	}
	tokenMap := map[string]string{}
	for _, action := range inlineActions {
		runSource := "codex_cli"
		if action == actions.ActionStop {
			runSource = "direct_cancel"
		}
		token, err := h.tokens.Issue(ctx, h.bot.BotID, chatID, actions.TokenPayload{
			ActionType:   action,
			RunSource:    runSource,
			SessionID:    sessionID,
			OriginTurnID: originTurnID,
		})
		if err != nil {
			h.logger.Warn("issue action token failed", "bot_id", h.bot.BotID, "action", action, "error", err)
			return nil
		}
		tokenMap[action] = token
	}

	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("요약", "act:"+tokenMap[actions.ActionSummary]),
			tgbotapi.NewInlineKeyboardButtonData("다시생성", "act:"+tokenMap[actions.ActionRegenerate]),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("다음추천", "act:"+tokenMap[actions.ActionNext]),
			tgbotapi.NewInlineKeyboardButtonData("중단", "act:"+tokenMap[actions.ActionStop]),
		),
	)
	return &markup
}

// answerCallback acknowledges a callback query and counts the outcome.
func (h *CommandHandler) answerCallback(ctx context.Context, callbackID, text string) {
	if err := h.client.AnswerCallback(ctx, callbackID, text); err != nil {
		h.metrics.Inc(ctx, metrics.KeyCallbackAckFailed)
		h.logger.Error("failed to answer callback query",
			"bot_id", h.bot.BotID, "callback_query_id", callbackID, "error", err)
		return
	}
	h.metrics.Inc(ctx, metrics.KeyCallbackAckSuccess)
}

func (h *CommandHandler) safeAnswerCallback(ctx context.Context, callbackID, text string) {
	h.answerCallback(ctx, callbackID, text)
}

func (h *CommandHandler) resolveChatAdapter(ctx context.Context, chatID int64) string {
	if sess, err := h.store.ActiveSession(ctx, h.bot.BotID, chatID); err == nil && sess.AdapterName != "" {
		return sess.AdapterName
	}
	return h.bot.Adapter
}

func (h *CommandHandler) providerDefaultModel(provider string) string {
	return adapters.ResolveProviderDefaultModel(provider, h.bot.DefaultModels[provider])
}

func (h *CommandHandler) audit(ctx context.Context, chatID int64, action string, detail map[string]any) {
	encoded, err := json.Marshal(detail)
	if err != nil {
		encoded = []byte("{}")
	}
	if err := h.store.AppendAuditLog(ctx, persistence.AuditEntry{
		BotID:      h.bot.BotID,
		ChatID:     chatID,
		Actor:      "owner",
		Action:     action,
		DetailJSON: string(encoded),
	}); err != nil {
		h.logger.Warn("audit log append failed", "bot_id", h.bot.BotID, "action", action, "error", err)
	}
}

func (h *CommandHandler) welcomeText() string {
	return h.bot.BotName + " ready.\nSend a message to run CLI.\nUse /help for commands."
}

const helpText = "/start /help /new /status /reset /summary /mode /model /providers /stop /youtube\n" +
	"Plain text message => enqueue CLI turn"

func stopAnswer(stopped bool) string {
	if stopped {
		return "Stopping..."
	}
	return "No active run"
}

func splitCommand(text string) (string, string) {
	parts := strings.SplitN(text, " ", 2)
	command := parts[0]
	arg := ""
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return command, arg
}

func providerModelsText(provider string) string {
	models := adapters.AvailableModels(provider)
	if len(models) == 0 {
		return "none"
	}
	return strings.Join(models, ", ")
}

func summaryPreview(summary string) string {
	preview := strings.TrimSpace(strings.ReplaceAll(summary, "\n", " "))
	runes := []rune(preview)
	if len(runes) > 120 {
		return string(runes[:117]) + "..."
	}
	return preview
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}

func orDefault(v string) string {
	if v == "" {
		return "default"
	}
	return v
}

func clipRunes(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}

var youtubeVariants = []string{"youtube", "유튜브", "유투브", "유트브", "유트뷰"}

var youtubeSearchHints = []string{"search", "find", "recommend", "show", "찾아", "검색", "추천", "보여"}

var youtubeCleanupPatterns = func() []*regexp.Regexp {
	raw := []string{
		`(?i)\byoutube\b`,
		`(?i)\bsearch\b`, `(?i)\bfind\b`, `(?i)\brecommend\b`, `(?i)\bshow( me)?\b`,
		`(?i)\bvideos?\b`,
		"유튜브", "유투브", "유트브", "유트뷰",
		"동영상", "영상",
		"찾아줘", "찾아 줘", "찾아",
		"검색해줘", "검색해 줘", "검색",
		"추천해줘", "추천해 줘", "추천",
		"보여줘", "보여 줘", "보여",
		"미리보기", "미리 보기",
		"형식으로", "형식",
		"이런", "같은",
		`(?i)please`, `(?i)for me`,
	}
	out := make([]*regexp.Regexp, 0, len(raw))
	for _, pattern := range raw {
		out = append(out, regexp.MustCompile(pattern))
	}
	return out
}()

// parseYoutubeIntent detects a natural-language video search request
// and extracts the bare query.
func parseYoutubeIntent(text string) (bool, string) {
	lowered := strings.ToLower(text)
	hasYoutube := false
	for _, variant := range youtubeVariants {
		if strings.Contains(lowered, variant) {
			hasYoutube = true
			break
		}
	}
	if !hasYoutube {
		return false, ""
	}

	hasHint := false
	for _, hint := range youtubeSearchHints {
		if strings.Contains(lowered, hint) {
			hasHint = true
			break
		}
	}
	if !hasHint {
		return false, ""
	}

	cleaned := text
	for _, pattern := range youtubeCleanupPatterns {
		cleaned = pattern.ReplaceAllString(cleaned, " ")
	}
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	cleaned = strings.Trim(cleaned, " .,!?\n\t")
	return true, cleaned
}
