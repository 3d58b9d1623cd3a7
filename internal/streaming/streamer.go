// Package streaming delivers a turn's ordered event stream to a chat
// as one live message edited in place, rolling over to continuation
// messages at the size cap.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basket/tgbridge/internal/adapters"
	"github.com/basket/tgbridge/internal/telegram"
)

const (
	// MaxMessageLen is the per-message character cap the streamer packs to.
	MaxMessageLen = 3800

	maxRetries = 5
)

var fencedCodeBlockRe = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)\r?\n(.*?)```")

// CounterFunc increments a runtime metric. May be nil.
type CounterFunc func(ctx context.Context, key string)

type turnState struct {
	chatID    int64
	messageID int
	text      string
}

// Streamer keeps one live message per in-flight turn. State is held in
// memory for the duration of the run; on restart the stream simply
// resumes in a fresh message.
type Streamer struct {
	client  telegram.Client
	counter CounterFunc
	logger  *slog.Logger

	mu     sync.Mutex
	states map[string]*turnState
}

func NewStreamer(client telegram.Client, counter CounterFunc, logger *slog.Logger) *Streamer {
	return &Streamer{
		client:  client,
		counter: counter,
		logger:  logger,
		states:  map[string]*turnState{},
	}
}

// AppendEvent renders the event and appends its lines to the turn's
// live message, sending or editing as needed.
func (s *Streamer) AppendEvent(ctx context.Context, turnID string, chatID int64, ev adapters.Event) error {
	for _, line := range formatEventLines(ev) {
		if err := s.appendLine(ctx, turnID, chatID, line); err != nil {
			return err
		}
	}
	return nil
}

// AppendDeliveryError streams a synthetic delivery_error line. Callers
// persist the matching event themselves.
func (s *Streamer) AppendDeliveryError(ctx context.Context, turnID string, chatID int64, message string) error {
	ev := adapters.Event{
		Seq:     0,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Type:    adapters.EventDeliveryError,
		Payload: map[string]any{"message": clip(message, 500)},
	}
	return s.AppendEvent(ctx, turnID, chatID, ev)
}

// CloseTurn drops the live-message state for a finished turn.
func (s *Streamer) CloseTurn(turnID string) {
	s.mu.Lock()
	delete(s.states, turnID)
	s.mu.Unlock()
}

func (s *Streamer) appendLine(ctx context.Context, turnID string, chatID int64, line string) error {
	s.mu.Lock()
	state := s.states[turnID]
	s.mu.Unlock()

	if state == nil {
		messageID, err := s.sendWithRetry(ctx, chatID, line)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.states[turnID] = &turnState{chatID: chatID, messageID: messageID, text: line}
		s.mu.Unlock()
		return nil
	}

	candidate := state.text + "\n" + line
	if len([]rune(candidate)) <= MaxMessageLen {
		if err := s.editWithRetry(ctx, state.chatID, state.messageID, candidate); err != nil {
			return err
		}
		state.text = candidate
		return nil
	}

	continuation := "[continued]\n" + line
	messageID, err := s.sendWithRetry(ctx, state.chatID, continuation)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.states[turnID] = &turnState{chatID: chatID, messageID: messageID, text: continuation}
	s.mu.Unlock()
	return nil
}

func (s *Streamer) sendWithRetry(ctx context.Context, chatID int64, text string) (int, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		rendered, parseMode := renderForTelegram(clip(text, MaxMessageLen))
		messageID, err := s.client.SendMessage(ctx, chatID, rendered, telegram.SendOptions{ParseMode: parseMode})
		if err == nil {
			return messageID, nil
		}
		lastErr = err
		if delay, ok := s.rateLimitDelay(ctx, err); ok {
			if err := sleepCtx(ctx, delay); err != nil {
				return 0, err
			}
			continue
		}
		if attempt >= maxRetries-1 {
			break
		}
		if err := sleepCtx(ctx, time.Duration(attempt+1)*500*time.Millisecond); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("send message after retries: %w", lastErr)
}

func (s *Streamer) editWithRetry(ctx context.Context, chatID int64, messageID int, text string) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		rendered, parseMode := renderForTelegram(clip(text, MaxMessageLen))
		err := s.client.EditMessageText(ctx, chatID, messageID, rendered, telegram.SendOptions{ParseMode: parseMode})
		if err == nil {
			return nil
		}
		lastErr = err
		if delay, ok := s.rateLimitDelay(ctx, err); ok {
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			continue
		}
		if attempt >= maxRetries-1 {
			break
		}
		if err := sleepCtx(ctx, time.Duration(attempt+1)*500*time.Millisecond); err != nil {
			return err
		}
	}
	return fmt.Errorf("edit message after retries: %w", lastErr)
}

// rateLimitDelay classifies a 429, counts the retry, and returns the
// platform-requested sleep.
func (s *Streamer) rateLimitDelay(ctx context.Context, err error) (time.Duration, bool) {
	rle, ok := telegram.AsRateLimit(err)
	if !ok {
		return 0, false
	}
	if s.counter != nil {
		s.counter(ctx, "telegram_rate_limit_retry."+rle.Method)
	}
	if s.logger != nil {
		s.logger.Warn("telegram rate limited",
			"method", rle.Method, "retry_after_sec", rle.RetryAfter)
	}
	return time.Duration(rle.RetryAfter) * time.Second, true
}

func formatEventLines(ev adapters.Event) []string {
	prefix := fmt.Sprintf("[%d][%s][%s] ", ev.Seq, toHHMMSS(ev.TS), ev.Type)
	body := eventPayloadText(ev)
	if body == "" {
		return []string{strings.TrimSpace(prefix)}
	}

	const markerSize = 16
	maxBodySize := MaxMessageLen - len([]rune(prefix)) - markerSize
	if maxBodySize < 200 {
		maxBodySize = 200
	}
	chunks := splitChunks(body, maxBodySize)
	if len(chunks) == 1 {
		return []string{strings.TrimSpace(prefix + chunks[0])}
	}
	lines := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		lines = append(lines, strings.TrimSpace(fmt.Sprintf("%s(%d/%d) %s", prefix, i+1, len(chunks), chunk)))
	}
	return lines
}

func eventPayloadText(ev adapters.Event) string {
	switch ev.Type {
	case adapters.EventAssistantMessage, adapters.EventReasoning:
		if text, ok := ev.Payload["text"].(string); ok && strings.TrimSpace(text) != "" {
			return text
		}
	case adapters.EventCommandStarted, adapters.EventCommandCompleted:
		var parts []string
		if command, ok := ev.Payload["command"].(string); ok && command != "" {
			parts = append(parts, command)
		}
		if ev.Type == adapters.EventCommandCompleted {
			if exitCode, ok := ev.Payload["exit_code"]; ok {
				parts = append(parts, fmt.Sprintf("exit_code=%v", exitCode))
			}
			if output, ok := ev.Payload["aggregated_output"].(string); ok && output != "" {
				parts = append(parts, output)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	case adapters.EventError, adapters.EventDeliveryError:
		if message, ok := ev.Payload["message"].(string); ok {
			return message
		}
	}
	encoded, err := json.Marshal(ev.Payload)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func toHHMMSS(isoTS string) string {
	parsed, err := time.Parse(time.RFC3339Nano, isoTS)
	if err != nil {
		if parsed, err = time.Parse(time.RFC3339, isoTS); err != nil {
			return "00:00:00"
		}
	}
	return parsed.UTC().Format("15:04:05")
}

// renderForTelegram rewrites fenced code blocks as HTML pre/code so
// Telegram renders them monospaced. Falls back to plain text when the
// rendered form would blow the size cap.
func renderForTelegram(text string) (string, string) {
	if !strings.Contains(text, "```") {
		return text, ""
	}
	rendered := renderFencedCodeBlocks(text)
	if len([]rune(rendered)) > MaxMessageLen {
		return text, ""
	}
	return rendered, "HTML"
}

func renderFencedCodeBlocks(text string) string {
	var out strings.Builder
	cursor := 0
	for _, match := range fencedCodeBlockRe.FindAllStringSubmatchIndex(text, -1) {
		if before := text[cursor:match[0]]; before != "" {
			out.WriteString(strings.ReplaceAll(html.EscapeString(before), "\n", "<br>"))
		}
		language := strings.TrimSpace(text[match[2]:match[3]])
		code := html.EscapeString(text[match[4]:match[5]])
		if language != "" {
			fmt.Fprintf(&out, `<pre><code class="language-%s">%s</code></pre>`, html.EscapeString(language), code)
		} else {
			out.WriteString("<pre><code>" + code + "</code></pre>")
		}
		cursor = match[1]
	}
	if tail := text[cursor:]; tail != "" {
		out.WriteString(strings.ReplaceAll(html.EscapeString(tail), "\n", "<br>"))
	}
	if out.Len() == 0 {
		return html.EscapeString(text)
	}
	return out.String()
}

func splitChunks(text string, chunkSize int) []string {
	runes := []rune(text)
	if len(runes) <= chunkSize {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(runes); start += chunkSize {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

func clip(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
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
