package adapters

import (
	"context"
	"encoding/json"
	"strings"
)

// Claude drives `claude -p --output-format stream-json`.
type Claude struct {
	bin string
}

func NewClaude(bin string) *Claude {
	if bin == "" {
		bin = "claude"
	}
	return &Claude{bin: bin}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) StartTurn(ctx context.Context, req RunRequest) (<-chan Event, error) {
	args := []string{"-p", "--verbose", "--output-format", "stream-json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, composePrompt(req.Preamble, req.Prompt))
	return runProcess(ctx, c.bin, args, req.Workdir, req.ShouldCancel, c.normalize)
}

func (c *Claude) ResumeTurn(ctx context.Context, req ResumeRequest) (<-chan Event, error) {
	args := []string{"-p", "--verbose", "--output-format", "stream-json", "-r", req.ThreadID}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, composePrompt(req.Preamble, req.Prompt))
	return runProcess(ctx, c.bin, args, req.Workdir, req.ShouldCancel, c.normalize)
}

func (c *Claude) ThreadID(ev Event) string { return threadIDFromPayload(ev) }

func (c *Claude) normalize(rawLine string, seqStart int) []Event {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil
	}
	ts := nowISO()

	var parsed map[string]any
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return []Event{{Seq: seqStart, TS: ts, Type: EventError, Payload: map[string]any{
			"message": "invalid claude json event", "raw_line": rawLine,
		}}}
	}

	eventType, _ := parsed["type"].(string)
	switch eventType {
	case "system":
		if subtype, _ := parsed["subtype"].(string); subtype != "init" {
			break
		}
		var events []Event
		next := seqStart
		if sessionID, ok := parsed["session_id"].(string); ok && sessionID != "" {
			events = append(events, Event{Seq: next, TS: ts, Type: EventThreadStarted, Payload: map[string]any{"thread_id": sessionID}})
			next++
		}
		events = append(events, Event{Seq: next, TS: ts, Type: EventTurnStarted, Payload: map[string]any{}})
		return events

	case "assistant":
		text := extractClaudeAssistantText(parsed["message"])
		if text == "" {
			return nil
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventAssistantMessage, Payload: map[string]any{"text": text}}}

	case "result":
		status := StatusSuccess
		if isError, _ := parsed["is_error"].(bool); isError {
			status = StatusError
		} else if subtype, ok := parsed["subtype"].(string); ok && subtype != "" && subtype != "success" {
			status = StatusError
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventTurnCompleted, Payload: map[string]any{"status": status}}}

	case "error":
		message := stringOr(parsed["message"], "claude error")
		return []Event{{Seq: seqStart, TS: ts, Type: EventError, Payload: map[string]any{"message": message, "raw": parsed}}}
	}

	return []Event{{Seq: seqStart, TS: ts, Type: EventReasoning, Payload: map[string]any{"raw": parsed}}}
}

func extractClaudeAssistantText(message any) string {
	m, ok := message.(map[string]any)
	if !ok {
		return ""
	}
	if role, _ := m["role"].(string); role != "assistant" {
		return ""
	}
	content, ok := m["content"].([]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, item := range content {
		piece, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := piece["type"].(string); t != "text" {
			continue
		}
		if text, ok := piece["text"].(string); ok && text != "" {
			parts = append(parts, text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
