package adapters

import (
	"context"
	"encoding/json"
	"strings"
)

// Codex drives `codex exec --json`.
type Codex struct {
	bin string
}

func NewCodex(bin string) *Codex {
	if bin == "" {
		bin = "codex"
	}
	return &Codex{bin: bin}
}

func (c *Codex) Name() string { return "codex" }

// baseArgs pins the reasoning effort so a user's global codex config cannot
// break non-interactive runs.
func (c *Codex) baseArgs(req RunRequest) []string {
	args := []string{"exec", "--json", "--skip-git-repo-check", "-c", `model_reasoning_effort="high"`}
	if req.Model != "" {
		args = append(args, "-m", req.Model)
	}
	if req.Sandbox != "" {
		args = append(args, "-s", req.Sandbox)
	}
	return args
}

func (c *Codex) StartTurn(ctx context.Context, req RunRequest) (<-chan Event, error) {
	args := append(c.baseArgs(req), composePrompt(req.Preamble, req.Prompt))
	return runProcess(ctx, c.bin, args, req.Workdir, req.ShouldCancel, c.normalize)
}

func (c *Codex) ResumeTurn(ctx context.Context, req ResumeRequest) (<-chan Event, error) {
	args := append(c.baseArgs(req.RunRequest), "resume", req.ThreadID, composePrompt(req.Preamble, req.Prompt))
	return runProcess(ctx, c.bin, args, req.Workdir, req.ShouldCancel, c.normalize)
}

func (c *Codex) ThreadID(ev Event) string { return threadIDFromPayload(ev) }

func (c *Codex) normalize(rawLine string, seqStart int) []Event {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil
	}
	ts := nowISO()

	var parsed map[string]any
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return []Event{{Seq: seqStart, TS: ts, Type: EventError, Payload: map[string]any{
			"message": "invalid codex json event", "raw_line": rawLine,
		}}}
	}

	eventType, _ := parsed["type"].(string)
	switch eventType {
	case "thread.started":
		threadID, _ := parsed["thread_id"].(string)
		if threadID == "" {
			if thread, ok := parsed["thread"].(map[string]any); ok {
				threadID, _ = thread["id"].(string)
			}
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventThreadStarted, Payload: map[string]any{"thread_id": threadID}}}

	case "turn.started":
		return []Event{{Seq: seqStart, TS: ts, Type: EventTurnStarted, Payload: map[string]any{}}}

	case "turn.completed":
		status, _ := parsed["status"].(string)
		if status == "" {
			status = StatusSuccess
		}
		payload := map[string]any{"status": status}
		if usage, ok := parsed["usage"].(map[string]any); ok {
			payload["usage"] = usage
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventTurnCompleted, Payload: payload}}

	case "item.started", "item.completed":
		item, _ := parsed["item"].(map[string]any)
		itemType, _ := item["type"].(string)
		status, _ := item["status"].(string)

		switch {
		case itemType == "reasoning":
			return []Event{{Seq: seqStart, TS: ts, Type: EventReasoning, Payload: map[string]any{"text": extractItemText(item)}}}
		case itemType == "agent_message" || itemType == "assistant_message" || itemType == "message":
			return []Event{{Seq: seqStart, TS: ts, Type: EventAssistantMessage, Payload: map[string]any{"text": extractItemText(item)}}}
		case itemType == "command_execution" && eventType == "item.started":
			if status == "" {
				status = "in_progress"
			}
			return []Event{{Seq: seqStart, TS: ts, Type: EventCommandStarted, Payload: map[string]any{
				"command": extractItemCommand(item), "status": status,
			}}}
		case itemType == "command_execution" && eventType == "item.completed":
			if status == "" {
				status = "completed"
			}
			payload := map[string]any{
				"command":           extractItemCommand(item),
				"aggregated_output": stringOr(item["aggregated_output"], ""),
				"status":            status,
			}
			if exitCode, ok := item["exit_code"]; ok {
				payload["exit_code"] = exitCode
			}
			return []Event{{Seq: seqStart, TS: ts, Type: EventCommandCompleted, Payload: payload}}
		}

	case "error":
		message := stringOr(parsed["message"], "codex error")
		return []Event{{Seq: seqStart, TS: ts, Type: EventError, Payload: map[string]any{"message": message, "raw": parsed}}}
	}

	return []Event{{Seq: seqStart, TS: ts, Type: EventReasoning, Payload: map[string]any{"raw": parsed}}}
}

// extractItemText reads item.text or joins item.content[].text.
func extractItemText(item map[string]any) string {
	if text, ok := item["text"].(string); ok {
		return text
	}
	content, ok := item["content"].([]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, piece := range content {
		if m, ok := piece.(map[string]any); ok {
			if v, ok := m["text"].(string); ok {
				parts = append(parts, v)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func extractItemCommand(item map[string]any) string {
	switch cmd := item["command"].(type) {
	case string:
		return cmd
	case []any:
		parts := make([]string, 0, len(cmd))
		for _, p := range cmd {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}
