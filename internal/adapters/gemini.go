package adapters

import (
	"context"
	"encoding/json"
	"strings"
)

// Gemini drives `gemini -o stream-json`. Approval prompts are disabled
// because there is no interactive terminal on the worker side.
type Gemini struct {
	bin string
}

func NewGemini(bin string) *Gemini {
	if bin == "" {
		bin = "gemini"
	}
	return &Gemini{bin: bin}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) StartTurn(ctx context.Context, req RunRequest) (<-chan Event, error) {
	args := []string{"--approval-mode", "yolo", "-o", "stream-json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, "-p", composePrompt(req.Preamble, req.Prompt))
	return runProcess(ctx, g.bin, args, req.Workdir, req.ShouldCancel, g.normalize)
}

func (g *Gemini) ResumeTurn(ctx context.Context, req ResumeRequest) (<-chan Event, error) {
	args := []string{"--resume", req.ThreadID, "--approval-mode", "yolo", "-o", "stream-json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, "-p", composePrompt(req.Preamble, req.Prompt))
	return runProcess(ctx, g.bin, args, req.Workdir, req.ShouldCancel, g.normalize)
}

func (g *Gemini) ThreadID(ev Event) string { return threadIDFromPayload(ev) }

func (g *Gemini) normalize(rawLine string, seqStart int) []Event {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil
	}
	ts := nowISO()

	var parsed map[string]any
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return []Event{{Seq: seqStart, TS: ts, Type: EventError, Payload: map[string]any{
			"message": "invalid gemini json event", "raw_line": rawLine,
		}}}
	}

	eventType, _ := parsed["type"].(string)
	switch eventType {
	case "init":
		var events []Event
		next := seqStart
		if sessionID, ok := parsed["session_id"].(string); ok && sessionID != "" {
			events = append(events, Event{Seq: next, TS: ts, Type: EventThreadStarted, Payload: map[string]any{"thread_id": sessionID}})
			next++
		}
		events = append(events, Event{Seq: next, TS: ts, Type: EventTurnStarted, Payload: map[string]any{}})
		return events

	case "message":
		if role, _ := parsed["role"].(string); role != "assistant" {
			return nil
		}
		content, _ := parsed["content"].(string)
		if strings.TrimSpace(content) == "" {
			return nil
		}
		return []Event{{Seq: seqStart, TS: ts, Type: EventAssistantMessage, Payload: map[string]any{"text": content}}}

	case "result":
		status := stringOr(parsed["status"], StatusSuccess)
		return []Event{{Seq: seqStart, TS: ts, Type: EventTurnCompleted, Payload: map[string]any{"status": status}}}

	case "error":
		message := stringOr(parsed["message"], "gemini error")
		return []Event{{Seq: seqStart, TS: ts, Type: EventError, Payload: map[string]any{"message": message, "raw": parsed}}}
	}

	return []Event{{Seq: seqStart, TS: ts, Type: EventReasoning, Payload: map[string]any{"raw": parsed}}}
}
