package adapters

import (
	"context"
)

// Echo is a deterministic in-process adapter used by tests and smoke runs
// against mock platforms. It needs no executable.
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Name() string { return "echo" }

func (e *Echo) StartTurn(_ context.Context, req RunRequest) (<-chan Event, error) {
	return e.emit("echo-thread", "echo: "+req.Prompt), nil
}

func (e *Echo) ResumeTurn(_ context.Context, req ResumeRequest) (<-chan Event, error) {
	return e.emit(req.ThreadID, "echo-resume: "+req.Prompt), nil
}

func (e *Echo) emit(threadID, text string) <-chan Event {
	events := make(chan Event, 4)
	events <- Event{Seq: 1, TS: nowISO(), Type: EventThreadStarted, Payload: map[string]any{"thread_id": threadID}}
	events <- Event{Seq: 2, TS: nowISO(), Type: EventTurnStarted, Payload: map[string]any{}}
	events <- Event{Seq: 3, TS: nowISO(), Type: EventAssistantMessage, Payload: map[string]any{"text": text}}
	events <- Event{Seq: 4, TS: nowISO(), Type: EventTurnCompleted, Payload: map[string]any{"status": StatusSuccess}}
	close(events)
	return events
}

func (e *Echo) ThreadID(ev Event) string { return threadIDFromPayload(ev) }
