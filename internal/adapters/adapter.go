// Package adapters drives coding-agent CLIs as subprocesses and normalizes
// their streaming output into one event vocabulary. Each adapter speaks its
// CLI's JSONL dialect; everything downstream sees only Events.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Event types emitted by adapters and synthesized by the run pipeline.
const (
	EventThreadStarted    = "thread_started"
	EventTurnStarted      = "turn_started"
	EventReasoning        = "reasoning"
	EventCommandStarted   = "command_started"
	EventCommandCompleted = "command_completed"
	EventAssistantMessage = "assistant_message"
	EventTurnCompleted    = "turn_completed"
	EventError            = "error"
	EventDeliveryError    = "delivery_error"
	EventBridgeStatus     = "bridge_status"
	EventArtifact         = "artifact"
)

// Turn completion statuses in turn_completed payloads.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Event is one normalized adapter event. Seq is local to the producing
// stream; the run worker assigns the persisted per-turn sequence.
type Event struct {
	Seq     int
	TS      string
	Type    string
	Payload map[string]any
}

// ShouldCancelFunc is polled between events; returning true terminates the
// underlying process.
type ShouldCancelFunc func(ctx context.Context) (bool, error)

// RunRequest starts a fresh adapter conversation.
type RunRequest struct {
	Prompt       string
	Model        string
	Sandbox      string
	Workdir      string
	Preamble     string
	ShouldCancel ShouldCancelFunc
}

// ResumeRequest continues an existing adapter conversation.
type ResumeRequest struct {
	RunRequest
	ThreadID string
}

// Adapter runs turns against one agent CLI. StartTurn and ResumeTurn
// return once the stream is producing; a missing executable surfaces as an
// error wrapping exec.ErrNotFound before any event is emitted.
type Adapter interface {
	Name() string
	StartTurn(ctx context.Context, req RunRequest) (<-chan Event, error)
	ResumeTurn(ctx context.Context, req ResumeRequest) (<-chan Event, error)
	// ThreadID extracts the conversation handle from an event, or "".
	ThreadID(ev Event) string
}

// IsExecutableMissing reports whether err means the adapter CLI is not
// installed.
func IsExecutableMissing(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

// Registry holds the configured adapters by name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown adapter %q", name)
	}
	return a, nil
}

// Names lists registered adapter names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// threadIDFromPayload is the common ThreadID implementation.
func threadIDFromPayload(ev Event) string {
	if ev.Type != EventThreadStarted {
		return ""
	}
	if id, ok := ev.Payload["thread_id"].(string); ok {
		return id
	}
	return ""
}

// composePrompt prepends the recovery preamble to the user message.
func composePrompt(preamble, prompt string) string {
	if p := strings.TrimSpace(preamble); p != "" {
		return p + "\n\n[User Message]\n" + prompt
	}
	return prompt
}
