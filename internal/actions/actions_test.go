package actions

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/tgbridge/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "bot.db"), 30*time.Second)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTokenService_IssueAndConsume(t *testing.T) {
	store := openTestStore(t)
	svc := NewTokenService(store, DefaultTokenTTL)
	ctx := context.Background()

	token, err := svc.Issue(ctx, "bot-1", 1001, TokenPayload{
		ActionType:   ActionRegenerate,
		RunSource:    "button",
		SessionID:    "sess-1",
		OriginTurnID: "turn-1",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if strings.Contains(token, "-") {
		t.Fatalf("token must be compact hex: %q", token)
	}

	payload, err := svc.Consume(ctx, token, "bot-1", 1001)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if payload.ActionType != ActionRegenerate || payload.SessionID != "sess-1" ||
		payload.OriginTurnID != "turn-1" || payload.ChatID != "1001" {
		t.Fatalf("payload: %+v", payload)
	}

	if _, err := svc.Consume(ctx, token, "bot-1", 1001); !errors.Is(err, persistence.ErrTokenConsumed) {
		t.Fatalf("second consume: %v", err)
	}
}

func TestTokenService_MismatchedChat(t *testing.T) {
	store := openTestStore(t)
	svc := NewTokenService(store, DefaultTokenTTL)
	ctx := context.Background()

	token, err := svc.Issue(ctx, "bot-1", 1001, TokenPayload{
		ActionType: ActionNext, RunSource: "button", SessionID: "s", OriginTurnID: "t",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.Consume(ctx, token, "bot-1", 2002); !errors.Is(err, persistence.ErrTokenMismatch) {
		t.Fatalf("expected mismatch: %v", err)
	}
}

func TestTokenService_TTLFloor(t *testing.T) {
	store := openTestStore(t)
	svc := NewTokenService(store, time.Second)
	if svc.ttl != time.Minute {
		t.Fatalf("ttl not clamped: %v", svc.ttl)
	}
}

func TestBuildSummaryPrompt(t *testing.T) {
	session := &persistence.Session{RollingSummaryMD: "## Goal\n- thing"}
	origin := &persistence.Turn{UserText: "do the thing", AssistantText: "did the thing"}
	latest := &persistence.Turn{AssistantText: "latest answer"}

	prompt := BuildSummaryPrompt(session, origin, latest)
	for _, want := range []string{
		"핵심 요약 (5-8줄)",
		"[Rolling Summary]\n## Goal\n- thing",
		"[Origin User Request]\ndo the thing",
		"[Latest Assistant Response]\nlatest answer",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("missing %q in:\n%s", want, prompt)
		}
	}
}

func TestBuildSummaryPrompt_EmptyFieldsBecomeNone(t *testing.T) {
	prompt := BuildSummaryPrompt(&persistence.Session{}, &persistence.Turn{}, nil)
	if strings.Count(prompt, "(none)") != 4 {
		t.Fatalf("expected four (none) placeholders:\n%s", prompt)
	}
}

func TestBuildRegenPrompt(t *testing.T) {
	prompt := BuildRegenPrompt(
		&persistence.Session{RollingSummaryMD: "sum"},
		&persistence.Turn{UserText: "q", AssistantText: "a"},
	)
	for _, want := range []string{
		"Regenerate an alternative answer",
		"- Use a different approach.",
		"[Original User Request]\nq",
		"[Previous Assistant Response]\na",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("missing %q in:\n%s", want, prompt)
		}
	}
}

func TestBuildNextPrompt_DetectsLinks(t *testing.T) {
	origin := &persistence.Turn{UserText: "q", AssistantText: "fallback"}
	latest := "see https://example.com/a. also (https://example.com/b) and https://example.com/a"

	prompt := BuildNextPrompt(&persistence.Session{}, origin, latest)
	if !strings.Contains(prompt, "[Detected Links]\n- https://example.com/a\n- https://example.com/b\n") {
		t.Fatalf("links block wrong:\n%s", prompt)
	}
}

func TestBuildNextPrompt_NoLinks(t *testing.T) {
	prompt := BuildNextPrompt(&persistence.Session{}, &persistence.Turn{UserText: "q"}, "")
	if !strings.Contains(prompt, "[Detected Links]\n(none)\n") {
		t.Fatalf("expected (none) links:\n%s", prompt)
	}
}

func TestExtractURLs(t *testing.T) {
	urls := ExtractURLs("x https://a.io/p, then https://b.io/q) and https://a.io/p!")
	want := []string{"https://a.io/p", "https://b.io/q"}
	if len(urls) != len(want) {
		t.Fatalf("urls: %v", urls)
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Fatalf("urls: %v", urls)
		}
	}
	if ExtractURLs("") != nil {
		t.Fatal("empty text must yield nil")
	}
}
