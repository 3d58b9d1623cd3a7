package streaming

import (
	"context"
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tgbridge/internal/adapters"
	"github.com/basket/tgbridge/internal/telegram"
)

type sentCall struct {
	method    string
	chatID    int64
	messageID int
	text      string
	parseMode string
}

type fakeClient struct {
	telegram.Client

	calls    []sentCall
	nextID   int
	sendErrs []error
	editErrs []error
}

func (f *fakeClient) SendMessage(_ context.Context, chatID int64, text string, opts telegram.SendOptions) (int, error) {
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.nextID++
	f.calls = append(f.calls, sentCall{method: "sendMessage", chatID: chatID, messageID: f.nextID, text: text, parseMode: opts.ParseMode})
	return f.nextID, nil
}

func (f *fakeClient) EditMessageText(_ context.Context, chatID int64, messageID int, text string, opts telegram.SendOptions) error {
	if len(f.editErrs) > 0 {
		err := f.editErrs[0]
		f.editErrs = f.editErrs[1:]
		if err != nil {
			return err
		}
	}
	f.calls = append(f.calls, sentCall{method: "editMessageText", chatID: chatID, messageID: messageID, text: text, parseMode: opts.ParseMode})
	return nil
}

func (f *fakeClient) GetUpdates(context.Context, int64, int, int) ([]tgbotapi.Update, error) {
	return nil, nil
}

func event(seq int, eventType string, payload map[string]any) adapters.Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return adapters.Event{Seq: seq, TS: "2026-01-02T10:20:30Z", Type: eventType, Payload: payload}
}

func TestAppendEvent_SendsThenEditsLiveMessage(t *testing.T) {
	client := &fakeClient{}
	s := NewStreamer(client, nil, nil)
	ctx := context.Background()

	if err := s.AppendEvent(ctx, "turn-1", 1001, event(1, adapters.EventTurnStarted, nil)); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := s.AppendEvent(ctx, "turn-1", 1001, event(2, adapters.EventAssistantMessage, map[string]any{"text": "hello"})); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	if len(client.calls) != 2 {
		t.Fatalf("calls: %+v", client.calls)
	}
	if client.calls[0].method != "sendMessage" || client.calls[1].method != "editMessageText" {
		t.Fatalf("expected send then edit: %+v", client.calls)
	}
	if client.calls[1].messageID != client.calls[0].messageID {
		t.Fatal("edit must target the live message")
	}
	wantLine1 := "[1][10:20:30][turn_started] {}"
	wantLine2 := "[2][10:20:30][assistant_message] hello"
	if client.calls[1].text != wantLine1+"\n"+wantLine2 {
		t.Fatalf("live text: %q", client.calls[1].text)
	}
}

func TestAppendEvent_RollsOverAtCap(t *testing.T) {
	client := &fakeClient{}
	s := NewStreamer(client, nil, nil)
	ctx := context.Background()

	big := strings.Repeat("a", 3000)
	if err := s.AppendEvent(ctx, "t", 5, event(1, adapters.EventAssistantMessage, map[string]any{"text": big})); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEvent(ctx, "t", 5, event(2, adapters.EventAssistantMessage, map[string]any{"text": big})); err != nil {
		t.Fatal(err)
	}

	if len(client.calls) != 2 {
		t.Fatalf("calls: %d", len(client.calls))
	}
	if client.calls[1].method != "sendMessage" {
		t.Fatalf("expected continuation send: %+v", client.calls[1])
	}
	if !strings.HasPrefix(client.calls[1].text, "[continued]\n") {
		t.Fatalf("continuation marker missing: %q", client.calls[1].text[:40])
	}
}

func TestAppendEvent_OversizedLineSplitsIntoChunks(t *testing.T) {
	client := &fakeClient{}
	s := NewStreamer(client, nil, nil)

	huge := strings.Repeat("x", 9000)
	if err := s.AppendEvent(context.Background(), "t", 5, event(1, adapters.EventAssistantMessage, map[string]any{"text": huge})); err != nil {
		t.Fatal(err)
	}

	if len(client.calls) < 3 {
		t.Fatalf("expected chunked delivery, got %d calls", len(client.calls))
	}
	if !strings.Contains(client.calls[0].text, "(1/3)") {
		t.Fatalf("chunk marker missing: %q", client.calls[0].text[:60])
	}
	for _, call := range client.calls {
		if len([]rune(call.text)) > MaxMessageLen {
			t.Fatalf("message over cap: %d", len([]rune(call.text)))
		}
	}
}

func TestSend_RateLimitRetriesAndCounts(t *testing.T) {
	client := &fakeClient{
		sendErrs: []error{&telegram.RateLimitError{Method: "sendMessage", RetryAfter: 0}},
	}
	var counted []string
	counter := func(_ context.Context, key string) { counted = append(counted, key) }
	s := NewStreamer(client, counter, nil)

	if err := s.AppendEvent(context.Background(), "t", 5, event(1, adapters.EventTurnStarted, nil)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected retried send to land: %+v", client.calls)
	}
	if len(counted) != 1 || counted[0] != "telegram_rate_limit_retry.sendMessage" {
		t.Fatalf("counter calls: %v", counted)
	}
}

func TestSend_GivesUpAfterMaxRetries(t *testing.T) {
	boom := errors.New("bad gateway")
	client := &fakeClient{sendErrs: []error{boom, boom, boom, boom, boom}}
	s := NewStreamer(client, nil, nil)

	err := s.AppendEvent(context.Background(), "t", 5, event(1, adapters.EventTurnStarted, nil))
	if err == nil {
		t.Fatal("expected terminal send failure")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("cause not preserved: %v", err)
	}
}

func TestRenderForTelegram_FencedCodeBecomesHTML(t *testing.T) {
	text := "before\n```go\nfmt.Println(\"hi\")\n```\nafter"
	rendered, parseMode := renderForTelegram(text)
	if parseMode != "HTML" {
		t.Fatalf("parse mode: %q", parseMode)
	}
	if !strings.Contains(rendered, `<pre><code class="language-go">`) {
		t.Fatalf("code block not rendered: %q", rendered)
	}
	if !strings.Contains(rendered, "fmt.Println(&#34;hi&#34;)") {
		t.Fatalf("code not escaped: %q", rendered)
	}
	if !strings.Contains(rendered, "before<br>") {
		t.Fatalf("prose not converted: %q", rendered)
	}
}

func TestRenderForTelegram_PlainTextUntouched(t *testing.T) {
	rendered, parseMode := renderForTelegram("no code here")
	if rendered != "no code here" || parseMode != "" {
		t.Fatalf("unexpected rendering: %q %q", rendered, parseMode)
	}
}

func TestAppendDeliveryError_StreamsTruncatedMessage(t *testing.T) {
	client := &fakeClient{}
	s := NewStreamer(client, nil, nil)

	long := strings.Repeat("e", 600)
	if err := s.AppendDeliveryError(context.Background(), "t", 5, long); err != nil {
		t.Fatal(err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("calls: %+v", client.calls)
	}
	text := client.calls[0].text
	if !strings.Contains(text, "[delivery_error]") {
		t.Fatalf("type marker missing: %q", text)
	}
	if strings.Contains(text, strings.Repeat("e", 501)) {
		t.Fatal("message not truncated to 500")
	}
}

func TestCloseTurn_NextEventStartsFreshMessage(t *testing.T) {
	client := &fakeClient{}
	s := NewStreamer(client, nil, nil)
	ctx := context.Background()

	if err := s.AppendEvent(ctx, "t", 5, event(1, adapters.EventTurnStarted, nil)); err != nil {
		t.Fatal(err)
	}
	s.CloseTurn("t")
	if err := s.AppendEvent(ctx, "t", 5, event(2, adapters.EventTurnStarted, nil)); err != nil {
		t.Fatal(err)
	}
	if client.calls[1].method != "sendMessage" {
		t.Fatalf("expected fresh send after close: %+v", client.calls[1])
	}
}
