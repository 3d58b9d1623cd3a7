package telegram

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tgbridge/internal/persistence"
)

type pollClient struct {
	Client

	batches [][]tgbotapi.Update
	offsets []int64
	cancel  context.CancelFunc

	webhookDeleted bool
}

func (c *pollClient) DeleteWebhook(ctx context.Context, dropPending bool) error {
	c.webhookDeleted = true
	return nil
}

func (c *pollClient) GetUpdates(ctx context.Context, offset int64, timeoutSec, limit int) ([]tgbotapi.Update, error) {
	c.offsets = append(c.offsets, offset)
	if len(c.batches) == 0 {
		c.cancel()
		return nil, ctx.Err()
	}
	batch := c.batches[0]
	c.batches = c.batches[1:]
	return batch, nil
}

func pollerMessage(updateID int, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: updateID,
		Message: &tgbotapi.Message{
			MessageID: updateID,
			Text:      text,
			Chat:      &tgbotapi.Chat{ID: 1001},
			From:      &tgbotapi.User{ID: 7},
		},
	}
}

func openPollerStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "bot.db"), 30*time.Second)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPoller_AcceptsBatches(t *testing.T) {
	store := openPollerStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &pollClient{
		batches: [][]tgbotapi.Update{
			{pollerMessage(10, "one"), pollerMessage(11, "two")},
			{pollerMessage(12, "three")},
		},
		cancel: cancel,
	}
	poller := NewPoller("bot-1", client, store, slog.New(slog.DiscardHandler), false)

	if err := poller.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run ended with %v", err)
	}

	if !client.webhookDeleted {
		t.Fatal("webhook not deleted before polling")
	}
	if len(client.offsets) != 3 || client.offsets[0] != 0 || client.offsets[1] != 12 || client.offsets[2] != 13 {
		t.Fatalf("offsets = %v", client.offsets)
	}

	for want := 10; want <= 12; want++ {
		job, err := store.ClaimNextUpdateJob(context.Background(), "bot-1", "test-owner")
		if err != nil {
			t.Fatalf("claim %d: %v", want, err)
		}
		if job.UpdateID != int64(want) {
			t.Fatalf("claimed update %d, want %d", job.UpdateID, want)
		}
	}
}

func TestPoller_ResumesFromStoredOffset(t *testing.T) {
	store := openPollerStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := store.AcceptUpdate(context.Background(), "bot-1", 41, 1001, `{"update_id":41}`); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	client := &pollClient{cancel: cancel}
	poller := NewPoller("bot-1", client, store, slog.New(slog.DiscardHandler), false)

	if err := poller.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run ended with %v", err)
	}
	if len(client.offsets) != 1 || client.offsets[0] != 42 {
		t.Fatalf("offsets = %v", client.offsets)
	}
}

func TestPoller_ResetIngestState(t *testing.T) {
	store := openPollerStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := store.AcceptUpdate(context.Background(), "bot-1", 99, 1001, `{"update_id":99}`); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	client := &pollClient{
		batches: [][]tgbotapi.Update{{pollerMessage(1, "restarted sequence")}},
		cancel:  cancel,
	}
	poller := NewPoller("bot-1", client, store, slog.New(slog.DiscardHandler), true)

	if err := poller.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run ended with %v", err)
	}
	if client.offsets[0] != 0 {
		t.Fatalf("offsets = %v", client.offsets)
	}

	job, err := store.ClaimNextUpdateJob(context.Background(), "bot-1", "test-owner")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.UpdateID != 1 {
		t.Fatalf("claimed update %d after reset", job.UpdateID)
	}
}

func TestPoller_DuplicateUpdateIgnored(t *testing.T) {
	store := openPollerStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &pollClient{
		batches: [][]tgbotapi.Update{
			{pollerMessage(10, "one")},
			{pollerMessage(10, "one again")},
		},
		cancel: cancel,
	}
	poller := NewPoller("bot-1", client, store, slog.New(slog.DiscardHandler), false)

	if err := poller.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run ended with %v", err)
	}

	if _, err := store.ClaimNextUpdateJob(context.Background(), "bot-1", "a"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := store.ClaimNextUpdateJob(context.Background(), "bot-1", "b"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("second claim err = %v", err)
	}
}
