package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/tgbridge/internal/persistence"
)

const (
	pollTimeoutSec = 25
	pollBatchLimit = 100
	pollRetryDelay = time.Second
)

// Poller drives long-poll ingress for one bot. Every accepted update
// lands in the durable update queue; dedupe is the queue's unique
// update_id constraint, so crashing between getUpdates batches is safe.
type Poller struct {
	botID  string
	client Client
	store  *persistence.Store
	logger *slog.Logger

	// resetIngest clears offset bookkeeping on start. Used against the
	// mock platform, whose update_id sequence restarts with the server.
	resetIngest bool
}

func NewPoller(botID string, client Client, store *persistence.Store, logger *slog.Logger, resetIngest bool) *Poller {
	return &Poller{
		botID:       botID,
		client:      client,
		store:       store,
		logger:      logger,
		resetIngest: resetIngest,
	}
}

// Run polls until ctx is cancelled. A webhook left over from a previous
// deployment blocks getUpdates, so it is removed first.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.client.DeleteWebhook(ctx, false); err != nil {
		p.logger.Warn("delete webhook before polling failed", "bot_id", p.botID, "error", err)
	}

	if p.resetIngest {
		if err := p.store.ResetIngestState(ctx, p.botID); err != nil {
			return fmt.Errorf("reset ingest state: %w", err)
		}
		p.logger.Info("ingest state reset for polling", "bot_id", p.botID)
	}

	offset, err := p.nextOffset(ctx)
	if err != nil {
		return err
	}

	p.logger.Info("poller started", "bot_id", p.botID, "offset", offset)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, err := p.client.GetUpdates(ctx, offset, pollTimeoutSec, pollBatchLimit)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("getUpdates failed", "bot_id", p.botID, "error", err)
			if err := sleepCtx(ctx, pollRetryDelay); err != nil {
				return err
			}
			continue
		}

		for _, upd := range updates {
			if int64(upd.UpdateID) >= offset {
				offset = int64(upd.UpdateID) + 1
			}
			if err := p.accept(ctx, upd); err != nil {
				p.logger.Error("accept polled update failed",
					"bot_id", p.botID, "update_id", upd.UpdateID, "error", err)
			}
		}
	}
}

func (p *Poller) nextOffset(ctx context.Context) (int64, error) {
	maxID, err := p.store.MaxUpdateID(ctx, p.botID)
	if err != nil {
		return 0, fmt.Errorf("load max update id: %w", err)
	}
	if maxID == 0 {
		return 0, nil
	}
	return maxID + 1, nil
}

func (p *Poller) accept(ctx context.Context, upd tgbotapi.Update) error {
	payload, err := json.Marshal(upd)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	accepted, err := p.store.AcceptUpdate(ctx, p.botID, int64(upd.UpdateID), updateChatID(upd), string(payload))
	if err != nil {
		return err
	}
	if !accepted {
		p.logger.Debug("duplicate polled update dropped", "bot_id", p.botID, "update_id", upd.UpdateID)
	}
	return nil
}

func updateChatID(upd tgbotapi.Update) int64 {
	if upd.Message != nil && upd.Message.Chat != nil {
		return upd.Message.Chat.ID
	}
	if upd.CallbackQuery != nil && upd.CallbackQuery.Message != nil && upd.CallbackQuery.Message.Chat != nil {
		return upd.CallbackQuery.Message.Chat.ID
	}
	return 0
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
