// Package telegram wraps the bot API client, update parsing, and the
// two ingress paths (webhook and long polling).
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// RateLimitError reports a 429 from the platform. RetryAfter is seconds.
type RateLimitError struct {
	Method     string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("telegram %s rate limited, retry after %ds", e.Method, e.RetryAfter)
}

// SendOptions carries optional message formatting.
type SendOptions struct {
	ParseMode             string
	DisableWebPagePreview bool
	ReplyMarkup           *tgbotapi.InlineKeyboardMarkup
}

// Client is the platform surface the workers and streamer consume.
// Tests substitute a recording fake.
type Client interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string, opts SendOptions) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	SendPhoto(ctx context.Context, chatID int64, path, caption string) error
	SendDocument(ctx context.Context, chatID int64, path, caption string) error
	GetUpdates(ctx context.Context, offset int64, timeoutSec, limit int) ([]tgbotapi.Update, error)
	SetWebhook(ctx context.Context, publicURL, secretToken string) error
	DeleteWebhook(ctx context.Context, dropPending bool) error
}

// BotClient is the production Client over tgbotapi with a configurable
// API base so the mock platform can stand in for api.telegram.org.
type BotClient struct {
	api *tgbotapi.BotAPI
}

func NewClient(token, baseURL string) (*BotClient, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/bot%s/%s"
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("init telegram client: %w", err)
	}
	return &BotClient{api: api}, nil
}

func (c *BotClient) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = opts.ParseMode
	msg.DisableWebPagePreview = opts.DisableWebPagePreview
	if opts.ReplyMarkup != nil {
		msg.ReplyMarkup = *opts.ReplyMarkup
	}
	sent, err := c.api.Send(msg)
	if err != nil {
		return 0, wrapAPIError("sendMessage", err)
	}
	return sent.MessageID, nil
}

func (c *BotClient) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, opts SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = opts.ParseMode
	if opts.ReplyMarkup != nil {
		edit.ReplyMarkup = opts.ReplyMarkup
	}
	if _, err := c.api.Send(edit); err != nil {
		return wrapAPIError("editMessageText", err)
	}
	return nil
}

func (c *BotClient) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		return wrapAPIError("answerCallbackQuery", err)
	}
	return nil
}

func (c *BotClient) SendPhoto(ctx context.Context, chatID int64, path, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(path))
	photo.Caption = caption
	if _, err := c.api.Send(photo); err != nil {
		return wrapAPIError("sendPhoto", err)
	}
	return nil
}

func (c *BotClient) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = caption
	if _, err := c.api.Send(doc); err != nil {
		return wrapAPIError("sendDocument", err)
	}
	return nil
}

func (c *BotClient) GetUpdates(ctx context.Context, offset int64, timeoutSec, limit int) ([]tgbotapi.Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	updates, err := c.api.GetUpdates(tgbotapi.UpdateConfig{
		Offset:         int(offset),
		Limit:          limit,
		Timeout:        timeoutSec,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		return nil, wrapAPIError("getUpdates", err)
	}
	return updates, nil
}

func (c *BotClient) SetWebhook(ctx context.Context, publicURL, secretToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := tgbotapi.Params{"url": publicURL}
	params.AddNonEmpty("secret_token", secretToken)
	if _, err := c.api.MakeRequest("setWebhook", params); err != nil {
		return wrapAPIError("setWebhook", err)
	}
	return nil
}

func (c *BotClient) DeleteWebhook(ctx context.Context, dropPending bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: dropPending}); err != nil {
		return wrapAPIError("deleteWebhook", err)
	}
	return nil
}

// AsRateLimit unwraps a RateLimitError if err carries one.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// wrapAPIError converts a 429 into a RateLimitError so callers can sleep
// retry_after and count the retry per method.
func wrapAPIError(method string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.RetryAfter > 0 || apiErr.Code == 429 {
			retryAfter := apiErr.RetryAfter
			if retryAfter < 1 {
				retryAfter = 1
			}
			return &RateLimitError{Method: method, RetryAfter: retryAfter}
		}
	}
	return fmt.Errorf("telegram %s: %w", method, err)
}
