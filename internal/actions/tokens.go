// Package actions issues and consumes inline button tokens and builds
// the follow-up prompts those buttons trigger.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/tgbridge/internal/persistence"
)

// Action types carried by button tokens.
const (
	ActionSummary    = "summary"
	ActionRegenerate = "regenerate"
	ActionNext       = "next"
	ActionStop       = "stop"
)

const (
	// DefaultTokenTTL bounds how long a button stays pressable.
	DefaultTokenTTL = 24 * time.Hour

	minTokenTTL = time.Minute
)

// TokenPayload is the JSON body bound to a button token.
type TokenPayload struct {
	ActionType   string `json:"action_type"`
	RunSource    string `json:"run_source"`
	ChatID       string `json:"chat_id"`
	SessionID    string `json:"session_id"`
	OriginTurnID string `json:"origin_turn_id"`
}

// TokenService issues consume-once tokens backed by the store.
type TokenService struct {
	store *persistence.Store
	ttl   time.Duration
}

func NewTokenService(store *persistence.Store, ttl time.Duration) *TokenService {
	if ttl < minTokenTTL {
		ttl = minTokenTTL
	}
	return &TokenService{store: store, ttl: ttl}
}

// Issue mints a token for one button on one chat.
func (s *TokenService) Issue(ctx context.Context, botID string, chatID int64, payload TokenPayload) (string, error) {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	payload.ChatID = fmt.Sprintf("%d", chatID)
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode token payload: %w", err)
	}
	err = s.store.InsertActionToken(ctx, persistence.ActionTokenRecord{
		Token:       token,
		BotID:       botID,
		ChatID:      chatID,
		Action:      payload.ActionType,
		PayloadJSON: string(encoded),
		ExpiresAt:   time.Now().Add(s.ttl).UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Consume claims the token once and decodes its payload. Store-level
// sentinels (ErrNotFound, ErrTokenExpired, ErrTokenConsumed,
// ErrTokenMismatch) pass through for the caller to map onto replies.
func (s *TokenService) Consume(ctx context.Context, token, botID string, chatID int64) (*TokenPayload, error) {
	rec, err := s.store.ConsumeActionToken(ctx, token, botID, chatID)
	if err != nil {
		return nil, err
	}
	var payload TokenPayload
	if err := json.Unmarshal([]byte(rec.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("decode token payload: %w", err)
	}
	if payload.ActionType == "" || payload.SessionID == "" || payload.OriginTurnID == "" {
		return nil, fmt.Errorf("token payload incomplete: %s", rec.Token)
	}
	return &payload, nil
}
