package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrTokenExpired means the action token exists but its TTL passed.
	ErrTokenExpired = errors.New("action token expired")
	// ErrTokenConsumed means the action token was already used.
	ErrTokenConsumed = errors.New("action token already consumed")
	// ErrTokenMismatch means the token belongs to another bot or chat.
	ErrTokenMismatch = errors.New("action token bot/chat mismatch")
)

// InsertActionToken stores a consume-once button token.
func (s *Store) InsertActionToken(ctx context.Context, rec ActionTokenRecord) error {
	payload := rec.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_tokens (token, bot_id, chat_id, action, payload_json, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, rec.Token, rec.BotID, rec.ChatID, rec.Action, payload, rec.ExpiresAt, nowMillis())
	if err != nil {
		return fmt.Errorf("insert action token: %w", err)
	}
	return nil
}

// ConsumeActionToken atomically claims a token for the given bot and chat.
// The single conditional UPDATE is the consume-once guarantee; losers then
// re-read the row to learn which way they lost.
func (s *Store) ConsumeActionToken(ctx context.Context, token, botID string, chatID int64) (*ActionTokenRecord, error) {
	now := nowMillis()
	var rec ActionTokenRecord
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin consume token tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE action_tokens SET consumed_at = ?
			WHERE token = ? AND bot_id = ? AND chat_id = ?
			  AND consumed_at IS NULL AND expires_at > ?;
		`, now, token, botID, chatID, now)
		if err != nil {
			return fmt.Errorf("consume action token: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("consume token rows affected: %w", err)
		}
		if n == 0 {
			row := tx.QueryRowContext(ctx, `
				SELECT token, bot_id, chat_id, action, payload_json, expires_at,
					COALESCE(consumed_at, 0), created_at
				FROM action_tokens WHERE token = ?;
			`, token)
			var existing ActionTokenRecord
			scanErr := row.Scan(
				&existing.Token, &existing.BotID, &existing.ChatID, &existing.Action,
				&existing.PayloadJSON, &existing.ExpiresAt, &existing.ConsumedAt, &existing.CreatedAt,
			)
			switch {
			case errors.Is(scanErr, sql.ErrNoRows):
				return ErrNotFound
			case scanErr != nil:
				return fmt.Errorf("read losing token: %w", scanErr)
			case existing.BotID != botID || existing.ChatID != chatID:
				return ErrTokenMismatch
			case existing.ConsumedAt != 0:
				return ErrTokenConsumed
			default:
				return ErrTokenExpired
			}
		}

		row := tx.QueryRowContext(ctx, `
			SELECT token, bot_id, chat_id, action, payload_json, expires_at,
				COALESCE(consumed_at, 0), created_at
			FROM action_tokens WHERE token = ?;
		`, token)
		if err := row.Scan(
			&rec.Token, &rec.BotID, &rec.ChatID, &rec.Action, &rec.PayloadJSON,
			&rec.ExpiresAt, &rec.ConsumedAt, &rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("read consumed token: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PruneExpiredActionTokens deletes tokens past their TTL.
func (s *Store) PruneExpiredActionTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM action_tokens WHERE expires_at <= ?;
	`, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("prune action tokens: %w", err)
	}
	return res.RowsAffected()
}

// EnqueueDeferredAction queues a button action behind the active run. Past
// maxQueue pending entries per chat the action is stored as cancelled so
// the button press still leaves a trace. Returns the stored status.
func (s *Store) EnqueueDeferredAction(ctx context.Context, action DeferredAction, maxQueue int) (string, error) {
	var status string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue deferred tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var pending int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM deferred_button_actions
			WHERE bot_id = ? AND chat_id = ? AND status = ?;
		`, action.BotID, action.ChatID, DeferredPending).Scan(&pending); err != nil {
			return fmt.Errorf("count pending deferred: %w", err)
		}

		status = DeferredPending
		if maxQueue > 0 && pending >= maxQueue {
			status = DeferredCancelled
		}
		now := nowMillis()
		actionID := action.ActionID
		if actionID == "" {
			actionID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deferred_button_actions
				(action_id, bot_id, chat_id, session_id, action_type, prompt_text,
				 origin_turn_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, actionID, action.BotID, action.ChatID, action.SessionID, action.ActionType,
			action.PromptText, action.OriginTurnID, status, now, now); err != nil {
			return fmt.Errorf("insert deferred action: %w", err)
		}
		return tx.Commit()
	})
	return status, err
}

// PromoteNextDeferredAction starts the oldest pending deferred action as a
// new turn, provided the chat has no active run. Returns nil when nothing
// was promoted.
func (s *Store) PromoteNextDeferredAction(ctx context.Context, botID string, chatID int64) (*DeferredAction, *Turn, error) {
	_, err := s.ActiveRunJob(ctx, botID, chatID)
	if err == nil {
		return nil, nil, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT action_id, bot_id, chat_id, session_id, action_type, prompt_text,
			origin_turn_id, status, created_at, updated_at
		FROM deferred_button_actions
		WHERE bot_id = ? AND chat_id = ? AND status = ?
		ORDER BY created_at ASC, action_id ASC
		LIMIT 1;
	`, botID, chatID, DeferredPending)
	var action DeferredAction
	err = row.Scan(
		&action.ActionID, &action.BotID, &action.ChatID, &action.SessionID,
		&action.ActionType, &action.PromptText, &action.OriginTurnID,
		&action.Status, &action.CreatedAt, &action.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("select pending deferred action: %w", err)
	}

	// Promotion targets the current active session; the recorded session
	// may have been reset since the button was pressed.
	sess, err := s.ActiveSession(ctx, botID, chatID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			sess, err = s.GetSession(ctx, action.SessionID)
		}
		if err != nil {
			return nil, nil, err
		}
	}

	turn, _, err := s.CreateTurnWithRunJob(ctx, sess, action.PromptText)
	if err != nil {
		if errors.Is(err, ErrActiveRunExists) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE deferred_button_actions SET status = ?, updated_at = ?
		WHERE action_id = ?;
	`, DeferredPromoted, nowMillis(), action.ActionID); err != nil {
		return nil, nil, fmt.Errorf("mark deferred promoted: %w", err)
	}
	action.Status = DeferredPromoted
	return &action, turn, nil
}

// PendingDeferredCount reports the pending queue depth for a chat.
func (s *Store) PendingDeferredCount(ctx context.Context, botID string, chatID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deferred_button_actions
		WHERE bot_id = ? AND chat_id = ? AND status = ?;
	`, botID, chatID, DeferredPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending deferred: %w", err)
	}
	return n, nil
}
