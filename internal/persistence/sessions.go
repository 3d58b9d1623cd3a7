package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const sessionColumns = `
	session_id, bot_id, chat_id, adapter_name, adapter_model, adapter_thread_id,
	status, rolling_summary_md, COALESCE(last_turn_at, 0), created_at, updated_at`

func scanSession(scan func(...any) error) (*Session, error) {
	var sess Session
	err := scan(
		&sess.SessionID, &sess.BotID, &sess.ChatID, &sess.AdapterName,
		&sess.AdapterModel, &sess.AdapterThreadID, &sess.Status,
		&sess.RollingSummaryMD, &sess.LastTurnAt, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ActiveSession returns the single active session for (bot, chat), or
// ErrNotFound.
func (s *Store) ActiveSession(ctx context.Context, botID string, chatID int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE bot_id = ? AND chat_id = ? AND status = ?;
	`, botID, chatID, SessionActive)
	sess, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select active session: %w", err)
	}
	return sess, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?;
	`, sessionID)
	sess, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetOrCreateActiveSession returns the active session for (bot, chat),
// creating one with the given adapter defaults when none exists. A unique
// index conflict from a concurrent creator resolves by re-reading.
func (s *Store) GetOrCreateActiveSession(ctx context.Context, botID string, chatID int64, adapterName, adapterModel string) (*Session, error) {
	sess, err := s.ActiveSession(ctx, botID, chatID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := nowMillis()
	candidate := &Session{
		SessionID:    uuid.NewString(),
		BotID:        botID,
		ChatID:       chatID,
		AdapterName:  adapterName,
		AdapterModel: adapterModel,
		Status:       SessionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions
			(session_id, bot_id, chat_id, adapter_name, adapter_model, adapter_thread_id,
			 status, rolling_summary_md, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, '', ?, ?);
	`, candidate.SessionID, botID, chatID, adapterName, adapterModel, SessionActive, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race; the winner's row is the active session.
			return s.ActiveSession(ctx, botID, chatID)
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return candidate, nil
}

// CreateFreshSession retires the current active session and starts a new
// one. The rolling summary carries over so the next turn can resume with
// prior context; the adapter thread does not.
func (s *Store) CreateFreshSession(ctx context.Context, botID string, chatID int64, adapterName, adapterModel string) (*Session, error) {
	var created *Session
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fresh session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := nowMillis()
		var priorSummary string
		var priorAdapter, priorModel string
		row := tx.QueryRowContext(ctx, `
			SELECT rolling_summary_md, adapter_name, adapter_model
			FROM sessions WHERE bot_id = ? AND chat_id = ? AND status = ?;
		`, botID, chatID, SessionActive)
		switch err := row.Scan(&priorSummary, &priorAdapter, &priorModel); {
		case err == nil:
			if adapterName == "" {
				adapterName = priorAdapter
				adapterModel = priorModel
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE sessions SET status = ?, updated_at = ?
				WHERE bot_id = ? AND chat_id = ? AND status = ?;
			`, SessionReset, now, botID, chatID, SessionActive); err != nil {
				return fmt.Errorf("retire active session: %w", err)
			}
		case errors.Is(err, sql.ErrNoRows):
			// First session for this chat.
		default:
			return fmt.Errorf("read prior session: %w", err)
		}

		sess := &Session{
			SessionID:        uuid.NewString(),
			BotID:            botID,
			ChatID:           chatID,
			AdapterName:      adapterName,
			AdapterModel:     adapterModel,
			Status:           SessionActive,
			RollingSummaryMD: priorSummary,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions
				(session_id, bot_id, chat_id, adapter_name, adapter_model, adapter_thread_id,
				 status, rolling_summary_md, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, '', ?, ?, ?, ?);
		`, sess.SessionID, botID, chatID, adapterName, adapterModel, SessionActive, priorSummary, now, now); err != nil {
			return fmt.Errorf("insert fresh session: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit fresh session tx: %w", err)
		}
		created = sess
		return nil
	})
	return created, err
}

// SetSessionAdapter switches the active session's adapter and clears the
// adapter thread, since thread ids are meaningless across providers.
func (s *Store) SetSessionAdapter(ctx context.Context, sessionID, adapterName, adapterModel string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET adapter_name = ?, adapter_model = ?, adapter_thread_id = '', updated_at = ?
		WHERE session_id = ? AND status = ?;
	`, adapterName, adapterModel, nowMillis(), sessionID, SessionActive)
	if err != nil {
		return fmt.Errorf("set session adapter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session adapter rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionModel overrides the adapter model for the active session.
func (s *Store) SetSessionModel(ctx context.Context, sessionID, model string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET adapter_model = ?, updated_at = ?
		WHERE session_id = ? AND status = ?;
	`, model, nowMillis(), sessionID, SessionActive)
	if err != nil {
		return fmt.Errorf("set session model: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session model rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionThreadID persists the adapter's conversation handle once a run
// learns it.
func (s *Store) SetSessionThreadID(ctx context.Context, sessionID, threadID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET adapter_thread_id = ?, updated_at = ?
		WHERE session_id = ?;
	`, threadID, nowMillis(), sessionID)
	if err != nil {
		return fmt.Errorf("set session thread id: %w", err)
	}
	return nil
}

// UpsertSessionSummary replaces the rolling summary, bumps last_turn_at,
// and snapshots the summary for history, all in one transaction.
func (s *Store) UpsertSessionSummary(ctx context.Context, sessionID, summaryMD string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin summary tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := nowMillis()
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET rolling_summary_md = ?, last_turn_at = ?, updated_at = ?
			WHERE session_id = ?;
		`, summaryMD, now, now, sessionID)
		if err != nil {
			return fmt.Errorf("update rolling summary: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rolling summary rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_summaries (summary_id, session_id, summary_md, created_at)
			VALUES (?, ?, ?, ?);
		`, uuid.NewString(), sessionID, summaryMD, now); err != nil {
			return fmt.Errorf("insert summary snapshot: %w", err)
		}
		return tx.Commit()
	})
}

// SessionSummaryCount reports how many summary snapshots a session has.
func (s *Store) SessionSummaryCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_summaries WHERE session_id = ?;
	`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count session summaries: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "(1555)") ||
		strings.Contains(msg, "(2067)")
}
