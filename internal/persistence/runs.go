package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const runJobColumns = `
	job_id, bot_id, chat_id, session_id, turn_id, status, attempts, available_at,
	COALESCE(lease_owner, ''), COALESCE(lease_expires_at, 0), cancel_requested,
	COALESCE(last_error, ''), created_at, updated_at`

func scanRunJob(scan func(...any) error) (*RunJob, error) {
	var j RunJob
	var cancelRequested int
	err := scan(
		&j.JobID, &j.BotID, &j.ChatID, &j.SessionID, &j.TurnID, &j.Status,
		&j.Attempts, &j.AvailableAt, &j.LeaseOwner, &j.LeaseExpiresAt,
		&cancelRequested, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.CancelRequested = cancelRequested != 0
	return &j, nil
}

const turnColumns = `
	turn_id, session_id, bot_id, chat_id, user_text, assistant_text, status,
	error_text, COALESCE(started_at, 0), COALESCE(finished_at, 0), created_at, updated_at`

func scanTurn(scan func(...any) error) (*Turn, error) {
	var t Turn
	err := scan(
		&t.TurnID, &t.SessionID, &t.BotID, &t.ChatID, &t.UserText,
		&t.AssistantText, &t.Status, &t.ErrorText, &t.StartedAt, &t.FinishedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTurnWithRunJob records a user turn and its run job atomically. The
// partial unique index on active run jobs is the arbiter: a second active
// run for the chat surfaces as ErrActiveRunExists and nothing is written.
func (s *Store) CreateTurnWithRunJob(ctx context.Context, sess *Session, userText string) (*Turn, *RunJob, error) {
	var turn *Turn
	var job *RunJob
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create turn tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := nowMillis()
		t := &Turn{
			TurnID:    uuid.NewString(),
			SessionID: sess.SessionID,
			BotID:     sess.BotID,
			ChatID:    sess.ChatID,
			UserText:  userText,
			Status:    TurnQueued,
			CreatedAt: now,
			UpdatedAt: now,
		}
		j := &RunJob{
			JobID:       uuid.NewString(),
			BotID:       sess.BotID,
			ChatID:      sess.ChatID,
			SessionID:   sess.SessionID,
			TurnID:      t.TurnID,
			Status:      RunJobQueued,
			AvailableAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cli_run_jobs
				(job_id, bot_id, chat_id, session_id, turn_id, status, attempts,
				 available_at, cancel_requested, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?);
		`, j.JobID, j.BotID, j.ChatID, j.SessionID, j.TurnID, j.Status, j.AvailableAt, now, now); err != nil {
			if isUniqueViolation(err) {
				return ErrActiveRunExists
			}
			return fmt.Errorf("insert run job: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns
				(turn_id, session_id, bot_id, chat_id, user_text, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, t.TurnID, t.SessionID, t.BotID, t.ChatID, t.UserText, t.Status, now, now); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create turn tx: %w", err)
		}
		turn, job = t, j
		return nil
	})
	return turn, job, err
}

// ActiveRunJob returns the queued or running job for (bot, chat), or
// ErrNotFound.
func (s *Store) ActiveRunJob(ctx context.Context, botID string, chatID int64) (*RunJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runJobColumns+`
		FROM cli_run_jobs
		WHERE bot_id = ? AND chat_id = ? AND status IN (?, ?, ?);
	`, botID, chatID, RunJobQueued, RunJobLeased, RunJobInFlight)
	job, err := scanRunJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select active run job: %w", err)
	}
	return job, nil
}

// ClaimNextRunJob leases the oldest claimable run job for the bot. Expired
// leases (worker crash mid-run) are claimable again. Reports ErrNotFound
// when nothing is claimable.
func (s *Store) ClaimNextRunJob(ctx context.Context, botID, owner string) (*RunJob, error) {
	if owner == "" {
		owner = uuid.NewString()
	}
	var result *RunJob
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim run job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := nowMillis()
		row := tx.QueryRowContext(ctx, `
			SELECT `+runJobColumns+`
			FROM cli_run_jobs
			WHERE bot_id = ?
			  AND available_at <= ?
			  AND (status = ? OR (status IN (?, ?) AND lease_expires_at < ?))
			ORDER BY available_at ASC, created_at ASC
			LIMIT 1;
		`, botID, now, RunJobQueued, RunJobLeased, RunJobInFlight, now)
		job, err := scanRunJob(row.Scan)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select claimable run job: %w", err)
		}

		leaseExpiry := time.Now().Add(s.lease).UnixMilli()
		res, err := tx.ExecContext(ctx, `
			UPDATE cli_run_jobs
			SET status = ?, lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE job_id = ? AND status = ?;
		`, RunJobLeased, owner, leaseExpiry, now, job.JobID, job.Status)
		if err != nil {
			return fmt.Errorf("lease run job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lease run job rows affected: %w", err)
		}
		if n == 0 {
			// Lost the row to a concurrent claimer.
			return ErrNotFound
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim run job tx: %w", err)
		}
		job.Status = RunJobLeased
		job.LeaseOwner = owner
		job.LeaseExpiresAt = leaseExpiry
		job.Attempts++
		result = job
		return nil
	})
	return result, err
}

// HeartbeatRunJob renews the lease while the owner still holds the job.
func (s *Store) HeartbeatRunJob(ctx context.Context, jobID, owner string) (bool, error) {
	if owner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE cli_run_jobs
		SET lease_expires_at = ?, updated_at = ?
		WHERE job_id = ? AND lease_owner = ? AND status IN (?, ?);
	`, time.Now().Add(s.lease).UnixMilli(), nowMillis(), jobID, owner, RunJobLeased, RunJobInFlight)
	if err != nil {
		return false, fmt.Errorf("heartbeat run job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat run job rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkRunInFlight moves the leased job to in_flight and its turn to
// running in one transaction.
func (s *Store) MarkRunInFlight(ctx context.Context, jobID, owner, turnID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin in-flight tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := nowMillis()
		res, err := tx.ExecContext(ctx, `
			UPDATE cli_run_jobs SET status = ?, updated_at = ?
			WHERE job_id = ? AND lease_owner = ? AND status = ?;
		`, RunJobInFlight, now, jobID, owner, RunJobLeased)
		if err != nil {
			return fmt.Errorf("mark job in flight: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark job in flight rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE turns SET status = ?, started_at = ?, updated_at = ?
			WHERE turn_id = ? AND status = ?;
		`, TurnRunning, now, now, turnID, TurnQueued); err != nil {
			return fmt.Errorf("mark turn running: %w", err)
		}
		return tx.Commit()
	})
}

// CompleteRun finishes the job and its turn with the assistant text.
func (s *Store) CompleteRun(ctx context.Context, jobID, owner, turnID, assistantText string) error {
	return s.finishRun(ctx, jobID, owner, turnID, RunJobCompleted, TurnCompleted, assistantText, "")
}

// FailRun finishes the job and its turn with an error.
func (s *Store) FailRun(ctx context.Context, jobID, owner, turnID, assistantText, errText string) error {
	return s.finishRun(ctx, jobID, owner, turnID, RunJobFailed, TurnFailed, assistantText, errText)
}

// CancelRun finishes the job and its turn as cancelled.
func (s *Store) CancelRun(ctx context.Context, jobID, owner, turnID string) error {
	return s.finishRun(ctx, jobID, owner, turnID, RunJobCancelled, TurnCancelled, "", "cancelled")
}

func (s *Store) finishRun(ctx context.Context, jobID, owner, turnID string, jobStatus RunJobStatus, turnStatus, assistantText, errText string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := nowMillis()
		res, err := tx.ExecContext(ctx, `
			UPDATE cli_run_jobs
			SET status = ?, lease_owner = NULL, lease_expires_at = NULL, last_error = ?, updated_at = ?
			WHERE job_id = ? AND lease_owner = ? AND status IN (?, ?);
		`, jobStatus, truncate(errText, maxLastErrorLen), now, jobID, owner, RunJobLeased, RunJobInFlight)
		if err != nil {
			return fmt.Errorf("finish run job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finish run job rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE turns
			SET status = ?, assistant_text = ?, error_text = ?, finished_at = ?, updated_at = ?
			WHERE turn_id = ?;
		`, turnStatus, assistantText, truncate(errText, maxErrorTextLen), now, now, turnID); err != nil {
			return fmt.Errorf("finish turn: %w", err)
		}
		return tx.Commit()
	})
}

// RequestCancelActiveRun flags the chat's active run for cancellation. The
// run worker observes the flag between adapter events. Reports whether an
// active run existed.
func (s *Store) RequestCancelActiveRun(ctx context.Context, botID string, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cli_run_jobs SET cancel_requested = 1, updated_at = ?
		WHERE bot_id = ? AND chat_id = ? AND status IN (?, ?, ?);
	`, nowMillis(), botID, chatID, RunJobQueued, RunJobLeased, RunJobInFlight)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request cancel rows affected: %w", err)
	}
	return n > 0, nil
}

// IsCancelRequested polls the cancel flag for a run job.
func (s *Store) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `
		SELECT cancel_requested FROM cli_run_jobs WHERE job_id = ?;
	`, jobID).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// GetRunJob fetches one run job by id.
func (s *Store) GetRunJob(ctx context.Context, jobID string) (*RunJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runJobColumns+` FROM cli_run_jobs WHERE job_id = ?;
	`, jobID)
	job, err := scanRunJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run job: %w", err)
	}
	return job, nil
}

// GetTurn fetches one turn by id.
func (s *Store) GetTurn(ctx context.Context, turnID string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+turnColumns+` FROM turns WHERE turn_id = ?;
	`, turnID)
	turn, err := scanTurn(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get turn: %w", err)
	}
	return turn, nil
}

// LatestCompletedTurn returns the newest completed turn of a session,
// or ErrNotFound when none finished yet.
func (s *Store) LatestCompletedTurn(ctx context.Context, sessionID string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+turnColumns+` FROM turns
		WHERE session_id = ? AND status = ?
		ORDER BY finished_at DESC, created_at DESC LIMIT 1;
	`, sessionID, TurnCompleted)
	turn, err := scanTurn(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest completed turn: %w", err)
	}
	return turn, nil
}

// RequeueExpiredRunLeases returns expired leased or in-flight jobs to
// queued so their status readouts match the claim predicate.
func (s *Store) RequeueExpiredRunLeases(ctx context.Context) (int64, error) {
	now := nowMillis()
	res, err := s.db.ExecContext(ctx, `
		UPDATE cli_run_jobs
		SET status = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE status IN (?, ?) AND lease_expires_at IS NOT NULL AND lease_expires_at < ?;
	`, RunJobQueued, now, RunJobLeased, RunJobInFlight, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired run leases: %w", err)
	}
	return res.RowsAffected()
}

// AppendCliEvent persists one adapter event under its turn. Sequence
// numbers must be contiguous per turn; the unique index rejects replays.
func (s *Store) AppendCliEvent(ctx context.Context, ev CliEvent) error {
	payload := ev.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cli_events (turn_id, seq, ts, event_type, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, ev.TurnID, ev.Seq, ev.TS, ev.EventType, payload, nowMillis())
		return err
	})
	if err != nil {
		return fmt.Errorf("append cli event: %w", err)
	}
	return nil
}

// TurnEventCount reports how many events a turn has. The run worker seeds
// its next sequence number from this after a crash.
func (s *Store) TurnEventCount(ctx context.Context, turnID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cli_events WHERE turn_id = ?;
	`, turnID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count turn events: %w", err)
	}
	return n, nil
}

// ListTurnEvents returns a turn's events in sequence order.
func (s *Store) ListTurnEvents(ctx context.Context, turnID string) ([]CliEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, seq, ts, event_type, payload_json
		FROM cli_events WHERE turn_id = ? ORDER BY seq ASC;
	`, turnID)
	if err != nil {
		return nil, fmt.Errorf("list turn events: %w", err)
	}
	defer rows.Close()

	var out []CliEvent
	for rows.Next() {
		var ev CliEvent
		if err := rows.Scan(&ev.TurnID, &ev.Seq, &ev.TS, &ev.EventType, &ev.PayloadJSON); err != nil {
			return nil, fmt.Errorf("scan cli event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cli events: %w", err)
	}
	return out, nil
}
