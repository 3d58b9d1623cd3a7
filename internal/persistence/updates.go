package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RegisterBot upserts the bot row. Called once per bot at startup.
func (s *Store) RegisterBot(ctx context.Context, botID, name, adapterName string) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (bot_id, name, adapter_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (bot_id) DO UPDATE SET
			name = excluded.name,
			adapter_name = excluded.adapter_name,
			updated_at = excluded.updated_at;
	`, botID, name, adapterName, now, now)
	if err != nil {
		return fmt.Errorf("register bot: %w", err)
	}
	return nil
}

// AcceptUpdate persists a raw update and enqueues its processing job in one
// transaction. A duplicate (bot_id, update_id) is a no-op and reports
// accepted=false.
func (s *Store) AcceptUpdate(ctx context.Context, botID string, updateID, chatID int64, payloadJSON string) (bool, error) {
	var accepted bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin accept update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := nowMillis()
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO telegram_updates (bot_id, update_id, chat_id, payload_json, received_at)
			VALUES (?, ?, ?, ?, ?);
		`, botID, updateID, chatID, payloadJSON, now)
		if err != nil {
			return fmt.Errorf("insert update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert update rows affected: %w", err)
		}
		if n == 0 {
			accepted = false
			return tx.Rollback()
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO telegram_update_jobs
				(job_id, bot_id, update_id, status, attempts, available_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?);
		`, uuid.NewString(), botID, updateID, UpdateJobQueued, now, now, now); err != nil {
			return fmt.Errorf("enqueue update job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit accept update tx: %w", err)
		}
		accepted = true
		return nil
	})
	return accepted, err
}

// MaxUpdateID returns the highest persisted update id for the bot, or 0.
func (s *Store) MaxUpdateID(ctx context.Context, botID string) (int64, error) {
	var maxID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(update_id), 0) FROM telegram_updates WHERE bot_id = ?;
	`, botID).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("max update id: %w", err)
	}
	return maxID, nil
}

// ResetIngestState drops persisted updates and queued jobs for the bot.
// Used against mock platforms whose update counters restart from 1.
func (s *Store) ResetIngestState(ctx context.Context, botID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset ingest tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM telegram_update_jobs WHERE bot_id = ? AND status = ?;
	`, botID, UpdateJobQueued); err != nil {
		return fmt.Errorf("delete queued update jobs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM telegram_updates WHERE bot_id = ?;`, botID); err != nil {
		return fmt.Errorf("delete updates: %w", err)
	}
	return tx.Commit()
}

const updateJobColumns = `
	j.job_id, j.bot_id, j.update_id, j.status, j.attempts, j.available_at,
	COALESCE(j.lease_owner, ''), COALESCE(j.lease_expires_at, 0),
	COALESCE(j.last_error, ''), u.payload_json, j.created_at, j.updated_at`

func scanUpdateJob(scan func(...any) error) (*UpdateJob, error) {
	var j UpdateJob
	err := scan(
		&j.JobID, &j.BotID, &j.UpdateID, &j.Status, &j.Attempts, &j.AvailableAt,
		&j.LeaseOwner, &j.LeaseExpiresAt, &j.LastError, &j.PayloadJSON,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ClaimNextUpdateJob leases the oldest claimable ingress job for the bot.
// Claimable means queued and due, or leased with an expired lease; the
// expired case makes crash recovery part of the normal claim path.
// Reports ErrNotFound when nothing is claimable.
func (s *Store) ClaimNextUpdateJob(ctx context.Context, botID, owner string) (*UpdateJob, error) {
	if owner == "" {
		owner = uuid.NewString()
	}
	var result *UpdateJob
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim update job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := nowMillis()
		row := tx.QueryRowContext(ctx, `
			SELECT `+updateJobColumns+`
			FROM telegram_update_jobs j
			JOIN telegram_updates u ON u.bot_id = j.bot_id AND u.update_id = j.update_id
			WHERE j.bot_id = ?
			  AND j.available_at <= ?
			  AND (j.status = ? OR (j.status = ? AND j.lease_expires_at < ?))
			ORDER BY j.available_at ASC, j.created_at ASC
			LIMIT 1;
		`, botID, now, UpdateJobQueued, UpdateJobLeased, now)
		job, err := scanUpdateJob(row.Scan)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select claimable update job: %w", err)
		}

		leaseExpiry := time.Now().Add(s.lease).UnixMilli()
		res, err := tx.ExecContext(ctx, `
			UPDATE telegram_update_jobs
			SET status = ?, lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE job_id = ? AND status = ?;
		`, UpdateJobLeased, owner, leaseExpiry, now, job.JobID, job.Status)
		if err != nil {
			return fmt.Errorf("lease update job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lease update job rows affected: %w", err)
		}
		if n == 0 {
			// Lost the row to a concurrent claimer.
			return ErrNotFound
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim update job tx: %w", err)
		}
		job.Status = UpdateJobLeased
		job.LeaseOwner = owner
		job.LeaseExpiresAt = leaseExpiry
		job.Attempts++
		result = job
		return nil
	})
	return result, err
}

// HeartbeatUpdateJob renews the lease while the owner still holds the job.
func (s *Store) HeartbeatUpdateJob(ctx context.Context, jobID, owner string) (bool, error) {
	if owner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE telegram_update_jobs
		SET lease_expires_at = ?, updated_at = ?
		WHERE job_id = ? AND lease_owner = ? AND status = ?;
	`, time.Now().Add(s.lease).UnixMilli(), nowMillis(), jobID, owner, UpdateJobLeased)
	if err != nil {
		return false, fmt.Errorf("heartbeat update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat update job rows affected: %w", err)
	}
	return n == 1, nil
}

// CompleteUpdateJob marks a leased job done and clears the lease.
func (s *Store) CompleteUpdateJob(ctx context.Context, jobID, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE telegram_update_jobs
		SET status = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE job_id = ? AND lease_owner = ? AND status = ?;
	`, UpdateJobCompleted, nowMillis(), jobID, owner, UpdateJobLeased)
	if err != nil {
		return fmt.Errorf("complete update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete update job rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailUpdateJob records a processing error. Below the attempt cap the job
// is requeued with exponential backoff; at the cap, or when permanent is
// set, it fails terminally. Reports whether the job was requeued.
func (s *Store) FailUpdateJob(ctx context.Context, jobID, owner, errMsg string, permanent bool) (bool, error) {
	var requeued bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail update job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var attempts int
		err = tx.QueryRowContext(ctx, `
			SELECT attempts FROM telegram_update_jobs
			WHERE job_id = ? AND lease_owner = ? AND status = ?;
		`, jobID, owner, UpdateJobLeased).Scan(&attempts)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read failing update job: %w", err)
		}

		now := nowMillis()
		lastError := truncate(errMsg, maxLastErrorLen)
		if permanent || attempts >= defaultMaxAttempts {
			if _, err := tx.ExecContext(ctx, `
				UPDATE telegram_update_jobs
				SET status = ?, lease_owner = NULL, lease_expires_at = NULL, last_error = ?, updated_at = ?
				WHERE job_id = ?;
			`, UpdateJobFailed, lastError, now, jobID); err != nil {
				return fmt.Errorf("fail update job: %w", err)
			}
			requeued = false
		} else {
			availableAt := time.Now().Add(retryDelay(attempts)).UnixMilli()
			if _, err := tx.ExecContext(ctx, `
				UPDATE telegram_update_jobs
				SET status = ?, lease_owner = NULL, lease_expires_at = NULL,
					last_error = ?, available_at = ?, updated_at = ?
				WHERE job_id = ?;
			`, UpdateJobQueued, lastError, availableAt, now, jobID); err != nil {
				return fmt.Errorf("requeue update job: %w", err)
			}
			requeued = true
		}
		return tx.Commit()
	})
	return requeued, err
}

// RequeueExpiredUpdateLeases returns expired leased jobs to queued. The
// claim predicate already treats them as claimable; this sweep keeps
// status readouts honest.
func (s *Store) RequeueExpiredUpdateLeases(ctx context.Context) (int64, error) {
	now := nowMillis()
	res, err := s.db.ExecContext(ctx, `
		UPDATE telegram_update_jobs
		SET status = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?;
	`, UpdateJobQueued, now, UpdateJobLeased, now)
	if err != nil {
		return 0, fmt.Errorf("requeue expired update leases: %w", err)
	}
	return res.RowsAffected()
}

// GetUpdateJob fetches one ingress job by id.
func (s *Store) GetUpdateJob(ctx context.Context, jobID string) (*UpdateJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+updateJobColumns+`
		FROM telegram_update_jobs j
		JOIN telegram_updates u ON u.bot_id = j.bot_id AND u.update_id = j.update_id
		WHERE j.job_id = ?;
	`, jobID)
	job, err := scanUpdateJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get update job: %w", err)
	}
	return job, nil
}

// PruneProcessedUpdates deletes completed ingress jobs, and their raw
// update rows, older than the retention cutoff. Raw updates are only
// removed once no job references them, and the newest update per bot
// always survives so a restarted poller keeps its resume offset.
func (s *Store) PruneProcessedUpdates(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin prune updates tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			DELETE FROM telegram_update_jobs WHERE status = ? AND updated_at < ?;
		`, UpdateJobCompleted, cutoff)
		if err != nil {
			return fmt.Errorf("prune completed update jobs: %w", err)
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune update jobs rows affected: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM telegram_updates
			WHERE received_at < ?
			AND update_id < (
				SELECT MAX(u.update_id) FROM telegram_updates u WHERE u.bot_id = telegram_updates.bot_id
			)
			AND NOT EXISTS (
				SELECT 1 FROM telegram_update_jobs j
				WHERE j.bot_id = telegram_updates.bot_id AND j.update_id = telegram_updates.update_id
			);
		`, cutoff); err != nil {
			return fmt.Errorf("prune raw updates: %w", err)
		}
		return tx.Commit()
	})
	return pruned, err
}
