package persistence

import (
	"context"
	"errors"
	"testing"
)

func seedSession(t *testing.T, store *Store, botID string, chatID int64) *Session {
	t.Helper()
	sess, err := store.GetOrCreateActiveSession(context.Background(), botID, chatID, "echo", "")
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess
}

func TestClaimNextRunJob_EmptyQueue(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.ClaimNextRunJob(context.Background(), "bot-1", "worker"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty claim err = %v, want ErrNotFound", err)
	}
}

func TestCreateTurnWithRunJob_SecondActiveRunRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, store, "bot-1", 42)

	turn, job, err := store.CreateTurnWithRunJob(ctx, sess, "first prompt")
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if turn.Status != TurnQueued || job.Status != RunJobQueued {
		t.Fatalf("unexpected states: turn=%s job=%s", turn.Status, job.Status)
	}

	_, _, err = store.CreateTurnWithRunJob(ctx, sess, "second prompt")
	if !errors.Is(err, ErrActiveRunExists) {
		t.Fatalf("expected ErrActiveRunExists, got %v", err)
	}

	// The losing attempt must leave no orphan turn behind.
	var turns int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM turns;`).Scan(&turns); err != nil {
		t.Fatalf("count turns: %v", err)
	}
	if turns != 1 {
		t.Fatalf("expected 1 turn, got %d", turns)
	}
}

func TestCreateTurnWithRunJob_AllowedAfterCompletion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, store, "bot-1", 42)

	turn, _, err := store.CreateTurnWithRunJob(ctx, sess, "one")
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	job, err := store.ClaimNextRunJob(ctx, "bot-1", "worker")
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkRunInFlight(ctx, job.JobID, "worker", turn.TurnID); err != nil {
		t.Fatalf("in flight: %v", err)
	}
	if err := store.CompleteRun(ctx, job.JobID, "worker", turn.TurnID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, _, err := store.CreateTurnWithRunJob(ctx, sess, "two"); err != nil {
		t.Fatalf("new turn after completion should succeed: %v", err)
	}
}

func TestRunJobLifecycle_CompleteUpdatesTurn(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, store, "bot-1", 42)

	turn, _, err := store.CreateTurnWithRunJob(ctx, sess, "prompt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := store.ClaimNextRunJob(ctx, "bot-1", "worker")
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}
	if job.TurnID != turn.TurnID || job.Attempts != 1 {
		t.Fatalf("unexpected claimed job: %+v", job)
	}

	if err := store.MarkRunInFlight(ctx, job.JobID, "worker", turn.TurnID); err != nil {
		t.Fatalf("in flight: %v", err)
	}
	running, err := store.GetTurn(ctx, turn.TurnID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if running.Status != TurnRunning || running.StartedAt == 0 {
		t.Fatalf("turn should be running: %+v", running)
	}

	if err := store.CompleteRun(ctx, job.JobID, "worker", turn.TurnID, "answer text"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	done, err := store.GetTurn(ctx, turn.TurnID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if done.Status != TurnCompleted || done.AssistantText != "answer text" || done.FinishedAt == 0 {
		t.Fatalf("unexpected completed turn: %+v", done)
	}

	gotJob, err := store.GetRunJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if gotJob.Status != RunJobCompleted || gotJob.LeaseOwner != "" {
		t.Fatalf("job should be completed with lease cleared: %+v", gotJob)
	}
}

func TestFailRun_TruncatesErrorText(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, store, "bot-1", 42)

	turn, _, err := store.CreateTurnWithRunJob(ctx, sess, "prompt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := store.ClaimNextRunJob(ctx, "bot-1", "worker")
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}

	long := make([]byte, maxErrorTextLen+500)
	for i := range long {
		long[i] = 'x'
	}
	if err := store.FailRun(ctx, job.JobID, "worker", turn.TurnID, "", string(long)); err != nil {
		t.Fatalf("fail: %v", err)
	}

	failed, err := store.GetTurn(ctx, turn.TurnID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if failed.Status != TurnFailed {
		t.Fatalf("expected failed turn, got %s", failed.Status)
	}
	if len(failed.ErrorText) != maxErrorTextLen {
		t.Fatalf("error text not truncated: %d", len(failed.ErrorText))
	}

	gotJob, err := store.GetRunJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if len(gotJob.LastError) != maxLastErrorLen {
		t.Fatalf("last_error not truncated: %d", len(gotJob.LastError))
	}
}

func TestRequestCancelActiveRun_FlagVisibleToWorker(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, store, "bot-1", 42)

	turn, _, err := store.CreateTurnWithRunJob(ctx, sess, "prompt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := store.ClaimNextRunJob(ctx, "bot-1", "worker")
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}

	found, err := store.RequestCancelActiveRun(ctx, "bot-1", 42)
	if err != nil || !found {
		t.Fatalf("request cancel: found=%v err=%v", found, err)
	}
	cancelled, err := store.IsCancelRequested(ctx, job.JobID)
	if err != nil || !cancelled {
		t.Fatalf("cancel flag: %v %v", cancelled, err)
	}

	if err := store.CancelRun(ctx, job.JobID, "worker", turn.TurnID); err != nil {
		t.Fatalf("cancel run: %v", err)
	}
	done, err := store.GetTurn(ctx, turn.TurnID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if done.Status != TurnCancelled {
		t.Fatalf("expected cancelled turn, got %s", done.Status)
	}

	found, err = store.RequestCancelActiveRun(ctx, "bot-1", 42)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if found {
		t.Fatal("no active run should remain")
	}
}

func TestAppendCliEvent_RejectsDuplicateSeq(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, store, "bot-1", 42)
	turn, _, err := store.CreateTurnWithRunJob(ctx, sess, "prompt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for seq := 1; seq <= 3; seq++ {
		ev := CliEvent{TurnID: turn.TurnID, Seq: seq, TS: "2026-08-24T00:00:00Z", EventType: "reasoning"}
		if err := store.AppendCliEvent(ctx, ev); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}
	dup := CliEvent{TurnID: turn.TurnID, Seq: 2, TS: "2026-08-24T00:00:01Z", EventType: "reasoning"}
	if err := store.AppendCliEvent(ctx, dup); err == nil {
		t.Fatal("duplicate (turn_id, seq) must be rejected")
	}

	count, err := store.TurnEventCount(ctx, turn.TurnID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 events, got %d", count)
	}

	events, err := store.ListTurnEvents(ctx, turn.TurnID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, ev := range events {
		if ev.Seq != i+1 {
			t.Fatalf("events out of order at %d: %+v", i, ev)
		}
	}
}

func TestClaimNextRunJob_ExpiredInFlightReclaimable(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, store, "bot-1", 42)

	turn, _, err := store.CreateTurnWithRunJob(ctx, sess, "prompt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := store.ClaimNextRunJob(ctx, "bot-1", "crashed")
	if err != nil || job == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkRunInFlight(ctx, job.JobID, "crashed", turn.TurnID); err != nil {
		t.Fatalf("in flight: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE cli_run_jobs SET lease_expires_at = 1 WHERE job_id = ?;`, job.JobID); err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	reclaimed, err := store.ClaimNextRunJob(ctx, "bot-1", "successor")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed == nil || reclaimed.JobID != job.JobID || reclaimed.LeaseOwner != "successor" {
		t.Fatalf("unexpected reclaim: %+v", reclaimed)
	}
}
