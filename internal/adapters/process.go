package adapters

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// Adapter JSONL lines can carry whole file diffs.
	maxLineBytes = 4 * 1024 * 1024

	cancelPollInterval = 500 * time.Millisecond
)

// normalizeFunc maps one raw stdout line to zero or more events, numbering
// them from seqStart.
type normalizeFunc func(rawLine string, seqStart int) []Event

// runProcess spawns the CLI and streams normalized events. The returned
// error covers spawn failures only (missing binary included); everything
// after that is reported in-band as error / turn_completed events.
func runProcess(ctx context.Context, bin string, args []string, workdir string, shouldCancel ShouldCancelFunc, normalize normalizeFunc) (<-chan Event, error) {
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("locate %s: %w", bin, err)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	if workdir != "" {
		cmd.Dir = workdir
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)

		cancelled := false
		procDone := make(chan struct{})
		monitorDone := make(chan struct{})
		if shouldCancel != nil {
			go func() {
				defer close(monitorDone)
				ticker := time.NewTicker(cancelPollInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-procDone:
						return
					case <-ticker.C:
						stop, err := shouldCancel(ctx)
						if err != nil {
							return
						}
						if stop {
							cancelled = true
							_ = cmd.Process.Signal(syscall.SIGTERM)
							return
						}
					}
				}
			}()
		} else {
			close(monitorDone)
		}

		seq := 1
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			for _, ev := range normalize(scanner.Text(), seq) {
				select {
				case events <- ev:
					seq++
				case <-ctx.Done():
					_ = cmd.Process.Signal(syscall.SIGKILL)
					_ = cmd.Wait()
					return
				}
			}
		}

		waitErr := cmd.Wait()
		close(procDone)
		<-monitorDone

		emit := func(eventType string, payload map[string]any) {
			select {
			case events <- Event{Seq: seq, TS: nowISO(), Type: eventType, Payload: payload}:
				seq++
			case <-ctx.Done():
			}
		}

		if cancelled {
			emit(EventError, map[string]any{"message": "cancelled"})
			emit(EventTurnCompleted, map[string]any{"status": StatusCancelled})
			return
		}
		if waitErr != nil {
			emit(EventError, map[string]any{
				"message": fmt.Sprintf("%s exited with error: %v", bin, waitErr),
				"stderr":  truncateTail(stderr.String(), 4000),
			})
			emit(EventTurnCompleted, map[string]any{"status": StatusError})
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			emit(EventError, map[string]any{"message": fmt.Sprintf("read %s output: %v", bin, scanErr)})
			emit(EventTurnCompleted, map[string]any{"status": StatusError})
		}
	}()
	return events, nil
}

func truncateTail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
