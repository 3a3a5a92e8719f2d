package backgroundjobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func historyLine(s State, at time.Time) string {
	return fmt.Sprintf("%s@%s", s, at.UTC().Format(time.RFC3339Nano))
}

func parseHistory(raw string) []HistoryEntry {
	if raw == "" {
		return nil
	}
	lines := strings.Split(raw, "\n")
	entries := make([]HistoryEntry, 0, len(lines))
	for _, line := range lines {
		parts := strings.SplitN(line, "@", 2)
		if len(parts) != 2 {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, parts[1])
		if err != nil {
			continue
		}
		entries = append(entries, HistoryEntry{State: State(parts[0]), At: t})
	}
	return entries
}

// Enqueue inserts a new BackgroundJob row in state Enqueued and returns
// its id (as a decimal string) as the opaque handle.
func (e *StoreBackedEngine) Enqueue(ctx context.Context, target string, args map[string]interface{}) (string, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshaling background job args: %w", err)
	}
	job := BackgroundJob{
		Target:  fmt.Sprintf("%s(%s)", target, string(argsJSON)),
		State:   StateEnqueued,
		History: historyLine(StateEnqueued, time.Now()),
	}
	if err := e.db.DB.WithContext(ctx).Create(&job).Error; err != nil {
		return "", fmt.Errorf("enqueuing background job: %w", err)
	}
	return strconv.FormatUint(uint64(job.ID), 10), nil
}

// Delete removes a background job. Used to undo an enqueue when the
// caller's own DB write subsequently fails, per the dispatcher's
// idempotency handoff (§4.3).
func (e *StoreBackedEngine) Delete(ctx context.Context, handle string) error {
	id, err := strconv.ParseUint(handle, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid background job handle %q: %w", handle, err)
	}
	if err := e.db.DB.WithContext(ctx).Delete(&BackgroundJob{}, uint(id)).Error; err != nil {
		return fmt.Errorf("deleting background job %s: %w", handle, err)
	}
	return nil
}

// Describe reports the current state and transition history for a handle.
// A missing row is reported as StateDeleted, matching the health
// monitor's "Failed/Deleted or missing -> recover" rule.
func (e *StoreBackedEngine) Describe(ctx context.Context, handle string) (Description, error) {
	id, err := strconv.ParseUint(handle, 10, 64)
	if err != nil {
		return Description{State: StateDeleted}, nil
	}
	var job BackgroundJob
	err = e.db.DB.WithContext(ctx).First(&job, uint(id)).Error
	if err != nil {
		return Description{State: StateDeleted}, nil
	}
	return Description{State: job.State, History: parseHistory(job.History)}, nil
}

// Advance transitions a background job's recorded state, used by test
// doubles and by workers that drive the in-process engine directly
// instead of a real external scheduler.
func (e *StoreBackedEngine) Advance(ctx context.Context, handle string, next State) error {
	id, err := strconv.ParseUint(handle, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid background job handle %q: %w", handle, err)
	}
	var job BackgroundJob
	if err := e.db.DB.WithContext(ctx).First(&job, uint(id)).Error; err != nil {
		return fmt.Errorf("loading background job %s: %w", handle, err)
	}
	job.State = next
	job.History = job.History + "\n" + historyLine(next, time.Now())
	return e.db.DB.WithContext(ctx).Save(&job).Error
}
