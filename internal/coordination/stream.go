// Package coordination wraps the Redis-resident coordination fabric: the
// append-only streams with consumer groups (stream.go), the single-holder
// lease primitive (lock.go), and the resume/completed-marker cache
// (cache.go).
package coordination

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// UploadStreamRecord is the payload published by the download worker to
// hand a completed job off to an upload dispatcher.
type UploadStreamRecord struct {
	JobID            uint
	DownloadPath     string
	StorageProfileID uint
	UserID           uint
	CreatedAt        time.Time
}

func (r UploadStreamRecord) fields() map[string]interface{} {
	return map[string]interface{}{
		"jobId":            strconv.FormatUint(uint64(r.JobID), 10),
		"downloadPath":     r.DownloadPath,
		"storageProfileId": strconv.FormatUint(uint64(r.StorageProfileID), 10),
		"userId":           strconv.FormatUint(uint64(r.UserID), 10),
		"createdAt":        r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Entry is one delivered stream message.
type Entry struct {
	ID     string
	Record UploadStreamRecord
}

// Stream is a single provider's upload stream plus its consumer group.
type Stream struct {
	rdb       *redis.Client
	key       string
	group     string
	consumer  string
	idleWindow time.Duration
}

// NewStream builds a Stream for one provider. consumer follows the
// worker-{hostname}-{uuidHex} pattern mandated by §6.
func NewStream(rdb *redis.Client, key, group, hostname string) *Stream {
	return &Stream{
		rdb:        rdb,
		key:        key,
		group:      group,
		consumer:   fmt.Sprintf("worker-%s-%s", hostname, uuid.New().String()[:8]),
		idleWindow: 30 * time.Second,
	}
}

// EnsureGroup creates the consumer group if absent. Idempotent.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.key, s.group, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		if isBusyGroupErr(err) {
			return nil
		}
		return fmt.Errorf("creating consumer group %s on %s: %w", s.group, s.key, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "BUSYGROU"
}

// Publish appends a record to the stream (XADD).
func (s *Stream) Publish(ctx context.Context, rec UploadStreamRecord) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		Values: rec.fields(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publishing to stream %s: %w", s.key, err)
	}
	return id, nil
}

// ReclaimPending claims pending entries idle for at least the idle window
// so a restarted or failed-over consumer picks up abandoned work before
// serving new messages.
func (s *Stream) ReclaimPending(ctx context.Context, batch int64) ([]Entry, error) {
	pending, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.key,
		Group:  s.group,
		Idle:   s.idleWindow,
		Start:  "-",
		End:    "+",
		Count:  batch,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing pending entries on %s: %w", s.key, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}

	msgs, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.key,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.idleWindow,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claiming pending entries on %s: %w", s.key, err)
	}
	return toEntries(msgs), nil
}

// ReadNew blocks up to maxWait for up to count new entries.
func (s *Stream) ReadNew(ctx context.Context, count int64, maxWait time.Duration) ([]Entry, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.key, ">"},
		Count:    count,
		Block:    maxWait,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading stream %s: %w", s.key, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return toEntries(res[0].Messages), nil
}

// Ack acknowledges an entry; callers must only do this after a successful
// business outcome.
func (s *Stream) Ack(ctx context.Context, id string) error {
	if err := s.rdb.XAck(ctx, s.key, s.group, id).Err(); err != nil {
		return fmt.Errorf("acking %s on %s: %w", id, s.key, err)
	}
	return nil
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		rec, ok := parseRecord(m.Values)
		entries = append(entries, Entry{ID: m.ID, Record: rec})
		_ = ok
	}
	return entries
}

// ParseJobID extracts the jobId field from raw stream values; missing or
// garbled ids return ok=false so the caller can ack-and-drop rather than
// retry forever on a poison message.
func ParseJobID(values map[string]interface{}) (uint, bool) {
	raw, ok := values["jobId"]
	if !ok {
		return 0, false
	}
	s, ok := raw.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(n), true
}

func parseRecord(values map[string]interface{}) (UploadStreamRecord, bool) {
	jobID, ok := ParseJobID(values)
	if !ok {
		return UploadStreamRecord{}, false
	}
	rec := UploadStreamRecord{JobID: jobID}
	if v, ok := values["downloadPath"].(string); ok {
		rec.DownloadPath = v
	}
	if v, ok := values["storageProfileId"].(string); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			rec.StorageProfileID = uint(n)
		}
	}
	if v, ok := values["userId"].(string); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			rec.UserID = uint(n)
		}
	}
	if v, ok := values["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			rec.CreatedAt = t
		}
	}
	return rec, true
}
