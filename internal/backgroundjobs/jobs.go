// Package backgroundjobs is the abstraction surface for the external
// background-execution engine referenced throughout the design: a durable
// task queue with automatic retries and a monitoring API. Any durable
// queue implementing this interface (Hangfire, a cron-backed worker pool,
// a managed queue service) can stand in for Engine.
package backgroundjobs

import (
	"context"
	"time"

	"jobpipeline/internal/store"
)

// State mirrors the states the health monitor distinguishes (§4.6).
type State string

const (
	StateEnqueued  State = "Enqueued"
	StateScheduled State = "Scheduled"
	StateProcessing State = "Processing"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
	StateDeleted   State = "Deleted"
)

// HistoryEntry is one recorded state transition for a background job.
type HistoryEntry struct {
	State State
	At    time.Time
}

// Description is what Describe returns for a handle.
type Description struct {
	State   State
	History []HistoryEntry
}

// Engine is the minimal surface the pipeline needs from a background
// task queue.
type Engine interface {
	Enqueue(ctx context.Context, target string, args map[string]interface{}) (handle string, err error)
	Delete(ctx context.Context, handle string) error
	Describe(ctx context.Context, handle string) (Description, error)
}

// StoreBackedEngine is an in-process Engine implementation backed by the
// durable store, so the health monitor and dispatcher idempotency guard
// are exercisable end to end without a real external scheduler. It is
// not a claim that this is production-grade; it exists to give §9's
// abstraction a concrete, testable body.
type StoreBackedEngine struct {
	db *store.Store
}

func NewStoreBackedEngine(db *store.Store) *StoreBackedEngine {
	return &StoreBackedEngine{db: db}
}

// BackgroundJob is the table backing StoreBackedEngine.
type BackgroundJob struct {
	ID      uint `gorm:"primaryKey"`
	Target  string
	State   State
	History string // newline-joined "state@RFC3339" entries
}

func (BackgroundJob) TableName() string { return "background_jobs" }
