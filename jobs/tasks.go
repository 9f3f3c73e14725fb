package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskNettingIntegrity re-verifies stored batch totals and entries.
	TaskNettingIntegrity = "netting:integrity"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "netting:idempotency_cleanup"
)

// IntegrityPayload selects which batches an integrity run covers.
type IntegrityPayload struct {
	// Statuses defaults to OPEN and CLOSED; voided batches are frozen.
	Statuses []string `json:"statuses,omitempty"`
	// BatchIDs restricts the run to specific batches when set.
	BatchIDs []int64 `json:"batch_ids,omitempty"`
}

// NewIntegrityTask constructs the integrity task.
func NewIntegrityTask(payload IntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNettingIntegrity, data, asynq.Timeout(30*time.Minute)), nil
}

// CleanupPayload configures idempotency key retention.
type CleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(CleanupPayload{RetentionHours: int(retention.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
