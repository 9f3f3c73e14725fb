package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/fxdesk/fxdesk/internal/jobs"
	"github.com/fxdesk/fxdesk/internal/netting"
)

const integrityPageSize = 200

// BatchVerifier lists batches and verifies their stored totals.
type BatchVerifier interface {
	ListBatches(ctx context.Context, filter netting.BatchFilter) ([]netting.Batch, error)
	GetBatch(ctx context.Context, id int64) (netting.Batch, error)
	VerifyBatch(ctx context.Context, batchID int64) error
}

// Locker guards against overlapping runs across worker replicas.
type Locker interface {
	Lock(ctx context.Context, scope string, ttl time.Duration) (release func(), err error)
}

// Violation describes one batch that failed verification.
type Violation struct {
	BatchID   int64  `json:"batch_id"`
	BatchCode string `json:"batch_code"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
}

// IntegrityReport summarises an integrity run.
type IntegrityReport struct {
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations"`
	Duration   string      `json:"duration"`
}

// IntegrityJob recomputes every non-voided batch and compares it with the stored values.
type IntegrityJob struct {
	verifier BatchVerifier
	locker   Locker
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewIntegrityJob initialises the integrity handler. locker and metrics may be nil.
func NewIntegrityJob(verifier BatchVerifier, locker Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityJob{
		verifier: verifier,
		locker:   locker,
		logger:   logger,
		metrics:  metrics,
		clock:    time.Now,
	}
}

// Handle executes the integrity task.
func (j *IntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("netting integrity: handler not configured")
	}
	var payload IntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("netting integrity: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	_, err := j.Run(ctx, payload)
	return err
}

// Run verifies the selected batches. Violations are reported, not returned as errors;
// the error is reserved for failures to read or lock.
func (j *IntegrityJob) Run(ctx context.Context, payload IntegrityPayload) (report IntegrityReport, err error) {
	tracker := j.metrics.Track(TaskNettingIntegrity)
	defer func() { err = tracker.End(err) }()

	if j.locker != nil {
		release, lockErr := j.locker.Lock(ctx, "batches", 30*time.Minute)
		if lockErr != nil {
			return IntegrityReport{}, fmt.Errorf("netting integrity: %w", lockErr)
		}
		defer release()
	}

	start := j.clock()
	batches, err := j.selectBatches(ctx, payload)
	if err != nil {
		return IntegrityReport{}, err
	}
	report.Violations = []Violation{}
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		verr := j.verifier.VerifyBatch(ctx, b.ID)
		if verr == nil {
			continue
		}
		if !errors.Is(verr, netting.ErrConsistency) {
			return report, fmt.Errorf("netting integrity: verify batch %d: %w", b.ID, verr)
		}
		report.Violations = append(report.Violations, Violation{
			BatchID:   b.ID,
			BatchCode: b.Code,
			Status:    string(b.Status),
			Detail:    verr.Error(),
		})
		j.metrics.AddViolations(string(b.Status), 1)
		j.logger.Error("netting batch failed integrity check",
			slog.Int64("batch_id", b.ID),
			slog.String("batch_code", b.Code),
			slog.Any("error", verr))
	}
	j.metrics.SetChecked(report.Checked)
	report.Duration = j.clock().Sub(start).String()
	j.logger.Info("netting integrity check completed",
		slog.Int("checked", report.Checked),
		slog.Int("violations", len(report.Violations)),
		slog.String("duration", report.Duration))
	return report, nil
}

func (j *IntegrityJob) selectBatches(ctx context.Context, payload IntegrityPayload) ([]netting.Batch, error) {
	if len(payload.BatchIDs) > 0 {
		batches := make([]netting.Batch, 0, len(payload.BatchIDs))
		for _, id := range payload.BatchIDs {
			b, err := j.verifier.GetBatch(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("netting integrity: load batch %d: %w", id, err)
			}
			batches = append(batches, b)
		}
		return batches, nil
	}
	statuses := payload.Statuses
	if len(statuses) == 0 {
		statuses = []string{string(netting.BatchStatusOpen), string(netting.BatchStatusClosed)}
	}
	var out []netting.Batch
	for _, status := range statuses {
		for offset := 0; ; offset += integrityPageSize {
			page, err := j.verifier.ListBatches(ctx, netting.BatchFilter{
				Status: netting.BatchStatus(status),
				Limit:  integrityPageSize,
				Offset: offset,
			})
			if err != nil {
				return nil, fmt.Errorf("netting integrity: list %s batches: %w", status, err)
			}
			out = append(out, page...)
			if len(page) < integrityPageSize {
				break
			}
		}
	}
	return out, nil
}
