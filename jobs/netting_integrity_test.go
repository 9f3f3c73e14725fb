package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/fxdesk/fxdesk/internal/jobs"
	"github.com/fxdesk/fxdesk/internal/netting"
	"github.com/fxdesk/fxdesk/internal/shared"
)

type stubVerifier struct {
	batches  []netting.Batch
	failures map[int64]error
	listErr  error
	listed   []netting.BatchFilter
	verified []int64
}

func (s *stubVerifier) ListBatches(_ context.Context, filter netting.BatchFilter) ([]netting.Batch, error) {
	s.listed = append(s.listed, filter)
	if s.listErr != nil {
		return nil, s.listErr
	}
	var page []netting.Batch
	for _, b := range s.batches {
		if b.Status == filter.Status {
			page = append(page, b)
		}
	}
	if filter.Offset >= len(page) {
		return nil, nil
	}
	page = page[filter.Offset:]
	if filter.Limit > 0 && len(page) > filter.Limit {
		page = page[:filter.Limit]
	}
	return page, nil
}

func (s *stubVerifier) GetBatch(_ context.Context, id int64) (netting.Batch, error) {
	for _, b := range s.batches {
		if b.ID == id {
			return b, nil
		}
	}
	return netting.Batch{}, netting.ErrBatchNotFound
}

func (s *stubVerifier) VerifyBatch(_ context.Context, id int64) error {
	s.verified = append(s.verified, id)
	return s.failures[id]
}

type stubLocker struct {
	err      error
	locked   int
	released int
}

func (l *stubLocker) Lock(context.Context, string, time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.locked++
	return func() { l.released++ }, nil
}

func batch(id int64, status netting.BatchStatus) netting.Batch {
	return netting.Batch{ID: id, Code: fmt.Sprintf("BATCH-%d-20240614", 1000+id), Status: status}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIntegrityJobReportsViolations(t *testing.T) {
	verifier := &stubVerifier{
		batches: []netting.Batch{
			batch(1, netting.BatchStatusOpen),
			batch(2, netting.BatchStatusClosed),
			batch(3, netting.BatchStatusVoided),
			batch(4, netting.BatchStatusClosed),
		},
		failures: map[int64]error{
			2: fmt.Errorf("%w: total_profit_pen stored 10.00 recomputed 12.00", netting.ErrConsistency),
		},
	}
	locker := &stubLocker{}
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	job := NewIntegrityJob(verifier, locker, quietLogger(), metrics)

	report, err := job.Run(context.Background(), IntegrityPayload{})
	require.NoError(t, err)
	require.Equal(t, 3, report.Checked)
	require.Len(t, report.Violations, 1)
	require.Equal(t, int64(2), report.Violations[0].BatchID)
	require.Equal(t, "BATCH-1002-20240614", report.Violations[0].BatchCode)
	require.Equal(t, "CLOSED", report.Violations[0].Status)
	require.Contains(t, report.Violations[0].Detail, "total_profit_pen")

	require.ElementsMatch(t, []int64{1, 2, 4}, verifier.verified)
	require.Equal(t, 1, locker.locked)
	require.Equal(t, 1, locker.released)

	require.Equal(t, 1.0, gathered(t, registry, "fxdesk_netting_integrity_violations_total"))
	require.Equal(t, 3.0, gathered(t, registry, "fxdesk_netting_integrity_batches_checked"))
}

func gathered(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return total
}

func TestIntegrityJobPagesThroughBatches(t *testing.T) {
	verifier := &stubVerifier{}
	for i := int64(1); i <= integrityPageSize+5; i++ {
		verifier.batches = append(verifier.batches, batch(i, netting.BatchStatusOpen))
	}
	job := NewIntegrityJob(verifier, nil, quietLogger(), nil)

	report, err := job.Run(context.Background(), IntegrityPayload{Statuses: []string{"OPEN"}})
	require.NoError(t, err)
	require.Equal(t, integrityPageSize+5, report.Checked)
	require.Empty(t, report.Violations)
	require.Len(t, verifier.listed, 2)
	require.Equal(t, integrityPageSize, verifier.listed[1].Offset)
}

func TestIntegrityJobExplicitBatchIDs(t *testing.T) {
	verifier := &stubVerifier{batches: []netting.Batch{batch(7, netting.BatchStatusVoided), batch(8, netting.BatchStatusOpen)}}
	job := NewIntegrityJob(verifier, nil, quietLogger(), nil)

	report, err := job.Run(context.Background(), IntegrityPayload{BatchIDs: []int64{7}})
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
	require.Equal(t, []int64{7}, verifier.verified)
	require.Empty(t, verifier.listed)

	_, err = job.Run(context.Background(), IntegrityPayload{BatchIDs: []int64{99}})
	require.ErrorIs(t, err, netting.ErrBatchNotFound)
}

func TestIntegrityJobFailures(t *testing.T) {
	t.Run("lock held", func(t *testing.T) {
		verifier := &stubVerifier{batches: []netting.Batch{batch(1, netting.BatchStatusOpen)}}
		job := NewIntegrityJob(verifier, &stubLocker{err: shared.ErrLockHeld}, quietLogger(), nil)
		_, err := job.Run(context.Background(), IntegrityPayload{})
		require.ErrorIs(t, err, shared.ErrLockHeld)
		require.Empty(t, verifier.verified)
	})

	t.Run("list error", func(t *testing.T) {
		verifier := &stubVerifier{listErr: errors.New("connection reset")}
		job := NewIntegrityJob(verifier, nil, quietLogger(), nil)
		_, err := job.Run(context.Background(), IntegrityPayload{})
		require.ErrorContains(t, err, "connection reset")
	})

	t.Run("non consistency verify error aborts", func(t *testing.T) {
		verifier := &stubVerifier{
			batches:  []netting.Batch{batch(1, netting.BatchStatusOpen), batch(2, netting.BatchStatusOpen)},
			failures: map[int64]error{1: errors.New("timeout")},
		}
		job := NewIntegrityJob(verifier, nil, quietLogger(), nil)
		report, err := job.Run(context.Background(), IntegrityPayload{})
		require.ErrorContains(t, err, "verify batch 1")
		require.Equal(t, 1, report.Checked)
	})
}

func TestIntegrityJobHandle(t *testing.T) {
	verifier := &stubVerifier{batches: []netting.Batch{batch(1, netting.BatchStatusOpen)}}
	job := NewIntegrityJob(verifier, nil, quietLogger(), nil)

	task, err := NewIntegrityTask(IntegrityPayload{BatchIDs: []int64{1}})
	require.NoError(t, err)
	require.Equal(t, TaskNettingIntegrity, task.Type())
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []int64{1}, verifier.verified)

	err = job.Handle(context.Background(), asynq.NewTask(TaskNettingIntegrity, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRedisLockerExcludesConcurrentRuns(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewRedisLocker(client, quietLogger())
	ctx := context.Background()

	release, err := locker.Lock(ctx, "batches", time.Minute)
	require.NoError(t, err)
	require.True(t, mr.Exists(shared.IntegrityLockKey("batches")))

	_, err = locker.Lock(ctx, "batches", time.Minute)
	require.ErrorIs(t, err, shared.ErrLockHeld)

	release()
	require.False(t, mr.Exists(shared.IntegrityLockKey("batches")))

	release, err = locker.Lock(ctx, "batches", time.Minute)
	require.NoError(t, err)
	release()
}
