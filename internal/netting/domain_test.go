package netting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchAssignBatchOnce(t *testing.T) {
	m := Match{ID: 1, Status: MatchStatusActive}
	require.NoError(t, m.AssignBatch(5))
	require.NotNil(t, m.BatchID)
	assert.Equal(t, int64(5), *m.BatchID)

	require.ErrorIs(t, m.AssignBatch(6), ErrMatchAlreadyBatched)
	assert.Equal(t, int64(5), *m.BatchID)
}

func TestMatchAssignBatchRequiresActive(t *testing.T) {
	m := Match{ID: 1, Status: MatchStatusVoided}
	require.ErrorIs(t, m.AssignBatch(5), ErrMatchNotActive)
	assert.Nil(t, m.BatchID)
}

func TestMatchVoidIsTerminal(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := Match{ID: 1, Status: MatchStatusActive}
	require.NoError(t, m.Void(9, at))
	assert.Equal(t, MatchStatusVoided, m.Status)
	assert.Equal(t, int64(9), *m.VoidedBy)
	assert.Equal(t, at, *m.VoidedAt)

	require.ErrorIs(t, m.Void(9, at), ErrMatchNotActive)
}

func TestBatchCanTransition(t *testing.T) {
	open := Batch{Status: BatchStatusOpen}
	assert.True(t, open.CanTransition(BatchStatusClosed))
	assert.True(t, open.CanTransition(BatchStatusVoided))
	assert.False(t, open.CanTransition(BatchStatusOpen))

	for _, status := range []BatchStatus{BatchStatusClosed, BatchStatusVoided} {
		b := Batch{Status: status}
		assert.False(t, b.CanTransition(BatchStatusClosed), status)
		assert.False(t, b.CanTransition(BatchStatusVoided), status)
		assert.False(t, b.CanTransition(BatchStatusOpen), status)
	}
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, ErrValidation, ErrorKind(&ValidationError{Field: "x", Reason: "y"}))
	assert.Equal(t, ErrNotFound, ErrorKind(ErrBatchNotFound))
	assert.Equal(t, ErrState, ErrorKind(ErrBatchClosed))
	assert.Equal(t, ErrState, ErrorKind(&InsufficientAvailableError{}))
	assert.Equal(t, ErrConsistency, ErrorKind(&ConsistencyError{BatchID: 1, Detail: "x"}))
	assert.Nil(t, ErrorKind(assert.AnError))
}
