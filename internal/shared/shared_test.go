package shared

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPaginationFromQuery(t *testing.T) {
	cases := []struct {
		query         string
		page, perPage int
		limit, offset int
	}{
		{"", 1, 50, 50, 0},
		{"page=3&per_page=20", 3, 20, 20, 40},
		{"page=-1&per_page=10000", 1, 500, 500, 0},
		{"page=two&per_page=x", 1, 50, 50, 0},
	}
	for _, tc := range cases {
		values, err := url.ParseQuery(tc.query)
		require.NoError(t, err)
		p := PaginationFromQuery(values)
		require.Equal(t, tc.page, p.Page, tc.query)
		require.Equal(t, tc.perPage, p.PerPage, tc.query)
		require.Equal(t, tc.limit, p.Limit(), tc.query)
		require.Equal(t, tc.offset, p.Offset(), tc.query)
	}
}

func TestAuditLogValidate(t *testing.T) {
	require.NoError(t, AuditLog{Action: "netting.match.create", Entity: "netting_match", EntityID: "1"}.Validate())
	require.Error(t, AuditLog{Action: "netting.match.create", Entity: "netting_match"}.Validate())

	var logger *AuditLogger
	require.Error(t, logger.Record(context.Background(), AuditLog{}))
}

func TestActorContext(t *testing.T) {
	_, ok := ActorFromContext(context.Background())
	require.False(t, ok)

	ctx := ContextWithActor(context.Background(), Actor{ID: 5, Subject: "5"})
	actor, ok := ActorFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, int64(5), actor.ID)
}

func TestIdempotencyStoreGuards(t *testing.T) {
	var nilStore *IdempotencyStore
	require.Error(t, nilStore.CheckAndInsert(context.Background(), "k", "netting"))
	removed, err := nilStore.Cleanup(context.Background(), 0)
	require.NoError(t, err)
	require.Zero(t, removed)

	store := NewIdempotencyStore(nil)
	require.Error(t, store.CheckAndInsert(context.Background(), "", "netting"))
	require.Error(t, store.CheckAndInsert(context.Background(), "k", ""))
	require.Error(t, store.Delete(context.Background(), ""))
}

func TestIntegrityLockKey(t *testing.T) {
	require.Equal(t, "netting:integrity:batches:lock", IntegrityLockKey("batches"))
}
