package reports

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fxdesk/fxdesk/internal/netting"
)

type stubSource struct {
	mu      sync.Mutex
	matches []netting.Match
	ops     map[int64]netting.Operation
	loads   int
	err     error
}

func (s *stubSource) ListMatches(_ context.Context, filter netting.MatchFilter) ([]netting.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]netting.Match, 0, len(s.matches))
	for _, m := range s.matches {
		if filter.Status == "" || m.Status == filter.Status {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *stubSource) GetOperations(_ context.Context, ids []int64) (map[int64]netting.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]netting.Operation, len(ids))
	for _, id := range ids {
		if op, ok := s.ops[id]; ok {
			out[id] = op
		}
	}
	return out, nil
}

func (s *stubSource) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func (s *stubSource) add(m netting.Match) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = append(s.matches, m)
}

func newStubSource() *stubSource {
	return &stubSource{
		matches: []netting.Match{match(1, 1, 2, "30.00", day)},
		ops:     fixtureOps(),
	}
}

func TestServiceCachesUntilBumpLocal(t *testing.T) {
	ctx := context.Background()
	source := newStubSource()
	svc := NewService(source, NewLocalCache(time.Minute))

	rows, err := svc.ProfitByClient(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	_, err = svc.ProfitByClient(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, source.loadCount())

	source.add(match(2, 5, 3, "12.00", day))
	require.NoError(t, svc.Bump(ctx))

	rows, err = svc.ProfitByClient(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, 2, source.loadCount())
}

func TestServiceCachesUntilBumpRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	source := newStubSource()
	svc := NewService(source, NewRedisCache(client, time.Minute))

	rows, err := svc.ProfitByOperation(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.True(t, rows[0].ProfitPEN.Equal(d("30.00")))

	_, err = svc.ProfitByOperation(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, source.loadCount())

	// A different window is a different key.
	_, err = svc.ProfitByOperation(ctx, Filter{From: day.Add(-time.Hour)})
	require.NoError(t, err)
	require.Equal(t, 2, source.loadCount())

	require.NoError(t, svc.Bump(ctx))
	ver, err := client.Get(ctx, cacheVersionKey).Int64()
	require.NoError(t, err)
	require.Equal(t, int64(2), ver)

	_, err = svc.ProfitByOperation(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, 3, source.loadCount())
}

func TestRedisCacheFollowsPublishedBumps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr := miniredis.RunT(t)

	writer := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reader := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = writer.Close(); _ = reader.Close() })

	follower := NewRedisCache(reader, time.Minute)
	require.NoError(t, follower.ListenForInvalidation(ctx))

	loads := 0
	loader := func(context.Context) (any, error) {
		loads++
		return []int{loads}, nil
	}
	key, err := follower.BuildKey(ctx, "report", "client")
	require.NoError(t, err)
	require.Equal(t, "report:client:1", key)

	var got []int
	require.NoError(t, follower.FetchJSON(ctx, key, &got, loader))

	// Served from memory even when Redis lost the payload.
	mr.Del(key)
	require.NoError(t, follower.FetchJSON(ctx, key, &got, loader))
	require.Equal(t, []int{1}, got)
	require.Equal(t, 1, loads)

	require.NoError(t, NewRedisCache(writer, time.Minute).Bump(ctx))
	require.Eventually(t, func() bool {
		ver, err := follower.Version(ctx)
		return err == nil && ver == 2
	}, time.Second, 10*time.Millisecond)

	// The bump flushed memory, so the old key falls through to the loader.
	require.NoError(t, follower.FetchJSON(ctx, key, &got, loader))
	require.Equal(t, []int{2}, got)

	cancel()
	require.Eventually(t, func() bool { return !follower.listening() }, time.Second, 10*time.Millisecond)
}

func TestServiceWithoutCache(t *testing.T) {
	source := newStubSource()
	svc := NewService(source, nil)

	for i := 0; i < 2; i++ {
		_, err := svc.ProfitByOperation(context.Background(), Filter{})
		require.NoError(t, err)
	}
	require.Equal(t, 2, source.loadCount())
	require.NoError(t, svc.Bump(context.Background()))
}

func TestServicePropagatesSourceErrors(t *testing.T) {
	source := newStubSource()
	source.err = errors.New("db down")
	svc := NewService(source, NewLocalCache(time.Minute))

	_, err := svc.ProfitByClient(context.Background(), Filter{})
	require.EqualError(t, err, "db down")
}

func newReportRouter(source Source) http.Handler {
	r := chi.NewRouter()
	NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), NewService(source, nil)).MountRoutes(r)
	return r
}

func TestHandlerReports(t *testing.T) {
	router := newReportRouter(newStubSource())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports/profit-by-client?from=2024-06-14&to=2024-06-14", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"from":"2024-06-14"`)
	require.Contains(t, rec.Body.String(), `"client_id":10`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports/profit-by-operation?from=2024-06-15", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"rows":[]`)
}

func TestHandlerRejectsBadDates(t *testing.T) {
	router := newReportRouter(newStubSource())

	for _, query := range []string{
		"from=14-06-2024",
		"to=yesterday",
		"from=2024-06-15&to=2024-06-13",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports/profit-by-operation?"+query, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
	}

	// from == to is a one-day window.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports/profit-by-operation?from=2024-06-14&to=2024-06-14", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerMapsMissingOperationTo500(t *testing.T) {
	source := newStubSource()
	source.add(match(2, 1, 77, "5", day))
	router := newReportRouter(source)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports/profit-by-client", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "Inconsistent Data")
}
