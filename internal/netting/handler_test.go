package netting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxdesk/fxdesk/internal/shared"
)

type memIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (s *memIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		s.keys = make(map[string]string)
	}
	if _, ok := s.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = module
	return nil
}

func (s *memIdempotency) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

type handlerFixture struct {
	serviceFixture
	idem   *memIdempotency
	router http.Handler
}

func newHandlerFixture(t *testing.T) handlerFixture {
	t.Helper()
	f := newFixture(t, scenarioOps()...)
	idem := &memIdempotency{}
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), f.svc, idem)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Test-Anonymous") == "" {
				r = r.WithContext(shared.ContextWithActor(r.Context(), shared.Actor{ID: 42, Subject: "42"}))
			}
			next.ServeHTTP(w, r)
		})
	})
	h.MountRoutes(r)
	return handlerFixture{serviceFixture: f, idem: idem, router: r}
}

func (f handlerFixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerCreateMatch(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPost, "/matches", map[string]any{
		"buy_operation_id":  1,
		"sell_operation_id": 2,
		"amount_usd":        "1000.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var m Match
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.True(t, m.ProfitPEN.Equal(d("50")), m.ProfitPEN.String())
	assert.Equal(t, int64(42), m.CreatedBy)

	rec = f.do(t, http.MethodGet, "/operations/1/available", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var avail AvailableAmount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &avail))
	assert.True(t, avail.Available.IsZero())
}

func TestHandlerCreateMatchErrors(t *testing.T) {
	f := newHandlerFixture(t)
	cases := []struct {
		name string
		body map[string]any
		code int
	}{
		{"same operation", map[string]any{"buy_operation_id": 1, "sell_operation_id": 1, "amount_usd": "1"}, http.StatusBadRequest},
		{"not a number", map[string]any{"buy_operation_id": 1, "sell_operation_id": 2, "amount_usd": "ten"}, http.StatusBadRequest},
		{"three decimals", map[string]any{"buy_operation_id": 1, "sell_operation_id": 2, "amount_usd": "1.005"}, http.StatusBadRequest},
		{"unknown field", map[string]any{"buy_operation_id": 1, "sell_operation_id": 2, "amount_usd": "1", "rate": "3"}, http.StatusBadRequest},
		{"unknown operation", map[string]any{"buy_operation_id": 99, "sell_operation_id": 2, "amount_usd": "1"}, http.StatusNotFound},
		{"swapped legs", map[string]any{"buy_operation_id": 2, "sell_operation_id": 1, "amount_usd": "1"}, http.StatusConflict},
		{"over available", map[string]any{"buy_operation_id": 1, "sell_operation_id": 2, "amount_usd": "1000.01"}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/matches", tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestHandlerRequiresActor(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPost, "/matches", map[string]any{
		"buy_operation_id": 1, "sell_operation_id": 2, "amount_usd": "1",
	}, "X-Test-Anonymous", "1")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.repo.matches)
}

func TestHandlerIdempotencyKey(t *testing.T) {
	f := newHandlerFixture(t)
	body := map[string]any{"buy_operation_id": 1, "sell_operation_id": 2, "amount_usd": "10"}

	rec := f.do(t, http.MethodPost, "/matches", body, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/matches", body, "Idempotency-Key", "abc")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, f.repo.matches, 1)

	failing := map[string]any{"buy_operation_id": 1, "sell_operation_id": 2, "amount_usd": "5000"}
	rec = f.do(t, http.MethodPost, "/matches", failing, "Idempotency-Key", "retry-me")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.NotContains(t, f.idem.keys, "retry-me")
}

func TestHandlerBatchFlow(t *testing.T) {
	f := newHandlerFixture(t)
	m := f.match(t, 1, 2, "1000")

	rec := f.do(t, http.MethodPost, "/batches", map[string]any{
		"match_ids":    []int64{m.ID},
		"netting_date": "2024-06-14",
		"description":  "eod",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var batch Batch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	assert.Equal(t, "BATCH-1001-20240614", batch.Code)

	rec = f.do(t, http.MethodGet, "/batches/1/journal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var journal map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &journal))
	assert.Equal(t, journal["total_debit"], journal["total_credit"])
	assert.Equal(t, "2024-06-14", journal["netting_date"])

	rec = f.do(t, http.MethodPost, "/batches/1/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/batches/1/close", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/matches/1/void", map[string]any{"reason": "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/batches?status=CLOSED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data       []Batch           `json:"data"`
		Pagination shared.Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, 50, list.Pagination.PerPage)
}

func TestHandlerValidatesPathAndQuery(t *testing.T) {
	f := newHandlerFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/matches/abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/matches?status=GONE", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/matches?batch_id=-2", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/batches?status=DRAFT", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/batches/9", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/batches", map[string]any{
		"match_ids": []int64{1}, "netting_date": "14/06/2024",
	}).Code)

	rec := f.do(t, http.MethodGet, "/matches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[],"pagination":{"page":1,"per_page":50}}`, rec.Body.String())
}
