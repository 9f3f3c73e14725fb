package netting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fxdesk/fxdesk/internal/platform/httpx"
	"github.com/fxdesk/fxdesk/internal/shared"
)

const idempotencyModule = "netting.match"

// IdempotencyStore deduplicates client retries keyed by the Idempotency-Key header.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler exposes the netting engine over JSON.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	idempotency IdempotencyStore
	validator   *validator.Validate
}

// NewHandler builds a Handler instance. idempotency may be nil.
func NewHandler(logger *slog.Logger, service *Service, idempotency IdempotencyStore) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		idempotency: idempotency,
		validator:   validator.New(),
	}
}

// MountRoutes registers the netting routes on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/operations/{id}/available", h.handleAvailable)

	r.Get("/matches", h.handleListMatches)
	r.Post("/matches", h.handleCreateMatch)
	r.Get("/matches/{id}", h.handleGetMatch)
	r.Post("/matches/{id}/void", h.handleVoidMatch)

	r.Get("/batches", h.handleListBatches)
	r.Post("/batches", h.handleCreateBatch)
	r.Get("/batches/{id}", h.handleGetBatch)
	r.Post("/batches/{id}/close", h.handleCloseBatch)
	r.Post("/batches/{id}/void", h.handleVoidBatch)
	r.Get("/batches/{id}/journal", h.handleJournal)
}

type createMatchRequest struct {
	BuyOperationID  int64  `json:"buy_operation_id" validate:"required,gt=0"`
	SellOperationID int64  `json:"sell_operation_id" validate:"required,gt=0,nefield=BuyOperationID"`
	AmountUSD       string `json:"amount_usd" validate:"required,numeric"`
	Notes           string `json:"notes" validate:"max=1000"`
}

type createBatchRequest struct {
	MatchIDs    []int64 `json:"match_ids" validate:"required,min=1,dive,gt=0"`
	Description string  `json:"description" validate:"max=500"`
	NettingDate string  `json:"netting_date" validate:"required,datetime=2006-01-02"`
	Notes       string  `json:"notes" validate:"max=1000"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type journalResponse struct {
	BatchID     int64        `json:"batch_id"`
	BatchCode   string       `json:"batch_code"`
	EntryRef    uuid.UUID    `json:"entry_ref"`
	NettingDate string       `json:"netting_date"`
	Status      BatchStatus  `json:"status"`
	Lines       []LedgerLine `json:"lines"`
	TotalDebit  string       `json:"total_debit"`
	TotalCredit string       `json:"total_credit"`
}

type listResponse[T any] struct {
	Data       []T               `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	result, err := h.service.Available(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createMatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.AmountUSD)
	if err != nil {
		h.respondError(w, r, &ValidationError{Field: "amount_usd", Reason: "not a decimal number"})
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.RespondError(w, fmt.Errorf("%w: idempotency key %s", httpx.ErrDuplicate, key))
				return
			}
			h.respondError(w, r, err)
			return
		}
	}

	match, err := h.service.CreateMatch(r.Context(), CreateMatchInput{
		BuyOperationID:  req.BuyOperationID,
		SellOperationID: req.SellOperationID,
		AmountUSD:       amount,
		Notes:           req.Notes,
		ActorID:         actor.ID,
	})
	if err != nil {
		if key != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(r.Context(), key); delErr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, match)
}

func (h *Handler) handleListMatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := shared.PaginationFromQuery(q)
	filter := MatchFilter{
		Status:    MatchStatus(q.Get("status")),
		Unbatched: q.Get("unbatched") == "true",
		Limit:     page.Limit(),
		Offset:    page.Offset(),
	}
	if filter.Status != "" && filter.Status != MatchStatusActive && filter.Status != MatchStatusVoided {
		h.respondError(w, r, &ValidationError{Field: "status", Reason: "must be ACTIVE or VOIDED"})
		return
	}
	var ok bool
	if filter.OperationID, ok = h.queryID(w, r, "operation_id"); !ok {
		return
	}
	if filter.BatchID, ok = h.queryID(w, r, "batch_id"); !ok {
		return
	}
	matches, err := h.service.ListMatches(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if matches == nil {
		matches = []Match{}
	}
	httpx.JSON(w, http.StatusOK, listResponse[Match]{Data: matches, Pagination: page})
}

func (h *Handler) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	match, err := h.service.GetMatch(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, match)
}

func (h *Handler) handleVoidMatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	match, err := h.service.VoidMatch(r.Context(), VoidMatchInput{MatchID: id, ActorID: actor.ID, Reason: req.Reason})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, match)
}

func (h *Handler) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := time.Parse("2006-01-02", req.NettingDate)
	if err != nil {
		h.respondError(w, r, &ValidationError{Field: "netting_date", Reason: "expected YYYY-MM-DD"})
		return
	}
	batch, err := h.service.CreateBatch(r.Context(), CreateBatchInput{
		MatchIDs:    req.MatchIDs,
		Description: req.Description,
		NettingDate: date,
		Notes:       req.Notes,
		ActorID:     actor.ID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, batch)
}

func (h *Handler) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := shared.PaginationFromQuery(q)
	filter := BatchFilter{Status: BatchStatus(q.Get("status")), Limit: page.Limit(), Offset: page.Offset()}
	switch filter.Status {
	case "", BatchStatusOpen, BatchStatusClosed, BatchStatusVoided:
	default:
		h.respondError(w, r, &ValidationError{Field: "status", Reason: "must be OPEN, CLOSED or VOIDED"})
		return
	}
	batches, err := h.service.ListBatches(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if batches == nil {
		batches = []Batch{}
	}
	httpx.JSON(w, http.StatusOK, listResponse[Batch]{Data: batches, Pagination: page})
}

func (h *Handler) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	batch, err := h.service.GetBatch(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, batch)
}

func (h *Handler) handleCloseBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	batch, err := h.service.CloseBatch(r.Context(), CloseBatchInput{BatchID: id, ActorID: actor.ID})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, batch)
}

func (h *Handler) handleVoidBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	batch, err := h.service.VoidBatch(r.Context(), VoidBatchInput{BatchID: id, ActorID: actor.ID, Reason: req.Reason})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, batch)
}

func (h *Handler) handleJournal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	batch, err := h.service.GetBatch(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	debit, credit := EntryTotals(batch.AccountingEntry)
	httpx.JSON(w, http.StatusOK, journalResponse{
		BatchID:     batch.ID,
		BatchCode:   batch.Code,
		EntryRef:    batch.EntryRef,
		NettingDate: batch.NettingDate.Format("2006-01-02"),
		Status:      batch.Status,
		Lines:       batch.AccountingEntry,
		TotalDebit:  debit.StringFixed(2),
		TotalCredit: credit.StringFixed(2),
	})
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || actor.ID <= 0 {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return shared.Actor{}, false
	}
	return actor, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, r, &ValidationError{Field: "id", Reason: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) queryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, r, &ValidationError{Field: name, Reason: "must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	return h.validate(w, target)
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil && !errors.Is(err, io.EOF) {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	return h.validate(w, target)
}

func (h *Handler) validate(w http.ResponseWriter, target any) bool {
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed",
				fmt.Sprintf("%s failed on %s", fieldErrs[0].Field(), fieldErrs[0].Tag()))
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch ErrorKind(err) {
	case ErrValidation:
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case ErrNotFound:
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case ErrState:
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case ErrConsistency:
		h.logger.Error("netting consistency failure", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Consistency Violation", err.Error())
	default:
		h.logger.Error("netting request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
