package reports

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fxdesk/fxdesk/internal/netting"
	"github.com/fxdesk/fxdesk/internal/platform/httpx"
)

// Handler serves the profit reports.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers report routes on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/reports/profit-by-operation", h.handleProfitByOperation)
	r.Get("/reports/profit-by-client", h.handleProfitByClient)
}

type reportResponse[T any] struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Rows []T    `json:"rows"`
}

func (h *Handler) handleProfitByOperation(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	rows, err := h.service.ProfitByOperation(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	if rows == nil {
		rows = []OperationProfit{}
	}
	httpx.JSON(w, http.StatusOK, reportResponse[OperationProfit]{From: r.URL.Query().Get("from"), To: r.URL.Query().Get("to"), Rows: rows})
}

func (h *Handler) handleProfitByClient(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	rows, err := h.service.ProfitByClient(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	if rows == nil {
		rows = []ClientProfit{}
	}
	httpx.JSON(w, http.StatusOK, reportResponse[ClientProfit]{From: r.URL.Query().Get("from"), To: r.URL.Query().Get("to"), Rows: rows})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	h.logger.Error("build profit report", slog.Any("error", err))
	if errors.Is(err, netting.ErrNotFound) {
		httpx.Problem(w, http.StatusInternalServerError, "Inconsistent Data", err.Error())
		return
	}
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

// parseFilter reads from (inclusive) and to (inclusive) dates in YYYY-MM-DD.
func parseFilter(w http.ResponseWriter, r *http.Request) (Filter, bool) {
	var filter Filter
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
			return Filter{}, false
		}
		filter.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
			return Filter{}, false
		}
		filter.To = to.AddDate(0, 0, 1)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must not be after to")
		return Filter{}, false
	}
	return filter, true
}
