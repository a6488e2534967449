package bill

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/labdesk-api/internal/billing"
	"github.com/noah-isme/labdesk-api/internal/catalog"
	"github.com/noah-isme/labdesk-api/internal/common"
	"github.com/noah-isme/labdesk-api/internal/lock"
)

// Handler exposes the bill endpoints.
type Handler struct {
	Svc *Service
}

// Quote handles POST /api/v1/bills/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if !h.configured(w) {
		return
	}
	var req QuoteRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	summary, err := h.Svc.Quote(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": summary})
}

// Register handles POST /api/v1/bills.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if !h.configured(w) {
		return
	}
	var req RegisterRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	b, err := h.Svc.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/bills/"+b.ID.String())
	common.JSON(w, http.StatusCreated, map[string]any{"data": b})
}

// Get handles GET /api/v1/bills/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.configured(w) {
		return
	}
	id, ok := billID(w, r)
	if !ok {
		return
	}
	b, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": b})
}

// PreviewSettlement handles POST /api/v1/bills/{id}/settlement/preview.
func (h *Handler) PreviewSettlement(w http.ResponseWriter, r *http.Request) {
	h.settlement(w, r, false)
}

// Settle handles POST /api/v1/bills/{id}/settlement.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	h.settlement(w, r, true)
}

func (h *Handler) settlement(w http.ResponseWriter, r *http.Request, commit bool) {
	if !h.configured(w) {
		return
	}
	id, ok := billID(w, r)
	if !ok {
		return
	}
	var req SettlementRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	run := h.Svc.PreviewSettlement
	if commit {
		run = h.Svc.Settle
	}
	res, err := run(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": res})
}

func (h *Handler) configured(w http.ResponseWriter) bool {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeNotConfigured, "bill service not configured", nil)
		return false
	}
	return true
}

func billID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "bill not found", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := MapError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("bill request failed")
	}
	common.WriteError(w, appErr)
}

// MapError converts service errors to API errors.
func MapError(err error) *common.AppError {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var verr *billing.ValidationError
	switch {
	case errors.As(err, &verr):
		return common.NewAppError(common.CodeValidation, "validation failed", http.StatusUnprocessableEntity, err).
			WithDetails(verr.Details())
	case errors.Is(err, catalog.ErrUnknownTest):
		return common.NewAppError(common.CodeUnknownTest, err.Error(), http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrNotFound):
		return common.NewAppError(common.CodeNotFound, "bill not found", http.StatusNotFound, err)
	case errors.Is(err, ErrStale):
		return common.NewAppError(common.CodeConflict, "bill changed since it was loaded; reload and retry", http.StatusConflict, err)
	case errors.Is(err, lock.ErrNotAcquired):
		return common.NewAppError(common.CodeBusy, "bill is being settled by another request", http.StatusConflict, err)
	default:
		return common.NewAppError(common.CodeInternal, "internal error", http.StatusInternalServerError, err)
	}
}
