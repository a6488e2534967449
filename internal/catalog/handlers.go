package catalog

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/labdesk-api/internal/common"
)

// Handler exposes catalog endpoints.
type Handler struct {
	Lookup Lookup
}

// Test handles GET /api/v1/tests/{id}.
func (h Handler) Test(w http.ResponseWriter, r *http.Request) {
	if h.Lookup == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeNotConfigured, "catalog lookup not configured", nil)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "test not found", nil)
		return
	}
	tests, err := h.Lookup.Tests(r.Context(), []uuid.UUID{id})
	if err != nil {
		common.WriteError(w, MapError(err))
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": tests[0]})
}

// MapError converts catalog errors to API errors.
func MapError(err error) error {
	if errors.Is(err, ErrUnknownTest) {
		return common.NewAppError(common.CodeUnknownTest, err.Error(), http.StatusNotFound, err)
	}
	return err
}
