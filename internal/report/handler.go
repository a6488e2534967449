package report

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/labdesk-api/internal/bill"
	"github.com/noah-isme/labdesk-api/internal/common"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// BillLister returns the bills registered on a calendar day.
type BillLister interface {
	ListCreatedOn(ctx context.Context, day time.Time) ([]bill.Bill, error)
}

// Handler serves the collections report.
type Handler struct {
	Bills    BillLister
	Currency string
	Location *time.Location
	Now      func() time.Time
}

// Collections handles GET /api/v1/reports/collections?date=YYYY-MM-DD.
// The workbook is returned unless format=json is requested.
func (h Handler) Collections(w http.ResponseWriter, r *http.Request) {
	if h.Bills == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeNotConfigured, "report source not configured", nil)
		return
	}
	day, err := h.day(r.URL.Query().Get("date"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "date must be formatted as YYYY-MM-DD", map[string]string{"date": err.Error()})
		return
	}

	bills, err := h.Bills.ListCreatedOn(r.Context(), day)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Time("date", day).Msg("collections report failed")
		common.WriteError(w, err)
		return
	}
	report := NewCollections(day, h.Currency, bills)

	if strings.EqualFold(r.URL.Query().Get("format"), "json") {
		common.JSON(w, http.StatusOK, map[string]any{"data": report})
		return
	}
	body, err := BuildXLSX(report)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("render collections workbook")
		common.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="collections-%s.xlsx"`, day.Format("2006-01-02")))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h Handler) day(raw string) (time.Time, error) {
	loc := h.Location
	if loc == nil {
		loc = time.UTC
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		now := time.Now
		if h.Now != nil {
			now = h.Now
		}
		t := now().In(loc)
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), nil
	}
	return time.ParseInLocation("2006-01-02", raw, loc)
}
