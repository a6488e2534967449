package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/labdesk-api/internal/billing"
)

// ErrUnknownTest is returned when an ID does not resolve to an active test.
var ErrUnknownTest = errors.New("unknown test")

// Test is an orderable diagnostic test.
type Test struct {
	ID     uuid.UUID       `json:"id"`
	Code   string          `json:"code"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Active bool            `json:"active"`
}

// LineItem converts the test into a billable line at its current price.
func (t Test) LineItem() billing.LineItem {
	return billing.LineItem{ID: t.ID.String(), Name: t.Name, UnitPrice: t.Price}
}

// Lookup resolves test IDs to catalog entries.
type Lookup interface {
	// Tests returns the tests in the order of ids. It fails with
	// ErrUnknownTest if any ID is missing or inactive.
	Tests(ctx context.Context, ids []uuid.UUID) ([]Test, error)
}

// LineItems resolves ids through lookup and converts the result.
func LineItems(ctx context.Context, lookup Lookup, ids []uuid.UUID) ([]billing.LineItem, error) {
	tests, err := lookup.Tests(ctx, ids)
	if err != nil {
		return nil, err
	}
	items := make([]billing.LineItem, len(tests))
	for i, t := range tests {
		items[i] = t.LineItem()
	}
	return items, nil
}

// ParseIDs parses raw test IDs, reporting the first malformed one as unknown.
func ParseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(strings.TrimSpace(r))
		if err != nil {
			return nil, unknown(r)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func unknown(id string) error {
	return fmt.Errorf("%w: %s", ErrUnknownTest, id)
}

// order arranges found in the order of ids, failing on the first gap.
func order(ids []uuid.UUID, found map[uuid.UUID]Test) ([]Test, error) {
	out := make([]Test, 0, len(ids))
	for _, id := range ids {
		t, ok := found[id]
		if !ok || !t.Active {
			return nil, unknown(id.String())
		}
		out = append(out, t)
	}
	return out, nil
}
