package bill

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists bills. Writes made inside InTx commit or roll back together.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	NextSequence(ctx context.Context) (int64, error)
	Create(ctx context.Context, b Bill) error
	Get(ctx context.Context, id uuid.UUID) (Bill, error)
	// ApplySettlement fails with ErrStale when the stored version differs
	// from u.ExpectedVersion.
	ApplySettlement(ctx context.Context, u SettlementUpdate) error
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]Bill, error)
}
