package bill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/labdesk-api/internal/billing"
	"github.com/noah-isme/labdesk-api/internal/db"
)

// PGStore persists bills in Postgres. Money columns are NUMERIC and travel
// as text so no precision is lost in either direction.
type PGStore struct {
	Pool *pgxpool.Pool
}

var _ Store = PGStore{}

const billColumns = `b.id, b.bill_number, b.currency, b.patient_name, b.patient_age, b.patient_gender,
b.patient_phone, b.referral_doctor, b.referral_panel, b.discount_type, b.discount_value::text,
b.discount_reason, b.discount_approved_by, b.gross_total::text, b.discount_amount::text,
b.net_amount::text, b.paid_amount::text, b.due_amount::text, b.refunded_amount::text,
b.payment_status, b.version, b.created_at, b.updated_at,
(SELECT COUNT(*) FROM bill_items i WHERE i.bill_id = b.id)`

// InTx implements Store.
func (s PGStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, s.Pool, fn)
}

// NextSequence implements Store.
func (s PGStore) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := db.Conn(ctx, s.Pool).QueryRow(ctx, `SELECT nextval('bill_number_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next bill sequence: %w", err)
	}
	return seq, nil
}

// Create implements Store. Call it inside InTx so items and payments land
// with the bill.
func (s PGStore) Create(ctx context.Context, b Bill) error {
	q := db.Conn(ctx, s.Pool)
	const insertBill = `INSERT INTO bills (
	id, bill_number, currency, patient_name, patient_age, patient_gender, patient_phone,
	referral_doctor, referral_panel, discount_type, discount_value, discount_reason,
	discount_approved_by, gross_total, discount_amount, net_amount, paid_amount,
	due_amount, refunded_amount, payment_status, version, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric, $12, $13, $14::numeric,
	$15::numeric, $16::numeric, $17::numeric, $18::numeric, $19::numeric, $20, $21, $22, $23
)`
	_, err := q.Exec(ctx, insertBill,
		b.ID, b.Number, b.Currency, b.Patient.Name, b.Patient.Age, b.Patient.Gender, b.Patient.Phone,
		b.Referral.Doctor, b.Referral.Panel, string(b.Discount.Type), b.Discount.Value.String(),
		b.Discount.Reason, b.Discount.ApprovedBy, b.GrossTotal.String(), b.DiscountAmount.String(),
		b.NetAmount.String(), b.PaidAmount.String(), b.DueAmount.String(), b.RefundedAmount.String(),
		string(b.PaymentStatus), b.Version, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("insert bill %s: duplicate bill number: %w", b.Number, err)
		}
		return fmt.Errorf("insert bill: %w", err)
	}
	if err := insertItems(ctx, q, b.ID, b.Items); err != nil {
		return err
	}
	for _, p := range b.Payments {
		if err := insertPayment(ctx, q, b.ID, p); err != nil {
			return err
		}
	}
	return nil
}

// Get implements Store.
func (s PGStore) Get(ctx context.Context, id uuid.UUID) (Bill, error) {
	q := db.Conn(ctx, s.Pool)
	row := q.QueryRow(ctx, `SELECT `+billColumns+` FROM bills b WHERE b.id = $1`, id)
	b, err := scanBill(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bill{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Bill{}, fmt.Errorf("get bill: %w", err)
	}
	if b.Items, err = listItems(ctx, q, id); err != nil {
		return Bill{}, err
	}
	if b.Payments, err = listPayments(ctx, q, id); err != nil {
		return Bill{}, err
	}
	return b, nil
}

// ApplySettlement implements Store.
func (s PGStore) ApplySettlement(ctx context.Context, u SettlementUpdate) error {
	q := db.Conn(ctx, s.Pool)
	st := u.Settlement
	const update = `UPDATE bills SET
	discount_type = $3, discount_value = $4::numeric, discount_reason = $5, discount_approved_by = $6,
	gross_total = $7::numeric, discount_amount = $8::numeric, net_amount = $9::numeric,
	paid_amount = $10::numeric, due_amount = $11::numeric, refunded_amount = $12::numeric,
	payment_status = $13, version = version + 1, updated_at = $14
WHERE id = $1 AND version = $2`
	tag, err := q.Exec(ctx, update,
		u.BillID, u.ExpectedVersion,
		string(u.Discount.Type), u.Discount.Value.String(), u.Discount.Reason, u.Discount.ApprovedBy,
		st.Summary.GrossTotal.String(), st.Summary.DiscountAmount.String(), st.Summary.NetAmount.String(),
		st.TotalCashHandled.String(), st.FinalDue.String(), u.RefundedAmount.String(),
		string(st.PaymentStatus), u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update bill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bills WHERE id = $1)`, u.BillID).Scan(&exists); err != nil {
			return fmt.Errorf("check bill: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, u.BillID)
		}
		return fmt.Errorf("%w: version %d", ErrStale, u.ExpectedVersion)
	}
	if _, err := q.Exec(ctx, `DELETE FROM bill_items WHERE bill_id = $1`, u.BillID); err != nil {
		return fmt.Errorf("clear bill items: %w", err)
	}
	if err := insertItems(ctx, q, u.BillID, u.Items); err != nil {
		return err
	}
	if u.Payment != nil {
		return insertPayment(ctx, q, u.BillID, *u.Payment)
	}
	return nil
}

// ListCreatedBetween implements Store. Items and payments are not loaded.
func (s PGStore) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]Bill, error) {
	rows, err := db.Conn(ctx, s.Pool).Query(ctx,
		`SELECT `+billColumns+` FROM bills b WHERE b.created_at >= $1 AND b.created_at < $2 ORDER BY b.created_at, b.bill_number`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}
	defer rows.Close()

	var out []Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bill: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bills: %w", err)
	}
	return out, nil
}

func scanBill(row pgx.Row) (Bill, error) {
	var (
		b                    Bill
		discountType, status string
		money                [7]string
	)
	err := row.Scan(
		&b.ID, &b.Number, &b.Currency, &b.Patient.Name, &b.Patient.Age, &b.Patient.Gender,
		&b.Patient.Phone, &b.Referral.Doctor, &b.Referral.Panel, &discountType, &money[0],
		&b.Discount.Reason, &b.Discount.ApprovedBy, &money[1], &money[2],
		&money[3], &money[4], &money[5], &money[6],
		&status, &b.Version, &b.CreatedAt, &b.UpdatedAt,
		&b.ItemCount,
	)
	if err != nil {
		return Bill{}, err
	}
	b.Discount.Type = billing.DiscountType(discountType)
	b.PaymentStatus = billing.PaymentStatus(status)
	targets := []*decimal.Decimal{
		&b.Discount.Value, &b.GrossTotal, &b.DiscountAmount, &b.NetAmount,
		&b.PaidAmount, &b.DueAmount, &b.RefundedAmount,
	}
	for i, dst := range targets {
		if *dst, err = decimal.NewFromString(money[i]); err != nil {
			return Bill{}, fmt.Errorf("parse numeric %q: %w", money[i], err)
		}
	}
	return b, nil
}

func insertItems(ctx context.Context, q db.Querier, billID uuid.UUID, items []billing.LineItem) error {
	const insertItem = `INSERT INTO bill_items (bill_id, position, test_id, name, unit_price)
VALUES ($1, $2, $3, $4, $5::numeric)`
	for i, it := range items {
		testID, err := uuid.Parse(it.ID)
		if err != nil {
			return fmt.Errorf("bill item %q: %w", it.ID, err)
		}
		if _, err := q.Exec(ctx, insertItem, billID, i, testID, it.Name, it.UnitPrice.String()); err != nil {
			return fmt.Errorf("insert bill item: %w", err)
		}
	}
	return nil
}

func insertPayment(ctx context.Context, q db.Querier, billID uuid.UUID, p Payment) error {
	const insert = `INSERT INTO bill_payments (id, bill_id, kind, amount, created_at)
VALUES ($1, $2, $3, $4::numeric, $5)`
	if _, err := q.Exec(ctx, insert, p.ID, billID, string(p.Kind), p.Amount.String(), p.CreatedAt); err != nil {
		return fmt.Errorf("insert bill payment: %w", err)
	}
	return nil
}

func listItems(ctx context.Context, q db.Querier, billID uuid.UUID) ([]billing.LineItem, error) {
	rows, err := q.Query(ctx, `SELECT test_id, name, unit_price::text FROM bill_items WHERE bill_id = $1 ORDER BY position`, billID)
	if err != nil {
		return nil, fmt.Errorf("list bill items: %w", err)
	}
	defer rows.Close()

	items := []billing.LineItem{}
	for rows.Next() {
		var (
			testID uuid.UUID
			it     billing.LineItem
			price  string
		)
		if err := rows.Scan(&testID, &it.Name, &price); err != nil {
			return nil, fmt.Errorf("scan bill item: %w", err)
		}
		it.ID = testID.String()
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("bill item price: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func listPayments(ctx context.Context, q db.Querier, billID uuid.UUID) ([]Payment, error) {
	rows, err := q.Query(ctx, `SELECT id, kind, amount::text, created_at FROM bill_payments WHERE bill_id = $1 ORDER BY created_at, id`, billID)
	if err != nil {
		return nil, fmt.Errorf("list bill payments: %w", err)
	}
	defer rows.Close()

	payments := []Payment{}
	for rows.Next() {
		var (
			p      Payment
			kind   string
			amount string
		)
		if err := rows.Scan(&p.ID, &kind, &amount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bill payment: %w", err)
		}
		p.Kind = PaymentKind(kind)
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("bill payment amount: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
