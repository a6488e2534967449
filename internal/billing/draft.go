package billing

import "github.com/shopspring/decimal"

// Draft holds the in-progress inputs of a new bill for a single editing
// session. Summary is memoized on a revision counter that moves on every
// input change. A Draft is not safe for concurrent use.
type Draft struct {
	selection Selection
	discount  Discount
	cash      decimal.Decimal

	rev       uint64
	cachedRev uint64
	cached    *Summary

	submittedRev uint64
	submitted    bool
}

// NewDraft returns an empty draft with an AMOUNT discount of zero.
func NewDraft() *Draft {
	return &Draft{discount: Discount{Type: DiscountAmount}}
}

// AddTest selects item. Selecting an already selected test is a no-op.
func (d *Draft) AddTest(item LineItem) bool {
	if !d.selection.Add(item) {
		return false
	}
	d.rev++
	return true
}

// RemoveTest deselects the test with the given ID.
func (d *Draft) RemoveTest(id string) bool {
	if !d.selection.Remove(id) {
		return false
	}
	d.rev++
	return true
}

// SetDiscount replaces the discount configuration.
func (d *Draft) SetDiscount(discount Discount) {
	d.discount = discount
	d.rev++
}

// SetCashReceived replaces the amount collected in this transaction.
func (d *Draft) SetCashReceived(cash decimal.Decimal) {
	d.cash = cash
	d.rev++
}

// Items returns the selected tests.
func (d *Draft) Items() []LineItem { return d.selection.Items() }

// Discount returns the current discount configuration.
func (d *Draft) Discount() Discount { return d.discount }

// CashReceived returns the amount collected in this transaction.
func (d *Draft) CashReceived() decimal.Decimal { return d.cash }

// Summary returns the figures for the current inputs.
func (d *Draft) Summary() Summary {
	if d.cached != nil && d.cachedRev == d.rev {
		return *d.cached
	}
	s := Compute(d.selection.items, d.discount, d.cash)
	d.cached = &s
	d.cachedRev = d.rev
	return s
}

// MarkSubmitted records that the current revision was persisted. Callers must
// only invoke it after the save was acknowledged.
func (d *Draft) MarkSubmitted() {
	d.submitted = true
	d.submittedRev = d.rev
}

// Dirty reports whether the draft holds changes that were not persisted.
func (d *Draft) Dirty() bool {
	return !d.submitted || d.submittedRev != d.rev
}

// SettlementDraft holds the inputs of a settlement on an existing bill.
// AlreadyPaid is fixed when the draft is opened.
type SettlementDraft struct {
	selection   Selection
	discount    Discount
	alreadyPaid decimal.Decimal
	paidNow     decimal.Decimal
}

// NewSettlementDraft opens a settlement over the stored bill state.
func NewSettlementDraft(items []LineItem, discount Discount, alreadyPaid decimal.Decimal) *SettlementDraft {
	d := &SettlementDraft{discount: discount, alreadyPaid: alreadyPaid}
	for _, it := range items {
		d.selection.Add(it)
	}
	return d
}

// AddTest selects item; duplicates are ignored.
func (d *SettlementDraft) AddTest(item LineItem) bool { return d.selection.Add(item) }

// RemoveTest deselects the test with the given ID.
func (d *SettlementDraft) RemoveTest(id string) bool { return d.selection.Remove(id) }

// SetDiscount replaces the discount configuration.
func (d *SettlementDraft) SetDiscount(discount Discount) { d.discount = discount }

// SetPaidNow sets the amount collected (positive) or returned (negative).
func (d *SettlementDraft) SetPaidNow(amount decimal.Decimal) { d.paidNow = amount }

// AlreadyPaid returns the cash recorded before this settlement.
func (d *SettlementDraft) AlreadyPaid() decimal.Decimal { return d.alreadyPaid }

// State computes the settlement for the current inputs.
func (d *SettlementDraft) State() Settlement {
	return Settle(d.selection.items, d.discount, d.alreadyPaid, d.paidNow)
}

// ConfirmReturn accepts the suggested refund and returns the recomputed state.
func (d *SettlementDraft) ConfirmReturn() Settlement {
	current := d.State()
	if current.IsRefund {
		d.paidNow = current.ConfirmReturnAmount()
	}
	return d.State()
}
