// Package report builds the daily collections export for the front desk.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/noah-isme/labdesk-api/internal/bill"
	"github.com/noah-isme/labdesk-api/internal/billing"
)

const (
	summarySheet = "summary"
	billsSheet   = "bills"
)

// Totals aggregates the money figures of a set of bills.
type Totals struct {
	Gross    decimal.Decimal `json:"grossTotal"`
	Discount decimal.Decimal `json:"discountAmount"`
	Net      decimal.Decimal `json:"netAmount"`
	Paid     decimal.Decimal `json:"paidAmount"`
	Due      decimal.Decimal `json:"dueAmount"`
	Refunded decimal.Decimal `json:"refundedAmount"`
}

func (t Totals) add(b bill.Bill) Totals {
	return Totals{
		Gross:    t.Gross.Add(b.GrossTotal),
		Discount: t.Discount.Add(b.DiscountAmount),
		Net:      t.Net.Add(b.NetAmount),
		Paid:     t.Paid.Add(b.PaidAmount),
		Due:      t.Due.Add(b.DueAmount),
		Refunded: t.Refunded.Add(b.RefundedAmount),
	}
}

// Collections is the collections report for one calendar day.
type Collections struct {
	Date     time.Time                     `json:"date"`
	Currency string                        `json:"currency"`
	Bills    []bill.Bill                   `json:"bills"`
	Totals   Totals                        `json:"totals"`
	ByStatus map[billing.PaymentStatus]int `json:"byStatus"`
}

// NewCollections summarises bills registered on date.
func NewCollections(date time.Time, currency string, bills []bill.Bill) Collections {
	c := Collections{
		Date:     date,
		Currency: currency,
		Bills:    bills,
		Totals: Totals{
			Gross:    decimal.Zero,
			Discount: decimal.Zero,
			Net:      decimal.Zero,
			Paid:     decimal.Zero,
			Due:      decimal.Zero,
			Refunded: decimal.Zero,
		},
		ByStatus: map[billing.PaymentStatus]int{},
	}
	if c.Bills == nil {
		c.Bills = []bill.Bill{}
	}
	for _, b := range bills {
		c.Totals = c.Totals.add(b)
		c.ByStatus[b.PaymentStatus]++
	}
	return c
}

// BuildXLSX renders the report as a workbook with a summary sheet and one
// row per bill.
func BuildXLSX(c Collections) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(billsSheet); err != nil {
		return nil, err
	}

	summary := [][]any{
		{"Daily Collections"},
		{},
		{"Date", c.Date.Format("2006-01-02")},
		{"Currency", c.Currency},
		{"Bills", len(c.Bills)},
		{"Gross Total", money(c.Totals.Gross)},
		{"Discount", money(c.Totals.Discount)},
		{"Net Amount", money(c.Totals.Net)},
		{"Paid Amount", money(c.Totals.Paid)},
		{"Due Amount", money(c.Totals.Due)},
		{"Refunded", money(c.Totals.Refunded)},
	}
	for _, status := range []billing.PaymentStatus{billing.StatusPaid, billing.StatusPartial, billing.StatusPending, billing.StatusReturn} {
		summary = append(summary, []any{"Status " + string(status), c.ByStatus[status]})
	}
	for i, row := range summary {
		if len(row) == 0 {
			continue
		}
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return nil, err
		}
	}

	header := []any{"Bill Number", "Registered", "Patient", "Tests", "Gross", "Discount", "Net", "Paid", "Due", "Refunded", "Status"}
	if err := f.SetSheetRow(billsSheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, b := range c.Bills {
		row := []any{
			b.Number,
			b.CreatedAt.Format(time.RFC3339),
			b.Patient.Name,
			b.ItemCount,
			money(b.GrossTotal),
			money(b.DiscountAmount),
			money(b.NetAmount),
			money(b.PaidAmount),
			money(b.DueAmount),
			money(b.RefundedAmount),
			string(b.PaymentStatus),
		}
		if err := f.SetSheetRow(billsSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// money converts for display only; totals are summed in decimal.
func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}
