package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// RunPatch carries the fields the runner writes when finalizing a run.
type RunPatch struct {
	Status    *RunStatus
	EndTime   *time.Time
	Processed *int
	Failures  []FailureRecord
}

// InvoicePatch carries the fields the late-fee step rewrites.
type InvoicePatch struct {
	Status        *InvoiceStatus
	LineItems     []LineItem
	SubtotalCents *int64
	TaxCents      *int64
	TotalCents    *int64
}

// UserPatch carries the fields the hold recompute rewrites.
type UserPatch struct {
	PaymentHold *bool
}

// Store is the document store the billing batch reads from and writes to.
type Store interface {
	CreateRun(ctx context.Context, run *BillingRun) error
	UpdateRun(ctx context.Context, runID snowflake.ID, patch RunPatch) error
	GetRun(ctx context.Context, runID snowflake.ID) (*BillingRun, error)

	// QueryUnbilledReservations returns processing reservations without an invoice.
	QueryUnbilledReservations(ctx context.Context) ([]BillableReservation, error)
	// QueryOverdueInvoices returns unpaid invoices whose due date is before now.
	QueryOverdueInvoices(ctx context.Context, now time.Time) ([]Invoice, error)
	// CountOpenInvoicesForUser counts the user's unpaid or late invoices.
	CountOpenInvoicesForUser(ctx context.Context, userID string) (int64, error)

	// CreateInvoiceForReservation writes the invoice and the reservation's
	// back-reference atomically.
	CreateInvoiceForReservation(ctx context.Context, invoice *Invoice) error
	UpdateInvoice(ctx context.Context, invoiceID snowflake.ID, patch InvoicePatch) error
	UpdateUser(ctx context.Context, userID string, patch UserPatch) error
}
