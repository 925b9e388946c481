package machine

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/daycare/internal/billing/domain"
)

// Effect is the side effect the runner performs for the state just entered.
// A nil Effect means the runner feeds Continue.
type Effect interface{ effect() }

// InitRunEffect creates the run record and loads unbilled reservations.
type InitRunEffect struct {
	DryRun  bool
	Trigger domain.Trigger
}

// CalculateChargesEffect prices the reservation at Index.
type CalculateChargesEffect struct {
	Index       int
	Reservation domain.BillableReservation
}

// PersistInvoiceEffect writes the invoice and its reservation back-reference.
type PersistInvoiceEffect struct {
	Invoice domain.Invoice
	DryRun  bool
}

// LoadOverdueEffect loads overdue invoices, skipping the ones in Exclude.
type LoadOverdueEffect struct {
	Exclude []snowflake.ID
}

// ApplyLateFeeEffect applies and persists the late fee on Invoice.
type ApplyLateFeeEffect struct {
	Index   int
	Invoice domain.Invoice
	DryRun  bool
}

// RecalcUserHoldEffect recomputes the payment hold of UserID.
type RecalcUserHoldEffect struct {
	UserID string
	DryRun bool
}

// WaitEffect sleeps before a retry.
type WaitEffect struct {
	Delay time.Duration
}

// WrapUpEffect finalizes the run record.
type WrapUpEffect struct {
	Status    domain.RunStatus
	Processed int
	Failures  []domain.FailureRecord
	DryRun    bool
}

func (InitRunEffect) effect()          {}
func (CalculateChargesEffect) effect() {}
func (PersistInvoiceEffect) effect()   {}
func (LoadOverdueEffect) effect()      {}
func (ApplyLateFeeEffect) effect()     {}
func (RecalcUserHoldEffect) effect()   {}
func (WaitEffect) effect()             {}
func (WrapUpEffect) effect()           {}

// Event is the outcome of an effect fed back into Transition.
type Event interface{ event() }

// Continue advances states that carry no effect.
type Continue struct{}

// InitSucceeded reports a created run and its work list.
type InitSucceeded struct {
	RunID        string
	Reservations []domain.BillableReservation
}

// ChargesCalculated carries the priced invoice.
type ChargesCalculated struct {
	Invoice domain.Invoice
}

// InvoicePersisted reports a stored invoice.
type InvoicePersisted struct{}

// OverdueLoaded carries the overdue work list.
type OverdueLoaded struct {
	Invoices []domain.Invoice
}

// LateFeeApplied reports the rewritten invoice. Added is false when the fee
// was already present.
type LateFeeApplied struct {
	Invoice domain.Invoice
	Added   bool
}

// HoldRecalculated reports the user's new payment hold flag.
type HoldRecalculated struct {
	Hold bool
}

// Waited reports an elapsed retry delay.
type Waited struct{}

// WrappedUp reports a finalized run record.
type WrappedUp struct{}

// StepFailed reports an effect error. At stamps the failure record.
type StepFailed struct {
	Err error
	At  time.Time
}

func (Continue) event()          {}
func (InitSucceeded) event()     {}
func (ChargesCalculated) event() {}
func (InvoicePersisted) event()  {}
func (OverdueLoaded) event()     {}
func (LateFeeApplied) event()    {}
func (HoldRecalculated) event()  {}
func (Waited) event()            {}
func (WrappedUp) event()         {}
func (StepFailed) event()        {}
