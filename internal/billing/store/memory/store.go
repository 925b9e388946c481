// Package memory is an in-process billing store for local dry-runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/fault"
	"github.com/smallbiznis/daycare/internal/clock"
)

type Store struct {
	mu    sync.RWMutex
	clock clock.Clock

	runs         map[snowflake.ID]domain.BillingRun
	reservations map[string]domain.Reservation
	users        map[string]domain.User
	invoices     map[snowflake.ID]domain.Invoice
}

var _ domain.Store = (*Store)(nil)

func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Store{
		clock:        clk,
		runs:         map[snowflake.ID]domain.BillingRun{},
		reservations: map[string]domain.Reservation{},
		users:        map[string]domain.User{},
		invoices:     map[snowflake.ID]domain.Invoice{},
	}
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// PutReservation inserts or replaces a reservation.
func (s *Store) PutReservation(r domain.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.ID] = copyReservation(r)
}

// PutInvoice inserts or replaces an invoice.
func (s *Store) PutInvoice(inv domain.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = inv.Clone()
}

func (s *Store) CreateRun(ctx context.Context, run *domain.BillingRun) error {
	if err := ctx.Err(); err != nil {
		return fault.FromStore("create_run", err)
	}
	if run == nil {
		return fault.Critical("create_run", fmt.Errorf("nil run"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fault.Critical("create_run", fmt.Errorf("run %s already exists", run.ID))
	}
	now := s.clock.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	s.runs[run.ID] = copyRun(*run)
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, runID snowflake.ID, patch domain.RunPatch) error {
	if err := ctx.Err(); err != nil {
		return fault.FromStore("update_run", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fault.Critical("update_run", domain.ErrRunNotFound)
	}
	if patch.Status != nil {
		run.Status = *patch.Status
	}
	if patch.EndTime != nil {
		end := *patch.EndTime
		run.EndTime = &end
	}
	if patch.Processed != nil {
		run.Processed = *patch.Processed
	}
	if patch.Failures != nil {
		run.Failures = append([]domain.FailureRecord(nil), patch.Failures...)
	}
	run.UpdatedAt = s.clock.Now()
	s.runs[runID] = run
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID snowflake.ID) (*domain.BillingRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.FromStore("get_run", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	out := copyRun(run)
	return &out, nil
}

func (s *Store) QueryUnbilledReservations(ctx context.Context) ([]domain.BillableReservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.FromStore("query_unbilled_reservations", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.BillableReservation, 0)
	for _, r := range s.reservations {
		if r.Status != domain.ReservationStatusProcessing || r.InvoiceID != nil {
			continue
		}
		item := domain.BillableReservation{Reservation: copyReservation(r)}
		if u, ok := s.users[r.UserID]; ok {
			snap := u.Snapshot()
			item.User = &snap
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Reservation, out[j].Reservation
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (s *Store) QueryOverdueInvoices(ctx context.Context, now time.Time) ([]domain.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.FromStore("query_overdue_invoices", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Invoice, 0)
	for _, inv := range s.invoices {
		if inv.Status != domain.InvoiceStatusUnpaid || !inv.DueDate.Before(now) {
			continue
		}
		out = append(out, inv.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CountOpenInvoicesForUser(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fault.FromStore("count_open_invoices", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, inv := range s.invoices {
		if inv.User.ID == userID && inv.Status.IsOpen() {
			count++
		}
	}
	return count, nil
}

func (s *Store) CreateInvoiceForReservation(ctx context.Context, invoice *domain.Invoice) error {
	if err := ctx.Err(); err != nil {
		return fault.FromStore("create_invoice", err)
	}
	if invoice == nil {
		return fault.Critical("create_invoice", fmt.Errorf("nil invoice"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[invoice.ReservationID]
	if !ok {
		return fault.Business("create_invoice", domain.ErrReservationNotFound)
	}
	if res.InvoiceID != nil {
		return fault.Business("create_invoice", domain.ErrReservationAlreadyBilled)
	}
	for _, existing := range s.invoices {
		if existing.ReservationID == invoice.ReservationID {
			return fault.Business("create_invoice", domain.ErrReservationAlreadyBilled)
		}
	}
	if _, exists := s.invoices[invoice.ID]; exists {
		return fault.Business("create_invoice", fmt.Errorf("invoice %s already exists", invoice.ID))
	}

	now := s.clock.Now()
	invoice.CreatedAt = now
	invoice.UpdatedAt = now
	s.invoices[invoice.ID] = invoice.Clone()

	id := invoice.ID
	res.InvoiceID = &id
	res.UpdatedAt = now
	s.reservations[res.ID] = res
	return nil
}

func (s *Store) UpdateInvoice(ctx context.Context, invoiceID snowflake.ID, patch domain.InvoicePatch) error {
	if err := ctx.Err(); err != nil {
		return fault.FromStore("update_invoice", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[invoiceID]
	if !ok {
		return fault.Business("update_invoice", domain.ErrInvoiceNotFound)
	}
	if !inv.Status.IsOpen() {
		return fault.Business("update_invoice", domain.ErrInvoiceNotOpen)
	}
	if patch.Status != nil {
		inv.Status = *patch.Status
	}
	if patch.LineItems != nil {
		inv.LineItems = append([]domain.LineItem(nil), patch.LineItems...)
	}
	if patch.SubtotalCents != nil {
		inv.SubtotalCents = *patch.SubtotalCents
	}
	if patch.TaxCents != nil {
		inv.TaxCents = *patch.TaxCents
	}
	if patch.TotalCents != nil {
		inv.TotalCents = *patch.TotalCents
	}
	inv.UpdatedAt = s.clock.Now()
	s.invoices[invoiceID] = inv
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, userID string, patch domain.UserPatch) error {
	if err := ctx.Err(); err != nil {
		return fault.FromStore("update_user", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fault.Business("update_user", domain.ErrUserNotFound)
	}
	if patch.PaymentHold != nil {
		u.PaymentHold = *patch.PaymentHold
	}
	u.UpdatedAt = s.clock.Now()
	s.users[userID] = u
	return nil
}

func copyRun(r domain.BillingRun) domain.BillingRun {
	if r.EndTime != nil {
		end := *r.EndTime
		r.EndTime = &end
	}
	if r.Failures != nil {
		r.Failures = append([]domain.FailureRecord(nil), r.Failures...)
	}
	return r
}

func copyReservation(r domain.Reservation) domain.Reservation {
	if r.InvoiceID != nil {
		id := *r.InvoiceID
		r.InvoiceID = &id
	}
	if r.PaymentDue != nil {
		due := *r.PaymentDue
		r.PaymentDue = &due
	}
	return r
}
