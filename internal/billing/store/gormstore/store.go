// Package gormstore is the relational billing store backed by gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/fault"
	"github.com/smallbiznis/daycare/internal/clock"
	"github.com/smallbiznis/daycare/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Store struct {
	db    *gorm.DB
	clock clock.Clock
}

var _ domain.Store = (*Store)(nil)

func New(conn *gorm.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Store{db: conn, clock: clk}
}

// AutoMigrate creates the billing tables for drivers without SQL migrations.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&domain.BillingRun{},
		&domain.User{},
		&domain.Reservation{},
		&domain.Invoice{},
	)
}

func (s *Store) CreateRun(ctx context.Context, run *domain.BillingRun) error {
	if run == nil {
		return fault.Critical("create_run", errors.New("nil run"))
	}
	now := s.clock.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fault.FromStore("create_run", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, runID snowflake.ID, patch domain.RunPatch) error {
	updates := map[string]any{"updated_at": s.clock.Now()}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.EndTime != nil {
		updates["end_time"] = *patch.EndTime
	}
	if patch.Processed != nil {
		updates["processed"] = *patch.Processed
	}
	if patch.Failures != nil {
		updates["failures"] = datatypes.JSONSlice[domain.FailureRecord](patch.Failures)
	}

	result := s.db.WithContext(ctx).
		Model(&domain.BillingRun{}).
		Where("id = ?", runID).
		Updates(updates)
	if result.Error != nil {
		return fault.FromStore("update_run", result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.Critical("update_run", domain.ErrRunNotFound)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID snowflake.ID) (*domain.BillingRun, error) {
	var run domain.BillingRun
	err := s.db.WithContext(ctx).Where("id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fault.FromStore("get_run", err)
	}
	return &run, nil
}

func (s *Store) QueryUnbilledReservations(ctx context.Context) ([]domain.BillableReservation, error) {
	var reservations []domain.Reservation
	err := s.db.WithContext(ctx).
		Where("status = ? AND invoice_id IS NULL", domain.ReservationStatusProcessing).
		Order("start_at asc, id asc").
		Find(&reservations).Error
	if err != nil {
		return nil, fault.FromStore("query_unbilled_reservations", err)
	}
	if len(reservations) == 0 {
		return []domain.BillableReservation{}, nil
	}

	userIDs := make([]string, 0, len(reservations))
	seen := make(map[string]struct{}, len(reservations))
	for _, r := range reservations {
		if _, ok := seen[r.UserID]; ok {
			continue
		}
		seen[r.UserID] = struct{}{}
		userIDs = append(userIDs, r.UserID)
	}

	var users []domain.User
	if err := s.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, fault.FromStore("query_unbilled_reservations", err)
	}
	byID := make(map[string]domain.UserSnapshot, len(users))
	for _, u := range users {
		byID[u.ID] = u.Snapshot()
	}

	out := make([]domain.BillableReservation, 0, len(reservations))
	for _, r := range reservations {
		item := domain.BillableReservation{Reservation: r}
		if snap, ok := byID[r.UserID]; ok {
			item.User = &snap
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) QueryOverdueInvoices(ctx context.Context, now time.Time) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := s.db.WithContext(ctx).
		Where("status = ? AND due_date < ?", domain.InvoiceStatusUnpaid, now).
		Order("due_date asc, id asc").
		Find(&invoices).Error
	if err != nil {
		return nil, fault.FromStore("query_overdue_invoices", err)
	}
	return invoices, nil
}

func (s *Store) CountOpenInvoicesForUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("user_id = ? AND status IN ?", userID, []domain.InvoiceStatus{domain.InvoiceStatusUnpaid, domain.InvoiceStatusLate}).
		Count(&count).Error
	if err != nil {
		return 0, fault.FromStore("count_open_invoices", err)
	}
	return count, nil
}

// CreateInvoiceForReservation inserts the invoice and claims the reservation
// in one transaction. The claim only succeeds while invoice_id is still null.
func (s *Store) CreateInvoiceForReservation(ctx context.Context, invoice *domain.Invoice) error {
	if invoice == nil {
		return fault.Critical("create_invoice", errors.New("nil invoice"))
	}
	now := s.clock.Now()
	invoice.CreatedAt = now
	invoice.UpdatedAt = now

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(invoice).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return fault.Business("create_invoice", fmt.Errorf("%w: %v", domain.ErrReservationAlreadyBilled, err))
			}
			return fault.FromStore("create_invoice", err)
		}

		claim := tx.Model(&domain.Reservation{}).
			Where("id = ? AND invoice_id IS NULL", invoice.ReservationID).
			Updates(map[string]any{
				"invoice_id": invoice.ID,
				"updated_at": now,
			})
		if claim.Error != nil {
			return fault.FromStore("claim_reservation", claim.Error)
		}
		if claim.RowsAffected == 1 {
			return nil
		}

		var exists int64
		if err := tx.Model(&domain.Reservation{}).Where("id = ?", invoice.ReservationID).Count(&exists).Error; err != nil {
			return fault.FromStore("claim_reservation", err)
		}
		if exists == 0 {
			return fault.Business("claim_reservation", domain.ErrReservationNotFound)
		}
		return fault.Business("claim_reservation", domain.ErrReservationAlreadyBilled)
	})
	if err != nil {
		return fault.FromStore("create_invoice", err)
	}
	return nil
}

func (s *Store) UpdateInvoice(ctx context.Context, invoiceID snowflake.ID, patch domain.InvoicePatch) error {
	updates := map[string]any{"updated_at": s.clock.Now()}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.LineItems != nil {
		updates["line_items"] = datatypes.JSONSlice[domain.LineItem](patch.LineItems)
	}
	if patch.SubtotalCents != nil {
		updates["subtotal_cents"] = *patch.SubtotalCents
	}
	if patch.TaxCents != nil {
		updates["tax_cents"] = *patch.TaxCents
	}
	if patch.TotalCents != nil {
		updates["total_cents"] = *patch.TotalCents
	}

	result := s.db.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("id = ? AND status IN ?", invoiceID, []domain.InvoiceStatus{domain.InvoiceStatusUnpaid, domain.InvoiceStatusLate}).
		Updates(updates)
	if result.Error != nil {
		return fault.FromStore("update_invoice", result.Error)
	}
	if result.RowsAffected == 0 {
		var exists int64
		if err := s.db.WithContext(ctx).Model(&domain.Invoice{}).Where("id = ?", invoiceID).Count(&exists).Error; err != nil {
			return fault.FromStore("update_invoice", err)
		}
		if exists > 0 {
			// settled between the overdue query and this write
			return fault.Business("update_invoice", domain.ErrInvoiceNotOpen)
		}
		return fault.Business("update_invoice", domain.ErrInvoiceNotFound)
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, userID string, patch domain.UserPatch) error {
	updates := map[string]any{"updated_at": s.clock.Now()}
	if patch.PaymentHold != nil {
		updates["payment_hold"] = *patch.PaymentHold
	}

	result := s.db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", userID).
		Updates(updates)
	if result.Error != nil {
		return fault.FromStore("update_user", result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.Business("update_user", domain.ErrUserNotFound)
	}
	return nil
}
