package gormstore

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/fault"
	"github.com/smallbiznis/daycare/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var now = time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	s := New(conn, clock.NewFakeClock(now))
	require.NoError(t, s.AutoMigrate(context.Background()))

	require.NoError(t, conn.Create(&domain.User{ID: "user-1", Name: "Ada", Email: "ada@example.com"}).Error)
	require.NoError(t, conn.Create(&[]domain.Reservation{
		{ID: "res-1", UserID: "user-1", Status: domain.ReservationStatusProcessing, Start: now.Add(-20 * time.Hour), End: now.Add(-17 * time.Hour), CreatedAt: now, UpdatedAt: now},
		{ID: "res-2", UserID: "user-1", Status: domain.ReservationStatusCompleted, Start: now.Add(-19 * time.Hour), End: now.Add(-17 * time.Hour), CreatedAt: now, UpdatedAt: now},
		{ID: "res-3", UserID: "ghost", Status: domain.ReservationStatusProcessing, Start: now.Add(-18 * time.Hour), End: now.Add(-17 * time.Hour), CreatedAt: now, UpdatedAt: now},
	}).Error)
	return s, conn
}

func TestQueryUnbilledReservationsResolvesUsers(t *testing.T) {
	s, _ := newTestStore(t)

	got, err := s.QueryUnbilledReservations(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "res-1", got[0].Reservation.ID)
	require.NotNil(t, got[0].User)
	assert.Equal(t, "ada@example.com", got[0].User.Email)
	assert.Equal(t, "res-3", got[1].Reservation.ID)
	assert.Nil(t, got[1].User)
}

func TestCreateInvoiceForReservationIsAtomicAndSingle(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()

	inv := &domain.Invoice{
		ID:            snowflake.ID(1001),
		ReservationID: "res-1",
		Date:          now,
		DueDate:       now.AddDate(0, 0, 7),
		User:          domain.UserSnapshot{ID: "user-1", Name: "Ada"},
		LineItems:     []domain.LineItem{{Tag: domain.LineItemTagBase, DurationHours: 3, RateCentsPerHour: 2000, SubtotalCents: 6000}},
		SubtotalCents: 6000,
		TaxCents:      480,
		TotalCents:    6480,
		Status:        domain.InvoiceStatusUnpaid,
	}
	require.NoError(t, s.CreateInvoiceForReservation(ctx, inv))

	var res domain.Reservation
	require.NoError(t, conn.Where("id = ?", "res-1").First(&res).Error)
	require.NotNil(t, res.InvoiceID)
	assert.Equal(t, snowflake.ID(1001), *res.InvoiceID)

	var stored domain.Invoice
	require.NoError(t, conn.Where("id = ?", 1001).First(&stored).Error)
	assert.Equal(t, "Ada", stored.User.Name)
	require.Len(t, stored.LineItems, 1)
	assert.Equal(t, domain.LineItemTagBase, stored.LineItems[0].Tag)

	second := &domain.Invoice{ID: snowflake.ID(1002), ReservationID: "res-1", Date: now, DueDate: now, Status: domain.InvoiceStatusUnpaid}
	err := s.CreateInvoiceForReservation(ctx, second)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReservationAlreadyBilled)
	assert.Equal(t, fault.KindBusinessLogic, fault.Classify(err))

	var count int64
	require.NoError(t, conn.Model(&domain.Invoice{}).Where("reservation_id = ?", "res-1").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreateInvoiceRollsBackWhenClaimFails(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()

	billed := snowflake.ID(5)
	require.NoError(t, conn.Model(&domain.Reservation{}).Where("id = ?", "res-3").Update("invoice_id", billed).Error)

	err := s.CreateInvoiceForReservation(ctx, &domain.Invoice{ID: 2001, ReservationID: "res-3", Date: now, DueDate: now, Status: domain.InvoiceStatusUnpaid})
	assert.ErrorIs(t, err, domain.ErrReservationAlreadyBilled)

	var count int64
	require.NoError(t, conn.Model(&domain.Invoice{}).Where("id = ?", 2001).Count(&count).Error)
	assert.Zero(t, count)

	err = s.CreateInvoiceForReservation(ctx, &domain.Invoice{ID: 2002, ReservationID: "missing", Date: now, DueDate: now, Status: domain.InvoiceStatusUnpaid})
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestOverdueInvoicesAndLateFeePatch(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, conn.Create(&[]domain.Invoice{
		{ID: 1, ReservationID: "a", Date: now, DueDate: now.Add(-time.Hour), Status: domain.InvoiceStatusUnpaid, User: domain.UserSnapshot{ID: "user-1"}, CreatedAt: now, UpdatedAt: now},
		{ID: 2, ReservationID: "b", Date: now, DueDate: now.Add(time.Hour), Status: domain.InvoiceStatusUnpaid, User: domain.UserSnapshot{ID: "user-1"}, CreatedAt: now, UpdatedAt: now},
		{ID: 3, ReservationID: "c", Date: now, DueDate: now.Add(-time.Hour), Status: domain.InvoiceStatusPaid, User: domain.UserSnapshot{ID: "user-1"}, CreatedAt: now, UpdatedAt: now},
	}).Error)

	overdue, err := s.QueryOverdueInvoices(ctx, now)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, snowflake.ID(1), overdue[0].ID)

	status := domain.InvoiceStatusLate
	subtotal, tax, total := int64(500), int64(40), int64(540)
	require.NoError(t, s.UpdateInvoice(ctx, 1, domain.InvoicePatch{
		Status:        &status,
		LineItems:     []domain.LineItem{{Tag: domain.LineItemTagLateFee, DurationHours: 1, RateCentsPerHour: 500, SubtotalCents: 500}},
		SubtotalCents: &subtotal,
		TaxCents:      &tax,
		TotalCents:    &total,
	}))

	var stored domain.Invoice
	require.NoError(t, conn.Where("id = ?", 1).First(&stored).Error)
	assert.Equal(t, domain.InvoiceStatusLate, stored.Status)
	assert.True(t, stored.HasLineItem(domain.LineItemTagLateFee))
	assert.Equal(t, int64(540), stored.TotalCents)

	count, err := s.CountOpenInvoicesForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	err = s.UpdateInvoice(ctx, 404, domain.InvoicePatch{Status: &status})
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}

func TestUpdateInvoiceRejectsSettledInvoice(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, conn.Create(&[]domain.Invoice{
		{ID: 10, ReservationID: "paid", Date: now, DueDate: now.Add(-time.Hour), Status: domain.InvoiceStatusPaid, TotalCents: 6480, User: domain.UserSnapshot{ID: "user-1"}, CreatedAt: now, UpdatedAt: now},
		{ID: 11, ReservationID: "cancelled", Date: now, DueDate: now.Add(-time.Hour), Status: domain.InvoiceStatusCancelled, TotalCents: 6480, User: domain.UserSnapshot{ID: "user-1"}, CreatedAt: now, UpdatedAt: now},
	}).Error)

	status := domain.InvoiceStatusLate
	total := int64(7020)
	for _, id := range []snowflake.ID{10, 11} {
		err := s.UpdateInvoice(ctx, id, domain.InvoicePatch{Status: &status, TotalCents: &total})
		assert.ErrorIs(t, err, domain.ErrInvoiceNotOpen)
		assert.Equal(t, fault.KindBusinessLogic, fault.Classify(err))
	}

	var stored domain.Invoice
	require.NoError(t, conn.Where("id = ?", 10).First(&stored).Error)
	assert.Equal(t, domain.InvoiceStatusPaid, stored.Status)
	assert.Equal(t, int64(6480), stored.TotalCents)
}

func TestUpdateUserPaymentHold(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()

	hold := true
	require.NoError(t, s.UpdateUser(ctx, "user-1", domain.UserPatch{PaymentHold: &hold}))

	var u domain.User
	require.NoError(t, conn.Where("id = ?", "user-1").First(&u).Error)
	assert.True(t, u.PaymentHold)

	err := s.UpdateUser(ctx, "ghost", domain.UserPatch{PaymentHold: &hold})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	assert.Equal(t, fault.KindBusinessLogic, fault.Classify(err))
}

func TestRunRecordLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	run := &domain.BillingRun{ID: 77, Status: domain.RunStatusRunning, Trigger: domain.TriggerScheduled, StartTime: now}
	require.NoError(t, s.CreateRun(ctx, run))

	status := domain.RunStatusSuccess
	processed := 3
	end := now.Add(2 * time.Minute)
	require.NoError(t, s.UpdateRun(ctx, 77, domain.RunPatch{
		Status:    &status,
		EndTime:   &end,
		Processed: &processed,
		Failures: []domain.FailureRecord{{
			Timestamp: now,
			Error:     "calculate_charges: reservation_missing_user",
			Kind:      "business_logic",
			Context:   domain.FailureContext{RunID: "77", ItemIndex: 1, ItemID: "res-3", Operation: "calculate_charges"},
		}},
	}))

	got, err := s.GetRun(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, got.Status)
	assert.Equal(t, 3, got.Processed)
	require.NotNil(t, got.EndTime)
	require.Len(t, got.Failures, 1)
	assert.Equal(t, "res-3", got.Failures[0].Context.ItemID)

	_, err = s.GetRun(ctx, 78)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	err = s.UpdateRun(ctx, 78, domain.RunPatch{Status: &status})
	assert.Equal(t, fault.KindCritical, fault.Classify(err))
}
