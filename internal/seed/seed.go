// Package seed loads a small demo data set for local runs.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/daycare/internal/billing/domain"
	"gorm.io/gorm"
)

// DemoUsers are the parent accounts of the demo data set.
func DemoUsers() []domain.User {
	return []domain.User{
		{ID: "demo-user-1", Name: "Ada Lovelace", Email: "ada@example.com", Phone: "+15550100"},
		{ID: "demo-user-2", Name: "Grace Hopper", Email: "grace@example.com", Phone: "+15550101"},
	}
}

// DemoReservations returns completed-yesterday reservations relative to now.
func DemoReservations(now time.Time) []domain.Reservation {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	at := func(hour, minute int) time.Time {
		return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
	}
	return []domain.Reservation{
		{ID: "demo-res-1", UserID: "demo-user-1", ChildID: "demo-child-1", Start: at(8, 0), End: at(11, 30), Status: domain.ReservationStatusProcessing, CreatedAt: now, UpdatedAt: now},
		{ID: "demo-res-2", UserID: "demo-user-1", ChildID: "demo-child-1", Start: at(13, 0), End: at(18, 15), Status: domain.ReservationStatusProcessing, CreatedAt: now, UpdatedAt: now},
		{ID: "demo-res-3", UserID: "demo-user-2", ChildID: "demo-child-2", Start: at(9, 0), End: at(9, 20), Status: domain.ReservationStatusProcessing, CreatedAt: now, UpdatedAt: now},
		{ID: "demo-res-4", UserID: "demo-user-2", ChildID: "demo-child-2", Start: at(9, 0), End: at(12, 0), Status: domain.ReservationStatusPending, CreatedAt: now, UpdatedAt: now},
	}
}

// Target receives demo rows. The memory store satisfies it.
type Target interface {
	PutUser(u domain.User)
	PutReservation(r domain.Reservation)
}

// LoadDemoData fills an in-process store.
func LoadDemoData(target Target, now time.Time) {
	for _, u := range DemoUsers() {
		target.PutUser(u)
	}
	for _, r := range DemoReservations(now) {
		target.PutReservation(r)
	}
}

// EnsureDemoData inserts the demo rows that are missing. Existing rows are
// left untouched so billed reservations stay billed.
func EnsureDemoData(ctx context.Context, db *gorm.DB, now time.Time) (int, error) {
	if db == nil {
		return 0, errors.New("seed database handle is required")
	}

	inserted := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range DemoUsers() {
			u.UpdatedAt = now
			ok, err := ensureRow(tx, &domain.User{}, u.ID, &u)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		for _, r := range DemoReservations(now) {
			ok, err := ensureRow(tx, &domain.Reservation{}, r.ID, &r)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

func ensureRow(tx *gorm.DB, model any, id string, row any) (bool, error) {
	err := tx.Model(model).Where("id = ?", id).Take(model).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	if err := tx.Create(row).Error; err != nil {
		return false, err
	}
	return true, nil
}
