// Package charges holds the pricing arithmetic of the billing batch. All
// amounts are integer cents; rounding is half-up.
package charges

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/fault"
)

const (
	serviceChildcare   = "Childcare"
	serviceLatePickup  = "Late pickup"
	serviceLatePayment = "Late payment fee"

	basisPoints = 10_000
)

// Config holds the pricing knobs.
type Config struct {
	RateCentsPerHour       int64
	MinBillableMinutes     int
	MaxBillableMinutes     int
	LatePickupAfterMinutes int
	LatePickupCents        int64
	TaxBasisPoints         int64
	LateFeeCents           int64
	HoldThreshold          int64
	DefaultDueDays         int
	Location               *time.Location
}

func DefaultConfig() Config {
	return Config{
		RateCentsPerHour:       2000,
		MinBillableMinutes:     60,
		MaxBillableMinutes:     480,
		LatePickupAfterMinutes: 240,
		LatePickupCents:        500,
		TaxBasisPoints:         800,
		LateFeeCents:           500,
		HoldThreshold:          2,
		DefaultDueDays:         7,
		Location:               time.UTC,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RateCentsPerHour <= 0 {
		c.RateCentsPerHour = defaults.RateCentsPerHour
	}
	if c.MinBillableMinutes <= 0 {
		c.MinBillableMinutes = defaults.MinBillableMinutes
	}
	if c.MaxBillableMinutes < c.MinBillableMinutes {
		c.MaxBillableMinutes = defaults.MaxBillableMinutes
	}
	if c.LatePickupAfterMinutes <= 0 {
		c.LatePickupAfterMinutes = defaults.LatePickupAfterMinutes
	}
	if c.LatePickupCents < 0 {
		c.LatePickupCents = defaults.LatePickupCents
	}
	if c.TaxBasisPoints < 0 {
		c.TaxBasisPoints = defaults.TaxBasisPoints
	}
	if c.LateFeeCents < 0 {
		c.LateFeeCents = defaults.LateFeeCents
	}
	if c.HoldThreshold < 0 {
		c.HoldThreshold = defaults.HoldThreshold
	}
	if c.DefaultDueDays <= 0 {
		c.DefaultDueDays = defaults.DefaultDueDays
	}
	if c.Location == nil {
		c.Location = defaults.Location
	}
	return c
}

// Calculator turns reservations into invoices and applies late fees.
type Calculator struct {
	cfg Config
}

func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (c *Calculator) Config() Config {
	return c.cfg
}

// BillableMinutes is the clamped minute-of-day difference between start and
// end in the billing location. A window crossing midnight clamps to the
// minimum.
func (c *Calculator) BillableMinutes(start, end time.Time) int {
	startMOD := minuteOfDay(start.In(c.cfg.Location))
	endMOD := minuteOfDay(end.In(c.cfg.Location))
	minutes := endMOD - startMOD
	if minutes < c.cfg.MinBillableMinutes {
		return c.cfg.MinBillableMinutes
	}
	if minutes > c.cfg.MaxBillableMinutes {
		return c.cfg.MaxBillableMinutes
	}
	return minutes
}

// BuildInvoice prices one reservation. Malformed input is a business error.
func (c *Calculator) BuildInvoice(res domain.BillableReservation, id snowflake.ID, issuedAt time.Time) (domain.Invoice, error) {
	if err := validate(res); err != nil {
		return domain.Invoice{}, fault.Business(domain.OpCalculateCharges.String(), err)
	}

	minutes := c.BillableMinutes(res.Reservation.Start, res.Reservation.End)
	hours := float64(minutes) / 60
	base := roundDiv(int64(minutes)*c.cfg.RateCentsPerHour, 60)

	items := []domain.LineItem{{
		Tag:              domain.LineItemTagBase,
		Service:          serviceChildcare,
		DurationHours:    hours,
		RateCentsPerHour: c.cfg.RateCentsPerHour,
		SubtotalCents:    base,
	}}

	subtotal := base
	if minutes > c.cfg.LatePickupAfterMinutes && c.cfg.LatePickupCents > 0 {
		items = append(items, domain.LineItem{
			Tag:              domain.LineItemTagLatePickup,
			Service:          serviceLatePickup,
			DurationHours:    1,
			RateCentsPerHour: c.cfg.LatePickupCents,
			SubtotalCents:    c.cfg.LatePickupCents,
		})
		subtotal += c.cfg.LatePickupCents
	}

	tax := c.Tax(subtotal)
	due := issuedAt.AddDate(0, 0, c.cfg.DefaultDueDays)
	if res.Reservation.PaymentDue != nil && !res.Reservation.PaymentDue.IsZero() {
		due = *res.Reservation.PaymentDue
	}

	return domain.Invoice{
		ID:            id,
		ReservationID: res.Reservation.ID,
		Date:          issuedAt,
		DueDate:       due,
		User:          *res.User,
		LineItems:     items,
		SubtotalCents: subtotal,
		TaxCents:      tax,
		TotalCents:    subtotal + tax,
		Status:        domain.InvoiceStatusUnpaid,
	}, nil
}

// ApplyLateFee marks inv late and adds the late fee once. The bool reports
// whether a fee line was added.
func (c *Calculator) ApplyLateFee(inv domain.Invoice) (domain.Invoice, bool) {
	out := inv.Clone()
	out.Status = domain.InvoiceStatusLate
	if out.HasLineItem(domain.LineItemTagLateFee) {
		return out, false
	}

	out.LineItems = append(out.LineItems, domain.LineItem{
		Tag:              domain.LineItemTagLateFee,
		Service:          serviceLatePayment,
		DurationHours:    1,
		RateCentsPerHour: c.cfg.LateFeeCents,
		SubtotalCents:    c.cfg.LateFeeCents,
	})
	out.SubtotalCents += c.cfg.LateFeeCents
	out.TaxCents = c.Tax(out.SubtotalCents)
	out.TotalCents = out.SubtotalCents + out.TaxCents
	return out, true
}

// Tax returns the tax on subtotal.
func (c *Calculator) Tax(subtotal int64) int64 {
	return roundDiv(subtotal*c.cfg.TaxBasisPoints, basisPoints)
}

// HoldFor reports whether a user with openInvoices unpaid or late invoices
// is put on payment hold.
func (c *Calculator) HoldFor(openInvoices int64) bool {
	return openInvoices > c.cfg.HoldThreshold
}

func validate(res domain.BillableReservation) error {
	r := res.Reservation
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: empty id", domain.ErrInvalidReservation)
	case r.Start.IsZero() || r.End.IsZero():
		return fmt.Errorf("%w: reservation %s has no time window", domain.ErrInvalidReservation, r.ID)
	case res.User == nil:
		return fmt.Errorf("%w: reservation %s", domain.ErrMissingUser, r.ID)
	}
	return nil
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// roundDiv divides num by den rounding half away from zero.
func roundDiv(num, den int64) int64 {
	if num < 0 {
		return -roundDiv(-num, den)
	}
	return (num + den/2) / den
}
