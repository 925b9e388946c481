// Package domain contains the billing batch models shared by the store and the runner.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// RunStatus represents the persisted status of a billing run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// ReservationStatus mirrors the reservation lifecycle owned by the booking subsystem.
type ReservationStatus string

const (
	ReservationStatusPending    ReservationStatus = "pending"
	ReservationStatusProcessing ReservationStatus = "processing"
	ReservationStatusCompleted  ReservationStatus = "completed"
	ReservationStatusCancelled  ReservationStatus = "cancelled"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusUnpaid    InvoiceStatus = "unpaid"
	InvoiceStatusLate      InvoiceStatus = "late"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// IsOpen reports whether the invoice still counts against the user's payment hold.
func (s InvoiceStatus) IsOpen() bool {
	return s == InvoiceStatusUnpaid || s == InvoiceStatusLate
}

// LineItemTag identifies the kind of charge on an invoice line.
type LineItemTag string

const (
	LineItemTagBase       LineItemTag = "BASE"
	LineItemTagLatePickup LineItemTag = "LATE_PICKUP"
	LineItemTagLateFee    LineItemTag = "LATE_FEE"
)

// Trigger names the entry point that started a run.
type Trigger string

const (
	TriggerScheduled  Trigger = "scheduled"
	TriggerManualCLI  Trigger = "manual_cli"
	TriggerManualHTTP Trigger = "manual_http"
)

// BillingRun is the bookkeeping record of one batch execution.
type BillingRun struct {
	ID        snowflake.ID                       `gorm:"primaryKey" json:"run_id"`
	Status    RunStatus                          `gorm:"type:text;not null;index" json:"status"`
	Trigger   Trigger                            `gorm:"type:text;not null;default:'scheduled'" json:"trigger"`
	DryRun    bool                               `gorm:"not null;default:false" json:"dry_run"`
	Processed int                                `gorm:"not null;default:0" json:"processed"`
	StartTime time.Time                          `gorm:"not null" json:"start_time"`
	EndTime   *time.Time                         `json:"end_time,omitempty"`
	Failures  datatypes.JSONSlice[FailureRecord] `json:"failures"`
	CreatedAt time.Time                          `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time                          `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (BillingRun) TableName() string { return "billing_runs" }

// FailureContext locates a failure inside a run.
type FailureContext struct {
	RunID     string `json:"run_id"`
	ItemIndex int    `json:"item_index"`
	ItemID    string `json:"item_id,omitempty"`
	Operation string `json:"operation"`
}

// FailureRecord is one entry of the append-only failure log of a run.
type FailureRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error"`
	Kind      string         `json:"kind"`
	Context   FailureContext `json:"context"`
}

// Reservation is the billing-relevant subset of a booked childcare slot.
type Reservation struct {
	ID         string            `gorm:"primaryKey;type:text"`
	UserID     string            `gorm:"type:text;not null;index"`
	ChildID    string            `gorm:"type:text"`
	Start      time.Time         `gorm:"column:start_at;not null"`
	End        time.Time         `gorm:"column:end_at;not null"`
	Status     ReservationStatus `gorm:"type:text;not null;index"`
	InvoiceID  *snowflake.ID     `gorm:"index"`
	PaymentDue *time.Time
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "reservations" }

// User is the subset of a parent account read and written by billing.
type User struct {
	ID          string `gorm:"primaryKey;type:text"`
	Name        string `gorm:"type:text"`
	Phone       string `gorm:"type:text"`
	Email       string `gorm:"type:text"`
	PaymentHold bool   `gorm:"not null;default:false"`
	UpdatedAt   time.Time
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

// Snapshot returns the denormalized copy stored on invoices.
func (u User) Snapshot() UserSnapshot {
	return UserSnapshot{ID: u.ID, Name: u.Name, Phone: u.Phone, Email: u.Email}
}

// UserSnapshot is frozen onto an invoice at creation time.
type UserSnapshot struct {
	ID    string `gorm:"type:text;index" json:"id"`
	Name  string `gorm:"type:text" json:"name"`
	Phone string `gorm:"type:text" json:"phone"`
	Email string `gorm:"type:text" json:"email"`
}

// BillableReservation is a reservation with its user reference resolved.
type BillableReservation struct {
	Reservation Reservation
	User        *UserSnapshot
}

// LineItem is one charge on an invoice.
type LineItem struct {
	Tag              LineItemTag `json:"tag"`
	Service          string      `json:"service"`
	DurationHours    float64     `json:"durationHours"`
	RateCentsPerHour int64       `json:"rateCentsPerHour"`
	SubtotalCents    int64       `json:"subtotalCents"`
}

// Invoice is the billable record derived from exactly one reservation.
type Invoice struct {
	ID            snowflake.ID                  `gorm:"primaryKey" json:"invoice_id"`
	ReservationID string                        `gorm:"type:text;not null;uniqueIndex:ux_invoice_reservation" json:"reservation_id"`
	Date          time.Time                     `gorm:"not null" json:"date"`
	DueDate       time.Time                     `gorm:"not null;index" json:"due_date"`
	User          UserSnapshot                  `gorm:"embedded;embeddedPrefix:user_" json:"user"`
	LineItems     datatypes.JSONSlice[LineItem] `json:"line_items"`
	SubtotalCents int64                         `gorm:"not null;default:0" json:"subtotal_cents"`
	TaxCents      int64                         `gorm:"not null;default:0" json:"tax_cents"`
	TotalCents    int64                         `gorm:"not null;default:0" json:"total_cents"`
	Status        InvoiceStatus                 `gorm:"type:text;not null;index" json:"status"`
	CreatedAt     time.Time                     `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time                     `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// HasLineItem reports whether a line with the tag is already present.
func (i Invoice) HasLineItem(tag LineItemTag) bool {
	for _, item := range i.LineItems {
		if item.Tag == tag {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no line item storage with i.
func (i Invoice) Clone() Invoice {
	out := i
	if i.LineItems != nil {
		out.LineItems = append(datatypes.JSONSlice[LineItem](nil), i.LineItems...)
	}
	return out
}
