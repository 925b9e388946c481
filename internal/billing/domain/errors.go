package domain

import "errors"

var (
	ErrRunNotFound              = errors.New("billing_run_not_found")
	ErrReservationNotFound      = errors.New("reservation_not_found")
	ErrReservationAlreadyBilled = errors.New("reservation_already_billed")
	ErrInvoiceNotFound          = errors.New("invoice_not_found")
	ErrInvoiceNotOpen           = errors.New("invoice_not_open")
	ErrUserNotFound             = errors.New("user_not_found")
	ErrMissingUser              = errors.New("reservation_missing_user")
	ErrInvalidReservation       = errors.New("invalid_reservation")
	ErrRunInProgress            = errors.New("billing_run_in_progress")
)
