package machine

import (
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/fault"
)

// State is a node of the billing run state machine.
type State int

const (
	InitializeRun State = iota
	StoreData
	NextReservation
	CalculateCharges
	PersistInvoice
	IncrementRes
	CompleteReservationPass
	NextOverdueInvoice
	ApplyLateFee
	RecalcUserHold
	IncrementOver
	CategorizeError
	CriticalError
	BusinessLogicError
	TransientError
	RetryOperation
	RetryCurrentOperation
	WrapUp
	Done

	InitializationFailed
	CompletedSuccessfully
	CompletedWithProblems
	FatalError
)

var stateNames = map[State]string{
	InitializeRun:           "InitializeRun",
	StoreData:               "StoreData",
	NextReservation:         "NextReservation",
	CalculateCharges:        "CalculateCharges",
	PersistInvoice:          "PersistInvoice",
	IncrementRes:            "IncrementRes",
	CompleteReservationPass: "CompleteReservationPass",
	NextOverdueInvoice:      "NextOverdueInvoice",
	ApplyLateFee:            "ApplyLateFee",
	RecalcUserHold:          "RecalcUserHold",
	IncrementOver:           "IncrementOver",
	CategorizeError:         "CategorizeError",
	CriticalError:           "CriticalError",
	BusinessLogicError:      "BusinessLogicError",
	TransientError:          "TransientError",
	RetryOperation:          "RetryOperation",
	RetryCurrentOperation:   "RetryCurrentOperation",
	WrapUp:                  "WrapUp",
	Done:                    "Done",
	InitializationFailed:    "InitializationFailed",
	CompletedSuccessfully:   "CompletedSuccessfully",
	CompletedWithProblems:   "CompletedWithProblems",
	FatalError:              "FatalError",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether the machine stops in s.
func (s State) Terminal() bool {
	switch s {
	case InitializationFailed, CompletedSuccessfully, CompletedWithProblems, FatalError:
		return true
	default:
		return false
	}
}

// HardFailure reports whether s is a terminal callers must treat as failed.
func (s State) HardFailure() bool {
	return s == InitializationFailed || s == FatalError
}

// Operation returns the step name recorded for failures raised in s.
func (s State) Operation() domain.Operation {
	switch s {
	case InitializeRun, StoreData:
		return domain.OpInitRun
	case CalculateCharges:
		return domain.OpCalculateCharges
	case PersistInvoice:
		return domain.OpPersistInvoice
	case CompleteReservationPass:
		return domain.OpLoadOverdue
	case ApplyLateFee:
		return domain.OpApplyLateFee
	case RecalcUserHold:
		return domain.OpRecalcUserHold
	default:
		return domain.OpWrapUp
	}
}

// Context is the value threaded through every transition. Transition never
// mutates the slices of the context it receives.
type Context struct {
	RunID   string
	DryRun  bool
	Trigger domain.Trigger
	Policy  fault.Policy

	Reservations   []domain.BillableReservation
	ResIndex       int
	PendingInvoice *domain.Invoice
	Created        []snowflake.ID

	Overdue   []domain.Invoice
	OverIndex int

	Processed int
	Billed    int
	LateFees  int
	Holds     int
	Failures  []domain.FailureRecord
	Status    domain.RunStatus

	LastErr    error
	ErrKind    fault.Kind
	Origin     State
	Attempt    int
	RetryDelay time.Duration
}

func (c Context) withFailure(rec domain.FailureRecord) Context {
	c.Failures = append(slices.Clone(c.Failures), rec)
	return c
}

func (c Context) withCreated(id snowflake.ID) Context {
	c.Created = append(slices.Clone(c.Created), id)
	return c
}

func (c Context) currentReservation() (domain.BillableReservation, bool) {
	if c.ResIndex < 0 || c.ResIndex >= len(c.Reservations) {
		return domain.BillableReservation{}, false
	}
	return c.Reservations[c.ResIndex], true
}

func (c Context) currentOverdue() (domain.Invoice, bool) {
	if c.OverIndex < 0 || c.OverIndex >= len(c.Overdue) {
		return domain.Invoice{}, false
	}
	return c.Overdue[c.OverIndex], true
}
