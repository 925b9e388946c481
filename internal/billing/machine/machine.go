// Package machine is the pure state machine of a billing run. It performs no
// I/O: every transition returns the next state, a new context and the effect
// the runner must perform before feeding the resulting event back.
package machine

import (
	"errors"
	"fmt"
	"slices"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/fault"
)

var ErrUnexpectedEvent = errors.New("unexpected_event")

// Options seeds a run.
type Options struct {
	DryRun  bool
	Trigger domain.Trigger
	Policy  fault.Policy
}

// Start returns the initial state, context and effect of a run.
func Start(opts Options) (State, Context, Effect) {
	ctx := Context{
		DryRun:  opts.DryRun,
		Trigger: opts.Trigger,
		Policy:  opts.Policy,
		Attempt: 1,
	}
	return enter(InitializeRun, ctx)
}

// Transition applies ev to state. Terminal states absorb every event.
func Transition(state State, ctx Context, ev Event) (State, Context, Effect) {
	if state.Terminal() {
		return state, ctx, nil
	}
	if failed, ok := ev.(StepFailed); ok {
		return fail(state, ctx, failed)
	}

	switch state {
	case InitializeRun:
		if e, ok := ev.(InitSucceeded); ok {
			ctx.RunID = e.RunID
			ctx.Reservations = e.Reservations
			ctx.ResIndex = 0
			return enter(StoreData, ctx)
		}

	case StoreData:
		if _, ok := ev.(Continue); ok {
			return enter(NextReservation, ctx)
		}

	case NextReservation:
		if _, ok := ev.(Continue); ok {
			if ctx.ResIndex < len(ctx.Reservations) {
				return advance(CalculateCharges, ctx)
			}
			return advance(CompleteReservationPass, ctx)
		}

	case CalculateCharges:
		if e, ok := ev.(ChargesCalculated); ok {
			inv := e.Invoice.Clone()
			ctx.PendingInvoice = &inv
			return advance(PersistInvoice, ctx)
		}

	case PersistInvoice:
		if _, ok := ev.(InvoicePersisted); ok {
			ctx.Billed++
			if ctx.PendingInvoice != nil {
				ctx = ctx.withCreated(ctx.PendingInvoice.ID)
			}
			return enter(IncrementRes, ctx)
		}

	case IncrementRes:
		if _, ok := ev.(Continue); ok {
			ctx.Processed++
			ctx.ResIndex++
			ctx.PendingInvoice = nil
			return enter(NextReservation, ctx)
		}

	case CompleteReservationPass:
		if e, ok := ev.(OverdueLoaded); ok {
			ctx.Overdue = excludeCreated(e.Invoices, ctx.Created)
			ctx.OverIndex = 0
			return enter(NextOverdueInvoice, ctx)
		}

	case NextOverdueInvoice:
		if _, ok := ev.(Continue); ok {
			if ctx.OverIndex < len(ctx.Overdue) {
				return advance(ApplyLateFee, ctx)
			}
			return advance(WrapUp, ctx)
		}

	case ApplyLateFee:
		if e, ok := ev.(LateFeeApplied); ok {
			if e.Added {
				ctx.LateFees++
			}
			return advance(RecalcUserHold, ctx)
		}

	case RecalcUserHold:
		if e, ok := ev.(HoldRecalculated); ok {
			if e.Hold {
				ctx.Holds++
			}
			return enter(IncrementOver, ctx)
		}

	case IncrementOver:
		if _, ok := ev.(Continue); ok {
			ctx.Processed++
			ctx.OverIndex++
			return enter(NextOverdueInvoice, ctx)
		}

	case CategorizeError:
		if _, ok := ev.(Continue); ok {
			switch ctx.ErrKind {
			case fault.KindBusinessLogic:
				return enter(BusinessLogicError, ctx)
			case fault.KindTransient:
				return enter(TransientError, ctx)
			default:
				return enter(CriticalError, ctx)
			}
		}

	case CriticalError:
		if _, ok := ev.(Continue); ok {
			ctx.Status = domain.RunStatusFailed
			return advance(WrapUp, ctx)
		}

	case BusinessLogicError:
		if _, ok := ev.(Continue); ok {
			return skip(ctx)
		}

	case TransientError:
		if _, ok := ev.(Continue); ok {
			decision := ctx.Policy.Decide(fault.KindTransient, ctx.Attempt)
			if !decision.Retry {
				return skip(ctx)
			}
			ctx.RetryDelay = decision.Delay
			return enter(RetryOperation, ctx)
		}

	case RetryOperation:
		if _, ok := ev.(Waited); ok {
			return enter(RetryCurrentOperation, ctx)
		}

	case RetryCurrentOperation:
		if _, ok := ev.(Continue); ok {
			ctx.Attempt++
			ctx.RetryDelay = 0
			return enter(ctx.Origin, ctx)
		}

	case WrapUp:
		if _, ok := ev.(WrappedUp); ok {
			if ctx.Status == "" {
				ctx.Status = domain.RunStatusSuccess
			}
			return enter(Done, ctx)
		}

	case Done:
		if _, ok := ev.(Continue); ok {
			switch {
			case ctx.Status == domain.RunStatusFailed:
				return enter(FatalError, ctx)
			case len(ctx.Failures) > 0:
				return enter(CompletedWithProblems, ctx)
			default:
				return enter(CompletedSuccessfully, ctx)
			}
		}
	}

	err := fault.Critical(state.Operation().String(), fmt.Errorf("%w: %T in %s", ErrUnexpectedEvent, ev, state))
	return fail(state, ctx, StepFailed{Err: err})
}

// fail records the failure and routes it. Initialization and wrap-up
// failures end the run directly.
func fail(state State, ctx Context, ev StepFailed) (State, Context, Effect) {
	err := ev.Err
	if err == nil {
		err = fault.Critical(state.Operation().String(), errors.New("step failed without error"))
	}
	kind := fault.Classify(err)

	ctx = ctx.withFailure(domain.FailureRecord{
		Timestamp: ev.At,
		Error:     err.Error(),
		Kind:      kind.String(),
		Context:   failureContext(state, ctx),
	})
	ctx.LastErr = err
	ctx.ErrKind = kind

	switch state {
	case InitializeRun, StoreData:
		ctx.Status = domain.RunStatusFailed
		return enter(InitializationFailed, ctx)
	case WrapUp, Done:
		ctx.Status = domain.RunStatusFailed
		return enter(FatalError, ctx)
	case RetryOperation, RetryCurrentOperation:
		// The origin stays the operation being retried.
	default:
		ctx.Origin = state
	}
	return enter(CategorizeError, ctx)
}

// skip moves past the item the origin operation was working on.
func skip(ctx Context) (State, Context, Effect) {
	switch ctx.Origin {
	case CalculateCharges, PersistInvoice:
		return enter(IncrementRes, ctx)
	case ApplyLateFee, RecalcUserHold:
		return enter(IncrementOver, ctx)
	case WrapUp:
		ctx.Status = domain.RunStatusFailed
		return enter(FatalError, ctx)
	default:
		return advance(WrapUp, ctx)
	}
}

func failureContext(state State, ctx Context) domain.FailureContext {
	fc := domain.FailureContext{
		RunID:     ctx.RunID,
		ItemIndex: -1,
		Operation: state.Operation().String(),
	}
	origin := state
	if state == RetryOperation || state == RetryCurrentOperation {
		origin = ctx.Origin
		fc.Operation = origin.Operation().String()
	}
	switch origin {
	case CalculateCharges, PersistInvoice:
		fc.ItemIndex = ctx.ResIndex
		if res, ok := ctx.currentReservation(); ok {
			fc.ItemID = res.Reservation.ID
		}
	case ApplyLateFee, RecalcUserHold:
		fc.ItemIndex = ctx.OverIndex
		if inv, ok := ctx.currentOverdue(); ok {
			fc.ItemID = inv.ID.String()
		}
	}
	return fc
}

// advance enters next as a fresh operation.
func advance(next State, ctx Context) (State, Context, Effect) {
	ctx.Attempt = 1
	return enter(next, ctx)
}

func enter(next State, ctx Context) (State, Context, Effect) {
	switch next {
	case InitializeRun:
		return next, ctx, InitRunEffect{DryRun: ctx.DryRun, Trigger: ctx.Trigger}
	case CalculateCharges:
		res, _ := ctx.currentReservation()
		return next, ctx, CalculateChargesEffect{Index: ctx.ResIndex, Reservation: res}
	case PersistInvoice:
		var inv domain.Invoice
		if ctx.PendingInvoice != nil {
			inv = ctx.PendingInvoice.Clone()
		}
		return next, ctx, PersistInvoiceEffect{Invoice: inv, DryRun: ctx.DryRun}
	case CompleteReservationPass:
		return next, ctx, LoadOverdueEffect{Exclude: slices.Clone(ctx.Created)}
	case ApplyLateFee:
		inv, _ := ctx.currentOverdue()
		return next, ctx, ApplyLateFeeEffect{Index: ctx.OverIndex, Invoice: inv.Clone(), DryRun: ctx.DryRun}
	case RecalcUserHold:
		inv, _ := ctx.currentOverdue()
		return next, ctx, RecalcUserHoldEffect{UserID: inv.User.ID, DryRun: ctx.DryRun}
	case RetryOperation:
		return next, ctx, WaitEffect{Delay: ctx.RetryDelay}
	case WrapUp:
		status := ctx.Status
		if status == "" {
			status = domain.RunStatusSuccess
		}
		return next, ctx, WrapUpEffect{
			Status:    status,
			Processed: ctx.Processed,
			Failures:  slices.Clone(ctx.Failures),
			DryRun:    ctx.DryRun,
		}
	default:
		return next, ctx, nil
	}
}

func excludeCreated(invoices []domain.Invoice, created []snowflake.ID) []domain.Invoice {
	if len(created) == 0 {
		return invoices
	}
	out := make([]domain.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if slices.Contains(created, inv.ID) {
			continue
		}
		out = append(out, inv)
	}
	return out
}
