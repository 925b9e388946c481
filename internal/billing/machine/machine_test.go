package machine

import (
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var failedAt = time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC)

type script struct {
	reservations []domain.BillableReservation
	overdue      []domain.Invoice
	failures     map[State][]error
	hold         bool
}

func (s *script) respond(state State, eff Effect) Event {
	if queued := s.failures[state]; len(queued) > 0 {
		s.failures[state] = queued[1:]
		return StepFailed{Err: queued[0], At: failedAt}
	}
	switch e := eff.(type) {
	case nil:
		return Continue{}
	case InitRunEffect:
		return InitSucceeded{RunID: "run-1", Reservations: s.reservations}
	case CalculateChargesEffect:
		return ChargesCalculated{Invoice: domain.Invoice{
			ID:            snowflake.ID(100 + e.Index),
			ReservationID: e.Reservation.Reservation.ID,
			Status:        domain.InvoiceStatusUnpaid,
		}}
	case PersistInvoiceEffect:
		return InvoicePersisted{}
	case LoadOverdueEffect:
		return OverdueLoaded{Invoices: s.overdue}
	case ApplyLateFeeEffect:
		return LateFeeApplied{Invoice: e.Invoice, Added: true}
	case RecalcUserHoldEffect:
		return HoldRecalculated{Hold: s.hold}
	case WaitEffect:
		return Waited{}
	case WrapUpEffect:
		return WrappedUp{}
	}
	return Continue{}
}

func drive(t *testing.T, opts Options, s *script) (State, Context, []State, []Effect) {
	t.Helper()
	if s.failures == nil {
		s.failures = map[State][]error{}
	}
	state, ctx, eff := Start(opts)
	trace := []State{state}
	effects := []Effect{eff}
	for steps := 0; !state.Terminal(); steps++ {
		require.Less(t, steps, 1000, "machine did not terminate")
		state, ctx, eff = Transition(state, ctx, s.respond(state, eff))
		trace = append(trace, state)
		effects = append(effects, eff)
	}
	return state, ctx, trace, effects
}

func reservations(ids ...string) []domain.BillableReservation {
	out := make([]domain.BillableReservation, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.BillableReservation{
			Reservation: domain.Reservation{ID: id, UserID: "user-1"},
			User:        &domain.UserSnapshot{ID: "user-1"},
		})
	}
	return out
}

func overdue(ids ...int64) []domain.Invoice {
	out := make([]domain.Invoice, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Invoice{
			ID:     snowflake.ID(id),
			User:   domain.UserSnapshot{ID: "user-2"},
			Status: domain.InvoiceStatusUnpaid,
		})
	}
	return out
}

func defaultOptions() Options {
	return Options{Trigger: domain.TriggerScheduled, Policy: fault.Policy{MaxAttempts: 3, Delay: time.Second}}
}

func TestHappyPathTrace(t *testing.T) {
	s := &script{reservations: reservations("res-1"), overdue: overdue(7)}

	state, ctx, trace, _ := drive(t, defaultOptions(), s)

	assert.Equal(t, []State{
		InitializeRun, StoreData, NextReservation,
		CalculateCharges, PersistInvoice, IncrementRes, NextReservation,
		CompleteReservationPass, NextOverdueInvoice,
		ApplyLateFee, RecalcUserHold, IncrementOver, NextOverdueInvoice,
		WrapUp, Done, CompletedSuccessfully,
	}, trace)
	assert.Equal(t, CompletedSuccessfully, state)
	assert.Equal(t, "run-1", ctx.RunID)
	assert.Equal(t, 2, ctx.Processed)
	assert.Equal(t, 1, ctx.Billed)
	assert.Equal(t, 1, ctx.LateFees)
	assert.Equal(t, domain.RunStatusSuccess, ctx.Status)
	assert.Empty(t, ctx.Failures)
}

func TestEmptyRunCompletes(t *testing.T) {
	state, ctx, trace, _ := drive(t, defaultOptions(), &script{})

	assert.Equal(t, CompletedSuccessfully, state)
	assert.Equal(t, 0, ctx.Processed)
	assert.Contains(t, trace, CompleteReservationPass)
	assert.Contains(t, trace, WrapUp)
}

func TestInitializationFailureSkipsWrapUp(t *testing.T) {
	s := &script{failures: map[State][]error{
		InitializeRun: {fault.Transient("initialize_run", errors.New("query failed"))},
	}}

	state, ctx, trace, effects := drive(t, defaultOptions(), s)

	assert.Equal(t, InitializationFailed, state)
	assert.True(t, state.HardFailure())
	assert.Equal(t, []State{InitializeRun, InitializationFailed}, trace)
	for _, eff := range effects {
		_, isWrapUp := eff.(WrapUpEffect)
		assert.False(t, isWrapUp)
	}
	require.Len(t, ctx.Failures, 1)
	assert.Equal(t, domain.OpInitRun.String(), ctx.Failures[0].Context.Operation)
	assert.Equal(t, domain.RunStatusFailed, ctx.Status)
}

func TestBusinessErrorSkipsReservation(t *testing.T) {
	s := &script{
		reservations: reservations("res-1", "res-2"),
		failures: map[State][]error{
			CalculateCharges: {fault.Business("calculate_charges", domain.ErrMissingUser)},
		},
	}

	state, ctx, trace, _ := drive(t, defaultOptions(), s)

	assert.Equal(t, CompletedWithProblems, state)
	assert.False(t, state.HardFailure())
	assert.Equal(t, domain.RunStatusSuccess, ctx.Status)
	assert.Equal(t, 2, ctx.Processed)
	assert.Equal(t, 1, ctx.Billed)
	assert.Subset(t, trace, []State{CategorizeError, BusinessLogicError, IncrementRes})

	require.Len(t, ctx.Failures, 1)
	rec := ctx.Failures[0]
	assert.Equal(t, "business_logic", rec.Kind)
	assert.Equal(t, failedAt, rec.Timestamp)
	assert.Equal(t, domain.FailureContext{
		RunID:     "run-1",
		ItemIndex: 0,
		ItemID:    "res-1",
		Operation: domain.OpCalculateCharges.String(),
	}, rec.Context)
}

func TestBusinessErrorSkipsOverdueInvoice(t *testing.T) {
	s := &script{
		overdue: overdue(7, 8),
		failures: map[State][]error{
			ApplyLateFee: {fault.Business("apply_late_fee", domain.ErrInvoiceNotOpen)},
		},
	}

	state, ctx, _, _ := drive(t, defaultOptions(), s)

	assert.Equal(t, CompletedWithProblems, state)
	assert.Equal(t, 2, ctx.Processed)
	assert.Equal(t, 1, ctx.LateFees)
	require.Len(t, ctx.Failures, 1)
	assert.Equal(t, "7", ctx.Failures[0].Context.ItemID)
}

func TestTransientErrorRetriesOrigin(t *testing.T) {
	s := &script{
		reservations: reservations("res-1"),
		failures: map[State][]error{
			PersistInvoice: {fault.Transient("persist_invoice", errors.New("deadlock"))},
		},
	}

	state, ctx, trace, effects := drive(t, defaultOptions(), s)

	assert.Equal(t, CompletedWithProblems, state)
	assert.Equal(t, 1, ctx.Billed)
	assert.Equal(t, []State{
		InitializeRun, StoreData, NextReservation,
		CalculateCharges, PersistInvoice,
		CategorizeError, TransientError, RetryOperation, RetryCurrentOperation,
		PersistInvoice, IncrementRes, NextReservation,
		CompleteReservationPass, NextOverdueInvoice, WrapUp, Done, CompletedWithProblems,
	}, trace)

	var waits []WaitEffect
	for _, eff := range effects {
		if w, ok := eff.(WaitEffect); ok {
			waits = append(waits, w)
		}
	}
	require.Len(t, waits, 1)
	assert.Equal(t, time.Second, waits[0].Delay)
}

func TestTransientRetriesExhaustedSkipItem(t *testing.T) {
	transient := fault.Transient("persist_invoice", errors.New("timeout"))
	s := &script{
		reservations: reservations("res-1", "res-2"),
		failures: map[State][]error{
			PersistInvoice: {transient, transient, transient},
		},
	}

	state, ctx, trace, _ := drive(t, defaultOptions(), s)

	assert.Equal(t, CompletedWithProblems, state)
	assert.Len(t, ctx.Failures, 3)
	assert.Equal(t, 1, ctx.Billed)
	assert.Equal(t, 2, ctx.Processed)

	retries := 0
	for _, st := range trace {
		if st == RetryOperation {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestCriticalErrorFailsRun(t *testing.T) {
	s := &script{
		reservations: reservations("res-1", "res-2"),
		failures: map[State][]error{
			PersistInvoice: {fault.Critical("persist_invoice", errors.New("schema missing"))},
		},
	}

	state, ctx, trace, effects := drive(t, defaultOptions(), s)

	assert.Equal(t, FatalError, state)
	assert.Equal(t, domain.RunStatusFailed, ctx.Status)
	assert.Equal(t, 0, ctx.Processed)
	assert.NotContains(t, trace, CompleteReservationPass)

	var wrap WrapUpEffect
	for _, eff := range effects {
		if w, ok := eff.(WrapUpEffect); ok {
			wrap = w
		}
	}
	assert.Equal(t, domain.RunStatusFailed, wrap.Status)
	assert.Len(t, wrap.Failures, 1)
}

func TestUntaggedErrorIsCritical(t *testing.T) {
	s := &script{
		reservations: reservations("res-1"),
		failures:     map[State][]error{CalculateCharges: {errors.New("boom")}},
	}

	state, ctx, trace, _ := drive(t, defaultOptions(), s)

	assert.Equal(t, FatalError, state)
	assert.Contains(t, trace, CriticalError)
	assert.Equal(t, "unknown", ctx.Failures[0].Kind)
}

func TestOverdueLoadFailureGoesToWrapUp(t *testing.T) {
	s := &script{failures: map[State][]error{
		CompleteReservationPass: {fault.Business("load_overdue_invoices", errors.New("bad filter"))},
	}}

	state, _, trace, _ := drive(t, defaultOptions(), s)

	assert.Equal(t, CompletedWithProblems, state)
	assert.NotContains(t, trace, NextOverdueInvoice)
}

func TestWrapUpFailureIsFatal(t *testing.T) {
	s := &script{failures: map[State][]error{
		WrapUp: {fault.Transient("wrap_up", errors.New("connection reset"))},
	}}

	state, ctx, _, _ := drive(t, defaultOptions(), s)

	assert.Equal(t, FatalError, state)
	assert.Equal(t, domain.RunStatusFailed, ctx.Status)
}

func TestCreatedInvoicesExcludedFromOverduePass(t *testing.T) {
	s := &script{
		reservations: reservations("res-1"),
		overdue:      overdue(100, 9),
	}

	_, ctx, _, effects := drive(t, defaultOptions(), s)

	var load LoadOverdueEffect
	for _, eff := range effects {
		if l, ok := eff.(LoadOverdueEffect); ok {
			load = l
		}
	}
	assert.Equal(t, []snowflake.ID{100}, load.Exclude)
	require.Len(t, ctx.Overdue, 1)
	assert.Equal(t, snowflake.ID(9), ctx.Overdue[0].ID)
	assert.Equal(t, 1, ctx.LateFees)
}

func TestTransitionDoesNotAliasFailures(t *testing.T) {
	ctx := Context{RunID: "run-1", Failures: make([]domain.FailureRecord, 0, 4), Policy: fault.DefaultPolicy()}
	_, next, _ := Transition(CalculateCharges, ctx, StepFailed{Err: fault.Business("x", errors.New("bad")), At: failedAt})

	assert.Len(t, next.Failures, 1)
	assert.Empty(t, ctx.Failures)
	assert.Empty(t, ctx.Failures[:cap(ctx.Failures)][0].Error)
}

func TestTerminalAbsorbsEvents(t *testing.T) {
	ctx := Context{RunID: "run-1"}
	state, next, eff := Transition(CompletedSuccessfully, ctx, StepFailed{Err: errors.New("late")})

	assert.Equal(t, CompletedSuccessfully, state)
	assert.Equal(t, ctx, next)
	assert.Nil(t, eff)
}

func TestUnexpectedEventIsCritical(t *testing.T) {
	ctx := Context{RunID: "run-1", Reservations: reservations("res-1")}
	state, next, _ := Transition(CalculateCharges, ctx, Waited{})

	assert.Equal(t, CategorizeError, state)
	assert.Equal(t, fault.KindCritical, next.ErrKind)
	assert.ErrorIs(t, next.LastErr, ErrUnexpectedEvent)
}

func TestDryRunFlowsIntoEffects(t *testing.T) {
	opts := defaultOptions()
	opts.DryRun = true
	s := &script{reservations: reservations("res-1"), overdue: overdue(7)}

	_, _, _, effects := drive(t, opts, s)

	for _, eff := range effects {
		switch e := eff.(type) {
		case InitRunEffect:
			assert.True(t, e.DryRun)
		case PersistInvoiceEffect:
			assert.True(t, e.DryRun)
		case ApplyLateFeeEffect:
			assert.True(t, e.DryRun)
		case RecalcUserHoldEffect:
			assert.True(t, e.DryRun)
		case WrapUpEffect:
			assert.True(t, e.DryRun)
		}
	}
}
