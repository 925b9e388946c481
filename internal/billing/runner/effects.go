package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/daycare/internal/billing/charges"
	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/fault"
	"github.com/smallbiznis/daycare/internal/billing/machine"
	obslogger "github.com/smallbiznis/daycare/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/daycare/internal/observability/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errRunAborted = errors.New("run aborted")

// execution holds the per-run state that lives outside the pure machine.
type execution struct {
	r          *Runner
	opts       Options
	calc       *charges.Calculator
	runID      snowflake.ID
	runCreated bool
	startedAt  time.Time
	// duplicate marks the current reservation as already billed elsewhere.
	duplicate bool
}

// perform runs eff and converts its outcome into the next event.
func (e *execution) perform(ctx context.Context, mctx machine.Context, eff machine.Effect) machine.Event {
	if eff == nil {
		return machine.Continue{}
	}
	op := effectOperation(eff, mctx)
	if _, wrapUp := eff.(machine.WrapUpEffect); !wrapUp && ctx.Err() != nil {
		return e.failed(ctx, op, fault.Critical(op.String(), fmt.Errorf("%w: %w", errRunAborted, ctx.Err())))
	}

	ctx, span := e.r.tracer.Start(ctx, "billing."+op.String(), trace.WithAttributes(
		attribute.Int("billing.attempt", mctx.Attempt),
	))
	defer span.End()

	ev, err := e.dispatch(ctx, mctx, eff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, fault.Classify(err).String())
		return e.failed(ctx, op, err)
	}
	return ev
}

func (e *execution) dispatch(ctx context.Context, mctx machine.Context, eff machine.Effect) (machine.Event, error) {
	switch eff := eff.(type) {
	case machine.InitRunEffect:
		return e.initRun(ctx, eff)
	case machine.CalculateChargesEffect:
		return e.calculateCharges(eff)
	case machine.PersistInvoiceEffect:
		return e.persistInvoice(ctx, eff)
	case machine.LoadOverdueEffect:
		return e.loadOverdue(ctx)
	case machine.ApplyLateFeeEffect:
		return e.applyLateFee(ctx, eff)
	case machine.RecalcUserHoldEffect:
		return e.recalcUserHold(ctx, eff)
	case machine.WaitEffect:
		if err := e.r.wait(ctx, eff.Delay); err != nil {
			return nil, fault.Critical(mctx.Origin.Operation().String(), err)
		}
		return machine.Waited{}, nil
	case machine.WrapUpEffect:
		return e.wrapUp(ctx, eff)
	default:
		return nil, fault.Critical(domain.OpWrapUp.String(), fmt.Errorf("unknown effect %T", eff))
	}
}

func (e *execution) failed(ctx context.Context, op domain.Operation, err error) machine.Event {
	kind := fault.Classify(err)
	obslogger.WithContext(ctx, e.r.log).Warn("billing.step.failed",
		zap.String("operation", op.String()),
		zap.String("kind", kind.String()),
		zap.Error(err),
	)
	e.r.metrics.IncFailure(op.String(), kind.String())
	return machine.StepFailed{Err: err, At: e.r.clock.Now()}
}

func (e *execution) initRun(ctx context.Context, eff machine.InitRunEffect) (machine.Event, error) {
	op := domain.OpInitRun.String()
	if !eff.DryRun {
		run := &domain.BillingRun{
			ID:        e.runID,
			Status:    domain.RunStatusRunning,
			Trigger:   eff.Trigger,
			StartTime: e.startedAt,
		}
		if err := e.r.store.CreateRun(ctx, run); err != nil {
			return nil, fault.Critical(op, err)
		}
		e.runCreated = true
	}

	reservations, err := e.r.store.QueryUnbilledReservations(ctx)
	if err != nil {
		return nil, fault.Critical(op, err)
	}
	obslogger.WithContext(ctx, e.r.log).Info("billing.run.initialized",
		zap.Int("reservations", len(reservations)),
		zap.Bool("persisted", e.runCreated),
	)
	return machine.InitSucceeded{RunID: e.runID.String(), Reservations: reservations}, nil
}

func (e *execution) calculateCharges(eff machine.CalculateChargesEffect) (machine.Event, error) {
	inv, err := e.calc.BuildInvoice(eff.Reservation, e.r.genID.Generate(), e.r.clock.Now())
	if err != nil {
		return nil, err
	}
	return machine.ChargesCalculated{Invoice: inv}, nil
}

func (e *execution) persistInvoice(ctx context.Context, eff machine.PersistInvoiceEffect) (machine.Event, error) {
	inv := eff.Invoice
	log := obslogger.WithContext(ctx, e.r.log).With(
		zap.String("invoice_id", inv.ID.String()),
		zap.String("reservation_id", inv.ReservationID),
		zap.Int64("total_cents", inv.TotalCents),
	)
	if eff.DryRun {
		log.Info("billing.invoice.dry_run")
		return machine.InvoicePersisted{}, nil
	}

	if err := e.r.store.CreateInvoiceForReservation(ctx, &inv); err != nil {
		e.duplicate = errors.Is(err, domain.ErrReservationAlreadyBilled)
		return nil, fault.FromStore(domain.OpPersistInvoice.String(), err)
	}
	log.Info("billing.invoice.created")
	e.r.metrics.IncItem(obsmetrics.PassReservations, obsmetrics.ItemResultBilled)
	e.r.otel.RecordInvoiceCreated(ctx, string(e.opts.Trigger), inv.TotalCents, false)
	return machine.InvoicePersisted{}, nil
}

func (e *execution) loadOverdue(ctx context.Context) (machine.Event, error) {
	invoices, err := e.r.store.QueryOverdueInvoices(ctx, e.r.clock.Now())
	if err != nil {
		return nil, fault.FromStore(domain.OpLoadOverdue.String(), err)
	}
	obslogger.WithContext(ctx, e.r.log).Info("billing.overdue.loaded", zap.Int("invoices", len(invoices)))
	return machine.OverdueLoaded{Invoices: invoices}, nil
}

func (e *execution) applyLateFee(ctx context.Context, eff machine.ApplyLateFeeEffect) (machine.Event, error) {
	updated, added := e.calc.ApplyLateFee(eff.Invoice)
	log := obslogger.WithContext(ctx, e.r.log).With(
		zap.String("invoice_id", updated.ID.String()),
		zap.Bool("added", added),
		zap.Int64("total_cents", updated.TotalCents),
	)
	if eff.DryRun {
		log.Info("billing.late_fee.dry_run")
		return machine.LateFeeApplied{Invoice: updated, Added: added}, nil
	}

	patch := domain.InvoicePatch{Status: &updated.Status}
	if added {
		patch.LineItems = updated.LineItems
		patch.SubtotalCents = &updated.SubtotalCents
		patch.TaxCents = &updated.TaxCents
		patch.TotalCents = &updated.TotalCents
	}
	if err := e.r.store.UpdateInvoice(ctx, updated.ID, patch); err != nil {
		return nil, fault.FromStore(domain.OpApplyLateFee.String(), err)
	}

	log.Info("billing.late_fee.applied")
	result := obsmetrics.ItemResultRemarked
	if added {
		result = obsmetrics.ItemResultLateFee
	}
	e.r.metrics.IncItem(obsmetrics.PassOverdue, result)
	e.r.otel.RecordLateFee(ctx, added, false)
	return machine.LateFeeApplied{Invoice: updated, Added: added}, nil
}

func (e *execution) recalcUserHold(ctx context.Context, eff machine.RecalcUserHoldEffect) (machine.Event, error) {
	op := domain.OpRecalcUserHold.String()
	if eff.UserID == "" {
		return nil, fault.Business(op, domain.ErrMissingUser)
	}

	open, err := e.r.store.CountOpenInvoicesForUser(ctx, eff.UserID)
	if err != nil {
		return nil, fault.FromStore(op, err)
	}
	hold := e.calc.HoldFor(open)
	log := obslogger.WithContext(ctx, e.r.log).With(
		zap.String("user_id", eff.UserID),
		zap.Int64("open_invoices", open),
		zap.Bool("hold", hold),
	)
	if eff.DryRun {
		log.Info("billing.hold.dry_run")
		return machine.HoldRecalculated{Hold: hold}, nil
	}

	if err := e.r.store.UpdateUser(ctx, eff.UserID, domain.UserPatch{PaymentHold: &hold}); err != nil {
		return nil, fault.FromStore(op, err)
	}
	log.Info("billing.hold.updated")
	e.r.otel.RecordHold(ctx, hold, false)
	return machine.HoldRecalculated{Hold: hold}, nil
}

func (e *execution) wrapUp(ctx context.Context, eff machine.WrapUpEffect) (machine.Event, error) {
	if eff.DryRun {
		obslogger.WithContext(ctx, e.r.log).Info("billing.run.dry_run_complete",
			zap.String("status", string(eff.Status)),
			zap.Int("processed", eff.Processed),
			zap.Int("failures", len(eff.Failures)),
		)
		return machine.WrappedUp{}, nil
	}

	if err := e.writeRun(ctx, eff.Status, eff.Processed, eff.Failures); err != nil {
		return nil, fault.Critical(domain.OpWrapUp.String(), err)
	}
	return machine.WrappedUp{}, nil
}

// writeRun finalizes the run record even when the run context is done.
func (e *execution) writeRun(ctx context.Context, status domain.RunStatus, processed int, failures []domain.FailureRecord) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.r.cfg.WrapUpTimeout)
	defer cancel()

	end := e.r.clock.Now()
	if failures == nil {
		failures = []domain.FailureRecord{}
	}
	return e.r.store.UpdateRun(writeCtx, e.runID, domain.RunPatch{
		Status:    &status,
		EndTime:   &end,
		Processed: &processed,
		Failures:  failures,
	})
}

// closeAbandonedRun marks a run record created before initialization failed.
func (e *execution) closeAbandonedRun(ctx context.Context, mctx machine.Context) {
	if !e.runCreated {
		return
	}
	if err := e.writeRun(ctx, domain.RunStatusFailed, mctx.Processed, mctx.Failures); err != nil {
		obslogger.WithContext(ctx, e.r.log).Error("billing.run.close_failed", zap.Error(err))
	}
}

// observe records the counters and logs a transition implies.
func (e *execution) observe(ctx context.Context, prev, next machine.State, mctx machine.Context) {
	switch {
	case next == machine.RetryOperation:
		op := mctx.Origin.Operation().String()
		e.r.metrics.IncRetry(op)
		obslogger.WithContext(ctx, e.r.log).Info("billing.step.retry",
			zap.String("operation", op),
			zap.Int("attempt", mctx.Attempt),
			zap.Duration("delay", mctx.RetryDelay),
		)
	case e.opts.DryRun:
	case next == machine.IncrementRes && prev != machine.PersistInvoice:
		result := obsmetrics.ItemResultSkipped
		if e.duplicate {
			result = obsmetrics.ItemResultDuplicate
		}
		e.duplicate = false
		e.r.metrics.IncItem(obsmetrics.PassReservations, result)
	case next == machine.IncrementOver && prev != machine.RecalcUserHold:
		e.r.metrics.IncItem(obsmetrics.PassOverdue, obsmetrics.ItemResultSkipped)
	}
}

func effectOperation(eff machine.Effect, mctx machine.Context) domain.Operation {
	switch eff.(type) {
	case machine.WaitEffect:
		return mctx.Origin.Operation()
	case machine.InitRunEffect:
		return domain.OpInitRun
	case machine.CalculateChargesEffect:
		return domain.OpCalculateCharges
	case machine.PersistInvoiceEffect:
		return domain.OpPersistInvoice
	case machine.LoadOverdueEffect:
		return domain.OpLoadOverdue
	case machine.ApplyLateFeeEffect:
		return domain.OpApplyLateFee
	case machine.RecalcUserHoldEffect:
		return domain.OpRecalcUserHold
	default:
		return domain.OpWrapUp
	}
}
