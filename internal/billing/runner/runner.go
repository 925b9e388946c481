// Package runner drives the billing state machine against the store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/daycare/internal/billing/charges"
	"github.com/smallbiznis/daycare/internal/billing/domain"
	"github.com/smallbiznis/daycare/internal/billing/fault"
	"github.com/smallbiznis/daycare/internal/billing/machine"
	"github.com/smallbiznis/daycare/internal/clock"
	"github.com/smallbiznis/daycare/internal/config"
	"github.com/smallbiznis/daycare/internal/lock"
	obscontext "github.com/smallbiznis/daycare/internal/observability/context"
	obslogger "github.com/smallbiznis/daycare/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/daycare/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrRunInProgress = domain.ErrRunInProgress
	ErrRunFailed     = errors.New("billing_run_failed")
	ErrInvalidConfig = errors.New("invalid_runner_config")
)

// PricingSource yields the pricing in effect when a run starts.
type PricingSource interface {
	Get() config.Pricing
}

// Options selects how a single run behaves.
type Options struct {
	DryRun  bool
	Trigger domain.Trigger
	// RunID is generated when zero.
	RunID snowflake.ID
}

// Summary is what every trigger reports back.
type Summary struct {
	RunID      string                 `json:"run_id"`
	State      string                 `json:"state"`
	Status     domain.RunStatus       `json:"status"`
	DryRun     bool                   `json:"dry_run"`
	Trigger    domain.Trigger         `json:"trigger"`
	Processed  int                    `json:"processed"`
	Billed     int                    `json:"billed"`
	LateFees   int                    `json:"late_fees"`
	Holds      int                    `json:"holds"`
	Failures   []domain.FailureRecord `json:"failures"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`

	Terminal machine.State `json:"-"`
}

// HardFailure reports InitializationFailed or FatalError.
func (s Summary) HardFailure() bool { return s.Terminal.HardFailure() }

// HasProblems reports a successful run that recorded failures.
func (s Summary) HasProblems() bool { return s.Terminal == machine.CompletedWithProblems }

type Config struct {
	Policy        fault.Policy
	RunTimeout    time.Duration
	WrapUpTimeout time.Duration
	LockKey       string
	LockTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Policy:        fault.DefaultPolicy(),
		RunTimeout:    30 * time.Minute,
		WrapUpTimeout: 30 * time.Second,
		LockKey:       "daycare:billing:run",
		LockTTL:       time.Hour,
	}
}

func NewConfig(cfg config.Config) Config {
	return Config{
		Policy:        fault.Policy{MaxAttempts: cfg.Run.MaxAttempts, Delay: cfg.Run.RetryDelay},
		RunTimeout:    cfg.Run.Timeout,
		WrapUpTimeout: cfg.Run.WrapUpTimeout,
		LockKey:       cfg.Run.LockKey,
		LockTTL:       cfg.Run.LockTTL,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Policy.MaxAttempts <= 0 {
		c.Policy.MaxAttempts = defaults.Policy.MaxAttempts
	}
	if c.Policy.Delay < 0 {
		c.Policy.Delay = 0
	}
	if c.WrapUpTimeout <= 0 {
		c.WrapUpTimeout = defaults.WrapUpTimeout
	}
	if c.LockKey == "" {
		c.LockKey = defaults.LockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

type Params struct {
	fx.In

	Store   domain.Store
	Pricing PricingSource
	GenID   *snowflake.Node
	Clock   clock.Clock
	Log     *zap.Logger
	Config  Config                    `optional:"true"`
	Locker  lock.Locker               `optional:"true"`
	Metrics *obsmetrics.BillingMetrics `optional:"true"`
	OTel    *obsmetrics.Metrics        `optional:"true"`
}

type Runner struct {
	store   domain.Store
	pricing PricingSource
	genID   *snowflake.Node
	clock   clock.Clock
	log     *zap.Logger
	cfg     Config
	locker  lock.Locker
	metrics *obsmetrics.BillingMetrics
	otel    *obsmetrics.Metrics
	tracer  trace.Tracer

	running atomic.Bool
	wait    func(ctx context.Context, d time.Duration) error
}

func New(p Params) (*Runner, error) {
	if p.Store == nil || p.Pricing == nil || p.GenID == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	locker := p.Locker
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Runner{
		store:   p.Store,
		pricing: p.Pricing,
		genID:   p.GenID,
		clock:   clk,
		log:     log.Named("billing").With(zap.String("component", "billing_runner")),
		cfg:     p.Config.withDefaults(),
		locker:  locker,
		metrics: p.Metrics,
		otel:    p.OTel,
		tracer:  otel.Tracer("daycare/billing"),
		wait:    sleep,
	}, nil
}

// NewRunID hands out an id for callers that report it before the run starts.
func (r *Runner) NewRunID() snowflake.ID {
	return r.genID.Generate()
}

// Run executes one billing batch. A run that ends in InitializationFailed
// or FatalError returns its summary together with ErrRunFailed.
func (r *Runner) Run(ctx context.Context, opts Options) (Summary, error) {
	if opts.Trigger == "" {
		opts.Trigger = domain.TriggerScheduled
	}
	if !opts.DryRun {
		release, err := r.acquire(ctx)
		if err != nil {
			return Summary{}, err
		}
		defer release()
	}
	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}
	return r.execute(ctx, opts)
}

func (r *Runner) acquire(ctx context.Context) (func(), error) {
	if !r.running.CompareAndSwap(false, true) {
		r.metrics.IncLockDenied()
		return nil, ErrRunInProgress
	}
	token, ok, err := r.locker.TryLock(ctx, r.cfg.LockKey, r.cfg.LockTTL)
	if err != nil {
		r.running.Store(false)
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		r.running.Store(false)
		r.metrics.IncLockDenied()
		return nil, ErrRunInProgress
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.locker.Release(releaseCtx, r.cfg.LockKey, token); err != nil {
			r.log.Warn("billing.lock.release_failed", zap.Error(err))
		}
		r.running.Store(false)
	}, nil
}

func (r *Runner) execute(ctx context.Context, opts Options) (Summary, error) {
	exec := &execution{
		r:         r,
		opts:      opts,
		calc:      charges.NewCalculator(ChargesConfig(r.pricing.Get())),
		runID:     opts.RunID,
		startedAt: r.clock.Now(),
	}
	if exec.runID == 0 {
		exec.runID = r.genID.Generate()
	}

	ctx = obscontext.WithRunID(ctx, exec.runID.String())
	ctx = obscontext.WithTrigger(ctx, string(opts.Trigger))
	ctx = obscontext.WithActor(ctx, "system", string(opts.Trigger))
	ctx, span := r.tracer.Start(ctx, "billing.run", trace.WithAttributes(
		attribute.String("billing.trigger", string(opts.Trigger)),
		attribute.Bool("billing.dry_run", opts.DryRun),
	))
	defer span.End()

	log := obslogger.WithContext(ctx, r.log)
	log.Info("billing.run.start", zap.Bool("dry_run", opts.DryRun))
	r.metrics.RunStarted()

	state, mctx, eff := machine.Start(machine.Options{
		DryRun:  opts.DryRun,
		Trigger: opts.Trigger,
		Policy:  r.cfg.Policy,
	})
	for !state.Terminal() {
		ev := exec.perform(ctx, mctx, eff)
		next, nextCtx, nextEff := machine.Transition(state, mctx, ev)
		exec.observe(ctx, state, next, nextCtx)
		state, mctx, eff = next, nextCtx, nextEff
	}

	if state == machine.InitializationFailed {
		exec.closeAbandonedRun(ctx, mctx)
	}

	finishedAt := r.clock.Now()
	summary := Summary{
		RunID:      exec.runID.String(),
		State:      state.String(),
		Status:     mctx.Status,
		DryRun:     opts.DryRun,
		Trigger:    opts.Trigger,
		Processed:  mctx.Processed,
		Billed:     mctx.Billed,
		LateFees:   mctx.LateFees,
		Holds:      mctx.Holds,
		Failures:   mctx.Failures,
		StartedAt:  exec.startedAt,
		FinishedAt: finishedAt,
		Terminal:   state,
	}
	if summary.Failures == nil {
		summary.Failures = []domain.FailureRecord{}
	}

	duration := finishedAt.Sub(exec.startedAt)
	r.metrics.RunFinished(state.String(), string(opts.Trigger), opts.DryRun, state.HardFailure(), duration, finishedAt)
	span.SetAttributes(
		attribute.String("billing.state", state.String()),
		attribute.Int("billing.processed", summary.Processed),
		attribute.Int("billing.failures", len(summary.Failures)),
	)

	fields := []zap.Field{
		zap.String("state", summary.State),
		zap.String("status", string(summary.Status)),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("processed", summary.Processed),
		zap.Int("billed", summary.Billed),
		zap.Int("late_fees", summary.LateFees),
		zap.Int("holds", summary.Holds),
		zap.Int("failures", len(summary.Failures)),
		zap.Int64("duration_ms", duration.Milliseconds()),
	}
	switch {
	case state.HardFailure():
		if mctx.LastErr != nil {
			fields = append(fields, zap.Error(mctx.LastErr))
		}
		log.Error("billing.run.finish", fields...)
		span.SetStatus(codes.Error, state.String())
		cause := mctx.LastErr
		if cause == nil {
			cause = errors.New(state.String())
		}
		return summary, fmt.Errorf("%w: %s: %w", ErrRunFailed, state, cause)
	case summary.HasProblems():
		log.Warn("billing.run.finish", fields...)
	default:
		log.Info("billing.run.finish", fields...)
	}
	return summary, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ChargesConfig converts operator pricing into calculator settings.
func ChargesConfig(p config.Pricing) charges.Config {
	return charges.Config{
		RateCentsPerHour:       p.RateCentsPerHour,
		MinBillableMinutes:     int(p.MinBillableMinutes),
		MaxBillableMinutes:     int(p.MaxBillableMinutes),
		LatePickupAfterMinutes: int(p.LatePickupAfterMinutes),
		LatePickupCents:        p.LatePickupCents,
		TaxBasisPoints:         p.TaxBasisPoints,
		LateFeeCents:           p.LateFeeCents,
		HoldThreshold:          p.HoldThreshold,
		DefaultDueDays:         p.DefaultDueDays,
		Location:               p.Location(),
	}
}
