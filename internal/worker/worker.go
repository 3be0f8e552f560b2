// Package worker runs the alert-checking loop: it keeps marketplace
// credentials fresh, checks alerts on a schedule, and reacts to systemic 403s
// by escalating through failover or regenerating credentials.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/alerts"
	"github.com/JakeFAU/scrape-gateway/internal/clock/system"
	"github.com/JakeFAU/scrape-gateway/internal/failover"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
)

// AlertChecker runs one alert check with the given cookie header.
type AlertChecker interface {
	CheckAlerts(ctx context.Context, cookies string) (alerts.Report, error)
}

// CredentialSource hands out marketplace cookies.
type CredentialSource interface {
	Current(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
	ForceRegenerate(ctx context.Context) (string, error)
	LastRefresh() time.Time
}

// FailoverHandler escalates systemic 403s.
type FailoverHandler interface {
	Handle403Failover(ctx context.Context, reason string) failover.Outcome
	Reset403Counter()
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config controls cadence and recovery delays.
type Config struct {
	// Schedule is a cron expression; empty means "@every CheckInterval".
	Schedule              string
	CheckInterval         time.Duration
	CookieRefreshInterval time.Duration
	ForbiddenWait         time.Duration
	StabilizeDelay        time.Duration
	MaxImmediateRetries   int
	ImmediateRetryWindow  time.Duration
	FailoverEnabled       bool
}

// Status classifies how a cycle ended.
type Status string

const (
	// StatusOK means the alert check succeeded.
	StatusOK Status = "ok"
	// StatusSkipped means another cycle was already running.
	StatusSkipped Status = "skipped"
	// StatusFailed means the cycle ended on a non-systemic error.
	StatusFailed Status = "failed"
	// StatusForbidden means the last attempt hit a systemic 403 and no
	// further immediate re-run was allowed.
	StatusForbidden Status = "forbidden"
)

// CycleResult reports the outcome of RunCycle.
type CycleResult struct {
	Status Status
	Report alerts.Report
	Err    error
	// Reruns counts the immediate fresh cycles started after 403 recovery.
	Reruns int
}

// Option customises a Worker.
type Option func(*Worker)

// WithClock overrides the clock.
func WithClock(c Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithSleeper overrides how the worker waits.
func WithSleeper(s Sleeper) Option {
	return func(w *Worker) { w.sleep = s }
}

// Worker owns the alert loop.
type Worker struct {
	cfg      Config
	checker  AlertChecker
	creds    CredentialSource
	failover FailoverHandler
	schedule cron.Schedule
	clock    Clock
	sleep    Sleeper
	logger   *zap.Logger

	running atomic.Bool

	mu     sync.Mutex
	reruns []time.Time
}

// New builds a Worker. failoverHandler may be nil when failover is disabled.
func New(cfg Config, checker AlertChecker, creds CredentialSource, failoverHandler FailoverHandler, logger *zap.Logger, opts ...Option) (*Worker, error) {
	if checker == nil {
		return nil, errors.New("alert checker is required")
	}
	if creds == nil {
		return nil, errors.New("credential source is required")
	}
	if cfg.FailoverEnabled && failoverHandler == nil {
		return nil, errors.New("failover is enabled but no handler was provided")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	spec := cfg.Schedule
	if spec == "" {
		if cfg.CheckInterval <= 0 {
			return nil, errors.New("check interval must be positive")
		}
		spec = "@every " + cfg.CheckInterval.String()
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	w := &Worker{
		cfg:      cfg,
		checker:  checker,
		creds:    creds,
		failover: failoverHandler,
		schedule: schedule,
		clock:    system.New(),
		sleep:    system.New().Sleep,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run executes cycles until ctx is cancelled. The first cycle starts
// immediately; later ones follow the schedule. A cycle in progress finishes
// its credential and alert work after cancellation; only waits are cut short.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("alert worker started",
		zap.String("schedule", w.scheduleSpec()),
		zap.Bool("failover_enabled", w.cfg.FailoverEnabled),
	)
	for {
		if ctx.Err() != nil {
			break
		}
		w.RunCycle(ctx)

		now := w.clock.Now()
		next := w.schedule.Next(now)
		if err := w.sleep(ctx, next.Sub(now)); err != nil {
			break
		}
	}
	w.logger.Info("alert worker stopped")
	return nil
}

// RunCycle performs one cycle plus any immediate re-runs triggered by 403
// recovery. A call made while another cycle runs returns StatusSkipped.
func (w *Worker) RunCycle(ctx context.Context) CycleResult {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Warn("cycle already in progress, skipping")
		metrics.ObserveCycle(string(StatusSkipped))
		return CycleResult{Status: StatusSkipped}
	}
	defer w.running.Store(false)

	reruns := 0
	for {
		res, rerun := w.cycle(ctx)
		res.Reruns = reruns
		metrics.ObserveCycle(string(res.Status))
		if !rerun {
			return res
		}
		if !w.allowRerun() {
			w.logger.Warn("immediate retry budget exhausted, waiting for next tick",
				zap.Int("max_immediate_retries", w.cfg.MaxImmediateRetries),
				zap.Duration("window", w.cfg.ImmediateRetryWindow),
			)
			return res
		}
		reruns++
		w.logger.Info("starting fresh cycle after 403 recovery", zap.Int("rerun", reruns))
	}
}

// cycle runs steps once; the bool asks for an immediate fresh cycle.
// Network work runs on a context detached from cancellation so that a
// shutdown does not abort searches halfway; waits still observe ctx.
func (w *Worker) cycle(ctx context.Context) (CycleResult, bool) {
	work := context.WithoutCancel(ctx)
	start := w.clock.Now()
	if w.refreshDue(start) {
		if _, err := w.creds.Refresh(work); err != nil {
			w.logger.Warn("scheduled credential refresh failed", zap.Error(err))
		}
	}

	cookies, err := w.creds.Current(work)
	if err != nil {
		w.logger.Error("no usable credentials, ending cycle", zap.Error(err))
		return CycleResult{Status: StatusFailed, Err: fmt.Errorf("credentials: %w", err)}, false
	}

	report, err := w.checker.CheckAlerts(work, cookies)
	if err == nil {
		if w.failover != nil {
			w.failover.Reset403Counter()
		}
		w.logger.Info("alert check complete",
			zap.Int("alerts", report.Alerts),
			zap.Int("failed", report.Failed),
			zap.Int("matches", report.Matches),
			zap.Int("new_matches", report.NewMatches),
			zap.Duration("elapsed", w.clock.Now().Sub(start)),
		)
		return CycleResult{Status: StatusOK, Report: report}, false
	}

	if !alerts.IsSystemic(err) {
		w.logger.Error("alert check failed", zap.Error(err))
		return CycleResult{Status: StatusFailed, Report: report, Err: err}, false
	}

	w.logger.Warn("systemic 403 from marketplace", zap.Error(err))
	res := CycleResult{Status: StatusForbidden, Report: report, Err: err}
	return res, w.recover(ctx, err)
}

// recover handles a systemic 403 and reports whether a fresh cycle should
// start now.
func (w *Worker) recover(ctx context.Context, cause error) bool {
	work := context.WithoutCancel(ctx)
	if w.cfg.FailoverEnabled {
		out := w.failover.Handle403Failover(work, cause.Error())
		if out.Succeeded() {
			w.logger.Info("failover succeeded, stabilizing",
				zap.Duration("delay", w.cfg.StabilizeDelay),
			)
			return w.sleep(ctx, w.cfg.StabilizeDelay) == nil
		}
		w.logger.Warn("failover did not escalate",
			zap.String("outcome", string(out.Kind)),
			zap.Int("consecutive_403", out.Consecutive403),
			zap.Error(out.Err),
		)
	}

	w.logger.Warn("pausing before credential regeneration", zap.Duration("wait", w.cfg.ForbiddenWait))
	if err := w.sleep(ctx, w.cfg.ForbiddenWait); err != nil {
		return false
	}
	if _, err := w.creds.ForceRegenerate(work); err != nil {
		w.logger.Error("credential regeneration failed", zap.Error(err))
	}
	return ctx.Err() == nil
}

func (w *Worker) refreshDue(now time.Time) bool {
	if w.cfg.CookieRefreshInterval <= 0 {
		return false
	}
	last := w.creds.LastRefresh()
	return last.IsZero() || now.Sub(last) > w.cfg.CookieRefreshInterval
}

// allowRerun enforces MaxImmediateRetries within ImmediateRetryWindow.
func (w *Worker) allowRerun() bool {
	if w.cfg.MaxImmediateRetries <= 0 {
		return false
	}
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.reruns[:0]
	for _, at := range w.reruns {
		if w.cfg.ImmediateRetryWindow <= 0 || now.Sub(at) < w.cfg.ImmediateRetryWindow {
			kept = append(kept, at)
		}
	}
	w.reruns = kept
	if len(w.reruns) >= w.cfg.MaxImmediateRetries {
		return false
	}
	w.reruns = append(w.reruns, now)
	return true
}

func (w *Worker) scheduleSpec() string {
	if w.cfg.Schedule != "" {
		return w.cfg.Schedule
	}
	return "@every " + w.cfg.CheckInterval.String()
}

