package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/alerts"
	"github.com/JakeFAU/scrape-gateway/internal/failover"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeChecker struct {
	mu      sync.Mutex
	results []error
	calls   int
	cookies []string
	block   chan struct{}
	started chan struct{}
	ctxErrs []error
}

func (f *fakeChecker) CheckAlerts(ctx context.Context, cookies string) (alerts.Report, error) {
	if f.started != nil {
		close(f.started)
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.cookies = append(f.cookies, cookies)
	var err error
	if len(f.results) > 0 {
		err = f.results[0]
		if len(f.results) > 1 {
			f.results = f.results[1:]
		}
	}
	if err != nil {
		return alerts.Report{Alerts: 2, Failed: 2}, err
	}
	return alerts.Report{Alerts: 2, Matches: 1, NewMatches: 1}, nil
}

func (f *fakeChecker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCreds struct {
	mu          sync.Mutex
	last        time.Time
	currentErr  error
	refreshes   int
	regenerates int
}

func (f *fakeCreds) Current(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentErr != nil {
		return "", f.currentErr
	}
	return fmt.Sprintf("sid=%d", f.regenerates), nil
}

func (f *fakeCreds) Refresh(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return "sid=refreshed", nil
}

func (f *fakeCreds) ForceRegenerate(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regenerates++
	return "sid=new", nil
}

func (f *fakeCreds) LastRefresh() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeFailover struct {
	mu      sync.Mutex
	outcome failover.Outcome
	calls   int
	resets  int
}

func (f *fakeFailover) Handle403Failover(context.Context, string) failover.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.outcome
}

func (f *fakeFailover) Reset403Counter() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

var forbidden = fmt.Errorf("search alert 1: %w", alerts.ErrForbidden)

func testConfig() Config {
	return Config{
		CheckInterval:         time.Minute,
		CookieRefreshInterval: 30 * time.Minute,
		ForbiddenWait:         5 * time.Minute,
		StabilizeDelay:        10 * time.Second,
		MaxImmediateRetries:   3,
		ImmediateRetryWindow:  30 * time.Minute,
	}
}

type harness struct {
	worker   *Worker
	checker  *fakeChecker
	creds    *fakeCreds
	failover *fakeFailover
	sleeper  *recordingSleeper
	clock    *fakeClock
}

func newHarness(t *testing.T, cfg Config, checker *fakeChecker) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		checker:  checker,
		creds:    &fakeCreds{last: clock.now.Add(-time.Minute)},
		failover: &fakeFailover{outcome: failover.Outcome{Kind: failover.OutcomeEscalated}},
		sleeper:  &recordingSleeper{},
		clock:    clock,
	}
	w, err := New(cfg, checker, h.creds, h.failover, zap.NewNop(), WithClock(clock), WithSleeper(h.sleeper.Sleep))
	require.NoError(t, err)
	h.worker = w
	return h
}

func TestCycleSuccessResetsCounter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), &fakeChecker{})
	res := h.worker.RunCycle(context.Background())

	require.Equal(t, StatusOK, res.Status)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Report.NewMatches)
	require.Equal(t, 1, h.failover.resets)
	require.Zero(t, h.creds.refreshes)
	require.Empty(t, h.sleeper.delays)
}

func TestCycleRefreshesStaleCredentials(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), &fakeChecker{})
	h.creds.last = h.clock.Now().Add(-31 * time.Minute)

	res := h.worker.RunCycle(context.Background())
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, 1, h.creds.refreshes)
}

func TestOverlappingCycleIsSkipped(t *testing.T) {
	t.Parallel()

	checker := &fakeChecker{block: make(chan struct{}), started: make(chan struct{})}
	h := newHarness(t, testConfig(), checker)

	done := make(chan CycleResult)
	go func() { done <- h.worker.RunCycle(context.Background()) }()
	<-checker.started

	require.Equal(t, StatusSkipped, h.worker.RunCycle(context.Background()).Status)

	close(checker.block)
	require.Equal(t, StatusOK, (<-done).Status)
	require.Equal(t, 1, checker.Calls())
}

func TestForbiddenWithFailoverStabilizesAndReruns(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.FailoverEnabled = true
	h := newHarness(t, cfg, &fakeChecker{results: []error{forbidden, nil}})

	res := h.worker.RunCycle(context.Background())
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, 1, res.Reruns)
	require.Equal(t, 1, h.failover.calls)
	require.Equal(t, []time.Duration{10 * time.Second}, h.sleeper.delays)
	require.Zero(t, h.creds.regenerates)
	require.Equal(t, 2, h.checker.Calls())
}

func TestForbiddenWithoutFailoverWaitsAndRegenerates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), &fakeChecker{results: []error{forbidden, nil}})

	res := h.worker.RunCycle(context.Background())
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, 1, res.Reruns)
	require.Zero(t, h.failover.calls)
	require.Equal(t, []time.Duration{5 * time.Minute}, h.sleeper.delays)
	require.Equal(t, 1, h.creds.regenerates)
	require.Equal(t, []string{"sid=0", "sid=1"}, h.checker.cookies)
}

func TestFailoverWithoutEscalationFallsBack(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.FailoverEnabled = true
	h := newHarness(t, cfg, &fakeChecker{results: []error{alerts.ErrCredentialsInvalid, nil}})
	h.failover.outcome = failover.Outcome{Kind: failover.OutcomeAccumulating, Consecutive403: 1}

	res := h.worker.RunCycle(context.Background())
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, 1, h.failover.calls)
	require.Equal(t, []time.Duration{5 * time.Minute}, h.sleeper.delays)
	require.Equal(t, 1, h.creds.regenerates)
}

func TestImmediateRetriesAreCappedPerWindow(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxImmediateRetries = 2
	h := newHarness(t, cfg, &fakeChecker{results: []error{forbidden}})

	res := h.worker.RunCycle(context.Background())
	require.Equal(t, StatusForbidden, res.Status)
	require.ErrorIs(t, res.Err, alerts.ErrForbidden)
	require.Equal(t, 2, res.Reruns)
	require.Equal(t, 3, h.checker.Calls())

	res = h.worker.RunCycle(context.Background())
	require.Zero(t, res.Reruns)
	require.Equal(t, 4, h.checker.Calls())

	h.clock.Advance(31 * time.Minute)
	h.creds.last = h.clock.Now()
	res = h.worker.RunCycle(context.Background())
	require.Equal(t, 2, res.Reruns)
	require.Equal(t, 7, h.checker.Calls())
}

func TestOtherFailureEndsCycle(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.FailoverEnabled = true
	h := newHarness(t, cfg, &fakeChecker{results: []error{errors.New("db down")}})

	res := h.worker.RunCycle(context.Background())
	require.Equal(t, StatusFailed, res.Status)
	require.EqualError(t, res.Err, "db down")
	require.Zero(t, h.failover.calls)
	require.Zero(t, h.failover.resets)
	require.Empty(t, h.sleeper.delays)
}

func TestCredentialFailureEndsCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), &fakeChecker{})
	h.creds.currentErr = errors.New("generator failed")

	res := h.worker.RunCycle(context.Background())
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorContains(t, res.Err, "generator failed")
	require.Zero(t, h.checker.Calls())
}

func TestCancelledWaitStopsRerun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testConfig(), &fakeChecker{results: []error{forbidden}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.worker.RunCycle(ctx)
	require.Equal(t, StatusForbidden, res.Status)
	require.Zero(t, res.Reruns)
	require.Zero(t, h.creds.regenerates)
	require.Equal(t, 1, h.checker.Calls())
	require.Equal(t, []time.Duration{testConfig().ForbiddenWait}, h.sleeper.delays)
}

func TestRunFollowsScheduleAndStops(t *testing.T) {
	t.Parallel()

	checker := &fakeChecker{}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	creds := &fakeCreds{last: clock.now}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var delays []time.Duration
	sleeper := func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		if len(delays) == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	w, err := New(testConfig(), checker, creds, nil, zap.NewNop(), WithClock(clock), WithSleeper(sleeper))
	require.NoError(t, err)
	require.NoError(t, w.Run(ctx))
	require.Equal(t, 2, checker.Calls())
	require.Equal(t, []time.Duration{time.Minute, time.Minute}, delays)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	creds := &fakeCreds{}
	_, err := New(Config{CheckInterval: time.Minute}, nil, creds, nil, nil)
	require.Error(t, err)

	_, err = New(Config{CheckInterval: time.Minute, FailoverEnabled: true}, &fakeChecker{}, creds, nil, nil)
	require.Error(t, err)

	_, err = New(Config{Schedule: "not a schedule"}, &fakeChecker{}, creds, nil, nil)
	require.Error(t, err)

	_, err = New(Config{}, &fakeChecker{}, creds, nil, nil)
	require.Error(t, err)

	w, err := New(Config{Schedule: "*/5 * * * *"}, &fakeChecker{}, creds, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "*/5 * * * *", w.scheduleSpec())
}

func TestCancelDuringCheckLetsSearchesFinish(t *testing.T) {
	t.Parallel()

	checker := &fakeChecker{block: make(chan struct{}), started: make(chan struct{})}
	h := newHarness(t, testConfig(), checker)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan CycleResult, 1)
	go func() { done <- h.worker.RunCycle(ctx) }()
	<-checker.started
	cancel()
	close(checker.block)

	res := <-done
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, []error{nil}, checker.ctxErrs)
}
