package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/clock/system"
	"github.com/JakeFAU/scrape-gateway/internal/id/uuid"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
)

var (
	// ErrAllStrategiesFailed is wrapped by Outcome.Err when nothing worked.
	ErrAllStrategiesFailed = errors.New("all failover strategies failed")
	// ErrNoState is returned by a StateStore that has nothing saved yet.
	ErrNoState = errors.New("no failover state saved")
)

// stateSaveTimeout bounds each snapshot write.
const stateSaveTimeout = 5 * time.Second

// StateStore persists manager snapshots so other processes can read them
// and a restarted worker resumes where it stopped.
type StateStore interface {
	SaveState(ctx context.Context, s State) error
	LoadState(ctx context.Context) (State, error)
}

// Config holds the escalation policy and the starting unit.
type Config struct {
	App          string
	Region       string
	Machine      string
	Regions      []string
	FallbackApps []string
	Cooldown     time.Duration
	Max403       int
	SettleDelay  time.Duration
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error


// Manager owns the failover state. Handle403Failover calls are serialized;
// State and History may be read while an escalation is running.
type Manager struct {
	cfg       Config
	provider  Provider
	publisher Publisher
	store     StateStore
	logger    *zap.Logger
	clock     Clock
	sleep     Sleeper
	ids       *uuid.Generator
	tracer    trace.Tracer

	opMu sync.Mutex

	mu      sync.RWMutex
	current Unit
	last    time.Time
	count   int
	history []Transition
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithSleeper overrides how the settle delay is waited out.
func WithSleeper(s Sleeper) Option {
	return func(m *Manager) { m.sleep = s }
}

// WithPublisher sets where transition events go.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithStateStore saves a snapshot after every state change.
func WithStateStore(s StateStore) Option {
	return func(m *Manager) { m.store = s }
}

// NewManager creates a Manager starting at the unit described by cfg.
func NewManager(cfg Config, provider Provider, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("failover provider is required")
	}
	if cfg.App == "" {
		return nil, errors.New("failover app is required")
	}
	if cfg.Max403 < 1 {
		cfg.Max403 = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		provider: provider,
		logger:   logger,
		clock:    system.New(),
		sleep:    system.New().Sleep,
		ids:      uuid.New(),
		tracer:   otel.Tracer("github.com/JakeFAU/scrape-gateway/internal/failover"),
		current:  Unit{App: cfg.App, Region: cfg.Region, Machine: cfg.Machine},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Handle403Failover registers one systemic 403 and escalates once enough
// have accumulated outside the cooldown window.
func (m *Manager) Handle403Failover(ctx context.Context, reason string) Outcome {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	now := m.clock.Now()

	m.mu.Lock()
	if !m.last.IsZero() {
		if wait := m.cfg.Cooldown - now.Sub(m.last); wait > 0 {
			count := m.count
			m.mu.Unlock()
			metrics.ObserveFailoverRejection(string(OutcomeCooldown))
			m.logger.Info("failover in cooldown", zap.Duration("retry_in", wait), zap.String("reason", reason))
			return Outcome{Kind: OutcomeCooldown, Consecutive403: count, RetryIn: wait}
		}
	}
	m.count++
	count := m.count
	if count < m.cfg.Max403 {
		m.mu.Unlock()
		m.persist(ctx)
		metrics.ObserveFailoverRejection(string(OutcomeAccumulating))
		m.logger.Info("403 recorded",
			zap.Int("consecutive_403", count),
			zap.Int("threshold", m.cfg.Max403),
			zap.String("reason", reason),
		)
		return Outcome{Kind: OutcomeAccumulating, Consecutive403: count}
	}
	m.count = 0
	from := m.current
	m.mu.Unlock()

	m.logger.Warn("failover threshold reached, escalating",
		zap.Int("consecutive_403", count),
		zap.String("app", from.App),
		zap.String("region", from.Region),
		zap.String("reason", reason),
	)

	ctx, span := m.tracer.Start(ctx, "failover.Escalate",
		trace.WithAttributes(attribute.String("failover.from.app", from.App), attribute.String("failover.from.region", from.Region)))
	defer span.End()

	to, strategy, err := m.escalate(ctx, from)
	if err != nil {
		m.persist(ctx)
		m.logger.Error("failover exhausted", zap.Error(err))
		return Outcome{Kind: OutcomeExhausted, Err: err}
	}
	span.SetAttributes(attribute.String("failover.strategy", string(strategy)))

	tr := Transition{
		ID:        m.transitionID(),
		Timestamp: m.clock.Now(),
		Reason:    reason,
		Strategy:  strategy,
		From:      from,
		To:        to,
	}
	m.mu.Lock()
	m.current = to
	m.last = tr.Timestamp
	m.history = append(m.history, tr)
	if len(m.history) > historyLimit {
		m.history = append([]Transition(nil), m.history[len(m.history)-historyLimit:]...)
	}
	m.mu.Unlock()
	m.persist(ctx)

	m.logger.Info("failover succeeded",
		zap.String("strategy", string(strategy)),
		zap.String("app", to.App),
		zap.String("region", to.Region),
		zap.String("machine", to.Machine),
	)
	m.publish(ctx, tr)

	if err := m.sleep(ctx, m.cfg.SettleDelay); err != nil {
		m.logger.Warn("settle delay interrupted", zap.Error(err))
	}
	return Outcome{Kind: OutcomeEscalated, Transition: &tr}
}

// escalate tries each strategy in order and stops at the first success.
func (m *Manager) escalate(ctx context.Context, from Unit) (Unit, Strategy, error) {
	var errs []error

	steps := []struct {
		name Strategy
		run  func(context.Context, Unit) (Unit, error)
	}{
		{StrategyRestart, m.restart},
		{StrategyRegion, m.switchRegion},
		{StrategyApp, m.switchApp},
	}
	for _, step := range steps {
		to, err := step.run(ctx, from)
		metrics.ObserveEscalation(string(step.name), err == nil)
		if err == nil {
			return to, step.name, nil
		}
		m.logger.Warn("failover strategy failed", zap.String("strategy", string(step.name)), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return Unit{}, "", fmt.Errorf("%w: %w", ErrAllStrategiesFailed, errors.Join(errs...))
}

func (m *Manager) restart(ctx context.Context, from Unit) (Unit, error) {
	if from.Machine == "" {
		return Unit{}, errors.New("no current machine")
	}
	if err := m.provider.RestartMachine(ctx, from.App, from.Machine); err != nil {
		return Unit{}, err
	}
	return from, nil
}

func (m *Manager) switchRegion(ctx context.Context, from Unit) (Unit, error) {
	region := nextAfter(m.cfg.Regions, from.Region)
	if region == "" || region == from.Region {
		return Unit{}, errors.New("no alternative region configured")
	}
	if from.Machine != "" {
		moved, err := m.provider.MoveMachine(ctx, from.App, from.Machine, region)
		if err == nil {
			return Unit{App: from.App, Region: region, Machine: moved.ID}, nil
		}
		m.logger.Info("move failed, creating machine instead", zap.String("region", region), zap.Error(err))
	}
	created, err := m.provider.CreateMachine(ctx, from.App, region)
	if err != nil {
		return Unit{}, err
	}
	return Unit{App: from.App, Region: region, Machine: created.ID}, nil
}

func (m *Manager) switchApp(ctx context.Context, from Unit) (Unit, error) {
	app := nextAfter(m.cfg.FallbackApps, from.App)
	if app == "" || app == from.App {
		return Unit{}, errors.New("no fallback app configured")
	}
	machines, err := m.provider.ListMachines(ctx, app)
	if err != nil {
		return Unit{}, fmt.Errorf("list machines in %s: %w", app, err)
	}
	if len(machines) > 0 {
		mc := machines[0]
		if mc.State != "started" {
			if err := m.provider.StartMachine(ctx, app, mc.ID); err != nil {
				return Unit{}, fmt.Errorf("start machine %s: %w", mc.ID, err)
			}
		}
		return Unit{App: app, Region: mc.Region, Machine: mc.ID}, nil
	}
	created, err := m.provider.CreateMachine(ctx, app, from.Region)
	if err != nil {
		return Unit{}, err
	}
	return Unit{App: app, Region: created.Region, Machine: created.ID}, nil
}

func (m *Manager) publish(ctx context.Context, tr Transition) {
	if m.publisher == nil {
		return
	}
	if _, err := m.publisher.Publish(ctx, TransitionTopic, tr); err != nil {
		m.logger.Warn("publish failover transition failed", zap.Error(err))
	}
}

func (m *Manager) transitionID() string {
	id, err := m.ids.NewID()
	if err != nil {
		return fmt.Sprintf("transition-%d", m.clock.Now().UnixNano())
	}
	return id
}

// Reset403Counter zeroes the consecutive 403 counter after a clean run.
func (m *Manager) Reset403Counter() {
	m.mu.Lock()
	was := m.count
	m.count = 0
	m.mu.Unlock()
	if was == 0 {
		return
	}
	m.logger.Debug("403 counter reset", zap.Int("was", was))
	m.persist(context.Background())
}

// Restore loads the last saved snapshot, if any, so a restarted process
// keeps its current unit, cooldown and history.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	st, err := m.store.LoadState(ctx)
	if errors.Is(err, ErrNoState) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore failover state: %w", err)
	}
	if st.Current.App == "" {
		return nil
	}
	if len(st.History) > historyLimit {
		st.History = st.History[len(st.History)-historyLimit:]
	}
	m.mu.Lock()
	m.current = st.Current
	m.last = st.LastFailover
	m.count = st.Consecutive403
	m.history = append([]Transition(nil), st.History...)
	m.mu.Unlock()
	m.logger.Info("failover state restored",
		zap.String("app", st.Current.App),
		zap.String("region", st.Current.Region),
		zap.Int("history", len(st.History)),
	)
	return nil
}

// persist saves the current snapshot. Failures are logged; the in-memory
// state stays authoritative for this process.
func (m *Manager) persist(ctx context.Context) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateSaveTimeout)
	defer cancel()
	if err := m.store.SaveState(ctx, m.State()); err != nil {
		m.logger.Warn("save failover state failed", zap.Error(err))
	}
}

// LoadState returns the live snapshot; it lets a Manager stand in for a
// StateStore reader.
func (m *Manager) LoadState(context.Context) (State, error) {
	return m.State(), nil
}

// State returns a snapshot including a copy of the history.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{
		Current:        m.current,
		LastFailover:   m.last,
		Consecutive403: m.count,
		History:        append([]Transition{}, m.history...),
	}
}

// History returns a copy of the transition history, oldest first.
func (m *Manager) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition{}, m.history...)
}
