// Package engine is the orchestration core: the dispatch table, the workflow
// runtime with step memoization, the retry policy and the lease-based
// executor that ties them to the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/mediaflow/internal/logging"
	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/internal/streaming"
	"github.com/rendis/mediaflow/pkg/schema"
)

const (
	DefaultPoolSize      = 8
	DefaultPollInterval  = time.Second
	DefaultLeaseDuration = 2 * time.Minute
	DefaultBatchSize     = 32

	// recoveryGrace keeps the recovery sweep away from events a Send is
	// still dispatching.
	recoveryGrace    = 10 * time.Second
	recoveryInterval = time.Minute
	recoveryPage     = 200
)

// Config holds engine tuning.
type Config struct {
	// Owner identifies this process in invocation leases. Default: host:pid:uuid.
	Owner         string
	PoolSize      int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	BatchSize     int
	Backoff       BackoffPolicy
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		PoolSize:      DefaultPoolSize,
		PollInterval:  DefaultPollInterval,
		LeaseDuration: DefaultLeaseDuration,
		BatchSize:     DefaultBatchSize,
		Backoff:       DefaultBackoff,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.New().String()[:8])
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Backoff == (BackoffPolicy{}) {
		c.Backoff = d.Backoff
	}
}

// Metrics is a snapshot of engine counters.
type Metrics struct {
	Pool        PoolMetrics `json:"pool"`
	Created     int64       `json:"created"`
	Completed   int64       `json:"completed"`
	Failed      int64       `json:"failed"`
	Retried     int64       `json:"retried"`
	Interrupted int64       `json:"interrupted"`
	Suspended   int64       `json:"suspended"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHub publishes lifecycle notifications to hub.
func WithHub(hub streaming.Hub) Option {
	return func(e *Engine) { e.hub = hub }
}

// WithTracerProvider sets the provider for attempt and step spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine dispatches events to handlers and executes invocations.
type Engine struct {
	store    store.Store
	registry *Registry
	rt       *Runtime
	fsm      *InvocationFSM
	policy   *Policy
	pool     *WorkerPool
	cfg      Config
	logger   *slog.Logger
	hub      streaming.Hub
	tracer   trace.Tracer
	now      func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	created, completed, failed, retried, interrupted, suspended atomic.Int64
}

// New creates an Engine. sender is used by SendEvents steps; it is usually
// the bus client the engine is attached to.
func New(s store.Store, registry *Registry, sender Sender, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		registry: registry,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg.applyDefaults()

	e.rt = NewRuntime(s, sender)
	e.rt.hub = e.hub
	e.rt.logger = e.logger
	e.rt.lease = e.cfg.LeaseDuration
	e.rt.now = e.now
	if e.tracer != nil {
		e.rt.tracer = e.tracer
	}

	e.fsm = NewInvocationFSM(e.rt)
	e.fsm.OnAfter(schema.InvocationRunning, schema.InvocationCompleted, e.count(&e.completed))
	e.fsm.OnAfter(schema.InvocationRunning, schema.InvocationFailed, e.count(&e.failed))
	e.fsm.OnAfter(schema.InvocationPending, schema.InvocationFailed, e.count(&e.failed))
	e.policy = NewPolicy(e.rt, e.fsm, e.cfg.Backoff)
	e.pool = NewWorkerPool(e.cfg.PoolSize)
	return e
}

func (e *Engine) count(c *atomic.Int64) TransitionHook {
	return func(context.Context, *store.Invocation, schema.InvocationStatus, schema.InvocationStatus) error {
		c.Add(1)
		return nil
	}
}

// Owner returns the lease owner identity of this engine.
func (e *Engine) Owner() string { return e.cfg.Owner }

// Registry returns the dispatch table.
func (e *Engine) Registry() *Registry { return e.registry }

// FSM returns the invocation state machine, for registering hooks.
func (e *Engine) FSM() *InvocationFSM { return e.fsm }

// Start freezes the registry, recovers undispatched events and due
// invocations, and starts the poll loop. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "engine already started")
	}
	e.started = true
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	base := e.baseCtx
	e.mu.Unlock()

	e.registry.Freeze()
	e.logger.Info("engine starting",
		"owner", e.cfg.Owner,
		"handlers", len(e.registry.Handlers()),
		"pool_size", e.cfg.PoolSize,
		"poll_interval", e.cfg.PollInterval)

	if err := e.RecoverEvents(base); err != nil {
		e.logger.Warn("event recovery incomplete", "error", err)
	}

	e.wg.Add(1)
	go e.pollLoop(base)
	return nil
}

// Stop stops polling, interrupts running attempts at their next step
// boundary and waits for them to release their invocations.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.pool.Shutdown()
	e.logger.Info("engine stopped", "owner", e.cfg.Owner)
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	lastRecovery := e.now()

	for {
		if _, err := e.Poll(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("poll failed", "error", err)
		}
		if e.now().Sub(lastRecovery) >= recoveryInterval {
			lastRecovery = e.now()
			if err := e.RecoverEvents(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("event recovery incomplete", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll submits due invocations to free pool slots and returns how many were
// submitted.
func (e *Engine) Poll(ctx context.Context) (int, error) {
	due, err := e.store.ListDueInvocations(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, inv := range due {
		ok, err := e.submit(inv.ID)
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		n++
	}
	return n, nil
}

// submit hands an invocation to the pool when the engine is running and a
// slot is free. Otherwise the invocation stays due for the next poll.
func (e *Engine) submit(id string) (bool, error) {
	e.mu.Lock()
	running := e.started && !e.stopped
	base := e.baseCtx
	e.mu.Unlock()
	if !running {
		return false, nil
	}
	ok, err := e.pool.TrySubmit(base, func(ctx context.Context) error {
		return e.execute(ctx, id)
	})
	if errors.Is(err, ErrPoolShutdown) {
		return false, nil
	}
	return ok, err
}

// Dispatch routes ev to every handler bound to its name. Each matching
// handler gets at most one invocation per dedup key; an existing invocation
// in any status is left as is. The event is marked dispatched only when
// every handler was served.
func (e *Engine) Dispatch(ctx context.Context, ev *store.Event) error {
	logger := e.logger.With("event_id", ev.ID, "event_name", ev.Name)
	var errs []error
	for _, reg := range e.registry.Resolve(ev.Name) {
		ok, err := e.registry.Match(ctx, reg, ev)
		if err != nil {
			logger.Warn("filter evaluation failed, skipping handler", "handler_id", reg.Handler.ID, "error", err)
			continue
		}
		if !ok {
			logger.Debug("filter rejected event", "handler_id", reg.Handler.ID)
			continue
		}

		key, err := e.registry.DedupKey(ctx, reg, ev)
		if err != nil {
			logger.Warn("idempotency key failed, using event id", "handler_id", reg.Handler.ID, "error", err)
			key = ev.ID
		}

		now := e.now().UTC()
		inv, created, err := e.store.CreateInvocation(ctx, &store.Invocation{
			ID:          uuid.New().String(),
			EventID:     ev.ID,
			EventName:   ev.Name,
			HandlerID:   reg.Handler.ID,
			DedupKey:    key,
			Status:      schema.InvocationPending,
			Attempt:     1,
			MaxAttempts: reg.MaxAttempts(),
			NextRunAt:   &now,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("handler %s: %w", reg.Handler.ID, err))
			continue
		}
		if !created {
			logger.Debug("invocation exists", "handler_id", reg.Handler.ID,
				"invocation_id", inv.ID, "status", inv.Status)
			continue
		}

		e.created.Add(1)
		e.rt.Record(ctx, inv, "", schema.LogInvocationCreated, map[string]any{
			"event_id":  ev.ID,
			"dedup_key": key,
		})
		if _, err := e.submit(inv.ID); err != nil {
			logger.Warn("submit failed, left for poll", "invocation_id", inv.ID, "error", err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return e.store.MarkEventDispatched(ctx, ev.ID, e.now())
}

// RecoverEvents re-dispatches events that were recorded but never marked
// dispatched, e.g. after a crash between Send and Dispatch.
func (e *Engine) RecoverEvents(ctx context.Context) error {
	cutoff := e.now().Add(-recoveryGrace)
	events, err := e.store.ListEvents(ctx, store.EventFilter{Undispatched: true, Limit: recoveryPage})
	if err != nil {
		return err
	}
	var errs []error
	for _, ev := range events {
		if ev.ReceivedAt.After(cutoff) {
			continue
		}
		if err := e.Dispatch(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
		}
	}
	if len(events) > 0 {
		e.logger.Info("recovered undispatched events", "count", len(events)-len(errs))
	}
	return errors.Join(errs...)
}

// execute claims and runs one attempt of an invocation.
func (e *Engine) execute(ctx context.Context, id string) error {
	before, err := e.store.GetInvocation(ctx, id)
	if err != nil {
		return err
	}
	if before.Status.IsTerminal() {
		return nil
	}

	now := e.now()
	ok, err := e.store.ClaimInvocation(ctx, id, e.cfg.Owner, now, now.Add(e.cfg.LeaseDuration))
	if err != nil || !ok {
		return err
	}

	inv, err := e.store.GetInvocation(ctx, id)
	if err != nil {
		return err
	}
	ctx = logging.WithInvocation(ctx, inv.ID, inv.HandlerID, inv.EventName)
	logger := logging.LogWith(ctx, e.logger)

	// The claim already persisted status running.
	inv.Status = before.Status
	if err := e.fsm.Transition(ctx, inv, schema.InvocationRunning, nil); err != nil {
		return err
	}

	ev, err := e.store.GetEvent(ctx, inv.EventID)
	if err != nil {
		return err
	}
	reg, found := e.registry.Get(inv.HandlerID)
	if !found {
		cause := schema.NonRetryable(fmt.Errorf("handler %s is not registered", inv.HandlerID))
		logger.Error("invocation for unknown handler")
		_, err := e.policy.fail(context.WithoutCancel(ctx), nil, inv, ev, e.cfg.Owner, cause)
		if schema.HasCode(err, schema.ErrCodeNonRetryable) {
			return nil
		}
		return err
	}

	outcome, err := e.policy.Execute(ctx, reg, inv, ev, e.cfg.Owner)
	switch outcome {
	case OutcomeRetry:
		e.retried.Add(1)
	case OutcomeInterrupted:
		e.interrupted.Add(1)
	case OutcomeSuspended:
		e.suspended.Add(1)
	}
	logger.Debug("attempt finished", "outcome", outcome, "attempt", inv.Attempt)
	return err
}

// Invocation returns one invocation.
func (e *Engine) Invocation(ctx context.Context, id string) (*store.Invocation, error) {
	return e.store.GetInvocation(ctx, id)
}

// ListInvocations lists invocations matching filter.
func (e *Engine) ListInvocations(ctx context.Context, filter store.InvocationFilter) ([]*store.Invocation, error) {
	return e.store.ListInvocations(ctx, filter)
}

// Steps returns the memoized step records of an invocation.
func (e *Engine) Steps(ctx context.Context, id string) ([]*store.StepRecord, error) {
	return e.store.ListSteps(ctx, id)
}

// Log returns the lifecycle log of an invocation after sequence since.
func (e *Engine) Log(ctx context.Context, id string, since int64) ([]*store.LogEntry, error) {
	return e.rt.log.Entries(ctx, id, since)
}

// Trace reconstructs per-step state from an invocation's log.
func (e *Engine) Trace(ctx context.Context, id string) (map[string]*store.StepTrace, error) {
	return e.rt.log.Replay(ctx, id)
}

// Metrics returns a snapshot of engine counters.
func (e *Engine) Metrics() Metrics {
	return Metrics{
		Pool:        e.pool.Metrics(),
		Created:     e.created.Load(),
		Completed:   e.completed.Load(),
		Failed:      e.failed.Load(),
		Retried:     e.retried.Load(),
		Interrupted: e.interrupted.Load(),
		Suspended:   e.suspended.Load(),
	}
}
