// Package scheduler fires cron-triggered handlers by sending synthetic
// events through the bus.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/mediaflow/internal/bus"
	"github.com/rendis/mediaflow/internal/expressions"
	"github.com/rendis/mediaflow/internal/store"
)

const (
	DefaultTick        = 30 * time.Second
	DefaultConcurrency = 4

	StatusSuccess = "success"
	StatusError   = "error"
)

// Sender is the part of the bus client the scheduler needs.
type Sender interface {
	Send(ctx context.Context, in bus.EventInput) (bus.Receipt, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets the interval between due-trigger scans.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithConcurrency bounds how many due triggers fire at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler polls the store for due triggers and fires them.
type Scheduler struct {
	store       store.Store
	sender      Sender
	parser      cron.Parser
	expr        *expressions.ExprEngine
	logger      *slog.Logger
	tick        time.Duration
	concurrency int
	now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, sender Sender, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	sch := &Scheduler{
		store:       s,
		sender:      sender,
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		expr:        expressions.NewExprEngine(),
		logger:      logger,
		tick:        DefaultTick,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

// Sync persists the registered triggers and disables persisted triggers that
// are no longer registered. A pending next run survives when the cron
// expression is unchanged.
func (s *Scheduler) Sync(ctx context.Context, triggers []*store.ScheduledTrigger) error {
	now := s.now().UTC()
	keep := make([]string, 0, len(triggers))
	for _, trig := range triggers {
		if trig.NextRunAt == nil {
			next, err := s.CalculateNextRun(trig.CronExpression, now)
			if err != nil {
				return err
			}
			trig.NextRunAt = &next
		}
		trig.Enabled = true
		if err := s.store.UpsertTrigger(ctx, trig); err != nil {
			return fmt.Errorf("upsert trigger %s: %w", trig.ID, err)
		}
		keep = append(keep, trig.ID)
	}
	if err := s.store.DisableTriggersExcept(ctx, keep); err != nil {
		return fmt.Errorf("disable stale triggers: %w", err)
	}
	s.logger.Info("scheduled triggers synced", slog.Int("count", len(keep)))
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick fires every enabled trigger that is due and returns how many fired.
// Each slot is claimed with a compare-and-set on next_run_at, so processes
// sharing a store never fire the same slot twice. A trigger that missed
// several slots fires once and moves to its next future slot.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now().UTC()
	enabled := true
	due, err := s.store.ListTriggers(ctx, store.TriggerFilter{Enabled: &enabled, DueBy: &now})
	if err != nil {
		return 0, fmt.Errorf("list due triggers: %w", err)
	}

	var fired atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, trig := range due {
		g.Go(func() error {
			ok, err := s.fire(gctx, trig, now)
			if err != nil {
				s.logger.Error("trigger failed",
					slog.String("trigger_id", trig.ID),
					slog.String("error", err.Error()))
			}
			if ok {
				fired.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(fired.Load()), err
}

// RecoverMissed fires each trigger whose slot passed while no scheduler was
// running. Missed slots collapse into one run.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	n, err := s.Tick(ctx)
	if err != nil {
		return fmt.Errorf("recover missed triggers: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered missed triggers", slog.Int("count", n))
	}
	return nil
}

// fire claims the trigger's current slot and sends its event. It reports
// whether this call won the slot.
func (s *Scheduler) fire(ctx context.Context, trig *store.ScheduledTrigger, now time.Time) (bool, error) {
	if trig.NextRunAt == nil {
		return false, nil
	}
	slot := *trig.NextRunAt
	next, err := s.CalculateNextRun(trig.CronExpression, now)
	if err != nil {
		return false, s.markStatus(ctx, trig.ID, StatusError, now, err)
	}
	won, err := s.store.ClaimTriggerRun(ctx, trig.ID, slot, next)
	if err != nil {
		return false, fmt.Errorf("claim trigger %s: %w", trig.ID, err)
	}
	if !won {
		return false, nil
	}

	data, err := s.payload(ctx, trig, slot, now)
	if err != nil {
		return true, s.markStatus(ctx, trig.ID, StatusError, now, err)
	}

	in := bus.EventInput{
		ID:   fmt.Sprintf("cron:%s:%d", trig.ID, slot.Unix()),
		Name: trig.EventName,
		Data: data,
	}
	s.logger.Info("firing scheduled trigger",
		slog.String("trigger_id", trig.ID),
		slog.String("event_id", in.ID),
		slog.Time("slot", slot))
	if _, err := s.sender.Send(ctx, in); err != nil {
		return true, s.markStatus(ctx, trig.ID, StatusError, now, err)
	}
	return true, s.markStatus(ctx, trig.ID, StatusSuccess, now, nil)
}

// payload builds the event data: the optional expression result overlaid
// with scheduledAt and trigger.
func (s *Scheduler) payload(ctx context.Context, trig *store.ScheduledTrigger, slot, now time.Time) (map[string]any, error) {
	data := map[string]any{}
	if trig.Payload != "" {
		env := map[string]any{
			"now": now,
			"trigger": map[string]any{
				"id":         trig.ID,
				"event_name": trig.EventName,
				"cron":       trig.CronExpression,
				"slot":       slot,
			},
		}
		obj, err := s.expr.EvaluateObject(ctx, trig.Payload, env)
		if err != nil {
			return nil, err
		}
		for k, v := range obj {
			data[k] = v
		}
	}
	data["scheduledAt"] = slot.UTC().Format(time.RFC3339)
	data["trigger"] = trig.ID
	return data, nil
}

func (s *Scheduler) markStatus(ctx context.Context, id, status string, ranAt time.Time, cause error) error {
	if err := s.store.UpdateTriggerStatus(context.WithoutCancel(ctx), id, status, ranAt); err != nil {
		return fmt.Errorf("update trigger %s status: %w", id, err)
	}
	return cause
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from).UTC(), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
