// Package cron enqueues tasks on recurring schedules. Every process
// runs a scheduler, but only the current leader fires entries, so a
// deployment of N identical workers produces one enqueue per schedule
// tick instead of N.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker"
	"github.com/streamq/streamq/id"
)

// leaderKey is the broker lease key gating schedule firing.
const leaderKey = "streamq:cron:leader"

// EnqueueFunc is the callback the scheduler uses to enqueue tasks.
// This breaks the import cycle: the engine provides the implementation.
type EnqueueFunc func(ctx context.Context, queue streamq.QueueDescriptor, operation string, payload []byte, delay time.Duration) (id.StreamID, error)

// Definition is one recurring schedule.
type Definition struct {
	// Name identifies the entry in logs.
	Name string

	// Schedule is a standard 5-field cron expression or a descriptor
	// like "@every 30s" or "@hourly".
	Schedule string

	// Queue, Operation, and Payload describe the task enqueued on each
	// firing.
	Queue     streamq.QueueDescriptor
	Operation string
	Payload   []byte
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression. Exported so callers can
// validate definitions before registering them.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

type entry struct {
	def   Definition
	sched cronlib.Schedule
	next  time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due
// entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithLeaderTTL sets the leader lease duration. The lease is refreshed
// at half the TTL, so a dead leader is replaced within one TTL.
func WithLeaderTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.leaderTTL = d
		}
	}
}

// Scheduler fires registered definitions on a tick loop while this
// process holds the leader lease.
type Scheduler struct {
	b       broker.Broker
	enqueue EnqueueFunc
	owner   string
	logger  *slog.Logger

	tickInterval time.Duration
	leaderTTL    time.Duration

	mu      sync.Mutex
	entries []*entry

	leader  atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
}

// NewScheduler creates a Scheduler competing for leadership as owner.
func NewScheduler(b broker.Broker, enqueue EnqueueFunc, owner string, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		b:            b,
		enqueue:      enqueue,
		owner:        owner,
		logger:       logger,
		tickInterval: time.Second,
		leaderTTL:    15 * time.Second,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a definition. Returns an error if the schedule
// expression does not parse. The first firing is the schedule's next
// activation after registration.
func (s *Scheduler) Register(def Definition) error {
	sched, err := ParseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("cron %q: parse schedule %q: %w", def.Name, def.Schedule, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{def: def, sched: sched, next: sched.Next(time.Now())})
	return nil
}

// Leader reports whether this process currently holds the lease.
func (s *Scheduler) Leader() bool { return s.leader.Load() }

// Start launches the leadership and tick goroutines. It returns
// immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	s.wg.Add(2)
	go s.leaderLoop()
	go s.tickLoop()
	s.logger.Info("cron scheduler started",
		slog.String("owner", s.owner),
		slog.Duration("tick_interval", s.tickInterval))
	return nil
}

// Stop halts the loops and releases the leader lease if held.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = false
	s.runMu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	if s.leader.Load() {
		if err := s.b.ReleaseLease(ctx, leaderKey, s.owner); err != nil {
			s.logger.Warn("leader lease release failed", slog.String("error", err.Error()))
		}
		s.leader.Store(false)
	}
	s.logger.Info("cron scheduler stopped")
	return nil
}

// leaderLoop acquires or refreshes the leader lease at half the TTL.
func (s *Scheduler) leaderLoop() {
	defer s.wg.Done()

	s.tryLeadership()

	ticker := time.NewTicker(s.leaderTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tryLeadership()
		}
	}
}

func (s *Scheduler) tryLeadership() {
	held, err := s.b.AcquireLease(context.Background(), leaderKey, s.owner, s.leaderTTL)
	if err != nil {
		s.logger.Warn("leader lease error", slog.String("error", err.Error()))
		return
	}
	was := s.leader.Swap(held)
	if held && !was {
		s.logger.Info("acquired cron leadership", slog.String("owner", s.owner))
	}
	if !held && was {
		s.logger.Info("lost cron leadership", slog.String("owner", s.owner))
	}
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick fires every due entry if this process is the leader. Exported
// so callers can force a tick outside the ticker, mainly in tests.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.leader.Load() {
		return
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		sid, err := s.enqueue(ctx, e.def.Queue, e.def.Operation, e.def.Payload, 0)
		if err != nil {
			// Keep next unchanged so the firing is retried on the next
			// tick rather than silently dropped.
			s.logger.Error("cron enqueue failed",
				slog.String("cron", e.def.Name),
				slog.String("error", err.Error()))
			continue
		}
		s.logger.Info("cron fired",
			slog.String("cron", e.def.Name),
			slog.String("queue", e.def.Queue.Name),
			slog.String("id", sid.String()))
		e.next = e.sched.Next(now)
	}
}
