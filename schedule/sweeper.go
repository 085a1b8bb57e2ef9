// Package schedule makes delayed entries visible to consumers when
// their time arrives. Delayed entries carry their scheduled time in
// the id's millisecond component and sit past the group cursor until
// fetched; the sweeper watches for entries whose id timestamp has
// passed and prompts the worker pool to fetch immediately instead of
// waiting out its blocking read.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker"
	"github.com/streamq/streamq/id"
)

// Notifier is prompted when due entries are waiting. Satisfied by
// worker.Pool.
type Notifier interface {
	Nudge()
}

// Sweeper periodically scans each queue for undelivered entries whose
// id timestamp has passed and nudges the notifier. Visibility latency
// for a delayed entry is bounded by the sweep interval.
type Sweeper struct {
	b        broker.Broker
	notifier Notifier
	queues   []streamq.QueueDescriptor
	interval time.Duration
	logger   *slog.Logger
	clock    func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewSweeper creates a Sweeper scanning the given queues every
// interval.
func NewSweeper(b broker.Broker, notifier Notifier, queues []streamq.QueueDescriptor, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Sweeper{
		b:        b,
		notifier: notifier,
		queues:   queues,
		interval: interval,
		logger:   logger,
		clock:    time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately.
func (s *Sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs one scan over all queues and nudges the notifier if any
// queue has an undelivered entry that is due. Exported so callers can
// force a scan outside the ticker, mainly in tests.
func (s *Sweeper) Sweep(ctx context.Context) {
	for _, q := range s.queues {
		due, err := s.dueEntries(ctx, q)
		if err != nil {
			s.logger.Error("delayed-dispatch scan failed",
				slog.String("queue", q.Name),
				slog.String("error", err.Error()))
			continue
		}
		if due {
			s.logger.Debug("due entries waiting", slog.String("queue", q.Name))
			s.notifier.Nudge()
			return
		}
	}
}

// dueEntries reports whether the queue has entries past the group
// cursor whose id timestamp is not in the future. Entries past the
// cursor have never been delivered to any consumer, so one is enough
// to warrant a fetch.
func (s *Sweeper) dueEntries(ctx context.Context, q streamq.QueueDescriptor) (bool, error) {
	info, err := s.b.GroupInfo(ctx, q.StreamKey(), q.Group)
	if err != nil {
		if errors.Is(err, streamq.ErrUnknownQueue) {
			// Group not created yet; nothing published either.
			return false, nil
		}
		return false, err
	}

	msgs, err := s.b.Range(ctx, q.StreamKey(), info.LastDeliveredID.Next(), id.MaxAtTime(s.clock()), 1)
	if err != nil {
		return false, err
	}
	return len(msgs) > 0, nil
}
