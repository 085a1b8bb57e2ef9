package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker"
	"github.com/streamq/streamq/envelope"
	"github.com/streamq/streamq/id"
)

// delivery is one fetched envelope bound for a worker goroutine.
type delivery struct {
	queue streamq.QueueDescriptor
	env   *envelope.Envelope
}

// Pool fetches never-before-delivered entries from the queue logs with
// blocking group reads and fans them out to worker goroutines. Each
// entry is delivered to exactly one consumer in the group; retries of
// entries this process fetched but never acknowledged arrive through
// the reclaim sweep, possibly on another process.
type Pool struct {
	b        broker.Broker
	executor *Executor
	codec    envelope.Codec
	limiter  *Limiter
	queues   []streamq.QueueDescriptor
	consumer string
	logger   *slog.Logger

	concurrency  int
	fetchCount   int64
	blockTimeout time.Duration

	tasks  chan delivery
	nudge  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	activeMu sync.Mutex
	active   map[id.StreamID]context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithFetchCount sets the maximum entries requested per group read.
func WithFetchCount(n int64) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.fetchCount = n
		}
	}
}

// WithBlockTimeout bounds how long a group read blocks waiting for new
// entries.
func WithBlockTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.blockTimeout = d
		}
	}
}

// WithLimiter sets per-queue rate and concurrency limits.
func WithLimiter(l *Limiter) PoolOption {
	return func(p *Pool) { p.limiter = l }
}

// NewPool creates a worker pool reading the given queues as consumer.
func NewPool(
	b broker.Broker,
	executor *Executor,
	codec envelope.Codec,
	queues []streamq.QueueDescriptor,
	consumer string,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if codec == nil {
		codec = envelope.JSONCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		b:            b,
		executor:     executor,
		codec:        codec,
		queues:       queues,
		consumer:     consumer,
		logger:       logger,
		concurrency:  10,
		fetchCount:   10,
		blockTimeout: 5 * time.Second,
		nudge:        make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		active:       make(map[id.StreamID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tasks = make(chan delivery, p.concurrency)
	return p
}

// Nudge asks the pool to fetch immediately instead of waiting out the
// current blocking read. The delayed-dispatch sweep calls it when a
// scheduled entry comes due. Coalesces: concurrent nudges trigger one
// fetch.
func (p *Pool) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Start launches the fetch and worker goroutines. It returns
// immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	names := make([]string, len(p.queues))
	for i, q := range p.queues {
		names[i] = q.Name
	}
	p.logger.Info("worker pool starting",
		slog.String("consumer", p.consumer),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", names),
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.workLoop()
	}
	p.wg.Add(2)
	go p.fetchLoop()
	go p.nudgeLoop()

	return nil
}

// Stop signals the pool to stop and waits for in-flight handlers. If
// the context expires first, active handler contexts are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("consumer", p.consumer))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks")
		p.cancelActive()
		<-done
	}
	return nil
}

// fetchLoop performs blocking group reads and hands envelopes to the
// workers.
func (p *Pool) fetchLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if err := p.fetch(p.blockTimeout); err != nil {
			p.logger.Error("group read failed", slog.String("error", err.Error()))
			select {
			case <-p.stopCh:
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// nudgeLoop serves Nudge requests with an immediate non-blocking read,
// bypassing the fetch loop's current block.
func (p *Pool) nudgeLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.nudge:
		}

		if err := p.fetch(0); err != nil {
			p.logger.Error("nudged read failed", slog.String("error", err.Error()))
		}
	}
}

// fetch runs one group read and dispatches the results. Undecodable
// entries are left pending; the reclaim sweep routes them to the
// dead-letter log once they exhaust the retry budget.
func (p *Pool) fetch(block time.Duration) error {
	streams := make([]string, len(p.queues))
	byStream := make(map[string]streamq.QueueDescriptor, len(p.queues))
	for i, q := range p.queues {
		streams[i] = q.StreamKey()
		byStream[q.StreamKey()] = q
	}

	res, err := p.b.ReadGroup(context.Background(), streams, p.queues[0].Group, p.consumer, p.fetchCount, block)
	if err != nil {
		return err
	}

	for stream, msgs := range res {
		q := byStream[stream]
		for _, msg := range msgs {
			env, decErr := envelope.DecodeBody(p.codec, msg.ID, msg.Body)
			if decErr != nil {
				p.logger.Error("undecodable entry",
					slog.String("queue", q.Name),
					slog.String("id", msg.ID.String()),
					slog.String("error", decErr.Error()))
				continue
			}
			select {
			case p.tasks <- delivery{queue: q, env: env}:
			case <-p.stopCh:
				return nil
			}
		}
	}
	return nil
}

// workLoop is run by each worker goroutine.
func (p *Pool) workLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case d := <-p.tasks:
			p.run(d)
		}
	}
}

// run executes one delivery, pacing it through the limiter first.
func (p *Pool) run(d delivery) {
	if p.limiter != nil {
		for !p.limiter.Acquire(d.queue.Name) {
			select {
			case <-p.stopCh:
				// Unexecuted; entry stays pending and another consumer
				// reclaims it.
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
		defer p.limiter.Release(d.queue.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.track(d.env.ID, cancel)
	defer func() {
		p.untrack(d.env.ID)
		cancel()
	}()

	// First delivery of a fresh entry.
	if err := p.executor.Execute(ctx, d.queue, d.env, 1); err != nil && !errors.Is(err, streamq.ErrNotDue) {
		p.logger.Debug("task execution failed",
			slog.String("queue", d.queue.Name),
			slog.String("id", d.env.ID.String()),
			slog.String("error", err.Error()))
	}
}

func (p *Pool) track(sid id.StreamID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[sid] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(sid id.StreamID) {
	p.activeMu.Lock()
	delete(p.active, sid)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for _, cancel := range p.active {
		cancel()
	}
}
