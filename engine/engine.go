// Package engine wires the subsystems together: broker, consumer-group
// manager, publisher, worker pool, delayed-dispatch sweep, reclaim
// sweep, dead-letter service, and cron scheduler. It is the package
// applications import; the subpackages stay usable on their own for
// processes that only publish or only consume.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker"
	"github.com/streamq/streamq/cron"
	"github.com/streamq/streamq/dlq"
	"github.com/streamq/streamq/envelope"
	"github.com/streamq/streamq/group"
	"github.com/streamq/streamq/hook"
	"github.com/streamq/streamq/id"
	mw "github.com/streamq/streamq/middleware"
	"github.com/streamq/streamq/observability"
	"github.com/streamq/streamq/publish"
	"github.com/streamq/streamq/reclaim"
	"github.com/streamq/streamq/schedule"
	"github.com/streamq/streamq/task"
	"github.com/streamq/streamq/worker"
)

const scopeName = "github.com/streamq/streamq"

// Engine owns the full task-dispatch lifecycle for one process: it
// publishes, consumes, recovers, and dead-letters tasks on the queues
// named in its Config.
type Engine struct {
	cfg      streamq.Config
	b        broker.Broker
	codec    envelope.Codec
	logger   *slog.Logger
	identity streamq.ConsumerIdentity
	queues   []streamq.QueueDescriptor

	hooks    *hook.Registry
	registry *task.Registry
	groups   *group.Manager
	pub      *publish.Publisher
	dead     *dlq.Service
	pool     *worker.Pool
	sweeper  *schedule.Sweeper
	rec      *reclaim.Reclaimer
	sched    *cron.Scheduler

	mws            []mw.Middleware
	exts           []hook.Extension
	limits         []worker.Limit
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithBroker sets the broker. Defaults to a Redis broker with default
// client options.
func WithBroker(b broker.Broker) Option {
	return func(e *Engine) { e.b = b }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithCodec sets the envelope codec shared by publisher and consumers.
// Defaults to JSON.
func WithCodec(c envelope.Codec) Option {
	return func(e *Engine) { e.codec = c }
}

// WithExtension registers a lifecycle extension.
func WithExtension(ext hook.Extension) Option {
	return func(e *Engine) { e.exts = append(e.exts, ext) }
}

// WithMiddleware appends middleware to the execution chain, inside the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithQueueLimits sets per-queue rate and concurrency limits for the
// local worker pool.
func WithQueueLimits(limits ...worker.Limit) Option {
	return func(e *Engine) { e.limits = append(e.limits, limits...) }
}

// WithTracerProvider sets the provider for execution spans. Defaults
// to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets the provider for metrics. Defaults to the
// global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New builds an Engine from the config. The broker defaults to Redis;
// processes embedding a test double pass WithBroker.
func New(cfg streamq.Config, opts ...Option) (*Engine, error) {
	if len(cfg.Queues) == 0 || cfg.Group == "" {
		def := streamq.DefaultConfig()
		if len(cfg.Queues) == 0 {
			cfg.Queues = def.Queues
		}
		if cfg.Group == "" {
			cfg.Group = def.Group
		}
	}

	e := &Engine{
		cfg:      cfg,
		logger:   slog.Default(),
		identity: streamq.LocalIdentity(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.hooks = hook.NewRegistry(e.logger)
	for _, ext := range e.exts {
		e.hooks.Register(ext)
	}
	if e.b == nil {
		e.b = broker.NewRedis(broker.WithRedisLogger(e.logger))
	}
	if e.codec == nil {
		e.codec = envelope.JSONCodec{}
	}

	e.queues = make([]streamq.QueueDescriptor, len(cfg.Queues))
	for i, name := range cfg.Queues {
		e.queues[i] = streamq.NewQueue(name, cfg.Group)
	}

	e.registry = task.NewRegistry()
	e.groups = group.NewManager(e.b, e.logger)
	e.pub = publish.New(e.b, e.groups, e.codec, e.hooks, e.logger)
	e.dead = dlq.NewService(e.b, e.hooks, e.logger)

	// Tracing and metrics middleware honor an injected provider, else
	// the globals.
	tracingMw := mw.Tracing()
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer(scopeName))
	}
	metricsMw := mw.Metrics()
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter(scopeName))
	}

	obsExt := observability.NewMetricsExtension()
	if e.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(e.meterProvider.Meter(scopeName))
	}
	e.hooks.Register(obsExt)

	allMws := append([]mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Timeout(cfg.HandlerTimeout),
	}, e.mws...)

	executor := worker.NewExecutor(e.registry, e.hooks, e.b, e.logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithFetchCount(cfg.FetchCount),
		worker.WithBlockTimeout(cfg.BlockTimeout),
	}
	if len(e.limits) > 0 {
		poolOpts = append(poolOpts, worker.WithLimiter(worker.NewLimiter(e.limits...)))
	}
	e.pool = worker.NewPool(e.b, executor, e.codec, e.queues, e.identity.String(), e.logger, poolOpts...)

	e.sweeper = schedule.NewSweeper(e.b, e.pool, e.queues, cfg.ScheduleInterval, e.logger)
	e.rec = reclaim.NewReclaimer(e.b, e.groups, executor, e.dead, e.hooks, e.codec,
		e.queues, e.identity.String(), cfg.ReclaimInterval, cfg.MaxRetries, e.logger)
	e.sched = cron.NewScheduler(e.b, e.pub.Enqueue, e.identity.String(), e.logger)

	return e, nil
}

// queue resolves a queue name against the config.
func (e *Engine) queue(name string) (streamq.QueueDescriptor, error) {
	for _, q := range e.queues {
		if q.Name == name {
			return q, nil
		}
	}
	return streamq.QueueDescriptor{}, fmt.Errorf("%w: %q", streamq.ErrUnknownQueue, name)
}

// Register registers a typed task definition.
func Register[T any](e *Engine, def *task.Definition[T]) {
	task.RegisterDefinition(e.registry, e.codec, def)
}

// RegisterRaw registers a handler receiving the raw envelope.
func (e *Engine) RegisterRaw(queue string, h task.Handler) {
	e.registry.Register(queue, h)
}

// Enqueue serializes payload with the engine codec and appends a task
// for the queue's consumers, after delay if positive.
func Enqueue[T any](ctx context.Context, e *Engine, queue, operation string, payload T, delay time.Duration) (id.StreamID, error) {
	data, err := e.codec.Marshal(payload)
	if err != nil {
		return id.Zero, fmt.Errorf("marshal %q payload: %w", operation, err)
	}
	return e.EnqueueRaw(ctx, queue, operation, data, delay)
}

// EnqueueRaw appends a task with a pre-serialized payload.
func (e *Engine) EnqueueRaw(ctx context.Context, queue, operation string, payload []byte, delay time.Duration) (id.StreamID, error) {
	q, err := e.queue(queue)
	if err != nil {
		return id.Zero, err
	}
	return e.pub.Enqueue(ctx, q, operation, payload, delay)
}

// RegisterCron adds a recurring schedule enqueuing through this
// engine. The queue must be one of the config's queues.
func (e *Engine) RegisterCron(name, schedule, queue, operation string, payload []byte) error {
	q, err := e.queue(queue)
	if err != nil {
		return err
	}
	return e.sched.Register(cron.Definition{
		Name:      name,
		Schedule:  schedule,
		Queue:     q,
		Operation: operation,
		Payload:   payload,
	})
}

// Hooks returns the lifecycle extension registry.
func (e *Engine) Hooks() *hook.Registry { return e.hooks }

// DeadLetter returns the dead-letter service.
func (e *Engine) DeadLetter() *dlq.Service { return e.dead }

// Publisher returns the publisher, for processes that also enqueue
// through a narrower interface.
func (e *Engine) Publisher() *publish.Publisher { return e.pub }

// Groups returns the consumer-group manager.
func (e *Engine) Groups() *group.Manager { return e.groups }

// Start verifies connectivity, creates the consumer groups, and
// launches the background loops. It returns once everything is
// running; processing happens on the engine's goroutines.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.b.Ping(ctx); err != nil {
		return fmt.Errorf("broker ping: %w", err)
	}

	// Group creation is retried lazily on publish, so a partial failure
	// here degrades instead of aborting startup.
	if err := e.groups.InitializeAll(ctx, e.queues); err != nil {
		e.logger.Warn("consumer-group initialization incomplete", slog.Any("error", err))
	}

	if err := e.sched.Start(ctx); err != nil {
		return fmt.Errorf("start cron scheduler: %w", err)
	}
	if err := e.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start delayed-dispatch sweep: %w", err)
	}
	if err := e.rec.Start(ctx); err != nil {
		return fmt.Errorf("start reclaim sweep: %w", err)
	}
	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	e.logger.Info("engine started",
		slog.String("consumer", e.identity.String()),
		slog.Any("queues", e.cfg.Queues),
		slog.String("group", e.cfg.Group))
	return nil
}

// Stop shuts the engine down: first the producers of new work (cron,
// sweeps), then the pool, draining in-flight handlers up to the
// config's shutdown timeout, then hooks and the broker connection.
func (e *Engine) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && e.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	if err := e.sched.Stop(ctx); err != nil {
		e.logger.Error("cron scheduler stop error", slog.String("error", err.Error()))
	}
	if err := e.sweeper.Stop(ctx); err != nil {
		e.logger.Error("delayed-dispatch sweep stop error", slog.String("error", err.Error()))
	}
	if err := e.rec.Stop(ctx); err != nil {
		e.logger.Error("reclaim sweep stop error", slog.String("error", err.Error()))
	}
	if err := e.pool.Stop(ctx); err != nil {
		e.logger.Error("worker pool stop error", slog.String("error", err.Error()))
	}

	e.hooks.EmitShutdown(ctx)

	if err := e.b.Close(); err != nil {
		return fmt.Errorf("close broker: %w", err)
	}
	e.logger.Info("engine stopped", slog.String("consumer", e.identity.String()))
	return nil
}
