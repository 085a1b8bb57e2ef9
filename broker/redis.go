package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/backoff"
	"github.com/streamq/streamq/id"
)

// bodyField is the single structured field carrying the serialized
// envelope on every log entry.
const bodyField = "body"

// Redis implements Broker over Redis Streams. It owns the connection
// lifecycle, retries transient failures with bounded exponential
// backoff, and trips a circuit breaker when the server stays
// unreachable so callers degrade to "queue stalled" instead of
// hammering a dead endpoint.
type Redis struct {
	client  goredis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	retry   backoff.Strategy
	// maxRetries bounds local retries per round trip; the surfaced
	// error after exhaustion means unknown outcome.
	maxRetries int
	logger     *slog.Logger
}

// RedisOption configures a Redis broker.
type RedisOption func(*redisConfig)

type redisConfig struct {
	addr             string
	username         string
	password         string
	db               int
	client           goredis.UniversalClient
	retry            backoff.Strategy
	maxRetries       int
	breakerThreshold uint32
	breakerReset     time.Duration
	logger           *slog.Logger
}

// WithAddr sets the server address ("host:port").
func WithAddr(addr string) RedisOption {
	return func(c *redisConfig) { c.addr = addr }
}

// WithCredentials sets the username and password.
func WithCredentials(username, password string) RedisOption {
	return func(c *redisConfig) { c.username, c.password = username, password }
}

// WithDB selects the logical database.
func WithDB(db int) RedisOption {
	return func(c *redisConfig) { c.db = db }
}

// WithClient supplies an existing client, overriding WithAddr. The
// caller keeps ownership; Close becomes a no-op on it.
func WithClient(client goredis.UniversalClient) RedisOption {
	return func(c *redisConfig) { c.client = client }
}

// WithRetryStrategy sets the backoff between local retries of a failed
// round trip.
func WithRetryStrategy(s backoff.Strategy) RedisOption {
	return func(c *redisConfig) { c.retry = s }
}

// WithMaxRetries bounds local retries per round trip.
func WithMaxRetries(n int) RedisOption {
	return func(c *redisConfig) { c.maxRetries = n }
}

// WithBreaker tunes the circuit breaker: consecutive connection
// failures before tripping, and how long the circuit stays open.
func WithBreaker(threshold uint32, reset time.Duration) RedisOption {
	return func(c *redisConfig) { c.breakerThreshold, c.breakerReset = threshold, reset }
}

// WithRedisLogger sets the structured logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(c *redisConfig) { c.logger = l }
}

// NewRedis creates a Redis broker.
func NewRedis(opts ...RedisOption) *Redis {
	cfg := redisConfig{
		addr:             "localhost:6379",
		retry:            backoff.DefaultRetry(),
		maxRetries:       3,
		breakerThreshold: 5,
		breakerReset:     30 * time.Second,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	client := cfg.client
	if client == nil {
		client = goredis.NewClient(&goredis.Options{
			Addr:     cfg.addr,
			Username: cfg.username,
			Password: cfg.password,
			DB:       cfg.db,
		})
	}

	logger := cfg.logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "streamq-broker",
		MaxRequests: 1,
		Timeout:     cfg.breakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.breakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("broker circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &Redis{
		client:     client,
		breaker:    breaker,
		retry:      cfg.retry,
		maxRetries: cfg.maxRetries,
		logger:     logger,
	}
}

// do runs fn through the breaker, retrying transient failures with
// backoff. Only connection failures count against the breaker; server
// reply errors pass through untouched for per-op handling.
func (r *Redis) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.retry.Delay(attempt)
			r.logger.Debug("retrying broker call",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var replyErr error
		_, err := r.breaker.Execute(func() (any, error) {
			callErr := fn(ctx)
			if callErr != nil && isTransient(callErr) {
				return nil, callErr
			}
			replyErr = callErr
			return nil, nil
		})
		if err == nil {
			return replyErr
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s: circuit open", streamq.ErrConnection, op)
		}
		last = err
	}
	return fmt.Errorf("%w: %s: %s", streamq.ErrConnection, op, last)
}

// isTransient reports whether err looks like a dropped or unreachable
// connection rather than a server reply.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, goredis.Nil) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "pool timeout", "client is closed"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Append implements Broker.
func (r *Redis) Append(ctx context.Context, stream string, entryID id.StreamID, body []byte) (id.StreamID, error) {
	args := &goredis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]any{bodyField: body},
	}
	if !entryID.IsZero() {
		args.ID = entryID.String()
	}

	var assigned id.StreamID
	err := r.do(ctx, "append", func(ctx context.Context) error {
		raw, err := r.client.XAdd(ctx, args).Result()
		if err != nil {
			if strings.Contains(err.Error(), "equal or smaller") {
				return fmt.Errorf("%w: %s", ErrIDCollision, entryID)
			}
			return err
		}
		assigned, err = id.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: append reply %q: %s", streamq.ErrProtocol, raw, err)
		}
		return nil
	})
	if err != nil {
		return id.Zero, err
	}
	return assigned, nil
}

// ReadGroup implements Broker.
func (r *Redis) ReadGroup(ctx context.Context, streams []string, group, consumer string, count int64, block time.Duration) (map[string][]Message, error) {
	// The client maps Block 0 to "wait forever"; a non-positive block
	// here means a non-blocking poll.
	if block <= 0 {
		block = -1
	}

	// XREADGROUP wants "stream1 stream2 > >".
	keys := make([]string, 0, len(streams)*2)
	keys = append(keys, streams...)
	for range streams {
		keys = append(keys, ">")
	}

	out := make(map[string][]Message)
	err := r.do(ctx, "read_group", func(ctx context.Context) error {
		res, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  keys,
			Count:    count,
			Block:    block,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			return nil // block timeout, nothing new
		}
		if err != nil {
			return err
		}
		for _, st := range res {
			msgs, convErr := toMessages(st.Messages)
			if convErr != nil {
				return convErr
			}
			out[st.Stream] = msgs
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ack implements Broker.
func (r *Redis) Ack(ctx context.Context, stream, group string, ids ...id.StreamID) (int64, error) {
	raw := make([]string, len(ids))
	for i, sid := range ids {
		raw[i] = sid.String()
	}
	var acked int64
	err := r.do(ctx, "ack", func(ctx context.Context) error {
		n, err := r.client.XAck(ctx, stream, group, raw...).Result()
		if err != nil {
			return err
		}
		acked = n
		return nil
	})
	return acked, err
}

// Pending implements Broker.
func (r *Redis) Pending(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	if count <= 0 {
		// XPENDING requires a positive count; "no limit" means the
		// whole pending set.
		count = math.MaxInt32
	}
	var entries []PendingEntry
	err := r.do(ctx, "pending", func(ctx context.Context) error {
		res, err := r.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  count,
		}).Result()
		if err != nil {
			if isMissingKey(err) {
				return nil
			}
			return err
		}
		entries = entries[:0]
		for _, p := range res {
			sid, parseErr := id.Parse(p.ID)
			if parseErr != nil {
				return fmt.Errorf("%w: pending id %q: %s", streamq.ErrProtocol, p.ID, parseErr)
			}
			entries = append(entries, PendingEntry{
				ID:            sid,
				Consumer:      p.Consumer,
				Idle:          p.Idle,
				DeliveryCount: p.RetryCount,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Claim implements Broker.
func (r *Redis) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []id.StreamID) ([]Message, error) {
	raw := make([]string, len(ids))
	for i, sid := range ids {
		raw[i] = sid.String()
	}
	var msgs []Message
	err := r.do(ctx, "claim", func(ctx context.Context) error {
		res, err := r.client.XClaim(ctx, &goredis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Messages: raw,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		msgs, err = toMessages(res)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Range implements Broker.
func (r *Redis) Range(ctx context.Context, stream string, start, end id.StreamID, count int64) ([]Message, error) {
	var msgs []Message
	err := r.do(ctx, "range", func(ctx context.Context) error {
		var res []goredis.XMessage
		var err error
		if count > 0 {
			res, err = r.client.XRangeN(ctx, stream, start.String(), end.String(), count).Result()
		} else {
			res, err = r.client.XRange(ctx, stream, start.String(), end.String()).Result()
		}
		if err != nil {
			if isMissingKey(err) {
				return nil
			}
			return err
		}
		msgs, err = toMessages(res)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Last implements Broker.
func (r *Redis) Last(ctx context.Context, stream string) (id.StreamID, error) {
	var last id.StreamID
	err := r.do(ctx, "last", func(ctx context.Context) error {
		res, err := r.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
		if err != nil {
			if isMissingKey(err) {
				return nil
			}
			return err
		}
		if len(res) == 0 {
			return nil
		}
		last, err = id.Parse(res[0].ID)
		if err != nil {
			return fmt.Errorf("%w: last id %q: %s", streamq.ErrProtocol, res[0].ID, err)
		}
		return nil
	})
	return last, err
}

// EnsureGroup implements Broker. The cursor starts at "$" so the group
// only sees entries appended after creation.
func (r *Redis) EnsureGroup(ctx context.Context, stream, group string) error {
	return r.do(ctx, "ensure_group", func(ctx context.Context) error {
		err := r.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
		if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
			// Group already exists; never reset an existing cursor.
			return nil
		}
		return err
	})
}

// GroupInfo implements Broker.
func (r *Redis) GroupInfo(ctx context.Context, stream, group string) (GroupInfo, error) {
	var info GroupInfo
	err := r.do(ctx, "group_info", func(ctx context.Context) error {
		res, err := r.client.XInfoGroups(ctx, stream).Result()
		if err != nil {
			if isMissingKey(err) {
				return fmt.Errorf("%w: group %q on %q", streamq.ErrUnknownQueue, group, stream)
			}
			return err
		}
		for _, g := range res {
			if g.Name != group {
				continue
			}
			lastID, parseErr := id.Parse(g.LastDeliveredID)
			if parseErr != nil {
				return fmt.Errorf("%w: last-delivered id %q: %s", streamq.ErrProtocol, g.LastDeliveredID, parseErr)
			}
			info = GroupInfo{
				Name:            g.Name,
				Pending:         g.Pending,
				Consumers:       g.Consumers,
				LastDeliveredID: lastID,
			}
			return nil
		}
		return fmt.Errorf("%w: group %q on %q", streamq.ErrUnknownQueue, group, stream)
	})
	return info, err
}

// SetAdd implements Broker.
func (r *Redis) SetAdd(ctx context.Context, key, member string) (bool, error) {
	var added bool
	err := r.do(ctx, "set_add", func(ctx context.Context) error {
		n, err := r.client.SAdd(ctx, key, member).Result()
		if err != nil {
			return err
		}
		added = n > 0
		return nil
	})
	return added, err
}

// SetContains implements Broker.
func (r *Redis) SetContains(ctx context.Context, key, member string) (bool, error) {
	var ok bool
	err := r.do(ctx, "set_contains", func(ctx context.Context) error {
		res, err := r.client.SIsMember(ctx, key, member).Result()
		if err != nil {
			return err
		}
		ok = res
		return nil
	})
	return ok, err
}

// SetRemove implements Broker.
func (r *Redis) SetRemove(ctx context.Context, key, member string) error {
	return r.do(ctx, "set_remove", func(ctx context.Context) error {
		return r.client.SRem(ctx, key, member).Err()
	})
}

// Delete implements Broker.
func (r *Redis) Delete(ctx context.Context, stream string, ids ...id.StreamID) error {
	raw := make([]string, len(ids))
	for i, sid := range ids {
		raw[i] = sid.String()
	}
	return r.do(ctx, "delete", func(ctx context.Context) error {
		return r.client.XDel(ctx, stream, raw...).Err()
	})
}

// AcquireLease implements Broker.
func (r *Redis) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	var held bool
	err := r.do(ctx, "acquire_lease", func(ctx context.Context) error {
		ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			held = true
			return nil
		}
		// Refresh if we already hold it.
		current, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current == owner {
			held = true
			return r.client.Expire(ctx, key, ttl).Err()
		}
		return nil
	})
	return held, err
}

// ReleaseLease implements Broker.
func (r *Redis) ReleaseLease(ctx context.Context, key, owner string) error {
	return r.do(ctx, "release_lease", func(ctx context.Context) error {
		current, err := r.client.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current == owner {
			return r.client.Del(ctx, key).Err()
		}
		return nil
	})
}

// Ping implements Broker.
func (r *Redis) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
}

// Close implements Broker.
func (r *Redis) Close() error {
	return r.client.Close()
}

// toMessages converts raw stream entries, requiring the single body
// field on each.
func toMessages(raw []goredis.XMessage) ([]Message, error) {
	msgs := make([]Message, 0, len(raw))
	for _, m := range raw {
		sid, err := id.Parse(m.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: entry id %q: %s", streamq.ErrProtocol, m.ID, err)
		}
		body, err := bodyOf(m.Values)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %s: %s", streamq.ErrProtocol, m.ID, err)
		}
		msgs = append(msgs, Message{ID: sid, Body: body})
	}
	return msgs, nil
}

func bodyOf(values map[string]any) ([]byte, error) {
	v, ok := values[bodyField]
	if !ok {
		return nil, errors.New("missing body field")
	}
	switch b := v.(type) {
	case string:
		return []byte(b), nil
	case []byte:
		return b, nil
	default:
		return nil, fmt.Errorf("body field has type %T", v)
	}
}

func isMissingKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such key") || strings.Contains(msg, "nogroup")
}

var _ Broker = (*Redis)(nil)
