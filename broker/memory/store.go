// Package memory provides a fully in-process Broker implementation.
// Safe for concurrent use. Intended for unit testing and development;
// nothing is persisted.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/streamq/streamq"
	"github.com/streamq/streamq/broker"
	"github.com/streamq/streamq/id"
)

// Ensure Store implements broker.Broker at compile time.
var _ broker.Broker = (*Store)(nil)

type entry struct {
	id   id.StreamID
	body []byte
}

type pendingState struct {
	consumer    string
	deliveredAt time.Time
	count       int64
}

type groupState struct {
	lastDelivered id.StreamID
	pending       map[id.StreamID]*pendingState
}

type streamState struct {
	entries []entry
	lastID  id.StreamID
	groups  map[string]*groupState
}

type lease struct {
	owner string
	until time.Time
}

// Store is an in-memory log broker with consumer-group semantics.
type Store struct {
	mu      sync.Mutex
	streams map[string]*streamState
	sets    map[string]map[string]struct{}
	leases  map[string]lease

	// notify is replaced on every append; blocked group reads wait on
	// the previous channel's close.
	notify chan struct{}

	now func() time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		streams: make(map[string]*streamState),
		sets:    make(map[string]map[string]struct{}),
		leases:  make(map[string]lease),
		notify:  make(chan struct{}),
		now:     time.Now,
	}
}

// Backdate shifts the delivery time of a pending entry into the past,
// so reclaim thresholds can be exercised without sleeping. Test helper.
func (m *Store) Backdate(stream, group string, sid id.StreamID, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.streams[stream]
	if st == nil {
		return
	}
	g := st.groups[group]
	if g == nil {
		return
	}
	if p := g.pending[sid]; p != nil {
		p.deliveredAt = p.deliveredAt.Add(-by)
	}
}

// Append implements broker.Broker.
func (m *Store) Append(_ context.Context, stream string, entryID id.StreamID, body []byte) (id.StreamID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stream(stream)
	assigned := entryID
	if assigned.IsZero() {
		assigned = id.FromTime(m.now())
		if !st.lastID.Before(assigned) {
			assigned = st.lastID.Next()
		}
	} else if !st.lastID.Before(assigned) {
		return id.Zero, fmt.Errorf("%w: %s", broker.ErrIDCollision, assigned)
	}

	st.entries = append(st.entries, entry{id: assigned, body: append([]byte(nil), body...)})
	st.lastID = assigned

	close(m.notify)
	m.notify = make(chan struct{})
	return assigned, nil
}

// ReadGroup implements broker.Broker.
func (m *Store) ReadGroup(ctx context.Context, streams []string, group, consumer string, count int64, block time.Duration) (map[string][]broker.Message, error) {
	deadline := m.now().Add(block)
	for {
		out, wait, err := m.tryRead(streams, group, consumer, count)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 || block <= 0 {
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return map[string][]broker.Message{}, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (m *Store) tryRead(streams []string, group, consumer string, count int64) (map[string][]broker.Message, chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]broker.Message)
	var total int64
	for _, name := range streams {
		st := m.streams[name]
		if st == nil {
			return nil, nil, fmt.Errorf("memory: no such stream %q", name)
		}
		g := st.groups[group]
		if g == nil {
			return nil, nil, fmt.Errorf("memory: no such group %q on %q", group, name)
		}
		for _, e := range st.entries {
			if total >= count {
				break
			}
			if !g.lastDelivered.Before(e.id) {
				continue
			}
			g.pending[e.id] = &pendingState{
				consumer:    consumer,
				deliveredAt: m.now(),
				count:       1,
			}
			g.lastDelivered = e.id
			out[name] = append(out[name], broker.Message{ID: e.id, Body: e.body})
			total++
		}
	}
	if total == 0 {
		return nil, m.notify, nil
	}
	return out, nil, nil
}

// Ack implements broker.Broker. Acking an id that is no longer pending
// is a no-op.
func (m *Store) Ack(_ context.Context, stream, group string, ids ...id.StreamID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.group(stream, group)
	if g == nil {
		return 0, nil
	}
	var acked int64
	for _, sid := range ids {
		if _, ok := g.pending[sid]; ok {
			delete(g.pending, sid)
			acked++
		}
	}
	return acked, nil
}

// Pending implements broker.Broker.
func (m *Store) Pending(_ context.Context, stream, group string, count int64) ([]broker.PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.group(stream, group)
	if g == nil {
		return nil, nil
	}
	entries := make([]broker.PendingEntry, 0, len(g.pending))
	for sid, p := range g.pending {
		entries = append(entries, broker.PendingEntry{
			ID:            sid,
			Consumer:      p.consumer,
			Idle:          m.now().Sub(p.deliveredAt),
			DeliveryCount: p.count,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID.Before(entries[j].ID) })
	if count > 0 && int64(len(entries)) > count {
		entries = entries[:count]
	}
	return entries, nil
}

// Claim implements broker.Broker. Claiming resets the idle clock and
// increments the delivery count, mirroring XCLAIM.
func (m *Store) Claim(_ context.Context, stream, group, consumer string, minIdle time.Duration, ids []id.StreamID) ([]broker.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.streams[stream]
	if st == nil {
		return nil, nil
	}
	g := st.groups[group]
	if g == nil {
		return nil, nil
	}

	var out []broker.Message
	for _, sid := range ids {
		p, ok := g.pending[sid]
		if !ok || m.now().Sub(p.deliveredAt) < minIdle {
			continue
		}
		e, found := st.find(sid)
		if !found {
			// Entry was deleted from the log; drop the dangling
			// pending record, as XCLAIM does.
			delete(g.pending, sid)
			continue
		}
		p.consumer = consumer
		p.deliveredAt = m.now()
		p.count++
		out = append(out, broker.Message{ID: e.id, Body: e.body})
	}
	return out, nil
}

// Range implements broker.Broker.
func (m *Store) Range(_ context.Context, stream string, start, end id.StreamID, count int64) ([]broker.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.streams[stream]
	if st == nil {
		return nil, nil
	}
	var out []broker.Message
	for _, e := range st.entries {
		if e.id.Before(start) || end.Before(e.id) {
			continue
		}
		out = append(out, broker.Message{ID: e.id, Body: e.body})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// Last implements broker.Broker.
func (m *Store) Last(_ context.Context, stream string) (id.StreamID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.streams[stream]; st != nil {
		return st.lastID, nil
	}
	return id.Zero, nil
}

// EnsureGroup implements broker.Broker. The cursor starts at the log's
// current tail; re-creating an existing group never resets it.
func (m *Store) EnsureGroup(_ context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stream(stream)
	if _, ok := st.groups[group]; ok {
		return nil
	}
	st.groups[group] = &groupState{
		lastDelivered: st.lastID,
		pending:       make(map[id.StreamID]*pendingState),
	}
	return nil
}

// GroupInfo implements broker.Broker.
func (m *Store) GroupInfo(_ context.Context, stream, group string) (broker.GroupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.group(stream, group)
	if g == nil {
		return broker.GroupInfo{}, fmt.Errorf("%w: group %q on %q", streamq.ErrUnknownQueue, group, stream)
	}
	consumers := make(map[string]struct{})
	for _, p := range g.pending {
		consumers[p.consumer] = struct{}{}
	}
	return broker.GroupInfo{
		Name:            group,
		Pending:         int64(len(g.pending)),
		Consumers:       int64(len(consumers)),
		LastDeliveredID: g.lastDelivered,
	}, nil
}

// SetAdd implements broker.Broker.
func (m *Store) SetAdd(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	if _, exists := s[member]; exists {
		return false, nil
	}
	s[member] = struct{}{}
	return true, nil
}

// SetContains implements broker.Broker.
func (m *Store) SetContains(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

// SetRemove implements broker.Broker.
func (m *Store) SetRemove(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[key], member)
	return nil
}

// Delete implements broker.Broker. Pending records for deleted entries
// survive until claimed, mirroring XDEL.
func (m *Store) Delete(_ context.Context, stream string, ids ...id.StreamID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.streams[stream]
	if st == nil {
		return nil
	}
	drop := make(map[id.StreamID]struct{}, len(ids))
	for _, sid := range ids {
		drop[sid] = struct{}{}
	}
	kept := st.entries[:0]
	for _, e := range st.entries {
		if _, gone := drop[e.id]; !gone {
			kept = append(kept, e)
		}
	}
	st.entries = kept
	return nil
}

// AcquireLease implements broker.Broker.
func (m *Store) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[key]
	if ok && l.until.After(m.now()) && l.owner != owner {
		return false, nil
	}
	m.leases[key] = lease{owner: owner, until: m.now().Add(ttl)}
	return true, nil
}

// ReleaseLease implements broker.Broker.
func (m *Store) ReleaseLease(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && l.owner == owner {
		delete(m.leases, key)
	}
	return nil
}

// Ping implements broker.Broker.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close implements broker.Broker.
func (m *Store) Close() error { return nil }

func (m *Store) stream(name string) *streamState {
	st, ok := m.streams[name]
	if !ok {
		st = &streamState{groups: make(map[string]*groupState)}
		m.streams[name] = st
	}
	return st
}

func (m *Store) group(stream, group string) *groupState {
	st := m.streams[stream]
	if st == nil {
		return nil
	}
	return st.groups[group]
}

func (st *streamState) find(sid id.StreamID) (entry, bool) {
	i := sort.Search(len(st.entries), func(i int) bool {
		return !st.entries[i].id.Before(sid)
	})
	if i < len(st.entries) && st.entries[i].id == sid {
		return st.entries[i], true
	}
	return entry{}, false
}
