// Package unitbus distributes the units released by a metamux engine to
// several downstream consumers.
//
// A Bus is a metamux.UnitSink. Each subscriber picks how the bus behaves when
// it cannot keep up:
//   - Block: Emit waits for the subscriber (bounded by ctx); nothing is lost
//   - DropNew: the unit is dropped if the subscriber's channel is full
//   - DropOld: the subscriber only ever sees the latest unit
//
// Units are shared between subscribers and must be treated as read-only.
//
// Usage:
//
//	bus := unitbus.New()
//	defer bus.Close()
//
//	writer := make(chan *metamux.Unit, 32)
//	bus.Subscribe("writer", writer, unitbus.Block)
//
//	latest, _ := bus.SubscribeLatest("preview")
//	defer latest.Close()
//
//	err := eng.Run(ctx, media, bus)
package unitbus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/metamux/internal/meta"
)

var (
	ErrBusClosed          = errors.New("unitbus: bus is closed")
	ErrSubscriberExists   = errors.New("unitbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("unitbus: subscriber not found")
	ErrNilChannel         = errors.New("unitbus: nil channel provided")
	ErrReceiverClosed     = errors.New("unitbus: receiver is closed")
)

// Policy defines how the bus handles units when a subscriber cannot keep up
type Policy int

const (
	Block Policy = iota
	DropNew
	DropOld
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropNew:
		return "drop_new"
	case DropOld:
		return "drop_old"
	default:
		return "unknown"
	}
}

// SubscriberStats tracks unit distribution for one subscriber
type SubscriberStats struct {
	Policy  Policy
	Sent    uint64
	Dropped uint64
}

// Stats is a bus snapshot
type Stats struct {
	TotalEmitted uint64
	TotalSent    uint64
	TotalDropped uint64
	Subscribers  map[string]SubscriberStats
}

type subscriber struct {
	id     string
	policy Policy

	sent    atomic.Uint64
	dropped atomic.Uint64

	// Block, DropNew
	ch chan<- *meta.Unit

	// DropOld
	latest *Receiver
}

// Bus fans units out to subscribers. The zero value is not usable; call New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	order       []*subscriber // subscription order, rebuilt on change
	closed      bool

	totalEmitted atomic.Uint64
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a channel with the Block or DropNew policy. The bus
// never closes ch.
func (b *Bus) Subscribe(id string, ch chan<- *meta.Unit, policy Policy) error {
	if ch == nil {
		return ErrNilChannel
	}
	if policy != Block && policy != DropNew {
		return errors.New("unitbus: channel subscribers need the Block or DropNew policy")
	}
	return b.add(&subscriber{id: id, policy: policy, ch: ch})
}

// SubscribeLatest registers a DropOld subscriber and returns its receiver
func (b *Bus) SubscribeLatest(id string) (*Receiver, error) {
	r := newReceiver()
	if err := b.add(&subscriber{id: id, policy: DropOld, latest: r}); err != nil {
		return nil, err
	}
	return r, nil
}

func (b *Bus) add(s *subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[s.id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[s.id] = s
	b.order = append(b.order, s)
	return nil
}

// Unsubscribe removes a subscriber. A DropOld receiver is closed.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if s.latest != nil {
		s.latest.Close()
	}

	delete(b.subscribers, id)
	order := make([]*subscriber, 0, len(b.order))
	for _, o := range b.order {
		if o != s {
			order = append(order, o)
		}
	}
	b.order = order
	return nil
}

// Emit distributes u to every subscriber in subscription order. It blocks
// only on Block subscribers and returns ctx.Err() if ctx ends while waiting
// for one of them.
func (b *Bus) Emit(ctx context.Context, u *meta.Unit) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	// Delivery happens outside the lock so a blocked subscriber cannot hold
	// up Subscribe or Unsubscribe.
	subs := b.order
	b.mu.RUnlock()

	b.totalEmitted.Add(1)

	for _, s := range subs {
		switch s.policy {
		case Block:
			select {
			case s.ch <- u:
				s.sent.Add(1)
			case <-ctx.Done():
				s.dropped.Add(1)
				return ctx.Err()
			}

		case DropNew:
			select {
			case s.ch <- u:
				s.sent.Add(1)
			default:
				s.dropped.Add(1)
			}

		case DropOld:
			if replaced := s.latest.set(u); replaced {
				s.dropped.Add(1)
			}
			s.sent.Add(1)
		}
	}
	return nil
}

// Stats returns global and per-subscriber counters
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := Stats{
		TotalEmitted: b.totalEmitted.Load(),
		Subscribers:  make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, s := range b.subscribers {
		st := SubscriberStats{Policy: s.policy, Sent: s.sent.Load(), Dropped: s.dropped.Load()}
		out.TotalSent += st.Sent
		out.TotalDropped += st.Dropped
		out.Subscribers[id] = st
	}
	return out
}

// Lagging returns the subscribers whose drop rate exceeds threshold (0-1),
// sorted by id
func (b *Bus) Lagging(threshold float64) []string {
	var ids []string
	for id, s := range b.Stats().Subscribers {
		total := s.Sent + s.Dropped
		if total == 0 {
			continue
		}
		if float64(s.Dropped)/float64(total) > threshold {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close shuts down the bus and closes every DropOld receiver. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, s := range b.subscribers {
		if s.latest != nil {
			s.latest.Close()
		}
	}
	b.subscribers = nil
	b.order = nil
}
