package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conduitnetwork/conduit/internal/observability"
	"github.com/conduitnetwork/conduit/internal/schema"
)

// MemoryConfig sizes the in-memory bus.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

// MemoryBus is an in-memory implementation of Bus.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.EventKind]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
}

type subscriber struct {
	owner  string
	filter Filter
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.Event
	once   sync.Once
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := new(MemoryBus)
	b.cfg = cfg
	b.ctx = ctx
	b.cancel = cancel
	b.subscribers = make(map[schema.EventKind]map[SubscriptionID]*subscriber)

	meter := otel.Meter("bus")
	b.publishedCounter, _ = meter.Int64Counter("bus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	b.droppedCounter, _ = meter.Int64Counter("bus.events.dropped",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	b.subscriberGauge, _ = meter.Int64UpDownCounter("bus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	return b
}

// Publish fans the event out to every subscriber of its kind whose filter
// accepts it. Filters run synchronously on the publisher goroutine.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Kind == "" {
		return fmt.Errorf("bus: event kind required")
	}

	b.mu.RLock()
	subMap := b.subscribers[evt.Kind]
	targets := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(evt.Kind))))
	}
	if len(targets) == 0 {
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, target := range targets {
		sub := target
		p.Go(func() {
			b.deliver(ctx, sub, evt)
		})
	}
	p.Wait()
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt schema.Event) {
	select {
	case <-b.ctx.Done():
	case <-ctx.Done():
	case <-sub.ctx.Done():
	case sub.ch <- evt:
	default:
		// Subscriber buffer full; drop rather than stall unrelated work.
		if b.droppedCounter != nil {
			b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", string(evt.Kind)),
				attribute.String("owner", sub.owner)))
		}
		observability.Log().Error("bus: subscriber buffer full, event dropped",
			observability.Field{Key: "kind", Value: string(evt.Kind)},
			observability.Field{Key: "owner", Value: sub.owner})
	}
}

// Subscribe registers for events of the given kind. The owner tag groups
// subscriptions for UnsubscribeAll.
func (b *MemoryBus) Subscribe(ctx context.Context, kind schema.EventKind, owner string, filter Filter) (SubscriptionID, <-chan schema.Event, error) {
	if kind == "" {
		return "", nil, fmt.Errorf("bus: event kind required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	subCtx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.owner = owner
	sub.filter = filter
	sub.ctx = subCtx
	sub.cancel = cancel
	sub.ch = make(chan schema.Event, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[kind]; !ok {
		b.subscribers[kind] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[kind][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(subCtx, 1, metric.WithAttributes(
			attribute.String("kind", string(kind))))
	}

	go b.observe(kind, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for kind, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, kind)
			}
			b.mu.Unlock()
			b.noteUnsubscribed(kind)
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// UnsubscribeAll removes every subscription registered under the owner tag.
func (b *MemoryBus) UnsubscribeAll(owner string) {
	if owner == "" {
		return
	}
	var closing []*subscriber
	b.mu.Lock()
	for kind, subs := range b.subscribers {
		for id, sub := range subs {
			if sub.owner != owner {
				continue
			}
			delete(subs, id)
			closing = append(closing, sub)
			b.noteUnsubscribed(kind)
		}
		if len(subs) == 0 {
			delete(b.subscribers, kind)
		}
	}
	b.mu.Unlock()
	for _, sub := range closing {
		sub.close()
	}
}

// WaitFor blocks until an event of the kind passing the filter arrives or the
// context ends.
func (b *MemoryBus) WaitFor(ctx context.Context, kind schema.EventKind, filter Filter) (schema.Event, error) {
	id, ch, err := b.Subscribe(ctx, kind, "waitfor", filter)
	if err != nil {
		return schema.Event{}, err
	}
	defer b.Unsubscribe(id)
	select {
	case <-ctx.Done():
		return schema.Event{}, fmt.Errorf("bus: wait for %s: %w", kind, ctx.Err())
	case evt, ok := <-ch:
		if !ok {
			return schema.Event{}, fmt.Errorf("bus: closed while waiting for %s", kind)
		}
		return evt, nil
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for kind, subs := range b.subscribers {
			for id, sub := range subs {
				sub.close()
				delete(subs, id)
			}
			delete(b.subscribers, kind)
		}
		b.mu.Unlock()
	})
}

func (b *MemoryBus) observe(kind schema.EventKind, id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	subs := b.subscribers[kind]
	if subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, kind)
			}
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (b *MemoryBus) noteUnsubscribed(kind schema.EventKind) {
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			attribute.String("kind", string(kind))))
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
